package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/metrics"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/secrets"
	"github.com/lumenhq/calsync/internal/store"
	"github.com/lumenhq/calsync/internal/tokens"
)

// requestedTTL is what we ask providers for; each adapter clamps it to the
// provider's actual maximum.
const requestedTTL = 7 * 24 * time.Hour

// ManagerConfig tunes the subscription manager.
type ManagerConfig struct {
	// WebhookURL returns the public callback URL for a provider path segment.
	WebhookURL func(provider string) string
	// RenewalWindow is how far ahead of expiry a subscription is renewed.
	RenewalWindow time.Duration
	// RenewalInterval is how often the maintenance loop runs.
	RenewalInterval time.Duration
}

// Manager owns the webhook subscription lifecycle: create, renew ahead of
// expiry, recreate when the provider lost the registration, and tear down on
// disconnect.
type Manager struct {
	store    *store.Store
	cipher   *secrets.Cipher
	tokens   *tokens.Service
	adapters map[provider.Name]provider.Adapter
	cfg      ManagerConfig
	log      *zap.Logger
}

// NewManager creates a subscription manager.
func NewManager(st *store.Store, cipher *secrets.Cipher, tok *tokens.Service, adapters map[provider.Name]provider.Adapter, cfg ManagerConfig, log *zap.Logger) *Manager {
	return &Manager{store: st, cipher: cipher, tokens: tok, adapters: adapters, cfg: cfg, log: log}
}

// EnsureSubscribed guarantees an active provider-side registration for the
// calendar. An existing registration outside the renewal window is kept as is.
func (m *Manager) EnsureSubscribed(ctx context.Context, calendarSubscriptionID string) error {
	existing, err := m.store.ActiveWebhookSubscription(ctx, calendarSubscriptionID)
	if err == nil && time.Until(existing.ExpiresAt) > m.cfg.RenewalWindow {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load active webhook subscription: %w", err)
	}

	calSub, err := m.store.GetCalendarSubscription(ctx, calendarSubscriptionID)
	if err != nil {
		return fmt.Errorf("load calendar subscription: %w", err)
	}
	conn, err := m.store.GetConnection(ctx, calSub.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}

	return m.create(ctx, conn, calSub)
}

// create registers a new provider-side subscription with a fresh client-state
// secret and persists it, deactivating any previous registration.
func (m *Manager) create(ctx context.Context, conn store.Connection, calSub store.CalendarSubscription) error {
	adapter, ok := m.adapters[provider.Name(conn.Provider)]
	if !ok {
		return fmt.Errorf("no adapter for provider %q", conn.Provider)
	}

	accessToken, err := m.tokens.ValidAccessToken(ctx, conn.ID)
	if err != nil {
		return err
	}

	clientState := uuid.NewString()
	callbackURL := m.cfg.WebhookURL(providerPath(provider.Name(conn.Provider)))

	sub, err := adapter.Subscribe(ctx, accessToken, calSub.ProviderCalendarID, callbackURL, clientState, requestedTTL)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	encState, err := m.cipher.Encrypt(clientState)
	if err != nil {
		return fmt.Errorf("encrypt client state: %w", err)
	}

	if err := m.store.CreateWebhookSubscription(ctx, store.WebhookSubscription{
		ID:                     uuid.NewString(),
		ConnectionID:           conn.ID,
		CalendarSubscriptionID: calSub.ID,
		ProviderSubscriptionID: sub.ID,
		Resource:               sub.Resource,
		ClientState:            encState,
		ExpiresAt:              sub.Expiry,
	}); err != nil {
		return err
	}

	m.log.Info("webhook subscription created",
		zap.String("calendar_subscription_id", calSub.ID),
		zap.String("provider", conn.Provider),
		zap.Time("expires_at", sub.Expiry))
	return nil
}

// RenewDue renews every active registration expiring within the renewal
// window. A registration the provider no longer knows about is recreated with
// a fresh client-state secret. Failures are logged per subscription; one bad
// registration never blocks the rest.
func (m *Manager) RenewDue(ctx context.Context) {
	due, err := m.store.ListWebhookSubscriptionsExpiringBefore(ctx, time.Now().Add(m.cfg.RenewalWindow))
	if err != nil {
		m.log.Error("failed to list expiring webhook subscriptions", zap.Error(err))
		return
	}

	for _, sub := range due {
		if ctx.Err() != nil {
			return
		}
		if err := m.renewOne(ctx, sub); err != nil {
			m.log.Warn("webhook subscription renewal failed",
				zap.String("webhook_subscription_id", sub.ID),
				zap.Error(err))
		}
	}
}

func (m *Manager) renewOne(ctx context.Context, sub store.WebhookSubscription) error {
	conn, err := m.store.GetConnection(ctx, sub.ConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Connection is gone; the registration will age out and be pruned.
			return m.store.DeactivateWebhookSubscription(ctx, sub.ID)
		}
		return fmt.Errorf("load connection: %w", err)
	}
	if conn.AuthExpired {
		return nil
	}

	adapter, ok := m.adapters[provider.Name(conn.Provider)]
	if !ok {
		return fmt.Errorf("no adapter for provider %q", conn.Provider)
	}

	accessToken, err := m.tokens.ValidAccessToken(ctx, conn.ID)
	if err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			return nil
		}
		return err
	}

	renewed, err := adapter.Renew(ctx, accessToken, sub.ProviderSubscriptionID, requestedTTL)
	switch {
	case err == nil:
		metrics.SubscriptionRenewalsTotal.WithLabelValues(conn.Provider, "renewed").Inc()
		m.log.Info("webhook subscription renewed",
			zap.String("webhook_subscription_id", sub.ID),
			zap.Time("expires_at", renewed.Expiry))
		return m.store.UpdateWebhookSubscriptionExpiry(ctx, sub.ID, renewed.Expiry)

	case errors.Is(err, provider.ErrSubscriptionNotFound):
		calSub, loadErr := m.store.GetCalendarSubscription(ctx, sub.CalendarSubscriptionID)
		if loadErr != nil {
			return fmt.Errorf("load calendar subscription for recreate: %w", loadErr)
		}
		// Best effort: the old registration may linger provider-side.
		if stopErr := adapter.Unsubscribe(ctx, accessToken, sub.ProviderSubscriptionID, sub.Resource); stopErr != nil {
			m.log.Debug("failed to stop stale subscription before recreate",
				zap.String("webhook_subscription_id", sub.ID), zap.Error(stopErr))
		}
		if createErr := m.create(ctx, conn, calSub); createErr != nil {
			metrics.SubscriptionRenewalsTotal.WithLabelValues(conn.Provider, "error").Inc()
			return fmt.Errorf("recreate subscription: %w", createErr)
		}
		metrics.SubscriptionRenewalsTotal.WithLabelValues(conn.Provider, "recreated").Inc()
		return nil

	default:
		metrics.SubscriptionRenewalsTotal.WithLabelValues(conn.Provider, "error").Inc()
		return fmt.Errorf("renew subscription: %w", err)
	}
}

// Teardown unsubscribes every active registration of a connection at the
// provider and deactivates the local rows. Provider-side failures are logged
// and skipped; local state always ends up deactivated.
func (m *Manager) Teardown(ctx context.Context, connectionID string) error {
	subs, err := m.store.ListCalendarSubscriptions(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("list calendar subscriptions: %w", err)
	}

	conn, connErr := m.store.GetConnection(ctx, connectionID)
	var adapter provider.Adapter
	var accessToken string
	if connErr == nil && !conn.AuthExpired {
		if a, ok := m.adapters[provider.Name(conn.Provider)]; ok {
			adapter = a
			if accessToken, err = m.tokens.ValidAccessToken(ctx, connectionID); err != nil {
				adapter = nil
			}
		}
	}

	for _, calSub := range subs {
		sub, err := m.store.ActiveWebhookSubscription(ctx, calSub.ID)
		if err != nil {
			continue
		}
		if adapter != nil {
			if err := adapter.Unsubscribe(ctx, accessToken, sub.ProviderSubscriptionID, sub.Resource); err != nil {
				m.log.Warn("failed to unsubscribe at provider",
					zap.String("webhook_subscription_id", sub.ID), zap.Error(err))
			}
		}
		if err := m.store.DeactivateWebhookSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// RunMaintenance renews due subscriptions and prunes expired state on the
// configured interval until ctx is cancelled.
func (m *Manager) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RenewDue(ctx)

			if n, err := m.store.PruneWebhookSubscriptions(ctx, time.Now().Add(-24*time.Hour)); err != nil {
				m.log.Error("failed to prune webhook subscriptions", zap.Error(err))
			} else if n > 0 {
				m.log.Debug("pruned expired webhook subscriptions", zap.Int64("count", n))
			}
			if _, err := m.store.PruneOAuthStates(ctx); err != nil {
				m.log.Error("failed to prune oauth states", zap.Error(err))
			}
		}
	}
}

func providerPath(name provider.Name) string {
	switch name {
	case provider.Google:
		return "google"
	case provider.Microsoft:
		return "microsoft"
	default:
		return ""
	}
}
