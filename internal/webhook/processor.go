package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/engine"
	"github.com/lumenhq/calsync/internal/metrics"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/secrets"
	"github.com/lumenhq/calsync/internal/store"
)

// Pipeline rejection reasons. None of these ever reach the provider: the HTTP
// layer acknowledges with 2xx regardless, so a probing sender learns nothing.
var (
	ErrReplayDetected      = errors.New("notification replay detected")
	ErrClientStateMismatch = errors.New("client state mismatch")
	ErrUnknownSubscription = errors.New("notification for unknown subscription")
	ErrInactiveConnection  = errors.New("notification for inactive connection")
)

// Notification is one provider change notification, already lifted out of the
// provider's HTTP framing.
type Notification struct {
	Provider       provider.Name
	SubscriptionID string
	ClientState    string
	ChangeType     string
	Resource       string
}

func (n Notification) fingerprint() string {
	return Fingerprint(n.SubscriptionID, n.ClientState, n.ChangeType, n.Resource)
}

// Syncer triggers a delta sync for a calendar subscription.
type Syncer interface {
	Sync(ctx context.Context, calendarSubscriptionID string) (engine.SyncResult, error)
}

// Processor validates and dispatches inbound notifications.
type Processor struct {
	store  *store.Store
	cipher *secrets.Cipher
	replay *ReplayCache
	syncer Syncer
	log    *zap.Logger
}

// NewProcessor creates a notification processor.
func NewProcessor(st *store.Store, cipher *secrets.Cipher, replay *ReplayCache, syncer Syncer, log *zap.Logger) *Processor {
	return &Processor{store: st, cipher: cipher, replay: replay, syncer: syncer, log: log}
}

// Process runs one notification through the pipeline: replay check, client
// state verification, liveness check, then sync dispatch. The fingerprint is
// marked seen only after the sync succeeded, so a delivery that failed
// mid-pipeline may be retried by the provider.
//
// The returned error is for logging and tests; callers on the HTTP path
// discard it and acknowledge the provider unconditionally.
func (p *Processor) Process(ctx context.Context, n Notification) error {
	outcome, err := p.process(ctx, n)
	metrics.WebhookNotificationsTotal.WithLabelValues(string(n.Provider), outcome).Inc()
	if err != nil {
		p.log.Warn("webhook notification rejected",
			zap.String("provider", string(n.Provider)),
			zap.String("subscription_id", n.SubscriptionID),
			zap.String("change_type", n.ChangeType),
			zap.String("outcome", outcome),
			zap.Error(err))
	}
	return err
}

func (p *Processor) process(ctx context.Context, n Notification) (string, error) {
	fp := n.fingerprint()
	if p.replay.Seen(fp) {
		return "replay", ErrReplayDetected
	}

	sub, err := p.store.GetWebhookSubscriptionByProviderID(ctx, n.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "unknown_subscription", ErrUnknownSubscription
		}
		return "error", fmt.Errorf("load webhook subscription: %w", err)
	}

	expected, err := p.cipher.Decrypt(sub.ClientState)
	if err != nil {
		return "error", fmt.Errorf("decrypt client state: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(n.ClientState)) != 1 {
		return "forged", ErrClientStateMismatch
	}

	conn, err := p.store.GetConnection(ctx, sub.ConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "inactive_connection", ErrInactiveConnection
		}
		return "error", fmt.Errorf("load connection: %w", err)
	}
	if conn.AuthExpired {
		return "inactive_connection", ErrInactiveConnection
	}

	if _, err := p.syncer.Sync(ctx, sub.CalendarSubscriptionID); err != nil {
		return "sync_error", fmt.Errorf("dispatch sync: %w", err)
	}

	p.replay.MarkSeen(fp)
	if err := p.store.TouchWebhookNotification(ctx, sub.ID, time.Now()); err != nil {
		p.log.Error("failed to record notification time",
			zap.String("webhook_subscription_id", sub.ID), zap.Error(err))
	}

	p.log.Debug("webhook notification processed",
		zap.String("provider", string(n.Provider)),
		zap.String("calendar_subscription_id", sub.CalendarSubscriptionID),
		zap.String("change_type", n.ChangeType))
	return "accepted", nil
}
