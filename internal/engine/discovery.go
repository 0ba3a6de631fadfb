package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/store"
)

// DiscoverCalendars lists the provider account's calendars and registers a
// subscription row for each, preserving cursors on calendars already known.
// Returns the subscriptions in provider order.
func (e *Engine) DiscoverCalendars(ctx context.Context, connectionID string) ([]store.CalendarSubscription, error) {
	conn, err := e.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	adapter, ok := e.adapters[provider.Name(conn.Provider)]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", conn.Provider)
	}

	accessToken, err := e.tokens.ValidAccessToken(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	calendars, err := adapter.ListCalendars(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}

	var subs []store.CalendarSubscription
	for _, cal := range calendars {
		id, err := e.store.UpsertCalendarSubscription(ctx, store.CalendarSubscription{
			ID:                 uuid.NewString(),
			ConnectionID:       connectionID,
			ProviderCalendarID: cal.ID,
			Name:               cal.Name,
			TimeZone:           cal.TimeZone,
			ReadOnly:           cal.ReadOnly,
		})
		if err != nil {
			return nil, err
		}
		sub, err := e.store.GetCalendarSubscription(ctx, id)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	e.log.Info("discovered calendars",
		zap.String("connection_id", connectionID),
		zap.String("provider", conn.Provider),
		zap.Int("count", len(subs)))
	return subs, nil
}

// SyncConnection syncs every calendar of a connection. The first error aborts
// the loop and propagates; calendars already synced keep their new cursors.
func (e *Engine) SyncConnection(ctx context.Context, connectionID string) (SyncResult, error) {
	subs, err := e.store.ListCalendarSubscriptions(ctx, connectionID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list calendar subscriptions: %w", err)
	}

	var total SyncResult
	for _, sub := range subs {
		res, err := e.Sync(ctx, sub.ID)
		if err != nil {
			return total, err
		}
		total.Upserted += res.Upserted
		total.Removed += res.Removed
		total.FullResync = total.FullResync || res.FullResync
	}
	return total, nil
}
