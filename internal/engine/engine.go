// Package engine drives delta synchronization of provider calendars into the
// local store and the event outbox.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lumenhq/calsync/internal/metrics"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/store"
	"github.com/lumenhq/calsync/internal/tokens"
)

// SyncResult summarizes one completed sync of a calendar.
type SyncResult struct {
	Upserted   int
	Removed    int
	FullResync bool
	NextCursor string
}

// Engine coordinates delta syncs. At most one sync per calendar runs at a
// time; concurrent requests for the same calendar share the in-flight result.
type Engine struct {
	store    *store.Store
	tokens   *tokens.Service
	adapters map[provider.Name]provider.Adapter
	log      *zap.Logger
	group    singleflight.Group
}

// New creates the sync engine.
func New(st *store.Store, tok *tokens.Service, adapters map[provider.Name]provider.Adapter, log *zap.Logger) *Engine {
	return &Engine{store: st, tokens: tok, adapters: adapters, log: log}
}

// Sync performs a delta sync of one calendar subscription. When the provider
// reports the stored cursor invalid, it falls back to a full resync exactly
// once within the same call. A sync that fails leaves the stored cursor
// untouched so the next attempt resumes from the same point.
func (e *Engine) Sync(ctx context.Context, calendarSubscriptionID string) (SyncResult, error) {
	res, err, _ := e.group.Do(calendarSubscriptionID, func() (any, error) {
		return e.sync(ctx, calendarSubscriptionID)
	})
	if err != nil {
		return SyncResult{}, err
	}
	return res.(SyncResult), nil
}

func (e *Engine) sync(ctx context.Context, calendarSubscriptionID string) (SyncResult, error) {
	calSub, err := e.store.GetCalendarSubscription(ctx, calendarSubscriptionID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load calendar subscription: %w", err)
	}
	conn, err := e.store.GetConnection(ctx, calSub.ConnectionID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load connection: %w", err)
	}

	adapter, ok := e.adapters[provider.Name(conn.Provider)]
	if !ok {
		return SyncResult{}, fmt.Errorf("no adapter for provider %q", conn.Provider)
	}

	started := time.Now()
	result, err := e.runDelta(ctx, adapter, conn, calSub)
	metrics.SyncDuration.WithLabelValues(conn.Provider).Observe(time.Since(started).Seconds())

	if err != nil {
		e.recordFailure(ctx, conn.Provider, calSub.ID, err)
		return SyncResult{}, err
	}

	outcome := "ok"
	if result.FullResync {
		outcome = "full_resync"
	}
	metrics.SyncsTotal.WithLabelValues(conn.Provider, outcome).Inc()
	e.log.Info("calendar synced",
		zap.String("calendar_subscription_id", calSub.ID),
		zap.String("provider", conn.Provider),
		zap.Int("upserted", result.Upserted),
		zap.Int("removed", result.Removed),
		zap.Bool("full_resync", result.FullResync))
	return result, nil
}

func (e *Engine) runDelta(ctx context.Context, adapter provider.Adapter, conn store.Connection, calSub store.CalendarSubscription) (SyncResult, error) {
	accessToken, err := e.tokens.ValidAccessToken(ctx, conn.ID)
	if err != nil {
		return SyncResult{}, err
	}

	cursor := calSub.SyncCursor
	fullResync := cursor == ""

	delta, err := adapter.FetchDelta(ctx, accessToken, calSub.ProviderCalendarID, cursor)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetch delta: %w", err)
	}

	if delta.CursorInvalid {
		// The provider expired the cursor. One full resync within this call;
		// a second invalidation is a provider fault, not a retry loop.
		e.log.Warn("sync cursor invalidated by provider, falling back to full resync",
			zap.String("calendar_subscription_id", calSub.ID),
			zap.String("provider", conn.Provider))
		fullResync = true
		delta, err = adapter.FetchDelta(ctx, accessToken, calSub.ProviderCalendarID, "")
		if err != nil {
			return SyncResult{}, fmt.Errorf("fetch delta after cursor reset: %w", err)
		}
		if delta.CursorInvalid {
			return SyncResult{}, fmt.Errorf("%w: provider invalidated a fresh cursor", provider.ErrProviderUnavailable)
		}
	}

	result := SyncResult{FullResync: fullResync, NextCursor: delta.NextCursor}

	err = e.store.WithTx(ctx, func(tx *sql.Tx) error {
		for i := range delta.Events {
			ev := &delta.Events[i]
			if ev.Removed {
				existed, err := e.store.DeleteEventTx(ctx, tx, calSub.ID, ev.ID)
				if err != nil {
					return err
				}
				if existed {
					result.Removed++
					if err := e.enqueueEventTx(ctx, tx, conn, calSub, ev, "event.removed"); err != nil {
						return err
					}
				}
				continue
			}

			rec, err := toRecord(calSub.ID, ev)
			if err != nil {
				return err
			}
			if err := e.store.UpsertEventTx(ctx, tx, rec); err != nil {
				return err
			}
			result.Upserted++
			if err := e.enqueueEventTx(ctx, tx, conn, calSub, ev, "event.upserted"); err != nil {
				return err
			}
		}

		// Cursor and events land atomically: a crash never advances the
		// cursor past unpersisted changes.
		return e.store.SaveSyncCursorTx(ctx, tx, calSub.ID, delta.NextCursor, time.Now())
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("persist sync result: %w", err)
	}

	return result, nil
}

func (e *Engine) recordFailure(ctx context.Context, providerName, calSubID string, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, provider.ErrAuthExpired):
		outcome = "auth_expired"
	case isRateLimited(err):
		outcome = "rate_limited"
	case errors.Is(err, provider.ErrProviderUnavailable):
		outcome = "unavailable"
	}
	metrics.SyncsTotal.WithLabelValues(providerName, outcome).Inc()

	if recErr := e.store.RecordSyncError(ctx, calSubID, err.Error()); recErr != nil {
		e.log.Error("failed to record sync error",
			zap.String("calendar_subscription_id", calSubID), zap.Error(recErr))
	}
	e.log.Warn("calendar sync failed",
		zap.String("calendar_subscription_id", calSubID),
		zap.String("provider", providerName),
		zap.String("outcome", outcome),
		zap.Error(err))
}

func isRateLimited(err error) bool {
	_, ok := provider.RetryAfter(err)
	return ok
}

// eventEnvelope is the outbox payload announcing one event change.
type eventEnvelope struct {
	Type                   string              `json:"type"`
	UserID                 string              `json:"user_id"`
	ConnectionID           string              `json:"connection_id"`
	Provider               string              `json:"provider"`
	CalendarSubscriptionID string              `json:"calendar_subscription_id"`
	ProviderCalendarID     string              `json:"provider_calendar_id"`
	ProviderEventID        string              `json:"provider_event_id"`
	Title                  string              `json:"title,omitempty"`
	Start                  *time.Time          `json:"start,omitempty"`
	End                    *time.Time          `json:"end,omitempty"`
	AllDay                 bool                `json:"all_day,omitempty"`
	Status                 string              `json:"status,omitempty"`
	RRule                  string              `json:"rrule,omitempty"`
	Attendees              []provider.Attendee `json:"attendees,omitempty"`
	UpdatedAt              *time.Time          `json:"updated_at,omitempty"`
}

func (e *Engine) enqueueEventTx(ctx context.Context, tx *sql.Tx, conn store.Connection, calSub store.CalendarSubscription, ev *provider.Event, eventType string) error {
	env := eventEnvelope{
		Type:                   eventType,
		UserID:                 conn.UserID,
		ConnectionID:           conn.ID,
		Provider:               conn.Provider,
		CalendarSubscriptionID: calSub.ID,
		ProviderCalendarID:     calSub.ProviderCalendarID,
		ProviderEventID:        ev.ID,
		Title:                  ev.Title,
		AllDay:                 ev.AllDay,
		Status:                 ev.Status,
		Attendees:              ev.Attendees,
	}
	if !ev.Start.IsZero() {
		env.Start = &ev.Start
	}
	if !ev.End.IsZero() {
		env.End = &ev.End
	}
	if !ev.UpdatedAt.IsZero() {
		env.UpdatedAt = &ev.UpdatedAt
	}
	if ev.Recurrence != nil {
		rrule, err := ev.Recurrence.RRULE()
		if err != nil {
			return fmt.Errorf("render recurrence rule: %w", err)
		}
		env.RRule = rrule
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	subject := fmt.Sprintf("cal.events.%s.%s", conn.UserID, calSub.ID)
	msgID := fmt.Sprintf("%s.%s.%s.%d", eventType, calSub.ID, ev.ID, ev.UpdatedAt.UnixNano())
	return e.store.EnqueueOutboxTx(ctx, tx, subject, eventType, payload, msgID)
}

func toRecord(calSubID string, ev *provider.Event) (store.EventRecord, error) {
	rec := store.EventRecord{
		ID:                     uuid.NewString(),
		CalendarSubscriptionID: calSubID,
		ProviderEventID:        ev.ID,
		Title:                  ev.Title,
		Description:            ev.Description,
		Location:               ev.Location,
		StartAt:                ev.Start,
		EndAt:                  ev.End,
		AllDay:                 ev.AllDay,
		TimeZone:               ev.TimeZone,
		Status:                 ev.Status,
		HTMLLink:               ev.HTMLLink,
		RecurrenceRaw:          ev.RecurrenceRaw,
		SeriesMasterID:         ev.SeriesMasterID,
		OnlineMeetingURL:       ev.OnlineMeetingURL,
		Importance:             ev.Importance,
		ProviderUpdatedAt:      ev.UpdatedAt,
	}

	if len(ev.Attendees) > 0 {
		attendees, err := json.Marshal(ev.Attendees)
		if err != nil {
			return store.EventRecord{}, fmt.Errorf("marshal attendees: %w", err)
		}
		rec.AttendeesJSON = string(attendees)
	}

	if ev.Recurrence != nil {
		rrule, err := ev.Recurrence.RRULE()
		if err != nil {
			return store.EventRecord{}, fmt.Errorf("render recurrence rule: %w", err)
		}
		rec.RRule = rrule
	}

	return rec, nil
}
