package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CalendarSubscription tracks one synced provider calendar. SyncCursor is the
// opaque delta cursor; empty means the next sync is a full sync.
type CalendarSubscription struct {
	ID                 string
	ConnectionID       string
	ProviderCalendarID string
	Name               string
	TimeZone           string
	ReadOnly           bool
	SyncCursor         string
	LastSyncedAt       time.Time
	LastSyncError      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WebhookSubscription is a provider-side push registration. ClientState holds
// the encrypted shared secret echoed back by the provider.
type WebhookSubscription struct {
	ID                     string
	ConnectionID           string
	CalendarSubscriptionID string
	ProviderSubscriptionID string
	Resource               string
	ClientState            string
	ExpiresAt              time.Time
	Active                 bool
	LastNotificationAt     time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

const calendarSubColumns = `id, connection_id, provider_calendar_id, name, time_zone,
	read_only, sync_cursor, last_synced_at, last_sync_error, created_at, updated_at`

// UpsertCalendarSubscription inserts a calendar subscription or refreshes its
// metadata, preserving an existing cursor. Returns the stored row's id.
func (s *Store) UpsertCalendarSubscription(ctx context.Context, sub CalendarSubscription) (string, error) {
	now := time.Now().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO calendar_subscriptions
		(id, connection_id, provider_calendar_id, name, time_zone, read_only, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, provider_calendar_id) DO UPDATE SET
			name = excluded.name,
			time_zone = excluded.time_zone,
			read_only = excluded.read_only,
			updated_at = excluded.updated_at
	`, sub.ID, sub.ConnectionID, sub.ProviderCalendarID, sub.Name, sub.TimeZone,
		boolToInt(sub.ReadOnly), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to upsert calendar subscription: %w", err)
	}

	var id string
	err = s.DB.QueryRowContext(ctx, `
		SELECT id FROM calendar_subscriptions WHERE connection_id = ? AND provider_calendar_id = ?
	`, sub.ConnectionID, sub.ProviderCalendarID).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to load upserted calendar subscription: %w", err)
	}
	return id, nil
}

// GetCalendarSubscription loads a calendar subscription by id.
func (s *Store) GetCalendarSubscription(ctx context.Context, id string) (CalendarSubscription, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+calendarSubColumns+` FROM calendar_subscriptions WHERE id = ?
	`, id)

	var sub CalendarSubscription
	var readOnly int
	var cursor, syncErr sql.NullString
	var syncedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&sub.ID, &sub.ConnectionID, &sub.ProviderCalendarID, &sub.Name, &sub.TimeZone,
		&readOnly, &cursor, &syncedAt, &syncErr, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return CalendarSubscription{}, ErrNotFound
		}
		return CalendarSubscription{}, fmt.Errorf("failed to scan calendar subscription: %w", err)
	}
	sub.ReadOnly = readOnly != 0
	sub.SyncCursor = cursor.String
	sub.LastSyncedAt = unixOrZero(syncedAt)
	sub.LastSyncError = syncErr.String
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return sub, nil
}

// ListCalendarSubscriptions returns a connection's calendar subscriptions.
func (s *Store) ListCalendarSubscriptions(ctx context.Context, connectionID string) ([]CalendarSubscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+calendarSubColumns+` FROM calendar_subscriptions
		WHERE connection_id = ? ORDER BY created_at
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar subscriptions: %w", err)
	}
	defer rows.Close()

	var out []CalendarSubscription
	for rows.Next() {
		var sub CalendarSubscription
		var readOnly int
		var cursor, syncErr sql.NullString
		var syncedAt sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&sub.ID, &sub.ConnectionID, &sub.ProviderCalendarID, &sub.Name, &sub.TimeZone,
			&readOnly, &cursor, &syncedAt, &syncErr, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan calendar subscription: %w", err)
		}
		sub.ReadOnly = readOnly != 0
		sub.SyncCursor = cursor.String
		sub.LastSyncedAt = unixOrZero(syncedAt)
		sub.LastSyncError = syncErr.String
		sub.CreatedAt = time.Unix(createdAt, 0).UTC()
		sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calendar subscriptions: %w", err)
	}
	return out, nil
}

// SaveSyncCursorTx atomically replaces the cursor after a successful sync and
// clears any recorded sync error.
func (s *Store) SaveSyncCursorTx(ctx context.Context, tx *sql.Tx, id, cursor string, syncedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE calendar_subscriptions
		SET sync_cursor = ?, last_synced_at = ?, last_sync_error = NULL, updated_at = ?
		WHERE id = ?
	`, cursor, syncedAt.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}
	return nil
}

// RecordSyncError stores the failure message of the last sync attempt. The
// cursor is left untouched so the next attempt resumes from the same point.
func (s *Store) RecordSyncError(ctx context.Context, id, message string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE calendar_subscriptions SET last_sync_error = ?, updated_at = ? WHERE id = ?
	`, message, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

const webhookSubColumns = `id, connection_id, calendar_subscription_id, provider_subscription_id,
	resource, client_state, expires_at, active, last_notification_at, created_at, updated_at`

// CreateWebhookSubscription records a fresh provider-side registration and
// deactivates any previous registration for the same calendar.
func (s *Store) CreateWebhookSubscription(ctx context.Context, sub WebhookSubscription) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_subscriptions SET active = 0, updated_at = ?
			WHERE calendar_subscription_id = ? AND active = 1
		`, now, sub.CalendarSubscriptionID); err != nil {
			return fmt.Errorf("failed to deactivate previous webhook subscriptions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_subscriptions
			(id, connection_id, calendar_subscription_id, provider_subscription_id,
			 resource, client_state, expires_at, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		`, sub.ID, sub.ConnectionID, sub.CalendarSubscriptionID, sub.ProviderSubscriptionID,
			sub.Resource, sub.ClientState, sub.ExpiresAt.Unix(), now, now); err != nil {
			return fmt.Errorf("failed to insert webhook subscription: %w", err)
		}
		return nil
	})
}

// GetWebhookSubscriptionByProviderID resolves an inbound notification's
// subscription id to the active local registration.
func (s *Store) GetWebhookSubscriptionByProviderID(ctx context.Context, providerSubID string) (WebhookSubscription, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+webhookSubColumns+` FROM webhook_subscriptions
		WHERE provider_subscription_id = ? AND active = 1
	`, providerSubID)
	return scanWebhookSubscription(row)
}

// ActiveWebhookSubscription returns the active registration for a calendar, if any.
func (s *Store) ActiveWebhookSubscription(ctx context.Context, calendarSubscriptionID string) (WebhookSubscription, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+webhookSubColumns+` FROM webhook_subscriptions
		WHERE calendar_subscription_id = ? AND active = 1
		ORDER BY created_at DESC LIMIT 1
	`, calendarSubscriptionID)
	return scanWebhookSubscription(row)
}

// ListWebhookSubscriptionsExpiringBefore returns active registrations whose
// expiry falls at or before the deadline, for the renewal loop.
func (s *Store) ListWebhookSubscriptionsExpiringBefore(ctx context.Context, deadline time.Time) ([]WebhookSubscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+webhookSubColumns+` FROM webhook_subscriptions
		WHERE active = 1 AND expires_at <= ?
		ORDER BY expires_at
	`, deadline.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring webhook subscriptions: %w", err)
	}
	defer rows.Close()

	var out []WebhookSubscription
	for rows.Next() {
		sub, err := scanWebhookSubscriptionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook subscriptions: %w", err)
	}
	return out, nil
}

// UpdateWebhookSubscriptionExpiry records a successful in-place renewal.
func (s *Store) UpdateWebhookSubscriptionExpiry(ctx context.Context, id string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET expires_at = ?, updated_at = ? WHERE id = ?
	`, expiry.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update webhook subscription expiry: %w", err)
	}
	return nil
}

// DeactivateWebhookSubscription marks a registration inactive. Notifications
// that still arrive for it are dropped.
func (s *Store) DeactivateWebhookSubscription(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET active = 0, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate webhook subscription: %w", err)
	}
	return nil
}

// TouchWebhookNotification records the arrival time of the latest accepted
// notification.
func (s *Store) TouchWebhookNotification(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET last_notification_at = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch webhook notification time: %w", err)
	}
	return nil
}

// PruneWebhookSubscriptions deletes inactive registrations that expired before
// the cutoff.
func (s *Store) PruneWebhookSubscriptions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM webhook_subscriptions WHERE active = 0 AND expires_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanWebhookSubscription(row *sql.Row) (WebhookSubscription, error) {
	var sub WebhookSubscription
	var active int
	var lastNotification sql.NullInt64
	var expiresAt, createdAt, updatedAt int64
	err := row.Scan(&sub.ID, &sub.ConnectionID, &sub.CalendarSubscriptionID, &sub.ProviderSubscriptionID,
		&sub.Resource, &sub.ClientState, &expiresAt, &active, &lastNotification, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return WebhookSubscription{}, ErrNotFound
		}
		return WebhookSubscription{}, fmt.Errorf("failed to scan webhook subscription: %w", err)
	}
	sub.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	sub.Active = active != 0
	sub.LastNotificationAt = unixOrZero(lastNotification)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return sub, nil
}

func scanWebhookSubscriptionRows(rows *sql.Rows) (WebhookSubscription, error) {
	var sub WebhookSubscription
	var active int
	var lastNotification sql.NullInt64
	var expiresAt, createdAt, updatedAt int64
	err := rows.Scan(&sub.ID, &sub.ConnectionID, &sub.CalendarSubscriptionID, &sub.ProviderSubscriptionID,
		&sub.Resource, &sub.ClientState, &expiresAt, &active, &lastNotification, &createdAt, &updatedAt)
	if err != nil {
		return WebhookSubscription{}, fmt.Errorf("failed to scan webhook subscription: %w", err)
	}
	sub.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	sub.Active = active != 0
	sub.LastNotificationAt = unixOrZero(lastNotification)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return sub, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
