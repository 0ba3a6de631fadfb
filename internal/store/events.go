package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventRecord is a normalized event row ready for persistence.
type EventRecord struct {
	ID                     string
	CalendarSubscriptionID string
	ProviderEventID        string
	Title                  string
	Description            string
	Location               string
	StartAt                time.Time
	EndAt                  time.Time
	AllDay                 bool
	TimeZone               string
	Status                 string
	HTMLLink               string
	AttendeesJSON          string
	RRule                  string
	RecurrenceRaw          string
	SeriesMasterID         string
	OnlineMeetingURL       string
	Importance             string
	ProviderUpdatedAt      time.Time
}

// UpsertEventTx inserts or updates an event row inside a sync transaction.
func (s *Store) UpsertEventTx(ctx context.Context, tx *sql.Tx, rec EventRecord) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO calendar_events
		(id, calendar_subscription_id, provider_event_id, title, description, location,
		 start_at, end_at, all_day, time_zone, status, html_link, attendees_json,
		 rrule, recurrence_raw, series_master_id, online_meeting_url, importance,
		 provider_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(calendar_subscription_id, provider_event_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			time_zone = excluded.time_zone,
			status = excluded.status,
			html_link = excluded.html_link,
			attendees_json = excluded.attendees_json,
			rrule = excluded.rrule,
			recurrence_raw = excluded.recurrence_raw,
			series_master_id = excluded.series_master_id,
			online_meeting_url = excluded.online_meeting_url,
			importance = excluded.importance,
			provider_updated_at = excluded.provider_updated_at,
			updated_at = excluded.updated_at
	`, rec.ID, rec.CalendarSubscriptionID, rec.ProviderEventID, rec.Title, rec.Description, rec.Location,
		nullableUnix(rec.StartAt), nullableUnix(rec.EndAt), boolToInt(rec.AllDay), rec.TimeZone,
		rec.Status, rec.HTMLLink, rec.AttendeesJSON, rec.RRule, rec.RecurrenceRaw,
		rec.SeriesMasterID, rec.OnlineMeetingURL, rec.Importance,
		nullableUnix(rec.ProviderUpdatedAt), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert event: %w", err)
	}
	return nil
}

// DeleteEventTx removes a tombstoned event inside a sync transaction. Reports
// whether a row existed.
func (s *Store) DeleteEventTx(ctx context.Context, tx *sql.Tx, calendarSubscriptionID, providerEventID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM calendar_events WHERE calendar_subscription_id = ? AND provider_event_id = ?
	`, calendarSubscriptionID, providerEventID)
	if err != nil {
		return false, fmt.Errorf("failed to delete event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountEvents returns the number of stored events for a calendar.
func (s *Store) CountEvents(ctx context.Context, calendarSubscriptionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM calendar_events WHERE calendar_subscription_id = ?
	`, calendarSubscriptionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}
