// Package provider defines the adapter contract between the sync engine and
// external calendar providers. Nothing outside a concrete adapter references
// provider SDK types; everything crosses this boundary in the normalized
// shapes below.
package provider

import (
	"context"
	"time"

	"github.com/lumenhq/calsync/internal/recurrence"
)

// Name identifies a calendar provider.
type Name string

const (
	Google    Name = "GOOGLE"
	Microsoft Name = "MICROSOFT"
)

// Tokens is the result of an OAuth code exchange or refresh. RefreshToken is
// empty when the provider did not reissue one.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Profile identifies the provider account behind a token.
type Profile struct {
	Email string
	Name  string
}

// Calendar is normalized calendar metadata.
type Calendar struct {
	ID       string
	Name     string
	Color    string
	TimeZone string
	Primary  bool
	ReadOnly bool
}

// Attendee is a normalized event participant.
type Attendee struct {
	Email       string
	DisplayName string
	Response    string
	Organizer   bool
	Optional    bool
}

// Event is a normalized calendar event as returned by a delta fetch. Removed
// marks tombstones: the event was deleted or cancelled at the provider.
type Event struct {
	ID               string
	Title            string
	Description      string
	Location         string
	Start            time.Time
	End              time.Time
	AllDay           bool
	TimeZone         string
	Status           string
	HTMLLink         string
	Attendees        []Attendee
	Recurrence       *recurrence.Rule
	RecurrenceRaw    string // provider form, preserved when normalization failed
	SeriesMasterID   string
	OnlineMeetingURL string
	Importance       string
	Removed          bool
	UpdatedAt        time.Time
}

// DeltaResult is one logical delta fetch: all pages accumulated, the cursor
// from the final page, and whether the provider invalidated the presented
// cursor (in which case Events is empty and NextCursor is unset).
type DeltaResult struct {
	Events        []Event
	NextCursor    string
	CursorInvalid bool
}

// Subscription is a provider-side webhook registration.
type Subscription struct {
	ID       string
	Resource string
	Expiry   time.Time
}

// Adapter translates generic sync operations into provider API calls.
//
// FetchDelta with an empty cursor performs a full sync and returns a fresh
// cursor; with a cursor it returns only changes since it was issued.
// Subscribe clamps ttl to the provider maximum rather than failing. Adapters
// never retry rate limits internally; they surface RateLimitedError and leave
// backoff to the caller.
type Adapter interface {
	Name() Name
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
	Profile(ctx context.Context, accessToken string) (Profile, error)
	ListCalendars(ctx context.Context, accessToken string) ([]Calendar, error)
	FetchDelta(ctx context.Context, accessToken, calendarID, cursor string) (DeltaResult, error)
	Subscribe(ctx context.Context, accessToken, calendarID, callbackURL, clientState string, ttl time.Duration) (Subscription, error)
	Renew(ctx context.Context, accessToken, subscriptionID string, ttl time.Duration) (Subscription, error)
	Unsubscribe(ctx context.Context, accessToken, subscriptionID, resource string) error
	Revoke(ctx context.Context, token string) error
}
