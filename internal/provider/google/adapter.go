// Package google implements the provider adapter for Google Calendar.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/lumenhq/calsync/internal/config"
	"github.com/lumenhq/calsync/internal/metrics"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/recurrence"
)

const (
	// Google push channels live at most 7 days for calendar resources.
	maxChannelTTL = 7 * 24 * time.Hour

	revokeURL = "https://oauth2.googleapis.com/revoke"

	fullSyncLookback = 30 * 24 * time.Hour
	fullSyncHorizon  = 365 * 24 * time.Hour

	pageSize = 250
)

// Adapter implements provider.Adapter for Google Calendar.
type Adapter struct {
	oauth *oauth2.Config
	log   *zap.Logger
}

// New creates a Google Calendar adapter.
func New(client config.OAuthClient, log *zap.Logger) *Adapter {
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  client.RedirectURL,
			Endpoint:     googleoauth.Endpoint,
			Scopes: []string{
				calendar.CalendarReadonlyScope,
				calendar.CalendarEventsScope,
				"https://www.googleapis.com/auth/userinfo.email",
			},
		},
		log: log,
	}
}

func (a *Adapter) Name() provider.Name { return provider.Google }

// AuthURL builds the consent URL. access_type=offline plus prompt=consent is
// required or Google withholds the refresh token on repeat grants.
func (a *Adapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
func (a *Adapter) ExchangeCode(ctx context.Context, code string) (provider.Tokens, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return provider.Tokens{}, fmt.Errorf("exchange authorization code: %w", classifyOAuthErr(err))
	}
	if tok.RefreshToken == "" {
		return provider.Tokens{}, fmt.Errorf("google returned no refresh token")
	}
	return provider.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. Google rarely
// rotates refresh tokens; the returned RefreshToken is empty unless it did.
func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (provider.Tokens, error) {
	src := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return provider.Tokens{}, fmt.Errorf("refresh access token: %w", classifyOAuthErr(err))
	}

	out := provider.Tokens{AccessToken: tok.AccessToken, Expiry: tok.Expiry}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// Profile fetches the email of the account behind the token.
func (a *Adapter) Profile(ctx context.Context, accessToken string) (provider.Profile, error) {
	svc, err := oauth2api.NewService(ctx, option.WithTokenSource(staticToken(accessToken)))
	if err != nil {
		return provider.Profile{}, fmt.Errorf("create userinfo service: %w", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return provider.Profile{}, fmt.Errorf("get userinfo: %w", classifyAPIErr(err))
	}
	if info.Email == "" {
		return provider.Profile{}, fmt.Errorf("no email in google userinfo")
	}
	return provider.Profile{Email: info.Email, Name: info.Name}, nil
}

// ListCalendars lists all calendars on the account's calendar list.
func (a *Adapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.Calendar, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	var calendars []provider.Calendar
	pageToken := ""
	for {
		call := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		page, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list calendars: %w", classifyAPIErr(err))
		}

		for _, item := range page.Items {
			calendars = append(calendars, provider.Calendar{
				ID:       item.Id,
				Name:     item.Summary,
				Color:    item.BackgroundColor,
				TimeZone: item.TimeZone,
				Primary:  item.Primary,
				ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
			})
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return calendars, nil
}

// FetchDelta pulls event changes. With an empty cursor it performs a windowed
// full sync; with a sync token it fetches only changes since the token was
// issued. A 410 from Google means the token expired: CursorInvalid is set and
// the caller falls back to a full sync.
func (a *Adapter) FetchDelta(ctx context.Context, accessToken, calendarID, cursor string) (provider.DeltaResult, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return provider.DeltaResult{}, err
	}

	var result provider.DeltaResult
	pageToken := ""
	for {
		call := svc.Events.List(calendarID).Context(ctx).MaxResults(pageSize).ShowDeleted(true)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			now := time.Now().UTC()
			call = call.
				TimeMin(now.Add(-fullSyncLookback).Format(time.RFC3339)).
				TimeMax(now.Add(fullSyncHorizon).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := call.Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusGone {
				a.log.Info("google sync token expired",
					zap.String("calendar_id", calendarID))
				return provider.DeltaResult{CursorInvalid: true}, nil
			}
			return provider.DeltaResult{}, fmt.Errorf("fetch events: %w", classifyAPIErr(err))
		}

		for _, item := range page.Items {
			result.Events = append(result.Events, a.normalize(item, calendarID))
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			// Only the final page carries the next sync token.
			result.NextCursor = page.NextSyncToken
			break
		}
	}
	return result, nil
}

// Subscribe opens a push channel on the calendar's event collection. The
// channel token carries the client-state secret; Google echoes it back in the
// X-Goog-Channel-Token header of every notification.
func (a *Adapter) Subscribe(ctx context.Context, accessToken, calendarID, callbackURL, clientState string, ttl time.Duration) (provider.Subscription, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return provider.Subscription{}, err
	}

	if ttl > maxChannelTTL {
		ttl = maxChannelTTL
	}
	expiry := time.Now().Add(ttl)

	channel := &calendar.Channel{
		Id:         uuid.NewString(),
		Type:       "web_hook",
		Address:    callbackURL,
		Token:      clientState,
		Expiration: expiry.UnixMilli(),
	}

	res, err := svc.Events.Watch(calendarID, channel).Context(ctx).Do()
	if err != nil {
		return provider.Subscription{}, fmt.Errorf("watch calendar: %w", classifyAPIErr(err))
	}

	sub := provider.Subscription{ID: res.Id, Resource: res.ResourceId, Expiry: expiry}
	if res.Expiration > 0 {
		sub.Expiry = time.UnixMilli(res.Expiration)
	}
	return sub, nil
}

// Renew reports ErrSubscriptionNotFound: Google channels cannot be extended
// in place, so renewal routes through the recreate path (stop + new watch).
func (a *Adapter) Renew(ctx context.Context, accessToken, subscriptionID string, ttl time.Duration) (provider.Subscription, error) {
	return provider.Subscription{}, provider.ErrSubscriptionNotFound
}

// Unsubscribe stops the push channel. A channel Google no longer knows about
// counts as already stopped.
func (a *Adapter) Unsubscribe(ctx context.Context, accessToken, subscriptionID, resource string) error {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return err
	}

	err = svc.Channels.Stop(&calendar.Channel{Id: subscriptionID, ResourceId: resource}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("stop channel: %w", classifyAPIErr(err))
	}
	return nil
}

// Revoke invalidates the token at Google. Best-effort: the token may already
// be dead.
func (a *Adapter) Revoke(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, revokeURL,
		strings.NewReader(url.Values{"token": {token}}.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke token: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(staticToken(accessToken)))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

func (a *Adapter) normalize(item *calendar.Event, calendarID string) provider.Event {
	ev := provider.Event{
		ID:               item.Id,
		Title:            item.Summary,
		Description:      item.Description,
		Location:         item.Location,
		Status:           item.Status,
		HTMLLink:         item.HtmlLink,
		SeriesMasterID:   item.RecurringEventId,
		OnlineMeetingURL: item.HangoutLink,
		Removed:          item.Status == "cancelled",
	}

	if item.Start != nil {
		ev.Start, ev.AllDay = parseEventTime(item.Start)
		ev.TimeZone = item.Start.TimeZone
	}
	if item.End != nil {
		ev.End, _ = parseEventTime(item.End)
	}
	if item.Updated != "" {
		if ts, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			ev.UpdatedAt = ts
		}
	}

	for _, att := range item.Attendees {
		ev.Attendees = append(ev.Attendees, provider.Attendee{
			Email:       att.Email,
			DisplayName: att.DisplayName,
			Response:    att.ResponseStatus,
			Organizer:   att.Organizer,
			Optional:    att.Optional,
		})
	}

	if len(item.Recurrence) > 0 {
		rule, err := recurrence.FromRRULE(item.Recurrence)
		if err != nil {
			metrics.RecurrenceFallbacksTotal.WithLabelValues(string(provider.Google)).Inc()
			a.log.Warn("unparsed google recurrence",
				zap.String("calendar_id", calendarID),
				zap.String("event_id", item.Id),
				zap.Error(err))
			ev.RecurrenceRaw = strings.Join(item.Recurrence, "\n")
		} else {
			ev.Recurrence = rule
		}
	}

	return ev
}

func parseEventTime(edt *calendar.EventDateTime) (time.Time, bool) {
	if edt.Date != "" {
		ts, err := time.Parse("2006-01-02", edt.Date)
		if err != nil {
			return time.Time{}, true
		}
		return ts, true
	}
	ts, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return time.Time{}, false
	}
	return ts, false
}

func staticToken(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
}

// classifyOAuthErr maps token endpoint failures onto the common taxonomy. An
// invalid_grant means the refresh token is dead and the user must reconnect.
func classifyOAuthErr(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" {
			return provider.ErrAuthExpired
		}
		if rerr.Response != nil {
			switch {
			case rerr.Response.StatusCode == http.StatusBadRequest,
				rerr.Response.StatusCode == http.StatusUnauthorized:
				return provider.ErrAuthExpired
			case rerr.Response.StatusCode >= http.StatusInternalServerError:
				return provider.ErrProviderUnavailable
			}
		}
	}
	return err
}

// classifyAPIErr maps Calendar API failures onto the common taxonomy.
func classifyAPIErr(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	switch {
	case gerr.Code == http.StatusTooManyRequests:
		return &provider.RateLimitedError{RetryAfter: retryAfter(gerr)}
	case gerr.Code == http.StatusForbidden && hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded"):
		return &provider.RateLimitedError{RetryAfter: retryAfter(gerr)}
	case gerr.Code == http.StatusNotFound:
		return provider.ErrSubscriptionNotFound
	case gerr.Code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	return err
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, reason := range reasons {
			if item.Reason == reason {
				return true
			}
		}
	}
	return false
}

func retryAfter(gerr *googleapi.Error) time.Duration {
	if gerr.Header != nil {
		if v := gerr.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return time.Minute
}
