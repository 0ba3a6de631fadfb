// Package microsoft implements the provider adapter for Microsoft 365
// calendars via the Graph API.
package microsoft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	microsoftoauth "golang.org/x/oauth2/microsoft"

	"github.com/lumenhq/calsync/internal/config"
	"github.com/lumenhq/calsync/internal/metrics"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/recurrence"
)

// Graph caps event subscriptions at 4230 minutes (just under 3 days).
const maxSubscriptionTTL = 4230 * time.Minute

// Adapter implements provider.Adapter for Microsoft Graph calendars.
type Adapter struct {
	oauth *oauth2.Config
	log   *zap.Logger
}

// New creates a Microsoft Graph adapter.
func New(client config.OAuthClient, log *zap.Logger) *Adapter {
	tenant := client.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return &Adapter{
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			RedirectURL:  client.RedirectURL,
			Endpoint:     microsoftoauth.AzureADEndpoint(tenant),
			Scopes: []string{
				"offline_access",
				"User.Read",
				"Calendars.Read",
			},
		},
		log: log,
	}
}

func (a *Adapter) Name() provider.Name { return provider.Microsoft }

// AuthURL builds the consent URL. offline_access in the scope set makes Azure
// AD issue a refresh token.
func (a *Adapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

// ExchangeCode exchanges an authorization code for tokens.
func (a *Adapter) ExchangeCode(ctx context.Context, code string) (provider.Tokens, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return provider.Tokens{}, fmt.Errorf("exchange authorization code: %w", classifyOAuthErr(err))
	}
	if tok.RefreshToken == "" {
		return provider.Tokens{}, fmt.Errorf("microsoft returned no refresh token")
	}
	return provider.Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// Refresh exchanges a refresh token for a new access token. Azure AD rotates
// refresh tokens on every use; the new one is always returned.
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

// Profile fetches the signed-in account's identity.
func (a *Adapter) Profile(ctx context.Context, accessToken string) (provider.Profile, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return provider.Profile{}, err
	}

	me, err := client.Me().Get(ctx, nil)
	if err != nil {
		return provider.Profile{}, fmt.Errorf("get profile: %w", classifyGraphErr(err))
	}

	p := provider.Profile{}
	if mail := me.GetMail(); mail != nil && *mail != "" {
		p.Email = *mail
	} else if upn := me.GetUserPrincipalName(); upn != nil {
		p.Email = *upn
	}
	if name := me.GetDisplayName(); name != nil {
		p.Name = *name
	}
	if p.Email == "" {
		return provider.Profile{}, fmt.Errorf("no email on microsoft profile")
	}
	return p, nil
}

// ListCalendars lists the account's calendars, following @odata.nextLink
// until the collection is exhausted.
func (a *Adapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.Calendar, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return nil, err
	}

	page, err := client.Me().Calendars().Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", classifyGraphErr(err))
	}

	return collectCalendars(ctx, page, func(ctx context.Context, link string) (models.CalendarCollectionResponseable, error) {
		return users.NewItemCalendarsRequestBuilder(link, client.GetAdapter()).Get(ctx, nil)
	})
}

// collectCalendars accumulates calendar pages, fetching follow-up pages
// through nextPage.
func collectCalendars(ctx context.Context, page models.CalendarCollectionResponseable, nextPage func(context.Context, string) (models.CalendarCollectionResponseable, error)) ([]provider.Calendar, error) {
	var calendars []provider.Calendar
	for {
		for _, item := range page.GetValue() {
			cal := provider.Calendar{}
			if id := item.GetId(); id != nil {
				cal.ID = *id
			}
			if name := item.GetName(); name != nil {
				cal.Name = *name
			}
			if def := item.GetIsDefaultCalendar(); def != nil {
				cal.Primary = *def
			}
			if canEdit := item.GetCanEdit(); canEdit != nil {
				cal.ReadOnly = !*canEdit
			}
			calendars = append(calendars, cal)
		}

		next := page.GetOdataNextLink()
		if next == nil || *next == "" {
			return calendars, nil
		}
		var err error
		page, err = nextPage(ctx, *next)
		if err != nil {
			return nil, fmt.Errorf("list calendars page: %w", classifyGraphErr(err))
		}
	}
}

// FetchDelta pulls event changes. The cursor is Graph's opaque deltaLink URL;
// empty means an initial delta round that walks the full collection. A 410
// means the deltaLink expired: CursorInvalid is set and the caller falls back
// to a full sync.
func (a *Adapter) FetchDelta(ctx context.Context, accessToken, calendarID, cursor string) (provider.DeltaResult, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return provider.DeltaResult{}, err
	}

	var result provider.DeltaResult
	var page users.ItemCalendarsItemEventsDeltaGetResponseable

	if cursor == "" {
		page, err = client.Me().Calendars().ByCalendarId(calendarID).Events().Delta().GetAsDeltaGetResponse(ctx, nil)
	} else {
		page, err = users.NewItemCalendarsItemEventsDeltaRequestBuilder(cursor, client.GetAdapter()).
			GetAsDeltaGetResponse(ctx, nil)
	}

	for {
		if err != nil {
			if isStatus(err, http.StatusGone) {
				a.log.Info("microsoft delta link expired",
					zap.String("calendar_id", calendarID))
				return provider.DeltaResult{CursorInvalid: true}, nil
			}
			return provider.DeltaResult{}, fmt.Errorf("fetch events delta: %w", classifyGraphErr(err))
		}

		for _, item := range page.GetValue() {
			result.Events = append(result.Events, a.normalize(item, calendarID))
		}

		if deltaLink := page.GetOdataDeltaLink(); deltaLink != nil && *deltaLink != "" {
			result.NextCursor = *deltaLink
			return result, nil
		}
		nextLink := page.GetOdataNextLink()
		if nextLink == nil || *nextLink == "" {
			return result, nil
		}
		page, err = users.NewItemCalendarsItemEventsDeltaRequestBuilder(*nextLink, client.GetAdapter()).
			GetAsDeltaGetResponse(ctx, nil)
	}
}

// Subscribe registers a change notification subscription for the calendar's
// events. clientState is echoed back in every notification for verification.
func (a *Adapter) Subscribe(ctx context.Context, accessToken, calendarID, callbackURL, clientState string, ttl time.Duration) (provider.Subscription, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return provider.Subscription{}, err
	}

	if ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}
	expiry := time.Now().Add(ttl).UTC()

	body := models.NewSubscription()
	changeType := "created,updated,deleted"
	resource := fmt.Sprintf("/me/calendars/%s/events", calendarID)
	body.SetChangeType(&changeType)
	body.SetNotificationUrl(&callbackURL)
	body.SetResource(&resource)
	body.SetClientState(&clientState)
	body.SetExpirationDateTime(&expiry)

	created, err := client.Subscriptions().Post(ctx, body, nil)
	if err != nil {
		return provider.Subscription{}, fmt.Errorf("create subscription: %w", classifyGraphErr(err))
	}

	sub := provider.Subscription{Resource: resource, Expiry: expiry}
	if id := created.GetId(); id != nil {
		sub.ID = *id
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		sub.Expiry = *exp
	}
	return sub, nil
}

// Renew extends an existing subscription in place.
func (a *Adapter) Renew(ctx context.Context, accessToken, subscriptionID string, ttl time.Duration) (provider.Subscription, error) {
	client, err := a.client(accessToken)
	if err != nil {
		return provider.Subscription{}, err
	}

	if ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}
	expiry := time.Now().Add(ttl).UTC()

	body := models.NewSubscription()
	body.SetExpirationDateTime(&expiry)

	patched, err := client.Subscriptions().BySubscriptionId(subscriptionID).Patch(ctx, body, nil)
	if err != nil {
		return provider.Subscription{}, fmt.Errorf("renew subscription: %w", classifyGraphErr(err))
	}

	sub := provider.Subscription{ID: subscriptionID, Expiry: expiry}
	if exp := patched.GetExpirationDateTime(); exp != nil {
		sub.Expiry = *exp
	}
	return sub, nil
}

// Unsubscribe deletes the subscription. One Graph no longer knows about
// counts as already deleted.
func (a *Adapter) Unsubscribe(ctx context.Context, accessToken, subscriptionID, resource string) error {
	client, err := a.client(accessToken)
	if err != nil {
		return err
	}

	if err := client.Subscriptions().BySubscriptionId(subscriptionID).Delete(ctx, nil); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return fmt.Errorf("delete subscription: %w", classifyGraphErr(err))
	}
	return nil
}

// Revoke is a no-op: the v2 endpoint has no programmatic token revocation.
// Dropping the stored refresh token is the effective revocation.
func (a *Adapter) Revoke(ctx context.Context, token string) error {
	return nil
}

func (a *Adapter) client(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&staticTokenCredential{token: accessToken}, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

func (a *Adapter) normalize(item models.Eventable, calendarID string) provider.Event {
	ev := provider.Event{}

	if id := item.GetId(); id != nil {
		ev.ID = *id
	}

	// Delta tombstones carry only an id plus the @removed annotation.
	if _, removed := item.GetAdditionalData()["@removed"]; removed {
		ev.Removed = true
		return ev
	}
	if cancelled := item.GetIsCancelled(); cancelled != nil && *cancelled {
		ev.Removed = true
		ev.Status = "cancelled"
	}

	if subject := item.GetSubject(); subject != nil {
		ev.Title = *subject
	}
	if preview := item.GetBodyPreview(); preview != nil {
		ev.Description = *preview
	}
	if loc := item.GetLocation(); loc != nil {
		if name := loc.GetDisplayName(); name != nil {
			ev.Location = *name
		}
	}
	if start := item.GetStart(); start != nil {
		ev.Start = parseGraphTime(start)
		if tz := start.GetTimeZone(); tz != nil {
			ev.TimeZone = *tz
		}
	}
	if end := item.GetEnd(); end != nil {
		ev.End = parseGraphTime(end)
	}
	if allDay := item.GetIsAllDay(); allDay != nil {
		ev.AllDay = *allDay
	}
	if link := item.GetWebLink(); link != nil {
		ev.HTMLLink = *link
	}
	if master := item.GetSeriesMasterId(); master != nil {
		ev.SeriesMasterID = *master
	}
	if meetingURL := item.GetOnlineMeetingUrl(); meetingURL != nil {
		ev.OnlineMeetingURL = *meetingURL
	}
	if meeting := item.GetOnlineMeeting(); meeting != nil && ev.OnlineMeetingURL == "" {
		if join := meeting.GetJoinUrl(); join != nil {
			ev.OnlineMeetingURL = *join
		}
	}
	if importance := item.GetImportance(); importance != nil {
		ev.Importance = importance.String()
	}
	if modified := item.GetLastModifiedDateTime(); modified != nil {
		ev.UpdatedAt = *modified
	}
	if ev.Status == "" {
		ev.Status = "confirmed"
	}

	for _, att := range item.GetAttendees() {
		attendee := provider.Attendee{}
		if email := att.GetEmailAddress(); email != nil {
			if addr := email.GetAddress(); addr != nil {
				attendee.Email = *addr
			}
			if name := email.GetName(); name != nil {
				attendee.DisplayName = *name
			}
		}
		if status := att.GetStatus(); status != nil {
			if resp := status.GetResponse(); resp != nil {
				attendee.Response = resp.String()
			}
		}
		if attType := att.GetTypeEscaped(); attType != nil {
			attendee.Optional = attType.String() == "optional"
		}
		ev.Attendees = append(ev.Attendees, attendee)
	}

	if rec := item.GetRecurrence(); rec != nil {
		pattern := extractPattern(rec)
		rule, err := recurrence.FromGraphPattern(pattern)
		if err != nil {
			metrics.RecurrenceFallbacksTotal.WithLabelValues(string(provider.Microsoft)).Inc()
			a.log.Warn("unparsed microsoft recurrence",
				zap.String("calendar_id", calendarID),
				zap.String("event_id", ev.ID),
				zap.Error(err))
			if raw, marshalErr := json.Marshal(pattern); marshalErr == nil {
				ev.RecurrenceRaw = string(raw)
			}
		} else {
			ev.Recurrence = rule
		}
	}

	return ev
}

// extractPattern lifts a Graph patternedRecurrence into the provider-neutral
// shape the normalizer consumes.
func extractPattern(rec models.PatternedRecurrenceable) *recurrence.GraphPattern {
	out := &recurrence.GraphPattern{}

	if pattern := rec.GetPattern(); pattern != nil {
		if t := pattern.GetTypeEscaped(); t != nil {
			out.Type = t.String()
		}
		if interval := pattern.GetInterval(); interval != nil {
			out.Interval = int(*interval)
		}
		for _, day := range pattern.GetDaysOfWeek() {
			out.DaysOfWeek = append(out.DaysOfWeek, day.String())
		}
		if dom := pattern.GetDayOfMonth(); dom != nil {
			out.DayOfMonth = int(*dom)
		}
		if month := pattern.GetMonth(); month != nil {
			out.Month = int(*month)
		}
		if index := pattern.GetIndex(); index != nil {
			out.Index = index.String()
		}
	}

	if rng := rec.GetRangeEscaped(); rng != nil {
		if t := rng.GetTypeEscaped(); t != nil {
			out.RangeType = t.String()
		}
		if end := rng.GetEndDate(); end != nil {
			out.EndDate = end.String()
		}
		if n := rng.GetNumberOfOccurrences(); n != nil {
			out.NumberOfOccurrences = int(*n)
		}
	}

	return out
}

// parseGraphTime parses Graph's dateTimeTimeZone shape. Graph emits naive
// timestamps with a separate time zone name; UTC is requested via the Prefer
// header default, so bare timestamps are treated as UTC.
func parseGraphTime(dtz models.DateTimeTimeZoneable) time.Time {
	raw := dtz.GetDateTime()
	if raw == nil || *raw == "" {
		return time.Time{}
	}

	s := *raw
	if idx := strings.IndexByte(s, '.'); idx > 0 {
		s = s[:idx]
	}
	s = strings.TrimSuffix(s, "Z")

	loc := time.UTC
	if tz := dtz.GetTimeZone(); tz != nil && *tz != "" && *tz != "UTC" {
		if parsed, err := time.LoadLocation(*tz); err == nil {
			loc = parsed
		}
	}

	ts, err := time.ParseInLocation("2006-01-02T15:04:05", s, loc)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// staticTokenCredential adapts a raw access token to the Azure credential
// interface the Graph client expects.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

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

func classifyGraphErr(err error) error {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}

	switch {
	case oerr.ResponseStatusCode == http.StatusTooManyRequests:
		return &provider.RateLimitedError{RetryAfter: time.Minute}
	case oerr.ResponseStatusCode == http.StatusNotFound:
		return provider.ErrSubscriptionNotFound
	case oerr.ResponseStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	return err
}

func isStatus(err error, code int) bool {
	var oerr *odataerrors.ODataError
	return errors.As(err, &oerr) && oerr.ResponseStatusCode == code
}
