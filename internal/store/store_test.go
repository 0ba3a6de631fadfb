package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedConnection(t *testing.T, st *Store) string {
	t.Helper()
	id, err := st.UpsertConnection(context.Background(), Connection{
		ID:                   "conn-1",
		UserID:               "user-1",
		Provider:             "GOOGLE",
		ProviderAccountEmail: "a@example.com",
		AccessToken:          "enc-a",
		RefreshToken:         "enc-r",
		TokenExpiresAt:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	return id
}

func TestUpsertConnectionReconnectRevives(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := seedConnection(t, st)

	if err := st.MarkConnectionAuthExpired(ctx, id); err != nil {
		t.Fatal(err)
	}

	// Reconnecting the same account keeps the row id, replaces tokens, and
	// clears the auth-expired marker.
	again, err := st.UpsertConnection(ctx, Connection{
		ID:                   "conn-new",
		UserID:               "user-1",
		Provider:             "GOOGLE",
		ProviderAccountEmail: "a@example.com",
		AccessToken:          "enc-a2",
		RefreshToken:         "enc-r2",
		TokenExpiresAt:       time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("reconnect id = %q, want %q", again, id)
	}

	conn, err := st.GetConnection(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if conn.AuthExpired {
		t.Error("reconnect should clear auth_expired")
	}
	if conn.AccessToken != "enc-a2" || conn.RefreshToken != "enc-r2" {
		t.Errorf("tokens not replaced: %q/%q", conn.AccessToken, conn.RefreshToken)
	}
}

func TestUpdateConnectionTokensKeepsRefreshWhenEmpty(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := seedConnection(t, st)

	if err := st.UpdateConnectionTokens(ctx, id, "enc-a2", "", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	conn, _ := st.GetConnection(ctx, id)
	if conn.RefreshToken != "enc-r" {
		t.Errorf("refresh token = %q, want enc-r preserved", conn.RefreshToken)
	}

	if err := st.UpdateConnectionTokens(ctx, id, "enc-a3", "enc-r3", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	conn, _ = st.GetConnection(ctx, id)
	if conn.RefreshToken != "enc-r3" {
		t.Errorf("refresh token = %q, want enc-r3", conn.RefreshToken)
	}
}

func TestDeleteConnectionCascade(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := seedConnection(t, st)

	calSubID, err := st.UpsertCalendarSubscription(ctx, CalendarSubscription{
		ID:                 "cal-1",
		ConnectionID:       id,
		ProviderCalendarID: "prov-1",
		Name:               "Primary",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWebhookSubscription(ctx, WebhookSubscription{
		ID:                     "wh-1",
		ConnectionID:           id,
		CalendarSubscriptionID: calSubID,
		ProviderSubscriptionID: "prov-sub-1",
		Resource:               "res",
		ClientState:            "enc-state",
		ExpiresAt:              time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteConnectionCascade(ctx, id); err != nil {
		t.Fatal(err)
	}

	if _, err := st.GetConnection(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConnection after delete err = %v, want ErrNotFound", err)
	}
	if _, err := st.GetWebhookSubscriptionByProviderID(ctx, "prov-sub-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("webhook subscription survived cascade: %v", err)
	}
	subs, err := st.ListCalendarSubscriptions(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 0 {
		t.Errorf("calendar subscriptions survived cascade: %d", len(subs))
	}

	if err := st.DeleteConnectionCascade(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestOAuthStateConsumedExactlyOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateOAuthState(ctx, "state-1", "user-1", "google", 10*time.Minute); err != nil {
		t.Fatal(err)
	}

	userID, providerName, err := st.ConsumeOAuthState(ctx, "state-1")
	if err != nil {
		t.Fatalf("ConsumeOAuthState: %v", err)
	}
	if userID != "user-1" || providerName != "google" {
		t.Errorf("got %q/%q", userID, providerName)
	}

	if _, _, err := st.ConsumeOAuthState(ctx, "state-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second consume err = %v, want ErrNotFound", err)
	}
}

func TestOAuthStateExpired(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.CreateOAuthState(ctx, "state-old", "user-1", "google", -time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, _, err := st.ConsumeOAuthState(ctx, "state-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired consume err = %v, want ErrNotFound", err)
	}
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := seedConnection(t, st)

	calSubID, err := st.UpsertCalendarSubscription(ctx, CalendarSubscription{
		ID:                 "cal-1",
		ConnectionID:       id,
		ProviderCalendarID: "prov-1",
		Name:               "Primary",
	})
	if err != nil {
		t.Fatal(err)
	}

	mk := func(whID, provSubID string, expiresIn time.Duration) {
		t.Helper()
		if err := st.CreateWebhookSubscription(ctx, WebhookSubscription{
			ID:                     whID,
			ConnectionID:           id,
			CalendarSubscriptionID: calSubID,
			ProviderSubscriptionID: provSubID,
			Resource:               "res",
			ClientState:            "enc",
			ExpiresAt:              time.Now().Add(expiresIn),
		}); err != nil {
			t.Fatal(err)
		}
	}

	mk("wh-1", "prov-sub-1", time.Hour)
	mk("wh-2", "prov-sub-2", 72*time.Hour)

	// Creating wh-2 deactivated wh-1.
	if _, err := st.GetWebhookSubscriptionByProviderID(ctx, "prov-sub-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("superseded subscription still active: %v", err)
	}
	active, err := st.ActiveWebhookSubscription(ctx, calSubID)
	if err != nil {
		t.Fatal(err)
	}
	if active.ProviderSubscriptionID != "prov-sub-2" {
		t.Errorf("active = %q, want prov-sub-2", active.ProviderSubscriptionID)
	}

	due, err := st.ListWebhookSubscriptionsExpiringBefore(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("subscriptions due = %d, want 0 (only active rows count)", len(due))
	}

	due, err = st.ListWebhookSubscriptionsExpiringBefore(ctx, time.Now().Add(96*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "wh-2" {
		t.Errorf("due = %+v, want [wh-2]", due)
	}
}

func TestExpiringBeforeIncludesExactDeadline(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	id := seedConnection(t, st)

	calSubID, err := st.UpsertCalendarSubscription(ctx, CalendarSubscription{
		ID:                 "cal-1",
		ConnectionID:       id,
		ProviderCalendarID: "prov-1",
		Name:               "Primary",
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	if err := st.CreateWebhookSubscription(ctx, WebhookSubscription{
		ID:                     "wh-1",
		ConnectionID:           id,
		CalendarSubscriptionID: calSubID,
		ProviderSubscriptionID: "prov-sub-1",
		Resource:               "res",
		ClientState:            "enc",
		ExpiresAt:              deadline,
	}); err != nil {
		t.Fatal(err)
	}

	// A registration expiring at the deadline instant itself is due.
	due, err := st.ListWebhookSubscriptionsExpiringBefore(ctx, deadline)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "wh-1" {
		t.Errorf("due = %+v, want [wh-1] at the exact deadline", due)
	}

	due, err = st.ListWebhookSubscriptionsExpiringBefore(ctx, deadline.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Errorf("due = %d, want 0 one second before the deadline", len(due))
	}
}
