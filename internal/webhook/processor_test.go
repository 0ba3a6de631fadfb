package webhook

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/engine"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/secrets"
	"github.com/lumenhq/calsync/internal/store"
)

type fakeSyncer struct {
	calls []string
	err   error
}

func (f *fakeSyncer) Sync(ctx context.Context, calendarSubscriptionID string) (engine.SyncResult, error) {
	f.calls = append(f.calls, calendarSubscriptionID)
	return engine.SyncResult{Upserted: 1}, f.err
}

type processorFixture struct {
	store     *store.Store
	cipher    *secrets.Cipher
	replay    *ReplayCache
	syncer    *fakeSyncer
	processor *Processor

	calSubID    string
	clientState string
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	key, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	cipher, err := secrets.New(key, "", 1)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	connID, err := st.UpsertConnection(ctx, store.Connection{
		ID:                   "conn-1",
		UserID:               "user-1",
		Provider:             string(provider.Microsoft),
		ProviderAccountEmail: "u@example.com",
		AccessToken:          "enc-access",
		RefreshToken:         "enc-refresh",
		TokenExpiresAt:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert connection: %v", err)
	}

	calSubID, err := st.UpsertCalendarSubscription(ctx, store.CalendarSubscription{
		ID:                 "cal-1",
		ConnectionID:       connID,
		ProviderCalendarID: "prov-cal-1",
		Name:               "Work",
	})
	if err != nil {
		t.Fatalf("upsert calendar subscription: %v", err)
	}

	clientState := "shared-secret-value"
	encState, err := cipher.Encrypt(clientState)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWebhookSubscription(ctx, store.WebhookSubscription{
		ID:                     "wh-1",
		ConnectionID:           connID,
		CalendarSubscriptionID: calSubID,
		ProviderSubscriptionID: "prov-sub-1",
		Resource:               "/me/calendars/prov-cal-1/events",
		ClientState:            encState,
		ExpiresAt:              time.Now().Add(48 * time.Hour),
	}); err != nil {
		t.Fatalf("create webhook subscription: %v", err)
	}

	syncer := &fakeSyncer{}
	replay := NewReplayCache(5*time.Minute, 1000)
	return &processorFixture{
		store:       st,
		cipher:      cipher,
		replay:      replay,
		syncer:      syncer,
		processor:   NewProcessor(st, cipher, replay, syncer, zap.NewNop()),
		calSubID:    calSubID,
		clientState: clientState,
	}
}

func (f *processorFixture) notification() Notification {
	return Notification{
		Provider:       provider.Microsoft,
		SubscriptionID: "prov-sub-1",
		ClientState:    f.clientState,
		ChangeType:     "updated",
		Resource:       "/me/calendars/prov-cal-1/events",
	}
}

func TestProcessorAcceptsValidNotification(t *testing.T) {
	f := newProcessorFixture(t)

	if err := f.processor.Process(context.Background(), f.notification()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(f.syncer.calls) != 1 || f.syncer.calls[0] != f.calSubID {
		t.Errorf("sync calls = %v, want [%s]", f.syncer.calls, f.calSubID)
	}

	sub, err := f.store.GetWebhookSubscriptionByProviderID(context.Background(), "prov-sub-1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.LastNotificationAt.IsZero() {
		t.Error("last notification time should be recorded")
	}
}

func TestProcessorDropsReplay(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	if err := f.processor.Process(ctx, f.notification()); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.processor.Process(ctx, f.notification()); !errors.Is(err, ErrReplayDetected) {
		t.Errorf("second delivery err = %v, want ErrReplayDetected", err)
	}
	if len(f.syncer.calls) != 1 {
		t.Errorf("sync called %d times, want 1", len(f.syncer.calls))
	}
}

func TestProcessorRejectsForgedClientState(t *testing.T) {
	f := newProcessorFixture(t)

	n := f.notification()
	n.ClientState = "guessed-secret"
	if err := f.processor.Process(context.Background(), n); !errors.Is(err, ErrClientStateMismatch) {
		t.Errorf("err = %v, want ErrClientStateMismatch", err)
	}
	if len(f.syncer.calls) != 0 {
		t.Error("forged notification must not trigger a sync")
	}
}

func TestProcessorRejectsUnknownSubscription(t *testing.T) {
	f := newProcessorFixture(t)

	n := f.notification()
	n.SubscriptionID = "prov-sub-unknown"
	if err := f.processor.Process(context.Background(), n); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("err = %v, want ErrUnknownSubscription", err)
	}
}

func TestProcessorRejectsInactiveConnection(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	if err := f.store.MarkConnectionAuthExpired(ctx, "conn-1"); err != nil {
		t.Fatal(err)
	}
	if err := f.processor.Process(ctx, f.notification()); !errors.Is(err, ErrInactiveConnection) {
		t.Errorf("err = %v, want ErrInactiveConnection", err)
	}
	if len(f.syncer.calls) != 0 {
		t.Error("inactive connection must not trigger a sync")
	}
}

func TestProcessorRetriableAfterSyncFailure(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	f.syncer.err = errors.New("provider down")
	if err := f.processor.Process(ctx, f.notification()); err == nil {
		t.Fatal("expected sync failure to surface")
	}

	// The fingerprint was not marked, so the provider's redelivery goes
	// through once the fault clears.
	f.syncer.err = nil
	if err := f.processor.Process(ctx, f.notification()); err != nil {
		t.Fatalf("redelivery after failure: %v", err)
	}
	if len(f.syncer.calls) != 2 {
		t.Errorf("sync called %d times, want 2", len(f.syncer.calls))
	}
}

func TestProcessorBatchIndependence(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	bad := f.notification()
	bad.ClientState = "wrong"
	good := f.notification()

	_ = f.processor.Process(ctx, bad)
	if err := f.processor.Process(ctx, good); err != nil {
		t.Fatalf("valid notification after invalid one: %v", err)
	}
	if len(f.syncer.calls) != 1 {
		t.Errorf("sync called %d times, want 1", len(f.syncer.calls))
	}
}
