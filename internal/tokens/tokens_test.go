package tokens

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/secrets"
	"github.com/lumenhq/calsync/internal/store"
)

type fakeAdapter struct {
	refreshCalls int
	refreshed    provider.Tokens
	refreshErr   error
}

func (f *fakeAdapter) Name() provider.Name     { return provider.Google }
func (f *fakeAdapter) AuthURL(s string) string { return "" }
func (f *fakeAdapter) ExchangeCode(ctx context.Context, code string) (provider.Tokens, error) {
	return provider.Tokens{}, nil
}
func (f *fakeAdapter) Refresh(ctx context.Context, refreshToken string) (provider.Tokens, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return provider.Tokens{}, f.refreshErr
	}
	return f.refreshed, nil
}
func (f *fakeAdapter) Profile(ctx context.Context, accessToken string) (provider.Profile, error) {
	return provider.Profile{}, nil
}
func (f *fakeAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.Calendar, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchDelta(ctx context.Context, accessToken, calendarID, cursor string) (provider.DeltaResult, error) {
	return provider.DeltaResult{}, nil
}
func (f *fakeAdapter) Subscribe(ctx context.Context, accessToken, calendarID, callbackURL, clientState string, ttl time.Duration) (provider.Subscription, error) {
	return provider.Subscription{}, nil
}
func (f *fakeAdapter) Renew(ctx context.Context, accessToken, subscriptionID string, ttl time.Duration) (provider.Subscription, error) {
	return provider.Subscription{}, nil
}
func (f *fakeAdapter) Unsubscribe(ctx context.Context, accessToken, subscriptionID, resource string) error {
	return nil
}
func (f *fakeAdapter) Revoke(ctx context.Context, token string) error { return nil }

type tokenFixture struct {
	store   *store.Store
	cipher  *secrets.Cipher
	adapter *fakeAdapter
	svc     *Service
	now     time.Time
	connID  string
}

func newTokenFixture(t *testing.T, expiresIn time.Duration) *tokenFixture {
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

	now := time.Now().Truncate(time.Second)

	encAccess, err := cipher.Encrypt("access-current")
	if err != nil {
		t.Fatal(err)
	}
	encRefresh, err := cipher.Encrypt("refresh-current")
	if err != nil {
		t.Fatal(err)
	}
	connID, err := st.UpsertConnection(context.Background(), store.Connection{
		ID:                   "conn-1",
		UserID:               "user-1",
		Provider:             string(provider.Google),
		ProviderAccountEmail: "u@example.com",
		AccessToken:          encAccess,
		RefreshToken:         encRefresh,
		TokenExpiresAt:       now.Add(expiresIn),
	})
	if err != nil {
		t.Fatal(err)
	}

	adapter := &fakeAdapter{
		refreshed: provider.Tokens{AccessToken: "access-fresh", Expiry: now.Add(time.Hour)},
	}
	svc := NewService(st, cipher, map[provider.Name]provider.Adapter{provider.Google: adapter}, zap.NewNop())
	svc.now = func() time.Time { return now }

	return &tokenFixture{store: st, cipher: cipher, adapter: adapter, svc: svc, now: now, connID: connID}
}

func TestValidAccessTokenFreshTokenNotRefreshed(t *testing.T) {
	f := newTokenFixture(t, ExpiryMargin+time.Minute)

	token, err := f.svc.ValidAccessToken(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if token != "access-current" {
		t.Errorf("token = %q, want access-current", token)
	}
	if f.adapter.refreshCalls != 0 {
		t.Errorf("refresh called %d times, want 0", f.adapter.refreshCalls)
	}
}

func TestValidAccessTokenRefreshesInsideMargin(t *testing.T) {
	f := newTokenFixture(t, ExpiryMargin-time.Minute)

	token, err := f.svc.ValidAccessToken(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}
	if token != "access-fresh" {
		t.Errorf("token = %q, want access-fresh", token)
	}
	if f.adapter.refreshCalls != 1 {
		t.Errorf("refresh called %d times, want 1", f.adapter.refreshCalls)
	}

	// Stored tokens were replaced; the refresh token stays because the
	// provider did not reissue one.
	conn, err := f.store.GetConnection(context.Background(), f.connID)
	if err != nil {
		t.Fatal(err)
	}
	access, err := f.cipher.Decrypt(conn.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if access != "access-fresh" {
		t.Errorf("stored access token = %q, want access-fresh", access)
	}
	refresh, err := f.cipher.Decrypt(conn.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if refresh != "refresh-current" {
		t.Errorf("stored refresh token = %q, want refresh-current", refresh)
	}
}

func TestValidAccessTokenRotatesReissuedRefreshToken(t *testing.T) {
	f := newTokenFixture(t, -time.Minute)
	f.adapter.refreshed.RefreshToken = "refresh-rotated"

	if _, err := f.svc.ValidAccessToken(context.Background(), f.connID); err != nil {
		t.Fatalf("ValidAccessToken: %v", err)
	}

	conn, err := f.store.GetConnection(context.Background(), f.connID)
	if err != nil {
		t.Fatal(err)
	}
	refresh, err := f.cipher.Decrypt(conn.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if refresh != "refresh-rotated" {
		t.Errorf("stored refresh token = %q, want refresh-rotated", refresh)
	}
}

func TestValidAccessTokenAuthExpiredIsTerminal(t *testing.T) {
	f := newTokenFixture(t, -time.Minute)
	f.adapter.refreshErr = provider.ErrAuthExpired

	if _, err := f.svc.ValidAccessToken(context.Background(), f.connID); !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}

	conn, err := f.store.GetConnection(context.Background(), f.connID)
	if err != nil {
		t.Fatal(err)
	}
	if !conn.AuthExpired {
		t.Error("connection should be marked auth expired")
	}

	// Subsequent calls fail fast without another refresh attempt.
	if _, err := f.svc.ValidAccessToken(context.Background(), f.connID); !errors.Is(err, provider.ErrAuthExpired) {
		t.Fatalf("second call err = %v, want ErrAuthExpired", err)
	}
	if f.adapter.refreshCalls != 1 {
		t.Errorf("refresh called %d times, want 1", f.adapter.refreshCalls)
	}
}

func TestValidAccessTokenTransientRefreshError(t *testing.T) {
	f := newTokenFixture(t, -time.Minute)
	f.adapter.refreshErr = errors.New("temporary network failure")

	if _, err := f.svc.ValidAccessToken(context.Background(), f.connID); err == nil {
		t.Fatal("expected refresh failure to surface")
	}

	conn, err := f.store.GetConnection(context.Background(), f.connID)
	if err != nil {
		t.Fatal(err)
	}
	if conn.AuthExpired {
		t.Error("transient failure must not mark the connection auth expired")
	}

	// Recovery works on the next call.
	f.adapter.refreshErr = nil
	token, err := f.svc.ValidAccessToken(context.Background(), f.connID)
	if err != nil {
		t.Fatalf("recovery call: %v", err)
	}
	if token != "access-fresh" {
		t.Errorf("token = %q, want access-fresh", token)
	}
}
