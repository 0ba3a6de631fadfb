// Package tokens manages OAuth access-token freshness for stored connections.
//
// Tokens are refreshed ahead of expiry with a safety margin so a token handed
// to a caller never dies mid-request. Concurrent refreshes for the same
// connection collapse into one provider call.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lumenhq/calsync/internal/metrics"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/secrets"
	"github.com/lumenhq/calsync/internal/store"
)

// ExpiryMargin is how long before actual expiry a token is treated as stale.
const ExpiryMargin = 5 * time.Minute

// Service hands out valid plaintext access tokens for connections.
type Service struct {
	store    *store.Store
	cipher   *secrets.Cipher
	adapters map[provider.Name]provider.Adapter
	log      *zap.Logger
	group    singleflight.Group

	now func() time.Time
}

// NewService creates the token service.
func NewService(st *store.Store, cipher *secrets.Cipher, adapters map[provider.Name]provider.Adapter, log *zap.Logger) *Service {
	return &Service{
		store:    st,
		cipher:   cipher,
		adapters: adapters,
		log:      log,
		now:      time.Now,
	}
}

// ValidAccessToken returns a plaintext access token for the connection,
// refreshing it first when it expires within ExpiryMargin. A provider that
// rejects the refresh token yields ErrAuthExpired and marks the connection;
// subsequent calls fail fast until the user reconnects.
func (s *Service) ValidAccessToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("load connection: %w", err)
	}
	if conn.AuthExpired {
		return "", provider.ErrAuthExpired
	}

	if s.now().Add(ExpiryMargin).Before(conn.TokenExpiresAt) {
		token, err := s.cipher.Decrypt(conn.AccessToken)
		if err != nil {
			return "", fmt.Errorf("decrypt access token: %w", err)
		}
		return token, nil
	}

	token, err, _ := s.group.Do(connectionID, func() (any, error) {
		return s.refresh(ctx, connectionID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *Service) refresh(ctx context.Context, connectionID string) (string, error) {
	// Re-read inside the flight: a racing caller may have refreshed already.
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("load connection: %w", err)
	}
	if conn.AuthExpired {
		return "", provider.ErrAuthExpired
	}
	if s.now().Add(ExpiryMargin).Before(conn.TokenExpiresAt) {
		return s.cipher.Decrypt(conn.AccessToken)
	}

	adapter, ok := s.adapters[provider.Name(conn.Provider)]
	if !ok {
		return "", fmt.Errorf("no adapter for provider %q", conn.Provider)
	}

	refreshToken, err := s.cipher.Decrypt(conn.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	fresh, err := adapter.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, provider.ErrAuthExpired) {
			metrics.TokenRefreshesTotal.WithLabelValues(conn.Provider, "auth_expired").Inc()
			s.log.Warn("refresh token rejected, connection requires re-authorization",
				zap.String("connection_id", connectionID),
				zap.String("provider", conn.Provider))
			if markErr := s.store.MarkConnectionAuthExpired(ctx, connectionID); markErr != nil {
				s.log.Error("failed to mark connection auth expired",
					zap.String("connection_id", connectionID), zap.Error(markErr))
			}
			return "", provider.ErrAuthExpired
		}
		metrics.TokenRefreshesTotal.WithLabelValues(conn.Provider, "error").Inc()
		return "", fmt.Errorf("refresh token: %w", err)
	}

	encAccess, err := s.cipher.Encrypt(fresh.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	encRefresh := ""
	if fresh.RefreshToken != "" {
		if encRefresh, err = s.cipher.Encrypt(fresh.RefreshToken); err != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	if err := s.store.UpdateConnectionTokens(ctx, connectionID, encAccess, encRefresh, fresh.Expiry); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	metrics.TokenRefreshesTotal.WithLabelValues(conn.Provider, "ok").Inc()
	s.log.Debug("refreshed access token",
		zap.String("connection_id", connectionID),
		zap.String("provider", conn.Provider),
		zap.Time("expires_at", fresh.Expiry),
		zap.Bool("refresh_token_rotated", fresh.RefreshToken != ""))
	return fresh.AccessToken, nil
}
