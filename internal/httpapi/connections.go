package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/auth"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/store"
)

const oauthStateTTL = 15 * time.Minute

type connectionResponse struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	Email       string    `json:"email"`
	AuthExpired bool      `json:"auth_expired"`
	CreatedAt   time.Time `json:"created_at"`
}

type calendarResponse struct {
	ID            string     `json:"id"`
	ProviderID    string     `json:"provider_calendar_id"`
	Name          string     `json:"name"`
	TimeZone      string     `json:"time_zone,omitempty"`
	ReadOnly      bool       `json:"read_only"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError string     `json:"last_sync_error,omitempty"`
}

// handleConnect starts the OAuth flow: records a single-use CSRF state and
// returns the provider consent URL.
func (s *Server) handleConnect(c *gin.Context) {
	userID := auth.UserID(c)
	providerName := c.Param("provider")

	adapter, ok := s.adapterFor(providerName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	state := uuid.NewString()
	if err := s.store.CreateOAuthState(c.Request.Context(), state, userID, providerName, oauthStateTTL); err != nil {
		s.log.Error("failed to create oauth state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"auth_url": adapter.AuthURL(state)})
}

// handleOAuthCallback completes the OAuth flow: consumes the CSRF state,
// exchanges the code, stores encrypted tokens, registers the account's
// calendars with webhooks, and kicks off the initial sync in the background.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	ctx := c.Request.Context()
	providerName := c.Param("provider")
	state := c.Query("state")
	code := c.Query("code")

	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing state or code"})
		return
	}

	userID, storedProvider, err := s.store.ConsumeOAuthState(ctx, state)
	if err != nil || storedProvider != providerName {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid or expired state"})
		return
	}

	adapter, ok := s.adapterFor(providerName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	toks, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		s.log.Warn("oauth code exchange failed",
			zap.String("provider", providerName), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "code exchange failed"})
		return
	}

	profile, err := adapter.Profile(ctx, toks.AccessToken)
	if err != nil {
		s.log.Warn("failed to fetch provider profile",
			zap.String("provider", providerName), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "profile fetch failed"})
		return
	}

	encAccess, err := s.cipher.Encrypt(toks.AccessToken)
	if err != nil {
		s.log.Error("failed to encrypt access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	encRefresh, err := s.cipher.Encrypt(toks.RefreshToken)
	if err != nil {
		s.log.Error("failed to encrypt refresh token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	connID, err := s.store.UpsertConnection(ctx, store.Connection{
		ID:                   uuid.NewString(),
		UserID:               userID,
		Provider:             string(adapter.Name()),
		ProviderAccountEmail: profile.Email,
		AccessToken:          encAccess,
		RefreshToken:         encRefresh,
		TokenExpiresAt:       toks.Expiry,
	})
	if err != nil {
		s.log.Error("failed to store connection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	subs, err := s.engine.DiscoverCalendars(ctx, connID)
	if err != nil {
		s.log.Warn("calendar discovery failed",
			zap.String("connection_id", connID), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"connection_id": connID,
			"email":         profile.Email,
			"calendars":     0,
			"warning":       "calendar discovery failed, retry via sync",
		})
		return
	}

	for _, sub := range subs {
		if err := s.manager.EnsureSubscribed(ctx, sub.ID); err != nil {
			s.log.Warn("failed to register webhook subscription",
				zap.String("calendar_subscription_id", sub.ID), zap.Error(err))
		}
	}

	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.engine.SyncConnection(syncCtx, connID); err != nil {
			s.log.Warn("initial sync failed",
				zap.String("connection_id", connID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"connection_id": connID,
		"email":         profile.Email,
		"calendars":     len(subs),
	})
}

func (s *Server) handleListConnections(c *gin.Context) {
	conns, err := s.store.ListConnections(c.Request.Context(), auth.UserID(c))
	if err != nil {
		s.log.Error("failed to list connections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]connectionResponse, 0, len(conns))
	for _, conn := range conns {
		out = append(out, connectionResponse{
			ID:          conn.ID,
			Provider:    conn.Provider,
			Email:       conn.ProviderAccountEmail,
			AuthExpired: conn.AuthExpired,
			CreatedAt:   conn.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"connections": out})
}

func (s *Server) handleListCalendars(c *gin.Context) {
	conn, ok := s.ownedConnection(c)
	if !ok {
		return
	}

	subs, err := s.store.ListCalendarSubscriptions(c.Request.Context(), conn.ID)
	if err != nil {
		s.log.Error("failed to list calendar subscriptions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]calendarResponse, 0, len(subs))
	for _, sub := range subs {
		item := calendarResponse{
			ID:            sub.ID,
			ProviderID:    sub.ProviderCalendarID,
			Name:          sub.Name,
			TimeZone:      sub.TimeZone,
			ReadOnly:      sub.ReadOnly,
			LastSyncError: sub.LastSyncError,
		}
		if !sub.LastSyncedAt.IsZero() {
			t := sub.LastSyncedAt
			item.LastSyncedAt = &t
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"calendars": out})
}

// handleSyncConnection runs a user-initiated sync. Unlike the webhook path,
// failures here propagate to the caller with a status matching the cause.
func (s *Server) handleSyncConnection(c *gin.Context) {
	conn, ok := s.ownedConnection(c)
	if !ok {
		return
	}

	result, err := s.engine.SyncConnection(c.Request.Context(), conn.ID)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrAuthExpired):
			c.JSON(http.StatusConflict, gin.H{"error": "re-authorization required"})
		case errors.Is(err, provider.ErrProviderUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider unavailable"})
		default:
			if wait, limited := provider.RetryAfter(err); limited {
				c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())))
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "provider rate limited"})
				return
			}
			s.log.Error("user-initiated sync failed",
				zap.String("connection_id", conn.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sync failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"upserted":    result.Upserted,
		"removed":     result.Removed,
		"full_resync": result.FullResync,
	})
}

// handleDisconnect tears down webhooks, revokes the token at the provider
// where supported, and removes the connection. Provider-side steps are best
// effort; local removal always proceeds.
func (s *Server) handleDisconnect(c *gin.Context) {
	ctx := c.Request.Context()
	conn, ok := s.ownedConnection(c)
	if !ok {
		return
	}

	if err := s.manager.Teardown(ctx, conn.ID); err != nil {
		s.log.Warn("webhook teardown incomplete",
			zap.String("connection_id", conn.ID), zap.Error(err))
	}

	if adapter, ok := s.adapters[provider.Name(conn.Provider)]; ok {
		if refreshToken, err := s.cipher.Decrypt(conn.RefreshToken); err == nil {
			if err := adapter.Revoke(ctx, refreshToken); err != nil {
				s.log.Warn("token revocation failed",
					zap.String("connection_id", conn.ID), zap.Error(err))
			}
		}
	}

	if err := s.store.DeleteConnectionCascade(ctx, conn.ID); err != nil {
		s.log.Error("failed to delete connection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ownedConnection loads the connection in :id and verifies the caller owns
// it. A foreign connection reads as not found.
func (s *Server) ownedConnection(c *gin.Context) (store.Connection, bool) {
	conn, err := s.store.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		} else {
			s.log.Error("failed to load connection", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return store.Connection{}, false
	}
	if conn.UserID != auth.UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return store.Connection{}, false
	}
	return conn, true
}
