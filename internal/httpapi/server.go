// Package httpapi exposes the service's HTTP surface: the OAuth connect flow,
// connection management, and the provider webhook endpoints.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/auth"
	"github.com/lumenhq/calsync/internal/config"
	"github.com/lumenhq/calsync/internal/engine"
	"github.com/lumenhq/calsync/internal/metrics"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/secrets"
	"github.com/lumenhq/calsync/internal/store"
	"github.com/lumenhq/calsync/internal/webhook"
)

// Server wires handlers to their collaborators.
type Server struct {
	cfg       config.Config
	store     *store.Store
	cipher    *secrets.Cipher
	engine    *engine.Engine
	manager   *webhook.Manager
	processor *webhook.Processor
	adapters  map[provider.Name]provider.Adapter
	authMW    gin.HandlerFunc
	log       *zap.Logger
}

// NewServer creates the HTTP server wiring.
func NewServer(
	cfg config.Config,
	st *store.Store,
	cipher *secrets.Cipher,
	eng *engine.Engine,
	manager *webhook.Manager,
	processor *webhook.Processor,
	adapters map[provider.Name]provider.Adapter,
	authMW gin.HandlerFunc,
	log *zap.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		cipher:    cipher,
		engine:    eng,
		manager:   manager,
		processor: processor,
		adapters:  adapters,
		authMW:    authMW,
		log:       log,
	}
}

// Router builds the gin engine. Webhook endpoints and the OAuth callback are
// unauthenticated: providers and browser redirects cannot carry our bearer
// tokens. Everything under /api requires auth.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/webhooks/microsoft", s.handleMicrosoftWebhook)
	r.POST("/webhooks/google", s.handleGoogleWebhook)

	r.GET("/oauth/:provider/callback", s.handleOAuthCallback)

	api := r.Group("/api")
	api.Use(s.authMW)
	api.GET("/connect/:provider", s.handleConnect)
	api.GET("/connections", s.handleListConnections)
	api.GET("/connections/:id/calendars", s.handleListCalendars)
	api.POST("/connections/:id/sync", s.handleSyncConnection)
	api.DELETE("/connections/:id", s.handleDisconnect)

	return r
}

func (s *Server) adapterFor(name string) (provider.Adapter, bool) {
	switch name {
	case "google":
		a, ok := s.adapters[provider.Google]
		return a, ok
	case "microsoft":
		a, ok := s.adapters[provider.Microsoft]
		return a, ok
	default:
		return nil, false
	}
}

// AuthMiddleware builds the middleware matching the configured auth mode.
func AuthMiddleware(cfg config.Config) (gin.HandlerFunc, error) {
	if cfg.JWKSURL != "" {
		verifier, err := auth.NewJWTVerifier(cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		return auth.Middleware(verifier), nil
	}
	return auth.SecretMiddleware([]byte(cfg.AuthSecret)), nil
}
