package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/config"
	"github.com/lumenhq/calsync/internal/engine"
	"github.com/lumenhq/calsync/internal/httpapi"
	"github.com/lumenhq/calsync/internal/logging"
	natsjs "github.com/lumenhq/calsync/internal/nats"
	"github.com/lumenhq/calsync/internal/outbox"
	"github.com/lumenhq/calsync/internal/provider"
	"github.com/lumenhq/calsync/internal/provider/google"
	"github.com/lumenhq/calsync/internal/provider/microsoft"
	"github.com/lumenhq/calsync/internal/secrets"
	"github.com/lumenhq/calsync/internal/store"
	"github.com/lumenhq/calsync/internal/tokens"
	"github.com/lumenhq/calsync/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.NewViper())
	if err != nil {
		// Logger not up yet.
		panic(err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("service exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cipher, err := secrets.New(cfg.EncryptionKey, cfg.EncryptionKeyFallback, cfg.EncryptionKeyVersion)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	adapters := map[provider.Name]provider.Adapter{}
	if cfg.Google.ClientID != "" {
		adapters[provider.Google] = google.New(cfg.Google, log.Named("google"))
	}
	if cfg.Microsoft.ClientID != "" {
		adapters[provider.Microsoft] = microsoft.New(cfg.Microsoft, log.Named("microsoft"))
	}

	tokenSvc := tokens.NewService(st, cipher, adapters, log.Named("tokens"))
	eng := engine.New(st, tokenSvc, adapters, log.Named("engine"))

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		return err
	}

	dispatcher := outbox.NewDispatcher(st, publisher, log.Named("outbox"))
	go dispatcher.Run(ctx)

	manager := webhook.NewManager(st, cipher, tokenSvc, adapters, webhook.ManagerConfig{
		WebhookURL:      cfg.WebhookURL,
		RenewalWindow:   cfg.RenewalWindow,
		RenewalInterval: cfg.RenewalInterval,
	}, log.Named("webhook"))
	go manager.RunMaintenance(ctx)

	replay := webhook.NewReplayCache(cfg.ReplayWindow, cfg.ReplayMaxEntries)
	processor := webhook.NewProcessor(st, cipher, replay, eng, log.Named("webhook"))

	go eng.RunPeriodic(ctx, cfg.SyncInterval)

	authMW, err := httpapi.AuthMiddleware(cfg)
	if err != nil {
		return err
	}

	server := httpapi.NewServer(cfg, st, cipher, eng, manager, processor, adapters, authMW, log.Named("http"))
	srv := &http.Server{
		Addr:    cfg.HTTPAddress,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("address", cfg.HTTPAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
