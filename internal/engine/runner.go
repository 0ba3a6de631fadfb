package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/provider"
)

// RunPeriodic syncs every active connection on the given interval until ctx
// is cancelled. This is the safety net behind webhooks: a missed notification
// delays a change by at most one interval instead of losing it.
func (e *Engine) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncAll(ctx)
		}
	}
}

func (e *Engine) syncAll(ctx context.Context) {
	conns, err := e.store.ListActiveConnections(ctx)
	if err != nil {
		e.log.Error("failed to list connections for periodic sync", zap.Error(err))
		return
	}

	for _, conn := range conns {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.SyncConnection(ctx, conn.ID); err != nil {
			if errors.Is(err, provider.ErrAuthExpired) {
				// Already marked; skipped on the next pass.
				continue
			}
			if wait, ok := provider.RetryAfter(err); ok {
				e.log.Warn("periodic sync rate limited, deferring connection",
					zap.String("connection_id", conn.ID),
					zap.Duration("retry_after", wait))
				continue
			}
			e.log.Warn("periodic sync failed",
				zap.String("connection_id", conn.ID),
				zap.Error(err))
		}
	}
}
