// Package outbox drains the transactional outbox into the NATS event stream.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhq/calsync/internal/metrics"
	natsjs "github.com/lumenhq/calsync/internal/nats"
	"github.com/lumenhq/calsync/internal/store"
)

const (
	batchSize    = 100
	idleSleep    = 500 * time.Millisecond
	errorSleep   = time.Second
	retryBackoff = 10 * time.Second
)

// Dispatcher moves committed outbox rows to the event stream. Publish
// failures reschedule the row with backoff; the stream's duplicate window
// absorbs redeliveries.
type Dispatcher struct {
	store     *store.Store
	publisher *natsjs.Publisher
	log       *zap.Logger
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(st *store.Store, publisher *natsjs.Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, publisher: publisher, log: log}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, batchSize)
		if err != nil {
			d.log.Error("failed to dequeue outbox", zap.Error(err))
			sleepCtx(ctx, errorSleep)
			continue
		}

		if len(messages) == 0 {
			sleepCtx(ctx, idleSleep)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				metrics.OutboxPublishedTotal.WithLabelValues("error").Inc()
				d.log.Warn("failed to publish outbox message",
					zap.Int64("outbox_id", msg.ID),
					zap.String("subject", msg.Subject),
					zap.Error(err))
				if retryErr := d.store.MarkOutboxRetry(ctx, msg.ID, retryBackoff); retryErr != nil {
					d.log.Error("failed to schedule outbox retry",
						zap.Int64("outbox_id", msg.ID), zap.Error(retryErr))
				}
				continue
			}

			metrics.OutboxPublishedTotal.WithLabelValues("ok").Inc()
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Error("failed to mark outbox message published",
					zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
