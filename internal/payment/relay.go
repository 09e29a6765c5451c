package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"storepay/internal/common/events"
	"storepay/internal/common/metrics"
)

// Relay forwards committed domain events from the outbox to a publisher in
// append order. Publishing stops at the first failure so no event overtakes
// an earlier one of the same aggregate.
type Relay struct {
	uow       UnitOfWork
	publisher events.EventPublisher
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// NewRelay creates an outbox relay.
func NewRelay(uow UnitOfWork, publisher events.EventPublisher, cfg Config, logger *slog.Logger) *Relay {
	return &Relay{
		uow:       uow,
		publisher: publisher,
		batchSize: cfg.RelayBatchSize,
		interval:  cfg.RelayInterval,
		logger:    logger.With("component", "relay"),
	}
}

// Run relays events every RelayInterval until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	return RunEvery(ctx, r.interval, r.logger, "outbox-relay", func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}

// RunOnce publishes one batch and returns the number of events published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	var published int
	err := withTx(ctx, r.uow, r.logger, func(tx Tx) error {
		pending, err := tx.Events().ClaimUnpublished(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("claiming events: %w", err)
		}

		ids := make([]string, 0, len(pending))
		for _, e := range pending {
			if err := r.publisher.Publish(ctx, e); err != nil {
				r.logger.Warn("failed to publish event",
					"event_id", e.ID,
					"type", e.Type,
					"aggregate_id", e.AggregateID,
					"error", err,
				)
				break
			}
			ids = append(ids, e.ID)
		}

		if len(ids) == 0 {
			return nil
		}
		if err := tx.Events().MarkPublished(ctx, ids, time.Now().UTC()); err != nil {
			return fmt.Errorf("marking events published: %w", err)
		}
		published = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.AddPublished(published)
	return published, nil
}
