package payment

import (
	"context"
	"log/slog"
	"time"
)

// RunEvery calls fn once per interval until ctx is cancelled. Errors are
// logged and the loop carries on with the next tick.
func RunEvery(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, fn func(ctx context.Context) error) error {
	logger.Info("worker started", "worker", name, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("worker pass failed", "worker", name, "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("worker stopped", "worker", name)
			return nil
		case <-ticker.C:
		}
	}
}

// RunJanitor purges expired idempotency records every PurgeInterval.
func (s *Service) RunJanitor(ctx context.Context) error {
	return RunEvery(ctx, s.cfg.PurgeInterval, s.logger, "idempotency-janitor", func(ctx context.Context) error {
		_, err := s.PurgeExpiredIdempotency(ctx)
		return err
	})
}
