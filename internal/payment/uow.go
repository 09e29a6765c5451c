package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/events"
	"storepay/internal/payment/domain"
)

// UnitOfWork opens atomic write scopes. Every repository write inside one Tx
// becomes visible together on Commit or not at all.
type UnitOfWork interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is an open unit of work. Repositories obtained from it are bound to it.
type Tx interface {
	Transactions() TransactionRepository
	Refunds() RefundRepository
	Idempotency() IdempotencyRepository
	Events() EventRepository
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TransactionRepository persists payment transactions.
type TransactionRepository interface {
	Create(ctx context.Context, t *domain.Transaction) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// GetForUpdate locks the row until the unit of work ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// Update writes t if the stored version equals t.PersistedVersion(),
	// otherwise it fails with domain.ErrConcurrentModification.
	Update(ctx context.Context, t *domain.Transaction) error
	// ListDueForReconciliation returns unfinished transactions whose next
	// reconciliation time has passed, skipping rows locked by other workers.
	ListDueForReconciliation(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error)
}

// RefundRepository persists refunds.
type RefundRepository interface {
	Create(ctx context.Context, r *domain.Refund) error
	GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Refund, error)
	Update(ctx context.Context, r *domain.Refund) error
	ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*domain.Refund, error)
	CountByStatus(ctx context.Context, status domain.RefundStatus) (int, error)
}

// IdempotencyRepository persists idempotency records.
type IdempotencyRepository interface {
	// Insert stores rec unless the key exists; it reports whether it inserted.
	Insert(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
	GetForUpdate(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// Replace overwrites an expired record.
	Replace(ctx context.Context, rec *domain.IdempotencyRecord) error
	// SetResult stores the result of an in-flight record.
	SetResult(ctx context.Context, key string, result []byte) error
	// FindInFlightByResource returns the in-flight record of op for a
	// resource, or domain.ErrNotFound.
	FindInFlightByResource(ctx context.Context, op domain.Operation, resourceID string) (*domain.IdempotencyRecord, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// EventRepository appends domain events to the outbox.
type EventRepository interface {
	// Append fails with domain.ErrConcurrentModification when a sequence
	// number is already taken for the aggregate.
	Append(ctx context.Context, evts []domain.Event) error
	ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error)
	// ClaimUnpublished locks the oldest unpublished envelopes in append order.
	ClaimUnpublished(ctx context.Context, limit int) ([]*events.Event, error)
	MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error
}

// withTx runs fn inside a unit of work, rolling back on error or panic.
func withTx(ctx context.Context, uow UnitOfWork, logger *slog.Logger, fn func(tx Tx) error) error {
	tx, err := uow.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logger.Error("failed to rollback unit of work",
				"error", rbErr,
				"original_error", err,
			)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing unit of work: %w", err)
	}
	return nil
}
