// Package store is the Postgres implementation of the payment unit of work
// and the provider connection store.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storepay/internal/common/database"
	"storepay/internal/payment"
	"storepay/internal/payment/domain"
)

// Store opens units of work against Postgres
type Store struct {
	db *database.DB
}

// New creates a new payment store
func New(db *database.DB) *Store {
	return &Store{db: db}
}

var _ payment.UnitOfWork = (*Store)(nil)

// Begin opens a unit of work on a read-committed transaction. Row locks taken
// by the repositories are held until Commit or Rollback.
func (s *Store) Begin(ctx context.Context) (payment.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &unit{tx: tx}, nil
}

type unit struct {
	tx pgx.Tx
}

func (u *unit) Transactions() payment.TransactionRepository { return &transactionRepo{q: u.tx} }
func (u *unit) Refunds() payment.RefundRepository           { return &refundRepo{q: u.tx} }
func (u *unit) Idempotency() payment.IdempotencyRepository  { return &idempotencyRepo{q: u.tx} }
func (u *unit) Events() payment.EventRepository             { return &eventRepo{q: u.tx} }

func (u *unit) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return classify(err, "committing")
	}
	return nil
}

func (u *unit) Rollback(ctx context.Context) error {
	err := u.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// scanner is satisfied by pgx.Row and pgx.Rows
type scanner interface {
	Scan(dest ...any) error
}

// classify maps Postgres failures that mean "someone else got there first"
// onto domain.ErrConcurrentModification so callers can retry.
func classify(err error, doing string) error {
	switch {
	case database.IsNotFound(err):
		return fmt.Errorf("%s: %w", doing, domain.ErrNotFound)
	case database.IsUniqueViolation(err),
		database.IsSerializationFailure(err),
		database.IsLockTimeout(err):
		return fmt.Errorf("%s: %w: %v", doing, domain.ErrConcurrentModification, err)
	}
	return fmt.Errorf("%s: %w", doing, err)
}
