package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"storepay/internal/common/database"
	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
)

const refundColumns = `
	id, transaction_id, store_id, amount_minor, currency, reason, status,
	confirmation, failure_reason, idempotency_key, version, created_at, updated_at`

type refundRepo struct {
	q database.Querier
}

func (r *refundRepo) Create(ctx context.Context, rf *domain.Refund) error {
	query := `
		INSERT INTO payment_refunds (` + refundColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.q.Exec(ctx, query,
		rf.ID,
		rf.TransactionID,
		rf.StoreID,
		rf.Amount.AmountMinor,
		string(rf.Amount.Currency),
		rf.Reason,
		string(rf.Status),
		rf.Confirmation,
		rf.FailureReason,
		rf.IdempotencyKey,
		rf.Version,
		rf.CreatedAt,
		rf.UpdatedAt,
	)
	if err != nil {
		return classify(err, fmt.Sprintf("creating refund %s", rf.ID))
	}
	return nil
}

func (r *refundRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM payment_refunds WHERE id = $1 FOR UPDATE`

	rf, err := scanRefund(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, classify(err, fmt.Sprintf("loading refund %s", id))
	}
	return rf, nil
}

func (r *refundRepo) Update(ctx context.Context, rf *domain.Refund) error {
	query := `
		UPDATE payment_refunds SET
			status = $3,
			confirmation = $4,
			failure_reason = $5,
			version = $6,
			updated_at = $7
		WHERE id = $1 AND version = $2
	`

	tag, err := r.q.Exec(ctx, query,
		rf.ID,
		rf.PersistedVersion(),
		string(rf.Status),
		rf.Confirmation,
		rf.FailureReason,
		rf.Version,
		rf.UpdatedAt,
	)
	if err != nil {
		return classify(err, fmt.Sprintf("updating refund %s", rf.ID))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: refund %s is not at version %d",
			domain.ErrConcurrentModification, rf.ID, rf.PersistedVersion())
	}
	return nil
}

func (r *refundRepo) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*domain.Refund, error) {
	query := `
		SELECT ` + refundColumns + `
		FROM payment_refunds
		WHERE transaction_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("listing refunds of %s: %w", transactionID, err)
	}
	defer rows.Close()

	var out []*domain.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning refund: %w", err)
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func (r *refundRepo) CountByStatus(ctx context.Context, status domain.RefundStatus) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM payment_refunds WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s refunds: %w", status, err)
	}
	return n, nil
}

func scanRefund(row scanner) (*domain.Refund, error) {
	var (
		rf       domain.Refund
		currency string
		status   string
	)
	err := row.Scan(
		&rf.ID,
		&rf.TransactionID,
		&rf.StoreID,
		&rf.Amount.AmountMinor,
		&currency,
		&rf.Reason,
		&status,
		&rf.Confirmation,
		&rf.FailureReason,
		&rf.IdempotencyKey,
		&rf.Version,
		&rf.CreatedAt,
		&rf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rf.Amount.Currency = money.Currency(currency)
	if rf.Status, err = domain.ParseRefundStatus(status); err != nil {
		return nil, err
	}
	rf.CreatedAt = rf.CreatedAt.UTC()
	rf.UpdatedAt = rf.UpdatedAt.UTC()
	return &rf, nil
}
