package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/database"
	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
)

const transactionColumns = `
	id, store_id, reference, amount_minor, currency, provider, provider_reference,
	confirmation, failure_reason, idempotency_key, status, version,
	reconcile_attempts, next_reconcile_at, created_at, updated_at`

type transactionRepo struct {
	q database.Querier
}

func (r *transactionRepo) Create(ctx context.Context, t *domain.Transaction) error {
	query := `
		INSERT INTO payment_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := r.q.Exec(ctx, query,
		t.ID,
		t.StoreID,
		t.Reference.String(),
		t.Amount.AmountMinor,
		string(t.Amount.Currency),
		string(t.Provider),
		t.ProviderReference,
		t.Confirmation,
		t.FailureReason,
		t.IdempotencyKey,
		string(t.Status),
		t.Version,
		t.ReconcileAttempts,
		t.NextReconcileAt,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return classify(err, fmt.Sprintf("creating transaction %s", t.ID))
	}
	return nil
}

func (r *transactionRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE id = $1`
	return r.get(ctx, query, id)
}

func (r *transactionRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE id = $1 FOR UPDATE`
	return r.get(ctx, query, id)
}

func (r *transactionRepo) get(ctx context.Context, query string, id uuid.UUID) (*domain.Transaction, error) {
	t, err := scanTransaction(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, classify(err, fmt.Sprintf("loading transaction %s", id))
	}
	return t, nil
}

func (r *transactionRepo) Update(ctx context.Context, t *domain.Transaction) error {
	query := `
		UPDATE payment_transactions SET
			provider_reference = $3,
			confirmation = $4,
			failure_reason = $5,
			status = $6,
			version = $7,
			reconcile_attempts = $8,
			next_reconcile_at = $9,
			updated_at = $10
		WHERE id = $1 AND version = $2
	`

	tag, err := r.q.Exec(ctx, query,
		t.ID,
		t.PersistedVersion(),
		t.ProviderReference,
		t.Confirmation,
		t.FailureReason,
		string(t.Status),
		t.Version,
		t.ReconcileAttempts,
		t.NextReconcileAt,
		t.UpdatedAt,
	)
	if err != nil {
		return classify(err, fmt.Sprintf("updating transaction %s", t.ID))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s is not at version %d",
			domain.ErrConcurrentModification, t.ID, t.PersistedVersion())
	}
	return nil
}

func (r *transactionRepo) ListDueForReconciliation(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM payment_transactions
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND next_reconcile_at IS NOT NULL
		  AND next_reconcile_at <= $1
		ORDER BY next_reconcile_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning due transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var (
		t                   domain.Transaction
		reference, currency string
		provider, status    string
	)
	err := row.Scan(
		&t.ID,
		&t.StoreID,
		&reference,
		&t.Amount.AmountMinor,
		&currency,
		&provider,
		&t.ProviderReference,
		&t.Confirmation,
		&t.FailureReason,
		&t.IdempotencyKey,
		&status,
		&t.Version,
		&t.ReconcileAttempts,
		&t.NextReconcileAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Reference = domain.Reference(reference)
	t.Amount.Currency = money.Currency(currency)
	t.Provider = domain.ProviderType(provider)
	if t.Status, err = domain.ParsePaymentStatus(status); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.NextReconcileAt != nil {
		at := t.NextReconcileAt.UTC()
		t.NextReconcileAt = &at
	}
	return &t, nil
}
