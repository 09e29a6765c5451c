package store

import (
	"context"
	"fmt"
	"time"

	"storepay/internal/common/database"
	"storepay/internal/payment/domain"
)

const idempotencyColumns = `key, operation, fingerprint, resource_id, result, created_at, expires_at`

type idempotencyRepo struct {
	q database.Querier
}

func (r *idempotencyRepo) Insert(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_records (` + idempotencyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO NOTHING
	`

	tag, err := r.q.Exec(ctx, query,
		rec.Key,
		string(rec.Operation),
		rec.Fingerprint,
		rec.ResourceID,
		jsonb(rec.Result),
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return false, classify(err, fmt.Sprintf("inserting idempotency record %s", rec.Key))
	}
	return tag.RowsAffected() == 1, nil
}

func (r *idempotencyRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT ` + idempotencyColumns + ` FROM idempotency_records WHERE key = $1`
	return r.get(ctx, query, key)
}

func (r *idempotencyRepo) GetForUpdate(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `SELECT ` + idempotencyColumns + ` FROM idempotency_records WHERE key = $1 FOR UPDATE`
	return r.get(ctx, query, key)
}

func (r *idempotencyRepo) get(ctx context.Context, query, key string) (*domain.IdempotencyRecord, error) {
	rec, err := scanIdempotencyRecord(r.q.QueryRow(ctx, query, key))
	if err != nil {
		return nil, classify(err, fmt.Sprintf("loading idempotency record %s", key))
	}
	return rec, nil
}

func (r *idempotencyRepo) Replace(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `
		UPDATE idempotency_records SET
			operation = $2,
			fingerprint = $3,
			resource_id = $4,
			result = $5,
			created_at = $6,
			expires_at = $7
		WHERE key = $1
	`

	tag, err := r.q.Exec(ctx, query,
		rec.Key,
		string(rec.Operation),
		rec.Fingerprint,
		rec.ResourceID,
		jsonb(rec.Result),
		rec.CreatedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return classify(err, fmt.Sprintf("replacing idempotency record %s", rec.Key))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("replacing idempotency record %s: %w", rec.Key, domain.ErrNotFound)
	}
	return nil
}

func (r *idempotencyRepo) SetResult(ctx context.Context, key string, result []byte) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE idempotency_records SET result = $2 WHERE key = $1 AND result IS NULL`,
		key, jsonb(result),
	)
	if err != nil {
		return classify(err, fmt.Sprintf("committing idempotency record %s", key))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := r.Get(ctx, key); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, key)
}

func (r *idempotencyRepo) FindInFlightByResource(ctx context.Context, op domain.Operation, resourceID string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT ` + idempotencyColumns + `
		FROM idempotency_records
		WHERE operation = $1 AND resource_id = $2 AND result IS NULL AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1
	`

	rec, err := scanIdempotencyRecord(r.q.QueryRow(ctx, query, string(op), resourceID))
	if err != nil {
		return nil, classify(err, fmt.Sprintf("finding in-flight %s for %s", op, resourceID))
	}
	return rec, nil
}

func (r *idempotencyRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM idempotency_records
		WHERE key IN (
			SELECT key FROM idempotency_records
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`

	tag, err := r.q.Exec(ctx, query, now, limit)
	if err != nil {
		return 0, fmt.Errorf("deleting expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// jsonb keeps a nil result as SQL NULL, which marks the record in flight.
func jsonb(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func scanIdempotencyRecord(row scanner) (*domain.IdempotencyRecord, error) {
	var (
		rec       domain.IdempotencyRecord
		operation string
		result    *string
	)
	err := row.Scan(
		&rec.Key,
		&operation,
		&rec.Fingerprint,
		&rec.ResourceID,
		&result,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if result != nil {
		rec.Result = []byte(*result)
	}
	rec.Operation = domain.Operation(operation)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}
