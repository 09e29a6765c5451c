package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storepay/internal/common/metrics"
	"storepay/internal/payment/domain"
)

// Decision is the ledger's answer to a reservation.
type Decision string

const (
	DecisionProceed   Decision = "proceed"
	DecisionDuplicate Decision = "duplicate"
	DecisionInFlight  Decision = "in_flight"
	DecisionConflict  Decision = "conflict"
)

// Reservation is the result of Ledger.Reserve. Record is the stored record
// for every decision except Proceed.
type Reservation struct {
	Decision Decision
	Record   *domain.IdempotencyRecord
}

// Ledger guards retried mutating operations with caller-supplied keys.
// It runs inside the caller's unit of work so a reservation, the state change
// it guards and the committed result follow the same atomicity rules.
type Ledger struct {
	ttl time.Duration
	now func() time.Time
}

// NewLedger creates a ledger whose records are kept for ttl.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		ttl: ttl,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// ledgerKey scopes a caller key to its store.
func ledgerKey(storeID, key string) string {
	return storeID + "/" + key
}

// Reserve claims key for a request with the given fingerprint. Concurrent
// reservations of one key are serialized by the repository insert, so only
// one of them can observe Proceed.
func (l *Ledger) Reserve(ctx context.Context, repo IdempotencyRepository, key string, op domain.Operation, fingerprint, resourceID string) (*Reservation, error) {
	now := l.now()
	rec := &domain.IdempotencyRecord{
		Key:         key,
		Operation:   op,
		Fingerprint: fingerprint,
		ResourceID:  resourceID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(l.ttl),
	}

	res, err := l.reserve(ctx, repo, rec, now)
	if err != nil {
		return nil, err
	}
	metrics.CountReservation(string(op), string(res.Decision))
	return res, nil
}

func (l *Ledger) reserve(ctx context.Context, repo IdempotencyRepository, rec *domain.IdempotencyRecord, now time.Time) (*Reservation, error) {
	inserted, err := repo.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("inserting idempotency record: %w", err)
	}
	if inserted {
		return &Reservation{Decision: DecisionProceed}, nil
	}

	existing, err := repo.GetForUpdate(ctx, rec.Key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// purged between insert and lock
			return nil, fmt.Errorf("%w: idempotency record %s vanished", domain.ErrConcurrentModification, rec.Key)
		}
		return nil, fmt.Errorf("locking idempotency record: %w", err)
	}

	switch {
	case existing.Expired(now):
		if err := repo.Replace(ctx, rec); err != nil {
			return nil, fmt.Errorf("replacing expired idempotency record: %w", err)
		}
		return &Reservation{Decision: DecisionProceed}, nil
	case existing.Operation != rec.Operation || existing.Fingerprint != rec.Fingerprint:
		return &Reservation{Decision: DecisionConflict, Record: existing}, nil
	case existing.InFlight():
		return &Reservation{Decision: DecisionInFlight, Record: existing}, nil
	default:
		return &Reservation{Decision: DecisionDuplicate, Record: existing}, nil
	}
}

// Commit stores result for key and decodes the stored bytes into out. When
// the record was already committed the earlier result is decoded into out and
// domain.ErrAlreadyCommitted is returned; the outcome of a key never changes
// once set.
func (l *Ledger) Commit(ctx context.Context, repo IdempotencyRepository, key string, result, out any) error {
	rec, err := repo.GetForUpdate(ctx, key)
	if err != nil {
		return fmt.Errorf("locking idempotency record: %w", err)
	}

	var committedErr error
	if rec.InFlight() {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding idempotent result: %w", err)
		}
		if err := repo.SetResult(ctx, key, data); err != nil {
			return fmt.Errorf("storing idempotent result: %w", err)
		}
		rec.Result = data
	} else {
		committedErr = fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, key)
	}

	if err := json.Unmarshal(rec.Result, out); err != nil {
		return fmt.Errorf("decoding idempotent result: %w", err)
	}
	return committedErr
}

// commitResult is Commit for callers that accept an earlier result.
func (l *Ledger) commitResult(ctx context.Context, repo IdempotencyRepository, key string, result, out any) error {
	err := l.Commit(ctx, repo, key, result, out)
	if errors.Is(err, domain.ErrAlreadyCommitted) {
		return nil
	}
	return err
}

// Purge deletes up to limit expired records.
func (l *Ledger) Purge(ctx context.Context, repo IdempotencyRepository, limit int) (int64, error) {
	n, err := repo.DeleteExpired(ctx, l.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("purging idempotency records: %w", err)
	}
	return n, nil
}
