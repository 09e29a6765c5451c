package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/database"
	"storepay/internal/common/events"
	"storepay/internal/payment/domain"
)

// relayLockKey serializes relays so events leave in position order.
const relayLockKey = 0x73746f7265706179

type eventRepo struct {
	q database.Querier
}

func (r *eventRepo) Append(ctx context.Context, evts []domain.Event) error {
	query := `
		INSERT INTO payment_events (
			event_id, aggregate_type, aggregate_id, sequence, type, store_id,
			correlation_id, payload, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	correlationID := events.CorrelationID(ctx)
	for _, e := range evts {
		env, err := e.Envelope(correlationID)
		if err != nil {
			return fmt.Errorf("building envelope for %s: %w", e.Type, err)
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encoding envelope for %s: %w", e.Type, err)
		}

		_, err = r.q.Exec(ctx, query,
			env.ID,
			string(e.AggregateType),
			e.AggregateID,
			e.Sequence,
			string(e.Type),
			e.StoreID,
			correlationID,
			string(payload),
			e.OccurredAt,
		)
		if err != nil {
			return classify(err, fmt.Sprintf("appending %s %s sequence %d", e.Type, e.AggregateID, e.Sequence))
		}
	}
	return nil
}

func (r *eventRepo) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	rows, err := r.q.Query(ctx,
		`SELECT payload FROM payment_events WHERE aggregate_id = $1 ORDER BY sequence`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing events of %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		var e domain.Event
		if err := env.DecodeData(&e); err != nil {
			return nil, fmt.Errorf("decoding event %s: %w", env.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimUnpublished takes a transaction-scoped advisory lock first. A second
// relay gets nothing until the first commits, which keeps publication in
// append order.
func (r *eventRepo) ClaimUnpublished(ctx context.Context, limit int) ([]*events.Event, error) {
	var locked bool
	if err := r.q.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, int64(relayLockKey)).Scan(&locked); err != nil {
		return nil, fmt.Errorf("acquiring relay lock: %w", err)
	}
	if !locked {
		return nil, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT payload
		FROM payment_events
		WHERE published_at IS NULL
		ORDER BY position
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming unpublished events: %w", err)
	}
	defer rows.Close()

	var out []*events.Event
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (r *eventRepo) MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.q.Exec(ctx,
		`UPDATE payment_events SET published_at = $2 WHERE event_id = ANY($1) AND published_at IS NULL`,
		eventIDs, at,
	)
	if err != nil {
		return fmt.Errorf("marking events published: %w", err)
	}
	return nil
}

func scanEnvelope(row scanner) (*events.Event, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	var env events.Event
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	return &env, nil
}
