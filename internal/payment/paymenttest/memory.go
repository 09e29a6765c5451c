// Package paymenttest provides in-memory collaborators for exercising the
// payment service without Postgres, Redis or real providers.
package paymenttest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/events"
	"storepay/internal/payment"
	"storepay/internal/payment/domain"
)

type storedEvent struct {
	event       domain.Event
	envelope    *events.Event
	publishedAt *time.Time
}

type state struct {
	transactions map[uuid.UUID]domain.Transaction
	refunds      map[uuid.UUID]domain.Refund
	idempotency  map[string]domain.IdempotencyRecord
	events       []storedEvent
}

func (s *state) clone() *state {
	c := &state{
		transactions: make(map[uuid.UUID]domain.Transaction, len(s.transactions)),
		refunds:      make(map[uuid.UUID]domain.Refund, len(s.refunds)),
		idempotency:  make(map[string]domain.IdempotencyRecord, len(s.idempotency)),
		events:       append([]storedEvent(nil), s.events...),
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.refunds {
		c.refunds[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// UnitOfWork is an in-memory payment.UnitOfWork. Units of work run one at a
// time; each works on a copy of the state that replaces it on Commit.
type UnitOfWork struct {
	mu    sync.Mutex
	state *state

	// FailCommit, when set, is returned by the next Commit, which then rolls back.
	FailCommit error
}

// NewUnitOfWork creates an empty store.
func NewUnitOfWork() *UnitOfWork {
	return &UnitOfWork{state: (&state{}).clone()}
}

// Begin opens a unit of work. It blocks while another one is open.
func (u *UnitOfWork) Begin(ctx context.Context) (payment.Tx, error) {
	u.mu.Lock()
	if err := ctx.Err(); err != nil {
		u.mu.Unlock()
		return nil, err
	}
	return &memTx{uow: u, state: u.state.clone()}, nil
}

// Transaction returns the committed transaction with id.
func (u *UnitOfWork) Transaction(id uuid.UUID) (*domain.Transaction, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.state.transactions[id]
	return &t, ok
}

// Transactions returns every committed transaction, oldest first.
func (u *UnitOfWork) Transactions() []*domain.Transaction {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*domain.Transaction, 0, len(u.state.transactions))
	for _, t := range u.state.transactions {
		t := t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Events returns the committed events of an aggregate in sequence order.
func (u *UnitOfWork) Events(aggregateID uuid.UUID) []domain.Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	return eventsOf(u.state, aggregateID)
}

// IdempotencyRecord returns the committed record stored under key.
func (u *UnitOfWork) IdempotencyRecord(key string) (*domain.IdempotencyRecord, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, ok := u.state.idempotency[key]
	return &r, ok
}

// PutIdempotencyRecord stores rec directly, bypassing the ledger.
func (u *UnitOfWork) PutIdempotencyRecord(rec domain.IdempotencyRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.state.idempotency[rec.Key] = rec
}

// Unpublished counts events the relay has not yet published.
func (u *UnitOfWork) Unpublished() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, e := range u.state.events {
		if e.publishedAt == nil {
			n++
		}
	}
	return n
}

func eventsOf(s *state, aggregateID uuid.UUID) []domain.Event {
	var out []domain.Event
	for _, e := range s.events {
		if e.event.AggregateID == aggregateID {
			out = append(out, e.event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

type memTx struct {
	uow   *UnitOfWork
	state *state
	done  bool
}

func (t *memTx) Transactions() payment.TransactionRepository { return (*txnRepo)(t) }
func (t *memTx) Refunds() payment.RefundRepository           { return (*refundRepo)(t) }
func (t *memTx) Idempotency() payment.IdempotencyRepository  { return (*idemRepo)(t) }
func (t *memTx) Events() payment.EventRepository             { return (*eventRepo)(t) }

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errors.New("unit of work already finished")
	}
	t.done = true
	defer t.uow.mu.Unlock()

	if err := t.uow.FailCommit; err != nil {
		t.uow.FailCommit = nil
		return err
	}
	t.uow.state = t.state
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.uow.mu.Unlock()
	return nil
}

func stored[T interface{ MarkCommitted() }](v T) T {
	v.MarkCommitted()
	return v
}

type txnRepo memTx

func (r *txnRepo) Create(ctx context.Context, t *domain.Transaction) error {
	if _, ok := r.state.transactions[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s exists", domain.ErrConcurrentModification, t.ID)
	}
	c := *t
	r.state.transactions[t.ID] = *stored(&c)
	return nil
}

func (r *txnRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	t, ok := r.state.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return &t, nil
}

func (r *txnRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return r.Get(ctx, id)
}

func (r *txnRepo) Update(ctx context.Context, t *domain.Transaction) error {
	cur, ok := r.state.transactions[t.ID]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, t.ID)
	}
	if cur.Version != t.PersistedVersion() {
		return fmt.Errorf("%w: transaction %s at version %d, expected %d",
			domain.ErrConcurrentModification, t.ID, cur.Version, t.PersistedVersion())
	}
	c := *t
	r.state.transactions[t.ID] = *stored(&c)
	return nil
}

func (r *txnRepo) ListDueForReconciliation(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, t := range r.state.transactions {
		t := t
		if t.IsTerminal() || t.NextReconcileAt == nil || t.NextReconcileAt.After(now) {
			continue
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextReconcileAt.Before(*out[j].NextReconcileAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type refundRepo memTx

func (r *refundRepo) Create(ctx context.Context, rf *domain.Refund) error {
	if _, ok := r.state.transactions[rf.TransactionID]; !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, rf.TransactionID)
	}
	c := *rf
	r.state.refunds[rf.ID] = *stored(&c)
	return nil
}

func (r *refundRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Refund, error) {
	rf, ok := r.state.refunds[id]
	if !ok {
		return nil, fmt.Errorf("%w: refund %s", domain.ErrNotFound, id)
	}
	return &rf, nil
}

func (r *refundRepo) Update(ctx context.Context, rf *domain.Refund) error {
	cur, ok := r.state.refunds[rf.ID]
	if !ok {
		return fmt.Errorf("%w: refund %s", domain.ErrNotFound, rf.ID)
	}
	if cur.Version != rf.PersistedVersion() {
		return fmt.Errorf("%w: refund %s", domain.ErrConcurrentModification, rf.ID)
	}
	c := *rf
	r.state.refunds[rf.ID] = *stored(&c)
	return nil
}

func (r *refundRepo) ListByTransaction(ctx context.Context, transactionID uuid.UUID) ([]*domain.Refund, error) {
	var out []*domain.Refund
	for _, rf := range r.state.refunds {
		rf := rf
		if rf.TransactionID == transactionID {
			out = append(out, &rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *refundRepo) CountByStatus(ctx context.Context, status domain.RefundStatus) (int, error) {
	n := 0
	for _, rf := range r.state.refunds {
		if rf.Status == status {
			n++
		}
	}
	return n, nil
}

type idemRepo memTx

func (r *idemRepo) Insert(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error) {
	if _, ok := r.state.idempotency[rec.Key]; ok {
		return false, nil
	}
	r.state.idempotency[rec.Key] = *rec
	return true, nil
}

func (r *idemRepo) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := r.state.idempotency[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency record %s", domain.ErrNotFound, key)
	}
	return &rec, nil
}

func (r *idemRepo) GetForUpdate(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	return r.Get(ctx, key)
}

func (r *idemRepo) Replace(ctx context.Context, rec *domain.IdempotencyRecord) error {
	r.state.idempotency[rec.Key] = *rec
	return nil
}

func (r *idemRepo) SetResult(ctx context.Context, key string, result []byte) error {
	rec, ok := r.state.idempotency[key]
	if !ok {
		return fmt.Errorf("%w: idempotency record %s", domain.ErrNotFound, key)
	}
	if !rec.InFlight() {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyCommitted, key)
	}
	rec.Result = append([]byte(nil), result...)
	r.state.idempotency[key] = rec
	return nil
}

func (r *idemRepo) FindInFlightByResource(ctx context.Context, op domain.Operation, resourceID string) (*domain.IdempotencyRecord, error) {
	now := time.Now().UTC()
	for _, rec := range r.state.idempotency {
		rec := rec
		if rec.Operation == op && rec.ResourceID == resourceID && rec.InFlight() && !rec.Expired(now) {
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: in-flight %s for %s", domain.ErrNotFound, op, resourceID)
}

func (r *idemRepo) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	var n int64
	for k, rec := range r.state.idempotency {
		if int(n) >= limit {
			break
		}
		if rec.Expired(now) {
			delete(r.state.idempotency, k)
			n++
		}
	}
	return n, nil
}

type eventRepo memTx

func (r *eventRepo) Append(ctx context.Context, evts []domain.Event) error {
	for _, e := range evts {
		for _, existing := range r.state.events {
			if existing.event.AggregateID == e.AggregateID && existing.event.Sequence == e.Sequence {
				return fmt.Errorf("%w: %s sequence %d taken", domain.ErrConcurrentModification, e.AggregateID, e.Sequence)
			}
		}
		env, err := e.Envelope(events.CorrelationID(ctx))
		if err != nil {
			return err
		}
		r.state.events = append(r.state.events, storedEvent{event: e, envelope: env})
	}
	return nil
}

func (r *eventRepo) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]domain.Event, error) {
	return eventsOf(r.state, aggregateID), nil
}

func (r *eventRepo) ClaimUnpublished(ctx context.Context, limit int) ([]*events.Event, error) {
	var out []*events.Event
	for _, e := range r.state.events {
		if len(out) >= limit {
			break
		}
		if e.publishedAt == nil {
			out = append(out, e.envelope)
		}
	}
	return out, nil
}

func (r *eventRepo) MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error {
	ids := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = true
	}
	for i, e := range r.state.events {
		if ids[e.envelope.ID] {
			at := at
			r.state.events[i].publishedAt = &at
		}
	}
	return nil
}
