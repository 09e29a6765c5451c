package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/money"
)

// Refund is a separate aggregate root referring to its transaction by identity.
type Refund struct {
	ID             uuid.UUID    `json:"id"`
	TransactionID  uuid.UUID    `json:"transaction_id"`
	StoreID        string       `json:"store_id"`
	Amount         money.Money  `json:"amount"`
	Reason         string       `json:"reason"`
	Status         RefundStatus `json:"status"`
	Confirmation   string       `json:"confirmation,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Version        int          `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	pending []Event
}

// RequestRefund creates a REQUESTED refund against a COMPLETED transaction.
//
// Refunds still REQUESTED or PROCESSING count against the captured amount
// together with COMPLETED ones, so two concurrent requests cannot both pass
// the check and overdraw the transaction. Refunds of other transactions in
// existing are ignored.
func RequestRefund(txn *Transaction, amount money.Money, reason, idempotencyKey string, existing []*Refund) (*Refund, error) {
	if txn.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: transaction %s is %s", ErrTransactionNotCompleted, txn.ID, txn.Status)
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if amount.Currency != txn.Amount.Currency {
		return nil, fmt.Errorf("%w: %w: refund in %s, transaction in %s",
			ErrValidation, money.ErrCurrencyMismatch, amount.Currency, txn.Amount.Currency)
	}

	if amount.GreaterThan(txn.Amount) {
		return nil, fmt.Errorf("%w: requested %s of %s",
			ErrRefundExceedsCaptured, amount, txn.Amount)
	}

	committed, err := CommittedRefundTotal(txn, existing)
	if err != nil {
		return nil, err
	}
	total, err := committed.Add(amount)
	if err != nil {
		return nil, err
	}
	if total.GreaterThan(txn.Amount) {
		return nil, fmt.Errorf("%w: requested %s, already refunded %s of %s",
			ErrRefundExceedsCaptured, amount, committed, txn.Amount)
	}

	now := time.Now().UTC()
	r := &Refund{
		ID:             uuid.New(),
		TransactionID:  txn.ID,
		StoreID:        txn.StoreID,
		Amount:         amount,
		Reason:         reason,
		Status:         RefundRequested,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.record(EventRefundRequested, reason)
	return r, nil
}

// CommittedRefundTotal sums refunds that are completed or still in flight.
func CommittedRefundTotal(txn *Transaction, refunds []*Refund) (money.Money, error) {
	total := money.Zero(txn.Amount.Currency)
	for _, r := range refunds {
		if r.TransactionID != txn.ID || r.Status == RefundFailed {
			continue
		}
		var err error
		total, err = total.Add(r.Amount)
		if err != nil {
			return money.Money{}, err
		}
	}
	return total, nil
}

// RefundedTotal sums COMPLETED refunds only.
func RefundedTotal(txn *Transaction, refunds []*Refund) money.Money {
	total := money.Zero(txn.Amount.Currency)
	for _, r := range refunds {
		if r.TransactionID == txn.ID && r.Status == RefundCompleted {
			if sum, err := total.Add(r.Amount); err == nil {
				total = sum
			}
		}
	}
	return total
}

// BeginProcessing moves REQUESTED to PROCESSING.
func (r *Refund) BeginProcessing() (Outcome, error) {
	outcome, err := RefundMachine.Check(r.Status, RefundProcessing)
	if err != nil || !outcome.Changed() {
		return outcome, err
	}
	r.Status = RefundProcessing
	r.record(EventRefundProcessing, "")
	return outcome, nil
}

// Complete moves PROCESSING to COMPLETED.
func (r *Refund) Complete(confirmation string) (Outcome, error) {
	outcome, err := RefundMachine.Check(r.Status, RefundCompleted)
	if err != nil || !outcome.Changed() {
		return outcome, err
	}
	r.Status = RefundCompleted
	r.Confirmation = confirmation
	r.record(EventRefundCompleted, "")
	return outcome, nil
}

// Fail moves REQUESTED or PROCESSING to FAILED.
func (r *Refund) Fail(reason string) (Outcome, error) {
	outcome, err := RefundMachine.Check(r.Status, RefundFailed)
	if err != nil || !outcome.Changed() {
		return outcome, err
	}
	r.Status = RefundFailed
	r.FailureReason = reason
	r.record(EventRefundFailed, reason)
	return outcome, nil
}

// IsTerminal returns true if the refund is in a terminal state.
func (r *Refund) IsTerminal() bool {
	return RefundMachine.IsTerminal(r.Status)
}

// Changes returns the events recorded since the aggregate was loaded or created.
func (r *Refund) Changes() []Event {
	out := make([]Event, len(r.pending))
	copy(out, r.pending)
	return out
}

// PersistedVersion is the version the store holds before Changes are applied.
func (r *Refund) PersistedVersion() int {
	return r.Version - len(r.pending)
}

// MarkCommitted drops pending events once they are durable.
func (r *Refund) MarkCommitted() {
	r.pending = nil
}

func (r *Refund) record(typ EventType, reason string) {
	now := time.Now().UTC()
	r.UpdatedAt = now
	txnID := r.TransactionID
	appendEvent(&r.Version, &r.pending, Event{
		AggregateType: AggregateRefund,
		AggregateID:   r.ID,
		StoreID:       r.StoreID,
		Type:          typ,
		Amount:        r.Amount,
		Status:        string(r.Status),
		TransactionID: &txnID,
		Reason:        reason,
		OccurredAt:    now,
	})
}
