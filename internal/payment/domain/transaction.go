package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/money"
)

// Transaction is the payment transaction aggregate root. It is never
// deleted; terminal states are kept for audit.
type Transaction struct {
	ID                uuid.UUID     `json:"id"`
	StoreID           string        `json:"store_id"`
	Reference         Reference     `json:"reference"`
	Amount            money.Money   `json:"amount"`
	Provider          ProviderType  `json:"provider"`
	ProviderReference string        `json:"provider_reference,omitempty"`
	Confirmation      string        `json:"confirmation,omitempty"`
	FailureReason     string        `json:"failure_reason,omitempty"`
	IdempotencyKey    string        `json:"idempotency_key,omitempty"`
	Status            PaymentStatus `json:"status"`

	// Version is the sequence number of the latest event, pending ones included.
	Version int `json:"version"`

	ReconcileAttempts int        `json:"reconcile_attempts"`
	NextReconcileAt   *time.Time `json:"next_reconcile_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	pending []Event
}

// NewTransaction creates a PENDING transaction and records PaymentCreated.
func NewTransaction(storeID string, amount money.Money, provider ProviderType, idempotencyKey string) (*Transaction, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, &ValidationError{Field: "store_id", Message: "is required"}
	}
	if _, ok := money.GetCurrencyInfo(amount.Currency); !ok || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if provider == "" {
		return nil, &ValidationError{Field: "provider", Message: "is required"}
	}

	now := time.Now().UTC()
	t := &Transaction{
		ID:             uuid.New(),
		StoreID:        storeID,
		Reference:      NewReference(),
		Amount:         amount,
		Provider:       provider,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.record(EventPaymentCreated, "")
	return t, nil
}

// BeginProcessing moves PENDING to PROCESSING once the provider accepted the
// attempt. providerRef may be empty when the outcome is still ambiguous.
func (t *Transaction) BeginProcessing(providerRef string) (Outcome, error) {
	outcome, err := TransactionMachine.Check(t.Status, StatusProcessing)
	if err != nil || !outcome.Changed() {
		return outcome, err
	}
	t.Status = StatusProcessing
	t.AttachProviderReference(providerRef)
	t.record(EventPaymentProcessing, "")
	return outcome, nil
}

// Complete moves PROCESSING to COMPLETED and keeps the provider confirmation.
func (t *Transaction) Complete(confirmation string) (Outcome, error) {
	outcome, err := TransactionMachine.Check(t.Status, StatusCompleted)
	if err != nil || !outcome.Changed() {
		return outcome, err
	}
	t.Status = StatusCompleted
	t.Confirmation = confirmation
	t.NextReconcileAt = nil
	t.record(EventPaymentCompleted, "")
	return outcome, nil
}

// Fail moves PENDING or PROCESSING to FAILED.
func (t *Transaction) Fail(reason string) (Outcome, error) {
	outcome, err := TransactionMachine.Check(t.Status, StatusFailed)
	if err != nil || !outcome.Changed() {
		return outcome, err
	}
	t.Status = StatusFailed
	t.FailureReason = reason
	t.NextReconcileAt = nil
	t.record(EventPaymentFailed, reason)
	return outcome, nil
}

// Cancel moves PENDING to CANCELLED. Nothing in flight at a provider can be cancelled.
func (t *Transaction) Cancel() (Outcome, error) {
	outcome, err := TransactionMachine.Check(t.Status, StatusCancelled)
	if err != nil || !outcome.Changed() {
		return outcome, err
	}
	t.Status = StatusCancelled
	t.NextReconcileAt = nil
	t.record(EventPaymentCancelled, "")
	return outcome, nil
}

// AttachProviderReference keeps the first non-empty provider reference.
func (t *Transaction) AttachProviderReference(ref string) {
	if ref != "" && t.ProviderReference == "" {
		t.ProviderReference = ref
		t.UpdatedAt = time.Now().UTC()
	}
}

// ScheduleReconciliation records when the outcome should next be checked with the provider.
func (t *Transaction) ScheduleReconciliation(at time.Time) {
	at = at.UTC()
	t.NextReconcileAt = &at
	t.UpdatedAt = time.Now().UTC()
}

// RecordReconcileAttempt counts a lookup that left the outcome unresolved.
// A nil next stops automatic reconciliation.
func (t *Transaction) RecordReconcileAttempt(next *time.Time) {
	t.ReconcileAttempts++
	t.NextReconcileAt = next
	t.UpdatedAt = time.Now().UTC()
}

// IsTerminal returns true if the transaction is in a terminal state.
func (t *Transaction) IsTerminal() bool {
	return TransactionMachine.IsTerminal(t.Status)
}

// Changes returns the events recorded since the aggregate was loaded or created.
func (t *Transaction) Changes() []Event {
	out := make([]Event, len(t.pending))
	copy(out, t.pending)
	return out
}

// PersistedVersion is the version the store holds before Changes are applied.
func (t *Transaction) PersistedVersion() int {
	return t.Version - len(t.pending)
}

// MarkCommitted drops pending events once they are durable.
func (t *Transaction) MarkCommitted() {
	t.pending = nil
}

func (t *Transaction) record(typ EventType, reason string) {
	now := time.Now().UTC()
	t.UpdatedAt = now
	appendEvent(&t.Version, &t.pending, Event{
		AggregateType:     AggregateTransaction,
		AggregateID:       t.ID,
		StoreID:           t.StoreID,
		Type:              typ,
		Amount:            t.Amount,
		Status:            string(t.Status),
		Reference:         t.Reference.String(),
		ProviderReference: t.ProviderReference,
		Reason:            reason,
		OccurredAt:        now,
	})
}
