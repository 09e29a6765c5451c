package domain

import (
	"time"

	"github.com/google/uuid"

	"storepay/internal/common/events"
	"storepay/internal/common/money"
)

// EventType names a domain event.
type EventType string

const (
	EventPaymentCreated    EventType = "PaymentCreated"
	EventPaymentProcessing EventType = "PaymentProcessing"
	EventPaymentCompleted  EventType = "PaymentCompleted"
	EventPaymentFailed     EventType = "PaymentFailed"
	EventPaymentCancelled  EventType = "PaymentCancelled"

	EventRefundRequested  EventType = "RefundRequested"
	EventRefundProcessing EventType = "RefundProcessing"
	EventRefundCompleted  EventType = "RefundCompleted"
	EventRefundFailed     EventType = "RefundFailed"
)

// AggregateType names the aggregate an event belongs to.
type AggregateType string

const (
	AggregateTransaction AggregateType = "payment_transaction"
	AggregateRefund      AggregateType = "payment_refund"
)

// Event records one state change. Sequence starts at 1 and increases by one
// per change of the same aggregate, so consumers can detect gaps.
type Event struct {
	AggregateType     AggregateType `json:"aggregate_type"`
	AggregateID       uuid.UUID     `json:"aggregate_id"`
	StoreID           string        `json:"store_id"`
	Sequence          int           `json:"sequence"`
	Type              EventType     `json:"type"`
	Amount            money.Money   `json:"amount"`
	Status            string        `json:"status"`
	Reference         string        `json:"reference,omitempty"`
	TransactionID     *uuid.UUID    `json:"transaction_id,omitempty"`
	ProviderReference string        `json:"provider_reference,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// appendEvent stamps e with the next sequence number of its aggregate.
func appendEvent(version *int, pending *[]Event, e Event) {
	*version++
	e.Sequence = *version
	*pending = append(*pending, e)
}

// Envelope wraps the event for the outbox and the message broker.
func (e Event) Envelope(correlationID string) (*events.Event, error) {
	env, err := events.NewEvent(string(e.Type), e.StoreID, string(e.AggregateType), e.AggregateID.String(), e.Sequence, e.OccurredAt, e)
	if err != nil {
		return nil, err
	}
	return env.WithCorrelation(correlationID, ""), nil
}
