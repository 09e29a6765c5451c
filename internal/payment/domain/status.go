package domain

import "fmt"

// Outcome reports what a status mutator did.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyApplied: the aggregate already sat in the requested non-terminal state.
	OutcomeAlreadyApplied Outcome = "already_applied"
	// OutcomeAlreadyTerminal: the aggregate already sat in the requested terminal state.
	OutcomeAlreadyTerminal Outcome = "already_terminal"
)

// Changed reports whether the mutator changed state and recorded an event.
func (o Outcome) Changed() bool {
	return o == OutcomeApplied
}

// Machine is a transition table shared by the transaction and refund aggregates.
type Machine[S ~string] struct {
	aggregate   string
	transitions map[S][]S
	terminal    map[S]bool
}

// NewMachine builds a machine from its legal transitions and terminal states.
func NewMachine[S ~string](aggregate string, transitions map[S][]S, terminal ...S) Machine[S] {
	t := make(map[S]bool, len(terminal))
	for _, s := range terminal {
		t[s] = true
	}
	return Machine[S]{aggregate: aggregate, transitions: transitions, terminal: t}
}

// CanTransition reports whether from -> to is a legal edge.
func (m Machine[S]) CanTransition(from, to S) bool {
	for _, allowed := range m.transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no edge leaves s.
func (m Machine[S]) IsTerminal(s S) bool {
	return m.terminal[s]
}

// Check validates a requested move. Re-requesting the current state is a
// no-op, never an error, so retried mutators stay safe.
func (m Machine[S]) Check(from, to S) (Outcome, error) {
	if from == to {
		if m.terminal[from] {
			return OutcomeAlreadyTerminal, nil
		}
		return OutcomeAlreadyApplied, nil
	}
	if !m.CanTransition(from, to) {
		return "", &InvalidTransitionError{
			Aggregate: m.aggregate,
			From:      string(from),
			To:        string(to),
		}
	}
	return OutcomeApplied, nil
}

// PaymentStatus is the lifecycle state of a payment transaction.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "PENDING"
	StatusProcessing PaymentStatus = "PROCESSING"
	StatusCompleted  PaymentStatus = "COMPLETED"
	StatusFailed     PaymentStatus = "FAILED"
	StatusCancelled  PaymentStatus = "CANCELLED"
)

// TransactionMachine holds the payment transaction transitions.
var TransactionMachine = NewMachine("payment_transaction", map[PaymentStatus][]PaymentStatus{
	StatusPending:    {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
}, StatusCompleted, StatusFailed, StatusCancelled)

// ParsePaymentStatus validates a stored status value.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// RefundStatus is the lifecycle state of a refund.
type RefundStatus string

const (
	RefundRequested  RefundStatus = "REQUESTED"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
)

// RefundMachine holds the refund transitions.
var RefundMachine = NewMachine("payment_refund", map[RefundStatus][]RefundStatus{
	RefundRequested:  {RefundProcessing, RefundFailed},
	RefundProcessing: {RefundCompleted, RefundFailed},
}, RefundCompleted, RefundFailed)

// ParseRefundStatus validates a stored status value.
func ParseRefundStatus(s string) (RefundStatus, error) {
	switch st := RefundStatus(s); st {
	case RefundRequested, RefundProcessing, RefundCompleted, RefundFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown refund status %q", s)
}
