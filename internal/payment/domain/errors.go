package domain

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every input error raised before a provider is contacted.
var ErrValidation = errors.New("validation failed")

var (
	ErrInvalidAmount    = fmt.Errorf("%w: amount must be positive in a supported currency", ErrValidation)
	ErrInvalidReference = fmt.Errorf("%w: malformed transaction reference", ErrValidation)

	ErrInvalidStateTransition  = errors.New("invalid state transition")
	ErrTransactionNotCompleted = errors.New("transaction not completed")
	ErrRefundExceedsCaptured   = errors.New("refund exceeds captured amount")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrNotFound                = errors.New("not found")

	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrRequestInProgress   = errors.New("request with this idempotency key is still in progress")
	ErrAlreadyCommitted    = errors.New("idempotency record already committed")

	ErrAuthorizationStateMismatch = errors.New("authorization state mismatch")
	ErrAuthorizationNotSupported  = errors.New("provider does not support authorization")
	ErrProviderNotConnected       = errors.New("provider not connected for store")
	ErrUnknownProvider            = fmt.Errorf("%w: unknown provider", ErrValidation)
)

// ValidationError reports a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidTransitionError identifies the rejected move in a status machine.
type InvalidTransitionError struct {
	Aggregate string
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot transition from %s to %s", e.Aggregate, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}
