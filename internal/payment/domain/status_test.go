package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionMachineGraph(t *testing.T) {
	all := []PaymentStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}
	legal := map[[2]PaymentStatus]bool{
		{StatusPending, StatusProcessing}:   true,
		{StatusPending, StatusFailed}:       true,
		{StatusPending, StatusCancelled}:    true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			assert.Equal(t, legal[[2]PaymentStatus{from, to}], TransactionMachine.CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, TransactionMachine.IsTerminal(StatusPending))
	assert.False(t, TransactionMachine.IsTerminal(StatusProcessing))
	assert.True(t, TransactionMachine.IsTerminal(StatusCompleted))
	assert.True(t, TransactionMachine.IsTerminal(StatusFailed))
	assert.True(t, TransactionMachine.IsTerminal(StatusCancelled))
}

func TestMachineCheck(t *testing.T) {
	outcome, err := TransactionMachine.Check(StatusCompleted, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTerminal, outcome)
	assert.False(t, outcome.Changed())

	outcome, err = TransactionMachine.Check(StatusProcessing, StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyApplied, outcome)

	_, err = TransactionMachine.Check(StatusCompleted, StatusProcessing)
	var transitionErr *InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, "payment_transaction", transitionErr.Aggregate)
	assert.Contains(t, err.Error(), "COMPLETED")
	assert.Contains(t, err.Error(), "PROCESSING")
}

func TestRefundMachineGraph(t *testing.T) {
	assert.True(t, RefundMachine.CanTransition(RefundRequested, RefundProcessing))
	assert.True(t, RefundMachine.CanTransition(RefundRequested, RefundFailed))
	assert.True(t, RefundMachine.CanTransition(RefundProcessing, RefundCompleted))
	assert.True(t, RefundMachine.CanTransition(RefundProcessing, RefundFailed))
	assert.False(t, RefundMachine.CanTransition(RefundRequested, RefundCompleted))
	assert.False(t, RefundMachine.CanTransition(RefundCompleted, RefundFailed))
}

func TestParseStatus(t *testing.T) {
	s, err := ParsePaymentStatus("PROCESSING")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, s)
	_, err = ParsePaymentStatus("SETTLED")
	assert.Error(t, err)

	r, err := ParseRefundStatus("REQUESTED")
	require.NoError(t, err)
	assert.Equal(t, RefundRequested, r)
	_, err = ParseRefundStatus("PENDING")
	assert.Error(t, err)
}

func TestParseReference(t *testing.T) {
	ref := NewReference()
	parsed, err := ParseReference(" " + ref.String() + " ")
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)

	for _, bad := range []string{"", "TXN-", "TXN-not-a-ulid", "PAY-01HQZX3V5K8WJ9N2B4C6D8F0GH"} {
		_, err := ParseReference(bad)
		assert.ErrorIs(t, err, ErrInvalidReference, bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestFingerprint(t *testing.T) {
	type body struct {
		Amount int64  `json:"amount"`
		Store  string `json:"store"`
	}
	a, err := Fingerprint(OperationCharge, body{Amount: 100, Store: "s"})
	require.NoError(t, err)
	b, err := Fingerprint(OperationCharge, body{Amount: 100, Store: "s"})
	require.NoError(t, err)
	c, err := Fingerprint(OperationCharge, body{Amount: 200, Store: "s"})
	require.NoError(t, err)
	d, err := Fingerprint(OperationRefund, body{Amount: 100, Store: "s"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}
