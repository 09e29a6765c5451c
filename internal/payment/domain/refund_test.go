package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepay/internal/common/money"
)

func completedTransaction(t *testing.T, minor int64) *Transaction {
	t.Helper()
	txn, err := NewTransaction("store-1", money.New(minor, money.CAD), ProviderMoneris, "k")
	require.NoError(t, err)
	_, err = txn.BeginProcessing("ref")
	require.NoError(t, err)
	_, err = txn.Complete("conf")
	require.NoError(t, err)
	return txn
}

func completeRefund(t *testing.T, r *Refund) {
	t.Helper()
	_, err := r.BeginProcessing()
	require.NoError(t, err)
	_, err = r.Complete("rf-1")
	require.NoError(t, err)
}

func TestRefundCannotExceedCaptured(t *testing.T) {
	txn := completedTransaction(t, 10000)
	var refunds []*Refund

	first, err := RequestRefund(txn, money.New(6000, money.CAD), "damaged", "r1", refunds)
	require.NoError(t, err)
	completeRefund(t, first)
	refunds = append(refunds, first)

	_, err = RequestRefund(txn, money.New(5000, money.CAD), "again", "r2", refunds)
	assert.ErrorIs(t, err, ErrRefundExceedsCaptured)

	third, err := RequestRefund(txn, money.New(4000, money.CAD), "rest", "r3", refunds)
	require.NoError(t, err)
	completeRefund(t, third)
	refunds = append(refunds, third)

	assert.Equal(t, money.New(10000, money.CAD), RefundedTotal(txn, refunds))
	assert.Equal(t, StatusCompleted, txn.Status)
}

func TestRefundRejectsAmountsThatWouldOverflow(t *testing.T) {
	txn := completedTransaction(t, 10000)

	first, err := RequestRefund(txn, money.New(6000, money.CAD), "damaged", "r1", nil)
	require.NoError(t, err)
	completeRefund(t, first)

	_, err = RequestRefund(txn, money.New(math.MaxInt64, money.CAD), "", "r2", []*Refund{first})
	assert.ErrorIs(t, err, ErrRefundExceedsCaptured)

	_, err = RequestRefund(txn, money.New(10001, money.CAD), "", "r3", nil)
	assert.ErrorIs(t, err, ErrRefundExceedsCaptured)
}

func TestRefundCountsInFlightButNotFailed(t *testing.T) {
	txn := completedTransaction(t, 10000)

	inFlight, err := RequestRefund(txn, money.New(7000, money.CAD), "", "a", nil)
	require.NoError(t, err)

	_, err = RequestRefund(txn, money.New(4000, money.CAD), "", "b", []*Refund{inFlight})
	assert.ErrorIs(t, err, ErrRefundExceedsCaptured)

	_, err = inFlight.Fail("declined")
	require.NoError(t, err)

	_, err = RequestRefund(txn, money.New(4000, money.CAD), "", "b", []*Refund{inFlight})
	assert.NoError(t, err)
}

func TestRefundRequiresCompletedTransaction(t *testing.T) {
	txn, err := NewTransaction("store-1", money.New(1000, money.CAD), ProviderMoneris, "k")
	require.NoError(t, err)

	_, err = RequestRefund(txn, money.New(100, money.CAD), "", "r", nil)
	assert.ErrorIs(t, err, ErrTransactionNotCompleted)
}

func TestRefundValidation(t *testing.T) {
	txn := completedTransaction(t, 1000)

	_, err := RequestRefund(txn, money.New(0, money.CAD), "", "r", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = RequestRefund(txn, money.New(100, money.USD), "", "r", nil)
	assert.ErrorIs(t, err, money.ErrCurrencyMismatch)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRefundLifecycle(t *testing.T) {
	txn := completedTransaction(t, 1000)
	r, err := RequestRefund(txn, money.New(500, money.CAD), "customer request", "r", nil)
	require.NoError(t, err)
	assert.Equal(t, RefundRequested, r.Status)
	assert.Equal(t, txn.ID, r.TransactionID)

	_, err = r.Complete("x")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	completeRefund(t, r)
	assert.Equal(t, RefundCompleted, r.Status)

	outcome, err := r.Complete("again")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTerminal, outcome)

	_, err = r.Fail("late")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	changes := r.Changes()
	assert.Equal(t, []EventType{EventRefundRequested, EventRefundProcessing, EventRefundCompleted}, eventTypes(changes))
	assert.Equal(t, 3, changes[2].Sequence)
	require.NotNil(t, changes[0].TransactionID)
	assert.Equal(t, txn.ID, *changes[0].TransactionID)
}

func TestRefundFailFromRequested(t *testing.T) {
	txn := completedTransaction(t, 1000)
	r, err := RequestRefund(txn, money.New(500, money.CAD), "", "r", nil)
	require.NoError(t, err)

	_, err = r.Fail("provider declined")
	require.NoError(t, err)
	assert.Equal(t, RefundFailed, r.Status)
	assert.True(t, r.IsTerminal())
}
