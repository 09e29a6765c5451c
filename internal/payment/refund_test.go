package payment_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepay/internal/common/money"
	"storepay/internal/payment"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
	"storepay/internal/payment/paymenttest"
)

func refundRequest(txnID uuid.UUID, amount money.Money, key string) payment.SubmitRefundRequest {
	return payment.SubmitRefundRequest{
		StoreID:        storeID,
		TransactionID:  txnID,
		Amount:         amount,
		Reason:         "customer return",
		IdempotencyKey: key,
	}
}

func TestRefundsCannotExceedCapturedAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := h.charge(t, cad("100.00"), "order-1")

	first, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("60.00"), "refund-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, first.Status)

	_, err = h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("50.00"), "refund-2"))
	assert.ErrorIs(t, err, domain.ErrRefundExceedsCaptured)

	third, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("40.00"), "refund-3"))
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, third.Status)

	refunds, err := h.svc.ListRefunds(ctx, txn.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 2)
	assert.Equal(t, first.ID, refunds[0].ID)
	assert.Equal(t, third.ID, refunds[1].ID)
	assert.Equal(t, 2, h.moneris.Refunds())

	// refunds never touch the transaction
	got, err := h.svc.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Len(t, h.uow.Events(txn.ID), 3)

	evts := h.uow.Events(first.ID)
	assert.Equal(t, []domain.EventType{
		domain.EventRefundRequested,
		domain.EventRefundProcessing,
		domain.EventRefundCompleted,
	}, eventTypes(evts))
	require.NotNil(t, evts[0].TransactionID)
	assert.Equal(t, txn.ID, *evts[0].TransactionID)
}

func TestSubmitRefundIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := h.charge(t, cad("100.00"), "order-1")

	first, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("30.00"), "refund-1"))
	require.NoError(t, err)
	second, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("30.00"), "refund-1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.moneris.Refunds())

	_, err = h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("31.00"), "refund-1"))
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestSubmitRefundReplayIgnoresConnectionChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := h.charge(t, cad("100.00"), "order-1")

	first, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("30.00"), "refund-1"))
	require.NoError(t, err)
	h.breakCredentials(t)

	second, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("30.00"), "refund-1"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("10.00"), "refund-2"))
	require.Error(t, err)
	_, ok := h.uow.IdempotencyRecord(storeID + "/refund-2")
	assert.False(t, ok)

	refunds, err := h.svc.ListRefunds(ctx, txn.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 1)
	assert.Equal(t, 1, h.moneris.Refunds())
}

func TestRefundDeclinedFreesCapacity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := h.charge(t, cad("100.00"), "order-1")

	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.RefundFunc = func(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
			return &gateway.RefundResult{Accepted: false, FailureReason: "charge disputed"}, nil
		}
	})
	declined, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("100.00"), "refund-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.RefundFailed, declined.Status)
	assert.Equal(t, "charge disputed", declined.FailureReason)
	assert.Equal(t, []domain.EventType{domain.EventRefundRequested, domain.EventRefundFailed}, eventTypes(h.uow.Events(declined.ID)))

	h.moneris.Script(func(g *paymenttest.Gateway) { g.RefundFunc = nil })
	full, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("100.00"), "refund-2"))
	require.NoError(t, err)
	assert.Equal(t, domain.RefundCompleted, full.Status)
}

func TestRefundAmbiguousOutcomeStaysProcessingAndCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := h.charge(t, cad("100.00"), "order-1")

	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.RefundFunc = func(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
			return nil, fmt.Errorf("%w: connection reset", gateway.ErrProviderUnavailable)
		}
	})
	pending, err := h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("70.00"), "refund-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.RefundProcessing, pending.Status)

	_, err = h.svc.SubmitRefund(ctx, refundRequest(txn.ID, cad("40.00"), "refund-2"))
	assert.ErrorIs(t, err, domain.ErrRefundExceedsCaptured)
}

func TestSubmitRefundRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	completed := h.charge(t, cad("100.00"), "order-1")
	pending := h.seedPending(t, cad("100.00"))

	tests := []struct {
		name    string
		req     payment.SubmitRefundRequest
		wantErr error
	}{
		{"pending transaction", refundRequest(pending.ID, cad("10.00"), "r1"), domain.ErrTransactionNotCompleted},
		{"other store", func() payment.SubmitRefundRequest {
			r := refundRequest(completed.ID, cad("10.00"), "r2")
			r.StoreID = "store-2"
			return r
		}(), domain.ErrNotFound},
		{"currency mismatch", refundRequest(completed.ID, money.New(1000, money.USD), "r3"), money.ErrCurrencyMismatch},
		{"zero amount", refundRequest(completed.ID, cad("0"), "r4"), domain.ErrInvalidAmount},
		{"missing key", refundRequest(completed.ID, cad("10.00"), ""), domain.ErrValidation},
		{"unknown transaction", refundRequest(uuid.New(), cad("10.00"), "r5"), domain.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SubmitRefund(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Zero(t, h.moneris.Refunds())

	// rejected requests leave no reservation behind
	_, reserved := h.uow.IdempotencyRecord(storeID + "/r1")
	assert.False(t, reserved)
}
