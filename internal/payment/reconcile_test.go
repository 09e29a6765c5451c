package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepay/internal/payment"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
	"storepay/internal/payment/paymenttest"
)

func dueImmediately(cfg *payment.Config) {
	cfg.ProviderTimeout = 30 * time.Millisecond
	cfg.ReconcileBaseDelay = 0
}

func TestTimedOutChargeIsCompletedByReconciler(t *testing.T) {
	h := newHarness(t, dueImmediately)
	ctx := context.Background()
	h.moneris.Script(func(g *paymenttest.Gateway) { g.ChargeFunc = paymenttest.HangUntilDeadline })

	view := h.charge(t, cad("25.00"), "order-1001")
	assert.Equal(t, domain.StatusProcessing, view.Status)
	assert.Empty(t, view.ProviderReference)

	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.LookupFunc = func(ctx context.Context, ref domain.Reference) (*gateway.ChargeResult, error) {
			assert.Equal(t, view.Reference, ref.String())
			return &gateway.ChargeResult{ProviderReference: "ch_late", Accepted: true, Captured: true, Confirmation: "auth-77"}, nil
		}
	})

	reconciler := payment.NewReconciler(h.svc, h.logger)
	finalized, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, finalized)

	got, err := h.svc.GetTransaction(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "ch_late", got.ProviderReference)
	assert.Equal(t, "auth-77", got.Confirmation)

	evts := h.uow.Events(view.ID)
	assert.Equal(t, []domain.EventType{
		domain.EventPaymentCreated,
		domain.EventPaymentProcessing,
		domain.EventPaymentCompleted,
	}, eventTypes(evts))
	assert.Equal(t, []int{1, 2, 3}, sequences(evts))

	// completed exactly once: nothing left to reconcile
	finalized, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, finalized)
	assert.Equal(t, 1, h.moneris.Lookups())
	assert.Equal(t, 1, h.moneris.Charges())

	// the key keeps the outcome first recorded for it
	replay := h.charge(t, cad("25.00"), "order-1001")
	assert.Equal(t, view, replay)
}

func TestReconcilerBacksOffThenGivesUp(t *testing.T) {
	h := newHarness(t, dueImmediately, func(cfg *payment.Config) { cfg.ReconcileMaxAttempts = 2 })
	ctx := context.Background()
	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.ChargeFunc = paymenttest.HangUntilDeadline
		g.LookupFunc = func(ctx context.Context, ref domain.Reference) (*gateway.ChargeResult, error) {
			return &gateway.ChargeResult{ProviderReference: "ch_1", Accepted: true, Captured: false}, nil
		}
	})
	view := h.charge(t, cad("25.00"), "order-1001")
	reconciler := payment.NewReconciler(h.svc, h.logger)

	_, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	txn, _ := h.uow.Transaction(view.ID)
	assert.Equal(t, domain.StatusProcessing, txn.Status)
	assert.Equal(t, 1, txn.ReconcileAttempts)
	assert.Equal(t, "ch_1", txn.ProviderReference)
	require.NotNil(t, txn.NextReconcileAt)

	_, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)
	txn, _ = h.uow.Transaction(view.ID)
	assert.Equal(t, 2, txn.ReconcileAttempts)
	assert.Nil(t, txn.NextReconcileAt)
	assert.Contains(t, h.logs.String(), "manual investigation required")

	_, err = reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, h.moneris.Lookups())
}

func TestReconcilerFailsOrphanedPendingCharge(t *testing.T) {
	h := newHarness(t, func(cfg *payment.Config) { cfg.ReconcilePendingGrace = 0 })
	ctx := context.Background()

	// a charge whose process died between recording it and calling the provider
	txn := h.seedPending(t, cad("25.00"))
	tx, err := h.uow.Begin(ctx)
	require.NoError(t, err)
	stored, err := tx.Transactions().GetForUpdate(ctx, txn.ID)
	require.NoError(t, err)
	stored.ScheduleReconciliation(time.Now().Add(-time.Second))
	require.NoError(t, tx.Transactions().Update(ctx, stored))
	_, err = tx.Idempotency().Insert(ctx, &domain.IdempotencyRecord{
		Key:        storeID + "/order-1001",
		Operation:  domain.OperationCharge,
		ResourceID: txn.ID.String(),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	reconciler := payment.NewReconciler(h.svc, h.logger)
	finalized, err := reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, finalized)

	got, _ := h.uow.Transaction(txn.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "provider has no record of the charge", got.FailureReason)

	rec, ok := h.uow.IdempotencyRecord(storeID + "/order-1001")
	require.True(t, ok)
	assert.False(t, rec.InFlight())
	assert.Contains(t, string(rec.Result), `"FAILED"`)
}

func TestReconcilerLeavesFreshPendingChargeAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.ChargeFunc = func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
			return &gateway.ChargeResult{Accepted: true, Captured: true, ProviderReference: "ch_1"}, nil
		}
	})
	h.charge(t, cad("25.00"), "order-1001")

	finalized, err := payment.NewReconciler(h.svc, h.logger).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, finalized)
	assert.Zero(t, h.moneris.Lookups())
}
