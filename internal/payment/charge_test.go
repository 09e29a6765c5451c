package payment_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storepay/internal/payment"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
	"storepay/internal/payment/paymenttest"
)

func TestSubmitChargeCompletes(t *testing.T) {
	h := newHarness(t)

	view := h.charge(t, cad("25.00"), "order-1001")

	assert.Equal(t, domain.StatusCompleted, view.Status)
	assert.Equal(t, int64(2500), view.Amount.AmountMinor)
	assert.Equal(t, domain.ProviderMoneris, view.Provider)
	assert.Equal(t, "auth-0001", view.Confirmation)
	assert.Equal(t, "ch_"+view.Reference, view.ProviderReference)

	evts := h.uow.Events(view.ID)
	assert.Equal(t, []domain.EventType{
		domain.EventPaymentCreated,
		domain.EventPaymentProcessing,
		domain.EventPaymentCompleted,
	}, eventTypes(evts))
	assert.Equal(t, []int{1, 2, 3}, sequences(evts))

	reqs := h.moneris.ChargeRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, view.Reference, reqs[0].Reference.String())
	assert.Equal(t, "tok_visa", reqs[0].Method.Token)
	assert.Equal(t, "secret-token", h.monerisCx.Credentials()["api_token"])

	got, err := h.svc.GetTransaction(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, view.Status, got.Status)
}

func TestSubmitChargeIsIdempotent(t *testing.T) {
	h := newHarness(t)

	first := h.charge(t, cad("25.00"), "order-1001")
	second := h.charge(t, cad("25.00"), "order-1001")

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.moneris.Charges())
	assert.Len(t, h.uow.Transactions(), 1)
}

func TestSubmitChargeReplayIgnoresConnectionChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.charge(t, cad("25.00"), "order-1001")
	h.breakCredentials(t)

	second, err := h.svc.SubmitCharge(ctx, chargeRequest(cad("25.00"), "order-1001"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = h.svc.SubmitCharge(ctx, chargeRequest(cad("30.00"), "order-1001"))
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	// a fresh key fails without leaving a reservation behind
	_, err = h.svc.SubmitCharge(ctx, chargeRequest(cad("25.00"), "order-1002"))
	require.Error(t, err)
	_, ok := h.uow.IdempotencyRecord(storeID + "/order-1002")
	assert.False(t, ok)
	assert.Len(t, h.uow.Transactions(), 1)
	assert.Equal(t, 1, h.moneris.Charges())

	require.NoError(t, h.conns.Connect(h.box, storeID, domain.ProviderMoneris, gateway.Credentials{
		"store_id":  "monca0001",
		"api_token": "secret-token",
	}))
	third, err := h.svc.SubmitCharge(ctx, chargeRequest(cad("25.00"), "order-1002"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, third.Status)
}

func TestSubmitChargeConflict(t *testing.T) {
	h := newHarness(t)

	h.charge(t, cad("25.00"), "order-1001")
	_, err := h.svc.SubmitCharge(context.Background(), chargeRequest(cad("30.00"), "order-1001"))

	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	assert.Equal(t, 1, h.moneris.Charges())
}

func TestSubmitChargeKeysAreScopedToStore(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.conns.Connect(h.box, "store-2", domain.ProviderMoneris, map[string]string{"api_token": "x"}))

	h.charge(t, cad("25.00"), "order-1001")
	req := chargeRequest(cad("25.00"), "order-1001")
	req.StoreID = "store-2"
	_, err := h.svc.SubmitCharge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 2, h.moneris.Charges())
}

func TestConcurrentChargesWithSameKeyCallProviderOnce(t *testing.T) {
	h := newHarness(t, func(cfg *payment.Config) { cfg.InFlightWait = 5 * time.Second })

	release := make(chan struct{})
	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.ChargeFunc = func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
			<-release
			return &gateway.ChargeResult{ProviderReference: "ch_1", Accepted: true, Captured: true}, nil
		}
	})

	const callers = 5
	views := make([]*payment.TransactionView, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = h.svc.SubmitCharge(context.Background(), chargeRequest(cad("25.00"), "order-1001"))
		}(i)
	}

	require.Eventually(t, func() bool { return h.moneris.Charges() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, views[0], views[i])
	}
	assert.Equal(t, domain.StatusCompleted, views[0].Status)
	assert.Equal(t, 1, h.moneris.Charges())
}

func TestChargeInFlightGivesUpAfterWait(t *testing.T) {
	h := newHarness(t, func(cfg *payment.Config) { cfg.InFlightWait = 30 * time.Millisecond })

	release := make(chan struct{})
	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.ChargeFunc = func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
			<-release
			return &gateway.ChargeResult{ProviderReference: "ch_1", Accepted: true, Captured: true}, nil
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.SubmitCharge(context.Background(), chargeRequest(cad("25.00"), "order-1001"))
		done <- err
	}()
	require.Eventually(t, func() bool { return h.moneris.Charges() == 1 }, time.Second, time.Millisecond)

	_, err := h.svc.SubmitCharge(context.Background(), chargeRequest(cad("25.00"), "order-1001"))
	assert.ErrorIs(t, err, domain.ErrRequestInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.moneris.Charges())
}

func TestChargeDeclined(t *testing.T) {
	tests := []struct {
		name   string
		charge func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
		reason string
	}{
		{
			name: "decline result",
			charge: func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
				return &gateway.ChargeResult{ProviderReference: "ch_9", Accepted: false, FailureReason: "insufficient funds"}, nil
			},
			reason: "insufficient funds",
		},
		{
			name: "rejected request",
			charge: func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
				return nil, fmt.Errorf("%w: invalid token", gateway.ErrProviderRejected)
			},
			reason: "provider rejected request: invalid token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.moneris.Script(func(g *paymenttest.Gateway) { g.ChargeFunc = tt.charge })

			view := h.charge(t, cad("25.00"), "order-1001")

			assert.Equal(t, domain.StatusFailed, view.Status)
			assert.Equal(t, tt.reason, view.FailureReason)
			evts := h.uow.Events(view.ID)
			assert.Equal(t, []domain.EventType{domain.EventPaymentCreated, domain.EventPaymentFailed}, eventTypes(evts))
			assert.Equal(t, tt.reason, evts[1].Reason)

			txn, ok := h.uow.Transaction(view.ID)
			require.True(t, ok)
			assert.Nil(t, txn.NextReconcileAt)
		})
	}
}

func TestChargeUnavailableIsAmbiguous(t *testing.T) {
	h := newHarness(t)
	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.ChargeFunc = func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
			return nil, fmt.Errorf("%w: status=503", gateway.ErrProviderUnavailable)
		}
	})

	view := h.charge(t, cad("25.00"), "order-1001")

	assert.Equal(t, domain.StatusProcessing, view.Status)
	txn, ok := h.uow.Transaction(view.ID)
	require.True(t, ok)
	require.NotNil(t, txn.NextReconcileAt)
}

func TestSubmitChargeValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		mutate  func(r *payment.SubmitChargeRequest)
		wantErr error
	}{
		{"zero amount", func(r *payment.SubmitChargeRequest) { r.Amount = cad("0") }, domain.ErrInvalidAmount},
		{"negative amount", func(r *payment.SubmitChargeRequest) { r.Amount.AmountMinor = -5 }, domain.ErrInvalidAmount},
		{"missing key", func(r *payment.SubmitChargeRequest) { r.IdempotencyKey = "" }, domain.ErrValidation},
		{"missing store", func(r *payment.SubmitChargeRequest) { r.StoreID = "" }, domain.ErrValidation},
		{"unknown provider", func(r *payment.SubmitChargeRequest) { r.Provider = "acme" }, domain.ErrUnknownProvider},
		{"not connected", func(r *payment.SubmitChargeRequest) { r.Provider = domain.ProviderSquare }, domain.ErrProviderNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := chargeRequest(cad("25.00"), "k-"+tt.name)
			tt.mutate(&req)
			_, err := h.svc.SubmitCharge(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Zero(t, h.moneris.Charges())
	assert.Empty(t, h.uow.Transactions())
}

func TestSubmitChargeSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.moneris.Script(func(g *paymenttest.Gateway) {
		g.ChargeFunc = func(callCtx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
			cancel()
			if callCtx.Err() != nil {
				return nil, callCtx.Err()
			}
			return &gateway.ChargeResult{ProviderReference: "ch_1", Accepted: true, Captured: true}, nil
		}
	})

	view, err := h.svc.SubmitCharge(ctx, chargeRequest(cad("25.00"), "order-1001"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, view.Status)
}

func TestGetTransactionNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.GetTransaction(context.Background(), mustUUID(t, "00000000-0000-0000-0000-000000000001"))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestCancelTransaction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	txn := h.seedPending(t, cad("25.00"))

	view, err := h.svc.CancelTransaction(ctx, txn.ID, storeID, "cancel-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, view.Status)

	again, err := h.svc.CancelTransaction(ctx, txn.ID, storeID, "cancel-1")
	require.NoError(t, err)
	assert.Equal(t, view, again)

	evts := h.uow.Events(txn.ID)
	assert.Equal(t, []domain.EventType{domain.EventPaymentCreated, domain.EventPaymentCancelled}, eventTypes(evts))
	assert.Equal(t, []int{1, 2}, sequences(evts))

	stored, ok := h.uow.Transaction(txn.ID)
	require.True(t, ok)
	_, err = stored.BeginProcessing("ch_late")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestCancelTransactionRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	completed := h.charge(t, cad("25.00"), "order-1001")
	_, err := h.svc.CancelTransaction(ctx, completed.ID, storeID, "cancel-1")
	var transition *domain.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, "COMPLETED", transition.From)
	assert.Equal(t, "CANCELLED", transition.To)

	pending := h.seedPending(t, cad("10.00"))
	_, err = h.svc.CancelTransaction(ctx, pending.ID, "store-2", "cancel-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.CancelTransaction(ctx, pending.ID, storeID, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCancelRefusedWhileChargeInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	txn := h.seedPending(t, cad("25.00"))
	h.uow.PutIdempotencyRecord(domain.IdempotencyRecord{
		Key:        storeID + "/order-1001",
		Operation:  domain.OperationCharge,
		ResourceID: txn.ID.String(),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Hour),
	})

	_, err := h.svc.CancelTransaction(ctx, txn.ID, storeID, "cancel-1")
	assert.ErrorIs(t, err, domain.ErrRequestInProgress)

	stored, _ := h.uow.Transaction(txn.ID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	_, reserved := h.uow.IdempotencyRecord(storeID + "/cancel-1")
	assert.False(t, reserved, "refused cancel must not keep its reservation")
}
