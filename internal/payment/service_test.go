package payment_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storepay/internal/common/money"
	"storepay/internal/payment"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
	"storepay/internal/payment/paymenttest"
	"storepay/internal/secrets"
)

const storeID = "store-1"

type harness struct {
	svc       *payment.Service
	cfg       payment.Config
	uow       *paymenttest.UnitOfWork
	moneris   *paymenttest.Gateway
	monerisCx *paymenttest.Connector
	square    *paymenttest.Gateway
	squareCx  *paymenttest.Connector
	auth      *paymenttest.Authorizer
	conns     *paymenttest.ConnectionStore
	box       *secrets.Box
	logs      *bytes.Buffer
	logger    *slog.Logger
}

func newHarness(t *testing.T, tune ...func(cfg *payment.Config)) *harness {
	t.Helper()

	cfg := payment.DefaultConfig()
	cfg.InFlightPoll = 5 * time.Millisecond
	for _, fn := range tune {
		fn(&cfg)
	}

	h := &harness{
		cfg:     cfg,
		uow:     paymenttest.NewUnitOfWork(),
		moneris: &paymenttest.Gateway{},
		square:  &paymenttest.Gateway{},
		auth:    &paymenttest.Authorizer{},
		conns:   paymenttest.NewConnectionStore(),
		box:     paymenttest.NewSecretBox(),
		logs:    &bytes.Buffer{},
	}
	h.monerisCx = &paymenttest.Connector{Gateway: h.moneris}
	h.squareCx = &paymenttest.Connector{Gateway: h.square}
	h.logger = slog.New(slog.NewJSONHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	registry := gateway.NewRegistry()
	registry.Register(domain.ProviderMoneris, h.monerisCx)
	registry.Register(domain.ProviderSquare, h.squareCx)
	registry.RegisterAuthorizer(domain.ProviderSquare, h.auth)

	require.NoError(t, h.conns.Connect(h.box, storeID, domain.ProviderMoneris, gateway.Credentials{
		"store_id":  "monca0001",
		"api_token": "secret-token",
	}))

	h.svc = payment.NewService(payment.Deps{
		UnitOfWork:  h.uow,
		Registry:    registry,
		States:      paymenttest.NewStateStore(),
		Connections: h.conns,
		Secrets:     h.box,
	}, cfg, h.logger)
	return h
}

func cad(major string) money.Money {
	m, err := money.ParseMajor(major, money.CAD)
	if err != nil {
		panic(err)
	}
	return m
}

func chargeRequest(amount money.Money, key string) payment.SubmitChargeRequest {
	return payment.SubmitChargeRequest{
		StoreID:        storeID,
		Amount:         amount,
		Provider:       domain.ProviderMoneris,
		IdempotencyKey: key,
		Method:         gateway.PaymentMethod{Type: "card_present", Token: "tok_visa"},
	}
}

func (h *harness) charge(t *testing.T, amount money.Money, key string) *payment.TransactionView {
	t.Helper()
	view, err := h.svc.SubmitCharge(context.Background(), chargeRequest(amount, key))
	require.NoError(t, err)
	return view
}

// seedPending stores a PENDING transaction with no charge in flight.
func (h *harness) seedPending(t *testing.T, amount money.Money) *domain.Transaction {
	t.Helper()
	ctx := context.Background()

	txn, err := domain.NewTransaction(storeID, amount, domain.ProviderMoneris, "")
	require.NoError(t, err)

	tx, err := h.uow.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Transactions().Create(ctx, txn))
	require.NoError(t, tx.Events().Append(ctx, txn.Changes()))
	require.NoError(t, tx.Commit(ctx))
	txn.MarkCommitted()
	return txn
}

// breakCredentials replaces the store's moneris credentials with a blob that
// cannot be opened.
func (h *harness) breakCredentials(t *testing.T) {
	t.Helper()
	conn, err := h.conns.Active(context.Background(), storeID, domain.ProviderMoneris)
	require.NoError(t, err)
	conn.Credentials = []byte("rotated")
	require.NoError(t, h.conns.Save(context.Background(), conn))
}

func eventTypes(evts []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Type)
	}
	return out
}

func sequences(evts []domain.Event) []int {
	out := make([]int, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.Sequence)
	}
	return out
}

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}
