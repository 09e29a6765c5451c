// Package payment implements the payment transaction core: charges, refunds
// and cancellations guarded by the idempotency ledger, provider health and
// authorization, and the background reconciliation of ambiguous outcomes.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"storepay/internal/common/metrics"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// ConnectionStore resolves and records the provider connections of stores.
type ConnectionStore interface {
	// Active returns domain.ErrProviderNotConnected when the store has no connection.
	Active(ctx context.Context, storeID string, provider domain.ProviderType) (*domain.ProviderConnection, error)
	Save(ctx context.Context, conn *domain.ProviderConnection) error
	UpdateHealth(ctx context.Context, storeID string, provider domain.ProviderType, status domain.HealthStatus, checkedAt time.Time) error
}

// SecretBox encrypts and decrypts credential blobs.
type SecretBox interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Service provides the payment operations
type Service struct {
	uow         UnitOfWork
	ledger      *Ledger
	registry    *gateway.Registry
	auth        *gateway.AuthorizationFlow
	connections ConnectionStore
	secrets     SecretBox
	cfg         Config
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Deps groups the collaborators of a Service.
type Deps struct {
	UnitOfWork  UnitOfWork
	Registry    *gateway.Registry
	States      gateway.StateStore
	Connections ConnectionStore
	Secrets     SecretBox
}

// NewService creates a new payment service
func NewService(deps Deps, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		uow:         deps.UnitOfWork,
		ledger:      NewLedger(cfg.IdempotencyTTL),
		registry:    deps.Registry,
		auth:        gateway.NewAuthorizationFlow(deps.Registry, deps.States, cfg.AuthorizationStateTTL, logger),
		connections: deps.Connections,
		secrets:     deps.Secrets,
		cfg:         cfg,
		logger:      logger,
		tracer:      otel.Tracer("storepay/payment"),
	}
}

func (s *Service) withTx(ctx context.Context, fn func(tx Tx) error) error {
	return withTx(ctx, s.uow, s.logger, fn)
}

// retryConflicts reruns fn while it fails with ErrConcurrentModification.
func (s *Service) retryConflicts(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.ConflictRetryLimit; attempt++ {
		err = fn()
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*10) * time.Millisecond):
		}
	}
	return err
}

// openGateway resolves the store's connection for provider and builds its gateway.
func (s *Service) openGateway(ctx context.Context, storeID string, provider domain.ProviderType) (gateway.Gateway, *domain.ProviderConnection, error) {
	if !s.registry.Supports(provider) {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
	}

	conn, err := s.connections.Active(ctx, storeID, provider)
	if err != nil {
		return nil, nil, err
	}

	raw, err := s.secrets.Open(conn.Credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s credentials for store %s: %w", provider, storeID, err)
	}
	var creds gateway.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, nil, fmt.Errorf("decoding %s credentials: %w", provider, err)
	}

	gw, err := s.registry.Connect(conn, creds)
	if err != nil {
		return nil, nil, err
	}
	return gw, conn, nil
}

// callProvider runs one gateway call under the provider timeout. The call is
// detached from the caller's cancellation: once a provider has been contacted
// its answer must be recorded even if the client went away.
func callProvider[T any](ctx context.Context, s *Service, provider domain.ProviderType, op string, accepted func(*T) bool, call func(ctx context.Context) (*T, error), attrs ...attribute.KeyValue) (*T, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProviderTimeout)
	defer cancel()

	callCtx, span := s.tracer.Start(callCtx, "provider."+op, trace.WithAttributes(
		append(attrs, attribute.String("provider", string(provider)))...,
	))
	defer span.End()

	start := time.Now()
	res, err := call(callCtx)
	elapsed := time.Since(start)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, gateway.ErrProviderTimeout):
		err = fmt.Errorf("%w: %s: %v", gateway.ErrProviderTimeout, provider, err)
	case err == nil && res == nil:
		err = fmt.Errorf("%w: %s returned no result", gateway.ErrProviderUnavailable, provider)
	}

	outcome := callOutcome(err, err == nil && accepted(res))
	metrics.ObserveProviderCall(string(provider), op, outcome, elapsed)
	span.SetAttributes(attribute.String("outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		s.logger.Warn("provider call failed",
			"provider", provider,
			"operation", op,
			"outcome", outcome,
			"elapsed", elapsed,
			"error", err,
		)
		return nil, err
	}
	return res, nil
}

func callOutcome(err error, accepted bool) string {
	switch {
	case err == nil && accepted:
		return "accepted"
	case err == nil:
		return "declined"
	case errors.Is(err, gateway.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, gateway.ErrChargeNotFound):
		return "not_found"
	case errors.Is(err, gateway.ErrProviderTimeout):
		return "timeout"
	default:
		return "unavailable"
	}
}

// saveTransaction writes the aggregate and its pending events in tx.
func saveTransaction(ctx context.Context, tx Tx, t *domain.Transaction) error {
	if err := tx.Transactions().Update(ctx, t); err != nil {
		return fmt.Errorf("updating transaction %s: %w", t.ID, err)
	}
	if err := tx.Events().Append(ctx, t.Changes()); err != nil {
		return fmt.Errorf("appending transaction events: %w", err)
	}
	return nil
}

func saveRefund(ctx context.Context, tx Tx, r *domain.Refund) error {
	if err := tx.Refunds().Update(ctx, r); err != nil {
		return fmt.Errorf("updating refund %s: %w", r.ID, err)
	}
	if err := tx.Events().Append(ctx, r.Changes()); err != nil {
		return fmt.Errorf("appending refund events: %w", err)
	}
	return nil
}

// countEvents feeds committed events to the transition metrics.
func countEvents(evts []domain.Event) {
	for _, e := range evts {
		metrics.CountTransition(string(e.AggregateType), string(e.Type))
	}
}

// GetTransaction returns a transaction by identity.
func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*TransactionView, error) {
	var txn *domain.Transaction
	err := s.withTx(ctx, func(tx Tx) error {
		var err error
		txn, err = tx.Transactions().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newTransactionView(txn), nil
}

// ListRefunds returns the refunds of a transaction, oldest first.
func (s *Service) ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]*RefundView, error) {
	var refunds []*domain.Refund
	err := s.withTx(ctx, func(tx Tx) error {
		if _, err := tx.Transactions().Get(ctx, transactionID); err != nil {
			return err
		}
		var err error
		refunds, err = tx.Refunds().ListByTransaction(ctx, transactionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	views := make([]*RefundView, 0, len(refunds))
	for _, r := range refunds {
		views = append(views, newRefundView(r))
	}
	return views, nil
}

// PurgeExpiredIdempotency removes idempotency records past their retention window.
func (s *Service) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx Tx) error {
		var err error
		n, err = s.ledger.Purge(ctx, tx.Idempotency(), s.cfg.PurgeBatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("expired idempotency records purged", "count", n)
	}
	return n, nil
}

// awaitResult polls an in-flight key until its owner commits a result.
func awaitResult[T any](ctx context.Context, s *Service, key string) (*T, error) {
	deadline := time.Now().Add(s.cfg.InFlightWait)
	ticker := time.NewTicker(s.cfg.InFlightPoll)
	defer ticker.Stop()

	for {
		var rec *domain.IdempotencyRecord
		err := s.withTx(ctx, func(tx Tx) error {
			var err error
			rec, err = tx.Idempotency().Get(ctx, key)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("reading idempotency record: %w", err)
		}

		if !rec.InFlight() {
			var out T
			if err := json.Unmarshal(rec.Result, &out); err != nil {
				return nil, fmt.Errorf("decoding idempotent result: %w", err)
			}
			return &out, nil
		}

		if time.Now().After(deadline) {
			return nil, domain.ErrRequestInProgress
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// decodeReplay decodes the stored result of a duplicate request.
func decodeReplay[T any](rec *domain.IdempotencyRecord) (*T, error) {
	var out T
	if err := json.Unmarshal(rec.Result, &out); err != nil {
		return nil, fmt.Errorf("decoding idempotent result: %w", err)
	}
	return &out, nil
}
