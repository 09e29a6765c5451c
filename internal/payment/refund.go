package payment

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// SubmitRefundRequest is the intent to return funds of a completed transaction.
type SubmitRefundRequest struct {
	StoreID        string      `json:"store_id"`
	TransactionID  uuid.UUID   `json:"transaction_id"`
	Amount         money.Money `json:"amount"`
	Reason         string      `json:"reason"`
	IdempotencyKey string      `json:"-"`
}

func (r SubmitRefundRequest) validate() error {
	if strings.TrimSpace(r.StoreID) == "" {
		return &domain.ValidationError{Field: "store_id", Message: "is required"}
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return &domain.ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if r.TransactionID == uuid.Nil {
		return &domain.ValidationError{Field: "transaction_id", Message: "is required"}
	}
	if !r.Amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	return nil
}

// SubmitRefund requests a refund and sends it to the transaction's provider.
// Refunds still in flight count against the captured amount, so concurrent
// requests cannot overdraw the transaction. A declined refund returns the
// FAILED refund; an ambiguous outcome leaves it PROCESSING.
func (s *Service) SubmitRefund(ctx context.Context, req SubmitRefundRequest) (*RefundView, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	fingerprint, err := domain.Fingerprint(domain.OperationRefund, req)
	if err != nil {
		return nil, err
	}

	txn, err := s.loadStoreTransaction(ctx, req.StoreID, req.TransactionID)
	if err != nil {
		return nil, err
	}

	key := ledgerKey(req.StoreID, req.IdempotencyKey)

	var (
		res    *Reservation
		refund *domain.Refund
		gw     gateway.Gateway
	)
	err = s.retryConflicts(ctx, func() error {
		return s.withTx(ctx, func(tx Tx) error {
			var err error
			res, err = s.ledger.Reserve(ctx, tx.Idempotency(), key, domain.OperationRefund, fingerprint, req.TransactionID.String())
			if err != nil || res.Decision != DecisionProceed {
				return err
			}

			gw, _, err = s.openGateway(ctx, txn.StoreID, txn.Provider)
			if err != nil {
				return err
			}

			// the row lock serializes refund requests of one transaction
			txn, err = tx.Transactions().GetForUpdate(ctx, req.TransactionID)
			if err != nil {
				return err
			}
			existing, err := tx.Refunds().ListByTransaction(ctx, txn.ID)
			if err != nil {
				return fmt.Errorf("listing refunds: %w", err)
			}

			refund, err = domain.RequestRefund(txn, req.Amount, req.Reason, req.IdempotencyKey, existing)
			if err != nil {
				return err
			}
			if err := tx.Refunds().Create(ctx, refund); err != nil {
				return fmt.Errorf("creating refund: %w", err)
			}
			if err := tx.Events().Append(ctx, refund.Changes()); err != nil {
				return fmt.Errorf("appending refund events: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	switch res.Decision {
	case DecisionDuplicate:
		return decodeReplay[RefundView](res.Record)
	case DecisionInFlight:
		return awaitResult[RefundView](ctx, s, key)
	case DecisionConflict:
		return nil, fmt.Errorf("%w: %s", domain.ErrIdempotencyConflict, req.IdempotencyKey)
	}

	countEvents(refund.Changes())
	refund.MarkCommitted()

	s.logger.Info("refund requested",
		"refund_id", refund.ID,
		"transaction_id", txn.ID,
		"store_id", txn.StoreID,
		"amount", refund.Amount.AmountMinor,
		"currency", refund.Amount.Currency,
	)

	result, callErr := callProvider(ctx, s, txn.Provider, "refund",
		func(r *gateway.RefundResult) bool { return r.Accepted },
		func(ctx context.Context) (*gateway.RefundResult, error) {
			return gw.Refund(ctx, gateway.RefundRequest{
				RefundID:          refund.ID.String(),
				ProviderReference: txn.ProviderReference,
				Amount:            refund.Amount,
				Reason:            refund.Reason,
			})
		},
		attribute.String("refund_id", refund.ID.String()),
	)

	return s.settleRefund(ctx, refund.ID, key, result, callErr)
}

func (s *Service) settleRefund(ctx context.Context, id uuid.UUID, key string, result *gateway.RefundResult, callErr error) (*RefundView, error) {
	ctx = context.WithoutCancel(ctx)

	var (
		view      RefundView
		committed []domain.Event
	)
	err := s.retryConflicts(ctx, func() error {
		return s.withTx(ctx, func(tx Tx) error {
			refund, err := tx.Refunds().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if err := applyRefundOutcome(refund, result, callErr); err != nil {
				return err
			}
			if err := saveRefund(ctx, tx, refund); err != nil {
				return err
			}
			committed = refund.Changes()
			return s.ledger.commitResult(ctx, tx.Idempotency(), key, newRefundView(refund), &view)
		})
	})
	if err != nil {
		s.logger.Error("failed to settle refund",
			"refund_id", id,
			"error", err,
			"provider_error", callErr,
		)
		return nil, fmt.Errorf("settling refund %s: %w", id, err)
	}

	countEvents(committed)
	if view.Status == domain.RefundProcessing {
		s.logger.Warn("refund outcome unknown, awaiting provider",
			"refund_id", view.ID,
			"transaction_id", view.TransactionID,
		)
	}
	return &view, nil
}

func applyRefundOutcome(refund *domain.Refund, result *gateway.RefundResult, callErr error) error {
	if refund.IsTerminal() {
		return nil
	}

	switch {
	case callErr != nil && !gateway.IsAmbiguous(callErr):
		_, err := refund.Fail(callErr.Error())
		return err
	case callErr != nil:
		_, err := refund.BeginProcessing()
		return err
	case !result.Accepted:
		reason := result.FailureReason
		if reason == "" {
			reason = "declined by provider"
		}
		_, err := refund.Fail(reason)
		return err
	}

	if _, err := refund.BeginProcessing(); err != nil {
		return err
	}
	_, err := refund.Complete(result.ProviderReference)
	return err
}

// loadStoreTransaction reads a transaction owned by storeID. Transactions of
// other stores are reported as not found.
func (s *Service) loadStoreTransaction(ctx context.Context, storeID string, id uuid.UUID) (*domain.Transaction, error) {
	var txn *domain.Transaction
	err := s.withTx(ctx, func(tx Tx) error {
		var err error
		txn, err = tx.Transactions().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if txn.StoreID != storeID {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return txn, nil
}
