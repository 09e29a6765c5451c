package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"storepay/internal/common/money"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// SubmitChargeRequest is the intent to charge a payment method.
type SubmitChargeRequest struct {
	StoreID        string                `json:"store_id"`
	Amount         money.Money           `json:"amount"`
	Provider       domain.ProviderType   `json:"provider"`
	IdempotencyKey string                `json:"-"`
	Method         gateway.PaymentMethod `json:"method"`
}

func (r SubmitChargeRequest) validate() error {
	if strings.TrimSpace(r.StoreID) == "" {
		return &domain.ValidationError{Field: "store_id", Message: "is required"}
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return &domain.ValidationError{Field: "idempotency_key", Message: "is required"}
	}
	if _, ok := money.GetCurrencyInfo(r.Amount.Currency); !ok || !r.Amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if r.Provider == "" {
		return &domain.ValidationError{Field: "provider", Message: "is required"}
	}
	return nil
}

// SubmitCharge records a charge intent, calls the store's provider once per
// idempotency key and returns the resulting transaction. A declined charge
// returns the FAILED transaction; an ambiguous provider outcome returns it
// PROCESSING with reconciliation scheduled.
func (s *Service) SubmitCharge(ctx context.Context, req SubmitChargeRequest) (*TransactionView, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	fingerprint, err := domain.Fingerprint(domain.OperationCharge, req)
	if err != nil {
		return nil, err
	}

	txn, err := domain.NewTransaction(req.StoreID, req.Amount, req.Provider, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	// picked up by the reconciler if this process dies before settling
	txn.ScheduleReconciliation(txn.CreatedAt.Add(s.cfg.ReconcilePendingGrace))

	key := ledgerKey(req.StoreID, req.IdempotencyKey)

	var (
		res *Reservation
		gw  gateway.Gateway
	)
	err = s.withTx(ctx, func(tx Tx) error {
		var err error
		res, err = s.ledger.Reserve(ctx, tx.Idempotency(), key, domain.OperationCharge, fingerprint, txn.ID.String())
		if err != nil || res.Decision != DecisionProceed {
			return err
		}

		// replays never touch the connection; a failure here rolls the
		// reservation back with the rest of the transaction
		gw, _, err = s.openGateway(ctx, req.StoreID, req.Provider)
		if err != nil {
			return err
		}

		if err := tx.Transactions().Create(ctx, txn); err != nil {
			return fmt.Errorf("creating transaction: %w", err)
		}
		if err := tx.Events().Append(ctx, txn.Changes()); err != nil {
			return fmt.Errorf("appending transaction events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch res.Decision {
	case DecisionDuplicate:
		return decodeReplay[TransactionView](res.Record)
	case DecisionInFlight:
		return awaitResult[TransactionView](ctx, s, key)
	case DecisionConflict:
		return nil, fmt.Errorf("%w: %s", domain.ErrIdempotencyConflict, req.IdempotencyKey)
	}

	countEvents(txn.Changes())
	txn.MarkCommitted()

	s.logger.Info("payment created",
		"transaction_id", txn.ID,
		"reference", txn.Reference,
		"store_id", txn.StoreID,
		"provider", txn.Provider,
		"amount", txn.Amount.AmountMinor,
		"currency", txn.Amount.Currency,
	)

	result, callErr := callProvider(ctx, s, txn.Provider, "charge",
		func(r *gateway.ChargeResult) bool { return r.Accepted },
		func(ctx context.Context) (*gateway.ChargeResult, error) {
			return gw.Charge(ctx, gateway.ChargeRequest{
				Reference: txn.Reference,
				Amount:    txn.Amount,
				Method:    req.Method,
			})
		},
		attribute.String("reference", txn.Reference.String()),
	)

	return s.settleCharge(ctx, txn.ID, key, result, callErr)
}

// settleCharge records the provider outcome and the idempotent result together.
func (s *Service) settleCharge(ctx context.Context, id uuid.UUID, key string, result *gateway.ChargeResult, callErr error) (*TransactionView, error) {
	ctx = context.WithoutCancel(ctx)

	var (
		view      TransactionView
		committed []domain.Event
	)
	err := s.retryConflicts(ctx, func() error {
		return s.withTx(ctx, func(tx Tx) error {
			txn, err := tx.Transactions().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if err := s.applyChargeOutcome(txn, result, callErr); err != nil {
				return err
			}
			if err := saveTransaction(ctx, tx, txn); err != nil {
				return err
			}
			committed = txn.Changes()
			return s.ledger.commitResult(ctx, tx.Idempotency(), key, newTransactionView(txn), &view)
		})
	})
	if err != nil {
		s.logger.Error("failed to settle charge",
			"transaction_id", id,
			"error", err,
			"provider_error", callErr,
		)
		return nil, fmt.Errorf("settling charge %s: %w", id, err)
	}

	countEvents(committed)
	s.logger.Info("payment settled",
		"transaction_id", view.ID,
		"status", view.Status,
		"provider_reference", view.ProviderReference,
	)
	return &view, nil
}

// applyChargeOutcome maps a provider answer onto the transaction. A
// transaction the reconciler already finalized is left alone.
func (s *Service) applyChargeOutcome(txn *domain.Transaction, result *gateway.ChargeResult, callErr error) error {
	if txn.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()

	switch {
	case callErr != nil && !gateway.IsAmbiguous(callErr):
		_, err := txn.Fail(callErr.Error())
		return err

	case callErr != nil:
		if _, err := txn.BeginProcessing(""); err != nil {
			return err
		}
		txn.ScheduleReconciliation(now.Add(s.cfg.reconcileDelay(0)))
		return nil

	case !result.Accepted:
		reason := result.FailureReason
		if reason == "" {
			reason = "declined by provider"
		}
		_, err := txn.Fail(reason)
		return err
	}

	txn.AttachProviderReference(result.ProviderReference)
	if _, err := txn.BeginProcessing(result.ProviderReference); err != nil {
		return err
	}
	if !result.Captured {
		txn.ScheduleReconciliation(now.Add(s.cfg.reconcileDelay(0)))
		return nil
	}
	_, err := txn.Complete(result.Confirmation)
	return err
}

// CancelTransaction cancels a PENDING transaction of storeID. It is refused
// while the transaction's charge is still in flight at the provider.
func (s *Service) CancelTransaction(ctx context.Context, id uuid.UUID, storeID, idempotencyKey string) (*TransactionView, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return nil, &domain.ValidationError{Field: "idempotency_key", Message: "is required"}
	}

	fingerprint, err := domain.Fingerprint(domain.OperationCancel, struct {
		TransactionID uuid.UUID `json:"transaction_id"`
	}{id})
	if err != nil {
		return nil, err
	}
	key := ledgerKey(storeID, idempotencyKey)

	var (
		res       *Reservation
		view      TransactionView
		committed []domain.Event
	)
	err = s.retryConflicts(ctx, func() error {
		return s.withTx(ctx, func(tx Tx) error {
			txn, err := tx.Transactions().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if txn.StoreID != storeID {
				return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
			}

			res, err = s.ledger.Reserve(ctx, tx.Idempotency(), key, domain.OperationCancel, fingerprint, id.String())
			if err != nil || res.Decision != DecisionProceed {
				return err
			}

			_, err = tx.Idempotency().FindInFlightByResource(ctx, domain.OperationCharge, id.String())
			switch {
			case err == nil:
				return fmt.Errorf("%w: charge of transaction %s", domain.ErrRequestInProgress, id)
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}

			if _, err := txn.Cancel(); err != nil {
				return err
			}
			if err := saveTransaction(ctx, tx, txn); err != nil {
				return err
			}
			committed = txn.Changes()
			return s.ledger.commitResult(ctx, tx.Idempotency(), key, newTransactionView(txn), &view)
		})
	})
	if err != nil {
		return nil, err
	}

	switch res.Decision {
	case DecisionDuplicate:
		return decodeReplay[TransactionView](res.Record)
	case DecisionInFlight:
		return awaitResult[TransactionView](ctx, s, key)
	case DecisionConflict:
		return nil, fmt.Errorf("%w: %s", domain.ErrIdempotencyConflict, idempotencyKey)
	}

	countEvents(committed)
	s.logger.Info("payment cancelled", "transaction_id", id, "store_id", storeID)
	return &view, nil
}
