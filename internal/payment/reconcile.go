package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"storepay/internal/common/metrics"
	"storepay/internal/payment/domain"
	"storepay/internal/payment/gateway"
)

// Reconciler settles transactions whose provider outcome is unknown by
// looking the charge up at the provider with bounded exponential backoff.
type Reconciler struct {
	svc    *Service
	cfg    Config
	logger *slog.Logger
}

// NewReconciler creates a reconciler that works through svc's collaborators.
func NewReconciler(svc *Service, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		svc:    svc,
		cfg:    svc.cfg,
		logger: logger.With("component", "reconciler"),
	}
}

// Run reconciles due transactions every ReconcileInterval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	return RunEvery(ctx, r.cfg.ReconcileInterval, r.logger, "reconciler", func(ctx context.Context) error {
		_, err := r.RunOnce(ctx)
		return err
	})
}

// RunOnce claims one batch of due transactions and reconciles each of them.
// It returns the number of transactions reaching a terminal state.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	due, err := r.claim(ctx)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for _, txn := range due {
		done, err := r.reconcile(ctx, txn)
		if err != nil {
			r.logger.Error("reconciliation failed",
				"transaction_id", txn.ID,
				"error", err,
			)
			continue
		}
		if done {
			finalized++
		}
	}

	r.reportStuckRefunds(ctx)
	return finalized, nil
}

// claim locks a batch of due transactions and pushes their next attempt out
// by a lease so concurrent reconcilers do not pick them up again.
func (r *Reconciler) claim(ctx context.Context) ([]*domain.Transaction, error) {
	now := time.Now().UTC()
	lease := now.Add(2*r.cfg.ProviderTimeout + r.cfg.ReconcileInterval)

	var due []*domain.Transaction
	err := r.svc.withTx(ctx, func(tx Tx) error {
		var err error
		due, err = tx.Transactions().ListDueForReconciliation(ctx, now, r.cfg.ReconcileBatchSize)
		if err != nil {
			return fmt.Errorf("listing due transactions: %w", err)
		}
		for _, txn := range due {
			txn.ScheduleReconciliation(lease)
			if err := tx.Transactions().Update(ctx, txn); err != nil {
				return fmt.Errorf("leasing transaction %s: %w", txn.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

func (r *Reconciler) reconcile(ctx context.Context, claimed *domain.Transaction) (bool, error) {
	var (
		result    *gateway.ChargeResult
		lookupErr error
	)
	gw, _, err := r.svc.openGateway(ctx, claimed.StoreID, claimed.Provider)
	if err != nil {
		lookupErr = err
	} else {
		result, lookupErr = callProvider(ctx, r.svc, claimed.Provider, "lookup",
			func(c *gateway.ChargeResult) bool { return c.Accepted },
			func(ctx context.Context) (*gateway.ChargeResult, error) {
				return gw.LookupCharge(ctx, claimed.Reference)
			},
			attribute.String("reference", claimed.Reference.String()),
		)
	}

	var (
		status    domain.PaymentStatus
		label     string
		committed []domain.Event
	)
	err = r.svc.retryConflicts(ctx, func() error {
		return r.svc.withTx(ctx, func(tx Tx) error {
			txn, err := tx.Transactions().GetForUpdate(ctx, claimed.ID)
			if err != nil {
				return err
			}
			label, err = r.apply(txn, result, lookupErr, time.Now().UTC())
			if err != nil {
				return err
			}
			if err := saveTransaction(ctx, tx, txn); err != nil {
				return err
			}
			committed = txn.Changes()
			status = txn.Status
			return r.commitPendingCharge(ctx, tx, txn)
		})
	})
	if err != nil {
		return false, err
	}

	countEvents(committed)
	metrics.CountReconciliation(label)
	r.logger.Info("transaction reconciled",
		"transaction_id", claimed.ID,
		"result", label,
		"status", status,
		"lookup_error", lookupErr,
	)
	return domain.TransactionMachine.IsTerminal(status), nil
}

// apply maps a lookup answer onto txn and returns the reconciliation result label.
func (r *Reconciler) apply(txn *domain.Transaction, result *gateway.ChargeResult, lookupErr error, now time.Time) (string, error) {
	if txn.IsTerminal() {
		return "already_final", nil
	}
	if lookupErr == nil {
		txn.AttachProviderReference(result.ProviderReference)
	}

	switch {
	case lookupErr == nil && result.Accepted && result.Captured:
		if _, err := txn.BeginProcessing(result.ProviderReference); err != nil {
			return "", err
		}
		_, err := txn.Complete(result.Confirmation)
		return "completed", err

	case lookupErr == nil && !result.Accepted:
		reason := result.FailureReason
		if reason == "" {
			reason = "declined by provider"
		}
		_, err := txn.Fail(reason)
		return "failed", err

	case errors.Is(lookupErr, gateway.ErrChargeNotFound) &&
		txn.Status == domain.StatusPending &&
		now.Sub(txn.CreatedAt) >= r.cfg.ReconcilePendingGrace:
		_, err := txn.Fail("provider has no record of the charge")
		return "failed", err

	case lookupErr == nil:
		// accepted but not captured yet
		if _, err := txn.BeginProcessing(result.ProviderReference); err != nil {
			return "", err
		}
	}

	if txn.ReconcileAttempts+1 >= r.cfg.ReconcileMaxAttempts {
		txn.RecordReconcileAttempt(nil)
		r.logger.Error("reconciliation attempts exhausted, manual investigation required",
			"transaction_id", txn.ID,
			"reference", txn.Reference,
			"provider", txn.Provider,
			"status", txn.Status,
			"attempts", txn.ReconcileAttempts,
		)
		return "exhausted", nil
	}

	next := now.Add(r.cfg.reconcileDelay(txn.ReconcileAttempts))
	txn.RecordReconcileAttempt(&next)
	return "rescheduled", nil
}

// commitPendingCharge stores the transaction as the result of a charge
// request whose process died before settling it.
func (r *Reconciler) commitPendingCharge(ctx context.Context, tx Tx, txn *domain.Transaction) error {
	if txn.Status == domain.StatusPending {
		return nil
	}
	rec, err := tx.Idempotency().FindInFlightByResource(ctx, domain.OperationCharge, txn.ID.String())
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var view TransactionView
	return r.svc.ledger.commitResult(ctx, tx.Idempotency(), rec.Key, newTransactionView(txn), &view)
}

// reportStuckRefunds logs refunds whose provider outcome is still unknown.
// They are settled by hand.
func (r *Reconciler) reportStuckRefunds(ctx context.Context) {
	var n int
	err := r.svc.withTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.Refunds().CountByStatus(ctx, domain.RefundProcessing)
		return err
	})
	if err != nil {
		r.logger.Warn("failed to count processing refunds", "error", err)
		return
	}
	if n > 0 {
		r.logger.Warn("refunds awaiting provider outcome", "count", n)
	}
}
