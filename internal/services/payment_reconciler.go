package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quicrefill/api/internal/domain"
	"github.com/quicrefill/api/internal/repositories"
)

const (
	defaultSweepStaleAfter  = 2 * time.Minute
	defaultSweepBatchSize   = 50
	defaultSweepMaxAttempts = 5
)

// PaymentReconcilerDeps bundles collaborators for the payment sweep.
type PaymentReconcilerDeps struct {
	Intents     repositories.PaymentIntentRepository
	Orders      OrderService
	Payments    PaymentDispatcher
	StaleAfter  time.Duration
	BatchSize   int
	MaxAttempts int
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentReconciler struct {
	intents     repositories.PaymentIntentRepository
	orders      OrderService
	payments    PaymentDispatcher
	staleAfter  time.Duration
	batchSize   int
	maxAttempts int
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
}

var _ PaymentReconciler = (*paymentReconciler)(nil)

// NewPaymentReconciler constructs the sweep that settles open payment intents.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	switch {
	case deps.Intents == nil:
		return nil, errors.New("payment reconciler: payment intent repository is required")
	case deps.Orders == nil:
		return nil, errors.New("payment reconciler: order service is required")
	case deps.Payments == nil:
		return nil, errors.New("payment reconciler: payment dispatcher is required")
	}
	staleAfter := deps.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultSweepStaleAfter
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	maxAttempts := deps.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultSweepMaxAttempts
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentReconciler{
		intents:     deps.Intents,
		orders:      deps.Orders,
		payments:    deps.Payments,
		staleAfter:  staleAfter,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Sweep settles one batch of stale intents. Wallet intents are re-dispatched because the wallet ledger
// dedupes by intent id; gateway intents are looked up by provider reference. Intents that never reached
// a gateway, or that exhausted their attempts, are failed. Refunds owed on closed orders are retried
// until they go through.
func (r *paymentReconciler) Sweep(ctx context.Context) (SweepReport, error) {
	now := r.clock()
	intents, err := r.intents.ListOpen(ctx, now.Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return SweepReport{}, mapRepositoryError(err, nil)
	}

	report := SweepReport{Scanned: len(intents)}
	for _, intent := range intents {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result, err := r.resolve(ctx, intent)
		if err != nil {
			report.Errors++
			r.logger(ctx, "payments.sweep.intent.failed", map[string]any{"intent": intent.ID, "error": err.Error()})
			r.touch(ctx, intent, repositories.IntentDispatch{LastError: err.Error(), At: r.clock()})
			continue
		}
		if result.Status == domain.PaymentStatusPending {
			report.Pending++
			r.touch(ctx, intent, repositories.IntentDispatch{Provider: result.Provider, ProviderRef: result.TransactionID, At: r.clock()})
			continue
		}
		if _, err := r.orders.ReconcilePayment(ctx, intent.ID, result); err != nil {
			report.Errors++
			r.logger(ctx, "payments.sweep.reconcile.failed", map[string]any{"intent": intent.ID, "error": err.Error()})
			continue
		}
		if result.Status == domain.PaymentStatusCompleted {
			report.Settled++
		} else {
			report.Failed++
		}
	}

	r.logger(ctx, "payments.sweep.completed", map[string]any{
		"scanned": report.Scanned,
		"settled": report.Settled,
		"failed":  report.Failed,
		"pending": report.Pending,
		"errors":  report.Errors,
	})
	return report, nil
}

func (r *paymentReconciler) resolve(ctx context.Context, intent domain.PaymentIntent) (PaymentResult, error) {
	if intent.Status == domain.PaymentIntentRefundPending {
		// Settled money is never written off; replaying the settlement retries the refund.
		return PaymentResult{
			Status:        domain.PaymentStatusCompleted,
			Provider:      intent.Provider,
			TransactionID: intent.ProviderRef,
		}, nil
	}
	if intent.Attempts >= r.maxAttempts {
		return PaymentResult{
			Status:        domain.PaymentStatusFailed,
			FailureReason: fmt.Sprintf("payment not confirmed after %d attempts", intent.Attempts),
		}, nil
	}

	switch {
	case intent.Channel == domain.PaymentChannelWallet:
		return r.payments.Dispatch(ctx, PaymentRequest{
			IntentID:    intent.ID,
			OrderID:     intent.OrderID,
			UserID:      intent.UserID,
			Method:      intent.Method,
			ServiceType: intent.ServiceType,
			Breakdown:   domain.PriceBreakdown{TotalAmount: intent.Amount},
		})
	case intent.ProviderRef == "":
		// Card and bill details are not persisted, so an intent that never reached the gateway cannot be
		// replayed.
		return PaymentResult{
			Status:        domain.PaymentStatusFailed,
			FailureReason: "payment was not dispatched to the gateway",
		}, nil
	default:
		return r.payments.Status(ctx, intent)
	}
}

func (r *paymentReconciler) touch(ctx context.Context, intent domain.PaymentIntent, dispatch repositories.IntentDispatch) {
	if err := r.intents.MarkDispatched(ctx, intent.ID, dispatch); err != nil {
		r.logger(ctx, "payments.sweep.intent.update.failed", map[string]any{"intent": intent.ID, "error": err.Error()})
	}
}
