package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/client/relay"
	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// ReceiptSource is the slice of the relay API the reconciler needs.
type ReceiptSource interface {
	GetReceipt(ctx context.Context, submissionID string) (*relay.Receipt, error)
}

// Reconciler settles attempts whose outcome the executor could not
// observe. A submission that timed out is indeterminate: the transfer may
// have landed anyway, so dunning must not act on it until the relay
// receipt says what actually happened.
type Reconciler struct {
	store   db.Store
	relay   ReceiptSource
	dunning *DunningEngine
	logger  *zap.Logger

	// confirmWindow is how long after submission an attempt may stay
	// unresolved before reconciliation picks it up.
	confirmWindow time.Duration

	// abandonAfter bounds how long an attempt with no retrievable receipt
	// is kept open before it is treated as failed.
	abandonAfter time.Duration
}

// NewReconciler creates a reconciler over the given store and relay.
func NewReconciler(store db.Store, receipts ReceiptSource, dunning *DunningEngine, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.L()
	}
	return &Reconciler{
		store:         store,
		relay:         receipts,
		dunning:       dunning,
		logger:        logger,
		confirmWindow: 5 * time.Minute,
		abandonAfter:  24 * time.Hour,
	}
}

// Run resolves every submitted attempt older than the confirm window.
// Errors on individual attempts are logged and the sweep continues.
func (r *Reconciler) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-r.confirmWindow)
	attempts, err := r.store.ListUnresolvedAttempts(ctx, cutoff, 100)
	if err != nil {
		return fmt.Errorf("failed to list unresolved attempts: %w", err)
	}

	if len(attempts) > 0 {
		r.logger.Info("Reconciling unresolved redemption attempts", zap.Int("count", len(attempts)))
	}

	for i := range attempts {
		attempt := attempts[i]
		if err := r.reconcileAttempt(ctx, &attempt); err != nil {
			r.logger.Error("Failed to reconcile attempt",
				zap.String("attempt_id", attempt.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileAttempt(ctx context.Context, attempt *business.RedemptionAttempt) error {
	if attempt.SubmissionID == "" {
		// Submitted but the relay never acknowledged: no receipt can exist.
		return r.settleFailure(ctx, attempt, "no relay submission recorded")
	}

	receipt, err := r.relay.GetReceipt(ctx, attempt.SubmissionID)
	if errors.Is(err, relay.ErrReceiptNotFound) {
		if attempt.SubmittedAt != nil && time.Since(*attempt.SubmittedAt) > r.abandonAfter {
			return r.settleFailure(ctx, attempt, "relay has no receipt for submission")
		}
		// The relay may still be indexing it; look again next sweep.
		r.logger.Info("Receipt not yet available, will retry",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("submission_id", attempt.SubmissionID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get receipt: %w", err)
	}

	switch receipt.Status {
	case relay.ReceiptStatusIncluded:
		return r.settleSuccess(ctx, attempt, receipt.TransactionHash)
	case relay.ReceiptStatusFailed:
		return r.settleFailure(ctx, attempt, "transaction reverted on chain")
	default:
		// Still pending; outcome remains indeterminate.
		return nil
	}
}

func (r *Reconciler) settleSuccess(ctx context.Context, attempt *business.RedemptionAttempt, txHash string) error {
	now := time.Now()
	attempt.Status = constants.AttemptStatusConfirmed
	attempt.TransactionHash = txHash
	attempt.ConfirmedAt = &now
	if err := r.store.UpdateRedemptionAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to confirm attempt: %w", err)
	}

	r.logger.Info("Reconciled attempt as confirmed",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("transaction_hash", txHash))

	if r.dunning != nil {
		return r.dunning.OnRedemptionSuccess(ctx, attempt.SubscriptionID)
	}
	return nil
}

func (r *Reconciler) settleFailure(ctx context.Context, attempt *business.RedemptionAttempt, reason string) error {
	attempt.Status = constants.AttemptStatusFailed
	attempt.FailureReason = reason
	if err := r.store.UpdateRedemptionAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to fail attempt: %w", err)
	}

	r.logger.Warn("Reconciled attempt as failed",
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("reason", reason))

	if r.dunning != nil {
		return r.dunning.OnRedemptionFailure(ctx, attempt.SubscriptionID, attempt)
	}
	return nil
}
