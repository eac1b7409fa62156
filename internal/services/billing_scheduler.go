package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// BillingScheduler is the periodic driver of the billing machine: it
// applies due scheduled changes, queues a redemption for every
// subscription whose NextRedemptionAt has arrived, and sweeps
// indeterminate attempts through the reconciler.
type BillingScheduler struct {
	store         db.Store
	subscriptions *SubscriptionService
	queue         IRedemptionQueue
	reconciler    *Reconciler
	logger        *zap.Logger

	batchSize int32
}

// NewBillingScheduler creates a scheduler over the given collaborators.
func NewBillingScheduler(
	store db.Store,
	subscriptions *SubscriptionService,
	queue IRedemptionQueue,
	reconciler *Reconciler,
	logger *zap.Logger,
) *BillingScheduler {
	if logger == nil {
		logger = zap.L()
	}
	return &BillingScheduler{
		store:         store,
		subscriptions: subscriptions,
		queue:         queue,
		reconciler:    reconciler,
		logger:        logger,
		batchSize:     100,
	}
}

// RunOnce executes a single scheduling pass. Scheduled changes go first
// so a downgrade landing at the period boundary prices the redemption
// queued in the same pass.
func (bs *BillingScheduler) RunOnce(ctx context.Context) error {
	if err := bs.subscriptions.ProcessScheduledChanges(ctx); err != nil {
		bs.logger.Error("Failed to process scheduled changes", zap.Error(err))
	}

	if bs.reconciler != nil {
		if err := bs.reconciler.Run(ctx); err != nil {
			bs.logger.Error("Failed to reconcile attempts", zap.Error(err))
		}
	}

	return bs.processDueRedemptions(ctx)
}

// RunForever loops RunOnce at the given interval until the context ends.
func (bs *BillingScheduler) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	bs.logger.Info("Billing scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			bs.logger.Info("Billing scheduler stopped")
			return
		case <-ticker.C:
			if err := bs.RunOnce(ctx); err != nil {
				bs.logger.Error("Billing pass failed", zap.Error(err))
			}
		}
	}
}

func (bs *BillingScheduler) processDueRedemptions(ctx context.Context) error {
	due, err := bs.store.ListDueSubscriptions(ctx, time.Now(), bs.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list due subscriptions: %w", err)
	}

	if len(due) > 0 {
		bs.logger.Info("Processing due subscriptions", zap.Int("count", len(due)))
	}

	for i := range due {
		sub := due[i]
		if err := bs.queueCycleRedemption(ctx, &sub); err != nil {
			bs.logger.Error("Failed to queue cycle redemption",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

// queueCycleRedemption creates the attempt record for a due cycle and
// hands it to the worker pool. The store's one-in-flight guard makes a
// double-queue harmless: the second create is rejected.
func (bs *BillingScheduler) queueCycleRedemption(ctx context.Context, sub *business.Subscription) error {
	attempt := &business.RedemptionAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		AttemptNumber:  sub.RetryCount + 1,
		AmountCents:    chargeableAmount(sub),
		Status:         constants.AttemptStatusPending,
		IdempotencyKey: cycleIdempotencyKey(sub),
	}
	if err := bs.store.CreateRedemptionAttempt(ctx, attempt); err != nil {
		if errors.Is(err, db.ErrAttemptInFlight) {
			bs.logger.Debug("Redemption already in flight, skipping",
				zap.String("subscription_id", sub.ID.String()))
			return nil
		}
		return err
	}

	return bs.queue.QueueRedemption(business.RedemptionTask{
		SubscriptionID: sub.ID,
		AttemptID:      attempt.ID,
	})
}

// cycleIdempotencyKey is stable for one cycle and retry attempt, so a
// crashed scheduler replaying the same work cannot double-charge at the
// relay.
func cycleIdempotencyKey(sub *business.Subscription) string {
	return fmt.Sprintf("%s:%d:%d", sub.ID, sub.CurrentPeriodEnd.Unix(), sub.RetryCount)
}
