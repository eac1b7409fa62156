package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/types/business"
	"go.uber.org/zap"
)

// DunningEngine reacts to redemption outcomes. Failed cycles walk the
// policy's retry schedule; once the schedule is exhausted the policy's
// final action is applied, exactly once. Manual retries run outside the
// schedule entirely: their failures neither advance nor reset it.
type DunningEngine struct {
	store         db.Store
	subscriptions *SubscriptionService
	emailService  IEmailService
	queue         IRedemptionQueue
	logger        *zap.Logger
}

// NewDunningEngine creates a new dunning engine.
func NewDunningEngine(
	store db.Store,
	subscriptions *SubscriptionService,
	emailService IEmailService,
	queue IRedemptionQueue,
	logger *zap.Logger,
) *DunningEngine {
	if logger == nil {
		logger = zap.L()
	}
	return &DunningEngine{
		store:         store,
		subscriptions: subscriptions,
		emailService:  emailService,
		queue:         queue,
		logger:        logger,
	}
}

// OnRedemptionSuccess clears the dunning state and rolls the billing
// cycle forward. A recovery from past_due flows through the same path as
// an on-time payment.
func (e *DunningEngine) OnRedemptionSuccess(ctx context.Context, subscriptionID uuid.UUID) error {
	return e.subscriptions.RecordRedemptionSuccess(ctx, subscriptionID)
}

// OnRedemptionFailure advances the dunning schedule for an automatic
// attempt, or stops at the final action when the schedule is exhausted.
// Manual attempts are recorded but leave the schedule untouched.
func (e *DunningEngine) OnRedemptionFailure(
	ctx context.Context,
	subscriptionID uuid.UUID,
	attempt *business.RedemptionAttempt,
) error {
	if attempt != nil && attempt.Manual {
		e.logger.Info("Manual retry failed, schedule unchanged",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("attempt_id", attempt.ID.String()))
		return nil
	}

	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.IsTerminal() {
		return nil
	}

	policy, err := e.store.GetDunningPolicy(ctx, sub.DunningPolicyID)
	if err != nil {
		return fmt.Errorf("failed to get dunning policy: %w", err)
	}

	// The failure being handled counts against the schedule: the Nth
	// consecutive failure under MaxRetryAttempts=N applies the final action
	// instead of scheduling attempt N+1.
	failureCount := sub.RetryCount + 1
	if failureCount >= policy.MaxRetryAttempts {
		applied, err := e.subscriptions.ApplyFinalAction(ctx, subscriptionID, policy.FinalAction, policy.FallbackAmountCents)
		if err != nil {
			return fmt.Errorf("failed to apply final action: %w", err)
		}
		if !applied {
			e.logger.Info("Final action already applied, skipping",
				zap.String("subscription_id", subscriptionID.String()))
		}
		return nil
	}

	retryAt := e.nextRetryTime(policy, failureCount)

	if err := e.subscriptions.ScheduleRetry(ctx, subscriptionID, retryAt); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}

	e.runAttemptActions(ctx, sub, policy, failureCount, &retryAt)

	e.logger.Info("Dunning retry scheduled",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int32("attempt_number", failureCount),
		zap.Int32("max_attempts", policy.MaxRetryAttempts),
		zap.Time("retry_at", retryAt))
	return nil
}

// OnDelegationRejected retires a subscription whose delegation the
// executor rejected outright: malformed bytes or a structural/policy
// violation. No retry schedule can fix that, so the subscription goes to
// expired instead of entering dunning. Already-terminal subscriptions are
// left alone.
func (e *DunningEngine) OnDelegationRejected(ctx context.Context, subscriptionID uuid.UUID, reason string) error {
	err := e.subscriptions.MarkExpired(ctx, subscriptionID, reason)
	var invalid *business.InvalidStateTransitionError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}

// ManualRetry lets the customer trigger an immediate retry while the
// subscription is past_due. The automatic schedule keeps its timing
// regardless of what this attempt does.
func (e *DunningEngine) ManualRetry(ctx context.Context, subscriptionID uuid.UUID) (*business.RedemptionAttempt, error) {
	sub, err := e.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if sub.Status != constants.SubscriptionStatusPastDue {
		return nil, &business.InvalidStateTransitionError{
			SubscriptionID: sub.ID, From: sub.Status, Intent: "manual_retry",
		}
	}

	policy, err := e.store.GetDunningPolicy(ctx, sub.DunningPolicyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dunning policy: %w", err)
	}
	if !policy.AllowCustomerRetry {
		return nil, fmt.Errorf("policy %q does not allow customer-initiated retries", policy.Name)
	}

	// The insert below is the authoritative guard; checking first turns a
	// racing click into a deterministic conflict instead of a unique-index
	// surprise.
	if _, err := e.store.GetOpenRedemptionAttempt(ctx, sub.ID); err == nil {
		return nil, db.ErrAttemptInFlight
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("failed to check open attempts: %w", err)
	}

	attempt := &business.RedemptionAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		AttemptNumber:  sub.RetryCount + 1,
		AmountCents:    chargeableAmount(sub),
		Status:         constants.AttemptStatusPending,
		IdempotencyKey: fmt.Sprintf("%s:manual:%s", sub.ID, uuid.New()),
		Manual:         true,
	}
	if err := e.store.CreateRedemptionAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	if err := e.queue.QueueRedemption(business.RedemptionTask{
		SubscriptionID: sub.ID,
		AttemptID:      attempt.ID,
		Manual:         true,
	}); err != nil {
		return nil, fmt.Errorf("failed to queue manual retry: %w", err)
	}

	e.logger.Info("Manual retry queued",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("attempt_id", attempt.ID.String()))
	return attempt, nil
}

// nextRetryTime reads the explicit per-attempt offset from the policy.
// Schedules shorter than the max attempt count reuse their last interval.
func (e *DunningEngine) nextRetryTime(policy *business.DunningPolicy, attemptNumber int32) time.Time {
	days := int32(1)
	if len(policy.RetryIntervalDays) > 0 {
		idx := int(attemptNumber) - 1
		if idx >= len(policy.RetryIntervalDays) {
			idx = len(policy.RetryIntervalDays) - 1
		}
		days = policy.RetryIntervalDays[idx]
	}
	retryAt := time.Now().Add(time.Duration(days) * 24 * time.Hour)
	if attemptNumber == 1 && policy.GracePeriodHours > 0 {
		retryAt = retryAt.Add(time.Duration(policy.GracePeriodHours) * time.Hour)
	}
	return retryAt
}

func (e *DunningEngine) runAttemptActions(
	ctx context.Context,
	sub *business.Subscription,
	policy *business.DunningPolicy,
	attemptNumber int32,
	nextRetryAt *time.Time,
) {
	action := policy.ActionsForAttempt(attemptNumber)
	for _, actionType := range action.Actions {
		switch actionType {
		case "retry_payment":
			// The retry is the schedule itself; the billing scheduler picks
			// the subscription up when NextRedemptionAt arrives.
		case "email":
			if e.emailService == nil {
				continue
			}
			if err := e.emailService.SendPaymentFailedEmail(ctx, sub.ID, attemptNumber, nextRetryAt); err != nil {
				e.logger.Error("Failed to send payment failed email",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err))
			}
		case "in_app":
			e.logger.Info("In-app dunning notification recorded",
				zap.String("subscription_id", sub.ID.String()),
				zap.Int32("attempt_number", attemptNumber))
		default:
			e.logger.Warn("Unknown dunning action",
				zap.String("action", actionType),
				zap.String("policy", policy.Name))
		}
	}
}

// chargeableAmount folds whole cents of accumulated proration carry into
// the cycle amount.
func chargeableAmount(sub *business.Subscription) int64 {
	return sub.AmountCents + sub.CarryMilliCents/1000
}
