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

// maxVersionRetries bounds how many times a transition is replayed when a
// concurrent writer advances the subscription version underneath it.
const maxVersionRetries = 3

// SubscriptionService is the single authority for subscription lifecycle
// transitions. Every status change flows through here so the transition
// rules live in one place; a request the current status does not permit
// comes back as *business.InvalidStateTransitionError, never coerced.
type SubscriptionService struct {
	store        db.Store
	calculator   IProrationCalculator
	emailService IEmailService
	queue        IRedemptionQueue
	logger       *zap.Logger
}

// NewSubscriptionService creates a new subscription service.
func NewSubscriptionService(store db.Store, emailService IEmailService, queue IRedemptionQueue) *SubscriptionService {
	return &SubscriptionService{
		store:        store,
		calculator:   NewProrationCalculator(),
		emailService: emailService,
		queue:        queue,
		logger:       zap.L(),
	}
}

// NewSubscriptionServiceWithDependencies creates a service with custom dependencies.
func NewSubscriptionServiceWithDependencies(
	store db.Store,
	calculator IProrationCalculator,
	emailService IEmailService,
	queue IRedemptionQueue,
	logger *zap.Logger,
) *SubscriptionService {
	if logger == nil {
		logger = zap.L()
	}
	return &SubscriptionService{
		store:        store,
		calculator:   calculator,
		emailService: emailService,
		queue:        queue,
		logger:       logger,
	}
}

// CreateSubscription stores the delegation payload and the subscription
// record, initializing the first billing period from now.
func (s *SubscriptionService) CreateSubscription(ctx context.Context, sub *business.Subscription, delegationData []byte) error {
	now := time.Now()

	sub.DelegationID = uuid.New()
	if err := s.store.CreateDelegation(ctx, sub.DelegationID, delegationData); err != nil {
		return fmt.Errorf("failed to store delegation: %w", err)
	}

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Status = constants.SubscriptionStatusActive
	sub.CurrentPeriodStart = now
	sub.CurrentPeriodEnd = s.calculator.AddBillingPeriod(now, sub.IntervalType, sub.IntervalCount)
	nextRedemption := sub.CurrentPeriodEnd
	sub.NextRedemptionAt = &nextRedemption

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Info("Subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int64("amount_cents", sub.AmountCents),
		zap.String("interval", sub.IntervalType))
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (s *SubscriptionService) GetSubscription(ctx context.Context, id uuid.UUID) (*business.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// GetSubscriptionHistory returns the most recent state transitions.
func (s *SubscriptionService) GetSubscriptionHistory(ctx context.Context, id uuid.UUID, limit int32) ([]business.StateChange, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListStateChanges(ctx, id, limit)
}

// UpgradeSubscription applies an amount increase immediately with proration.
// The customer is charged the prorated difference for the rest of the
// current period; any floored fraction rides in the carry for the next
// invoice.
func (s *SubscriptionService) UpgradeSubscription(
	ctx context.Context,
	subscriptionID uuid.UUID,
	newAmountCents int64,
	reason string,
) (*business.ProrationResult, error) {
	var (
		proration *business.ProrationResult
		oldAmount int64
	)

	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if err := guardTransition(sub, "upgrade", constants.SubscriptionStatusActive); err != nil {
			return err
		}
		if newAmountCents <= sub.AmountCents {
			return fmt.Errorf("upgrade requires a higher amount: current %d, requested %d", sub.AmountCents, newAmountCents)
		}

		oldAmount = sub.AmountCents
		proration = s.calculator.CalculateUpgradeProration(
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
			sub.AmountCents, newAmountCents, time.Now(),
		)

		sub.AmountCents = newAmountCents
		sub.CarryMilliCents += proration.RemainderMilliCents
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordStateChange(ctx, sub, "upgrade", sub.Status, sub.Status, oldAmount, newAmountCents, reason, "customer")

	if proration.ImmediateChargeCents > 0 {
		if err := s.chargeNow(ctx, sub, proration.ImmediateChargeCents); err != nil {
			s.logger.Error("Failed to queue proration charge",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Error(err))
		}
	}

	s.sendChangeEmail(ctx, subscriptionID, "upgrade", oldAmount, newAmountCents, proration.ImmediateChargeCents)

	s.logger.Info("Subscription upgraded",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int64("old_amount", oldAmount),
		zap.Int64("new_amount", newAmountCents),
		zap.Int64("proration_charge", proration.ImmediateChargeCents))

	return proration, nil
}

// DowngradeSubscription schedules an amount decrease for the end of the
// current period. Nothing changes on the subscription until the boundary;
// the customer keeps the current plan until then and no money moves.
func (s *SubscriptionService) DowngradeSubscription(
	ctx context.Context,
	subscriptionID uuid.UUID,
	newAmountCents int64,
	reason string,
) (*business.ScheduleChangeResult, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if err := guardTransition(sub, "downgrade", constants.SubscriptionStatusActive); err != nil {
		return nil, err
	}
	if newAmountCents >= sub.AmountCents {
		return nil, fmt.Errorf("downgrade requires a lower amount: current %d, requested %d", sub.AmountCents, newAmountCents)
	}

	result := s.calculator.ScheduleDowngrade(sub.CurrentPeriodEnd, "downgrade")

	change := &business.ScheduledChange{
		ID:             uuid.New(),
		SubscriptionID: subscriptionID,
		ChangeType:     "downgrade",
		ScheduledFor:   result.ScheduledFor,
		FromAmount:     sub.AmountCents,
		ToAmount:       newAmountCents,
		Status:         "scheduled",
		Reason:         reason,
	}
	if err := s.store.CreateScheduledChange(ctx, change); err != nil {
		return nil, fmt.Errorf("failed to create scheduled change: %w", err)
	}

	s.sendChangeEmail(ctx, subscriptionID, "downgrade", sub.AmountCents, newAmountCents, 0)

	s.logger.Info("Subscription downgrade scheduled",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Time("effective_date", result.ScheduledFor))

	return result, nil
}

// CancelSubscription cancels immediately or, by default, schedules the
// cancellation for the end of the billing period. Canceled is terminal.
func (s *SubscriptionService) CancelSubscription(
	ctx context.Context,
	subscriptionID uuid.UUID,
	reason string,
	immediate bool,
) error {
	var fromStatus string

	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if sub.IsTerminal() {
			return &business.InvalidStateTransitionError{
				SubscriptionID: sub.ID, From: sub.Status, Intent: "cancel",
			}
		}
		fromStatus = sub.Status

		if immediate {
			now := time.Now()
			sub.Status = constants.SubscriptionStatusCanceled
			sub.CanceledAt = &now
			sub.NextRedemptionAt = nil
			return nil
		}

		if sub.CancelAt != nil {
			return fmt.Errorf("subscription already scheduled for cancellation")
		}
		cancelAt := sub.CurrentPeriodEnd
		sub.CancelAt = &cancelAt
		return nil
	})
	if err != nil {
		return err
	}

	if immediate {
		s.recordStateChange(ctx, sub, "cancel", fromStatus, constants.SubscriptionStatusCanceled, sub.AmountCents, 0, reason, "customer")
	} else {
		change := &business.ScheduledChange{
			ID:             uuid.New(),
			SubscriptionID: subscriptionID,
			ChangeType:     "cancel",
			ScheduledFor:   *sub.CancelAt,
			FromAmount:     sub.AmountCents,
			Status:         "scheduled",
			Reason:         reason,
		}
		if err := s.store.CreateScheduledChange(ctx, change); err != nil {
			s.logger.Error("Failed to create cancellation schedule change",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Error(err))
		}
	}

	s.sendChangeEmail(ctx, subscriptionID, "cancel", sub.AmountCents, 0, 0)

	s.logger.Info("Subscription cancellation recorded",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("from_status", fromStatus),
		zap.Bool("immediate", immediate))

	return nil
}

// PauseSubscription pauses an active or past_due subscription now.
// PauseUntil, when set, gets an automatic resume scheduled at that
// instant; nil means the pause is open-ended and only a manual resume
// ends it. NextRedemptionAt is left in place so the resume can
// reconstruct how much of the cycle was still ahead.
func (s *SubscriptionService) PauseSubscription(
	ctx context.Context,
	subscriptionID uuid.UUID,
	pauseUntil *time.Time,
	reason string,
) error {
	now := time.Now()
	if pauseUntil != nil && !pauseUntil.After(now) {
		return fmt.Errorf("pause_until must be in the future")
	}

	var fromStatus string
	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if err := guardTransition(sub, "pause",
			constants.SubscriptionStatusActive, constants.SubscriptionStatusPastDue); err != nil {
			return err
		}
		fromStatus = sub.Status
		sub.Status = constants.SubscriptionStatusPaused
		sub.PausedAt = &now
		sub.PauseUntil = pauseUntil
		return nil
	})
	if err != nil {
		return err
	}

	if pauseUntil != nil {
		change := &business.ScheduledChange{
			ID:             uuid.New(),
			SubscriptionID: subscriptionID,
			ChangeType:     "resume",
			ScheduledFor:   *pauseUntil,
			FromAmount:     sub.AmountCents,
			ToAmount:       sub.AmountCents,
			Status:         "scheduled",
			Reason:         "Automatic resume after pause period",
		}
		if err := s.store.CreateScheduledChange(ctx, change); err != nil {
			s.logger.Error("Failed to schedule automatic resume",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Error(err))
		}
	}

	s.recordStateChange(ctx, sub, "pause", fromStatus, constants.SubscriptionStatusPaused, sub.AmountCents, sub.AmountCents, reason, "customer")
	s.sendChangeEmail(ctx, subscriptionID, "pause", sub.AmountCents, 0, 0)

	s.logger.Info("Subscription paused",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Timep("pause_until", pauseUntil))

	return nil
}

// ResumeSubscription resumes a paused subscription. The cycle time that
// was still ahead at pause is preserved: the next redemption lands that
// far after the resume instant, and the period end shifts by the paused
// duration. Resuming early (before pause_until) takes effect now. A pause
// taken mid-dunning resumes to past_due: the failed cycle is still owed
// and the retry schedule picks up where it left off.
func (s *SubscriptionService) ResumeSubscription(
	ctx context.Context,
	subscriptionID uuid.UUID,
	initiatedBy string,
) error {
	now := time.Now()

	var toStatus string
	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if err := guardTransition(sub, "resume", constants.SubscriptionStatusPaused); err != nil {
			return err
		}

		base := now
		if sub.PauseUntil != nil && sub.PauseUntil.Before(now) {
			base = *sub.PauseUntil
		}

		if sub.PausedAt != nil {
			pausedFor := base.Sub(*sub.PausedAt)
			if pausedFor < 0 {
				pausedFor = 0
			}
			sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.Add(pausedFor)
			if sub.NextRedemptionAt != nil {
				next := sub.NextRedemptionAt.Add(pausedFor)
				sub.NextRedemptionAt = &next
			}
		}
		if sub.NextRedemptionAt == nil {
			next := sub.CurrentPeriodEnd
			sub.NextRedemptionAt = &next
		}

		toStatus = constants.SubscriptionStatusActive
		if sub.RetryCount > 0 && !sub.FinalActionApplied {
			toStatus = constants.SubscriptionStatusPastDue
		}
		sub.Status = toStatus
		sub.PausedAt = nil
		sub.PauseUntil = nil
		return nil
	})
	if err != nil {
		return err
	}

	// A manual resume supersedes any pending automatic one.
	s.cancelPendingChanges(ctx, subscriptionID, "resume")

	s.recordStateChange(ctx, sub, "resume", constants.SubscriptionStatusPaused, toStatus, sub.AmountCents, sub.AmountCents, "Subscription resumed", initiatedBy)
	s.sendChangeEmail(ctx, subscriptionID, "resume", 0, sub.AmountCents, 0)

	s.logger.Info("Subscription resumed",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Timep("next_redemption_at", sub.NextRedemptionAt))

	return nil
}

// ReactivateSubscription removes a scheduled cancellation before it takes
// effect. Once the subscription is actually canceled this is no longer
// possible.
func (s *SubscriptionService) ReactivateSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if sub.IsTerminal() {
			return &business.InvalidStateTransitionError{
				SubscriptionID: sub.ID, From: sub.Status, Intent: "reactivate",
			}
		}
		if sub.CancelAt == nil {
			return fmt.Errorf("subscription is not scheduled for cancellation")
		}
		sub.CancelAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	s.cancelPendingChanges(ctx, subscriptionID, "cancel")
	s.sendChangeEmail(ctx, subscriptionID, "reactivate", sub.AmountCents, sub.AmountCents, 0)

	s.logger.Info("Subscription reactivated",
		zap.String("subscription_id", subscriptionID.String()))
	return nil
}

// PreviewChange shows the financial effect of a change without applying it.
// The figures come from the same calculator the real change uses.
func (s *SubscriptionService) PreviewChange(
	ctx context.Context,
	subscriptionID uuid.UUID,
	changeType string,
	newAmountCents int64,
) (*business.ChangePreview, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	preview := &business.ChangePreview{
		CurrentAmount: sub.AmountCents,
		NewAmount:     newAmountCents,
	}

	switch changeType {
	case "upgrade":
		proration := s.calculator.CalculateUpgradeProration(
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
			sub.AmountCents, newAmountCents, time.Now(),
		)
		preview.ProrationCredit = proration.CreditCents
		preview.ImmediateCharge = proration.ImmediateChargeCents
		preview.EffectiveDate = proration.EffectiveDate
		preview.ProrationDetails = proration
		preview.Message = s.calculator.FormatProrationExplanation(proration)
	case "downgrade", "cancel":
		result := s.calculator.ScheduleDowngrade(sub.CurrentPeriodEnd, changeType)
		preview.EffectiveDate = result.ScheduledFor
		preview.Message = result.Message
	default:
		return nil, fmt.Errorf("unknown change type: %s", changeType)
	}

	return preview, nil
}

// RecordRedemptionSuccess rolls the billing cycle forward after a confirmed
// redemption and clears the dunning counters. A past_due subscription
// recovers to active here.
func (s *SubscriptionService) RecordRedemptionSuccess(ctx context.Context, subscriptionID uuid.UUID) error {
	var fromStatus string

	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if err := guardTransition(sub, "record_redemption_success",
			constants.SubscriptionStatusActive, constants.SubscriptionStatusPastDue); err != nil {
			return err
		}
		fromStatus = sub.Status

		sub.CurrentPeriodStart = sub.CurrentPeriodEnd
		sub.CurrentPeriodEnd = s.calculator.AddBillingPeriod(sub.CurrentPeriodStart, sub.IntervalType, sub.IntervalCount)
		next := sub.CurrentPeriodEnd
		sub.NextRedemptionAt = &next

		sub.Status = constants.SubscriptionStatusActive
		sub.RetryCount = 0
		sub.FinalActionApplied = false

		// Whole cents of accumulated carry were folded into this charge;
		// keep only the sub-cent tail.
		sub.CarryMilliCents = sub.CarryMilliCents % 1000
		return nil
	})
	if err != nil {
		return err
	}

	if fromStatus == constants.SubscriptionStatusPastDue {
		s.recordStateChange(ctx, sub, "recover", fromStatus, constants.SubscriptionStatusActive, sub.AmountCents, sub.AmountCents, "Payment recovered", "system")
	}

	s.logger.Info("Billing cycle advanced",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Time("period_end", sub.CurrentPeriodEnd))
	return nil
}

// ScheduleRetry marks the subscription past_due and points the next
// redemption at the retry instant chosen by the dunning policy.
func (s *SubscriptionService) ScheduleRetry(ctx context.Context, subscriptionID uuid.UUID, retryAt time.Time) error {
	var fromStatus string

	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if err := guardTransition(sub, "schedule_retry",
			constants.SubscriptionStatusActive, constants.SubscriptionStatusPastDue); err != nil {
			return err
		}
		fromStatus = sub.Status
		sub.Status = constants.SubscriptionStatusPastDue
		sub.RetryCount++
		sub.NextRedemptionAt = &retryAt
		return nil
	})
	if err != nil {
		return err
	}

	if fromStatus == constants.SubscriptionStatusActive {
		s.recordStateChange(ctx, sub, "payment_failed", fromStatus, constants.SubscriptionStatusPastDue, sub.AmountCents, sub.AmountCents, "Redemption failed", "system")
	}

	s.logger.Info("Retry scheduled",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int32("retry_count", sub.RetryCount),
		zap.Time("retry_at", retryAt))
	return nil
}

// ApplyFinalAction applies a dunning policy's terminal action exactly once.
// The FinalActionApplied flag makes a second call a no-op even if the
// scheduler fires twice for the same exhausted subscription.
func (s *SubscriptionService) ApplyFinalAction(
	ctx context.Context,
	subscriptionID uuid.UUID,
	finalAction string,
	fallbackAmountCents int64,
) (bool, error) {
	applied := false

	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if sub.FinalActionApplied || sub.IsTerminal() {
			applied = false
			return nil
		}
		applied = true
		sub.FinalActionApplied = true

		switch finalAction {
		case constants.FinalActionCancel:
			now := time.Now()
			sub.Status = constants.SubscriptionStatusCanceled
			sub.CanceledAt = &now
			sub.NextRedemptionAt = nil
		case constants.FinalActionPause:
			now := time.Now()
			sub.Status = constants.SubscriptionStatusPaused
			sub.PausedAt = &now
		case constants.FinalActionDowngrade:
			if fallbackAmountCents <= 0 || fallbackAmountCents >= sub.AmountCents {
				return fmt.Errorf("invalid fallback amount %d for downgrade final action", fallbackAmountCents)
			}
			sub.AmountCents = fallbackAmountCents
			sub.Status = constants.SubscriptionStatusActive
			sub.RetryCount = 0
			next := sub.CurrentPeriodEnd
			sub.NextRedemptionAt = &next
		default:
			return fmt.Errorf("unknown final action: %s", finalAction)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	s.recordStateChange(ctx, sub, "final_action:"+finalAction, constants.SubscriptionStatusPastDue, sub.Status, sub.AmountCents, sub.AmountCents, "Dunning exhausted", "system")

	if s.emailService != nil {
		if err := s.emailService.SendFinalActionEmail(ctx, subscriptionID, finalAction); err != nil {
			s.logger.Error("Failed to send final action email",
				zap.String("subscription_id", subscriptionID.String()),
				zap.Error(err))
		}
	}

	s.logger.Warn("Final dunning action applied",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("final_action", finalAction))
	return true, nil
}

// MarkExpired retires a subscription whose delegation is no longer
// redeemable. Expired is terminal.
func (s *SubscriptionService) MarkExpired(ctx context.Context, subscriptionID uuid.UUID, reason string) error {
	var fromStatus string
	sub, err := s.updateWithRetry(ctx, subscriptionID, func(sub *business.Subscription) error {
		if sub.IsTerminal() {
			return &business.InvalidStateTransitionError{
				SubscriptionID: sub.ID, From: sub.Status, Intent: "expire",
			}
		}
		fromStatus = sub.Status
		sub.Status = constants.SubscriptionStatusExpired
		sub.NextRedemptionAt = nil
		return nil
	})
	if err != nil {
		return err
	}

	s.recordStateChange(ctx, sub, "expire", fromStatus, constants.SubscriptionStatusExpired, sub.AmountCents, sub.AmountCents, reason, "system")

	s.logger.Info("Subscription expired",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("reason", reason))
	return nil
}

// ProcessScheduledChanges executes all scheduled changes that have come
// due: downgrades, deferred cancellations, and automatic resumes.
func (s *SubscriptionService) ProcessScheduledChanges(ctx context.Context) error {
	changes, err := s.store.ListDueScheduledChanges(ctx, time.Now(), 100)
	if err != nil {
		return fmt.Errorf("failed to list due scheduled changes: %w", err)
	}

	for _, change := range changes {
		if err := s.store.UpdateScheduledChangeStatus(ctx, change.ID, "processing", ""); err != nil {
			s.logger.Error("Failed to claim scheduled change",
				zap.String("change_id", change.ID.String()),
				zap.Error(err))
			continue
		}

		var execErr error
		switch change.ChangeType {
		case "downgrade":
			execErr = s.executeDowngrade(ctx, change)
		case "cancel":
			execErr = s.executeCancellation(ctx, change)
		case "resume":
			execErr = s.ResumeSubscription(ctx, change.SubscriptionID, "system")
		default:
			execErr = fmt.Errorf("unknown change type: %s", change.ChangeType)
		}

		status := "completed"
		errMsg := ""
		if execErr != nil {
			// A transition the current status forbids means the change was
			// overtaken (manual resume, reactivation); complete it quietly.
			var invalid *business.InvalidStateTransitionError
			if errors.As(execErr, &invalid) {
				s.logger.Info("Scheduled change overtaken by state",
					zap.String("change_id", change.ID.String()),
					zap.String("status", invalid.From))
			} else {
				status = "failed"
				errMsg = execErr.Error()
				s.logger.Error("Failed to execute scheduled change",
					zap.String("change_id", change.ID.String()),
					zap.String("change_type", change.ChangeType),
					zap.Error(execErr))
			}
		}
		if err := s.store.UpdateScheduledChangeStatus(ctx, change.ID, status, errMsg); err != nil {
			s.logger.Error("Failed to finalize scheduled change",
				zap.String("change_id", change.ID.String()),
				zap.Error(err))
		}
	}
	return nil
}

func (s *SubscriptionService) executeDowngrade(ctx context.Context, change business.ScheduledChange) error {
	sub, err := s.updateWithRetry(ctx, change.SubscriptionID, func(sub *business.Subscription) error {
		if sub.IsTerminal() {
			return &business.InvalidStateTransitionError{
				SubscriptionID: sub.ID, From: sub.Status, Intent: "downgrade",
			}
		}
		sub.AmountCents = change.ToAmount
		return nil
	})
	if err != nil {
		return err
	}
	s.recordStateChange(ctx, sub, "downgrade", sub.Status, sub.Status, change.FromAmount, change.ToAmount, change.Reason, "system")
	return nil
}

func (s *SubscriptionService) executeCancellation(ctx context.Context, change business.ScheduledChange) error {
	var fromStatus string
	sub, err := s.updateWithRetry(ctx, change.SubscriptionID, func(sub *business.Subscription) error {
		if sub.IsTerminal() {
			return &business.InvalidStateTransitionError{
				SubscriptionID: sub.ID, From: sub.Status, Intent: "cancel",
			}
		}
		if sub.CancelAt == nil {
			// Reactivated after this change was recorded.
			return &business.InvalidStateTransitionError{
				SubscriptionID: sub.ID, From: sub.Status, Intent: "cancel",
			}
		}
		fromStatus = sub.Status
		now := time.Now()
		sub.Status = constants.SubscriptionStatusCanceled
		sub.CanceledAt = &now
		sub.NextRedemptionAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	s.recordStateChange(ctx, sub, "cancel", fromStatus, constants.SubscriptionStatusCanceled, change.FromAmount, 0, change.Reason, "system")
	return nil
}

// chargeNow creates a redemption attempt for an out-of-cycle charge and
// hands it to the processor. The one-in-flight guard applies: if a cycle
// redemption is open the proration charge is rejected.
func (s *SubscriptionService) chargeNow(ctx context.Context, sub *business.Subscription, amountCents int64) error {
	attempt := &business.RedemptionAttempt{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		AttemptNumber:  1,
		AmountCents:    amountCents,
		Status:         constants.AttemptStatusPending,
		IdempotencyKey: fmt.Sprintf("%s:proration:%d", sub.ID, sub.Version),
	}
	if err := s.store.CreateRedemptionAttempt(ctx, attempt); err != nil {
		return err
	}
	if s.queue == nil {
		return fmt.Errorf("no redemption queue configured")
	}
	return s.queue.QueueRedemption(business.RedemptionTask{
		SubscriptionID: sub.ID,
		AttemptID:      attempt.ID,
	})
}

func (s *SubscriptionService) cancelPendingChanges(ctx context.Context, subscriptionID uuid.UUID, changeType string) {
	changes, err := s.store.ListScheduledChanges(ctx, subscriptionID)
	if err != nil {
		s.logger.Error("Failed to list scheduled changes",
			zap.String("subscription_id", subscriptionID.String()),
			zap.Error(err))
		return
	}
	for _, change := range changes {
		if change.ChangeType == changeType && change.Status == "scheduled" {
			if err := s.store.UpdateScheduledChangeStatus(ctx, change.ID, "canceled", ""); err != nil {
				s.logger.Error("Failed to cancel scheduled change",
					zap.String("change_id", change.ID.String()),
					zap.Error(err))
			}
		}
	}
}

func (s *SubscriptionService) recordStateChange(
	ctx context.Context,
	sub *business.Subscription,
	intent, fromStatus, toStatus string,
	fromAmount, toAmount int64,
	reason, initiatedBy string,
) {
	change := &business.StateChange{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		Intent:         intent,
		FromStatus:     fromStatus,
		ToStatus:       toStatus,
		FromAmount:     fromAmount,
		ToAmount:       toAmount,
		Reason:         reason,
		InitiatedBy:    initiatedBy,
	}
	if err := s.store.RecordStateChange(ctx, change); err != nil {
		s.logger.Error("Failed to record state change",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(err))
	}
}

func (s *SubscriptionService) sendChangeEmail(
	ctx context.Context,
	subscriptionID uuid.UUID,
	changeType string,
	oldAmount, newAmount, prorationCents int64,
) {
	if s.emailService == nil {
		return
	}
	if err := s.emailService.SendSubscriptionChangeEmail(ctx, subscriptionID, changeType, oldAmount, newAmount, prorationCents); err != nil {
		s.logger.Error("Failed to send subscription change email",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("change_type", changeType),
			zap.Error(err))
	}
}

// updateWithRetry loads, mutates, and saves a subscription, replaying the
// mutation when another writer wins the version race. The mutation closure
// must be side-effect free so a replay is safe.
func (s *SubscriptionService) updateWithRetry(
	ctx context.Context,
	id uuid.UUID,
	mutate func(*business.Subscription) error,
) (*business.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		sub, err := s.store.GetSubscription(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get subscription: %w", err)
		}

		if err := mutate(sub); err != nil {
			return nil, err
		}

		err = s.store.UpdateSubscription(ctx, sub)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, db.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to update subscription: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("subscription %s: gave up after %d version conflicts: %w", id, maxVersionRetries, lastErr)
}

// guardTransition enforces the status machine: the intent is only legal
// from the listed statuses.
func guardTransition(sub *business.Subscription, intent string, allowed ...string) error {
	for _, status := range allowed {
		if sub.Status == status {
			return nil
		}
	}
	return &business.InvalidStateTransitionError{
		SubscriptionID: sub.ID,
		From:           sub.Status,
		Intent:         intent,
	}
}
