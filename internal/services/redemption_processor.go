package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/delegation"
	"github.com/meridianpay/meridian-api/internal/logger"
	"github.com/meridianpay/meridian-api/internal/redemption"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// usdcUnitsPerCent converts integer cents to 6-decimal token units.
const usdcUnitsPerCent = 10_000

// RedemptionProcessor drains redemption tasks through a fixed worker pool.
// A circuit breaker guards the relay: after enough consecutive
// availability failures new tasks are parked until a health probe sees
// the relay come back.
type RedemptionProcessor struct {
	tasks       chan business.RedemptionTask
	store       db.Store
	executor    redemption.Executor
	dunning     *DunningEngine
	chainID     uint64
	workerCount int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	mu                  sync.Mutex
	circuitOpen         bool
	consecutiveFailures int
	failureThreshold    int
	resetTimeout        time.Duration
	lastFailureTime     time.Time
	pendingTasks        []business.RedemptionTask
}

// NewRedemptionProcessor creates a new redemption processor with the given
// number of workers and queue buffer size.
func NewRedemptionProcessor(
	store db.Store,
	executor redemption.Executor,
	dunning *DunningEngine,
	chainID uint64,
	workerCount int,
	bufferSize int,
) *RedemptionProcessor {
	ctx, cancel := context.WithCancel(context.Background())

	return &RedemptionProcessor{
		tasks:            make(chan business.RedemptionTask, bufferSize),
		store:            store,
		executor:         executor,
		dunning:          dunning,
		chainID:          chainID,
		workerCount:      workerCount,
		ctx:              ctx,
		cancel:           cancel,
		failureThreshold: 3,
		resetTimeout:     5 * time.Minute,
		pendingTasks:     make([]business.RedemptionTask, 0),
	}
}

// SetDunningEngine wires the engine after construction. The processor and
// the engine reference each other; the processor is built first.
func (rp *RedemptionProcessor) SetDunningEngine(engine *DunningEngine) {
	rp.dunning = engine
}

// Start launches the worker pool and the relay health monitor.
func (rp *RedemptionProcessor) Start() {
	logger.Info("Starting redemption processor", zap.Int("worker_count", rp.workerCount))

	go rp.monitorRelayHealth()

	for i := 0; i < rp.workerCount; i++ {
		workerID := i
		rp.wg.Add(1)

		go func() {
			defer rp.wg.Done()
			logger.Debug("Redemption worker started", zap.Int("worker_id", workerID))

			for {
				select {
				case <-rp.ctx.Done():
					logger.Debug("Redemption worker stopped", zap.Int("worker_id", workerID))
					return
				case task := <-rp.tasks:
					if err := rp.processRedemption(task); err != nil {
						logger.Error("Failed to process redemption",
							zap.Error(err),
							zap.String("subscription_id", task.SubscriptionID.String()),
						)
					}
				}
			}
		}()
	}
}

// Stop drains the workers and stops accepting work.
func (rp *RedemptionProcessor) Stop() {
	logger.Info("Stopping redemption processor")
	rp.cancel()
	rp.wg.Wait()
	logger.Info("Redemption processor stopped")
}

// QueueRedemption adds a redemption task to the queue. With the circuit
// open the task is parked and replayed after the relay recovers.
func (rp *RedemptionProcessor) QueueRedemption(task business.RedemptionTask) error {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.circuitOpen {
		logger.Info("Circuit breaker open, storing task for later",
			zap.String("subscription_id", task.SubscriptionID.String()),
		)
		rp.pendingTasks = append(rp.pendingTasks, task)
		return nil
	}

	select {
	case rp.tasks <- task:
		logger.Debug("Redemption task queued",
			zap.String("subscription_id", task.SubscriptionID.String()),
		)
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("redemption queue is full, try again later")
	}
}

func (rp *RedemptionProcessor) processRedemption(task business.RedemptionTask) error {
	ctx, cancel := context.WithTimeout(rp.ctx, redemption.DefaultFullFlowTimeout)
	defer cancel()

	if err := rp.executor.HealthCheck(ctx); err != nil {
		logger.Warn("Relay unavailable, incrementing failure counter",
			zap.Error(err),
			zap.String("subscription_id", task.SubscriptionID.String()),
		)

		rp.mu.Lock()
		rp.consecutiveFailures++
		rp.lastFailureTime = time.Now()
		if rp.consecutiveFailures >= rp.failureThreshold && !rp.circuitOpen {
			logger.Warn("Opening circuit breaker due to consecutive failures",
				zap.Int("failure_count", rp.consecutiveFailures),
				zap.Int("threshold", rp.failureThreshold),
			)
			rp.circuitOpen = true
		}
		rp.pendingTasks = append(rp.pendingTasks, task)
		rp.mu.Unlock()

		return fmt.Errorf("relay unavailable: %w", err)
	}

	rp.mu.Lock()
	if rp.consecutiveFailures > 0 {
		rp.consecutiveFailures = 0
		logger.Info("Reset consecutive failures counter, relay is available")
	}
	rp.mu.Unlock()

	attempt, err := rp.store.GetRedemptionAttempt(ctx, task.AttemptID)
	if err != nil {
		return fmt.Errorf("failed to get redemption attempt: %w", err)
	}
	if attempt.Status != constants.AttemptStatusPending {
		// Already handled, e.g. a requeued duplicate after a breaker reset.
		logger.Info("Skipping non-pending attempt",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("status", attempt.Status))
		return nil
	}

	sub, err := rp.store.GetSubscription(ctx, task.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	delegationData, err := rp.store.GetDelegationData(ctx, sub.DelegationID)
	if err != nil {
		return fmt.Errorf("failed to get delegation data: %w", err)
	}

	now := time.Now()
	attempt.Status = constants.AttemptStatusSubmitted
	attempt.SubmittedAt = &now
	if err := rp.store.UpdateRedemptionAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to mark attempt submitted: %w", err)
	}

	result, err := rp.executor.Redeem(ctx, redemption.Request{
		DelegationData:       delegationData,
		MerchantAddress:      sub.MerchantAddress,
		TokenContractAddress: sub.TokenContractAddress,
		Amount:               tokenUnitsFromCents(attempt.AmountCents),
		IdempotencyKey:       attempt.IdempotencyKey,
		FeeTier:              attempt.FeeTier,
		ChainID:              rp.chainID,
	})
	if err != nil {
		return rp.handleRedemptionError(ctx, attempt, err)
	}

	confirmedAt := time.Now()
	attempt.Status = constants.AttemptStatusConfirmed
	attempt.SubmissionID = result.SubmissionID
	attempt.TransactionHash = result.TransactionHash
	attempt.ConfirmedAt = &confirmedAt
	if err := rp.store.UpdateRedemptionAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to mark attempt confirmed: %w", err)
	}

	if rp.dunning != nil {
		if err := rp.dunning.OnRedemptionSuccess(ctx, sub.ID); err != nil {
			logger.Error("Failed to advance billing cycle after redemption",
				zap.Error(err),
				zap.String("subscription_id", sub.ID.String()))
		}
	}

	logger.Info("Redemption confirmed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("transaction_hash", result.TransactionHash),
		zap.Bool("simulated", result.Simulated))
	return nil
}

// handleRedemptionError resolves a failed Redeem call. A timeout is
// indeterminate: the transfer may still land, so the attempt stays
// submitted and the reconciler settles it against the relay receipt.
// Everything else is a definitive failure handed to dunning.
func (rp *RedemptionProcessor) handleRedemptionError(
	ctx context.Context,
	attempt *business.RedemptionAttempt,
	redeemErr error,
) error {
	var redErr *redemption.Error
	if errors.As(redeemErr, &redErr) && redErr.Indeterminate() {
		attempt.SubmissionID = redErr.SubmissionID
		if err := rp.store.UpdateRedemptionAttempt(ctx, attempt); err != nil {
			logger.Error("Failed to store submission id on timed-out attempt",
				zap.Error(err),
				zap.String("attempt_id", attempt.ID.String()))
		}
		logger.Warn("Redemption outcome indeterminate, leaving attempt for reconciliation",
			zap.String("attempt_id", attempt.ID.String()),
			zap.String("submission_id", redErr.SubmissionID))
		return nil
	}

	attempt.Status = constants.AttemptStatusFailed
	attempt.FailureReason = redeemErr.Error()
	if errors.As(redeemErr, &redErr) {
		attempt.SubmissionID = redErr.SubmissionID
	}
	if err := rp.store.UpdateRedemptionAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to mark attempt failed: %w", err)
	}

	if rp.dunning != nil {
		subID := attempt.SubscriptionID
		if delegationRejected(redeemErr) {
			// The stored delegation itself is unusable; no retry schedule
			// can fix it. The subscription is retired instead of dunned.
			if err := rp.dunning.OnDelegationRejected(ctx, subID, redeemErr.Error()); err != nil {
				logger.Error("Failed to expire subscription with rejected delegation",
					zap.Error(err),
					zap.String("subscription_id", subID.String()))
			}
		} else if err := rp.dunning.OnRedemptionFailure(ctx, subID, attempt); err != nil {
			logger.Error("Failed to run dunning on redemption failure",
				zap.Error(err),
				zap.String("subscription_id", subID.String()))
		}
	}

	return fmt.Errorf("redemption failed: %w", redeemErr)
}

// delegationRejected reports whether the executor refused the delegation
// payload itself: malformed bytes or a structural/policy violation.
func delegationRejected(err error) bool {
	var decodeErr *delegation.DecodeError
	var validationErr *delegation.ValidationError
	return errors.As(err, &decodeErr) || errors.As(err, &validationErr)
}

// monitorRelayHealth probes the relay while the circuit is open and
// requeues parked tasks once it answers again.
func (rp *RedemptionProcessor) monitorRelayHealth() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-ticker.C:
			rp.mu.Lock()
			open := rp.circuitOpen
			sinceLastFailure := time.Since(rp.lastFailureTime)
			rp.mu.Unlock()

			if !open {
				continue
			}
			if sinceLastFailure < rp.resetTimeout {
				continue
			}

			ctx, cancel := context.WithTimeout(rp.ctx, 10*time.Second)
			err := rp.executor.HealthCheck(ctx)
			cancel()
			if err != nil {
				logger.Debug("Relay still unavailable", zap.Error(err))
				rp.mu.Lock()
				rp.lastFailureTime = time.Now()
				rp.mu.Unlock()
				continue
			}

			logger.Info("Relay is available, resetting circuit breaker")
			rp.mu.Lock()
			rp.circuitOpen = false
			rp.consecutiveFailures = 0
			parked := rp.pendingTasks
			rp.pendingTasks = make([]business.RedemptionTask, 0)
			rp.mu.Unlock()

			for _, task := range parked {
				logger.Info("Requeuing pending task after circuit breaker reset",
					zap.String("subscription_id", task.SubscriptionID.String()),
				)
				if err := rp.QueueRedemption(task); err != nil {
					logger.Error("Failed to requeue parked task",
						zap.Error(err),
						zap.String("subscription_id", task.SubscriptionID.String()))
				}
			}
		}
	}
}

func tokenUnitsFromCents(cents int64) *big.Int {
	units := new(big.Int).SetInt64(cents)
	return units.Mul(units, big.NewInt(usdcUnitsPerCent))
}
