package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// Local interfaces so service constructors can take mocks in tests.

// IProrationCalculator handles proration calculations for subscription changes
type IProrationCalculator interface {
	CalculateUpgradeProration(currentPeriodStart, currentPeriodEnd time.Time, oldAmountCents, newAmountCents int64, changeDate time.Time) *business.ProrationResult
	CalculateUnusedCredit(currentPeriodStart, currentPeriodEnd time.Time, amountCents int64, asOf time.Time) *business.ProrationResult
	ScheduleDowngrade(currentPeriodEnd time.Time, changeType string) *business.ScheduleChangeResult
	FormatProrationExplanation(result *business.ProrationResult) string
	AddBillingPeriod(start time.Time, intervalType string, intervalCount int) time.Time
	DaysBetween(start, end time.Time) int
}

// IEmailService handles customer notification sending. Implementations must
// tolerate failure: notification errors are logged, never propagated into
// billing outcomes.
type IEmailService interface {
	SendSubscriptionChangeEmail(ctx context.Context, subscriptionID uuid.UUID, changeType string, oldAmountCents, newAmountCents, prorationCents int64) error
	SendPaymentFailedEmail(ctx context.Context, subscriptionID uuid.UUID, attemptNumber int32, nextRetryAt *time.Time) error
	SendFinalActionEmail(ctx context.Context, subscriptionID uuid.UUID, finalAction string) error
}

// IRedemptionQueue accepts redemption work for asynchronous execution.
type IRedemptionQueue interface {
	QueueRedemption(task business.RedemptionTask) error
}
