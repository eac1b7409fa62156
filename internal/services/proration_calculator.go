package services

import (
	"time"

	"github.com/meridianpay/meridian-api/internal/types/business"
)

// ProrationCalculator handles all proration arithmetic for subscription
// changes. Amounts are integer cents rounded DOWN within a cycle; the
// fractional part is returned in milli-cents so the caller can carry it
// into the next invoice line instead of dropping it.
type ProrationCalculator struct{}

// NewProrationCalculator creates a new proration calculator.
func NewProrationCalculator() *ProrationCalculator {
	return &ProrationCalculator{}
}

// CalculateUpgradeProration computes the credit and immediate charge for an
// upgrade taking effect at changeDate. The immediate charge never goes
// negative; a change where the credit exceeds the new charge owes nothing
// now and the difference rides in the remainder.
func (pc *ProrationCalculator) CalculateUpgradeProration(
	currentPeriodStart, currentPeriodEnd time.Time,
	oldAmountCents, newAmountCents int64,
	changeDate time.Time,
) *business.ProrationResult {
	totalDays := pc.DaysBetween(currentPeriodStart, currentPeriodEnd)
	usedDays := pc.DaysBetween(currentPeriodStart, changeDate)
	remainingDays := totalDays - usedDays

	if remainingDays < 0 {
		remainingDays = 0
	}
	if usedDays > totalDays {
		usedDays = totalDays
	}
	if totalDays <= 0 {
		return &business.ProrationResult{EffectiveDate: changeDate}
	}

	rem := int64(remainingDays)
	total := int64(totalDays)

	// Floor division keeps every intermediate in integer cents. The exact
	// values in milli-cents let us measure what the floors dropped.
	creditCents := oldAmountCents * rem / total
	chargeCents := newAmountCents * rem / total
	creditExactMilli := oldAmountCents * rem * 1000 / total
	chargeExactMilli := newAmountCents * rem * 1000 / total

	immediate := chargeCents - creditCents
	if immediate < 0 {
		immediate = 0
	}

	// Signed: positive means the customer was undercharged by that many
	// milli-cents this cycle, negative means under-credited.
	remainder := (chargeExactMilli - creditExactMilli) - immediate*1000

	return &business.ProrationResult{
		CreditCents:          creditCents,
		ImmediateChargeCents: immediate,
		EffectiveDate:        changeDate,
		DaysTotal:            totalDays,
		DaysUsed:             usedDays,
		DaysRemaining:        remainingDays,
		RemainderMilliCents:  remainder,
	}
}

// CalculateUnusedCredit computes the credit for the unused remainder of the
// period, with no offsetting charge. Used for pause credits and refunds.
func (pc *ProrationCalculator) CalculateUnusedCredit(
	currentPeriodStart, currentPeriodEnd time.Time,
	amountCents int64,
	asOf time.Time,
) *business.ProrationResult {
	totalDays := pc.DaysBetween(currentPeriodStart, currentPeriodEnd)
	usedDays := pc.DaysBetween(currentPeriodStart, asOf)
	remainingDays := totalDays - usedDays

	if remainingDays < 0 {
		remainingDays = 0
	}
	if totalDays <= 0 {
		return &business.ProrationResult{EffectiveDate: asOf}
	}

	rem := int64(remainingDays)
	total := int64(totalDays)
	creditCents := amountCents * rem / total
	creditExactMilli := amountCents * rem * 1000 / total

	return &business.ProrationResult{
		CreditCents:         creditCents,
		EffectiveDate:       asOf,
		DaysTotal:           totalDays,
		DaysUsed:            usedDays,
		DaysRemaining:       remainingDays,
		RemainderMilliCents: creditExactMilli - creditCents*1000,
	}
}

// ScheduleDowngrade defers a downgrade or cancellation to the end of the
// current period. No money moves now; the customer keeps the current plan
// until the boundary.
func (pc *ProrationCalculator) ScheduleDowngrade(
	currentPeriodEnd time.Time,
	changeType string,
) *business.ScheduleChangeResult {
	message := ""
	switch changeType {
	case "downgrade":
		message = "Downgrade scheduled for end of billing period. You'll continue with current plan until then."
	case "cancel":
		message = "Cancellation scheduled for end of billing period. You'll have access until then."
	default:
		message = "Change scheduled for end of billing period."
	}

	return &business.ScheduleChangeResult{
		ScheduledFor: currentPeriodEnd,
		ChangeType:   changeType,
		NoProration:  true,
		Message:      message,
	}
}

// DaysBetween calculates the number of whole days between two dates,
// normalized to the beginning of each day.
func (pc *ProrationCalculator) DaysBetween(start, end time.Time) int {
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
	end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, end.Location())

	days := int(end.Sub(start).Hours() / 24)
	if days == 0 && !start.Equal(end) {
		days = 1
	}
	return days
}

// AddBillingPeriod advances a date by one billing interval.
func (pc *ProrationCalculator) AddBillingPeriod(start time.Time, intervalType string, intervalCount int) time.Time {
	switch intervalType {
	case "daily":
		return start.AddDate(0, 0, intervalCount)
	case "weekly":
		return start.AddDate(0, 0, 7*intervalCount)
	case "monthly":
		return start.AddDate(0, intervalCount, 0)
	case "yearly":
		return start.AddDate(intervalCount, 0, 0)
	default:
		return start.AddDate(0, intervalCount, 0)
	}
}

// FormatProrationExplanation creates a human-readable explanation of the
// proration for preview responses.
func (pc *ProrationCalculator) FormatProrationExplanation(result *business.ProrationResult) string {
	if result.ImmediateChargeCents > 0 {
		return "You'll be charged for the upgraded service for the remainder of your billing period."
	}
	if result.CreditCents > 0 {
		return "Your unused time covers the change; no additional charge now."
	}
	return "No additional charge for this change."
}
