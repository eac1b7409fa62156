package business

import "time"

// ProrationResult contains the result of a proration calculation. All
// amounts are integer cents, rounded down within the cycle; the fractional
// remainder is carried in RemainderMilliCents and reconciled into the next
// invoice line rather than dropped.
type ProrationResult struct {
	CreditCents          int64     `json:"credit_cents"`
	ImmediateChargeCents int64     `json:"immediate_charge_cents"`
	EffectiveDate        time.Time `json:"effective_date"`
	DaysTotal            int       `json:"days_total"`
	DaysUsed             int       `json:"days_used"`
	DaysRemaining        int       `json:"days_remaining"`
	RemainderMilliCents  int64     `json:"remainder_milli_cents"`
}

// ScheduleChangeResult contains information about a change deferred to the
// period boundary.
type ScheduleChangeResult struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	ChangeType   string    `json:"change_type"`
	NoProration  bool      `json:"no_proration"`
	Message      string    `json:"message"`
}
