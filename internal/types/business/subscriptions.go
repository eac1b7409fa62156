package business

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subscription is the canonical billing relationship record. All mutation
// goes through the state machine's transition methods; concurrent writers
// are serialized by the Version field (optimistic concurrency, checked on
// every update).
type Subscription struct {
	ID           uuid.UUID `json:"id"`
	CustomerID   uuid.UUID `json:"customer_id"`
	DelegationID uuid.UUID `json:"delegation_id"`

	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	// On-chain routing for each cycle's redemption.
	MerchantAddress      string `json:"merchant_address"`
	TokenContractAddress string `json:"token_contract_address"`

	IntervalType  string `json:"interval_type"` // daily, weekly, monthly, yearly
	IntervalCount int    `json:"interval_count"`

	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	NextRedemptionAt   *time.Time `json:"next_redemption_at,omitempty"`

	// Pause metadata. PauseUntil is nil for an open-ended pause.
	PausedAt   *time.Time `json:"paused_at,omitempty"`
	PauseUntil *time.Time `json:"pause_until,omitempty"`

	// Cancellation metadata. CancelAt, when set, is always >= CurrentPeriodEnd.
	CancelAt   *time.Time `json:"cancel_at,omitempty"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`

	DunningPolicyID uuid.UUID `json:"dunning_policy_id"`

	// Retry bookkeeping since the last successful redemption.
	RetryCount         int32 `json:"retry_count"`
	FinalActionApplied bool  `json:"final_action_applied"`

	// Fractional cents dropped by floor proration, carried into the next
	// invoice line. Milli-cents so nothing is silently lost.
	CarryMilliCents int64 `json:"carry_milli_cents"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the subscription is in a terminal state.
// No transition leaves canceled or expired.
func (s *Subscription) IsTerminal() bool {
	return s.Status == "canceled" || s.Status == "expired"
}

// ScheduledChange is a pending mutation recorded against a subscription,
// applied by the billing processor when ScheduledFor arrives. Downgrades and
// deferred cancellations travel through here; upgrades never do.
type ScheduledChange struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	ChangeType     string    `json:"change_type"` // downgrade, cancel, resume
	ScheduledFor   time.Time `json:"scheduled_for"`
	FromAmount     int64     `json:"from_amount_cents"`
	ToAmount       int64     `json:"to_amount_cents"`
	Status         string    `json:"status"` // scheduled, processing, completed, failed, canceled
	Reason         string    `json:"reason,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StateChange is one entry in a subscription's transition history.
type StateChange struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Intent         string    `json:"intent"`
	FromStatus     string    `json:"from_status"`
	ToStatus       string    `json:"to_status"`
	FromAmount     int64     `json:"from_amount_cents"`
	ToAmount       int64     `json:"to_amount_cents"`
	Reason         string    `json:"reason,omitempty"`
	InitiatedBy    string    `json:"initiated_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChangePreview shows what will happen with a subscription change without
// applying it. The proration figures are exactly those the real change
// would produce.
type ChangePreview struct {
	CurrentAmount    int64            `json:"current_amount"`
	NewAmount        int64            `json:"new_amount"`
	ProrationCredit  int64            `json:"proration_credit,omitempty"`
	ImmediateCharge  int64            `json:"immediate_charge,omitempty"`
	EffectiveDate    time.Time        `json:"effective_date"`
	ProrationDetails *ProrationResult `json:"proration_details,omitempty"`
	Message          string           `json:"message"`
}

// InvalidStateTransitionError is returned when a transition is requested
// that the current status does not permit. It is never swallowed: callers
// surface it rather than coercing state.
type InvalidStateTransitionError struct {
	SubscriptionID uuid.UUID
	From           string
	Intent         string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: cannot %s subscription %s in status %s",
		e.Intent, e.SubscriptionID, e.From)
}
