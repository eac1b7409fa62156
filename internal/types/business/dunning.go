package business

import "github.com/google/uuid"

// DunningPolicy configures the retry/escalation process after a failed
// redemption. The core reads policies; creating and editing them happens
// elsewhere.
type DunningPolicy struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	MaxRetryAttempts int32     `json:"max_retry_attempts"`

	// RetryIntervalDays holds explicit per-attempt offsets. Non-uniform
	// backoff is configuration, never computed.
	RetryIntervalDays []int32 `json:"retry_interval_days"`

	AttemptActions []AttemptAction `json:"attempt_actions"`

	// FinalAction is applied exactly once when retries are exhausted:
	// cancel, pause, or downgrade.
	FinalAction string `json:"final_action"`

	// FallbackAmountCents is the plan amount applied when FinalAction is
	// downgrade.
	FallbackAmountCents int64 `json:"fallback_amount_cents,omitempty"`

	GracePeriodHours   int32 `json:"grace_period_hours"`
	AllowCustomerRetry bool  `json:"allow_customer_retry"`
}

// AttemptAction lists the notification/side actions to run alongside a
// specific retry attempt.
type AttemptAction struct {
	Attempt int32    `json:"attempt"`
	Actions []string `json:"actions"` // retry_payment, email, in_app
}

// ActionsForAttempt returns the configured actions for the given attempt
// number, defaulting to a bare payment retry when none are configured.
func (p *DunningPolicy) ActionsForAttempt(attempt int32) AttemptAction {
	for _, a := range p.AttemptActions {
		if a.Attempt == attempt {
			return a
		}
	}
	return AttemptAction{Attempt: attempt, Actions: []string{"retry_payment"}}
}
