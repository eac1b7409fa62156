package business

import (
	"time"

	"github.com/google/uuid"
)

// RedemptionAttempt is one try at converting a subscription's due cycle into
// an on-chain transfer. At most one attempt per subscription may be open
// (pending or submitted) at any instant; a confirmed attempt is terminal and
// never retried.
type RedemptionAttempt struct {
	ID             uuid.UUID `json:"id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	AttemptNumber  int32     `json:"attempt_number"`
	AmountCents    int64     `json:"amount_cents"`
	FeeTier        string    `json:"fee_tier"`
	Status         string    `json:"status"` // pending, submitted, confirmed, failed

	// IdempotencyKey tags the relay submission so a resubmission after a
	// transient network error cannot double-spend.
	IdempotencyKey string `json:"idempotency_key"`

	// SubmissionID is the relay's handle for the submitted execution. A
	// timed-out attempt keeps it so reconciliation can fetch the receipt.
	SubmissionID string `json:"submission_id,omitempty"`

	TransactionHash string `json:"transaction_hash,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`

	// Manual attempts are customer-initiated; their failures neither reset
	// nor advance the automatic dunning schedule.
	Manual bool `json:"manual"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsOpen reports whether the attempt still occupies the per-subscription
// in-flight slot.
func (a *RedemptionAttempt) IsOpen() bool {
	return a.Status == "pending" || a.Status == "submitted"
}

// RedemptionTask is a unit of work for the redemption worker pool.
type RedemptionTask struct {
	SubscriptionID uuid.UUID              `json:"subscription_id"`
	AttemptID      uuid.UUID              `json:"attempt_id"`
	Manual         bool                   `json:"manual"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
