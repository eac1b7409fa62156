package constants

// Stage constants define the possible deployment/runtime environments.
const (
	StageProd  = "prod"
	StageDev   = "dev"
	StageLocal = "local"
)

// Subscription statuses. Exactly one holds at any time.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPaused   = "paused"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
	SubscriptionStatusExpired  = "expired"
)

// Redemption attempt statuses.
const (
	AttemptStatusPending   = "pending"
	AttemptStatusSubmitted = "submitted"
	AttemptStatusConfirmed = "confirmed"
	AttemptStatusFailed    = "failed"
)

// Dunning final actions.
const (
	FinalActionCancel    = "cancel"
	FinalActionPause     = "pause"
	FinalActionDowngrade = "downgrade"
)

// Execution modes for the redemption executor. Selected once at startup.
const (
	ExecutionModeLive     = "live"
	ExecutionModeSimulate = "simulate"
)

const (
	// ZeroAddress is the canonical zero address, never a valid merchant or token target.
	ZeroAddress = "0x0000000000000000000000000000000000000000"

	USDCurrency = "USD"
)
