package redemption

import "fmt"

// Kind classifies redemption failures. The executor never retries
// internally; the kind tells the dunning scheduler what it may do.
type Kind string

const (
	// KindValidation: a precondition failed before any network call. Fatal.
	KindValidation Kind = "validation"

	// KindAuthorizationMismatch: the delegation's delegate is not this
	// executor's operating address. Fatal and never retried; retrying
	// cannot fix a wrong authorization. Logged as security-relevant.
	KindAuthorizationMismatch Kind = "authorization_mismatch"

	// KindNetwork: the relay was unreachable. Retryable per dunning policy.
	KindNetwork Kind = "network"

	// KindTimeout: the outcome is unknown. Must be reconciled against
	// on-chain state before any retry decision.
	KindTimeout Kind = "timeout"

	// KindInsufficientFunds: the delegator's account cannot cover the
	// transfer. Retryable, surfaced distinctly since it may require
	// customer action.
	KindInsufficientFunds Kind = "insufficient_funds"

	// KindInsufficientGas: execution fees could not be covered. Retryable,
	// may require merchant action.
	KindInsufficientGas Kind = "insufficient_gas"

	// KindExecution: the relay accepted the submission but on-chain
	// execution reverted (e.g. a caveat rejected the transfer).
	KindExecution Kind = "execution"
)

// Error is a typed redemption failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// SubmissionID is set when the relay accepted the payload before the
	// failure, so a reconciliation pass can look the submission up.
	SubmissionID string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("redemption failed (%s): %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("redemption failed (%s): %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the dunning scheduler may retry this failure.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindInsufficientFunds, KindInsufficientGas, KindExecution:
		return true
	default:
		return false
	}
}

// Indeterminate reports whether the outcome is unknown. An indeterminate
// failure must be reconciled before the dunning scheduler is allowed to act.
func (e *Error) Indeterminate() bool {
	return e.Kind == KindTimeout
}
