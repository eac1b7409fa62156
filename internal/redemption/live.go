package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/meridianpay/meridian-api/internal/client/relay"
	"github.com/meridianpay/meridian-api/internal/delegation"
	"github.com/meridianpay/meridian-api/internal/logger"
	"github.com/meridianpay/meridian-api/internal/types/business"
	"go.uber.org/zap"
)

// executionPayload is the authorized-execution envelope the relay submits
// atomically: the delegation chain plus the single call it authorizes.
type executionPayload struct {
	Delegations []business.Delegation `json:"delegations"`
	Execution   executionCall         `json:"execution"`
}

type executionCall struct {
	Target   string `json:"target"`
	Value    string `json:"value"`
	CallData string `json:"callData"`
}

// LiveExecutor redeems delegations through the execution relay.
type LiveExecutor struct {
	relay           *relay.Client
	operatorAddress string
	policy          delegation.Policy
	confirmTimeout  time.Duration
	log             *zap.Logger
}

// LiveExecutorConfig configures a LiveExecutor.
type LiveExecutorConfig struct {
	Relay           *relay.Client
	OperatorAddress string
	Policy          delegation.Policy
	ConfirmTimeout  time.Duration
}

// NewLiveExecutor creates an executor backed by the execution relay.
func NewLiveExecutor(config LiveExecutorConfig) (*LiveExecutor, error) {
	if config.Relay == nil {
		return nil, fmt.Errorf("relay client is required")
	}
	if config.OperatorAddress == "" {
		return nil, fmt.Errorf("operator address is required")
	}
	timeout := config.ConfirmTimeout
	if timeout == 0 {
		timeout = DefaultConfirmTimeout
	}
	return &LiveExecutor{
		relay:           config.Relay,
		operatorAddress: config.OperatorAddress,
		policy:          config.Policy,
		confirmTimeout:  timeout,
		log:             logger.Log,
	}, nil
}

// OperatorAddress returns the address this executor redeems as.
func (e *LiveExecutor) OperatorAddress() string { return e.operatorAddress }

// HealthCheck reports relay reachability.
func (e *LiveExecutor) HealthCheck(ctx context.Context) error {
	return e.relay.HealthCheck(ctx)
}

// Redeem builds, submits and awaits one authorized asset transfer.
func (e *LiveExecutor) Redeem(ctx context.Context, req Request) (*Result, error) {
	d, err := validateRequest(req, e.operatorAddress, e.policy)
	if err != nil {
		var redemptionErr *Error
		if errors.As(err, &redemptionErr) && redemptionErr.Kind == KindAuthorizationMismatch {
			// Security-relevant: someone asked us to redeem an authorization
			// granted to a different operator.
			e.log.Warn("authorization mismatch on redemption request",
				zap.String("merchant_address", req.MerchantAddress),
				zap.String("idempotency_key", req.IdempotencyKey),
			)
		}
		return nil, err
	}

	callData, err := encodeTransferCall(req.MerchantAddress, req.Amount)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "failed to encode transfer call", Err: err}
	}

	payload, err := json.Marshal(executionPayload{
		Delegations: []business.Delegation{*d},
		Execution: executionCall{
			Target:   req.TokenContractAddress,
			Value:    "0x0",
			CallData: hexutil.Encode(callData),
		},
	})
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: "failed to encode execution payload", Err: err}
	}

	quote, err := e.relay.GetFeeQuote(ctx, req.ChainID)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Message: "failed to fetch fee quote", Err: err}
	}

	submit, err := e.relay.SubmitExecution(ctx, relay.SubmitRequest{
		Payload:  payload,
		FeeTier:  req.FeeTier,
		ChainID:  req.ChainID,
		FeeQuote: quote,
	}, req.IdempotencyKey)
	if err != nil {
		return nil, e.mapSubmitError(err)
	}

	e.log.Info("execution submitted to relay",
		zap.String("submission_id", submit.SubmissionID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	receipt, err := e.relay.WaitForReceipt(ctx, submit.SubmissionID, e.confirmTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Unknown outcome. The caller must reconcile against on-chain
			// state before any retry decision; this is not a failure.
			return nil, &Error{
				Kind:         KindTimeout,
				Message:      "confirmation polling timed out",
				SubmissionID: submit.SubmissionID,
			}
		}
		return nil, &Error{Kind: KindNetwork, Message: "receipt polling failed", Err: err, SubmissionID: submit.SubmissionID}
	}

	if receipt.Status == relay.ReceiptStatusFailed {
		return nil, &Error{
			Kind:         KindExecution,
			Message:      fmt.Sprintf("execution reverted: %s", receipt.ErrorMessage),
			SubmissionID: submit.SubmissionID,
		}
	}

	if receipt.TransactionHash == "" {
		return nil, &Error{
			Kind:         KindExecution,
			Message:      "relay reported inclusion with empty transaction hash",
			SubmissionID: submit.SubmissionID,
		}
	}

	return &Result{
		TransactionHash: receipt.TransactionHash,
		SubmissionID:    submit.SubmissionID,
	}, nil
}

func (e *LiveExecutor) mapSubmitError(err error) error {
	var rejection *relay.SubmissionError
	if errors.As(err, &rejection) {
		switch rejection.Code {
		case "insufficient_funds":
			return &Error{Kind: KindInsufficientFunds, Message: rejection.Message, Err: err}
		case "insufficient_gas", "fee_too_low":
			return &Error{Kind: KindInsufficientGas, Message: rejection.Message, Err: err}
		default:
			return &Error{Kind: KindExecution, Message: rejection.Message, Err: err}
		}
	}
	return &Error{Kind: KindNetwork, Message: "submission failed", Err: err}
}
