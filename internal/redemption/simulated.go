package redemption

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/meridianpay/meridian-api/internal/delegation"
	"github.com/meridianpay/meridian-api/internal/logger"
	"go.uber.org/zap"
)

// defaultSimulatedDelay approximates relay round-trip plus confirmation so
// simulated runs exercise the same timing behavior as live ones.
const defaultSimulatedDelay = 2 * time.Second

// SimulatedExecutor performs the full validation path and returns a
// synthetic transaction identifier without touching the network. Validation
// and error paths are identical to the live executor.
type SimulatedExecutor struct {
	operatorAddress string
	policy          delegation.Policy
	delay           time.Duration
	log             *zap.Logger
}

// NewSimulatedExecutor creates a simulation-mode executor.
func NewSimulatedExecutor(operatorAddress string, policy delegation.Policy, delay time.Duration) *SimulatedExecutor {
	if delay == 0 {
		delay = defaultSimulatedDelay
	}
	return &SimulatedExecutor{
		operatorAddress: operatorAddress,
		policy:          policy,
		delay:           delay,
		log:             logger.Log,
	}
}

// OperatorAddress returns the address this executor redeems as.
func (e *SimulatedExecutor) OperatorAddress() string { return e.operatorAddress }

// HealthCheck always succeeds; there is no relay to reach.
func (e *SimulatedExecutor) HealthCheck(ctx context.Context) error { return nil }

// Redeem validates exactly as the live executor does and then settles with
// a synthetic transaction hash derived from the idempotency key, so
// resubmission with the same key yields the same identifier.
func (e *SimulatedExecutor) Redeem(ctx context.Context, req Request) (*Result, error) {
	if _, err := validateRequest(req, e.operatorAddress, e.policy); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindTimeout, Message: "simulated confirmation interrupted"}
	case <-time.After(e.delay):
	}

	txHash := hexutil.Encode(crypto.Keccak256([]byte("simulated:" + req.IdempotencyKey)))

	e.log.Info("simulated redemption settled",
		zap.String("tx_hash", txHash),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	return &Result{
		TransactionHash: txHash,
		SubmissionID:    "sim-" + req.IdempotencyKey,
		Simulated:       true,
	}, nil
}
