// Package redemption turns a validated delegation into an on-chain asset
// transfer, exactly once per billing cycle. Two executors exist: live
// (relay-backed) and simulated. They share one validation path; the mode is
// chosen once at process start and never per call.
package redemption

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/delegation"
	"github.com/meridianpay/meridian-api/internal/helpers"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

const (
	// DefaultConfirmTimeout bounds receipt polling after submission.
	DefaultConfirmTimeout = 60 * time.Second

	// DefaultFullFlowTimeout bounds flows that include account deployment.
	DefaultFullFlowTimeout = 120 * time.Second
)

// Request carries everything needed to redeem one billing cycle.
type Request struct {
	// DelegationData is the raw signed delegation payload.
	DelegationData []byte

	MerchantAddress      string
	TokenContractAddress string

	// Amount is a positive integer in the token's minor unit.
	Amount *big.Int

	// IdempotencyKey deduplicates relay submissions across retries.
	IdempotencyKey string

	FeeTier string
	ChainID uint64
}

// Result is a settled redemption.
type Result struct {
	TransactionHash string
	SubmissionID    string
	Simulated       bool
}

// Executor redeems delegations. Implementations never retry internally; all
// retry policy lives in the dunning scheduler so retry timing stays
// auditable and configurable.
type Executor interface {
	Redeem(ctx context.Context, req Request) (*Result, error)

	// OperatorAddress is the address this executor redeems as. A
	// delegation whose delegate differs is rejected before any network call.
	OperatorAddress() string

	HealthCheck(ctx context.Context) error
}

var (
	erc20ABIOnce sync.Once
	erc20ABI     abi.ABI
)

const erc20TransferABI = `[{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

// encodeTransferCall builds the ERC-20 transfer calldata moving amount to
// the merchant.
func encodeTransferCall(merchantAddress string, amount *big.Int) ([]byte, error) {
	var parseErr error
	erc20ABIOnce.Do(func() {
		erc20ABI, parseErr = abi.JSON(strings.NewReader(erc20TransferABI))
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return erc20ABI.Pack("transfer", common.HexToAddress(merchantAddress), amount)
}

// validateRequest runs all preconditions in order, each a distinct failure
// mode, before any network call is made. It returns the parsed delegation
// on success.
func validateRequest(req Request, operatorAddress string, policy delegation.Policy) (*business.Delegation, error) {
	if len(req.DelegationData) == 0 {
		return nil, &Error{Kind: KindValidation, Message: "delegation data is empty"}
	}
	if req.MerchantAddress == "" || req.MerchantAddress == constants.ZeroAddress || !helpers.IsAddressValid(req.MerchantAddress) {
		return nil, &Error{Kind: KindValidation, Message: "valid merchant address is required"}
	}
	if req.TokenContractAddress == "" || req.TokenContractAddress == constants.ZeroAddress || !helpers.IsAddressValid(req.TokenContractAddress) {
		return nil, &Error{Kind: KindValidation, Message: "valid token contract address is required"}
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, &Error{Kind: KindValidation, Message: "amount must be a positive integer in the token's minor unit"}
	}
	if req.IdempotencyKey == "" {
		return nil, &Error{Kind: KindValidation, Message: "idempotency key is required"}
	}

	d, err := delegation.ParseAndValidate(req.DelegationData, policy)
	if err != nil {
		// DecodeError / ValidationError pass through untouched.
		return nil, err
	}

	if !strings.EqualFold(d.Delegate, operatorAddress) {
		return nil, &Error{
			Kind:    KindAuthorizationMismatch,
			Message: "delegation delegate does not match executor operating address",
		}
	}

	return d, nil
}
