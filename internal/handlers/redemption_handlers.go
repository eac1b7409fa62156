package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/helpers"
	"github.com/meridianpay/meridian-api/internal/logger"
	"github.com/meridianpay/meridian-api/internal/redemption"
)

// usdcDecimals is the minor-unit precision of the settlement token.
const usdcDecimals = 6

// RedemptionHandler exposes the direct redemption call: one delegation, one
// transfer, no subscription bookkeeping.
type RedemptionHandler struct {
	executor redemption.Executor
	chainID  uint64
	feeTier  string
}

// NewRedemptionHandler creates a new RedemptionHandler instance
func NewRedemptionHandler(executor redemption.Executor, chainID uint64, feeTier string) *RedemptionHandler {
	return &RedemptionHandler{
		executor: executor,
		chainID:  chainID,
		feeTier:  feeTier,
	}
}

// RedeemRequest is the direct-redemption payload. Callers are split between
// snake_case and camelCase conventions, so both spellings of every field are
// accepted.
type RedeemRequest struct {
	DelegationData       []byte
	MerchantAddress      string
	TokenContractAddress string
	Price                string
}

// UnmarshalJSON accepts both alias spellings for each field, with the
// camelCase one winning when a caller inexplicably sends both.
func (r *RedeemRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	pickString := func(keys ...string) (string, error) {
		for _, key := range keys {
			msg, ok := raw[key]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(msg, &s); err != nil {
				return "", fmt.Errorf("field %q: %w", key, err)
			}
			return s, nil
		}
		return "", nil
	}

	var err error
	if r.MerchantAddress, err = pickString("merchantAddress", "merchant_address"); err != nil {
		return err
	}
	if r.TokenContractAddress, err = pickString("tokenContractAddress", "token_contract_address"); err != nil {
		return err
	}
	if r.Price, err = pickString("price"); err != nil {
		return err
	}

	for _, key := range []string{"delegationData", "delegation_data"} {
		msg, ok := raw[key]
		if !ok {
			continue
		}
		payload, err := decodeDelegationField(msg)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		r.DelegationData = payload
		break
	}

	return nil
}

// decodeDelegationField takes the delegation either as an inline JSON object
// or as a base64 string holding the serialized form.
func decodeDelegationField(msg json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(msg))
	if strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), nil
	}

	var encoded string
	if err := json.Unmarshal(msg, &encoded); err != nil {
		return nil, err
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 delegation payload: %w", err)
	}
	return decoded, nil
}

// RedeemResponse carries the outcome under both alias spellings.
type RedeemResponse struct {
	TransactionHash string
	Success         bool
	ErrorMessage    string
}

func (r RedeemResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"transactionHash":  r.TransactionHash,
		"transaction_hash": r.TransactionHash,
		"success":          r.Success,
		"errorMessage":     r.ErrorMessage,
		"error_message":    r.ErrorMessage,
	})
}

// Redeem executes a one-off delegation redemption.
func (h *RedemptionHandler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if len(req.DelegationData) == 0 {
		sendError(c, http.StatusBadRequest, "delegationData is required", nil)
		return
	}
	if !helpers.IsAddressValid(req.MerchantAddress) {
		sendError(c, http.StatusBadRequest, "Invalid merchant address", nil)
		return
	}
	if !helpers.IsAddressValid(req.TokenContractAddress) {
		sendError(c, http.StatusBadRequest, "Invalid token contract address", nil)
		return
	}

	amount, err := parsePriceToTokenUnits(req.Price)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid price", err)
		return
	}

	result, err := h.executor.Redeem(c.Request.Context(), redemption.Request{
		DelegationData:       req.DelegationData,
		MerchantAddress:      req.MerchantAddress,
		TokenContractAddress: req.TokenContractAddress,
		Amount:               amount,
		IdempotencyKey:       fmt.Sprintf("direct:%s", uuid.New()),
		FeeTier:              h.feeTier,
		ChainID:              h.chainID,
	})
	if err != nil {
		logger.Warn("Direct redemption failed",
			zap.String("merchant_address", req.MerchantAddress),
			zap.Error(err))

		status := http.StatusUnprocessableEntity
		var redErr *redemption.Error
		if errors.As(err, &redErr) && redErr.Kind == redemption.KindValidation {
			status = http.StatusBadRequest
		}
		c.JSON(status, RedeemResponse{Success: false, ErrorMessage: err.Error()})
		return
	}

	logger.Info("Direct redemption confirmed",
		zap.String("transaction_hash", result.TransactionHash),
		zap.Bool("simulated", result.Simulated))

	c.JSON(http.StatusOK, RedeemResponse{
		TransactionHash: result.TransactionHash,
		Success:         true,
	})
}

// parsePriceToTokenUnits converts a decimal price string ("5.00") into
// integer token minor units. More fractional digits than the token carries
// is an error, not a silent truncation.
func parsePriceToTokenUnits(price string) (*big.Int, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return nil, fmt.Errorf("price is required")
	}

	whole, frac := price, ""
	if i := strings.IndexByte(price, '.'); i >= 0 {
		whole, frac = price[:i], price[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > usdcDecimals {
		return nil, fmt.Errorf("price has more than %d decimal places", usdcDecimals)
	}
	frac += strings.Repeat("0", usdcDecimals-len(frac))

	units, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("price %q is not a valid decimal number", price)
	}
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	return units, nil
}
