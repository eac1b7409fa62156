package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/delegation"
	"github.com/meridianpay/meridian-api/internal/helpers"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// SubscriptionHandler exposes the subscription lifecycle over HTTP. Every
// mutation delegates to the state machine; the handler only translates
// payloads and status codes.
type SubscriptionHandler struct {
	common *CommonServices
	policy delegation.Policy
}

// NewSubscriptionHandler creates a new SubscriptionHandler instance
func NewSubscriptionHandler(common *CommonServices, policy delegation.Policy) *SubscriptionHandler {
	return &SubscriptionHandler{common: common, policy: policy}
}

// CreateSubscriptionRequest is the payload for creating a subscription.
type CreateSubscriptionRequest struct {
	CustomerID           string `json:"customer_id" binding:"required"`
	DelegationData       string `json:"delegation_data" binding:"required"`
	AmountCents          int64  `json:"amount_cents" binding:"required,gt=0"`
	Currency             string `json:"currency"`
	MerchantAddress      string `json:"merchant_address" binding:"required"`
	TokenContractAddress string `json:"token_contract_address" binding:"required"`
	IntervalType         string `json:"interval_type" binding:"required"`
	IntervalCount        int    `json:"interval_count"`
	DunningPolicyID      string `json:"dunning_policy_id" binding:"required"`
}

// CreateSubscription creates a subscription and stores its delegation.
func (h *SubscriptionHandler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	customerID, err := uuid.Parse(req.CustomerID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid customer ID format", err)
		return
	}
	policyID, err := uuid.Parse(req.DunningPolicyID)
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid dunning policy ID format", err)
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

	// Reject structurally broken delegations here rather than at the first
	// redemption, weeks later.
	if _, err := delegation.ParseAndValidate([]byte(req.DelegationData), h.policy); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid delegation", err)
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = constants.USDCurrency
	}
	intervalCount := req.IntervalCount
	if intervalCount <= 0 {
		intervalCount = 1
	}

	sub := &business.Subscription{
		CustomerID:           customerID,
		AmountCents:          req.AmountCents,
		Currency:             currency,
		MerchantAddress:      req.MerchantAddress,
		TokenContractAddress: req.TokenContractAddress,
		IntervalType:         req.IntervalType,
		IntervalCount:        intervalCount,
		DunningPolicyID:      policyID,
	}

	if err := h.common.subscriptions.CreateSubscription(c.Request.Context(), sub, []byte(req.DelegationData)); err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccess(c, http.StatusCreated, sub)
}

// GetSubscription retrieves a subscription by ID.
func (h *SubscriptionHandler) GetSubscription(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	sub, err := h.common.subscriptions.GetSubscription(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccess(c, http.StatusOK, sub)
}

// GetSubscriptionHistory returns the subscription's state transition log.
func (h *SubscriptionHandler) GetSubscriptionHistory(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	history, err := h.common.subscriptions.GetSubscriptionHistory(c.Request.Context(), id, 50)
	if err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   history,
	})
}

// ChangeAmountRequest is the payload for upgrades and downgrades.
type ChangeAmountRequest struct {
	NewAmountCents int64  `json:"new_amount_cents" binding:"required,gt=0"`
	Reason         string `json:"reason"`
}

// UpgradeSubscription raises the amount immediately with a prorated charge.
func (h *SubscriptionHandler) UpgradeSubscription(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	var req ChangeAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	proration, err := h.common.subscriptions.UpgradeSubscription(c.Request.Context(), id, req.NewAmountCents, req.Reason)
	if err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccess(c, http.StatusOK, proration)
}

// DowngradeSubscription schedules a lower amount for the period boundary.
func (h *SubscriptionHandler) DowngradeSubscription(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	var req ChangeAmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.common.subscriptions.DowngradeSubscription(c.Request.Context(), id, req.NewAmountCents, req.Reason)
	if err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccess(c, http.StatusOK, result)
}

// PauseRequest is the payload for pausing a subscription.
type PauseRequest struct {
	PauseUntil *time.Time `json:"pause_until"`
	Reason     string     `json:"reason"`
}

// PauseSubscription pauses billing, optionally until a fixed date.
func (h *SubscriptionHandler) PauseSubscription(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	var req PauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.common.subscriptions.PauseSubscription(c.Request.Context(), id, req.PauseUntil, req.Reason); err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccessMessage(c, http.StatusOK, "Subscription paused")
}

// ResumeSubscription resumes a paused subscription immediately.
func (h *SubscriptionHandler) ResumeSubscription(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	if err := h.common.subscriptions.ResumeSubscription(c.Request.Context(), id, "customer"); err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccessMessage(c, http.StatusOK, "Subscription resumed")
}

// CancelRequest is the payload for cancellation.
type CancelRequest struct {
	Reason    string `json:"reason"`
	Immediate bool   `json:"immediate"`
}

// CancelSubscription cancels now or at the end of the period.
func (h *SubscriptionHandler) CancelSubscription(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	var req CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.common.subscriptions.CancelSubscription(c.Request.Context(), id, req.Reason, req.Immediate); err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	if req.Immediate {
		sendSuccessMessage(c, http.StatusOK, "Subscription canceled")
		return
	}
	sendSuccessMessage(c, http.StatusOK, "Subscription will be canceled at the end of the current period")
}

// ReactivateSubscription withdraws a scheduled cancellation.
func (h *SubscriptionHandler) ReactivateSubscription(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	if err := h.common.subscriptions.ReactivateSubscription(c.Request.Context(), id); err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccessMessage(c, http.StatusOK, "Subscription reactivated")
}

// PreviewChangeRequest is the payload for previewing a change.
type PreviewChangeRequest struct {
	ChangeType     string `json:"change_type" binding:"required"`
	NewAmountCents int64  `json:"new_amount_cents"`
}

// PreviewChange shows the financial effect of a change without applying it.
func (h *SubscriptionHandler) PreviewChange(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	var req PreviewChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	preview, err := h.common.subscriptions.PreviewChange(c.Request.Context(), id, req.ChangeType, req.NewAmountCents)
	if err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccess(c, http.StatusOK, preview)
}

// RetryPayment triggers a customer-initiated retry of a failed payment.
func (h *SubscriptionHandler) RetryPayment(c *gin.Context) {
	id, ok := parseSubscriptionID(c)
	if !ok {
		return
	}

	attempt, err := h.common.dunning.ManualRetry(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, err, "Subscription not found")
		return
	}

	sendSuccess(c, http.StatusAccepted, attempt)
}

func parseSubscriptionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("subscription_id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "Invalid subscription ID format", err)
		return uuid.Nil, false
	}
	return id, true
}
