package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/logger"
	"github.com/meridianpay/meridian-api/internal/services"
	"github.com/meridianpay/meridian-api/internal/types/business"
)

// CommonServices holds common dependencies used across handlers
type CommonServices struct {
	store         db.Store
	subscriptions *services.SubscriptionService
	dunning       *services.DunningEngine
}

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse represents a standard success response
type SuccessResponse struct {
	Message string `json:"message"`
}

// NewCommonServices creates a new instance of CommonServices
func NewCommonServices(store db.Store, subscriptions *services.SubscriptionService, dunning *services.DunningEngine) *CommonServices {
	return &CommonServices{
		store:         store,
		subscriptions: subscriptions,
		dunning:       dunning,
	}
}

// sendError is a helper function that combines logging and error response
// It logs the error with the given message and sends a JSON error response
func sendError(c *gin.Context, statusCode int, message string, err error) {
	logger.Error(message,
		zap.Error(err),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
	)
	c.JSON(statusCode, ErrorResponse{Error: message})
}

// handleServiceError maps service-layer errors onto HTTP status codes. A
// transition the current status forbids is a conflict, not a bad request:
// the payload was fine, the timing was not.
func handleServiceError(c *gin.Context, err error, notFoundMsg string) {
	if err == nil {
		return
	}

	var transitionErr *business.InvalidStateTransitionError
	switch {
	case errors.Is(err, db.ErrNotFound):
		sendError(c, http.StatusNotFound, notFoundMsg, err)
	case errors.As(err, &transitionErr):
		sendError(c, http.StatusConflict, transitionErr.Error(), err)
	case errors.Is(err, db.ErrAttemptInFlight):
		sendError(c, http.StatusConflict, "A payment attempt is already in progress for this subscription", err)
	case errors.Is(err, db.ErrVersionConflict):
		sendError(c, http.StatusConflict, "Subscription was modified concurrently, please retry", err)
	case errors.Is(err, db.ErrDuplicate):
		sendError(c, http.StatusConflict, "Record already exists", err)
	default:
		sendError(c, http.StatusInternalServerError, "Internal server error", err)
	}
}

// sendSuccess is a helper function that sends a success response
func sendSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

// sendSuccessMessage is a helper function that sends a success message
func sendSuccessMessage(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, SuccessResponse{Message: message})
}
