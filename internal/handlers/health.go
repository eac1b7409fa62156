package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/meridian-api/internal/redemption"
)

// HealthResponse reports service liveness plus relay reachability.
type HealthResponse struct {
	Status string `json:"status"`
	Relay  string `json:"relay"`
}

type HealthHandler struct {
	executor redemption.Executor
}

func NewHealthHandler(executor redemption.Executor) *HealthHandler {
	return &HealthHandler{executor: executor}
}

// Health reports whether the server is running and the relay is reachable.
// A relay outage does not fail the check: the service keeps accepting work
// and parks redemptions until the relay recovers.
func (h *HealthHandler) Health(c *gin.Context) {
	relayStatus := "ok"
	if err := h.executor.HealthCheck(c.Request.Context()); err != nil {
		relayStatus = "unreachable"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Relay:  relayStatus,
	})
}
