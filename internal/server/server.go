package server

import (
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/delegation"
	"github.com/meridianpay/meridian-api/internal/handlers"
	"github.com/meridianpay/meridian-api/internal/middleware"
	"github.com/meridianpay/meridian-api/internal/redemption"
	"github.com/meridianpay/meridian-api/internal/services"
)

// Dependencies carries the wired service graph into the HTTP layer.
type Dependencies struct {
	Store         db.Store
	Subscriptions *services.SubscriptionService
	Dunning       *services.DunningEngine
	Executor      redemption.Executor
	Policy        delegation.Policy
	ChainID       uint64
	FeeTier       string
}

// New builds the gin engine with all routes and middleware registered.
func New(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(configureCORS())
	router.Use(middleware.CorrelationIDMiddleware())

	common := handlers.NewCommonServices(deps.Store, deps.Subscriptions, deps.Dunning)
	subscriptionHandler := handlers.NewSubscriptionHandler(common, deps.Policy)
	redemptionHandler := handlers.NewRedemptionHandler(deps.Executor, deps.ChainID, deps.FeeTier)
	healthHandler := handlers.NewHealthHandler(deps.Executor)

	router.GET("/health", healthHandler.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/redemptions", redemptionHandler.Redeem)

		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.POST("", subscriptionHandler.CreateSubscription)
			subscriptions.GET("/:subscription_id", subscriptionHandler.GetSubscription)
			subscriptions.GET("/:subscription_id/history", subscriptionHandler.GetSubscriptionHistory)
			subscriptions.POST("/:subscription_id/upgrade", subscriptionHandler.UpgradeSubscription)
			subscriptions.POST("/:subscription_id/downgrade", subscriptionHandler.DowngradeSubscription)
			subscriptions.POST("/:subscription_id/pause", subscriptionHandler.PauseSubscription)
			subscriptions.POST("/:subscription_id/resume", subscriptionHandler.ResumeSubscription)
			subscriptions.POST("/:subscription_id/cancel", subscriptionHandler.CancelSubscription)
			subscriptions.POST("/:subscription_id/reactivate", subscriptionHandler.ReactivateSubscription)
			subscriptions.POST("/:subscription_id/preview-change", subscriptionHandler.PreviewChange)
			subscriptions.POST("/:subscription_id/retry", subscriptionHandler.RetryPayment)
		}
	}

	return router
}

// configureCORS returns a configured CORS middleware
func configureCORS() gin.HandlerFunc {
	corsConfig := cors.DefaultConfig()

	originsEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	if originsEnv == "" {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	} else {
		corsConfig.AllowOrigins = splitTrimmed(originsEnv)
	}

	methodsEnv := os.Getenv("CORS_ALLOWED_METHODS")
	if methodsEnv == "" {
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	} else {
		corsConfig.AllowMethods = splitTrimmed(methodsEnv)
	}

	headersEnv := os.Getenv("CORS_ALLOWED_HEADERS")
	if headersEnv == "" {
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", "X-Correlation-ID"}
	} else {
		corsConfig.AllowHeaders = splitTrimmed(headersEnv)
	}

	corsConfig.AllowCredentials = os.Getenv("CORS_ALLOW_CREDENTIALS") == "true"

	return cors.New(corsConfig)
}

func splitTrimmed(env string) []string {
	parts := strings.Split(env, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}
