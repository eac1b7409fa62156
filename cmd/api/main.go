package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	awsclient "github.com/meridianpay/meridian-api/internal/client/aws"
	"github.com/meridianpay/meridian-api/internal/client/relay"
	"github.com/meridianpay/meridian-api/internal/config"
	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/db"
	"github.com/meridianpay/meridian-api/internal/delegation"
	"github.com/meridianpay/meridian-api/internal/logger"
	"github.com/meridianpay/meridian-api/internal/notify"
	"github.com/meridianpay/meridian-api/internal/redemption"
	"github.com/meridianpay/meridian-api/internal/server"
	"github.com/meridianpay/meridian-api/internal/services"
)

func main() {
	// Load .env file for local development
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Error loading .env file: %v. Proceeding with environment variables.", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.InitLogger(cfg.Stage)
	defer func() { _ = logger.Sync() }()
	logger.Info("Starting API server", zap.String("stage", cfg.Stage))

	ctx := context.Background()

	dsn, err := resolveDatabaseURL(ctx, cfg.Stage)
	if err != nil {
		logger.Fatal("Failed to resolve database URL", zap.Error(err))
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Fatal("Unable to parse database connection string", zap.Error(err))
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	connPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Unable to create connection pool", zap.Error(err))
	}
	defer connPool.Close()

	store := db.NewPostgresStore(connPool)

	policy := delegation.Policy{AllowUnrestricted: cfg.AllowUnrestricted}
	executor, receipts, err := buildExecutor(cfg, policy)
	if err != nil {
		logger.Fatal("Failed to build redemption executor", zap.Error(err))
	}

	emailService := buildEmailService(cfg)

	// The processor and the dunning engine reference each other; the
	// processor is created first and the engine attached afterwards.
	processor := services.NewRedemptionProcessor(store, executor, nil, cfg.ChainID, cfg.WorkerCount, cfg.QueueBufferSize)
	subscriptions := services.NewSubscriptionService(store, emailService, processor)
	dunning := services.NewDunningEngine(store, subscriptions, emailService, processor, logger.Log)
	processor.SetDunningEngine(dunning)

	processor.Start()
	defer processor.Stop()

	// The API binary reconciles too: a timed-out attempt from a queued
	// proration charge or manual retry must not stay parked until the
	// billing processor's next pass.
	if receipts != nil {
		reconciler := services.NewReconciler(store, receipts, dunning, logger.Log)
		go runReconcilerLoop(ctx, reconciler)
	}

	router := server.New(server.Dependencies{
		Store:         store,
		Subscriptions: subscriptions,
		Dunning:       dunning,
		Executor:      executor,
		Policy:        policy,
		ChainID:       cfg.ChainID,
		FeeTier:       cfg.FeeTier,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Server listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}

// resolveDatabaseURL fetches the DSN from Secrets Manager in deployed
// stages and falls back to the DATABASE_URL env var locally.
func resolveDatabaseURL(ctx context.Context, stage string) (string, error) {
	if stage == constants.StageLocal {
		if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
			return dsn, nil
		}
		return "", fmt.Errorf("DATABASE_URL is required for local development")
	}

	secretsClient, err := awsclient.NewSecretsManagerClient(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to initialize Secrets Manager client: %w", err)
	}
	dsn, err := secretsClient.GetSecretString(ctx, "DATABASE_URL_ARN", "DATABASE_URL")
	if err != nil {
		return "", err
	}
	if dsn == "" {
		return "", fmt.Errorf("database URL not found in Secrets Manager or environment")
	}
	return dsn, nil
}

// buildExecutor returns the configured executor and, in live mode, the
// relay client doubling as the receipt source for reconciliation.
func buildExecutor(cfg *config.Config, policy delegation.Policy) (redemption.Executor, services.ReceiptSource, error) {
	if cfg.ExecutionMode == constants.ExecutionModeSimulate {
		logger.Warn("Running with simulated redemption executor: no funds will move")
		return redemption.NewSimulatedExecutor(cfg.OperatorAddress, policy, 0), nil, nil
	}

	relayClient, err := relay.NewClient(relay.Config{
		BaseURL:        cfg.RelayURL,
		APIKey:         cfg.RelayAPIKey,
		RequestTimeout: cfg.RelayTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	executor, err := redemption.NewLiveExecutor(redemption.LiveExecutorConfig{
		Relay:           relayClient,
		OperatorAddress: cfg.OperatorAddress,
		Policy:          policy,
	})
	if err != nil {
		return nil, nil, err
	}
	return executor, relayClient, nil
}

func buildEmailService(cfg *config.Config) services.IEmailService {
	if cfg.ResendAPIKey == "" {
		logger.Warn("RESEND_API_KEY not set, billing emails will only be logged")
		return notify.NewLogEmailService(logger.Log)
	}

	recipient := os.Getenv("BILLING_NOTIFICATIONS_EMAIL")
	resolve := func(ctx context.Context, subscriptionID uuid.UUID) (string, error) {
		if recipient == "" {
			return "", fmt.Errorf("BILLING_NOTIFICATIONS_EMAIL is not configured")
		}
		return recipient, nil
	}
	return notify.NewEmailService(cfg.ResendAPIKey, cfg.EmailFromAddr, cfg.EmailFromName, resolve, logger.Log)
}

func runReconcilerLoop(ctx context.Context, reconciler *services.Reconciler) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reconciler.Run(ctx); err != nil {
				logger.Error("Reconciliation pass failed", zap.Error(err))
			}
		}
	}
}
