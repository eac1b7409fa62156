package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
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
	"github.com/meridianpay/meridian-api/internal/services"
)

// Application holds the wired billing pipeline for the Lambda handler.
type Application struct {
	scheduler *services.BillingScheduler
	processor *services.RedemptionProcessor
}

// HandleRequest runs one billing pass: scheduled changes, reconciliation,
// then due redemptions. Invoked on a timer in deployed stages.
func (app *Application) HandleRequest(ctx context.Context) error {
	logger.Info("Starting billing pass")

	if err := app.scheduler.RunOnce(ctx); err != nil {
		logger.Error("Billing pass failed", zap.Error(err))
		return fmt.Errorf("billing pass: %w", err)
	}

	logger.Info("Billing pass finished")
	return nil
}

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
	logger.Info("Initializing billing processor", zap.String("stage", cfg.Stage))

	ctx := context.Background()

	dsn, err := resolveDatabaseURL(ctx, cfg.Stage)
	if err != nil {
		logger.Fatal("Failed to resolve database URL", zap.Error(err))
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		logger.Fatal("Unable to parse database DSN", zap.Error(err))
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 15

	connPool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("Unable to create connection pool", zap.Error(err))
	}

	store := db.NewPostgresStore(connPool)

	policy := delegation.Policy{AllowUnrestricted: cfg.AllowUnrestricted}
	executor, receipts, err := buildExecutor(cfg, policy)
	if err != nil {
		logger.Fatal("Failed to build redemption executor", zap.Error(err))
	}

	emailService := buildEmailService(cfg)

	processor := services.NewRedemptionProcessor(store, executor, nil, cfg.ChainID, cfg.WorkerCount, cfg.QueueBufferSize)
	subscriptions := services.NewSubscriptionService(store, emailService, processor)
	dunning := services.NewDunningEngine(store, subscriptions, emailService, processor, logger.Log)
	processor.SetDunningEngine(dunning)

	var reconciler *services.Reconciler
	if receipts != nil {
		reconciler = services.NewReconciler(store, receipts, dunning, logger.Log)
	}
	scheduler := services.NewBillingScheduler(store, subscriptions, processor, reconciler, logger.Log)

	processor.Start()

	app := &Application{scheduler: scheduler, processor: processor}

	if cfg.Stage == constants.StageLocal {
		runLocal(app, cfg.SchedulerInterval)
		return
	}

	// Deployed stages run on a Lambda timer, one pass per invocation.
	// The pool and workers persist across warm starts.
	lambda.Start(app.HandleRequest)
}

// runLocal loops the billing pass on a ticker until interrupted.
func runLocal(app *Application, interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down billing processor...")
		cancel()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Billing processor running locally", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			app.processor.Stop()
			logger.Info("Billing processor exiting")
			return
		case <-ticker.C:
			if err := app.HandleRequest(ctx); err != nil {
				logger.Error("Billing pass error", zap.Error(err))
			}
		}
	}
}

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
