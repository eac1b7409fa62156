package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/meridianpay/meridian-api/internal/constants"
	"github.com/meridianpay/meridian-api/internal/helpers"
)

// Config is the environment-derived configuration shared by the API server
// and the billing processor. Values are read once at startup; in particular
// the execution mode never changes for the life of the process.
type Config struct {
	Stage string
	Port  string

	// DatabaseURL is resolved by the caller (Secrets Manager in deployed
	// stages, env var locally) and injected after Load.
	DatabaseURL string

	RelayURL        string
	RelayAPIKey     string
	RelayTimeout    time.Duration
	ChainID         uint64
	FeeTier         string
	ExecutionMode   string
	OperatorAddress string

	// AllowUnrestricted permits delegations with no caveats. Off unless
	// explicitly enabled.
	AllowUnrestricted bool

	WorkerCount       int
	QueueBufferSize   int
	SchedulerInterval time.Duration

	ResendAPIKey  string
	EmailFromAddr string
	EmailFromName string
}

// Load reads configuration from the environment. Only structurally invalid
// values fail here; required-secret checks stay with the component that
// needs them.
func Load() (*Config, error) {
	stage := os.Getenv("STAGE")
	if stage == "" {
		stage = constants.StageLocal
	}
	if !helpers.IsValidStage(stage) {
		return nil, fmt.Errorf("invalid STAGE %q: must be one of %s, %s, %s",
			stage, constants.StageProd, constants.StageDev, constants.StageLocal)
	}

	mode := os.Getenv("EXECUTION_MODE")
	if mode == "" {
		mode = constants.ExecutionModeSimulate
	}
	if mode != constants.ExecutionModeLive && mode != constants.ExecutionModeSimulate {
		return nil, fmt.Errorf("invalid EXECUTION_MODE %q: must be %q or %q",
			mode, constants.ExecutionModeLive, constants.ExecutionModeSimulate)
	}

	operator := os.Getenv("OPERATOR_ADDRESS")
	if operator == "" {
		return nil, fmt.Errorf("OPERATOR_ADDRESS environment variable is required")
	}
	if !helpers.IsAddressValid(operator) {
		return nil, fmt.Errorf("OPERATOR_ADDRESS %q is not a valid address", operator)
	}

	chainID, err := envUint64("CHAIN_ID", 8453)
	if err != nil {
		return nil, err
	}
	workerCount, err := envInt("REDEMPTION_WORKER_COUNT", 3)
	if err != nil {
		return nil, err
	}
	bufferSize, err := envInt("REDEMPTION_QUEUE_SIZE", 100)
	if err != nil {
		return nil, err
	}
	relayTimeout, err := envDuration("RELAY_REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	schedulerInterval, err := envDuration("SCHEDULER_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Stage:             stage,
		Port:              envString("API_PORT", "8000"),
		RelayURL:          os.Getenv("RELAY_URL"),
		RelayAPIKey:       os.Getenv("RELAY_API_KEY"),
		RelayTimeout:      relayTimeout,
		ChainID:           chainID,
		FeeTier:           envString("RELAY_FEE_TIER", "standard"),
		ExecutionMode:     mode,
		OperatorAddress:   operator,
		AllowUnrestricted: os.Getenv("ALLOW_UNRESTRICTED_DELEGATIONS") == "true",
		WorkerCount:       workerCount,
		QueueBufferSize:   bufferSize,
		SchedulerInterval: schedulerInterval,
		ResendAPIKey:      os.Getenv("RESEND_API_KEY"),
		EmailFromAddr:     envString("EMAIL_FROM_ADDRESS", "billing@meridianpay.io"),
		EmailFromName:     envString("EMAIL_FROM_NAME", "Meridian Billing"),
	}

	if cfg.ExecutionMode == constants.ExecutionModeLive && cfg.RelayURL == "" {
		return nil, fmt.Errorf("RELAY_URL is required when EXECUTION_MODE is %q", constants.ExecutionModeLive)
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
