package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"

	"github.com/meridianpay/meridian-api/internal/logger"
)

// SecretsManagerClient wraps the AWS Secrets Manager client.
type SecretsManagerClient struct {
	svc *secretsmanager.Client
	cfg aws.Config
}

// NewSecretsManagerClient creates a Secrets Manager client using the default
// AWS configuration chain (environment, shared config, IAM role).
func NewSecretsManagerClient(ctx context.Context) (*SecretsManagerClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	return &SecretsManagerClient{
		svc: secretsmanager.NewFromConfig(cfg),
		cfg: cfg,
	}, nil
}

// GetSecretString fetches a secret whose ARN is named by secretArnEnvVar,
// falling back to the plain environment variable fallbackEnvVar when the ARN
// is unset or the fetch fails. Secrets stored as a single-key JSON object
// are unwrapped to the value.
func (c *SecretsManagerClient) GetSecretString(ctx context.Context, secretArnEnvVar, fallbackEnvVar string) (string, error) {
	secretArn := os.Getenv(secretArnEnvVar)

	if secretArn != "" {
		result, err := c.svc.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretArn),
		})
		if err == nil && result.SecretString != nil && *result.SecretString != "" {
			fetched := *result.SecretString

			var secretJSON map[string]string
			if jsonErr := json.Unmarshal([]byte(fetched), &secretJSON); jsonErr == nil && len(secretJSON) == 1 {
				for key, value := range secretJSON {
					logger.Log.Info("Fetched secret from Secrets Manager",
						zap.String("secret_arn", secretArn),
						zap.String("json_key", key))
					return value, nil
				}
			}
			logger.Log.Info("Fetched secret from Secrets Manager", zap.String("secret_arn", secretArn))
			return fetched, nil
		}
		logger.Log.Warn("Failed to retrieve secret from Secrets Manager, falling back to env var",
			zap.String("secret_arn", secretArn),
			zap.String("fallback_env_var", fallbackEnvVar),
			zap.Error(err))
	}

	if value := os.Getenv(fallbackEnvVar); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret not found in Secrets Manager (%s) or environment (%s)", secretArnEnvVar, fallbackEnvVar)
}
