// Package relay is the client for the execution relay: the external
// infrastructure that quotes network fees, submits authorized-execution
// payloads atomically, and reports settlement. The relay is treated as a
// black box beyond these three operations.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/meridianpay/meridian-api/internal/logger"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"

	defaultRequestTimeout = 30 * time.Second
)

// ErrUnavailable marks transport-level failures: the relay could not be
// reached at all. Distinct from a reachable relay rejecting a submission.
var ErrUnavailable = errors.New("execution relay unavailable")

// ErrReceiptNotFound is returned when the relay has no record of the
// submission identifier.
var ErrReceiptNotFound = errors.New("receipt not found")

// SubmissionError is a rejection from a reachable relay. Code carries the
// relay's machine-readable reason (e.g. insufficient_funds).
type SubmissionError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("relay rejected submission (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// FeeQuote holds current network fee parameters.
type FeeQuote struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// SubmitRequest is one atomic authorized-execution payload.
type SubmitRequest struct {
	Payload  json.RawMessage `json:"payload"`
	FeeTier  string          `json:"fee_tier,omitempty"`
	ChainID  uint64          `json:"chain_id"`
	FeeQuote *FeeQuote       `json:"fee_quote,omitempty"`
}

// SubmitResponse acknowledges acceptance of a submission. Settlement is
// reported separately through GetReceipt.
type SubmitResponse struct {
	SubmissionID    string `json:"submission_id"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

// Receipt statuses reported by the relay.
const (
	ReceiptStatusPending  = "pending"
	ReceiptStatusIncluded = "included"
	ReceiptStatusFailed   = "failed"
)

// Receipt reports the settlement state of a prior submission.
type Receipt struct {
	SubmissionID    string `json:"submission_id"`
	Status          string `json:"status"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Client talks to the execution relay over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

// Config configures a relay client.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// NewClient creates a new relay client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("relay base URL is required")
	}
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    config.BaseURL,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.Log,
	}, nil
}

// GetFeeQuote fetches current network fee parameters for the given chain.
func (c *Client) GetFeeQuote(ctx context.Context, chainID uint64) (*FeeQuote, error) {
	var quote FeeQuote
	path := fmt.Sprintf("/v1/fees?chain_id=%d", chainID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// SubmitExecution submits one authorized-execution payload as a single
// atomic operation. The idempotency key makes resubmission after a dropped
// connection safe: the relay deduplicates on it, so at most one on-chain
// transfer occurs per key.
func (c *Client) SubmitExecution(ctx context.Context, req SubmitRequest, idempotencyKey string) (*SubmitResponse, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/executions", idempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	if resp.SubmissionID == "" {
		return nil, fmt.Errorf("relay returned empty submission id")
	}
	return &resp, nil
}

// GetReceipt fetches the settlement state of a prior submission.
func (c *Client) GetReceipt(ctx context.Context, submissionID string) (*Receipt, error) {
	var receipt Receipt
	path := "/v1/executions/" + submissionID
	if err := c.do(ctx, http.MethodGet, path, "", nil, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// WaitForReceipt polls until the relay reports a terminal receipt status or
// the deadline passes. On deadline the caller must treat the outcome as
// unknown, not failed, and reconcile before retrying.
func (c *Client) WaitForReceipt(ctx context.Context, submissionID string, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0 // bounded by ctx

	var receipt *Receipt
	operation := func() error {
		r, err := c.GetReceipt(ctx, submissionID)
		if err != nil {
			if errors.Is(err, ErrReceiptNotFound) {
				// The relay may not have indexed the submission yet.
				return err
			}
			return backoff.Permanent(err)
		}
		if r.Status == ReceiptStatusPending {
			return fmt.Errorf("submission %s still pending", submissionID)
		}
		receipt = r
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}
	return receipt, nil
}

// HealthCheck reports whether the relay is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/v1/health", "", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode relay request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(idempotencyKeyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrReceiptNotFound
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: relay returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var rejection struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, &rejection); err != nil {
			rejection.Message = string(data)
		}
		c.log.Warn("relay rejected request",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", rejection.Code),
		)
		return &SubmissionError{StatusCode: resp.StatusCode, Code: rejection.Code, Message: rejection.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode relay response: %w", err)
		}
	}
	return nil
}
