package llm

import (
	"context"
	"time"

	forgeerrors "forge/internal/errors"
	"forge/internal/logging"
)

// retryClient wraps a client with transport-level retry. The response
// contract's own attempt counter sits above this wrapper; this one only
// smooths over transient network and 5xx noise within a single attempt.
type retryClient struct {
	underlying  Client
	retryConfig forgeerrors.RetryConfig
	logger      logging.Logger
}

// NewRetryClient wraps client with retry logic for transient failures.
func NewRetryClient(client Client, retryConfig forgeerrors.RetryConfig) Client {
	return &retryClient{
		underlying:  client,
		retryConfig: retryConfig,
		logger:      logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Model() string { return c.underlying.Model() }

func (c *retryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	resp, err := forgeerrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*Response, error) {
		return c.underlying.Complete(ctx, req)
	}, c.logger)

	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Backend request failed after retries (took %v): %v", duration, err)
		return nil, err
	}

	if duration > 5*time.Second {
		c.logger.Debug("Backend request succeeded after %v", duration)
	}
	return resp, nil
}
