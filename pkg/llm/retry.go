package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryConfig defines backoff behavior for transient provider failures.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig provides reasonable defaults for provider retries.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// RetryableError lets errors declare whether a retry can help.
type RetryableError interface {
	error
	ShouldRetry() bool
}

// TransientError marks an error as retryable.
type TransientError struct {
	Underlying error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error: %v", e.Underlying)
}

func (e *TransientError) ShouldRetry() bool { return true }

func (e *TransientError) Unwrap() error { return e.Underlying }

// RetryableClient wraps a Client with exponential-backoff retry logic.
type RetryableClient struct {
	client Client
	config RetryConfig
}

// NewRetryableClient wraps client with the given retry configuration.
func NewRetryableClient(client Client, config RetryConfig) *RetryableClient {
	return &RetryableClient{client: client, config: config}
}

// ModelName returns the wrapped client's model name.
func (r *RetryableClient) ModelName() string {
	return r.client.ModelName()
}

// Complete implements Client with retry logic.
func (r *RetryableClient) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr error

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := r.client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == r.config.MaxRetries {
			break
		}
	}

	return Response{}, fmt.Errorf("failed after %d retries: %w", r.config.MaxRetries, lastErr)
}

func (r *RetryableClient) calculateDelay(attempt int) time.Duration {
	delay := time.Duration(float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt-1)))
	if delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	if r.config.Jitter {
		jitterFactor := 2*time.Now().UnixNano()%2 - 1 // -1 or 1
		delay += time.Duration(float64(delay) * 0.1 * float64(jitterFactor))
		if delay < 0 {
			delay = r.config.InitialDelay
		}
	}
	return delay
}

// shouldRetry classifies provider errors as transient or permanent.
func shouldRetry(err error) bool {
	if retryable, ok := err.(RetryableError); ok {
		return retryable.ShouldRetry()
	}

	errStr := err.Error()

	// Network and timeout failures.
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "temporary") {
		return true
	}

	// Rate limiting.
	if strings.Contains(errStr, "rate") || strings.Contains(errStr, "429") {
		return true
	}

	// Server errors.
	if strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return true
	}

	if strings.Contains(errStr, "empty response") {
		return true
	}

	return false
}
