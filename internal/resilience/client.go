package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// ClientConfig is the per-service configuration for a ServiceClient.
// Zero values get defaults from NewServiceClient.
type ClientConfig struct {
	// Name identifies the service in logs and breaker state.
	Name string

	// RequestsPerMinute is the token-bucket refill rate. Default: 60
	RequestsPerMinute int

	// Burst is the token-bucket capacity. Default: max(1, RequestsPerMinute/10)
	Burst int

	// QueueWait bounds how long a call blocks waiting for a rate
	// limiter token before failing with ErrRateLimitExceeded.
	// Default: 10 seconds
	QueueWait time.Duration

	// Timeout is the upper bound for one dispatched call. On expiry the
	// in-flight request is abandoned and the attempt counts as a
	// TransientServiceError. Default: 30 seconds
	Timeout time.Duration

	// MaxRetries bounds retries of transient failures. 0 means no
	// retries (each call is dispatched at most once).
	MaxRetries int

	// BackoffBase is the first retry delay; subsequent delays double.
	// Jitter of +/-25% is always applied. Default: 500ms
	BackoffBase time.Duration

	// Breaker configures the circuit breaker. Name is filled in from
	// the client name when empty.
	Breaker CircuitBreakerConfig
}

// ServiceClient wraps any external model call with rate limiting,
// circuit breaking, timeout, and bounded retry. There is exactly one
// instance per external service; the token bucket and breaker inside it
// are the only shared mutable state on the call path.
type ServiceClient struct {
	name    string
	limiter *rate.Limiter
	breaker *CircuitBreaker
	config  ClientConfig
}

// NewServiceClient creates a resilient client for one external service.
func NewServiceClient(config ClientConfig) *ServiceClient {
	if config.Name == "" {
		config.Name = "service"
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 60
	}
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerMinute / 10
		if config.Burst < 1 {
			config.Burst = 1
		}
	}
	if config.QueueWait <= 0 {
		config.QueueWait = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 500 * time.Millisecond
	}
	if config.Breaker.Name == "" {
		config.Breaker.Name = config.Name
	}

	return &ServiceClient{
		name:    config.Name,
		limiter: rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), config.Burst),
		breaker: NewCircuitBreaker(config.Breaker),
		config:  config,
	}
}

// Do executes fn with the full resilience stack. fn receives a context
// bounded by the per-call timeout and must respect cancellation.
//
// Retry policy: only TransientServiceError is retried, with exponential
// backoff and jitter, up to MaxRetries additional attempts.
// ErrRateLimitExceeded, ErrCircuitOpen, and validation failures return
// immediately; ingestion treats the first two as retryable at the queue
// level instead.
func (c *ServiceClient) Do(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			log.Printf("%s: retrying in %v (attempt %d/%d): %v",
				c.name, delay, attempt, c.config.MaxRetries, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.dispatch(ctx, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var tse *TransientServiceError
		if !errors.As(err, &tse) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%s: retries exhausted: %w", c.name, lastErr)
}

// dispatch performs one attempt: token acquisition, breaker check, and
// the timed call itself.
func (c *ServiceClient) dispatch(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	waitCtx, cancelWait := context.WithTimeout(ctx, c.config.QueueWait)
	err := c.limiter.Wait(waitCtx)
	cancelWait()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", c.name, ErrRateLimitExceeded)
	}

	callCtx, cancelCall := context.WithTimeout(ctx, c.config.Timeout)
	defer cancelCall()

	result, err := c.breaker.Execute(callCtx, func() (interface{}, error) {
		return fn(callCtx)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
		}
		// A deadline expiry on the call context means the in-flight
		// request was abandoned; its eventual result is ignored.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TransientServiceError{Reason: "request timed out", Err: err}
		}
		return nil, err
	}

	return result, nil
}

// backoff computes the delay before retry attempt n (1-based), doubling
// from BackoffBase with +/-25% jitter.
func (c *ServiceClient) backoff(attempt int) time.Duration {
	delay := c.config.BackoffBase << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}

// BreakerOpen reports whether the service's circuit is currently open.
// The query orchestrator uses this to decide on degraded mode without
// burning a dispatch.
func (c *ServiceClient) BreakerOpen() bool {
	return c.breaker.Open()
}

// BreakerState returns the breaker state for status reporting.
func (c *ServiceClient) BreakerState() string {
	return c.breaker.State()
}

// Name returns the service name this client protects.
func (c *ServiceClient) Name() string {
	return c.name
}
