package external

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	// FailureRatio at or above which the breaker opens
	FailureRatio float64
}

// DefaultCircuitBreakerConfig returns the settings used for the LLM provider
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  5,
		Interval:     30 * time.Second,
		Timeout:      60 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
}

// ResilientLLMClient wraps an LLMClient with a rate limiter, a per-call
// timeout and a circuit breaker.
type ResilientLLMClient struct {
	client  LLMClient
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
	logger  *logrus.Logger
}

// NewResilientLLMClient creates a new resilient client. A non-positive
// rateLimit disables rate limiting.
func NewResilientLLMClient(client LLMClient, cfg CircuitBreakerConfig, rateLimit float64, burst int, timeout time.Duration, logger *logrus.Logger) *ResilientLLMClient {
	limit := rate.Inf
	if rateLimit > 0 {
		limit = rate.Limit(rateLimit)
	}
	if burst <= 0 {
		burst = 1
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &ResilientLLMClient{
		client:  client,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		logger:  logger,
	}
}

// Complete waits for the rate limiter and calls the wrapped client through
// the circuit breaker.
func (c *ResilientLLMClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		return c.client.Complete(callCtx, req)
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", c.breaker.Name(), err)
	}
	return result.(string), nil
}

// State returns the current breaker state
func (c *ResilientLLMClient) State() gobreaker.State {
	return c.breaker.State()
}
