package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerClient wraps a ModelClient with circuit breaker protection.
// Once the endpoint has failed MaxFailures times in a row, calls fail fast
// with domain.ErrCircuitOpen until the open timeout elapses.
//
// Only transport failures count. A response carrying an error object, or a
// 2xx body that does not parse, is a successful call from the breaker's
// point of view.
type CircuitBreakerClient struct {
	inner   domain.ModelClient
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

// NewCircuitBreakerClient wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewCircuitBreakerClient(inner domain.ModelClient, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
	maxFailures := defaultCBMaxFailures
	if cfg.MaxFailures > 0 {
		maxFailures = uint32(cfg.MaxFailures)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one probe while half-open
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the endpoint, and a
			// malformed 2xx body means the endpoint answered.
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, domain.ErrMalformedResponse)
		},
	})

	return &CircuitBreakerClient{inner: inner, breaker: cb}
}

// Chat implements domain.ModelClient.
func (c *CircuitBreakerClient) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := c.breaker.Execute(func() (*domain.ChatResponse, error) {
		return c.inner.Chat(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("model client %q: %w: %w", c.inner.Name(), domain.ErrCircuitOpen, err)
		}
		return nil, err
	}
	return resp, nil
}

// Name implements domain.ModelClient.
func (c *CircuitBreakerClient) Name() string { return c.inner.Name() }

// State returns the current breaker state.
func (c *CircuitBreakerClient) State() gobreaker.State { return c.breaker.State() }

// Counts returns the breaker's request counters.
func (c *CircuitBreakerClient) Counts() gobreaker.Counts { return c.breaker.Counts() }
