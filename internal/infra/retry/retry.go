// Package retry is the outbound HTTP client used for every call that leaves
// the process through plain HTTP: bounded attempts, exponential or laddered
// backoff, per-call proxy selection, and per-attempt logging detailed enough
// to replay the call by hand.
package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/tracer"
)

// maxResponseBody caps how much of a response body is read.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// Default retry settings.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries int
	// BaseDelay is the wait after the first failed attempt; it doubles after
	// each further failure, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Ladder, when set, replaces exponential backoff: the wait after failed
	// attempt k is Ladder[k], repeating the last entry if attempts outrun it.
	Ladder []time.Duration
	// RateLimit bounds attempts per second across all calls; 0 disables it.
	RateLimit float64
	Burst     int

	ConnTimeout        time.Duration
	RespTimeout        time.Duration
	InsecureSkipVerify bool
}

// Request is one logical outbound call, possibly sent several times.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   []byte
	// Proxy is an http(s) proxy URL for this call only; empty means direct.
	Proxy string
}

// Response is the final, successful (2xx) attempt of a call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// Client sends Requests with bounded retries.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	clients map[string]*http.Client // keyed by proxy URL, "" for direct
}

// Option customizes a Client.
type Option func(*Client)

// WithSleep replaces the context-aware sleep between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithHTTPClient pins the *http.Client used for the given proxy key.
func WithHTTPClient(proxy string, hc *http.Client) Option {
	return func(c *Client) { c.clients[proxy] = hc }
}

// New creates a Client. Zero-valued settings fall back to package defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		sleep:   sleepCtx,
		clients: make(map[string]*http.Client),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaxRetries returns the configured attempt ceiling.
func (c *Client) MaxRetries() int { return c.cfg.MaxRetries }

// Delay returns the wait after failed attempt k (0-based).
func (c *Client) Delay(k int) time.Duration {
	if n := len(c.cfg.Ladder); n > 0 {
		if k >= n {
			k = n - 1
		}
		return c.cfg.Ladder[k]
	}
	d := c.cfg.BaseDelay
	for i := 0; i < k; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	return min(d, c.cfg.MaxDelay)
}

// Do sends req until it gets a 2xx response or MaxRetries attempts fail.
// A 2xx body is returned untouched even when it describes an error; the
// caller decides what a semantic failure means. Cancellation of ctx stops
// the loop immediately.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracer.StartSpan(ctx, "retry.do")
	span.SetAttributes(tracer.StringAttr("http.url", req.URL), tracer.StringAttr("http.method", req.method()))

	resp, err := c.do(ctx, req)
	if resp != nil {
		span.SetAttributes(tracer.IntAttr("retry.attempts", resp.Attempts))
	}
	tracer.Finish(span, err)
	return resp, err
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	hc, err := c.httpClient(req.Proxy)
	if err != nil {
		return nil, &domain.CallError{URL: req.URL, Cause: err}
	}

	c.logger.Debug("outbound call", "curl", CurlCommand(req))

	var (
		lastErr    error
		lastStatus int
		attempts   int
	)
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.Delay(attempt - 1)
			c.logger.Info("retrying outbound call", "uri", req.URL, "attempt", attempt+1, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				lastErr = err
				break
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		status, header, body, err := c.attempt(ctx, hc, req)
		lastStatus = status
		switch {
		case err != nil:
			lastErr = err
			c.logger.Warn("outbound call failed",
				"uri", req.URL, "attempt", attempts, "max", c.cfg.MaxRetries,
				"proxy", proxyLabel(req.Proxy), "error", err)
			if ctx.Err() != nil {
				return nil, &domain.CallError{URL: req.URL, Attempts: attempts, Cause: ctx.Err()}
			}
		case status < 200 || status > 299:
			lastErr = statusError(status, body)
			c.logger.Warn("outbound call returned non-2xx",
				"uri", req.URL, "attempt", attempts, "max", c.cfg.MaxRetries,
				"proxy", proxyLabel(req.Proxy), "status", status)
		default:
			c.logger.Info("outbound call succeeded",
				"uri", req.URL, "attempt", attempts, "proxy", proxyLabel(req.Proxy), "status", status)
			return &Response{StatusCode: status, Header: header, Body: body, Attempts: attempts}, nil
		}
	}

	if ctx.Err() != nil {
		lastErr, lastStatus = ctx.Err(), 0
	}
	return nil, &domain.CallError{URL: req.URL, Attempts: attempts, LastStatus: lastStatus, Cause: lastErr}
}

func (c *Client) attempt(ctx context.Context, hc *http.Client, req Request) (int, http.Header, []byte, error) {
	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return httpResp.StatusCode, nil, nil, fmt.Errorf("read response: %w", err)
	}
	return httpResp.StatusCode, httpResp.Header, respBody, nil
}

func (r Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

// statusError maps a final non-2xx status to a domain sentinel where one fits.
func statusError(status int, body []byte) error {
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, snippet)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", domain.ErrAuthInvalid, status, snippet)
	default:
		return fmt.Errorf("status %d: %s", status, snippet)
	}
}

func proxyLabel(p string) string {
	if p == "" {
		return "none"
	}
	if u, err := url.Parse(p); err == nil && u.User != nil {
		u.User = url.User(u.User.Username())
		return u.String()
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCallError reports whether err is a terminal retry failure.
func IsCallError(err error) bool {
	var ce *domain.CallError
	return errors.As(err, &ce)
}
