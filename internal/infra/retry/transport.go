package retry

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Default transport settings: few hosts, long-lived connections.
const (
	defaultConnTimeout         = 30 * time.Second
	defaultRespTimeout         = 120 * time.Second
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewTransport creates a pooled http.Transport. proxy may be empty for a
// direct connection; the process environment's proxy settings are ignored so
// that the per-call proxy is the only one in effect.
func NewTransport(connTimeout, respTimeout time.Duration, proxy string, insecure bool) (*http.Transport, error) {
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          defaultMaxIdleConns,
		MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
		IdleConnTimeout:       defaultIdleConnTimeout,
		ForceAttemptHTTP2:     true,
	}
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", proxy)
		}
		t.Proxy = http.ProxyURL(u)
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed dev endpoints
	}
	return t, nil
}

// NewHTTPClient creates an *http.Client whose overall timeout covers connect
// plus response, so a hung attempt surfaces as a retryable timeout.
func NewHTTPClient(connTimeout, respTimeout time.Duration, proxy string, insecure bool) (*http.Client, error) {
	t, err := NewTransport(connTimeout, respTimeout, proxy, insecure)
	if err != nil {
		return nil, err
	}
	if connTimeout <= 0 {
		connTimeout = defaultConnTimeout
	}
	if respTimeout <= 0 {
		respTimeout = defaultRespTimeout
	}
	return &http.Client{Transport: t, Timeout: connTimeout + respTimeout}, nil
}

// httpClient returns the cached client for proxy, building it on first use.
func (c *Client) httpClient(proxy string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.clients[proxy]; ok {
		return hc, nil
	}
	hc, err := NewHTTPClient(c.cfg.ConnTimeout, c.cfg.RespTimeout, proxy, c.cfg.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	c.clients[proxy] = hc
	return hc, nil
}
