package middleware

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/query", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	w := serve(SecurityHeaders(okHandler()), "192.168.1.1:12345")

	expected := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'self'",
		"Referrer-Policy":         "strict-origin-when-cross-origin",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS header should not be set without TLS, got: %q", hsts)
	}
}

func TestSecurityHeaders_HSTS_WithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/health", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestRateLimit_BlocksExcessiveTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerMin: 6, BurstSize: 3})(okHandler())

	ok, blocked := 0, 0
	var last *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		w := serve(h, "192.168.1.1:12345")
		switch w.Code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			blocked++
			last = w
		}
	}
	if ok != 3 || blocked != 7 {
		t.Fatalf("ok=%d blocked=%d, want 3 and 7", ok, blocked)
	}

	var body struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(last.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success || body.Code != "RATE_LIMIT" {
		t.Errorf("body = %+v", body)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := RateLimit(ctx, RateLimitConfig{RequestsPerMin: 6, BurstSize: 2})(okHandler())

	blocked := false
	for i := 0; i < 3; i++ {
		if serve(h, "192.168.1.1:12345").Code == http.StatusTooManyRequests {
			blocked = true
		}
	}
	if !blocked {
		t.Error("client 1 should have been rate limited")
	}
	for i := 0; i < 2; i++ {
		if code := serve(h, "192.168.1.2:12345").Code; code != http.StatusOK {
			t.Errorf("client 2 request %d: status %d", i, code)
		}
	}
}

func TestRateLimit_DisabledWhenZero(t *testing.T) {
	h := RateLimit(context.Background(), RateLimitConfig{})(okHandler())
	for i := 0; i < 50; i++ {
		if code := serve(h, "10.0.0.1:1").Code; code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		xri     string
		trusted []string
		want    string
	}{
		{name: "direct strips port", remote: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "ipv6", remote: "[::1]:8080", want: "::1"},
		{name: "untrusted peer ignores xff", remote: "1.2.3.4:1", xff: "8.8.8.8", trusted: []string{"10.0.0.1"}, want: "1.2.3.4"},
		{name: "no trusted proxies ignores xff", remote: "1.2.3.4:1", xff: "8.8.8.8", want: "1.2.3.4"},
		{name: "trusted proxy first xff hop", remote: "10.0.0.1:1", xff: "203.0.113.1, 198.51.100.1", trusted: []string{"10.0.0.1"}, want: "203.0.113.1"},
		{name: "trusted proxy x-real-ip", remote: "10.0.0.1:1", xri: "203.0.113.9", trusted: []string{"10.0.0.1"}, want: "203.0.113.9"},
		{name: "trusted proxy no headers", remote: "10.0.0.1:1", trusted: []string{"10.0.0.1"}, want: "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRecover(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Recover(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := serve(h, "1.1.1.1:1")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestChainOrderAndAccessLog(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("writer should still be a Flusher")
		}
		w.WriteHeader(http.StatusTeapot)
	}), mark("outer"), AccessLog(logger), mark("inner"))

	w := serve(h, "1.1.1.1:1")
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v", order)
	}
}
