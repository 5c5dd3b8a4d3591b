package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLLM(cfg, ve)
	validateRetry(cfg, ve)
	validateMCP(cfg, ve)
	validateAgent(cfg, ve)
	validateGateway(cfg, ve)
	validateAudit(cfg, ve)
	validateObservability(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if !isHTTPURL(cfg.LLM.BaseURL) {
		ve.Add("llm.base_url %q must be an http(s) URL", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model == "" {
		ve.Add("llm.model must not be empty")
	}
	if cfg.LLM.Proxy != "" && !isHTTPURL(cfg.LLM.Proxy) {
		ve.Add("llm.proxy %q must be an http(s) URL", cfg.LLM.Proxy)
	}
	if cfg.LLM.ConnTimeout < 0 || cfg.LLM.RespTimeout < 0 {
		ve.Add("llm timeouts must not be negative")
	}
	cb := cfg.LLM.CircuitBreaker
	if cb.Enabled && cb.MaxFailures < 1 {
		ve.Add("llm.circuit_breaker.max_failures must be >= 1 when enabled")
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	r := cfg.Retry
	if r.MaxRetries < 1 {
		ve.Add("retry.max_retries must be >= 1 (got %d)", r.MaxRetries)
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		ve.Add("retry delays must not be negative")
	}
	for i, d := range r.Ladder {
		if d <= 0 {
			ve.Add("retry.ladder[%d] must be positive", i)
		}
	}
	if r.RateLimit < 0 {
		ve.Add("retry.rate_limit must not be negative")
	}
}

func validateMCP(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool, len(cfg.MCP.Servers))
	for i, s := range cfg.MCP.Servers {
		if seen[s] {
			ve.Add("mcp.servers[%d]: duplicate address %q", i, s)
		}
		seen[s] = true
		if strings.HasPrefix(s, "stdio:") {
			if strings.TrimSpace(strings.TrimPrefix(s, "stdio:")) == "" {
				ve.Add("mcp.servers[%d]: stdio address needs a command", i)
			}
			continue
		}
		if !isHTTPURL(s) {
			ve.Add("mcp.servers[%d] %q must be an http(s) URL or stdio:<command>", i, s)
		}
	}
	if cfg.MCP.CacheTTL <= 0 {
		ve.Add("mcp.cache_ttl must be positive")
	}
	if cfg.MCP.CallTimeout < 0 {
		ve.Add("mcp.call_timeout must not be negative")
	}
}

func validateAgent(cfg *Config, ve *ValidationError) {
	if cfg.Agent.MaxIterations < 1 {
		ve.Add("agent.max_iterations must be >= 1 (got %d)", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.ResultPreview < 0 {
		ve.Add("agent.result_preview must not be negative")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is invalid: %v", cfg.Gateway.Addr, err)
	}
	if cfg.Gateway.RequestsPerMin < 0 || cfg.Gateway.Burst < 0 {
		ve.Add("gateway rate limits must not be negative")
	}
	for i, t := range cfg.Gateway.Tokens {
		if t.Token == "" {
			ve.Add("gateway.tokens[%d] (%s) has an empty token", i, t.Name)
		}
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		ve.Add("audit.path must be set when audit is enabled")
	}
	if cfg.Audit.Retention < 0 {
		ve.Add("audit.retention must not be negative")
	}
}

var (
	validLogFormats = map[string]bool{"": true, "text": true, "json": true}
	validExporters  = map[string]bool{"": true, "noop": true, "stdout": true}
)

func validateObservability(cfg *Config, ve *ValidationError) {
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout)", cfg.Tracer.Exporter)
	}
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
