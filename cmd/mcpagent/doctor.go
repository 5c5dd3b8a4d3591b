package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/liuyngchng/my-mcp/internal/adapter/mcp"
	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/config"
	"github.com/liuyngchng/my-mcp/internal/infra/logger"
	"github.com/liuyngchng/my-mcp/internal/infra/retry"
	"github.com/liuyngchng/my-mcp/internal/usecase"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 10 * time.Second

func doctorCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, model endpoint and backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout(), *configPath)
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(out io.Writer, configPath string) error {
	// Some checks still run without a loadable config.
	cfg, cfgErr := config.Load(configPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(configPath, cfgErr)},
		{Name: "Model API key", Fn: checkAPIKey},
		{Name: "Model endpoint", Fn: checkModelEndpoint},
		{Name: "Tool backends", Fn: checkBackends},
		{Name: "Audit journal", Fn: checkAuditPath},
		{Name: "Gateway address", Fn: checkGatewayAddr},
	}

	fmt.Fprintln(out, "mcpagent doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}
		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var errNoConfig = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile reports whether the config file exists and loads. A
// missing file is only a warning since defaults and env vars still apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error [%s]: %v", domain.ErrorCodeOf(cfgErr), cfgErr),
				Fix:     "Check config.yaml syntax and permissions (0600 or 0644)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and MCPAGENT_* variables", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkAPIKey(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if cfg.LLM.APIKey == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no API key configured",
			Fix:     "Set llm.api_key or MCPAGENT_LLM_API_KEY unless the endpoint needs none",
		}
	}
	if strings.HasPrefix(cfg.LLM.APIKey, "enc:") {
		return CheckResult{
			Status:  StatusFail,
			Message: "API key is still encrypted",
			Fix:     "Export MCPAGENT_CONFIG_KEY with the passphrase used by 'mcpagent encrypt'",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("API key configured for model %s", cfg.LLM.Model)}
}

// checkModelEndpoint lists models at the configured base URL through the
// configured proxy.
func checkModelEndpoint(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	hc, err := retry.NewHTTPClient(cfg.LLM.ConnTimeout, doctorTimeout, cfg.LLM.Proxy, cfg.LLM.InsecureSkipVerify)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check llm.proxy"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()

	endpoint := strings.TrimRight(cfg.LLM.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad endpoint: %v", err)}
	}
	if cfg.LLM.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.LLM.APIKey)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check llm.base_url, llm.proxy and firewall settings",
		}
	}
	resp.Body.Close()
	latency := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s rejected the API key (%d)", endpoint, resp.StatusCode)}
	case resp.StatusCode >= 400:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("%s answered %d (latency: %dms)", endpoint, resp.StatusCode, latency.Milliseconds())}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s reachable (latency: %dms)", endpoint, latency.Milliseconds())}
}

// checkBackends runs one discovery pass over every configured backend.
func checkBackends(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if len(cfg.MCP.Servers) == 0 {
		return CheckResult{Status: StatusFail, Message: "no MCP servers configured", Fix: "Add addresses under mcp.servers"}
	}

	dialer := mcp.NewDialer(mcp.Config{
		Timeout:            doctorTimeout,
		InsecureSkipVerify: cfg.MCP.InsecureSkipVerify,
		Headers:            cfg.MCP.Headers,
	}, logger.Discard())
	d := usecase.NewDiscoverer(dialer, cfg.MCP.Namespacing, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 2*doctorTimeout)
	defer cancel()
	tools, _, statuses := d.DiscoverWithStatus(ctx, cfg.MCP.Servers)
	return backendResult(len(tools), statuses)
}

func backendResult(toolCount int, statuses []domain.BackendStatus) CheckResult {
	var down []string
	for _, s := range statuses {
		if !s.Healthy {
			down = append(down, fmt.Sprintf("%s (%s)", s.Address, s.Error))
		}
	}
	switch {
	case len(down) == len(statuses):
		return CheckResult{
			Status:  StatusFail,
			Message: "no backend answered: " + strings.Join(down, "; "),
			Fix:     "Start the MCP servers or fix mcp.servers",
		}
	case len(down) > 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d tools; unreachable: %s", toolCount, strings.Join(down, "; ")),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d tools from %d backends", toolCount, len(statuses))}
}

func checkAuditPath(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusPass, Message: "audit journal disabled"}
	}

	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", dir),
		}
	}
	probe := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", dir),
		}
	}
	os.Remove(probe)
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("journal at %s", cfg.Audit.Path)}
}

func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return errNoConfig
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("cannot listen on %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process holding the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.Gateway.Addr)}
}
