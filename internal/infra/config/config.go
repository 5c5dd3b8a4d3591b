package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Retry   RetryConfig   `yaml:"retry"`
	MCP     MCPConfig     `yaml:"mcp"`
	Agent   AgentConfig   `yaml:"agent"`
	Gateway GatewayConfig `yaml:"gateway"`
	Audit   AuditConfig   `yaml:"audit"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	// Includes are overlaid before the including file, so its own keys win.
	Includes []string `yaml:"includes,omitempty"`
}

// LLMConfig describes the chat-completions endpoint.
type LLMConfig struct {
	BaseURL            string               `yaml:"base_url"`
	APIKey             string               `yaml:"api_key"`
	Model              string               `yaml:"model"`
	Proxy              string               `yaml:"proxy,omitempty"` // e.g. "http://proxy.local:8080"
	Temperature        float64              `yaml:"temperature,omitempty"`
	MaxTokens          int                  `yaml:"max_tokens,omitempty"`
	ConnTimeout        time.Duration        `yaml:"conn_timeout"`
	RespTimeout        time.Duration        `yaml:"resp_timeout"`
	InsecureSkipVerify bool                 `yaml:"insecure_skip_verify"`
	CircuitBreaker     CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the model client.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"` // consecutive failures to trip (default 5)
	Timeout     time.Duration `yaml:"timeout"`      // open -> half-open (default 30s)
	Interval    time.Duration `yaml:"interval"`     // closed-state counter reset (default 60s)
}

// RetryConfig controls the outbound retry/backoff client.
type RetryConfig struct {
	MaxRetries int             `yaml:"max_retries"` // total attempts
	BaseDelay  time.Duration   `yaml:"base_delay"`
	MaxDelay   time.Duration   `yaml:"max_delay"`
	Ladder     []time.Duration `yaml:"ladder,omitempty"` // explicit waits; overrides exponential backoff
	RateLimit  float64         `yaml:"rate_limit,omitempty"` // requests per second, 0 = unlimited
	Burst      int             `yaml:"burst,omitempty"`
}

// MCPConfig lists the tool backends and registry behaviour.
type MCPConfig struct {
	Servers            []string          `yaml:"servers"`
	Namespacing        bool              `yaml:"namespacing"`
	CacheTTL           time.Duration     `yaml:"cache_ttl"`
	CallTimeout        time.Duration     `yaml:"call_timeout"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	ValidateArguments  bool              `yaml:"validate_arguments"`
	RefreshSchedule    string            `yaml:"refresh_schedule,omitempty"` // cron expression or duration
	Headers            map[string]string `yaml:"headers,omitempty"`
}

// AgentConfig holds tool-call loop settings.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	SystemPrompt  string        `yaml:"system_prompt"`
	ResultPreview int           `yaml:"result_preview"` // runes of tool output echoed in stream events
	StripThink    bool          `yaml:"strip_think"`
	RunTimeout    time.Duration `yaml:"run_timeout,omitempty"`
}

// GatewayConfig holds HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string   `yaml:"addr"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	WebSocket      bool     `yaml:"websocket"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
	// Tokens, when non-empty, are required on every route except health.
	Tokens []GatewayToken `yaml:"tokens,omitempty"`
}

// GatewayToken is one accepted bearer token.
type GatewayToken struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// AuditConfig holds the audit journal settings.
type AuditConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention,omitempty"` // 0 keeps everything
	// PruneSchedule is a cron expression or duration for the retention job.
	PruneSchedule string `yaml:"prune_schedule,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// DefaultSystemPrompt seeds every conversation unless overridden.
const DefaultSystemPrompt = "You are an intelligent assistant that can choose suitable tools according to the user's needs."

// defaultDataDir returns the persistent data directory under $HOME/.mcpagent/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".mcpagent", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			ConnTimeout: 30 * time.Second,
			RespTimeout: 120 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     false,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			Burst:      1,
		},
		MCP: MCPConfig{
			Servers:           []string{"http://127.0.0.1:19000/mcp"},
			Namespacing:       true,
			CacheTTL:          30 * time.Minute,
			CallTimeout:       30 * time.Second,
			ValidateArguments: true,
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			SystemPrompt:  DefaultSystemPrompt,
			ResultPreview: 200,
		},
		Gateway: GatewayConfig{
			Addr:           ":19001",
			RequestsPerMin: 100,
			Burst:          20,
			WebSocket:      true,
		},
		Audit: AuditConfig{
			Enabled:       false,
			Path:          filepath.Join(defaultDataDir(), "audit.db"),
			Retention:     30 * 24 * time.Hour,
			PruneSchedule: "@daily",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file is not an error: defaults plus env overrides are used.
// Failures match domain.ErrConfigLoad, and secret failures also match
// domain.ErrDecryption.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigLoad, err)
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if len(cfg.Includes) > 0 {
			if err := processIncludes(cfg, filepath.Dir(absPath), map[string]bool{absPath: true}, 0); err != nil {
				return nil, err
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config (second pass): %w", err)
			}
			cfg.Includes = nil
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MCPAGENT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w: %w", domain.ErrDecryption, err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays MCPAGENT_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MCPAGENT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("MCPAGENT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MCPAGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MCPAGENT_LLM_PROXY"); v != "" {
		cfg.LLM.Proxy = v
	}
	if v := os.Getenv("MCPAGENT_LLM_INSECURE_SKIP_VERIFY"); v == "true" {
		cfg.LLM.InsecureSkipVerify = true
	}
	if v := os.Getenv("MCPAGENT_MCP_SERVERS"); v != "" {
		cfg.MCP.Servers = splitAndTrim(v, ",")
	}
	if v := os.Getenv("MCPAGENT_MCP_NAMESPACING"); v == "false" {
		cfg.MCP.Namespacing = false
	}
	if v := os.Getenv("MCPAGENT_MCP_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MCP.CacheTTL = d
		}
	}
	if v := os.Getenv("MCPAGENT_MCP_REFRESH_SCHEDULE"); v != "" {
		cfg.MCP.RefreshSchedule = v
	}
	if v := os.Getenv("MCPAGENT_RETRY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("MCPAGENT_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv("MCPAGENT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("MCPAGENT_AUDIT_ENABLED"); v == "true" {
		cfg.Audit.Enabled = true
	}
	if v := os.Getenv("MCPAGENT_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("MCPAGENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MCPAGENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MCPAGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MCPAGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const encPrefix = "enc:"

// decryptSecrets replaces every "enc:..." secret with its plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.LLM.APIKey, encPrefix) {
		v, err := DecryptValue(strings.TrimPrefix(cfg.LLM.APIKey, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("llm api_key: %w", err)
		}
		cfg.LLM.APIKey = v
	}
	for k, hv := range cfg.MCP.Headers {
		if !strings.HasPrefix(hv, encPrefix) {
			continue
		}
		v, err := DecryptValue(strings.TrimPrefix(hv, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("mcp header %s: %w", k, err)
		}
		cfg.MCP.Headers[k] = v
	}
	for i, t := range cfg.Gateway.Tokens {
		if !strings.HasPrefix(t.Token, encPrefix) {
			continue
		}
		v, err := DecryptValue(strings.TrimPrefix(t.Token, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("gateway token %s: %w", t.Name, err)
		}
		cfg.Gateway.Tokens[i].Token = v
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext), without the "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others;
// the file may carry the model API key.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
