// Command mcpagent answers questions with a chat model that calls tools
// served by MCP backends. It runs as an HTTP/WebSocket gateway or as a
// one-shot CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/liuyngchng/my-mcp/internal/infra/config"
	"github.com/liuyngchng/my-mcp/internal/infra/logger"
	"github.com/liuyngchng/my-mcp/internal/infra/tracer"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcpagent",
		Short: "Answer questions with a model and MCP tools",
		Long: `mcpagent lets a chat model pick and call tools exposed by MCP backends.

With no command it runs the HTTP/WebSocket gateway.

Configuration:
  Config file: ./config.yaml (optional, defaults apply when missing)
  Environment: MCPAGENT_* variables override config

Examples:
  mcpagent --config /etc/mcpagent.yaml
  mcpagent ask "what's the weather in Beijing tomorrow?"
  mcpagent tools --refresh
  MCPAGENT_CONFIG_KEY=s3cret mcpagent encrypt sk-...`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "config file path")

	cmd.AddCommand(
		serveCmd(&configPath),
		askCmd(&configPath),
		toolsCmd(&configPath),
		doctorCmd(&configPath),
		encryptCmd(),
	)
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP/WebSocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>",
		Short: "Encrypt a secret for config.yaml (needs MCPAGENT_CONFIG_KEY)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("MCPAGENT_CONFIG_KEY")
			if passphrase == "" {
				return fmt.Errorf("MCPAGENT_CONFIG_KEY is not set")
			}
			v, err := config.EncryptValue(args[0], passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+v)
			return nil
		},
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("MCPAGENT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// bootstrap loads config and starts logging and tracing. The returned
// cleanup flushes both.
func bootstrap(ctx context.Context, path string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}

	cleanup := func() {
		_ = tracerShutdown(context.Background())
		_ = logCloser()
	}
	return cfg, log, cleanup, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
