package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

func askCmd(configPath *string) *cobra.Command {
	var asJSON, quiet bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and exit",
		Example: `  mcpagent ask "what's the weather in Beijing tomorrow?"
  mcpagent ask --json "what time is it?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("empty question")
			}
			return runAsk(cmd.Context(), cmd.OutOrStdout(), *configPath, question, asJSON, quiet)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stream events as JSON lines")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the answer")
	return cmd
}

func runAsk(parent context.Context, out io.Writer, configPath, question string, asJSON, quiet bool) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, log, cleanup, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	r := newRenderer(out, 0)
	if quiet {
		res, err := a.orchestrator.Run(ctx, question)
		if err != nil {
			return err
		}
		r.result(res)
		return nil
	}

	var failed *domain.StreamEvent
	for ev := range a.orchestrator.Stream(ctx, question) {
		if asJSON {
			if err := writeJSONLine(out, ev); err != nil {
				return err
			}
		} else {
			r.event(ev)
		}
		if ev.Type == domain.StreamError {
			failed = &ev
		}
	}
	if failed != nil {
		return fmt.Errorf("%s", failed.Content)
	}
	return nil
}

func toolsCmd(configPath *string) *cobra.Command {
	var refresh, asJSON bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the backends expose",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTools(cmd.Context(), cmd.OutOrStdout(), *configPath, refresh, asJSON)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-run discovery before listing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the registry snapshot as JSON")
	return cmd
}

func runTools(parent context.Context, out io.Writer, configPath string, refresh, asJSON bool) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, log, cleanup, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := a.cache.Tools(ctx, refresh); err != nil {
		return err
	}
	snap := a.cache.Snapshot()
	if asJSON {
		return writeJSONLine(out, snap)
	}
	newRenderer(out, 0).tools(snap)
	return nil
}
