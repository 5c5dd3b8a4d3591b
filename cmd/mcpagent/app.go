package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liuyngchng/my-mcp/internal/adapter/audit"
	"github.com/liuyngchng/my-mcp/internal/adapter/llm"
	"github.com/liuyngchng/my-mcp/internal/adapter/mcp"
	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/config"
	"github.com/liuyngchng/my-mcp/internal/infra/logger"
	"github.com/liuyngchng/my-mcp/internal/infra/retry"
	"github.com/liuyngchng/my-mcp/internal/usecase"
	"github.com/liuyngchng/my-mcp/internal/usecase/eventbus"
	"github.com/liuyngchng/my-mcp/internal/usecase/scheduling"
)

// app holds the wired components shared by every command.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	bus          *eventbus.Bus
	cache        *usecase.ToolCache
	orchestrator *usecase.Orchestrator
	journal      *audit.SQLiteLogger // nil when audit is disabled
	cleanups     []func()
}

// close releases components in reverse construction order.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}

// newApp builds the tool registry, model client and loop from cfg.
func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	// 1. Event bus
	a.bus = eventbus.New(logger.Component(log, "eventbus"))
	a.cleanups = append(a.cleanups, a.bus.Close)

	// 2. Audit journal
	var auditLog domain.AuditLogger
	if cfg.Audit.Enabled {
		j, err := audit.NewSQLiteLogger(cfg.Audit.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("audit: %w", err)
		}
		a.journal = j
		auditLog = j
		a.cleanups = append(a.cleanups, func() { _ = j.Close() })
		log.Info("audit journal enabled", "path", cfg.Audit.Path)
	}

	// 3. Tool backends
	dialer := mcp.NewDialer(mcp.Config{
		Timeout:            cfg.MCP.CallTimeout,
		InsecureSkipVerify: cfg.MCP.InsecureSkipVerify,
		Headers:            cfg.MCP.Headers,
	}, logger.Component(log, "mcp"))

	discoverer := usecase.NewDiscoverer(dialer, cfg.MCP.Namespacing, logger.Component(log, "discovery"))
	cacheOpts := []usecase.ToolCacheOption{usecase.WithCacheBus(a.bus)}
	if auditLog != nil {
		cacheOpts = append(cacheOpts, usecase.WithCacheAudit(auditLog))
	}
	a.cache = usecase.NewToolCache(discoverer, cfg.MCP.Servers, cfg.MCP.CacheTTL, logger.Component(log, "toolcache"), cacheOpts...)

	invoker := usecase.NewInvoker(a.cache, dialer, usecase.InvokerConfig{
		CallTimeout:       cfg.MCP.CallTimeout,
		ValidateArguments: cfg.MCP.ValidateArguments,
	}, logger.Component(log, "invoker"))

	// 4. Model client
	model := newModelClient(cfg, log)

	// 5. Loop
	a.orchestrator = usecase.NewOrchestrator(usecase.OrchestratorDeps{
		Model:         model,
		Registry:      a.cache,
		Invoker:       invoker,
		Logger:        logger.Component(log, "orchestrator"),
		ModelName:     cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
		ResultPreview: cfg.Agent.ResultPreview,
		StripThink:    cfg.Agent.StripThink,
		RunTimeout:    cfg.Agent.RunTimeout,
		Bus:           a.bus,
		AuditLogger:   auditLog,
	})
	return a, nil
}

func newModelClient(cfg *config.Config, log *slog.Logger) domain.ModelClient {
	httpClient := retry.New(retry.Config{
		MaxRetries:         cfg.Retry.MaxRetries,
		BaseDelay:          cfg.Retry.BaseDelay,
		MaxDelay:           cfg.Retry.MaxDelay,
		Ladder:             cfg.Retry.Ladder,
		RateLimit:          cfg.Retry.RateLimit,
		Burst:              cfg.Retry.Burst,
		ConnTimeout:        cfg.LLM.ConnTimeout,
		RespTimeout:        cfg.LLM.RespTimeout,
		InsecureSkipVerify: cfg.LLM.InsecureSkipVerify,
	}, logger.Component(log, "retry"))

	var model domain.ModelClient = llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		Proxy:   cfg.LLM.Proxy,
	}, httpClient, logger.Component(log, "llm"))

	if cfg.LLM.CircuitBreaker.Enabled {
		model = llm.NewCircuitBreakerClient(model, cfg.LLM.CircuitBreaker, log)
		log.Info("model circuit breaker enabled",
			"max_failures", cfg.LLM.CircuitBreaker.MaxFailures,
			"timeout", cfg.LLM.CircuitBreaker.Timeout)
	}
	return model
}

// startScheduler registers the maintenance jobs the config asks for. It
// returns a nil scheduler when there is nothing to run.
func (a *app) startScheduler(ctx context.Context) (*scheduling.Scheduler, error) {
	var tasks []scheduling.ScheduledTask
	if a.cfg.MCP.RefreshSchedule != "" {
		tasks = append(tasks, scheduling.ScheduledTask{
			Name:     "tool-refresh",
			Schedule: a.cfg.MCP.RefreshSchedule,
			Action:   scheduling.ActionToolRefresh,
		})
	}
	if a.journal != nil && a.cfg.Audit.Retention > 0 && a.cfg.Audit.PruneSchedule != "" {
		tasks = append(tasks, scheduling.ScheduledTask{
			Name:     "audit-retention",
			Schedule: a.cfg.Audit.PruneSchedule,
			Action:   scheduling.ActionAuditRetention,
		})
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	sched := scheduling.NewScheduler(logger.Component(a.log, "scheduler"))
	sched.RegisterAction(scheduling.ActionToolRefresh, a.cache.Refresh)
	sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
		n, err := a.journal.Prune(ctx, a.cfg.Audit.Retention)
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("audit journal pruned", "removed", n)
		}
		return nil
	})
	for _, t := range tasks {
		if err := sched.AddTask(t); err != nil {
			return nil, err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return nil, err
	}
	return sched, nil
}
