package main

import (
	"context"
	"fmt"

	"github.com/liuyngchng/my-mcp/internal/adapter/gateway"
	"github.com/liuyngchng/my-mcp/internal/infra/logger"
)

func runServe(parent context.Context, configPath string) error {
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

	// Warm the registry so the first question does not pay for discovery.
	// A backend that is down only degrades health.
	if _, err := a.cache.Tools(ctx, false); err != nil {
		log.Warn("initial tool discovery failed", "error", err)
	}

	sched, err := a.startScheduler(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if sched != nil {
		defer sched.Stop()
	}

	metrics := &gateway.Metrics{}
	unsub := a.bus.SubscribeAll(metrics.Observe)
	defer unsub()

	var auth gateway.Authenticator
	if len(cfg.Gateway.Tokens) > 0 {
		entries := make([]gateway.TokenEntry, len(cfg.Gateway.Tokens))
		for i, t := range cfg.Gateway.Tokens {
			entries[i] = gateway.TokenEntry{Token: t.Token, Name: t.Name}
		}
		auth = gateway.NewStaticTokenAuth(entries)
	}

	srv := gateway.NewServer(gateway.Config{
		Addr:           cfg.Gateway.Addr,
		RequestsPerMin: cfg.Gateway.RequestsPerMin,
		Burst:          cfg.Gateway.Burst,
		TrustedProxies: cfg.Gateway.TrustedProxies,
		WebSocket:      cfg.Gateway.WebSocket,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, gateway.Deps{
		Runner:   a.orchestrator,
		Tools:    a.cache,
		Observer: a.bus,
		Auth:     auth,
		Metrics:  metrics,
		Logger:   logger.Component(log, "gateway"),
	})

	log.Info("mcpagent serving",
		"addr", cfg.Gateway.Addr,
		"backends", len(cfg.MCP.Servers),
		"model", cfg.LLM.Model)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("shutting down")
	return srv.Stop(context.Background())
}
