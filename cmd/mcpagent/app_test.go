package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuyngchng/my-mcp/internal/infra/config"
	"github.com/liuyngchng/my-mcp/internal/infra/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.MCP.Servers = []string{"http://127.0.0.1:1/mcp"}
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")
	return cfg
}

func TestNewAppWithoutAudit(t *testing.T) {
	a, err := newApp(testConfig(t), logger.Discard())
	require.NoError(t, err)
	defer a.close()

	assert.Nil(t, a.journal)
	assert.NotNil(t, a.orchestrator)
	assert.NotNil(t, a.cache)
}

func TestNewAppWithAuditAndBreaker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = true
	cfg.LLM.CircuitBreaker.Enabled = true

	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.close()

	require.NotNil(t, a.journal)
	assert.Equal(t, "openai", newModelClient(cfg, logger.Discard()).Name())
}

func TestStartSchedulerNothingToRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCP.RefreshSchedule = ""

	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.close()

	sched, err := a.startScheduler(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sched)
}

func TestStartSchedulerRegistersJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCP.RefreshSchedule = "10m"
	cfg.Audit.Enabled = true
	cfg.Audit.PruneSchedule = "@hourly"

	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched, err := a.startScheduler(ctx)
	require.NoError(t, err)
	require.NotNil(t, sched)
	defer sched.Stop()

	next, ok := sched.NextRun("tool-refresh")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), next, time.Minute)

	_, ok = sched.NextRun("audit-retention")
	assert.True(t, ok)
}

func TestStartSchedulerRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCP.RefreshSchedule = "whenever"

	a, err := newApp(cfg, logger.Discard())
	require.NoError(t, err)
	defer a.close()

	_, err = a.startScheduler(context.Background())
	assert.Error(t, err)
}
