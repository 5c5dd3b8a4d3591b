package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// Metrics counts run activity seen on the event bus.
type Metrics struct {
	RunsStarted    atomic.Int64
	RunsCompleted  atomic.Int64
	RunsFailed     atomic.Int64
	ModelCalls     atomic.Int64
	ToolCalls      atomic.Int64
	ToolCallErrors atomic.Int64
	ToolsDropped   atomic.Int64
	Refreshes      atomic.Int64
}

// Observe updates the counters for one event.
func (m *Metrics) Observe(_ context.Context, e domain.Event) {
	switch e.Type {
	case domain.EventRunStarted:
		m.RunsStarted.Add(1)
	case domain.EventRunCompleted:
		m.RunsCompleted.Add(1)
	case domain.EventRunFailed:
		m.RunsFailed.Add(1)
	case domain.EventLLMCallStarted:
		m.ModelCalls.Add(1)
	case domain.EventToolCallStarted:
		m.ToolCalls.Add(1)
	case domain.EventToolCallCompleted:
		if eventIsError(e) {
			m.ToolCallErrors.Add(1)
		}
	case domain.EventToolCallDropped:
		m.ToolsDropped.Add(1)
	case domain.EventToolsRefreshed:
		m.Refreshes.Add(1)
	}
}

func eventIsError(e domain.Event) bool {
	var p struct {
		Success *bool `json:"success"`
	}
	if json.Unmarshal(e.Payload, &p) != nil || p.Success == nil {
		return false
	}
	return !*p.Success
}

// metricsHandler serves GET /metrics in Prometheus text format.
func metricsHandler(m *Metrics, tools ToolLister, startTime time.Time) http.HandlerFunc {
	counter := func(w http.ResponseWriter, name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	gauge := func(w http.ResponseWriter, name, help string, v float64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		counter(w, "mcpagent_runs_started_total", "Questions accepted.", m.RunsStarted.Load())
		counter(w, "mcpagent_runs_completed_total", "Runs that produced an answer.", m.RunsCompleted.Load())
		counter(w, "mcpagent_runs_failed_total", "Runs that ended without an answer.", m.RunsFailed.Load())
		counter(w, "mcpagent_model_calls_total", "Model rounds sent.", m.ModelCalls.Load())
		counter(w, "mcpagent_tool_calls_total", "Tool invocations.", m.ToolCalls.Load())
		counter(w, "mcpagent_tool_call_errors_total", "Tool invocations that returned an error.", m.ToolCallErrors.Load())
		counter(w, "mcpagent_tool_calls_dropped_total", "Tool calls skipped as malformed or unknown.", m.ToolsDropped.Load())
		counter(w, "mcpagent_tool_refreshes_total", "Tool discovery passes.", m.Refreshes.Load())

		snap := tools.Snapshot()
		healthy := 0
		for _, b := range snap.Backends {
			if b.Healthy {
				healthy++
			}
		}
		gauge(w, "mcpagent_tools_cached", "Tools in the registry cache.", float64(len(snap.Tools)))
		gauge(w, "mcpagent_backends_healthy", "Backends that answered the last discovery.", float64(healthy))
		gauge(w, "mcpagent_uptime_seconds", "Seconds since the gateway started.", time.Since(startTime).Round(time.Second).Seconds())
		gauge(w, "go_goroutines", "Number of goroutines.", float64(runtime.NumGoroutine()))
	}
}
