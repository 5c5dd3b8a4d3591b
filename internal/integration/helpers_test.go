package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const testTimeout = 30 * time.Second

// skipIfShort skips end-to-end tests in short mode.
func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}
}

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newWeatherBackend serves a one-tool MCP backend over streamable HTTP.
func newWeatherBackend(t *testing.T) string {
	t.Helper()
	srv := server.NewMCPServer("weather", "1.0.0", server.WithToolCapabilities(true))
	srv.AddTool(
		mcp.NewTool("get_weather",
			mcp.WithDescription("Weather forecast by city"),
			mcp.WithString("city", mcp.Required(), mcp.Description("City name")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			city, _ := req.GetArguments()["city"].(string)
			return mcp.NewToolResultText("sunny in " + city), nil
		},
	)
	return serveBackend(t, srv)
}

// newClockBackend exposes a tool whose name collides with nothing and one
// that always reports a tool-level failure.
func newClockBackend(t *testing.T) string {
	t.Helper()
	srv := server.NewMCPServer("clock", "1.0.0", server.WithToolCapabilities(true))
	srv.AddTool(
		mcp.NewTool("now", mcp.WithDescription("Current time")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("12:00"), nil
		},
	)
	srv.AddTool(
		mcp.NewTool("broken", mcp.WithDescription("Always fails")),
		func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultError("clock is broken"), nil
		},
	)
	return serveBackend(t, srv)
}

func serveBackend(t *testing.T, srv *server.MCPServer) string {
	t.Helper()
	ts := httptest.NewServer(server.NewStreamableHTTPServer(srv))
	t.Cleanup(ts.Close)
	return ts.URL + "/mcp"
}

// deadBackend returns an address nothing listens on.
func deadBackend(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL + "/mcp"
	ts.Close()
	return addr
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role       string `json:"role"`
		Content    string `json:"content"`
		ToolCallID string `json:"tool_call_id"`
	} `json:"messages"`
	Tools []struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"tools"`
}

// fakeModel is a chat-completions endpoint that calls tool once, then
// answers with whatever the tool returned.
type fakeModel struct {
	tool  string
	args  string
	calls atomic.Int32
	// seenTools is the tool list of the most recent request.
	seenTools atomic.Value
}

func (m *fakeModel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.calls.Add(1)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	names := make([]string, len(req.Tools))
	for i, tl := range req.Tools {
		names[i] = tl.Function.Name
	}
	m.seenTools.Store(names)

	last := req.Messages[len(req.Messages)-1]
	w.Header().Set("Content-Type", "application/json")
	if last.Role == "tool" {
		fmt.Fprintf(w, `{"id":"2","model":%q,"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%q}}]}`,
			req.Model, "Answer: "+last.Content)
		return
	}
	fmt.Fprintf(w, `{"id":"1","model":%q,"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":%q,"arguments":%q}}]}}]}`,
		req.Model, m.tool, m.args)
}

func (m *fakeModel) tools() []string {
	v, _ := m.seenTools.Load().([]string)
	return v
}
