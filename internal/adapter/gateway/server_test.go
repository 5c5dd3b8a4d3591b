package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/usecase"
	"github.com/liuyngchng/my-mcp/internal/usecase/eventbus"
)

type fakeRunner struct {
	mu        sync.Mutex
	questions []string
	result    *usecase.RunResult
	err       error
	events    []domain.StreamEvent
}

func (f *fakeRunner) Run(_ context.Context, q string) (*usecase.RunResult, error) {
	f.mu.Lock()
	f.questions = append(f.questions, q)
	f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeRunner) asked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.questions...)
}

func (f *fakeRunner) Stream(_ context.Context, q string) iter.Seq[domain.StreamEvent] {
	f.mu.Lock()
	f.questions = append(f.questions, q)
	f.mu.Unlock()
	return func(yield func(domain.StreamEvent) bool) {
		for _, ev := range f.events {
			if !yield(ev) {
				return
			}
		}
	}
}

type fakeTools struct {
	mu        sync.Mutex
	refreshes int
	snap      usecase.CacheSnapshot
}

func (f *fakeTools) Tools(context.Context, bool) ([]domain.ToolDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.snap.Tools, nil
}

func (f *fakeTools) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeTools) Snapshot() usecase.CacheSnapshot { return f.snap }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func finalEvents() []domain.StreamEvent {
	return []domain.StreamEvent{
		{Type: domain.StreamStatus, Content: "start processing your question: q", RunID: "r1"},
		{Type: domain.StreamStatus, Content: "round 1 processing...", Iteration: 1, RunID: "r1"},
		{Type: domain.StreamFinal, Content: "42", Iteration: 1, RunID: "r1"},
	}
}

type fixture struct {
	srv    *httptest.Server
	runner *fakeRunner
	tools  *fakeTools
	server *Server
}

func newFixture(t *testing.T, cfg Config, mutate ...func(*Deps)) *fixture {
	t.Helper()
	runner := &fakeRunner{
		result: &usecase.RunResult{RunID: "r1", Outcome: usecase.OutcomeFinal, Answer: "42", Iterations: 1},
		events: finalEvents(),
	}
	tools := &fakeTools{snap: usecase.CacheSnapshot{
		Tools: []domain.ToolDescriptor{{Name: "server0_weather", LocalName: "weather", Backend: "http://a/mcp"}},
		Backends: []domain.BackendStatus{
			{Address: "http://a/mcp", Index: 0, Healthy: true, ToolCount: 1},
		},
	}}
	deps := Deps{Runner: runner, Tools: tools, Logger: testLogger()}
	for _, m := range mutate {
		m(&deps)
	}
	s := NewServer(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(func() {
		s.Stop(context.Background())
		srv.Close()
		cancel()
	})
	return &fixture{srv: srv, runner: runner, tools: tools, server: s}
}

func postJSON(t *testing.T, url, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeQuery(t *testing.T, resp *http.Response) QueryResponse {
	t.Helper()
	var out QueryResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})

	resp, err := http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 1, body.Tools)
}

func TestHealthDegraded(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) {
		ft := d.Tools.(*fakeTools)
		ft.snap.Backends = append(ft.snap.Backends, domain.BackendStatus{Address: "http://b/mcp", Index: 1, Error: "refused"})
	})

	resp, err := http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Len(t, body.Backends, 2)
}

func TestQuery(t *testing.T) {
	f := newFixture(t, Config{})

	resp := postJSON(t, f.srv.URL+"/api/query", `{"question": "  what is the answer?  "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeQuery(t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, "what is the answer?", body.Question)
	assert.Equal(t, "42", body.Answer)
	assert.Equal(t, "r1", body.RunID)
	assert.Equal(t, usecase.OutcomeFinal, body.Outcome)
	assert.Equal(t, []string{"what is the answer?"}, f.runner.asked())
}

func TestQueryMissingQuestion(t *testing.T) {
	f := newFixture(t, Config{})

	for _, body := range []string{`{}`, `{"question": ""}`, `not json`} {
		resp := postJSON(t, f.srv.URL+"/api/query", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		out := decodeQuery(t, resp)
		assert.False(t, out.Success)
		assert.Equal(t, domain.CodeInvalidInput, out.Code)
	}
	assert.Empty(t, f.runner.asked())
}

func TestQueryIterationLimitAnswers(t *testing.T) {
	f := newFixture(t, Config{}, func(d *Deps) {
		d.Runner.(*fakeRunner).result = &usecase.RunResult{
			RunID: "r1", Outcome: usecase.OutcomeIterationLimit, Iterations: 10, Err: domain.ErrIterationLimit,
		}
	})

	resp := postJSON(t, f.srv.URL+"/api/query", `{"question": "q"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeQuery(t, resp)
	assert.True(t, body.Success)
	assert.Equal(t, usecase.OutcomeIterationLimit, body.Outcome)
	assert.Contains(t, body.Answer, "processing timed out")
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   domain.ErrorCode
	}{
		{"no tools", domain.ErrNoTools, http.StatusServiceUnavailable, domain.CodeNoTools},
		{"model call", &domain.ModelCallError{Cause: &domain.CallError{Attempts: 3}}, http.StatusBadGateway, domain.CodeModelCall},
		{"circuit open", &domain.ModelCallError{Cause: domain.ErrCircuitOpen}, http.StatusServiceUnavailable, domain.CodeModelCall},
		{"upstream unauthorized", &domain.ModelCallError{Cause: &domain.CallError{
			URL: "http://llm/chat/completions", Attempts: 1, LastStatus: http.StatusUnauthorized,
			Cause: fmt.Errorf("%w: status 401: bad key", domain.ErrAuthInvalid),
		}}, http.StatusBadGateway, domain.CodeModelCall},
		{"malformed", &domain.MalformedResponseError{Detail: "x"}, http.StatusBadGateway, domain.CodeMalformedResponse},
		{"other", errors.New("boom"), http.StatusInternalServerError, domain.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, func(d *Deps) {
				r := d.Runner.(*fakeRunner)
				r.err = tt.err
				r.result = &usecase.RunResult{RunID: "r9", Outcome: usecase.OutcomeError, Err: tt.err}
			})

			resp := postJSON(t, f.srv.URL+"/api/query", `{"question": "q"}`)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decodeQuery(t, resp)
			assert.False(t, body.Success)
			assert.Equal(t, tt.code, body.Code)
			assert.Equal(t, "r9", body.RunID)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestQueryStream(t *testing.T) {
	f := newFixture(t, Config{})

	resp := postJSON(t, f.srv.URL+"/api/query/stream", `{"question": "q"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var got []domain.StreamEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		got = append(got, ev)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, finalEvents(), got)
}

func TestTools(t *testing.T) {
	f := newFixture(t, Config{})

	resp, err := http.Get(f.srv.URL + "/api/tools")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap usecase.CacheSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "server0_weather", snap.Tools[0].Name)
	assert.Zero(t, f.tools.refreshCount())

	resp2, err := http.Get(f.srv.URL + "/api/tools?refresh=true")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, 1, f.tools.refreshCount())
}

func TestAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]TokenEntry{{Token: "secret", Name: "ops"}})
	f := newFixture(t, Config{}, func(d *Deps) { d.Auth = auth })

	resp := postJSON(t, f.srv.URL+"/api/query", `{"question": "q"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, domain.CodeAuthInvalid, decodeQuery(t, resp).Code)

	resp = postJSON(t, f.srv.URL+"/api/query", `{"question": "q"}`, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postJSON(t, f.srv.URL+"/api/query", `{"question": "q"}`, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health, err := http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode, "health stays open")

	tools, err := http.Get(f.srv.URL + "/api/tools?token=secret")
	require.NoError(t, err)
	tools.Body.Close()
	assert.Equal(t, http.StatusOK, tools.StatusCode)
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, Config{RequestsPerMin: 6, Burst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(f.srv.URL + "/api/health")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestMetrics(t *testing.T) {
	m := &Metrics{}
	f := newFixture(t, Config{}, func(d *Deps) { d.Metrics = m })

	ctx := context.Background()
	m.Observe(ctx, domain.Event{Type: domain.EventRunStarted})
	m.Observe(ctx, domain.Event{Type: domain.EventToolCallStarted})
	m.Observe(ctx, domain.Event{Type: domain.EventToolCallCompleted, Payload: json.RawMessage(`{"tool":"x","success":false}`)})
	m.Observe(ctx, domain.Event{Type: domain.EventToolCallCompleted, Payload: json.RawMessage(`{"tool":"x","success":true}`)})

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "mcpagent_runs_started_total 1\n")
	assert.Contains(t, text, "mcpagent_tool_calls_total 1\n")
	assert.Contains(t, text, "mcpagent_tool_call_errors_total 1\n")
	assert.Contains(t, text, "mcpagent_tools_cached 1\n")
	assert.Contains(t, text, "mcpagent_backends_healthy 1\n")
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readFrames(t *testing.T, c *websocket.Conn, until FrameType) []Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frames []Frame
	for {
		var fr Frame
		require.NoError(t, wsjson.Read(ctx, c, &fr))
		frames = append(frames, fr)
		if fr.Type == until || fr.Type == FrameTypeError {
			return frames
		}
	}
}

func TestWebSocketAsk(t *testing.T) {
	f := newFixture(t, Config{WebSocket: true})
	c := dialWS(t, f)

	require.NoError(t, wsjson.Write(context.Background(), c, map[string]string{"question": "q"}))
	frames := readFrames(t, c, FrameTypeDone)

	require.Len(t, frames, 4)
	for _, fr := range frames[:3] {
		assert.Equal(t, FrameTypeStream, fr.Type)
		assert.Equal(t, "r1", fr.RunID)
	}
	assert.Equal(t, domain.StreamFinal, frames[2].Event.Type)
	assert.Equal(t, "42", frames[2].Event.Content)
	assert.Equal(t, FrameTypeDone, frames[3].Type)
}

func TestWebSocketUnknownFrame(t *testing.T) {
	f := newFixture(t, Config{WebSocket: true})
	c := dialWS(t, f)

	require.NoError(t, wsjson.Write(context.Background(), c, Frame{Type: "subscribe", ID: 7}))
	frames := readFrames(t, c, FrameTypeError)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(7), frames[0].ID)
	assert.Equal(t, domain.CodeRPCMethodNotFound, frames[0].Code)
}

func TestWebSocketInvalidPayloadKeepsConnection(t *testing.T) {
	f := newFixture(t, Config{WebSocket: true})
	c := dialWS(t, f)

	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte(`{"type":`)))
	frames := readFrames(t, c, FrameTypeError)
	require.Len(t, frames, 1)
	assert.Equal(t, domain.CodeRPCInvalidPayload, frames[0].Code)

	require.NoError(t, wsjson.Write(context.Background(), c, Frame{Type: "ping", ID: 8}))
	frames = readFrames(t, c, FrameTypeError)
	require.Len(t, frames, 1)
	assert.Equal(t, uint64(8), frames[0].ID)
	assert.Equal(t, domain.CodeRPCMethodNotFound, frames[0].Code)
}

func TestWebSocketObserve(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()
	f := newFixture(t, Config{WebSocket: true}, func(d *Deps) { d.Observer = bus })
	c := dialWS(t, f)

	require.NoError(t, wsjson.Write(context.Background(), c, Frame{Type: FrameTypeObserve, ID: 3, RunID: "r42"}))
	// Frames are read in order, so the reply to this one proves the
	// subscription is in place.
	require.NoError(t, wsjson.Write(context.Background(), c, Frame{Type: "ping", ID: 99}))
	barrier := readFrames(t, c, FrameTypeError)
	require.Equal(t, uint64(99), barrier[len(barrier)-1].ID)

	bus.Publish(context.Background(), domain.Event{Type: domain.EventRunRound, RunID: "other"})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventRunRound, RunID: "r42"})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventRunCompleted, RunID: "r42"})

	frames := readFrames(t, c, FrameTypeDone)
	require.NotEmpty(t, frames)
	for _, fr := range frames {
		assert.Equal(t, "r42", fr.RunID)
		assert.Equal(t, uint64(3), fr.ID)
	}
	assert.Equal(t, FrameTypeDone, frames[len(frames)-1].Type)
}

func TestWebSocketObserveNeedsRunID(t *testing.T) {
	bus := eventbus.New(testLogger())
	defer bus.Close()
	f := newFixture(t, Config{WebSocket: true}, func(d *Deps) { d.Observer = bus })
	c := dialWS(t, f)

	require.NoError(t, wsjson.Write(context.Background(), c, Frame{Type: FrameTypeObserve, ID: 1}))
	frames := readFrames(t, c, FrameTypeError)
	assert.Equal(t, domain.CodeInvalidInput, frames[0].Code)
}

func TestWebSocketDisabled(t *testing.T) {
	f := newFixture(t, Config{WebSocket: false})

	resp, err := http.Get(f.srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
