package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// --- Mocks ---

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// mockBackend is one scripted tool backend.
type mockBackend struct {
	tools   []domain.RemoteTool
	dialErr error
	listErr error
	// call answers CallTool; nil echoes the tool name and arguments.
	call func(name string, args json.RawMessage) (string, bool, error)
}

// mockDialer serves mockBackends by address and counts sessions.
type mockDialer struct {
	mu       sync.Mutex
	backends map[string]*mockBackend
	dials    atomic.Int32
	closes   atomic.Int32
	calls    []string // "addr/local"
}

func newMockDialer() *mockDialer {
	return &mockDialer{backends: make(map[string]*mockBackend)}
}

func (d *mockDialer) add(addr string, b *mockBackend) *mockDialer {
	d.mu.Lock()
	d.backends[addr] = b
	d.mu.Unlock()
	return d
}

func (d *mockDialer) Dial(_ context.Context, addr string) (domain.BackendSession, error) {
	d.dials.Add(1)
	d.mu.Lock()
	b, ok := d.backends[addr]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connection refused: %s", addr)
	}
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &mockSession{addr: addr, b: b, d: d}, nil
}

func (d *mockDialer) recordedCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type mockSession struct {
	addr string
	b    *mockBackend
	d    *mockDialer
}

func (s *mockSession) Initialize(context.Context) error { return nil }

func (s *mockSession) ListTools(context.Context) ([]domain.RemoteTool, error) {
	if s.b.listErr != nil {
		return nil, s.b.listErr
	}
	return s.b.tools, nil
}

func (s *mockSession) CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	s.d.mu.Lock()
	s.d.calls = append(s.d.calls, s.addr+"/"+name)
	s.d.mu.Unlock()
	if s.b.call != nil {
		return s.b.call(name, args)
	}
	return fmt.Sprintf("%s(%s)", name, string(args)), false, nil
}

func (s *mockSession) Close() error {
	s.d.closes.Add(1)
	return nil
}

func remoteTools(names ...string) []domain.RemoteTool {
	out := make([]domain.RemoteTool, len(names))
	for i, n := range names {
		out[i] = domain.RemoteTool{
			Name:        n,
			Description: n + " tool",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}
	}
	return out
}

// mockModel replays scripted responses in order.
type mockModel struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	errs      []error
	requests  []domain.ChatRequest
}

func (m *mockModel) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.requests)
	// Snapshot the messages: the conversation keeps growing after the call.
	req.Messages = append([]domain.Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	if idx < len(m.errs) && m.errs[idx] != nil {
		return nil, m.errs[idx]
	}
	if idx >= len(m.responses) {
		return nil, errors.New("mock model: no scripted response")
	}
	return m.responses[idx], nil
}

func (m *mockModel) Name() string { return "mock" }

func (m *mockModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockModel) request(i int) domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

func stopResponse(content string) *domain.ChatResponse {
	return &domain.ChatResponse{
		FinishReason: domain.FinishStop,
		Message:      domain.Message{Role: domain.RoleAssistant, Content: content},
	}
}

func toolCallResponse(content string, calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{
		FinishReason: domain.FinishToolCalls,
		Message:      domain.Message{Role: domain.RoleAssistant, Content: content, ToolCalls: calls},
	}
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// recordingAudit keeps every audit event in memory.
type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, ev domain.AuditEvent) error {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
	return nil
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) ofType(t domain.AuditEventType) []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AuditEvent
	for _, e := range a.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
