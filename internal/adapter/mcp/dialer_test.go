package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// mockMCPClient implements mcpClient for testing.
type mockMCPClient struct {
	pages    [][]mcp.Tool
	callFunc func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	initErr  error
	listErr  error
	closed   bool
	cursors  []mcp.Cursor
	lastCall mcp.CallToolRequest
}

func (m *mockMCPClient) Initialize(_ context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if m.initErr != nil {
		return nil, m.initErr
	}
	res := &mcp.InitializeResult{ProtocolVersion: req.Params.ProtocolVersion}
	res.ServerInfo.Name = "mock"
	return res, nil
}

func (m *mockMCPClient) ListTools(_ context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.cursors = append(m.cursors, req.Params.Cursor)
	page := len(m.cursors) - 1
	res := &mcp.ListToolsResult{}
	if page < len(m.pages) {
		res.Tools = m.pages[page]
	}
	if page+1 < len(m.pages) {
		res.NextCursor = mcp.Cursor(fmt.Sprintf("page-%d", page+1))
	}
	return res, nil
}

func (m *mockMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m.lastCall = req
	if m.callFunc != nil {
		return m.callFunc(ctx, req)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent("called " + req.Params.Name)},
	}, nil
}

func (m *mockMCPClient) Close() error {
	m.closed = true
	return nil
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func dialerWith(c mcpClient) *Dialer {
	d := NewDialer(Config{}, testLogger())
	d.newClient = func(context.Context, string) (mcpClient, error) { return c, nil }
	return d
}

func TestSessionListToolsFollowsCursor(t *testing.T) {
	mock := &mockMCPClient{pages: [][]mcp.Tool{
		{{Name: "get_weather", Description: "Weather by city"}},
		{{Name: "get_time", Description: "Current time"}},
	}}
	sess, err := dialerWith(mock).Dial(context.Background(), "http://a/mcp")
	require.NoError(t, err)
	require.NoError(t, sess.Initialize(context.Background()))

	tools, err := sess.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "get_weather", tools[0].Name)
	assert.Equal(t, "get_time", tools[1].Name)
	assert.Equal(t, []mcp.Cursor{"", "page-1"}, mock.cursors)

	require.NoError(t, sess.Close())
	assert.True(t, mock.closed)
}

func TestSessionListToolsError(t *testing.T) {
	mock := &mockMCPClient{listErr: errors.New("connection reset")}
	sess, err := dialerWith(mock).Dial(context.Background(), "http://a/mcp")
	require.NoError(t, err)

	_, err = sess.ListTools(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSessionInitializeError(t *testing.T) {
	mock := &mockMCPClient{initErr: errors.New("handshake refused")}
	sess, err := dialerWith(mock).Dial(context.Background(), "http://a/mcp")
	require.NoError(t, err)
	assert.ErrorContains(t, sess.Initialize(context.Background()), "handshake refused")
}

func TestDialFactoryError(t *testing.T) {
	d := NewDialer(Config{}, testLogger())
	d.newClient = func(context.Context, string) (mcpClient, error) { return nil, errors.New("refused") }

	_, err := d.Dial(context.Background(), "http://down/mcp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http://down/mcp")
}

func TestDialEmptyStdioCommand(t *testing.T) {
	_, err := NewDialer(Config{}, testLogger()).Dial(context.Background(), "stdio:   ")
	assert.ErrorContains(t, err, "empty stdio command")
}

func TestSessionCallToolPassesArguments(t *testing.T) {
	mock := &mockMCPClient{}
	sess, err := dialerWith(mock).Dial(context.Background(), "http://a/mcp")
	require.NoError(t, err)

	text, isErr, err := sess.CallTool(context.Background(), "get_weather", json.RawMessage(`{"city":"Paris","days":2}`))
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Equal(t, "called get_weather", text)

	args, ok := mock.lastCall.Params.Arguments.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Paris", args["city"])
	assert.Equal(t, float64(2), args["days"])
}

func TestSessionCallToolEmptyArguments(t *testing.T) {
	mock := &mockMCPClient{}
	sess, _ := dialerWith(mock).Dial(context.Background(), "http://a/mcp")

	_, _, err := sess.CallTool(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "ping", mock.lastCall.Params.Name)
}

func TestSessionCallToolInvalidArguments(t *testing.T) {
	sess, _ := dialerWith(&mockMCPClient{}).Dial(context.Background(), "http://a/mcp")
	_, _, err := sess.CallTool(context.Background(), "x", json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, domain.ErrInvalidArguments)
}

func TestSessionCallToolErrorResult(t *testing.T) {
	mock := &mockMCPClient{
		callFunc: func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent("city not found")},
				IsError: true,
			}, nil
		},
	}
	sess, _ := dialerWith(mock).Dial(context.Background(), "http://a/mcp")

	text, isErr, err := sess.CallTool(context.Background(), "get_weather", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, isErr)
	assert.Equal(t, "city not found", text)
}

func TestExtractContent(t *testing.T) {
	res := &mcp.CallToolResult{Content: []mcp.Content{
		mcp.NewTextContent("line one"),
		&mcp.TextContent{Type: "text", Text: "line two"},
	}}
	assert.Equal(t, "line one\nline two", extractContent(res))

	structured := &mcp.CallToolResult{StructuredContent: map[string]any{"temp": 21}}
	assert.JSONEq(t, `{"temp":21}`, extractContent(structured))

	assert.Equal(t, "", extractContent(&mcp.CallToolResult{}))
}

func TestToRemoteToolKeepsSchemas(t *testing.T) {
	tool := mcp.NewTool("get_weather",
		mcp.WithDescription("Weather by city"),
		mcp.WithTitleAnnotation("Weather"),
		mcp.WithString("city", mcp.Required(), mcp.Description("City name")),
	)

	rt, err := toRemoteTool(tool)
	require.NoError(t, err)
	assert.Equal(t, "get_weather", rt.Name)
	assert.Equal(t, "Weather", rt.Title)
	assert.Equal(t, "Weather by city", rt.Description)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(rt.InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema["properties"], "city")
	assert.Empty(t, rt.OutputSchema)
}

// TestInProcessBackend drives a real mcp-go server through the session code.
func TestInProcessBackend(t *testing.T) {
	srv := server.NewMCPServer("weather", "1.0.0")
	srv.AddTool(
		mcp.NewTool("get_weather",
			mcp.WithDescription("Weather by city"),
			mcp.WithString("city", mcp.Required()),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			city, _ := req.GetArguments()["city"].(string)
			return mcp.NewToolResultText("sunny in " + city), nil
		},
	)

	d := NewDialer(Config{}, testLogger())
	d.newClient = func(ctx context.Context, _ string) (mcpClient, error) {
		c, err := mcpclient.NewInProcessClient(srv)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	ctx := context.Background()
	sess, err := d.Dial(ctx, "inprocess")
	require.NoError(t, err)
	defer sess.Close()
	require.NoError(t, sess.Initialize(ctx))

	tools, err := sess.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].Name)

	text, isErr, err := sess.CallTool(ctx, "get_weather", json.RawMessage(`{"city":"Oslo"}`))
	require.NoError(t, err)
	assert.False(t, isErr)
	assert.Equal(t, "sunny in Oslo", text)
}
