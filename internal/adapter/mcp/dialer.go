// Package mcp opens sessions to MCP tool backends with mark3labs/mcp-go.
// Each session lives for one discovery or one invocation and is then closed.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/infra/retry"
)

// stdioPrefix marks an address that launches a local backend process,
// e.g. "stdio:python3 weather_server.py".
const stdioPrefix = "stdio:"

const defaultTimeout = 30 * time.Second

// mcpClient abstracts the MCP client interface for testability.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Config configures a Dialer.
type Config struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	Headers            map[string]string
	ClientName         string
	ClientVersion      string
}

// Dialer implements domain.BackendDialer.
type Dialer struct {
	cfg       Config
	logger    *slog.Logger
	newClient func(ctx context.Context, addr string) (mcpClient, error)
}

// NewDialer creates a Dialer for streamable-HTTP and stdio backends.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcpagent"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	d := &Dialer{cfg: cfg, logger: logger}
	d.newClient = d.connect
	return d
}

// Dial opens a session; the caller must Initialize it before use and Close it after.
func (d *Dialer) Dial(ctx context.Context, addr string) (domain.BackendSession, error) {
	c, err := d.newClient(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("mcp dial %s: %w", addr, err)
	}
	return &session{
		addr:   addr,
		client: c,
		init:   d.initRequest(),
		logger: d.logger,
	}, nil
}

func (d *Dialer) connect(ctx context.Context, addr string) (mcpClient, error) {
	if cmdline, ok := strings.CutPrefix(addr, stdioPrefix); ok {
		fields := strings.Fields(cmdline)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty stdio command")
		}
		c, err := mcpclient.NewStdioMCPClient(fields[0], nil, fields[1:]...)
		if err != nil {
			return nil, fmt.Errorf("create stdio client: %w", err)
		}
		return c, nil
	}

	hc, err := retry.NewHTTPClient(d.cfg.Timeout, d.cfg.Timeout, "", d.cfg.InsecureSkipVerify)
	if err != nil {
		return nil, err
	}
	// streamable HTTP holds a long-lived GET for server notifications;
	// the overall client timeout would cut it.
	hc.Timeout = 0

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPBasicClient(hc),
		transport.WithHTTPTimeout(d.cfg.Timeout),
	}
	if len(d.cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(d.cfg.Headers))
	}
	t, err := transport.NewStreamableHTTP(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create http transport: %w", err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start http client: %w", err)
	}
	return c, nil
}

func (d *Dialer) initRequest() mcp.InitializeRequest {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    d.cfg.ClientName,
		Version: d.cfg.ClientVersion,
	}
	return req
}

// session implements domain.BackendSession over one mcp-go client.
type session struct {
	addr   string
	client mcpClient
	init   mcp.InitializeRequest
	logger *slog.Logger
}

func (s *session) Initialize(ctx context.Context) error {
	res, err := s.client.Initialize(ctx, s.init)
	if err != nil {
		return domain.WrapOp("initialize", err)
	}
	s.logger.Debug("mcp session initialized",
		"backend", s.addr,
		"server", res.ServerInfo.Name,
		"protocol", res.ProtocolVersion)
	return nil
}

// ListTools follows pagination cursors until the backend reports no more pages.
func (s *session) ListTools(ctx context.Context) ([]domain.RemoteTool, error) {
	var out []domain.RemoteTool
	req := mcp.ListToolsRequest{}
	for {
		res, err := s.client.ListTools(ctx, req)
		if err != nil {
			return nil, domain.WrapOp("list tools", err)
		}
		for _, t := range res.Tools {
			rt, err := toRemoteTool(t)
			if err != nil {
				s.logger.Warn("mcp tool skipped", "backend", s.addr, "tool", t.Name, "error", err)
				continue
			}
			out = append(out, rt)
		}
		if res.NextCursor == "" {
			return out, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

func (s *session) CallTool(ctx context.Context, name string, params json.RawMessage) (string, bool, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return "", false, fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	s.logger.Debug("mcp tool call", "backend", s.addr, "tool", name)

	res, err := s.client.CallTool(ctx, callReq)
	if err != nil {
		return "", false, domain.WrapOp("call tool", err)
	}
	return extractContent(res), res.IsError, nil
}

func (s *session) Close() error {
	return s.client.Close()
}

// wireTool is the subset of a tool's wire form that mcp.Tool does not expose
// uniformly across protocol revisions.
type wireTool struct {
	Title        string          `json:"title"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
	Annotations  struct {
		Title string `json:"title"`
	} `json:"annotations"`
}

func toRemoteTool(t mcp.Tool) (domain.RemoteTool, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return domain.RemoteTool{}, fmt.Errorf("marshal tool: %w", err)
	}
	var w wireTool
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.RemoteTool{}, fmt.Errorf("decode tool: %w", err)
	}

	title := w.Title
	if title == "" {
		title = w.Annotations.Title
	}
	rt := domain.RemoteTool{
		Name:        t.Name,
		Title:       title,
		Description: t.Description,
		InputSchema: w.InputSchema,
	}
	if len(w.OutputSchema) > 0 && string(w.OutputSchema) != "null" {
		rt.OutputSchema = w.OutputSchema
	}
	return rt, nil
}

// extractContent converts MCP CallToolResult content to a string.
func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}

var (
	_ domain.BackendDialer  = (*Dialer)(nil)
	_ domain.BackendSession = (*session)(nil)
)
