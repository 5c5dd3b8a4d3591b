package domain

import (
	"context"
	"encoding/json"
)

// RemoteTool is a tool exactly as a backend lists it, before namespacing.
type RemoteTool struct {
	Name         string
	Title        string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
}

// BackendSession is one open session with a tool backend.
type BackendSession interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]RemoteTool, error)
	// CallTool returns the textual tool output and whether the backend
	// flagged it as an error result.
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, bool, error)
	Close() error
}

// BackendDialer opens sessions to backends by address.
type BackendDialer interface {
	Dial(ctx context.Context, addr string) (BackendSession, error)
}

// BackendStatus is the outcome of discovering one backend.
type BackendStatus struct {
	Address   string `json:"address"`
	Index     int    `json:"index"`
	Healthy   bool   `json:"healthy"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}
