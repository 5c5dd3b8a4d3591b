package domain

import (
	"context"
	"encoding/json"
)

// ToolDescriptor is one tool as advertised by a backend, already namespaced.
// Descriptors are read-only after discovery and replaced wholesale on refresh.
type ToolDescriptor struct {
	Name         string          `json:"name"`       // globally unique, e.g. "server0_weather"
	LocalName    string          `json:"local_name"` // name the owning backend knows it by
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Backend      string          `json:"backend"`
	BackendIndex int             `json:"backend_index"`
}

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
// Arguments holds the argument text exactly as the model produced it and
// may not be valid JSON.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ToolRegistry is the cached, time-windowed view of every backend's tools.
type ToolRegistry interface {
	// Tools returns the current descriptors, re-discovering when the cache
	// is stale or forceRefresh is set.
	Tools(ctx context.Context, forceRefresh bool) ([]ToolDescriptor, error)
	// Lookup resolves a unique name against the current snapshot only.
	Lookup(name string) (ToolDescriptor, bool)
}

// ToolInvoker executes a tool call by its globally unique name.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
}
