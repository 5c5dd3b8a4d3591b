package domain

// StreamEventType is the kind of a progress event yielded by a streaming run.
type StreamEventType string

const (
	StreamStatus     StreamEventType = "status"
	StreamToolCall   StreamEventType = "tool_call"
	StreamToolStart  StreamEventType = "tool_start"
	StreamToolResult StreamEventType = "tool_result"
	StreamFinal      StreamEventType = "final"
	StreamError      StreamEventType = "error"
)

// StreamEvent is one element of a run's event sequence. A sequence always
// ends with exactly one StreamFinal or StreamError event.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Content   string          `json:"content"`
	Iteration int             `json:"iteration"`
	RunID     string          `json:"run_id,omitempty"`
	Tools     []string        `json:"tools,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Backend   string          `json:"backend,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"` // tool_result of a failed or dropped call
	Code      ErrorCode       `json:"code,omitempty"`
}

// Terminal reports whether e ends its sequence.
func (e StreamEvent) Terminal() bool {
	return e.Type == StreamFinal || e.Type == StreamError
}
