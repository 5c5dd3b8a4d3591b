package gateway

import "github.com/liuyngchng/my-mcp/internal/domain"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	// client -> server
	FrameTypeAsk     FrameType = "ask"
	FrameTypeObserve FrameType = "observe"

	// server -> client
	FrameTypeStream   FrameType = "stream"    // one event of the client's own run
	FrameTypeRunEvent FrameType = "run_event" // a bus event of an observed run
	FrameTypeDone     FrameType = "done"
	FrameTypeError    FrameType = "error"
)

// Frame is the envelope exchanged between client and server over WebSocket.
// A bare {"question": "..."} from the client is treated as an ask.
type Frame struct {
	Type     FrameType           `json:"type,omitempty"`
	ID       uint64              `json:"id,omitempty"` // request correlation ID, echoed back
	Question string              `json:"question,omitempty"`
	RunID    string              `json:"run_id,omitempty"`
	Event    *domain.StreamEvent `json:"event,omitempty"`
	RunEvent *domain.Event       `json:"run_event,omitempty"`
	Error    string              `json:"error,omitempty"`
	Code     domain.ErrorCode    `json:"code,omitempty"`
}

func (f Frame) kind() FrameType {
	if f.Type == "" && f.Question != "" {
		return FrameTypeAsk
	}
	return f.Type
}
