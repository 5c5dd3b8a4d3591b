package domain

import "context"

// ModelClient is the interface for the chat-completions endpoint.
type ModelClient interface {
	// Chat sends a request and returns a complete response. A response whose
	// body carries an error object is returned with Error set, not as err.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the client's identifier (e.g., "openai").
	Name() string
}
