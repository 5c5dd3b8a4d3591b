package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrNoTools           = fmt.Errorf("no tools available")
	ErrUnknownTool       = fmt.Errorf("unknown tool")
	ErrInvocation        = fmt.Errorf("tool invocation failed")
	ErrModelCall         = fmt.Errorf("model call failed")
	ErrMalformedResponse = fmt.Errorf("malformed model response")
	ErrIterationLimit    = fmt.Errorf("iteration limit exceeded")
	ErrDiscoveryPartial  = fmt.Errorf("backend discovery failed")
	ErrCallFailed        = fmt.Errorf("outbound call failed after retries")
	ErrInvalidArguments  = fmt.Errorf("invalid tool arguments")
	ErrStreamConsumed    = fmt.Errorf("event stream already consumed")
	ErrConfigLoad        = fmt.Errorf("failed to load configuration")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrAuditWrite        = fmt.Errorf("audit log write failed")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrCircuitOpen       = fmt.Errorf("circuit breaker open")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.Run")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// UnknownToolError reports a tool name that no backend claims, even after a
// forced registry refresh.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownTool, e.Name)
}

func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// InvocationError carries the transport or remote failure raised while
// calling a resolved tool on its owning backend.
type InvocationError struct {
	Tool    string
	Backend string
	Cause   error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %s@%s: %v", ErrInvocation, e.Tool, e.Backend, e.Cause)
}

func (e *InvocationError) Is(target error) bool { return target == ErrInvocation }

func (e *InvocationError) Unwrap() error { return e.Cause }

// ModelCallError is returned when the model endpoint could not be reached
// or kept failing after retries.
type ModelCallError struct {
	Cause error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("%s: %v", ErrModelCall, e.Cause)
}

func (e *ModelCallError) Is(target error) bool { return target == ErrModelCall }

func (e *ModelCallError) Unwrap() error { return e.Cause }

// MalformedResponseError describes a model response that cannot drive the
// loop: an error payload, an unknown finish reason or missing choices.
type MalformedResponseError struct {
	Detail string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMalformedResponse, e.Detail)
}

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// CallError is the terminal failure of a retried outbound HTTP call.
type CallError struct {
	URL        string
	Attempts   int
	LastStatus int
	Cause      error
}

func (e *CallError) Error() string {
	if e.LastStatus != 0 {
		return fmt.Sprintf("%s: %s: %d attempts, last status %d", ErrCallFailed, e.URL, e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("%s: %s: %d attempts: %v", ErrCallFailed, e.URL, e.Attempts, e.Cause)
}

func (e *CallError) Is(target error) bool { return target == ErrCallFailed }

func (e *CallError) Unwrap() error { return e.Cause }

// ErrorCode is a machine-parseable error category for API payloads and events.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNoTools           ErrorCode = "NO_TOOLS"
	CodeUnknownTool       ErrorCode = "UNKNOWN_TOOL"
	CodeInvocation        ErrorCode = "INVOCATION_ERROR"
	CodeModelCall         ErrorCode = "MODEL_CALL_ERROR"
	CodeMalformedResponse ErrorCode = "MALFORMED_MODEL_RESPONSE"
	CodeIterationLimit    ErrorCode = "ITERATION_LIMIT_EXCEEDED"
	CodeDiscoveryPartial  ErrorCode = "DISCOVERY_PARTIAL_FAILURE"
	CodeCallFailed        ErrorCode = "CALL_FAILED"
	CodeInvalidArguments  ErrorCode = "INVALID_ARGUMENTS"
	CodeStreamConsumed    ErrorCode = "STREAM_CONSUMED"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeTimeout           ErrorCode = "TIMEOUT"
)

// errorCodes is ordered: the first sentinel matched by errors.Is wins, so
// more specific kinds (a model call failing because retries ran out) come
// before their causes.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrNoTools, CodeNoTools},
	{ErrUnknownTool, CodeUnknownTool},
	{ErrInvocation, CodeInvocation},
	{ErrMalformedResponse, CodeMalformedResponse},
	{ErrModelCall, CodeModelCall},
	{ErrIterationLimit, CodeIterationLimit},
	{ErrDiscoveryPartial, CodeDiscoveryPartial},
	{ErrCallFailed, CodeCallFailed},
	{ErrInvalidArguments, CodeInvalidArguments},
	{ErrStreamConsumed, CodeStreamConsumed},
	{ErrDecryption, CodeDecryption},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrAuditWrite, CodeAuditWrite},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
