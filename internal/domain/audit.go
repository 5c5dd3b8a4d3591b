package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditModelCall  AuditEventType = "model_call"
	AuditToolInvoke AuditEventType = "tool_invoke"
	AuditDiscovery  AuditEventType = "discovery"
	AuditRunOutcome AuditEventType = "run_outcome"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	RunID     string            `json:"run_id,omitempty"`
	Iteration int               `json:"iteration,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Detail    map[string]string `json:"detail"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// NoopAuditLogger discards every event.
type NoopAuditLogger struct{}

func (NoopAuditLogger) Log(context.Context, AuditEvent) error { return nil }
func (NoopAuditLogger) Close() error                          { return nil }
