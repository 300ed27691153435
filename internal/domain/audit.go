package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditAgentRun       AuditEventType = "agent_run"
	AuditToolExec       AuditEventType = "tool_exec"
	AuditActionQueued   AuditEventType = "action_queued"
	AuditActionApproved AuditEventType = "action_approved"
	AuditActionRejected AuditEventType = "action_rejected"
	AuditActionExpired  AuditEventType = "action_expired"
	AuditAccessDenied   AuditEventType = "access_denied"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }
func (NopAuditLogger) Close() error                          { return nil }
