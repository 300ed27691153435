package domain

import (
	"context"
	"encoding/json"
)

// ToolClass groups tools by the kind of side effect they have.
type ToolClass string

const (
	// ToolClassRead only fetches facts.
	ToolClassRead ToolClass = "read"
	// ToolClassControl actuates building systems (HVAC, load shifting).
	ToolClassControl ToolClass = "control"
	// ToolClassCommunication reaches tenants, contractors or staff.
	ToolClassCommunication ToolClass = "communication"
	// ToolClassFinancial changes money owed or charged.
	ToolClassFinancial ToolClass = "financial"
)

// RequiresApproval reports whether tools of this class must always go through
// the approval queue, whatever the decision confidence.
func (c ToolClass) RequiresApproval() bool {
	switch c {
	case ToolClassRead, ToolClassControl:
		return false
	default:
		return true
	}
}

// ToolSchema describes a tool to the decision engine and the runtime.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Class       ToolClass       `json:"class"`
	Idempotent  bool            `json:"idempotent,omitempty"`
}

// ToolErrorKind classifies a failed tool result.
type ToolErrorKind string

const (
	ToolErrValidation  ToolErrorKind = "validation"
	ToolErrNotFound    ToolErrorKind = "not_found"
	ToolErrTimeout     ToolErrorKind = "timeout"
	ToolErrUnavailable ToolErrorKind = "unavailable"
	ToolErrRateLimited ToolErrorKind = "rate_limited"
	ToolErrExecution   ToolErrorKind = "execution"
)

// ToolError is the normalized failure half of a ToolResult.
type ToolError struct {
	Kind      ToolErrorKind `json:"kind"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable,omitempty"`
}

// ToolResult is the outcome of executing a tool. Exactly one of Data or Error is set.
type ToolResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ToolError      `json:"error,omitempty"`
}

// OKResult builds a successful result.
func OKResult(data json.RawMessage) *ToolResult {
	return &ToolResult{Success: true, Data: data}
}

// FailedResult builds a failed result.
func FailedResult(kind ToolErrorKind, message string, retryable bool) *ToolResult {
	return &ToolResult{Error: &ToolError{Kind: kind, Message: message, Retryable: retryable}}
}

// Retryable reports whether a failed result may succeed on a second attempt,
// as judged by whoever classified the failure. Validation failures never are.
func (r *ToolResult) Retryable() bool {
	if r == nil || r.Success || r.Error == nil {
		return false
	}
	return r.Error.Retryable && r.Error.Kind != ToolErrValidation
}

// Tool is the interface every tool must implement. Execute never panics on bad
// input and reports external failures inside the ToolResult; a non-nil error is
// reserved for programming faults and is normalized by the caller.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ParamValidator is implemented by tools that can check params without executing.
type ParamValidator interface {
	ValidateParams(params json.RawMessage) error
}

// ToolSet is the read side of a tool registry handed to agents.
type ToolSet interface {
	Get(name string) (Tool, bool)
	Schemas() []ToolSchema
}
