package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionApproved   ActionStatus = "approved"
	ActionRejected   ActionStatus = "rejected"
	ActionExecuted   ActionStatus = "executed"
	ActionSuperseded ActionStatus = "superseded"
	ActionExpired    ActionStatus = "expired"
)

// Open reports whether the action still awaits a human.
func (s ActionStatus) Open() bool { return s == ActionPending }

// Priority orders queued actions for approvers.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    0,
	PriorityNormal: 1,
	PriorityHigh:   2,
	PriorityUrgent: 3,
}

// Rank returns the ordinal of p; unknown priorities rank as normal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// Bump returns the next priority up, capped at urgent.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityNormal
	case PriorityNormal:
		return PriorityHigh
	default:
		return PriorityUrgent
	}
}

// QueuedAction is a human-approvable execution request derived from a Decision.
type QueuedAction struct {
	ID                   string          `json:"id"`
	Title                string          `json:"title"`
	Description          string          `json:"description"`
	Priority             Priority        `json:"priority"`
	RequiredApproverRole string          `json:"required_approver_role"`
	EstimatedImpact      float64         `json:"estimated_impact"`
	SourceAgentID        string          `json:"source_agent_id"`
	SourceRole           string          `json:"source_role,omitempty"`
	SourceRunID          string          `json:"source_run_id"`
	CorrelationID        string          `json:"correlation_id,omitempty"`
	SourceDecision       Decision        `json:"source_decision"`
	Observation          json.RawMessage `json:"observation,omitempty"`
	Status               ActionStatus    `json:"status"`
	EscalationLevel      int             `json:"escalation_level"`
	CaseKey              string          `json:"case_key"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	DueBy                time.Time       `json:"due_by"`
	SupersededBy         string          `json:"superseded_by,omitempty"`
	ResolvedBy           string          `json:"resolved_by,omitempty"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
	Resolution           string          `json:"resolution,omitempty"`
	ExecutionResult      *ToolResult     `json:"execution_result,omitempty"`
}

// SameProposal reports whether two actions ask for the same tool call.
func (a *QueuedAction) SameProposal(b *QueuedAction) bool {
	if a.SourceDecision.Tool != b.SourceDecision.Tool {
		return false
	}
	return jsonEqual(a.SourceDecision.Params, b.SourceDecision.Params)
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return string(a) == string(b)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return string(ca) == string(cb)
}

// ActionFilter narrows List results. Zero values match everything.
type ActionFilter struct {
	Status  ActionStatus
	AgentID string
	CaseKey string
	Limit   int
}

// Match reports whether a satisfies the filter (Limit is applied by the caller).
func (f ActionFilter) Match(a *QueuedAction) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.AgentID != "" && a.SourceAgentID != f.AgentID {
		return false
	}
	if f.CaseKey != "" && a.CaseKey != f.CaseKey {
		return false
	}
	return true
}

// ActionStore persists queued actions.
type ActionStore interface {
	SaveAction(ctx context.Context, action *QueuedAction) error
	ListActions(ctx context.Context) ([]*QueuedAction, error)
}

// RunLog persists agent run results for audit.
type RunLog interface {
	AppendRun(ctx context.Context, result *RunResult) error
	ListRuns(ctx context.Context, agentID string, limit int) ([]*RunResult, error)
}

// EnqueueResult reports how the queue absorbed a proposed action.
type EnqueueResult struct {
	Action       *QueuedAction `json:"action"`
	Deduplicated bool          `json:"deduplicated,omitempty"`
	Superseded   string        `json:"superseded,omitempty"`
}

// ActionEnqueuer accepts proposed actions from agent runs.
type ActionEnqueuer interface {
	Enqueue(ctx context.Context, action *QueuedAction) (EnqueueResult, error)
}

// DecisionExecutor runs an approved decision on behalf of the agent that proposed it.
type DecisionExecutor interface {
	ExecuteDecision(ctx context.Context, agentID string, d Decision) (*ToolResult, error)
}
