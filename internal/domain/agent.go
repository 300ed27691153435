package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentIdentity names an agent instance and carries its approval threshold.
// Role is a routing label for attribution and escalation; several agents may
// share it. The threshold can only be set through NewAgentIdentity.
type AgentIdentity struct {
	ID          string
	Role        string
	Description string
	threshold   float64
}

// NewAgentIdentity validates and builds an identity. threshold must lie in [0,1].
func NewAgentIdentity(id, role, description string, threshold float64) (AgentIdentity, error) {
	if id == "" {
		return AgentIdentity{}, NewDomainError("NewAgentIdentity", ErrInvalidInput, "id is required")
	}
	if threshold < 0 || threshold > 1 {
		return AgentIdentity{}, NewDomainError("NewAgentIdentity", ErrInvalidInput,
			fmt.Sprintf("approval threshold %v outside [0,1]", threshold))
	}
	return AgentIdentity{ID: id, Role: role, Description: description, threshold: threshold}, nil
}

// ApprovalThreshold is the minimum confidence needed to auto-execute a safe tool.
func (a AgentIdentity) ApprovalThreshold() float64 { return a.threshold }

// WithRole returns a copy labelled with another role, keeping the threshold.
func (a AgentIdentity) WithRole(role string) AgentIdentity {
	a.Role = role
	return a
}

func (a AgentIdentity) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID                string  `json:"id"`
		Role              string  `json:"role"`
		Description       string  `json:"description,omitempty"`
		ApprovalThreshold float64 `json:"approval_threshold"`
	}{a.ID, a.Role, a.Description, a.threshold})
}

// TriggerType records why a run started.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
	TriggerManual    TriggerType = "manual"
)

// RunContext is created per run and handed to every stage.
type RunContext struct {
	RunAt         time.Time       `json:"run_at"`
	TriggerType   TriggerType     `json:"trigger_type"`
	TriggerEvent  EventType       `json:"trigger_event,omitempty"`
	TriggerData   json.RawMessage `json:"trigger_data,omitempty"`
	CorrelationID string          `json:"correlation_id"`
}

// Decision is a structured proposal from the decision engine.
type Decision struct {
	Tool       string          `json:"tool"`
	Params     json.RawMessage `json:"params"`
	Rationale  string          `json:"rationale"`
	Confidence float64         `json:"confidence"`
}

// RunState is a node of the agent run state machine.
type RunState string

const (
	StateIdle      RunState = "IDLE"
	StateObserving RunState = "OBSERVING"
	StateReasoning RunState = "REASONING"
	StateDeciding  RunState = "DECIDING"
	StateQueueing  RunState = "QUEUEING"
	StateExecuting RunState = "EXECUTING"
	StateDone      RunState = "DONE"
	StateFailed    RunState = "FAILED"
)

// RunStatus is the terminal state of a run.
type RunStatus = RunState

// Route says where the gate sent a decision.
type Route string

const (
	RouteAuto  Route = "auto"
	RouteQueue Route = "queue"
)

// OutcomeStatus is the per-decision result.
type OutcomeStatus string

const (
	OutcomeExecuted OutcomeStatus = "executed"
	OutcomeQueued   OutcomeStatus = "queued"
	OutcomeFailed   OutcomeStatus = "failed"
)

// DecisionOutcome records what happened to one decision.
type DecisionOutcome struct {
	Decision     Decision      `json:"decision"`
	Route        Route         `json:"route,omitempty"`
	Status       OutcomeStatus `json:"status"`
	Attempts     int           `json:"attempts,omitempty"`
	Result       *ToolResult   `json:"result,omitempty"`
	ActionID     string        `json:"action_id,omitempty"`
	Deduplicated bool          `json:"deduplicated,omitempty"`
	Error        string        `json:"error,omitempty"`
	Err          error         `json:"-"`
}

// RunResult is the audit record of one agent run.
type RunResult struct {
	RunID       string            `json:"run_id"`
	AgentID     string            `json:"agent_id"`
	Role        string            `json:"role"`
	Context     RunContext        `json:"context"`
	Observation json.RawMessage   `json:"observation,omitempty"`
	UserPrompt  string            `json:"user_prompt,omitempty"`
	Degraded    bool              `json:"degraded,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Outcomes    []DecisionOutcome `json:"outcomes,omitempty"`
	States      []RunState        `json:"states"`
	Status      RunStatus         `json:"status"`
	Error       string            `json:"error,omitempty"`
	Err         error             `json:"-"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Queued returns the outcomes that produced or refreshed a queued action.
func (r *RunResult) Queued() []DecisionOutcome {
	var out []DecisionOutcome
	for _, o := range r.Outcomes {
		if o.Status == OutcomeQueued {
			out = append(out, o)
		}
	}
	return out
}
