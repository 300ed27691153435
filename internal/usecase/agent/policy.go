package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"propwatch/internal/domain"
)

// Observation is the domain snapshot a policy builds during OBSERVING. It is
// marshaled to JSON and stored with the run and with every queued action.
type Observation interface {
	// Empty reports that nothing needs attention.
	Empty() bool
}

// Proposal is the policy's framing of a decision that must go to a human.
type Proposal struct {
	Title           string
	Description     string
	CaseKey         string
	Priority        domain.Priority
	EstimatedImpact float64
}

// Policy is the domain half of an agent. The runtime owns the state machine,
// gating and bookkeeping; a policy only knows its domain.
type Policy interface {
	Identity() domain.AgentIdentity
	// RequiredTools names the tools the policy calls or expects the engine
	// to choose from. Construction fails if one is missing.
	RequiredTools() []string
	// Observe gathers facts. Fetch failures should be wrapped in
	// domain.ErrObservation (see Fetch) and returned with the partial
	// observation; the run then continues degraded.
	Observe(ctx context.Context, tools domain.ToolSet, rc domain.RunContext) (Observation, error)
	SystemPrompt() string
	// UserPrompt renders the observation as a deterministic case file. It
	// must accept an empty or nil observation.
	UserPrompt(obs Observation, rc domain.RunContext) string
	Propose(obs Observation, d domain.Decision) Proposal
}

// Fetch runs a tool during observation and decodes its data into T. Any
// failure, including a missing tool, is returned as domain.ErrObservation.
func Fetch[T any](ctx context.Context, tools domain.ToolSet, name string, params any) (T, error) {
	var out T
	t, ok := tools.Get(name)
	if !ok {
		return out, domain.NewDomainError("agent.Fetch", domain.ErrObservation,
			fmt.Sprintf("%s: %v", name, domain.ErrToolNotFound))
	}

	raw := json.RawMessage(`{}`)
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return out, domain.NewDomainError("agent.Fetch", domain.ErrObservation,
				fmt.Sprintf("%s: encode params: %v", name, err))
		}
		raw = data
	}

	res, err := t.Execute(ctx, raw)
	if err != nil {
		return out, domain.NewDomainError("agent.Fetch", domain.ErrObservation, fmt.Sprintf("%s: %v", name, err))
	}
	if res == nil || !res.Success {
		msg := "no result"
		if res != nil && res.Error != nil {
			msg = fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message)
		}
		return out, domain.NewDomainError("agent.Fetch", domain.ErrObservation, fmt.Sprintf("%s: %s", name, msg))
	}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &out); err != nil {
			return out, domain.NewDomainError("agent.Fetch", domain.ErrObservation,
				fmt.Sprintf("%s: decode data: %v", name, err))
		}
	}
	return out, nil
}

// degradable reports whether err consists only of observation failures.
func degradable(err error) bool {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, e := range errs {
			if !degradable(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, domain.ErrObservation)
}

// warnings flattens a joined observation error into one message per failure.
func warnings(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, warnings(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
