// Package decision holds DecisionEngine implementations: a deterministic
// scripted engine for tests and dry runs, and an engine backed by a hosted
// model provider.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"propwatch/internal/domain"
)

// ScriptFunc answers one Reason call for an agent.
type ScriptFunc func(ctx context.Context, req domain.ReasonRequest) ([]domain.Decision, error)

// Scripted is a deterministic DecisionEngine keyed by agent id. Agents with no
// script get an empty decision list.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string]ScriptFunc
	calls   map[string]int
	last    map[string]domain.ReasonRequest
}

// NewScripted creates an engine with no scripts.
func NewScripted() *Scripted {
	return &Scripted{
		scripts: make(map[string]ScriptFunc),
		calls:   make(map[string]int),
		last:    make(map[string]domain.ReasonRequest),
	}
}

// On sets the script for an agent, replacing any previous one.
func (s *Scripted) On(agentID string, fn ScriptFunc) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[agentID] = fn
	return s
}

// Always answers every call for agentID with the same decisions.
func (s *Scripted) Always(agentID string, decisions ...domain.Decision) *Scripted {
	return s.On(agentID, func(context.Context, domain.ReasonRequest) ([]domain.Decision, error) {
		return cloneDecisions(decisions), nil
	})
}

// Sequence answers successive calls with successive rounds. Once exhausted the
// last round repeats.
func (s *Scripted) Sequence(agentID string, rounds ...[]domain.Decision) *Scripted {
	var mu sync.Mutex
	next := 0
	return s.On(agentID, func(context.Context, domain.ReasonRequest) ([]domain.Decision, error) {
		if len(rounds) == 0 {
			return nil, nil
		}
		mu.Lock()
		defer mu.Unlock()
		i := next
		if i >= len(rounds) {
			i = len(rounds) - 1
		} else {
			next++
		}
		return cloneDecisions(rounds[i]), nil
	})
}

// Fail makes every call for agentID return err.
func (s *Scripted) Fail(agentID string, err error) *Scripted {
	return s.On(agentID, func(context.Context, domain.ReasonRequest) ([]domain.Decision, error) {
		return nil, err
	})
}

func (s *Scripted) Reason(ctx context.Context, req domain.ReasonRequest) ([]domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.WrapOp("Scripted.Reason", err)
	}
	s.mu.Lock()
	s.calls[req.AgentID]++
	s.last[req.AgentID] = req
	fn := s.scripts[req.AgentID]
	s.mu.Unlock()

	if fn == nil {
		return nil, nil
	}
	return fn(ctx, req)
}

// Calls reports how many times an agent has reasoned.
func (s *Scripted) Calls(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agentID]
}

// LastRequest returns the most recent request from an agent.
func (s *Scripted) LastRequest(agentID string) (domain.ReasonRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.last[agentID]
	return req, ok
}

func cloneDecisions(in []domain.Decision) []domain.Decision {
	if in == nil {
		return nil
	}
	out := make([]domain.Decision, len(in))
	for i, d := range in {
		d.Params = append(json.RawMessage(nil), d.Params...)
		out[i] = d
	}
	return out
}

// --- script files ---

// scriptFile is the YAML form of a scripted engine:
//
//	agents:
//	  arrears:
//	    - tool: queue_action_item
//	      params: {title: "...", category: arrears, reference: T1, amount: 450}
//	      rationale: "..."
//	      confidence: 0.95
type scriptFile struct {
	Agents map[string][]scriptDecision `yaml:"agents"`
}

type scriptDecision struct {
	Tool       string         `yaml:"tool"`
	Params     map[string]any `yaml:"params"`
	Rationale  string         `yaml:"rationale"`
	Confidence float64        `yaml:"confidence"`
}

// LoadScript reads a YAML script file into a new Scripted engine. Each agent
// answers every call with its listed decisions.
func LoadScript(path string) (*Scripted, error) {
	s := NewScripted()
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read decision script: %w", err)
	}
	var f scriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse decision script %s: %w", path, err)
	}
	for agentID, list := range f.Agents {
		decisions := make([]domain.Decision, 0, len(list))
		for i, sd := range list {
			if sd.Tool == "" {
				return nil, domain.NewDomainError("decision.LoadScript", domain.ErrInvalidInput,
					fmt.Sprintf("agent %s decision %d has no tool", agentID, i))
			}
			params := sd.Params
			if params == nil {
				params = map[string]any{}
			}
			raw, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("agent %s decision %d params: %w", agentID, i, err)
			}
			decisions = append(decisions, domain.Decision{
				Tool:       sd.Tool,
				Params:     raw,
				Rationale:  sd.Rationale,
				Confidence: sd.Confidence,
			})
		}
		s.Always(agentID, decisions...)
	}
	return s, nil
}
