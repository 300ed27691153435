package agent

import "propwatch/internal/domain"

// Gate decides whether a decision may auto-execute or must wait for a human.
//
// A decision is queued when any of these hold:
//   - the tool's class requires approval (communication, financial)
//   - the tool is listed in alwaysQueue
//   - the decision's confidence is below the agent's approval threshold
//
// Everything else (read and control tools at or above threshold) runs
// immediately.
type Gate struct {
	threshold   float64
	alwaysQueue map[string]bool
}

// NewGate builds a gate for one agent.
func NewGate(threshold float64, alwaysQueue []string) Gate {
	g := Gate{threshold: threshold, alwaysQueue: make(map[string]bool, len(alwaysQueue))}
	for _, name := range alwaysQueue {
		g.alwaysQueue[name] = true
	}
	return g
}

// Route returns where a decision for the described tool should go.
func (g Gate) Route(schema domain.ToolSchema, d domain.Decision) domain.Route {
	if schema.Class.RequiresApproval() {
		return domain.RouteQueue
	}
	if g.alwaysQueue[schema.Name] {
		return domain.RouteQueue
	}
	if d.Confidence < g.threshold {
		return domain.RouteQueue
	}
	return domain.RouteAuto
}
