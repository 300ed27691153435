// Package agents holds the domain policies of the property monitoring agents.
// Each policy observes through tools, buckets what it sees into severity
// bands, and frames queued proposals. The run loop itself lives in package
// agent.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"propwatch/internal/domain"
)

// Tool names the policies rely on.
const (
	ToolRentRoll         = "check_rent_roll"
	ToolTenantEmail      = "send_tenant_email"
	ToolActionItem       = "queue_action_item"
	ToolFetchTickets     = "fetch_tickets"
	ToolClassifySeverity = "classify_severity"
	ToolContractorSMS    = "send_contractor_sms"
	ToolOccupancy        = "check_occupancy"
	ToolDiscount         = "apply_discount"
	ToolRoomSync         = "sync_room_occupancy"
	ToolGridPrice        = "check_grid_price"
	ToolHVAC             = "control_hvac"
	ToolGridArbitrage    = "grid_arbitrage"
)

// Options are shared by every agent. Zero values take the agent defaults.
type Options struct {
	ID         string   // defaults to the agent kind, e.g. "arrears"
	PropertyID string   // empty watches every property
	Threshold  *float64 // nil keeps the agent's default approval threshold
	Role       string   // defaults to the agent's own role
}

func (o Options) identity(kind, role, description string, threshold float64) (domain.AgentIdentity, error) {
	id := o.ID
	if id == "" {
		id = kind
	}
	if o.Threshold != nil {
		threshold = *o.Threshold
	}
	if o.Role != "" {
		role = o.Role
	}
	return domain.NewAgentIdentity(id, role, description, threshold)
}

func scope(propertyID string) string {
	if propertyID == "" {
		return "all properties"
	}
	return "property " + propertyID
}

func money(v float64) string { return fmt.Sprintf("£%.2f", v) }

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

func stamp(t time.Time) string { return t.UTC().Format("2006-01-02 15:04 MST") }

// param reads the first non-empty string among keys from a decision's params.
func param(d domain.Decision, keys ...string) string {
	var m map[string]any
	if err := json.Unmarshal(d.Params, &m); err != nil {
		return ""
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// number reads a numeric param, 0 when absent.
func number(d domain.Decision, key string) float64 {
	var m map[string]any
	if err := json.Unmarshal(d.Params, &m); err != nil {
		return 0
	}
	f, _ := m[key].(float64)
	return f
}

// triggerField reads a string from the run's trigger payload.
func triggerField(rc domain.RunContext, key string) string {
	if len(rc.TriggerData) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(rc.TriggerData, &m); err != nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// caseFile renders a prompt body: a header, then either the lines or a
// nothing-to-do note.
type caseFile struct {
	b strings.Builder
}

func (c *caseFile) line(format string, args ...any) {
	fmt.Fprintf(&c.b, format, args...)
	c.b.WriteByte('\n')
}

func (c *caseFile) String() string { return c.b.String() }

const nothingToDo = "Nothing to do. Return an empty decision list."

const decisionFormat = `Respond with a JSON array of decisions. Each decision is an object with
"tool" (one of the listed tool names), "params" (an object matching that tool's schema),
"rationale" (one or two sentences) and "confidence" (0 to 1). Propose nothing for cases
that need no action.`
