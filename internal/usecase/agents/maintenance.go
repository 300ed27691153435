package agents

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"propwatch/internal/domain"
	"propwatch/internal/usecase/agent"
)

// SeverityBand returns the triage band of a ticket. Unclassified tickets are
// treated as high so nothing urgent waits for a second pass.
func SeverityBand(t domain.Ticket) domain.TicketSeverity {
	if t.Severity == domain.SeverityLow {
		return domain.SeverityLow
	}
	return domain.SeverityHigh
}

// MaintenanceCase is one open ticket with its triage band.
type MaintenanceCase struct {
	domain.Ticket
	Band       domain.TicketSeverity `json:"band"`
	AgeHours   int                   `json:"age_hours"`
	Contractor string                `json:"contractor_phone,omitempty"`
	Triggered  bool                  `json:"triggered,omitempty"`
}

// MaintenanceObservation is the maintenance snapshot for one run.
type MaintenanceObservation struct {
	RunAt      time.Time         `json:"run_at"`
	PropertyID string            `json:"property_id,omitempty"`
	Cases      []MaintenanceCase `json:"cases"`
}

func (o *MaintenanceObservation) Empty() bool { return o == nil || len(o.Cases) == 0 }

func (o *MaintenanceObservation) find(ticketID string) (MaintenanceCase, bool) {
	if o == nil {
		return MaintenanceCase{}, false
	}
	for _, c := range o.Cases {
		if c.ID == ticketID {
			return c, true
		}
	}
	return MaintenanceCase{}, false
}

// MaintenanceOptions configure the maintenance agent.
type MaintenanceOptions struct {
	Options
	// Contractors maps a ticket category to the on-call contractor's phone.
	Contractors map[string]string
}

// Maintenance triages open tickets and dispatches contractors.
type Maintenance struct {
	identity    domain.AgentIdentity
	propertyID  string
	contractors map[string]string
}

// NewMaintenance builds the maintenance policy. Default threshold 0.70, role
// maintenance_coordinator.
func NewMaintenance(opts MaintenanceOptions) (*Maintenance, error) {
	id, err := opts.identity("maintenance", "maintenance_coordinator",
		"Triages maintenance tickets and dispatches contractors.", 0.70)
	if err != nil {
		return nil, err
	}
	contractors := make(map[string]string, len(opts.Contractors))
	for k, v := range opts.Contractors {
		contractors[strings.ToLower(k)] = v
	}
	return &Maintenance{identity: id, propertyID: opts.PropertyID, contractors: contractors}, nil
}

func (m *Maintenance) Identity() domain.AgentIdentity { return m.identity }

func (m *Maintenance) RequiredTools() []string {
	return []string{ToolFetchTickets, ToolClassifySeverity, ToolContractorSMS, ToolActionItem}
}

// Observe lists open tickets and classifies the unclassified ones. An
// event-triggered run carrying a ticket_id looks at that ticket only.
func (m *Maintenance) Observe(ctx context.Context, tools domain.ToolSet, rc domain.RunContext) (agent.Observation, error) {
	obs := &MaintenanceObservation{RunAt: rc.RunAt, PropertyID: m.propertyID}

	res, err := agent.Fetch[struct {
		Tickets []domain.Ticket `json:"tickets"`
	}](ctx, tools, ToolFetchTickets, map[string]string{"property_id": m.propertyID})
	if err != nil {
		return obs, err
	}

	focus := ""
	if rc.TriggerType == domain.TriggerEvent {
		focus = triggerField(rc, "ticket_id")
	}

	var errs []error
	for _, t := range res.Tickets {
		if focus != "" && t.ID != focus {
			continue
		}
		if t.Severity == "" {
			sev, err := agent.Fetch[struct {
				Severity domain.TicketSeverity `json:"severity"`
			}](ctx, tools, ToolClassifySeverity, map[string]string{"ticket_id": t.ID})
			if err != nil {
				errs = append(errs, err)
			} else {
				t.Severity = sev.Severity
			}
		}
		age := 0
		if !t.ReportedAt.IsZero() && rc.RunAt.After(t.ReportedAt) {
			age = int(rc.RunAt.Sub(t.ReportedAt).Hours())
		}
		obs.Cases = append(obs.Cases, MaintenanceCase{
			Ticket:     t,
			Band:       SeverityBand(t),
			AgeHours:   age,
			Contractor: m.contractors[strings.ToLower(t.Category)],
			Triggered:  focus != "",
		})
	}
	sort.Slice(obs.Cases, func(i, j int) bool {
		ci, cj := obs.Cases[i], obs.Cases[j]
		if ci.Band != cj.Band {
			return ci.Band == domain.SeverityHigh
		}
		return ci.ID < cj.ID
	})
	return obs, errors.Join(errs...)
}

func (m *Maintenance) SystemPrompt() string {
	return `You are the maintenance coordinator for a residential portfolio. You receive a case file of
open maintenance tickets, each triaged high or low.

Policy, at most one decision per ticket:
- high: send_contractor_sms to the listed contractor phone with the ticket id, unit and a short
  description of the fault. If no contractor is listed, queue_action_item with category
  "maintenance" and the ticket id as reference so staff find one.
- low: queue_action_item with category "maintenance" and the ticket id as reference, to be
  scheduled with routine work.
Use only ticket ids and phone numbers from the case file.

` + decisionFormat
}

func (m *Maintenance) UserPrompt(o agent.Observation, rc domain.RunContext) string {
	obs, _ := o.(*MaintenanceObservation)
	var c caseFile
	c.line("Maintenance case file, %s, as of %s.", scope(m.propertyID), stamp(rc.RunAt))
	if obs.Empty() {
		c.line("No open tickets.")
		c.line(nothingToDo)
		return c.String()
	}

	high := 0
	for _, cs := range obs.Cases {
		if cs.Band == domain.SeverityHigh {
			high++
		}
	}
	c.line("%d open ticket(s), %d high severity.", len(obs.Cases), high)
	c.line("")
	for _, cs := range obs.Cases {
		contractor := "none listed"
		if cs.Contractor != "" {
			contractor = cs.Contractor
		}
		c.line("- [%s] ticket %s, property %s unit %s, %s: %q, open %dh, contractor %s",
			cs.Band, cs.ID, cs.PropertyID, cs.Unit, cs.Category, cs.Summary, cs.AgeHours, contractor)
	}
	return c.String()
}

func (m *Maintenance) Propose(o agent.Observation, d domain.Decision) agent.Proposal {
	obs, _ := o.(*MaintenanceObservation)
	ticketID := param(d, "ticket_id", "reference")
	p := agent.Proposal{
		Description:     d.Rationale,
		CaseKey:         "maintenance:" + ticketID,
		Priority:        domain.PriorityHigh,
		EstimatedImpact: number(d, "amount"),
	}

	cs, ok := obs.find(ticketID)
	switch {
	case !ok:
		p.Title = "Maintenance follow-up for ticket " + ticketID
	case d.Tool == ToolContractorSMS:
		p.Title = "Dispatch contractor to " + cs.Unit + ": " + cs.Summary
	default:
		p.Title = "Schedule " + cs.Category + " work in " + cs.Unit + ": " + cs.Summary
	}
	if ok && cs.Band == domain.SeverityLow {
		p.Priority = domain.PriorityLow
	}
	return p
}
