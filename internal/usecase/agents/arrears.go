package agents

import (
	"context"
	"math"
	"sort"
	"time"

	"propwatch/internal/domain"
	"propwatch/internal/usecase/agent"
)

// ArrearsSeverity is the escalation band of an overdue balance.
type ArrearsSeverity string

const (
	ArrearsNone  ArrearsSeverity = ""
	ArrearsMild  ArrearsSeverity = "mild"
	ArrearsFirm  ArrearsSeverity = "firm"
	ArrearsFinal ArrearsSeverity = "final"
)

var arrearsRank = map[ArrearsSeverity]int{ArrearsMild: 1, ArrearsFirm: 2, ArrearsFinal: 3}

// ArrearsBand buckets days overdue: 3-6 mild, 7-13 firm, 14 and over final.
// Fewer than 3 days is not yet arrears.
func ArrearsBand(days int) ArrearsSeverity {
	switch {
	case days >= 14:
		return ArrearsFinal
	case days >= 7:
		return ArrearsFirm
	case days >= 3:
		return ArrearsMild
	default:
		return ArrearsNone
	}
}

// DaysOverdue counts whole days between due and runAt. It is 0 when runAt is
// not after due.
func DaysOverdue(runAt, due time.Time) int {
	d := runAt.Sub(due)
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Hours() / 24))
}

// ArrearsCase is one tenant in arrears.
type ArrearsCase struct {
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Email       string          `json:"email"`
	Unit        string          `json:"unit"`
	PropertyID  string          `json:"property_id"`
	Balance     float64         `json:"balance"`
	DueDate     time.Time       `json:"due_date"`
	DaysOverdue int             `json:"days_overdue"`
	Band        ArrearsSeverity `json:"band"`
}

// ArrearsObservation is the arrears snapshot for one run.
type ArrearsObservation struct {
	RunAt      time.Time     `json:"run_at"`
	PropertyID string        `json:"property_id,omitempty"`
	Cases      []ArrearsCase `json:"cases"`
}

func (o *ArrearsObservation) Empty() bool { return o == nil || len(o.Cases) == 0 }

func (o *ArrearsObservation) find(tenantID string) (ArrearsCase, bool) {
	if o == nil {
		return ArrearsCase{}, false
	}
	for _, c := range o.Cases {
		if c.TenantID == tenantID {
			return c, true
		}
	}
	return ArrearsCase{}, false
}

// Arrears watches the rent roll and escalates overdue balances.
type Arrears struct {
	identity   domain.AgentIdentity
	propertyID string
}

// NewArrears builds the arrears policy. Default threshold 0.90, role credit_controller.
func NewArrears(opts Options) (*Arrears, error) {
	id, err := opts.identity("arrears", "credit_controller",
		"Chases overdue rent through reminder, firm and final notices.", 0.90)
	if err != nil {
		return nil, err
	}
	return &Arrears{identity: id, propertyID: opts.PropertyID}, nil
}

func (a *Arrears) Identity() domain.AgentIdentity { return a.identity }

func (a *Arrears) RequiredTools() []string {
	return []string{ToolRentRoll, ToolTenantEmail, ToolActionItem}
}

func (a *Arrears) Observe(ctx context.Context, tools domain.ToolSet, rc domain.RunContext) (agent.Observation, error) {
	obs := &ArrearsObservation{RunAt: rc.RunAt, PropertyID: a.propertyID}

	roll, err := agent.Fetch[struct {
		Tenants []domain.TenantLedger `json:"tenants"`
	}](ctx, tools, ToolRentRoll, map[string]string{"property_id": a.propertyID})
	if err != nil {
		return obs, err
	}

	for _, l := range roll.Tenants {
		if l.Balance <= 0 {
			continue
		}
		days := DaysOverdue(rc.RunAt, l.DueDate)
		band := ArrearsBand(days)
		if band == ArrearsNone {
			continue
		}
		obs.Cases = append(obs.Cases, ArrearsCase{
			TenantID:    l.TenantID,
			Name:        l.Name,
			Email:       l.Email,
			Unit:        l.Unit,
			PropertyID:  l.PropertyID,
			Balance:     l.Balance,
			DueDate:     l.DueDate,
			DaysOverdue: days,
			Band:        band,
		})
	}
	sort.Slice(obs.Cases, func(i, j int) bool {
		ci, cj := obs.Cases[i], obs.Cases[j]
		if arrearsRank[ci.Band] != arrearsRank[cj.Band] {
			return arrearsRank[ci.Band] > arrearsRank[cj.Band]
		}
		return ci.TenantID < cj.TenantID
	})
	return obs, nil
}

func (a *Arrears) SystemPrompt() string {
	return `You are the credit controller for a residential portfolio. You receive a case file of
tenants with overdue rent, already banded by days overdue.

Policy, exactly one decision per tenant:
- mild (3-6 days): send_tenant_email with template "reminder".
- firm (7-13 days): queue_action_item with category "arrears", reference set to the tenant id
  and amount set to the balance, so a manager calls the tenant and sends the firm letter.
- final (14+ days): send_tenant_email with template "final"; recovery proceedings follow from the
  approved notice.
Never invent tenants, balances or email addresses; use only the case file. Use high confidence
only when the band and balance are unambiguous.

` + decisionFormat
}

func (a *Arrears) UserPrompt(o agent.Observation, rc domain.RunContext) string {
	obs, _ := o.(*ArrearsObservation)
	var c caseFile
	c.line("Arrears case file, %s, as of %s.", scope(a.propertyID), stamp(rc.RunAt))
	if obs.Empty() {
		c.line("No tenants are in arrears.")
		c.line(nothingToDo)
		return c.String()
	}

	total := 0.0
	for _, cs := range obs.Cases {
		total += cs.Balance
	}
	c.line("%d tenant(s) in arrears, %s outstanding.", len(obs.Cases), money(total))
	c.line("")
	for _, cs := range obs.Cases {
		c.line("- [%s] tenant %s, %s <%s>, unit %s, property %s: %s, %d days overdue (due %s)",
			cs.Band, cs.TenantID, cs.Name, cs.Email, cs.Unit, cs.PropertyID,
			money(cs.Balance), cs.DaysOverdue, day(cs.DueDate))
	}
	return c.String()
}

func (a *Arrears) Propose(o agent.Observation, d domain.Decision) agent.Proposal {
	obs, _ := o.(*ArrearsObservation)
	tenantID := param(d, "tenant_id", "reference")
	cs, ok := obs.find(tenantID)
	if !ok {
		return agent.Proposal{
			Title:       "Arrears follow-up for " + tenantID,
			Description: d.Rationale,
			CaseKey:     "arrears:" + tenantID,
			Priority:    domain.PriorityNormal,
			// Unknown tenants are escalated on the proposed amount alone.
			EstimatedImpact: number(d, "amount"),
		}
	}

	var title string
	switch d.Tool {
	case ToolTenantEmail:
		title = string(cs.Band) + " arrears notice to " + cs.Name + " (" + money(cs.Balance) + ")"
	default:
		title = string(cs.Band) + " arrears follow-up for " + cs.Name + " (" + money(cs.Balance) + ")"
	}
	return agent.Proposal{
		Title:           title,
		Description:     d.Rationale,
		CaseKey:         "arrears:" + cs.TenantID + ":" + string(cs.Band),
		Priority:        arrearsPriority(cs.Band),
		EstimatedImpact: cs.Balance,
	}
}

func arrearsPriority(b ArrearsSeverity) domain.Priority {
	switch b {
	case ArrearsFinal:
		return domain.PriorityHigh
	case ArrearsFirm:
		return domain.PriorityNormal
	default:
		return domain.PriorityLow
	}
}
