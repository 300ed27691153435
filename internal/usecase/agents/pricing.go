package agents

import (
	"context"
	"fmt"
	"sort"
	"time"

	"propwatch/internal/domain"
	"propwatch/internal/usecase/agent"
)

// PricingBand is the occupancy band of a property's forward window.
type PricingBand string

const (
	PricingNormal   PricingBand = ""
	PricingCritical PricingBand = "critical"
	PricingLow      PricingBand = "low"
	PricingHigh     PricingBand = "high"
)

var pricingRank = map[PricingBand]int{PricingHigh: 1, PricingLow: 2, PricingCritical: 3}

// OccupancyBand buckets a forward occupancy rate: below 0.30 critical, below
// 0.50 low, above 0.85 high. Everything else needs no action.
func OccupancyBand(rate float64) PricingBand {
	switch {
	case rate < 0.30:
		return PricingCritical
	case rate < 0.50:
		return PricingLow
	case rate > 0.85:
		return PricingHigh
	default:
		return PricingNormal
	}
}

// PricingCase is one property outside the normal occupancy band.
type PricingCase struct {
	domain.OccupancyWindow
	OccupancyRate float64     `json:"occupancy_rate"`
	Band          PricingBand `json:"band"`
}

// VacantNights is the unsold capacity of the window.
func (c PricingCase) VacantNights() int {
	v := c.TotalUnits*c.Days - c.OccupiedNights
	if v < 0 {
		return 0
	}
	return v
}

// PricingObservation is the pricing snapshot for one run.
type PricingObservation struct {
	RunAt      time.Time     `json:"run_at"`
	PropertyID string        `json:"property_id,omitempty"`
	WindowDays int           `json:"window_days"`
	Cases      []PricingCase `json:"cases"`
}

func (o *PricingObservation) Empty() bool { return o == nil || len(o.Cases) == 0 }

func (o *PricingObservation) find(propertyID string) (PricingCase, bool) {
	if o == nil {
		return PricingCase{}, false
	}
	for _, c := range o.Cases {
		if c.PropertyID == propertyID {
			return c, true
		}
	}
	return PricingCase{}, false
}

// PricingOptions configure the pricing agent.
type PricingOptions struct {
	Options
	WindowDays int // forward window, default 7
}

// Pricing watches forward occupancy and proposes rate changes.
type Pricing struct {
	identity   domain.AgentIdentity
	propertyID string
	windowDays int
}

// NewPricing builds the pricing policy. Default threshold 0.85, role revenue_manager.
func NewPricing(opts PricingOptions) (*Pricing, error) {
	id, err := opts.identity("pricing", "revenue_manager",
		"Adjusts nightly rates when forward occupancy drifts out of band.", 0.85)
	if err != nil {
		return nil, err
	}
	days := opts.WindowDays
	if days <= 0 {
		days = 7
	}
	return &Pricing{identity: id, propertyID: opts.PropertyID, windowDays: days}, nil
}

func (p *Pricing) Identity() domain.AgentIdentity { return p.identity }

func (p *Pricing) RequiredTools() []string {
	return []string{ToolOccupancy, ToolDiscount, ToolActionItem}
}

// Observe reads the forward window starting on the run day. An
// occupancy.threshold.crossed event naming a property narrows the run to it.
func (p *Pricing) Observe(ctx context.Context, tools domain.ToolSet, rc domain.RunContext) (agent.Observation, error) {
	propertyID := p.propertyID
	if rc.TriggerType == domain.TriggerEvent {
		if id := triggerField(rc, "property_id"); id != "" {
			propertyID = id
		}
	}
	obs := &PricingObservation{RunAt: rc.RunAt, PropertyID: propertyID, WindowDays: p.windowDays}

	res, err := agent.Fetch[struct {
		Properties []struct {
			domain.OccupancyWindow
			OccupancyRate float64 `json:"occupancy_rate"`
		} `json:"properties"`
	}](ctx, tools, ToolOccupancy, map[string]any{
		"property_id": propertyID,
		"from":        day(rc.RunAt),
		"days":        p.windowDays,
	})
	if err != nil {
		return obs, err
	}

	for _, r := range res.Properties {
		band := OccupancyBand(r.OccupancyRate)
		if band == PricingNormal {
			continue
		}
		obs.Cases = append(obs.Cases, PricingCase{
			OccupancyWindow: r.OccupancyWindow,
			OccupancyRate:   r.OccupancyRate,
			Band:            band,
		})
	}
	sort.Slice(obs.Cases, func(i, j int) bool {
		ci, cj := obs.Cases[i], obs.Cases[j]
		if pricingRank[ci.Band] != pricingRank[cj.Band] {
			return pricingRank[ci.Band] > pricingRank[cj.Band]
		}
		return ci.PropertyID < cj.PropertyID
	})
	return obs, nil
}

func (p *Pricing) SystemPrompt() string {
	return `You are the revenue manager for a portfolio of short-stay properties. You receive a case
file of properties whose forward occupancy is out of band.

Policy, at most one decision per property:
- critical (below 30%): apply_discount of 15 to 25 percent over the window.
- low (30% to 50%): apply_discount of 5 to 10 percent over the window.
- high (above 85%): queue_action_item with category "pricing" and the property id as reference,
  recommending a rate increase; put the extra nightly revenue in amount.
Discounts start on the window's first day and last the window's length. Give a one-line reason.

` + decisionFormat
}

func (p *Pricing) UserPrompt(o agent.Observation, rc domain.RunContext) string {
	obs, _ := o.(*PricingObservation)
	propertyID, days := p.propertyID, p.windowDays
	if obs != nil {
		propertyID, days = obs.PropertyID, obs.WindowDays
	}
	var c caseFile
	c.line("Pricing case file, %s, %d-day window from %s.", scope(propertyID), days, day(rc.RunAt))
	if obs.Empty() {
		c.line("Every property is within the normal occupancy band.")
		c.line(nothingToDo)
		return c.String()
	}

	c.line("%d propert(ies) out of band.", len(obs.Cases))
	c.line("")
	for _, cs := range obs.Cases {
		c.line("- [%s] property %s: %.1f%% occupied (%d of %d unit-nights), %d vacant nights, nightly rate %s, window %s for %d days",
			cs.Band, cs.PropertyID, cs.OccupancyRate*100, cs.OccupiedNights, cs.TotalUnits*cs.Days,
			cs.VacantNights(), money(cs.NightlyRate), day(cs.From), cs.Days)
	}
	return c.String()
}

// Propose estimates impact as revenue at stake: the discount applied to
// every vacant night, or the proposed amount for an action item.
func (p *Pricing) Propose(o agent.Observation, d domain.Decision) agent.Proposal {
	obs, _ := o.(*PricingObservation)
	propertyID := param(d, "property_id", "reference")
	cs, ok := obs.find(propertyID)
	if !ok {
		return agent.Proposal{
			Title:           "Pricing review for " + propertyID,
			Description:     d.Rationale,
			CaseKey:         "pricing:" + propertyID,
			Priority:        domain.PriorityNormal,
			EstimatedImpact: number(d, "amount"),
		}
	}

	prop := agent.Proposal{
		Description: d.Rationale,
		CaseKey:     "pricing:" + cs.PropertyID + ":" + string(cs.Band),
		Priority:    pricingPriority(cs.Band),
	}
	switch d.Tool {
	case ToolDiscount:
		pct := number(d, "percent")
		prop.Title = fmt.Sprintf("%.0f%% discount on %s (%.0f%% occupied)", pct, cs.PropertyID, cs.OccupancyRate*100)
		prop.EstimatedImpact = pct / 100 * cs.NightlyRate * float64(cs.VacantNights())
	default:
		prop.Title = fmt.Sprintf("Rate review for %s (%.0f%% occupied)", cs.PropertyID, cs.OccupancyRate*100)
		prop.EstimatedImpact = number(d, "amount")
	}
	return prop
}

func pricingPriority(b PricingBand) domain.Priority {
	switch b {
	case PricingCritical:
		return domain.PriorityHigh
	case PricingLow:
		return domain.PriorityNormal
	default:
		return domain.PriorityLow
	}
}
