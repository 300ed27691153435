package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"propwatch/internal/domain"
	"propwatch/internal/usecase/agent"
)

// EnergyBand is the reason a room or property is worth acting on.
type EnergyBand string

const (
	EnergyVacantHot    EnergyBand = "vacant_hot"
	EnergyArrivingCold EnergyBand = "arriving_cold"
	EnergyGridCheap    EnergyBand = "grid_cheap"
)

var energyRank = map[EnergyBand]int{EnergyGridCheap: 1, EnergyVacantHot: 2, EnergyArrivingCold: 3}

// EnergyConfig holds the energy banding thresholds.
type EnergyConfig struct {
	EcoThresholdC float64       // vacant rooms strictly warmer are vacant_hot
	ComfortC      float64       // arriving rooms strictly colder are arriving_cold
	ArrivalWindow time.Duration // how far ahead an arrival counts
	// CheapPrice overrides the grid's own cheap threshold when positive.
	CheapPrice float64
}

// DefaultEnergyConfig returns eco 18°C, comfort 20°C and a 2h arrival window.
func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{EcoThresholdC: 18, ComfortC: 20, ArrivalWindow: 2 * time.Hour}
}


// EnergyCase is one room, or one property for grid_cheap, to act on.
type EnergyCase struct {
	Band         EnergyBand `json:"band"`
	RoomID       string     `json:"room_id,omitempty"`
	PropertyID   string     `json:"property_id"`
	TemperatureC float64    `json:"temperature_c,omitempty"`
	HVACMode     string     `json:"hvac_mode,omitempty"`
	NextArrival  *time.Time `json:"next_arrival,omitempty"`
	RoomIDs      []string   `json:"room_ids,omitempty"`
}

func (c EnergyCase) subject() string {
	if c.RoomID != "" {
		return c.RoomID
	}
	return c.PropertyID
}

// EnergyBands buckets rooms by temperature against occupancy and the grid
// price. A room with a guest arriving inside the window is never vacant_hot,
// since eco mode would undo the preheat, and a room already in eco is not
// raised again. A nil price yields no grid_cheap cases.
func EnergyBands(rooms []domain.Room, price *domain.GridPrice, runAt time.Time, cfg EnergyConfig) []EnergyCase {
	var cases []EnergyCase
	byProperty := make(map[string][]string)

	for _, r := range rooms {
		byProperty[r.PropertyID] = append(byProperty[r.PropertyID], r.RoomID)
		base := EnergyCase{
			RoomID:       r.RoomID,
			PropertyID:   r.PropertyID,
			TemperatureC: r.TemperatureC,
			HVACMode:     r.HVACMode,
			NextArrival:  r.NextArrival,
		}
		arriving := r.NextArrival != nil && !r.NextArrival.Before(runAt) && r.NextArrival.Sub(runAt) <= cfg.ArrivalWindow
		switch {
		case arriving && r.TemperatureC < cfg.ComfortC:
			base.Band = EnergyArrivingCold
			cases = append(cases, base)
		case !arriving && !r.Occupied && r.HVACMode != "eco" && r.TemperatureC > cfg.EcoThresholdC:
			base.Band = EnergyVacantHot
			cases = append(cases, base)
		}
	}

	if price != nil {
		threshold := price.CheapThreshold
		if cfg.CheapPrice > 0 {
			threshold = cfg.CheapPrice
		}
		if threshold > 0 && price.PricePerKWh <= threshold {
			for propertyID, ids := range byProperty {
				sort.Strings(ids)
				cases = append(cases, EnergyCase{Band: EnergyGridCheap, PropertyID: propertyID, RoomIDs: ids})
			}
		}
	}

	sort.Slice(cases, func(i, j int) bool {
		ci, cj := cases[i], cases[j]
		if energyRank[ci.Band] != energyRank[cj.Band] {
			return energyRank[ci.Band] > energyRank[cj.Band]
		}
		if ci.PropertyID != cj.PropertyID {
			return ci.PropertyID < cj.PropertyID
		}
		return ci.RoomID < cj.RoomID
	})
	return cases
}

// EnergyObservation is the energy snapshot for one run.
type EnergyObservation struct {
	RunAt      time.Time         `json:"run_at"`
	PropertyID string            `json:"property_id,omitempty"`
	Rooms      int               `json:"rooms"`
	Price      *domain.GridPrice `json:"grid_price,omitempty"`
	Cases      []EnergyCase      `json:"cases"`
}

func (o *EnergyObservation) Empty() bool { return o == nil || len(o.Cases) == 0 }

func (o *EnergyObservation) find(subject string, tool string) (EnergyCase, bool) {
	if o == nil {
		return EnergyCase{}, false
	}
	for _, c := range o.Cases {
		if c.subject() != subject {
			continue
		}
		if (tool == ToolGridArbitrage) == (c.Band == EnergyGridCheap) {
			return c, true
		}
	}
	return EnergyCase{}, false
}

// EnergyOptions configure the energy agent. A zero EnergyConfig takes
// DefaultEnergyConfig; any other value is used as given, so 0°C is a valid
// threshold.
type EnergyOptions struct {
	Options
	EnergyConfig
}

// Energy keeps rooms at the right temperature for the lowest grid cost.
type Energy struct {
	identity   domain.AgentIdentity
	propertyID string
	cfg        EnergyConfig
}

// NewEnergy builds the energy policy. Default threshold 0.60, role facilities_manager.
func NewEnergy(opts EnergyOptions) (*Energy, error) {
	id, err := opts.identity("energy", "facilities_manager",
		"Sets HVAC modes from occupancy and shifts load into cheap grid slots.", 0.60)
	if err != nil {
		return nil, err
	}
	cfg := opts.EnergyConfig
	if cfg == (EnergyConfig{}) {
		cfg = DefaultEnergyConfig()
	}
	return &Energy{identity: id, propertyID: opts.PropertyID, cfg: cfg}, nil
}

func (e *Energy) Identity() domain.AgentIdentity { return e.identity }

func (e *Energy) RequiredTools() []string {
	return []string{ToolRoomSync, ToolGridPrice, ToolHVAC, ToolGridArbitrage}
}

// Observe reads rooms and the grid price. Either fetch may fail alone; the
// other still contributes cases.
func (e *Energy) Observe(ctx context.Context, tools domain.ToolSet, rc domain.RunContext) (agent.Observation, error) {
	obs := &EnergyObservation{RunAt: rc.RunAt, PropertyID: e.propertyID}

	rooms, roomErr := agent.Fetch[struct {
		Rooms []domain.Room `json:"rooms"`
	}](ctx, tools, ToolRoomSync, map[string]string{"property_id": e.propertyID})

	var price *domain.GridPrice
	grid, gridErr := agent.Fetch[domain.GridPrice](ctx, tools, ToolGridPrice, nil)
	if gridErr == nil {
		price = &grid
	}

	obs.Rooms = len(rooms.Rooms)
	obs.Price = price
	obs.Cases = EnergyBands(rooms.Rooms, price, rc.RunAt, e.cfg)
	return obs, errors.Join(roomErr, gridErr)
}

func (e *Energy) SystemPrompt() string {
	return fmt.Sprintf(`You are the facilities manager for a portfolio of serviced rooms. You receive a case file of
rooms and properties where heating or grid cost can be improved.

Policy, at most one decision per case:
- vacant_hot (vacant and above %.0f°C): control_hvac with mode "eco".
- arriving_cold (guest arriving within %s and below %.0f°C): control_hvac with mode "preheat" and
  target_c %.0f.
- grid_cheap (grid price at or below the cheap threshold): grid_arbitrage with action
  "precondition" and the property's room_ids, or "charge_storage" with kwh when the property
  has storage.
Never change a room that is not in the case file.

`, e.cfg.EcoThresholdC, e.cfg.ArrivalWindow, e.cfg.ComfortC, e.cfg.ComfortC) + decisionFormat
}

func (e *Energy) UserPrompt(o agent.Observation, rc domain.RunContext) string {
	obs, _ := o.(*EnergyObservation)
	var c caseFile
	c.line("Energy case file, %s, as of %s.", scope(e.propertyID), stamp(rc.RunAt))
	if obs != nil && obs.Price != nil {
		c.line("Grid price %.3f/kWh, cheap threshold %.3f/kWh.", obs.Price.PricePerKWh, obs.Price.CheapThreshold)
	}
	if obs.Empty() {
		c.line("All rooms are in their target range and the grid is not cheap.")
		c.line(nothingToDo)
		return c.String()
	}

	c.line("%d case(s) across %d room(s).", len(obs.Cases), obs.Rooms)
	c.line("")
	for _, cs := range obs.Cases {
		switch cs.Band {
		case EnergyGridCheap:
			c.line("- [%s] property %s: rooms %v", cs.Band, cs.PropertyID, cs.RoomIDs)
		case EnergyArrivingCold:
			c.line("- [%s] room %s, property %s: %.1f°C, hvac %s, arrival %s",
				cs.Band, cs.RoomID, cs.PropertyID, cs.TemperatureC, cs.HVACMode, stamp(*cs.NextArrival))
		default:
			c.line("- [%s] room %s, property %s: %.1f°C, hvac %s, vacant",
				cs.Band, cs.RoomID, cs.PropertyID, cs.TemperatureC, cs.HVACMode)
		}
	}
	return c.String()
}

func (e *Energy) Propose(o agent.Observation, d domain.Decision) agent.Proposal {
	obs, _ := o.(*EnergyObservation)
	subject := param(d, "room_id")
	if d.Tool == ToolGridArbitrage {
		subject = param(d, "property_id")
	}

	cs, ok := obs.find(subject, d.Tool)
	if !ok {
		return agent.Proposal{
			Title:       fmt.Sprintf("%s for %s", d.Tool, subject),
			Description: d.Rationale,
			CaseKey:     "energy:" + subject,
			Priority:    domain.PriorityNormal,
		}
	}

	p := agent.Proposal{
		Description: d.Rationale,
		CaseKey:     "energy:" + cs.subject() + ":" + string(cs.Band),
	}
	switch cs.Band {
	case EnergyArrivingCold:
		p.Title = fmt.Sprintf("Preheat %s before arrival (%.1f°C)", cs.RoomID, cs.TemperatureC)
		p.Priority = domain.PriorityHigh
	case EnergyVacantHot:
		p.Title = fmt.Sprintf("Set vacant %s to eco (%.1f°C)", cs.RoomID, cs.TemperatureC)
		p.Priority = domain.PriorityLow
	default:
		p.Title = fmt.Sprintf("Shift load at %s into cheap grid slot", cs.PropertyID)
		p.Priority = domain.PriorityNormal
	}
	return p
}
