package domain

import "time"

// TenantLedger is one row of the rent roll.
type TenantLedger struct {
	TenantID   string    `json:"tenant_id"   yaml:"tenant_id"`
	Name       string    `json:"name"        yaml:"name"`
	Email      string    `json:"email"       yaml:"email"`
	Unit       string    `json:"unit"        yaml:"unit"`
	PropertyID string    `json:"property_id" yaml:"property_id"`
	Balance    float64   `json:"balance"     yaml:"balance"`
	DueDate    time.Time `json:"due_date"    yaml:"due_date"`
}

// TicketSeverity is the triage level of a maintenance ticket.
type TicketSeverity string

const (
	SeverityHigh TicketSeverity = "high"
	SeverityLow  TicketSeverity = "low"
)

// Ticket is an open maintenance request.
type Ticket struct {
	ID         string         `json:"id"          yaml:"id"`
	PropertyID string         `json:"property_id" yaml:"property_id"`
	Unit       string         `json:"unit"        yaml:"unit"`
	Category   string         `json:"category"    yaml:"category"`
	Summary    string         `json:"summary"     yaml:"summary"`
	ReportedAt time.Time      `json:"reported_at" yaml:"reported_at"`
	Status     string         `json:"status"      yaml:"status"`
	Severity   TicketSeverity `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// OccupancyWindow is the forward occupancy of a property over a date range.
type OccupancyWindow struct {
	PropertyID     string    `json:"property_id"     yaml:"property_id"`
	From           time.Time `json:"from"            yaml:"from"`
	Days           int       `json:"days"            yaml:"days"`
	TotalUnits     int       `json:"total_units"     yaml:"total_units"`
	OccupiedNights int       `json:"occupied_nights" yaml:"occupied_nights"`
	NightlyRate    float64   `json:"nightly_rate"    yaml:"nightly_rate"`
}

// Rate returns occupied nights over available nights, 0 when there is no capacity.
func (w OccupancyWindow) Rate() float64 {
	capacity := w.TotalUnits * w.Days
	if capacity <= 0 {
		return 0
	}
	return float64(w.OccupiedNights) / float64(capacity)
}

// Room is the live climate and occupancy state of a room.
type Room struct {
	RoomID       string     `json:"room_id"       yaml:"room_id"`
	PropertyID   string     `json:"property_id"   yaml:"property_id"`
	Occupied     bool       `json:"occupied"      yaml:"occupied"`
	TemperatureC float64    `json:"temperature_c" yaml:"temperature_c"`
	HVACMode     string     `json:"hvac_mode"     yaml:"hvac_mode"`
	NextArrival  *time.Time `json:"next_arrival,omitempty" yaml:"next_arrival,omitempty"`
}

// GridPrice is the current wholesale electricity price.
type GridPrice struct {
	PricePerKWh    float64   `json:"price_per_kwh"    yaml:"price_per_kwh"`
	CheapThreshold float64   `json:"cheap_threshold"  yaml:"cheap_threshold"`
	ValidUntil     time.Time `json:"valid_until"      yaml:"valid_until"`
}
