package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"propwatch/internal/domain"
)

// Backends are the integration surface with property systems. Tools only
// validate, trace and normalize; the backend does the I/O.

// RentRollBackend reads tenant ledgers.
type RentRollBackend interface {
	Ledgers(ctx context.Context, propertyID string) ([]domain.TenantLedger, error)
}

// MessagingBackend delivers tenant email and contractor SMS.
type MessagingBackend interface {
	SendEmail(ctx context.Context, msg OutboundEmail) (string, error)
	SendSMS(ctx context.Context, msg OutboundSMS) (string, error)
}

// TaskBackend files staff work items.
type TaskBackend interface {
	CreateTask(ctx context.Context, task StaffTask) (string, error)
}

// TicketBackend reads maintenance tickets.
type TicketBackend interface {
	OpenTickets(ctx context.Context, propertyID string) ([]domain.Ticket, error)
	Ticket(ctx context.Context, id string) (domain.Ticket, error)
}

// OccupancyBackend reads forward occupancy and applies rate discounts.
type OccupancyBackend interface {
	Occupancy(ctx context.Context, propertyID string, from time.Time, days int) ([]domain.OccupancyWindow, error)
	ApplyDiscount(ctx context.Context, d Discount) (string, error)
}

// BuildingBackend reads room state and drives HVAC and load shifting.
type BuildingBackend interface {
	Rooms(ctx context.Context, propertyID string) ([]domain.Room, error)
	GridPrice(ctx context.Context) (domain.GridPrice, error)
	SetHVAC(ctx context.Context, cmd HVACCommand) error
	ShiftLoad(ctx context.Context, req LoadShift) (string, error)
}

// OutboundEmail is a tenant email rendered from a template.
type OutboundEmail struct {
	TenantID string `json:"tenant_id"`
	To       string `json:"to"`
	Template string `json:"template"`
	Subject  string `json:"subject"`
	Note     string `json:"note,omitempty"`
}

// OutboundSMS is a contractor text message.
type OutboundSMS struct {
	TicketID string `json:"ticket_id"`
	Phone    string `json:"phone"`
	Message  string `json:"message"`
}

// StaffTask is an internal work item for property staff.
type StaffTask struct {
	Title     string  `json:"title"`
	Detail    string  `json:"detail"`
	Category  string  `json:"category"`
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount,omitempty"`
}

// Discount is a temporary nightly-rate reduction.
type Discount struct {
	PropertyID string    `json:"property_id"`
	Percent    float64   `json:"percent"`
	From       time.Time `json:"from"`
	Days       int       `json:"days"`
	Reason     string    `json:"reason"`
}

// HVACCommand sets a room's HVAC mode.
type HVACCommand struct {
	RoomID  string  `json:"room_id"`
	Mode    string  `json:"mode"`
	TargetC float64 `json:"target_c,omitempty"`
}

// LoadShift moves flexible consumption into a cheap-price slot.
type LoadShift struct {
	PropertyID string   `json:"property_id"`
	Action     string   `json:"action"`
	RoomIDs    []string `json:"room_ids,omitempty"`
	KWh        float64  `json:"kwh,omitempty"`
}

// Backend operation names used for failure injection.
const (
	OpLedgers   = "ledgers"
	OpEmail     = "email"
	OpSMS       = "sms"
	OpTask      = "task"
	OpTickets   = "tickets"
	OpOccupancy = "occupancy"
	OpDiscount  = "discount"
	OpRooms     = "rooms"
	OpGrid      = "grid"
	OpHVAC      = "hvac"
	OpShift     = "shift"
)

// MemoryBackend is an in-memory implementation of every backend, seeded from
// fixtures. It records outbound side effects so they can be inspected.
type MemoryBackend struct {
	mu        sync.Mutex
	ledgers   []domain.TenantLedger
	tickets   []domain.Ticket
	occupancy []domain.OccupancyWindow
	rooms     []domain.Room
	grid      domain.GridPrice
	failures  map[string][]error
	nextID    int
	delay     map[string]time.Duration

	emails    []OutboundEmail
	sms       []OutboundSMS
	tasks     []StaffTask
	discounts []Discount
	hvac      []HVACCommand
	shifts    []LoadShift
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		failures: make(map[string][]error),
		delay:    make(map[string]time.Duration),
		nextID:   1,
	}
}

// SetLedgers replaces the rent roll.
func (m *MemoryBackend) SetLedgers(l ...domain.TenantLedger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledgers = append([]domain.TenantLedger(nil), l...)
}

// AddTicket appends a maintenance ticket.
func (m *MemoryBackend) AddTicket(t domain.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets = append(m.tickets, t)
}

// SetOccupancy replaces the forward occupancy windows.
func (m *MemoryBackend) SetOccupancy(w ...domain.OccupancyWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupancy = append([]domain.OccupancyWindow(nil), w...)
}

// SetRooms replaces the room states.
func (m *MemoryBackend) SetRooms(r ...domain.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = append([]domain.Room(nil), r...)
}

// SetGridPrice replaces the current grid price.
func (m *MemoryBackend) SetGridPrice(p domain.GridPrice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grid = p
}

// FailNext makes the next calls of op return the given errors, one per call.
func (m *MemoryBackend) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Delay makes every call of op sleep for d (or until the context is done).
func (m *MemoryBackend) Delay(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay[op] = d
}

// begin applies injected delay and failure for op.
func (m *MemoryBackend) begin(ctx context.Context, op string) error {
	m.mu.Lock()
	d := m.delay[op]
	var err error
	if q := m.failures[op]; len(q) > 0 {
		err, m.failures[op] = q[0], q[1:]
	}
	m.mu.Unlock()

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return domain.WrapOp(op, fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err()))
		}
	}
	return err
}

func (m *MemoryBackend) id(prefix string) string {
	id := fmt.Sprintf("%s-%d", prefix, m.nextID)
	m.nextID++
	return id
}

func (m *MemoryBackend) Ledgers(ctx context.Context, propertyID string) ([]domain.TenantLedger, error) {
	if err := m.begin(ctx, OpLedgers); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TenantLedger
	for _, l := range m.ledgers {
		if propertyID == "" || l.PropertyID == propertyID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *MemoryBackend) SendEmail(ctx context.Context, msg OutboundEmail) (string, error) {
	if err := m.begin(ctx, OpEmail); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emails = append(m.emails, msg)
	return m.id("email"), nil
}

func (m *MemoryBackend) SendSMS(ctx context.Context, msg OutboundSMS) (string, error) {
	if err := m.begin(ctx, OpSMS); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sms = append(m.sms, msg)
	return m.id("sms"), nil
}

func (m *MemoryBackend) CreateTask(ctx context.Context, task StaffTask) (string, error) {
	if err := m.begin(ctx, OpTask); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return m.id("task"), nil
}

func (m *MemoryBackend) OpenTickets(ctx context.Context, propertyID string) ([]domain.Ticket, error) {
	if err := m.begin(ctx, OpTickets); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Ticket
	for _, t := range m.tickets {
		if t.Status != "" && t.Status != "open" {
			continue
		}
		if propertyID == "" || t.PropertyID == propertyID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) Ticket(ctx context.Context, id string) (domain.Ticket, error) {
	if err := m.begin(ctx, OpTickets); err != nil {
		return domain.Ticket{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Ticket{}, domain.NewDomainError("MemoryBackend.Ticket", domain.ErrNotFound, id)
}

func (m *MemoryBackend) Occupancy(ctx context.Context, propertyID string, from time.Time, days int) ([]domain.OccupancyWindow, error) {
	if err := m.begin(ctx, OpOccupancy); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OccupancyWindow
	for _, w := range m.occupancy {
		if propertyID != "" && w.PropertyID != propertyID {
			continue
		}
		w.From = from
		if days > 0 && w.Days != days && w.Days > 0 {
			// Scale the stored window to the requested length.
			w.OccupiedNights = w.OccupiedNights * days / w.Days
			w.Days = days
		}
		out = append(out, w)
	}
	return out, nil
}

func (m *MemoryBackend) ApplyDiscount(ctx context.Context, d Discount) (string, error) {
	if err := m.begin(ctx, OpDiscount); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discounts = append(m.discounts, d)
	return m.id("discount"), nil
}

func (m *MemoryBackend) Rooms(ctx context.Context, propertyID string) ([]domain.Room, error) {
	if err := m.begin(ctx, OpRooms); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Room
	for _, r := range m.rooms {
		if propertyID == "" || r.PropertyID == propertyID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryBackend) GridPrice(ctx context.Context) (domain.GridPrice, error) {
	if err := m.begin(ctx, OpGrid); err != nil {
		return domain.GridPrice{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grid, nil
}

func (m *MemoryBackend) SetHVAC(ctx context.Context, cmd HVACCommand) error {
	if err := m.begin(ctx, OpHVAC); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rooms {
		if m.rooms[i].RoomID == cmd.RoomID {
			m.rooms[i].HVACMode = cmd.Mode
			m.hvac = append(m.hvac, cmd)
			return nil
		}
	}
	return domain.NewDomainError("MemoryBackend.SetHVAC", domain.ErrNotFound, cmd.RoomID)
}

func (m *MemoryBackend) ShiftLoad(ctx context.Context, req LoadShift) (string, error) {
	if err := m.begin(ctx, OpShift); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shifts = append(m.shifts, req)
	return m.id("shift"), nil
}

// Snapshot copies the recorded side effects under the lock.
func (m *MemoryBackend) Snapshot() MemorySideEffects {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemorySideEffects{
		Emails:    append([]OutboundEmail(nil), m.emails...),
		SMS:       append([]OutboundSMS(nil), m.sms...),
		Tasks:     append([]StaffTask(nil), m.tasks...),
		Discounts: append([]Discount(nil), m.discounts...),
		HVAC:      append([]HVACCommand(nil), m.hvac...),
		Shifts:    append([]LoadShift(nil), m.shifts...),
	}
}

// MemorySideEffects is a copy of everything a MemoryBackend has sent or changed.
type MemorySideEffects struct {
	Emails    []OutboundEmail
	SMS       []OutboundSMS
	Tasks     []StaffTask
	Discounts []Discount
	HVAC      []HVACCommand
	Shifts    []LoadShift
}
