package orchestrator

import (
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"propwatch/internal/domain"
)

// AgentStatus is a point-in-time view of one registered agent.
type AgentStatus struct {
	ID                string             `json:"id"`
	Role              string             `json:"role"`
	Description       string             `json:"description,omitempty"`
	ApprovalThreshold float64            `json:"approval_threshold"`
	Schedule          string             `json:"schedule,omitempty"`
	Events            []domain.EventType `json:"events,omitempty"`
	NextRun           *time.Time         `json:"next_run,omitempty"`
	LastRunAt         *time.Time         `json:"last_run_at,omitempty"`
	LastStatus        domain.RunStatus   `json:"last_status,omitempty"`
	Runs              int                `json:"runs"`
	Failures          int                `json:"failures"`
}

type entry struct {
	agent    Agent
	trigger  Trigger
	schedule cron.Schedule // nil for event-only agents
	next     time.Time     // zero until the first scheduled run

	lastRunAt  time.Time
	lastStatus domain.RunStatus
	runs       int
	failures   int
}

// registry holds registered agents keyed by id.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

func (r *registry) add(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.agent.Identity().ID
	if _, exists := r.entries[id]; exists {
		return domain.NewDomainError("Orchestrator.Register", domain.ErrDuplicate, "agent "+id)
	}
	r.entries[id] = e
	return nil
}

func (r *registry) get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// claimDue returns the scheduled agents due at now and advances their next
// run, so overlapping ticks never start the same agent twice.
func (r *registry) claimDue(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []string
	for id, e := range r.entries {
		if e.schedule == nil {
			continue
		}
		if e.next.IsZero() || !now.Before(e.next) {
			due = append(due, id)
			e.next = e.schedule.Next(now)
		}
	}
	sort.Strings(due)
	return due
}

// subscribers returns agents registered for an event type.
func (r *registry) subscribers(typ domain.EventType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, e := range r.entries {
		for _, t := range e.trigger.Events {
			if t == typ {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// eventTypes returns every event type some agent listens to.
func (r *registry) eventTypes() []domain.EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[domain.EventType]bool)
	var out []domain.EventType
	for _, e := range r.entries {
		for _, t := range e.trigger.Events {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *registry) record(id string, res *domain.RunResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.runs++
	e.lastRunAt = res.StartedAt
	e.lastStatus = res.Status
	if res.Status == domain.StateFailed {
		e.failures++
	}
}

func (r *registry) list() []AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentStatus, 0, len(r.entries))
	for _, e := range r.entries {
		id := e.agent.Identity()
		st := AgentStatus{
			ID:                id.ID,
			Role:              id.Role,
			Description:       id.Description,
			ApprovalThreshold: id.ApprovalThreshold(),
			Schedule:          e.trigger.Schedule,
			Events:            append([]domain.EventType(nil), e.trigger.Events...),
			LastStatus:        e.lastStatus,
			Runs:              e.runs,
			Failures:          e.failures,
		}
		if !e.next.IsZero() {
			next := e.next
			st.NextRun = &next
		}
		if !e.lastRunAt.IsZero() {
			last := e.lastRunAt
			st.LastRunAt = &last
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
