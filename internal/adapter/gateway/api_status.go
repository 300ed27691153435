package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"propwatch/internal/domain"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Service       string         `json:"service"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Agents        int            `json:"agents"`
	Pending       int            `json:"pending_actions"`
	Counters      map[string]int `json:"counters"`
}

// Metrics counts bus events for the status and metrics endpoints.
type Metrics struct {
	RunsStarted      atomic.Int64
	RunsCompleted    atomic.Int64
	RunsFailed       atomic.Int64
	ToolsExecuted    atomic.Int64
	ToolsFailed      atomic.Int64
	ActionsQueued    atomic.Int64
	ActionsApproved  atomic.Int64
	ActionsRejected  atomic.Int64
	ActionsExecuted  atomic.Int64
	ActionsEscalated atomic.Int64
	ActionsExpired   atomic.Int64
}

// Subscribe wires the counters to bus. The returned func unsubscribes.
func (m *Metrics) Subscribe(bus domain.EventBus) func() {
	counters := map[domain.EventType]*atomic.Int64{
		domain.EventAgentRunStarted:   &m.RunsStarted,
		domain.EventAgentRunCompleted: &m.RunsCompleted,
		domain.EventAgentRunFailed:    &m.RunsFailed,
		domain.EventToolExecuted:      &m.ToolsExecuted,
		domain.EventToolFailed:        &m.ToolsFailed,
		domain.EventActionQueued:      &m.ActionsQueued,
		domain.EventActionApproved:    &m.ActionsApproved,
		domain.EventActionRejected:    &m.ActionsRejected,
		domain.EventActionExecuted:    &m.ActionsExecuted,
		domain.EventActionEscalated:   &m.ActionsEscalated,
		domain.EventActionExpired:     &m.ActionsExpired,
	}
	var unsubs []func()
	for typ, c := range counters {
		unsubs = append(unsubs, bus.Subscribe(typ, func(context.Context, domain.Event) { c.Add(1) }))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Snapshot returns the counters by metric name.
func (m *Metrics) Snapshot() map[string]int {
	return map[string]int{
		"runs_started":      int(m.RunsStarted.Load()),
		"runs_completed":    int(m.RunsCompleted.Load()),
		"runs_failed":       int(m.RunsFailed.Load()),
		"tools_executed":    int(m.ToolsExecuted.Load()),
		"tools_failed":      int(m.ToolsFailed.Load()),
		"actions_queued":    int(m.ActionsQueued.Load()),
		"actions_approved":  int(m.ActionsApproved.Load()),
		"actions_rejected":  int(m.ActionsRejected.Load()),
		"actions_executed":  int(m.ActionsExecuted.Load()),
		"actions_escalated": int(m.ActionsEscalated.Load()),
		"actions_expired":   int(m.ActionsExpired.Load()),
	}
}

func statusHandler(svc *service, started time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := svc.listActions(r.Context(), domain.ActionFilter{Status: domain.ActionPending})
		writeJSON(w, http.StatusOK, StatusResponse{
			Service:       "propwatch",
			UptimeSeconds: int64(svc.deps.Now().Sub(started).Seconds()),
			Agents:        len(svc.deps.Agents.Agents()),
			Pending:       len(pending),
			Counters:      metrics.Snapshot(),
		})
	}
}
