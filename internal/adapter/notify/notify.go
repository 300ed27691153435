// Package notify tells approvers about queue changes on chat channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"propwatch/internal/domain"
)

// Notice is one queue change worth telling an approver about.
type Notice struct {
	Event  domain.EventType
	Action domain.QueuedAction
}

// Headline is a one-line summary of the notice.
func (n Notice) Headline() string {
	a := n.Action
	switch n.Event {
	case domain.EventActionQueued:
		return fmt.Sprintf("Approval needed (%s): %s", a.RequiredApproverRole, a.Title)
	case domain.EventActionEscalated:
		return fmt.Sprintf("Escalated to %s (level %d): %s", a.RequiredApproverRole, a.EscalationLevel, a.Title)
	case domain.EventActionExpired:
		return fmt.Sprintf("Expired without a decision: %s", a.Title)
	case domain.EventActionExecuted:
		return fmt.Sprintf("Executed after approval by %s: %s", a.ResolvedBy, a.Title)
	case domain.EventActionRejected:
		return fmt.Sprintf("Rejected by %s: %s", a.ResolvedBy, a.Title)
	default:
		return fmt.Sprintf("%s: %s", n.Event, a.Title)
	}
}

// Fields returns the labelled details shown under the headline.
func (n Notice) Fields() [][2]string {
	a := n.Action
	fields := [][2]string{
		{"Action", a.ID},
		{"Priority", string(a.Priority)},
		{"Agent", a.SourceAgentID},
	}
	if a.EstimatedImpact > 0 {
		fields = append(fields, [2]string{"Impact", fmt.Sprintf("%.2f", a.EstimatedImpact)})
	}
	if a.DueBy != nil {
		fields = append(fields, [2]string{"Due", a.DueBy.UTC().Format("2006-01-02 15:04 MST")})
	}
	if a.Resolution != "" {
		fields = append(fields, [2]string{"Note", a.Resolution})
	}
	return fields
}

// Text renders the notice as plain text.
func (n Notice) Text() string {
	var b strings.Builder
	b.WriteString(n.Headline())
	if d := strings.TrimSpace(n.Action.Description); d != "" {
		b.WriteString("\n")
		b.WriteString(d)
	}
	for _, f := range n.Fields() {
		fmt.Fprintf(&b, "\n%s: %s", f[0], f[1])
	}
	return b.String()
}

// Notifier delivers notices to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n Notice) error
}

// DefaultEvents are the queue events approvers hear about.
var DefaultEvents = []domain.EventType{
	domain.EventActionQueued,
	domain.EventActionEscalated,
	domain.EventActionExpired,
}

// Dispatcher fans queue events out to notifiers.
type Dispatcher struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher over notifiers.
func NewDispatcher(logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, logger: logger}
}

// Len returns the number of notifiers.
func (d *Dispatcher) Len() int { return len(d.notifiers) }

// Subscribe attaches the dispatcher to events on bus, DefaultEvents when
// none are given. The returned func detaches it.
func (d *Dispatcher) Subscribe(bus domain.EventBus, events ...domain.EventType) func() {
	if len(events) == 0 {
		events = DefaultEvents
	}
	unsubs := make([]func(), 0, len(events))
	for _, typ := range events {
		unsubs = append(unsubs, bus.Subscribe(typ, d.Handle))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Handle decodes an action event and delivers it. Delivery failures are logged.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.Event) {
	var a domain.QueuedAction
	if err := json.Unmarshal(ev.Payload, &a); err != nil {
		d.logger.Warn("notify: undecodable action event", "event", ev.Type, "error", err)
		return
	}
	n := Notice{Event: ev.Type, Action: a}
	for _, nt := range d.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			d.logger.Warn("notify failed", "notifier", nt.Name(), "action_id", a.ID, "error", err)
			continue
		}
		d.logger.Debug("notified", "notifier", nt.Name(), "action_id", a.ID, "event", ev.Type)
	}
}
