package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Agent lifecycle events.
	EventAgentRunStarted   EventType = "agent.run.started"
	EventAgentRunCompleted EventType = "agent.run.completed"
	EventAgentRunFailed    EventType = "agent.run.failed"

	// Tool events.
	EventToolExecuted EventType = "tool.executed"
	EventToolFailed   EventType = "tool.failed"

	// Action queue events.
	EventActionQueued     EventType = "action.queued"
	EventActionSuperseded EventType = "action.superseded"
	EventActionApproved   EventType = "action.approved"
	EventActionRejected   EventType = "action.rejected"
	EventActionExecuted   EventType = "action.executed"
	EventActionEscalated  EventType = "action.escalated"
	EventActionExpired    EventType = "action.expired"

	// Upstream trigger facts.
	EventTicketCreated      EventType = "maintenance.ticket.created"
	EventOccupancyThreshold EventType = "occupancy.threshold.crossed"
	EventArrearsDetected    EventType = "arrears.anomaly.detected"
	EventGridPriceDrop      EventType = "grid.price.dropped"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type          EventType       `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent marshals payload into an Event stamped with now. A payload that fails
// to marshal is dropped rather than blocking the publisher.
func NewEvent(typ EventType, correlationID string, payload any) Event {
	ev := Event{Type: typ, Timestamp: time.Now().UTC(), CorrelationID: correlationID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}
