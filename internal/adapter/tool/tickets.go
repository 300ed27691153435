package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// Categories whose tickets are always urgent.
var highSeverityCategories = map[string]bool{
	"plumbing":   true,
	"electrical": true,
	"gas":        true,
	"heating":    true,
	"security":   true,
	"lift":       true,
	"fire":       true,
}

// Categories that are cosmetic unless the summary says otherwise.
var lowSeverityCategories = map[string]bool{
	"cosmetic":    true,
	"decoration":  true,
	"garden":      true,
	"cleaning":    true,
	"appliance":   true,
	"furniture":   true,
	"paintwork":   true,
	"landscaping": true,
}

var highSeverityKeywords = []string{
	"leak", "flood", "burst", "no heat", "no hot water", "no power", "sparking",
	"smoke", "gas smell", "smell of gas", "broken lock", "break-in", "sewage",
	"ceiling collapse", "fire alarm", "carbon monoxide", "stuck in lift",
}

var lowSeverityKeywords = []string{
	"scuff", "paint", "chipped", "squeak", "loose handle", "lightbulb", "light bulb",
	"stain", "scratch", "wobbly", "faded", "cosmetic",
}

// ClassifySeverity maps a ticket to high or low severity. Summary keywords
// indicating safety, water or security risk win over the category. A ticket
// nothing matches is treated as high.
func ClassifySeverity(category, summary string) domain.TicketSeverity {
	s := strings.ToLower(summary)
	for _, kw := range highSeverityKeywords {
		if strings.Contains(s, kw) {
			return domain.SeverityHigh
		}
	}
	c := strings.ToLower(strings.TrimSpace(category))
	if highSeverityCategories[c] {
		return domain.SeverityHigh
	}
	if lowSeverityCategories[c] {
		return domain.SeverityLow
	}
	for _, kw := range lowSeverityKeywords {
		if strings.Contains(s, kw) {
			return domain.SeverityLow
		}
	}
	return domain.SeverityHigh
}

// FetchTicketsTool lists open maintenance tickets.
type FetchTicketsTool struct {
	backend TicketBackend
	logger  *slog.Logger
}

// NewFetchTicketsTool creates the fetch_tickets tool.
func NewFetchTicketsTool(backend TicketBackend, logger *slog.Logger) *FetchTicketsTool {
	return &FetchTicketsTool{backend: backend, logger: logger}
}

func (t *FetchTicketsTool) Name() string { return "fetch_tickets" }
func (t *FetchTicketsTool) Description() string {
	return "List open maintenance tickets, optionally for one property."
}

func (t *FetchTicketsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassRead,
		Idempotent:  true,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"property_id": {"type": "string"}
			},
			"additionalProperties": false
		}`),
	}
}

type fetchTicketsParams struct {
	PropertyID string `json:"property_id"`
}

// TicketsData is the payload of a successful fetch_tickets call.
type TicketsData struct {
	Tickets []domain.Ticket `json:"tickets"`
}

func (t *FetchTicketsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.fetch_tickets", t.logger, params,
		func(ctx context.Context, span trace.Span, p fetchTicketsParams) (any, error) {
			tickets, err := t.backend.OpenTickets(ctx, p.PropertyID)
			if err != nil {
				return nil, err
			}
			if tickets == nil {
				tickets = []domain.Ticket{}
			}
			span.SetAttributes(tracer.IntAttr("tickets.open", len(tickets)))
			return TicketsData{Tickets: tickets}, nil
		})
}

// ClassifySeverityTool exposes ClassifySeverity for a stored ticket or for
// free text.
type ClassifySeverityTool struct {
	backend TicketBackend
	logger  *slog.Logger
}

// NewClassifySeverityTool creates the classify_severity tool.
func NewClassifySeverityTool(backend TicketBackend, logger *slog.Logger) *ClassifySeverityTool {
	return &ClassifySeverityTool{backend: backend, logger: logger}
}

func (t *ClassifySeverityTool) Name() string { return "classify_severity" }
func (t *ClassifySeverityTool) Description() string {
	return "Classify a maintenance ticket as high or low severity by category and summary."
}

func (t *ClassifySeverityTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassRead,
		Idempotent:  true,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"ticket_id": {"type": "string"},
				"category":  {"type": "string"},
				"summary":   {"type": "string"}
			},
			"anyOf": [
				{"required": ["ticket_id"]},
				{"required": ["summary"]}
			],
			"additionalProperties": false
		}`),
	}
}

type classifyParams struct {
	TicketID string `json:"ticket_id"`
	Category string `json:"category"`
	Summary  string `json:"summary"`
}

// SeverityData is the payload of a successful classify_severity call.
type SeverityData struct {
	TicketID string                `json:"ticket_id,omitempty"`
	Severity domain.TicketSeverity `json:"severity"`
}

func (t *ClassifySeverityTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.classify_severity", t.logger, params,
		func(ctx context.Context, span trace.Span, p classifyParams) (any, error) {
			category, summary := p.Category, p.Summary
			if p.TicketID != "" {
				ticket, err := t.backend.Ticket(ctx, p.TicketID)
				if err != nil {
					return nil, err
				}
				category, summary = ticket.Category, ticket.Summary
			} else if summary == "" {
				return nil, invalid("either 'ticket_id' or 'summary' is required")
			}
			sev := ClassifySeverity(category, summary)
			span.SetAttributes(tracer.StringAttr("ticket.severity", string(sev)))
			return SeverityData{TicketID: p.TicketID, Severity: sev}, nil
		})
}
