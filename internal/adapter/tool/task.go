package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// ActionItemTool files a follow-up task for property staff.
type ActionItemTool struct {
	backend TaskBackend
	logger  *slog.Logger
}

// NewActionItemTool creates the queue_action_item tool.
func NewActionItemTool(backend TaskBackend, logger *slog.Logger) *ActionItemTool {
	return &ActionItemTool{backend: backend, logger: logger}
}

func (t *ActionItemTool) Name() string { return "queue_action_item" }
func (t *ActionItemTool) Description() string {
	return "Create a follow-up task for staff, such as calling a tenant or reviewing rates."
}

func (t *ActionItemTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassCommunication,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title":     {"type": "string", "minLength": 3, "maxLength": 200},
				"detail":    {"type": "string", "maxLength": 2000},
				"category":  {"type": "string", "enum": ["arrears", "maintenance", "pricing", "energy", "general"]},
				"reference": {"type": "string", "minLength": 1, "description": "Tenant, ticket, property or room id"},
				"amount":    {"type": "number", "minimum": 0}
			},
			"required": ["title", "category", "reference"],
			"additionalProperties": false
		}`),
	}
}

type actionItemParams struct {
	Title     string  `json:"title"`
	Detail    string  `json:"detail"`
	Category  string  `json:"category"`
	Reference string  `json:"reference"`
	Amount    float64 `json:"amount"`
}

func (t *ActionItemTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.queue_action_item", t.logger, params,
		func(ctx context.Context, span trace.Span, p actionItemParams) (any, error) {
			if err := RequireFields("title", p.Title, "category", p.Category, "reference", p.Reference); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.StringAttr("task.category", p.Category))
			id, err := t.backend.CreateTask(ctx, StaffTask(p))
			if err != nil {
				return nil, err
			}
			return map[string]string{"task_id": id}, nil
		})
}
