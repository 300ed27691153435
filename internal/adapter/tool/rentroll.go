package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// RentRollTool reads the tenant ledger of one or all properties.
type RentRollTool struct {
	backend RentRollBackend
	logger  *slog.Logger
}

// NewRentRollTool creates the check_rent_roll tool.
func NewRentRollTool(backend RentRollBackend, logger *slog.Logger) *RentRollTool {
	return &RentRollTool{backend: backend, logger: logger}
}

func (t *RentRollTool) Name() string { return "check_rent_roll" }
func (t *RentRollTool) Description() string {
	return "List tenants with an outstanding balance, with unit, amount owed and rent due date."
}

func (t *RentRollTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassRead,
		Idempotent:  true,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"property_id": {"type": "string", "description": "Limit to one property"}
			},
			"additionalProperties": false
		}`),
	}
}

type rentRollParams struct {
	PropertyID string `json:"property_id"`
}

// RentRollData is the payload of a successful check_rent_roll call.
type RentRollData struct {
	Tenants []domain.TenantLedger `json:"tenants"`
}

func (t *RentRollTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.check_rent_roll", t.logger, params,
		func(ctx context.Context, span trace.Span, p rentRollParams) (any, error) {
			ledgers, err := t.backend.Ledgers(ctx, p.PropertyID)
			if err != nil {
				return nil, err
			}
			owing := make([]domain.TenantLedger, 0, len(ledgers))
			for _, l := range ledgers {
				if l.Balance > 0 {
					owing = append(owing, l)
				}
			}
			sort.Slice(owing, func(i, j int) bool { return owing[i].TenantID < owing[j].TenantID })
			span.SetAttributes(tracer.IntAttr("rentroll.owing", len(owing)))
			return RentRollData{Tenants: owing}, nil
		})
}
