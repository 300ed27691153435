package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// OccupancyTool reports forward occupancy per property.
type OccupancyTool struct {
	backend OccupancyBackend
	logger  *slog.Logger
	now     func() time.Time
}

// NewOccupancyTool creates the check_occupancy tool.
func NewOccupancyTool(backend OccupancyBackend, logger *slog.Logger) *OccupancyTool {
	return &OccupancyTool{backend: backend, logger: logger, now: time.Now}
}

func (t *OccupancyTool) Name() string { return "check_occupancy" }
func (t *OccupancyTool) Description() string {
	return "Report forward occupancy rate and nightly rate per property over the next N days."
}

func (t *OccupancyTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassRead,
		Idempotent:  true,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"property_id": {"type": "string"},
				"from":        {"type": "string", "description": "Start date YYYY-MM-DD, default today"},
				"days":        {"type": "integer", "minimum": 1, "maximum": 90}
			},
			"additionalProperties": false
		}`),
	}
}

type occupancyParams struct {
	PropertyID string `json:"property_id"`
	From       string `json:"from"`
	Days       int    `json:"days"`
}

// OccupancyReport is one property's line in a check_occupancy result.
type OccupancyReport struct {
	domain.OccupancyWindow
	OccupancyRate float64 `json:"occupancy_rate"`
}

// OccupancyData is the payload of a successful check_occupancy call.
type OccupancyData struct {
	Properties []OccupancyReport `json:"properties"`
}

func (t *OccupancyTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.check_occupancy", t.logger, params,
		func(ctx context.Context, span trace.Span, p occupancyParams) (any, error) {
			from, err := ParseDate("from", p.From)
			if err != nil {
				return nil, err
			}
			if from.IsZero() {
				from = t.now().Truncate(24 * time.Hour)
			}
			days := p.Days
			if days == 0 {
				days = 14
			}
			if err := ValidateRange("days", float64(days), 1, 90); err != nil {
				return nil, err
			}

			windows, err := t.backend.Occupancy(ctx, p.PropertyID, from, days)
			if err != nil {
				return nil, err
			}
			out := OccupancyData{Properties: make([]OccupancyReport, 0, len(windows))}
			for _, w := range windows {
				out.Properties = append(out.Properties, OccupancyReport{OccupancyWindow: w, OccupancyRate: w.Rate()})
			}
			span.SetAttributes(tracer.IntAttr("occupancy.properties", len(out.Properties)))
			return out, nil
		})
}

// DiscountTool applies a temporary nightly-rate discount.
type DiscountTool struct {
	backend    OccupancyBackend
	logger     *slog.Logger
	maxPercent float64
}

// NewDiscountTool creates the apply_discount tool. Discounts above maxPercent
// are rejected; zero selects 30%.
func NewDiscountTool(backend OccupancyBackend, maxPercent float64, logger *slog.Logger) *DiscountTool {
	if maxPercent <= 0 || maxPercent > 100 {
		maxPercent = 30
	}
	return &DiscountTool{backend: backend, logger: logger, maxPercent: maxPercent}
}

func (t *DiscountTool) Name() string { return "apply_discount" }
func (t *DiscountTool) Description() string {
	return "Apply a percentage discount to a property's nightly rate for a date range."
}

func (t *DiscountTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassFinancial,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"property_id": {"type": "string", "minLength": 1},
				"percent":     {"type": "number", "exclusiveMinimum": 0, "maximum": 100},
				"from":        {"type": "string"},
				"days":        {"type": "integer", "minimum": 1, "maximum": 90},
				"reason":      {"type": "string", "maxLength": 500}
			},
			"required": ["property_id", "percent", "days"],
			"additionalProperties": false
		}`),
	}
}

type discountParams struct {
	PropertyID string  `json:"property_id"`
	Percent    float64 `json:"percent"`
	From       string  `json:"from"`
	Days       int     `json:"days"`
	Reason     string  `json:"reason"`
}

func (t *DiscountTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.apply_discount", t.logger, params,
		func(ctx context.Context, span trace.Span, p discountParams) (any, error) {
			if err := ValidateAll(
				RequireField("property_id", p.PropertyID),
				ValidateRange("percent", p.Percent, 0.5, t.maxPercent),
				ValidateRange("days", float64(p.Days), 1, 90),
			); err != nil {
				return nil, err
			}
			from, err := ParseDate("from", p.From)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.Float64Attr("discount.percent", p.Percent))

			id, err := t.backend.ApplyDiscount(ctx, Discount{
				PropertyID: p.PropertyID,
				Percent:    p.Percent,
				From:       from,
				Days:       p.Days,
				Reason:     p.Reason,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"discount_id": id, "property_id": p.PropertyID, "percent": p.Percent}, nil
		})
}
