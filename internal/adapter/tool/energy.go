package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// HVAC modes accepted by control_hvac.
const (
	HVACEco     = "eco"
	HVACComfort = "comfort"
	HVACPreheat = "preheat"
	HVACOff     = "off"
)

// RoomSyncTool reads live room occupancy and temperature.
type RoomSyncTool struct {
	backend BuildingBackend
	logger  *slog.Logger
}

// NewRoomSyncTool creates the sync_room_occupancy tool.
func NewRoomSyncTool(backend BuildingBackend, logger *slog.Logger) *RoomSyncTool {
	return &RoomSyncTool{backend: backend, logger: logger}
}

func (t *RoomSyncTool) Name() string { return "sync_room_occupancy" }
func (t *RoomSyncTool) Description() string {
	return "Read each room's occupancy, temperature, HVAC mode and next arrival."
}

func (t *RoomSyncTool) Schema() domain.ToolSchema {
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

type roomSyncParams struct {
	PropertyID string `json:"property_id"`
}

// RoomsData is the payload of a successful sync_room_occupancy call.
type RoomsData struct {
	Rooms []domain.Room `json:"rooms"`
}

func (t *RoomSyncTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.sync_room_occupancy", t.logger, params,
		func(ctx context.Context, span trace.Span, p roomSyncParams) (any, error) {
			rooms, err := t.backend.Rooms(ctx, p.PropertyID)
			if err != nil {
				return nil, err
			}
			sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
			if rooms == nil {
				rooms = []domain.Room{}
			}
			span.SetAttributes(tracer.IntAttr("rooms.count", len(rooms)))
			return RoomsData{Rooms: rooms}, nil
		})
}

// GridPriceTool reads the current grid electricity price.
type GridPriceTool struct {
	backend BuildingBackend
	logger  *slog.Logger
}

// NewGridPriceTool creates the check_grid_price tool.
func NewGridPriceTool(backend BuildingBackend, logger *slog.Logger) *GridPriceTool {
	return &GridPriceTool{backend: backend, logger: logger}
}

func (t *GridPriceTool) Name() string { return "check_grid_price" }
func (t *GridPriceTool) Description() string {
	return "Read the current grid electricity price and the cheap-price threshold."
}

func (t *GridPriceTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassRead,
		Idempotent:  true,
		Parameters:  json.RawMessage(`{"type": "object", "additionalProperties": false}`),
	}
}

// GridPriceData is the payload of a successful check_grid_price call.
type GridPriceData struct {
	domain.GridPrice
	Cheap bool `json:"cheap"`
}

func (t *GridPriceTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.check_grid_price", t.logger, params,
		func(ctx context.Context, span trace.Span, _ struct{}) (any, error) {
			price, err := t.backend.GridPrice(ctx)
			if err != nil {
				return nil, err
			}
			cheap := price.CheapThreshold > 0 && price.PricePerKWh <= price.CheapThreshold
			span.SetAttributes(
				tracer.Float64Attr("grid.price", price.PricePerKWh),
				tracer.BoolAttr("grid.cheap", cheap),
			)
			return GridPriceData{GridPrice: price, Cheap: cheap}, nil
		})
}

// HVACTool switches a room's HVAC mode.
type HVACTool struct {
	backend BuildingBackend
	logger  *slog.Logger
}

// NewHVACTool creates the control_hvac tool.
func NewHVACTool(backend BuildingBackend, logger *slog.Logger) *HVACTool {
	return &HVACTool{backend: backend, logger: logger}
}

func (t *HVACTool) Name() string { return "control_hvac" }
func (t *HVACTool) Description() string {
	return "Set a room's HVAC to eco, comfort, preheat or off, with an optional target temperature."
}

func (t *HVACTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassControl,
		Idempotent:  true,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"room_id":  {"type": "string", "minLength": 1},
				"mode":     {"type": "string", "enum": ["eco", "comfort", "preheat", "off"]},
				"target_c": {"type": "number", "minimum": 10, "maximum": 28}
			},
			"required": ["room_id", "mode"],
			"additionalProperties": false
		}`),
	}
}

type hvacParams struct {
	RoomID  string   `json:"room_id"`
	Mode    string   `json:"mode"`
	TargetC *float64 `json:"target_c"`
}

func (t *HVACTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.control_hvac", t.logger, params,
		func(ctx context.Context, span trace.Span, p hvacParams) (any, error) {
			if err := ValidateAll(
				RequireFields("room_id", p.RoomID, "mode", p.Mode),
				ValidateEnum("mode", p.Mode, HVACEco, HVACComfort, HVACPreheat, HVACOff),
			); err != nil {
				return nil, err
			}
			cmd := HVACCommand{RoomID: p.RoomID, Mode: p.Mode}
			if p.TargetC != nil {
				if err := ValidateRange("target_c", *p.TargetC, 10, 28); err != nil {
					return nil, err
				}
				cmd.TargetC = *p.TargetC
			}
			span.SetAttributes(tracer.StringAttr("hvac.room", p.RoomID), tracer.StringAttr("hvac.mode", p.Mode))
			if err := t.backend.SetHVAC(ctx, cmd); err != nil {
				return nil, err
			}
			return map[string]string{"room_id": p.RoomID, "mode": p.Mode, "status": "applied"}, nil
		})
}

// GridArbitrageTool shifts flexible load into cheap grid slots.
type GridArbitrageTool struct {
	backend BuildingBackend
	logger  *slog.Logger
}

// NewGridArbitrageTool creates the grid_arbitrage tool.
func NewGridArbitrageTool(backend BuildingBackend, logger *slog.Logger) *GridArbitrageTool {
	return &GridArbitrageTool{backend: backend, logger: logger}
}

func (t *GridArbitrageTool) Name() string { return "grid_arbitrage" }
func (t *GridArbitrageTool) Description() string {
	return "Use cheap grid power: precondition rooms, charge storage or pull deferred load forward."
}

func (t *GridArbitrageTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassControl,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action":      {"type": "string", "enum": ["precondition", "charge_storage", "defer_load"]},
				"property_id": {"type": "string", "minLength": 1},
				"room_ids":    {"type": "array", "items": {"type": "string"}},
				"kwh":         {"type": "number", "minimum": 0, "maximum": 500}
			},
			"required": ["action", "property_id"],
			"additionalProperties": false
		}`),
	}
}

type arbitrageParams struct {
	Action     string   `json:"action"`
	PropertyID string   `json:"property_id"`
	RoomIDs    []string `json:"room_ids"`
	KWh        float64  `json:"kwh"`
}

func (t *GridArbitrageTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.grid_arbitrage", t.logger, params,
		Dispatch(func(p arbitrageParams) string { return p.Action }, ActionMap[arbitrageParams]{
			"precondition":   t.precondition,
			"charge_storage": t.chargeStorage,
			"defer_load":     t.deferLoad,
		}),
	)
}

// shift refuses to act unless the grid is currently cheap.
func (t *GridArbitrageTool) shift(ctx context.Context, p arbitrageParams) (any, error) {
	if err := RequireField("property_id", p.PropertyID); err != nil {
		return nil, err
	}
	price, err := t.backend.GridPrice(ctx)
	if err != nil {
		return nil, err
	}
	if price.CheapThreshold <= 0 || price.PricePerKWh > price.CheapThreshold {
		return nil, fmt.Errorf("%w: grid price %.3f is above the cheap threshold %.3f",
			domain.ErrInvalidTransition, price.PricePerKWh, price.CheapThreshold)
	}
	id, err := t.backend.ShiftLoad(ctx, LoadShift{
		PropertyID: p.PropertyID,
		Action:     p.Action,
		RoomIDs:    p.RoomIDs,
		KWh:        p.KWh,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"shift_id": id, "action": p.Action, "price_per_kwh": price.PricePerKWh}, nil
}

func (t *GridArbitrageTool) precondition(ctx context.Context, p arbitrageParams) (any, error) {
	if len(p.RoomIDs) == 0 {
		return nil, invalid("'room_ids' is required for precondition")
	}
	return t.shift(ctx, p)
}

func (t *GridArbitrageTool) chargeStorage(ctx context.Context, p arbitrageParams) (any, error) {
	if p.KWh <= 0 {
		return nil, invalid("'kwh' must be positive for charge_storage")
	}
	return t.shift(ctx, p)
}

func (t *GridArbitrageTool) deferLoad(ctx context.Context, p arbitrageParams) (any, error) {
	return t.shift(ctx, p)
}
