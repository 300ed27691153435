package tool

import (
	"fmt"
	"log/slog"
	"time"

	"propwatch/internal/domain"
)

// Backends bundles the backend behind each tool family.
type Backends struct {
	RentRoll  RentRollBackend
	Messaging MessagingBackend
	Tasks     TaskBackend
	Tickets   TicketBackend
	Occupancy OccupancyBackend
	Building  BuildingBackend
}

// MemoryBackends serves every tool family from one in-memory backend.
func MemoryBackends(m *MemoryBackend) Backends {
	return Backends{
		RentRoll:  m,
		Messaging: m,
		Tasks:     m,
		Tickets:   m,
		Occupancy: m,
		Building:  m,
	}
}

// Limits bound what the tools will do.
type Limits struct {
	Timeout            time.Duration
	EmailsPerHour      int
	SMSPerHour         int
	MaxDiscountPercent float64
}

// Agent kinds known to the toolkit.
const (
	KindArrears     = "arrears"
	KindMaintenance = "maintenance"
	KindPricing     = "pricing"
	KindEnergy      = "energy"
)

// Toolkit builds the per-agent tool registries. Communication tools share one
// rate limiter per toolkit, so two agents cannot each spend the full budget.
type Toolkit struct {
	backends Backends
	limits   Limits
	logger   *slog.Logger

	email *TenantEmailTool
	sms   *ContractorSMSTool
}

// NewToolkit creates a toolkit.
func NewToolkit(b Backends, l Limits, logger *slog.Logger) *Toolkit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{
		backends: b,
		limits:   l,
		logger:   logger,
		email:    NewTenantEmailTool(b.Messaging, l.EmailsPerHour, logger),
		sms:      NewContractorSMSTool(b.Messaging, l.SMSPerHour, logger),
	}
}

// Registry returns a fresh registry holding the tools one agent kind uses.
func (k *Toolkit) Registry(kind string) (*Registry, error) {
	var tools []domain.Tool
	b, logger := k.backends, k.logger
	switch kind {
	case KindArrears:
		tools = []domain.Tool{
			NewRentRollTool(b.RentRoll, logger),
			k.email,
			NewActionItemTool(b.Tasks, logger),
		}
	case KindMaintenance:
		tools = []domain.Tool{
			NewFetchTicketsTool(b.Tickets, logger),
			NewClassifySeverityTool(b.Tickets, logger),
			k.sms,
			NewActionItemTool(b.Tasks, logger),
		}
	case KindPricing:
		tools = []domain.Tool{
			NewOccupancyTool(b.Occupancy, logger),
			NewDiscountTool(b.Occupancy, k.limits.MaxDiscountPercent, logger),
			NewActionItemTool(b.Tasks, logger),
		}
	case KindEnergy:
		tools = []domain.Tool{
			NewRoomSyncTool(b.Building, logger),
			NewGridPriceTool(b.Building, logger),
			NewHVACTool(b.Building, logger),
			NewGridArbitrageTool(b.Building, logger),
		}
	default:
		return nil, domain.NewDomainError("Toolkit.Registry", domain.ErrInvalidInput,
			fmt.Sprintf("unknown agent kind %q", kind))
	}

	reg := NewRegistry(logger, k.limits.Timeout)
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
