// Package integration runs the agents end to end against real components:
// the SQLite store, the event bus, the approval queue, the tool registries
// over the in-memory backend and the orchestrator.
package integration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"propwatch/internal/adapter/store"
	"propwatch/internal/adapter/tool"
	"propwatch/internal/domain"
	"propwatch/internal/infra/audit"
	"propwatch/internal/usecase/actionqueue"
	"propwatch/internal/usecase/agent"
	"propwatch/internal/usecase/agents"
	"propwatch/internal/usecase/eventbus"
	"propwatch/internal/usecase/orchestrator"
)

// Config holds integration test configuration from environment
type Config struct {
	OpenAIKey    string
	AnthropicKey string
	TestTimeout  time.Duration
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		TestTimeout:  60 * time.Second,
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: %s_API_KEY not set", name, name)
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Harness is a fully wired runtime on a fixed clock.
type Harness struct {
	Now     time.Time
	Bus     *eventbus.Bus
	Store   store.Store
	Audit   *audit.FileLogger
	Queue   *actionqueue.Queue
	Backend *tool.MemoryBackend
	Orch    *orchestrator.Orchestrator
}

// Triggers used by the harness agents.
var harnessTriggers = map[string]orchestrator.Trigger{
	tool.KindArrears:     {Schedule: "0 9 * * *", Events: []domain.EventType{domain.EventArrearsDetected}},
	tool.KindMaintenance: {Schedule: "*/15 * * * *", Events: []domain.EventType{domain.EventTicketCreated}},
	tool.KindPricing:     {Schedule: "0 6 * * *", Events: []domain.EventType{domain.EventOccupancyThreshold}},
	tool.KindEnergy:      {Schedule: "*/15 * * * *", Events: []domain.EventType{domain.EventGridPriceDrop}},
}

// NewHarness wires all four agents to engine. The store and audit log live in
// a temp dir removed with the test.
func NewHarness(t *testing.T, engine domain.DecisionEngine, now time.Time) *Harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return now }
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dir, "propwatch.db"), 50)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	auditLog, err := audit.NewFileLogger(filepath.Join(dir, "audit.jsonl"), audit.Retention{})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	bus := eventbus.New(logger)
	t.Cleanup(bus.Close)

	h := &Harness{Now: now, Bus: bus, Store: st, Audit: auditLog, Backend: tool.NewMemoryBackend()}
	h.Queue = actionqueue.New(actionqueue.Config{}, actionqueue.Deps{
		Store: st, Bus: bus, Audit: auditLog, Logger: logger, Now: clock,
	})
	h.Orch, err = orchestrator.New(orchestrator.Config{MaxParallel: 8}, orchestrator.Deps{
		Queue: h.Queue, RunLog: st, Bus: bus, Logger: logger, Now: clock,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	toolkit := tool.NewToolkit(tool.MemoryBackends(h.Backend), tool.Limits{
		Timeout: 5 * time.Second, EmailsPerHour: 50, SMSPerHour: 50, MaxDiscountPercent: 25,
	}, logger)

	policies := map[string]agent.Policy{}
	if policies[tool.KindArrears], err = agents.NewArrears(agents.Options{}); err != nil {
		t.Fatal(err)
	}
	if policies[tool.KindMaintenance], err = agents.NewMaintenance(agents.MaintenanceOptions{
		Contractors: map[string]string{"plumbing": "+447700900001"},
	}); err != nil {
		t.Fatal(err)
	}
	if policies[tool.KindPricing], err = agents.NewPricing(agents.PricingOptions{}); err != nil {
		t.Fatal(err)
	}
	if policies[tool.KindEnergy], err = agents.NewEnergy(agents.EnergyOptions{}); err != nil {
		t.Fatal(err)
	}

	for kind, policy := range policies {
		tools, err := toolkit.Registry(kind)
		if err != nil {
			t.Fatal(err)
		}
		rt, err := agent.New(agent.Deps{
			Policy: policy, Tools: tools, Engine: engine, Queue: h.Queue,
			Logger: logger, Bus: bus, Audit: auditLog, Now: clock,
		})
		if err != nil {
			t.Fatalf("agent %s: %v", kind, err)
		}
		if err := h.Orch.Register(rt, harnessTriggers[kind]); err != nil {
			t.Fatal(err)
		}
	}
	h.Queue.SetExecutor(h.Orch)
	return h
}

// Pending returns the pending actions raised by agentID.
func (h *Harness) Pending(agentID string) []*domain.QueuedAction {
	return h.Queue.List(context.Background(), domain.ActionFilter{Status: domain.ActionPending, AgentID: agentID})
}
