package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
	"propwatch/internal/usecase/orchestrator"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testBus delivers synchronously.
type testBus struct {
	mu    sync.Mutex
	typed map[domain.EventType][]domain.EventHandler
	all   []domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := append([]domain.EventHandler(nil), b.all...)
	hs = append(hs, b.typed[event.Type]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(typ domain.EventType, h domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.typed == nil {
		b.typed = make(map[domain.EventType][]domain.EventHandler)
	}
	b.typed[typ] = append(b.typed[typ], h)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.typed, typ)
	}
}

func (b *testBus) SubscribeAll(h domain.EventHandler) func() {
	b.mu.Lock()
	b.all = append(b.all, h)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = nil
	}
}

func (b *testBus) Close() {}

// recordingAudit keeps every logged event.
type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *recordingAudit) Log(_ context.Context, e domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) all() []domain.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent(nil), a.events...)
}

// fakeQueue holds actions in a map. Approving the action with ID "act-fail"
// reports an execution failure.
type fakeQueue struct {
	mu      sync.Mutex
	actions map[string]*domain.QueuedAction
}

func newFakeQueue(actions ...*domain.QueuedAction) *fakeQueue {
	q := &fakeQueue{actions: make(map[string]*domain.QueuedAction)}
	for _, a := range actions {
		q.actions[a.ID] = a
	}
	return q
}

func (q *fakeQueue) Get(_ context.Context, id string) (*domain.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[id]
	if !ok {
		return nil, domain.NewDomainError("Queue.Get", domain.ErrNotFound, "action "+id)
	}
	cp := *a
	return &cp, nil
}

func (q *fakeQueue) List(_ context.Context, f domain.ActionFilter) []*domain.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*domain.QueuedAction
	for _, a := range q.actions {
		if f.Match(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (q *fakeQueue) resolve(id string) (*domain.QueuedAction, error) {
	a, ok := q.actions[id]
	if !ok {
		return nil, domain.NewDomainError("Queue.resolve", domain.ErrNotFound, "action "+id)
	}
	if a.Status != domain.ActionPending {
		return nil, domain.NewDomainError("Queue.resolve", domain.ErrInvalidTransition, "action "+id+" is "+string(a.Status))
	}
	return a, nil
}

func (q *fakeQueue) Approve(_ context.Context, id, approver string) (*domain.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.resolve(id)
	if err != nil {
		return nil, err
	}
	a.ResolvedBy = approver
	if id == "act-fail" {
		a.Status = domain.ActionApproved
		a.Resolution = "backend down"
		cp := *a
		return &cp, domain.NewDomainError("Queue.Approve", domain.ErrToolExecution, "backend down")
	}
	a.Status = domain.ActionExecuted
	cp := *a
	return &cp, nil
}

func (q *fakeQueue) Reject(_ context.Context, id, approver, reason string) (*domain.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.resolve(id)
	if err != nil {
		return nil, err
	}
	a.Status = domain.ActionRejected
	a.ResolvedBy = approver
	a.Resolution = reason
	cp := *a
	return &cp, nil
}

type fakeAgents struct {
	mu         sync.Mutex
	runs       []string
	dispatched []domain.EventType
}

func (f *fakeAgents) Agents() []orchestrator.AgentStatus {
	return []orchestrator.AgentStatus{
		{ID: "arrears", Role: "arrears"},
		{ID: "maintenance", Role: "maintenance"},
	}
}

func (f *fakeAgents) Run(_ context.Context, agentID string, rc domain.RunContext) (*domain.RunResult, error) {
	if agentID != "arrears" && agentID != "maintenance" {
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrNotFound, "agent "+agentID)
	}
	f.mu.Lock()
	f.runs = append(f.runs, agentID)
	f.mu.Unlock()
	return &domain.RunResult{RunID: "run-1", AgentID: agentID, Context: rc, Status: domain.StateDone}, nil
}

func (f *fakeAgents) DispatchEvent(_ context.Context, typ domain.EventType, payload json.RawMessage) []*domain.RunResult {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, typ)
	f.mu.Unlock()
	return []*domain.RunResult{{RunID: "run-ev", AgentID: "maintenance", Status: domain.StateDone,
		Context: domain.RunContext{TriggerType: domain.TriggerEvent, TriggerEvent: typ, TriggerData: payload}}}
}

func (f *fakeAgents) Runs(_ context.Context, agentID string, limit int) ([]*domain.RunResult, error) {
	return []*domain.RunResult{{RunID: "run-1", AgentID: agentID}}, nil
}

func pendingAction(id, role string, impact float64) *domain.QueuedAction {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &domain.QueuedAction{
		ID:                   id,
		Title:                "Chase arrears",
		Priority:             domain.PriorityHigh,
		RequiredApproverRole: role,
		EstimatedImpact:      impact,
		SourceAgentID:        "arrears",
		Status:               domain.ActionPending,
		CaseKey:              "arrears:t-" + id + ":firm",
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

var testLadder = domain.RoleLadder{"duty_manager", "property_manager", "finance_director"}

func testTokens() []config.TokenConfig {
	return []config.TokenConfig{
		{Token: "admin-token", Name: "root", Roles: []string{"admin"}},
		{Token: "duty-token", Name: "dana", Roles: []string{"duty_manager"}},
		{Token: "pm-token", Name: "pat", Roles: []string{"property_manager", RoleOperator}},
		{Token: "viewer-token", Name: "vic"},
	}
}

func newTestAuth() Authenticator { return NewStaticTokenAuth(testTokens()) }

// startTestServer starts a server on a random port after setup has
// registered its routes and handlers.
func startTestServer(t *testing.T, bus domain.EventBus, setup func(*Server)) *Server {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), Options{Addr: "127.0.0.1:0"}, newTestLogger())
	if setup != nil {
		setup(srv)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, addr, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}
