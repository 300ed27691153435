package actionqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propwatch/internal/domain"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu      sync.Mutex
	actions map[string]*domain.QueuedAction
	saves   int
	err     error
}

func newMemStore() *memStore { return &memStore{actions: make(map[string]*domain.QueuedAction)} }

func (s *memStore) SaveAction(_ context.Context, a *domain.QueuedAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.actions[a.ID] = clone(a)
	return nil
}

func (s *memStore) ListActions(context.Context) ([]*domain.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.QueuedAction, 0, len(s.actions))
	for _, a := range s.actions {
		out = append(out, clone(a))
	}
	return out, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e.Type)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.EventType(nil), b.events...)
}

type executorFunc func(ctx context.Context, agentID string, d domain.Decision) (*domain.ToolResult, error)

func (f executorFunc) ExecuteDecision(ctx context.Context, agentID string, d domain.Decision) (*domain.ToolResult, error) {
	return f(ctx, agentID, d)
}

type harness struct {
	q     *Queue
	store *memStore
	bus   *recordingBus
	clock *clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), bus: &recordingBus{}, clock: &clock{now: t0}}
	h.q = New(cfg, Deps{
		Store:  h.store,
		Bus:    h.bus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    h.clock.Now,
	})
	return h
}

func proposal(caseKey, tool, params string, impact float64) *domain.QueuedAction {
	return &domain.QueuedAction{
		Title:           "do " + tool,
		Priority:        domain.PriorityNormal,
		EstimatedImpact: impact,
		SourceAgentID:   "arrears",
		SourceRunID:     "run-1",
		CaseKey:         caseKey,
		SourceDecision:  domain.Decision{Tool: tool, Params: json.RawMessage(params), Confidence: 0.5},
	}
}

func TestEnqueue_NewAction(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.q.Enqueue(context.Background(), proposal("arrears:T1:firm", "queue_action_item", `{"reference":"T1"}`, 450))
	require.NoError(t, err)

	a := res.Action
	assert.False(t, res.Deduplicated)
	assert.Empty(t, res.Superseded)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, domain.ActionPending, a.Status)
	assert.Equal(t, t0, a.CreatedAt)
	assert.Equal(t, t0.Add(48*time.Hour), a.DueBy)
	assert.Equal(t, "property_manager", a.RequiredApproverRole)
	assert.Equal(t, []domain.EventType{domain.EventActionQueued}, h.bus.types())
	assert.Equal(t, 1, h.store.saves)
}

func TestEnqueue_RejectsIncompleteAction(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.q.Enqueue(context.Background(), proposal("", "x", `{}`, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.q.Enqueue(context.Background(), proposal("k", "", `{}`, 0))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.q.Enqueue(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestEnqueue_IdenticalProposalIsDeduplicated(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, err := h.q.Enqueue(ctx, proposal("k", "send_tenant_email", `{"tenant_id":"T1","template":"reminder"}`, 0))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	second, err := h.q.Enqueue(ctx, proposal("k", "send_tenant_email", `{"template": "reminder", "tenant_id": "T1"}`, 0))
	require.NoError(t, err)

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Action.ID, second.Action.ID)
	assert.Len(t, h.q.List(ctx, domain.ActionFilter{}), 1)
	assert.Equal(t, 1, h.store.saves)
}

func TestEnqueue_DifferentProposalSupersedes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, err := h.q.Enqueue(ctx, proposal("k", "apply_discount", `{"percent":10}`, 200))
	require.NoError(t, err)

	// Escalate the first action once before it is replaced.
	_, err = h.q.Sweep(ctx, t0.Add(49*time.Hour))
	require.NoError(t, err)
	escalated, err := h.q.Get(ctx, first.Action.ID)
	require.NoError(t, err)
	require.Equal(t, 1, escalated.EscalationLevel)

	h.clock.Advance(50 * time.Hour)
	second, err := h.q.Enqueue(ctx, proposal("k", "apply_discount", `{"percent":20}`, 200))
	require.NoError(t, err)

	assert.Equal(t, first.Action.ID, second.Superseded)
	assert.Equal(t, 1, second.Action.EscalationLevel)
	assert.Equal(t, escalated.DueBy, second.Action.DueBy)
	assert.Equal(t, domain.PriorityHigh, second.Action.Priority)
	assert.Equal(t, "finance_director", second.Action.RequiredApproverRole)

	old, err := h.q.Get(ctx, first.Action.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionSuperseded, old.Status)
	assert.Equal(t, second.Action.ID, old.SupersededBy)

	pending := h.q.List(ctx, domain.ActionFilter{Status: domain.ActionPending, CaseKey: "k"})
	require.Len(t, pending, 1)
	assert.Equal(t, second.Action.ID, pending[0].ID)
}

func TestEnqueue_StoreFailureLeavesQueueUnchanged(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.err = errors.New("disk full")
	_, err := h.q.Enqueue(context.Background(), proposal("k", "t", `{}`, 0))
	require.Error(t, err)
	assert.Empty(t, h.q.List(context.Background(), domain.ActionFilter{}))
	assert.Empty(t, h.bus.types())
}

func TestRoleFor_Tiers(t *testing.T) {
	q := New(Config{}, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	tests := []struct {
		impact float64
		level  int
		want   string
	}{
		{0, 0, "duty_manager"},
		{100, 0, "duty_manager"},
		{100.01, 0, "property_manager"},
		{1000, 0, "property_manager"},
		{5000, 0, "finance_director"},
		{50, 1, "property_manager"},
		{50, 2, "finance_director"},
		{50, 7, "finance_director"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, q.roleFor(tc.impact, tc.level), "impact=%v level=%d", tc.impact, tc.level)
	}
}

func TestApprove_ExecutesThroughSourceAgent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	var gotAgent string
	var gotDecision domain.Decision
	h.q.SetExecutor(executorFunc(func(_ context.Context, agentID string, d domain.Decision) (*domain.ToolResult, error) {
		gotAgent, gotDecision = agentID, d
		return domain.OKResult(json.RawMessage(`{"sent":true}`)), nil
	}))

	res, err := h.q.Enqueue(ctx, proposal("k", "send_tenant_email", `{"tenant_id":"T1"}`, 0))
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	a, err := h.q.Approve(ctx, res.Action.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionExecuted, a.Status)
	assert.Equal(t, "alice", a.ResolvedBy)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, t0.Add(time.Hour), *a.ResolvedAt)
	require.NotNil(t, a.ExecutionResult)
	assert.True(t, a.ExecutionResult.Success)
	assert.Equal(t, "arrears", gotAgent)
	assert.Equal(t, "send_tenant_email", gotDecision.Tool)

	assert.Equal(t, []domain.EventType{
		domain.EventActionQueued, domain.EventActionApproved, domain.EventActionExecuted,
	}, h.bus.types())
	assert.Equal(t, domain.ActionExecuted, h.store.actions[a.ID].Status)

	_, err = h.q.Approve(ctx, a.ID, "bob")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApprove_ExecutionFailureStaysApproved(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.q.SetExecutor(executorFunc(func(context.Context, string, domain.Decision) (*domain.ToolResult, error) {
		return domain.FailedResult(domain.ToolErrUnavailable, "smtp down", true), errors.New("smtp down")
	}))

	res, err := h.q.Enqueue(ctx, proposal("k", "send_tenant_email", `{}`, 0))
	require.NoError(t, err)

	a, err := h.q.Approve(ctx, res.Action.ID, "alice")
	require.ErrorIs(t, err, domain.ErrToolExecution)
	require.NotNil(t, a)
	assert.Equal(t, domain.ActionApproved, a.Status)
	assert.Contains(t, a.Resolution, "smtp down")
	require.NotNil(t, a.ExecutionResult)
	assert.False(t, a.ExecutionResult.Success)
	assert.NotContains(t, h.bus.types(), domain.EventActionExecuted)
}

func TestApprove_WithoutExecutorFails(t *testing.T) {
	h := newHarness(t, Config{})
	res, err := h.q.Enqueue(context.Background(), proposal("k", "t", `{}`, 0))
	require.NoError(t, err)

	a, err := h.q.Approve(context.Background(), res.Action.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrToolExecution)
	assert.Equal(t, domain.ActionApproved, a.Status)
}

func TestApprove_SupersededAndMissing(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, err := h.q.Enqueue(ctx, proposal("k", "t", `{"v":1}`, 0))
	require.NoError(t, err)
	_, err = h.q.Enqueue(ctx, proposal("k", "t", `{"v":2}`, 0))
	require.NoError(t, err)

	_, err = h.q.Approve(ctx, first.Action.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrQueueConflict)

	_, err = h.q.Approve(ctx, "nope", "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.q.Reject(ctx, "nope", "alice", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReject(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	calls := 0
	h.q.SetExecutor(executorFunc(func(context.Context, string, domain.Decision) (*domain.ToolResult, error) {
		calls++
		return domain.OKResult(nil), nil
	}))
	res, err := h.q.Enqueue(ctx, proposal("k", "t", `{}`, 0))
	require.NoError(t, err)

	a, err := h.q.Reject(ctx, res.Action.ID, "alice", "tenant already paid")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionRejected, a.Status)
	assert.Equal(t, "tenant already paid", a.Resolution)
	assert.Zero(t, calls)

	_, err = h.q.Approve(ctx, a.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// A rejected case is closed, so the next proposal opens a fresh action.
	next, err := h.q.Enqueue(ctx, proposal("k", "t", `{}`, 0))
	require.NoError(t, err)
	assert.False(t, next.Deduplicated)
	assert.NotEqual(t, a.ID, next.Action.ID)
}

func TestSweep_EscalatesThenExpires(t *testing.T) {
	h := newHarness(t, Config{SLA: time.Hour, MaxEscalations: 2})
	ctx := context.Background()
	res, err := h.q.Enqueue(ctx, proposal("k", "t", `{}`, 50))
	require.NoError(t, err)
	id := res.Action.ID

	rep, err := h.q.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, rep, "due time itself is not overdue")

	rep, err = h.q.Sweep(ctx, t0.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Escalated: 1}, rep)
	a, _ := h.q.Get(ctx, id)
	assert.Equal(t, 1, a.EscalationLevel)
	assert.Equal(t, "property_manager", a.RequiredApproverRole)
	assert.Equal(t, domain.PriorityHigh, a.Priority)
	assert.Equal(t, t0.Add(2*time.Hour), a.DueBy)

	rep, err = h.q.Sweep(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Escalated: 1}, rep)
	a, _ = h.q.Get(ctx, id)
	assert.Equal(t, 2, a.EscalationLevel)
	assert.Equal(t, "finance_director", a.RequiredApproverRole)
	assert.Equal(t, domain.PriorityUrgent, a.Priority)

	rep, err = h.q.Sweep(ctx, t0.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Expired: 1}, rep)
	a, _ = h.q.Get(ctx, id)
	assert.Equal(t, domain.ActionExpired, a.Status)

	assert.Equal(t, []domain.EventType{
		domain.EventActionQueued, domain.EventActionEscalated, domain.EventActionEscalated, domain.EventActionExpired,
	}, h.bus.types())

	rep, err = h.q.Sweep(ctx, t0.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, rep)
}

func TestSweep_SupersedesDuplicatePendingActions(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	// Two pending actions for one case can come back from a store written by
	// two processes; the newest survives.
	older := proposal("k", "t", `{"v":1}`, 0)
	older.ID, older.Status, older.CreatedAt, older.DueBy = "A1", domain.ActionPending, t0, t0.Add(48*time.Hour)
	newer := proposal("k", "t", `{"v":2}`, 0)
	newer.ID, newer.Status, newer.CreatedAt, newer.DueBy = "A2", domain.ActionPending, t0.Add(time.Minute), t0.Add(48*time.Hour)
	require.NoError(t, h.store.SaveAction(ctx, older))
	require.NoError(t, h.store.SaveAction(ctx, newer))

	n, err := h.q.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rep, err := h.q.Sweep(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Deduplicated: 1}, rep)

	a1, _ := h.q.Get(ctx, "A1")
	assert.Equal(t, domain.ActionSuperseded, a1.Status)
	assert.Equal(t, "A2", a1.SupersededBy)

	// The survivor is what a new identical proposal deduplicates against.
	res, err := h.q.Enqueue(ctx, proposal("k", "t", `{"v":2}`, 0))
	require.NoError(t, err)
	assert.True(t, res.Deduplicated)
	assert.Equal(t, "A2", res.Action.ID)
}

func TestList_OrderAndFilter(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	low := proposal("a", "t", `{}`, 0)
	low.Priority = domain.PriorityLow
	high := proposal("b", "t", `{}`, 0)
	high.Priority = domain.PriorityHigh
	other := proposal("c", "t", `{}`, 0)
	other.SourceAgentID = "pricing"

	for _, p := range []*domain.QueuedAction{low, high, other} {
		_, err := h.q.Enqueue(ctx, p)
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	all := h.q.List(ctx, domain.ActionFilter{})
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{all[0].CaseKey, all[1].CaseKey, all[2].CaseKey})

	assert.Len(t, h.q.List(ctx, domain.ActionFilter{AgentID: "pricing"}), 1)
	assert.Len(t, h.q.List(ctx, domain.ActionFilter{Limit: 2}), 2)

	// Returned actions are copies.
	all[0].Title = "changed"
	again, _ := h.q.Get(ctx, all[0].ID)
	assert.NotEqual(t, "changed", again.Title)
}

func TestEnqueue_ConcurrentCasesLoseNothing(t *testing.T) {
	h := newHarness(t, Config{Stripes: 4})
	ctx := context.Background()

	const cases = 50
	var wg sync.WaitGroup
	for i := 0; i < cases; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("case-%d", i)
			// Each case gets a proposal and then a revision racing with the others.
			_, err := h.q.Enqueue(ctx, proposal(key, "t", `{"v":1}`, 0))
			assert.NoError(t, err)
			_, err = h.q.Enqueue(ctx, proposal(key, "t", `{"v":2}`, 0))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pending := h.q.List(ctx, domain.ActionFilter{Status: domain.ActionPending})
	assert.Len(t, pending, cases)
	assert.Len(t, h.q.List(ctx, domain.ActionFilter{Status: domain.ActionSuperseded}), cases)
	for _, a := range pending {
		assert.JSONEq(t, `{"v":2}`, string(a.SourceDecision.Params))
	}
	assert.Len(t, h.store.actions, 2*cases)
}

func TestEnqueue_ConcurrentSameCaseKeepsOnePending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.q.Enqueue(ctx, proposal("shared", "t", fmt.Sprintf(`{"v":%d}`, i), 0))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.q.List(ctx, domain.ActionFilter{Status: domain.ActionPending, CaseKey: "shared"}), 1)
	assert.Len(t, h.q.List(ctx, domain.ActionFilter{Status: domain.ActionSuperseded}), 19)
}

func TestLoad_RestoresOpenCases(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, err := h.q.Enqueue(ctx, proposal("k", "t", `{"v":1}`, 0))
	require.NoError(t, err)

	fresh := New(Config{}, Deps{Store: h.store, Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Now: h.clock.Now})
	n, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := fresh.Enqueue(ctx, proposal("k", "t", `{"v":1}`, 0))
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, res.Action.ID, again.Action.ID)

	n, err = New(Config{}, Deps{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}).Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
