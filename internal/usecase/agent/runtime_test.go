package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propwatch/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type fakeTool struct {
	schema domain.ToolSchema
	mu     sync.Mutex
	calls  int
	fn     func(call int, params json.RawMessage) *domain.ToolResult
}

func (f *fakeTool) Name() string              { return f.schema.Name }
func (f *fakeTool) Description() string       { return f.schema.Description }
func (f *fakeTool) Schema() domain.ToolSchema { return f.schema }
func (f *fakeTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.fn == nil {
		return domain.OKResult(json.RawMessage(`{"ok":true}`)), nil
	}
	return f.fn(n, params), nil
}

func (f *fakeTool) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newFakeTool(name string, class domain.ToolClass, idempotent bool) *fakeTool {
	return &fakeTool{schema: domain.ToolSchema{Name: name, Class: class, Idempotent: idempotent}}
}

// fakeToolbox rejects params that contain "invalid".
type fakeToolbox struct {
	tools map[string]*fakeTool
}

func newToolbox(tools ...*fakeTool) *fakeToolbox {
	tb := &fakeToolbox{tools: make(map[string]*fakeTool)}
	for _, t := range tools {
		tb.tools[t.Name()] = t
	}
	return tb
}

func (b *fakeToolbox) Get(name string) (domain.Tool, bool) {
	t, ok := b.tools[name]
	if !ok {
		return nil, false
	}
	return t, true
}

func (b *fakeToolbox) Schemas() []domain.ToolSchema {
	var out []domain.ToolSchema
	for _, t := range b.tools {
		out = append(out, t.schema)
	}
	return out
}

func (b *fakeToolbox) ValidateParams(name string, params json.RawMessage) error {
	if _, ok := b.tools[name]; !ok {
		return domain.NewDomainError("fakeToolbox", domain.ErrToolNotFound, name)
	}
	if strings.Contains(string(params), "invalid") {
		return domain.NewDomainError("fakeToolbox", domain.ErrValidation, name)
	}
	return nil
}

type caseObservation struct {
	Items []string `json:"items"`
}

func (o *caseObservation) Empty() bool { return o == nil || len(o.Items) == 0 }

type fakePolicy struct {
	identity domain.AgentIdentity
	required []string
	observe  func(ctx context.Context, tools domain.ToolSet) (Observation, error)
}

func (p *fakePolicy) Identity() domain.AgentIdentity { return p.identity }
func (p *fakePolicy) RequiredTools() []string        { return p.required }
func (p *fakePolicy) Observe(ctx context.Context, tools domain.ToolSet, _ domain.RunContext) (Observation, error) {
	return p.observe(ctx, tools)
}
func (p *fakePolicy) SystemPrompt() string { return "You watch test cases." }
func (p *fakePolicy) UserPrompt(obs Observation, _ domain.RunContext) string {
	o, _ := obs.(*caseObservation)
	if o.Empty() {
		return "Nothing to do."
	}
	return "Cases: " + strings.Join(o.Items, ", ")
}
func (p *fakePolicy) Propose(_ Observation, d domain.Decision) Proposal {
	return Proposal{
		Title:           "Review " + d.Tool,
		CaseKey:         "test:" + d.Tool,
		Priority:        domain.PriorityHigh,
		EstimatedImpact: 250,
	}
}

type engineFunc func(ctx context.Context, req domain.ReasonRequest) ([]domain.Decision, error)

func (f engineFunc) Reason(ctx context.Context, req domain.ReasonRequest) ([]domain.Decision, error) {
	return f(ctx, req)
}

func staticEngine(decisions ...domain.Decision) (domain.DecisionEngine, *int) {
	calls := 0
	return engineFunc(func(context.Context, domain.ReasonRequest) ([]domain.Decision, error) {
		calls++
		return decisions, nil
	}), &calls
}

type fakeQueue struct {
	mu      sync.Mutex
	actions []*domain.QueuedAction
	onAdd   func()
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, a *domain.QueuedAction) (domain.EnqueueResult, error) {
	if q.err != nil {
		return domain.EnqueueResult{}, q.err
	}
	q.mu.Lock()
	a.ID = fmt.Sprintf("act-%d", len(q.actions)+1)
	a.Status = domain.ActionPending
	q.actions = append(q.actions, a)
	q.mu.Unlock()
	if q.onAdd != nil {
		q.onAdd()
	}
	return domain.EnqueueResult{Action: a}, nil
}

func identity(t *testing.T, threshold float64) domain.AgentIdentity {
	t.Helper()
	id, err := domain.NewAgentIdentity("tester", "test_role", "test agent", threshold)
	require.NoError(t, err)
	return id
}

func withItems(items ...string) func(context.Context, domain.ToolSet) (Observation, error) {
	return func(context.Context, domain.ToolSet) (Observation, error) {
		return &caseObservation{Items: items}, nil
	}
}

func decision(tool string, confidence float64) domain.Decision {
	return domain.Decision{Tool: tool, Params: json.RawMessage(`{}`), Rationale: "because", Confidence: confidence}
}

type harness struct {
	runtime *Runtime
	queue   *fakeQueue
	read    *fakeTool
	control *fakeTool
	comm    *fakeTool
}

func newHarness(t *testing.T, threshold float64, observe func(context.Context, domain.ToolSet) (Observation, error), engine domain.DecisionEngine) *harness {
	t.Helper()
	h := &harness{
		queue:   &fakeQueue{},
		read:    newFakeTool("read_facts", domain.ToolClassRead, true),
		control: newFakeTool("set_mode", domain.ToolClassControl, false),
		comm:    newFakeTool("notify_tenant", domain.ToolClassCommunication, false),
	}
	rt, err := New(Deps{
		Policy: &fakePolicy{identity: identity(t, threshold), observe: observe},
		Tools:  newToolbox(h.read, h.control, h.comm),
		Engine: engine,
		Queue:  h.queue,
		Logger: newTestLogger(),
		Now:    func() time.Time { return time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	h.runtime = rt
	return h
}

// --- tests ---

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = New(Deps{
		Policy: &fakePolicy{identity: identity(t, 0.5), required: []string{"missing_tool"}},
		Tools:  newToolbox(),
		Engine: engineFunc(nil),
		Queue:  &fakeQueue{},
	})
	assert.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRun_EmptyObservationShortCircuits(t *testing.T) {
	engine, calls := staticEngine(decision("read_facts", 1))
	h := newHarness(t, 0.5, withItems(), engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{TriggerType: domain.TriggerScheduled})

	assert.Equal(t, domain.StateDone, res.Status)
	assert.Equal(t, 0, *calls, "engine must not be called for an empty observation")
	assert.Equal(t, []domain.RunState{domain.StateIdle, domain.StateObserving, domain.StateDone}, res.States)
	assert.Equal(t, "Nothing to do.", res.UserPrompt)
	assert.Empty(t, res.Outcomes)
	assert.Equal(t, res.RunID, res.Context.CorrelationID)
}

func TestRun_GatesAndExecutes(t *testing.T) {
	engine, _ := staticEngine(
		decision("read_facts", 0.9),    // safe, above threshold: auto
		decision("set_mode", 0.5),      // safe, below threshold: queue
		decision("notify_tenant", 1.0), // communication: always queue
	)
	h := newHarness(t, 0.7, withItems("case-1"), engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	require.Equal(t, domain.StateDone, res.Status, res.Error)
	require.Len(t, res.Outcomes, 3)

	assert.Equal(t, domain.RouteAuto, res.Outcomes[0].Route)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcomes[0].Status)
	assert.Equal(t, 1, h.read.Calls())

	assert.Equal(t, domain.RouteQueue, res.Outcomes[1].Route)
	assert.Equal(t, domain.OutcomeQueued, res.Outcomes[1].Status)
	assert.Equal(t, 0, h.control.Calls())

	assert.Equal(t, domain.RouteQueue, res.Outcomes[2].Route)
	assert.Equal(t, 0, h.comm.Calls(), "communication tools never auto-execute")

	assert.Equal(t, []domain.RunState{
		domain.StateIdle, domain.StateObserving, domain.StateReasoning, domain.StateDeciding,
		domain.StateExecuting, domain.StateDeciding, domain.StateQueueing, domain.StateDeciding,
		domain.StateQueueing, domain.StateDeciding, domain.StateDone,
	}, res.States)
}

func TestRun_QueuedActionCarriesProvenance(t *testing.T) {
	engine, _ := staticEngine(decision("notify_tenant", 0.95))
	h := newHarness(t, 0.7, withItems("case-1"), engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{CorrelationID: "corr-1"})
	require.Len(t, h.queue.actions, 1)
	a := h.queue.actions[0]

	assert.Equal(t, "tester", a.SourceAgentID)
	assert.Equal(t, "test_role", a.SourceRole)
	assert.Equal(t, res.RunID, a.SourceRunID)
	assert.Equal(t, "corr-1", a.CorrelationID)
	assert.Equal(t, "notify_tenant", a.SourceDecision.Tool)
	assert.Equal(t, "because", a.SourceDecision.Rationale)
	assert.JSONEq(t, `{"items":["case-1"]}`, string(a.Observation))
	assert.Equal(t, "test:notify_tenant", a.CaseKey)
	assert.Equal(t, domain.PriorityHigh, a.Priority)
	assert.Equal(t, "act-1", res.Outcomes[0].ActionID)
}

func TestRun_PerDecisionFailuresAreIsolated(t *testing.T) {
	bad := decision("read_facts", 0.9)
	bad.Params = json.RawMessage(`{"mode":"invalid"}`)
	engine, _ := staticEngine(
		decision("launch_rocket", 0.9),
		bad,
		decision("read_facts", 0.9),
	)
	h := newHarness(t, 0.5, withItems("case-1"), engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	require.Equal(t, domain.StateDone, res.Status)
	require.Len(t, res.Outcomes, 3)

	assert.Equal(t, domain.OutcomeFailed, res.Outcomes[0].Status)
	assert.ErrorIs(t, res.Outcomes[0].Err, domain.ErrToolNotFound)
	assert.Equal(t, domain.OutcomeFailed, res.Outcomes[1].Status)
	assert.ErrorIs(t, res.Outcomes[1].Err, domain.ErrValidation)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcomes[2].Status)
	assert.Equal(t, 1, h.read.Calls())
}

func TestRun_EngineErrorFailsRun(t *testing.T) {
	engine := engineFunc(func(context.Context, domain.ReasonRequest) ([]domain.Decision, error) {
		return nil, fmt.Errorf("%w: model overloaded", domain.ErrProviderError)
	})
	h := newHarness(t, 0.5, withItems("case-1"), engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	assert.Equal(t, domain.StateFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrReasoning)
	assert.ErrorIs(t, res.Err, domain.ErrProviderError)
	assert.Contains(t, res.States, domain.StateFailed)
}

func TestRun_MalformedDecisionFailsRun(t *testing.T) {
	tests := []domain.Decision{
		{Tool: "", Params: json.RawMessage(`{}`), Confidence: 0.5},
		{Tool: "read_facts", Params: json.RawMessage(`{}`), Confidence: 1.5},
		{Tool: "read_facts", Params: json.RawMessage(`[1,2]`), Confidence: 0.5},
		{Tool: "read_facts", Params: json.RawMessage(`null`), Confidence: 0.5},
	}
	for i, d := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			engine, _ := staticEngine(decision("read_facts", 0.9), d)
			h := newHarness(t, 0.5, withItems("case-1"), engine)

			res := h.runtime.Run(context.Background(), domain.RunContext{})
			assert.Equal(t, domain.StateFailed, res.Status)
			assert.ErrorIs(t, res.Err, domain.ErrReasoning)
			assert.Empty(t, res.Outcomes)
			assert.Equal(t, 0, h.read.Calls(), "no decision runs when the set is malformed")
		})
	}
}

func TestRun_MissingParamsReadAsEmptyObject(t *testing.T) {
	engine, _ := staticEngine(domain.Decision{Tool: "read_facts", Confidence: 0.9})
	h := newHarness(t, 0.5, withItems("case-1"), engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	require.Equal(t, domain.StateDone, res.Status)
	assert.JSONEq(t, `{}`, string(res.Outcomes[0].Decision.Params))
}

func TestRun_DegradedObservationContinues(t *testing.T) {
	observe := func(context.Context, domain.ToolSet) (Observation, error) {
		return &caseObservation{Items: []string{"partial"}}, errors.Join(
			domain.NewDomainError("agent.Fetch", domain.ErrObservation, "tickets: unavailable"),
			domain.NewDomainError("agent.Fetch", domain.ErrObservation, "grid: timeout"),
		)
	}
	engine, calls := staticEngine(decision("read_facts", 0.9))
	h := newHarness(t, 0.5, observe, engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	assert.Equal(t, domain.StateDone, res.Status)
	assert.True(t, res.Degraded)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, 1, *calls)
}

func TestRun_ObservationBugFailsRun(t *testing.T) {
	observe := func(context.Context, domain.ToolSet) (Observation, error) {
		return nil, errors.New("nil map write")
	}
	engine, calls := staticEngine()
	h := newHarness(t, 0.5, observe, engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	assert.Equal(t, domain.StateFailed, res.Status)
	assert.Equal(t, 0, *calls)
}

func TestRun_PanicFailsRun(t *testing.T) {
	observe := func(context.Context, domain.ToolSet) (Observation, error) {
		panic("boom")
	}
	engine, _ := staticEngine()
	h := newHarness(t, 0.5, observe, engine)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	assert.Equal(t, domain.StateFailed, res.Status)
	assert.Contains(t, res.Error, "panicked")
	assert.False(t, res.FinishedAt.IsZero())
}

func TestRun_RetriesIdempotentTransientFailureOnce(t *testing.T) {
	engine, _ := staticEngine(decision("read_facts", 0.9))
	h := newHarness(t, 0.5, withItems("case-1"), engine)
	h.read.fn = func(call int, _ json.RawMessage) *domain.ToolResult {
		if call == 1 {
			return domain.FailedResult(domain.ToolErrUnavailable, "backend down", true)
		}
		return domain.OKResult(json.RawMessage(`{}`))
	}

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcomes[0].Status)
	assert.Equal(t, 2, res.Outcomes[0].Attempts)
}

func TestRun_NoRetryForNonIdempotentOrValidation(t *testing.T) {
	engine, _ := staticEngine(decision("set_mode", 0.9), decision("read_facts", 0.9))
	h := newHarness(t, 0.5, withItems("case-1"), engine)
	h.control.fn = func(int, json.RawMessage) *domain.ToolResult {
		return domain.FailedResult(domain.ToolErrTimeout, "slow", true)
	}
	h.read.fn = func(int, json.RawMessage) *domain.ToolResult {
		return domain.FailedResult(domain.ToolErrValidation, "bad room", false)
	}

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	require.Equal(t, domain.StateDone, res.Status)
	require.Len(t, res.Outcomes, 2)
	for _, o := range res.Outcomes {
		assert.Equal(t, domain.OutcomeFailed, o.Status)
		assert.Equal(t, 1, o.Attempts)
		assert.ErrorIs(t, o.Err, domain.ErrToolExecution)
	}
	assert.Equal(t, 1, h.control.Calls())
	assert.Equal(t, 1, h.read.Calls())
}

func TestRun_NoRetryWhenFailureIsPermanent(t *testing.T) {
	engine, _ := staticEngine(decision("read_facts", 0.9))
	h := newHarness(t, 0.5, withItems("case-1"), engine)
	h.read.fn = func(int, json.RawMessage) *domain.ToolResult {
		return domain.FailedResult(domain.ToolErrExecution, "room R1 has no thermostat", false)
	}

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	require.Equal(t, domain.StateDone, res.Status)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, domain.OutcomeFailed, res.Outcomes[0].Status)
	assert.Equal(t, 1, res.Outcomes[0].Attempts)
	assert.Equal(t, 1, h.read.Calls(), "idempotent tools are not retried on a permanent failure")
}

func TestRun_CancelledBetweenDecisions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, _ := staticEngine(decision("notify_tenant", 0.9), decision("read_facts", 0.9))
	h := newHarness(t, 0.5, withItems("case-1"), engine)
	h.queue.onAdd = cancel

	res := h.runtime.Run(ctx, domain.RunContext{})
	assert.Equal(t, domain.StateFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrCancelled)
	require.Len(t, res.Outcomes, 1, "already-queued actions stand")
	assert.Equal(t, domain.OutcomeQueued, res.Outcomes[0].Status)
	assert.Len(t, h.queue.actions, 1)
	assert.Equal(t, 0, h.read.Calls())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine, calls := staticEngine()
	h := newHarness(t, 0.5, withItems("case-1"), engine)

	res := h.runtime.Run(ctx, domain.RunContext{})
	assert.Equal(t, domain.StateFailed, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrCancelled)
	assert.Equal(t, 0, *calls)
}

func TestRun_EnqueueFailureFailsOnlyDecision(t *testing.T) {
	engine, _ := staticEngine(decision("notify_tenant", 0.9), decision("read_facts", 0.9))
	h := newHarness(t, 0.5, withItems("case-1"), engine)
	h.queue.err = fmt.Errorf("%w: store offline", domain.ErrProviderError)

	res := h.runtime.Run(context.Background(), domain.RunContext{})
	assert.Equal(t, domain.StateDone, res.Status)
	assert.Equal(t, domain.OutcomeFailed, res.Outcomes[0].Status)
	assert.Equal(t, domain.OutcomeExecuted, res.Outcomes[1].Status)
}

func TestExecuteDecision(t *testing.T) {
	engine, _ := staticEngine()
	h := newHarness(t, 0.5, withItems(), engine)

	res, err := h.runtime.ExecuteDecision(context.Background(), decision("notify_tenant", 0.9))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, h.comm.Calls())

	_, err = h.runtime.ExecuteDecision(context.Background(), decision("launch_rocket", 0.9))
	assert.ErrorIs(t, err, domain.ErrToolNotFound)

	h.comm.fn = func(int, json.RawMessage) *domain.ToolResult {
		return domain.FailedResult(domain.ToolErrUnavailable, "smtp down", true)
	}
	res, err = h.runtime.ExecuteDecision(context.Background(), decision("notify_tenant", 0.9))
	assert.ErrorIs(t, err, domain.ErrToolExecution)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, 2, h.comm.Calls(), "non-idempotent tools are not retried")
}

func TestRun_PublishesLifecycleEvents(t *testing.T) {
	bus := &recordingBus{}
	engine, _ := staticEngine(decision("read_facts", 0.9))
	h := newHarness(t, 0.5, withItems("case-1"), engine)
	h.runtime.deps.Bus = bus

	h.runtime.Run(context.Background(), domain.RunContext{})
	assert.Equal(t, []domain.EventType{
		domain.EventAgentRunStarted,
		domain.EventToolExecuted,
		domain.EventAgentRunCompleted,
	}, bus.Types())
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func() {
	return func() {}
}
func (b *recordingBus) Close() {}

func (b *recordingBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func TestFetch(t *testing.T) {
	ok := newFakeTool("list_things", domain.ToolClassRead, true)
	ok.fn = func(int, json.RawMessage) *domain.ToolResult {
		return domain.OKResult(json.RawMessage(`{"items":["a","b"]}`))
	}
	broken := newFakeTool("broken", domain.ToolClassRead, true)
	broken.fn = func(int, json.RawMessage) *domain.ToolResult {
		return domain.FailedResult(domain.ToolErrTimeout, "slow", true)
	}
	tb := newToolbox(ok, broken)

	got, err := Fetch[caseObservation](context.Background(), tb, "list_things", map[string]string{"property_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Items)

	_, err = Fetch[caseObservation](context.Background(), tb, "broken", nil)
	assert.ErrorIs(t, err, domain.ErrObservation)
	assert.Contains(t, err.Error(), "timeout")

	_, err = Fetch[caseObservation](context.Background(), tb, "absent", nil)
	assert.ErrorIs(t, err, domain.ErrObservation)
}

func TestDegradable(t *testing.T) {
	obsErr := domain.NewDomainError("agent.Fetch", domain.ErrObservation, "x")
	assert.True(t, degradable(obsErr))
	assert.True(t, degradable(errors.Join(obsErr, obsErr)))
	assert.False(t, degradable(errors.Join(obsErr, errors.New("bug"))))
	assert.False(t, degradable(errors.New("bug")))
}
