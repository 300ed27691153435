// Package orchestrator decides when agents run. It fires scheduled agents on
// each tick, dispatches upstream events to the agents listening for them,
// keeps one agent's failure from touching the others and records every run.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"propwatch/internal/domain"
	"propwatch/internal/usecase/actionqueue"
	"propwatch/internal/usecase/scheduling"
)

// Agent is a runnable agent as the orchestrator sees it.
type Agent interface {
	Identity() domain.AgentIdentity
	Run(ctx context.Context, rc domain.RunContext) *domain.RunResult
	ExecuteDecision(ctx context.Context, d domain.Decision) (*domain.ToolResult, error)
}

// Sweeper is the part of the action queue a tick needs.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (actionqueue.SweepReport, error)
}

// Trigger says when an agent runs. An empty Schedule means the agent only
// runs on events or by hand.
type Trigger struct {
	Schedule string             `json:"schedule,omitempty"`
	Events   []domain.EventType `json:"events,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	TickInterval time.Duration // default 1m
	MaxParallel  int           // concurrent runs per tick or event, default 4
}

// Deps holds injected dependencies.
type Deps struct {
	Queue     Sweeper
	RunLog    domain.RunLog         // optional
	Bus       domain.EventBus       // optional, required for Start to dispatch events
	Scheduler *scheduling.Scheduler // optional, created on demand
	Logger    *slog.Logger
	Now       func() time.Time // optional, defaults to time.Now
}

// TickReport summarizes one tick.
type TickReport struct {
	At     time.Time               `json:"at"`
	Runs   []*domain.RunResult     `json:"runs"`
	Failed int                     `json:"failed"`
	Sweep  actionqueue.SweepReport `json:"sweep"`
}

// Orchestrator runs registered agents. It is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	registry *registry
	sem      chan struct{}

	mu       sync.Mutex
	started  bool
	unsubs   []func()
	inflight sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Queue == nil {
		return nil, domain.NewDomainError("orchestrator.New", domain.ErrInvalidInput, "action queue is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		registry: newRegistry(),
		sem:      make(chan struct{}, cfg.MaxParallel),
	}, nil
}

// Register adds an agent with its trigger. A second agent with the same id
// fails with domain.ErrDuplicate.
func (o *Orchestrator) Register(a Agent, trig Trigger) error {
	if a == nil {
		return domain.NewDomainError("Orchestrator.Register", domain.ErrInvalidInput, "agent is nil")
	}
	e := &entry{agent: a, trigger: trig}
	if trig.Schedule != "" {
		sched, err := scheduling.ParseSchedule(trig.Schedule)
		if err != nil {
			return domain.NewDomainError("Orchestrator.Register", domain.ErrInvalidInput,
				fmt.Sprintf("agent %s: %v", a.Identity().ID, err))
		}
		e.schedule = sched
	}
	if err := o.registry.add(e); err != nil {
		return err
	}
	o.logger.Info("agent registered",
		"agent", a.Identity().ID,
		"role", a.Identity().Role,
		"schedule", trig.Schedule,
		"events", trig.Events,
	)
	return nil
}

// Agents returns a status snapshot of every registered agent, sorted by id.
func (o *Orchestrator) Agents() []AgentStatus {
	return o.registry.list()
}

// Run runs one agent now. The agent's own failure, including a panic, is
// reported in the result; the error is only for an unknown agent.
func (o *Orchestrator) Run(ctx context.Context, agentID string, rc domain.RunContext) (*domain.RunResult, error) {
	a, ok := o.registry.get(agentID)
	if !ok {
		return nil, domain.NewDomainError("Orchestrator.Run", domain.ErrNotFound, "agent "+agentID)
	}
	if rc.RunAt.IsZero() {
		rc.RunAt = o.deps.Now()
	}
	if rc.TriggerType == "" {
		rc.TriggerType = domain.TriggerManual
	}

	o.inflight.Add(1)
	defer o.inflight.Done()

	res := o.invoke(ctx, a, rc)
	o.registry.record(agentID, res)
	if o.deps.RunLog != nil {
		if err := o.deps.RunLog.AppendRun(ctx, res); err != nil {
			o.logger.Warn("run log append failed", "agent", agentID, "run_id", res.RunID, "error", err)
		}
	}
	return res, nil
}

// invoke calls the agent with panic isolation.
func (o *Orchestrator) invoke(ctx context.Context, a Agent, rc domain.RunContext) (res *domain.RunResult) {
	id := a.Identity()
	start := o.deps.Now()
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("agent panicked outside its run loop", "agent", id.ID, "panic", p)
			err := fmt.Errorf("Orchestrator.Run: agent %s panicked: %v", id.ID, p)
			res = &domain.RunResult{
				RunID:      newID(start),
				AgentID:    id.ID,
				Role:       id.Role,
				Context:    rc,
				States:     []domain.RunState{domain.StateIdle, domain.StateFailed},
				Status:     domain.StateFailed,
				Error:      err.Error(),
				Err:        err,
				StartedAt:  start,
				FinishedAt: o.deps.Now(),
			}
		}
	}()
	res = a.Run(ctx, rc)
	if res == nil {
		panic("agent returned no run result")
	}
	return res
}

// RunNow runs the named agents, or every agent when ids is empty, as a
// manual trigger with bounded parallelism. Results follow the order of ids.
func (o *Orchestrator) RunNow(ctx context.Context, ids ...string) ([]*domain.RunResult, error) {
	if len(ids) == 0 {
		ids = o.registry.ids()
	}
	for _, id := range ids {
		if _, ok := o.registry.get(id); !ok {
			return nil, domain.NewDomainError("Orchestrator.RunNow", domain.ErrNotFound, "agent "+id)
		}
	}
	rc := domain.RunContext{
		RunAt:         o.deps.Now(),
		TriggerType:   domain.TriggerManual,
		CorrelationID: newID(o.deps.Now()),
	}
	return o.runAll(ctx, ids, rc), nil
}

// DispatchEvent runs every agent registered for eventType, bypassing their
// schedules. The payload becomes the run's trigger data.
func (o *Orchestrator) DispatchEvent(ctx context.Context, eventType domain.EventType, payload json.RawMessage) []*domain.RunResult {
	return o.dispatch(ctx, eventType, payload, "")
}

func (o *Orchestrator) dispatch(ctx context.Context, eventType domain.EventType, payload json.RawMessage, correlationID string) []*domain.RunResult {
	ids := o.registry.subscribers(eventType)
	if len(ids) == 0 {
		o.logger.Debug("no agent listens for event", "event", string(eventType))
		return nil
	}
	now := o.deps.Now()
	if correlationID == "" {
		correlationID = newID(now)
	}
	o.logger.Info("dispatching event", "event", string(eventType), "agents", ids, "correlation_id", correlationID)
	return o.runAll(ctx, ids, domain.RunContext{
		RunAt:         now,
		TriggerType:   domain.TriggerEvent,
		TriggerEvent:  eventType,
		TriggerData:   payload,
		CorrelationID: correlationID,
	})
}

// Tick runs the scheduled agents due at now, then sweeps the queue. Agents
// run with bounded parallelism; no agent's failure stops another. The
// error is the sweep's.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	rep := TickReport{At: now}
	due := o.registry.claimDue(now)
	if len(due) > 0 {
		rep.Runs = o.runAll(ctx, due, domain.RunContext{
			RunAt:         now,
			TriggerType:   domain.TriggerScheduled,
			CorrelationID: newID(now),
		})
	}
	for _, r := range rep.Runs {
		if r.Status == domain.StateFailed {
			rep.Failed++
		}
	}

	sweep, err := o.deps.Queue.Sweep(ctx, now)
	rep.Sweep = sweep
	if err != nil {
		o.logger.Warn("queue sweep failed", "error", err)
		return rep, domain.WrapOp("Orchestrator.Tick", err)
	}
	if len(due) > 0 {
		o.logger.Info("tick completed", "agents", due, "failed", rep.Failed,
			"escalated", sweep.Escalated, "expired", sweep.Expired)
	}
	return rep, nil
}

// runAll runs ids concurrently, at most MaxParallel at a time, sharing rc.
func (o *Orchestrator) runAll(ctx context.Context, ids []string, rc domain.RunContext) []*domain.RunResult {
	results := make([]*domain.RunResult, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			select {
			case o.sem <- struct{}{}:
				defer func() { <-o.sem }()
			case <-ctx.Done():
			}
			// A cancelled context still goes through Run so the agent
			// records a cancelled result.
			res, err := o.Run(ctx, id, rc)
			if err != nil {
				o.logger.Warn("agent vanished before its run", "agent", id, "error", err)
				return
			}
			results[i] = res
		}(i, id)
	}
	wg.Wait()

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// ExecuteDecision runs an approved decision through the agent that proposed it.
func (o *Orchestrator) ExecuteDecision(ctx context.Context, agentID string, d domain.Decision) (*domain.ToolResult, error) {
	a, ok := o.registry.get(agentID)
	if !ok {
		return nil, domain.NewDomainError("Orchestrator.ExecuteDecision", domain.ErrNotFound, "agent "+agentID)
	}
	return a.ExecuteDecision(ctx, d)
}

// Runs lists recorded runs for an agent, newest first.
func (o *Orchestrator) Runs(ctx context.Context, agentID string, limit int) ([]*domain.RunResult, error) {
	if o.deps.RunLog == nil {
		return nil, nil
	}
	return o.deps.RunLog.ListRuns(ctx, agentID, limit)
}

// Start installs the tick on the scheduler and subscribes event dispatch
// to the bus. Calling Start twice is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	if o.deps.Scheduler == nil {
		o.deps.Scheduler = scheduling.NewScheduler(o.logger, 0)
	}
	err := o.deps.Scheduler.AddTask("orchestrator.tick", scheduling.NewConstantDelay(o.cfg.TickInterval),
		func(ctx context.Context) error {
			_, err := o.Tick(ctx, o.deps.Now())
			return err
		}, false)
	if err != nil {
		return domain.WrapOp("Orchestrator.Start", err)
	}

	if o.deps.Bus != nil {
		for _, typ := range o.registry.eventTypes() {
			o.unsubs = append(o.unsubs, o.deps.Bus.Subscribe(typ, func(ctx context.Context, ev domain.Event) {
				o.dispatch(ctx, ev.Type, ev.Payload, ev.CorrelationID)
			}))
		}
	}

	if err := o.deps.Scheduler.Start(ctx); err != nil {
		return domain.WrapOp("Orchestrator.Start", err)
	}
	o.started = true
	o.logger.Info("orchestrator started", "tick_interval", o.cfg.TickInterval, "max_parallel", o.cfg.MaxParallel)
	return nil
}

// Stop unsubscribes from the bus, stops the scheduler and waits for
// in-flight runs to finish.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	for _, unsub := range o.unsubs {
		unsub()
	}
	o.unsubs = nil
	o.started = false
	sched := o.deps.Scheduler
	o.mu.Unlock()

	err := sched.RemoveTask("orchestrator.tick")
	if stopErr := sched.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	o.inflight.Wait()
	o.logger.Info("orchestrator stopped")
	return err
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
