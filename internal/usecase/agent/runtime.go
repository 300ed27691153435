package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/logger"
	"propwatch/internal/infra/tracer"
)

// maxAttempts bounds tool execution within one run: the first try plus one
// retry for idempotent tools.
const maxAttempts = 2

// Toolbox is the per-agent tool registry as the runtime sees it.
type Toolbox interface {
	domain.ToolSet
	ValidateParams(name string, params json.RawMessage) error
}

// Deps holds injected dependencies for a runtime.
type Deps struct {
	Policy      Policy
	Tools       Toolbox
	Engine      domain.DecisionEngine
	Queue       domain.ActionEnqueuer
	Logger      *slog.Logger
	AlwaysQueue []string           // tool names that always need approval
	Bus         domain.EventBus    // optional, nil = no events
	Audit       domain.AuditLogger // optional, nil = no audit
	Now         func() time.Time   // optional, defaults to time.Now
}

// Runtime runs one agent through observe, reason, decide and act.
// A Runtime is safe for concurrent use; each Run keeps its own state.
type Runtime struct {
	deps     Deps
	identity domain.AgentIdentity
	gate     Gate
	logger   *slog.Logger
}

// New validates deps and builds a runtime.
func New(deps Deps) (*Runtime, error) {
	switch {
	case deps.Policy == nil:
		return nil, domain.NewDomainError("agent.New", domain.ErrInvalidInput, "policy is required")
	case deps.Tools == nil:
		return nil, domain.NewDomainError("agent.New", domain.ErrInvalidInput, "tools are required")
	case deps.Engine == nil:
		return nil, domain.NewDomainError("agent.New", domain.ErrInvalidInput, "decision engine is required")
	case deps.Queue == nil:
		return nil, domain.NewDomainError("agent.New", domain.ErrInvalidInput, "action queue is required")
	}
	id := deps.Policy.Identity()
	for _, name := range deps.Policy.RequiredTools() {
		if _, ok := deps.Tools.Get(name); !ok {
			return nil, domain.NewDomainError("agent.New", domain.ErrToolNotFound,
				fmt.Sprintf("agent %q needs tool %q", id.ID, name))
		}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = domain.NopAuditLogger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Runtime{
		deps:     deps,
		identity: id,
		gate:     NewGate(id.ApprovalThreshold(), deps.AlwaysQueue),
		logger:   logger.Component(deps.Logger, "agent"),
	}, nil
}

// Identity returns the agent's identity.
func (r *Runtime) Identity() domain.AgentIdentity { return r.identity }

// run carries the mutable state of a single Run.
type run struct {
	res    *domain.RunResult
	obs    Observation
	logger *slog.Logger
}

func (x *run) enter(s domain.RunState) {
	if n := len(x.res.States); n > 0 && x.res.States[n-1] == s {
		return
	}
	x.res.States = append(x.res.States, s)
}

// Run executes one full pass of the state machine. It never returns an
// error: failures are reported in the result's Status and Err.
func (r *Runtime) Run(ctx context.Context, rc domain.RunContext) (result *domain.RunResult) {
	now := r.deps.Now()
	if rc.RunAt.IsZero() {
		rc.RunAt = now
	}
	if rc.TriggerType == "" {
		rc.TriggerType = domain.TriggerManual
	}
	runID := newID(now)
	if rc.CorrelationID == "" {
		rc.CorrelationID = runID
	}

	x := &run{
		res: &domain.RunResult{
			RunID:     runID,
			AgentID:   r.identity.ID,
			Role:      r.identity.Role,
			Context:   rc,
			States:    []domain.RunState{domain.StateIdle},
			StartedAt: now,
		},
		logger: logger.Run(r.logger, r.identity.ID, runID),
	}

	ctx, span := tracer.StartSpan(ctx, "agent.run",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", r.identity.ID),
			tracer.StringAttr("run.trigger", string(rc.TriggerType)),
			tracer.StringAttr("run.correlation_id", rc.CorrelationID),
		),
	)
	defer span.End()

	r.publish(ctx, domain.EventAgentRunStarted, rc.CorrelationID, map[string]string{
		"agent_id": r.identity.ID,
		"run_id":   runID,
		"trigger":  string(rc.TriggerType),
	})

	defer func() {
		if p := recover(); p != nil {
			x.logger.Error("agent run panicked", "panic", p)
			r.fail(x, fmt.Errorf("Runtime.Run: agent panicked: %v", p))
		}
		r.finish(ctx, span, x)
		result = x.res
	}()

	r.execute(ctx, x, rc)
	return x.res
}

func (r *Runtime) execute(ctx context.Context, x *run, rc domain.RunContext) {
	// OBSERVING
	if r.cancelled(ctx, x) {
		return
	}
	x.enter(domain.StateObserving)
	if err := r.observe(ctx, x, rc); err != nil {
		r.fail(x, err)
		return
	}

	x.res.UserPrompt = r.deps.Policy.UserPrompt(x.obs, rc)
	if x.obs == nil || x.obs.Empty() {
		x.logger.Debug("nothing to do")
		x.enter(domain.StateDone)
		return
	}

	// REASONING
	if r.cancelled(ctx, x) {
		return
	}
	x.enter(domain.StateReasoning)
	decisions, err := r.reason(ctx, x)
	if err != nil {
		if ctx.Err() != nil {
			r.fail(x, domain.NewDomainError("Runtime.Run", domain.ErrCancelled, ctx.Err().Error()))
			return
		}
		r.fail(x, err)
		return
	}

	// DECIDING
	x.enter(domain.StateDeciding)
	for _, d := range decisions {
		if r.cancelled(ctx, x) {
			return
		}
		x.res.Outcomes = append(x.res.Outcomes, r.decide(ctx, x, rc, d))
		x.enter(domain.StateDeciding)
	}
	x.enter(domain.StateDone)
}

func (r *Runtime) cancelled(ctx context.Context, x *run) bool {
	if err := ctx.Err(); err != nil {
		r.fail(x, domain.NewDomainError("Runtime.Run", domain.ErrCancelled, err.Error()))
		return true
	}
	return false
}

func (r *Runtime) fail(x *run, err error) {
	x.res.Err = err
	x.res.Error = err.Error()
	x.enter(domain.StateFailed)
}

func (r *Runtime) observe(ctx context.Context, x *run, rc domain.RunContext) error {
	ctx, span := tracer.StartSpan(ctx, "agent.observe")
	defer span.End()

	obs, obsErr := r.deps.Policy.Observe(ctx, r.deps.Tools, rc)
	if obsErr != nil {
		if !degradable(obsErr) {
			tracer.RecordError(span, obsErr)
			return domain.WrapOp("Runtime.observe", obsErr)
		}
		x.res.Degraded = true
		x.res.Warnings = append(x.res.Warnings, warnings(obsErr)...)
		x.logger.Warn("observation degraded", "warnings", len(x.res.Warnings), "error", obsErr)
	}
	x.obs = obs

	if obs != nil {
		data, err := json.Marshal(obs)
		if err != nil {
			return domain.NewDomainError("Runtime.observe", domain.ErrObservation, fmt.Sprintf("snapshot: %v", err))
		}
		x.res.Observation = data
	}
	span.SetAttributes(tracer.BoolAttr("observe.degraded", x.res.Degraded))
	tracer.SetOK(span)
	return nil
}

func (r *Runtime) reason(ctx context.Context, x *run) ([]domain.Decision, error) {
	ctx, span := tracer.StartSpan(ctx, "agent.reason")
	defer span.End()

	decisions, err := r.deps.Engine.Reason(ctx, domain.ReasonRequest{
		AgentID:      r.identity.ID,
		SystemPrompt: r.deps.Policy.SystemPrompt(),
		UserPrompt:   x.res.UserPrompt,
		Tools:        r.deps.Tools.Schemas(),
	})
	if err != nil {
		tracer.RecordError(span, err)
		if errors.Is(err, domain.ErrReasoning) {
			return nil, domain.WrapOp("Runtime.reason", err)
		}
		return nil, domain.WrapOp("Runtime.reason", fmt.Errorf("%w: %w", domain.ErrReasoning, err))
	}

	for i := range decisions {
		if err := normalizeDecision(&decisions[i]); err != nil {
			tracer.RecordError(span, err)
			return nil, domain.NewDomainError("Runtime.reason", domain.ErrReasoning,
				fmt.Sprintf("decision %d: %v", i, err))
		}
	}
	span.SetAttributes(tracer.IntAttr("reason.decisions", len(decisions)))
	tracer.SetOK(span)
	return decisions, nil
}

// normalizeDecision rejects structurally malformed decisions. Missing params
// are read as an empty object.
func normalizeDecision(d *domain.Decision) error {
	if d.Tool == "" {
		return fmt.Errorf("empty tool name")
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", d.Confidence)
	}
	if len(d.Params) == 0 {
		d.Params = json.RawMessage(`{}`)
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(d.Params, &obj); err != nil || obj == nil {
		return fmt.Errorf("params for %q are not a JSON object", d.Tool)
	}
	return nil
}

func (r *Runtime) decide(ctx context.Context, x *run, rc domain.RunContext, d domain.Decision) domain.DecisionOutcome {
	out := domain.DecisionOutcome{Decision: d}
	dlog := x.logger.With("tool", d.Tool)

	t, ok := r.deps.Tools.Get(d.Tool)
	if !ok {
		return failOutcome(out, domain.NewDomainError("Runtime.decide", domain.ErrToolNotFound, d.Tool))
	}
	if err := r.deps.Tools.ValidateParams(d.Tool, d.Params); err != nil {
		dlog.Warn("decision params rejected", "error", err)
		return failOutcome(out, err)
	}

	out.Route = r.gate.Route(t.Schema(), d)
	if out.Route == domain.RouteQueue {
		x.enter(domain.StateQueueing)
		return r.enqueue(ctx, x, rc, out)
	}

	x.enter(domain.StateExecuting)
	res, attempts := r.runTool(ctx, t, d.Params, rc.CorrelationID)
	out.Attempts = attempts
	out.Result = res
	if !res.Success {
		return failOutcome(out, toolError(d.Tool, res))
	}
	out.Status = domain.OutcomeExecuted
	dlog.Info("decision executed", "attempts", attempts, "confidence", d.Confidence)
	return out
}

func (r *Runtime) enqueue(ctx context.Context, x *run, rc domain.RunContext, out domain.DecisionOutcome) domain.DecisionOutcome {
	d := out.Decision
	p := r.deps.Policy.Propose(x.obs, d)
	if p.CaseKey == "" {
		p.CaseKey = r.identity.ID + ":" + d.Tool
	}
	if p.Priority == "" {
		p.Priority = domain.PriorityNormal
	}
	if p.Title == "" {
		p.Title = fmt.Sprintf("%s proposes %s", r.identity.ID, d.Tool)
	}

	action := &domain.QueuedAction{
		Title:           p.Title,
		Description:     p.Description,
		Priority:        p.Priority,
		EstimatedImpact: p.EstimatedImpact,
		SourceAgentID:   r.identity.ID,
		SourceRole:      r.identity.Role,
		SourceRunID:     x.res.RunID,
		CorrelationID:   rc.CorrelationID,
		SourceDecision:  d,
		Observation:     x.res.Observation,
		CaseKey:         p.CaseKey,
	}
	er, err := r.deps.Queue.Enqueue(ctx, action)
	if err != nil {
		x.logger.Error("enqueue failed", "case_key", p.CaseKey, "error", err)
		return failOutcome(out, err)
	}

	out.Status = domain.OutcomeQueued
	out.ActionID = er.Action.ID
	out.Deduplicated = er.Deduplicated
	x.logger.Info("decision queued",
		"action_id", er.Action.ID,
		"case_key", p.CaseKey,
		"deduplicated", er.Deduplicated,
		"confidence", d.Confidence,
	)
	return out
}

// ExecuteDecision runs an approved decision through this agent's tools with
// the same validation and retry rule as an auto-executed one.
func (r *Runtime) ExecuteDecision(ctx context.Context, d domain.Decision) (*domain.ToolResult, error) {
	t, ok := r.deps.Tools.Get(d.Tool)
	if !ok {
		return nil, domain.NewDomainError("Runtime.ExecuteDecision", domain.ErrToolNotFound, d.Tool)
	}
	if err := r.deps.Tools.ValidateParams(d.Tool, d.Params); err != nil {
		return nil, err
	}
	res, _ := r.runTool(ctx, t, d.Params, "")
	if !res.Success {
		return res, toolError(d.Tool, res)
	}
	return res, nil
}

// runTool executes t, retrying once when the tool is idempotent and the
// failure is transient.
func (r *Runtime) runTool(ctx context.Context, t domain.Tool, params json.RawMessage, correlationID string) (*domain.ToolResult, int) {
	ctx, span := tracer.StartSpan(ctx, "tool.execute",
		trace.WithAttributes(tracer.StringAttr("tool.name", t.Name())),
	)
	defer span.End()

	idempotent := t.Schema().Idempotent
	var res *domain.ToolResult
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		var err error
		res, err = t.Execute(ctx, params)
		if err != nil {
			res = domain.FailedResult(domain.ToolErrExecution, err.Error(), false)
		} else if res == nil {
			res = domain.FailedResult(domain.ToolErrExecution, "tool returned no result", false)
		}
		if res.Success || !idempotent || !res.Retryable() {
			break
		}
		r.logger.Warn("retrying tool", "agent_id", r.identity.ID, "tool", t.Name(), "kind", res.Error.Kind)
	}

	span.SetAttributes(tracer.IntAttr("tool.attempts", attempts), tracer.BoolAttr("tool.success", res.Success))
	outcome := "success"
	eventType := domain.EventToolExecuted
	if !res.Success {
		outcome = string(res.Error.Kind)
		eventType = domain.EventToolFailed
		tracer.RecordError(span, fmt.Errorf("%s", res.Error.Message))
	} else {
		tracer.SetOK(span)
	}

	r.publish(ctx, eventType, correlationID, map[string]any{
		"agent_id": r.identity.ID,
		"tool":     t.Name(),
		"attempts": attempts,
		"success":  res.Success,
	})
	if err := r.deps.Audit.Log(ctx, domain.AuditEvent{
		Timestamp: r.deps.Now(),
		Type:      domain.AuditToolExec,
		Actor:     r.identity.ID,
		Resource:  t.Name(),
		Action:    "execute",
		Outcome:   outcome,
		Detail:    map[string]string{"attempts": fmt.Sprint(attempts)},
	}); err != nil {
		r.logger.Warn("audit write failed", "agent_id", r.identity.ID, "error", err)
	}
	return res, attempts
}

func (r *Runtime) finish(ctx context.Context, span trace.Span, x *run) {
	res := x.res
	res.FinishedAt = r.deps.Now()
	if res.Err != nil {
		res.Status = domain.StateFailed
	} else {
		res.Status = domain.StateDone
	}

	logArgs := []any{
		"status", res.Status,
		"decisions", len(res.Outcomes),
		"queued", len(res.Queued()),
		"degraded", res.Degraded,
		"duration", res.FinishedAt.Sub(res.StartedAt),
	}
	eventType := domain.EventAgentRunCompleted
	if res.Err != nil {
		eventType = domain.EventAgentRunFailed
		tracer.RecordError(span, res.Err)
		x.logger.Warn("agent run failed", append(logArgs, "error", res.Err)...)
	} else {
		tracer.SetOK(span)
		x.logger.Info("agent run completed", logArgs...)
	}

	r.publish(ctx, eventType, res.Context.CorrelationID, map[string]any{
		"agent_id":  res.AgentID,
		"run_id":    res.RunID,
		"status":    res.Status,
		"decisions": len(res.Outcomes),
		"queued":    len(res.Queued()),
		"error":     res.Error,
	})
	if err := r.deps.Audit.Log(ctx, domain.AuditEvent{
		Timestamp: res.FinishedAt,
		Type:      domain.AuditAgentRun,
		Actor:     res.AgentID,
		Resource:  res.RunID,
		Action:    string(res.Context.TriggerType),
		Outcome:   string(res.Status),
		Detail:    map[string]string{"correlation_id": res.Context.CorrelationID},
	}); err != nil {
		x.logger.Warn("audit write failed", "error", err)
	}
}

func (r *Runtime) publish(ctx context.Context, typ domain.EventType, correlationID string, payload any) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(ctx, domain.NewEvent(typ, correlationID, payload))
}

func failOutcome(out domain.DecisionOutcome, err error) domain.DecisionOutcome {
	out.Status = domain.OutcomeFailed
	out.Err = err
	out.Error = err.Error()
	return out
}

func toolError(name string, res *domain.ToolResult) error {
	msg := "tool failed"
	if res.Error != nil {
		msg = fmt.Sprintf("%s: %s", res.Error.Kind, res.Error.Message)
	}
	return domain.NewDomainError("Runtime.execute", domain.ErrToolExecution, fmt.Sprintf("%s: %s", name, msg))
}

// newID returns a ULID stamped with t. The default entropy source is
// monotonic and safe for concurrent use, so ids minted within the same
// millisecond still sort in creation order.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
