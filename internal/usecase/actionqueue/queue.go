// Package actionqueue holds decisions that wait for a human. Every mutation
// of an action is serialized per case key, so agents running concurrently
// for different cases never lose each other's updates.
package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// ApproverTier maps an impact ceiling to the role that must approve it.
// MaxImpact <= 0 means unbounded and should be the last tier.
type ApproverTier struct {
	Role      string  `json:"role" yaml:"role"`
	MaxImpact float64 `json:"max_impact" yaml:"max_impact"`
}

// DefaultTiers is £100 duty manager, £1000 property manager, finance director above.
func DefaultTiers() []ApproverTier {
	return []ApproverTier{
		{Role: "duty_manager", MaxImpact: 100},
		{Role: "property_manager", MaxImpact: 1000},
		{Role: "finance_director"},
	}
}

// Config tunes the queue. Zero values take the defaults.
type Config struct {
	SLA            time.Duration  // time to approve before escalation, default 48h
	MaxEscalations int            // escalations before expiry, default 3
	Tiers          []ApproverTier // default DefaultTiers()
	Stripes        int            // case-key lock stripes, default 64
}

func (c Config) withDefaults() Config {
	if c.SLA <= 0 {
		c.SLA = 48 * time.Hour
	}
	if c.MaxEscalations <= 0 {
		c.MaxEscalations = 3
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.Stripes <= 0 {
		c.Stripes = 64
	}
	return c
}

// Deps holds injected dependencies for a queue.
type Deps struct {
	Store  domain.ActionStore // optional, nil = memory only
	Bus    domain.EventBus    // optional
	Audit  domain.AuditLogger // optional
	Logger *slog.Logger
	Now    func() time.Time // optional, defaults to time.Now
}

// Queue is the approval queue. It is safe for concurrent use.
type Queue struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	stripes []sync.Mutex

	mu      sync.RWMutex
	actions map[string]*domain.QueuedAction
	open    map[string]string // case key -> pending action id

	execMu   sync.RWMutex
	executor domain.DecisionExecutor
}

// New creates a queue.
func New(cfg Config, deps Deps) *Queue {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit = domain.NopAuditLogger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Queue{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		stripes: make([]sync.Mutex, cfg.Stripes),
		actions: make(map[string]*domain.QueuedAction),
		open:    make(map[string]string),
	}
}

// SetExecutor sets who runs approved decisions. Must be called before Approve.
func (q *Queue) SetExecutor(exec domain.DecisionExecutor) {
	q.execMu.Lock()
	defer q.execMu.Unlock()
	q.executor = exec
}

func (q *Queue) lockCase(caseKey string) func() {
	h := fnv.New32a()
	h.Write([]byte(caseKey))
	m := &q.stripes[h.Sum32()%uint32(len(q.stripes))]
	m.Lock()
	return m.Unlock
}

// Enqueue adds a proposed action. An identical pending proposal for the same
// case is returned instead (deduplicated); a different one is superseded and
// the new action inherits its escalation level and due time.
func (q *Queue) Enqueue(ctx context.Context, action *domain.QueuedAction) (domain.EnqueueResult, error) {
	if action == nil || action.CaseKey == "" || action.SourceDecision.Tool == "" {
		return domain.EnqueueResult{}, domain.NewDomainError("Queue.Enqueue", domain.ErrInvalidInput,
			"action needs a case key and a source decision")
	}
	unlock := q.lockCase(action.CaseKey)
	defer unlock()

	now := q.deps.Now()
	prev := q.pending(action.CaseKey)
	if prev != nil && prev.SameProposal(action) {
		q.logger.Debug("action deduplicated", "action_id", prev.ID, "case_key", action.CaseKey)
		return domain.EnqueueResult{Action: clone(prev), Deduplicated: true}, nil
	}

	next := clone(action)
	next.ID = newID(now)
	next.Status = domain.ActionPending
	next.CreatedAt = now
	next.UpdatedAt = now
	next.DueBy = now.Add(q.cfg.SLA)
	next.EscalationLevel = 0
	if next.Priority == "" {
		next.Priority = domain.PriorityNormal
	}

	var old *domain.QueuedAction
	if prev != nil {
		old = clone(prev)
		old.Status = domain.ActionSuperseded
		old.SupersededBy = next.ID
		old.UpdatedAt = now
		next.EscalationLevel = prev.EscalationLevel
		next.DueBy = prev.DueBy
		for i := 0; i < prev.EscalationLevel; i++ {
			next.Priority = next.Priority.Bump()
		}
	}
	next.RequiredApproverRole = q.roleFor(next.EstimatedImpact, next.EscalationLevel)
	// The new action is written first; a crash in between leaves two pending
	// actions that the next Sweep resolves in its favour.
	if err := q.save(ctx, next); err != nil {
		return domain.EnqueueResult{}, err
	}
	if old != nil {
		if err := q.save(ctx, old); err != nil {
			return domain.EnqueueResult{}, err
		}
	}

	q.mu.Lock()
	if old != nil {
		q.actions[old.ID] = old
	}
	q.actions[next.ID] = next
	q.open[next.CaseKey] = next.ID
	q.mu.Unlock()

	res := domain.EnqueueResult{Action: clone(next)}
	if old != nil {
		res.Superseded = old.ID
		q.publish(ctx, domain.EventActionSuperseded, old)
	}
	q.publish(ctx, domain.EventActionQueued, next)
	q.audit(ctx, domain.AuditActionQueued, next, next.SourceAgentID, "queued")
	q.logger.Info("action queued",
		"action_id", next.ID,
		"case_key", next.CaseKey,
		"tool", next.SourceDecision.Tool,
		"approver", next.RequiredApproverRole,
		"superseded", res.Superseded,
	)
	return res, nil
}

// Approve marks a pending action approved and executes it through the
// source agent. A failed execution leaves it approved, records the result
// and returns domain.ErrToolExecution.
func (q *Queue) Approve(ctx context.Context, id, approver string) (*domain.QueuedAction, error) {
	ctx, span := tracer.StartSpan(ctx, "queue.approve",
		trace.WithAttributes(tracer.StringAttr("action.id", id)),
	)
	defer span.End()

	a, unlock, err := q.resolve(id, "Queue.Approve")
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	now := q.deps.Now()
	a.Status = domain.ActionApproved
	a.ResolvedBy = approver
	a.ResolvedAt = &now
	a.UpdatedAt = now
	if err := q.commit(ctx, a); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	q.publish(ctx, domain.EventActionApproved, a)
	q.audit(ctx, domain.AuditActionApproved, a, approver, "approved")

	q.execMu.RLock()
	exec := q.executor
	q.execMu.RUnlock()

	var execErr error
	if exec == nil {
		execErr = domain.NewDomainError("Queue.Approve", domain.ErrToolExecution, "no executor configured")
	} else {
		res, err := exec.ExecuteDecision(ctx, a.SourceAgentID, a.SourceDecision)
		a.ExecutionResult = res
		if err != nil && !errors.Is(err, domain.ErrToolExecution) {
			err = fmt.Errorf("%w: %w", domain.ErrToolExecution, err)
		}
		execErr = err
	}

	a.UpdatedAt = q.deps.Now()
	if execErr != nil {
		a.Resolution = execErr.Error()
	} else {
		a.Status = domain.ActionExecuted
		a.Resolution = ""
	}
	if err := q.commit(ctx, a); err != nil {
		tracer.RecordError(span, err)
		return clone(a), err
	}

	if execErr != nil {
		tracer.RecordError(span, execErr)
		q.logger.Warn("approved action failed to execute", "action_id", a.ID, "error", execErr)
		return clone(a), domain.WrapOp("Queue.Approve", execErr)
	}
	tracer.SetOK(span)
	q.publish(ctx, domain.EventActionExecuted, a)
	q.logger.Info("action executed", "action_id", a.ID, "approver", approver)
	return clone(a), nil
}

// Reject closes a pending action without side effects.
func (q *Queue) Reject(ctx context.Context, id, approver, reason string) (*domain.QueuedAction, error) {
	a, unlock, err := q.resolve(id, "Queue.Reject")
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := q.deps.Now()
	a.Status = domain.ActionRejected
	a.ResolvedBy = approver
	a.ResolvedAt = &now
	a.UpdatedAt = now
	a.Resolution = reason
	if err := q.commit(ctx, a); err != nil {
		return nil, err
	}
	q.publish(ctx, domain.EventActionRejected, a)
	q.audit(ctx, domain.AuditActionRejected, a, approver, "rejected")
	q.logger.Info("action rejected", "action_id", a.ID, "approver", approver, "reason", reason)
	return clone(a), nil
}

// resolve locks the action's case and returns a working copy of it if it is
// still pending.
func (q *Queue) resolve(id, op string) (*domain.QueuedAction, func(), error) {
	q.mu.RLock()
	cur, ok := q.actions[id]
	var caseKey string
	if ok {
		caseKey = cur.CaseKey
	}
	q.mu.RUnlock()
	if !ok {
		return nil, nil, domain.NewDomainError(op, domain.ErrNotFound, "action "+id)
	}

	unlock := q.lockCase(caseKey)
	q.mu.RLock()
	a := clone(q.actions[id])
	q.mu.RUnlock()

	switch a.Status {
	case domain.ActionPending:
		return a, unlock, nil
	case domain.ActionSuperseded:
		unlock()
		return nil, nil, domain.NewDomainError(op, domain.ErrQueueConflict,
			fmt.Sprintf("action %s was superseded by %s", id, a.SupersededBy))
	default:
		unlock()
		return nil, nil, domain.NewDomainError(op, domain.ErrInvalidTransition,
			fmt.Sprintf("action %s is %s", id, a.Status))
	}
}

// SweepReport counts what a sweep changed.
type SweepReport struct {
	Deduplicated int `json:"deduplicated"`
	Escalated    int `json:"escalated"`
	Expired      int `json:"expired"`
}

// Sweep supersedes duplicate pending actions per case key (newest wins),
// escalates pending actions past their due time, and expires those already
// escalated MaxEscalations times.
func (q *Queue) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var rep SweepReport
	var errs []error

	q.mu.RLock()
	byCase := make(map[string][]string)
	for _, a := range q.actions {
		if a.Status == domain.ActionPending {
			byCase[a.CaseKey] = append(byCase[a.CaseKey], a.ID)
		}
	}
	q.mu.RUnlock()

	keys := make([]string, 0, len(byCase))
	for k := range byCase {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		r, err := q.sweepCase(ctx, key, now)
		rep.Deduplicated += r.Deduplicated
		rep.Escalated += r.Escalated
		rep.Expired += r.Expired
		if err != nil {
			errs = append(errs, err)
		}
	}
	if rep != (SweepReport{}) {
		q.logger.Info("queue swept", "deduplicated", rep.Deduplicated, "escalated", rep.Escalated, "expired", rep.Expired)
	}
	return rep, errors.Join(errs...)
}

func (q *Queue) sweepCase(ctx context.Context, caseKey string, now time.Time) (SweepReport, error) {
	var rep SweepReport
	unlock := q.lockCase(caseKey)
	defer unlock()

	q.mu.RLock()
	var pending []*domain.QueuedAction
	for _, a := range q.actions {
		if a.CaseKey == caseKey && a.Status == domain.ActionPending {
			pending = append(pending, clone(a))
		}
	}
	q.mu.RUnlock()
	if len(pending) == 0 {
		return rep, nil
	}

	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.After(pending[j].CreatedAt)
		}
		return pending[i].ID > pending[j].ID
	})
	winner := pending[0]
	for _, old := range pending[1:] {
		old.Status = domain.ActionSuperseded
		old.SupersededBy = winner.ID
		old.UpdatedAt = now
		if err := q.commit(ctx, old); err != nil {
			return rep, err
		}
		rep.Deduplicated++
		q.publish(ctx, domain.EventActionSuperseded, old)
	}
	q.mu.Lock()
	q.open[caseKey] = winner.ID
	q.mu.Unlock()

	if !now.After(winner.DueBy) {
		return rep, nil
	}
	if winner.EscalationLevel >= q.cfg.MaxEscalations {
		winner.Status = domain.ActionExpired
		winner.Resolution = fmt.Sprintf("expired after %d escalations", winner.EscalationLevel)
		winner.ResolvedAt = &now
		winner.UpdatedAt = now
		if err := q.commit(ctx, winner); err != nil {
			return rep, err
		}
		rep.Expired++
		q.publish(ctx, domain.EventActionExpired, winner)
		q.audit(ctx, domain.AuditActionExpired, winner, "queue", "expired")
		return rep, nil
	}

	winner.EscalationLevel++
	winner.RequiredApproverRole = q.roleFor(winner.EstimatedImpact, winner.EscalationLevel)
	winner.Priority = winner.Priority.Bump()
	winner.DueBy = winner.DueBy.Add(q.cfg.SLA)
	winner.UpdatedAt = now
	if err := q.commit(ctx, winner); err != nil {
		return rep, err
	}
	rep.Escalated++
	q.publish(ctx, domain.EventActionEscalated, winner)
	q.logger.Info("action escalated",
		"action_id", winner.ID,
		"case_key", caseKey,
		"level", winner.EscalationLevel,
		"approver", winner.RequiredApproverRole,
	)
	return rep, nil
}

// Get returns a copy of one action.
func (q *Queue) Get(_ context.Context, id string) (*domain.QueuedAction, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	a, ok := q.actions[id]
	if !ok {
		return nil, domain.NewDomainError("Queue.Get", domain.ErrNotFound, "action "+id)
	}
	return clone(a), nil
}

// List returns matching actions, highest priority first, then oldest first.
func (q *Queue) List(_ context.Context, filter domain.ActionFilter) []*domain.QueuedAction {
	q.mu.RLock()
	out := make([]*domain.QueuedAction, 0, len(q.actions))
	for _, a := range q.actions {
		if filter.Match(a) {
			out = append(out, clone(a))
		}
	}
	q.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Load replaces the in-memory state with the store's contents. Duplicate
// pending actions for one case are left for the next Sweep.
func (q *Queue) Load(ctx context.Context) (int, error) {
	if q.deps.Store == nil {
		return 0, nil
	}
	actions, err := q.deps.Store.ListActions(ctx)
	if err != nil {
		return 0, domain.WrapOp("Queue.Load", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = make(map[string]*domain.QueuedAction, len(actions))
	q.open = make(map[string]string)
	for _, a := range actions {
		q.actions[a.ID] = clone(a)
		if a.Status != domain.ActionPending {
			continue
		}
		if cur, ok := q.open[a.CaseKey]; !ok || newer(a, q.actions[cur]) {
			q.open[a.CaseKey] = a.ID
		}
	}
	return len(actions), nil
}

// pending returns the open action for caseKey. Callers hold the case lock.
func (q *Queue) pending(caseKey string) *domain.QueuedAction {
	q.mu.RLock()
	defer q.mu.RUnlock()
	id, ok := q.open[caseKey]
	if !ok {
		return nil
	}
	a := q.actions[id]
	if a == nil || a.Status != domain.ActionPending {
		return nil
	}
	return clone(a)
}

// commit persists a and installs it in memory. Callers hold the case lock.
func (q *Queue) commit(ctx context.Context, a *domain.QueuedAction) error {
	if err := q.save(ctx, a); err != nil {
		return err
	}
	stored := clone(a)
	q.mu.Lock()
	q.actions[a.ID] = stored
	if a.Status != domain.ActionPending && q.open[a.CaseKey] == a.ID {
		delete(q.open, a.CaseKey)
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) save(ctx context.Context, a *domain.QueuedAction) error {
	if q.deps.Store == nil {
		return nil
	}
	if err := q.deps.Store.SaveAction(ctx, a); err != nil {
		return domain.WrapOp("Queue.save", err)
	}
	return nil
}

// roleFor picks the tier covering impact, moved up one tier per escalation.
func (q *Queue) roleFor(impact float64, level int) string {
	tiers := q.cfg.Tiers
	idx := len(tiers) - 1
	for i, t := range tiers {
		if t.MaxImpact <= 0 || impact <= t.MaxImpact {
			idx = i
			break
		}
	}
	idx += level
	if idx >= len(tiers) {
		idx = len(tiers) - 1
	}
	return tiers[idx].Role
}

func (q *Queue) publish(ctx context.Context, typ domain.EventType, a *domain.QueuedAction) {
	if q.deps.Bus == nil {
		return
	}
	q.deps.Bus.Publish(ctx, domain.NewEvent(typ, a.CorrelationID, clone(a)))
}

func (q *Queue) audit(ctx context.Context, typ domain.AuditEventType, a *domain.QueuedAction, actor, outcome string) {
	err := q.deps.Audit.Log(ctx, domain.AuditEvent{
		Timestamp: q.deps.Now(),
		Type:      typ,
		Actor:     actor,
		Resource:  a.ID,
		Action:    a.SourceDecision.Tool,
		Outcome:   outcome,
		Detail: map[string]string{
			"case_key": a.CaseKey,
			"agent_id": a.SourceAgentID,
			"approver": a.RequiredApproverRole,
		},
	})
	if err != nil {
		q.logger.Warn("audit write failed", "action_id", a.ID, "error", err)
	}
}

func newer(a, b *domain.QueuedAction) bool {
	if b == nil {
		return true
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func clone(a *domain.QueuedAction) *domain.QueuedAction {
	if a == nil {
		return nil
	}
	c := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// newID returns a ULID for an action created at t.
func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
