package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"propwatch/internal/domain"
	"propwatch/internal/usecase/orchestrator"
)

// RoleOperator may trigger runs and inject events.
const RoleOperator = "operator"

// ActionQueue is the part of the approval queue the gateway serves.
type ActionQueue interface {
	Get(ctx context.Context, id string) (*domain.QueuedAction, error)
	List(ctx context.Context, filter domain.ActionFilter) []*domain.QueuedAction
	Approve(ctx context.Context, id, approver string) (*domain.QueuedAction, error)
	Reject(ctx context.Context, id, approver, reason string) (*domain.QueuedAction, error)
}

// Agents is the part of the orchestrator the gateway serves.
type Agents interface {
	Agents() []orchestrator.AgentStatus
	Run(ctx context.Context, agentID string, rc domain.RunContext) (*domain.RunResult, error)
	DispatchEvent(ctx context.Context, eventType domain.EventType, payload json.RawMessage) []*domain.RunResult
	Runs(ctx context.Context, agentID string, limit int) ([]*domain.RunResult, error)
}

// HandlerDeps holds what the RPC and REST handlers need.
type HandlerDeps struct {
	Queue  ActionQueue
	Agents Agents
	// Ladder orders approver roles; a senior role may resolve a junior one's actions.
	Ladder domain.RoleLadder
	Audit  domain.AuditLogger // can be nil
	Bus    domain.EventBus    // can be nil
	Logger *slog.Logger
	Now    func() time.Time // can be nil
}

// service holds the operations shared by RPC and REST.
type service struct {
	deps HandlerDeps
}

func newService(deps HandlerDeps) *service {
	if deps.Audit == nil {
		deps.Audit = domain.NopAuditLogger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &service{deps: deps}
}

func (s *service) listActions(ctx context.Context, f domain.ActionFilter) []*domain.QueuedAction {
	return s.deps.Queue.List(ctx, f)
}

func (s *service) getAction(ctx context.Context, id string) (*domain.QueuedAction, error) {
	if id == "" {
		return nil, domain.ErrRPCInvalidPayload
	}
	return s.deps.Queue.Get(ctx, id)
}

// authorize checks that client may resolve the action, auditing a refusal.
func (s *service) authorize(ctx context.Context, client *ClientInfo, id, verb string) error {
	a, err := s.deps.Queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.deps.Ladder.CanApprove(client.Roles, a.RequiredApproverRole) {
		return nil
	}
	s.deny(ctx, client, "action:"+id, verb, map[string]string{
		"required_role": a.RequiredApproverRole,
		"roles":         strings.Join(client.Roles, ","),
	})
	return domain.NewDomainError("gateway."+verb, domain.ErrForbidden,
		fmt.Sprintf("%s requires role %s", id, a.RequiredApproverRole))
}

func (s *service) deny(ctx context.Context, client *ClientInfo, resource, action string, detail map[string]string) {
	if err := s.deps.Audit.Log(ctx, domain.AuditEvent{
		Timestamp: s.deps.Now(),
		Type:      domain.AuditAccessDenied,
		Actor:     client.Name,
		Resource:  resource,
		Action:    action,
		Outcome:   "denied",
		Detail:    detail,
	}); err != nil {
		s.deps.Logger.Warn("audit write failed", "error", err)
	}
	s.deps.Logger.Warn("gateway access denied", "client", client.Name, "resource", resource, "action", action)
}

func (s *service) approve(ctx context.Context, client *ClientInfo, id string) (*domain.QueuedAction, error) {
	if id == "" {
		return nil, domain.ErrRPCInvalidPayload
	}
	if err := s.authorize(ctx, client, id, "approve"); err != nil {
		return nil, err
	}
	return s.deps.Queue.Approve(ctx, id, client.Name)
}

func (s *service) reject(ctx context.Context, client *ClientInfo, id, reason string) (*domain.QueuedAction, error) {
	if id == "" {
		return nil, domain.ErrRPCInvalidPayload
	}
	if err := s.authorize(ctx, client, id, "reject"); err != nil {
		return nil, err
	}
	return s.deps.Queue.Reject(ctx, id, client.Name, reason)
}

func (s *service) requireOperator(ctx context.Context, client *ClientInfo, resource, action string) error {
	if client.HasRole(RoleOperator) {
		return nil
	}
	s.deny(ctx, client, resource, action, map[string]string{
		"required_role": RoleOperator,
		"roles":         strings.Join(client.Roles, ","),
	})
	return domain.NewDomainError("gateway."+action, domain.ErrForbidden, "requires role "+RoleOperator)
}

func (s *service) runAgent(ctx context.Context, client *ClientInfo, agentID string) (*domain.RunResult, error) {
	if agentID == "" {
		return nil, domain.ErrRPCInvalidPayload
	}
	if err := s.requireOperator(ctx, client, "agent:"+agentID, "run"); err != nil {
		return nil, err
	}
	return s.deps.Agents.Run(ctx, agentID, domain.RunContext{
		RunAt:       s.deps.Now(),
		TriggerType: domain.TriggerManual,
	})
}

func (s *service) dispatch(ctx context.Context, client *ClientInfo, typ domain.EventType, payload json.RawMessage) ([]*domain.RunResult, error) {
	if typ == "" {
		return nil, domain.ErrRPCInvalidPayload
	}
	if err := s.requireOperator(ctx, client, "event:"+string(typ), "dispatch"); err != nil {
		return nil, err
	}
	return s.deps.Agents.DispatchEvent(ctx, typ, payload), nil
}

func (s *service) runs(ctx context.Context, agentID string, limit int) ([]*domain.RunResult, error) {
	if agentID == "" {
		return nil, domain.ErrRPCInvalidPayload
	}
	if limit <= 0 {
		limit = 20
	}
	return s.deps.Agents.Runs(ctx, agentID, limit)
}

// --- RPC ---

// RegisterDefaultHandlers registers every RPC method on s.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	svc := newService(deps)

	s.RegisterHandler("queue.list", queueListHandler(svc))
	s.RegisterHandler("queue.get", queueGetHandler(svc))
	s.RegisterHandler("queue.approve", queueApproveHandler(svc))
	s.RegisterHandler("queue.reject", queueRejectHandler(svc))
	s.RegisterHandler("agents.list", agentsListHandler(svc))
	s.RegisterHandler("agents.run", agentsRunHandler(svc))
	s.RegisterHandler("runs.list", runsListHandler(svc))
	s.RegisterHandler("events.dispatch", eventsDispatchHandler(svc))
}

// decode unmarshals an optional payload into v.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}

type queueListRequest struct {
	Status  domain.ActionStatus `json:"status"`
	AgentID string              `json:"agent_id"`
	CaseKey string              `json:"case_key"`
	Limit   int                 `json:"limit"`
}

func queueListHandler(svc *service) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req queueListRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return json.Marshal(svc.listActions(ctx, domain.ActionFilter{
			Status:  req.Status,
			AgentID: req.AgentID,
			CaseKey: req.CaseKey,
			Limit:   req.Limit,
		}))
	}
}

type actionRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func queueGetHandler(svc *service) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req actionRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		a, err := svc.getAction(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a)
	}
}

// queueApproveHandler returns the action even when execution failed, so the
// caller sees the recorded result next to the error.
func queueApproveHandler(svc *service) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req actionRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		a, err := svc.approve(ctx, client, req.ID)
		if a == nil {
			return nil, err
		}
		out, mErr := json.Marshal(a)
		if mErr != nil {
			return nil, mErr
		}
		return out, err
	}
}

func queueRejectHandler(svc *service) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req actionRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		a, err := svc.reject(ctx, client, req.ID, req.Reason)
		if err != nil {
			return nil, err
		}
		return json.Marshal(a)
	}
}

func agentsListHandler(svc *service) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(svc.deps.Agents.Agents())
	}
}

type agentRequest struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

func agentsRunHandler(svc *service) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		res, err := svc.runAgent(ctx, client, req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	}
}

func runsListHandler(svc *service) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		runs, err := svc.runs(ctx, req.ID, req.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(runs)
	}
}

type eventRequest struct {
	Type    domain.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

func eventsDispatchHandler(svc *service) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req eventRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		runs, err := svc.dispatch(ctx, client, req.Type, req.Payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(runs)
	}
}
