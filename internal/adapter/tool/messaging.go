package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

var emailSubjects = map[string]string{
	"reminder": "Friendly reminder: rent payment due",
	"firm":     "Action needed: overdue rent",
	"final":    "Final notice: overdue rent",
}

// TenantEmailTool sends templated arrears emails to tenants.
type TenantEmailTool struct {
	backend MessagingBackend
	logger  *slog.Logger
	budget  *SendBudget
}

// NewTenantEmailTool creates the send_tenant_email tool.
func NewTenantEmailTool(backend MessagingBackend, maxSendsPerHour int, logger *slog.Logger) *TenantEmailTool {
	if maxSendsPerHour <= 0 {
		maxSendsPerHour = 50
	}
	return &TenantEmailTool{
		backend: backend,
		logger:  logger,
		budget:  NewSendBudget(maxSendsPerHour, time.Hour),
	}
}

func (t *TenantEmailTool) Name() string { return "send_tenant_email" }
func (t *TenantEmailTool) Description() string {
	return "Send a templated rent reminder email to a tenant (reminder, firm or final)."
}

func (t *TenantEmailTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassCommunication,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"tenant_id": {"type": "string", "minLength": 1},
				"to":        {"type": "string", "format": "email"},
				"template":  {"type": "string", "enum": ["reminder", "firm", "final"]},
				"note":      {"type": "string", "maxLength": 1000}
			},
			"required": ["tenant_id", "to", "template"],
			"additionalProperties": false
		}`),
	}
}

type tenantEmailParams struct {
	TenantID string `json:"tenant_id"`
	To       string `json:"to"`
	Template string `json:"template"`
	Note     string `json:"note"`
}

func (t *TenantEmailTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.send_tenant_email", t.logger, params,
		func(ctx context.Context, span trace.Span, p tenantEmailParams) (any, error) {
			if err := ValidateAll(
				RequireFields("tenant_id", p.TenantID, "to", p.To, "template", p.Template),
				ValidateEnum("template", p.Template, "reminder", "firm", "final"),
			); err != nil {
				return nil, err
			}
			if ok, wait := t.budget.Take(); !ok {
				return nil, fmt.Errorf("%w: tenant email budget spent, next slot in %s",
					domain.ErrRateLimit, wait.Round(time.Second))
			}
			span.SetAttributes(tracer.StringAttr("email.template", p.Template))

			id, err := t.backend.SendEmail(ctx, OutboundEmail{
				TenantID: p.TenantID,
				To:       p.To,
				Template: p.Template,
				Subject:  emailSubjects[p.Template],
				Note:     p.Note,
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"message_id": id, "status": "sent"}, nil
		})
}

// ContractorSMSTool texts a contractor about a maintenance ticket.
type ContractorSMSTool struct {
	backend MessagingBackend
	logger  *slog.Logger
	budget  *SendBudget
}

// NewContractorSMSTool creates the send_contractor_sms tool.
func NewContractorSMSTool(backend MessagingBackend, maxSendsPerHour int, logger *slog.Logger) *ContractorSMSTool {
	if maxSendsPerHour <= 0 {
		maxSendsPerHour = 50
	}
	return &ContractorSMSTool{
		backend: backend,
		logger:  logger,
		budget:  NewSendBudget(maxSendsPerHour, time.Hour),
	}
}

func (t *ContractorSMSTool) Name() string { return "send_contractor_sms" }
func (t *ContractorSMSTool) Description() string {
	return "Text a contractor to dispatch them to a maintenance ticket."
}

func (t *ContractorSMSTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Class:       domain.ToolClassCommunication,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"ticket_id": {"type": "string", "minLength": 1},
				"phone":     {"type": "string", "pattern": "^\\+?[0-9]{7,15}$"},
				"message":   {"type": "string", "minLength": 1, "maxLength": 480}
			},
			"required": ["ticket_id", "phone", "message"],
			"additionalProperties": false
		}`),
	}
}

type contractorSMSParams struct {
	TicketID string `json:"ticket_id"`
	Phone    string `json:"phone"`
	Message  string `json:"message"`
}

func (t *ContractorSMSTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.send_contractor_sms", t.logger, params,
		func(ctx context.Context, _ trace.Span, p contractorSMSParams) (any, error) {
			if err := RequireFields("ticket_id", p.TicketID, "phone", p.Phone, "message", p.Message); err != nil {
				return nil, err
			}
			if ok, wait := t.budget.Take(); !ok {
				return nil, fmt.Errorf("%w: contractor SMS budget spent, next slot in %s",
					domain.ErrRateLimit, wait.Round(time.Second))
			}
			id, err := t.backend.SendSMS(ctx, OutboundSMS{TicketID: p.TicketID, Phone: p.Phone, Message: p.Message})
			if err != nil {
				return nil, err
			}
			return map[string]string{"message_id": id, "status": "sent"}, nil
		})
}
