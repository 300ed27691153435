package decision

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
)

type stubProvider struct {
	answer string
	err    error
	got    domain.ChatRequest
	calls  int
}

func (p *stubProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.calls++
	p.got = req
	if p.err != nil {
		return nil, p.err
	}
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: p.answer}}, nil
}

func (p *stubProvider) Name() string { return "stub" }

func newTestEngine(p domain.LLMProvider, cfg config.DecisionConfig) *LLMEngine {
	e := NewLLMEngine(p, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Whitespace-separated words stand in for tokens so tests stay offline.
	e.countTokens = func(s string) int { return len(strings.Fields(s)) }
	return e
}

func reasonRequest() domain.ReasonRequest {
	return domain.ReasonRequest{
		AgentID:      "arrears",
		SystemPrompt: "You are a credit controller.",
		UserPrompt:   "Tenant T1 owes 450 and is 8 days late.",
		Tools: []domain.ToolSchema{{
			Name:        "queue_action_item",
			Description: "Queue an item for a human",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {"title": {"type": "string"}}}`),
			Class:       domain.ToolClassCommunication,
		}, {
			Name:        "check_rent_roll",
			Description: "Read tenant ledgers",
			Class:       domain.ToolClassRead,
		}},
	}
}

func TestLLMEngineReason(t *testing.T) {
	p := &stubProvider{answer: "```json\n" +
		`[{"tool": "queue_action_item", "params": {"title": "Chase T1"}, "rationale": "firm band", "confidence": 0.95},
		  {"tool": "check_rent_roll", "confidence": 1}]` + "\n```"}
	e := newTestEngine(p, config.DecisionConfig{MaxTokens: 300, Temperature: 0.1})

	got, err := e.Reason(context.Background(), reasonRequest())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "queue_action_item", got[0].Tool)
	assert.JSONEq(t, `{"title": "Chase T1"}`, string(got[0].Params))
	assert.Equal(t, 0.95, got[0].Confidence)
	assert.JSONEq(t, `{}`, string(got[1].Params))

	require.Len(t, p.got.Messages, 2)
	system := p.got.SystemText()
	assert.Contains(t, system, "You are a credit controller.")
	assert.Contains(t, system, "queue_action_item")
	assert.Contains(t, system, `{"properties":{"title":{"type":"string"}},"type":"object"}`)
	assert.Equal(t, "Tenant T1 owes 450 and is 8 days late.", p.got.Messages[1].Content)
	assert.Equal(t, 300, p.got.MaxTokens)
	assert.Equal(t, 0.1, p.got.Temperature)
}

func TestLLMEngineEmptyArray(t *testing.T) {
	e := newTestEngine(&stubProvider{answer: "[]"}, config.DecisionConfig{})
	got, err := e.Reason(context.Background(), reasonRequest())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLLMEngineRejectsMalformedAnswers(t *testing.T) {
	answers := map[string]string{
		"prose":              "I would chase the tenant.",
		"empty":              "  ",
		"object":             `{"tool": "queue_action_item", "confidence": 1}`,
		"missing tool":       `[{"confidence": 0.5}]`,
		"empty tool":         `[{"tool": "", "confidence": 0.5}]`,
		"confidence high":    `[{"tool": "queue_action_item", "confidence": 1.5}]`,
		"confidence missing": `[{"tool": "queue_action_item"}]`,
		"params not object":  `[{"tool": "queue_action_item", "params": [1], "confidence": 0.5}]`,
	}
	for name, answer := range answers {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(&stubProvider{answer: answer}, config.DecisionConfig{})
			_, err := e.Reason(context.Background(), reasonRequest())
			assert.ErrorIs(t, err, domain.ErrReasoning)
		})
	}
}

func TestLLMEngineRejectsToolsOutsideTheAgentsSet(t *testing.T) {
	e := newTestEngine(&stubProvider{answer: `[{"tool": "launch_rocket", "confidence": 0.9}]`}, config.DecisionConfig{})
	_, err := e.Reason(context.Background(), reasonRequest())
	assert.ErrorIs(t, err, domain.ErrReasoning)
}

func TestLLMEngineNoTools(t *testing.T) {
	req := reasonRequest()
	req.Tools = nil

	e := newTestEngine(&stubProvider{answer: "[]"}, config.DecisionConfig{})
	got, err := e.Reason(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, got)

	e = newTestEngine(&stubProvider{answer: `[{"tool": "check_rent_roll", "confidence": 1}]`}, config.DecisionConfig{})
	_, err = e.Reason(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrReasoning)
}

func TestLLMEngineProviderError(t *testing.T) {
	e := newTestEngine(&stubProvider{err: domain.ErrRateLimit}, config.DecisionConfig{})
	_, err := e.Reason(context.Background(), reasonRequest())
	assert.ErrorIs(t, err, domain.ErrReasoning)
	assert.ErrorIs(t, err, domain.ErrRateLimit)
}

func TestLLMEnginePromptBudget(t *testing.T) {
	p := &stubProvider{answer: "[]"}
	e := newTestEngine(p, config.DecisionConfig{MaxPromptTokens: 10})
	_, err := e.Reason(context.Background(), reasonRequest())
	assert.ErrorIs(t, err, domain.ErrReasoning)
	assert.Zero(t, p.calls, "oversize prompts never reach the provider")

	e = newTestEngine(p, config.DecisionConfig{MaxPromptTokens: 10_000})
	_, err = e.Reason(context.Background(), reasonRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)
}

func TestStripCodeFences(t *testing.T) {
	assert.Equal(t, "[]", stripCodeFences("```json\n[]\n```"))
	assert.Equal(t, "[]", stripCodeFences("```\n[]\n```"))
	assert.Equal(t, "[]", stripCodeFences("  []  "))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "£...", truncate("£££", 3))
}
