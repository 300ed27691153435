package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kaptinlin/jsonschema"
	tiktoken "github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
	"propwatch/internal/infra/tracer"
)

// decisionSetSchema is the shape every model answer must have. The tool
// enum is filled in per agent.
const decisionSetSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["tool", "confidence"],
    "properties": {
      "tool": {"type": "string", "enum": %s},
      "params": {"type": "object"},
      "rationale": {"type": "string"},
      "confidence": {"type": "number", "minimum": 0, "maximum": 1}
    }
  }
}`

// emptyDecisionSetSchema applies to agents with no tools.
const emptyDecisionSetSchema = `{"type": "array", "maxItems": 0}`

const answerFormat = `Answer with a JSON array only. Each element is
{"tool": "<tool name>", "params": {...}, "rationale": "<one sentence>", "confidence": <0..1>}.
Answer [] when no action is warranted.`

// tokenEncoding is the BPE used to estimate prompt size.
const tokenEncoding = "cl100k_base"

// schemaCache holds compiled decision schemas keyed by tool set.
type schemaCache struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
}

func (c *schemaCache) get(tools []domain.ToolSchema) (*jsonschema.Schema, error) {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	key := strings.Join(names, ",")

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[key]; ok {
		return s, nil
	}

	src := emptyDecisionSetSchema
	if len(names) > 0 {
		enum, err := json.Marshal(names)
		if err != nil {
			return nil, err
		}
		src = fmt.Sprintf(decisionSetSchema, enum)
	}
	s, err := jsonschema.NewCompiler().Compile([]byte(src))
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	if c.schemas == nil {
		c.schemas = make(map[string]*jsonschema.Schema)
	}
	c.schemas[key] = s
	return s, nil
}

// LLMEngine is a DecisionEngine backed by a hosted model provider.
type LLMEngine struct {
	provider        domain.LLMProvider
	maxTokens       int
	temperature     float64
	maxPromptTokens int
	timeout         time.Duration
	logger          *slog.Logger

	schemas schemaCache

	countOnce   sync.Once
	countTokens func(string) int
}

// NewLLMEngine creates an engine that asks provider for decisions.
func NewLLMEngine(provider domain.LLMProvider, cfg config.DecisionConfig, logger *slog.Logger) *LLMEngine {
	return &LLMEngine{
		provider:        provider,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
		maxPromptTokens: cfg.MaxPromptTokens,
		timeout:         cfg.Timeout,
		logger:          logger,
	}
}

// Reason implements domain.DecisionEngine.
func (e *LLMEngine) Reason(ctx context.Context, req domain.ReasonRequest) ([]domain.Decision, error) {
	const op = "LLMEngine.Reason"

	ctx, span := tracer.StartSpan(ctx, "decision.reason",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", req.AgentID),
			tracer.StringAttr("llm.provider", e.provider.Name()),
			tracer.IntAttr("decision.tools", len(req.Tools)),
		),
	)
	defer span.End()

	system := buildSystemPrompt(req)
	if e.maxPromptTokens > 0 {
		n := e.tokens(system) + e.tokens(req.UserPrompt)
		span.SetAttributes(tracer.IntAttr("decision.prompt_tokens", n))
		if n > e.maxPromptTokens {
			err := domain.NewDomainError(op, domain.ErrReasoning,
				fmt.Sprintf("prompt is %d tokens, budget is %d", n, e.maxPromptTokens))
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.provider.Chat(ctx, domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: system},
			{Role: domain.RoleUser, Content: req.UserPrompt},
		},
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	})
	if err != nil {
		err = domain.WrapOp(op, fmt.Errorf("%w: %w", domain.ErrReasoning, err))
		tracer.RecordError(span, err)
		return nil, err
	}

	schema, err := e.schemas.get(req.Tools)
	if err != nil {
		err = domain.NewDomainError(op, domain.ErrReasoning, err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}
	decisions, err := parseDecisions(resp.Message.Content, schema)
	if err != nil {
		e.logger.Warn("model answer rejected",
			"agent", req.AgentID,
			"answer", truncate(resp.Message.Content, 200),
			"error", err,
		)
		err = domain.NewDomainError(op, domain.ErrReasoning, err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(tracer.IntAttr("decision.count", len(decisions)))
	tracer.SetOK(span)
	e.logger.Debug("decisions received", "agent", req.AgentID, "count", len(decisions))
	return decisions, nil
}

// tokens estimates the token count of s. Without the BPE tables (offline
// hosts) it falls back to four bytes per token.
func (e *LLMEngine) tokens(s string) int {
	e.countOnce.Do(func() {
		if e.countTokens != nil {
			return
		}
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			e.logger.Warn("token encoding unavailable, estimating", "encoding", tokenEncoding, "error", err)
			e.countTokens = func(s string) int { return (len(s) + 3) / 4 }
			return
		}
		e.countTokens = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	})
	return e.countTokens(s)
}

func buildSystemPrompt(req domain.ReasonRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.SystemPrompt))
	b.WriteString("\n\nTools:\n")
	for _, t := range req.Tools {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.Class, t.Description)
		if len(t.Parameters) > 0 {
			fmt.Fprintf(&b, "  params schema: %s\n", compactJSON(t.Parameters))
		}
	}
	b.WriteString("\n")
	b.WriteString(answerFormat)
	return b.String()
}

// parseDecisions reads a model answer into decisions, validating it against schema.
func parseDecisions(answer string, schema *jsonschema.Schema) ([]domain.Decision, error) {
	raw := stripCodeFences(answer)
	if raw == "" {
		return nil, fmt.Errorf("empty answer")
	}

	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("answer is not JSON: %w", err)
	}
	if result := schema.Validate(data); !result.IsValid() {
		return nil, fmt.Errorf("answer does not match decision schema: %s", result.Error())
	}

	var decisions []domain.Decision
	if err := json.Unmarshal([]byte(raw), &decisions); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}
	for i := range decisions {
		if len(decisions[i].Params) == 0 {
			decisions[i].Params = json.RawMessage(`{}`)
		}
	}
	return decisions, nil
}

var codeFenceRe = regexp.MustCompile("(?si)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, _ := json.Marshal(v)
	return string(out)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	end := maxLen
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end] + "..."
}

var _ domain.DecisionEngine = (*LLMEngine)(nil)
