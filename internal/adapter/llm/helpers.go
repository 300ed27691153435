// Package llm adapts hosted model APIs to domain.LLMProvider.
package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// defaultMaxTokens applies when a request leaves MaxTokens unset.
const defaultMaxTokens = 1024

// splitMessages separates system text from the conversation turns.
func splitMessages(req domain.ChatRequest) (string, []domain.Message) {
	var turns []domain.Message
	for _, m := range req.Messages {
		if m.Role != domain.RoleSystem {
			turns = append(turns, m)
		}
	}
	return req.SystemText(), turns
}

func maxTokens(req domain.ChatRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// logChatCompleted logs the standard debug message after a successful chat.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// mapStatusError maps an API status code to a domain error so the circuit
// breaker and the decision engine can tell throttling from outages.
func mapStatusError(provider string, statusCode int, err error) error {
	detail := fmt.Sprintf("%s API error %d: %v", provider, statusCode, err)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %s", domain.ErrTimeout, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrProviderError, detail)
	}
}

func joinErrors(errs []string) string { return strings.Join(errs, "; ") }
