package domain

import "context"

// ReasonRequest is what an agent hands to the decision engine.
type ReasonRequest struct {
	AgentID      string
	SystemPrompt string
	UserPrompt   string
	Tools        []ToolSchema
}

// DecisionEngine is the pluggable reasoning boundary. Implementations may be a
// hosted model, a rules engine or a scripted stub; the runtime only relies on
// the Decision shape. An error means the engine was unavailable or answered
// with something that could not be read as decisions.
type DecisionEngine interface {
	Reason(ctx context.Context, req ReasonRequest) ([]Decision, error)
}

// LLMProvider is the interface for any hosted model backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "anthropic", "openai").
	Name() string
}
