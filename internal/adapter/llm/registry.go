package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
)

// Registry holds named LLM providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.LLMProvider)}
}

// Register adds a provider. Names must be unique.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return domain.NewDomainError("llm.Registry.Register", domain.ErrDuplicate, "provider "+name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("llm.Registry.Get", domain.ErrNotFound, "provider "+name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewProvider builds one provider from its config.
func NewProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (domain.LLMProvider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	case "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "bedrock":
		return NewBedrockProvider(ctx, cfg, logger)
	default:
		return nil, domain.NewDomainError("llm.NewProvider", domain.ErrInvalidInput,
			fmt.Sprintf("provider %s: unknown type %q", cfg.Name, cfg.Type))
	}
}

// Build registers every configured provider, each behind its own circuit
// breaker when enabled, and returns the default one wrapped with failover.
func Build(ctx context.Context, cfg config.DecisionConfig, logger *slog.Logger) (domain.LLMProvider, *Registry, error) {
	reg := NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := NewProvider(ctx, pc, logger)
		if err != nil {
			return nil, nil, err
		}
		if cfg.CircuitBreaker.Enabled {
			p = NewCircuitBreakerProvider(p, cfg.CircuitBreaker, logger)
		}
		if err := reg.Register(p); err != nil {
			return nil, nil, err
		}
	}

	primary, err := reg.Get(cfg.DefaultProvider)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Failover.Enabled || len(cfg.Failover.Fallbacks) == 0 {
		return primary, reg, nil
	}
	var fallbacks []domain.LLMProvider
	for _, name := range cfg.Failover.Fallbacks {
		fb, err := reg.Get(name)
		if err != nil {
			return nil, nil, err
		}
		fallbacks = append(fallbacks, fb)
	}
	return NewFailoverProvider(primary, fallbacks, logger), reg, nil
}
