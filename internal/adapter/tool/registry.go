package tool

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"propwatch/internal/domain"
)

// DefaultTimeout bounds a single tool execution when the registry is built without one.
const DefaultTimeout = 10 * time.Second

type entry struct {
	tool      domain.Tool
	validator domain.ParamValidator
}

// Registry holds the named tools of one agent. It is built at agent
// construction and handed to the runtime; there is no process-wide registry.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]entry
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty tool registry. A zero timeout selects DefaultTimeout.
func NewRegistry(logger *slog.Logger, timeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:   make(map[string]entry),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a tool, wrapping it with schema validation and a timeout bound.
// Registering a name twice fails with domain.ErrDuplicateTool.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicateTool, fmt.Sprintf("tool %q", name))
	}

	validated, err := WithSchemaValidation(t)
	if err != nil {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, err.Error())
	}

	e := entry{tool: WithTimeout(validated, r.timeout, r.logger)}
	if v, ok := validated.(domain.ParamValidator); ok {
		e.validator = v
	}
	r.tools[name] = e
	r.logger.Debug("tool registered", "tool", name, "class", t.Schema().Class)
	return nil
}

// MustRegister registers every tool and panics on the first failure.
// Intended for wiring code where a duplicate is a programming error.
func (r *Registry) MustRegister(tools ...domain.Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Get retrieves a tool by name. A missing tool is a normal outcome.
func (r *Registry) Get(name string) (domain.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// ValidateParams checks params against the named tool's schema without executing it.
func (r *Registry) ValidateParams(name string, params json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("Registry.ValidateParams", domain.ErrToolNotFound, name)
	}
	if e.validator == nil {
		return nil
	}
	return e.validator.ValidateParams(params)
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns all tool schemas sorted by name.
func (r *Registry) Schemas() []domain.ToolSchema {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		if e, ok := r.tools[name]; ok {
			schemas = append(schemas, e.tool.Schema())
		}
	}
	return schemas
}
