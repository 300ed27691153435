package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"propwatch/internal/domain"
)

// boundedTool runs the inner tool with its own deadline. Execution is detached
// from the caller's cancellation so a cancelled run never interrupts a side
// effect halfway; only the timeout stops waiting for it.
type boundedTool struct {
	inner   domain.Tool
	timeout time.Duration
	logger  *slog.Logger
}

// WithTimeout bounds every Execute call of t. The result is always a ToolResult:
// a panic, a returned error or an elapsed deadline are normalized.
func WithTimeout(t domain.Tool, timeout time.Duration, logger *slog.Logger) domain.Tool {
	return &boundedTool{inner: t, timeout: timeout, logger: logger}
}

func (b *boundedTool) Name() string              { return b.inner.Name() }
func (b *boundedTool) Description() string       { return b.inner.Description() }
func (b *boundedTool) Schema() domain.ToolSchema { return b.inner.Schema() }

type execOutcome struct {
	result *domain.ToolResult
	err    error
}

func (b *boundedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("tool panicked", "tool", b.inner.Name(), "panic", r)
				done <- execOutcome{result: domain.FailedResult(domain.ToolErrExecution, fmt.Sprintf("tool panicked: %v", r), false)}
			}
		}()
		res, err := b.inner.Execute(execCtx, params)
		done <- execOutcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		return normalize(out.result, out.err), nil
	case <-execCtx.Done():
		b.logger.Warn("tool timed out", "tool", b.inner.Name(), "timeout", b.timeout)
		return domain.FailedResult(domain.ToolErrTimeout,
			fmt.Sprintf("%s timed out after %s", b.inner.Name(), b.timeout), true), nil
	}
}

func normalize(res *domain.ToolResult, err error) *domain.ToolResult {
	if err != nil {
		kind, retryable := classifyToolError(err)
		return domain.FailedResult(kind, err.Error(), retryable)
	}
	if res == nil {
		return domain.FailedResult(domain.ToolErrExecution, "tool returned no result", false)
	}
	if !res.Success && res.Error == nil {
		res.Error = &domain.ToolError{Kind: domain.ToolErrExecution, Message: "tool reported failure"}
	}
	return res
}
