package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"propwatch/internal/domain"
	"propwatch/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse params -> start trace -> run handler -> format result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (any Go value, nil): the value is JSON-marshaled into a success ToolResult
//   - (*domain.ToolResult, nil): returned as-is
//   - (nil, error): classified into an error kind and turned into a failed ToolResult
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	if len(rawParams) == 0 {
		rawParams = json.RawMessage(`{}`)
	}
	var p P
	if err := json.Unmarshal(rawParams, &p); err != nil {
		tracer.RecordError(span, err)
		return domain.FailedResult(domain.ToolErrValidation, fmt.Sprintf("invalid params: %v", err), false), nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)

		kind, retryable := classifyToolError(err)
		return domain.FailedResult(kind, err.Error(), retryable), nil
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if !v.Success && v.Error != nil {
			tracer.RecordError(span, fmt.Errorf("%s", v.Error.Message))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	default:
		data, err := json.Marshal(result)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.FailedResult(domain.ToolErrExecution, fmt.Sprintf("failed to format response: %v", err), false), nil
		}
		tracer.SetOK(span)
		return domain.OKResult(data), nil
	}
}

// ParseParams unmarshals rawParams into T and returns it.
// On failure it returns a validation ToolResult, suitable for returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if err := json.Unmarshal(rawParams, &p); err != nil {
		return p, domain.FailedResult(domain.ToolErrValidation, fmt.Sprintf("invalid params: %v", err), false)
	}
	return p, nil
}

// JSONResult marshals v into a success ToolResult.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return domain.OKResult(data), nil
}

// DecodeData unmarshals the data of a successful result.
func DecodeData[T any](res *domain.ToolResult) (T, error) {
	var out T
	if res == nil {
		return out, fmt.Errorf("nil result")
	}
	if !res.Success {
		if res.Error != nil {
			return out, fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message)
		}
		return out, fmt.Errorf("tool failed")
	}
	if err := json.Unmarshal(res.Data, &out); err != nil {
		return out, fmt.Errorf("decode tool data: %w", err)
	}
	return out, nil
}

// BadAction returns an error for an unknown action with a hint listing valid actions.
func BadAction(got string, valid ...string) error {
	return invalid("unknown action %q (want: %s)", got, joinComma(valid))
}

func joinComma(ss []string) string {
	switch len(ss) {
	case 0:
		return ""
	case 1:
		return ss[0]
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += ", " + s
	}
	return out
}
