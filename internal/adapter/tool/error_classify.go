package tool

import (
	"context"
	"errors"
	"strings"

	"propwatch/internal/domain"
)

// retryablePatterns are substrings in error messages that indicate transient failures.
// Checked case-insensitively.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"unavailable",
}

// classifyToolError maps a handler error to a ToolResult error kind and reports
// whether the failure is transient.
func classifyToolError(err error) (domain.ToolErrorKind, bool) {
	if err == nil {
		return domain.ToolErrExecution, false
	}

	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidInput):
		return domain.ToolErrValidation, false
	case errors.Is(err, domain.ErrNotFound):
		return domain.ToolErrNotFound, false
	case errors.Is(err, domain.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.ToolErrTimeout, true
	case errors.Is(err, domain.ErrRateLimit):
		return domain.ToolErrRateLimited, true
	case errors.Is(err, domain.ErrProviderError):
		return domain.ToolErrUnavailable, true
	}

	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return domain.ToolErrUnavailable, true
		}
	}

	return domain.ToolErrExecution, false
}
