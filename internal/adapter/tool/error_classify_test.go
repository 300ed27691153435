package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"propwatch/internal/domain"
)

func TestClassifyToolError_Nil(t *testing.T) {
	if _, retryable := classifyToolError(nil); retryable {
		t.Error("expected nil error to be non-retryable")
	}
}

func TestClassifyToolError_Sentinels(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      domain.ToolErrorKind
		retryable bool
	}{
		{"ErrValidation", domain.ErrValidation, domain.ToolErrValidation, false},
		{"ErrInvalidInput", domain.ErrInvalidInput, domain.ToolErrValidation, false},
		{"ErrNotFound", domain.ErrNotFound, domain.ToolErrNotFound, false},
		{"ErrTimeout", domain.ErrTimeout, domain.ToolErrTimeout, true},
		{"DeadlineExceeded", context.DeadlineExceeded, domain.ToolErrTimeout, true},
		{"ErrRateLimit", domain.ErrRateLimit, domain.ToolErrRateLimited, true},
		{"ErrProviderError", domain.ErrProviderError, domain.ToolErrUnavailable, true},
		{"ErrInvalidTransition", domain.ErrInvalidTransition, domain.ToolErrExecution, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, retryable := classifyToolError(tt.err)
			if kind != tt.kind || retryable != tt.retryable {
				t.Errorf("got (%s, %v), want (%s, %v)", kind, retryable, tt.kind, tt.retryable)
			}
		})
	}
}

func TestClassifyToolError_Wrapped(t *testing.T) {
	wrapped := fmt.Errorf("grid feed: %w", domain.ErrTimeout)
	if kind, retryable := classifyToolError(wrapped); kind != domain.ToolErrTimeout || !retryable {
		t.Errorf("wrapped ErrTimeout classified as (%s, %v)", kind, retryable)
	}

	derr := domain.NewSubSystemError("building", "BMS.SetHVAC", domain.ErrNotFound, "R-404")
	if kind, _ := classifyToolError(derr); kind != domain.ToolErrNotFound {
		t.Errorf("SubSystemError wrapping ErrNotFound classified as %s", kind)
	}
}

func TestClassifyToolError_StringPatterns(t *testing.T) {
	retryables := []string{
		"dial tcp 127.0.0.1:25: connection refused",
		"read tcp 10.0.0.1:443: connection reset by peer",
		"dial tcp: lookup sms.local: no such host",
		"http: request timeout after 30s",
		"HTTP 503: service unavailable",
		"server busy, please try again later",
	}
	for _, msg := range retryables {
		t.Run(msg, func(t *testing.T) {
			kind, retryable := classifyToolError(errors.New(msg))
			if kind != domain.ToolErrUnavailable || !retryable {
				t.Errorf("expected %q to be unavailable and retryable, got (%s, %v)", msg, kind, retryable)
			}
		})
	}
}

func TestClassifyToolError_NonRetryableStrings(t *testing.T) {
	permanents := []string{
		"template rendering failed",
		"permission denied: /var/spool/mail",
		"",
	}
	for _, msg := range permanents {
		t.Run(msg, func(t *testing.T) {
			kind, retryable := classifyToolError(errors.New(msg))
			if kind != domain.ToolErrExecution || retryable {
				t.Errorf("expected %q to be a permanent execution failure, got (%s, %v)", msg, kind, retryable)
			}
		})
	}
}
