package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by every subsystem. Use with NewSubSystemError when a
// subsystem needs its own monitoring code.
var (
	ErrNotFound          = fmt.Errorf("not found")
	ErrDuplicate         = fmt.Errorf("duplicate")
	ErrTimeout           = fmt.Errorf("operation timed out")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
	ErrProviderError     = fmt.Errorf("provider error")
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrCircuitOpen       = fmt.Errorf("circuit breaker open")
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrForbidden         = fmt.Errorf("forbidden")
)

// Monitoring-runtime sentinels.
var (
	// ErrValidation marks tool params that fail the declared schema. Fails only the decision.
	ErrValidation = fmt.Errorf("validation failed")
	// ErrToolNotFound marks a decision naming an unregistered tool. Fails only the decision.
	ErrToolNotFound = fmt.Errorf("tool not found")
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = fmt.Errorf("tool already registered")
	// ErrToolExecution marks an external failure or timeout while executing a tool.
	ErrToolExecution = fmt.Errorf("tool execution failed")
	// ErrObservation marks a data fetch failure during observe. The run continues degraded.
	ErrObservation = fmt.Errorf("observation failed")
	// ErrReasoning marks an unavailable decision engine or a malformed decision set. Fatal to the run.
	ErrReasoning = fmt.Errorf("reasoning failed")
	// ErrQueueConflict marks an operation on a queued action that lost a case-key race.
	ErrQueueConflict = fmt.Errorf("queue conflict")
	// ErrCancelled marks a run stopped by context cancellation between stages.
	ErrCancelled = fmt.Errorf("cancelled")

	ErrAuditWrite        = fmt.Errorf("audit log write failed")
	ErrDecryption        = fmt.Errorf("decryption failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Register")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "queue", "agent"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrProviderError)
}

// ErrorCode is a machine-parseable error category for monitoring and API responses.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeValidation        ErrorCode = "VALIDATION"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeDuplicateTool     ErrorCode = "DUPLICATE_TOOL"
	CodeToolExecution     ErrorCode = "TOOL_EXECUTION"
	CodeObservation       ErrorCode = "OBSERVATION"
	CodeReasoning         ErrorCode = "REASONING"
	CodeQueueConflict     ErrorCode = "QUEUE_CONFLICT"
	CodeCancelled         ErrorCode = "CANCELLED"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate ErrorCode = "AGENT_DUPLICATE"
	CodeActionNotFound ErrorCode = "ACTION_NOT_FOUND"

	// Category error codes, used when no more specific code matches.
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	CodeProviderError     ErrorCode = "PROVIDER_ERROR"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeForbidden         ErrorCode = "FORBIDDEN"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrTimeout:           CodeTimeout,
	ErrInvalidInput:      CodeInvalidInput,
	ErrInvalidTransition: CodeInvalidTransition,
	ErrProviderError:     CodeProviderError,
	ErrRateLimit:         CodeRateLimit,
	ErrCircuitOpen:       CodeCircuitOpen,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrForbidden:         CodeForbidden,

	ErrValidation:        CodeValidation,
	ErrToolNotFound:      CodeToolNotFound,
	ErrDuplicateTool:     CodeDuplicateTool,
	ErrToolExecution:     CodeToolExecution,
	ErrObservation:       CodeObservation,
	ErrReasoning:         CodeReasoning,
	ErrQueueConflict:     CodeQueueConflict,
	ErrCancelled:         CodeCancelled,
	ErrAuditWrite:        CodeAuditWrite,
	ErrDecryption:        CodeDecryption,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
		"queue": CodeActionNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// ErrGatewayAuthFailed wraps ErrAuthInvalid, so check it before the generic walk.
	if errors.Is(err, ErrGatewayAuthFailed) {
		return CodeGatewayAuth
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
