package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Configuration errors fail fast at setup, never at runtime.
	CodeInvalidConfig Code = "INVALID_CONFIG"

	// Workflow errors are expected business conditions.
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeNotPending    Code = "NOT_PENDING"
	CodeAgentStopped  Code = "AGENT_STOPPED"
	CodeNotFound      Code = "NOT_FOUND"

	// Routing errors are recorded to command status and audit, never thrown
	// past the router boundary.
	CodeUnknownRoute         Code = "UNKNOWN_ROUTE"
	CodeCommandNotRegistered Code = "COMMAND_NOT_REGISTERED"
	CodeInvalidTransform     Code = "INVALID_TRANSFORM"
	CodeMaxAttemptsExceeded  Code = "MAX_ATTEMPTS_EXCEEDED"

	// Rate/analysis errors. The retryable subset drives pattern-executor
	// fallback; the permanent subset must surface to operators.
	CodeLLMRateLimited Code = "LLM_RATE_LIMITED"
	CodeLLMUnavailable Code = "LLM_UNAVAILABLE"
	CodeLLMTimeout     Code = "LLM_TIMEOUT"
	CodeLLMAuthFailed  Code = "LLM_AUTH_FAILED"
	CodeQueueOverflow  Code = "QUEUE_OVERFLOW"
	CodeBudgetExceeded Code = "BUDGET_EXCEEDED"
)

// GRPCCode maps a domain code to the closest gRPC status code.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidConfig:
		return codes.InvalidArgument
	case CodeAlreadyExists:
		return codes.AlreadyExists
	case CodeNotPending, CodeAgentStopped:
		return codes.FailedPrecondition
	case CodeNotFound, CodeUnknownRoute, CodeCommandNotRegistered:
		return codes.NotFound
	case CodeInvalidTransform:
		return codes.Internal
	case CodeLLMRateLimited, CodeQueueOverflow:
		return codes.ResourceExhausted
	case CodeLLMUnavailable:
		return codes.Unavailable
	case CodeLLMTimeout:
		return codes.DeadlineExceeded
	case CodeLLMAuthFailed:
		return codes.Unauthenticated
	case CodeBudgetExceeded, CodeMaxAttemptsExceeded:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}
