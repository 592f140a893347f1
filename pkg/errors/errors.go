package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures across the fabric.
type ErrorCode string

const (
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeInternal      ErrorCode = "INTERNAL_ERROR"
	CodeTransport     ErrorCode = "TRANSPORT_ERROR"
	CodeUpstream      ErrorCode = "UPSTREAM_ERROR"
	CodeAuth          ErrorCode = "AUTH_ERROR"
	CodeRateLimit     ErrorCode = "RATE_LIMIT_ERROR"
	CodeNoIdleWorker  ErrorCode = "NO_IDLE_WORKER"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeSubmit        ErrorCode = "SUBMIT_ERROR"
	CodePoll          ErrorCode = "POLL_ERROR"
	CodeDecomposition ErrorCode = "DECOMPOSITION_ERROR"
	CodeAggregation   ErrorCode = "AGGREGATION_ERROR"
	CodeSwarm         ErrorCode = "SWARM_ERROR"
)

// AppError is the error type every component returns across package
// boundaries. Status carries the upstream HTTP status for CodeUpstream and is
// zero otherwise.
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewTransportError reports a network, IO, or timeout failure reaching an
// upstream.
func NewTransportError(message string) *AppError {
	return &AppError{Code: CodeTransport, Message: message}
}

// NewTransportErrorWithCause wraps an underlying transport failure.
func NewTransportErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeTransport, Message: message, Err: cause}
}

// NewUpstreamError reports a non-2xx response from an LLM provider or relay.
// The excerpt is a short slice of the response body kept for diagnostics.
func NewUpstreamError(status int, excerpt string) *AppError {
	return &AppError{
		Code:    CodeUpstream,
		Message: fmt.Sprintf("upstream returned %d: %s", status, excerpt),
		Status:  status,
	}
}

// NewAuthError reports a gateway-level authentication failure.
func NewAuthError(message string) *AppError {
	return &AppError{Code: CodeAuth, Message: message}
}

// NewRateLimitError reports gateway queue or concurrency saturation.
func NewRateLimitError(message string) *AppError {
	return &AppError{Code: CodeRateLimit, Message: message}
}

// NewNoIdleWorkerError reports that the coordinator has no worker to
// dispatch to.
func NewNoIdleWorkerError() *AppError {
	return &AppError{Code: CodeNoIdleWorker, Message: "no idle remote worker"}
}

// NewSubmitError reports a malformed or rejected relay submission.
func NewSubmitError(message string, cause error) *AppError {
	return &AppError{Code: CodeSubmit, Message: message, Err: cause}
}

// NewPollError reports a malformed relay poll exchange.
func NewPollError(message string, cause error) *AppError {
	return &AppError{Code: CodePoll, Message: message, Err: cause}
}

// NewNotFoundError reports a lookup miss for a stored entity.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// NewDecompositionError reports an LLM failure while splitting a task.
func NewDecompositionError(message string, cause error) *AppError {
	return &AppError{Code: CodeDecomposition, Message: message, Err: cause}
}

// NewAggregationError reports an LLM failure while synthesizing results.
func NewAggregationError(message string, cause error) *AppError {
	return &AppError{Code: CodeAggregation, Message: message, Err: cause}
}

// NewSwarmError reports a terminal swarm failure.
func NewSwarmError(message string) *AppError {
	return &AppError{Code: CodeSwarm, Message: message}
}

// NewInvalidInputError reports a malformed caller request.
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewInternalError reports an unexpected internal failure.
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalErrorWithCause wraps an unexpected internal failure.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// AsApp extracts the AppError from an error chain.
func AsApp(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	if appErr, ok := AsApp(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNoIdleWorker reports whether err means no remote worker was available.
func IsNoIdleWorker(err error) bool {
	return IsCode(err, CodeNoIdleWorker)
}

// IsTransport reports whether err is a transport-level failure.
func IsTransport(err error) bool {
	return IsCode(err, CodeTransport)
}

// UpstreamStatus returns the HTTP status carried by an upstream error, or 0.
func UpstreamStatus(err error) int {
	if appErr, ok := AsApp(err); ok && appErr.Code == CodeUpstream {
		return appErr.Status
	}
	return 0
}
