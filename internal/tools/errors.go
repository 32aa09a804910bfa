// internal/tools/errors.go
package tools

import (
	"context"
	"errors"
	"strings"
)

// ErrorCode is a string type used for structured error reporting from tool
// handlers. Codes travel back to the decision service inside the step record.
type ErrorCode string

const (
	// -- General Execution Errors --
	ErrCodeExecutionFailure  ErrorCode = "EXECUTION_FAILURE"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeUnknownTool       ErrorCode = "UNKNOWN_TOOL"
	ErrCodeExecutorPanic     ErrorCode = "EXECUTOR_PANIC"

	// -- Browser Errors --
	ErrCodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError    ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError ErrorCode = "NAVIGATION_ERROR"
	ErrCodeNotInteractable ErrorCode = "ELEMENT_NOT_INTERACTABLE"

	// -- Human Input Errors --
	ErrCodeInputTimeout     ErrorCode = "INPUT_TIMEOUT"
	ErrCodeInputUnavailable ErrorCode = "INPUT_UNAVAILABLE"

	// -- Extraction Errors --
	ErrCodeExtractionFailed ErrorCode = "EXTRACTION_FAILED"
)

// ParseDriverError classifies an automation driver error with a heuristic
// over its message.
func ParseDriverError(err error) (ErrorCode, string) {
	if err == nil {
		return "", ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return ErrCodeTimeoutError, msg
	case strings.Contains(lower, "selector") || strings.Contains(lower, "no element found") || strings.Contains(lower, "not found"):
		return ErrCodeElementNotFound, msg
	case strings.Contains(lower, "not interactable") || strings.Contains(lower, "zero size") || strings.Contains(lower, "not visible"):
		return ErrCodeNotInteractable, msg
	case strings.Contains(msg, "net::ERR") || strings.Contains(lower, "navigation"):
		return ErrCodeNavigationError, msg
	default:
		return ErrCodeExecutionFailure, msg
	}
}
