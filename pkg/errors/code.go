package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 17000-17099: Sandbox execution errors
// 17100-17199: Sandbox registry and admission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Sandbox Errors (17000-17199) ==========

	// Execution failures (17000-17099)
	SandboxStartFailed     ErrorCode = 17000
	SandboxStopFailed      ErrorCode = 17001
	SandboxTimeout         ErrorCode = 17002
	SandboxResourceLimit   ErrorCode = 17003
	SandboxExecutionFailed ErrorCode = 17004
	SandboxSerialization   ErrorCode = 17005
	SandboxCommunication   ErrorCode = 17006

	// Registry and admission (17100-17199)
	SandboxNotFound        ErrorCode = 17100
	SandboxTypeUnsupported ErrorCode = 17101
	SandboxManagerClosed   ErrorCode = 17102
)

// errorMessages maps error codes to their default messages
var errorMessages = map[ErrorCode]string{
	// System
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	TooManyRequests:     "Too many requests",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Sandbox execution
	SandboxStartFailed:     "Sandbox failed to start",
	SandboxStopFailed:      "Sandbox failed to stop",
	SandboxTimeout:         "Sandbox execution timed out",
	SandboxResourceLimit:   "Sandbox resource limit exceeded",
	SandboxExecutionFailed: "Skill execution failed",
	SandboxSerialization:   "Payload serialization failed",
	SandboxCommunication:   "Sandbox communication failed",

	// Sandbox registry
	SandboxNotFound:        "Sandbox not found",
	SandboxTypeUnsupported: "Sandbox type is not supported",
	SandboxManagerClosed:   "Sandbox manager is shut down",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SandboxNotFound:
		return 404
	case c == TooManyRequests, c == SandboxResourceLimit:
		return 429
	case c == ServiceUnavailable, c == SandboxManagerClosed:
		return 503
	case c == Timeout, c == SandboxTimeout:
		return 504
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == SandboxTypeUnsupported, c == SandboxSerialization:
		return 400
	case c == SandboxExecutionFailed:
		return 422
	default:
		return 500
	}
}
