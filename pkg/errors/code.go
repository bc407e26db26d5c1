package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 20000-20999: Configuration errors
// 21000-21999: Sandbox errors
// 22000-22999: Task source & invocation bookkeeping errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError   ErrorCode = 10100
	RecordNotFound  ErrorCode = 10101
	MalformedRecord ErrorCode = 10104

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300
	InvalidFormat    ErrorCode = 10301

	// Queue & storage errors (10400-10499)
	QueueError   ErrorCode = 10400
	StorageError ErrorCode = 10401

	// ========== Configuration Errors (20000-20999) ==========

	ConfigInvalid        ErrorCode = 20000
	InvalidListenAddress ErrorCode = 20001
	ToolchainNotFound    ErrorCode = 20002

	// ========== Sandbox Errors (21000-21999) ==========

	SandboxSetupFailed    ErrorCode = 21000
	IsolationRootFailed   ErrorCode = 21001
	DominionCreateFailed  ErrorCode = 21002
	SpawnFailed           ErrorCode = 21003
	ProcessAlreadyWaited  ErrorCode = 21004
	ProcessNotFinished    ErrorCode = 21005
	SandboxNotSupported   ErrorCode = 21006
	InvalidSandboxHandle  ErrorCode = 21007
	DominionAlreadyClosed ErrorCode = 21008

	// ========== Task Source Errors (22000-22999) ==========

	InvocationNotFound ErrorCode = 22000
	TaskDecodeFailed   ErrorCode = 22001
	OutcomeStoreFailed ErrorCode = 22002
	SourceFetchFailed  ErrorCode = 22003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:   "Database operation failed",
	RecordNotFound:  "Record not found in database",
	MalformedRecord: "Persisted record is malformed",

	// Cache
	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed: "Validation failed",
	InvalidFormat:    "Invalid format",

	// Queue & storage
	QueueError:   "Message queue operation failed",
	StorageError: "Object storage operation failed",

	// Configuration
	ConfigInvalid:        "Invalid configuration",
	InvalidListenAddress: "Invalid listen address",
	ToolchainNotFound:    "Toolchain not found",

	// Sandbox
	SandboxSetupFailed:    "Sandbox backend setup failed",
	IsolationRootFailed:   "Failed to create isolation root",
	DominionCreateFailed:  "Failed to create dominion",
	SpawnFailed:           "Failed to spawn child process",
	ProcessAlreadyWaited:  "Child process was already waited on",
	ProcessNotFinished:    "Child process has not exited",
	SandboxNotSupported:   "Sandbox is not supported on this platform",
	InvalidSandboxHandle:  "Invalid sandbox handle",
	DominionAlreadyClosed: "Dominion handle is already released",

	// Task source
	InvocationNotFound: "Invocation not found",
	TaskDecodeFailed:   "Failed to decode invoke task",
	OutcomeStoreFailed: "Failed to store outcome",
	SourceFetchFailed:  "Failed to fetch submission source",
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
	case c == NotFound, c == RecordNotFound, c == InvocationNotFound:
		return 404
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == ToolchainNotFound:
		return 400
	default:
		return 500
	}
}
