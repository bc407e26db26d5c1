package model

// StatusKind is the category of a terminal status.
type StatusKind string

const (
	StatusNotSet           StatusKind = "NotSet"
	StatusCompilationError StatusKind = "CompilationError"
	StatusAccepted         StatusKind = "Accepted"
	StatusRejected         StatusKind = "Rejected"
	StatusInternalError    StatusKind = "InternalError"
)

// Status codes produced by the build driver.
const (
	CodeBuilt               = "BUILT"
	CodeCompilerFailed      = "COMPILER_FAILED"
	CodeCompilationTimedOut = "COMPILATION_TIMED_OUT"
	CodeUnknownToolchain    = "UNKNOWN_TOOLCHAIN"
)

// Status is the outcome of one build attempt.
type Status struct {
	Kind StatusKind `json:"kind"`
	Code string     `json:"code"`
}

// Built is the success status. It does not claim the submission is correct.
func Built() Status {
	return Status{Kind: StatusNotSet, Code: CodeBuilt}
}

func CompilationError(code string) Status {
	return Status{Kind: StatusCompilationError, Code: code}
}
