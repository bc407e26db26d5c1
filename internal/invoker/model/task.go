package model

import (
	"github.com/google/uuid"
)

// Submission is one piece of submitted work.
type Submission struct {
	ID          uint32 `json:"id"`
	ToolchainID string `json:"toolchain_id"`
	// SourcePath is the host file holding the submitted source.
	SourcePath string `json:"source_path"`
	// IsolationKey names the isolation root. It must be unique among
	// concurrent builds; when empty the root is named after ID.
	IsolationKey string `json:"isolation_key,omitempty"`
}

// InvokeTask is one unit of work handed to the controller.
type InvokeTask struct {
	Revision      uint32    `json:"revision"`
	ToolchainID   string    `json:"toolchain_id"`
	ProblemID     string    `json:"problem_id"`
	InvocationID  uuid.UUID `json:"invocation_id"`
	RunDir        string    `json:"run_dir"`
	InvocationDir string    `json:"invocation_dir"`
}

// InvocationFinishReason tags the terminal outcome of an invocation.
type InvocationFinishReason string

const (
	FinishCompileError InvocationFinishReason = "CompileError"
	FinishFault        InvocationFinishReason = "Fault"
	FinishJudgeDone    InvocationFinishReason = "JudgeDone"
)

// FinishReasonFor maps a build status to the reason reported upstream.
func FinishReasonFor(status Status) InvocationFinishReason {
	if status.Kind == StatusCompilationError {
		return FinishCompileError
	}
	return FinishJudgeDone
}

// LiveStatusUpdate is a best-effort progress record.
type LiveStatusUpdate struct {
	Score       *int32  `json:"score,omitempty"`
	CurrentTest *uint32 `json:"current_test,omitempty"`
	Stage       string  `json:"stage,omitempty"`
}

// InvokeOutcomeHeader summarizes a finished invocation.
type InvokeOutcomeHeader struct {
	Score  *uint32 `json:"score,omitempty"`
	Status *Status `json:"status,omitempty"`
}
