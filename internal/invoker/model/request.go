package model

// SourceRef locates submitted source either on the local filesystem or in
// object storage.
type SourceRef struct {
	Path   string `json:"path,omitempty"`
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`
}

// InvokeRequest is the body of POST /exec.
type InvokeRequest struct {
	ID           string    `json:"id"`
	SubmissionID uint32    `json:"submission_id"`
	ToolchainID  string    `json:"toolchain_id"`
	ProblemID    string    `json:"problem_id"`
	Source       SourceRef `json:"source"`
}

// InvokeResponse is the success body of POST /exec.
type InvokeResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}
