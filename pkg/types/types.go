package types

import "time"

// RunStatus is the lifecycle state of a single execution.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is one execution of a job definition.
type Run struct {
	RunID      string     `json:"run_id"`
	JobID      string     `json:"job_id"`
	Status     RunStatus  `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
