package model

import "time"

// RunStatus represents the current state of a convergence run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusConverged RunStatus = "converged"
	RunStatusExhausted RunStatus = "exhausted"
	RunStatusFailed    RunStatus = "failed"
)

// TaskState is the derived state of an (entity, field group) enrichment task. Tasks are
// never queued; pending tasks are re-derived from store state on every cycle.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskDone       TaskState = "done"
	TaskFailed     TaskState = "failed"
	TaskSkipped    TaskState = "skipped"
)

// RunSummary is the persisted outcome of a convergence run.
type RunSummary struct {
	Processed int64 `json:"processed"`
	Updated   int64 `json:"updated"`
	Unchanged int64 `json:"unchanged"`
	Skipped   int64 `json:"skipped"`
	Errored   int64 `json:"errored"`
	NoMatch   int64 `json:"no_match"`
	Cycles    int   `json:"cycles"`
	APICalls  int64 `json:"api_calls"`
}

// Run is a persisted convergence run record.
type Run struct {
	ID          string       `json:"id"`
	Groups      []FieldGroup `json:"groups"`
	Status      RunStatus    `json:"status"`
	Summary     *RunSummary  `json:"summary,omitempty"`
	Error       string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}
