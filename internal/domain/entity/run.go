package entity

import "time"

// RunStatus is the lifecycle state of a persisted swarm run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Run is the durable record of one swarm execution.
type Run struct {
	ID          string     `json:"runId"`
	Task        string     `json:"task"`
	Status      RunStatus  `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Stats       RunStats   `json:"stats"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// NewRun starts a run record in the running state.
func NewRun(id, task string) *Run {
	return &Run{
		ID:        id,
		Task:      task,
		Status:    RunStatusRunning,
		CreatedAt: time.Now(),
	}
}

// Complete marks the run finished with its final answer.
func (r *Run) Complete(result string, stats RunStats) {
	now := time.Now()
	r.Status = RunStatusCompleted
	r.Result = result
	r.Stats = stats
	r.CompletedAt = &now
}

// Fail marks the run failed.
func (r *Run) Fail(reason string, stats RunStats) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.Error = reason
	r.Stats = stats
	r.CompletedAt = &now
}

// Cancel marks the run canceled by its caller.
func (r *Run) Cancel(stats RunStats) {
	now := time.Now()
	r.Status = RunStatusCanceled
	r.Stats = stats
	r.CompletedAt = &now
}
