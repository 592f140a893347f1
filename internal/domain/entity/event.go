package entity

import "time"

// SwarmEventType defines the sealed set of events emitted during a swarm run.
type SwarmEventType string

const (
	EventWorkerStart  SwarmEventType = "worker_start"
	EventWorkerDone   SwarmEventType = "worker_done"
	EventWorkerFailed SwarmEventType = "worker_failed"
	EventProgress     SwarmEventType = "progress"
	EventDecomposed   SwarmEventType = "decomposed"
	EventAllocations  SwarmEventType = "allocations"
	EventStatus       SwarmEventType = "status"
	EventComplete     SwarmEventType = "complete"
)

// SwarmEvent is a single progress event for one run. Observers (SSE
// subscribers, CLI, logs) consume these from a per-run channel.
type SwarmEvent struct {
	Type      SwarmEventType   `json:"type"`
	RunID     string           `json:"runId,omitempty"`
	Message   string           `json:"message,omitempty"`
	Subtasks  []string         `json:"subtasks,omitempty"`
	Roles     []RoleAssignment `json:"roles,omitempty"`
	Worker    *WorkerUpdate    `json:"worker,omitempty"`
	Completed int              `json:"completed,omitempty"`
	Total     int              `json:"total,omitempty"`
	Result    string           `json:"result,omitempty"`
	Stats     *RunStats        `json:"stats,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// RoleAssignment is the observable slice of an Allocation.
type RoleAssignment struct {
	Index    int    `json:"index"`
	Subtask  string `json:"subtask"`
	RoleID   string `json:"roleId"`
	RoleName string `json:"roleName"`
}

// WorkerUpdate describes a worker transition inside a run.
type WorkerUpdate struct {
	WorkerID string        `json:"workerId"`
	RoleID   string        `json:"roleId"`
	Index    int           `json:"index"`
	Route    string        `json:"route,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
}
