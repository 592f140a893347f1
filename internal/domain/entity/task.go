package entity

import "time"

// Subtask is an atomic piece of work carved out of the user task by the
// decomposer. Index is its ordinal position in the parent task.
type Subtask struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Allocation binds a subtask to a role, the role's system prompt, and its
// permitted tool set. A nil Tools map is the "all tools" sentinel.
type Allocation struct {
	Subtask      Subtask
	RoleID       string
	RoleName     string
	SystemPrompt string
	Tools        map[string]struct{}
}

// PermitsTool reports whether the allocation's role may invoke the tool.
func (a *Allocation) PermitsTool(name string) bool {
	if a.Tools == nil {
		return true
	}
	_, ok := a.Tools[name]
	return ok
}

// WorkerResult is the terminal outcome of exactly one subtask. Every subtask
// of a run produces exactly one, even on timeout.
type WorkerResult struct {
	WorkerID string        `json:"workerId"`
	Subtask  Subtask       `json:"subtask"`
	RoleID   string        `json:"roleId"`
	OK       bool          `json:"ok"`
	Content  string        `json:"content,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// RunStats summarizes one swarm run.
type RunStats struct {
	TotalTasks    int           `json:"totalTasks"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Killed        int           `json:"killed"`
	TotalTime     time.Duration `json:"totalTime"`
	Tokens        int           `json:"tokens"`
	RemoteWorkers int           `json:"remoteWorkers"`
}
