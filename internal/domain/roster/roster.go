package roster

import (
	"sync"

	"github.com/arieshq/aries/internal/domain/entity"
)

// Role is one specialist in the fixed catalog.
type Role struct {
	ID       string
	Name     string
	Icon     string
	Keywords []string
	Prompt   string
	Tools    []string // nil = all tools
}

// StatusKind is a role's execution state.
type StatusKind string

const (
	StatusIdle     StatusKind = "idle"
	StatusWorking  StatusKind = "working"
	StatusRetrying StatusKind = "retrying"
)

// Status is a read-only snapshot of one role's state.
type Status struct {
	Kind    StatusKind `json:"status"`
	Summary string     `json:"summary,omitempty"`
}

const workingSummaryMax = 50

// FallbackRoleID receives subtasks no keyword matched.
const FallbackRoleID = "researcher"

// Roster owns the role catalog and each role's live status. Catalog order
// doubles as tie-break priority during allocation.
type Roster struct {
	mu     sync.RWMutex
	roles  []Role
	byID   map[string]int
	status map[string]*Status
}

// New builds the default roster.
func New() *Roster {
	r := &Roster{
		roles:  catalog(),
		byID:   make(map[string]int),
		status: make(map[string]*Status),
	}
	for i, role := range r.roles {
		r.byID[role.ID] = i
		r.status[role.ID] = &Status{Kind: StatusIdle}
	}
	return r
}

// Roles returns the catalog in priority order.
func (r *Roster) Roles() []Role {
	out := make([]Role, len(r.roles))
	copy(out, r.roles)
	return out
}

// Get returns a role by id.
func (r *Roster) Get(id string) (Role, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return Role{}, false
	}
	return r.roles[idx], true
}

// SetWorking marks a role busy with a short task summary.
func (r *Roster) SetWorking(id, summary string) {
	if runes := []rune(summary); len(runes) > workingSummaryMax {
		summary = string(runes[:workingSummaryMax])
	}
	r.setStatus(id, StatusWorking, summary)
}

// SetRetrying marks a role as retrying its current task.
func (r *Roster) SetRetrying(id string) {
	r.setStatus(id, StatusRetrying, "")
}

// SetIdle returns a role to idle.
func (r *Roster) SetIdle(id string) {
	r.setStatus(id, StatusIdle, "")
}

// ResetAll returns every role to idle. Called at run end.
func (r *Roster) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.status {
		s.Kind = StatusIdle
		s.Summary = ""
	}
}

// Snapshot returns a copy of all role statuses.
func (r *Roster) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.status))
	for id, s := range r.status {
		out[id] = *s
	}
	return out
}

func (r *Roster) setStatus(id string, kind StatusKind, summary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.status[id]; ok {
		s.Kind = kind
		s.Summary = summary
	}
}

// toolSet converts a role's tool list to the allocation form. A nil list
// stays nil, which Allocation treats as "all tools".
func toolSet(names []string) map[string]struct{} {
	if names == nil {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// RoleAssignments renders allocations into event form.
func RoleAssignments(allocs []entity.Allocation) []entity.RoleAssignment {
	out := make([]entity.RoleAssignment, len(allocs))
	for i, a := range allocs {
		out[i] = entity.RoleAssignment{
			Index:    a.Subtask.Index,
			Subtask:  a.Subtask.Text,
			RoleID:   a.RoleID,
			RoleName: a.RoleName,
		}
	}
	return out
}

// catalog defines the fixed role set. Order is allocation priority.
func catalog() []Role {
	return []Role{
		{
			ID: "commander", Name: "Commander", Icon: "⭐",
			Keywords: []string{"coordinate", "plan", "strategy", "organize", "prioritize", "lead", "oversee", "delegate", "decide"},
			Prompt:   "You are the swarm commander. You coordinate specialists, set priorities, and make the final call when plans conflict. Be decisive, structure your answer as a plan of action.",
		},
		{
			ID: "coder", Name: "Coder", Icon: "💻",
			Keywords: []string{"code", "implement", "program", "function", "api", "script", "develop", "refactor", "library", "compile", "build"},
			Prompt:   "You are a senior software engineer. You write correct, idiomatic code and explain the key decisions briefly. Prefer working examples over prose.",
		},
		{
			ID: "researcher", Name: "Researcher", Icon: "🔍",
			Keywords: []string{"research", "find", "search", "investigate", "gather", "source", "study", "explore", "discover", "survey"},
			Prompt:   "You are a meticulous researcher. You gather facts, cite where a claim comes from when possible, and clearly separate evidence from inference.",
		},
		{
			ID: "analyst", Name: "Analyst", Icon: "📊",
			Keywords: []string{"analyze", "analysis", "data", "metric", "evaluate", "compare", "statistic", "trend", "measure", "assess"},
			Prompt:   "You are a data analyst. You quantify, compare, and draw conclusions from data. State assumptions explicitly and flag weak evidence.",
		},
		{
			ID: "creative", Name: "Creative", Icon: "🎨",
			Keywords: []string{"design", "create", "invent", "story", "brainstorm", "imagine", "draft", "name", "slogan", "concept"},
			Prompt:   "You are a creative director. You produce original ideas, names, and narratives. Offer several options and say which one you would pick.",
			Tools:    []string{"current_time"},
		},
		{
			ID: "scout", Name: "Scout", Icon: "📡",
			Keywords: []string{"monitor", "watch", "track", "observe", "scan", "detect", "alert", "survey", "report"},
			Prompt:   "You are a scout. You observe, track changes, and report what is new or unusual. Be brief and factual.",
		},
		{
			ID: "executor", Name: "Executor", Icon: "⚙️",
			Keywords: []string{"execute", "run", "perform", "apply", "complete", "carry", "finish", "deliver"},
			Prompt:   "You are an executor. You turn instructions into concrete, ordered steps and carry them through. Report each step's outcome.",
		},
		{
			ID: "security", Name: "Security", Icon: "🛡️",
			Keywords: []string{"security", "vulnerability", "exploit", "encrypt", "audit", "threat", "attack", "auth", "permission", "harden"},
			Prompt:   "You are a security engineer. You think in threat models, least privilege, and failure modes. Point out risks before solutions.",
		},
		{
			ID: "trader", Name: "Trader", Icon: "📈",
			Keywords: []string{"trade", "market", "price", "stock", "crypto", "portfolio", "buy", "sell", "exchange", "asset"},
			Prompt:   "You are a markets specialist. You reason about prices, risk, and positioning. Always state the uncertainty around any call.",
		},
		{
			ID: "debugger", Name: "Debugger", Icon: "🐞",
			Keywords: []string{"debug", "fix", "error", "crash", "trace", "reproduce", "diagnose", "troubleshoot", "fault", "regression"},
			Prompt:   "You are a debugger. You isolate faults by forming hypotheses and eliminating them one at a time. Show your elimination chain.",
		},
		{
			ID: "architect", Name: "Architect", Icon: "🏛️",
			Keywords: []string{"architecture", "structure", "schema", "interface", "module", "dependency", "scalable", "system", "design doc"},
			Prompt:   "You are a systems architect. You shape components, boundaries, and contracts. Name the trade-offs of every structure you propose.",
		},
		{
			ID: "optimizer", Name: "Optimizer", Icon: "⚡",
			Keywords: []string{"optimize", "performance", "speed", "latency", "memory", "efficient", "profile", "benchmark", "throughput", "cost"},
			Prompt:   "You are a performance engineer. You find the bottleneck before proposing a fix and estimate the win of each change.",
		},
		{
			ID: "navigator", Name: "Navigator", Icon: "🧭",
			Keywords: []string{"route", "path", "map", "location", "geo", "distance", "navigate", "itinerary", "travel", "schedule"},
			Prompt:   "You are a navigator. You plan routes, schedules, and logistics with concrete times and distances.",
		},
		{
			ID: "scribe", Name: "Scribe", Icon: "✍️",
			Keywords: []string{"document", "summarize", "notes", "transcribe", "outline", "record", "format", "write up", "minutes"},
			Prompt:   "You are a scribe. You condense material into clear, well-structured documents. Keep the original meaning intact.",
			Tools:    []string{"current_time"},
		},
	}
}
