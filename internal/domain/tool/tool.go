package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Tool is one capability a worker may invoke mid-task.
type Tool interface {
	// Name returns the tool's canonical name.
	Name() string
	// Description returns one line shown to the model.
	Description() string
	// Schema returns the JSON Schema of the arguments.
	Schema() map[string]interface{}
	// Execute runs the tool.
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is a tool invocation's outcome.
type Result struct {
	Output  string
	Success bool
	Error   string
}

// Definition describes a tool to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Call is the tagged form a model uses to invoke a tool.
type Call struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Registry holds the available tools.
type Registry interface {
	Register(t Tool) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry is the default Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names are unique.
func (r *InMemoryRegistry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns a tool by name.
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns definitions sorted by name so rendered prompts are stable.
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Has reports whether a tool exists.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// callMarker prefixes a tool invocation line in model output.
const callMarker = "TOOL_CALL:"

// ParseCalls extracts tool calls from model output and returns the text
// with every marker line removed. Marker lines that fail to decode are
// stripped but produce no call.
func ParseCalls(content string) ([]Call, string) {
	var calls []Call
	var kept []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, callMarker) {
			kept = append(kept, line)
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, callMarker))
		var c Call
		if err := json.Unmarshal([]byte(payload), &c); err == nil && c.Tool != "" {
			calls = append(calls, c)
		}
	}

	return calls, strings.TrimSpace(strings.Join(kept, "\n"))
}

// RenderGuide formats the permitted tools and the call convention for
// inclusion in a worker's prompt. Empty defs yields an empty string.
func RenderGuide(defs []Definition) string {
	if len(defs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	b.WriteString("To call a tool, reply with a line of the form:\n")
	b.WriteString(`TOOL_CALL: {"tool": "<name>", "args": {...}}`)
	return b.String()
}
