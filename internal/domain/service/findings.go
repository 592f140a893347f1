package service

import (
	"fmt"
	"strings"
	"sync"
)

const findingSummaryMax = 500

// Findings is the per-run key/value store where finished workers leave
// short summaries for workers that start later. Publish and Render are
// safe for concurrent use.
type Findings struct {
	mu      sync.RWMutex
	entries map[string]string
	order   []string
}

// NewFindings creates an empty store.
func NewFindings() *Findings {
	return &Findings{entries: make(map[string]string)}
}

// Publish stores the first 500 characters of a result under the role and
// subtask it came from.
func (f *Findings) Publish(roleID string, subtaskIndex int, content string) {
	summary := strings.TrimSpace(content)
	if runes := []rune(summary); len(runes) > findingSummaryMax {
		summary = string(runes[:findingSummaryMax])
	}
	if summary == "" {
		return
	}

	key := fmt.Sprintf("%s#%d", roleID, subtaskIndex)

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[key]; !exists {
		f.order = append(f.order, key)
	}
	f.entries[key] = summary
}

// Render formats all findings in publish order, or "" when empty.
func (f *Findings) Render() string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.order) == 0 {
		return ""
	}
	var b strings.Builder
	for _, key := range f.order {
		roleID := key
		if i := strings.IndexByte(key, '#'); i >= 0 {
			roleID = key[:i]
		}
		fmt.Fprintf(&b, "- [%s] %s\n", roleID, f.entries[key])
	}
	return strings.TrimRight(b.String(), "\n")
}

// Len returns the number of stored findings.
func (f *Findings) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}
