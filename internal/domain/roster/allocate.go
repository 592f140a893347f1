package roster

import (
	"strings"

	"github.com/arieshq/aries/internal/domain/entity"
)

// Allocate binds each subtask to the role whose keywords occur most often
// in it. Scoring counts occurrences, not just presence, so "research the
// research methods" weighs researcher twice. Ties keep the earlier role in
// catalog order; an all-zero score falls back to the researcher.
func (r *Roster) Allocate(subtasks []entity.Subtask) []entity.Allocation {
	allocs := make([]entity.Allocation, len(subtasks))
	for i, st := range subtasks {
		role := r.pick(st.Text)
		allocs[i] = entity.Allocation{
			Subtask:      st,
			RoleID:       role.ID,
			RoleName:     role.Name,
			SystemPrompt: role.Prompt,
			Tools:        toolSet(role.Tools),
		}
	}
	return allocs
}

func (r *Roster) pick(subtask string) Role {
	lower := strings.ToLower(subtask)

	best := -1
	bestScore := 0
	for i, role := range r.roles {
		score := 0
		for _, kw := range role.Keywords {
			score += strings.Count(lower, strings.ToLower(kw))
		}
		if score > bestScore {
			best = i
			bestScore = score
		}
	}

	if best < 0 {
		fallback, _ := r.Get(FallbackRoleID)
		return fallback
	}
	return r.roles[best]
}
