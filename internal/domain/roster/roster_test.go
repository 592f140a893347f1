package roster

import (
	"strings"
	"testing"

	"github.com/arieshq/aries/internal/domain/entity"
)

// === Catalog Tests ===

func TestRoster_Catalog(t *testing.T) {
	r := New()

	roles := r.Roles()
	if len(roles) != 14 {
		t.Fatalf("expected 14 roles, got %d", len(roles))
	}
	if roles[0].ID != "commander" {
		t.Fatalf("expected commander first, got %q", roles[0].ID)
	}

	seen := make(map[string]bool)
	for _, role := range roles {
		if seen[role.ID] {
			t.Fatalf("duplicate role id %q", role.ID)
		}
		seen[role.ID] = true
		if role.Prompt == "" {
			t.Fatalf("role %q has no system prompt", role.ID)
		}
		if len(role.Keywords) == 0 {
			t.Fatalf("role %q has no keywords", role.ID)
		}
	}
	if !seen[FallbackRoleID] {
		t.Fatalf("fallback role %q missing from catalog", FallbackRoleID)
	}
}

func TestRoster_Get(t *testing.T) {
	r := New()

	role, ok := r.Get("coder")
	if !ok {
		t.Fatal("expected coder to exist")
	}
	if role.Name != "Coder" {
		t.Fatalf("expected name 'Coder', got %q", role.Name)
	}

	if _, ok := r.Get("janitor"); ok {
		t.Fatal("expected unknown role to be absent")
	}
}

// === Status Tests ===

func TestRoster_StatusLifecycle(t *testing.T) {
	r := New()

	r.SetWorking("coder", "implement the parser")
	snap := r.Snapshot()
	if snap["coder"].Kind != StatusWorking {
		t.Fatalf("expected working, got %s", snap["coder"].Kind)
	}
	if snap["coder"].Summary != "implement the parser" {
		t.Fatalf("unexpected summary %q", snap["coder"].Summary)
	}

	r.SetRetrying("coder")
	if kind := r.Snapshot()["coder"].Kind; kind != StatusRetrying {
		t.Fatalf("expected retrying, got %s", kind)
	}

	r.SetIdle("coder")
	if kind := r.Snapshot()["coder"].Kind; kind != StatusIdle {
		t.Fatalf("expected idle, got %s", kind)
	}
}

func TestRoster_WorkingSummaryTruncated(t *testing.T) {
	r := New()

	long := strings.Repeat("x", 80)
	r.SetWorking("scout", long)

	summary := r.Snapshot()["scout"].Summary
	if len([]rune(summary)) != workingSummaryMax {
		t.Fatalf("expected summary capped at %d runes, got %d", workingSummaryMax, len([]rune(summary)))
	}
}

func TestRoster_ResetAll(t *testing.T) {
	r := New()

	r.SetWorking("coder", "a")
	r.SetWorking("analyst", "b")
	r.ResetAll()

	for id, s := range r.Snapshot() {
		if s.Kind != StatusIdle || s.Summary != "" {
			t.Fatalf("role %q not reset: %+v", id, s)
		}
	}
}

func TestRoster_SetStatusUnknownRole(t *testing.T) {
	r := New()

	// Must not panic or invent a new entry.
	r.SetWorking("ghost", "nothing")
	if _, ok := r.Snapshot()["ghost"]; ok {
		t.Fatal("unknown role should not appear in snapshot")
	}
}

// === Allocation Tests ===

func TestAllocate_KeywordMatch(t *testing.T) {
	r := New()

	allocs := r.Allocate([]entity.Subtask{
		{Index: 0, Text: "Implement a parsing function for the config file"},
		{Index: 1, Text: "Research prior art on rate limiting"},
		{Index: 2, Text: "Audit the auth flow for vulnerabilities"},
	})

	want := []string{"coder", "researcher", "security"}
	for i, alloc := range allocs {
		if alloc.RoleID != want[i] {
			t.Fatalf("subtask %d: expected %s, got %s", i, want[i], alloc.RoleID)
		}
		if alloc.Subtask.Index != i {
			t.Fatalf("subtask %d: index not preserved, got %d", i, alloc.Subtask.Index)
		}
		if alloc.SystemPrompt == "" {
			t.Fatalf("subtask %d: allocation missing system prompt", i)
		}
	}
}

func TestAllocate_CountsOccurrences(t *testing.T) {
	r := New()

	// "research" twice outweighs "code" once even though coder sits earlier
	// in the catalog.
	allocs := r.Allocate([]entity.Subtask{
		{Index: 0, Text: "research the research methods used in this code"},
	})
	if allocs[0].RoleID != "researcher" {
		t.Fatalf("expected researcher to win on occurrence count, got %s", allocs[0].RoleID)
	}
}

func TestAllocate_TieKeepsCatalogOrder(t *testing.T) {
	r := New()

	// One coder keyword and one researcher keyword: coder precedes
	// researcher in the catalog, so coder wins the tie.
	allocs := r.Allocate([]entity.Subtask{
		{Index: 0, Text: "implement then investigate"},
	})
	if allocs[0].RoleID != "coder" {
		t.Fatalf("expected coder to win tie by catalog order, got %s", allocs[0].RoleID)
	}
}

func TestAllocate_FallbackRole(t *testing.T) {
	r := New()

	allocs := r.Allocate([]entity.Subtask{
		{Index: 0, Text: "zzz qqq nothing matches here"},
	})
	if allocs[0].RoleID != FallbackRoleID {
		t.Fatalf("expected fallback %s, got %s", FallbackRoleID, allocs[0].RoleID)
	}
}

func TestAllocate_CaseInsensitive(t *testing.T) {
	r := New()

	allocs := r.Allocate([]entity.Subtask{
		{Index: 0, Text: "DEBUG THE CRASH IN THE LOGIN HANDLER"},
	})
	if allocs[0].RoleID != "debugger" {
		t.Fatalf("expected debugger, got %s", allocs[0].RoleID)
	}
}

func TestAllocate_ToolRestriction(t *testing.T) {
	r := New()

	allocs := r.Allocate([]entity.Subtask{
		{Index: 0, Text: "brainstorm a product name and slogan"},
		{Index: 1, Text: "implement the api endpoint"},
	})

	creative := allocs[0]
	if creative.RoleID != "creative" {
		t.Fatalf("expected creative, got %s", creative.RoleID)
	}
	if !creative.PermitsTool("current_time") {
		t.Fatal("creative should keep its listed tool")
	}
	if creative.PermitsTool("web_fetch") {
		t.Fatal("creative should not be allowed unlisted tools")
	}

	coder := allocs[1]
	if coder.Tools != nil {
		t.Fatal("coder has no tool list, allocation should carry nil (all tools)")
	}
	if !coder.PermitsTool("web_fetch") {
		t.Fatal("nil tool set should permit everything")
	}
}

func TestRoleAssignments(t *testing.T) {
	r := New()

	allocs := r.Allocate([]entity.Subtask{
		{Index: 0, Text: "analyze the metrics"},
	})
	views := RoleAssignments(allocs)
	if len(views) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(views))
	}
	if views[0].RoleID != "analyst" || views[0].RoleName != "Analyst" {
		t.Fatalf("unexpected assignment: %+v", views[0])
	}
	if views[0].Subtask != "analyze the metrics" || views[0].Index != 0 {
		t.Fatalf("assignment lost subtask fields: %+v", views[0])
	}
}
