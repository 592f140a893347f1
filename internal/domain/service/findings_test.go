package service

import (
	"strings"
	"testing"
)

// === Findings Tests ===

func TestFindings_PublishRender(t *testing.T) {
	f := NewFindings()

	f.Publish("coder", 0, "implemented the parser")
	f.Publish("researcher", 1, "found three prior designs")

	out := f.Render()
	want := "- [coder] implemented the parser\n- [researcher] found three prior designs"
	if out != want {
		t.Fatalf("unexpected render:\n%q\nwant:\n%q", out, want)
	}
	if f.Len() != 2 {
		t.Fatalf("expected 2 findings, got %d", f.Len())
	}
}

func TestFindings_EmptyRender(t *testing.T) {
	f := NewFindings()
	if out := f.Render(); out != "" {
		t.Fatalf("empty store should render empty, got %q", out)
	}
}

func TestFindings_BlankContentIgnored(t *testing.T) {
	f := NewFindings()
	f.Publish("coder", 0, "   \n\t")
	if f.Len() != 0 {
		t.Fatalf("blank content should not be stored, got %d entries", f.Len())
	}
}

func TestFindings_SummaryTruncated(t *testing.T) {
	f := NewFindings()
	f.Publish("coder", 0, strings.Repeat("x", 600))

	out := f.Render()
	// "- [coder] " prefix plus the 500-rune summary.
	if len(out) != len("- [coder] ")+500 {
		t.Fatalf("expected 500-rune summary, render length %d", len(out))
	}
}

func TestFindings_RepublishKeepsOrder(t *testing.T) {
	f := NewFindings()
	f.Publish("coder", 0, "first version")
	f.Publish("analyst", 1, "numbers crunched")
	f.Publish("coder", 0, "second version")

	out := f.Render()
	lines := strings.Split(out, "\n")
	if len(lines) != 2 {
		t.Fatalf("republish should not duplicate, got %d lines", len(lines))
	}
	if lines[0] != "- [coder] second version" {
		t.Fatalf("republish should update in place, got %q", lines[0])
	}
	if lines[1] != "- [analyst] numbers crunched" {
		t.Fatalf("order disturbed: %q", lines[1])
	}
}

func TestFindings_SameRoleDifferentSubtasks(t *testing.T) {
	f := NewFindings()
	f.Publish("coder", 0, "part one")
	f.Publish("coder", 1, "part two")

	if f.Len() != 2 {
		t.Fatalf("distinct subtasks should store separately, got %d", f.Len())
	}
}
