package tool

import (
	"context"
	"strings"
	"testing"
)

type fakeTool struct {
	name string
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake tool " + f.name }
func (f *fakeTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return &Result{Output: "ok", Success: true}, nil
}

// === Registry Tests ===

func TestRegistry_RegisterGet(t *testing.T) {
	r := NewInMemoryRegistry()

	if err := r.Register(&fakeTool{name: "alpha"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := r.Get("alpha")
	if !ok {
		t.Fatal("expected alpha to exist")
	}
	if got.Name() != "alpha" {
		t.Fatalf("expected alpha, got %q", got.Name())
	}
	if !r.Has("alpha") {
		t.Fatal("Has should report alpha")
	}
	if r.Has("beta") {
		t.Fatal("Has should not report beta")
	}
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := NewInMemoryRegistry()

	if err := r.Register(&fakeTool{name: "alpha"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(&fakeTool{name: "alpha"}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewInMemoryRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	defs := r.List()
	if len(defs) != 3 {
		t.Fatalf("expected 3 definitions, got %d", len(defs))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], d.Name)
		}
	}
}

// === ParseCalls Tests ===

func TestParseCalls_None(t *testing.T) {
	calls, text := ParseCalls("just a plain answer\nwith two lines")
	if len(calls) != 0 {
		t.Fatalf("expected no calls, got %d", len(calls))
	}
	if text != "just a plain answer\nwith two lines" {
		t.Fatalf("text should pass through unchanged, got %q", text)
	}
}

func TestParseCalls_Single(t *testing.T) {
	content := "Let me check the time.\n" +
		`TOOL_CALL: {"tool": "current_time", "args": {"timezone": "UTC"}}`

	calls, text := ParseCalls(content)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Tool != "current_time" {
		t.Fatalf("expected current_time, got %q", calls[0].Tool)
	}
	if tz, _ := calls[0].Args["timezone"].(string); tz != "UTC" {
		t.Fatalf("expected timezone arg UTC, got %v", calls[0].Args["timezone"])
	}
	if text != "Let me check the time." {
		t.Fatalf("marker line should be stripped, got %q", text)
	}
}

func TestParseCalls_Multiple(t *testing.T) {
	content := `TOOL_CALL: {"tool": "a", "args": {}}` + "\n" +
		"middle text\n" +
		`TOOL_CALL: {"tool": "b", "args": {"n": 1}}`

	calls, text := ParseCalls(content)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Tool != "a" || calls[1].Tool != "b" {
		t.Fatalf("unexpected call order: %s, %s", calls[0].Tool, calls[1].Tool)
	}
	if text != "middle text" {
		t.Fatalf("expected only middle text kept, got %q", text)
	}
}

func TestParseCalls_IndentedMarker(t *testing.T) {
	calls, _ := ParseCalls(`   TOOL_CALL: {"tool": "a", "args": {}}`)
	if len(calls) != 1 {
		t.Fatalf("leading whitespace should not hide a marker, got %d calls", len(calls))
	}
}

func TestParseCalls_MalformedStripped(t *testing.T) {
	content := "answer\nTOOL_CALL: {not json at all"

	calls, text := ParseCalls(content)
	if len(calls) != 0 {
		t.Fatalf("malformed marker should yield no call, got %d", len(calls))
	}
	if text != "answer" {
		t.Fatalf("malformed marker line should still be stripped, got %q", text)
	}
}

func TestParseCalls_MissingToolName(t *testing.T) {
	calls, _ := ParseCalls(`TOOL_CALL: {"args": {"x": 1}}`)
	if len(calls) != 0 {
		t.Fatalf("marker without tool name should be dropped, got %d calls", len(calls))
	}
}

// === RenderGuide Tests ===

func TestRenderGuide_Empty(t *testing.T) {
	if out := RenderGuide(nil); out != "" {
		t.Fatalf("expected empty guide for no tools, got %q", out)
	}
}

func TestRenderGuide_ListsTools(t *testing.T) {
	out := RenderGuide([]Definition{
		{Name: "current_time", Description: "report the current time"},
		{Name: "web_fetch", Description: "fetch a URL"},
	})
	if !strings.Contains(out, "- current_time: report the current time") {
		t.Fatalf("guide missing tool line: %q", out)
	}
	if !strings.Contains(out, "TOOL_CALL:") {
		t.Fatalf("guide missing call convention: %q", out)
	}
}
