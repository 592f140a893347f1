package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/roster"
	"go.uber.org/zap"
)

// chatFunc adapts a function to the ChatClient port for tests.
type chatFunc func(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error)

func (f chatFunc) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	return f(ctx, req)
}

// recordingClient wraps a chatFunc and keeps every request it saw.
type recordingClient struct {
	mu    sync.Mutex
	calls []*entity.ChatRequest
	fn    chatFunc
}

func (r *recordingClient) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	return r.fn(ctx, req)
}

func (r *recordingClient) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func staticReply(content string, usage entity.Usage) chatFunc {
	return func(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
		return &entity.ChatResponse{Model: req.Model, Content: content, FinishReason: "stop", Usage: usage}, nil
	}
}

func failingReply(err error) chatFunc {
	return func(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
		return nil, err
	}
}

// === Decomposer Tests ===

func TestDecomposer_ParsesArray(t *testing.T) {
	client := staticReply(
		"Here is the plan:\n[\"research the topic\", \"implement the code\", \"document the result\"]\nDone.",
		entity.Usage{InputTokens: 40, OutputTokens: 20},
	)
	d := NewDecomposer(client, "test-model", 10, roster.New(), zap.NewNop())

	subtasks, tokens := d.Decompose(context.Background(), "build a thing")
	if len(subtasks) != 3 {
		t.Fatalf("expected 3 subtasks, got %d", len(subtasks))
	}
	for i, st := range subtasks {
		if st.Index != i {
			t.Fatalf("subtask %d: index %d", i, st.Index)
		}
	}
	if subtasks[1].Text != "implement the code" {
		t.Fatalf("unexpected subtask text: %q", subtasks[1].Text)
	}
	if tokens != 60 {
		t.Fatalf("expected 60 tokens, got %d", tokens)
	}
}

func TestDecomposer_CeilingApplied(t *testing.T) {
	client := staticReply(`["a", "b", "c", "d", "e"]`, entity.Usage{})
	d := NewDecomposer(client, "test-model", 2, roster.New(), zap.NewNop())

	subtasks, _ := d.Decompose(context.Background(), "task")
	if len(subtasks) != 2 {
		t.Fatalf("expected ceiling of 2, got %d subtasks", len(subtasks))
	}
}

func TestDecomposer_CeilingDefaults(t *testing.T) {
	many := make([]string, 15)
	for i := range many {
		many[i] = `"s"`
	}
	client := staticReply("["+strings.Join(many, ",")+"]", entity.Usage{})

	// Zero and oversized ceilings both collapse to the hard cap of 10.
	for _, ceiling := range []int{0, 50} {
		d := NewDecomposer(client, "test-model", ceiling, roster.New(), zap.NewNop())
		subtasks, _ := d.Decompose(context.Background(), "task")
		if len(subtasks) != 10 {
			t.Fatalf("ceiling %d: expected 10 subtasks, got %d", ceiling, len(subtasks))
		}
	}
}

func TestDecomposer_ModelErrorFallsBack(t *testing.T) {
	client := failingReply(errors.New("upstream down"))
	d := NewDecomposer(client, "test-model", 10, roster.New(), zap.NewNop())

	subtasks, tokens := d.Decompose(context.Background(), "original task")
	if len(subtasks) != 1 {
		t.Fatalf("expected fallback to single subtask, got %d", len(subtasks))
	}
	if subtasks[0].Text != "original task" {
		t.Fatalf("fallback should carry the original task, got %q", subtasks[0].Text)
	}
	if tokens != 0 {
		t.Fatalf("failed call should cost 0 tokens, got %d", tokens)
	}
}

func TestDecomposer_UnparseableFallsBack(t *testing.T) {
	client := staticReply("I refuse to produce JSON today.", entity.Usage{OutputTokens: 8})
	d := NewDecomposer(client, "test-model", 10, roster.New(), zap.NewNop())

	subtasks, tokens := d.Decompose(context.Background(), "original task")
	if len(subtasks) != 1 || subtasks[0].Text != "original task" {
		t.Fatalf("expected original task fallback, got %+v", subtasks)
	}
	// Tokens were still spent on the failed attempt.
	if tokens != 8 {
		t.Fatalf("expected 8 tokens, got %d", tokens)
	}
}

func TestDecomposer_BlankEntriesDropped(t *testing.T) {
	client := staticReply(`["  ", "real work", ""]`, entity.Usage{})
	d := NewDecomposer(client, "test-model", 10, roster.New(), zap.NewNop())

	subtasks, _ := d.Decompose(context.Background(), "task")
	if len(subtasks) != 1 {
		t.Fatalf("expected blank entries dropped, got %d subtasks", len(subtasks))
	}
	if subtasks[0].Text != "real work" {
		t.Fatalf("unexpected subtask: %q", subtasks[0].Text)
	}
}

func TestDecomposer_PromptCarriesRoster(t *testing.T) {
	rec := &recordingClient{fn: staticReply(`["a"]`, entity.Usage{})}
	d := NewDecomposer(rec, "haiku-model", 10, roster.New(), zap.NewNop())

	d.Decompose(context.Background(), "the user task")

	if rec.callCount() != 1 {
		t.Fatalf("expected 1 model call, got %d", rec.callCount())
	}
	req := rec.calls[0]
	if req.Model != "haiku-model" {
		t.Fatalf("expected configured model, got %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(req.Messages))
	}
	system := req.Messages[0]
	if system.Role != entity.RoleSystem {
		t.Fatalf("first message should be system, got %q", system.Role)
	}
	for _, roleID := range []string{"commander", "coder", "researcher", "scribe"} {
		if !strings.Contains(system.Content, roleID) {
			t.Fatalf("system prompt missing role %q", roleID)
		}
	}
	if req.Messages[1].Content != "the user task" {
		t.Fatalf("user message should be the raw task, got %q", req.Messages[1].Content)
	}
}
