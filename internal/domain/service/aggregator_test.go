package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/roster"
	"go.uber.org/zap"
)

func sampleResults() []entity.WorkerResult {
	return []entity.WorkerResult{
		{
			WorkerID: "local-0",
			Subtask:  entity.Subtask{Index: 0, Text: "implement the parser"},
			RoleID:   "coder",
			OK:       true,
			Content:  "parser implemented with two passes",
			Elapsed:  2 * time.Second,
		},
		{
			WorkerID: "local-1",
			Subtask:  entity.Subtask{Index: 1, Text: "research prior art"},
			RoleID:   "researcher",
			OK:       false,
			Reason:   "worker timed out after 90s",
			Elapsed:  90 * time.Second,
		},
	}
}

// === Aggregator Tests ===

func TestAggregator_SynthesizedAnswer(t *testing.T) {
	rec := &recordingClient{fn: staticReply("one coherent answer", entity.Usage{InputTokens: 100, OutputTokens: 30})}
	a := NewAggregator(rec, "sonnet-model", roster.New(), zap.NewNop())

	answer, tokens := a.Aggregate(context.Background(), "build a parser", sampleResults())
	if answer != "one coherent answer" {
		t.Fatalf("unexpected answer: %q", answer)
	}
	if tokens != 130 {
		t.Fatalf("expected 130 tokens, got %d", tokens)
	}

	req := rec.calls[0]
	if req.Model != "sonnet-model" {
		t.Fatalf("expected configured model, got %q", req.Model)
	}
	user := req.Messages[1].Content
	if !strings.Contains(user, "Task: build a parser") {
		t.Fatalf("prompt missing task line: %q", user)
	}
	if !strings.Contains(user, "### local-0 (Coder): implement the parser") {
		t.Fatalf("prompt missing result section header: %q", user)
	}
	if !strings.Contains(user, "parser implemented with two passes") {
		t.Fatalf("prompt missing result body: %q", user)
	}
}

func TestAggregator_FailedResultsMarked(t *testing.T) {
	rec := &recordingClient{fn: staticReply("answer", entity.Usage{})}
	a := NewAggregator(rec, "m", roster.New(), zap.NewNop())

	a.Aggregate(context.Background(), "task", sampleResults())

	user := rec.calls[0].Messages[1].Content
	if !strings.Contains(user, "FAILED: worker timed out after 90s") {
		t.Fatalf("failed result should be marked, got: %q", user)
	}
}

func TestAggregator_FallbackOnError(t *testing.T) {
	a := NewAggregator(failingReply(errors.New("overloaded")), "m", roster.New(), zap.NewNop())

	answer, tokens := a.Aggregate(context.Background(), "build a parser", sampleResults())
	if !strings.HasPrefix(answer, "Swarm results for: build a parser") {
		t.Fatalf("expected deterministic fallback, got: %q", answer)
	}
	if !strings.Contains(answer, "parser implemented with two passes") {
		t.Fatalf("fallback should carry raw results, got: %q", answer)
	}
	if tokens != 0 {
		t.Fatalf("failed call should cost 0 tokens, got %d", tokens)
	}
}

func TestAggregator_FallbackOnBlankAnswer(t *testing.T) {
	a := NewAggregator(staticReply("   \n", entity.Usage{OutputTokens: 2}), "m", roster.New(), zap.NewNop())

	answer, tokens := a.Aggregate(context.Background(), "task", sampleResults())
	if !strings.HasPrefix(answer, "Swarm results for: task") {
		t.Fatalf("blank model answer should fall back, got: %q", answer)
	}
	if tokens != 2 {
		t.Fatalf("tokens for the blank attempt still count, got %d", tokens)
	}
}

func TestAggregator_UnknownRoleKeepsID(t *testing.T) {
	rec := &recordingClient{fn: staticReply("answer", entity.Usage{})}
	a := NewAggregator(rec, "m", roster.New(), zap.NewNop())

	a.Aggregate(context.Background(), "task", []entity.WorkerResult{{
		WorkerID: "remote-7",
		Subtask:  entity.Subtask{Index: 0, Text: "do a thing"},
		RoleID:   "mystery",
		OK:       true,
		Content:  "done",
	}})

	user := rec.calls[0].Messages[1].Content
	if !strings.Contains(user, "### remote-7 (mystery): do a thing") {
		t.Fatalf("unknown role should render its raw id, got: %q", user)
	}
}
