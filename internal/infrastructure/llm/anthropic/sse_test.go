package anthropic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arieshq/aries/internal/domain/entity"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"go.uber.org/zap"
)

func runSSE(t *testing.T, stream string) ([]entity.StreamEvent, *entity.Usage, error) {
	t.Helper()
	var events []entity.StreamEvent
	usage, err := ParseSSEStream(context.Background(), strings.NewReader(stream), func(ev entity.StreamEvent) error {
		events = append(events, ev)
		return nil
	}, zap.NewNop())
	return events, usage, err
}

// === SSE Parsing Tests ===

func TestParseSSE_FullStream(t *testing.T) {
	stream := `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":25,"cache_read_input_tokens":3,"cache_creation_input_tokens":2}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}
`
	events, usage, err := runSSE(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if usage.InputTokens != 25 || usage.OutputTokens != 12 {
		t.Fatalf("usage wrong: %+v", usage)
	}
	if usage.CacheReadTokens != 3 || usage.CacheWriteTokens != 2 {
		t.Fatalf("cache counters lost: %+v", usage)
	}

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Text != "Hel" || events[1].Text != "lo" {
		t.Fatalf("deltas wrong: %+v", events[:2])
	}
	if events[2].Type != entity.StreamStop || events[2].Reason != "stop" {
		t.Fatalf("stop event wrong: %+v", events[2])
	}
	if events[3].Type != entity.StreamUsage {
		t.Fatalf("usage event wrong: %+v", events[3])
	}
}

func TestParseSSE_NonTextDeltasSkipped(t *testing.T) {
	stream := `event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"pondering"}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"visible"}}

event: message_stop
data: {"type":"message_stop"}
`
	events, _, err := runSSE(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deltas := 0
	for _, ev := range events {
		if ev.Type == entity.StreamDelta {
			deltas++
			if ev.Text != "visible" {
				t.Fatalf("non-text delta leaked: %+v", ev)
			}
		}
	}
	if deltas != 1 {
		t.Fatalf("expected 1 text delta, got %d", deltas)
	}
}

func TestParseSSE_DuplicateStopSuppressed(t *testing.T) {
	// message_delta already emitted the terminal pair; message_stop must not
	// emit a second one.
	stream := `event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}

event: message_stop
data: {"type":"message_stop"}
`
	events, _, err := runSSE(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stops := 0
	for _, ev := range events {
		if ev.Type == entity.StreamStop {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("expected exactly 1 stop event, got %d", stops)
	}
}

func TestParseSSE_ErrorEvent(t *testing.T) {
	stream := `event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}
`
	events, _, err := runSSE(t, stream)
	if err == nil {
		t.Fatal("expected error")
	}
	if !domainErrors.IsTransport(err) {
		t.Fatalf("expected transport classification, got %v", err)
	}
	if len(events) != 1 || events[0].Type != entity.StreamError || events[0].Error != "Overloaded" {
		t.Fatalf("expected error event with upstream message, got %+v", events)
	}
}

func TestParseSSE_TruncatedStream(t *testing.T) {
	stream := `event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"partial"}}
`
	events, _, err := runSSE(t, stream)
	if err == nil {
		t.Fatal("expected error for missing terminal event")
	}
	if !strings.Contains(err.Error(), "stream ended before completion") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Text != "partial" {
		t.Fatalf("partial delta should still be forwarded: %+v", events)
	}
}

func TestParseSSE_PingAndUnknownIgnored(t *testing.T) {
	stream := `event: ping
data: {"type":"ping"}

event: brand_new_event
data: {"type":"brand_new_event"}

event: message_stop
data: {"type":"message_stop"}
`
	events, _, err := runSSE(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, ev := range events {
		if ev.Type == entity.StreamDelta {
			t.Fatalf("nothing should produce deltas here: %+v", ev)
		}
	}
}

func TestParseSSE_MalformedDataSkipped(t *testing.T) {
	stream := `event: content_block_delta
data: {broken json

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"ok"}}

event: message_stop
data: {"type":"message_stop"}
`
	events, _, err := runSSE(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) < 1 || events[0].Text != "ok" {
		t.Fatalf("valid delta after malformed line lost: %+v", events)
	}
}

func TestParseSSE_SinkErrorAborts(t *testing.T) {
	stream := `event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"x"}}

event: message_stop
data: {"type":"message_stop"}
`
	sinkErr := errors.New("client went away")
	_, err := ParseSSEStream(context.Background(), strings.NewReader(stream), func(ev entity.StreamEvent) error {
		return sinkErr
	}, zap.NewNop())
	if !errors.Is(err, sinkErr) {
		t.Fatalf("expected sink error to propagate, got %v", err)
	}
}
