package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/infrastructure/llm"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"go.uber.org/zap"
)

func testProvider(url, apiKey string) *Provider {
	return New(llm.ProviderConfig{Name: "anthropic", BaseURL: url, APIKey: apiKey}, zap.NewNop())
}

// === Request Building Tests ===

func TestBuildAPIRequest_SystemPartition(t *testing.T) {
	req := buildAPIRequest(&entity.ChatRequest{
		Model: "claude-sonnet-4",
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: "be brief"},
			{Role: entity.RoleUser, Content: "hello"},
			{Role: entity.RoleAssistant, Content: "hi"},
			{Role: entity.RoleSystem, Content: "stay safe"},
			{Role: entity.RoleTool, Content: "tool output"},
		},
	})

	if req.System != "be brief\nstay safe" {
		t.Fatalf("system prompts should join in order: %q", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 wire messages, got %d", len(req.Messages))
	}
	roles := []string{req.Messages[0].Role, req.Messages[1].Role, req.Messages[2].Role}
	if roles[0] != "user" || roles[1] != "assistant" || roles[2] != "user" {
		t.Fatalf("unexpected role mapping: %v", roles)
	}
	if req.Messages[2].Content[0].Text != "tool output" {
		t.Fatalf("tool message should map to user: %+v", req.Messages[2])
	}
}

func TestBuildAPIRequest_EmptyMessages(t *testing.T) {
	req := buildAPIRequest(&entity.ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []entity.Message{{Role: entity.RoleSystem, Content: "only system"}},
	})

	// Anthropic rejects empty message arrays.
	if len(req.Messages) != 1 {
		t.Fatalf("expected placeholder message, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "user" || req.Messages[0].Content[0].Text != "Hello" {
		t.Fatalf("unexpected placeholder: %+v", req.Messages[0])
	}
}

func TestBuildAPIRequest_ModelPrefixStripped(t *testing.T) {
	req := buildAPIRequest(&entity.ChatRequest{Model: "anthropic/claude-sonnet-4"})
	if req.Model != "claude-sonnet-4" {
		t.Fatalf("provider prefix should be stripped, got %q", req.Model)
	}
}

func TestBuildAPIRequest_MaxTokensDefault(t *testing.T) {
	req := buildAPIRequest(&entity.ChatRequest{Model: "m"})
	if req.MaxTokens != defaultMaxTokens {
		t.Fatalf("expected default max_tokens %d, got %d", defaultMaxTokens, req.MaxTokens)
	}

	req = buildAPIRequest(&entity.ChatRequest{Model: "m", MaxTokens: 50})
	if req.MaxTokens != 50 {
		t.Fatalf("explicit max_tokens lost, got %d", req.MaxTokens)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":   "stop",
		"":           "stop",
		"max_tokens": "max_tokens",
		"refusal":    "refusal",
	}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Fatalf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}

// === Header Tests ===

func TestSetHeaders_APIKey(t *testing.T) {
	p := testProvider("http://x", "plain-key")
	req, _ := http.NewRequest("POST", "http://x/v1/messages", nil)
	p.setHeaders(req)

	if req.Header.Get("x-api-key") != "plain-key" {
		t.Fatal("plain keys ride x-api-key")
	}
	if req.Header.Get("Authorization") != "" {
		t.Fatal("plain keys must not set Authorization")
	}
	if req.Header.Get("anthropic-version") != anthropicVersion {
		t.Fatalf("version header missing: %q", req.Header.Get("anthropic-version"))
	}
}

func TestSetHeaders_OAuthToken(t *testing.T) {
	p := testProvider("http://x", "sk-ant-oat01-abcdef")
	req, _ := http.NewRequest("POST", "http://x/v1/messages", nil)
	p.setHeaders(req)

	if req.Header.Get("Authorization") != "Bearer sk-ant-oat01-abcdef" {
		t.Fatalf("oauth tokens ride Authorization, got %q", req.Header.Get("Authorization"))
	}
	if req.Header.Get("anthropic-beta") != oauthBetaHeader {
		t.Fatalf("oauth beta header missing: %q", req.Header.Get("anthropic-beta"))
	}
	if req.Header.Get("x-api-key") != "" {
		t.Fatal("oauth tokens must not set x-api-key")
	}
}

// === Generate Tests ===

func TestProvider_GenerateSuccess(t *testing.T) {
	var gotPath string
	var gotBody Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_01", "type": "message", "role": "assistant",
			"content": [
				{"type": "thinking", "text": "hmm"},
				{"type": "text", "text": "Hello "},
				{"type": "text", "text": "there"}
			],
			"model": "claude-sonnet-4",
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 4, "cache_read_input_tokens": 1, "cache_creation_input_tokens": 2}
		}`))
	}))
	defer server.Close()

	p := testProvider(server.URL, "key")
	resp, err := p.Generate(context.Background(), &entity.ChatRequest{
		Model:    "anthropic/claude-sonnet-4",
		Messages: []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if gotBody.Model != "claude-sonnet-4" {
		t.Fatalf("wire model wrong: %q", gotBody.Model)
	}
	if gotBody.Stream {
		t.Fatal("non-streaming request must not set stream")
	}

	// Text blocks concatenate; thinking blocks are dropped.
	if resp.Content != "Hello there" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("end_turn should map to stop, got %q", resp.FinishReason)
	}
	if resp.Model != "claude-sonnet-4" {
		t.Fatalf("unexpected model: %q", resp.Model)
	}
	u := resp.Usage
	if u.InputTokens != 10 || u.OutputTokens != 4 || u.CacheReadTokens != 1 || u.CacheWriteTokens != 2 {
		t.Fatalf("usage mapping wrong: %+v", u)
	}
}

func TestProvider_GenerateUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	p := testProvider(server.URL, "key")
	_, err := p.Generate(context.Background(), &entity.ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	if domainErrors.UpstreamStatus(err) != 429 {
		t.Fatalf("expected status 429, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("excerpt missing: %v", err)
	}
}

func TestProvider_GenerateResponseTooLarge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, maxResponseBytes+10))
	}))
	defer server.Close()

	p := testProvider(server.URL, "key")
	_, err := p.Generate(context.Background(), &entity.ChatRequest{Model: "m"})
	if !domainErrors.IsTransport(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "2MB") {
		t.Fatalf("expected size refusal, got %v", err)
	}
}

// === GenerateStream Tests ===

func TestProvider_GenerateStream(t *testing.T) {
	var gotAccept string
	var gotBody Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		json.NewDecoder(r.Body).Decode(&gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":25}}}\n\n",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n",
			"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":7}}\n\n",
			"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
		} {
			w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer server.Close()

	p := testProvider(server.URL, "key")
	var events []entity.StreamEvent
	usage, err := p.GenerateStream(context.Background(), &entity.ChatRequest{
		Model:    "claude-sonnet-4",
		Messages: []entity.Message{{Role: entity.RoleUser, Content: "hi"}},
	}, func(ev entity.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAccept != "text/event-stream" {
		t.Fatalf("stream request must accept SSE, got %q", gotAccept)
	}
	if !gotBody.Stream {
		t.Fatal("wire request must set stream true")
	}
	if usage.InputTokens != 25 || usage.OutputTokens != 7 {
		t.Fatalf("usage wrong: %+v", usage)
	}
	if len(events) != 3 {
		t.Fatalf("expected delta+stop+usage, got %+v", events)
	}
	if events[0].Type != entity.StreamDelta || events[0].Text != "Hi" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != entity.StreamStop || events[1].Reason != "stop" {
		t.Fatalf("unexpected stop event: %+v", events[1])
	}
	if events[2].Type != entity.StreamUsage || events[2].Usage.OutputTokens != 7 {
		t.Fatalf("unexpected usage event: %+v", events[2])
	}
}

func TestProvider_GenerateStreamUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("overloaded"))
	}))
	defer server.Close()

	p := testProvider(server.URL, "key")
	var events []entity.StreamEvent
	_, err := p.GenerateStream(context.Background(), &entity.ChatRequest{Model: "m"}, func(ev entity.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if domainErrors.UpstreamStatus(err) != 503 {
		t.Fatalf("expected status 503, got %v", err)
	}
	if len(events) != 1 || events[0].Type != entity.StreamError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
}
