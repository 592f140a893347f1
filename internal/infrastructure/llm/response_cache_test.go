package llm

import (
	"testing"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
)

func cachedValue(content string) *CachedResponse {
	return &CachedResponse{
		Response:  &entity.ChatResponse{Content: content, FinishReason: "stop"},
		UsedModel: "anthropic/claude-sonnet-4",
		ID:        "chatcmpl-test",
		Created:   1724572800,
	}
}

// === ResponseCache Tests ===

func TestResponseCache_PutGet(t *testing.T) {
	c := NewResponseCache(10, time.Minute)

	c.Put("k1", cachedValue("hello"))

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Response.Content != "hello" {
		t.Fatalf("expected 'hello', got %q", got.Response.Content)
	}
	if got.ID != "chatcmpl-test" || got.Created != 1724572800 {
		t.Fatalf("identity fields lost: %+v", got)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for unknown key")
	}
}

func TestResponseCache_TTLExpiry(t *testing.T) {
	c := NewResponseCache(10, 10*time.Millisecond)

	c.Put("k1", cachedValue("hello"))
	if _, ok := c.Get("k1"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get("k1"); ok {
		t.Fatal("expected miss after TTL")
	}
	if c.Size() != 0 {
		t.Fatalf("expired entry should be dropped on access, size %d", c.Size())
	}
}

func TestResponseCache_CapacityEviction(t *testing.T) {
	c := NewResponseCache(2, time.Minute)

	c.Put("a", cachedValue("1"))
	c.Put("b", cachedValue("2"))
	c.Put("c", cachedValue("3"))

	if c.Size() != 2 {
		t.Fatalf("expected size 2 after eviction, got %d", c.Size())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("oldest insertion should have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("b should survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("c should survive")
	}
}

func TestResponseCache_OverwriteDoesNotEvict(t *testing.T) {
	c := NewResponseCache(2, time.Minute)

	c.Put("a", cachedValue("1"))
	c.Put("b", cachedValue("2"))
	c.Put("a", cachedValue("refreshed"))

	if c.Size() != 2 {
		t.Fatalf("overwrite should not change size, got %d", c.Size())
	}
	got, ok := c.Get("a")
	if !ok || got.Response.Content != "refreshed" {
		t.Fatalf("overwrite lost: %+v ok=%v", got, ok)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("b should not be evicted by an overwrite")
	}
}

func TestResponseCache_DefaultsApplied(t *testing.T) {
	c := NewResponseCache(0, 0)
	if c.capacity != 256 {
		t.Fatalf("expected default capacity 256, got %d", c.capacity)
	}
	if c.ttl != 5*time.Minute {
		t.Fatalf("expected default ttl 5m, got %s", c.ttl)
	}
}

// === Fingerprint Tests ===

func TestFingerprint_Deterministic(t *testing.T) {
	req := &entity.ChatRequest{
		Model: "sonnet",
		Messages: []entity.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hello"},
		},
	}
	if Fingerprint(req) != Fingerprint(req) {
		t.Fatal("fingerprint must be deterministic")
	}
}

func TestFingerprint_SensitiveFields(t *testing.T) {
	base := func() *entity.ChatRequest {
		return &entity.ChatRequest{
			Model:    "sonnet",
			Messages: []entity.Message{{Role: "user", Content: "hello"}},
		}
	}
	key := Fingerprint(base())

	other := base()
	other.Model = "opus"
	if Fingerprint(other) == key {
		t.Fatal("model change must change the key")
	}

	other = base()
	other.Messages[0].Content = "hello!"
	if Fingerprint(other) == key {
		t.Fatal("content change must change the key")
	}

	other = base()
	temp := 0.3
	other.Temperature = &temp
	if Fingerprint(other) == key {
		t.Fatal("temperature must change the key")
	}
}

func TestFingerprint_IgnoresStreamAndLimits(t *testing.T) {
	base := func() *entity.ChatRequest {
		return &entity.ChatRequest{
			Model:    "sonnet",
			Messages: []entity.Message{{Role: "user", Content: "hello"}},
		}
	}
	key := Fingerprint(base())

	streaming := base()
	streaming.Stream = true
	if Fingerprint(streaming) != key {
		t.Fatal("stream flag must not change the key")
	}

	limited := base()
	limited.MaxTokens = 123
	if Fingerprint(limited) != key {
		t.Fatal("max_tokens must not change the key")
	}
}

func TestFingerprint_RoleContentBoundary(t *testing.T) {
	a := &entity.ChatRequest{Messages: []entity.Message{{Role: "user", Content: "ab"}}}
	b := &entity.ChatRequest{Messages: []entity.Message{{Role: "usera", Content: "b"}}}
	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("role/content boundary must be delimited")
	}
}
