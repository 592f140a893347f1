package entity

// Message roles accepted on the chat surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn. Created per turn, never mutated.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ChatRequest is a generic chat-completion request, shared by the gateway
// wire surface and every in-process caller (decomposer, aggregator, workers).
// Temperature and TopP are pointers so an omitted value is never forwarded
// upstream as zero.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Usage counts tokens for one upstream call. Cache fields are preserved
// end-to-end for pricing.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_input_tokens"`
	CacheWriteTokens int `json:"cache_creation_input_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// ChatResponse is the adapter-level result of one chat completion.
// Model is the model actually used, which may differ from the requested one
// after fallback.
type ChatResponse struct {
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// StreamEventType tags events emitted while streaming a completion.
type StreamEventType string

const (
	StreamDelta StreamEventType = "delta"
	StreamUsage StreamEventType = "usage"
	StreamStop  StreamEventType = "stop"
	StreamError StreamEventType = "error"
)

// StreamEvent is one element of a streaming response. The terminal event of
// every well-formed stream is exactly one StreamStop or StreamError.
type StreamEvent struct {
	Type   StreamEventType `json:"type"`
	Text   string          `json:"text,omitempty"`
	Usage  *Usage          `json:"usage,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StreamSink receives stream events in upstream order. Implementations must
// tolerate being called from a single goroutine only.
type StreamSink func(StreamEvent) error
