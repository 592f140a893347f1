package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/application/usecase"
	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/infrastructure/llm"
	domainErrors "github.com/arieshq/aries/pkg/errors"
)

// ChatHandler implements the OpenAI-compatible chat completion surface.
type ChatHandler struct {
	chat   *usecase.ChatCompletionUseCase
	router *llm.Router
	logger *zap.Logger
}

// NewChatHandler creates the chat completion handler.
func NewChatHandler(chat *usecase.ChatCompletionUseCase, router *llm.Router, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, router: router, logger: logger}
}

// --- Wire types ---

// ChatCompletionRequest mirrors OpenAI's request format.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatMessage is one conversation turn on the wire.
type ChatMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ChatCompletionResponse mirrors OpenAI's response format, extended with
// the gateway's routing annotations.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`

	UsedModel      string `json:"_usedModel,omitempty"`
	Fallback       *bool  `json:"_fallback,omitempty"`
	RequestedModel string `json:"_requestedModel,omitempty"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage reports token usage, including Anthropic cache counters.
type ChatUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	TotalTokens         int `json:"total_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ChatStreamChunk is one SSE data frame of a streaming completion.
type ChatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
	Usage   *ChatUsage         `json:"usage,omitempty"`
}

// ChatStreamChoice carries a delta within a chunk.
type ChatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        ChatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

// ChatStreamDelta is the incremental payload of one chunk.
type ChatStreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// streamMeta is the routing annotation event sent before [DONE].
type streamMeta struct {
	Meta           bool   `json:"_meta"`
	UsedModel      string `json:"_usedModel"`
	Fallback       *bool  `json:"_fallback,omitempty"`
	RequestedModel string `json:"_requestedModel,omitempty"`
}

// OpenAIModel is one entry of the /v1/models listing.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse mirrors OpenAI's models list response.
type ModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request_error"))
		return
	}

	entReq := toEntityRequest(&req)
	if req.Stream {
		h.handleStream(c, entReq)
		return
	}
	h.handleNonStream(c, entReq)
}

// ListModels handles GET /v1/models with the alias table.
func (h *ChatHandler) ListModels(c *gin.Context) {
	created := time.Now().Unix()
	aliases := h.router.Aliases()

	models := make([]OpenAIModel, 0, len(aliases))
	for alias := range aliases {
		models = append(models, OpenAIModel{
			ID:      alias,
			Object:  "model",
			Created: created,
			OwnedBy: "aries",
		})
	}
	c.JSON(http.StatusOK, ModelsResponse{Object: "list", Data: models})
}

func (h *ChatHandler) handleNonStream(c *gin.Context, req *entity.ChatRequest) {
	result, err := h.chat.Execute(c.Request.Context(), req, "chat")
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := ChatCompletionResponse{
		ID:      result.ID,
		Object:  "chat.completion",
		Created: result.Created,
		Model:   responseModel(result.Response.Model, result.UsedModel),
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    entity.RoleAssistant,
					Content: result.Response.Content,
				},
				FinishReason: result.Response.FinishReason,
			},
		},
		Usage:     toWireUsage(result.Response.Usage),
		UsedModel: result.UsedModel,
	}
	if result.Fallback {
		t := true
		resp.Fallback = &t
		resp.RequestedModel = result.Requested
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) handleStream(c *gin.Context, req *entity.ChatRequest) {
	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	display := h.chat.EffectiveModel(req.Model)

	// Headers are deferred until the first byte so a failure before any
	// output can still carry a proper HTTP error status.
	started := false
	ensureStarted := func(model string) {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		h.writeData(c.Writer, ChatStreamChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{Role: entity.RoleAssistant}}},
		})
		c.Writer.Flush()
	}

	var (
		finishReason = "stop"
		streamUsage  *entity.Usage
	)
	sink := func(ev entity.StreamEvent) error {
		if err := c.Request.Context().Err(); err != nil {
			return err
		}
		switch ev.Type {
		case entity.StreamDelta:
			ensureStarted(display)
			h.writeData(c.Writer, ChatStreamChunk{
				ID:      completionID,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   display,
				Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{Content: ev.Text}}},
			})
			c.Writer.Flush()
		case entity.StreamStop:
			if ev.Reason != "" {
				finishReason = ev.Reason
			}
		case entity.StreamUsage:
			streamUsage = ev.Usage
		}
		return nil
	}

	res, err := h.chat.ExecuteStream(c.Request.Context(), req, sink)
	if err != nil {
		if !started {
			h.writeError(c, err)
			return
		}
		// The client already has bytes; end the stream in-band.
		h.logger.Warn("Stream aborted mid-flight", zap.Error(err))
		msg, typ, _ := classify(err)
		h.writeData(c.Writer, errorBody(msg, typ))
		io.WriteString(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
		return
	}

	// A stream that produced no deltas still owes the client a role chunk.
	ensureStarted(res.UsedModel)

	final := ChatStreamChunk{
		ID:      completionID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   res.UsedModel,
		Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{}, FinishReason: &finishReason}},
	}
	if streamUsage != nil {
		final.Usage = toWireUsage(*streamUsage)
	}
	h.writeData(c.Writer, final)

	meta := streamMeta{Meta: true, UsedModel: res.UsedModel}
	if res.Fallback {
		t := true
		meta.Fallback = &t
		meta.RequestedModel = res.Requested
	}
	h.writeData(c.Writer, meta)

	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

func (h *ChatHandler) writeData(w io.Writer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal SSE payload", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (h *ChatHandler) writeError(c *gin.Context, err error) {
	msg, typ, status := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Chat completion failed", zap.Error(err))
	} else {
		h.logger.Warn("Chat completion rejected", zap.Error(err))
	}
	c.JSON(status, errorBody(msg, typ))
}

// classify maps an error to its wire message, type, and HTTP status.
func classify(err error) (string, string, int) {
	app, ok := domainErrors.AsApp(err)
	if !ok {
		return err.Error(), "gateway_error", http.StatusInternalServerError
	}
	switch app.Code {
	case domainErrors.CodeAuth:
		return app.Message, "auth_error", http.StatusUnauthorized
	case domainErrors.CodeRateLimit:
		return app.Message, "rate_limit_error", http.StatusTooManyRequests
	case domainErrors.CodeInvalidInput:
		return app.Message, "invalid_request_error", http.StatusBadRequest
	case domainErrors.CodeUpstream:
		if app.Status == http.StatusTooManyRequests {
			return app.Message, "rate_limit_error", http.StatusTooManyRequests
		}
		status := app.Status
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		return app.Message, "gateway_error", status
	default:
		return app.Message, "gateway_error", http.StatusInternalServerError
	}
}

func errorBody(message, errType string) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    errType,
		},
	}
}

func toEntityRequest(req *ChatCompletionRequest) *entity.ChatRequest {
	messages := make([]entity.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = entity.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	}
	out := &entity.ChatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	return out
}

func toWireUsage(u entity.Usage) *ChatUsage {
	return &ChatUsage{
		PromptTokens:        u.InputTokens,
		CompletionTokens:    u.OutputTokens,
		TotalTokens:         u.InputTokens + u.OutputTokens,
		CacheCreationTokens: u.CacheWriteTokens,
		CacheReadTokens:     u.CacheReadTokens,
	}
}

// responseModel prefers the upstream-reported model string, falling back
// to the qualified name the router used.
func responseModel(reported, used string) string {
	if reported != "" {
		return reported
	}
	return used
}
