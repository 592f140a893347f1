package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/domain/entity"
	domainErrors "github.com/arieshq/aries/pkg/errors"
)

// Client calls an Aries gateway's OpenAI-compatible chat endpoint. It is
// the chat backend of the standalone worker runtime: dispatched tasks run
// through a gateway so its caching, fallback, and accounting apply.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a gateway client. An empty token works against
// loopback gateways; remote ones refuse it.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "gateway-client")),
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		CacheCreation    int `json:"cache_creation_input_tokens"`
		CacheRead        int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate implements service.ChatClient over the gateway wire protocol.
func (c *Client) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = wireMessage{Role: m.Role, Content: m.Content}
	}

	body, err := json.Marshal(wireRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, domainErrors.NewTransportErrorWithCause("marshal gateway request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, domainErrors.NewTransportErrorWithCause("create gateway request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, domainErrors.NewTransportErrorWithCause("call gateway", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, domainErrors.NewTransportErrorWithCause("read gateway response", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, domainErrors.NewUpstreamError(resp.StatusCode, trim(raw))
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if wire.Error != nil && wire.Error.Message != "" {
			msg = wire.Error.Message
		}
		return nil, domainErrors.NewUpstreamError(resp.StatusCode, msg)
	}
	if len(wire.Choices) == 0 {
		return nil, domainErrors.NewUpstreamError(resp.StatusCode, "response has no choices")
	}

	out := &entity.ChatResponse{
		Model:        wire.Model,
		Content:      wire.Choices[0].Message.Content,
		FinishReason: wire.Choices[0].FinishReason,
	}
	if wire.Usage != nil {
		out.Usage = entity.Usage{
			InputTokens:      wire.Usage.PromptTokens,
			OutputTokens:     wire.Usage.CompletionTokens,
			CacheReadTokens:  wire.Usage.CacheRead,
			CacheWriteTokens: wire.Usage.CacheCreation,
		}
	}
	return out, nil
}

func trim(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}
