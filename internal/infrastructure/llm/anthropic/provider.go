package anthropic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/infrastructure/llm"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"go.uber.org/zap"
)

const (
	anthropicVersion = "2023-06-01"
	oauthTokenPrefix = "sk-ant-oat"
	oauthBetaHeader  = "oauth-2025-04-20"

	// Responses past this size are refused rather than buffered.
	maxResponseBytes = 2 * 1024 * 1024

	defaultMaxTokens = 8192
)

func init() {
	llm.RegisterFactory("anthropic", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg, logger)
	})
}

// Provider implements the Anthropic Messages API natively.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// New creates an Anthropic API provider.
func New(cfg llm.ProviderConfig, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 90 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}

	return &Provider{
		name:    name,
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Transport: transport},
		logger:  logger.With(zap.String("provider", name)),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

// Generate performs a non-streaming Messages API call.
func (p *Provider) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	apiReq := buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	respBody, err := readCapped(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, domainErrors.NewUpstreamError(resp.StatusCode, excerpt(respBody))
	}

	return parseAPIResponse(respBody)
}

// GenerateStream performs a streaming Messages API call, forwarding events
// to the sink in upstream order. The final usage counters are returned.
func (p *Provider) GenerateStream(ctx context.Context, req *entity.ChatRequest, sink entity.StreamSink) (*entity.Usage, error) {
	apiReq := buildAPIRequest(req)
	apiReq.Stream = true

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := readCapped(resp.Body)
		msg := excerpt(respBody)
		if sinkErr := sink(entity.StreamEvent{Type: entity.StreamError, Error: msg}); sinkErr != nil {
			p.logger.Warn("Failed to deliver upstream error event", zap.Error(sinkErr))
		}
		return nil, domainErrors.NewUpstreamError(resp.StatusCode, msg)
	}

	// Context cancellation watchdog: force-close the body so the scanner
	// unblocks.
	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()

	usage, err := ParseSSEStream(ctx, resp.Body, sink, p.logger)
	close(streamDone)
	return usage, err
}

// --- Internal ---

// setHeaders applies the version header plus one of the two auth modes:
// OAuth-style tokens ride an Authorization bearer with the beta header,
// plain API keys use x-api-key.
func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if strings.HasPrefix(p.apiKey, oauthTokenPrefix) {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
		req.Header.Set("anthropic-beta", oauthBetaHeader)
	} else {
		req.Header.Set("x-api-key", p.apiKey)
	}
}

// buildAPIRequest partitions the generic messages into a single system
// string plus an ordered user/assistant sequence.
func buildAPIRequest(req *entity.ChatRequest) *Request {
	model := req.Model
	if idx := strings.Index(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}

	apiReq := &Request{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = defaultMaxTokens // Anthropic requires explicit max_tokens
	}

	var systemParts []string
	var messages []Message
	for _, msg := range req.Messages {
		switch msg.Role {
		case entity.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case entity.RoleAssistant:
			messages = append(messages, Message{
				Role:    "assistant",
				Content: []ContentBlock{{Type: "text", Text: msg.Content}},
			})
		default: // user, tool
			messages = append(messages, Message{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	if len(messages) == 0 {
		messages = append(messages, Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: "Hello"}},
		})
	}

	apiReq.System = strings.Join(systemParts, "\n")
	apiReq.Messages = messages
	return apiReq
}

func parseAPIResponse(body []byte) (*entity.ChatResponse, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &entity.ChatResponse{
		Model:        apiResp.Model,
		Content:      content.String(),
		FinishReason: mapStopReason(apiResp.StopReason),
		Usage: entity.Usage{
			InputTokens:      apiResp.Usage.InputTokens,
			OutputTokens:     apiResp.Usage.OutputTokens,
			CacheReadTokens:  apiResp.Usage.CacheReadInputTokens,
			CacheWriteTokens: apiResp.Usage.CacheCreationInputTokens,
		},
	}, nil
}

// mapStopReason normalizes the upstream stop reason: end_turn becomes
// "stop", anything else passes through.
func mapStopReason(reason string) string {
	if reason == "end_turn" || reason == "" {
		return "stop"
	}
	return reason
}

// readCapped reads a response body, refusing anything past the size cap.
func readCapped(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes+1))
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if len(body) > maxResponseBytes {
		return nil, domainErrors.NewTransportError("response exceeds 2MB limit")
	}
	return body, nil
}

// excerpt keeps a short slice of an upstream error body for diagnostics.
func excerpt(body []byte) string {
	const max = 500
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}

// classifyTransportErr maps IO failures into the transport error taxonomy.
// Timeouts are flattened to the literal "timeout" so the gateway's fallback
// classifier can recognize them.
func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domainErrors.NewTransportError("timeout")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domainErrors.NewTransportError("timeout")
	}
	if errors.Is(err, errIdleTimeout) {
		return domainErrors.NewTransportError("timeout")
	}
	if errors.Is(err, errStreamLimit) {
		return domainErrors.NewTransportError("response exceeds 2MB limit")
	}
	return domainErrors.NewTransportErrorWithCause("request failed", err)
}
