package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domaintool "github.com/arieshq/aries/internal/domain/tool"
	"go.uber.org/zap"
)

const fetchMaxBytes = 256 * 1024

// WebFetchTool fetches a URL and returns its body as text. Responses are
// truncated so a single fetch cannot blow up a worker's context.
type WebFetchTool struct {
	client *http.Client
	logger *zap.Logger
}

func NewWebFetchTool(logger *zap.Logger) *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch contents from a URL. Returns the text content of the page. Useful for reading documentation, APIs, or web resources."
}

func (t *WebFetchTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "The URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	url, _ := args["url"].(string)
	if url == "" {
		return &domaintool.Result{Success: false, Error: "url is required"}, nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return &domaintool.Result{Success: false, Error: "only http(s) URLs are supported"}, nil
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("bad URL: %v", err)}, nil
	}
	req.Header.Set("User-Agent", "aries-fetch/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("web_fetch failed", zap.String("url", url), zap.Error(err))
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("failed to fetch URL: %v", err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("URL returned %d", resp.StatusCode),
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return &domaintool.Result{Success: false, Error: fmt.Sprintf("read body: %v", err)}, nil
	}

	output := strings.TrimSpace(string(body))
	if output == "" {
		output = "No content could be extracted from the URL"
	}

	return &domaintool.Result{Output: output, Success: true}, nil
}
