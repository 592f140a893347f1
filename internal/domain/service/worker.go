package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	domaintool "github.com/arieshq/aries/internal/domain/tool"
	"go.uber.org/zap"
)

const (
	maxToolIterations = 3
	toolCallTimeout   = 30 * time.Second
)

// Worker executes one allocation locally: a bounded tool-use loop that
// prompts the model as the allocated role, executes any tool calls it
// requests, and feeds the results back in. The loop ends when the model
// answers without tool calls or the iteration budget runs out.
type Worker struct {
	client    ChatClient
	tools     domaintool.Registry
	model     string
	maxTokens int
	logger    *zap.Logger
}

// NewWorker creates a local worker runner.
func NewWorker(client ChatClient, tools domaintool.Registry, model string, maxTokens int, logger *zap.Logger) *Worker {
	return &Worker{
		client:    client,
		tools:     tools,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With(zap.String("component", "worker")),
	}
}

// Run drives the allocation to a final answer and returns it with the
// tokens spent across all iterations.
func (w *Worker) Run(ctx context.Context, alloc entity.Allocation, findings *Findings) (string, int, error) {
	system := alloc.SystemPrompt
	if guide := w.renderGuide(alloc); guide != "" {
		system += "\n\n" + guide
	}

	userContent := alloc.Subtask.Text
	if f := findings.Render(); f != "" {
		userContent += "\n\nFindings from other agents:\n" + f
	}

	messages := []entity.Message{
		{Role: entity.RoleSystem, Content: system},
		{Role: entity.RoleUser, Content: userContent},
	}

	tokens := 0
	lastContent := ""

	for iter := 0; iter < maxToolIterations; iter++ {
		resp, err := w.client.Generate(ctx, &entity.ChatRequest{
			Model:     w.model,
			Messages:  messages,
			MaxTokens: w.maxTokens,
		})
		if err != nil {
			return "", tokens, err
		}
		tokens += resp.Usage.Total()

		calls, stripped := domaintool.ParseCalls(resp.Content)
		lastContent = stripped
		if len(calls) == 0 {
			return stripped, tokens, nil
		}

		w.logger.Debug("Worker requested tools",
			zap.Int("subtask", alloc.Subtask.Index),
			zap.Int("calls", len(calls)),
			zap.Int("iteration", iter+1))

		messages = append(messages,
			entity.Message{Role: entity.RoleAssistant, Content: resp.Content},
			entity.Message{Role: entity.RoleUser, Content: "Tool results:\n" + w.execCalls(ctx, alloc, calls)},
		)
	}

	// Budget exhausted; the last content is the best we have.
	return lastContent, tokens, nil
}

// execCalls runs each requested tool, gated by the allocation's permitted
// set. Unauthorized calls produce a structured denial instead of silently
// vanishing.
func (w *Worker) execCalls(ctx context.Context, alloc entity.Allocation, calls []domaintool.Call) string {
	var b strings.Builder
	for _, c := range calls {
		fmt.Fprintf(&b, "[%s] %s\n", c.Tool, w.execOne(ctx, alloc, c))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (w *Worker) execOne(ctx context.Context, alloc entity.Allocation, c domaintool.Call) string {
	if !alloc.PermitsTool(c.Tool) {
		return fmt.Sprintf("Access denied: %s", c.Tool)
	}

	t, ok := w.tools.Get(c.Tool)
	if !ok {
		return fmt.Sprintf("Error: unknown tool: %s", c.Tool)
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	res, err := t.Execute(callCtx, c.Args)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if !res.Success {
		if res.Error != "" {
			return "Error: " + res.Error
		}
		return "Error: tool failed"
	}
	return res.Output
}

func (w *Worker) renderGuide(alloc entity.Allocation) string {
	var permitted []domaintool.Definition
	for _, def := range w.tools.List() {
		if alloc.PermitsTool(def.Name) {
			permitted = append(permitted, def)
		}
	}
	return domaintool.RenderGuide(permitted)
}
