package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/roster"
	"go.uber.org/zap"
)

const maxSubtasks = 10

// Decomposer splits a user task into subtasks with one model call. It
// never fails: any model or parse problem degrades to the original task
// as the single subtask.
type Decomposer struct {
	client  ChatClient
	model   string
	ceiling int
	roster  *roster.Roster
	logger  *zap.Logger
}

// NewDecomposer creates a decomposer. Model is typically cheaper than the
// worker model. The ceiling caps how many subtasks survive parsing and is
// itself capped at 10.
func NewDecomposer(client ChatClient, model string, ceiling int, r *roster.Roster, logger *zap.Logger) *Decomposer {
	if ceiling <= 0 || ceiling > maxSubtasks {
		ceiling = maxSubtasks
	}
	return &Decomposer{
		client:  client,
		model:   model,
		ceiling: ceiling,
		roster:  r,
		logger:  logger.With(zap.String("component", "decomposer")),
	}
}

// Decompose returns the subtasks and the tokens spent deriving them.
func (d *Decomposer) Decompose(ctx context.Context, task string) ([]entity.Subtask, int) {
	resp, err := d.client.Generate(ctx, &entity.ChatRequest{
		Model: d.model,
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: d.systemPrompt()},
			{Role: entity.RoleUser, Content: task},
		},
	})
	if err != nil {
		d.logger.Warn("Decomposition call failed, using original task", zap.Error(err))
		return singleSubtask(task), 0
	}

	parts := parseSubtaskArray(resp.Content)
	if len(parts) == 0 {
		d.logger.Warn("Decomposition unparseable, using original task",
			zap.String("content", firstN(resp.Content, 200)))
		return singleSubtask(task), resp.Usage.Total()
	}
	if len(parts) > d.ceiling {
		parts = parts[:d.ceiling]
	}

	subtasks := make([]entity.Subtask, len(parts))
	for i, p := range parts {
		subtasks[i] = entity.Subtask{Index: i, Text: p}
	}
	return subtasks, resp.Usage.Total()
}

func (d *Decomposer) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a task decomposition engine for a swarm of specialist agents.\n")
	b.WriteString("Break the user's task into 2-10 concrete subtasks. Rules:\n")
	b.WriteString("- Each subtask must be specific and actionable on its own.\n")
	b.WriteString("- For complex tasks, target at least 3 distinct specialist roles.\n")
	b.WriteString("- Work the matching specialist's keywords into each subtask text.\n")
	b.WriteString("- Respond with ONLY a JSON array of subtask strings, nothing else.\n\n")
	b.WriteString("Specialists and their keywords:\n")
	for _, role := range d.roster.Roles() {
		fmt.Fprintf(&b, "- %s: %s\n", role.ID, strings.Join(role.Keywords, ", "))
	}
	return b.String()
}

// parseSubtaskArray extracts the first [...] substring and decodes it.
// Anything that is not a non-empty array of non-empty strings yields nil.
func parseSubtaskArray(content string) []string {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil
	}

	var raw []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil
	}

	parts := make([]string, 0, len(raw))
	for _, s := range raw {
		if t := strings.TrimSpace(s); t != "" {
			parts = append(parts, t)
		}
	}
	return parts
}

func singleSubtask(task string) []entity.Subtask {
	return []entity.Subtask{{Index: 0, Text: task}}
}

func firstN(s string, n int) string {
	if runes := []rune(s); len(runes) > n {
		return string(runes[:n])
	}
	return s
}
