package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/roster"
	"go.uber.org/zap"
)

// Aggregator folds the workers' results into one answer with a single
// model call. Like the decomposer it never fails the run: a model error
// falls back to a deterministic concatenation of the raw results.
type Aggregator struct {
	client ChatClient
	model  string
	roster *roster.Roster
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(client ChatClient, model string, r *roster.Roster, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		client: client,
		model:  model,
		roster: r,
		logger: logger.With(zap.String("component", "aggregator")),
	}
}

// Aggregate synthesizes results (already in subtask-index order) and
// returns the answer plus the tokens spent.
func (a *Aggregator) Aggregate(ctx context.Context, task string, results []entity.WorkerResult) (string, int) {
	sections := a.renderSections(results)

	resp, err := a.client.Generate(ctx, &entity.ChatRequest{
		Model: a.model,
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: aggregatorPrompt},
			{Role: entity.RoleUser, Content: fmt.Sprintf("Task: %s\n\nSpecialist results:\n\n%s", task, sections)},
		},
	})
	if err != nil {
		a.logger.Warn("Aggregation call failed, returning raw results", zap.Error(err))
		return a.fallback(task, sections), 0
	}
	if strings.TrimSpace(resp.Content) == "" {
		return a.fallback(task, sections), resp.Usage.Total()
	}
	return resp.Content, resp.Usage.Total()
}

const aggregatorPrompt = `You are the swarm aggregator. Synthesize the specialists' results into one coherent answer. Rules:
- Weigh each contribution by the specialist's expertise.
- Credit agents by name when their contribution is significant.
- When specialists conflict, favor the domain specialist.
- Surface points of agreement as high-confidence findings.
- Flag subtasks that failed.`

// renderSections formats each result as
// "### {workerId} ({agentName}): {subtask}" followed by its payload.
func (a *Aggregator) renderSections(results []entity.WorkerResult) string {
	var b strings.Builder
	for _, res := range results {
		name := res.RoleID
		if role, ok := a.roster.Get(res.RoleID); ok {
			name = role.Name
		}
		body := res.Content
		if !res.OK {
			body = "FAILED: " + res.Reason
		}
		fmt.Fprintf(&b, "### %s (%s): %s\n%s\n\n", res.WorkerID, name, res.Subtask.Text, body)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Aggregator) fallback(task, sections string) string {
	return fmt.Sprintf("Swarm results for: %s\n\n%s", task, sections)
}
