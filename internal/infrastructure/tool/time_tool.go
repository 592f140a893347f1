package tool

import (
	"context"
	"fmt"
	"time"

	domaintool "github.com/arieshq/aries/internal/domain/tool"
)

// CurrentTimeTool reports wall-clock time. Models have no clock; several
// roles (scout, navigator, trader) need one for time-sensitive answers.
type CurrentTimeTool struct{}

func NewCurrentTimeTool() *CurrentTimeTool { return &CurrentTimeTool{} }

func (t *CurrentTimeTool) Name() string { return "current_time" }

func (t *CurrentTimeTool) Description() string {
	return "Get the current date and time (UTC and unix seconds). Takes an optional IANA timezone."
}

func (t *CurrentTimeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name, e.g. Europe/Berlin (default UTC)",
			},
		},
	}
}

func (t *CurrentTimeTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	loc := time.UTC
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return &domaintool.Result{
				Success: false,
				Error:   fmt.Sprintf("unknown timezone: %s", tz),
			}, nil
		}
		loc = parsed
	}

	now := time.Now().In(loc)
	return &domaintool.Result{
		Output:  fmt.Sprintf("%s (unix %d)", now.Format(time.RFC3339), now.Unix()),
		Success: true,
	}, nil
}
