package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"go.uber.org/zap"
)

const secretHeader = "X-Aries-Secret"

// Client talks to a peer gateway's task API. Tasks are submitted over
// HTTP, polled until a terminal answer, and handed back for local
// execution when the peer never answers in time.
type Client struct {
	name    string
	baseURL string
	secret  string
	http    *http.Client
	logger  *zap.Logger

	pollInterval time.Duration
	pollDeadline time.Duration
	probeCount   int
	probeGap     time.Duration
}

// NewClient creates a relay client. Name distinguishes peers in worker ids
// and logs ("relay-primary", "relay-secondary").
func NewClient(name, baseURL, secret string, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With(zap.String("relay", name)),

		pollInterval: 2 * time.Second,
		pollDeadline: 120 * time.Second,
		probeCount:   3,
		probeGap:     time.Second,
	}
}

// Name returns the peer label.
func (c *Client) Name() string { return c.name }

// Available probes the peer's status endpoint a few times before giving
// up, so a peer mid-restart still counts as reachable.
func (c *Client) Available(ctx context.Context) bool {
	if c.baseURL == "" {
		return false
	}
	for i := 0; i < c.probeCount; i++ {
		if c.probe(ctx) {
			return true
		}
		if i == c.probeCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.probeGap):
		}
	}
	return false
}

func (c *Client) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/status", nil)
	if err != nil {
		return false
	}
	req.Header.Set(secretHeader, c.secret)
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Submit posts one task and returns the peer's task id.
func (c *Client) Submit(ctx context.Context, prompt string, maxTokens int) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"prompt":    prompt,
		"maxTokens": maxTokens,
	})
	if err != nil {
		return "", domainErrors.NewSubmitError("marshal task", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/task", bytes.NewReader(payload))
	if err != nil {
		return "", domainErrors.NewSubmitError("create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", domainErrors.NewSubmitError("post task", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return "", domainErrors.NewSubmitError(fmt.Sprintf("peer returned %d", resp.StatusCode), nil)
	}

	id := extractTaskID(body)
	if id == "" {
		return "", domainErrors.NewSubmitError("no task id in response", nil)
	}
	return id, nil
}

// submitEnvelope accepts both the bare and the data-wrapped response
// shapes peers have shipped.
type submitEnvelope struct {
	ID      string   `json:"id"`
	TaskIDs []string `json:"taskIds"`
	Data    *struct {
		ID      string   `json:"id"`
		TaskIDs []string `json:"taskIds"`
	} `json:"data"`
}

func extractTaskID(body []byte) string {
	var env submitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	if env.Data != nil {
		if env.Data.ID != "" {
			return env.Data.ID
		}
		if len(env.Data.TaskIDs) > 0 {
			return env.Data.TaskIDs[0]
		}
	}
	if env.ID != "" {
		return env.ID
	}
	if len(env.TaskIDs) > 0 {
		return env.TaskIDs[0]
	}
	return ""
}

// pollOutcome is one poll's verdict.
type pollOutcome struct {
	done    bool
	ok      bool
	content string
	reason  string
}

func (c *Client) poll(ctx context.Context, taskID string) (pollOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/result/"+taskID, nil)
	if err != nil {
		return pollOutcome{}, domainErrors.NewPollError("create request", err)
	}
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return pollOutcome{}, domainErrors.NewPollError("poll task", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return pollOutcome{}, nil
	case resp.StatusCode == http.StatusOK:
		var env struct {
			Result string `json:"result"`
			Error  string `json:"error"`
			Data   *struct {
				Result string `json:"result"`
				Error  string `json:"error"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return pollOutcome{}, domainErrors.NewPollError("parse poll response", err)
		}
		result, errMsg := env.Result, env.Error
		if env.Data != nil {
			if env.Data.Result != "" {
				result = env.Data.Result
			}
			if env.Data.Error != "" {
				errMsg = env.Data.Error
			}
		}
		if errMsg != "" {
			return pollOutcome{done: true, reason: errMsg}, nil
		}
		if result != "" {
			// Workers report their own failures inline.
			if strings.HasPrefix(result, "ERROR:") {
				return pollOutcome{done: true, reason: result}, nil
			}
			return pollOutcome{done: true, ok: true, content: result}, nil
		}
		// 200 with no payload yet; some peers answer this way while queued.
		return pollOutcome{}, nil
	default:
		return pollOutcome{}, domainErrors.NewPollError(fmt.Sprintf("peer returned %d", resp.StatusCode), nil)
	}
}

// RunBatch dispatches allocations to the peer and reports terminal results
// through onResult. Allocations the peer never accepted or never finished
// inside the poll deadline are returned for local execution. Results that
// arrive after the deadline are dropped with the task.
func (c *Client) RunBatch(ctx context.Context, allocs []entity.Allocation, maxTokens int, onResult func(entity.WorkerResult)) []entity.Allocation {
	var (
		mu      sync.Mutex
		handoff []entity.Allocation
		wg      sync.WaitGroup
	)

	for _, alloc := range allocs {
		wg.Add(1)
		go func(a entity.Allocation) {
			defer wg.Done()
			if res, ok := c.runOne(ctx, a, maxTokens); ok {
				onResult(res)
				return
			}
			mu.Lock()
			handoff = append(handoff, a)
			mu.Unlock()
		}(alloc)
	}

	wg.Wait()
	return handoff
}

// runOne drives a single allocation to a terminal result. The bool is
// false when the allocation should be handed back for local execution.
func (c *Client) runOne(ctx context.Context, a entity.Allocation, maxTokens int) (entity.WorkerResult, bool) {
	workerID := fmt.Sprintf("%s-%d", c.name, a.Subtask.Index)
	start := time.Now()

	prompt := a.SystemPrompt + "\n\n" + a.Subtask.Text
	taskID, err := c.Submit(ctx, prompt, maxTokens)
	if err != nil {
		c.logger.Warn("Relay submit failed, handing task back",
			zap.Int("subtask", a.Subtask.Index),
			zap.Error(err))
		return entity.WorkerResult{}, false
	}

	pollCtx, cancel := context.WithTimeout(ctx, c.pollDeadline)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			c.logger.Warn("Relay poll deadline reached, handing task back",
				zap.String("task_id", taskID),
				zap.Int("subtask", a.Subtask.Index))
			return entity.WorkerResult{}, false
		case <-ticker.C:
			outcome, err := c.poll(pollCtx, taskID)
			if err != nil {
				// Post-dispatch failures stay failures; the task is not
				// re-run locally.
				return entity.WorkerResult{
					WorkerID: workerID,
					Subtask:  a.Subtask,
					RoleID:   a.RoleID,
					Reason:   err.Error(),
					Elapsed:  time.Since(start),
				}, true
			}
			if !outcome.done {
				continue
			}
			return entity.WorkerResult{
				WorkerID: workerID,
				Subtask:  a.Subtask,
				RoleID:   a.RoleID,
				OK:       outcome.ok,
				Content:  outcome.content,
				Reason:   outcome.reason,
				Elapsed:  time.Since(start),
			}, true
		}
	}
}
