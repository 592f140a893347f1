package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/roster"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"github.com/arieshq/aries/pkg/safego"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RemotePool is the executor's view of the coordinator's worker set.
type RemotePool interface {
	// IdleCount returns how many remote workers could take a task right now.
	IdleCount() int
	// Dispatch sends one task to an idle worker and waits for its result.
	Dispatch(ctx context.Context, task, systemPrompt string, timeout time.Duration) (content string, workerID string, err error)
}

// RelayPool is the executor's view of one peer gateway.
type RelayPool interface {
	Name() string
	Available(ctx context.Context) bool
	// RunBatch dispatches allocations and returns the ones the peer never
	// finished; those run locally instead.
	RunBatch(ctx context.Context, allocs []entity.Allocation, maxTokens int, onResult func(entity.WorkerResult)) []entity.Allocation
}

// ExecutorConfig bounds one run.
type ExecutorConfig struct {
	Concurrency   int           // parallel local API workers
	WorkerTimeout time.Duration // per-attempt wall clock
	Retries       int           // extra attempts after the first
	MaxTokens     int
}

// SwarmExecutor orchestrates a full run: decompose, allocate, execute
// across the relay / remote / local pools, aggregate.
type SwarmExecutor struct {
	decomposer *Decomposer
	aggregator *Aggregator
	worker     *Worker
	roster     *roster.Roster
	remotes    RemotePool  // nil = coordinator disabled
	relays     []RelayPool // tried in order; first available takes the batch
	cfg        ExecutorConfig
	logger     *zap.Logger
}

// NewSwarmExecutor wires an executor.
func NewSwarmExecutor(
	decomposer *Decomposer,
	aggregator *Aggregator,
	worker *Worker,
	r *roster.Roster,
	remotes RemotePool,
	relays []RelayPool,
	cfg ExecutorConfig,
	logger *zap.Logger,
) *SwarmExecutor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 90 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &SwarmExecutor{
		decomposer: decomposer,
		aggregator: aggregator,
		worker:     worker,
		roster:     r,
		remotes:    remotes,
		relays:     relays,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "swarm-executor")),
	}
}

// runState is the shared bookkeeping for one run.
type runState struct {
	runID    string
	emit     func(entity.SwarmEvent)
	findings *Findings

	mu         sync.Mutex
	results    []entity.WorkerResult
	completed  int
	failed     int
	killed     int
	tokens     int
	remoteUsed map[string]struct{}
	total      int
}

// Execute runs one task through the swarm. The emit callback receives
// progress events in order; pass a no-op when nobody is watching.
func (e *SwarmExecutor) Execute(ctx context.Context, runID, task string, emit func(entity.SwarmEvent)) (string, entity.RunStats, error) {
	if emit == nil {
		emit = func(entity.SwarmEvent) {}
	}
	start := time.Now()

	rs := &runState{
		runID:      runID,
		emit:       emit,
		findings:   NewFindings(),
		remoteUsed: make(map[string]struct{}),
	}

	e.emitStatus(rs, "activated")
	e.roster.SetWorking("commander", task)
	defer e.roster.ResetAll()

	subtasks, dtok := e.decomposer.Decompose(ctx, task)
	rs.addTokens(dtok)
	rs.total = len(subtasks)

	texts := make([]string, len(subtasks))
	for i, st := range subtasks {
		texts[i] = st.Text
	}
	rs.emit(entity.SwarmEvent{
		Type:      entity.EventDecomposed,
		RunID:     runID,
		Subtasks:  texts,
		Total:     len(subtasks),
		Timestamp: time.Now(),
	})

	allocs := e.roster.Allocate(subtasks)
	rs.emit(entity.SwarmEvent{
		Type:      entity.EventAllocations,
		RunID:     runID,
		Roles:     roster.RoleAssignments(allocs),
		Timestamp: time.Now(),
	})

	pending := e.runRelays(ctx, rs, allocs)
	if len(pending) > 0 {
		e.runLocalPool(ctx, rs, pending)
	}

	stats := e.finishStats(rs, start)

	if ctx.Err() != nil {
		return "", stats, ctx.Err()
	}
	if stats.Completed == 0 && stats.TotalTasks > 0 {
		return "", stats, domainErrors.NewSwarmError("all backends failed: " + rs.failureSummary())
	}

	e.emitStatus(rs, "aggregating")
	answer, atok := e.aggregator.Aggregate(ctx, task, rs.sortedResults())
	rs.addTokens(atok)
	stats.Tokens = rs.tokenCount()

	rs.emit(entity.SwarmEvent{
		Type:      entity.EventComplete,
		RunID:     runID,
		Result:    answer,
		Stats:     &stats,
		Timestamp: time.Now(),
	})
	return answer, stats, nil
}

// runRelays offers the whole batch to the first available relay. Whatever
// the relay never finishes comes back as pending work.
func (e *SwarmExecutor) runRelays(ctx context.Context, rs *runState, allocs []entity.Allocation) []entity.Allocation {
	for _, relay := range e.relays {
		if relay == nil {
			continue
		}
		if !relay.Available(ctx) {
			e.logger.Info("Relay unavailable, trying next pool", zap.String("relay", relay.Name()))
			continue
		}

		e.emitStatus(rs, "dispatching via "+relay.Name())
		for _, a := range allocs {
			e.startWorker(rs, a, relay.Name(), "")
		}

		handoff := relay.RunBatch(ctx, allocs, e.cfg.MaxTokens, func(res entity.WorkerResult) {
			e.collect(rs, res, relay.Name(), false)
		})
		if len(handoff) > 0 {
			e.logger.Warn("Relay handed tasks back for local execution",
				zap.String("relay", relay.Name()),
				zap.Int("count", len(handoff)))
		}
		return handoff
	}
	return allocs
}

// runLocalPool executes allocations with a bounded worker group. The cap
// follows the available capacity: local API permits plus currently idle
// remote workers, never more than the number of subtasks.
func (e *SwarmExecutor) runLocalPool(ctx context.Context, rs *runState, allocs []entity.Allocation) {
	idle := 0
	if e.remotes != nil {
		idle = e.remotes.IdleCount()
	}
	limit := e.cfg.Concurrency + idle
	if limit > len(allocs) {
		limit = len(allocs)
	}
	if limit < 1 {
		limit = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, alloc := range allocs {
		alloc := alloc
		g.Go(func() error {
			e.runSubtask(ctx, rs, alloc)
			return nil
		})
	}
	g.Wait()
}

// runSubtask prefers an idle remote worker at dispatch time and falls
// through to local execution when none exists or the dispatch errors.
func (e *SwarmExecutor) runSubtask(ctx context.Context, rs *runState, alloc entity.Allocation) {
	if ctx.Err() != nil {
		e.kill(rs, alloc)
		return
	}

	if e.remotes != nil && e.remotes.IdleCount() > 0 {
		e.startWorker(rs, alloc, "remote", "")
		start := time.Now()
		content, workerID, err := e.remotes.Dispatch(ctx, alloc.Subtask.Text, alloc.SystemPrompt, e.cfg.WorkerTimeout)
		if err == nil {
			e.collect(rs, entity.WorkerResult{
				WorkerID: workerID,
				Subtask:  alloc.Subtask,
				RoleID:   alloc.RoleID,
				OK:       true,
				Content:  content,
				Elapsed:  time.Since(start),
			}, "remote", false)
			return
		}
		e.logger.Warn("Remote dispatch failed, running locally",
			zap.Int("subtask", alloc.Subtask.Index),
			zap.Error(err))
	}

	e.runLocal(ctx, rs, alloc)
}

// runLocal drives one allocation through the local worker with retries.
func (e *SwarmExecutor) runLocal(ctx context.Context, rs *runState, alloc entity.Allocation) {
	workerID := fmt.Sprintf("local-%d", alloc.Subtask.Index)
	e.startWorker(rs, alloc, "local", workerID)
	start := time.Now()

	var lastErr error
	attempts := e.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			e.kill(rs, alloc)
			return
		}
		if attempt > 0 {
			e.roster.SetRetrying(alloc.RoleID)
			e.roster.SetWorking(alloc.RoleID, alloc.Subtask.Text)
		}

		content, tokens, err := e.attemptLocal(ctx, alloc, rs.findings)
		rs.addTokens(tokens)
		if err == nil {
			e.collect(rs, entity.WorkerResult{
				WorkerID: workerID,
				Subtask:  alloc.Subtask,
				RoleID:   alloc.RoleID,
				OK:       true,
				Content:  content,
				Elapsed:  time.Since(start),
			}, "local", false)
			return
		}
		lastErr = err
		e.logger.Warn("Worker attempt failed",
			zap.Int("subtask", alloc.Subtask.Index),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
	}

	e.collect(rs, entity.WorkerResult{
		WorkerID: workerID,
		Subtask:  alloc.Subtask,
		RoleID:   alloc.RoleID,
		Reason:   lastErr.Error(),
		Elapsed:  time.Since(start),
	}, "local", false)
}

// attemptLocal runs one worker attempt under the worker timeout. A timed
// out attempt counts as failed; the underlying call is left to finish and
// its result is discarded.
func (e *SwarmExecutor) attemptLocal(ctx context.Context, alloc entity.Allocation, findings *Findings) (string, int, error) {
	type outcome struct {
		content string
		tokens  int
		err     error
	}
	ch := make(chan outcome, 1)
	safego.Go(e.logger, "local-worker", func() {
		content, tokens, err := e.worker.Run(ctx, alloc, findings)
		ch <- outcome{content, tokens, err}
	})

	timer := time.NewTimer(e.cfg.WorkerTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out.content, out.tokens, out.err
	case <-timer.C:
		return "", 0, domainErrors.NewInternalError(fmt.Sprintf("worker timed out after %s", e.cfg.WorkerTimeout))
	case <-ctx.Done():
		return "", 0, ctx.Err()
	}
}

// --- Bookkeeping ---

func (e *SwarmExecutor) startWorker(rs *runState, alloc entity.Allocation, route, workerID string) {
	e.roster.SetWorking(alloc.RoleID, alloc.Subtask.Text)
	rs.emit(entity.SwarmEvent{
		Type:  entity.EventWorkerStart,
		RunID: rs.runID,
		Worker: &entity.WorkerUpdate{
			WorkerID: workerID,
			RoleID:   alloc.RoleID,
			Index:    alloc.Subtask.Index,
			Route:    route,
		},
		Timestamp: time.Now(),
	})
}

func (e *SwarmExecutor) collect(rs *runState, res entity.WorkerResult, route string, killed bool) {
	rs.mu.Lock()
	rs.results = append(rs.results, res)
	switch {
	case killed:
		rs.killed++
	case res.OK:
		rs.completed++
	default:
		rs.failed++
	}
	if route != "local" && res.WorkerID != "" {
		rs.remoteUsed[res.WorkerID] = struct{}{}
	}
	done := rs.completed + rs.failed + rs.killed
	total := rs.total
	rs.mu.Unlock()

	if res.OK {
		rs.findings.Publish(res.RoleID, res.Subtask.Index, res.Content)
	}
	e.roster.SetIdle(res.RoleID)

	evType := entity.EventWorkerDone
	if !res.OK {
		evType = entity.EventWorkerFailed
	}
	rs.emit(entity.SwarmEvent{
		Type:  evType,
		RunID: rs.runID,
		Worker: &entity.WorkerUpdate{
			WorkerID: res.WorkerID,
			RoleID:   res.RoleID,
			Index:    res.Subtask.Index,
			Route:    route,
			Reason:   res.Reason,
			Elapsed:  res.Elapsed,
		},
		Timestamp: time.Now(),
	})
	rs.emit(entity.SwarmEvent{
		Type:      entity.EventProgress,
		RunID:     rs.runID,
		Completed: done,
		Total:     total,
		Timestamp: time.Now(),
	})
}

// kill records a subtask the run's cancellation cut off.
func (e *SwarmExecutor) kill(rs *runState, alloc entity.Allocation) {
	e.collect(rs, entity.WorkerResult{
		WorkerID: fmt.Sprintf("local-%d", alloc.Subtask.Index),
		Subtask:  alloc.Subtask,
		RoleID:   alloc.RoleID,
		Reason:   "canceled",
	}, "local", true)
}

func (e *SwarmExecutor) emitStatus(rs *runState, msg string) {
	rs.emit(entity.SwarmEvent{
		Type:      entity.EventStatus,
		RunID:     rs.runID,
		Message:   msg,
		Timestamp: time.Now(),
	})
}

func (e *SwarmExecutor) finishStats(rs *runState, start time.Time) entity.RunStats {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return entity.RunStats{
		TotalTasks:    rs.total,
		Completed:     rs.completed,
		Failed:        rs.failed,
		Killed:        rs.killed,
		TotalTime:     time.Since(start),
		Tokens:        rs.tokens,
		RemoteWorkers: len(rs.remoteUsed),
	}
}

func (rs *runState) addTokens(n int) {
	if n == 0 {
		return
	}
	rs.mu.Lock()
	rs.tokens += n
	rs.mu.Unlock()
}

func (rs *runState) tokenCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.tokens
}

// failureSummary joins the distinct failure reasons into one line.
func (rs *runState) failureSummary() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	seen := make(map[string]struct{})
	var reasons []string
	for _, res := range rs.results {
		if res.OK || res.Reason == "" {
			continue
		}
		if _, dup := seen[res.Reason]; dup {
			continue
		}
		seen[res.Reason] = struct{}{}
		reasons = append(reasons, res.Reason)
	}
	if len(reasons) == 0 {
		return "no worker produced a result"
	}
	return strings.Join(reasons, "; ")
}

func (rs *runState) sortedResults() []entity.WorkerResult {
	rs.mu.Lock()
	out := make([]entity.WorkerResult, len(rs.results))
	copy(out, rs.results)
	rs.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Subtask.Index < out[j].Subtask.Index })
	return out
}
