package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/repository"
	"github.com/arieshq/aries/internal/domain/service"
	"github.com/arieshq/aries/internal/infrastructure/eventbus"
	"github.com/arieshq/aries/internal/infrastructure/monitoring"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"github.com/arieshq/aries/pkg/safego"
)

// persistTimeout bounds the final run-record write after execution ends.
const persistTimeout = 5 * time.Second

// SwarmUseCase owns the lifecycle of swarm runs: accept, execute in the
// background, stream progress, persist the outcome, cancel on demand.
type SwarmUseCase struct {
	executor *service.SwarmExecutor
	runs     repository.RunRepository
	bus      *eventbus.Bus
	monitor  *monitoring.Monitor
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewSwarm wires the swarm run manager.
func NewSwarm(
	executor *service.SwarmExecutor,
	runs repository.RunRepository,
	bus *eventbus.Bus,
	monitor *monitoring.Monitor,
	logger *zap.Logger,
) *SwarmUseCase {
	return &SwarmUseCase{
		executor: executor,
		runs:     runs,
		bus:      bus,
		monitor:  monitor,
		logger:   logger.With(zap.String("component", "swarm")),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Submit accepts a task, persists the running record, and starts execution
// in the background. The returned run ID keys event subscriptions, status
// lookups, and cancellation.
func (s *SwarmUseCase) Submit(ctx context.Context, task string) (string, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return "", domainErrors.NewInvalidInputError("task must not be empty")
	}

	runID := uuid.NewString()
	run := entity.NewRun(runID, task)
	if err := s.runs.Save(ctx, run); err != nil {
		return "", err
	}

	// Execution outlives the submitting request; it stops only via Cancel.
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()

	s.monitor.IncSwarmRun()
	s.logger.Info("Swarm run accepted",
		zap.String("run_id", runID),
		zap.Int("task_len", len(task)))

	safego.Go(s.logger, "swarm-run", func() {
		defer s.forget(runID)
		s.execute(runCtx, run)
	})
	return runID, nil
}

// Cancel stops a running swarm. It reports whether the run was still
// active.
func (s *SwarmUseCase) Cancel(runID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Get returns one run record.
func (s *SwarmUseCase) Get(ctx context.Context, runID string) (*entity.Run, error) {
	return s.runs.FindByID(ctx, runID)
}

// Recent returns up to limit run records, newest first.
func (s *SwarmUseCase) Recent(ctx context.Context, limit int) ([]*entity.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.runs.FindRecent(ctx, limit)
}

// Subscribe attaches to a run's event stream; history replays first.
func (s *SwarmUseCase) Subscribe(runID string) (<-chan entity.SwarmEvent, func()) {
	return s.bus.Subscribe(runID)
}

// ActiveRuns counts runs still executing.
func (s *SwarmUseCase) ActiveRuns() int {
	return s.bus.ActiveRuns()
}

func (s *SwarmUseCase) execute(ctx context.Context, run *entity.Run) {
	emit := func(ev entity.SwarmEvent) { s.bus.Publish(run.ID, ev) }

	result, stats, err := s.executor.Execute(ctx, run.ID, run.Task, emit)
	switch {
	case err == nil:
		run.Complete(result, stats)
		s.monitor.IncSwarmCompleted()
		s.logger.Info("Swarm run completed",
			zap.String("run_id", run.ID),
			zap.Int("completed", stats.Completed),
			zap.Int("failed", stats.Failed),
			zap.Duration("elapsed", stats.TotalTime))
	case ctx.Err() != nil:
		run.Cancel(stats)
		s.logger.Info("Swarm run canceled", zap.String("run_id", run.ID))
	default:
		run.Fail(err.Error(), stats)
		s.monitor.IncSwarmFailed()
		s.logger.Warn("Swarm run failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	saveCtx, cancelSave := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelSave()
	if err := s.runs.Save(saveCtx, run); err != nil {
		s.logger.Error("Failed to persist run outcome",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}

	// The executor emits the complete event itself on success; failed and
	// canceled runs still need a terminal event so subscribers can stop.
	if run.Status != entity.RunStatusCompleted {
		msg := run.Error
		if run.Status == entity.RunStatusCanceled {
			msg = "canceled"
		}
		s.bus.Publish(run.ID, entity.SwarmEvent{
			Type:      entity.EventComplete,
			RunID:     run.ID,
			Message:   msg,
			Stats:     &run.Stats,
			Timestamp: time.Now(),
		})
	}
	s.bus.Finish(run.ID)
}

func (s *SwarmUseCase) forget(runID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[runID]; ok {
		cancel()
		delete(s.cancels, runID)
	}
	s.mu.Unlock()
}
