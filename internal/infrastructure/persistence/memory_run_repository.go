package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/repository"
	"github.com/arieshq/aries/pkg/errors"
)

// MemoryRunRepository keeps runs in memory. Used in tests and when no
// database is configured.
type MemoryRunRepository struct {
	mu   sync.RWMutex
	runs map[string]*entity.Run
}

// NewMemoryRunRepository creates an in-memory run repository.
func NewMemoryRunRepository() repository.RunRepository {
	return &MemoryRunRepository{
		runs: make(map[string]*entity.Run),
	}
}

// Save creates or updates a run record.
func (r *MemoryRunRepository) Save(ctx context.Context, run *entity.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

// FindByID returns one run or a not-found error.
func (r *MemoryRunRepository) FindByID(ctx context.Context, id string) (*entity.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, errors.NewNotFoundError("run not found")
	}
	cp := *run
	return &cp, nil
}

// FindRecent returns up to limit runs, newest first.
func (r *MemoryRunRepository) FindRecent(ctx context.Context, limit int) ([]*entity.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	r.mu.RLock()
	runs := make([]*entity.Run, 0, len(r.runs))
	for _, run := range r.runs {
		cp := *run
		runs = append(runs, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
