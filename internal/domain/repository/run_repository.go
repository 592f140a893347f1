package repository

import (
	"context"

	"github.com/arieshq/aries/internal/domain/entity"
)

// RunRepository stores swarm run records. Defined in the domain layer,
// implemented in infrastructure.
type RunRepository interface {
	// Save creates or updates a run record.
	Save(ctx context.Context, run *entity.Run) error

	// FindByID returns one run or a not-found error.
	FindByID(ctx context.Context, id string) (*entity.Run, error)

	// FindRecent returns up to limit runs, newest first.
	FindRecent(ctx context.Context, limit int) ([]*entity.Run, error)
}
