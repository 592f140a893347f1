package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/domain/repository"
	"github.com/arieshq/aries/internal/infrastructure/persistence/models"
	domainErrors "github.com/arieshq/aries/pkg/errors"
	"gorm.io/gorm"
)

// GormRunRepository persists runs through GORM.
type GormRunRepository struct {
	db *gorm.DB
}

// NewGormRunRepository creates a GORM-backed run repository.
func NewGormRunRepository(db *gorm.DB) repository.RunRepository {
	return &GormRunRepository{db: db}
}

// Save creates or updates a run record.
func (r *GormRunRepository) Save(ctx context.Context, run *entity.Run) error {
	model := toModel(run)
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return domainErrors.NewInternalError("failed to save run: " + err.Error())
	}
	return nil
}

// FindByID returns one run or a not-found error.
func (r *GormRunRepository) FindByID(ctx context.Context, id string) (*entity.Run, error) {
	var model models.RunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domainErrors.NewNotFoundError("run not found")
		}
		return nil, domainErrors.NewInternalError("failed to find run: " + err.Error())
	}
	return toEntity(&model), nil
}

// FindRecent returns up to limit runs, newest first.
func (r *GormRunRepository) FindRecent(ctx context.Context, limit int) ([]*entity.Run, error) {
	if limit <= 0 {
		limit = 50
	}

	var modelList []models.RunModel
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&modelList).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list runs: " + err.Error())
	}

	runs := make([]*entity.Run, 0, len(modelList))
	for i := range modelList {
		runs = append(runs, toEntity(&modelList[i]))
	}
	return runs, nil
}

func toModel(run *entity.Run) *models.RunModel {
	return &models.RunModel{
		ID:            run.ID,
		Task:          run.Task,
		Status:        string(run.Status),
		Result:        run.Result,
		Error:         run.Error,
		TotalTasks:    run.Stats.TotalTasks,
		Completed:     run.Stats.Completed,
		Failed:        run.Stats.Failed,
		Killed:        run.Stats.Killed,
		Tokens:        run.Stats.Tokens,
		RemoteWorkers: run.Stats.RemoteWorkers,
		DurationMs:    run.Stats.TotalTime.Milliseconds(),
		CreatedAt:     run.CreatedAt,
		CompletedAt:   run.CompletedAt,
	}
}

func toEntity(model *models.RunModel) *entity.Run {
	return &entity.Run{
		ID:     model.ID,
		Task:   model.Task,
		Status: entity.RunStatus(model.Status),
		Result: model.Result,
		Error:  model.Error,
		Stats: entity.RunStats{
			TotalTasks:    model.TotalTasks,
			Completed:     model.Completed,
			Failed:        model.Failed,
			Killed:        model.Killed,
			Tokens:        model.Tokens,
			RemoteWorkers: model.RemoteWorkers,
			TotalTime:     time.Duration(model.DurationMs) * time.Millisecond,
		},
		CreatedAt:   model.CreatedAt,
		CompletedAt: model.CompletedAt,
	}
}
