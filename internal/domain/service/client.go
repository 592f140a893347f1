package service

import (
	"context"

	"github.com/arieshq/aries/internal/domain/entity"
)

// ChatClient is the port swarm services use for model calls. The gateway's
// router implements it behind an adapter; tests supply fakes.
type ChatClient interface {
	Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error)
}
