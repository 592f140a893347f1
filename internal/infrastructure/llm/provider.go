package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/arieshq/aries/internal/domain/entity"
	"go.uber.org/zap"
)

// Provider is one upstream chat backend. Generate and GenerateStream carry
// the adapter contract: translate the generic request to the upstream wire
// format, call it, and translate back.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string

	// Generate performs a non-streaming completion.
	Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error)

	// GenerateStream emits an ordered, finite sequence of stream events to
	// the sink and returns the final usage counters.
	GenerateStream(ctx context.Context, req *entity.ChatRequest, sink entity.StreamSink) (*entity.Usage, error)
}

// ProviderConfig holds configuration for an upstream provider.
type ProviderConfig struct {
	Name    string `json:"name"`
	Type    string `json:"type"` // "anthropic" (default)
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// --- Provider Factory Registry ---
// Providers register themselves via init() in their own package.
// Adding a new upstream type = implement Provider + RegisterFactory("type", New).

// ProviderFactory creates a Provider from config.
type ProviderFactory func(cfg ProviderConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]ProviderFactory{}
)

// RegisterFactory registers a provider factory for the given type name.
// Called from init() in each provider sub-package.
func RegisterFactory(typeName string, factory ProviderFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typeName] = factory
}

// CreateProvider creates a Provider using the registered factory for cfg.Type.
// If Type is empty, defaults to "anthropic".
func CreateProvider(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	t := cfg.Type
	if t == "" {
		t = "anthropic"
	}

	factoryMu.RLock()
	factory, ok := factories[t]
	factoryMu.RUnlock()

	if !ok {
		factoryMu.RLock()
		available := make([]string, 0, len(factories))
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider type %q (available: %v)", t, available)
	}

	return factory(cfg, logger), nil
}
