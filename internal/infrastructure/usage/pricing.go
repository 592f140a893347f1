package usage

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/arieshq/aries/internal/domain/entity"
	"gopkg.in/yaml.v3"
)

// ModelPricing holds USD rates per million tokens.
type ModelPricing struct {
	Input      float64 `yaml:"input" json:"input"`
	Output     float64 `yaml:"output" json:"output"`
	CacheRead  float64 `yaml:"cache_read" json:"cacheRead"`
	CacheWrite float64 `yaml:"cache_write" json:"cacheWrite"`
}

// PricingFile is the on-disk pricing document.
type PricingFile struct {
	Models  map[string]ModelPricing `yaml:"models"`
	Default *ModelPricing           `yaml:"default"`
}

// PricingTable resolves a model name to its rates. Lookup is exact match
// first, then substring (so "opus" covers every dated opus release), then
// the default rates.
type PricingTable struct {
	mu     sync.RWMutex
	models map[string]ModelPricing
	def    ModelPricing
}

// DefaultPricing returns a table seeded with the Claude 4 price list.
func DefaultPricing() *PricingTable {
	return &PricingTable{
		models: map[string]ModelPricing{
			"opus":   {Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
			"sonnet": {Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
			"haiku":  {Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
		},
		def: ModelPricing{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
	}
}

// Rates returns the pricing for a model.
func (t *PricingTable) Rates(model string) ModelPricing {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.models[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	for key, p := range t.models {
		if strings.Contains(lower, strings.ToLower(key)) {
			return p
		}
	}
	return t.def
}

// Cost computes the USD cost of one call.
func (t *PricingTable) Cost(model string, u entity.Usage) float64 {
	p := t.Rates(model)
	return (float64(u.InputTokens)*p.Input +
		float64(u.OutputTokens)*p.Output +
		float64(u.CacheReadTokens)*p.CacheRead +
		float64(u.CacheWriteTokens)*p.CacheWrite) / 1e6
}

// Update replaces the table contents. A nil default keeps the current one.
func (t *PricingTable) Update(models map[string]ModelPricing, def *ModelPricing) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if models != nil {
		t.models = models
	}
	if def != nil {
		t.def = *def
	}
}

// LoadPricingFile parses a YAML pricing document.
func LoadPricingFile(path string) (*PricingFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var pf PricingFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	return &pf, nil
}
