package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/pkg/safego"
	"go.uber.org/zap"
)

const ringSize = 200

// Record is one entry in the recent-call ring.
type Record struct {
	Model     string    `json:"model"`
	Input     int       `json:"input"`
	Output    int       `json:"output"`
	Cost      float64   `json:"cost"`
	LatencyMs int64     `json:"latencyMs"`
	Timestamp time.Time `json:"ts"`
	Cached    bool      `json:"cached"`
	Route     string    `json:"route"`
}

// Totals accumulates request counts, tokens, and cost.
type Totals struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// Snapshot is the persisted and API-visible shape of the tracker.
type Snapshot struct {
	Totals    Totals             `json:"totals"`
	PerModel  map[string]*Totals `json:"perModel"`
	PerHour   map[string]*Totals `json:"perHour"`
	PerDay    map[string]*Totals `json:"perDay"`
	Recent    []Record           `json:"recent"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Tracker accumulates per-call usage and persists it with a debounce so a
// burst of calls costs one disk write per second at most. Cache hits are
// ring-recorded for visibility but never counted into totals, which only
// reflect upstream spend.
type Tracker struct {
	mu       sync.Mutex
	pricing  *PricingTable
	totals   Totals
	perModel map[string]*Totals
	perHour  map[string]*Totals
	perDay   map[string]*Totals
	ring     []Record
	filePath string
	dirty    bool
	logger   *zap.Logger
}

// NewTracker creates a tracker, restoring any previously persisted state.
func NewTracker(filePath string, pricing *PricingTable, logger *zap.Logger) *Tracker {
	t := &Tracker{
		pricing:  pricing,
		perModel: make(map[string]*Totals),
		perHour:  make(map[string]*Totals),
		perDay:   make(map[string]*Totals),
		filePath: filePath,
		logger:   logger.With(zap.String("component", "usage-tracker")),
	}
	t.restore()
	return t
}

// Record accounts one upstream call and returns its cost.
func (t *Tracker) Record(model string, u entity.Usage, latency time.Duration, route string) float64 {
	cost := t.pricing.Cost(model, u)
	now := time.Now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.totals.add(u, cost)
	t.bucketLocked(t.perModel, model).add(u, cost)
	t.bucketLocked(t.perHour, now.Format("2006-01-02T15")).add(u, cost)
	t.bucketLocked(t.perDay, now.Format("2006-01-02")).add(u, cost)

	t.pushLocked(Record{
		Model:     model,
		Input:     u.InputTokens,
		Output:    u.OutputTokens,
		Cost:      cost,
		LatencyMs: latency.Milliseconds(),
		Timestamp: now,
		Route:     route,
	})
	t.dirty = true
	return cost
}

// RecordCached notes a cache hit in the ring without touching totals.
func (t *Tracker) RecordCached(model string, u entity.Usage, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pushLocked(Record{
		Model:     model,
		Input:     u.InputTokens,
		Output:    u.OutputTokens,
		LatencyMs: latency.Milliseconds(),
		Timestamp: time.Now().UTC(),
		Cached:    true,
		Route:     "cache",
	})
	t.dirty = true
}

// TotalRequests returns the lifetime upstream request count.
func (t *Tracker) TotalRequests() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals.Requests
}

// Snapshot returns a deep copy safe for serialization.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Start runs the debounced persist loop until the context ends, flushing
// one final time on the way out.
func (t *Tracker) Start(ctx context.Context) {
	if t.filePath == "" {
		return
	}
	safego.Go(t.logger, "usage-persist", func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if err := t.Flush(); err != nil {
					t.logger.Warn("Final usage flush failed", zap.Error(err))
				}
				return
			case <-ticker.C:
				t.mu.Lock()
				dirty := t.dirty
				t.mu.Unlock()
				if !dirty {
					continue
				}
				if err := t.Flush(); err != nil {
					t.logger.Warn("Usage flush failed", zap.Error(err))
				}
			}
		}
	})
}

// Flush writes the snapshot atomically: temp file in the same directory,
// then rename.
func (t *Tracker) Flush() error {
	if t.filePath == "" {
		return nil
	}

	t.mu.Lock()
	snap := t.snapshotLocked()
	t.dirty = false
	t.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}

	dir := filepath.Dir(t.filePath)
	tmp, err := os.CreateTemp(dir, ".aries-usage-*")
	if err != nil {
		return fmt.Errorf("create temp usage file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write usage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close usage file: %w", err)
	}
	if err := os.Rename(tmpName, t.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace usage file: %w", err)
	}
	return nil
}

// --- Internal ---

func (tt *Totals) add(u entity.Usage, cost float64) {
	tt.Requests++
	tt.InputTokens += int64(u.InputTokens)
	tt.OutputTokens += int64(u.OutputTokens)
	tt.Cost += cost
}

func (t *Tracker) bucketLocked(m map[string]*Totals, key string) *Totals {
	b, ok := m[key]
	if !ok {
		b = &Totals{}
		m[key] = b
	}
	return b
}

func (t *Tracker) pushLocked(r Record) {
	t.ring = append(t.ring, r)
	if len(t.ring) > ringSize {
		t.ring = t.ring[len(t.ring)-ringSize:]
	}
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		Totals:    t.totals,
		PerModel:  make(map[string]*Totals, len(t.perModel)),
		PerHour:   make(map[string]*Totals, len(t.perHour)),
		PerDay:    make(map[string]*Totals, len(t.perDay)),
		Recent:    make([]Record, len(t.ring)),
		UpdatedAt: time.Now().UTC(),
	}
	for k, v := range t.perModel {
		c := *v
		snap.PerModel[k] = &c
	}
	for k, v := range t.perHour {
		c := *v
		snap.PerHour[k] = &c
	}
	for k, v := range t.perDay {
		c := *v
		snap.PerDay[k] = &c
	}
	copy(snap.Recent, t.ring)
	return snap
}

// restore reloads persisted counters so restarts don't zero the ledger.
func (t *Tracker) restore() {
	if t.filePath == "" {
		return
	}
	data, err := os.ReadFile(t.filePath)
	if err != nil {
		return
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.logger.Warn("Ignoring corrupt usage file", zap.Error(err))
		return
	}
	t.totals = snap.Totals
	if snap.PerModel != nil {
		t.perModel = snap.PerModel
	}
	if snap.PerHour != nil {
		t.perHour = snap.PerHour
	}
	if snap.PerDay != nil {
		t.perDay = snap.PerDay
	}
	t.ring = snap.Recent
	if len(t.ring) > ringSize {
		t.ring = t.ring[len(t.ring)-ringSize:]
	}
}
