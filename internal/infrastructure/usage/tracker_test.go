package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	"go.uber.org/zap"
)

func newMemTracker() *Tracker {
	return NewTracker("", DefaultPricing(), zap.NewNop())
}

// === Tracker Tests ===

func TestTracker_RecordTotals(t *testing.T) {
	tr := newMemTracker()

	cost := tr.Record("sonnet", entity.Usage{InputTokens: 1000, OutputTokens: 500}, 120*time.Millisecond, "primary")
	if cost <= 0 {
		t.Fatalf("expected positive cost, got %f", cost)
	}

	snap := tr.Snapshot()
	if snap.Totals.Requests != 1 {
		t.Fatalf("expected 1 request, got %d", snap.Totals.Requests)
	}
	if snap.Totals.InputTokens != 1000 || snap.Totals.OutputTokens != 500 {
		t.Fatalf("token totals wrong: %+v", snap.Totals)
	}
	if snap.PerModel["sonnet"] == nil || snap.PerModel["sonnet"].Requests != 1 {
		t.Fatalf("per-model bucket missing: %+v", snap.PerModel)
	}
	if len(snap.PerHour) != 1 || len(snap.PerDay) != 1 {
		t.Fatalf("time buckets missing: hour=%d day=%d", len(snap.PerHour), len(snap.PerDay))
	}
	if len(snap.Recent) != 1 {
		t.Fatalf("expected 1 ring record, got %d", len(snap.Recent))
	}
	rec := snap.Recent[0]
	if rec.Route != "primary" || rec.LatencyMs != 120 || rec.Cached {
		t.Fatalf("ring record malformed: %+v", rec)
	}
}

func TestTracker_Accumulates(t *testing.T) {
	tr := newMemTracker()

	tr.Record("sonnet", entity.Usage{InputTokens: 100, OutputTokens: 10}, time.Millisecond, "primary")
	tr.Record("sonnet", entity.Usage{InputTokens: 200, OutputTokens: 20}, time.Millisecond, "primary")
	tr.Record("haiku", entity.Usage{InputTokens: 50, OutputTokens: 5}, time.Millisecond, "fallback")

	snap := tr.Snapshot()
	if snap.Totals.Requests != 3 {
		t.Fatalf("expected 3 requests, got %d", snap.Totals.Requests)
	}
	if snap.Totals.InputTokens != 350 {
		t.Fatalf("expected 350 input tokens, got %d", snap.Totals.InputTokens)
	}
	if snap.PerModel["sonnet"].Requests != 2 || snap.PerModel["haiku"].Requests != 1 {
		t.Fatalf("per-model split wrong: %+v", snap.PerModel)
	}
	if tr.TotalRequests() != 3 {
		t.Fatalf("TotalRequests wrong: %d", tr.TotalRequests())
	}
}

func TestTracker_CachedHitsOutsideTotals(t *testing.T) {
	tr := newMemTracker()

	tr.RecordCached("sonnet", entity.Usage{InputTokens: 100, OutputTokens: 10}, time.Millisecond)

	snap := tr.Snapshot()
	// Cache replays cost nothing upstream.
	if snap.Totals.Requests != 0 {
		t.Fatalf("cache hit must not count as a request, got %d", snap.Totals.Requests)
	}
	if len(snap.Recent) != 1 || !snap.Recent[0].Cached || snap.Recent[0].Route != "cache" {
		t.Fatalf("cache hit should be ring-visible: %+v", snap.Recent)
	}
}

func TestTracker_RingCapped(t *testing.T) {
	tr := newMemTracker()

	for i := 0; i < ringSize+50; i++ {
		tr.Record("sonnet", entity.Usage{InputTokens: i}, 0, "primary")
	}

	snap := tr.Snapshot()
	if len(snap.Recent) != ringSize {
		t.Fatalf("expected ring capped at %d, got %d", ringSize, len(snap.Recent))
	}
	// The oldest surviving record is number 50.
	if snap.Recent[0].Input != 50 {
		t.Fatalf("expected oldest record input 50, got %d", snap.Recent[0].Input)
	}
	if snap.Totals.Requests != int64(ringSize+50) {
		t.Fatalf("totals must outlive the ring, got %d", snap.Totals.Requests)
	}
}

func TestTracker_SnapshotIsolated(t *testing.T) {
	tr := newMemTracker()
	tr.Record("sonnet", entity.Usage{InputTokens: 10}, 0, "primary")

	snap := tr.Snapshot()
	snap.PerModel["sonnet"].Requests = 999
	snap.Totals.Requests = 999

	fresh := tr.Snapshot()
	if fresh.PerModel["sonnet"].Requests != 1 || fresh.Totals.Requests != 1 {
		t.Fatal("snapshot mutation leaked into the tracker")
	}
}

// === Persistence Tests ===

func TestTracker_FlushRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")

	tr := NewTracker(path, DefaultPricing(), zap.NewNop())
	tr.Record("sonnet", entity.Usage{InputTokens: 100, OutputTokens: 10}, time.Millisecond, "primary")
	tr.Record("haiku", entity.Usage{InputTokens: 50, OutputTokens: 5}, time.Millisecond, "primary")
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	restored := NewTracker(path, DefaultPricing(), zap.NewNop())
	snap := restored.Snapshot()
	if snap.Totals.Requests != 2 {
		t.Fatalf("restore lost totals: %+v", snap.Totals)
	}
	if snap.PerModel["sonnet"] == nil || snap.PerModel["haiku"] == nil {
		t.Fatalf("restore lost per-model buckets: %+v", snap.PerModel)
	}
	if len(snap.Recent) != 2 {
		t.Fatalf("restore lost the ring: %d", len(snap.Recent))
	}
}

func TestTracker_FlushWithoutPath(t *testing.T) {
	tr := newMemTracker()
	tr.Record("sonnet", entity.Usage{InputTokens: 1}, 0, "primary")
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush without a path should be a no-op, got %v", err)
	}
}

func TestTracker_CorruptFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	os.WriteFile(path, []byte("{ not json"), 0o644)

	tr := NewTracker(path, DefaultPricing(), zap.NewNop())
	if tr.TotalRequests() != 0 {
		t.Fatalf("corrupt file should restore nothing, got %d", tr.TotalRequests())
	}
}

func TestTracker_FlushAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.json")

	tr := NewTracker(path, DefaultPricing(), zap.NewNop())
	tr.Record("sonnet", entity.Usage{InputTokens: 1}, 0, "primary")
	if err := tr.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// No temp files may survive a successful flush.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "usage.json" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("unexpected directory contents: %v", names)
	}
}
