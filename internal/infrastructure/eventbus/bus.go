package eventbus

import (
	"sort"
	"sync"
	"time"

	"github.com/arieshq/aries/internal/domain/entity"
	"go.uber.org/zap"
)

const (
	// historyCap bounds the replay buffer per run.
	historyCap = 256
	// subBuffer is the channel depth per subscriber. Publishing never
	// blocks; a subscriber that falls this far behind loses events.
	subBuffer = 64
	// maxFinished bounds how many finished runs stay replayable.
	maxFinished = 64
)

// Bus fans swarm run events out to any number of observers. Each run gets
// its own stream; subscribers arriving mid-run receive the history first,
// then live events. A finished run stays replayable until evicted.
type Bus struct {
	mu     sync.Mutex
	runs   map[string]*runStream
	logger *zap.Logger
}

type runStream struct {
	history    []entity.SwarmEvent
	truncated  bool
	subs       map[int]chan entity.SwarmEvent
	nextSub    int
	done       bool
	finishedAt time.Time
}

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		runs:   make(map[string]*runStream),
		logger: logger.With(zap.String("component", "eventbus")),
	}
}

// Publish appends an event to the run's history and delivers it to all
// live subscribers without blocking.
func (b *Bus) Publish(runID string, ev entity.SwarmEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs := b.stream(runID)
	if rs.done {
		return
	}
	if len(rs.history) < historyCap {
		rs.history = append(rs.history, ev)
	} else {
		rs.truncated = true
	}

	for id, ch := range rs.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Subscriber lagging, dropping event",
				zap.String("run_id", runID),
				zap.Int("subscriber", id),
				zap.String("type", string(ev.Type)))
		}
	}
}

// Finish marks a run's stream terminal and closes all subscriber channels.
// The history remains available for replay.
func (b *Bus) Finish(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs, ok := b.runs[runID]
	if !ok || rs.done {
		return
	}
	rs.done = true
	rs.finishedAt = time.Now()
	for id, ch := range rs.subs {
		close(ch)
		delete(rs.subs, id)
	}
	b.evictLocked()
}

// Subscribe attaches to a run's stream. The returned channel first yields
// any buffered history, then live events, and is closed when the run
// finishes. The cancel function detaches early; it is safe to call after
// the channel closed.
func (b *Bus) Subscribe(runID string) (<-chan entity.SwarmEvent, func()) {
	b.mu.Lock()
	rs := b.stream(runID)

	ch := make(chan entity.SwarmEvent, len(rs.history)+subBuffer)
	for _, ev := range rs.history {
		ch <- ev
	}

	if rs.done {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}

	id := rs.nextSub
	rs.nextSub++
	rs.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := rs.subs[id]; ok && cur == ch {
			close(ch)
			delete(rs.subs, id)
		}
	}
	return ch, cancel
}

// History returns a copy of the events recorded so far and whether the
// buffer overflowed.
func (b *Bus) History(runID string) ([]entity.SwarmEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rs, ok := b.runs[runID]
	if !ok {
		return nil, false
	}
	out := make([]entity.SwarmEvent, len(rs.history))
	copy(out, rs.history)
	return out, rs.truncated
}

// ActiveRuns counts runs that have not finished yet.
func (b *Bus) ActiveRuns() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, rs := range b.runs {
		if !rs.done {
			n++
		}
	}
	return n
}

func (b *Bus) stream(runID string) *runStream {
	rs, ok := b.runs[runID]
	if !ok {
		rs = &runStream{subs: make(map[int]chan entity.SwarmEvent)}
		b.runs[runID] = rs
	}
	return rs
}

// evictLocked drops the oldest finished streams beyond the retention cap.
func (b *Bus) evictLocked() {
	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, rs := range b.runs {
		if rs.done {
			done = append(done, finished{id, rs.finishedAt})
		}
	}
	if len(done) <= maxFinished {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
	for _, f := range done[:len(done)-maxFinished] {
		delete(b.runs, f.id)
	}
}
