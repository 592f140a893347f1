package monitoring

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics holds the gateway's atomic counters.
type Metrics struct {
	RequestsTotal   uint64
	RequestsSuccess uint64
	RequestsFailed  uint64
	StreamsTotal    uint64

	CacheHits   uint64
	CacheMisses uint64

	FallbacksTotal uint64

	SwarmRunsTotal     uint64
	SwarmRunsCompleted uint64
	SwarmRunsFailed    uint64

	ToolCallsTotal  uint64
	ToolCallsFailed uint64

	TokensUsed uint64

	// Latency in nanoseconds, averaged at scrape time.
	RequestLatencySum   uint64
	RequestLatencyCount uint64

	// Gauges.
	ActiveRequests int64
	QueueDepth     int64
	RemoteWorkers  int64

	StartTime time.Time
}

// Monitor collects process metrics for /metrics and /health.
type Monitor struct {
	metrics *Metrics
}

// NewMonitor creates a monitor.
func NewMonitor() *Monitor {
	return &Monitor{metrics: &Metrics{StartTime: time.Now()}}
}

func (m *Monitor) IncRequestTotal()    { atomic.AddUint64(&m.metrics.RequestsTotal, 1) }
func (m *Monitor) IncRequestSuccess()  { atomic.AddUint64(&m.metrics.RequestsSuccess, 1) }
func (m *Monitor) IncRequestFailed()   { atomic.AddUint64(&m.metrics.RequestsFailed, 1) }
func (m *Monitor) IncStream()          { atomic.AddUint64(&m.metrics.StreamsTotal, 1) }
func (m *Monitor) IncCacheHit()        { atomic.AddUint64(&m.metrics.CacheHits, 1) }
func (m *Monitor) IncCacheMiss()       { atomic.AddUint64(&m.metrics.CacheMisses, 1) }
func (m *Monitor) IncFallback()        { atomic.AddUint64(&m.metrics.FallbacksTotal, 1) }
func (m *Monitor) IncSwarmRun()        { atomic.AddUint64(&m.metrics.SwarmRunsTotal, 1) }
func (m *Monitor) IncSwarmCompleted()  { atomic.AddUint64(&m.metrics.SwarmRunsCompleted, 1) }
func (m *Monitor) IncSwarmFailed()     { atomic.AddUint64(&m.metrics.SwarmRunsFailed, 1) }
func (m *Monitor) IncToolCall()        { atomic.AddUint64(&m.metrics.ToolCallsTotal, 1) }
func (m *Monitor) IncToolCallFailed()  { atomic.AddUint64(&m.metrics.ToolCallsFailed, 1) }

func (m *Monitor) AddTokensUsed(n int) {
	if n > 0 {
		atomic.AddUint64(&m.metrics.TokensUsed, uint64(n))
	}
}

func (m *Monitor) RecordRequestLatency(d time.Duration) {
	atomic.AddUint64(&m.metrics.RequestLatencySum, uint64(d.Nanoseconds()))
	atomic.AddUint64(&m.metrics.RequestLatencyCount, 1)
}

func (m *Monitor) SetActiveRequests(n int64) { atomic.StoreInt64(&m.metrics.ActiveRequests, n) }
func (m *Monitor) SetQueueDepth(n int64)     { atomic.StoreInt64(&m.metrics.QueueDepth, n) }
func (m *Monitor) SetRemoteWorkers(n int64)  { atomic.StoreInt64(&m.metrics.RemoteWorkers, n) }

// GetStats returns the current counters for the health endpoint.
func (m *Monitor) GetStats() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(m.metrics.StartTime)
	reqTotal := atomic.LoadUint64(&m.metrics.RequestsTotal)

	avgLatency := float64(0)
	if count := atomic.LoadUint64(&m.metrics.RequestLatencyCount); count > 0 {
		avgLatency = float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(count) / 1e6 // ms
	}

	return map[string]interface{}{
		"uptime_seconds":       uptime.Seconds(),
		"requests_total":       reqTotal,
		"requests_success":     atomic.LoadUint64(&m.metrics.RequestsSuccess),
		"requests_failed":      atomic.LoadUint64(&m.metrics.RequestsFailed),
		"streams_total":        atomic.LoadUint64(&m.metrics.StreamsTotal),
		"cache_hits":           atomic.LoadUint64(&m.metrics.CacheHits),
		"cache_misses":         atomic.LoadUint64(&m.metrics.CacheMisses),
		"fallbacks_total":      atomic.LoadUint64(&m.metrics.FallbacksTotal),
		"swarm_runs_total":     atomic.LoadUint64(&m.metrics.SwarmRunsTotal),
		"swarm_runs_completed": atomic.LoadUint64(&m.metrics.SwarmRunsCompleted),
		"swarm_runs_failed":    atomic.LoadUint64(&m.metrics.SwarmRunsFailed),
		"tool_calls_total":     atomic.LoadUint64(&m.metrics.ToolCallsTotal),
		"tool_calls_failed":    atomic.LoadUint64(&m.metrics.ToolCallsFailed),
		"tokens_used":          atomic.LoadUint64(&m.metrics.TokensUsed),
		"active_requests":      atomic.LoadInt64(&m.metrics.ActiveRequests),
		"queue_depth":          atomic.LoadInt64(&m.metrics.QueueDepth),
		"remote_workers":       atomic.LoadInt64(&m.metrics.RemoteWorkers),
		"avg_latency_ms":       avgLatency,
		"memory_mb":            float64(memStats.Alloc) / 1024 / 1024,
		"goroutines":           runtime.NumGoroutine(),
	}
}
