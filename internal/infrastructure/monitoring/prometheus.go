package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// PrometheusHandler returns an http.Handler that serves Prometheus text format metrics.
// This avoids pulling in the full prometheus/client_golang dependency.
// Mount it at "/metrics" in your HTTP server.
func (m *Monitor) PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(m.metrics.StartTime).Seconds()

		lines := []struct {
			name string
			help string
			typ  string
			val  interface{}
		}{
			{"aries_requests_total", "Total chat completion requests processed", "counter", atomic.LoadUint64(&m.metrics.RequestsTotal)},
			{"aries_requests_success_total", "Total successful chat completion requests", "counter", atomic.LoadUint64(&m.metrics.RequestsSuccess)},
			{"aries_requests_failed_total", "Total failed chat completion requests", "counter", atomic.LoadUint64(&m.metrics.RequestsFailed)},
			{"aries_streams_total", "Total streaming requests", "counter", atomic.LoadUint64(&m.metrics.StreamsTotal)},

			{"aries_cache_hits_total", "Response cache hits", "counter", atomic.LoadUint64(&m.metrics.CacheHits)},
			{"aries_cache_misses_total", "Response cache misses", "counter", atomic.LoadUint64(&m.metrics.CacheMisses)},

			{"aries_fallbacks_total", "Requests retried on a fallback model", "counter", atomic.LoadUint64(&m.metrics.FallbacksTotal)},

			{"aries_swarm_runs_total", "Swarm runs started", "counter", atomic.LoadUint64(&m.metrics.SwarmRunsTotal)},
			{"aries_swarm_runs_completed_total", "Swarm runs completed", "counter", atomic.LoadUint64(&m.metrics.SwarmRunsCompleted)},
			{"aries_swarm_runs_failed_total", "Swarm runs failed", "counter", atomic.LoadUint64(&m.metrics.SwarmRunsFailed)},

			{"aries_tool_calls_total", "Tool calls executed by swarm workers", "counter", atomic.LoadUint64(&m.metrics.ToolCallsTotal)},
			{"aries_tool_calls_failed_total", "Tool calls that errored", "counter", atomic.LoadUint64(&m.metrics.ToolCallsFailed)},

			{"aries_tokens_used_total", "Total tokens consumed upstream", "counter", atomic.LoadUint64(&m.metrics.TokensUsed)},

			{"aries_active_requests", "Requests currently holding a concurrency permit", "gauge", atomic.LoadInt64(&m.metrics.ActiveRequests)},
			{"aries_queue_depth", "Requests waiting for a permit", "gauge", atomic.LoadInt64(&m.metrics.QueueDepth)},
			{"aries_remote_workers", "Remote workers currently connected", "gauge", atomic.LoadInt64(&m.metrics.RemoteWorkers)},
			{"aries_uptime_seconds", "Process uptime in seconds", "gauge", uptime},

			{"aries_memory_alloc_bytes", "Current memory allocation in bytes", "gauge", memStats.Alloc},
			{"aries_memory_sys_bytes", "Total memory obtained from OS", "gauge", memStats.Sys},
			{"aries_goroutines", "Number of goroutines", "gauge", runtime.NumGoroutine()},
			{"aries_gc_pause_total_ns", "Total GC pause time in nanoseconds", "counter", memStats.PauseTotalNs},
			{"aries_gc_cycles_total", "Total number of completed GC cycles", "counter", memStats.NumGC},
		}

		for _, l := range lines {
			fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
			fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.typ)
			switch v := l.val.(type) {
			case uint64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int64:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case int:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			case float64:
				fmt.Fprintf(w, "%s %f\n", l.name, v)
			case uint32:
				fmt.Fprintf(w, "%s %d\n", l.name, v)
			}
			fmt.Fprintln(w)
		}

		reqCount := atomic.LoadUint64(&m.metrics.RequestLatencyCount)
		if reqCount > 0 {
			avgMs := float64(atomic.LoadUint64(&m.metrics.RequestLatencySum)) / float64(reqCount) / 1e6
			fmt.Fprintf(w, "# HELP aries_request_latency_avg_ms Average request latency in milliseconds\n")
			fmt.Fprintf(w, "# TYPE aries_request_latency_avg_ms gauge\n")
			fmt.Fprintf(w, "aries_request_latency_avg_ms %f\n\n", avgMs)
		}
	})
}
