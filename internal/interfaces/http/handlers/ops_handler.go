package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/application/usecase"
	"github.com/arieshq/aries/internal/infrastructure/llm"
	"github.com/arieshq/aries/internal/infrastructure/monitoring"
	"github.com/arieshq/aries/internal/infrastructure/usage"
	wsocket "github.com/arieshq/aries/internal/interfaces/websocket"
)

// WorkerDirectory is the slice of the coordinator the ops surface reads.
type WorkerDirectory interface {
	Workers() []wsocket.WorkerStatus
	WorkerCount() int
}

// OpsHandler serves the operational endpoints: health, usage ledger,
// request ring, worker roster, and debug stats.
type OpsHandler struct {
	chat    *usecase.ChatCompletionUseCase
	swarm   *usecase.SwarmUseCase
	tracker *usage.Tracker
	router  *llm.Router
	monitor *monitoring.Monitor
	workers WorkerDirectory // nil when the coordinator is disabled
	logger  *zap.Logger
	started time.Time
}

// NewOpsHandler creates the ops handler.
func NewOpsHandler(
	chat *usecase.ChatCompletionUseCase,
	swarm *usecase.SwarmUseCase,
	tracker *usage.Tracker,
	router *llm.Router,
	monitor *monitoring.Monitor,
	workers WorkerDirectory,
	logger *zap.Logger,
) *OpsHandler {
	return &OpsHandler{
		chat:    chat,
		swarm:   swarm,
		tracker: tracker,
		router:  router,
		monitor: monitor,
		workers: workers,
		logger:  logger,
		started: time.Now(),
	}
}

// Health handles GET /health.
func (h *OpsHandler) Health(c *gin.Context) {
	routeMode := "direct"
	if len(h.router.Chain()) > 0 {
		routeMode = "fallback"
	}

	remoteWorkers := 0
	if h.workers != nil {
		remoteWorkers = h.workers.WorkerCount()
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"time":             time.Now().Unix(),
		"uptimeSeconds":    int64(time.Since(h.started).Seconds()),
		"routeMode":        routeMode,
		"providers":        h.router.Providers(),
		"activeConcurrent": h.chat.ActiveCount(),
		"queueLength":      h.chat.QueueLength(),
		"cacheSize":        h.chat.CacheSize(),
		"totalRequests":    h.tracker.TotalRequests(),
		"activeRuns":       h.swarm.ActiveRuns(),
		"remoteWorkers":    remoteWorkers,
	})
}

// Usage handles GET /usage with the full accounting snapshot.
func (h *OpsHandler) Usage(c *gin.Context) {
	c.JSON(http.StatusOK, h.tracker.Snapshot())
}

// Requests handles GET /requests with the recent-call ring.
func (h *OpsHandler) Requests(c *gin.Context) {
	snap := h.tracker.Snapshot()
	c.JSON(http.StatusOK, gin.H{"requests": snap.Recent, "count": len(snap.Recent)})
}

// Workers handles GET /v1/workers with the connected remote worker roster.
func (h *OpsHandler) Workers(c *gin.Context) {
	if h.workers == nil {
		c.JSON(http.StatusOK, gin.H{"workers": []wsocket.WorkerStatus{}, "count": 0})
		return
	}
	list := h.workers.Workers()
	c.JSON(http.StatusOK, gin.H{"workers": list, "count": len(list)})
}

// Stats handles GET /debug/stats with raw process counters.
func (h *OpsHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.GetStats())
}
