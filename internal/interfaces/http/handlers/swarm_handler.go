package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/application/usecase"
	"github.com/arieshq/aries/internal/domain/entity"
	domainErrors "github.com/arieshq/aries/pkg/errors"
)

// SwarmHandler exposes swarm runs over HTTP: submit, observe, cancel.
type SwarmHandler struct {
	swarm  *usecase.SwarmUseCase
	logger *zap.Logger
}

// NewSwarmHandler creates the swarm API handler.
func NewSwarmHandler(swarm *usecase.SwarmUseCase, logger *zap.Logger) *SwarmHandler {
	return &SwarmHandler{swarm: swarm, logger: logger}
}

// SubmitTaskRequest is the body of POST /v1/swarm/tasks.
type SubmitTaskRequest struct {
	Task string `json:"task" binding:"required"`
}

// SubmitTask handles POST /v1/swarm/tasks. Execution is asynchronous; the
// response carries the run ID to subscribe with.
func (h *SwarmHandler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request_error"))
		return
	}

	runID, err := h.swarm.Submit(c.Request.Context(), req.Task)
	if err != nil {
		msg, typ, status := classify(err)
		h.logger.Warn("Swarm submission rejected", zap.Error(err))
		c.JSON(status, errorBody(msg, typ))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"runId": runID})
}

// GetRun handles GET /v1/swarm/runs/:id.
func (h *SwarmHandler) GetRun(c *gin.Context) {
	run, err := h.swarm.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeRunError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns handles GET /v1/swarm/runs, newest first.
func (h *SwarmHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}

	runs, err := h.swarm.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorBody("failed to list runs", "gateway_error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// CancelRun handles DELETE /v1/swarm/runs/:id. In-flight workers stop; the
// run record keeps whatever completed before the cut.
func (h *SwarmHandler) CancelRun(c *gin.Context) {
	id := c.Param("id")
	if h.swarm.Cancel(id) {
		c.JSON(http.StatusAccepted, gin.H{"runId": id, "status": "canceling"})
		return
	}

	run, err := h.swarm.Get(c.Request.Context(), id)
	if err != nil {
		h.writeRunError(c, err)
		return
	}
	c.JSON(http.StatusConflict, errorBody(
		fmt.Sprintf("run already %s", run.Status), "invalid_request_error"))
}

// StreamEvents handles GET /v1/swarm/runs/:id/events. Subscribers arriving
// mid-run get the full history first; the stream closes after the
// terminal complete event.
func (h *SwarmHandler) StreamEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.swarm.Get(c.Request.Context(), id); err != nil {
		h.writeRunError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	events, cancel := h.swarm.Subscribe(id)
	defer cancel()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.writeEvent(c.Writer, ev)
			c.Writer.Flush()
		}
	}
}

func (h *SwarmHandler) writeEvent(w io.Writer, ev entity.SwarmEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal swarm event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

func (h *SwarmHandler) writeRunError(c *gin.Context, err error) {
	if domainErrors.IsNotFound(err) {
		c.JSON(http.StatusNotFound, errorBody("run not found", "invalid_request_error"))
		return
	}
	h.logger.Error("Run lookup failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, errorBody("run lookup failed", "gateway_error"))
}
