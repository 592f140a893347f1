package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arieshq/aries/internal/application/usecase"
	"github.com/arieshq/aries/internal/infrastructure/llm"
	"github.com/arieshq/aries/internal/infrastructure/monitoring"
	"github.com/arieshq/aries/internal/infrastructure/usage"
	"github.com/arieshq/aries/internal/interfaces/http/handlers"
	wsocket "github.com/arieshq/aries/internal/interfaces/websocket"
	"github.com/arieshq/aries/pkg/safego"
)

// Server hosts one gin engine: either the gateway API or the worker gate.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config is the listen address plus the static auth token.
type Config struct {
	Host  string
	Port  int
	Token string // empty means loopback-only remote access
}

// Deps collects everything the gateway routes touch.
type Deps struct {
	Chat    *usecase.ChatCompletionUseCase
	Swarm   *usecase.SwarmUseCase
	Tracker *usage.Tracker
	Router  *llm.Router
	Monitor *monitoring.Monitor
	Workers handlers.WorkerDirectory // nil when the coordinator is disabled
}

// NewServer builds the gateway API server: OpenAI-compatible chat, the
// swarm API, and the operational surface behind auth + CORS.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))
	router.Use(corsMiddleware())
	router.Use(authMiddleware(cfg.Token, logger))

	chatHandler := handlers.NewChatHandler(deps.Chat, deps.Router, logger)
	opsHandler := handlers.NewOpsHandler(deps.Chat, deps.Swarm, deps.Tracker, deps.Router, deps.Monitor, deps.Workers, logger)
	swarmHandler := handlers.NewSwarmHandler(deps.Swarm, logger)

	setupRoutes(router, chatHandler, opsHandler, swarmHandler, deps.Monitor)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// NewWorkerGate builds the coordinator's listener. It lives on its own
// port so worker WebSocket traffic never competes with API traffic, and
// its health probe stays open for workers that have no gateway token.
func NewWorkerGate(cfg Config, co *wsocket.Coordinator, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", gin.WrapF(co.ServeWS))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"workers": co.WorkerCount(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	safego.Go(s.logger, "http-listen", func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})

	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server", zap.String("address", s.server.Addr))
	return s.server.Shutdown(ctx)
}

func setupRoutes(
	router *gin.Engine,
	chat *handlers.ChatHandler,
	ops *handlers.OpsHandler,
	swarm *handlers.SwarmHandler,
	monitor *monitoring.Monitor,
) {
	router.GET("/health", ops.Health)
	router.GET("/usage", ops.Usage)
	router.GET("/requests", ops.Requests)
	router.GET("/debug/stats", ops.Stats)
	router.GET("/metrics", gin.WrapH(monitor.PrometheusHandler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", chat.ChatCompletions)
		v1.GET("/models", chat.ListModels)
		v1.GET("/workers", ops.Workers)

		sw := v1.Group("/swarm")
		{
			sw.POST("/tasks", swarm.SubmitTask)
			sw.GET("/runs", swarm.ListRuns)
			sw.GET("/runs/:id", swarm.GetRun)
			sw.GET("/runs/:id/events", swarm.StreamEvents)
			sw.DELETE("/runs/:id", swarm.CancelRun)
		}
	}
}
