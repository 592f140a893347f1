package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arieshq/aries/internal/application/usecase"
	"github.com/arieshq/aries/internal/domain/repository"
	"github.com/arieshq/aries/internal/domain/roster"
	"github.com/arieshq/aries/internal/domain/service"
	domaintool "github.com/arieshq/aries/internal/domain/tool"
	"github.com/arieshq/aries/internal/infrastructure/config"
	"github.com/arieshq/aries/internal/infrastructure/eventbus"
	"github.com/arieshq/aries/internal/infrastructure/llm"
	_ "github.com/arieshq/aries/internal/infrastructure/llm/anthropic" // register anthropic provider factory
	"github.com/arieshq/aries/internal/infrastructure/monitoring"
	"github.com/arieshq/aries/internal/infrastructure/persistence"
	"github.com/arieshq/aries/internal/infrastructure/relay"
	toolpkg "github.com/arieshq/aries/internal/infrastructure/tool"
	"github.com/arieshq/aries/internal/infrastructure/usage"
	httpServer "github.com/arieshq/aries/internal/interfaces/http"
	"github.com/arieshq/aries/internal/interfaces/http/handlers"
	wsocket "github.com/arieshq/aries/internal/interfaces/websocket"
)

// App is the dependency-injection container. It owns every long-lived
// component and wires them in dependency order: accounting, completion
// plane, repositories, swarm plane, interfaces.
type App struct {
	config *config.Config
	logger *zap.Logger
	db     *gorm.DB

	// usage accounting
	pricing        *usage.PricingTable
	pricingWatcher *usage.PricingWatcher
	tracker        *usage.Tracker

	// completion plane
	monitor *monitoring.Monitor
	router  *llm.Router
	cache   *llm.ResponseCache

	// swarm plane
	runRepo      repository.RunRepository
	bus          *eventbus.Bus
	roster       *roster.Roster
	toolRegistry domaintool.Registry
	coordinator  *wsocket.Coordinator
	executor     *service.SwarmExecutor

	// application services
	chatUseCase  *usecase.ChatCompletionUseCase
	swarmUseCase *usecase.SwarmUseCase

	// interfaces
	apiServer  *httpServer.Server
	workerGate *httpServer.Server

	// background goroutines (tracker flusher, pricing watcher, heartbeat
	// reaper) stop when this context is cancelled during Stop.
	bg       context.Context
	bgCancel context.CancelFunc
}

// NewApp creates the application container.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config: cfg,
		logger: logger,
	}
	app.bg, app.bgCancel = context.WithCancel(context.Background())

	if err := app.initAccounting(); err != nil {
		return nil, fmt.Errorf("failed to init accounting: %w", err)
	}

	if err := app.initCompletionPlane(); err != nil {
		return nil, fmt.Errorf("failed to init completion plane: %w", err)
	}

	if err := app.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := app.initSwarmPlane(); err != nil {
		return nil, fmt.Errorf("failed to init swarm plane: %w", err)
	}

	app.initInterfaces()

	return app, nil
}

// initAccounting sets up the pricing table, optional hot reload, and the
// usage tracker.
func (app *App) initAccounting() error {
	app.logger.Info("Initializing usage accounting")

	app.pricing = usage.DefaultPricing()
	if path := app.config.Pricing.File; path != "" {
		if pf, err := usage.LoadPricingFile(path); err != nil {
			app.logger.Warn("Pricing file unreadable, using built-in rates",
				zap.String("path", path),
				zap.Error(err))
		} else {
			app.pricing.Update(pf.Models, pf.Default)
		}

		watcher, err := usage.NewPricingWatcher(path, app.pricing, app.logger)
		if err != nil {
			app.logger.Warn("Pricing hot-reload unavailable", zap.Error(err))
		} else {
			app.pricingWatcher = watcher
		}
	}

	app.tracker = usage.NewTracker(app.config.Usage.FilePath, app.pricing, app.logger)
	return nil
}

// initCompletionPlane sets up the model router, the upstream provider, the
// response cache, and the chat-completion use case.
func (app *App) initCompletionPlane() error {
	app.logger.Info("Initializing completion plane")

	app.monitor = monitoring.NewMonitor()
	app.router = llm.NewRouter(
		app.config.Models.Aliases,
		app.config.Gateway.FallbackModels,
		app.config.Upstream.Timeout,
		app.logger,
	)

	provider, err := llm.CreateProvider(llm.ProviderConfig{
		Name:    "anthropic",
		Type:    "anthropic",
		BaseURL: app.config.Upstream.BaseURL,
		APIKey:  app.config.Upstream.APIKey,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("create upstream provider: %w", err)
	}
	app.router.AddProvider(provider)

	app.cache = llm.NewResponseCache(app.config.Gateway.CacheCapacity, app.config.Gateway.CacheTTL)

	app.chatUseCase = usecase.NewChatCompletion(
		app.router,
		app.cache,
		app.tracker,
		app.monitor,
		app.config.Gateway.MaxConcurrent,
		app.config.Gateway.QueueCap,
		app.config.Models.Chat,
		app.logger,
	)
	return nil
}

// initRepositories opens the run-history store. A broken database degrades
// to in-memory history rather than refusing to start: run records are an
// operational convenience, completions are the product.
func (app *App) initRepositories() error {
	app.logger.Info("Initializing repositories")

	if app.config.Database.Type == "memory" {
		app.runRepo = persistence.NewMemoryRunRepository()
		return nil
	}

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		app.logger.Warn("Run-history database unavailable, keeping runs in memory",
			zap.String("type", app.config.Database.Type),
			zap.Error(err))
		app.runRepo = persistence.NewMemoryRunRepository()
		return nil
	}

	app.db = db
	app.runRepo = persistence.NewGormRunRepository(db)
	return nil
}

// initSwarmPlane sets up the roster, tools, coordinator, relays, executor,
// and the swarm use case.
func (app *App) initSwarmPlane() error {
	app.logger.Info("Initializing swarm plane")

	app.bus = eventbus.NewBus(app.logger)
	app.roster = roster.New()

	app.toolRegistry = domaintool.NewInMemoryRegistry()
	toolpkg.RegisterBuiltinTools(app.toolRegistry, app.logger)

	if app.config.RemoteWorkers.Enabled {
		app.coordinator = wsocket.NewCoordinator(
			app.config.RemoteWorkers.Secret,
			app.config.RemoteWorkers.HeartbeatInterval,
			app.config.RemoteWorkers.HeartbeatTimeout,
			app.monitor,
			app.logger,
		)
	}

	decomposer := service.NewDecomposer(
		app.chatUseCase.RoutedClient("decompose"),
		app.config.Models.Decompose,
		app.config.Swarm.MaxWorkers,
		app.roster,
		app.logger,
	)
	aggregator := service.NewAggregator(
		app.chatUseCase.RoutedClient("aggregate"),
		app.config.Models.Aggregate,
		app.roster,
		app.logger,
	)
	worker := service.NewWorker(
		app.chatUseCase.RoutedClient("worker"),
		app.toolRegistry,
		app.config.Models.Worker,
		app.config.Swarm.MaxTokens,
		app.logger,
	)

	var relays []service.RelayPool
	for _, peer := range []struct {
		name string
		cfg  config.RelayConfig
	}{
		{"relay-primary", app.config.Relay},
		{"relay-secondary", app.config.RelaySecondary},
	} {
		if peer.cfg.URL == "" {
			continue
		}
		relays = append(relays, relay.NewClient(peer.name, peer.cfg.URL, peer.cfg.Secret, app.logger))
		app.logger.Info("Relay peer configured",
			zap.String("name", peer.name),
			zap.String("url", peer.cfg.URL))
	}

	// Assign through a concrete check so a disabled coordinator stays a nil
	// interface, not a non-nil interface holding a nil pointer.
	var remotes service.RemotePool
	if app.coordinator != nil {
		remotes = app.coordinator
	}

	app.executor = service.NewSwarmExecutor(
		decomposer,
		aggregator,
		worker,
		app.roster,
		remotes,
		relays,
		service.ExecutorConfig{
			Concurrency:   app.config.Swarm.Concurrency,
			WorkerTimeout: app.config.Swarm.WorkerTimeout,
			Retries:       app.config.Swarm.Retries,
			MaxTokens:     app.config.Swarm.MaxTokens,
		},
		app.logger,
	)

	app.swarmUseCase = usecase.NewSwarm(app.executor, app.runRepo, app.bus, app.monitor, app.logger)
	return nil
}

// initInterfaces builds the HTTP servers.
func (app *App) initInterfaces() {
	app.logger.Info("Initializing interfaces")

	var workers handlers.WorkerDirectory
	if app.coordinator != nil {
		workers = app.coordinator
	}

	app.apiServer = httpServer.NewServer(
		httpServer.Config{
			Host:  app.config.Gateway.Host,
			Port:  app.config.Gateway.Port,
			Token: app.config.Gateway.Token,
		},
		httpServer.Deps{
			Chat:    app.chatUseCase,
			Swarm:   app.swarmUseCase,
			Tracker: app.tracker,
			Router:  app.router,
			Monitor: app.monitor,
			Workers: workers,
		},
		app.logger,
	)

	if app.coordinator != nil {
		app.workerGate = httpServer.NewWorkerGate(
			httpServer.Config{
				Host: app.config.RemoteWorkers.Host,
				Port: app.config.RemoteWorkers.Port,
			},
			app.coordinator,
			app.logger,
		)
	}
}

// Start brings up background services and both listeners.
func (app *App) Start(ctx context.Context) error {
	app.logger.Info("Starting application")

	app.tracker.Start(app.bg)

	if app.pricingWatcher != nil {
		if err := app.pricingWatcher.Start(app.bg); err != nil {
			app.logger.Warn("Pricing watcher failed to start", zap.Error(err))
		}
	}

	if app.coordinator != nil {
		app.coordinator.Start(app.bg)
	}

	if err := app.apiServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	if app.workerGate != nil {
		if err := app.workerGate.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker gate: %w", err)
		}
	}

	app.logger.Info("Application started",
		zap.Int("gateway_port", app.config.Gateway.Port),
		zap.Bool("remote_workers", app.coordinator != nil),
	)
	return nil
}

// Stop shuts everything down in reverse order: listeners first, then
// background services, then the final usage flush and the database.
func (app *App) Stop(ctx context.Context) error {
	app.logger.Info("Stopping application")

	if app.workerGate != nil {
		if err := app.workerGate.Stop(ctx); err != nil {
			app.logger.Error("Failed to stop worker gate", zap.Error(err))
		}
	}
	if err := app.apiServer.Stop(ctx); err != nil {
		app.logger.Error("Failed to stop API server", zap.Error(err))
	}

	app.bgCancel()

	if app.pricingWatcher != nil {
		if err := app.pricingWatcher.Close(); err != nil {
			app.logger.Error("Failed to close pricing watcher", zap.Error(err))
		}
	}

	if err := app.tracker.Flush(); err != nil {
		app.logger.Error("Failed to flush usage ledger", zap.Error(err))
	}

	if app.db != nil {
		sqlDB, err := app.db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				app.logger.Error("Failed to close database connection", zap.Error(err))
			}
		}
	}

	app.logger.Info("Application stopped")
	return nil
}

// Logger returns the application logger.
func (app *App) Logger() *zap.Logger {
	return app.logger
}

// AppConfig returns the application config.
func (app *App) AppConfig() *config.Config {
	return app.config
}

// ChatUseCase returns the gateway core (used by the worker runtime when it
// runs in-process).
func (app *App) ChatUseCase() *usecase.ChatCompletionUseCase {
	return app.chatUseCase
}

// SwarmUseCase returns the swarm run manager.
func (app *App) SwarmUseCase() *usecase.SwarmUseCase {
	return app.swarmUseCase
}
