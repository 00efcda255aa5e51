// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/discovery"
	"instrument-service/internal/driver"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/handler"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/internal/repository"
	"instrument-service/internal/routes"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server

	// Discovery
	catalog        *model.Catalog
	transports     protocol.Transports
	scannerManager *discovery.ScannerManager
	engine         *discovery.Engine

	// Events
	eventBus         *handler.EventBus
	websocketHandler *handler.WebSocketHandler

	// Services
	instrumentService *service.InstrumentService
	operationService  *service.OperationService
	discoveryService  *service.DiscoveryService

	// Repositories
	instrumentRepo repository.InstrumentRepository
	operationRepo  repository.OperationRepository

	// Driver registry
	driverRegistry *driver.Registry

	background sync.WaitGroup
	stop       context.CancelFunc
}

// @title Instrument Service API
// @version 1.0.0
// @description Discovers bench instruments on serial and VISA buses and runs command transactions on them
// @BasePath /api/v1
func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	app, err := NewApplication(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication(configFile string) (*Application, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	utils.NewServiceLogger(logger, cfg.App.Name).LogServiceStart(cfg.App.Version,
		zap.String("environment", cfg.App.Environment),
	)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeDiscovery(); err != nil {
		return nil, fmt.Errorf("failed to initialize discovery: %w", err)
	}

	app.initializeRepositories()
	app.initializeDriverRegistry()
	app.initializeServices()
	app.initializeServer()

	return app, nil
}

// initializeDiscovery builds the catalog, the buses and the discovery engine
func (app *Application) initializeDiscovery() error {
	catalog, err := app.config.Catalog()
	if err != nil {
		return fmt.Errorf("invalid instrument catalog: %w", err)
	}
	app.catalog = catalog

	app.transports = protocol.NewTransports(app.config.BusConfig(), app.logger)
	app.scannerManager = discovery.NewScannerManager(app.transports, app.logger)
	app.eventBus = handler.NewEventBus(app.logger)
	app.engine = discovery.NewEngine(app.transports, app.config.DiscoveryEngineConfig(), discovery.Observers{
		discovery.LogObserver(app.logger),
		app.eventBus,
	})

	app.logger.Info("Discovery initialized",
		zap.Strings("models", catalog.Models()),
		zap.Int("transports", len(app.transports)),
	)
	return nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() {
	app.instrumentRepo = repository.NewInstrumentRepository(app.logger)
	app.operationRepo = repository.NewOperationRepository(app.config.Drivers.OperationLog, app.logger)

	app.logger.Info("Repositories initialized successfully")
}

// initializeDriverRegistry sets up instrument driver registry
func (app *Application) initializeDriverRegistry() {
	app.driverRegistry = driver.NewRegistry(app.logger)
	driver.RegisterDefaultDrivers(app.driverRegistry, app.logger)

	app.logger.Info("Driver registry initialized successfully",
		zap.Int("registered_drivers", len(app.driverRegistry.ListDrivers())),
	)
}

// initializeServices creates service instances
func (app *Application) initializeServices() {
	app.instrumentService = service.NewInstrumentService(
		app.instrumentRepo,
		app.operationRepo,
		app.catalog,
		app.engine,
		app.driverRegistry,
		service.InstrumentOptions{
			Driver:           base.OptionsFromConfig(&app.config.Drivers),
			DiscoveryTimeout: app.config.Discovery.Timeout,
		},
		app.eventBus,
		app.logger,
	)

	app.operationService = service.NewOperationService(
		app.instrumentService,
		app.operationRepo,
		app.config.Drivers.OperationTimeout,
		app.eventBus,
		app.logger,
	)

	app.discoveryService = service.NewDiscoveryService(
		app.scannerManager,
		app.catalog,
		app.driverRegistry,
		app.logger,
	)

	app.websocketHandler = handler.NewWebSocketHandler(
		app.eventBus,
		app.operationService,
		app.config.Server.AllowedOrigins,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	router := routes.NewRouter(
		app.config,
		app.logger,
		app.scannerManager,
		app.instrumentService,
		app.operationService,
		app.discoveryService,
		app.websocketHandler,
	).SetupRouter()

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.server.Addr))
}

// startBackgroundServices starts the event bus, the WebSocket fan-out and
// the health monitor
func (app *Application) startBackgroundServices() {
	ctx, cancel := context.WithCancel(context.Background())
	app.stop = cancel

	app.goBackground(func() { app.eventBus.Start(ctx) })
	app.goBackground(func() { app.websocketHandler.Run(ctx) })
	app.goBackground(func() { app.instrumentService.MonitorHealth(ctx, app.config.Drivers.HealthInterval) })

	app.logger.Info("Background services started",
		zap.Duration("health_interval", app.config.Drivers.HealthInterval),
	)
}

func (app *Application) goBackground(fn func()) {
	app.background.Add(1)
	go func() {
		defer app.background.Done()
		fn()
	}()
}

// Start serves HTTP until a shutdown signal arrives
func (app *Application) Start() error {
	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	app.startBackgroundServices()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		app.shutdown("shutdown signal received")
		return nil
	case err := <-errCh:
		app.shutdown("http server failed")
		return fmt.Errorf("http server: %w", err)
	}
}

// shutdown stops accepting requests, closes every live instrument so its
// port is released, then stops the background services
func (app *Application) shutdown(reason string) {
	utils.NewServiceLogger(app.logger, app.config.App.Name).LogServiceStop(reason)

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("HTTP server stopped")
	}

	if err := app.instrumentService.Shutdown(ctx); err != nil {
		app.logger.Error("Instruments closed with errors", zap.Error(err))
	}

	if app.stop != nil {
		app.stop()
	}
	app.background.Wait()

	app.logger.Info("Application shutdown completed")
	if err := utils.CloseLogger(app.logger); err != nil {
		fmt.Fprintf(os.Stderr, "Logger close error: %v\n", err)
	}
}
