// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/discovery"
	"instrument-service/internal/handler"
	"instrument-service/internal/middleware"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config            *config.Config
	logger            *zap.Logger
	scannerManager    *discovery.ScannerManager
	instrumentService *service.InstrumentService
	operationService  *service.OperationService
	discoveryService  *service.DiscoveryService
	websocketHandler  *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	scannerManager *discovery.ScannerManager,
	instrumentService *service.InstrumentService,
	operationService *service.OperationService,
	discoveryService *service.DiscoveryService,
	websocketHandler *handler.WebSocketHandler,
) *Router {
	return &Router{
		config:            config,
		logger:            logger,
		scannerManager:    scannerManager,
		instrumentService: instrumentService,
		operationService:  operationService,
		discoveryService:  discoveryService,
		websocketHandler:  websocketHandler,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggingMiddleware(utils.NewServiceLogger(r.logger, "http-server")))
	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	handler.NewHealthHandler(r.config, r.scannerManager, r.instrumentService, r.websocketHandler, r.logger).
		RegisterRoutes(router)

	apiV1 := router.Group("/api/v1")
	handler.NewDiscoveryHandler(r.discoveryService, r.logger).RegisterRoutes(apiV1)
	handler.NewInstrumentHandler(r.instrumentService, r.logger).RegisterRoutes(apiV1)
	handler.NewOperationHandler(r.operationService, r.logger).RegisterRoutes(apiV1)

	if r.websocketHandler != nil {
		r.websocketHandler.RegisterRoutes(router)
	}

	r.logger.Info("All routes configured successfully")
}
