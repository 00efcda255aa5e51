// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/discovery"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	config            *config.Config
	scannerManager    *discovery.ScannerManager
	instrumentService *service.InstrumentService
	websocket         *WebSocketHandler
	startTime         time.Time
	logger            *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler. websocket may be nil.
func NewHealthHandler(
	cfg *config.Config,
	scannerManager *discovery.ScannerManager,
	instrumentService *service.InstrumentService,
	websocket *WebSocketHandler,
	logger *zap.Logger,
) *HealthHandler {
	return &HealthHandler{
		config:            cfg,
		scannerManager:    scannerManager,
		instrumentService: instrumentService,
		websocket:         websocket,
		startTime:         time.Now(),
		logger:            utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports buses, live instruments and event clients
// @Summary Health check
// @Description Get overall service health including available buses and live instruments
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse "Service is healthy"
// @Failure 503 {object} HealthResponse "Service is unhealthy"
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]CheckResult),
	}

	buses := h.scannerManager.GetAvailableScanners()
	if len(buses) == 0 {
		health.Status = "unhealthy"
		health.Checks["buses"] = CheckResult{Status: "unhealthy", Message: "no bus configured"}
	} else {
		names := make([]string, len(buses))
		for i, b := range buses {
			names[i] = string(b)
		}
		health.Checks["buses"] = CheckResult{
			Status: "healthy",
			Data:   map[string]interface{}{"available": names},
		}
	}

	stats, err := h.instrumentService.GetStats(c.Request.Context())
	if err != nil {
		health.Status = "unhealthy"
		health.Checks["instruments"] = CheckResult{Status: "unhealthy", Message: err.Error()}
	} else {
		status := "healthy"
		if stats.ErrorInstruments > 0 {
			status = "degraded"
		}
		health.Checks["instruments"] = CheckResult{
			Status: status,
			Data: map[string]interface{}{
				"total": stats.TotalInstruments,
				"ready": stats.ReadyInstruments,
				"error": stats.ErrorInstruments,
			},
		}
	}

	if h.websocket != nil {
		health.Checks["event_clients"] = CheckResult{
			Status: "healthy",
			Data:   map[string]interface{}{"connections": h.websocket.GetConnectionStats().TotalConnections},
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		h.logger.Warn("Health check failed", zap.Any("checks", health.Checks))
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// ReadinessCheck for Kubernetes readiness probe
// @Summary Readiness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is ready"
// @Failure 503 {object} object{status=string,reason=string} "Service is not ready"
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if len(h.scannerManager.GetAvailableScanners()) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "no bus configured",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck for Kubernetes liveness probe
// @Summary Liveness check
// @Tags Health
// @Produce json
// @Success 200 {object} object{status=string,timestamp=string} "Service is alive"
// @Router /live [get]
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
