// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/service"
	"instrument-service/internal/utils"
)

// DiscoveryHandler lists ports and catalog models
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/ports", h.ListPorts)
	router.GET("/models", h.ListModels)
	router.GET("/models/:model", h.GetModel)
}

// ListPorts enumerates ports without opening them
// @Summary List ports
// @Description Enumerate serial ports and VISA resources. With a model, ports its discovery would try first are flagged and listed first.
// @Tags Discovery
// @Produce json
// @Param interface query string false "Interface" Enums(SERIAL, VISA)
// @Param model query string false "Catalog model"
// @Success 200 {object} utils.APIResponse{data=object{ports_found=int,ports=[]service.PortCandidate}}
// @Failure 400 {object} utils.APIResponse "Invalid filter or unknown model"
// @Router /ports [get]
func (h *DiscoveryHandler) ListPorts(c *gin.Context) {
	var filter service.PortFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	ports, err := h.discoveryService.ListPorts(c.Request.Context(), &filter)
	if err != nil {
		h.logger.Error("Failed to list ports", zap.Error(err))
		utils.InstrumentErrorResponse(c, "Failed to list ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ports listed", gin.H{
		"ports_found": len(ports),
		"ports":       ports,
	})
}

// ListModels lists the catalog
// @Summary List models
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]devicetypes.ModelInfo}
// @Router /models [get]
func (h *DiscoveryHandler) ListModels(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Models listed", h.discoveryService.ListModels())
}

// GetModel describes one catalog model
// @Summary Get model
// @Tags Discovery
// @Produce json
// @Param model path string true "Model name"
// @Success 200 {object} utils.APIResponse{data=devicetypes.ModelInfo}
// @Failure 400 {object} utils.APIResponse "Unknown model"
// @Router /models/{model} [get]
func (h *DiscoveryHandler) GetModel(c *gin.Context) {
	info, err := h.discoveryService.GetModel(c.Param("model"))
	if err != nil {
		utils.InstrumentErrorResponse(c, "Unknown model", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Model retrieved", info)
}
