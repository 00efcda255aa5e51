// internal/handler/operation_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"instrument-service/internal/service"
	"instrument-service/internal/utils"
	"instrument-service/pkg/devicetypes"
)

const (
	defaultOperationLimit = 50
	maxOperationLimit     = 500
)

// OperationHandler handles transactions and driver actions on live instruments
type OperationHandler struct {
	operationService *service.OperationService
	logger           *utils.ServiceLogger
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(operationService *service.OperationService, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		operationService: operationService,
		logger:           utils.NewServiceLogger(logger, "operation-handler"),
	}
}

// RegisterRoutes registers per-instrument operation routes
func (h *OperationHandler) RegisterRoutes(router *gin.RouterGroup) {
	ops := router.Group("/instruments/:id")
	{
		ops.POST("/query", h.Query)
		ops.POST("/send", h.Send)
		ops.POST("/write", h.Write)
		ops.POST("/actions", h.ExecuteAction)
		ops.GET("/status", h.GetStatus)
		ops.GET("/operations", h.ListOperations)
		ops.GET("/health", h.GetHealth)
	}
}

// Query writes a command and returns the reply line
// @Summary Query
// @Description Write one command line and return the instrument's reply
// @Tags Operations
// @Accept json
// @Produce json
// @Param id path string true "Instrument ID"
// @Param request body devicetypes.CommandRequest true "Command"
// @Success 200 {object} utils.APIResponse{data=devicetypes.CommandResponse}
// @Failure 502 {object} utils.APIResponse "Instrument reported an error"
// @Failure 504 {object} utils.APIResponse "Instrument did not answer"
// @Router /instruments/{id}/query [post]
func (h *OperationHandler) Query(c *gin.Context) {
	h.command(c, h.operationService.Query)
}

// Send writes an imperative command that must be acknowledged with "Ok"
// @Summary Send
// @Tags Operations
// @Accept json
// @Produce json
// @Param id path string true "Instrument ID"
// @Param request body devicetypes.CommandRequest true "Command"
// @Success 200 {object} utils.APIResponse{data=devicetypes.CommandResponse}
// @Failure 502 {object} utils.APIResponse "Command not acknowledged"
// @Router /instruments/{id}/send [post]
func (h *OperationHandler) Send(c *gin.Context) {
	h.command(c, h.operationService.Send)
}

// Write writes a command without reading a reply
// @Summary Write
// @Tags Operations
// @Accept json
// @Produce json
// @Param id path string true "Instrument ID"
// @Param request body devicetypes.CommandRequest true "Command"
// @Success 200 {object} utils.APIResponse{data=devicetypes.CommandResponse}
// @Router /instruments/{id}/write [post]
func (h *OperationHandler) Write(c *gin.Context) {
	h.command(c, h.operationService.Write)
}

type commandFunc func(ctx context.Context, id uuid.UUID, command string) (*devicetypes.CommandResponse, error)

func (h *OperationHandler) command(c *gin.Context, run commandFunc) {
	id, ok := parseInstrumentID(c)
	if !ok {
		return
	}

	var req devicetypes.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	resp, err := run(c.Request.Context(), id, req.Command)
	if err != nil {
		h.logger.Warn("Command failed",
			zap.String("instrument_id", id.String()),
			zap.String("command", req.Command),
			zap.Error(err),
		)
		utils.InstrumentErrorResponse(c, "Command failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command completed", resp)
}

// ExecuteAction runs a named driver action
// @Summary Execute action
// @Tags Operations
// @Accept json
// @Produce json
// @Param id path string true "Instrument ID"
// @Param request body devicetypes.ActionRequest true "Action and parameters"
// @Success 200 {object} utils.APIResponse{data=driver.ActionResult}
// @Failure 400 {object} utils.APIResponse "Unsupported action or invalid parameter"
// @Failure 409 {object} utils.APIResponse "Read-back did not match"
// @Router /instruments/{id}/actions [post]
func (h *OperationHandler) ExecuteAction(c *gin.Context) {
	id, ok := parseInstrumentID(c)
	if !ok {
		return
	}

	var req devicetypes.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.operationService.ExecuteAction(c.Request.Context(), id, &req)
	if err != nil {
		h.logger.Warn("Action failed",
			zap.String("instrument_id", id.String()),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		utils.InstrumentErrorResponse(c, "Action failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Action completed", result)
}

// GetStatus reads the instrument-specific status
// @Summary Instrument status
// @Tags Operations
// @Produce json
// @Param id path string true "Instrument ID"
// @Success 200 {object} utils.APIResponse{data=driver.InstrumentStatus}
// @Router /instruments/{id}/status [get]
func (h *OperationHandler) GetStatus(c *gin.Context) {
	id, ok := parseInstrumentID(c)
	if !ok {
		return
	}

	status, err := h.operationService.GetStatus(c.Request.Context(), id)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to read status", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Status retrieved", status)
}

// ListOperations returns the recent transaction log, newest first
// @Summary Recent operations
// @Tags Operations
// @Produce json
// @Param id path string true "Instrument ID"
// @Param limit query int false "Maximum entries" default(50)
// @Success 200 {object} utils.APIResponse{data=object{operations=[]model.InstrumentOperation,total=int}}
// @Router /instruments/{id}/operations [get]
func (h *OperationHandler) ListOperations(c *gin.Context) {
	id, ok := parseInstrumentID(c)
	if !ok {
		return
	}

	limit := defaultOperationLimit
	if raw := c.Query("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= maxOperationLimit {
			limit = l
		}
	}

	ops, err := h.operationService.ListOperations(c.Request.Context(), id, limit)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to list operations", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Operations retrieved", gin.H{
		"operations": ops,
		"total":      len(ops),
	})
}

// GetHealth returns driver health metrics and the operation log summary
// @Summary Instrument health
// @Tags Operations
// @Produce json
// @Param id path string true "Instrument ID"
// @Success 200 {object} utils.APIResponse{data=service.InstrumentHealth}
// @Router /instruments/{id}/health [get]
func (h *OperationHandler) GetHealth(c *gin.Context) {
	id, ok := parseInstrumentID(c)
	if !ok {
		return
	}

	health, err := h.operationService.GetHealth(c.Request.Context(), id)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to get health", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Health retrieved", health)
}
