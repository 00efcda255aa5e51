// internal/handler/instrument_handler.go
package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/repository"
	"instrument-service/internal/service"
	"instrument-service/internal/utils"
	"instrument-service/pkg/devicetypes"
)

// InstrumentHandler handles instrument lifecycle requests
type InstrumentHandler struct {
	instrumentService *service.InstrumentService
	logger            *utils.ServiceLogger
}

// NewInstrumentHandler creates a new instrument handler
func NewInstrumentHandler(instrumentService *service.InstrumentService, logger *zap.Logger) *InstrumentHandler {
	return &InstrumentHandler{
		instrumentService: instrumentService,
		logger:            utils.NewServiceLogger(logger, "instrument-handler"),
	}
}

// RegisterRoutes registers instrument lifecycle routes
func (h *InstrumentHandler) RegisterRoutes(router *gin.RouterGroup) {
	instruments := router.Group("/instruments")
	{
		instruments.POST("", h.ConnectInstrument)
		instruments.GET("", h.ListInstruments)
		instruments.GET("/stats", h.GetStats)
		instruments.GET("/:id", h.GetInstrument)
		instruments.DELETE("/:id", h.CloseInstrument)
	}
}

// ConnectInstrument discovers and opens an instrument
// @Summary Connect an instrument
// @Description Discover an instrument of the given model, optionally a specific unit by serial, and open its driver
// @Tags Instruments
// @Accept json
// @Produce json
// @Param request body devicetypes.ConnectRequest true "Model and optional serial"
// @Success 201 {object} utils.APIResponse{data=model.Instrument} "Instrument connected"
// @Failure 400 {object} utils.APIResponse "Invalid request or unknown model"
// @Failure 404 {object} utils.APIResponse "No matching instrument found"
// @Router /instruments [post]
func (h *InstrumentHandler) ConnectInstrument(c *gin.Context) {
	var req devicetypes.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	instrument, err := h.instrumentService.Connect(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("Failed to connect instrument", zap.String("model", req.Model), zap.Error(err))
		utils.InstrumentErrorResponse(c, "Failed to connect instrument", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Instrument connected", instrument)
}

// ListInstruments lists live instruments
// @Summary List instruments
// @Tags Instruments
// @Produce json
// @Param model query string false "Filter by model"
// @Param status query string false "Filter by status" Enums(READY, ERROR)
// @Success 200 {object} utils.APIResponse{data=object{instruments=[]model.Instrument,total=int}}
// @Router /instruments [get]
func (h *InstrumentHandler) ListInstruments(c *gin.Context) {
	filter := &repository.InstrumentFilter{}
	if m := c.Query("model"); m != "" {
		filter.Model = &m
	}
	if status := c.Query("status"); status != "" {
		s := model.InstrumentStatus(strings.ToUpper(status))
		filter.Status = &s
	}

	instruments, err := h.instrumentService.ListInstruments(c.Request.Context(), filter)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to list instruments", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Instruments retrieved", gin.H{
		"instruments": instruments,
		"total":       len(instruments),
	})
}

// GetStats counts live instruments
// @Summary Instrument statistics
// @Tags Instruments
// @Produce json
// @Success 200 {object} utils.APIResponse{data=repository.InstrumentStats}
// @Router /instruments/stats [get]
func (h *InstrumentHandler) GetStats(c *gin.Context) {
	stats, err := h.instrumentService.GetStats(c.Request.Context())
	if err != nil {
		utils.InstrumentErrorResponse(c, "Failed to get statistics", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Statistics retrieved", stats)
}

// GetInstrument returns a live instrument with its driver identity and actions
// @Summary Get instrument
// @Tags Instruments
// @Produce json
// @Param id path string true "Instrument ID"
// @Success 200 {object} utils.APIResponse{data=object{instrument=model.Instrument,info=driver.InstrumentInfo,actions=[]string}}
// @Failure 404 {object} utils.APIResponse "Instrument not found"
// @Router /instruments/{id} [get]
func (h *InstrumentHandler) GetInstrument(c *gin.Context) {
	id, ok := parseInstrumentID(c)
	if !ok {
		return
	}

	instrument, err := h.instrumentService.GetInstrument(c.Request.Context(), id)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Instrument not found", err)
		return
	}
	info, actions, err := h.instrumentService.GetInfo(c.Request.Context(), id)
	if err != nil {
		utils.InstrumentErrorResponse(c, "Instrument not found", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Instrument retrieved", gin.H{
		"instrument": instrument,
		"info":       info,
		"actions":    actions,
	})
}

// CloseInstrument closes an instrument and releases its port
// @Summary Close instrument
// @Tags Instruments
// @Produce json
// @Param id path string true "Instrument ID"
// @Success 200 {object} utils.APIResponse "Instrument closed"
// @Failure 404 {object} utils.APIResponse "Instrument not found"
// @Router /instruments/{id} [delete]
func (h *InstrumentHandler) CloseInstrument(c *gin.Context) {
	id, ok := parseInstrumentID(c)
	if !ok {
		return
	}

	if err := h.instrumentService.CloseInstrument(c.Request.Context(), id); err != nil {
		utils.InstrumentErrorResponse(c, "Failed to close instrument", err)
		return
	}

	h.logger.Info("Instrument closed", zap.String("instrument_id", id.String()))
	utils.SuccessResponse(c, http.StatusOK, "Instrument closed", nil)
}

// parseInstrumentID reads the :id path parameter and answers 400 when it is
// not a UUID
func parseInstrumentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid instrument ID", err)
		return uuid.Nil, false
	}
	return id, true
}
