// internal/service/operation_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/repository"
	"instrument-service/internal/utils"
	"instrument-service/pkg/devicetypes"
	"instrument-service/pkg/driver"
)

// OperationService runs transactions and driver actions on live instruments
// and keeps their recent log
type OperationService struct {
	instruments   *InstrumentService
	operationRepo repository.OperationRepository
	timeout       time.Duration
	events        EventPublisher
	logger        *utils.ServiceLogger
}

// NewOperationService creates a new operation service instance
func NewOperationService(
	instruments *InstrumentService,
	operationRepo repository.OperationRepository,
	timeout time.Duration,
	events EventPublisher,
	logger *zap.Logger,
) *OperationService {
	return &OperationService{
		instruments:   instruments,
		operationRepo: operationRepo,
		timeout:       timeout,
		events:        events,
		logger:        utils.NewServiceLogger(logger, "operation-service"),
	}
}

// Query writes a command and returns the instrument's reply line
func (os *OperationService) Query(ctx context.Context, id uuid.UUID, command string) (*devicetypes.CommandResponse, error) {
	var resp string
	op, err := os.execute(ctx, id, model.OperationTypeQuery, command, func(ctx context.Context, drv driver.InstrumentDriver) (string, error) {
		var err error
		resp, err = drv.Query(ctx, command)
		return resp, err
	})
	if err != nil {
		return nil, err
	}
	return commandResponse(op), nil
}

// Send writes an imperative command that must be acknowledged with "Ok"
func (os *OperationService) Send(ctx context.Context, id uuid.UUID, command string) (*devicetypes.CommandResponse, error) {
	op, err := os.execute(ctx, id, model.OperationTypeSend, command, func(ctx context.Context, drv driver.InstrumentDriver) (string, error) {
		return "", drv.Send(ctx, command)
	})
	if err != nil {
		return nil, err
	}
	return commandResponse(op), nil
}

// Write writes a command the instrument does not answer
func (os *OperationService) Write(ctx context.Context, id uuid.UUID, command string) (*devicetypes.CommandResponse, error) {
	op, err := os.execute(ctx, id, model.OperationTypeWrite, command, func(ctx context.Context, drv driver.InstrumentDriver) (string, error) {
		return "", drv.Write(ctx, command)
	})
	if err != nil {
		return nil, err
	}
	return commandResponse(op), nil
}

// ExecuteAction runs a named driver action
func (os *OperationService) ExecuteAction(ctx context.Context, id uuid.UUID, req *devicetypes.ActionRequest) (*driver.ActionResult, error) {
	if req.Action == "" {
		return nil, driver.InvalidParameter("action", "required")
	}

	var result *driver.ActionResult
	_, err := os.run(ctx, id, model.OperationTypeAction, req.Action, func(ctx context.Context, drv driver.InstrumentDriver) (string, error) {
		var err error
		result, err = drv.ExecuteAction(ctx, req.Action, req.Params)
		return "", err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetStatus reads the instrument-specific status
func (os *OperationService) GetStatus(ctx context.Context, id uuid.UUID) (*driver.InstrumentStatus, error) {
	drv, release, err := os.instruments.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := os.withTimeout(ctx)
	defer cancel()

	status, err := drv.GetStatus(ctx)
	os.instruments.recordActivity(ctx, id, err)
	return status, err
}

// GetHealth returns driver health metrics and the summary of the operation log
func (os *OperationService) GetHealth(ctx context.Context, id uuid.UUID) (*InstrumentHealth, error) {
	li, err := os.instruments.lookup(id)
	if err != nil {
		return nil, err
	}
	summary, err := os.operationRepo.GetOperationSummary(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize operations: %w", err)
	}
	return &InstrumentHealth{
		InstrumentID: id,
		Metrics:      li.driver.GetHealthMetrics(),
		Operations:   summary,
	}, nil
}

// ListOperations returns the most recent operations of an instrument, newest first
func (os *OperationService) ListOperations(ctx context.Context, id uuid.UUID, limit int) ([]*model.InstrumentOperation, error) {
	if _, err := os.instruments.GetInstrument(ctx, id); err != nil {
		return nil, err
	}
	ops, err := os.operationRepo.ListByInstrument(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return ops, nil
}

// execute validates a raw command line before running it
func (os *OperationService) execute(ctx context.Context, id uuid.UUID, opType model.OperationType, command string, fn func(context.Context, driver.InstrumentDriver) (string, error)) (*model.InstrumentOperation, error) {
	if strings.TrimSpace(command) == "" {
		return nil, driver.InvalidParameter("command", "required")
	}
	if strings.ContainsAny(command, "\r\n") {
		return nil, driver.InvalidParameter("command", "must be a single line")
	}
	return os.run(ctx, id, opType, command, fn)
}

// run executes fn with exclusive use of the instrument's driver and records
// the outcome in the operation log
func (os *OperationService) run(ctx context.Context, id uuid.UUID, opType model.OperationType, command string, fn func(context.Context, driver.InstrumentDriver) (string, error)) (*model.InstrumentOperation, error) {
	drv, release, err := os.instruments.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	op := &model.InstrumentOperation{
		ID:            uuid.New(),
		InstrumentID:  id,
		OperationType: opType,
		Command:       command,
		StartedAt:     time.Now(),
	}
	if requestID, ok := ctx.Value(utils.RequestIDKey).(string); ok {
		if correlationID, err := uuid.Parse(requestID); err == nil {
			op.CorrelationID = &correlationID
		}
	}

	opLogger := utils.NewOperationLogger(os.logger.Logger, string(opType), op.ID.String())
	opLogger.Start(zap.String("instrument_id", id.String()), zap.String("command", command))

	execCtx, cancel := os.withTimeout(ctx)
	defer cancel()

	resp, err := fn(execCtx, drv)
	op.Response = resp
	op.DurationMs = opLogger.Elapsed().Milliseconds()

	if err != nil {
		msg := err.Error()
		op.Status = model.OperationStatusFailed
		op.ErrorMessage = &msg
		opLogger.Error(err, zap.String("command", command))
	} else {
		op.Status = model.OperationStatusSuccess
		opLogger.Success(zap.String("command", command))
	}

	if logErr := os.operationRepo.Create(ctx, op); logErr != nil {
		os.logger.Error("Failed to record operation", zap.Error(logErr))
	}
	os.instruments.recordActivity(ctx, id, err)
	os.publish(op, drv)

	return op, err
}

func (os *OperationService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if os.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, os.timeout)
}

func (os *OperationService) publish(op *model.InstrumentOperation, drv driver.InstrumentDriver) {
	if os.events == nil {
		return
	}
	eventType, severity := model.EventOperationCompleted, "INFO"
	data := model.JSONObject{
		"operation_id":   op.ID.String(),
		"operation_type": op.OperationType,
		"command":        op.Command,
		"duration_ms":    op.DurationMs,
	}
	if op.Response != "" {
		data["response"] = op.Response
	}
	if !op.IsSuccess() {
		eventType, severity = model.EventOperationFailed, "ERROR"
		data["error"] = *op.ErrorMessage
	}

	event := model.NewInstrumentEvent(eventType, "operation-service", severity, data)
	id := op.InstrumentID
	event.InstrumentID = &id
	event.Model = drv.GetInstrumentInfo().Model
	os.events.Publish(event)
}

func commandResponse(op *model.InstrumentOperation) *devicetypes.CommandResponse {
	return &devicetypes.CommandResponse{
		Command:  op.Command,
		Response: op.Response,
		Duration: (time.Duration(op.DurationMs) * time.Millisecond).String(),
	}
}

// InstrumentHealth combines driver health metrics with the operation log summary
type InstrumentHealth struct {
	InstrumentID uuid.UUID                    `json:"instrument_id"`
	Metrics      *driver.HealthMetrics        `json:"metrics"`
	Operations   *repository.OperationSummary `json:"operations"`
}
