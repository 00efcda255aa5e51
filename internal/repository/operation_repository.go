// internal/repository/operation_repository.go
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// operationRepository keeps the most recent transactions of each instrument
type operationRepository struct {
	mu         sync.RWMutex
	operations map[uuid.UUID][]*model.InstrumentOperation
	capacity   int
	logger     *zap.Logger
}

// NewOperationRepository creates an operation log holding up to capacity
// transactions per instrument
func NewOperationRepository(capacity int, logger *zap.Logger) OperationRepository {
	if capacity <= 0 {
		capacity = 1
	}
	return &operationRepository{
		operations: make(map[uuid.UUID][]*model.InstrumentOperation),
		capacity:   capacity,
		logger:     logger,
	}
}

// Create appends an operation, evicting the oldest once the log is full
func (r *operationRepository) Create(ctx context.Context, operation *model.InstrumentOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op := *operation
	log := append(r.operations[op.InstrumentID], &op)
	if len(log) > r.capacity {
		log = append([]*model.InstrumentOperation(nil), log[len(log)-r.capacity:]...)
	}
	r.operations[op.InstrumentID] = log
	return nil
}

// ListByInstrument returns up to limit operations, newest first. A limit of
// zero or less returns the whole log.
func (r *operationRepository) ListByInstrument(ctx context.Context, instrumentID uuid.UUID, limit int) ([]*model.InstrumentOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.operations[instrumentID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}

	out := make([]*model.InstrumentOperation, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		op := *log[i]
		out = append(out, &op)
	}
	return out, nil
}

// DeleteByInstrument drops the log of an instrument
func (r *operationRepository) DeleteByInstrument(ctx context.Context, instrumentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.operations[instrumentID])
	delete(r.operations, instrumentID)
	r.logger.Debug("Operation log dropped",
		zap.String("instrument_id", instrumentID.String()),
		zap.Int("operations", n),
	)
	return nil
}

// GetOperationSummary summarizes the logged operations of an instrument
func (r *operationRepository) GetOperationSummary(ctx context.Context, instrumentID uuid.UUID) (*OperationSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	log := r.operations[instrumentID]
	summary := &OperationSummary{
		InstrumentID: instrumentID,
		TotalOps:     len(log),
		ByType:       make(map[model.OperationType]int),
	}
	if len(log) == 0 {
		return summary, nil
	}

	var total time.Duration
	for _, op := range log {
		summary.ByType[op.OperationType]++
		if !op.IsSuccess() {
			summary.ErrorCount++
		}
		total += time.Duration(op.DurationMs) * time.Millisecond
	}
	summary.SuccessRate = float64(summary.TotalOps-summary.ErrorCount) / float64(summary.TotalOps)
	summary.AvgResponseTime = total / time.Duration(summary.TotalOps)
	last := log[len(log)-1].StartedAt
	summary.LastOperation = &last
	return summary, nil
}
