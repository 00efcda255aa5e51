// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"instrument-service/internal/model"
)

// ErrNotFound means no record has the requested id
var ErrNotFound = errors.New("record not found")

// InstrumentRepository defines access to live instrument records
type InstrumentRepository interface {
	Create(ctx context.Context, instrument *model.Instrument) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Instrument, error)
	Update(ctx context.Context, instrument *model.Instrument) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.InstrumentStatus, lastErr error) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filter *InstrumentFilter) ([]*model.Instrument, error)
	GetInstrumentStats(ctx context.Context) (*InstrumentStats, error)
}

// OperationRepository defines access to the recent transaction log
type OperationRepository interface {
	Create(ctx context.Context, operation *model.InstrumentOperation) error
	ListByInstrument(ctx context.Context, instrumentID uuid.UUID, limit int) ([]*model.InstrumentOperation, error)
	DeleteByInstrument(ctx context.Context, instrumentID uuid.UUID) error

	GetOperationSummary(ctx context.Context, instrumentID uuid.UUID) (*OperationSummary, error)
}

// InstrumentFilter represents instrument listing filters
type InstrumentFilter struct {
	Model  *string                 `json:"model,omitempty"`
	Status *model.InstrumentStatus `json:"status,omitempty"`
}

// InstrumentStats represents live instrument counts
type InstrumentStats struct {
	TotalInstruments int                            `json:"total_instruments"`
	ReadyInstruments int                            `json:"ready_instruments"`
	ErrorInstruments int                            `json:"error_instruments"`
	ByModel          map[string]int                 `json:"by_model"`
	ByStatus         map[model.InstrumentStatus]int `json:"by_status"`
}

// OperationSummary represents the logged transactions of one instrument
type OperationSummary struct {
	InstrumentID    uuid.UUID                   `json:"instrument_id"`
	TotalOps        int                         `json:"total_operations"`
	SuccessRate     float64                     `json:"success_rate"`
	AvgResponseTime time.Duration               `json:"average_response_time"`
	ErrorCount      int                         `json:"error_count"`
	ByType          map[model.OperationType]int `json:"by_type"`
	LastOperation   *time.Time                  `json:"last_operation,omitempty"`
}
