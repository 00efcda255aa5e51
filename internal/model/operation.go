// internal/model/operation.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// OperationType represents the kind of command transaction
type OperationType string

const (
	// OperationTypeQuery writes a command and returns the reply line
	OperationTypeQuery OperationType = "QUERY"
	// OperationTypeSend writes an imperative command and expects the "Ok" token
	OperationTypeSend OperationType = "SEND"
	// OperationTypeWrite writes a command without reading any reply
	OperationTypeWrite OperationType = "WRITE"
	// OperationTypeAction runs a named driver action
	OperationTypeAction OperationType = "ACTION"
)

// OperationStatus represents the status of an operation
type OperationStatus string

const (
	OperationStatusSuccess OperationStatus = "SUCCESS"
	OperationStatusFailed  OperationStatus = "FAILED"
)

// InstrumentOperation records one command transaction against a live instrument
type InstrumentOperation struct {
	ID            uuid.UUID       `json:"id"`
	InstrumentID  uuid.UUID       `json:"instrument_id"`
	OperationType OperationType   `json:"operation_type"`
	Command       string          `json:"command"`
	Response      string          `json:"response,omitempty"`
	Status        OperationStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	DurationMs    int64           `json:"duration_ms"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
}

// IsSuccess reports whether the transaction succeeded
func (op *InstrumentOperation) IsSuccess() bool {
	return op.Status == OperationStatusSuccess
}

// IsValid reports whether the operation type is known
func (t OperationType) IsValid() bool {
	switch t {
	case OperationTypeQuery, OperationTypeSend, OperationTypeWrite, OperationTypeAction:
		return true
	}
	return false
}
