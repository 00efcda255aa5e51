// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventCandidateTried       EventType = "CANDIDATE_TRIED"
	EventCandidateBusy        EventType = "CANDIDATE_BUSY"
	EventCandidateRejected    EventType = "CANDIDATE_REJECTED"
	EventCandidateMatched     EventType = "CANDIDATE_MATCHED"
	EventDiscoveryFailed      EventType = "DISCOVERY_FAILED"
	EventInstrumentConnected  EventType = "INSTRUMENT_CONNECTED"
	EventInstrumentClosed     EventType = "INSTRUMENT_CLOSED"
	EventOperationCompleted   EventType = "OPERATION_COMPLETED"
	EventOperationFailed      EventType = "OPERATION_FAILED"
	EventInstrumentStatusSync EventType = "INSTRUMENT_STATUS"
)

// InstrumentEvent represents an event in the system
type InstrumentEvent struct {
	ID           uuid.UUID  `json:"id"`
	EventType    EventType  `json:"event_type"`
	InstrumentID *uuid.UUID `json:"instrument_id,omitempty"`
	Model        string     `json:"model,omitempty"`
	Data         JSONObject `json:"data"`
	Timestamp    time.Time  `json:"timestamp"`
	Source       string     `json:"source"`
	Severity     string     `json:"severity"` // DEBUG, INFO, WARNING, ERROR
}

// NewInstrumentEvent creates an event stamped with a fresh id and the current time
func NewInstrumentEvent(eventType EventType, source, severity string, data JSONObject) *InstrumentEvent {
	if data == nil {
		data = JSONObject{}
	}
	return &InstrumentEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Severity:  severity,
	}
}
