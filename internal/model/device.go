// internal/model/device.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// InstrumentStatus represents the current status of a live instrument connection
type InstrumentStatus string

const (
	InstrumentStatusConnecting InstrumentStatus = "CONNECTING"
	InstrumentStatusReady      InstrumentStatus = "READY"
	InstrumentStatusError      InstrumentStatus = "ERROR"
	InstrumentStatusClosed     InstrumentStatus = "CLOSED"
)

// JSONObject is a free-form JSON object used in events and operation payloads
type JSONObject map[string]interface{}

// Instrument represents one verified, live instrument connection
type Instrument struct {
	ID           uuid.UUID        `json:"id"`
	Model        string           `json:"model"`
	Manufacturer string           `json:"manufacturer"`
	Type         string           `json:"type"`
	Interface    Interface        `json:"interface"`
	DeviceID     string           `json:"device_id"`
	TargetSerial string           `json:"target_serial,omitempty"`
	Address      string           `json:"address"`
	Speed        int              `json:"speed,omitempty"`
	Status       InstrumentStatus `json:"status"`
	LastError    *string          `json:"last_error,omitempty"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastActivity time.Time        `json:"last_activity"`
}

// IsReady checks if the instrument can accept transactions
func (i *Instrument) IsReady() bool {
	return i.Status == InstrumentStatusReady
}

// PortInfo describes one enumerated port or resource, before any probing
type PortInfo struct {
	Address      string    `json:"address"`
	Interface    Interface `json:"interface"`
	Metadata     string    `json:"metadata"`
	VendorName   string    `json:"vendor_name,omitempty"`
	ProductName  string    `json:"product_name,omitempty"`
	Held         bool      `json:"held"`
	HeldByModel  string    `json:"held_by_model,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
