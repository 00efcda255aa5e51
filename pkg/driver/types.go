// pkg/driver/types.go
package driver

import (
	"time"

	"github.com/shopspring/decimal"
)

// Core data structures

// InstrumentInfo contains the identity of a verified instrument
type InstrumentInfo struct {
	Model        string    `json:"model"`
	Manufacturer string    `json:"manufacturer"`
	Type         string    `json:"type"`
	Interface    string    `json:"interface"`
	DeviceID     string    `json:"device_id"`
	Address      string    `json:"address"`
	Speed        int       `json:"speed,omitempty"`
	Capabilities []string  `json:"capabilities"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// InstrumentStatus represents a status snapshot read from the instrument
type InstrumentStatus struct {
	IsReady      bool                   `json:"is_ready"`
	HasError     bool                   `json:"has_error"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	LastResponse time.Time              `json:"last_response"`
}

// ActionResult represents the result of a named driver action
type ActionResult struct {
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Duration  string                 `json:"duration"`
	Timestamp time.Time              `json:"timestamp"`
}

// HealthMetrics contains transaction health for one instrument
type HealthMetrics struct {
	HealthScore     int           `json:"health_score"` // 0-100
	ResponseTime    time.Duration `json:"response_time"`
	SuccessRate     float64       `json:"success_rate"` // 0.0-1.0
	ErrorCount      int64         `json:"error_count"`
	TotalOperations int64         `json:"total_operations"`
	EmptyReads      int64         `json:"empty_reads"`
	LastErrorTime   *time.Time    `json:"last_error_time,omitempty"`
	LastSuccessTime *time.Time    `json:"last_success_time,omitempty"`
}

// Lamp supply types

// SupplyMode selects what the lamp supply regulates
type SupplyMode string

const (
	SupplyModeCurrent SupplyMode = "CURRENT"
	SupplyModePower   SupplyMode = "POWER"
)

// LampStatus is the decoded status byte of a lamp supply
type LampStatus struct {
	LampOn           bool       `json:"lamp_on"`
	Mode             SupplyMode `json:"mode"`
	Error            bool       `json:"error"`
	FrontPanelLocked bool       `json:"front_panel_locked"`
	LimitReached     bool       `json:"limit_reached"`
	InterlockOK      bool       `json:"interlock_ok"`
	Raw              byte       `json:"raw"`
}

// LampReadings holds live output and stored setpoints of a lamp supply
type LampReadings struct {
	Amps          decimal.Decimal `json:"amps"`
	Volts         decimal.Decimal `json:"volts"`
	Watts         int             `json:"watts"`
	LampHours     int             `json:"lamp_hours"`
	CurrentPreset decimal.Decimal `json:"current_preset"`
	PowerPreset   int             `json:"power_preset"`
	CurrentLimit  decimal.Decimal `json:"current_limit"`
	PowerLimit    int             `json:"power_limit"`
}

// Light source types

// TransferFormat selects how spectra are transferred
type TransferFormat int

const (
	TransferASCIIComma  TransferFormat = 0
	TransferASCIIColumn TransferFormat = 1
	TransferPacked      TransferFormat = 2
)

// PowerUnit selects how light source power values are interpreted
type PowerUnit string

const (
	PowerUnitRadiance    PowerUnit = "RADIANCE"
	PowerUnitIrradiance  PowerUnit = "IRRADIANCE"
	PowerUnitLuminance   PowerUnit = "LUMINANCE"
	PowerUnitIlluminance PowerUnit = "ILLUMINANCE"
	PowerUnitPercentage  PowerUnit = "PERCENTAGE"
)

// ObserverAngle is the CIE standard observer angle in degrees
type ObserverAngle int

const (
	ObserverAngle2  ObserverAngle = 2
	ObserverAngle10 ObserverAngle = 10
)

// ChannelPower is the power setting of one LED channel
type ChannelPower struct {
	Channel int             `json:"channel"`
	Power   decimal.Decimal `json:"power"`
}
