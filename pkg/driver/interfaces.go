// pkg/driver/interfaces.go
package driver

import (
	"context"

	"github.com/shopspring/decimal"
)

// InstrumentDriver is the interface every instrument driver implements. A
// driver owns one verified session from the moment it is created until Close.
type InstrumentDriver interface {
	// Identity
	GetInstrumentInfo() *InstrumentInfo
	IsConnected() bool

	// Command transactions on the verified session
	Query(ctx context.Context, cmd string) (string, error)
	Send(ctx context.Context, cmd string) error
	Write(ctx context.Context, cmd string) error

	// Named driver actions
	Actions() []string
	ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (*ActionResult, error)

	// Health and monitoring
	GetStatus(ctx context.Context) (*InstrumentStatus, error)
	GetHealthMetrics() *HealthMetrics

	// Cleanup. Puts the instrument in a safe state, then releases the session.
	Close(ctx context.Context) error
}

// PowerMeterDriver extends InstrumentDriver for optical power meters
type PowerMeterDriver interface {
	InstrumentDriver

	Wavelength(ctx context.Context) (decimal.Decimal, error)
	SetWavelength(ctx context.Context, nm decimal.Decimal) error
	AverageCount(ctx context.Context) (int, error)
	SetAverageCount(ctx context.Context, count int) error
	Power(ctx context.Context) (decimal.Decimal, error)
	AutoRange(ctx context.Context) (bool, error)
	SetAutoRange(ctx context.Context, on bool) error
	Zero(ctx context.Context) error
	SensorID(ctx context.Context) (string, error)
}

// LampSupplyDriver extends InstrumentDriver for arc lamp power supplies
type LampSupplyDriver interface {
	InstrumentDriver

	LampStatus(ctx context.Context) (*LampStatus, error)
	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetMode(ctx context.Context, mode SupplyMode) error
	LockFrontPanel(ctx context.Context, lock bool) error
	Readings(ctx context.Context) (*LampReadings, error)
	SetCurrentPreset(ctx context.Context, amps decimal.Decimal) error
	SetPowerPreset(ctx context.Context, watts int) error
	SetCurrentLimit(ctx context.Context, amps decimal.Decimal) error
	SetPowerLimit(ctx context.Context, watts int) error
}

// LightSourceDriver extends InstrumentDriver for tunable LED light sources
type LightSourceDriver interface {
	InstrumentDriver

	SerialNumber(ctx context.Context) (string, error)
	SetWavelengthRange(ctx context.Context, minNM, maxNM int) error
	SetTransferFormat(ctx context.Context, format TransferFormat) error
	SetPowerUnit(ctx context.Context, unit PowerUnit, distanceMM int) error
	SetFeedback(ctx context.Context, on bool) error
	SetPowerAll(ctx context.Context, power decimal.Decimal) error
	SetChannelPower(ctx context.Context, channels []ChannelPower) error
	SetOutput(ctx context.Context, power decimal.Decimal, keepChromaticity bool) error
	SetObserverAngle(ctx context.Context, angle ObserverAngle) error
	SetIris(ctx context.Context, percentClosed int) error
	OutputPower(ctx context.Context) (decimal.Decimal, error)
	ChannelPowers(ctx context.Context) ([]ChannelPower, error)
	FeedbackGain(ctx context.Context) (decimal.Decimal, error)
	ColorTemperature(ctx context.Context) (decimal.Decimal, error)
	Chromaticity(ctx context.Context) ([]decimal.Decimal, error)
}
