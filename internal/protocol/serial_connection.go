// internal/protocol/serial_connection.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// DefaultBaudRates is the ladder tried when a descriptor does not pin a speed
var DefaultBaudRates = []int{4800, 9600, 19200, 28800, 38400, 115200}

// SerialBus implements Bus for serial lines
type SerialBus struct {
	config *SerialConfig
	logger *zap.Logger

	listPorts func() ([]*enumerator.PortDetails, error)
	openPort  func(name string, mode *serial.Mode) (serial.Port, error)
}

// NewSerialBus creates a new serial bus
func NewSerialBus(config *SerialConfig, logger *zap.Logger) *SerialBus {
	if config == nil {
		config = &SerialConfig{DataBits: 8, StopBits: 1, Parity: "none"}
	}
	return &SerialBus{
		config:    config,
		logger:    logger.With(zap.String("protocol", "serial")),
		listPorts: enumerator.GetDetailedPortsList,
		openPort:  serial.Open,
	}
}

// Kind returns the bus family
func (sb *SerialBus) Kind() model.Interface {
	return model.InterfaceSerial
}

// DefaultSpeeds returns the configured baud ladder
func (sb *SerialBus) DefaultSpeeds() []int {
	if len(sb.config.BaudRates) > 0 {
		return slices.Clone(sb.config.BaudRates)
	}
	return slices.Clone(DefaultBaudRates)
}

// List enumerates serial ports with their USB metadata
func (sb *SerialBus) List(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ports, err := sb.listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	candidates := make([]Candidate, 0, len(ports))
	for _, p := range ports {
		candidates = append(candidates, Candidate{
			Address:  p.Name,
			Metadata: serialMetadata(p),
		})
	}

	sb.logger.Debug("Serial ports enumerated", zap.Int("count", len(candidates)))
	return candidates, nil
}

// serialMetadata renders port details the way OS tools report them
func serialMetadata(p *enumerator.PortDetails) string {
	parts := []string{p.Name}
	if p.Product != "" {
		parts = append(parts, p.Product)
	}
	if p.IsUSB {
		hwid := fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(p.VID), strings.ToUpper(p.PID))
		if p.SerialNumber != "" {
			hwid += " SER=" + p.SerialNumber
		}
		parts = append(parts, hwid)
	}
	return strings.Join(parts, " - ")
}

// Open opens a serial port at speed with the given read timeout
func (sb *SerialBus) Open(ctx context.Context, address string, speed int, timeout time.Duration) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if speed <= 0 {
		return nil, fmt.Errorf("invalid baud rate %d", speed)
	}

	mode := &serial.Mode{
		BaudRate: speed,
		DataBits: sb.config.DataBits,
		StopBits: stopBits(sb.config.StopBits),
		Parity:   parity(sb.config.Parity),
	}

	port, err := sb.openPort(address, mode)
	if err != nil {
		if isPortBusy(err) {
			sb.logger.Debug("Serial port busy", zap.String("port", address))
			return nil, fmt.Errorf("%s: %w", address, ErrBusy)
		}
		sb.logger.Debug("Failed to open serial port", zap.String("port", address), zap.Error(err))
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	sb.logger.Debug("Serial port opened", zap.String("port", address), zap.Int("baud_rate", speed))
	return port, nil
}

func isPortBusy(err error) bool {
	var portErr *serial.PortError
	if !errors.As(err, &portErr) {
		return false
	}
	switch portErr.Code() {
	case serial.PortBusy, serial.PermissionDenied:
		return true
	}
	return false
}

func parity(name string) serial.Parity {
	switch strings.ToLower(name) {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func stopBits(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
