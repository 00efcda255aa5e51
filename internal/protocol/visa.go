// internal/protocol/visa.go
package protocol

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// VISABus implements Bus over VISA-style resource strings: USB-TMC
// instruments and configured TCPIP sockets
type VISABus struct {
	usb    *USBTMCBus
	socket *SocketBus
	logger *zap.Logger
}

// NewVISABus creates a VISA bus; a nil member disables that resource class
func NewVISABus(usb *USBTMCBus, socket *SocketBus, logger *zap.Logger) *VISABus {
	return &VISABus{
		usb:    usb,
		socket: socket,
		logger: logger.With(zap.String("protocol", "visa")),
	}
}

// Kind returns the bus family
func (vb *VISABus) Kind() model.Interface {
	return model.InterfaceVISA
}

// DefaultSpeeds returns a single placeholder speed: VISA resources have none
func (vb *VISABus) DefaultSpeeds() []int {
	return []int{0}
}

// List enumerates USB-TMC resources followed by configured sockets
func (vb *VISABus) List(ctx context.Context) ([]Candidate, error) {
	var candidates []Candidate
	var usbErr error

	if vb.usb != nil {
		list, err := vb.usb.List(ctx)
		if err != nil {
			vb.logger.Warn("USB-TMC enumeration failed", zap.Error(err))
			usbErr = err
		}
		candidates = append(candidates, list...)
	}

	if vb.socket != nil {
		list, err := vb.socket.List(ctx)
		if err != nil {
			return candidates, err
		}
		candidates = append(candidates, list...)
	}

	if len(candidates) == 0 && usbErr != nil {
		return nil, usbErr
	}
	return candidates, nil
}

// Open dispatches on the resource prefix
func (vb *VISABus) Open(ctx context.Context, address string, _ int, timeout time.Duration) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := strings.ToUpper(address)
	switch {
	case strings.HasPrefix(prefix, "USB"):
		if vb.usb == nil {
			return nil, fmt.Errorf("USB resources disabled: %s", address)
		}
		return vb.usb.Open(ctx, address, timeout)
	case strings.HasPrefix(prefix, "TCPIP"):
		if vb.socket == nil {
			return nil, fmt.Errorf("TCPIP resources disabled: %s", address)
		}
		return vb.socket.Open(ctx, address, timeout)
	default:
		return nil, fmt.Errorf("unsupported VISA resource: %s", address)
	}
}
