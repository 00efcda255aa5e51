// internal/protocol/factory.go
package protocol

import (
	"fmt"

	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// BusConfig collects the settings every bus family is built from
type BusConfig struct {
	Serial SerialConfig
	USB    USBConfig
	TCP    TCPConfig
}

// Transports maps a bus family to its claim-tracking transport
type Transports map[model.Interface]*Transport

// For returns the transport for a bus family
func (t Transports) For(kind model.Interface) (*Transport, error) {
	tr, ok := t[kind]
	if !ok {
		return nil, fmt.Errorf("no transport for interface %s", kind)
	}
	return tr, nil
}

// NewTransports creates one transport per bus family from configuration
func NewTransports(config *BusConfig, logger *zap.Logger) Transports {
	serialBus := NewSerialBus(&config.Serial, logger)

	var usb *USBTMCBus
	if config.USB.Enabled {
		usb = NewUSBTMCBus(&config.USB, logger)
	}
	var socket *SocketBus
	if len(config.TCP.Resources) > 0 {
		socket = NewSocketBus(&config.TCP, logger)
	}
	visaBus := NewVISABus(usb, socket, logger)

	logger.Info("Creating transports",
		zap.Ints("baud_rates", serialBus.DefaultSpeeds()),
		zap.Bool("usbtmc", usb != nil),
		zap.Int("socket_resources", len(config.TCP.Resources)),
	)

	return Transports{
		model.InterfaceSerial: NewTransport(serialBus),
		model.InterfaceVISA:   NewTransport(visaBus),
	}
}
