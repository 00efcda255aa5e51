// internal/protocol/connection.go
package protocol

import (
	"context"
	"time"

	"instrument-service/internal/model"
)

// Candidate is one enumerated port or resource, before identity is confirmed
type Candidate struct {
	Address  string `json:"address"`
	Metadata string `json:"metadata"`
}

// Port is a raw duplex handle on an open address. Read returns 0, nil when
// the read timeout elapses without data.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Bus enumerates and opens addresses of one bus family
type Bus interface {
	Kind() model.Interface
	List(ctx context.Context) ([]Candidate, error)
	Open(ctx context.Context, address string, speed int, timeout time.Duration) (Port, error)
	DefaultSpeeds() []int
}

// SerialConfig represents serial line settings shared by every serial open
type SerialConfig struct {
	DataBits  int    `json:"data_bits"`
	StopBits  int    `json:"stop_bits"`
	Parity    string `json:"parity"`
	BaudRates []int  `json:"baud_rates"`
}

// USBConfig represents USB-TMC resource settings
type USBConfig struct {
	Enabled     bool `json:"enabled"`
	MaxTransfer int  `json:"max_transfer"`
	DebugLibUSB bool `json:"debug_libusb"`
	AutoDetach  bool `json:"auto_detach"`
}

// TCPConfig represents TCPIP SOCKET resource settings
type TCPConfig struct {
	Resources   []string      `json:"resources"`
	DialTimeout time.Duration `json:"dial_timeout"`
	KeepAlive   bool          `json:"keep_alive"`
}

// SessionOptions controls how a Transport opens a Session
type SessionOptions struct {
	Speed      int
	Timeout    time.Duration
	Terminator string
	Owner      string
}
