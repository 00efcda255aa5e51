// internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConnectionFailed means no candidate verified as the requested instrument
	ErrConnectionFailed = errors.New("device connection failed")
	// ErrBusy means the address is held by another session or process
	ErrBusy = errors.New("resource busy")
	// ErrNoResponse means a read returned nothing after its retry
	ErrNoResponse = errors.New("no response from device")
	// ErrOperation means a verified session got an unexpected reply to a command
	ErrOperation = errors.New("device operation error")
	// ErrInconsistent means a set-then-read-back round trip disagreed
	ErrInconsistent = errors.New("device state inconsistent")
	// ErrSessionClosed is returned by I/O on a closed session
	ErrSessionClosed = errors.New("session closed")
)

// DiscoveryError reports that no candidate verified for a model
type DiscoveryError struct {
	Model        string
	TargetSerial string
	Attempts     int
	Busy         int
	Cause        error
}

func (e *DiscoveryError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no %s instrument found", e.Model)
	if e.TargetSerial != "" {
		fmt.Fprintf(&b, " with serial matching %q", e.TargetSerial)
	}
	fmt.Fprintf(&b, " (%d candidates tried, %d busy)", e.Attempts, e.Busy)
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *DiscoveryError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrConnectionFailed}
	}
	return []error{ErrConnectionFailed, e.Cause}
}

// OperationError reports an unexpected reply on a verified session
type OperationError struct {
	Command  string
	Response string
	Err      error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("command %q failed: unexpected response %q", e.Command, e.Response)
}

func (e *OperationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrOperation}
	}
	return []error{ErrOperation, e.Err}
}

// InconsistentError reports a read-back value that differs from what was set
type InconsistentError struct {
	Parameter string
	Requested string
	ReadBack  string
}

func (e *InconsistentError) Error() string {
	return fmt.Sprintf("%s set to %s but device reports %s", e.Parameter, e.Requested, e.ReadBack)
}

func (e *InconsistentError) Unwrap() error {
	return ErrInconsistent
}

// IsBusy reports whether err means the address is held elsewhere
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}
