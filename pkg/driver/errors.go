// pkg/driver/errors.go
package driver

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedAction means the driver has no action with the given name
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrInvalidParameter means an action parameter is missing or out of range
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInstrumentNotFound means no live instrument has the given handle
	ErrInstrumentNotFound = errors.New("instrument not found")
	// ErrUnknownModel means the catalog has no descriptor for the model
	ErrUnknownModel = errors.New("unknown instrument model")
)

// InvalidParameter builds an ErrInvalidParameter naming the parameter
func InvalidParameter(name, format string, args ...interface{}) error {
	return fmt.Errorf("%w %s: %s", ErrInvalidParameter, name, fmt.Sprintf(format, args...))
}
