// internal/driver/generic.go
package driver

import (
	"context"

	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/pkg/driver"
)

// Generic gives raw transaction access to a verified instrument that has no
// dedicated driver
type Generic struct {
	*base.Base
}

var _ driver.InstrumentDriver = (*Generic)(nil)

// NewGeneric creates a generic driver. It sends nothing to the instrument.
func NewGeneric(_ context.Context, vs *discovery.VerifiedSession, desc model.Descriptor, opts base.Options, logger *zap.Logger) (driver.InstrumentDriver, error) {
	d := &Generic{Base: base.New(vs, desc, []string{"query", "send", "write"}, opts, logger)}
	d.Logger().LogConnection("open", nil)
	return d, nil
}

func (d *Generic) Actions() []string { return []string{} }

func (d *Generic) ExecuteAction(_ context.Context, action string, _ map[string]interface{}) (*driver.ActionResult, error) {
	return nil, base.Unsupported(action, nil)
}

func (d *Generic) GetStatus(context.Context) (*driver.InstrumentStatus, error) {
	return d.Status(), nil
}

func (d *Generic) Close(context.Context) error {
	return d.CloseSession()
}
