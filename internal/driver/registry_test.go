package driver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	instdriver "instrument-service/internal/driver"
	"instrument-service/internal/driver/drivertest"
	"instrument-service/internal/driver/thorlabs"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol/protocoltest"
	"instrument-service/pkg/driver"
)

func newRegistry(t *testing.T) *instdriver.Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	r := instdriver.NewRegistry(logger)
	instdriver.RegisterDefaultDrivers(r, logger)
	return r
}

func TestRegisterDefaultDrivers(t *testing.T) {
	r := newRegistry(t)

	assert.Len(t, r.ListDrivers(), 4)
	for _, desc := range model.DefaultDescriptors() {
		assert.True(t, r.IsSupported(desc), desc.Model)
	}
	assert.False(t, r.IsSupported(model.Descriptor{Model: "X1", Manufacturer: "Acme", Type: "Oscilloscope"}))
}

func TestCreateDriverPicksModelDriver(t *testing.T) {
	r := newRegistry(t)
	ep := protocoltest.NewEndpoint("USB0::0x1313::0x8078::P0012345::INSTR", "")
	vs := drivertest.Open(t, ep, "PM100D", "P0012345")

	d, err := r.CreateDriver(context.Background(), vs, drivertest.Descriptor(t, "PM100D"), drivertest.Options())
	require.NoError(t, err)
	_, ok := d.(*thorlabs.PM100D)
	assert.True(t, ok)
	assert.Equal(t, "Thorlabs", d.GetInstrumentInfo().Manufacturer)
}

func TestCreateDriverFallsBackToGeneric(t *testing.T) {
	r := newRegistry(t)
	ep := protocoltest.NewEndpoint("/dev/ttyUSB9", "").Reply("*IDN?", "ACME,X1,42,1.0")
	vs := drivertest.Open(t, ep, "X1", "42")
	desc := model.Descriptor{Model: "X1", Manufacturer: "Acme", Type: "Oscilloscope", Interface: model.InterfaceSerial}
	ctx := context.Background()

	d, err := r.CreateDriver(ctx, vs, desc, drivertest.Options())
	require.NoError(t, err)
	_, ok := d.(*instdriver.Generic)
	require.True(t, ok)
	assert.Empty(t, ep.Writes())
	assert.Empty(t, d.Actions())

	resp, err := d.Query(ctx, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "ACME,X1,42,1.0", resp)

	_, err = d.ExecuteAction(ctx, "anything", nil)
	assert.True(t, errors.Is(err, driver.ErrUnsupportedAction))

	status, err := d.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsReady)

	require.NoError(t, d.Close(ctx))
	assert.False(t, ep.IsOpen())
}

func TestCreateDriverWithoutMatch(t *testing.T) {
	r := instdriver.NewRegistry(zaptest.NewLogger(t))
	ep := protocoltest.NewEndpoint("/dev/ttyUSB9", "")
	vs := drivertest.Open(t, ep, "X1", "42")

	_, err := r.CreateDriver(context.Background(), vs, model.Descriptor{Model: "X1", Manufacturer: "Acme", Type: "Oscilloscope"}, drivertest.Options())
	assert.Error(t, err)
}
