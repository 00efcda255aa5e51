package thorlabs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"instrument-service/internal/driver/drivertest"
	"instrument-service/internal/driver/thorlabs"
	"instrument-service/internal/protocol"
	"instrument-service/internal/protocol/protocoltest"
	"instrument-service/pkg/driver"
)

const resource = "USB0::0x1313::0x8078::P0012345::INSTR"

func newMeter(t *testing.T, ep *protocoltest.Endpoint) *thorlabs.PM100D {
	t.Helper()
	vs := drivertest.Open(t, ep, "PM100D", "P0012345")
	d, err := thorlabs.NewPM100D(context.Background(), vs, drivertest.Descriptor(t, "PM100D"), drivertest.Options(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return d.(*thorlabs.PM100D)
}

func TestSetWavelengthReadsBack(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "").Reply("SENS:CORR:WAV?", "5.320000E+02")
	meter := newMeter(t, ep)

	require.NoError(t, meter.SetWavelength(context.Background(), decimal.NewFromInt(532)))
	assert.Equal(t, []string{"SENS:CORR:WAV 532.000000", "SENS:CORR:WAV?"}, ep.Writes())
}

func TestSetWavelengthInconsistent(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "").Reply("SENS:CORR:WAV?", "5.300000E+02")
	meter := newMeter(t, ep)

	err := meter.SetWavelength(context.Background(), decimal.NewFromInt(532))
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrInconsistent))

	var inconsistent *protocol.InconsistentError
	require.True(t, errors.As(err, &inconsistent))
	assert.Equal(t, "532", inconsistent.Requested)
	assert.Equal(t, "530", inconsistent.ReadBack)
}

func TestSetWavelengthOutOfRange(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "")
	meter := newMeter(t, ep)

	err := meter.SetWavelength(context.Background(), decimal.NewFromInt(5))
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	assert.Empty(t, ep.Writes())
}

func TestWavelengthRetriesUnparsableReply(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "").Reply("SENS:CORR:WAV?", "garbage", "6.330000E+02")
	meter := newMeter(t, ep)

	wl, err := meter.Wavelength(context.Background())
	require.NoError(t, err)
	assert.True(t, wl.Equal(decimal.NewFromInt(633)))
	assert.Len(t, ep.Writes(), 2)
}

func TestWavelengthGivesUpAfterRetries(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "")
	meter := newMeter(t, ep)

	_, err := meter.Wavelength(context.Background())
	assert.True(t, errors.Is(err, protocol.ErrNoResponse))
	assert.Len(t, ep.Writes(), 3)
}

func TestAverageCountAndAutoRange(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "").
		Reply("SENS:AVER:COUNt?", "100").
		Reply("SENS:POW:RANG:AUTO?", "0")
	meter := newMeter(t, ep)
	ctx := context.Background()

	require.NoError(t, meter.SetAverageCount(ctx, 100))

	err := meter.SetAutoRange(ctx, true)
	assert.True(t, errors.Is(err, protocol.ErrInconsistent))

	assert.Contains(t, ep.Writes(), "SENS:AVER:COUNT 100")
	assert.Contains(t, ep.Writes(), "SENS:POW:RANG:AUTO ON")
}

func TestSensorID(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "").Reply("SYST:SENS:IDN?", "S120C,14052301,07-Jun-2022,1,18,289")
	meter := newMeter(t, ep)

	id, err := meter.SensorID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "S120C", id)
}

func TestExecuteAction(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "").Handle(func(cmd string) (string, bool) {
		switch cmd {
		case "SYST:SENS:IDN?":
			return "S120C,14052301", true
		case "SENS:AVER:COUNt?", "SENS:POW:RANG:AUTO?", "SENS:CORR:COLL:ZERO:STAT?":
			return "1", true
		}
		if cmd[len(cmd)-1] == '?' {
			return "1.500000E-03", true
		}
		return "", false
	})
	meter := newMeter(t, ep)
	ctx := context.Background()

	res, err := meter.ExecuteAction(ctx, thorlabs.ActionMeasurePower, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Data["power_w"].(decimal.Decimal).Equal(decimal.RequireFromString("0.0015")))

	res, err = meter.ExecuteAction(ctx, thorlabs.ActionReadAll, nil)
	require.NoError(t, err)
	assert.Equal(t, "S120C", res.Data["sensor_id"])
	assert.Equal(t, true, res.Data["auto_range"])
	assert.Equal(t, 1, res.Data["average_count"])

	status, err := meter.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsReady)
	assert.Contains(t, status.Details, "wavelength_nm")

	_, err = meter.ExecuteAction(ctx, thorlabs.ActionSetWavelength, map[string]interface{}{})
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))

	_, err = meter.ExecuteAction(ctx, "fire_laser", nil)
	assert.True(t, errors.Is(err, driver.ErrUnsupportedAction))

	health := meter.GetHealthMetrics()
	assert.Positive(t, health.TotalOperations)
	assert.Equal(t, 100, health.HealthScore)
}

func TestCloseReleasesSession(t *testing.T) {
	ep := protocoltest.NewEndpoint(resource, "")
	meter := newMeter(t, ep)

	require.NoError(t, meter.Close(context.Background()))
	assert.False(t, meter.IsConnected())
	assert.False(t, ep.IsOpen())

	_, err := meter.Query(context.Background(), "*IDN?")
	assert.True(t, errors.Is(err, protocol.ErrSessionClosed))
}
