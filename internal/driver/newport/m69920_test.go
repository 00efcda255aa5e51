package newport_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"instrument-service/internal/driver/drivertest"
	"instrument-service/internal/driver/newport"
	"instrument-service/internal/protocol"
	"instrument-service/internal/protocol/protocoltest"
	"instrument-service/pkg/driver"
)

// lampSupply simulates the register and setpoint behavior of a 69920 supply
type lampSupply struct {
	mu       sync.Mutex
	stb      byte
	esr      byte
	settings map[string]string
	// stuck ignores lamp START commands
	stuck bool
	// drift makes the supply store presets 0.1 A lower than requested
	drift bool
}

func newLampSupply() *lampSupply {
	return &lampSupply{
		stb: 0x01 | 0x20,
		settings: map[string]string{
			"AMPS": "00.0", "VOLTS": "00.0", "WATTS": "0000", "LAMP HRS": "0123",
			"A-PRESET": "00.0", "P-PRESET": "0000", "A-LIM": "12.0", "P-LIM": "0150",
		},
	}
}

func (l *lampSupply) handle(cmd string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch cmd {
	case "STB?":
		return fmt.Sprintf("STB%02X", l.stb), true
	case "ESR?":
		return fmt.Sprintf("ESR%02X", l.esr), true
	case "START":
		if !l.stuck {
			l.stb |= 0x80
		}
		return "", false
	case "STOP":
		l.stb &^= 0x80
		return "", false
	case "MODE=1":
		l.stb &^= 0x20
		return "", false
	case "MODE=0":
		l.stb |= 0x20
		return "", false
	case "COMM=1":
		l.stb |= 0x04
		return "", false
	case "COMM=0":
		l.stb &^= 0x04
		return "", false
	}

	if name, ok := strings.CutSuffix(cmd, "?"); ok {
		v, known := l.settings[name]
		return v, known
	}
	if name, value, ok := strings.Cut(cmd, "="); ok {
		if l.drift && name == "A-PRESET" {
			d := decimal.RequireFromString(value).Sub(decimal.RequireFromString("0.1"))
			value = d.StringFixed(1)
		}
		l.settings[name] = value
	}
	return "", false
}

func (l *lampSupply) lampOn() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stb&0x80 != 0
}

func newDriver(t *testing.T, sim *lampSupply) (*newport.M69920, *protocoltest.Endpoint) {
	t.Helper()
	ep := protocoltest.NewEndpoint("/dev/ttyUSB1", "/dev/ttyUSB1 - M69920").Handle(sim.handle)
	vs := drivertest.Open(t, ep, "M69920", "69920")
	d, err := newport.NewM69920(context.Background(), vs, drivertest.Descriptor(t, "M69920"), drivertest.Options(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return d.(*newport.M69920), ep
}

func TestNewTurnsLampOff(t *testing.T) {
	sim := newLampSupply()
	sim.stb |= 0x80

	_, ep := newDriver(t, sim)
	assert.False(t, sim.lampOn())
	assert.Equal(t, []string{"STB?", "ESR?", "STOP", "STB?", "ESR?"}, ep.Writes())
}

func TestDecodeStatus(t *testing.T) {
	st := newport.DecodeStatus(0xA5)
	assert.True(t, st.LampOn)
	assert.Equal(t, driver.SupplyModePower, st.Mode)
	assert.False(t, st.Error)
	assert.True(t, st.FrontPanelLocked)
	assert.False(t, st.LimitReached)
	assert.True(t, st.InterlockOK)

	st = newport.DecodeStatus(0x0A)
	assert.False(t, st.LampOn)
	assert.Equal(t, driver.SupplyModeCurrent, st.Mode)
	assert.True(t, st.Error)
	assert.True(t, st.LimitReached)
	assert.False(t, st.InterlockOK)
}

func TestParseRegister(t *testing.T) {
	v, err := newport.ParseRegister("STB8D", "STB")
	require.NoError(t, err)
	assert.Equal(t, byte(0x8D), v)

	for _, bad := range []string{"", "STB", "STB8", "ESR8D", "STBZZ", "STB8D0"} {
		_, err := newport.ParseRegister(bad, "STB")
		assert.Error(t, err, bad)
	}
}

func TestCheckErrorRegister(t *testing.T) {
	assert.NoError(t, newport.CheckErrorRegister(0x00))
	assert.NoError(t, newport.CheckErrorRegister(0x01))

	err := newport.CheckErrorRegister(0x30)
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrOperation))
	assert.Contains(t, err.Error(), "command error")
	assert.Contains(t, err.Error(), "execution error")
}

func TestLampOnOff(t *testing.T) {
	sim := newLampSupply()
	d, _ := newDriver(t, sim)
	ctx := context.Background()

	require.NoError(t, d.TurnOn(ctx))
	assert.True(t, sim.lampOn())
	require.NoError(t, d.TurnOff(ctx))
	assert.False(t, sim.lampOn())
}

func TestLampOnNotConfirmed(t *testing.T) {
	sim := newLampSupply()
	sim.stuck = true
	d, _ := newDriver(t, sim)

	err := d.TurnOn(context.Background())
	require.Error(t, err)
	var opErr *protocol.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "START", opErr.Command)
}

func TestStatusReportsDeviceError(t *testing.T) {
	sim := newLampSupply()
	d, _ := newDriver(t, sim)

	sim.mu.Lock()
	sim.stb |= 0x08
	sim.esr = 0x10
	sim.mu.Unlock()

	st, err := d.LampStatus(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrOperation))
	assert.Contains(t, err.Error(), "execution error")
	require.NotNil(t, st)
	assert.True(t, st.Error)
}

func TestSetModeTurnsLampOffFirst(t *testing.T) {
	sim := newLampSupply()
	d, _ := newDriver(t, sim)
	ctx := context.Background()

	require.NoError(t, d.TurnOn(ctx))
	require.NoError(t, d.SetMode(ctx, driver.SupplyModeCurrent))
	assert.False(t, sim.lampOn())

	st, err := d.LampStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, driver.SupplyModeCurrent, st.Mode)

	err = d.SetMode(ctx, driver.SupplyMode("VOLTAGE"))
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
}

func TestFrontPanelLock(t *testing.T) {
	sim := newLampSupply()
	d, ep := newDriver(t, sim)
	ctx := context.Background()

	require.NoError(t, d.LockFrontPanel(ctx, true))
	require.NoError(t, d.LockFrontPanel(ctx, false))
	assert.Contains(t, ep.Writes(), "COMM=1")
	assert.Contains(t, ep.Writes(), "COMM=0")
}

func TestSetPresetsAndLimits(t *testing.T) {
	sim := newLampSupply()
	d, ep := newDriver(t, sim)
	ctx := context.Background()

	require.NoError(t, d.SetMode(ctx, driver.SupplyModeCurrent))
	require.NoError(t, d.SetCurrentPreset(ctx, decimal.RequireFromString("7.25")))
	require.NoError(t, d.SetMode(ctx, driver.SupplyModePower))
	require.NoError(t, d.SetPowerPreset(ctx, 75))
	require.NoError(t, d.SetCurrentLimit(ctx, decimal.RequireFromString("10")))
	require.NoError(t, d.SetPowerLimit(ctx, 100))

	writes := ep.Writes()
	assert.Contains(t, writes, "A-PRESET=7.3")
	assert.Contains(t, writes, "P-PRESET=0075")
	assert.Contains(t, writes, "A-LIM=10.0")
	assert.Contains(t, writes, "P-LIM=0100")

	r, err := d.Readings(ctx)
	require.NoError(t, err)
	assert.True(t, r.CurrentPreset.Equal(decimal.RequireFromString("7.3")))
	assert.Equal(t, 75, r.PowerPreset)
	assert.Equal(t, 100, r.PowerLimit)
	assert.Equal(t, 123, r.LampHours)
}

func TestPresetLimitChecks(t *testing.T) {
	sim := newLampSupply()
	d, _ := newDriver(t, sim)
	ctx := context.Background()

	require.NoError(t, d.SetMode(ctx, driver.SupplyModeCurrent))
	err := d.SetCurrentPreset(ctx, decimal.NewFromInt(12))
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	assert.Contains(t, err.Error(), "below the current limit")

	require.NoError(t, d.SetMode(ctx, driver.SupplyModePower))
	err = d.SetPowerPreset(ctx, 150)
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))

	require.NoError(t, d.SetPowerPreset(ctx, 0))

	require.NoError(t, d.SetPowerPreset(ctx, 50))
	err = d.SetPowerLimit(ctx, 50)
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
}

func TestPresetRequiresMatchingMode(t *testing.T) {
	sim := newLampSupply()
	d, ep := newDriver(t, sim)
	ctx := context.Background()

	err := d.SetCurrentPreset(ctx, decimal.RequireFromString("5.0"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	assert.Contains(t, err.Error(), "POWER mode")

	require.NoError(t, d.SetMode(ctx, driver.SupplyModeCurrent))
	err = d.SetPowerPreset(ctx, 60)
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))
	assert.Contains(t, err.Error(), "CURRENT mode")

	for _, w := range ep.Writes() {
		assert.NotContains(t, w, "PRESET=")
	}
}

func TestPresetReadBackMismatch(t *testing.T) {
	sim := newLampSupply()
	sim.drift = true
	d, _ := newDriver(t, sim)
	require.NoError(t, d.SetMode(context.Background(), driver.SupplyModeCurrent))

	err := d.SetCurrentPreset(context.Background(), decimal.RequireFromString("5.0"))
	require.Error(t, err)
	var inconsistent *protocol.InconsistentError
	require.True(t, errors.As(err, &inconsistent))
	assert.Equal(t, "5.0", inconsistent.Requested)
	assert.Equal(t, "4.9", inconsistent.ReadBack)
}

func TestExecuteActionAndStatus(t *testing.T) {
	sim := newLampSupply()
	d, _ := newDriver(t, sim)
	ctx := context.Background()

	_, err := d.ExecuteAction(ctx, newport.ActionLampOn, nil)
	require.NoError(t, err)

	res, err := d.ExecuteAction(ctx, newport.ActionStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Data["lamp_on"])

	_, err = d.ExecuteAction(ctx, newport.ActionSetPowerPreset, map[string]interface{}{"watts": 80.0})
	require.NoError(t, err)

	status, err := d.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsReady)
	assert.Equal(t, 80, status.Details["power_preset"])

	_, err = d.ExecuteAction(ctx, newport.ActionSetPowerPreset, map[string]interface{}{"watts": 80.5})
	assert.True(t, errors.Is(err, driver.ErrInvalidParameter))

	_, err = d.ExecuteAction(ctx, "ignite", nil)
	assert.True(t, errors.Is(err, driver.ErrUnsupportedAction))
}

func TestCloseLeavesLampSafe(t *testing.T) {
	sim := newLampSupply()
	d, ep := newDriver(t, sim)
	ctx := context.Background()

	require.NoError(t, d.TurnOn(ctx))
	require.NoError(t, d.LockFrontPanel(ctx, true))

	require.NoError(t, d.Close(ctx))
	assert.False(t, sim.lampOn())
	assert.False(t, ep.IsOpen())
	assert.Equal(t, "COMM=0", lastCommand(ep.Writes(), "COMM="))
}

func TestCloseReleasesSessionWhenSilent(t *testing.T) {
	sim := newLampSupply()
	d, ep := newDriver(t, sim)

	ep.Handle(func(string) (string, bool) { return "", false })

	err := d.Close(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrNoResponse))
	assert.False(t, ep.IsOpen())
	assert.False(t, d.IsConnected())
}

func lastCommand(writes []string, prefix string) string {
	for i := len(writes) - 1; i >= 0; i-- {
		if strings.HasPrefix(writes[i], prefix) {
			return writes[i]
		}
	}
	return ""
}
