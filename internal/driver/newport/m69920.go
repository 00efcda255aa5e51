// internal/driver/newport/m69920.go
package newport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/pkg/driver"
)

// Status byte bits (STB?)
const (
	stbLampOn      = 0x80
	stbPowerMode   = 0x20
	stbError       = 0x08
	stbPanelLocked = 0x04
	stbLimit       = 0x02
	stbInterlockOK = 0x01
)

// esrErrors maps error register bits (ESR?) to what they report
var esrErrors = []struct {
	bit  byte
	name string
}{
	{0x80, "power on error"},
	{0x40, "user request error"},
	{0x20, "command error"},
	{0x10, "execution error"},
	{0x08, "device dependent error"},
	{0x04, "query error"},
	{0x02, "request control error"},
}

const (
	maxWatts        = 9999
	currentDecimals = 1
)

const (
	ActionLampOn           = "lamp_on"
	ActionLampOff          = "lamp_off"
	ActionSetMode          = "set_mode"
	ActionLockFrontPanel   = "lock_front_panel"
	ActionStatus           = "status"
	ActionReadings         = "readings"
	ActionSetCurrentPreset = "set_current_preset"
	ActionSetPowerPreset   = "set_power_preset"
	ActionSetCurrentLimit  = "set_current_limit"
	ActionSetPowerLimit    = "set_power_limit"
)

var actions = []string{
	ActionLampOn, ActionLampOff, ActionSetMode, ActionLockFrontPanel, ActionStatus, ActionReadings,
	ActionSetCurrentPreset, ActionSetPowerPreset, ActionSetCurrentLimit, ActionSetPowerLimit,
}

// M69920 drives a Newport 69920 arc lamp power supply. The supply never
// acknowledges commands; every change is confirmed from the status byte or
// by reading the setting back.
type M69920 struct {
	*base.Base
}

var _ driver.LampSupplyDriver = (*M69920)(nil)

// NewM69920 creates the driver and puts the lamp in a known off state
func NewM69920(ctx context.Context, vs *discovery.VerifiedSession, desc model.Descriptor, opts base.Options, logger *zap.Logger) (driver.InstrumentDriver, error) {
	d := &M69920{
		Base: base.New(vs, desc, []string{"lamp", "mode", "front_panel", "presets", "limits"}, opts, logger),
	}

	if _, err := d.LampStatus(ctx); err != nil {
		return nil, fmt.Errorf("failed to read lamp supply status: %w", err)
	}
	if err := d.TurnOff(ctx); err != nil {
		return nil, fmt.Errorf("failed to turn lamp off: %w", err)
	}

	d.Logger().LogConnection("open", nil)
	return d, nil
}

// Actions returns the named actions this driver executes
func (d *M69920) Actions() []string {
	return append([]string(nil), actions...)
}

// ExecuteAction dispatches a named action
func (d *M69920) ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (*driver.ActionResult, error) {
	p := base.Params(params)

	switch action {
	case ActionLampOn:
		return d.Run(action, func() (map[string]interface{}, error) {
			return nil, d.TurnOn(ctx)
		})
	case ActionLampOff:
		return d.Run(action, func() (map[string]interface{}, error) {
			return nil, d.TurnOff(ctx)
		})
	case ActionSetMode:
		return d.Run(action, func() (map[string]interface{}, error) {
			s, err := p.String("mode")
			if err != nil {
				return nil, err
			}
			mode := driver.SupplyMode(strings.ToUpper(s))
			return map[string]interface{}{"mode": mode}, d.SetMode(ctx, mode)
		})
	case ActionLockFrontPanel:
		return d.Run(action, func() (map[string]interface{}, error) {
			lock, err := p.BoolOr("locked", true)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"locked": lock}, d.LockFrontPanel(ctx, lock)
		})
	case ActionStatus:
		return d.Run(action, func() (map[string]interface{}, error) {
			st, err := d.LampStatus(ctx)
			if err != nil {
				return nil, err
			}
			return statusData(st), nil
		})
	case ActionReadings:
		return d.Run(action, func() (map[string]interface{}, error) {
			r, err := d.Readings(ctx)
			if err != nil {
				return nil, err
			}
			return readingsData(r), nil
		})
	case ActionSetCurrentPreset:
		return d.Run(action, func() (map[string]interface{}, error) {
			amps, err := p.Decimal("amps")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"amps": amps}, d.SetCurrentPreset(ctx, amps)
		})
	case ActionSetPowerPreset:
		return d.Run(action, func() (map[string]interface{}, error) {
			watts, err := p.Int("watts")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"watts": watts}, d.SetPowerPreset(ctx, watts)
		})
	case ActionSetCurrentLimit:
		return d.Run(action, func() (map[string]interface{}, error) {
			amps, err := p.Decimal("amps")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"amps": amps}, d.SetCurrentLimit(ctx, amps)
		})
	case ActionSetPowerLimit:
		return d.Run(action, func() (map[string]interface{}, error) {
			watts, err := p.Int("watts")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"watts": watts}, d.SetPowerLimit(ctx, watts)
		})
	default:
		return nil, base.Unsupported(action, actions)
	}
}

// LampStatus reads and decodes the status byte, then checks the error register
func (d *M69920) LampStatus(ctx context.Context) (*driver.LampStatus, error) {
	stb, err := d.queryRegister(ctx, "STB?", "STB")
	if err != nil {
		return nil, err
	}

	st := DecodeStatus(stb)
	if !st.FrontPanelLocked {
		d.Logger().Debug("Front panel is not locked")
	}
	if st.LimitReached {
		d.Logger().Warn("Lamp supply limit reached")
	}
	if !st.InterlockOK {
		d.Logger().Warn("Lamp supply interlock open")
	}

	esr, err := d.queryRegister(ctx, "ESR?", "ESR")
	if err != nil {
		return nil, err
	}
	if err := CheckErrorRegister(esr); err != nil {
		return st, err
	}
	if st.Error {
		return st, &protocol.OperationError{Command: "STB?", Response: fmt.Sprintf("STB%02X", stb)}
	}
	return st, nil
}

// DecodeStatus decodes a status byte
func DecodeStatus(stb byte) *driver.LampStatus {
	mode := driver.SupplyModeCurrent
	if stb&stbPowerMode != 0 {
		mode = driver.SupplyModePower
	}
	return &driver.LampStatus{
		LampOn:           stb&stbLampOn != 0,
		Mode:             mode,
		Error:            stb&stbError != 0,
		FrontPanelLocked: stb&stbPanelLocked != 0,
		LimitReached:     stb&stbLimit != 0,
		InterlockOK:      stb&stbInterlockOK != 0,
		Raw:              stb,
	}
}

// CheckErrorRegister returns an OperationError naming every error bit set
func CheckErrorRegister(esr byte) error {
	var names []string
	for _, e := range esrErrors {
		if esr&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &protocol.OperationError{
		Command:  "ESR?",
		Response: fmt.Sprintf("ESR%02X", esr),
		Err:      errors.New(strings.Join(names, ", ")),
	}
}

// TurnOn starts the lamp and confirms it from the status byte
func (d *M69920) TurnOn(ctx context.Context) error {
	return d.switchLamp(ctx, "START", true)
}

// TurnOff stops the lamp and confirms it from the status byte
func (d *M69920) TurnOff(ctx context.Context) error {
	return d.switchLamp(ctx, "STOP", false)
}

func (d *M69920) switchLamp(ctx context.Context, cmd string, on bool) error {
	if err := d.apply(ctx, cmd); err != nil {
		return err
	}
	st, err := d.LampStatus(ctx)
	if err != nil {
		return err
	}
	if st.LampOn != on {
		return &protocol.OperationError{Command: cmd, Response: fmt.Sprintf("STB%02X", st.Raw)}
	}
	d.Logger().Info("Lamp switched", zap.Bool("on", on))
	return nil
}

// SetMode selects current or power regulation. A lit lamp is turned off first.
func (d *M69920) SetMode(ctx context.Context, mode driver.SupplyMode) error {
	var cmd string
	switch mode {
	case driver.SupplyModeCurrent:
		cmd = "MODE=1"
	case driver.SupplyModePower:
		cmd = "MODE=0"
	default:
		return driver.InvalidParameter("mode", "must be %s or %s, got %q", driver.SupplyModeCurrent, driver.SupplyModePower, mode)
	}

	st, err := d.LampStatus(ctx)
	if err != nil {
		return err
	}
	if st.LampOn {
		d.Logger().Warn("Turning lamp off before changing mode")
		if err := d.TurnOff(ctx); err != nil {
			return err
		}
	}

	if err := d.apply(ctx, cmd); err != nil {
		return err
	}
	if st, err = d.LampStatus(ctx); err != nil {
		return err
	}
	if st.Mode != mode {
		return &protocol.InconsistentError{Parameter: "mode", Requested: string(mode), ReadBack: string(st.Mode)}
	}
	return nil
}

// LockFrontPanel locks or unlocks front panel access
func (d *M69920) LockFrontPanel(ctx context.Context, lock bool) error {
	cmd := "COMM=0"
	if lock {
		cmd = "COMM=1"
	}
	if err := d.apply(ctx, cmd); err != nil {
		return err
	}
	st, err := d.LampStatus(ctx)
	if err != nil {
		return err
	}
	if st.FrontPanelLocked != lock {
		return &protocol.InconsistentError{Parameter: "front panel lock", Requested: strconv.FormatBool(lock), ReadBack: strconv.FormatBool(st.FrontPanelLocked)}
	}
	return nil
}

// Readings reads live output and all stored setpoints
func (d *M69920) Readings(ctx context.Context) (*driver.LampReadings, error) {
	var r driver.LampReadings
	var err error

	if r.Amps, err = d.queryAmps(ctx, "AMPS?"); err != nil {
		return nil, err
	}
	if r.Volts, err = d.queryAmps(ctx, "VOLTS?"); err != nil {
		return nil, err
	}
	if r.Watts, err = d.queryWatts(ctx, "WATTS?"); err != nil {
		return nil, err
	}
	if r.LampHours, err = d.queryWatts(ctx, "LAMP HRS?"); err != nil {
		return nil, err
	}
	if r.CurrentPreset, err = d.queryAmps(ctx, "A-PRESET?"); err != nil {
		return nil, err
	}
	if r.PowerPreset, err = d.queryWatts(ctx, "P-PRESET?"); err != nil {
		return nil, err
	}
	if r.CurrentLimit, err = d.queryAmps(ctx, "A-LIM?"); err != nil {
		return nil, err
	}
	if r.PowerLimit, err = d.queryWatts(ctx, "P-LIM?"); err != nil {
		return nil, err
	}
	return &r, nil
}

// SetCurrentPreset sets the lamp current preset. The supply must be in
// current mode and a non-zero preset must stay below the current limit.
func (d *M69920) SetCurrentPreset(ctx context.Context, amps decimal.Decimal) error {
	amps = amps.Round(currentDecimals)
	if amps.IsNegative() {
		return driver.InvalidParameter("amps", "must not be negative, got %s", amps)
	}
	if err := d.requireMode(ctx, driver.SupplyModeCurrent, "amps"); err != nil {
		return err
	}
	limit, err := d.queryAmps(ctx, "A-LIM?")
	if err != nil {
		return err
	}
	if !amps.IsZero() && amps.GreaterThanOrEqual(limit) {
		return driver.InvalidParameter("amps", "preset %s must be below the current limit %s", amps, limit)
	}

	if err := d.apply(ctx, "A-PRESET="+amps.StringFixed(currentDecimals)); err != nil {
		return err
	}
	return d.confirmAmps(ctx, "current preset", "A-PRESET?", amps)
}

// SetPowerPreset sets the lamp power preset. The supply must be in power
// mode and a non-zero preset must stay below the power limit.
func (d *M69920) SetPowerPreset(ctx context.Context, watts int) error {
	if watts < 0 || watts > maxWatts {
		return driver.InvalidParameter("watts", "must be 0-%d, got %d", maxWatts, watts)
	}
	if err := d.requireMode(ctx, driver.SupplyModePower, "watts"); err != nil {
		return err
	}
	limit, err := d.queryWatts(ctx, "P-LIM?")
	if err != nil {
		return err
	}
	if watts != 0 && watts >= limit {
		return driver.InvalidParameter("watts", "preset %d must be below the power limit %d", watts, limit)
	}

	if err := d.apply(ctx, fmt.Sprintf("P-PRESET=%04d", watts)); err != nil {
		return err
	}
	return d.confirmWatts(ctx, "power preset", "P-PRESET?", watts)
}

// requireMode refuses a preset for the regulation mode the supply is not in
func (d *M69920) requireMode(ctx context.Context, mode driver.SupplyMode, param string) error {
	st, err := d.LampStatus(ctx)
	if err != nil {
		return err
	}
	if st.Mode != mode {
		return driver.InvalidParameter(param, "supply is in %s mode, select %s mode first", st.Mode, mode)
	}
	return nil
}

// SetCurrentLimit sets the current limit, which must exceed the preset
func (d *M69920) SetCurrentLimit(ctx context.Context, amps decimal.Decimal) error {
	amps = amps.Round(currentDecimals)
	preset, err := d.queryAmps(ctx, "A-PRESET?")
	if err != nil {
		return err
	}
	if amps.LessThanOrEqual(preset) {
		return driver.InvalidParameter("amps", "limit %s must exceed the current preset %s", amps, preset)
	}

	if err := d.apply(ctx, "A-LIM="+amps.StringFixed(currentDecimals)); err != nil {
		return err
	}
	return d.confirmAmps(ctx, "current limit", "A-LIM?", amps)
}

// SetPowerLimit sets the power limit, which must exceed the preset
func (d *M69920) SetPowerLimit(ctx context.Context, watts int) error {
	if watts > maxWatts {
		return driver.InvalidParameter("watts", "must be at most %d, got %d", maxWatts, watts)
	}
	preset, err := d.queryWatts(ctx, "P-PRESET?")
	if err != nil {
		return err
	}
	if watts <= preset {
		return driver.InvalidParameter("watts", "limit %d must exceed the power preset %d", watts, preset)
	}

	if err := d.apply(ctx, fmt.Sprintf("P-LIM=%04d", watts)); err != nil {
		return err
	}
	return d.confirmWatts(ctx, "power limit", "P-LIM?", watts)
}

// GetStatus reads the status byte and all readings
func (d *M69920) GetStatus(ctx context.Context) (*driver.InstrumentStatus, error) {
	status := d.Status()

	st, err := d.LampStatus(ctx)
	if st != nil {
		for k, v := range statusData(st) {
			status.Details[k] = v
		}
	}
	if err != nil {
		status.HasError = true
		status.ErrorMessage = err.Error()
		return status, err
	}

	r, err := d.Readings(ctx)
	if err != nil {
		status.HasError = true
		status.ErrorMessage = err.Error()
		return status, err
	}
	for k, v := range readingsData(r) {
		status.Details[k] = v
	}
	status.IsReady = status.IsReady && st.InterlockOK
	return status, nil
}

// Close turns the lamp off and unlocks the front panel before releasing the
// session. The session is released even when the lamp does not respond.
func (d *M69920) Close(ctx context.Context) error {
	var errs []error
	if d.IsConnected() {
		if err := d.TurnOff(ctx); err != nil {
			errs = append(errs, fmt.Errorf("lamp off: %w", err))
		}
		if err := d.LockFrontPanel(ctx, false); err != nil {
			errs = append(errs, fmt.Errorf("unlock front panel: %w", err))
		}
	}
	if err := d.CloseSession(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// apply writes a command and gives the supply time to act on it
func (d *M69920) apply(ctx context.Context, cmd string) error {
	if err := d.Write(ctx, cmd); err != nil {
		return err
	}
	return d.Pause(ctx)
}

func (d *M69920) confirmAmps(ctx context.Context, name, query string, want decimal.Decimal) error {
	got, err := d.queryAmps(ctx, query)
	if err != nil {
		return err
	}
	if !got.Equal(want) {
		return &protocol.InconsistentError{Parameter: name, Requested: want.StringFixed(currentDecimals), ReadBack: got.StringFixed(currentDecimals)}
	}
	d.Logger().Info("Lamp supply setting applied", zap.String("parameter", name), zap.String("value", want.StringFixed(currentDecimals)))
	return nil
}

func (d *M69920) confirmWatts(ctx context.Context, name, query string, want int) error {
	got, err := d.queryWatts(ctx, query)
	if err != nil {
		return err
	}
	if got != want {
		return &protocol.InconsistentError{Parameter: name, Requested: strconv.Itoa(want), ReadBack: strconv.Itoa(got)}
	}
	d.Logger().Info("Lamp supply setting applied", zap.String("parameter", name), zap.Int("value", want))
	return nil
}

// queryRegister reads a "<prefix>XX" register reply
func (d *M69920) queryRegister(ctx context.Context, cmd, prefix string) (byte, error) {
	resp, err := d.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := ParseRegister(resp, prefix)
	if err != nil {
		return 0, &protocol.OperationError{Command: cmd, Response: resp, Err: err}
	}
	return v, nil
}

// ParseRegister parses a "<prefix>XX" reply into its hex byte
func ParseRegister(resp, prefix string) (byte, error) {
	if len(resp) != len(prefix)+2 || !strings.HasPrefix(resp, prefix) {
		return 0, fmt.Errorf("malformed %s register %q", prefix, resp)
	}
	v, err := strconv.ParseUint(resp[len(prefix):], 16, 8)
	if err != nil {
		return 0, fmt.Errorf("malformed %s register %q", prefix, resp)
	}
	return byte(v), nil
}

// queryAmps reads an "XX.X" reply
func (d *M69920) queryAmps(ctx context.Context, cmd string) (decimal.Decimal, error) {
	resp, err := d.Query(ctx, cmd)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := decimal.NewFromString(resp)
	if err != nil {
		return decimal.Zero, &protocol.OperationError{Command: cmd, Response: resp, Err: err}
	}
	return v, nil
}

// queryWatts reads an "XXXX" reply
func (d *M69920) queryWatts(ctx context.Context, cmd string) (int, error) {
	resp, err := d.Query(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(resp)
	if err != nil {
		return 0, &protocol.OperationError{Command: cmd, Response: resp, Err: err}
	}
	return v, nil
}

func statusData(st *driver.LampStatus) map[string]interface{} {
	return map[string]interface{}{
		"lamp_on":            st.LampOn,
		"mode":               st.Mode,
		"error":              st.Error,
		"front_panel_locked": st.FrontPanelLocked,
		"limit_reached":      st.LimitReached,
		"interlock_ok":       st.InterlockOK,
	}
}

func readingsData(r *driver.LampReadings) map[string]interface{} {
	return map[string]interface{}{
		"amps":           r.Amps,
		"volts":          r.Volts,
		"watts":          r.Watts,
		"lamp_hours":     r.LampHours,
		"current_preset": r.CurrentPreset,
		"power_preset":   r.PowerPreset,
		"current_limit":  r.CurrentLimit,
		"power_limit":    r.PowerLimit,
	}
}
