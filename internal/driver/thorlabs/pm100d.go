// internal/driver/thorlabs/pm100d.go
package thorlabs

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/pkg/driver"
)

// SCPI commands understood by the PM100D console
const (
	cmdWavelength      = "SENS:CORR:WAV"
	cmdAttenuation     = "SENS:CORR:LOSS:INP:MAGN?"
	cmdAverageQuery    = "SENS:AVER:COUNt?"
	cmdAverageSet      = "SENS:AVER:COUNT"
	cmdPower           = "MEAS:POW?"
	cmdPowerRange      = "SENS:POW:RANG:UPP"
	cmdAutoRange       = "SENS:POW:RANG:AUTO"
	cmdFrequency       = "MEAS:FREQ?"
	cmdZeroInit        = "SENS:CORR:COLL:ZERO:INIT"
	cmdZeroMagnitude   = "SENS:CORR:COLL:ZERO:MAGN?"
	cmdZeroState       = "SENS:CORR:COLL:ZERO:STAT?"
	cmdDiodeResponse   = "SENS:CORR:POW:PDIOde:RESP?"
	cmdCurrent         = "MEAS:CURR?"
	cmdCurrentRange    = "SENS:CURR:RANG:UPP?"
	cmdSensorIdentity  = "SYST:SENS:IDN?"
	maxAverageCount    = 3000
	minWavelengthNM    = 100
	maxWavelengthNM    = 20000
	wavelengthDecimals = 6
)

const (
	ActionGetWavelength   = "get_wavelength"
	ActionSetWavelength   = "set_wavelength"
	ActionGetAverageCount = "get_average_count"
	ActionSetAverageCount = "set_average_count"
	ActionMeasurePower    = "measure_power"
	ActionSetPowerRange   = "set_power_range"
	ActionSetAutoRange    = "set_auto_range"
	ActionZero            = "zero"
	ActionSensorID        = "sensor_id"
	ActionReadAll         = "read_all"
)

var actions = []string{
	ActionGetWavelength, ActionSetWavelength, ActionGetAverageCount, ActionSetAverageCount,
	ActionMeasurePower, ActionSetPowerRange, ActionSetAutoRange, ActionZero, ActionSensorID, ActionReadAll,
}

// PM100D drives a Thorlabs PM100D optical power meter console. SCPI setters
// are never acknowledged, so every setter reads its value back.
type PM100D struct {
	*base.Base
}

var _ driver.PowerMeterDriver = (*PM100D)(nil)

// NewPM100D creates a PM100D driver on a verified session
func NewPM100D(ctx context.Context, vs *discovery.VerifiedSession, desc model.Descriptor, opts base.Options, logger *zap.Logger) (driver.InstrumentDriver, error) {
	d := &PM100D{
		Base: base.New(vs, desc, []string{"wavelength", "power", "average", "auto_range", "zero"}, opts, logger),
	}
	d.Logger().LogConnection("open", nil)
	return d, nil
}

// Actions returns the named actions this driver executes
func (d *PM100D) Actions() []string {
	return append([]string(nil), actions...)
}

// ExecuteAction dispatches a named action
func (d *PM100D) ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (*driver.ActionResult, error) {
	p := base.Params(params)

	switch action {
	case ActionGetWavelength:
		return d.Run(action, func() (map[string]interface{}, error) {
			wl, err := d.Wavelength(ctx)
			return map[string]interface{}{"wavelength_nm": wl}, err
		})
	case ActionSetWavelength:
		return d.Run(action, func() (map[string]interface{}, error) {
			wl, err := p.Decimal("wavelength_nm")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"wavelength_nm": wl}, d.SetWavelength(ctx, wl)
		})
	case ActionGetAverageCount:
		return d.Run(action, func() (map[string]interface{}, error) {
			n, err := d.AverageCount(ctx)
			return map[string]interface{}{"count": n}, err
		})
	case ActionSetAverageCount:
		return d.Run(action, func() (map[string]interface{}, error) {
			n, err := p.Int("count")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"count": n}, d.SetAverageCount(ctx, n)
		})
	case ActionMeasurePower:
		return d.Run(action, func() (map[string]interface{}, error) {
			w, err := d.Power(ctx)
			return map[string]interface{}{"power_w": w}, err
		})
	case ActionSetPowerRange:
		return d.Run(action, func() (map[string]interface{}, error) {
			r, err := p.Decimal("range_w")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"range_w": r}, d.SetPowerRange(ctx, r)
		})
	case ActionSetAutoRange:
		return d.Run(action, func() (map[string]interface{}, error) {
			on, err := p.Bool("enabled")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"enabled": on}, d.SetAutoRange(ctx, on)
		})
	case ActionZero:
		return d.Run(action, func() (map[string]interface{}, error) {
			return nil, d.Zero(ctx)
		})
	case ActionSensorID:
		return d.Run(action, func() (map[string]interface{}, error) {
			id, err := d.SensorID(ctx)
			return map[string]interface{}{"sensor_id": id}, err
		})
	case ActionReadAll:
		return d.Run(action, func() (map[string]interface{}, error) {
			return d.readAll(ctx)
		})
	default:
		return nil, base.Unsupported(action, actions)
	}
}

// Wavelength returns the correction wavelength in nm
func (d *PM100D) Wavelength(ctx context.Context) (decimal.Decimal, error) {
	return base.QueryRetry(ctx, d.Base, cmdWavelength+"?", parseDecimal)
}

// SetWavelength sets the correction wavelength and confirms it by read-back
func (d *PM100D) SetWavelength(ctx context.Context, nm decimal.Decimal) error {
	if nm.LessThan(decimal.NewFromInt(minWavelengthNM)) || nm.GreaterThan(decimal.NewFromInt(maxWavelengthNM)) {
		return driver.InvalidParameter("wavelength_nm", "must be %d-%d nm, got %s", minWavelengthNM, maxWavelengthNM, nm)
	}
	if err := d.Write(ctx, fmt.Sprintf("%s %s", cmdWavelength, nm.StringFixed(wavelengthDecimals))); err != nil {
		return err
	}

	got, err := d.Wavelength(ctx)
	if err != nil {
		return err
	}
	if !got.Equal(nm) {
		return &protocol.InconsistentError{Parameter: "wavelength", Requested: nm.String(), ReadBack: got.String()}
	}
	return nil
}

// Attenuation returns the input attenuation in dB
func (d *PM100D) Attenuation(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdAttenuation)
}

// AverageCount returns how many samples are averaged per reading
func (d *PM100D) AverageCount(ctx context.Context) (int, error) {
	return d.queryInt(ctx, cmdAverageQuery)
}

// SetAverageCount sets the averaging count and confirms it by read-back
func (d *PM100D) SetAverageCount(ctx context.Context, count int) error {
	if count < 1 || count > maxAverageCount {
		return driver.InvalidParameter("count", "must be 1-%d, got %d", maxAverageCount, count)
	}
	if err := d.Write(ctx, fmt.Sprintf("%s %d", cmdAverageSet, count)); err != nil {
		return err
	}

	got, err := d.AverageCount(ctx)
	if err != nil {
		return err
	}
	if got != count {
		return &protocol.InconsistentError{Parameter: "average count", Requested: fmt.Sprint(count), ReadBack: fmt.Sprint(got)}
	}
	return nil
}

// Power returns the measured optical power in W
func (d *PM100D) Power(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdPower)
}

// PowerRange returns the upper limit of the power range in W
func (d *PM100D) PowerRange(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdPowerRange+"?")
}

// SetPowerRange sets the upper limit of the power range in W
func (d *PM100D) SetPowerRange(ctx context.Context, watts decimal.Decimal) error {
	if !watts.IsPositive() {
		return driver.InvalidParameter("range_w", "must be positive, got %s", watts)
	}
	return d.Write(ctx, fmt.Sprintf("%s %s", cmdPowerRange, watts))
}

// AutoRange reports whether power auto-ranging is on
func (d *PM100D) AutoRange(ctx context.Context) (bool, error) {
	n, err := d.queryInt(ctx, cmdAutoRange+"?")
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// SetAutoRange switches auto-ranging and confirms it by read-back
func (d *PM100D) SetAutoRange(ctx context.Context, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	if err := d.Write(ctx, fmt.Sprintf("%s %s", cmdAutoRange, state)); err != nil {
		return err
	}

	got, err := d.AutoRange(ctx)
	if err != nil {
		return err
	}
	if got != on {
		return &protocol.InconsistentError{Parameter: "auto range", Requested: fmt.Sprint(on), ReadBack: fmt.Sprint(got)}
	}
	return nil
}

// Frequency returns the measured modulation frequency in Hz
func (d *PM100D) Frequency(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdFrequency)
}

// Zero starts a dark zero adjustment and gives the console time to begin it
func (d *PM100D) Zero(ctx context.Context) error {
	if err := d.Write(ctx, cmdZeroInit); err != nil {
		return err
	}
	if err := d.Pause(ctx); err != nil {
		return err
	}
	d.Logger().Info("Power meter zeroed")
	return nil
}

// ZeroMagnitude returns the stored zero offset in W
func (d *PM100D) ZeroMagnitude(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdZeroMagnitude)
}

// Zeroing reports whether a zero adjustment is still running
func (d *PM100D) Zeroing(ctx context.Context) (bool, error) {
	n, err := d.queryInt(ctx, cmdZeroState)
	if err != nil {
		return false, err
	}
	return n != 0, nil
}

// PhotodiodeResponse returns the sensor responsivity in A/W
func (d *PM100D) PhotodiodeResponse(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdDiodeResponse)
}

// Current returns the measured photocurrent in A
func (d *PM100D) Current(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdCurrent)
}

// CurrentRange returns the upper limit of the current range in A
func (d *PM100D) CurrentRange(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, cmdCurrentRange)
}

// SensorID returns the name of the attached sensor head
func (d *PM100D) SensorID(ctx context.Context) (string, error) {
	resp, err := d.Query(ctx, cmdSensorIdentity)
	if err != nil {
		return "", err
	}
	name, _, _ := strings.Cut(resp, ",")
	return strings.TrimSpace(name), nil
}

// GetStatus reads the full measurement state of the console
func (d *PM100D) GetStatus(ctx context.Context) (*driver.InstrumentStatus, error) {
	status := d.Status()
	readings, err := d.readAll(ctx)
	if err != nil {
		status.HasError = true
		status.ErrorMessage = err.Error()
		return status, err
	}
	for k, v := range readings {
		status.Details[k] = v
	}
	return status, nil
}

// Close releases the session; the console needs no safe state
func (d *PM100D) Close(ctx context.Context) error {
	return d.CloseSession()
}

func (d *PM100D) readAll(ctx context.Context) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	decimals := []struct {
		key  string
		read func(context.Context) (decimal.Decimal, error)
	}{
		{"wavelength_nm", d.Wavelength},
		{"attenuation_db", d.Attenuation},
		{"power_w", d.Power},
		{"power_range_w", d.PowerRange},
		{"frequency_hz", d.Frequency},
		{"zero_magnitude_w", d.ZeroMagnitude},
		{"photodiode_response_a_per_w", d.PhotodiodeResponse},
		{"current_range_a", d.CurrentRange},
		{"current_a", d.Current},
	}
	for _, r := range decimals {
		v, err := r.read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r.key, err)
		}
		out[r.key] = v
	}

	avg, err := d.AverageCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("read average_count: %w", err)
	}
	out["average_count"] = avg

	auto, err := d.AutoRange(ctx)
	if err != nil {
		return nil, fmt.Errorf("read auto_range: %w", err)
	}
	out["auto_range"] = auto

	zeroing, err := d.Zeroing(ctx)
	if err != nil {
		return nil, fmt.Errorf("read zeroing: %w", err)
	}
	out["zeroing"] = zeroing

	sensor, err := d.SensorID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sensor_id: %w", err)
	}
	out["sensor_id"] = sensor

	return out, nil
}

func (d *PM100D) queryDecimal(ctx context.Context, cmd string) (decimal.Decimal, error) {
	resp, err := d.Query(ctx, cmd)
	if err != nil {
		return decimal.Zero, err
	}
	v, err := parseDecimal(resp)
	if err != nil {
		return decimal.Zero, &protocol.OperationError{Command: cmd, Response: resp, Err: err}
	}
	return v, nil
}

func (d *PM100D) queryInt(ctx context.Context, cmd string) (int, error) {
	v, err := d.queryDecimal(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return int(v.IntPart()), nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(s))
}
