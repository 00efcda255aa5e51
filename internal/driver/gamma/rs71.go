// internal/driver/gamma/rs71.go
package gamma

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
	"instrument-service/pkg/driver"
)

// Channels lists the LED channels installed in the RS-7-1
var Channels = []int{
	3, 4, 5, 6, 7, 8, 11, 13, 14, 16, 19, 20, 21, 22, 23, 24, 26, 27, 28, 29, 30, 31,
	33, 34, 36, 37, 38, 39, 41, 42, 43, 45, 46, 47, 49, 51, 52, 53, 54, 55, 57, 59,
	60, 61, 62, 63,
}

const (
	minWavelength = 360
	maxWavelength = 1100
	powerDecimals = 3

	// SpectrumPoints is the length of a spectrum read over the default range
	SpectrumPoints = maxWavelength - minWavelength + 1

	selfTestTimeout = 5 * time.Second
)

const (
	ActionSerialNumber     = "serial_number"
	ActionSetPowerUnit     = "set_power_unit"
	ActionSetFeedback      = "set_feedback"
	ActionSetPowerAll      = "set_power_all"
	ActionSetChannelPower  = "set_channel_power"
	ActionSetOutput        = "set_output"
	ActionSetObserverAngle = "set_observer_angle"
	ActionSetIris          = "set_iris"
	ActionSetChromaticity  = "set_chromaticity"
	ActionOutputPower      = "output_power"
	ActionChannelPowers    = "channel_powers"
	ActionFeedbackGain     = "feedback_gain"
	ActionColorTemperature = "color_temperature"
	ActionChromaticity     = "chromaticity"
	ActionTristimulus      = "tristimulus"
	ActionFitError         = "fit_error"
	ActionSpectrumOutput   = "spectrum_output"
	ActionLEDSpectrum      = "led_spectrum"
	ActionIntegrityCheck   = "integrity_check"
	ActionAssuranceTest    = "assurance_test"
)

var actions = []string{
	ActionSerialNumber, ActionSetPowerUnit, ActionSetFeedback, ActionSetPowerAll, ActionSetChannelPower,
	ActionSetOutput, ActionSetObserverAngle, ActionSetIris, ActionSetChromaticity, ActionOutputPower,
	ActionChannelPowers, ActionFeedbackGain, ActionColorTemperature, ActionChromaticity, ActionTristimulus,
	ActionFitError, ActionSpectrumOutput, ActionLEDSpectrum, ActionIntegrityCheck, ActionAssuranceTest,
}

// RS71 drives a Gamma Scientific RS-7-1 tunable LED light source. Every
// imperative command is acknowledged with "Ok".
type RS71 struct {
	*base.Base
}

var _ driver.LightSourceDriver = (*RS71)(nil)

// NewRS71 creates the driver, limits the spectral range to what the source
// emits and selects comma separated spectrum transfers.
func NewRS71(ctx context.Context, vs *discovery.VerifiedSession, desc model.Descriptor, opts base.Options, logger *zap.Logger) (driver.InstrumentDriver, error) {
	d := &RS71{
		Base: base.New(vs, desc, []string{"channel_power", "output_power", "feedback", "iris", "chromaticity"}, opts, logger),
	}

	if err := d.SetWavelengthRange(ctx, minWavelength, maxWavelength); err != nil {
		return nil, fmt.Errorf("failed to set wavelength range: %w", err)
	}
	if err := d.SetTransferFormat(ctx, driver.TransferASCIIComma); err != nil {
		return nil, fmt.Errorf("failed to set transfer format: %w", err)
	}

	d.Logger().LogConnection("open", nil)
	return d, nil
}

// Actions returns the named actions this driver executes
func (d *RS71) Actions() []string {
	return append([]string(nil), actions...)
}

// ExecuteAction dispatches a named action
func (d *RS71) ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (*driver.ActionResult, error) {
	p := base.Params(params)

	switch action {
	case ActionSerialNumber:
		return d.Run(action, func() (map[string]interface{}, error) {
			sn, err := d.SerialNumber(ctx)
			return map[string]interface{}{"serial_number": sn}, err
		})
	case ActionSetPowerUnit:
		return d.Run(action, func() (map[string]interface{}, error) {
			s, err := p.String("unit")
			if err != nil {
				return nil, err
			}
			distance, err := p.IntOr("distance_mm", 0)
			if err != nil {
				return nil, err
			}
			unit := driver.PowerUnit(strings.ToUpper(s))
			return map[string]interface{}{"unit": unit, "distance_mm": distance}, d.SetPowerUnit(ctx, unit, distance)
		})
	case ActionSetFeedback:
		return d.Run(action, func() (map[string]interface{}, error) {
			on, err := p.Bool("enabled")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"enabled": on}, d.SetFeedback(ctx, on)
		})
	case ActionSetPowerAll:
		return d.Run(action, func() (map[string]interface{}, error) {
			power, err := p.Decimal("power")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"power": power}, d.SetPowerAll(ctx, power)
		})
	case ActionSetChannelPower:
		return d.Run(action, func() (map[string]interface{}, error) {
			settings, err := channelParams(p)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"channels": settings}, d.SetChannelPower(ctx, settings)
		})
	case ActionSetOutput:
		return d.Run(action, func() (map[string]interface{}, error) {
			power, err := p.Decimal("power")
			if err != nil {
				return nil, err
			}
			keep, err := p.BoolOr("keep_chromaticity", false)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"power": power, "keep_chromaticity": keep}, d.SetOutput(ctx, power, keep)
		})
	case ActionSetObserverAngle:
		return d.Run(action, func() (map[string]interface{}, error) {
			angle, err := p.Int("degrees")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"degrees": angle}, d.SetObserverAngle(ctx, driver.ObserverAngle(angle))
		})
	case ActionSetIris:
		return d.Run(action, func() (map[string]interface{}, error) {
			closed, err := p.Int("percent_closed")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"percent_closed": closed}, d.SetIris(ctx, closed)
		})
	case ActionSetChromaticity:
		return d.Run(action, func() (map[string]interface{}, error) {
			x, err := p.Decimal("x")
			if err != nil {
				return nil, err
			}
			y, err := p.Decimal("y")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"x": x, "y": y}, d.SetChromaticity(ctx, x, y)
		})
	case ActionOutputPower:
		return d.Run(action, func() (map[string]interface{}, error) {
			v, err := d.OutputPower(ctx)
			return map[string]interface{}{"power": v}, err
		})
	case ActionChannelPowers:
		return d.Run(action, func() (map[string]interface{}, error) {
			v, err := d.ChannelPowers(ctx)
			return map[string]interface{}{"channels": v}, err
		})
	case ActionFeedbackGain:
		return d.Run(action, func() (map[string]interface{}, error) {
			v, err := d.FeedbackGain(ctx)
			return map[string]interface{}{"gain": v}, err
		})
	case ActionColorTemperature:
		return d.Run(action, func() (map[string]interface{}, error) {
			v, err := d.ColorTemperature(ctx)
			return map[string]interface{}{"cct_k": v}, err
		})
	case ActionChromaticity:
		return d.Run(action, func() (map[string]interface{}, error) {
			v, err := d.Chromaticity(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"x": v[0], "y": v[1]}, nil
		})
	case ActionTristimulus:
		return d.Run(action, func() (map[string]interface{}, error) {
			v, err := d.Tristimulus(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"x": v[0], "y": v[1], "z": v[2]}, nil
		})
	case ActionFitError:
		return d.Run(action, func() (map[string]interface{}, error) {
			v, err := d.FitError(ctx)
			return map[string]interface{}{"fit_error": v}, err
		})
	case ActionSpectrumOutput:
		return d.Run(action, func() (map[string]interface{}, error) {
			unit, distance, err := spectrumParams(p)
			if err != nil {
				return nil, err
			}
			v, err := d.SpectrumOutput(ctx, unit, distance)
			return map[string]interface{}{"unit": unit, "spectrum": v}, err
		})
	case ActionLEDSpectrum:
		return d.Run(action, func() (map[string]interface{}, error) {
			ch, err := p.Int("channel")
			if err != nil {
				return nil, err
			}
			unit, distance, err := spectrumParams(p)
			if err != nil {
				return nil, err
			}
			v, err := d.LEDSpectrum(ctx, ch, unit, distance)
			return map[string]interface{}{"channel": ch, "unit": unit, "spectrum": v}, err
		})
	case ActionIntegrityCheck:
		return d.Run(action, func() (map[string]interface{}, error) {
			err := d.IntegrityCheck(ctx)
			return map[string]interface{}{"passed": err == nil}, err
		})
	case ActionAssuranceTest:
		return d.Run(action, func() (map[string]interface{}, error) {
			err := d.AssuranceTest(ctx)
			return map[string]interface{}{"passed": err == nil}, err
		})
	default:
		return nil, base.Unsupported(action, actions)
	}
}

// channelParams reads either a "channels" list of {channel, power} objects or
// a "channel_list" of numbers sharing one "power"
func channelParams(p base.Params) ([]driver.ChannelPower, error) {
	if raw, err := p.List("channels"); err == nil {
		out := make([]driver.ChannelPower, 0, len(raw))
		for i, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, driver.InvalidParameter("channels", "entry %d is not an object", i)
			}
			ch, err := base.Params(m).Int("channel")
			if err != nil {
				return nil, err
			}
			power, err := base.Params(m).Decimal("power")
			if err != nil {
				return nil, err
			}
			out = append(out, driver.ChannelPower{Channel: ch, Power: power})
		}
		return out, nil
	}

	raw, err := p.List("channel_list")
	if err != nil {
		return nil, driver.InvalidParameter("channels", "either channels or channel_list is required")
	}
	power, err := p.Decimal("power")
	if err != nil {
		return nil, err
	}
	out := make([]driver.ChannelPower, 0, len(raw))
	for i := range raw {
		ch, err := base.Params{"channel": raw[i]}.Int("channel")
		if err != nil {
			return nil, err
		}
		out = append(out, driver.ChannelPower{Channel: ch, Power: power})
	}
	return out, nil
}

// spectrumParams reads an optional "unit" (radiance by default) and "distance_mm"
func spectrumParams(p base.Params) (driver.PowerUnit, int, error) {
	unit := driver.PowerUnitRadiance
	if _, ok := p["unit"]; ok {
		s, err := p.String("unit")
		if err != nil {
			return "", 0, err
		}
		unit = driver.PowerUnit(strings.ToUpper(s))
	}
	distance, err := p.IntOr("distance_mm", 0)
	if err != nil {
		return "", 0, err
	}
	return unit, distance, nil
}

// SerialNumber reads the unit serial number
func (d *RS71) SerialNumber(ctx context.Context) (string, error) {
	return d.Query(ctx, "USN")
}

// SetWavelengthRange limits the spectral range used for calculations
func (d *RS71) SetWavelengthRange(ctx context.Context, minNM, maxNM int) error {
	if minNM <= 0 || maxNM <= minNM {
		return driver.InvalidParameter("wavelength range", "must satisfy 0 < min < max, got %d-%d", minNM, maxNM)
	}
	return d.Send(ctx, fmt.Sprintf("WLR%d,%d", minNM, maxNM))
}

// SetTransferFormat selects an ASCII spectrum transfer format
func (d *RS71) SetTransferFormat(ctx context.Context, format driver.TransferFormat) error {
	if format != driver.TransferASCIIComma && format != driver.TransferASCIIColumn {
		return driver.InvalidParameter("format", "only ASCII transfer formats are supported, got %d", format)
	}
	return d.Send(ctx, fmt.Sprintf("STM%d", format))
}

// SetPowerUnit selects how power values are interpreted. Irradiance and
// illuminance need the measurement distance in millimeters.
func (d *RS71) SetPowerUnit(ctx context.Context, unit driver.PowerUnit, distanceMM int) error {
	if distanceMM < 0 {
		return driver.InvalidParameter("distance_mm", "must not be negative, got %d", distanceMM)
	}

	var uni, irr int
	switch unit {
	case driver.PowerUnitRadiance:
		uni = 0
	case driver.PowerUnitIrradiance:
		uni, irr = 0, distanceMM
	case driver.PowerUnitLuminance:
		uni = 1
	case driver.PowerUnitIlluminance:
		uni, irr = 1, distanceMM
	case driver.PowerUnitPercentage:
		uni = 2
	default:
		return driver.InvalidParameter("unit", "unknown power unit %q", unit)
	}

	if err := d.Send(ctx, fmt.Sprintf("UNI%d", uni)); err != nil {
		return err
	}
	return d.Send(ctx, fmt.Sprintf("IRR%d", irr))
}

// SetFeedback turns closed loop output regulation on or off
func (d *RS71) SetFeedback(ctx context.Context, on bool) error {
	if on {
		return d.Send(ctx, "FBK1")
	}
	return d.Send(ctx, "FBK0")
}

// SetPowerAll sets every channel to the same power
func (d *RS71) SetPowerAll(ctx context.Context, power decimal.Decimal) error {
	if power.IsNegative() {
		return driver.InvalidParameter("power", "must not be negative, got %s", power)
	}
	return d.Send(ctx, "SCP 0,"+power.String())
}

// SetChannelPower sets the power of individual installed channels in one command
func (d *RS71) SetChannelPower(ctx context.Context, channels []driver.ChannelPower) error {
	if len(channels) == 0 {
		return driver.InvalidParameter("channels", "at least one channel is required")
	}
	pairs := make([]string, 0, len(channels))
	for _, c := range channels {
		if !slices.Contains(Channels, c.Channel) {
			return driver.InvalidParameter("channel", "%d is not installed", c.Channel)
		}
		if c.Power.IsNegative() {
			return driver.InvalidParameter("power", "channel %d must not be negative, got %s", c.Channel, c.Power)
		}
		pairs = append(pairs, strconv.Itoa(c.Channel)+","+c.Power.String())
	}
	return d.Send(ctx, "SCP"+strings.Join(pairs, ","))
}

// SetOutput scales the total output power, optionally holding chromaticity
func (d *RS71) SetOutput(ctx context.Context, power decimal.Decimal, keepChromaticity bool) error {
	if power.IsNegative() {
		return driver.InvalidParameter("power", "must not be negative, got %s", power)
	}
	cmd := "OUT"
	if keepChromaticity {
		cmd = "OUTC"
	}
	return d.Send(ctx, cmd+power.StringFixed(powerDecimals))
}

// SetObserverAngle selects the CIE standard observer
func (d *RS71) SetObserverAngle(ctx context.Context, angle driver.ObserverAngle) error {
	if angle != driver.ObserverAngle2 && angle != driver.ObserverAngle10 {
		return driver.InvalidParameter("degrees", "must be 2 or 10, got %d", angle)
	}
	return d.Send(ctx, fmt.Sprintf("SOB%d", angle))
}

// SetIris moves the iris and waits for it to settle
func (d *RS71) SetIris(ctx context.Context, percentClosed int) error {
	if percentClosed < 0 || percentClosed > 100 {
		return driver.InvalidParameter("percent_closed", "must be 0-100, got %d", percentClosed)
	}
	if err := d.Send(ctx, fmt.Sprintf("IRI%d", percentClosed)); err != nil {
		return err
	}
	return d.Settle(ctx)
}

// SetChromaticity sets the target x,y chromaticity
func (d *RS71) SetChromaticity(ctx context.Context, x, y decimal.Decimal) error {
	for name, v := range map[string]decimal.Decimal{"x": x, "y": y} {
		if v.IsNegative() || v.GreaterThan(decimal.NewFromInt(1)) {
			return driver.InvalidParameter(name, "must be 0-1, got %s", v)
		}
	}
	return d.Send(ctx, "CCS"+x.String()+","+y.String())
}

// OutputPower reads the actual total output power
func (d *RS71) OutputPower(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, "OUTA")
}

// FeedbackGain reads the feedback loop gain
func (d *RS71) FeedbackGain(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, "FBG")
}

// FitError reads the residual error of the last spectrum fit
func (d *RS71) FitError(ctx context.Context) (decimal.Decimal, error) {
	return d.queryDecimal(ctx, "RPE")
}

// ColorTemperature reads the correlated color temperature in kelvin. The
// source stays silent while all channels are off, which reads as 0.
func (d *RS71) ColorTemperature(ctx context.Context) (decimal.Decimal, error) {
	v, err := d.queryDecimal(ctx, "CCT")
	if errors.Is(err, protocol.ErrNoResponse) {
		return decimal.Zero, nil
	}
	return v, err
}

// Chromaticity reads the output x,y chromaticity
func (d *RS71) Chromaticity(ctx context.Context) ([]decimal.Decimal, error) {
	return d.queryList(ctx, "OXY", 2)
}

// Tristimulus reads the output X,Y,Z tristimulus values
func (d *RS71) Tristimulus(ctx context.Context) ([]decimal.Decimal, error) {
	return d.queryList(ctx, "OXYZ", 3)
}

// SpectrumOutput reads the fitted output spectrum in 1 nm steps over the
// configured wavelength range. Only radiance and irradiance are available.
func (d *RS71) SpectrumOutput(ctx context.Context, unit driver.PowerUnit, distanceMM int) ([]decimal.Decimal, error) {
	if err := d.spectrumUnit(ctx, unit, distanceMM); err != nil {
		return nil, err
	}
	return d.queryList(ctx, "OSP", 0)
}

// LEDSpectrum reads the live spectrum of one installed LED channel
func (d *RS71) LEDSpectrum(ctx context.Context, channel int, unit driver.PowerUnit, distanceMM int) ([]decimal.Decimal, error) {
	if !slices.Contains(Channels, channel) {
		return nil, driver.InvalidParameter("channel", "%d is not installed", channel)
	}
	if err := d.spectrumUnit(ctx, unit, distanceMM); err != nil {
		return nil, err
	}
	return d.queryList(ctx, "OSP"+strconv.Itoa(channel), 0)
}

func (d *RS71) spectrumUnit(ctx context.Context, unit driver.PowerUnit, distanceMM int) error {
	if unit != driver.PowerUnitRadiance && unit != driver.PowerUnitIrradiance {
		return driver.InvalidParameter("unit", "spectra are read in radiance or irradiance only, got %q", unit)
	}
	return d.SetPowerUnit(ctx, unit, distanceMM)
}

// IntegrityCheck runs the power-on check of supply rails, parameters and
// calibration data. A reply other than "Ok" is a failed check.
func (d *RS71) IntegrityCheck(ctx context.Context) error {
	return selfTestError("integrity check", d.SendTimeout(ctx, "ICK", selfTestTimeout))
}

// AssuranceTest sequences every channel at half power, then confirms the
// result with an integrity check
func (d *RS71) AssuranceTest(ctx context.Context) error {
	if err := d.SendTimeout(ctx, "BAT", selfTestTimeout); err != nil {
		return selfTestError("basic assurance test", err)
	}
	return selfTestError("basic assurance test", d.SendTimeout(ctx, "ICK", selfTestTimeout))
}

// selfTestError marks a rejected self test as an inconsistent device state
func selfTestError(test string, err error) error {
	var opErr *protocol.OperationError
	if errors.As(err, &opErr) && opErr.Response != "" {
		return fmt.Errorf("%s failed: %w: %w", test, protocol.ErrInconsistent, err)
	}
	return err
}

// ChannelPowers reads the power of every lit channel. The source answers one
// "channel,power" line per lit channel and nothing when all are off.
func (d *RS71) ChannelPowers(ctx context.Context) ([]driver.ChannelPower, error) {
	line, err := d.Query(ctx, "SCP")
	if errors.Is(err, protocol.ErrNoResponse) {
		return []driver.ChannelPower{}, nil
	}
	if err != nil {
		return nil, err
	}

	var out []driver.ChannelPower
	for line != "" {
		c, err := parseChannelPower(line)
		if err != nil {
			return nil, &protocol.OperationError{Command: "SCP", Response: line, Err: err}
		}
		out = append(out, c)

		if line, err = d.ReadLine(ctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func parseChannelPower(line string) (driver.ChannelPower, error) {
	ch, power, ok := strings.Cut(line, ",")
	if !ok {
		return driver.ChannelPower{}, fmt.Errorf("expected channel,power")
	}
	n, err := strconv.Atoi(strings.TrimSpace(ch))
	if err != nil {
		return driver.ChannelPower{}, err
	}
	v, err := decimal.NewFromString(strings.TrimSpace(power))
	if err != nil {
		return driver.ChannelPower{}, err
	}
	return driver.ChannelPower{Channel: n, Power: v}, nil
}

// GetStatus reads output power, lit channels and color temperature
func (d *RS71) GetStatus(ctx context.Context) (*driver.InstrumentStatus, error) {
	status := d.Status()

	fail := func(err error) (*driver.InstrumentStatus, error) {
		status.HasError = true
		status.ErrorMessage = err.Error()
		return status, err
	}

	power, err := d.OutputPower(ctx)
	if err != nil {
		return fail(err)
	}
	channels, err := d.ChannelPowers(ctx)
	if err != nil {
		return fail(err)
	}
	cct, err := d.ColorTemperature(ctx)
	if err != nil {
		return fail(err)
	}

	status.Details["output_power"] = power
	status.Details["lit_channels"] = len(channels)
	status.Details["cct_k"] = cct
	return status, nil
}

// Close turns every channel off before releasing the session
func (d *RS71) Close(ctx context.Context) error {
	var errs []error
	if d.IsConnected() {
		if err := d.SetPowerAll(ctx, decimal.Zero); err != nil {
			errs = append(errs, fmt.Errorf("channels off: %w", err))
		}
	}
	if err := d.CloseSession(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *RS71) queryDecimal(ctx context.Context, cmd string) (decimal.Decimal, error) {
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

// queryList reads a comma separated reply of exactly n numbers, or of any
// length when n is 0
func (d *RS71) queryList(ctx context.Context, cmd string, n int) ([]decimal.Decimal, error) {
	resp, err := d.Query(ctx, cmd)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(resp, ",")
	if n > 0 && len(fields) != n {
		return nil, &protocol.OperationError{Command: cmd, Response: resp, Err: fmt.Errorf("expected %d values", n)}
	}
	out := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		if out[i], err = decimal.NewFromString(strings.TrimSpace(f)); err != nil {
			return nil, &protocol.OperationError{Command: cmd, Response: resp, Err: err}
		}
	}
	return out, nil
}
