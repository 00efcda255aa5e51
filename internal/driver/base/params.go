// internal/driver/base/params.go
package base

import (
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"

	"instrument-service/pkg/driver"
)

// Params reads typed action parameters decoded from JSON
type Params map[string]interface{}

// Decimal returns a required numeric parameter
func (p Params) Decimal(name string) (decimal.Decimal, error) {
	raw, ok := p[name]
	if !ok {
		return decimal.Zero, driver.InvalidParameter(name, "required")
	}
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case json.Number:
		return parseDecimal(name, v.String())
	case string:
		return parseDecimal(name, v)
	case decimal.Decimal:
		return v, nil
	default:
		return decimal.Zero, driver.InvalidParameter(name, "expected a number, got %T", raw)
	}
}

// Int returns a required integer parameter
func (p Params) Int(name string) (int, error) {
	d, err := p.Decimal(name)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() {
		return 0, driver.InvalidParameter(name, "expected an integer, got %s", d)
	}
	return int(d.IntPart()), nil
}

// Bool returns a required boolean parameter
func (p Params) Bool(name string) (bool, error) {
	raw, ok := p[name]
	if !ok {
		return false, driver.InvalidParameter(name, "required")
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, driver.InvalidParameter(name, "expected a boolean, got %q", v)
		}
		return b, nil
	default:
		return false, driver.InvalidParameter(name, "expected a boolean, got %T", raw)
	}
}

// String returns a required string parameter
func (p Params) String(name string) (string, error) {
	raw, ok := p[name]
	if !ok {
		return "", driver.InvalidParameter(name, "required")
	}
	s, ok := raw.(string)
	if !ok {
		return "", driver.InvalidParameter(name, "expected a string, got %T", raw)
	}
	return s, nil
}

// IntOr returns an optional integer parameter
func (p Params) IntOr(name string, fallback int) (int, error) {
	if _, ok := p[name]; !ok {
		return fallback, nil
	}
	return p.Int(name)
}

// BoolOr returns an optional boolean parameter
func (p Params) BoolOr(name string, fallback bool) (bool, error) {
	if _, ok := p[name]; !ok {
		return fallback, nil
	}
	return p.Bool(name)
}

// List returns a required array parameter
func (p Params) List(name string) ([]interface{}, error) {
	raw, ok := p[name]
	if !ok {
		return nil, driver.InvalidParameter(name, "required")
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, driver.InvalidParameter(name, "expected an array, got %T", raw)
	}
	return list, nil
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, driver.InvalidParameter(name, "not a number: %q", s)
	}
	return d, nil
}
