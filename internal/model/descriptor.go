// internal/model/descriptor.go
package model

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/google/gousb"
)

// Interface identifies the bus family an instrument is reached over
type Interface string

const (
	InterfaceSerial Interface = "SERIAL"
	InterfaceVISA   Interface = "VISA"
)

// DefaultTerminator is appended to every command line unless a descriptor overrides it
const DefaultTerminator = "\r\n"

// Descriptor describes how to recognize one instrument model on a bus.
// Optional fields are pointers or empty values: a nil VendorID is not part
// of metadata matching, a nil SerialPattern accepts the whole trimmed reply,
// and empty Speeds means the bus default ladder.
type Descriptor struct {
	Model        string    `json:"model"`
	Manufacturer string    `json:"manufacturer"`
	Type         string    `json:"type"`
	Interface    Interface `json:"interface"`

	NameFragment string    `json:"name_fragment,omitempty"`
	VendorID     *gousb.ID `json:"vendor_id,omitempty"`
	ProductID    *gousb.ID `json:"product_id,omitempty"`

	ProbeCmd         string         `json:"probe_cmd"`
	SerialCmd        string         `json:"serial_cmd,omitempty"`
	ExpectedResponse string         `json:"expected_response"`
	SerialPattern    *regexp.Regexp `json:"-"`

	Speeds     []int  `json:"speeds,omitempty"`
	Terminator string `json:"-"`
}

// USBID returns a pointer to id, for filling optional descriptor fields
func USBID(id gousb.ID) *gousb.ID {
	return &id
}

// Validate checks that a descriptor carries enough to probe with
func (d Descriptor) Validate() error {
	if d.Model == "" {
		return fmt.Errorf("descriptor model is required")
	}
	switch d.Interface {
	case InterfaceSerial, InterfaceVISA:
	default:
		return fmt.Errorf("descriptor %s: unsupported interface %q", d.Model, d.Interface)
	}
	if d.ProbeCmd == "" {
		return fmt.Errorf("descriptor %s: probe command is required", d.Model)
	}
	if d.ExpectedResponse == "" {
		return fmt.Errorf("descriptor %s: expected response is required", d.Model)
	}
	for _, s := range d.Speeds {
		if s <= 0 {
			return fmt.Errorf("descriptor %s: invalid speed %d", d.Model, s)
		}
	}
	return nil
}

// LineTerminator returns the descriptor terminator or the default one
func (d Descriptor) LineTerminator() string {
	if d.Terminator == "" {
		return DefaultTerminator
	}
	return d.Terminator
}

// SpeedsOr returns the speeds discovery should try: the pinned list when set,
// otherwise the given ladder sorted ascending.
func (d Descriptor) SpeedsOr(ladder []int) []int {
	if len(d.Speeds) > 0 {
		return slices.Clone(d.Speeds)
	}
	out := slices.Clone(ladder)
	slices.Sort(out)
	return out
}

// HasUSBID reports whether the descriptor carries any USB identifier
func (d Descriptor) HasUSBID() bool {
	return d.VendorID != nil || d.ProductID != nil
}
