// internal/model/catalog.go
package model

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/google/gousb"
)

// Catalog is an immutable model name -> Descriptor table built once at startup
type Catalog struct {
	entries map[string]Descriptor
}

// NewCatalog builds a catalog; later descriptors override earlier ones with the same model
func NewCatalog(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		c.entries[d.Model] = d
	}
	return c, nil
}

// Lookup returns the descriptor for a model
func (c *Catalog) Lookup(model string) (Descriptor, bool) {
	d, ok := c.entries[model]
	return d, ok
}

// MustLookup returns the descriptor for a model or an error naming it
func (c *Catalog) MustLookup(model string) (Descriptor, error) {
	d, ok := c.Lookup(model)
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown instrument model: %s", model)
	}
	return d, nil
}

// Models returns the sorted model names
func (c *Catalog) Models() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns all descriptors sorted by model name
func (c *Catalog) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(c.entries))
	for _, name := range c.Models() {
		out = append(out, c.entries[name])
	}
	return out
}

// Len returns the number of models in the catalog
func (c *Catalog) Len() int {
	return len(c.entries)
}

// DefaultDescriptors returns fresh copies of the built-in instrument descriptors
func DefaultDescriptors() []Descriptor {
	return []Descriptor{
		{
			Model:            "PM100D",
			Manufacturer:     "Thorlabs",
			Type:             "Power Meter",
			Interface:        InterfaceVISA,
			VendorID:         USBID(0x1313),
			ProductID:        USBID(0x8078),
			ProbeCmd:         "*IDN?",
			SerialCmd:        "*IDN?",
			ExpectedResponse: "PM100D",
			SerialPattern:    regexp.MustCompile(`,(P[0-9]+),`),
			Terminator:       "\n",
		},
		{
			Model:            "M69920",
			Manufacturer:     "Newport",
			Type:             "Power Supply",
			Interface:        InterfaceSerial,
			NameFragment:     "M69920",
			ProbeCmd:         "IDN?",
			ExpectedResponse: "69920",
			Terminator:       "\n",
		},
		{
			Model:            "RS-7-1",
			Manufacturer:     "Gamma Scientific",
			Type:             "Tunable Light Source",
			Interface:        InterfaceSerial,
			VendorID:         USBID(gousb.ID(0x0403)),
			ProductID:        USBID(gousb.ID(0x6001)),
			ProbeCmd:         "USN",
			ExpectedResponse: "RS",
			Speeds:           []int{115200},
		},
	}
}

// DefaultCatalog builds the catalog of built-in descriptors
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultDescriptors()...)
	if err != nil {
		panic(fmt.Sprintf("built-in descriptors invalid: %v", err))
	}
	return c
}
