// pkg/devicetypes/types.go
package devicetypes

// Request and response payloads shared by the HTTP API and its clients

// ConnectRequest asks the service to discover and open an instrument
type ConnectRequest struct {
	Model string `json:"model" binding:"required"`
	// Serial selects one unit by a substring of its extracted device id
	Serial string `json:"serial,omitempty"`
}

// CommandRequest carries one raw command line
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// CommandResponse reports the outcome of one raw transaction
type CommandResponse struct {
	Command  string `json:"command"`
	Response string `json:"response,omitempty"`
	Duration string `json:"duration"`
}

// ActionRequest runs a named driver action
type ActionRequest struct {
	Action string                 `json:"action" binding:"required"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ConnectionInfo describes how a live instrument is attached
type ConnectionInfo struct {
	Interface  string `json:"interface"`
	Address    string `json:"address"`
	Speed      int    `json:"speed,omitempty"`
	Terminator string `json:"terminator"`
}

// ModelInfo describes one catalog entry
type ModelInfo struct {
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	Type         string   `json:"type"`
	Interface    string   `json:"interface"`
	NameFragment string   `json:"name_fragment,omitempty"`
	VendorID     string   `json:"vendor_id,omitempty"`
	ProductID    string   `json:"product_id,omitempty"`
	ProbeCmd     string   `json:"probe_cmd"`
	Speeds       []int    `json:"speeds,omitempty"`
	Capabilities []string `json:"capabilities"`
	HasDriver    bool     `json:"has_driver"`
}

// TypeCapabilities lists what each instrument type can do
var TypeCapabilities = map[string][]string{
	"Power Meter": {
		"WAVELENGTH", "AVERAGING", "POWER", "AUTO_RANGE", "ZERO", "STATUS",
	},
	"Power Supply": {
		"LAMP", "MODE", "FRONT_PANEL", "PRESETS", "LIMITS", "STATUS",
	},
	"Tunable Light Source": {
		"CHANNEL_POWER", "OUTPUT_POWER", "FEEDBACK", "IRIS", "CHROMATICITY", "STATUS",
	},
}

// CapabilitiesFor returns the capabilities of an instrument type. Unknown
// types can still be queried raw.
func CapabilitiesFor(instrumentType string) []string {
	if caps, ok := TypeCapabilities[instrumentType]; ok {
		return append([]string(nil), caps...)
	}
	return []string{"QUERY", "SEND"}
}
