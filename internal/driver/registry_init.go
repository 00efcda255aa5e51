// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"instrument-service/internal/driver/gamma"
	"instrument-service/internal/driver/newport"
	"instrument-service/internal/driver/thorlabs"
)

// RegisterDefaultDrivers registers every built-in instrument driver
func RegisterDefaultDrivers(registry *Registry, logger *zap.Logger) {
	registry.Register("Thorlabs", "Power Meter", "PM100D", thorlabs.NewPM100D)
	registry.Register("Newport", "Power Supply", "M69920", newport.NewM69920)
	registry.Register("Gamma Scientific", "Tunable Light Source", "RS-7-1", gamma.NewRS71)

	// Any verified instrument without a dedicated driver still gets raw
	// query and send access
	registry.Register(Wildcard, Wildcard, Wildcard, NewGeneric)

	logger.Info("Instrument drivers registered", zap.Int("drivers", len(registry.ListDrivers())))
}
