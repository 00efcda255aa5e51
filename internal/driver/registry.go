// internal/driver/registry.go
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/pkg/driver"
)

// Wildcard matches any manufacturer, type or model in a DriverKey
const Wildcard = "*"

// DriverFactory creates an instrument driver on a verified session
type DriverFactory func(ctx context.Context, vs *discovery.VerifiedSession, desc model.Descriptor, opts base.Options, logger *zap.Logger) (driver.InstrumentDriver, error)

// Registry manages driver registration and creation
type Registry struct {
	drivers map[DriverKey]DriverFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// DriverKey uniquely identifies a driver
type DriverKey struct {
	Manufacturer string `json:"manufacturer"`
	Type         string `json:"type"`
	Model        string `json:"model"`
}

// NewRegistry creates a new driver registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		drivers: make(map[DriverKey]DriverFactory),
		logger:  logger,
	}
}

// Register registers a driver factory
func (r *Registry) Register(manufacturer, instrumentType, model string, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := DriverKey{
		Manufacturer: manufacturer,
		Type:         instrumentType,
		Model:        model,
	}

	r.drivers[key] = factory
	r.logger.Info("Driver registered",
		zap.String("manufacturer", manufacturer),
		zap.String("type", instrumentType),
		zap.String("model", model),
	)
}

// lookup finds the most specific factory: exact model, then any model of the
// manufacturer and type, then the generic driver
func (r *Registry) lookup(desc model.Descriptor) (DriverFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := DriverKey{Manufacturer: desc.Manufacturer, Type: desc.Type, Model: desc.Model}
	if factory, exists := r.drivers[key]; exists {
		return factory, true
	}

	key.Model = Wildcard
	if factory, exists := r.drivers[key]; exists {
		return factory, true
	}

	factory, exists := r.drivers[DriverKey{Manufacturer: Wildcard, Type: Wildcard, Model: Wildcard}]
	return factory, exists
}

// CreateDriver creates a driver for the instrument behind a verified session
func (r *Registry) CreateDriver(ctx context.Context, vs *discovery.VerifiedSession, desc model.Descriptor, opts base.Options) (driver.InstrumentDriver, error) {
	factory, ok := r.lookup(desc)
	if !ok {
		return nil, fmt.Errorf("no driver found for manufacturer=%s, type=%s, model=%s",
			desc.Manufacturer, desc.Type, desc.Model)
	}
	return factory(ctx, vs, desc, opts, r.logger)
}

// ListDrivers returns all registered drivers, sorted
func (r *Registry) ListDrivers() []DriverKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]DriverKey, 0, len(r.drivers))
	for key := range r.drivers {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Manufacturer != keys[j].Manufacturer {
			return keys[i].Manufacturer < keys[j].Manufacturer
		}
		return keys[i].Model < keys[j].Model
	})
	return keys
}

// IsSupported checks if an instrument has a driver other than the generic one
func (r *Registry) IsSupported(desc model.Descriptor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := DriverKey{Manufacturer: desc.Manufacturer, Type: desc.Type, Model: desc.Model}
	if _, exists := r.drivers[key]; exists {
		return true
	}
	key.Model = Wildcard
	_, exists := r.drivers[key]
	return exists
}
