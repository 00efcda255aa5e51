// internal/service/discovery_service.go
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	internalDriver "instrument-service/internal/driver"
	"instrument-service/internal/model"
	"instrument-service/internal/utils"
	"instrument-service/pkg/devicetypes"
	"instrument-service/pkg/driver"
)

// DiscoveryService lists ports and catalog models. It never probes a port.
type DiscoveryService struct {
	scannerManager *discovery.ScannerManager
	catalog        *model.Catalog
	driverRegistry *internalDriver.Registry
	logger         *utils.ServiceLogger
}

// NewDiscoveryService creates a new discovery service
func NewDiscoveryService(
	scannerManager *discovery.ScannerManager,
	catalog *model.Catalog,
	driverRegistry *internalDriver.Registry,
	logger *zap.Logger,
) *DiscoveryService {
	ds := &DiscoveryService{
		scannerManager: scannerManager,
		catalog:        catalog,
		driverRegistry: driverRegistry,
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}

	available := scannerManager.GetAvailableScanners()
	names := make([]string, len(available))
	for i, kind := range available {
		names[i] = string(kind)
	}
	ds.logger.Info("Discovery scanners initialized", zap.Strings("available_scanners", names))

	return ds
}

// PortFilter narrows a port listing
type PortFilter struct {
	// Interface limits the listing to one bus family; empty lists all
	Interface string `form:"interface"`
	// Model marks the ports whose metadata matches the model's descriptor and
	// lists them first, in the order discovery would try them
	Model string `form:"model"`
}

// PortCandidate is a listed port, flagged when a model's discovery would try
// it in the targeted phase
type PortCandidate struct {
	*model.PortInfo
	Targeted bool `json:"targeted"`
}

// ListPorts enumerates ports without opening them
func (ds *DiscoveryService) ListPorts(ctx context.Context, filter *PortFilter) ([]*PortCandidate, error) {
	var desc *model.Descriptor
	kind := model.Interface(strings.ToUpper(filter.Interface))

	if filter.Model != "" {
		d, ok := ds.catalog.Lookup(filter.Model)
		if !ok {
			return nil, fmt.Errorf("%w: %s", driver.ErrUnknownModel, filter.Model)
		}
		if kind != "" && kind != d.Interface {
			return nil, driver.InvalidParameter("interface", "model %s is reached over %s, not %s", d.Model, d.Interface, kind)
		}
		desc = &d
		kind = d.Interface
	}

	var (
		ports []*model.PortInfo
		err   error
	)
	switch kind {
	case "":
		ports, err = ds.scannerManager.ScanAll(ctx)
	case model.InterfaceSerial, model.InterfaceVISA:
		ports, err = ds.scannerManager.ScanByType(ctx, kind)
	default:
		return nil, driver.InvalidParameter("interface", "unsupported interface %q", filter.Interface)
	}
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	result := make([]*PortCandidate, len(ports))
	for i, p := range ports {
		result[i] = &PortCandidate{
			PortInfo: p,
			Targeted: desc != nil && discovery.MatchesMetadata(*desc, p.Metadata),
		}
	}
	if desc != nil {
		sort.SliceStable(result, func(i, j int) bool {
			return result[i].Targeted && !result[j].Targeted
		})
	}

	ds.logger.Info("Port scan completed",
		zap.Int("ports_found", len(result)),
		zap.String("interface", string(kind)),
		zap.String("model", filter.Model),
	)
	return result, nil
}

// ListModels describes every catalog model
func (ds *DiscoveryService) ListModels() []devicetypes.ModelInfo {
	descs := ds.catalog.Descriptors()
	out := make([]devicetypes.ModelInfo, len(descs))
	for i, d := range descs {
		out[i] = ds.modelInfo(d)
	}
	return out
}

// GetModel describes one catalog model
func (ds *DiscoveryService) GetModel(name string) (*devicetypes.ModelInfo, error) {
	d, ok := ds.catalog.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrUnknownModel, name)
	}
	info := ds.modelInfo(d)
	return &info, nil
}

func (ds *DiscoveryService) modelInfo(d model.Descriptor) devicetypes.ModelInfo {
	info := devicetypes.ModelInfo{
		Model:        d.Model,
		Manufacturer: d.Manufacturer,
		Type:         d.Type,
		Interface:    string(d.Interface),
		NameFragment: d.NameFragment,
		ProbeCmd:     d.ProbeCmd,
		Speeds:       d.Speeds,
		Capabilities: devicetypes.CapabilitiesFor(d.Type),
		HasDriver:    ds.driverRegistry.IsSupported(d),
	}
	if d.VendorID != nil {
		info.VendorID = d.VendorID.String()
	}
	if d.ProductID != nil {
		info.ProductID = d.ProductID.String()
	}
	return info
}
