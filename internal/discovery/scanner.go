// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"instrument-service/internal/discovery/usb"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol"
)

// ScannerManager lists candidates across every bus without probing them
type ScannerManager struct {
	transports protocol.Transports
	database   *usb.DeviceDatabase
	logger     *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(transports protocol.Transports, logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		transports: transports,
		database:   usb.NewDeviceDatabase(),
		logger:     logger.With(zap.String("component", "scanner")),
	}
}

// ScanAll enumerates every bus. A failing bus is logged and skipped.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*model.PortInfo, error) {
	kinds := sm.GetAvailableScanners()

	var (
		mu      sync.Mutex
		results = make(map[model.Interface][]*model.PortInfo, len(kinds))
	)

	p := pool.New().WithMaxGoroutines(len(kinds) + 1).WithContext(ctx)
	for _, kind := range kinds {
		p.Go(func(ctx context.Context) error {
			ports, err := sm.ScanByType(ctx, kind)
			if err != nil {
				sm.logger.Error("Scanner failed", zap.String("interface", string(kind)), zap.Error(err))
				return nil
			}
			mu.Lock()
			results[kind] = ports
			mu.Unlock()
			sm.logger.Info("Scanner completed",
				zap.String("interface", string(kind)),
				zap.Int("ports_found", len(ports)),
			)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []*model.PortInfo
	for _, kind := range kinds {
		all = append(all, results[kind]...)
	}
	return all, nil
}

// ScanByType enumerates one bus in enumeration order
func (sm *ScannerManager) ScanByType(ctx context.Context, kind model.Interface) ([]*model.PortInfo, error) {
	tr, err := sm.transports.For(kind)
	if err != nil {
		return nil, err
	}
	candidates, err := tr.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ports: %w", kind, err)
	}

	now := time.Now()
	ports := make([]*model.PortInfo, 0, len(candidates))
	for _, c := range candidates {
		info := &model.PortInfo{
			Address:      c.Address,
			Interface:    kind,
			Metadata:     c.Metadata,
			DiscoveredAt: now,
		}
		if vid, pid, ok := usb.ParseUSBIDs(c.Metadata); ok {
			info.VendorName, info.ProductName = sm.database.Lookup(vid, pid)
		}
		if owner, held := tr.Holder(c.Address); held {
			info.Held = true
			info.HeldByModel = owner
		}
		ports = append(ports, info)
	}
	return ports, nil
}

// GetAvailableScanners returns the bus families that can be scanned
func (sm *ScannerManager) GetAvailableScanners() []model.Interface {
	kinds := make([]model.Interface, 0, len(sm.transports))
	for kind := range sm.transports {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
