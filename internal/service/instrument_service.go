// internal/service/instrument_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	internalDriver "instrument-service/internal/driver"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/internal/repository"
	"instrument-service/internal/utils"
	"instrument-service/pkg/devicetypes"
	"instrument-service/pkg/driver"
)

// EventPublisher receives service events for fan-out to clients
type EventPublisher interface {
	Publish(event *model.InstrumentEvent)
}

// InstrumentOptions tunes instrument connections
type InstrumentOptions struct {
	Driver base.Options
	// DiscoveryTimeout bounds one connect call; 0 means no bound
	DiscoveryTimeout time.Duration
}

// liveInstrument is an open driver plus the lock that serializes its transactions
type liveInstrument struct {
	driver driver.InstrumentDriver

	mu     sync.Mutex
	closed bool
}

// InstrumentService owns the table of live instruments: it discovers and
// opens them, hands out their drivers one caller at a time, and closes them.
type InstrumentService struct {
	instrumentRepo repository.InstrumentRepository
	operationRepo  repository.OperationRepository
	catalog        *model.Catalog
	engine         *discovery.Engine
	driverRegistry *internalDriver.Registry
	options        InstrumentOptions
	events         EventPublisher
	logger         *utils.ServiceLogger

	// discoverMu serializes Discover, which must not run concurrently on one bus
	discoverMu sync.Mutex

	mu   sync.RWMutex
	live map[uuid.UUID]*liveInstrument
}

// NewInstrumentService creates a new instrument service instance
func NewInstrumentService(
	instrumentRepo repository.InstrumentRepository,
	operationRepo repository.OperationRepository,
	catalog *model.Catalog,
	engine *discovery.Engine,
	driverRegistry *internalDriver.Registry,
	options InstrumentOptions,
	events EventPublisher,
	logger *zap.Logger,
) *InstrumentService {
	return &InstrumentService{
		instrumentRepo: instrumentRepo,
		operationRepo:  operationRepo,
		catalog:        catalog,
		engine:         engine,
		driverRegistry: driverRegistry,
		options:        options,
		events:         events,
		logger:         utils.NewServiceLogger(logger, "instrument-service"),
		live:           make(map[uuid.UUID]*liveInstrument),
	}
}

// Connect discovers an instrument of the requested model, optionally a
// specific unit by serial, and opens its driver
func (s *InstrumentService) Connect(ctx context.Context, req *devicetypes.ConnectRequest) (*model.Instrument, error) {
	desc, ok := s.catalog.Lookup(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrUnknownModel, req.Model)
	}

	if s.options.DiscoveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.options.DiscoveryTimeout)
		defer cancel()
	}

	s.discoverMu.Lock()
	vs, err := s.engine.Discover(ctx, desc, req.Serial)
	s.discoverMu.Unlock()
	if err != nil {
		s.logger.Warn("Instrument discovery failed",
			zap.String("model", req.Model),
			zap.String("serial", req.Serial),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to discover %s: %w", req.Model, err)
	}

	drv, err := s.driverRegistry.CreateDriver(ctx, vs, desc, s.options.Driver)
	if err != nil {
		if closeErr := vs.Close(); closeErr != nil {
			s.logger.Error("Failed to release session", zap.String("address", vs.Address), zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to initialize %s driver: %w", req.Model, err)
	}

	now := time.Now()
	instrument := &model.Instrument{
		ID:           uuid.New(),
		Model:        desc.Model,
		Manufacturer: desc.Manufacturer,
		Type:         desc.Type,
		Interface:    desc.Interface,
		DeviceID:     vs.DeviceID,
		TargetSerial: req.Serial,
		Address:      vs.Address,
		Speed:        vs.Speed,
		Status:       model.InstrumentStatusReady,
		ConnectedAt:  now,
		LastActivity: now,
	}

	if err := s.instrumentRepo.Create(ctx, instrument); err != nil {
		_ = drv.Close(ctx)
		return nil, fmt.Errorf("failed to store instrument: %w", err)
	}

	s.mu.Lock()
	s.live[instrument.ID] = &liveInstrument{driver: drv}
	s.mu.Unlock()

	s.publish(model.EventInstrumentConnected, "INFO", instrument, model.JSONObject{
		"device_id": instrument.DeviceID,
		"address":   instrument.Address,
		"speed":     instrument.Speed,
	})
	s.logger.Info("Instrument connected",
		zap.String("instrument_id", instrument.ID.String()),
		zap.String("model", instrument.Model),
		zap.String("device_id", instrument.DeviceID),
		zap.String("address", instrument.Address),
	)

	return instrument, nil
}

// GetInstrument retrieves a live instrument
func (s *InstrumentService) GetInstrument(ctx context.Context, id uuid.UUID) (*model.Instrument, error) {
	instrument, err := s.instrumentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return instrument, nil
}

// ListInstruments lists live instruments
func (s *InstrumentService) ListInstruments(ctx context.Context, filter *repository.InstrumentFilter) ([]*model.Instrument, error) {
	instruments, err := s.instrumentRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	return instruments, nil
}

// GetStats counts live instruments
func (s *InstrumentService) GetStats(ctx context.Context) (*repository.InstrumentStats, error) {
	return s.instrumentRepo.GetInstrumentStats(ctx)
}

// GetInfo returns the identity reported by a live instrument's driver
func (s *InstrumentService) GetInfo(ctx context.Context, id uuid.UUID) (*driver.InstrumentInfo, []string, error) {
	li, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	return li.driver.GetInstrumentInfo(), li.driver.Actions(), nil
}

// acquire locks a live instrument for one caller. The returned release
// function must be called once the caller is done with the driver.
func (s *InstrumentService) acquire(ctx context.Context, id uuid.UUID) (driver.InstrumentDriver, func(), error) {
	li, err := s.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	li.mu.Lock()
	if li.closed {
		li.mu.Unlock()
		return nil, nil, notFound(id, repository.ErrNotFound)
	}
	return li.driver, li.mu.Unlock, nil
}

func (s *InstrumentService) lookup(id uuid.UUID) (*liveInstrument, error) {
	s.mu.RLock()
	li, ok := s.live[id]
	s.mu.RUnlock()
	if !ok {
		return nil, notFound(id, repository.ErrNotFound)
	}
	return li, nil
}

// recordActivity updates the instrument record after a transaction
func (s *InstrumentService) recordActivity(ctx context.Context, id uuid.UUID, opErr error) {
	if errors.Is(opErr, driver.ErrInvalidParameter) || errors.Is(opErr, driver.ErrUnsupportedAction) {
		return
	}
	status := model.InstrumentStatusReady
	if opErr != nil {
		status = model.InstrumentStatusError
	}
	if err := s.instrumentRepo.UpdateStatus(ctx, id, status, opErr); err != nil {
		s.logger.Debug("Instrument record not updated", zap.String("instrument_id", id.String()), zap.Error(err))
		return
	}
	if opErr == nil {
		_ = s.instrumentRepo.Touch(ctx, id, time.Now())
	}
}

// CloseInstrument closes a live instrument's driver and forgets it. The
// instrument is removed even when its driver fails to shut down cleanly.
func (s *InstrumentService) CloseInstrument(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	li, ok := s.live[id]
	delete(s.live, id)
	s.mu.Unlock()
	if !ok {
		return notFound(id, repository.ErrNotFound)
	}

	li.mu.Lock()
	li.closed = true
	closeErr := li.driver.Close(ctx)
	li.mu.Unlock()

	instrument, err := s.instrumentRepo.GetByID(ctx, id)
	if err == nil {
		instrument.Status = model.InstrumentStatusClosed
		s.publish(model.EventInstrumentClosed, "INFO", instrument, model.JSONObject{"clean": closeErr == nil})
	}
	if err := s.instrumentRepo.Delete(ctx, id); err != nil {
		s.logger.Error("Failed to delete instrument record", zap.String("instrument_id", id.String()), zap.Error(err))
	}
	if err := s.operationRepo.DeleteByInstrument(ctx, id); err != nil {
		s.logger.Error("Failed to delete operation log", zap.String("instrument_id", id.String()), zap.Error(err))
	}

	if closeErr != nil {
		s.logger.Warn("Instrument closed with errors", zap.String("instrument_id", id.String()), zap.Error(closeErr))
		return fmt.Errorf("failed to close instrument cleanly: %w", closeErr)
	}
	s.logger.Info("Instrument closed", zap.String("instrument_id", id.String()))
	return nil
}

// Shutdown closes every live instrument in parallel
func (s *InstrumentService) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	p := pool.New().WithErrors()
	for _, id := range ids {
		p.Go(func() error {
			return s.CloseInstrument(ctx, id)
		})
	}
	err := p.Wait()

	s.logger.Info("Live instruments closed", zap.Int("count", len(ids)), zap.Error(err))
	return err
}

// MonitorHealth logs the health metrics of every live instrument at each
// interval until ctx is done. It sends nothing to the instruments.
func (s *InstrumentService) MonitorHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logHealth()
		}
	}
}

func (s *InstrumentService) logHealth() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, li := range s.live {
		m := li.driver.GetHealthMetrics()
		s.logger.Debug("Instrument health",
			zap.String("instrument_id", id.String()),
			zap.Int("health_score", m.HealthScore),
			zap.Duration("response_time", m.ResponseTime),
			zap.Float64("success_rate", m.SuccessRate),
			zap.Int64("empty_reads", m.EmptyReads),
		)
	}
}

func (s *InstrumentService) publish(eventType model.EventType, severity string, instrument *model.Instrument, data model.JSONObject) {
	if s.events == nil {
		return
	}
	event := model.NewInstrumentEvent(eventType, "instrument-service", severity, data)
	id := instrument.ID
	event.InstrumentID = &id
	event.Model = instrument.Model
	s.events.Publish(event)
}

func notFound(id uuid.UUID, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", driver.ErrInstrumentNotFound, id)
	}
	return err
}
