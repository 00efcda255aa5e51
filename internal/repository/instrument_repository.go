// internal/repository/instrument_repository.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

// instrumentRepository keeps live instrument records in memory. Records
// describe open sessions, which do not outlive the process.
type instrumentRepository struct {
	mu          sync.RWMutex
	instruments map[uuid.UUID]model.Instrument
	logger      *zap.Logger
}

// NewInstrumentRepository creates a new instrument repository
func NewInstrumentRepository(logger *zap.Logger) InstrumentRepository {
	return &instrumentRepository{
		instruments: make(map[uuid.UUID]model.Instrument),
		logger:      logger,
	}
}

// Create stores a new instrument record
func (r *instrumentRepository) Create(ctx context.Context, instrument *model.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[instrument.ID]; exists {
		return fmt.Errorf("instrument %s already exists", instrument.ID)
	}
	r.instruments[instrument.ID] = *instrument
	return nil
}

// GetByID retrieves a copy of an instrument record
func (r *instrumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instrument, ok := r.instruments[id]
	if !ok {
		return nil, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	return &instrument, nil
}

// Update replaces an instrument record
func (r *instrumentRepository) Update(ctx context.Context, instrument *model.Instrument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instruments[instrument.ID]; !ok {
		return fmt.Errorf("instrument %s: %w", instrument.ID, ErrNotFound)
	}
	r.instruments[instrument.ID] = *instrument
	return nil
}

// UpdateStatus sets the status and last error of an instrument
func (r *instrumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.InstrumentStatus, lastErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instrument, ok := r.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	instrument.Status = status
	instrument.LastError = nil
	if lastErr != nil {
		msg := lastErr.Error()
		instrument.LastError = &msg
	}
	r.instruments[id] = instrument

	r.logger.Debug("Instrument status updated",
		zap.String("instrument_id", id.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// Touch records transaction activity on an instrument
func (r *instrumentRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instrument, ok := r.instruments[id]
	if !ok {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	instrument.LastActivity = at
	r.instruments[id] = instrument
	return nil
}

// Delete removes an instrument record
func (r *instrumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instruments[id]; !ok {
		return fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	delete(r.instruments, id)
	return nil
}

// List returns matching instruments, oldest connection first
func (r *instrumentRepository) List(ctx context.Context, filter *InstrumentFilter) ([]*model.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instruments := make([]*model.Instrument, 0, len(r.instruments))
	for _, instrument := range r.instruments {
		if filter != nil {
			if filter.Model != nil && instrument.Model != *filter.Model {
				continue
			}
			if filter.Status != nil && instrument.Status != *filter.Status {
				continue
			}
		}
		instrument := instrument
		instruments = append(instruments, &instrument)
	}

	sort.Slice(instruments, func(i, j int) bool {
		return instruments[i].ConnectedAt.Before(instruments[j].ConnectedAt)
	})
	return instruments, nil
}

// GetInstrumentStats counts instruments by model and status
func (r *instrumentRepository) GetInstrumentStats(ctx context.Context) (*InstrumentStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &InstrumentStats{
		TotalInstruments: len(r.instruments),
		ByModel:          make(map[string]int),
		ByStatus:         make(map[model.InstrumentStatus]int),
	}
	for _, instrument := range r.instruments {
		stats.ByModel[instrument.Model]++
		stats.ByStatus[instrument.Status]++
		switch instrument.Status {
		case model.InstrumentStatusReady:
			stats.ReadyInstruments++
		case model.InstrumentStatusError:
			stats.ErrorInstruments++
		}
	}
	return stats, nil
}
