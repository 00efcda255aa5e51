package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"instrument-service/internal/model"
)

func newInstrument(modelName string, connectedAt time.Time) *model.Instrument {
	return &model.Instrument{
		ID:          uuid.New(),
		Model:       modelName,
		Status:      model.InstrumentStatusReady,
		ConnectedAt: connectedAt,
	}
}

func TestInstrumentRepository(t *testing.T) {
	repo := NewInstrumentRepository(zap.NewNop())
	ctx := context.Background()
	now := time.Now()

	meter := newInstrument("PM100D", now)
	lamp := newInstrument("M69920", now.Add(-time.Minute))
	require.NoError(t, repo.Create(ctx, meter))
	require.NoError(t, repo.Create(ctx, lamp))
	assert.Error(t, repo.Create(ctx, meter))

	got, err := repo.GetByID(ctx, meter.ID)
	require.NoError(t, err)
	got.Model = "changed"
	again, _ := repo.GetByID(ctx, meter.ID)
	assert.Equal(t, "PM100D", again.Model)

	list, err := repo.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, lamp.ID, list[0].ID)

	name := "PM100D"
	list, err = repo.List(ctx, &InstrumentFilter{Model: &name})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.UpdateStatus(ctx, lamp.ID, model.InstrumentStatusError, errors.New("interlock open")))
	got, _ = repo.GetByID(ctx, lamp.ID)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "interlock open", *got.LastError)

	stats, err := repo.GetInstrumentStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalInstruments)
	assert.Equal(t, 1, stats.ReadyInstruments)
	assert.Equal(t, 1, stats.ErrorInstruments)

	require.NoError(t, repo.Delete(ctx, lamp.ID))
	_, err = repo.GetByID(ctx, lamp.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(repo.Touch(ctx, lamp.ID, now), ErrNotFound))
}

func TestOperationRepositoryKeepsNewest(t *testing.T) {
	repo := NewOperationRepository(3, zap.NewNop())
	ctx := context.Background()
	id := uuid.New()
	start := time.Now()

	for i, cmd := range []string{"A", "B", "C", "D"} {
		status := model.OperationStatusSuccess
		if cmd == "D" {
			status = model.OperationStatusFailed
		}
		require.NoError(t, repo.Create(ctx, &model.InstrumentOperation{
			ID:            uuid.New(),
			InstrumentID:  id,
			OperationType: model.OperationTypeQuery,
			Command:       cmd,
			Status:        status,
			StartedAt:     start.Add(time.Duration(i) * time.Second),
			DurationMs:    10,
		}))
	}

	ops, err := repo.ListByInstrument(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "D", ops[0].Command)
	assert.Equal(t, "B", ops[2].Command)

	ops, err = repo.ListByInstrument(ctx, id, 1)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	summary, err := repo.GetOperationSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalOps)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.Equal(t, 10*time.Millisecond, summary.AvgResponseTime)
	assert.Equal(t, 3, summary.ByType[model.OperationTypeQuery])

	require.NoError(t, repo.DeleteByInstrument(ctx, id))
	ops, _ = repo.ListByInstrument(ctx, id, 0)
	assert.Empty(t, ops)
}
