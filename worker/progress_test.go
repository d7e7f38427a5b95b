package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/tradeengine/store"
)

func TestTimestampEstimatorClamps(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(100 * time.Hour)
	e := NewTimestampEstimator(start, end)

	assert.Equal(t, 1, e.Estimate(start), "window start clamps to 1")
	assert.Equal(t, 50, e.Estimate(start.Add(50*time.Hour)))
	assert.Equal(t, 99, e.Estimate(end), "only eof reports 100")
	assert.Equal(t, 99, e.Estimate(end.Add(time.Hour)), "past the window stays at 99")
	assert.Equal(t, 1, e.Estimate(start.Add(-time.Hour)), "before the window clamps to 1")

	// Degenerate window.
	assert.Equal(t, 1, NewTimestampEstimator(start, start).Estimate(start))
}

func TestCountEstimatorIsExact(t *testing.T) {
	e := NewCountEstimator(200)
	assert.Equal(t, 0, e.Estimate(0))
	assert.Equal(t, 50, e.Estimate(100))
	assert.Equal(t, 100, e.Estimate(200))
	assert.Equal(t, 100, e.Estimate(500), "overshoot clamps to 100")
	assert.Equal(t, 49, e.Estimate(97), "rounds to nearest")
	assert.Equal(t, 100, NewCountEstimator(0).Estimate(10), "no total means nothing was expected")
}

func TestProgressTrackerThrottlesWrites(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	exec, err := s.AllocateExecution(ctx, store.TaskTypeBacktest, 1)
	require.NoError(t, err)

	tr := NewProgressTracker(s, exec.ID)

	tr.Update(ctx, 10)
	got, _ := s.GetExecution(ctx, exec.ID)
	assert.Equal(t, 10, got.Progress)

	// Within the write interval, intermediate values are skipped.
	tr.Update(ctx, 20)
	got, _ = s.GetExecution(ctx, exec.ID)
	assert.Equal(t, 10, got.Progress)

	// Regressions are never written.
	tr.Update(ctx, 5)
	got, _ = s.GetExecution(ctx, exec.ID)
	assert.Equal(t, 10, got.Progress)

	// Completion always goes through.
	tr.Update(ctx, 100)
	got, _ = s.GetExecution(ctx, exec.ID)
	assert.Equal(t, 100, got.Progress)
}
