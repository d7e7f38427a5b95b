package worker

import (
	"context"
	"log"
	"time"

	"github.com/quantarc/tradeengine/observability"
	"github.com/quantarc/tradeengine/store"
)

// TimestampEstimator estimates backtest progress from the position of the
// current tick inside the replay window. Estimates are clamped to 1..99;
// only a confirmed end of stream reports 100.
type TimestampEstimator struct {
	start, end time.Time
}

func NewTimestampEstimator(start, end time.Time) *TimestampEstimator {
	return &TimestampEstimator{start: start, end: end}
}

func (e *TimestampEstimator) Estimate(tickTime time.Time) int {
	total := e.end.Sub(e.start)
	if total <= 0 {
		return 1
	}
	p := int(float64(tickTime.Sub(e.start)) / float64(total) * 100)
	if p < 1 {
		p = 1
	}
	if p > 99 {
		p = 99
	}
	return p
}

// CountEstimator computes progress from processed tick counts once the
// producer has announced its total. Unlike the timestamp estimate it is
// exact, so it is not clamped below 100; a shortfall against the total
// shows up as progress short of complete.
type CountEstimator struct {
	total int
}

func NewCountEstimator(total int) *CountEstimator {
	return &CountEstimator{total: total}
}

func (e *CountEstimator) Estimate(processed int) int {
	if e.total <= 0 {
		return 100
	}
	p := int(float64(processed)/float64(e.total)*100 + 0.5)
	if p > 100 {
		p = 100
	}
	return p
}

// progressWriteInterval throttles progress persistence.
const progressWriteInterval = 5 * time.Second

// ProgressTracker persists progress for one execution. Writes happen only
// when the integer value changes and at most once per interval; completion
// (100) always goes through.
type ProgressTracker struct {
	store       store.Store
	executionID int64

	last      int
	lastWrite time.Time
}

func NewProgressTracker(s store.Store, executionID int64) *ProgressTracker {
	return &ProgressTracker{store: s, executionID: executionID}
}

func (p *ProgressTracker) Update(ctx context.Context, progress int) {
	if progress <= p.last {
		return
	}
	if progress < 100 && time.Since(p.lastWrite) < progressWriteInterval {
		return
	}
	if err := p.store.SetExecutionProgress(ctx, p.executionID, progress); err != nil {
		observability.CheckpointWriteFailures.WithLabelValues("progress").Inc()
		log.Printf("Worker: progress write failed for execution %d: %v", p.executionID, err)
		return
	}
	observability.ExecutionProgress.Observe(float64(progress))
	p.last = progress
	p.lastWrite = time.Now()
}
