// Package monitoring watches proof lifecycle outcomes and dead-letter depth
// and raises webhook alerts when they cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pcf-provenance/internal/model"
	"github.com/sells-group/pcf-provenance/internal/store"
)

// collectPageSize bounds each lifecycle page read by the collector.
const collectPageSize = 500

// MetricsSnapshot holds a point-in-time view of lifecycle health.
type MetricsSnapshot struct {
	// Lifecycle metrics (updated within lookback window).
	LifecycleTotal     int                          `json:"lifecycle_total"`
	ByState            map[model.LifecycleState]int `json:"by_state"`
	InFlight           int                          `json:"in_flight"`
	Verified           int                          `json:"verified"`
	VerificationFailed int                          `json:"verification_failed"`
	Failed             int                          `json:"failed"`
	FailRate           float64                      `json:"fail_rate"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the store surface the collector reads.
type Source interface {
	ListLifecycles(ctx context.Context, filter store.LifecycleFilter) ([]model.Lifecycle, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	source Source
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		ByState:       make(map[model.LifecycleState]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	for offset := 0; ; offset += collectPageSize {
		page, err := c.source.ListLifecycles(ctx, store.LifecycleFilter{Limit: collectPageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list lifecycles")
		}
		for _, lc := range page {
			if lc.UpdatedAt.Before(cutoff) {
				continue
			}
			snap.LifecycleTotal++
			snap.ByState[lc.State]++
			switch lc.State {
			case model.StateVerified:
				snap.Verified++
			case model.StateVerificationFailed:
				snap.VerificationFailed++
			case model.StateFailed:
				snap.Failed++
			default:
				snap.InFlight++
			}
		}
		if len(page) < collectPageSize {
			break
		}
	}

	if finished := snap.Verified + snap.VerificationFailed + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	dlqCount, err := c.source.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlqCount

	return snap, nil
}
