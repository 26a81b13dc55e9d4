// Package monitoring reports store health and raises webhook alerts when
// extraction falls behind.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/uwdash/internal/model"
	"github.com/sells-group/uwdash/internal/resilience"
	"github.com/sells-group/uwdash/internal/store"
)

// Snapshot holds a point-in-time view of system health.
type Snapshot struct {
	Rows    int `json:"rows"`
	Columns int `json:"columns"`

	// Failure ledger.
	Failures          int `json:"failures"`
	FailuresTransient int `json:"failures_transient"`
	FailuresDue       int `json:"failures_due"`

	// Most recent batch, nil before the first run.
	LastRun         *model.RunSummary `json:"last_run,omitempty"`
	LastRunFailRate float64           `json:"last_run_fail_rate"`
	LastRunAgeHours float64           `json:"last_run_age_hours"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store store.Gateway
	now   func() time.Time
}

// NewCollector creates a collector over st.
func NewCollector(st store.Gateway) *Collector {
	return &Collector{store: st, now: time.Now}
}

// maxLedger bounds how many failure entries one snapshot reads.
const maxLedger = 10000

// Collect gathers a snapshot.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{CollectedAt: now}

	var err error
	if snap.Rows, err = c.store.Count(ctx); err != nil {
		return nil, eris.Wrap(err, "monitoring: count rows")
	}
	cols, err := c.store.Columns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list columns")
	}
	snap.Columns = len(cols)

	failures, err := c.store.ListFailures(ctx, resilience.FailureFilter{Limit: maxLedger})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list failures")
	}
	snap.Failures = len(failures)
	for _, f := range failures {
		if f.ErrorType != resilience.Transient {
			continue
		}
		snap.FailuresTransient++
		if f.CanRetry() && !f.NextRetryAt.After(now) {
			snap.FailuresDue++
		}
	}

	last, err := c.store.LastRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last run")
	}
	if last != nil {
		snap.LastRun = last
		if last.Included > 0 {
			snap.LastRunFailRate = float64(last.Failed) / float64(last.Included)
		}
		snap.LastRunAgeHours = now.Sub(last.FinishedAt).Hours()
	}
	return snap, nil
}
