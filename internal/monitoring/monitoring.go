// Package monitoring derives operational numbers from the store: capture
// counts, failure and review rates, export backlog. Nothing here samples
// continuously; every summary is computed on demand from the rows of record.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/store"
)

// Summary is one point-in-time operational snapshot.
type Summary struct {
	Captures      map[model.CaptureStatus]int `json:"captures"`
	Total         int                         `json:"total"`
	FailRate      float64                     `json:"fail_rate"`   // failed / all terminal captures
	ReviewRate    float64                     `json:"review_rate"` // flagged snapshots / all snapshots
	SnapshotCount int                         `json:"snapshot_count"`
	ExportBacklog int                         `json:"export_backlog"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

// Collector builds summaries from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a store-backed collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect computes a fresh summary.
func (c *Collector) Collect(ctx context.Context) (*Summary, error) {
	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, flagged, err := c.store.CountSnapshotReviews(ctx)
	if err != nil {
		return nil, err
	}
	backlog, err := c.store.PendingExports(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Captures:      counts,
		SnapshotCount: snapshots,
		ExportBacklog: backlog,
		CollectedAt:   time.Now().UTC(),
	}
	terminal := 0
	for status, n := range counts {
		s.Total += n
		if status.Terminal() {
			terminal += n
		}
	}
	if terminal > 0 {
		s.FailRate = float64(counts[model.CaptureStatusFailed]) / float64(terminal)
	}
	if snapshots > 0 {
		s.ReviewRate = float64(flagged) / float64(snapshots)
	}
	return s, nil
}

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Checker evaluates registered dependency probes into a single health
// verdict.
type Checker struct {
	names  []string
	checks map[string]CheckFunc
}

// Health is the result of running every registered check.
type Health struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"` // name -> "ok" or the error
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]CheckFunc)}
}

// Register adds a named probe. Registering the same name twice replaces the
// earlier probe.
func (c *Checker) Register(name string, fn CheckFunc) {
	if _, ok := c.checks[name]; !ok {
		c.names = append(c.names, name)
		sort.Strings(c.names)
	}
	c.checks[name] = fn
}

// Check runs every probe; the verdict is healthy only when all pass.
func (c *Checker) Check(ctx context.Context) *Health {
	h := &Health{Healthy: true, Checks: make(map[string]string, len(c.checks))}
	for _, name := range c.names {
		if err := c.checks[name](ctx); err != nil {
			h.Healthy = false
			h.Checks[name] = err.Error()
			continue
		}
		h.Checks[name] = "ok"
	}
	return h
}

// StoreCheck probes the database with a cheap aggregate query.
func StoreCheck(st store.Store) CheckFunc {
	return func(ctx context.Context) error {
		_, err := st.CountByStatus(ctx)
		return err
	}
}
