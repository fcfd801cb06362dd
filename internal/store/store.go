package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/config"
	"github.com/fitlab/capture-cli/internal/model"
)

// CaptureFilter specifies criteria for listing captures.
type CaptureFilter struct {
	Status model.CaptureStatus `json:"status,omitempty"`
	UserID string              `json:"user_id,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// AdjustmentCursor marks a position in a capture's adjustment chain for
// keyset pagination, matching the chain order (created_at, then id). The
// zero value means the start of the chain.
type AdjustmentCursor struct {
	CreatedAt time.Time
	ID        string
}

// Store defines the persistence interface for captures, pipeline results,
// and the measurement version chain.
type Store interface {
	// Captures
	CreateCapture(ctx context.Context, c *model.Capture) error
	GetCapture(ctx context.Context, id string) (*model.Capture, error)
	ListCaptures(ctx context.Context, filter CaptureFilter) ([]model.Capture, error)
	// ClaimCapture atomically moves a queued or previously failed capture to
	// running. Returns resilience.ErrAlreadyRunning when another worker holds
	// it or it already finished.
	ClaimCapture(ctx context.Context, id string) error
	SetCaptureStatus(ctx context.Context, id string, status model.CaptureStatus, failReason string) error
	// TouchCapture bumps updated_at, renewing the run lease a live worker
	// holds on a running capture.
	TouchCapture(ctx context.Context, id string) error
	UpdateConsent(ctx context.Context, id string, consent model.Consent) error

	// Stage results. SaveStageResult keeps one row per (capture, stage):
	// a non-terminal (failed-attempt) row is overwritten by whatever a later
	// delivery produces, while a terminal row is frozen, so replaying a
	// delivery after the terminal result landed is a no-op.
	SaveStageResult(ctx context.Context, r *model.StageResult) error
	ListStageResults(ctx context.Context, captureID string) ([]model.StageResult, error)

	// Snapshots. One immutable original per capture; CreateSnapshot on an
	// existing capture is a no-op so redelivered runs stay idempotent.
	CreateSnapshot(ctx context.Context, snap *model.MetricSnapshot) error
	GetSnapshot(ctx context.Context, captureID string) (*model.MetricSnapshot, error)

	// Adjustments (append-only)
	CreateAdjustment(ctx context.Context, adj *model.Adjustment) error
	GetAdjustment(ctx context.Context, id string) (*model.Adjustment, error)
	ListAdjustments(ctx context.Context, captureID string) ([]model.Adjustment, error)
	// ListAdjustmentsPage reads one chain-ordered page of a capture's
	// adjustments strictly after the cursor; the zero cursor starts at the
	// beginning of the chain.
	ListAdjustmentsPage(ctx context.Context, captureID string, after AdjustmentCursor, limit int) ([]model.Adjustment, error)
	// ResolveAdjustment flips exactly one pending adjustment to approved or
	// rejected. Returns resilience.ErrAlreadyResolved if it lost the race.
	ResolveAdjustment(ctx context.Context, id, approverID string, approve bool) (*model.Adjustment, error)

	// Run queue (at-least-once)
	EnqueueRun(ctx context.Context, job *model.RunJob) error
	DequeueRun(ctx context.Context, visibility time.Duration) (*model.RunJob, error)
	AckRun(ctx context.Context, jobID string) error

	// Export queue. ConsumeExports re-reads consent at consumption time and
	// drops entries whose training consent was revoked after enqueue.
	EnqueueExport(ctx context.Context, entry *model.ExportEntry) error
	ConsumeExports(ctx context.Context, limit int) (delivered []model.ExportEntry, dropped int, err error)
	PendingExports(ctx context.Context) (int, error)

	// Monitoring
	CountByStatus(ctx context.Context) (map[model.CaptureStatus]int, error)
	CountSnapshotReviews(ctx context.Context) (total, needsReview int, err error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open constructs the Store named by the config.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, nil)
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
