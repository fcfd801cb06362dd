// Package export gates which captures may enter the training-export queue
// and hands out consumption batches. Consent is evaluated twice: once when a
// record is enqueued and again when the batch is read, because a user may
// revoke sharing in between. A revoked record is dropped from the batch, not
// merely skipped at enqueue.
package export

import (
	"context"

	"go.uber.org/zap"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/store"
)

// EligibleForExport reports whether a capture may enter the training-export
// queue right now. True iff the adjustment (when given) is approved — or the
// unadjusted original alone clears the confidence floor — and the owning
// user's training consent is currently set.
func EligibleForExport(capture *model.Capture, snap *model.MetricSnapshot, adj *model.Adjustment, confidenceFloor float64) bool {
	if capture == nil || !capture.Consent.TrainingShare {
		return false
	}

	if adj != nil {
		return adj.State == model.ApprovalApproved
	}
	return snap != nil && snap.Aggregate >= confidenceFloor
}

// Queue wraps the store's export queue with the eligibility guard and batch
// sizing from config.
type Queue struct {
	store           store.Store
	confidenceFloor float64
	batchSize       int
}

// NewQueue builds the export queue service.
func NewQueue(st store.Store, confidenceFloor float64, batchSize int) *Queue {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Queue{store: st, confidenceFloor: confidenceFloor, batchSize: batchSize}
}

// OfferOriginal enqueues a freshly completed capture whose original snapshot
// is strong enough to export without human correction. Not eligible is a
// quiet no-op, not an error.
func (q *Queue) OfferOriginal(ctx context.Context, capture *model.Capture, snap *model.MetricSnapshot) error {
	if !EligibleForExport(capture, snap, nil, q.confidenceFloor) {
		return nil
	}
	return q.enqueue(ctx, capture.ID, "")
}

// OfferApproved enqueues a capture on adjustment approval, when consent
// permits.
func (q *Queue) OfferApproved(ctx context.Context, capture *model.Capture, adj *model.Adjustment) error {
	if !EligibleForExport(capture, nil, adj, q.confidenceFloor) {
		return nil
	}
	return q.enqueue(ctx, capture.ID, adj.ID)
}

func (q *Queue) enqueue(ctx context.Context, captureID, adjustmentID string) error {
	entry := &model.ExportEntry{CaptureID: captureID, AdjustmentID: adjustmentID}
	if err := q.store.EnqueueExport(ctx, entry); err != nil {
		return err
	}
	zap.L().Info("export enqueued",
		zap.String("capture_id", captureID),
		zap.String("adjustment_id", adjustmentID),
	)
	return nil
}

// ConsumeBatch reads the next batch for the training collaborator. Records
// whose training consent was revoked since enqueue are dropped inside the
// store transaction; dropped reports how many.
func (q *Queue) ConsumeBatch(ctx context.Context) (delivered []model.ExportEntry, dropped int, err error) {
	delivered, dropped, err = q.store.ConsumeExports(ctx, q.batchSize)
	if err != nil {
		return nil, 0, err
	}
	if dropped > 0 {
		zap.L().Info("export batch trimmed by revoked consent",
			zap.Int("delivered", len(delivered)),
			zap.Int("dropped", dropped),
		)
	}
	return delivered, dropped, nil
}

// Depth returns the number of enqueued, unconsumed export entries.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.PendingExports(ctx)
}
