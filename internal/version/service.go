package version

import (
	"context"
	"iter"
	"math"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fitlab/capture-cli/internal/export"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/store"
)

// Service is the version-chain API: read the original, read the current
// fold, append adjustments, resolve them. Writes are serialized per capture
// so a submit and a resolve cannot race into an inconsistent chain order;
// reads take no lock.
type Service struct {
	store   store.Store
	exports *export.Queue
	damping float64

	// historyPage is how many adjustments History reads per store round trip.
	historyPage int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService builds the version service. damping multiplies the confidence
// of any metric touched by a pending adjustment.
func NewService(st store.Store, exports *export.Queue, damping float64) *Service {
	if damping <= 0 || damping > 1 {
		damping = 0.8
	}
	return &Service{
		store:       st,
		exports:     exports,
		damping:     damping,
		historyPage: 100,
		locks:       make(map[string]*sync.Mutex),
	}
}

// captureLock returns the per-capture write lock, creating it on first use.
func (s *Service) captureLock(captureID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[captureID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[captureID] = l
	}
	return l
}

// GetOriginal returns the capture's immutable original snapshot, exactly as
// the pipeline wrote it. Adjustments never alter it.
func (s *Service) GetOriginal(ctx context.Context, captureID string) (*model.MetricSnapshot, error) {
	return s.store.GetSnapshot(ctx, captureID)
}

// GetCurrent returns the merged display view: the original folded with the
// adjustment chain.
func (s *Service) GetCurrent(ctx context.Context, captureID string) (*model.MergedView, error) {
	capture, err := s.store.GetCapture(ctx, captureID)
	if err != nil {
		return nil, err
	}
	snap, err := s.store.GetSnapshot(ctx, captureID)
	if err != nil {
		return nil, err
	}
	chain, err := s.store.ListAdjustments(ctx, captureID)
	if err != nil {
		return nil, err
	}
	return Fold(snap, capture.UserID, chain, s.damping), nil
}

// SubmitRequest is one adjustment submission.
type SubmitRequest struct {
	CaptureID string             `json:"capture_id"`
	AuthorID  string             `json:"author_id"`
	Role      model.Role         `json:"role"`
	Changes   map[string]float64 `json:"changes"`
	Note      string             `json:"note,omitempty"`
}

func (r *SubmitRequest) validate() error {
	if r.AuthorID == "" {
		return resilience.NewValidationError("author_id", "required")
	}
	if !r.Role.Valid() {
		return resilience.NewValidationError("role", "must be user, tailor or admin")
	}
	if len(r.Changes) == 0 {
		return resilience.NewValidationError("changes", "at least one metric required")
	}
	for key, value := range r.Changes {
		if !model.IsKnownMetric(key) {
			return resilience.NewValidationError("changes", "unknown metric "+key)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
			return resilience.NewValidationError("changes", "implausible value for "+key)
		}
	}
	return nil
}

// SubmitAdjustment appends a pending adjustment to the capture's chain,
// moves the capture to edited, and returns the new adjustment with the
// refreshed merged view. Validation failure changes no state.
func (s *Service) SubmitAdjustment(ctx context.Context, req *SubmitRequest) (*model.Adjustment, *model.MergedView, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	capture, err := s.store.GetCapture(ctx, req.CaptureID)
	if err != nil {
		return nil, nil, err
	}
	// An adjustment corrects a finished result; captures still in flight or
	// failed have nothing to correct.
	snap, err := s.store.GetSnapshot(ctx, req.CaptureID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "version: capture %s has no snapshot to adjust", req.CaptureID)
	}

	lock := s.captureLock(req.CaptureID)
	lock.Lock()
	defer lock.Unlock()

	adj := &model.Adjustment{
		CaptureID: req.CaptureID,
		AuthorID:  req.AuthorID,
		Role:      req.Role,
		Changes:   req.Changes,
		Note:      req.Note,
		State:     model.ApprovalPending,
	}
	if err := s.store.CreateAdjustment(ctx, adj); err != nil {
		return nil, nil, err
	}
	if err := s.store.SetCaptureStatus(ctx, req.CaptureID, model.CaptureStatusEdited, ""); err != nil {
		return nil, nil, err
	}

	zap.L().Info("adjustment submitted",
		zap.String("capture_id", req.CaptureID),
		zap.String("adjustment_id", adj.ID),
		zap.String("role", string(req.Role)),
		zap.Int("metrics", len(req.Changes)),
	)

	chain, err := s.store.ListAdjustments(ctx, req.CaptureID)
	if err != nil {
		return nil, nil, err
	}
	return adj, Fold(snap, capture.UserID, chain, s.damping), nil
}

// ResolveAdjustment approves or rejects one pending adjustment. Approval
// stamps the approver and offers the capture to the export queue when
// consent permits. Resolving a non-pending adjustment fails with
// AlreadyResolved; the first resolution always stands.
func (s *Service) ResolveAdjustment(ctx context.Context, adjustmentID, approverID string, approve bool) (*model.Adjustment, error) {
	if approverID == "" {
		return nil, resilience.NewValidationError("approver_id", "required")
	}

	existing, err := s.store.GetAdjustment(ctx, adjustmentID)
	if err != nil {
		return nil, err
	}

	lock := s.captureLock(existing.CaptureID)
	lock.Lock()
	defer lock.Unlock()

	adj, err := s.store.ResolveAdjustment(ctx, adjustmentID, approverID, approve)
	if err != nil {
		return nil, err
	}

	zap.L().Info("adjustment resolved",
		zap.String("capture_id", adj.CaptureID),
		zap.String("adjustment_id", adj.ID),
		zap.Bool("approved", approve),
		zap.String("approver_id", approverID),
	)

	if approve && s.exports != nil {
		capture, err := s.store.GetCapture(ctx, adj.CaptureID)
		if err != nil {
			return nil, err
		}
		if err := s.exports.OfferApproved(ctx, capture, adj); err != nil {
			return nil, eris.Wrap(err, "version: enqueue export on approval")
		}
	}
	return adj, nil
}

// History returns the capture's audit sequence lazily: the original snapshot
// first, then every adjustment in chain order, resolved or not, read from
// the store one page at a time. The sequence is restartable: each range
// starts over from the original. A read failure is yielded as the final
// element's error with a zero entry.
func (s *Service) History(ctx context.Context, captureID string) iter.Seq2[model.HistoryEntry, error] {
	return func(yield func(model.HistoryEntry, error) bool) {
		snap, err := s.store.GetSnapshot(ctx, captureID)
		if err != nil {
			yield(model.HistoryEntry{}, err)
			return
		}
		if !yield(model.HistoryEntry{Original: snap}, nil) {
			return
		}

		var cursor store.AdjustmentCursor
		for {
			page, err := s.store.ListAdjustmentsPage(ctx, captureID, cursor, s.historyPage)
			if err != nil {
				yield(model.HistoryEntry{}, err)
				return
			}
			for i := range page {
				if !yield(model.HistoryEntry{Adjustment: &page[i]}, nil) {
					return
				}
			}
			if len(page) < s.historyPage {
				return
			}
			last := page[len(page)-1]
			cursor = store.AdjustmentCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}
