package export

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/store"
)

func TestEligibleForExport(t *testing.T) {
	consented := &model.Capture{Consent: model.Consent{TrainingShare: true}}
	unconsented := &model.Capture{}
	approved := &model.Adjustment{State: model.ApprovalApproved}
	pending := &model.Adjustment{State: model.ApprovalPending}
	strong := &model.MetricSnapshot{Aggregate: 0.9}
	weak := &model.MetricSnapshot{Aggregate: 0.7}

	cases := []struct {
		name    string
		capture *model.Capture
		snap    *model.MetricSnapshot
		adj     *model.Adjustment
		want    bool
	}{
		{"approved with consent", consented, nil, approved, true},
		{"approved without consent", unconsented, nil, approved, false},
		{"pending with consent", consented, nil, pending, false},
		{"strong original with consent", consented, strong, nil, true},
		{"weak original with consent", consented, weak, nil, false},
		{"strong original without consent", unconsented, strong, nil, false},
		{"nothing to export", consented, nil, nil, false},
		{"nil capture", nil, strong, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EligibleForExport(tc.capture, tc.snap, tc.adj, 0.85))
		})
	}
}

func newTestQueue(t *testing.T) (*Queue, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewQueue(st, 0.85, 10), st
}

func createConsentedCapture(t *testing.T, st *store.SQLiteStore, trainingShare bool) *model.Capture {
	t.Helper()
	c := &model.Capture{
		UserID:  "user-1",
		Source:  model.SourceMobile,
		Consent: model.Consent{TrainingShare: trainingShare},
		Views:   []string{model.ViewFront},
	}
	require.NoError(t, st.CreateCapture(context.Background(), c))
	return c
}

func TestQueue_OfferOriginalRespectsFloor(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	capture := createConsentedCapture(t, st, true)

	require.NoError(t, q.OfferOriginal(ctx, capture, &model.MetricSnapshot{CaptureID: capture.ID, Aggregate: 0.7}))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "below-floor original must not enqueue")

	require.NoError(t, q.OfferOriginal(ctx, capture, &model.MetricSnapshot{CaptureID: capture.ID, Aggregate: 0.9}))
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestQueue_OfferApprovedIgnoresUnapproved(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	capture := createConsentedCapture(t, st, true)

	require.NoError(t, q.OfferApproved(ctx, capture, &model.Adjustment{ID: "adj-1", State: model.ApprovalPending}))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueue_ConsumeDropsConsentRevokedAfterEnqueue(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()

	keeper := createConsentedCapture(t, st, true)
	revoker := createConsentedCapture(t, st, true)
	require.NoError(t, q.OfferOriginal(ctx, keeper, &model.MetricSnapshot{CaptureID: keeper.ID, Aggregate: 0.9}))
	require.NoError(t, q.OfferOriginal(ctx, revoker, &model.MetricSnapshot{CaptureID: revoker.ID, Aggregate: 0.9}))

	// Consent is revoked between enqueue and batch read.
	require.NoError(t, st.UpdateConsent(ctx, revoker.ID, model.Consent{TrainingShare: false}))

	delivered, dropped, err := q.ConsumeBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, delivered, 1)
	assert.Equal(t, keeper.ID, delivered[0].CaptureID)

	// The batch is consumed either way: nothing left behind.
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}
