package version

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fitlab/capture-cli/internal/model"
)

func foldFixture() *model.MetricSnapshot {
	return &model.MetricSnapshot{
		ID:        "snap-1",
		CaptureID: "cap-1",
		Metrics: map[string]float64{
			model.MetricWaistWidthCM:    31.0,
			model.MetricShoulderWidthCM: 42.0,
		},
		Confidences: map[string]float64{
			model.MetricWaistWidthCM:    0.9,
			model.MetricShoulderWidthCM: 0.95,
		},
		Aggregate: 0.88,
	}
}

func TestFold_NoAdjustmentsReturnsOriginalValues(t *testing.T) {
	view := Fold(foldFixture(), "owner", nil, 0.8)

	assert.Equal(t, 31.0, view.Metrics[model.MetricWaistWidthCM])
	assert.Equal(t, 0.9, view.Confidences[model.MetricWaistWidthCM])
	assert.False(t, view.Adjusted)
	assert.False(t, view.NeedsReview)
}

func TestFold_OwnerPendingShowsWithDampedConfidence(t *testing.T) {
	chain := []model.Adjustment{{
		AuthorID: "owner",
		Role:     model.RoleUser,
		Changes:  map[string]float64{model.MetricWaistWidthCM: 76.0},
		State:    model.ApprovalPending,
	}}

	view := Fold(foldFixture(), "owner", chain, 0.8)

	assert.Equal(t, 76.0, view.Metrics[model.MetricWaistWidthCM])
	assert.InDelta(t, 0.9*0.8, view.Confidences[model.MetricWaistWidthCM], 1e-9)
	// Untouched metrics keep their original confidence.
	assert.Equal(t, 42.0, view.Metrics[model.MetricShoulderWidthCM])
	assert.Equal(t, 0.95, view.Confidences[model.MetricShoulderWidthCM])
	assert.True(t, view.Adjusted)
	assert.True(t, view.NeedsReview)
}

func TestFold_TailorPendingStaysHiddenButContestsMetric(t *testing.T) {
	chain := []model.Adjustment{{
		AuthorID: "tailor-9",
		Role:     model.RoleTailor,
		Changes:  map[string]float64{model.MetricWaistWidthCM: 74.0},
		State:    model.ApprovalPending,
	}}

	view := Fold(foldFixture(), "owner", chain, 0.8)

	assert.Equal(t, 31.0, view.Metrics[model.MetricWaistWidthCM], "pending third-party value must not display")
	assert.InDelta(t, 0.9*0.8, view.Confidences[model.MetricWaistWidthCM], 1e-9)
	assert.False(t, view.Adjusted)
	assert.True(t, view.NeedsReview)
}

func TestFold_ApprovedAppliesAtFullConfidence(t *testing.T) {
	chain := []model.Adjustment{{
		AuthorID: "tailor-9",
		Role:     model.RoleTailor,
		Changes:  map[string]float64{model.MetricWaistWidthCM: 74.0},
		State:    model.ApprovalApproved,
	}}

	view := Fold(foldFixture(), "owner", chain, 0.8)

	assert.Equal(t, 74.0, view.Metrics[model.MetricWaistWidthCM])
	assert.Equal(t, approvedConfidence, view.Confidences[model.MetricWaistWidthCM])
	assert.True(t, view.Adjusted)
	assert.False(t, view.NeedsReview)
}

func TestFold_RejectedIsInvisible(t *testing.T) {
	chain := []model.Adjustment{{
		AuthorID: "owner",
		Role:     model.RoleUser,
		Changes:  map[string]float64{model.MetricWaistWidthCM: 99.0},
		State:    model.ApprovalRejected,
	}}

	view := Fold(foldFixture(), "owner", chain, 0.8)

	assert.Equal(t, 31.0, view.Metrics[model.MetricWaistWidthCM])
	assert.Equal(t, 0.9, view.Confidences[model.MetricWaistWidthCM])
	assert.False(t, view.Adjusted)
	assert.False(t, view.NeedsReview)
}

func TestFold_ChainOrderLastWriteWins(t *testing.T) {
	chain := []model.Adjustment{
		{
			AuthorID: "owner",
			Changes:  map[string]float64{model.MetricWaistWidthCM: 70.0},
			State:    model.ApprovalApproved,
		},
		{
			AuthorID: "owner",
			Changes:  map[string]float64{model.MetricWaistWidthCM: 76.0},
			State:    model.ApprovalPending,
		},
	}

	view := Fold(foldFixture(), "owner", chain, 0.8)

	assert.Equal(t, 76.0, view.Metrics[model.MetricWaistWidthCM])
	// The later pending edit damps the approved confidence it supersedes.
	assert.InDelta(t, approvedConfidence*0.8, view.Confidences[model.MetricWaistWidthCM], 1e-9)
}

func TestFold_MetricAbsentFromOriginal(t *testing.T) {
	chain := []model.Adjustment{{
		AuthorID: "owner",
		Changes:  map[string]float64{model.MetricHeightCM: 171.0},
		State:    model.ApprovalPending,
	}}

	view := Fold(foldFixture(), "owner", chain, 0.8)

	assert.Equal(t, 171.0, view.Metrics[model.MetricHeightCM])
	assert.InDelta(t, 0.8, view.Confidences[model.MetricHeightCM], 1e-9)
}
