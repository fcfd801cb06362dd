// Package overlay renders review images for processed captures: the stored
// front view with the refined pose landmarks drawn on top. Snapshot numbers
// are hard to sanity-check by eye; the overlay is how a reviewer spots a
// swapped shoulder or a hip landmark sitting on the background.
package overlay

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/artifact"
	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
	"github.com/fitlab/capture-cli/internal/store"
)

// Pose draws cross markers for each landmark onto the view image and
// returns the result as PNG. Keypoint coordinates are normalized; low-score
// landmarks are marked red so a reviewer's eye lands on them first.
func Pose(view []byte, keypoints []model.Keypoint) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(view))
	if err != nil {
		return nil, eris.Wrap(err, "overlay: decode view")
	}
	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	radius := bounds.Dx() / 64
	if radius < 2 {
		radius = 2
	}
	for _, kp := range keypoints {
		px := bounds.Min.X + int(kp.X*float64(bounds.Dx()))
		py := bounds.Min.Y + int(kp.Y*float64(bounds.Dy()))
		mark(canvas, px, py, radius, markerColor(kp.Score))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, eris.Wrap(err, "overlay: encode")
	}
	return buf.Bytes(), nil
}

func markerColor(score float64) color.RGBA {
	if score < 0.5 {
		return color.RGBA{R: 220, G: 40, B: 40, A: 255}
	}
	return color.RGBA{G: 200, A: 255}
}

// mark draws a cross centered at (x, y), clipped to the canvas.
func mark(canvas *image.RGBA, x, y, radius int, c color.RGBA) {
	bounds := canvas.Bounds()
	for d := -radius; d <= radius; d++ {
		if p := image.Pt(x+d, y); p.In(bounds) {
			canvas.SetRGBA(p.X, p.Y, c)
		}
		if p := image.Pt(x, y+d); p.In(bounds) {
			canvas.SetRGBA(p.X, p.Y, c)
		}
	}
}

// Renderer builds overlays from what the pipeline already persisted: the
// uploaded view in the artifact store and the pose stage's landmark payload.
type Renderer struct {
	store     store.Store
	artifacts artifact.Store
}

// NewRenderer wires a renderer over the capture store and artifact store.
func NewRenderer(st store.Store, artifacts artifact.Store) *Renderer {
	return &Renderer{store: st, artifacts: artifacts}
}

// PoseOverlay renders the pose landmark overlay for a capture's front view.
// Returns resilience.ErrNotFound when the capture, its front view, or its
// pose results do not exist (metrics-only captures have neither).
func (r *Renderer) PoseOverlay(ctx context.Context, captureID string) ([]byte, error) {
	capture, err := r.store.GetCapture(ctx, captureID)
	if err != nil {
		return nil, err
	}
	if !capture.HasView(model.ViewFront) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "front view for capture %s", captureID)
	}

	view, err := r.artifacts.Get(ctx, artifact.Ref(artifact.UploadKey(captureID, model.ViewFront)))
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, eris.Wrapf(resilience.ErrNotFound, "front view blob for capture %s", captureID)
		}
		return nil, err
	}

	results, err := r.store.ListStageResults(ctx, captureID)
	if err != nil {
		return nil, err
	}
	var pose *model.PosePayload
	for i := range results {
		res := &results[i]
		if res.Stage == model.StagePoseRefinement && res.Terminal && res.Payload != nil {
			pose = res.Payload.Pose
		}
	}
	if pose == nil {
		return nil, eris.Wrapf(resilience.ErrNotFound, "pose landmarks for capture %s", captureID)
	}

	return Pose(view, pose.Keypoints)
}
