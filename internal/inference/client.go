// Package inference wraps the numerical model services (reference-card
// detection, pose, segmentation, circumference regression) as black-box
// HTTP calls. Model internals are not this system's concern; only the
// contract predict(input) → (result, confidence) is.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/fitlab/capture-cli/internal/model"
	"github.com/fitlab/capture-cli/internal/resilience"
)

// Client defines the model-service operations the pipeline consumes.
type Client interface {
	// DetectCard locates the reference card in an image and returns the
	// rectifying homography, pixel scale and measured color patches.
	DetectCard(ctx context.Context, image []byte) (*CardResult, error)
	// PredictPose returns refined body landmarks for a front-view image.
	PredictPose(ctx context.Context, image []byte) (*PoseResult, error)
	// PredictSegmentation returns a skin mask and sampled patch colors for a
	// portrait image.
	PredictSegmentation(ctx context.Context, image []byte) (*SegmentationResult, error)
	// PredictCircumferences regresses circumference estimates from linear
	// width/length features.
	PredictCircumferences(ctx context.Context, features map[string]float64) (*CircumferenceResult, error)
}

// CardResult is the card-detection service response.
type CardResult struct {
	Detected     bool         `json:"detected"`
	ScalePxPerCm float64      `json:"scale_px_per_cm"`
	Homography   [9]float64   `json:"homography"`
	PatchLab     [][3]float64 `json:"patch_lab"`
	Confidence   float64      `json:"confidence"`
}

// PoseResult is the pose-refinement service response.
type PoseResult struct {
	Keypoints    []model.Keypoint `json:"keypoints"`
	Confidence   float64          `json:"confidence"`
	ModelVersion string           `json:"model_version"`
}

// SegmentationResult is the segmentation service response. Mask carries the
// raw mask bytes; the pipeline owns persisting them.
type SegmentationResult struct {
	Mask         []byte       `json:"mask"`
	Coverage     float64      `json:"coverage"`
	PatchLab     [][3]float64 `json:"patch_lab"`
	Confidence   float64      `json:"confidence"`
	ModelVersion string       `json:"model_version"`
}

// CircumferenceResult is the regression service response.
type CircumferenceResult struct {
	Circumferences map[string]float64 `json:"circumferences"`
	Confidence     float64            `json:"confidence"`
	ModelVersion   string             `json:"model_version"`
}

// Option configures the HTTP client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewClient creates an HTTP inference client.
func NewClient(baseURL, key string, timeout time.Duration, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		key:     key,
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) DetectCard(ctx context.Context, image []byte) (*CardResult, error) {
	var out CardResult
	if err := c.post(ctx, "/v1/card/detect", imageRequest{Image: image}, &out); err != nil {
		return nil, eris.Wrap(err, "inference: detect card")
	}
	return &out, nil
}

func (c *httpClient) PredictPose(ctx context.Context, image []byte) (*PoseResult, error) {
	var out PoseResult
	if err := c.post(ctx, "/v1/pose", imageRequest{Image: image}, &out); err != nil {
		return nil, eris.Wrap(err, "inference: predict pose")
	}
	return &out, nil
}

func (c *httpClient) PredictSegmentation(ctx context.Context, image []byte) (*SegmentationResult, error) {
	var out SegmentationResult
	if err := c.post(ctx, "/v1/segmentation", imageRequest{Image: image}, &out); err != nil {
		return nil, eris.Wrap(err, "inference: predict segmentation")
	}
	return &out, nil
}

func (c *httpClient) PredictCircumferences(ctx context.Context, features map[string]float64) (*CircumferenceResult, error) {
	var out CircumferenceResult
	req := struct {
		Features map[string]float64 `json:"features"`
	}{Features: features}
	if err := c.post(ctx, "/v1/circumference", req, &out); err != nil {
		return nil, eris.Wrap(err, "inference: predict circumferences")
	}
	return &out, nil
}

type imageRequest struct {
	Image []byte `json:"image"` // base64 over the wire
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "do request"), 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "read response"), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("model service %s returned %d: %s", path, resp.StatusCode, truncate(data, 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrapf(err, "decode response from %s", path)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
