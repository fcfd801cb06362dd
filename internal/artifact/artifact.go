// Package artifact stores derived pipeline images (aligned crops, masks,
// heatmaps) behind a minimal S3-like surface. Writes are keyed by
// capture id + stage + attempt so that a replayed stage
// cannot duplicate a side effect: Put on an existing key returns the
// existing ref untouched.
package artifact

import (
	"context"
	"errors"
	"fmt"

	"github.com/fitlab/capture-cli/internal/model"
)

// Ref identifies a stored artifact. It is stable across retries for the
// same (capture, stage, attempt, name) key.
type Ref string

// ErrNotFound is returned by Get for refs that were never written.
var ErrNotFound = errors.New("artifact: not found")

// Store is the injected artifact capability handed to pipeline stages.
// Implementations must make Put idempotent on an identical key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// Exists reports whether a blob is already stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// Key builds the canonical artifact key for one stage write.
func Key(captureID string, stage model.StageName, attempt string, name string) string {
	return fmt.Sprintf("capture/%s/%s/%s/%s", captureID, stage, attempt, name)
}

// UploadKey builds the key the raw uploaded view bytes are stored under.
func UploadKey(captureID, view string) string {
	return fmt.Sprintf("capture/%s/upload/%s", captureID, view)
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverFS     = "fs"
	DriverS3     = "s3"
)
