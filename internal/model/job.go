package model

import "time"

// RunJob is one capture-run delivery from the broker. The broker is
// at-least-once, so Deliveries may exceed 1 for the same AttemptToken; the
// orchestrator's per-stage terminal check makes redelivery a no-op.
type RunJob struct {
	ID           string    `json:"id"`
	CaptureID    string    `json:"capture_id"`
	AttemptToken string    `json:"attempt_token"`
	Deliveries   int       `json:"deliveries"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// ExportEntry is one record in the training-export queue. Consent is
// re-checked when the batch is consumed; revoked records are dropped.
type ExportEntry struct {
	ID           string     `json:"id"`
	CaptureID    string     `json:"capture_id"`
	AdjustmentID string     `json:"adjustment_id,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	Dropped      bool       `json:"dropped"`
}
