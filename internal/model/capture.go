package model

import "time"

// CaptureStatus tracks a capture through the processing pipeline.
type CaptureStatus string

const (
	CaptureStatusQueued  CaptureStatus = "queued"
	CaptureStatusRunning CaptureStatus = "running"
	CaptureStatusDone    CaptureStatus = "done"
	CaptureStatusFailed  CaptureStatus = "failed"
	CaptureStatusEdited  CaptureStatus = "edited"
)

// Terminal reports whether the capture has reached a final pipeline state.
// Edited counts as terminal: it is only reachable after done.
func (s CaptureStatus) Terminal() bool {
	return s == CaptureStatusDone || s == CaptureStatusFailed || s == CaptureStatusEdited
}

// CaptureSource identifies where the capture was submitted from.
type CaptureSource string

const (
	SourceWeb    CaptureSource = "web"
	SourceMobile CaptureSource = "mobile"
)

// Consent holds the user-controlled data-sharing flags attached to a capture.
// TrainingShare is re-read at export time, never cached from capture time.
type Consent struct {
	StoreImages   bool `json:"store_images"`
	TrainingShare bool `json:"training_share"`
}

// Capture is one image-submission event and its derived record.
type Capture struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	Status      CaptureStatus `json:"status"`
	Source      CaptureSource `json:"source"`
	Consent     Consent       `json:"consent"`
	Views       []string      `json:"views,omitempty"` // uploaded image views: front, side, portrait, reference
	FailReason  string        `json:"fail_reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// HasView reports whether the named image view was uploaded with the capture.
func (c *Capture) HasView(name string) bool {
	for _, v := range c.Views {
		if v == name {
			return true
		}
	}
	return false
}

// Image view names accepted at upload.
const (
	ViewFront     = "front"
	ViewSide      = "side"
	ViewPortrait  = "portrait"
	ViewReference = "reference"
)

// Failure reason categories surfaced to status reads. Raw internal error
// detail stays in logs.
const (
	FailReasonCorruptImage    = "corrupt_image"
	FailReasonConsentMismatch = "consent_mismatch"
	FailReasonStageExhausted  = "stage_exhausted"
	FailReasonCancelled       = "cancelled"
)
