package model

import "time"

// Role is the declared author role of an adjustment.
type Role string

const (
	RoleUser   Role = "user"
	RoleTailor Role = "tailor"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a recognized author role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleTailor || r == RoleAdmin
}

// ApprovalState tracks the review lifecycle of an adjustment. Transitions
// only pending→approved or pending→rejected, never reversed.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Adjustment is a human correction layered on top of a snapshot. Rows are
// append-only: never edited or deleted, only superseded or resolved.
type Adjustment struct {
	ID         string             `json:"id"`
	CaptureID  string             `json:"capture_id"`
	AuthorID   string             `json:"author_id"`
	Role       Role               `json:"role"`
	Changes    map[string]float64 `json:"changes"` // partial: untouched metrics inherit
	Note       string             `json:"note,omitempty"`
	State      ApprovalState      `json:"state"`
	ApproverID string             `json:"approver_id,omitempty"`
	ResolvedAt *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// MergedView is the display view of a capture's metrics: the original
// snapshot folded with its adjustment chain. Confidences are damped for any
// metric touched by an unverified (pending) adjustment.
type MergedView struct {
	CaptureID   string             `json:"capture_id"`
	Metrics     map[string]float64 `json:"metrics"`
	Confidences map[string]float64 `json:"confidences"`
	Aggregate   float64            `json:"aggregate"`
	NeedsReview bool               `json:"needs_review"`
	Degraded    bool               `json:"degraded"`
	Adjusted    bool               `json:"adjusted"`
}

// HistoryEntry is one element of a capture's audit history: either the
// original snapshot or one adjustment, in chain order.
type HistoryEntry struct {
	Original   *MetricSnapshot `json:"original,omitempty"`
	Adjustment *Adjustment     `json:"adjustment,omitempty"`
}
