package models

import "time"

// ApprovalState represents the state of a completion-approval record
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// IsTerminal returns true if the approval has been decided
func (s ApprovalState) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// CompletionApproval is the evidence-based gate on marking an assignment
// finished when the class requires moderator review.
//
// Invariant: at most one pending record per (user, assignment).
type CompletionApproval struct {
	ID              string        `json:"id"`
	ClassID         string        `json:"class_id"`
	AssignmentID    string        `json:"assignment_id"`
	UserID          string        `json:"user_id"`
	EvidenceRef     string        `json:"evidence_ref"`
	State           ApprovalState `json:"state"`
	SubmittedAt     time.Time     `json:"submitted_at"`
	DecidedAt       *time.Time    `json:"decided_at,omitempty"`
	DecidedBy       string        `json:"decided_by,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
}

// SubmitEvidenceRequest is the API payload for evidence submission
type SubmitEvidenceRequest struct {
	AssignmentID string `json:"assignment_id"`
	EvidenceRef  string `json:"evidence_ref"`
}

// RejectApprovalRequest carries the optional rejection reason
type RejectApprovalRequest struct {
	Reason string `json:"reason,omitempty"`
}
