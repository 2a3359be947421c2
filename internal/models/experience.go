package models

// GrantSource records how a reward was earned
type GrantSource string

const (
	// GrantSourceDirect rewards a device-local status toggle
	GrantSourceDirect GrantSource = "direct"
	// GrantSourceApproval rewards a moderator-approved completion
	GrantSourceApproval GrantSource = "approval"
)

// CompletionGrant is one granted reward inside the experience ledger.
// The amount is the exact value to subtract on revoke; the source decides
// whether a local un-toggle may revoke it at all.
type CompletionGrant struct {
	Amount int         `json:"amount"`
	Source GrantSource `json:"source"`
}

// Experience tracks reward accumulation per (class, user).
//
// Completed doubles as the idempotency guard for reward grants: an
// assignment id present in the map has been granted.
type Experience struct {
	ClassID   string                     `json:"class_id"`
	UserID    string                     `json:"user_id"`
	TotalExp  int                        `json:"total_exp"`
	Completed map[string]CompletionGrant `json:"completed,omitempty"`
}

// HasCompleted reports whether a reward was already granted for the assignment
func (e *Experience) HasCompleted(assignmentID string) bool {
	_, ok := e.Completed[assignmentID]
	return ok
}

// LevelProgress describes a user's position on the level curve
type LevelProgress struct {
	Level      int `json:"level"`
	CurrentExp int `json:"current_exp"`
	ExpToNext  int `json:"exp_to_next"`
}
