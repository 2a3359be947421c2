package models

import "time"

// Role represents a member's role within a class
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// IsModerator returns true for roles carrying moderation privilege
func (r Role) IsModerator() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Valid reports whether the role is one of the known values
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher || r == RoleAdmin
}

// Membership ties a user to a class with a role
type Membership struct {
	UserID      string    `json:"user_id"`
	ClassID     string    `json:"class_id"`
	Role        Role      `json:"role"`
	DisplayName string    `json:"display_name,omitempty"`
	APIToken    string    `json:"-"`
	JoinedAt    time.Time `json:"joined_at"`
}

// User identifies the authenticated caller
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Class holds per-class configuration consumed by the sync engine
type Class struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// RequiresApprovalForCompletion routes status toggles through the
	// completion-approval workflow instead of toggling directly.
	RequiresApprovalForCompletion bool `json:"requires_approval_for_completion"`

	CreatedAt time.Time `json:"created_at"`
}
