package models

import (
	"time"
)

// VisibilityState represents the moderation state of an assignment
type VisibilityState string

const (
	VisibilityPending  VisibilityState = "pending"
	VisibilityApproved VisibilityState = "approved"
)

// IsApproved returns true if the assignment is visible class-wide
func (s VisibilityState) IsApproved() bool {
	return s == VisibilityApproved
}

// CompletionStatus is the device-local done/not-done flag.
// It is never written to the remote store.
type CompletionStatus string

const (
	StatusUnfinished CompletionStatus = "unfinished"
	StatusFinished   CompletionStatus = "finished"
)

// GroupMode selects whether an assignment is worked on individually or in groups
type GroupMode string

const (
	ModeIndividual GroupMode = "individual"
	ModeGroup      GroupMode = "group"
)

// Group represents a named subset of class members working together
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Assignment represents one piece of graded classwork.
//
// CanonicalID is assigned by the creating device and is stable across stores;
// StoreID is assigned by the remote store on first successful write. A record
// created offline has a CanonicalID but no StoreID until it is replayed.
type Assignment struct {
	CanonicalID string          `json:"canonical_id"`
	StoreID     string          `json:"store_id,omitempty"`
	ClassID     string          `json:"class_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category"`
	Deadline    time.Time       `json:"deadline"`
	GroupMode   GroupMode       `json:"group_mode"`
	Groups      []Group         `json:"groups,omitempty"`
	Visibility  VisibilityState `json:"visibility"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// Status is local-only: per (device, user, assignment). Excluded from
	// remote writes and never present in remote snapshots.
	Status CompletionStatus `json:"status,omitempty"`

	// Dirty marks a record whose latest local change has not been confirmed
	// by the remote store. The replay worker clears it.
	Dirty bool `json:"dirty,omitempty"`

	// Deleted is a local tombstone for a delete that could not reach the
	// remote store. Tombstoned records are hidden from the canonical view
	// and removed remotely on replay.
	Deleted bool `json:"deleted,omitempty"`

	// PriorVersion holds the last approved revision while an edit awaits
	// moderation. A rejected edit reverts to it.
	PriorVersion *Assignment `json:"prior_version,omitempty"`
}

// HasStoreID returns true once the remote store has assigned an identifier
func (a *Assignment) HasStoreID() bool {
	return a.StoreID != ""
}

// MatchesID reports whether id refers to this assignment by either key
func (a *Assignment) MatchesID(id string) bool {
	return id != "" && (a.CanonicalID == id || a.StoreID == id)
}

// Clone returns a deep copy of the assignment
func (a *Assignment) Clone() *Assignment {
	cp := *a
	if a.Groups != nil {
		cp.Groups = make([]Group, len(a.Groups))
		for i, g := range a.Groups {
			cp.Groups[i] = g
			cp.Groups[i].Members = append([]string(nil), g.Members...)
		}
	}
	if a.PriorVersion != nil {
		cp.PriorVersion = a.PriorVersion.Clone()
	}
	return &cp
}

// AssignmentDraft carries the caller-provided fields for a new assignment
type AssignmentDraft struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    string    `json:"category"`
	Deadline    time.Time `json:"deadline"`
	GroupMode   GroupMode `json:"group_mode,omitempty"`
	Groups      []Group   `json:"groups,omitempty"`
}

// AssignmentPatch carries partial updates; nil fields are left untouched
type AssignmentPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Category    *string    `json:"category,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	GroupMode   *GroupMode `json:"group_mode,omitempty"`
	Groups      []Group    `json:"groups,omitempty"`
}

// Apply copies the non-nil patch fields onto the assignment
func (p AssignmentPatch) Apply(a *Assignment) {
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Category != nil {
		a.Category = *p.Category
	}
	if p.Deadline != nil {
		a.Deadline = *p.Deadline
	}
	if p.GroupMode != nil {
		a.GroupMode = *p.GroupMode
	}
	if p.Groups != nil {
		a.Groups = p.Groups
	}
}
