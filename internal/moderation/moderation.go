// Package moderation implements the visibility state machine for
// member-authored content. It is pure: functions take a record plus the
// acting member's identity and return the outcome, never touching storage.
package moderation

import (
	"errors"

	"github.com/classpad/classwork-engine/internal/models"
)

// Common errors
var (
	ErrPermissionDenied = errors.New("moderator role required")
	ErrAlreadyApproved  = errors.New("content is already approved")
	ErrNotPending       = errors.New("content is not pending moderation")
)

// RejectOutcome tells the caller what a rejection means for the record
type RejectOutcome string

const (
	// OutcomeDelete: the rejected record was a first-time creation and
	// must be removed entirely.
	OutcomeDelete RejectOutcome = "delete"
	// OutcomeRevert: the rejected record was an edit of previously
	// approved content and must be restored to its pre-edit state.
	OutcomeRevert RejectOutcome = "revert"
)

// InitialState returns the visibility a newly created record starts in.
// Moderator-authored content skips the approval queue.
func InitialState(role models.Role) models.VisibilityState {
	if role.IsModerator() {
		return models.VisibilityApproved
	}
	return models.VisibilityPending
}

// Approve transitions a record to class-wide visibility. The pre-edit
// snapshot, if any, is dropped: the pending revision is now canonical.
func Approve(a *models.Assignment, actorRole models.Role) error {
	if !actorRole.IsModerator() {
		return ErrPermissionDenied
	}
	if a.Visibility == models.VisibilityApproved {
		return ErrAlreadyApproved
	}

	a.Visibility = models.VisibilityApproved
	a.PriorVersion = nil
	return nil
}

// Reject decides a pending record. First-time creations are deleted; edits
// of previously approved content revert to the stored pre-edit snapshot,
// which is returned as the record to keep.
func Reject(a *models.Assignment, actorRole models.Role) (RejectOutcome, *models.Assignment, error) {
	if !actorRole.IsModerator() {
		return "", nil, ErrPermissionDenied
	}
	if a.Visibility != models.VisibilityPending {
		return "", nil, ErrNotPending
	}

	if a.PriorVersion == nil {
		return OutcomeDelete, nil, nil
	}

	restored := a.PriorVersion.Clone()
	restored.CanonicalID = a.CanonicalID
	restored.StoreID = a.StoreID
	restored.Visibility = models.VisibilityApproved
	restored.PriorVersion = nil
	return OutcomeRevert, restored, nil
}

// Visible implements the read-path visibility rule: moderators see
// everything; everyone else sees approved records plus their own pending
// ones.
func Visible(a *models.Assignment, actorID string, actorRole models.Role) bool {
	if actorRole.IsModerator() {
		return true
	}
	if a.Visibility == models.VisibilityApproved {
		return true
	}
	return a.Visibility == models.VisibilityPending && a.CreatedBy == actorID
}

// FilterVisible returns the subset of list visible to the actor
func FilterVisible(list []*models.Assignment, actorID string, actorRole models.Role) []*models.Assignment {
	out := make([]*models.Assignment, 0, len(list))
	for _, a := range list {
		if Visible(a, actorID, actorRole) {
			out = append(out, a)
		}
	}
	return out
}
