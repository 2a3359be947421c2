// Package approval implements the evidence-based completion workflow:
// a member submits evidence, a moderator approves or rejects it, and an
// approval triggers the reward grant for that (member, assignment) pair.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classpad/classwork-engine/internal/models"
	"github.com/classpad/classwork-engine/internal/notify"
	"github.com/classpad/classwork-engine/internal/reward"
	"github.com/classpad/classwork-engine/internal/storage"
)

// Common errors
var (
	ErrDuplicatePending   = errors.New("a pending submission already exists for this assignment")
	ErrApprovalNotFound   = errors.New("completion approval not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrPermissionDenied   = errors.New("moderator role required")
	ErrAlreadyDecided     = errors.New("completion approval already decided")
)

// StatusSetter records the device-local completion status after a decision.
// Implemented by the sync engine.
type StatusSetter interface {
	SetLocalStatus(ctx context.Context, classID, userID, assignmentID string, status models.CompletionStatus) error
}

// Workflow drives completion approvals against the remote store
type Workflow struct {
	store      storage.RemoteStore
	rewards    *reward.Engine
	statuses   StatusSetter
	dispatcher notify.Dispatcher

	// serializes the duplicate-pending check against record creation
	submitMu sync.Mutex
}

// NewWorkflow creates a completion-approval workflow
func NewWorkflow(store storage.RemoteStore, rewards *reward.Engine, statuses StatusSetter, dispatcher notify.Dispatcher) *Workflow {
	return &Workflow{
		store:      store,
		rewards:    rewards,
		statuses:   statuses,
		dispatcher: dispatcher,
	}
}

// SubmitEvidence creates a pending approval record for an existing
// assignment; evidence against an unknown assignment fails with
// ErrAssignmentNotFound. The record stores the canonical assignment id
// regardless of which identifier the caller passed, so every later lookup
// and the reward ledger agree on one key. At most one pending record may
// exist per (member, assignment); a duplicate submission fails with
// ErrDuplicatePending and creates nothing.
func (w *Workflow) SubmitEvidence(ctx context.Context, classID string, user models.User, assignmentID, evidenceRef string) (*models.CompletionApproval, error) {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	assignment, err := w.resolveAssignment(ctx, classID, assignmentID)
	if err != nil {
		return nil, err
	}
	canonicalID := canonicalKey(assignment)

	pending, err := w.store.Query(ctx, storage.ApprovalsCollection(classID), []storage.Filter{
		{Field: "user_id", Value: user.ID},
		{Field: "assignment_id", Value: canonicalID},
		{Field: "state", Value: string(models.ApprovalPending)},
	}, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to check pending submissions: %w", err)
	}
	if len(pending) > 0 {
		return nil, ErrDuplicatePending
	}

	ca := &models.CompletionApproval{
		ID:           uuid.New().String(),
		ClassID:      classID,
		AssignmentID: canonicalID,
		UserID:       user.ID,
		EvidenceRef:  evidenceRef,
		State:        models.ApprovalPending,
		SubmittedAt:  time.Now().UTC(),
	}

	fields, err := storage.ApprovalFields(ca)
	if err != nil {
		return nil, err
	}
	if err := w.store.Write(ctx, storage.ApprovalPath(classID, ca.ID), fields, false); err != nil {
		return nil, fmt.Errorf("failed to create approval record: %w", err)
	}

	slog.Info("evidence submitted", "class", classID, "user", user.ID, "assignment", canonicalID)
	w.notify(ctx, classID, "approval.submitted", canonicalID, user.ID)
	return ca, nil
}

// Approve commits a moderator's positive decision: the record becomes
// approved, the member's local status flips to finished, and the reward is
// granted exactly once. Reward failure is logged, never rolled back into
// the decision; the approval stands.
func (w *Workflow) Approve(ctx context.Context, classID, approvalID string, actor models.User, actorRole models.Role) (*models.CompletionApproval, error) {
	if !actorRole.IsModerator() {
		return nil, ErrPermissionDenied
	}

	ca, err := w.get(ctx, classID, approvalID)
	if err != nil {
		return nil, err
	}
	if ca.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, approvalID)
	}

	now := time.Now().UTC()
	ca.State = models.ApprovalApproved
	ca.DecidedAt = &now
	ca.DecidedBy = actor.ID

	fields, err := storage.ApprovalFields(ca)
	if err != nil {
		return nil, err
	}
	if err := w.store.Write(ctx, storage.ApprovalPath(classID, ca.ID), fields, false); err != nil {
		return nil, fmt.Errorf("failed to save decision: %w", err)
	}

	// re-resolve at decision time: older records may still carry a store
	// id, and the ledger is keyed by the canonical id only
	grantID := ca.AssignmentID
	category := ""
	if assignment, err := w.resolveAssignment(ctx, classID, ca.AssignmentID); err == nil {
		grantID = canonicalKey(assignment)
		category = assignment.Category
	} else {
		slog.Warn("assignment gone at decision time, using recorded id", "class", classID, "assignment", ca.AssignmentID, "error", err)
	}

	if err := w.statuses.SetLocalStatus(ctx, classID, ca.UserID, grantID, models.StatusFinished); err != nil {
		slog.Warn("failed to set local completion status", "class", classID, "user", ca.UserID, "assignment", grantID, "error", err)
	}

	// the grant is guarded by the completion ledger: approving the same
	// assignment twice for one member changes nothing
	if _, err := w.rewards.Grant(ctx, ca.UserID, classID, grantID, category, models.GrantSourceApproval); err != nil {
		slog.Error("reward grant failed after approval", "class", classID, "user", ca.UserID, "assignment", grantID, "error", err)
	}

	slog.Info("completion approved", "class", classID, "approval", approvalID, "by", actor.ID)
	w.notify(ctx, classID, "approval.approved", ca.AssignmentID, ca.UserID)
	return ca, nil
}

// Reject commits a negative decision. Status and rewards are untouched and
// the member may submit fresh evidence afterwards.
func (w *Workflow) Reject(ctx context.Context, classID, approvalID string, actor models.User, actorRole models.Role, reason string) (*models.CompletionApproval, error) {
	if !actorRole.IsModerator() {
		return nil, ErrPermissionDenied
	}

	ca, err := w.get(ctx, classID, approvalID)
	if err != nil {
		return nil, err
	}
	if ca.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyDecided, approvalID)
	}

	now := time.Now().UTC()
	ca.State = models.ApprovalRejected
	ca.DecidedAt = &now
	ca.DecidedBy = actor.ID
	ca.RejectionReason = reason

	fields, err := storage.ApprovalFields(ca)
	if err != nil {
		return nil, err
	}
	if err := w.store.Write(ctx, storage.ApprovalPath(classID, ca.ID), fields, false); err != nil {
		return nil, fmt.Errorf("failed to save decision: %w", err)
	}

	slog.Info("completion rejected", "class", classID, "approval", approvalID, "by", actor.ID, "reason", reason)
	w.notify(ctx, classID, "approval.rejected", ca.AssignmentID, ca.UserID)
	return ca, nil
}

// ListPending returns undecided approvals for moderator review, oldest first
func (w *Workflow) ListPending(ctx context.Context, classID string, actorRole models.Role) ([]*models.CompletionApproval, error) {
	if !actorRole.IsModerator() {
		return nil, ErrPermissionDenied
	}

	docs, err := w.store.Query(ctx, storage.ApprovalsCollection(classID), []storage.Filter{
		{Field: "state", Value: string(models.ApprovalPending)},
	}, &storage.OrderBy{Field: "submitted_at", Ascending: true}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}

	return decodeApprovals(docs)
}

// ListForAssignment returns every approval record of one assignment
func (w *Workflow) ListForAssignment(ctx context.Context, classID, assignmentID string) ([]*models.CompletionApproval, error) {
	docs, err := w.store.Query(ctx, storage.ApprovalsCollection(classID), []storage.Filter{
		{Field: "assignment_id", Value: assignmentID},
	}, &storage.OrderBy{Field: "submitted_at", Ascending: true}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}

	return decodeApprovals(docs)
}

func (w *Workflow) get(ctx context.Context, classID, approvalID string) (*models.CompletionApproval, error) {
	doc, err := w.store.Get(ctx, storage.ApprovalPath(classID, approvalID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrApprovalNotFound, approvalID)
		}
		return nil, err
	}
	return storage.ApprovalFromDoc(doc)
}

// resolveAssignment resolves either identifier against the remote store:
// store id first, canonical id as the fallback query.
func (w *Workflow) resolveAssignment(ctx context.Context, classID, assignmentID string) (*models.Assignment, error) {
	doc, err := w.store.Get(ctx, storage.AssignmentPath(classID, assignmentID))
	if err == nil {
		if a, err := storage.AssignmentFromDoc(doc); err == nil {
			return a, nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to resolve assignment: %w", err)
	}

	docs, err := w.store.Query(ctx, storage.AssignmentsCollection(classID), []storage.Filter{
		{Field: "canonical_id", Value: assignmentID},
	}, nil, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assignment: %w", err)
	}
	if len(docs) > 0 {
		if a, err := storage.AssignmentFromDoc(docs[0]); err == nil {
			return a, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
}

// canonicalKey prefers the canonical id, falling back to the store id for
// records written before the canonical id existed
func canonicalKey(a *models.Assignment) string {
	if a.CanonicalID != "" {
		return a.CanonicalID
	}
	return a.StoreID
}

func (w *Workflow) notify(ctx context.Context, classID, event, assignmentID, userID string) {
	if w.dispatcher == nil {
		return
	}
	w.dispatcher.Enqueue(ctx, "classes/"+classID, event, "", map[string]string{
		"class_id":      classID,
		"assignment_id": assignmentID,
		"user_id":       userID,
	})
}

func decodeApprovals(docs []storage.Document) ([]*models.CompletionApproval, error) {
	out := make([]*models.CompletionApproval, 0, len(docs))
	for _, doc := range docs {
		ca, err := storage.ApprovalFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ca)
	}
	return out, nil
}
