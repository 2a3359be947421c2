// Package sync owns the canonical in-memory assignment view per active
// class and keeps it consistent between the device-local cache and the
// authoritative remote store, degrading to local-only operation when the
// remote store is unreachable.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/classpad/classwork-engine/internal/models"
	"github.com/classpad/classwork-engine/internal/moderation"
	"github.com/classpad/classwork-engine/internal/notify"
	"github.com/classpad/classwork-engine/internal/reward"
	"github.com/classpad/classwork-engine/internal/storage"
)

// Common errors
var (
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrPermissionDenied   = errors.New("not allowed to modify this assignment")
	ErrApprovalRequired   = errors.New("completion requires moderator approval")
	ErrSessionClosed      = errors.New("session is closed")
)

// Engine drives remote reads, writes and subscriptions, falls back to the
// local cache, and delegates moderation and reward decisions.
type Engine struct {
	remote     storage.RemoteStore
	cache      storage.LocalCache
	rewards    *reward.Engine
	dispatcher notify.Dispatcher

	mu       sync.Mutex
	sessions map[string]*Session

	generation atomic.Uint64

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// NewEngine creates a sync engine over the given collaborators
func NewEngine(remote storage.RemoteStore, cache storage.LocalCache, rewards *reward.Engine, dispatcher notify.Dispatcher) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		remote:     remote,
		cache:      cache,
		rewards:    rewards,
		dispatcher: dispatcher,
		sessions:   make(map[string]*Session),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

func sessionKey(classID, userID string) string {
	return classID + "/" + userID
}

// Session returns the active session for (class, member), creating one and
// starting its push subscription if needed.
func (e *Engine) Session(ctx context.Context, classID string, user models.User, role models.Role) (*Session, error) {
	key := sessionKey(classID, user.ID)

	e.mu.Lock()
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	// the policy is loaded before the session becomes visible, so no
	// caller can observe a session with a zero policy
	policy := e.classPolicy(ctx, classID)

	e.mu.Lock()
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, nil
	}
	s := newSession(classID, user, role, e.generation.Add(1))
	s.policy = policy
	e.sessions[key] = s
	e.mu.Unlock()

	subCtx, cancel := context.WithCancel(e.baseCtx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return s, nil
	}
	s.cancel = cancel
	s.mu.Unlock()
	go e.runSession(subCtx, s)

	return s, nil
}

// CloseSession tears down the session for (class, member), unsubscribing
// its push subscription. A later callback from the old subscription is
// discarded by the generation check.
func (e *Engine) CloseSession(classID, userID string) {
	key := sessionKey(classID, userID)

	e.mu.Lock()
	s, ok := e.sessions[key]
	if ok {
		delete(e.sessions, key)
	}
	e.mu.Unlock()

	if ok {
		s.close()
	}
}

// Close tears down every session
func (e *Engine) Close() {
	e.baseCancel()

	e.mu.Lock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// sessionCurrent reports whether s is still the active session for its key
func (e *Engine) sessionCurrent(s *Session) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, ok := e.sessions[sessionKey(s.ClassID, s.User.ID)]
	return ok && current.generation == s.generation
}

// classPolicy reads the class configuration; a zero policy applies when the
// class document cannot be fetched.
func (e *Engine) classPolicy(ctx context.Context, classID string) models.Class {
	doc, err := e.remote.Get(ctx, storage.ClassPath(classID))
	if err != nil {
		slog.Warn("failed to load class policy", "class", classID, "error", err)
		return models.Class{ID: classID}
	}
	c, err := storage.ClassFromDoc(doc)
	if err != nil {
		slog.Warn("failed to decode class policy", "class", classID, "error", err)
		return models.Class{ID: classID}
	}
	return *c
}

// runSession consumes the push subscription for the session's class
func (e *Engine) runSession(ctx context.Context, s *Session) {
	sub, err := e.remote.Subscribe(ctx, storage.AssignmentsCollection(s.ClassID), nil)
	if err != nil {
		slog.Warn("push subscription unavailable, local-only session", "class", s.ClassID, "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.mu.Unlock()

	for snap := range sub.Updates() {
		// a snapshot for a superseded session must be discarded
		if !e.sessionCurrent(s) {
			sub.Unsubscribe()
			return
		}
		e.applySnapshot(ctx, s, snap)
	}
}

// applySnapshot merges a remote snapshot into the canonical view.
// The merge is all-or-nothing: a decode failure leaves the view untouched.
func (e *Engine) applySnapshot(ctx context.Context, s *Session, snap storage.Snapshot) {
	remoteList, err := storage.AssignmentsFromDocs(snap.Docs)
	if err != nil {
		slog.Error("failed to decode snapshot, keeping current view", "class", s.ClassID, "error", err)
		return
	}
	visible := moderation.FilterVisible(remoteList, s.User.ID, s.Role)

	local, err := e.cache.Get(ctx, s.ClassID, s.User.ID)
	if err != nil {
		slog.Warn("failed to read local cache during snapshot merge", "class", s.ClassID, "error", err)
	}

	merged := MergeAssignments(local, visible)

	// the session owns merged once it becomes canonical; only a clone
	// taken under the lock may leave the critical section
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.setCanonical(merged, true)
	persist := cloneAssignments(merged)
	s.mu.Unlock()

	if err := e.cache.Put(ctx, s.ClassID, s.User.ID, persist); err != nil {
		slog.Warn("failed to persist merged snapshot", "class", s.ClassID, "error", err)
	}

	slog.Debug("snapshot applied", "class", s.ClassID, "assignments", len(merged))
}

// LoadAssignments returns the canonical list for the session's class.
// An in-memory view is served as-is; otherwise the local cache is read
// first and the remote store consulted, falling back to cache contents
// with synced=false when the remote store is unreachable.
func (e *Engine) LoadAssignments(ctx context.Context, s *Session) ([]*models.Assignment, bool, error) {
	s.mu.Lock()
	if s.loaded {
		v := s.view()
		s.mu.Unlock()
		return v.Assignments, v.Synced, nil
	}
	s.mu.Unlock()

	local, err := e.cache.Get(ctx, s.ClassID, s.User.ID)
	if err != nil {
		slog.Warn("failed to read local cache", "class", s.ClassID, "error", err)
	}

	docs, err := e.remote.Query(ctx, storage.AssignmentsCollection(s.ClassID), nil, nil, 0)
	if err != nil {
		slog.Warn("remote read failed, serving local cache", "class", s.ClassID, "error", err)

		fallback := make([]*models.Assignment, 0, len(local))
		for _, a := range local {
			fallback = append(fallback, normalizeLocal(a))
		}
		sortAssignments(fallback)

		s.mu.Lock()
		s.setCanonical(fallback, false)
		v := s.view()
		s.mu.Unlock()
		return v.Assignments, false, nil
	}

	remoteList, err := storage.AssignmentsFromDocs(docs)
	if err != nil {
		return nil, false, err
	}
	visible := moderation.FilterVisible(remoteList, s.User.ID, s.Role)

	merged := MergeAssignments(local, visible)

	s.mu.Lock()
	s.setCanonical(merged, true)
	persist := cloneAssignments(merged)
	v := s.view()
	s.mu.Unlock()

	if err := e.cache.Put(ctx, s.ClassID, s.User.ID, persist); err != nil {
		slog.Warn("failed to persist merged list", "class", s.ClassID, "error", err)
	}

	return v.Assignments, true, nil
}

// Refresh discards the in-memory view and reloads
func (e *Engine) Refresh(ctx context.Context, s *Session) ([]*models.Assignment, bool, error) {
	s.mu.Lock()
	s.loaded = false
	s.canonical = nil
	s.mu.Unlock()

	return e.LoadAssignments(ctx, s)
}

// Create adds a new assignment. The canonical id is assigned here so the
// record survives offline creation; the store id arrives with the first
// successful remote write.
func (e *Engine) Create(ctx context.Context, s *Session, draft models.AssignmentDraft) (*models.Assignment, bool, error) {
	now := time.Now().UTC()
	a := &models.Assignment{
		CanonicalID: uuid.New().String(),
		ClassID:     s.ClassID,
		Title:       draft.Title,
		Description: draft.Description,
		Category:    draft.Category,
		Deadline:    draft.Deadline,
		GroupMode:   draft.GroupMode,
		Groups:      draft.Groups,
		Visibility:  moderation.InitialState(s.Role),
		CreatedBy:   s.User.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      models.StatusUnfinished,
	}
	if a.GroupMode == "" {
		a.GroupMode = models.ModeIndividual
	}

	synced := true
	fields, err := storage.AssignmentFields(a)
	if err != nil {
		return nil, false, err
	}

	doc, err := e.remote.Add(ctx, storage.AssignmentsCollection(s.ClassID), fields)
	if err != nil {
		slog.Warn("remote create failed, writing to local cache", "class", s.ClassID, "error", err)
		a.Dirty = true
		synced = false
	} else {
		a.StoreID = doc.ID()
	}

	if err := e.mutateLocal(ctx, s, func(list []*models.Assignment) []*models.Assignment {
		return append(list, a.Clone())
	}, synced); err != nil {
		return nil, false, err
	}

	e.notifyChange(ctx, s, "assignment.created", a.Title)
	return a, synced, nil
}

// Update patches an assignment. A non-moderator edit of approved content
// goes back through moderation: the patched record becomes pending and
// keeps the approved revision for a possible revert.
func (e *Engine) Update(ctx context.Context, s *Session, id string, patch models.AssignmentPatch) (*models.Assignment, bool, error) {
	s.mu.Lock()
	target := s.findAssignment(id)
	if target == nil || target.Deleted {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	if target.CreatedBy != s.User.ID && !s.Role.IsModerator() {
		s.mu.Unlock()
		return nil, false, ErrPermissionDenied
	}
	updated := target.Clone()
	s.mu.Unlock()

	if !s.Role.IsModerator() && updated.Visibility == models.VisibilityApproved {
		prior := updated.Clone()
		prior.PriorVersion = nil
		updated.PriorVersion = prior
		updated.Visibility = models.VisibilityPending
	}
	patch.Apply(updated)
	updated.UpdatedAt = time.Now().UTC()

	synced := e.writeRemote(ctx, s, updated)
	if err := e.replaceLocal(ctx, s, updated, synced); err != nil {
		return nil, false, err
	}

	e.notifyChange(ctx, s, "assignment.updated", updated.Title)
	return updated, synced, nil
}

// Delete removes an assignment. When the remote store is unreachable the
// record is tombstoned locally and removed remotely on replay.
func (e *Engine) Delete(ctx context.Context, s *Session, id string) (bool, error) {
	s.mu.Lock()
	target := s.findAssignment(id)
	if target == nil || target.Deleted {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	if target.CreatedBy != s.User.ID && !s.Role.IsModerator() {
		s.mu.Unlock()
		return false, ErrPermissionDenied
	}
	target = target.Clone()
	s.mu.Unlock()

	synced := true
	if target.HasStoreID() {
		if err := e.remote.Delete(ctx, storage.AssignmentPath(s.ClassID, target.StoreID)); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				slog.Warn("remote delete failed, tombstoning locally", "class", s.ClassID, "id", id, "error", err)
				synced = false
			}
		}
	}

	err := e.mutateLocal(ctx, s, func(list []*models.Assignment) []*models.Assignment {
		out := list[:0]
		for _, a := range list {
			if !a.MatchesID(target.CanonicalID) && !a.MatchesID(id) {
				out = append(out, a)
				continue
			}
			if !synced && a.HasStoreID() {
				tomb := a.Clone()
				tomb.Deleted = true
				tomb.Dirty = true
				out = append(out, tomb)
			}
			// offline-created records vanish outright
		}
		return out
	}, synced)
	if err != nil {
		return false, err
	}

	e.notifyChange(ctx, s, "assignment.deleted", target.Title)
	return synced, nil
}

// ToggleStatus flips the device-local completion status. The status never
// reaches the remote store. When the class gates completion behind
// moderator approval, finishing is refused with ErrApprovalRequired and
// the caller must submit evidence instead.
func (e *Engine) ToggleStatus(ctx context.Context, s *Session, id string, newStatus models.CompletionStatus) (*models.Assignment, error) {
	s.mu.Lock()
	target := s.findAssignment(id)
	if target == nil || target.Deleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	policy := s.policy
	target = target.Clone()
	s.mu.Unlock()

	if newStatus == models.StatusFinished && policy.RequiresApprovalForCompletion {
		return nil, ErrApprovalRequired
	}

	previous := target.Status
	target.Status = newStatus
	if err := e.setLocalStatus(ctx, s, target.CanonicalID, newStatus); err != nil {
		return nil, err
	}

	// reward is best-effort relative to the status change: the toggle
	// commits even when the grant cannot reach the remote store
	switch {
	case previous != models.StatusFinished && newStatus == models.StatusFinished:
		if _, err := e.rewards.Grant(ctx, s.User.ID, s.ClassID, target.CanonicalID, target.Category, models.GrantSourceDirect); err != nil {
			slog.Error("reward grant failed", "class", s.ClassID, "user", s.User.ID, "assignment", target.CanonicalID, "error", err)
		}
	case previous == models.StatusFinished && newStatus == models.StatusUnfinished:
		// a reward granted by a moderator approval survives the local
		// un-toggle; the approval record stays authoritative
		_, err := e.rewards.Revoke(ctx, s.User.ID, s.ClassID, target.CanonicalID)
		if err != nil && !errors.Is(err, reward.ErrNeverGranted) && !errors.Is(err, reward.ErrApprovalGranted) {
			slog.Error("reward revoke failed", "class", s.ClassID, "user", s.User.ID, "assignment", target.CanonicalID, "error", err)
		}
	}

	return target, nil
}

// ApproveContent makes a pending assignment visible class-wide
func (e *Engine) ApproveContent(ctx context.Context, s *Session, id string) (*models.Assignment, bool, error) {
	s.mu.Lock()
	target := s.findAssignment(id)
	if target == nil || target.Deleted {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	target = target.Clone()
	s.mu.Unlock()

	if err := moderation.Approve(target, s.Role); err != nil {
		return nil, false, err
	}
	target.UpdatedAt = time.Now().UTC()

	synced := e.writeRemote(ctx, s, target)
	if err := e.replaceLocal(ctx, s, target, synced); err != nil {
		return nil, false, err
	}

	e.notifyChange(ctx, s, "assignment.approved", target.Title)
	return target, synced, nil
}

// RejectContent rejects a pending assignment: a first-time creation is
// deleted, an edit of approved content reverts to the pre-edit revision.
func (e *Engine) RejectContent(ctx context.Context, s *Session, id string) (*models.Assignment, bool, error) {
	s.mu.Lock()
	target := s.findAssignment(id)
	if target == nil || target.Deleted {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrAssignmentNotFound, id)
	}
	target = target.Clone()
	s.mu.Unlock()

	outcome, restored, err := moderation.Reject(target, s.Role)
	if err != nil {
		return nil, false, err
	}

	if outcome == moderation.OutcomeDelete {
		synced, err := e.Delete(ctx, s, target.CanonicalID)
		if err != nil {
			return nil, false, err
		}
		e.notifyChange(ctx, s, "assignment.rejected", target.Title)
		return nil, synced, nil
	}

	restored.UpdatedAt = time.Now().UTC()
	synced := e.writeRemote(ctx, s, restored)
	if err := e.replaceLocal(ctx, s, restored, synced); err != nil {
		return nil, false, err
	}

	e.notifyChange(ctx, s, "assignment.rejected", restored.Title)
	return restored, synced, nil
}

// SetLocalStatus records a completion status outside a live session, used
// by the approval workflow when a moderator's decision finishes another
// member's assignment.
func (e *Engine) SetLocalStatus(ctx context.Context, classID, userID, assignmentID string, status models.CompletionStatus) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionKey(classID, userID)]
	e.mu.Unlock()

	if ok {
		return e.setLocalStatus(ctx, s, assignmentID, status)
	}

	// no live session: mutate the member's cache entry directly
	list, err := e.cache.Get(ctx, classID, userID)
	if err != nil {
		return fmt.Errorf("failed to read local cache: %w", err)
	}
	found := false
	for _, a := range list {
		if a.MatchesID(assignmentID) {
			a.Status = status
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	return e.cache.Put(ctx, classID, userID, list)
}

// setLocalStatus updates the status in both the canonical view and the cache
func (e *Engine) setLocalStatus(ctx context.Context, s *Session, assignmentID string, status models.CompletionStatus) error {
	s.mu.Lock()
	target := s.findAssignment(assignmentID)
	if target == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, assignmentID)
	}
	target.Status = status
	s.publish(s.view())
	s.mu.Unlock()

	return e.persistCanonical(ctx, s)
}

// replaceLocal swaps one assignment in the canonical view and cache
func (e *Engine) replaceLocal(ctx context.Context, s *Session, updated *models.Assignment, synced bool) error {
	return e.mutateLocal(ctx, s, func(list []*models.Assignment) []*models.Assignment {
		replaced := false
		for i, a := range list {
			if a.MatchesID(updated.CanonicalID) || (updated.StoreID != "" && a.MatchesID(updated.StoreID)) {
				keep := updated.Clone()
				keep.Status = a.Status
				keep.Dirty = !synced
				list[i] = keep
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, updated.Clone())
		}
		return list
	}, synced)
}

// mutateLocal applies a mutation to the cached list, refreshes the
// canonical view and persists the result. The mutation is applied to a
// copy: a cache write failure never leaves a half-merged view.
func (e *Engine) mutateLocal(ctx context.Context, s *Session, mutate func([]*models.Assignment) []*models.Assignment, synced bool) error {
	list, err := e.cache.Get(ctx, s.ClassID, s.User.ID)
	if err != nil {
		return fmt.Errorf("failed to read local cache: %w", err)
	}

	list = mutate(list)
	sortAssignments(list)

	if err := e.cache.Put(ctx, s.ClassID, s.User.ID, list); err != nil {
		return fmt.Errorf("failed to write local cache: %w", err)
	}

	s.mu.Lock()
	if !s.closed {
		// one unsynced intent marks the whole view unsynced until refresh
		s.setCanonical(list, synced && (s.synced || !s.loaded))
	}
	s.mu.Unlock()
	return nil
}

// persistCanonical writes the current canonical view back to the cache
func (e *Engine) persistCanonical(ctx context.Context, s *Session) error {
	s.mu.Lock()
	list := cloneAssignments(s.canonical)
	s.mu.Unlock()

	if err := e.cache.Put(ctx, s.ClassID, s.User.ID, list); err != nil {
		return fmt.Errorf("failed to write local cache: %w", err)
	}
	return nil
}

// writeRemote attempts a full-document remote write, reporting success.
// A record without a store id cannot be written and stays local until the
// replay worker creates it remotely.
func (e *Engine) writeRemote(ctx context.Context, s *Session, a *models.Assignment) bool {
	if !a.HasStoreID() {
		return false
	}

	fields, err := storage.AssignmentFields(a)
	if err != nil {
		slog.Error("failed to encode assignment", "class", s.ClassID, "id", a.CanonicalID, "error", err)
		return false
	}
	if err := e.remote.Write(ctx, storage.AssignmentPath(s.ClassID, a.StoreID), fields, false); err != nil {
		slog.Warn("remote write failed, keeping local copy", "class", s.ClassID, "id", a.CanonicalID, "error", err)
		return false
	}
	return true
}

// notifyChange enqueues a fire-and-forget change notification
func (e *Engine) notifyChange(ctx context.Context, s *Session, event, title string) {
	if e.dispatcher == nil {
		return
	}
	e.dispatcher.Enqueue(ctx, "classes/"+s.ClassID, event, title, map[string]string{
		"class_id": s.ClassID,
		"actor_id": s.User.ID,
	})
}
