package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/classpad/classwork-engine/internal/approval"
	"github.com/classpad/classwork-engine/internal/models"
	"github.com/classpad/classwork-engine/internal/moderation"
	"github.com/classpad/classwork-engine/internal/storage"
	syncengine "github.com/classpad/classwork-engine/internal/sync"
)

// Response helpers

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// respondDomainError maps domain sentinels onto HTTP statuses
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncengine.ErrAssignmentNotFound),
		errors.Is(err, approval.ErrApprovalNotFound),
		errors.Is(err, approval.ErrAssignmentNotFound),
		errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncengine.ErrPermissionDenied),
		errors.Is(err, approval.ErrPermissionDenied),
		errors.Is(err, moderation.ErrPermissionDenied),
		errors.Is(err, storage.ErrPermissionDenied):
		respondError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, syncengine.ErrApprovalRequired):
		respondError(w, http.StatusConflict, "approval_required", err.Error())
	case errors.Is(err, approval.ErrDuplicatePending):
		respondError(w, http.StatusConflict, "duplicate_pending", err.Error())
	case errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, moderation.ErrAlreadyApproved),
		errors.Is(err, moderation.ErrNotPending):
		respondError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, syncengine.ErrSessionClosed):
		respondError(w, http.StatusServiceUnavailable, "session_closed", err.Error())
	case storage.IsUnavailable(err):
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "remote store unavailable")
	default:
		slog.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.remote.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// session resolves the caller's sync session for the routed class
func (s *Server) session(r *http.Request) (*syncengine.Session, error) {
	m := MembershipFromContext(r.Context())
	user := UserFromContext(r.Context())
	return s.engine.Session(r.Context(), m.ClassID, models.User{ID: user.ID, DisplayName: user.DisplayName}, m.Role)
}

// Assignment view payloads

type assignmentView struct {
	Assignment *models.Assignment `json:"assignment"`
	Synced     bool               `json:"synced"`
}

type assignmentListView struct {
	Assignments []*models.Assignment `json:"assignments"`
	Synced      bool                 `json:"synced"`
}

// Class handlers

func (s *Server) handleGetClass(w http.ResponseWriter, r *http.Request) {
	classID := chi.URLParam(r, "classID")

	doc, err := s.remote.Get(r.Context(), storage.ClassPath(classID))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	class, err := storage.ClassFromDoc(doc)
	if err != nil {
		slog.Error("malformed class document", "class", classID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "malformed class record")
		return
	}

	respondJSON(w, http.StatusOK, class)
}

// Assignment handlers

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	assignments, synced, err := s.engine.LoadAssignments(r.Context(), sess)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, assignmentListView{Assignments: assignments, Synced: synced})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	assignments, synced, err := s.engine.Refresh(r.Context(), sess)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, assignmentListView{Assignments: assignments, Synced: synced})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	assignments, synced, err := s.engine.LoadAssignments(r.Context(), sess)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	for _, a := range assignments {
		if a.MatchesID(id) {
			respondJSON(w, http.StatusOK, assignmentView{Assignment: a, Synced: synced})
			return
		}
	}

	respondError(w, http.StatusNotFound, "not_found", "assignment not found")
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var draft models.AssignmentDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if draft.Title == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "title is required")
		return
	}
	if draft.Category == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "category is required")
		return
	}

	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	created, synced, err := s.engine.Create(r.Context(), sess, draft)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, assignmentView{Assignment: created, Synced: synced})
}

func (s *Server) handleUpdateAssignment(w http.ResponseWriter, r *http.Request) {
	var patch models.AssignmentPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	updated, synced, err := s.engine.Update(r.Context(), sess, chi.URLParam(r, "id"), patch)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, assignmentView{Assignment: updated, Synced: synced})
}

func (s *Server) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	synced, err := s.engine.Delete(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true, "synced": synced})
}

type toggleStatusRequest struct {
	Status models.CompletionStatus `json:"status"`
}

func (s *Server) handleToggleStatus(w http.ResponseWriter, r *http.Request) {
	var req toggleStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.Status != models.StatusFinished && req.Status != models.StatusUnfinished {
		respondError(w, http.StatusBadRequest, "validation_error", "status must be finished or unfinished")
		return
	}

	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	updated, err := s.engine.ToggleStatus(r.Context(), sess, chi.URLParam(r, "id"), req.Status)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, assignmentView{Assignment: updated, Synced: true})
}

func (s *Server) handleApproveAssignment(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	updated, synced, err := s.engine.ApproveContent(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, assignmentView{Assignment: updated, Synced: synced})
}

func (s *Server) handleRejectAssignment(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	updated, synced, err := s.engine.RejectContent(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	// A rejected first-time creation is deleted outright
	if updated == nil {
		respondJSON(w, http.StatusOK, map[string]bool{"deleted": true, "synced": synced})
		return
	}

	respondJSON(w, http.StatusOK, assignmentView{Assignment: updated, Synced: synced})
}

// Completion approval handlers

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitEvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	if req.AssignmentID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "assignment_id is required")
		return
	}

	m := MembershipFromContext(r.Context())
	user := UserFromContext(r.Context())

	submitted, err := s.workflow.SubmitEvidence(r.Context(), m.ClassID, *user, req.AssignmentID, req.EvidenceRef)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, submitted)
}

func (s *Server) handleListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	m := MembershipFromContext(r.Context())

	pending, err := s.workflow.ListPending(r.Context(), m.ClassID, m.Role)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, pending)
}

func (s *Server) handleListAssignmentApprovals(w http.ResponseWriter, r *http.Request) {
	m := MembershipFromContext(r.Context())

	approvals, err := s.workflow.ListForAssignment(r.Context(), m.ClassID, chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, approvals)
}

func (s *Server) handleApproveCompletion(w http.ResponseWriter, r *http.Request) {
	m := MembershipFromContext(r.Context())
	user := UserFromContext(r.Context())

	decided, err := s.workflow.Approve(r.Context(), m.ClassID, chi.URLParam(r, "approvalID"), *user, m.Role)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, decided)
}

func (s *Server) handleRejectCompletion(w http.ResponseWriter, r *http.Request) {
	var req models.RejectApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	m := MembershipFromContext(r.Context())
	user := UserFromContext(r.Context())

	decided, err := s.workflow.Reject(r.Context(), m.ClassID, chi.URLParam(r, "approvalID"), *user, m.Role, req.Reason)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, decided)
}

// Experience handlers

type experienceView struct {
	Experience *models.Experience   `json:"experience"`
	Level      models.LevelProgress `json:"level"`
}

func (s *Server) handleGetExperience(w http.ResponseWriter, r *http.Request) {
	m := MembershipFromContext(r.Context())

	// Moderators may inspect other members
	userID := m.UserID
	if requested := r.URL.Query().Get("user_id"); requested != "" && requested != m.UserID {
		if !m.Role.IsModerator() {
			respondError(w, http.StatusForbidden, "permission_denied", "teacher or admin role required")
			return
		}
		userID = requested
	}

	exp, level, err := s.rewards.Progress(r.Context(), m.ClassID, userID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, experienceView{Experience: exp, Level: level})
}
