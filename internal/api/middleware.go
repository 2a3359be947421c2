package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/classpad/classwork-engine/internal/models"
	"github.com/classpad/classwork-engine/internal/storage"
)

// AuthMiddleware handles bearer token authentication and class membership
// resolution against the remote store.
type AuthMiddleware struct {
	store storage.RemoteStore
}

// NewAuthMiddleware creates new auth middleware
func NewAuthMiddleware(store storage.RemoteStore) *AuthMiddleware {
	return &AuthMiddleware{store: store}
}

// Authenticate verifies the bearer token from the Authorization header and
// resolves it to a user. Websocket clients can pass the token as a "token"
// query parameter instead.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing token", "provide Authorization header with Bearer token")
			return
		}

		doc, err := m.store.Get(r.Context(), storage.TokenPath(token))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				slog.Warn("invalid token attempt", "token_prefix", maskToken(token), "remote_addr", r.RemoteAddr)
				writeAuthError(w, http.StatusUnauthorized, "invalid token", "the provided token is not valid")
				return
			}
			slog.Error("failed to lookup token", "error", err, "token_prefix", maskToken(token))
			writeAuthError(w, http.StatusServiceUnavailable, "authentication error", "token store unavailable")
			return
		}

		user := userFromTokenDoc(doc)
		if user == nil {
			slog.Error("malformed token document", "path", doc.Path)
			writeAuthError(w, http.StatusUnauthorized, "invalid token", "the provided token is not valid")
			return
		}

		slog.Debug("authenticated request", "user", user.ID, "token_prefix", maskToken(token))

		ctx := ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireMembership resolves the caller's membership in the class named by
// the {classID} route parameter. Non-members get 403.
func (m *AuthMiddleware) RequireMembership(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := UserFromContext(r.Context())
		if user == nil {
			writeAuthError(w, http.StatusUnauthorized, "not authenticated", "authentication required")
			return
		}

		classID := chi.URLParam(r, "classID")
		if classID == "" {
			writeAuthError(w, http.StatusBadRequest, "invalid request", "class id required")
			return
		}

		doc, err := m.store.Get(r.Context(), storage.MemberPath(classID, user.ID))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				slog.Warn("non-member access attempt", "user", user.ID, "class", classID)
				writeAuthError(w, http.StatusForbidden, "not a member", "you are not a member of this class")
				return
			}
			slog.Error("failed to lookup membership", "error", err, "user", user.ID, "class", classID)
			writeAuthError(w, http.StatusServiceUnavailable, "authentication error", "membership store unavailable")
			return
		}

		membership, err := storage.MembershipFromDoc(doc)
		if err != nil {
			slog.Error("malformed membership document", "path", doc.Path, "error", err)
			writeAuthError(w, http.StatusForbidden, "not a member", "you are not a member of this class")
			return
		}
		if !membership.Role.Valid() {
			membership.Role = models.RoleStudent
		}

		ctx := ContextWithMembership(r.Context(), membership)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireModerator rejects callers whose class role carries no moderation
// privilege.
func (m *AuthMiddleware) RequireModerator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		membership := MembershipFromContext(r.Context())
		if membership == nil {
			writeAuthError(w, http.StatusUnauthorized, "not authenticated", "authentication required")
			return
		}

		if !membership.Role.IsModerator() {
			slog.Warn("moderator action denied", "user", membership.UserID, "class", membership.ClassID, "role", membership.Role)
			writeAuthError(w, http.StatusForbidden, "permission denied", "teacher or admin role required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken extracts the bearer token from request headers, falling back
// to the "token" query parameter for websocket upgrades.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimPrefix(authHeader, "Bearer ")
		}
		return authHeader
	}

	return r.URL.Query().Get("token")
}

// userFromTokenDoc decodes a tokens/{token} document into a user
func userFromTokenDoc(doc storage.Document) *models.User {
	id, _ := doc.Fields["user_id"].(string)
	if id == "" {
		return nil
	}
	name, _ := doc.Fields["display_name"].(string)
	return &models.User{ID: id, DisplayName: name}
}

// maskToken returns first 8 chars of the token for safe logging
func maskToken(token string) string {
	if len(token) < 8 {
		return "***"
	}
	return token[:8] + "..."
}

// AuthError represents an authentication error response
type AuthError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeAuthError writes JSON error response
func writeAuthError(w http.ResponseWriter, status int, error, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(AuthError{
		Error:   error,
		Message: message,
	})
}
