package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/classpad/classwork-engine/internal/approval"
	"github.com/classpad/classwork-engine/internal/config"
	"github.com/classpad/classwork-engine/internal/reward"
	"github.com/classpad/classwork-engine/internal/storage"
	syncengine "github.com/classpad/classwork-engine/internal/sync"
)

// Server represents the HTTP API server
type Server struct {
	config         config.ServerConfig
	router         *chi.Mux
	engine         *syncengine.Engine
	workflow       *approval.Workflow
	rewards        *reward.Engine
	remote         storage.RemoteStore
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server
func NewServer(
	cfg config.ServerConfig,
	engine *syncengine.Engine,
	workflow *approval.Workflow,
	rewards *reward.Engine,
	remote storage.RemoteStore,
) *Server {
	s := &Server{
		config:         cfg,
		engine:         engine,
		workflow:       workflow,
		rewards:        rewards,
		remote:         remote,
		authMiddleware: NewAuthMiddleware(remote),
	}
	s.setupRouter()
	return s
}

// Router returns the configured router
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRouter configures all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check (outside versioned API - public)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	// API v1 routes (protected by authentication)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware.Authenticate)

		r.Route("/classes/{classID}", func(r chi.Router) {
			r.Use(s.authMiddleware.RequireMembership)

			r.Get("/", s.handleGetClass)
			r.Get("/experience", s.handleGetExperience)

			r.Route("/assignments", func(r chi.Router) {
				r.Get("/", s.handleListAssignments)
				r.Post("/", s.handleCreateAssignment)
				r.Post("/refresh", s.handleRefresh)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAssignment)
					r.Patch("/", s.handleUpdateAssignment)
					r.Delete("/", s.handleDeleteAssignment)
					r.Post("/status", s.handleToggleStatus)
					r.With(s.authMiddleware.RequireModerator).Post("/approve", s.handleApproveAssignment)
					r.With(s.authMiddleware.RequireModerator).Post("/reject", s.handleRejectAssignment)
				})
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Post("/", s.handleSubmitEvidence)
				r.With(s.authMiddleware.RequireModerator).Get("/pending", s.handleListPendingApprovals)
				r.Get("/assignment/{id}", s.handleListAssignmentApprovals)

				r.Route("/{approvalID}", func(r chi.Router) {
					r.With(s.authMiddleware.RequireModerator).Post("/approve", s.handleApproveCompletion)
					r.With(s.authMiddleware.RequireModerator).Post("/reject", s.handleRejectCompletion)
				})
			})
		})
	})

	// Websocket view stream (token via query parameter)
	r.Route("/ws/classes/{classID}", func(r chi.Router) {
		r.Use(s.authMiddleware.Authenticate)
		r.Use(s.authMiddleware.RequireMembership)
		r.Get("/assignments", s.handleAssignmentStream)
	})

	s.router = r
}

// loggingMiddleware logs HTTP requests using slog
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
