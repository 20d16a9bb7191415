// Package handler exposes the JSON and SSE HTTP surface consumed by the
// React frontend.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avaldes/ohmtutor/internal/chat"
	appI18n "github.com/avaldes/ohmtutor/internal/i18n"
	"github.com/avaldes/ohmtutor/internal/llm"
	"github.com/avaldes/ohmtutor/internal/model"
	"github.com/avaldes/ohmtutor/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store        *store.Store
	orchestrator *chat.Orchestrator
	classifier   *llm.Classifier
	config       model.AppConfig
}

// New creates a new Handler.
func New(s *store.Store, o *chat.Orchestrator, c *llm.Classifier, cfg model.AppConfig) *Handler {
	return &Handler{store: s, orchestrator: o, classifier: c, config: cfg}
}

// Routes registers all HTTP routes under /api plus the static file server.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/demo-login", h.handleDemoLogin)
			r.Post("/login", h.handleLogin)
			r.Post("/logout", h.handleLogout)
			r.With(h.requireAuth).Get("/me", h.handleMe)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Post("/chat/stream", h.handleChatStream)
			r.Post("/chat", h.handleChat)

			r.Get("/exercises", h.handleListExercises)
			r.Get("/exercises/{id}", h.handleGetExercise)
			r.With(requireRole(model.UserRoleAdmin)).Post("/exercises", h.handleCreateExercise)
			r.With(requireRole(model.UserRoleAdmin)).Put("/exercises/{id}", h.handleUpdateExercise)
			r.With(requireRole(model.UserRoleAdmin)).Delete("/exercises/{id}", h.handleDeleteExercise)

			r.Get("/interactions/user/{userId}", h.handleListInteractions)
			r.Get("/interactions/last/{exerciseId}/{userId}", h.handleLastInteraction)
			r.Get("/interactions/{id}", h.handleGetInteraction)
			r.Delete("/interactions/{id}", h.handleDeleteInteraction)

			r.Post("/results/finalize", h.handleFinalizeResult)
			r.Get("/results/completed/{userId}", h.handleCompletedExercises)

			r.Get("/progress/{userId}", h.handleProgress)

			r.With(requireRole(model.UserRoleAdmin)).Get("/users", h.handleListUsers)
			r.With(requireRole(model.UserRoleAdmin)).Post("/users", h.handleCreateUser)
			r.With(requireRole(model.UserRoleAdmin)).Post("/users/{id}/toggle-active", h.handleToggleUserActive)
		})
	})

	if h.config.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(h.config.StaticDir)))
		r.Get("/static/*", fs.ServeHTTP)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, map[string]string{"message": appI18n.T(r.Context(), msgID)})
}

// errorStatus maps domain errors to an HTTP status and an i18n message id:
// 400 validation, 404 missing, 504 upstream timeout, 503 unreachable, 502
// protocol, 500 otherwise.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrValidation), errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "ErrInvalidID"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "ErrExerciseNotFound"
	case errors.Is(err, llm.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "ErrUpstreamTimeout"
	case errors.Is(err, llm.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "ErrUpstreamUnavailable"
	case errors.Is(err, llm.ErrUpstreamProtocol):
		return http.StatusBadGateway, "ErrUpstreamProtocol"
	default:
		return http.StatusInternalServerError, "ErrInternal"
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
