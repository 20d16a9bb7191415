package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/avaldes/ohmtutor/internal/chat"
	appI18n "github.com/avaldes/ohmtutor/internal/i18n"
	"github.com/avaldes/ohmtutor/internal/model"
)

// resolveTurnUser fills in and checks the turn's user id against the
// session: students only ever chat as themselves.
func resolveTurnUser(r *http.Request, req *chat.TurnRequest) bool {
	user := model.UserFromContext(r.Context())
	if user == nil {
		return false
	}
	if req.UserID == "" {
		req.UserID = user.ID
	}
	return req.UserID == user.ID || user.Role == model.UserRoleAdmin
}

// handleChatStream runs one tutoring turn over SSE. Events: `interaction`
// with the id (sent before generation so the client can resume after a
// disconnect), `chunk` per text delta, then exactly one of `done` or
// `error`. Keep-alive comments flow every ping interval while waiting.
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chat.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	if !resolveTurnUser(r, &req) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}

	interval := h.config.PingInterval
	if interval <= 0 {
		interval = model.DefaultPingInterval
	}
	stop := make(chan struct{})
	go sse.heartbeat(interval, stop)
	defer close(stop)

	runErr := h.orchestrator.Run(r.Context(), req, &sseSink{sse: sse})
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			// Client went away; nobody is listening for an event.
			slog.Info("chat stream client disconnected", "user", req.UserID)
			return
		}
		status, msgID := errorStatus(runErr)
		slog.Error("chat stream failed", "user", req.UserID, "status", status, "error", runErr)
		_ = sse.event("error", map[string]any{
			"status":  status,
			"message": appI18n.T(r.Context(), msgID),
		})
		return
	}
	_ = sse.event("done", map[string]bool{"ok": true})
}

// handleChat runs one turn without streaming: 201 when a new interaction
// was created, 200 when resuming an existing one.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.TurnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	if !resolveTurnUser(r, &req) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}

	res, err := h.orchestrator.RunOnce(r.Context(), req)
	if err != nil {
		status, msgID := errorStatus(err)
		slog.Error("chat turn failed", "user", req.UserID, "error", err)
		writeError(w, r, status, msgID)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
