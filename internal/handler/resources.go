package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/avaldes/ohmtutor/internal/i18n"
	"github.com/avaldes/ohmtutor/internal/model"
	"github.com/avaldes/ohmtutor/internal/store"
)

func (h *Handler) handleListExercises(w http.ResponseWriter, r *http.Request) {
	exercises, err := h.store.ListExercises()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if exercises == nil {
		exercises = []model.Exercise{}
	}
	writeJSON(w, http.StatusOK, exercises)
}

func (h *Handler) handleGetExercise(w http.ResponseWriter, r *http.Request) {
	ex, err := h.store.GetExercise(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if ex == nil {
		writeError(w, r, http.StatusNotFound, "ErrExerciseNotFound")
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (h *Handler) handleCreateExercise(w http.ResponseWriter, r *http.Request) {
	var ex model.Exercise
	if err := decodeJSON(r, &ex); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	id, err := h.store.CreateExercise(ex)
	if err != nil {
		if errors.Is(err, store.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) handleUpdateExercise(w http.ResponseWriter, r *http.Request) {
	var ex model.Exercise
	if err := decodeJSON(r, &ex); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	ex.ID = chi.URLParam(r, "id")
	if err := h.store.UpdateExercise(ex); err != nil {
		status, msgID := errorStatus(err)
		writeError(w, r, status, msgID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": ex.ID})
}

func (h *Handler) handleDeleteExercise(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteExercise(chi.URLParam(r, "id")); err != nil {
		status, msgID := errorStatus(err)
		writeError(w, r, status, msgID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mayAccessUser reports whether the session user may read records belonging
// to userID.
func mayAccessUser(r *http.Request, userID string) bool {
	user := model.UserFromContext(r.Context())
	if user == nil {
		return false
	}
	return user.ID == userID || user.Role == model.UserRoleAdmin
}

func (h *Handler) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !mayAccessUser(r, userID) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	interactions, err := h.store.ListInteractionsByUser(userID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if interactions == nil {
		interactions = []model.Interaction{}
	}
	writeJSON(w, http.StatusOK, interactions)
}

// handleLastInteraction returns the most recent interaction for one
// user-exercise pair, or a JSON null when there is none, so the frontend
// can decide between resuming and starting fresh.
func (h *Handler) handleLastInteraction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !mayAccessUser(r, userID) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	in, err := h.store.LatestInteraction(userID, chi.URLParam(r, "exerciseId"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	in, err := h.store.GetInteraction(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if in == nil {
		writeError(w, r, http.StatusNotFound, "ErrInteractionNotFound")
		return
	}
	if !mayAccessUser(r, in.UserID) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (h *Handler) handleDeleteInteraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, err := h.store.GetInteraction(id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if in == nil {
		writeError(w, r, http.StatusNotFound, "ErrInteractionNotFound")
		return
	}
	if !mayAccessUser(r, in.UserID) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	if err := h.store.DeleteInteraction(id); err != nil {
		status, msgID := errorStatus(err)
		writeError(w, r, status, msgID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": appI18n.T(r.Context(), "InteractionDeleted")})
}

// handleFinalizeResult closes out a finished interaction: it records the
// objective metrics and asks the classifier for a best-effort misconception
// annotation. A classifier failure never blocks saving the result.
func (h *Handler) handleFinalizeResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID         string `json:"userId"`
		ExerciseID     string `json:"exerciseId"`
		InteractionID  string `json:"interactionId"`
		SolvedFirstTry bool   `json:"solvedFirstTry"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	if req.UserID == "" || req.ExerciseID == "" || req.InteractionID == "" {
		writeError(w, r, http.StatusBadRequest, "ErrMissingFields")
		return
	}
	if !mayAccessUser(r, req.UserID) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}

	in, err := h.store.GetInteraction(req.InteractionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if in == nil {
		writeError(w, r, http.StatusNotFound, "ErrInteractionNotFound")
		return
	}

	result := model.Result{
		UserID:         req.UserID,
		ExerciseID:     req.ExerciseID,
		InteractionID:  req.InteractionID,
		SolvedFirstTry: req.SolvedFirstTry,
		TurnCount:      len(in.Turns),
	}

	if h.classifier != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancel()
		report, err := h.classifier.Classify(ctx, in.Turns)
		if err != nil {
			slog.Warn("classifier unavailable", "interaction", in.ID, "error", err)
		} else {
			result.Analysis = report.Analysis
			result.Advice = report.Advice
			result.ACs = report.ACs
		}
	}

	id, err := h.store.SaveResult(result)
	if err != nil {
		status, msgID := errorStatus(err)
		writeError(w, r, status, msgID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        id,
		"turnCount": result.TurnCount,
		"acs":       result.ACs,
		"message":   appI18n.T(r.Context(), "ResultSaved"),
	})
}

func (h *Handler) handleCompletedExercises(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !mayAccessUser(r, userID) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	ids, err := h.store.CompletedExerciseIDs(userID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"exerciseIds": ids,
		"message":     appI18n.Tp(r.Context(), "ExercisesCompleted", len(ids)),
	})
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !mayAccessUser(r, userID) {
		writeError(w, r, http.StatusForbidden, "ErrForbidden")
		return
	}
	progress, err := h.store.GetProgress(userID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
