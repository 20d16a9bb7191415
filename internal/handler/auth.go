package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/avaldes/ohmtutor/internal/i18n"
	"github.com/avaldes/ohmtutor/internal/model"
)

const sessionCookieName = "session"

// requireAuth is middleware that checks for a valid session cookie.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		authSess, err := h.store.GetAuthSession(cookie.Value)
		if err != nil {
			slog.Error("failed to get auth session", "error", err)
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}
		if authSess == nil {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		user, err := h.store.GetUserByID(authSess.UserID)
		if err != nil || user == nil || !user.Active {
			writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole returns middleware that checks the user has one of the allowed roles.
func requireRole(allowed ...model.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := model.UserFromContext(r.Context())
			if user == nil {
				writeError(w, r, http.StatusUnauthorized, "ErrUnauthorized")
				return
			}
			for _, role := range allowed {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, r, http.StatusForbidden, "ErrForbidden")
		})
	}
}

// handleDemoLogin mints a session for a demo student. Gated behind the
// demo-auth flag; production deployments authenticate through the
// institutional SSO instead.
func (h *Handler) handleDemoLogin(w http.ResponseWriter, r *http.Request) {
	if !h.config.DemoAuth {
		writeError(w, r, http.StatusForbidden, "ErrDemoDisabled")
		return
	}

	var req struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}
	req.Login = strings.TrimSpace(req.Login)
	if req.Login == "" {
		req.Login = "demo"
	}

	user, err := h.store.GetUserByLogin(req.Login)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if user == nil {
		id, err := h.store.CreateUser(model.User{
			Login:  req.Login,
			Name:   req.Name,
			Role:   model.UserRoleStudent,
			Active: true,
		})
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "ErrInternal")
			return
		}
		user, err = h.store.GetUserByID(id)
		if err != nil || user == nil {
			writeError(w, r, http.StatusInternalServerError, "ErrInternal")
			return
		}
	}

	h.startSession(w, r, user)
}

// handleLogin authenticates the locally seeded admin account.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "ErrInvalidBody")
		return
	}

	user, err := h.store.GetUserByLogin(req.Login)
	if err != nil {
		slog.Error("failed to get user", "error", err)
		writeError(w, r, http.StatusUnauthorized, "ErrLogin")
		return
	}
	if user == nil || !user.Active || user.PasswordHash == "" {
		writeError(w, r, http.StatusUnauthorized, "ErrLogin")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, r, http.StatusUnauthorized, "ErrLogin")
		return
	}

	h.startSession(w, r, user)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user *model.User) {
	token, err := h.store.CreateAuthSession(user.ID)
	if err != nil {
		slog.Error("failed to create auth session", "error", err)
		writeError(w, r, http.StatusInternalServerError, "ErrInternal")
		return
	}
	if err := h.store.TouchLastLogin(user.ID); err != nil {
		slog.Warn("failed to record login time", "user", user.ID, "error", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   h.config.SecureCookies,
	})

	name := user.Name
	if name == "" {
		name = user.Login
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    user,
		"message": appI18n.Td(r.Context(), "WelcomeUser", map[string]any{"Name": name}),
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.UserFromContext(r.Context()))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		_ = h.store.DeleteAuthSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.SecureCookies,
	})
	writeJSON(w, http.StatusOK, map[string]string{"message": appI18n.T(r.Context(), "SessionClosed")})
}
