package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/reliefnet/fieldagent/internal/auth"
	"github.com/reliefnet/fieldagent/internal/middleware"
	"github.com/reliefnet/fieldagent/internal/session"
	"golang.org/x/crypto/bcrypt"
)

type SessionHandler struct {
	Session session.Session
	Signer  *auth.Signer
	// PINHash is a bcrypt hash. Empty means no PIN is required.
	PINHash []byte
	TTL     time.Duration
	Now     func() time.Time
}

type LoginRequest struct {
	PIN string `json:"pin"`
}

// Login exchanges the kiosk PIN for a signed session cookie.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && len(h.PINHash) > 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if len(h.PINHash) > 0 {
		if err := bcrypt.CompareHashAndPassword(h.PINHash, []byte(req.PIN)); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid PIN")
			return
		}
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	expires := now().Add(h.TTL)
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    h.Signer.SignSession(h.Session.Email, expires),
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"email":      h.Session.Email,
		"role":       h.Session.Role,
		"expires_at": expires.UTC(),
	})
}
