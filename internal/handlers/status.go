package handlers

import (
	"net/http"

	"github.com/reliefnet/fieldagent/internal/session"
	"github.com/reliefnet/fieldagent/internal/store"
)

type Connectivity interface {
	Online() bool
}

type StatusHandler struct {
	Conn    Connectivity
	Store   store.DraftStore
	Session session.Session
}

func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"online": h.Conn.Online(),
		"email":  h.Session.Email,
		"role":   h.Session.Role,
	}
	if n, err := h.Store.CountDrafts(r.Context()); err == nil {
		resp["drafts"] = n
		resp["drafts_available"] = true
	} else {
		resp["drafts_available"] = false
	}
	writeJSON(w, http.StatusOK, resp)
}
