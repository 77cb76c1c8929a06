package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/reliefnet/fieldagent/internal/ws"
)

// API bundles the handlers of the local agent API.
type API struct {
	Session *SessionHandler
	Drafts  *DraftHandler
	Chat    *ChatHandler
	Alerts  *AlertHandler
	Status  *StatusHandler
	Hub     *ws.Hub

	// Auth guards everything except POST /session; nil leaves routes open.
	Auth    mux.MiddlewareFunc
	Logging mux.MiddlewareFunc
}

func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	if a.Logging != nil {
		r.Use(a.Logging)
	}

	r.HandleFunc("/session", a.Session.Login).Methods("POST")

	api := r.NewRoute().Subrouter()
	if a.Auth != nil {
		api.Use(a.Auth)
	}

	api.HandleFunc("/status", a.Status.Status).Methods("GET")

	api.HandleFunc("/drafts", a.Drafts.ListDrafts).Methods("GET")
	api.HandleFunc("/drafts", a.Drafts.SaveDraft).Methods("POST")
	api.HandleFunc("/drafts/sync", a.Drafts.SyncAll).Methods("POST")
	api.HandleFunc("/drafts/{id:[0-9]+}", a.Drafts.DeleteDraft).Methods("DELETE")
	api.HandleFunc("/drafts/{id:[0-9]+}/sync", a.Drafts.SyncDraft).Methods("POST")
	api.HandleFunc("/reports", a.Drafts.SubmitReport).Methods("POST")

	api.HandleFunc("/chats/{group}/messages", a.Chat.GetMessages).Methods("GET")
	api.HandleFunc("/chats/{group}/messages", a.Chat.SendMessage).Methods("POST")
	api.HandleFunc("/chats/{group}/messages/{id}", a.Chat.EditMessage).Methods("PATCH")
	api.HandleFunc("/chats/{group}/messages/{id}", a.Chat.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/chats/{group}/typing", a.Chat.Typing).Methods("POST")
	api.HandleFunc("/chats/{group}", a.Chat.Leave).Methods("DELETE")

	api.HandleFunc("/alerts", a.Alerts.GetAlerts).Methods("GET")
	api.HandleFunc("/alerts/refresh", a.Alerts.Refresh).Methods("POST")
	api.HandleFunc("/alerts/{id}/resolve", a.Alerts.Resolve).Methods("POST")
	api.HandleFunc("/shelters/nearest", a.Alerts.NearestShelter).Methods("GET")

	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.Hub, w, r)
	})
	return r
}
