package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/reliefnet/fieldagent/internal/chat"
	"github.com/reliefnet/fieldagent/internal/media"
	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/session"
	"github.com/reliefnet/fieldagent/internal/ws"
	"go.uber.org/zap"
)

// ChatHandler keeps one chat group active at a time. The backend does not tag
// chat events with their group, so all of them on the shared channel belong
// to whichever group was joined last; opening another group leaves the
// current one first.
type ChatHandler struct {
	Channel      chat.Channel
	Session      session.Session
	Hub          *ws.Hub
	Logger       *zap.SugaredLogger
	MaxMediaEdge int

	mu     sync.Mutex
	active *chat.Reconciler
}

type SendMessageRequest struct {
	Message  string           `json:"message"`
	Media    *MediaRequest    `json:"media"`
	Location *models.Location `json:"location"`
}

type EditMessageRequest struct {
	Text string `json:"text"`
}

// room returns the reconciler for group. Switching groups closes the active
// reconciler before the new join goes out.
func (h *ChatHandler) room(group string) (*chat.Reconciler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil && h.active.GroupID() == group {
		return h.active, nil
	}
	if h.active != nil {
		prev := h.active
		h.active = nil
		if err := prev.Close(); err != nil {
			h.Logger.Warnw("Leave not delivered", "group_id", prev.GroupID(), "error", err)
		}
	}

	r, err := chat.Join(h.Channel, h.Session, group, chat.Options{
		MaxMediaEdge: h.MaxMediaEdge,
		Logger:       h.Logger,
		OnChange: func(s chat.Snapshot) {
			if h.Hub != nil {
				h.Hub.Publish(ws.UpdateChat, s)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	h.active = r
	return r, nil
}

func (h *ChatHandler) roomOrFail(w http.ResponseWriter, r *http.Request) (*chat.Reconciler, bool) {
	group := mux.Vars(r)["group"]
	room, err := h.room(group)
	if err != nil {
		h.Logger.Warnw("Failed to join group", "group_id", group, "error", err)
		writeError(w, http.StatusServiceUnavailable, "event channel unavailable")
		return nil, false
	}
	return room, true
}

func (h *ChatHandler) chatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chat.ErrNotOwner):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, media.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, chat.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
	default:
		h.Logger.Warnw("Chat operation failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "event channel unavailable")
	}
}

func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := h.roomOrFail(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room.Snapshot())
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, ok := h.roomOrFail(w, r)
	if !ok {
		return
	}

	var m *models.Media
	if req.Media != nil && len(req.Media.Data) > 0 {
		m = &models.Media{Data: req.Media.Data, MIMEType: req.Media.MIMEType, Filename: req.Media.Filename}
	}
	tempID, err := room.Send(req.Message, m, req.Location)
	if err != nil {
		h.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tempId": tempID})
}

func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, ok := h.roomOrFail(w, r)
	if !ok {
		return
	}
	if err := room.Edit(mux.Vars(r)["id"], req.Text); err != nil {
		h.chatError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := h.roomOrFail(w, r)
	if !ok {
		return
	}
	if err := room.Delete(mux.Vars(r)["id"]); err != nil {
		h.chatError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *ChatHandler) Typing(w http.ResponseWriter, r *http.Request) {
	room, ok := h.roomOrFail(w, r)
	if !ok {
		return
	}
	if err := room.Typing(); err != nil {
		h.chatError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leave closes the group's reconciler. Leaving a group that is not active is
// not an error.
func (h *ChatHandler) Leave(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	h.mu.Lock()
	var room *chat.Reconciler
	if h.active != nil && h.active.GroupID() == group {
		room, h.active = h.active, nil
	}
	h.mu.Unlock()

	if room != nil {
		if err := room.Close(); err != nil {
			h.Logger.Warnw("Leave not delivered", "group_id", group, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloseAll leaves the active group, if any.
func (h *ChatHandler) CloseAll() {
	h.mu.Lock()
	room := h.active
	h.active = nil
	h.mu.Unlock()

	if room != nil {
		if err := room.Close(); err != nil {
			h.Logger.Debugw("Leave not delivered", "group_id", room.GroupID(), "error", err)
		}
	}
}
