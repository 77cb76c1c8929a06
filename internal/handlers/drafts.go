package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/reliefnet/fieldagent/internal/drafts"
	"github.com/reliefnet/fieldagent/internal/geo"
	"github.com/reliefnet/fieldagent/internal/media"
	"github.com/reliefnet/fieldagent/internal/models"
	"go.uber.org/zap"
)

type DraftHandler struct {
	Drafts *drafts.Synchronizer
	Logger *zap.SugaredLogger
}

// DraftView is a draft as the UI lists it, with a severity preview.
type DraftView struct {
	models.Draft
	Severity string `json:"severity"`
}

type MediaRequest struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
	Filename string `json:"filename"`
}

type ReportRequest struct {
	Name        string        `json:"name"`
	Contact     string        `json:"contact"`
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Latitude    *float64      `json:"latitude"`
	Longitude   *float64      `json:"longitude"`
	Address     string        `json:"address"`
	Location    string        `json:"location"`
	Media       *MediaRequest `json:"media"`
}

func (req ReportRequest) payload() models.ReportPayload {
	p := models.ReportPayload{
		Name:        strings.TrimSpace(req.Name),
		Contact:     strings.TrimSpace(req.Contact),
		Type:        strings.TrimSpace(req.Type),
		Description: strings.TrimSpace(req.Description),
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Address:     strings.TrimSpace(req.Address),
	}
	if p.Address == "" {
		p.Address = strings.TrimSpace(req.Location)
	}
	if req.Media != nil && len(req.Media.Data) > 0 {
		p.Media = &models.Media{Data: req.Media.Data, MIMEType: req.Media.MIMEType, Filename: req.Media.Filename}
	}
	return p
}

var errTooLarge = fmt.Errorf("attachment exceeds %d bytes", media.MaxSize)

// decodeReport accepts the report form as multipart (the browser form) or JSON.
func decodeReport(r *http.Request) (models.ReportPayload, error) {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		var req ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return models.ReportPayload{}, err
		}
		if req.Media != nil && len(req.Media.Data) > media.MaxSize {
			return models.ReportPayload{}, errTooLarge
		}
		return req.payload(), nil
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return models.ReportPayload{}, err
	}
	req := ReportRequest{
		Name:        r.FormValue("name"),
		Contact:     r.FormValue("contact"),
		Type:        r.FormValue("type"),
		Description: r.FormValue("description"),
		Address:     r.FormValue("address"),
		Location:    r.FormValue("location"),
	}
	var err error
	if req.Latitude, err = formFloat(r, "latitude"); err != nil {
		return models.ReportPayload{}, err
	}
	if req.Longitude, err = formFloat(r, "longitude"); err != nil {
		return models.ReportPayload{}, err
	}

	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, media.MaxSize+1))
		if err != nil {
			return models.ReportPayload{}, err
		}
		if len(data) > media.MaxSize {
			return models.ReportPayload{}, errTooLarge
		}
		req.Media = &MediaRequest{Data: data, MIMEType: header.Header.Get("Content-Type"), Filename: header.Filename}
	} else if !errors.Is(err, http.ErrMissingFile) {
		return models.ReportPayload{}, err
	}
	return req.payload(), nil
}

func formFloat(r *http.Request, key string) (*float64, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &f, nil
}

func (h *DraftHandler) unavailable(w http.ResponseWriter, err error) {
	h.Logger.Errorw("Draft store failure", "error", err)
	writeError(w, http.StatusServiceUnavailable, "drafts unavailable")
}

func (h *DraftHandler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	list, err := h.Drafts.ListDrafts(r.Context())
	if err != nil {
		h.unavailable(w, err)
		return
	}
	views := make([]DraftView, 0, len(list))
	for _, d := range list {
		views = append(views, DraftView{Draft: d, Severity: geo.EstimateSeverity(d.Payload.Description)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *DraftHandler) SaveDraft(w http.ResponseWriter, r *http.Request) {
	p, err := decodeReport(r)
	if errors.Is(err, errTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.Drafts.SaveDraft(r.Context(), p)
	if err != nil {
		h.unavailable(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (h *DraftHandler) DeleteDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Var(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid draft id")
		return
	}
	if err := h.Drafts.DeleteDraft(r.Context(), id); err != nil {
		h.unavailable(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DraftHandler) SyncDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Var(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid draft id")
		return
	}

	status, err := h.Drafts.SyncOne(r.Context(), id)
	switch {
	case errors.Is(err, drafts.ErrOffline):
		writeError(w, http.StatusConflict, "offline")
	case errors.Is(err, drafts.ErrDraftNotFound):
		writeError(w, http.StatusNotFound, "draft not found")
	case err != nil:
		h.unavailable(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
	}
}

func (h *DraftHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.Drafts.SyncAll(r.Context())
	switch {
	case errors.Is(err, drafts.ErrOffline):
		writeError(w, http.StatusConflict, "offline")
	case err != nil:
		h.unavailable(w, err)
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// SubmitReport delivers a report now or queues it as a draft.
func (h *DraftHandler) SubmitReport(w http.ResponseWriter, r *http.Request) {
	p, err := decodeReport(r)
	if errors.Is(err, errTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Drafts.Submit(r.Context(), p)
	var verr *drafts.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid report", "fields": verr.Fields})
	case err != nil:
		h.unavailable(w, err)
	case res.Delivered:
		writeJSON(w, http.StatusCreated, res)
	default:
		writeJSON(w, http.StatusAccepted, res)
	}
}
