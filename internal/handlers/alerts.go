package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/reliefnet/fieldagent/internal/alerts"
	"github.com/reliefnet/fieldagent/internal/backend"
	"github.com/reliefnet/fieldagent/internal/models"
	"go.uber.org/zap"
)

type AlertHandler struct {
	Feed   *alerts.Feed
	Home   *models.Location
	Logger *zap.SugaredLogger
}

func (h *AlertHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Feed.Alerts())
}

func (h *AlertHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	list, err := h.Feed.Refresh(r.Context())
	if errors.Is(err, alerts.ErrNoLocation) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.Logger.Warnw("Alert refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *AlertHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := h.Feed.Resolve(r.Context(), id)
	if backend.IsStatus(err, http.StatusNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		h.Logger.Warnw("Alert resolve failed", "alert_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NearestShelter uses lat/lng from the query, or the home location.
func (h *AlertHandler) NearestShelter(w http.ResponseWriter, r *http.Request) {
	from, ok := queryLocation(r)
	if !ok {
		if h.Home == nil {
			writeError(w, http.StatusBadRequest, "lat and lng are required")
			return
		}
		from = *h.Home
	}

	shelter, km, err := h.Feed.NearestShelter(r.Context(), from)
	if errors.Is(err, alerts.ErrNoShelter) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		h.Logger.Warnw("Shelter lookup failed", "error", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shelter":     shelter,
		"name":        shelter.DisplayName(),
		"distance_km": km,
	})
}

func queryLocation(r *http.Request) (models.Location, bool) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err1 != nil || err2 != nil {
		return models.Location{}, false
	}
	return models.Location{Lat: lat, Lng: lng}, true
}
