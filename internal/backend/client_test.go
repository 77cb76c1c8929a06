package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/session"
)

func ptr(f float64) *float64 { return &f }

func newTestClient(t *testing.T, r *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL + "/"}, session.New("citizen@example.com", "", "tok-123", nil))
}

func TestSubmitHazardReport(t *testing.T) {
	var got struct {
		fields      map[string]string
		file        []byte
		fileType    string
		idempotency string
		auth        string
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/hazard-report", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got.fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got.fields[k] = v[0]
		}
		f, hdr, err := r.FormFile("file")
		if err == nil {
			got.file, _ = io.ReadAll(f)
			got.fileType = hdr.Header.Get("Content-Type")
		}
		got.idempotency = r.Header.Get("Idempotency-Key")
		got.auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	}).Methods("POST")

	c := newTestClient(t, r)
	p := models.ReportPayload{
		Name:        "Asha",
		Contact:     "+919812345678",
		Type:        "Flood",
		Description: "Road blocked",
		Latitude:    ptr(19.07),
		Longitude:   ptr(72.87),
		Address:     "Dadar",
		Media:       &models.Media{Data: []byte("jpegdata"), MIMEType: "image/jpeg", Filename: "road.jpg"},
	}
	if err := c.SubmitHazardReport(context.Background(), p, "idem-1"); err != nil {
		t.Fatalf("SubmitHazardReport failed: %v", err)
	}

	want := map[string]string{
		"name":        "Asha",
		"contact":     "+919812345678",
		"type":        "Flood",
		"description": "Road blocked",
		"latitude":    "19.070000",
		"longitude":   "72.870000",
		"location":    "Dadar",
	}
	for k, v := range want {
		if got.fields[k] != v {
			t.Errorf("field %s: got %q want %q", k, got.fields[k], v)
		}
	}
	if string(got.file) != "jpegdata" || got.fileType != "image/jpeg" {
		t.Errorf("Unexpected file part %q %q", got.file, got.fileType)
	}
	if got.idempotency != "idem-1" {
		t.Errorf("Expected idempotency key, got %q", got.idempotency)
	}
	if got.auth != "Bearer tok-123" {
		t.Errorf("Expected bearer token, got %q", got.auth)
	}
}

func TestSubmitHazardReportServerError(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/hazard-report", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	})

	c := newTestClient(t, r)
	err := c.SubmitHazardReport(context.Background(), models.ReportPayload{Type: "Fire", Description: "x"}, "")
	if !IsStatus(err, http.StatusInternalServerError) {
		t.Fatalf("Expected 500 StatusError, got %v", err)
	}
}

func TestListAlerts(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/alerts", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("role") != "ndrf" || q.Get("lat") != "19.07" || q.Get("lon") != "72.87" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		io.WriteString(w, `[
			{"_id":"a1","type":"flood","latitude":19.1,"longitude":72.9,"status":"live","timestamp":"2024-07-01T10:00:00.123456"},
			{"_id":"a2","type":"fire","status":"resolved","timestamp":null}
		]`)
	}).Methods("GET")

	c := newTestClient(t, r)
	alerts, err := c.ListAlerts(context.Background(), "ndrf", models.Location{Lat: 19.07, Lng: 72.87})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Status != models.AlertActive {
		t.Errorf("Expected live to map to active, got %s", alerts[0].Status)
	}
	if alerts[0].Timestamp.Year() != 2024 {
		t.Errorf("Expected naive timestamp to parse, got %v", alerts[0].Timestamp)
	}
	if alerts[1].Latitude != nil || !alerts[1].Timestamp.IsZero() {
		t.Error("Expected missing fields to stay absent")
	}
	if alerts[1].Status != models.AlertResolved {
		t.Errorf("Expected resolved, got %s", alerts[1].Status)
	}
}

func TestResolveAlertAndShelters(t *testing.T) {
	resolved := ""
	r := mux.NewRouter()
	r.HandleFunc("/api/alerts/{id}/resolve", func(w http.ResponseWriter, r *http.Request) {
		resolved = mux.Vars(r)["id"]
		json.NewEncoder(w).Encode(map[string]string{"message": "Alert marked as resolved"})
	}).Methods("PATCH")
	r.HandleFunc("/api/shelters", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"_id":"s1","name":"School","latitude":19.0,"longitude":72.8,"capacity":120}]`)
	}).Methods("GET")

	c := newTestClient(t, r)
	if err := c.ResolveAlert(context.Background(), "a1"); err != nil {
		t.Fatalf("ResolveAlert failed: %v", err)
	}
	if resolved != "a1" {
		t.Errorf("Expected a1 resolved, got %q", resolved)
	}

	shelters, err := c.ListShelters(context.Background())
	if err != nil {
		t.Fatalf("ListShelters failed: %v", err)
	}
	if len(shelters) != 1 || shelters[0].Capacity != 120 {
		t.Errorf("Unexpected shelters %+v", shelters)
	}
}

func TestPing(t *testing.T) {
	status := http.StatusNotFound
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
	c := newTestClient(t, r)

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("404 should count as reachable, got %v", err)
	}
	status = http.StatusBadGateway
	if err := c.Ping(context.Background()); !IsStatus(err, http.StatusBadGateway) {
		t.Errorf("Expected 502 StatusError, got %v", err)
	}

	dead := New(Options{BaseURL: "http://127.0.0.1:1"}, session.Session{})
	if err := dead.Ping(context.Background()); err == nil {
		t.Error("Expected error for unreachable backend")
	}
}
