// Package alerts keeps the live alert list a viewer should see, fed by
// periodic refetch and new_alert pushes.
package alerts

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/reliefnet/fieldagent/internal/events"
	"github.com/reliefnet/fieldagent/internal/geo"
	"github.com/reliefnet/fieldagent/internal/models"
	"github.com/reliefnet/fieldagent/internal/session"
	"github.com/reliefnet/fieldagent/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNoLocation = errors.New("alerts: viewer location unknown")
	ErrNoShelter  = errors.New("alerts: no shelter with coordinates")
)

type Backend interface {
	ListAlerts(ctx context.Context, role string, loc models.Location) ([]models.Alert, error)
	ResolveAlert(ctx context.Context, id string) error
	ListShelters(ctx context.Context) ([]models.Shelter, error)
}

type Feed struct {
	backend  Backend
	seen     store.SeenStore
	role     string
	location *models.Location
	logger   *zap.SugaredLogger
	onChange func([]models.Alert)

	mu     sync.Mutex
	alerts []models.Alert
}

// NewFeed builds a feed for the session's role and home location. onChange
// may be nil.
func NewFeed(b Backend, seen store.SeenStore, sess session.Session, logger *zap.SugaredLogger, onChange func([]models.Alert)) *Feed {
	return &Feed{
		backend:  b,
		seen:     seen,
		role:     sess.Role,
		location: sess.Location,
		logger:   logger,
		onChange: onChange,
		alerts:   []models.Alert{},
	}
}

// Relevant reports whether a belongs in the viewer's feed: still open, of a
// type the viewer's role handles, and inside the role radius.
func (f *Feed) Relevant(a models.Alert) bool {
	if a.Status == models.AlertResolved || a.Status == models.AlertFake {
		return false
	}
	if geo.Responder(f.role) && !geo.Handles(f.role, a.Type) {
		return false
	}
	if f.location == nil || a.Latitude == nil || a.Longitude == nil {
		return true
	}
	d := geo.DistanceKm(f.location.Lat, f.location.Lng, *a.Latitude, *a.Longitude)
	return d <= geo.RadiusKm(f.role)
}

// Refresh replaces the list with the backend's current view.
func (f *Feed) Refresh(ctx context.Context) ([]models.Alert, error) {
	if f.location == nil {
		return nil, ErrNoLocation
	}
	fetched, err := f.backend.ListAlerts(ctx, f.role, *f.location)
	if err != nil {
		return nil, err
	}

	kept := make([]models.Alert, 0, len(fetched))
	for _, a := range fetched {
		if f.Relevant(a) {
			kept = append(kept, a)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp.After(kept[j].Timestamp.Time) })

	for _, a := range kept {
		if err := f.seen.MarkSeen(ctx, a.ID); err != nil {
			f.logger.Warnw("Failed to mark alert seen", "alert_id", a.ID, "error", err)
		}
	}

	f.mu.Lock()
	f.alerts = kept
	f.mu.Unlock()
	f.changed()
	return f.Alerts(), nil
}

// Apply handles new_alert pushes; other events are ignored. Resolved,
// irrelevant and already seen alerts leave the list unchanged.
func (f *Feed) Apply(ev events.Inbound) {
	na, ok := ev.(events.NewAlert)
	if !ok || na.ID == "" || !f.Relevant(na.Alert) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seen, err := f.seen.Seen(ctx, na.ID)
	if err != nil {
		f.logger.Warnw("Seen lookup failed", "alert_id", na.ID, "error", err)
	}
	if seen {
		return
	}

	f.mu.Lock()
	for _, a := range f.alerts {
		if a.ID == na.ID {
			f.mu.Unlock()
			return
		}
	}
	f.alerts = append([]models.Alert{na.Alert}, f.alerts...)
	f.mu.Unlock()

	if err := f.seen.MarkSeen(ctx, na.ID); err != nil {
		f.logger.Warnw("Failed to mark alert seen", "alert_id", na.ID, "error", err)
	}
	f.logger.Infow("New alert", "alert_id", na.ID, "type", na.Type, "severity", na.Severity)
	f.changed()
}

// Resolve marks the alert resolved on the backend and drops it locally.
func (f *Feed) Resolve(ctx context.Context, id string) error {
	if err := f.backend.ResolveAlert(ctx, id); err != nil {
		return err
	}

	f.mu.Lock()
	removed := false
	for i, a := range f.alerts {
		if a.ID == id {
			f.alerts = append(f.alerts[:i], f.alerts[i+1:]...)
			removed = true
			break
		}
	}
	f.mu.Unlock()
	if removed {
		f.changed()
	}
	return nil
}

// Alerts returns a copy of the current list, newest first.
func (f *Feed) Alerts() []models.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Alert{}, f.alerts...)
}

// Run refreshes immediately and then every interval until ctx is done.
func (f *Feed) Run(ctx context.Context, interval time.Duration) {
	refresh := func() {
		if _, err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warnw("Alert refresh failed", "error", err)
		}
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// NearestShelter returns the closest shelter to from and its distance in km.
func (f *Feed) NearestShelter(ctx context.Context, from models.Location) (models.Shelter, float64, error) {
	shelters, err := f.backend.ListShelters(ctx)
	if err != nil {
		return models.Shelter{}, 0, err
	}
	s, km, ok := geo.NearestShelter(from, shelters)
	if !ok {
		return models.Shelter{}, 0, ErrNoShelter
	}
	return s, km, nil
}

func (f *Feed) changed() {
	if f.onChange != nil {
		f.onChange(f.Alerts())
	}
}
