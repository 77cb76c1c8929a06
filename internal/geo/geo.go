// Package geo holds the distance and hazard-routing helpers shared by the
// alert feed, the shelter lookup and draft previews.
package geo

import (
	"math"
	"strings"

	"github.com/reliefnet/fieldagent/internal/models"
)

const earthRadiusKm = 6371.0

// DistanceKm is the great-circle (haversine) distance between two points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// NearestShelter returns the closest shelter with coordinates and its distance.
// ok is false when no shelter has a position.
func NearestShelter(from models.Location, shelters []models.Shelter) (nearest models.Shelter, km float64, ok bool) {
	km = math.Inf(1)
	for _, s := range shelters {
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		d := DistanceKm(from.Lat, from.Lng, *s.Latitude, *s.Longitude)
		if d < km {
			nearest, km, ok = s, d, true
		}
	}
	return nearest, km, ok
}

var roleForHazard = map[string]string{
	"accident":   "ambulance_services",
	"ambulance":  "ambulance_services",
	"flood":      "ndrf",
	"landslide":  "ndrf",
	"earthquake": "ndrf",
	"fire":       "fire_brigade",
	"police":     "police_services",
}

var roleRadiusKm = map[string]float64{
	"ndrf":               250,
	"ambulance_services": 5,
	"fire_brigade":       15,
	"police_services":    15,
}

const DefaultRadiusKm = 10

// RoleForHazard maps a hazard type to the authority role that handles it.
func RoleForHazard(hazardType string) (string, bool) {
	role, ok := roleForHazard[normalize(hazardType)]
	return role, ok
}

// RadiusKm is the alert radius of a role, DefaultRadiusKm for unknown roles.
func RadiusKm(role string) float64 {
	if r, ok := roleRadiusKm[normalize(role)]; ok {
		return r
	}
	return DefaultRadiusKm
}

// Handles reports whether role is responsible for hazardType.
func Handles(role, hazardType string) bool {
	r, ok := RoleForHazard(hazardType)
	return ok && r == normalize(role)
}

// Responder reports whether hazard types are routed to role. Other roles
// see every hazard type.
func Responder(role string) bool {
	r := normalize(role)
	for _, v := range roleForHazard {
		if v == r {
			return true
		}
	}
	return false
}

// Severity levels, ordered by keyword precedence.
const (
	SeverityHigh   = "High"
	SeverityMedium = "Medium"
	SeverityLow    = "Low"
)

var severityKeywords = []struct {
	level    string
	keywords []string
}{
	{SeverityHigh, []string{"fire", "collapse", "explosion", "flood", "landslide", "injury", "gas leak", "major"}},
	{SeverityMedium, []string{"road block", "power outage", "minor injury", "fallen tree", "blocked", "delayed"}},
	{SeverityLow, []string{"noise", "spill", "debris", "litter", "small"}},
}

// EstimateSeverity mirrors the backend's keyword heuristic so a draft can
// show a severity before it has been delivered.
func EstimateSeverity(description string) string {
	d := strings.ToLower(description)
	for _, group := range severityKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(d, kw) {
				return group.level
			}
		}
	}
	return SeverityLow
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
