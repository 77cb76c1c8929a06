package geo

import (
	"math"
	"testing"

	"github.com/reliefnet/fieldagent/internal/models"
)

func ptr(f float64) *float64 { return &f }

func TestDistanceKm(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"same point", 19.07, 72.87, 19.07, 72.87, 0},
		{"mumbai to pune", 19.0760, 72.8777, 18.5204, 73.8567, 120.15},
		{"one degree of latitude", 0, 0, 1, 0, 111.19},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > 0.5 {
				t.Errorf("DistanceKm() = %.2f, want about %.2f", got, tt.want)
			}
		})
	}
}

func TestNearestShelter(t *testing.T) {
	shelters := []models.Shelter{
		{ID: "far", Name: "Pune Camp", Latitude: ptr(18.52), Longitude: ptr(73.85)},
		{ID: "nopos", Name: "Unknown"},
		{ID: "near", OrgName: "Dadar School", Latitude: ptr(19.02), Longitude: ptr(72.84)},
	}

	got, km, ok := NearestShelter(models.Location{Lat: 19.07, Lng: 72.87}, shelters)
	if !ok {
		t.Fatal("Expected a shelter")
	}
	if got.ID != "near" {
		t.Errorf("Expected nearest shelter 'near', got '%s'", got.ID)
	}
	if got.DisplayName() != "Dadar School" {
		t.Errorf("Expected display name from orgName, got '%s'", got.DisplayName())
	}
	if km > 10 {
		t.Errorf("Expected distance under 10km, got %.2f", km)
	}

	if _, _, ok := NearestShelter(models.Location{}, []models.Shelter{{ID: "x"}}); ok {
		t.Error("Expected no result when no shelter has coordinates")
	}
}

func TestRoleRouting(t *testing.T) {
	if role, ok := RoleForHazard(" Flood "); !ok || role != "ndrf" {
		t.Errorf("Expected ndrf for flood, got %q", role)
	}
	if _, ok := RoleForHazard("meteor"); ok {
		t.Error("Expected no role for unknown hazard")
	}
	if RadiusKm("ambulance_services") != 5 {
		t.Errorf("Expected 5km ambulance radius, got %v", RadiusKm("ambulance_services"))
	}
	if RadiusKm("volunteer") != DefaultRadiusKm {
		t.Errorf("Expected default radius for unknown role")
	}
	if !Handles("fire_brigade", "Fire") {
		t.Error("Expected fire_brigade to handle fire")
	}
	if Handles("fire_brigade", "flood") {
		t.Error("Expected fire_brigade not to handle flood")
	}
	if !Responder("NDRF") || Responder("volunteer") {
		t.Error("Expected only authority roles to be responders")
	}
}

func TestEstimateSeverity(t *testing.T) {
	tests := map[string]string{
		"Road blocked by water":        SeverityMedium,
		"Fallen tree near station":     SeverityMedium,
		"Small debris on the pavement": SeverityLow,
		"":                             SeverityLow,
		"Building collapse reported":   SeverityHigh,
		"Flash FLOOD in the underpass": SeverityHigh,
	}

	for desc, want := range tests {
		if got := EstimateSeverity(desc); got != want {
			t.Errorf("EstimateSeverity(%q) = %s, want %s", desc, got, want)
		}
	}
}
