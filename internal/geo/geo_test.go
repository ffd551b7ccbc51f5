package geo

import (
	"math"
	"testing"

	"github.com/planurbi/fieldcollect/internal/model"
)

// TestDistanceKnownFixture checks one degree of longitude at the equator.
func TestDistanceKnownFixture(t *testing.T) {
	got := DistanceMeters(model.Coordinates{Latitude: 0, Longitude: 0}, model.Coordinates{Latitude: 0, Longitude: 1})
	if math.Abs(got-111195) > 50 {
		t.Errorf("DistanceMeters((0,0),(0,1)) = %.1f, want 111195 ± 50", got)
	}
}

// TestDistanceSymmetryAndIdentity checks d(a,b) == d(b,a) and d(a,a) == 0.
func TestDistanceSymmetryAndIdentity(t *testing.T) {
	points := []model.Coordinates{
		{Latitude: 0, Longitude: 0},
		{Latitude: -1.0003, Longitude: -1},
		{Latitude: -23.55052, Longitude: -46.633308},
		{Latitude: 89.9, Longitude: 179.9},
		{Latitude: -89.9, Longitude: -179.9},
		{Latitude: 32.7555, Longitude: -97.3308},
	}
	for _, a := range points {
		if d := DistanceMeters(a, a); d != 0 {
			t.Errorf("DistanceMeters(%v, %v) = %v, want 0", a, a, d)
		}
		for _, b := range points {
			ab, ba := DistanceMeters(a, b), DistanceMeters(b, a)
			if math.Abs(ab-ba) > 1e-6 {
				t.Errorf("asymmetric distance %v <-> %v: %v vs %v", a, b, ab, ba)
			}
		}
	}
}

// TestDistanceShortRange covers the capture scenario offset of 0.0003 degrees.
func TestDistanceShortRange(t *testing.T) {
	got := math.Round(DistanceMeters(
		model.Coordinates{Latitude: -1.0, Longitude: -1.0},
		model.Coordinates{Latitude: -1.0003, Longitude: -1.0},
	))
	if got != 33 {
		t.Errorf("rounded distance = %v, want 33", got)
	}
}

// TestBearing checks the cardinal directions.
func TestBearing(t *testing.T) {
	origin := model.Coordinates{}
	tests := []struct {
		name string
		to   model.Coordinates
		want float64
	}{
		{"north", model.Coordinates{Latitude: 1}, 0},
		{"east", model.Coordinates{Longitude: 1}, 90},
		{"south", model.Coordinates{Latitude: -1}, 180},
		{"west", model.Coordinates{Longitude: -1}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BearingDegrees(origin, tt.to); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("BearingDegrees = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestFormatDistance checks the two display ranges.
func TestFormatDistance(t *testing.T) {
	tests := map[float64]string{
		0:      "0m",
		33.4:   "33m",
		999.4:  "999m",
		1000:   "1.00km",
		2345.6: "2.35km",
	}
	for in, want := range tests {
		if got := FormatDistance(in); got != want {
			t.Errorf("FormatDistance(%v) = %q, want %q", in, got, want)
		}
	}
}
