// Package geo provides great-circle math between WGS-84 coordinates.
package geo

import (
	"fmt"
	"math"

	"github.com/planurbi/fieldcollect/internal/model"
)

// EarthRadiusMeters is the mean Earth radius used by the Haversine formula.
const EarthRadiusMeters = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// DistanceMeters returns the Haversine distance between a and b in metres.
// Inputs must be in range; the dataset loader rejects anything else.
func DistanceMeters(a, b model.Coordinates) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// BearingDegrees returns the initial great-circle bearing from a to b, in [0, 360).
func BearingDegrees(a, b model.Coordinates) float64 {
	phi1, phi2 := toRad(a.Latitude), toRad(b.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// FormatDistance renders a distance the way the operator display shows it:
// whole metres below one kilometre, kilometres with two decimals above.
func FormatDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%dm", int(math.Round(meters)))
	}
	return fmt.Sprintf("%.2fkm", meters/1000)
}
