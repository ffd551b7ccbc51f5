// Package gps classifies capture-time GPS readings against a property's
// registered coordinates and provides the device-facing geolocation feed.
//
// Classification is advisory: nothing here blocks a capture or an upload.
package gps

import (
	"fmt"
	"math"

	"github.com/planurbi/fieldcollect/internal/geo"
	"github.com/planurbi/fieldcollect/internal/model"
)

// Thresholds in metres. Each band starts strictly above its lower bound.
const (
	ImpreciseAccuracyMeters = 20
	ModerateDeviationMeters = 20
	HighDeviationMeters     = 50
)

// Deviation is the severity of the distance between the captured and the
// registered location.
type Deviation string

const (
	DeviationNone     Deviation = "none"
	DeviationModerate Deviation = "moderate"
	DeviationHigh     Deviation = "high"
)

// Classification is the outcome of Evaluate.
type Classification struct {
	HasDistance    bool      `json:"hasDistance"`
	DistanceMeters int       `json:"distanceMeters,omitempty"`
	Imprecise      bool      `json:"imprecise"`
	Deviation      Deviation `json:"deviation"`
	Warnings       []string  `json:"warnings,omitempty"`
}

// Evaluate classifies captured against registered. A nil registered position
// yields no distance signal; accuracy is still classified.
func Evaluate(captured model.CapturedLocation, registered *model.Coordinates) Classification {
	c := Classification{Deviation: DeviationNone}

	if captured.AccuracyMeters > ImpreciseAccuracyMeters {
		c.Imprecise = true
		c.Warnings = append(c.Warnings, fmt.Sprintf("low GPS accuracy: ±%.0fm", captured.AccuracyMeters))
	}

	if registered == nil {
		return c
	}
	c.HasDistance = true
	c.DistanceMeters = int(math.Round(geo.DistanceMeters(captured.Coordinates(), *registered)))
	c.Deviation = deviationFor(c.DistanceMeters)
	switch c.Deviation {
	case DeviationModerate:
		c.Warnings = append(c.Warnings, fmt.Sprintf("capture is %s from the registered location", geo.FormatDistance(float64(c.DistanceMeters))))
	case DeviationHigh:
		c.Warnings = append(c.Warnings, fmt.Sprintf("capture is %s from the registered location, check the selected property", geo.FormatDistance(float64(c.DistanceMeters))))
	}
	return c
}

func deviationFor(meters int) Deviation {
	switch {
	case meters > HighDeviationMeters:
		return DeviationHigh
	case meters > ModerateDeviationMeters:
		return DeviationModerate
	default:
		return DeviationNone
	}
}

// Bands returns the metric labels of the warnings that fired.
func (c Classification) Bands() []string {
	var out []string
	if c.Imprecise {
		out = append(out, "imprecise")
	}
	if c.Deviation != DeviationNone {
		out = append(out, string(c.Deviation))
	}
	return out
}
