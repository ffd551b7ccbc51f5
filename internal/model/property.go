// Package model defines the data structures shared by the field collection core.
// These structures represent cadastral properties, capture-time GPS readings and
// the audit records produced by successful uploads.
package model

import (
	"time"
)

// Coordinates is a WGS-84 position in decimal degrees.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinates are within the WGS-84 ranges.
func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// PropertyRecord represents a parcel that needs to be photographed.
// Records are loaded once from the dataset and never modified afterwards.
type PropertyRecord struct {
	ID            string       `json:"inscricao"`             // Fiscal registration number (unique)
	AltID         string       `json:"matricula,omitempty"`   // Cadastral registration, preferred for display and matching
	Neighborhood  string       `json:"bairro,omitempty"`      // Display only
	Block         string       `json:"quadra,omitempty"`      // Display only; orders the missing view
	Type          string       `json:"tipo,omitempty"`        // Display only
	StreetAddress string       `json:"logradouro,omitempty"`  // Display only
	Coordinates   *Coordinates `json:"coordinates,omitempty"` // Registered GPS location, nil when unknown
}

// DisplayID returns the identifier shown to the operator.
func (p PropertyRecord) DisplayID() string {
	if p.AltID != "" {
		return p.AltID
	}
	return p.ID
}

// RemoteFileEntry is a single file reported by the remote storage listing.
type RemoteFileEntry struct {
	Name     string `json:"name"`
	RemoteID string `json:"remoteId"`
}

// CapturedLocation is the GPS reading taken when a photo is captured.
type CapturedLocation struct {
	Latitude                float64   `json:"latitude"`
	Longitude               float64   `json:"longitude"`
	AccuracyMeters          float64   `json:"accuracyMeters"`
	AltitudeMeters          *float64  `json:"altitudeMeters,omitempty"`
	CapturedAt              time.Time `json:"capturedAt"`
	CadastralDistanceMeters *int      `json:"cadastralDistanceMeters,omitempty"` // Nil when the property has no coordinates
}

// Coordinates returns the position part of the reading.
func (c CapturedLocation) Coordinates() Coordinates {
	return Coordinates{Latitude: c.Latitude, Longitude: c.Longitude}
}

// UploadRecord is an append-only audit entry written after a successful upload.
// It is independent from the ledger's boolean membership.
type UploadRecord struct {
	ID         string            `json:"id"`                 // ULID
	Property   PropertyRecord    `json:"property"`           // Snapshot of the record at upload time
	Location   *CapturedLocation `json:"location"`           // Nil when GPS was unavailable
	RemoteID   string            `json:"remoteId"`           // Storage-assigned identifier
	Filename   string            `json:"filename"`           // Name written to remote storage
	MimeType   string            `json:"mimeType,omitempty"` // Content type of the photo
	UploadedAt time.Time         `json:"uploadedAt"`
}

// Progress summarizes how much of the dataset has been collected.
type Progress struct {
	Total      int        `json:"total"`
	Collected  int        `json:"collected"`
	Missing    int        `json:"missing"`
	Percent    int        `json:"percent"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`
}
