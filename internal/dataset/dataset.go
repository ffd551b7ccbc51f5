// Package dataset loads and indexes the static list of properties to be
// collected. A dataset is validated once at startup; any malformed entry aborts
// loading with a VALIDATION error.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/geo"
	"github.com/planurbi/fieldcollect/internal/model"
)

// Dataset is an immutable, ordered set of property records with lookups by
// primary and alternate identifier.
type Dataset struct {
	records []model.PropertyRecord
	byID    map[string]int
	byAltID map[string]int // first record in load order wins
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*f = flexString(n.String())
	return nil
}

// rawRecord mirrors the dataset source fields.
type rawRecord struct {
	Inscricao  flexString `json:"inscricao"`
	Matricula  flexString `json:"matricula"`
	Bairro     flexString `json:"bairro"`
	Quadra     flexString `json:"quadra"`
	Tipo       flexString `json:"tipo"`
	Logradouro flexString `json:"logradouro"`
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
}

func (r rawRecord) toRecord() model.PropertyRecord {
	rec := model.PropertyRecord{
		ID:            string(r.Inscricao),
		AltID:         string(r.Matricula),
		Neighborhood:  string(r.Bairro),
		Block:         string(r.Quadra),
		Type:          string(r.Tipo),
		StreetAddress: string(r.Logradouro),
	}
	if r.Latitude != nil && r.Longitude != nil {
		rec.Coordinates = &model.Coordinates{Latitude: *r.Latitude, Longitude: *r.Longitude}
	}
	return rec
}

// Parse validates a JSON array of property objects and builds a Dataset.
func Parse(raw []byte) (*Dataset, error) {
	violations, err := validateSchema(raw)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VALIDATION, "dataset is not valid JSON", err)
	}
	if len(violations) > 0 {
		return nil, errordefs.NewWithDetails(errordefs.VALIDATION,
			"dataset does not match schema: "+joinViolations(violations), violations)
	}

	var rows []rawRecord
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errordefs.Wrap(errordefs.VALIDATION, "failed to decode dataset", err)
	}

	records := make([]model.PropertyRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return New(records)
}

// New validates records and builds the indexes. Input order is preserved.
func New(records []model.PropertyRecord) (*Dataset, error) {
	ds := &Dataset{
		records: make([]model.PropertyRecord, 0, len(records)),
		byID:    make(map[string]int, len(records)),
		byAltID: make(map[string]int, len(records)),
	}

	for i, rec := range records {
		if rec.ID == "" {
			return nil, errordefs.Newf(errordefs.VALIDATION, "record %d: missing id", i)
		}
		if _, dup := ds.byID[rec.ID]; dup {
			return nil, errordefs.Newf(errordefs.VALIDATION, "record %d: duplicate id %q", i, rec.ID)
		}
		if rec.Coordinates != nil && !rec.Coordinates.Valid() {
			return nil, errordefs.Newf(errordefs.VALIDATION, "record %d (%s): coordinates out of range", i, rec.ID)
		}

		ds.byID[rec.ID] = len(ds.records)
		if rec.AltID != "" {
			if _, seen := ds.byAltID[rec.AltID]; !seen {
				ds.byAltID[rec.AltID] = len(ds.records)
			}
		}
		ds.records = append(ds.records, rec)
	}

	return ds, nil
}

// LoadFile reads a dataset from disk. JSON files and point shapefiles are supported.
func LoadFile(path string) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return LoadShapefile(path)
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read dataset %s: %w", path, err)
		}
		return Parse(raw)
	}
}

// Records returns the records in load order. The slice must not be modified.
func (d *Dataset) Records() []model.PropertyRecord {
	return d.records
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.records)
}

// ByID looks a record up by its primary identifier.
func (d *Dataset) ByID(id string) (model.PropertyRecord, bool) {
	i, ok := d.byID[id]
	if !ok {
		return model.PropertyRecord{}, false
	}
	return d.records[i], true
}

// ByAltID looks a record up by its alternate identifier. When several records
// share the same altId the first one in load order is returned.
func (d *Dataset) ByAltID(alt string) (model.PropertyRecord, bool) {
	i, ok := d.byAltID[alt]
	if !ok {
		return model.PropertyRecord{}, false
	}
	return d.records[i], true
}

// Has reports whether id belongs to the dataset.
func (d *Dataset) Has(id string) bool {
	_, ok := d.byID[id]
	return ok
}

// Nearby is a record paired with its distance from a reference point.
type Nearby struct {
	Record         model.PropertyRecord `json:"record"`
	DistanceMeters float64              `json:"distanceMeters"`
	Bearing        float64              `json:"bearing"`
}

// Nearest returns up to limit records with coordinates, closest first.
// A nil filter accepts every record; limit <= 0 means no limit.
func (d *Dataset) Nearest(from model.Coordinates, limit int, filter func(model.PropertyRecord) bool) []Nearby {
	var out []Nearby
	for _, rec := range d.records {
		if rec.Coordinates == nil {
			continue
		}
		if filter != nil && !filter(rec) {
			continue
		}
		out = append(out, Nearby{
			Record:         rec,
			DistanceMeters: geo.DistanceMeters(from, *rec.Coordinates),
			Bearing:        geo.BearingDegrees(from, *rec.Coordinates),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
