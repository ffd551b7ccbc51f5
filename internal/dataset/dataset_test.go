package dataset

import (
	"os"
	"path/filepath"
	"testing"

	shp "github.com/jonas-p/go-shp"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/model"
)

// TestParse loads a small dataset and checks order, fields and indexes.
func TestParse(t *testing.T) {
	raw := []byte(`[
		{"inscricao": "A1", "matricula": "M1", "bairro": "Centro", "quadra": "Q2", "tipo": "Residencial",
		 "logradouro": "Rua A", "latitude": -1.0003, "longitude": -1.0},
		{"inscricao": 1002, "quadra": 7},
		{"inscricao": "A3", "matricula": "M1", "latitude": null, "longitude": null}
	]`)

	ds, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ds.Len())
	}

	recs := ds.Records()
	if recs[0].ID != "A1" || recs[1].ID != "1002" || recs[2].ID != "A3" {
		t.Errorf("unexpected order: %q %q %q", recs[0].ID, recs[1].ID, recs[2].ID)
	}
	if recs[1].Block != "7" {
		t.Errorf("numeric quadra = %q, want %q", recs[1].Block, "7")
	}
	if recs[0].Coordinates == nil || recs[0].Coordinates.Latitude != -1.0003 {
		t.Errorf("coordinates not loaded: %+v", recs[0].Coordinates)
	}
	if recs[2].Coordinates != nil {
		t.Errorf("null coordinates should be absent, got %+v", recs[2].Coordinates)
	}

	// altId is non-unique; the first record in load order wins
	rec, ok := ds.ByAltID("M1")
	if !ok || rec.ID != "A1" {
		t.Errorf("ByAltID(M1) = %q, %v; want A1, true", rec.ID, ok)
	}
	if _, ok := ds.ByID("1002"); !ok {
		t.Error("ByID(1002) not found")
	}
	if ds.Has("nope") {
		t.Error("Has(nope) = true")
	}
}

// TestParseRejects covers the loader's validation failures.
func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"not an array", `{"inscricao": "A1"}`},
		{"missing id field", `[{"bairro": "Centro"}]`},
		{"empty id", `[{"inscricao": "  "}]`},
		{"duplicate id", `[{"inscricao": "A1"}, {"inscricao": "A1"}]`},
		{"latitude out of range", `[{"inscricao": "A1", "latitude": 91, "longitude": 0}]`},
		{"wrong type", `[{"inscricao": true}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("Parse() error = nil, want VALIDATION")
			}
			if !errordefs.Is(err, errordefs.VALIDATION) {
				t.Errorf("Parse() error = %v, want VALIDATION", err)
			}
		})
	}
}

// TestNewRejectsOutOfRangeCoordinates covers records built in code.
func TestNewRejectsOutOfRangeCoordinates(t *testing.T) {
	_, err := New([]model.PropertyRecord{{ID: "A1", Coordinates: &model.Coordinates{Latitude: 0, Longitude: 200}}})
	if !errordefs.Is(err, errordefs.VALIDATION) {
		t.Errorf("New() error = %v, want VALIDATION", err)
	}
}

// TestNearest orders records by distance and honours filter and limit.
func TestNearest(t *testing.T) {
	ds, err := New([]model.PropertyRecord{
		{ID: "far", Coordinates: &model.Coordinates{Latitude: 0, Longitude: 1}},
		{ID: "none"},
		{ID: "near", Coordinates: &model.Coordinates{Latitude: 0, Longitude: 0.001}},
		{ID: "mid", Coordinates: &model.Coordinates{Latitude: 0, Longitude: 0.01}},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got := ds.Nearest(model.Coordinates{}, 0, nil)
	if len(got) != 3 {
		t.Fatalf("Nearest() returned %d records, want 3", len(got))
	}
	if got[0].Record.ID != "near" || got[1].Record.ID != "mid" || got[2].Record.ID != "far" {
		t.Errorf("unexpected order: %s %s %s", got[0].Record.ID, got[1].Record.ID, got[2].Record.ID)
	}

	got = ds.Nearest(model.Coordinates{}, 1, func(r model.PropertyRecord) bool { return r.ID != "near" })
	if len(got) != 1 || got[0].Record.ID != "mid" {
		t.Errorf("filtered Nearest() = %+v, want [mid]", got)
	}
}

type shapeRow struct {
	x, y           float64
	id, alt, block string
}

func writeShapefile(t *testing.T, path string, rows []shapeRow) {
	t.Helper()
	w, err := shp.Create(path, shp.POINT)
	if err != nil {
		t.Fatalf("shp.Create() error = %v", err)
	}
	if err := w.SetFields([]shp.Field{
		shp.StringField("INSCRICAO", 20),
		shp.StringField("MATRICULA", 20),
		shp.StringField("QUADRA", 10),
	}); err != nil {
		t.Fatalf("SetFields() error = %v", err)
	}
	for _, row := range rows {
		n := int(w.Write(&shp.Point{X: row.x, Y: row.y}))
		w.WriteAttribute(n, 0, row.id)
		w.WriteAttribute(n, 1, row.alt)
		w.WriteAttribute(n, 2, row.block)
	}
	w.Close()
}

var shapeRows = []shapeRow{
	{-46.63, -23.55, "A1", "M1", "Q1"},
	{-46.64, -23.56, "A2", "", "Q2"},
}

// TestLoadShapefile writes a point layer and reads it back as a dataset.
func TestLoadShapefile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lotes.shp")
	writeShapefile(t, path, shapeRows)

	ds, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", ds.Len())
	}
	rec, ok := ds.ByAltID("M1")
	if !ok || rec.ID != "A1" {
		t.Fatalf("ByAltID(M1) = %+v, %v", rec, ok)
	}
	if rec.Coordinates == nil || rec.Coordinates.Latitude != -23.55 || rec.Coordinates.Longitude != -46.63 {
		t.Errorf("coordinates = %+v, want (-23.55, -46.63)", rec.Coordinates)
	}
	if rec.Block != "Q1" {
		t.Errorf("Block = %q, want Q1", rec.Block)
	}
}

// TestLoadShapefileTruncated cuts the second point record short.
func TestLoadShapefileTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lotes.shp")
	writeShapefile(t, path, shapeRows)

	// 100-byte header, one 28-byte point record, then half of the next one
	if err := os.Truncate(path, 100+28+20); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	ds, err := LoadFile(path)
	if !errordefs.Is(err, errordefs.VALIDATION) {
		t.Fatalf("LoadFile() = %v, %v; want a VALIDATION error", ds, err)
	}
}
