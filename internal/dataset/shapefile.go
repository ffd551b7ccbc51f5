package dataset

import (
	"fmt"
	"strings"

	shp "github.com/jonas-p/go-shp"

	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/model"
)

// Attribute names looked up in the DBF table. Shapefile field names are at
// most 10 characters and usually upper case.
var shapefileFields = map[string]string{
	"INSCRICAO":  "id",
	"MATRICULA":  "altId",
	"BAIRRO":     "neighborhood",
	"QUADRA":     "block",
	"TIPO":       "type",
	"LOGRADOURO": "streetAddress",
}

// LoadShapefile reads point features from a cadastral shapefile. Each point
// becomes a record; X/Y are taken as longitude/latitude (the layer must be in
// WGS-84). Non-point geometries are skipped.
func LoadShapefile(path string) (*Dataset, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile %s: %w", path, err)
	}
	defer r.Close()

	columns := make(map[string]int)
	for i, f := range r.Fields() {
		name := strings.ToUpper(strings.TrimSpace(f.String()))
		if key, ok := shapefileFields[name]; ok {
			columns[key] = i
		}
	}
	if _, ok := columns["id"]; !ok {
		return nil, errordefs.Newf(errordefs.VALIDATION, "shapefile %s: no INSCRICAO attribute", path)
	}

	attr := func(row int, key string) string {
		i, ok := columns[key]
		if !ok {
			return ""
		}
		return strings.TrimSpace(r.ReadAttribute(row, i))
	}

	var records []model.PropertyRecord
	seen := 0
	for r.Next() {
		seen++
		row, shape := r.Shape()
		var pt *shp.Point
		switch s := shape.(type) {
		case *shp.Point:
			pt = s
		case *shp.PointZ:
			pt = &shp.Point{X: s.X, Y: s.Y}
		case *shp.PointM:
			pt = &shp.Point{X: s.X, Y: s.Y}
		default:
			continue
		}

		records = append(records, model.PropertyRecord{
			ID:            attr(row, "id"),
			AltID:         attr(row, "altId"),
			Neighborhood:  attr(row, "neighborhood"),
			Block:         attr(row, "block"),
			Type:          attr(row, "type"),
			StreetAddress: attr(row, "streetAddress"),
			Coordinates:   &model.Coordinates{Latitude: pt.Y, Longitude: pt.X},
		})
	}
	if err := r.Err(); err != nil {
		return nil, errordefs.Wrap(errordefs.VALIDATION, "read shapefile "+path, err)
	}
	if n := r.AttributeCount(); seen < n {
		return nil, errordefs.Newf(errordefs.VALIDATION, "shapefile %s is truncated: %d of %d shapes", path, seen, n)
	}

	return New(records)
}
