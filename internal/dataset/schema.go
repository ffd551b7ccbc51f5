package dataset

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// recordsSchema describes the raw property list. Identifiers may be strings or
// numbers because cadastral exports are not consistent about quoting them.
const recordsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["inscricao"],
    "properties": {
      "inscricao":  {"type": ["string", "integer"]},
      "matricula":  {"type": ["string", "integer", "null"]},
      "bairro":     {"type": ["string", "null"]},
      "quadra":     {"type": ["string", "integer", "null"]},
      "tipo":       {"type": ["string", "null"]},
      "logradouro": {"type": ["string", "null"]},
      "latitude":   {"type": ["number", "null"], "minimum": -90, "maximum": 90},
      "longitude":  {"type": ["number", "null"], "minimum": -180, "maximum": 180}
    }
  }
}`

var (
	compiledOnce   sync.Once
	compiledSchema *gojsonschema.Schema
	compileErr     error
)

// schema compiles recordsSchema once.
func schema() (*gojsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(recordsSchema))
	})
	return compiledSchema, compileErr
}

// validateSchema checks raw JSON against recordsSchema and returns the
// collected violation messages.
func validateSchema(raw []byte) ([]string, error) {
	s, err := schema()
	if err != nil {
		return nil, fmt.Errorf("invalid dataset schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	var errs []string
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return errs, nil
}

func joinViolations(v []string) string {
	const max = 5
	if len(v) > max {
		return strings.Join(v[:max], "; ") + fmt.Sprintf("; and %d more", len(v)-max)
	}
	return strings.Join(v, "; ")
}
