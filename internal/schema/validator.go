package schema

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/yungbote/bookgraph/internal/domain"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Schema identifiers accepted by Validate. Each maps to an embedded
// versioned JSON Schema document.
const (
	SchemaBookRaw          = "book_raw"
	SchemaBookMetadata     = "book_metadata"
	SchemaBookEnriched     = "book_enriched"
	SchemaTaxonomy         = "taxonomy"
	SchemaTaxonomyRegistry = "taxonomy_registry"
	SchemaRepoMetadata     = "repo_metadata"
)

// Validator holds compiled schemas. Compile once, validate many: the checks
// themselves are pure and safe for concurrent use.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	ids := []string{
		SchemaBookRaw,
		SchemaBookMetadata,
		SchemaBookEnriched,
		SchemaTaxonomy,
		SchemaTaxonomyRegistry,
		SchemaRepoMetadata,
	}
	compiled := make(map[string]*gojsonschema.Schema, len(ids))
	for _, id := range ids {
		raw, err := schemaFS.ReadFile("schemas/" + id + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("schema: read embedded %s: %w", id, err)
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", id, err)
		}
		compiled[id] = s
	}
	return &Validator{schemas: compiled}, nil
}

func (v *Validator) SchemaIDs() []string {
	out := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ValidateBytes checks raw JSON against the named schema. The first return
// is the structured violation report (nil when the record passes); the
// second is the distinct I/O/parse error class for unreadable or
// non-parseable input and unknown schema ids. Malformed-but-parseable input
// is always a report, never an error.
func (v *Validator) ValidateBytes(schemaID, record string, data []byte) (*domain.ValidationError, error) {
	s, ok := v.schemas[schemaID]
	if !ok {
		return nil, fmt.Errorf("schema: unknown schema id %q", schemaID)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", record, err)
	}
	if result.Valid() {
		return nil, nil
	}

	violations := make([]domain.Violation, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, domain.Violation{
			Path:     re.Field(),
			Expected: re.Description(),
			Actual:   truncateValue(re.Value()),
		})
	}
	return &domain.ValidationError{
		Record:     record,
		SchemaID:   schemaID,
		Violations: violations,
	}, nil
}

// ValidateFile reads and validates one record file. Read failures belong to
// the I/O error class, like non-parseable input.
func (v *Validator) ValidateFile(schemaID, path string) (*domain.ValidationError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return v.ValidateBytes(schemaID, path, data)
}

func truncateValue(val any) string {
	if val == nil {
		return ""
	}
	s := fmt.Sprintf("%v", val)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
