// Package mapping holds the field mapping catalog and the column resolver
// that ties an uploaded sheet's columns to canonical migration fields.
package mapping

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// Canonical field names.
const (
	FieldName         = "name"
	FieldFirstName    = "first_name"
	FieldLastName     = "last_name"
	FieldEmail        = "email"
	FieldPhone        = "phone"
	FieldWebsite      = "website"
	FieldAddress      = "address"
	FieldCity         = "city"
	FieldState        = "state"
	FieldZip          = "zip"
	FieldTitle        = "title"
	FieldCompany      = "company"
	FieldIndustry     = "industry"
	FieldSpecialty    = "specialty"
	FieldSubspecialty = "subspecialty"
	FieldPosition     = "position"

	FieldContactFirstName = "contact_first_name"
	FieldContactLastName  = "contact_last_name"
	FieldContactEmail     = "contact_email"
	FieldContactPhone     = "contact_phone"
	FieldContactTitle     = "contact_title"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// FieldSpec describes one canonical field as exported by a source system.
type FieldSpec struct {
	Key          string `json:"key"`
	SourceColumn string `json:"source_column,omitempty"`
	Required     bool   `json:"required"`
}

// Source is one source-system column dialect.
type Source struct {
	ID     string      `json:"id"`
	Label  string      `json:"label"`
	Fields []FieldSpec `json:"fields"`
}

// Catalog is the static table of canonical fields per entity type and source.
type Catalog struct {
	entities map[models.EntityType]*entityCatalog
}

type entityCatalog struct {
	fields  []fieldDef
	sources map[string]*Source
}

type fieldDef struct {
	Key      string `yaml:"key"`
	Required bool   `yaml:"required"`
}

type sourceDef struct {
	Label   string            `yaml:"label"`
	Columns map[string]string `yaml:"columns"`
}

type entityDef struct {
	Fields  []fieldDef           `yaml:"fields"`
	Sources map[string]sourceDef `yaml:"sources"`
}

// LoadCatalog parses a YAML catalog document.
func LoadCatalog(data []byte) (*Catalog, error) {
	var doc map[string]entityDef
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse mapping catalog: %w", err)
	}

	c := &Catalog{entities: make(map[models.EntityType]*entityCatalog, len(doc))}
	for name, def := range doc {
		entityType, err := models.ParseEntityType(name)
		if err != nil {
			return nil, err
		}

		known := make(map[string]bool, len(def.Fields))
		for _, f := range def.Fields {
			if f.Key == "" {
				return nil, fmt.Errorf("%s: field with empty key", name)
			}
			known[f.Key] = true
		}

		ec := &entityCatalog{fields: def.Fields, sources: make(map[string]*Source, len(def.Sources))}
		for id, src := range def.Sources {
			for key := range src.Columns {
				if !known[key] {
					return nil, fmt.Errorf("%s/%s: column for unknown field %q", name, id, key)
				}
			}
			s := &Source{ID: id, Label: src.Label, Fields: make([]FieldSpec, 0, len(def.Fields))}
			for _, f := range def.Fields {
				s.Fields = append(s.Fields, FieldSpec{Key: f.Key, SourceColumn: src.Columns[f.Key], Required: f.Required})
			}
			ec.sources[id] = s
		}
		c.entities[entityType] = ec
	}
	return c, nil
}

// DefaultCatalog returns the embedded catalog. It panics if the embedded
// document is invalid, which is caught by the package tests.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(defaultCatalogYAML)
	if err != nil {
		panic(err)
	}
	return c
}

// Sources returns the source dialects for an entity type, sorted by id.
func (c *Catalog) Sources(t models.EntityType) []Source {
	ec, ok := c.entities[t]
	if !ok {
		return nil
	}
	out := make([]Source, 0, len(ec.sources))
	for _, s := range ec.sources {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fields returns the field specs of one source dialect.
func (c *Catalog) Fields(t models.EntityType, sourceID string) ([]FieldSpec, error) {
	ec, ok := c.entities[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidEntityType, t)
	}
	src, ok := ec.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q for %s", apperrors.ErrUnknownSource, sourceID, t)
	}
	return src.Fields, nil
}

// RequiredFields returns the canonical fields every row of t must carry.
func (c *Catalog) RequiredFields(t models.EntityType) []string {
	ec, ok := c.entities[t]
	if !ok {
		return nil
	}
	var out []string
	for _, f := range ec.fields {
		if f.Required {
			out = append(out, f.Key)
		}
	}
	return out
}

// IsField reports whether key is a canonical field of t.
func (c *Catalog) IsField(t models.EntityType, key string) bool {
	ec, ok := c.entities[t]
	if !ok {
		return false
	}
	for _, f := range ec.fields {
		if f.Key == key {
			return true
		}
	}
	return false
}
