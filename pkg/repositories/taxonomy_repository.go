package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// TaxonomyRepository looks up canonical industries, specialties,
// subspecialties and positions by name. Taxonomy CRUD lives elsewhere.
type TaxonomyRepository interface {
	// FindByTitle returns the record of kind whose title matches
	// case-insensitively under parentID, or nil when there is none.
	// parentID is ignored for industries.
	FindByTitle(ctx context.Context, kind models.TaxonomyKind, parentID *int64, title string) (*models.TaxonomyRecord, error)
}

type taxonomyRepository struct{}

// NewTaxonomyRepository creates a new TaxonomyRepository.
func NewTaxonomyRepository() TaxonomyRepository {
	return &taxonomyRepository{}
}

var _ TaxonomyRepository = (*taxonomyRepository)(nil)

// taxonomyTables maps a kind to its table and parent column.
var taxonomyTables = map[models.TaxonomyKind]struct{ table, parent string }{
	models.TaxonomyIndustry:     {"industries", ""},
	models.TaxonomySpecialty:    {"specialties", "industry_id"},
	models.TaxonomySubspecialty: {"subspecialties", "specialty_id"},
	models.TaxonomyPosition:     {"positions", "specialty_id"},
}

func (r *taxonomyRepository) FindByTitle(ctx context.Context, kind models.TaxonomyKind, parentID *int64, title string) (*models.TaxonomyRecord, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	t, ok := taxonomyTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown taxonomy kind %q", kind)
	}

	rec := models.TaxonomyRecord{Kind: kind}
	var row pgx.Row
	if t.parent == "" {
		row = s.Conn.QueryRow(ctx,
			`SELECT id, title, NULL::bigint FROM `+t.table+` WHERE lower(title) = lower(trim($1)) LIMIT 1`,
			title)
	} else {
		if parentID == nil {
			return nil, nil
		}
		row = s.Conn.QueryRow(ctx,
			`SELECT id, title, `+t.parent+` FROM `+t.table+` WHERE `+t.parent+` = $1 AND lower(title) = lower(trim($2)) LIMIT 1`,
			*parentID, title)
	}

	if err := row.Scan(&rec.ID, &rec.Title, &rec.ParentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find %s: %w", kind, err)
	}
	return &rec, nil
}
