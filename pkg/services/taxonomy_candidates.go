package services

import (
	"context"

	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/repositories"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
)

// taxonomyCandidates lists the sheet's distinct taxonomy values, each paired
// with the canonical record of the same name when one exists.
func (s *migrationService) taxonomyCandidates(ctx context.Context, m *models.Migration, sheet *spreadsheet.Sheet) (*TaxonomyCandidates, error) {
	base := m.Config.Base()
	fi := mapping.IndexFields(base.ColumnsFile, base.FieldsMapped)
	rows := sheet.Cells()
	lookup := newTaxonomyLookup(s.taxonomy)

	out := &TaxonomyCandidates{
		Industries: []IndustryCandidate{},
		Positions:  []PositionCandidate{},
	}
	for _, k := range mapping.ExtractIndustryCandidates(rows, fi) {
		c := IndustryCandidate{TaxonomyKey: k}
		var err error
		if c.IndustryID, c.SpecialtyID, c.SubspecialtyID, err = lookup.resolve(ctx, k); err != nil {
			return nil, err
		}
		out.Industries = append(out.Industries, c)
	}

	if m.EntityType != models.EntityTypeContacts {
		return out, nil
	}
	for _, k := range mapping.ExtractPositionCandidates(rows, fi) {
		c := PositionCandidate{PositionKey: k}
		_, specialtyID, _, err := lookup.resolve(ctx, k.TaxonomyKey)
		if err != nil {
			return nil, err
		}
		if c.PositionID, err = lookup.find(ctx, models.TaxonomyPosition, specialtyID, k.Position); err != nil {
			return nil, err
		}
		out.Positions = append(out.Positions, c)
	}
	return out, nil
}

type lookupKey struct {
	kind   models.TaxonomyKind
	parent int64
	title  string
}

// taxonomyLookup memoizes name lookups for one request.
type taxonomyLookup struct {
	repo  repositories.TaxonomyRepository
	cache map[lookupKey]*int64
}

func newTaxonomyLookup(repo repositories.TaxonomyRepository) *taxonomyLookup {
	return &taxonomyLookup{repo: repo, cache: make(map[lookupKey]*int64)}
}

func (l *taxonomyLookup) resolve(ctx context.Context, k mapping.TaxonomyKey) (industry, specialty, subspecialty *int64, err error) {
	if industry, err = l.find(ctx, models.TaxonomyIndustry, nil, k.Industry); err != nil || industry == nil {
		return industry, nil, nil, err
	}
	if k.Specialty == "" {
		return industry, nil, nil, nil
	}
	if specialty, err = l.find(ctx, models.TaxonomySpecialty, industry, k.Specialty); err != nil || specialty == nil {
		return industry, specialty, nil, err
	}
	if k.Subspecialty == "" {
		return industry, specialty, nil, nil
	}
	subspecialty, err = l.find(ctx, models.TaxonomySubspecialty, specialty, k.Subspecialty)
	return industry, specialty, subspecialty, err
}

func (l *taxonomyLookup) find(ctx context.Context, kind models.TaxonomyKind, parentID *int64, title string) (*int64, error) {
	if title == "" || (kind != models.TaxonomyIndustry && parentID == nil) {
		return nil, nil
	}

	key := lookupKey{kind: kind, title: title}
	if parentID != nil {
		key.parent = *parentID
	}
	if id, ok := l.cache[key]; ok {
		return id, nil
	}

	rec, err := l.repo.FindByTitle(ctx, kind, parentID, title)
	if err != nil {
		return nil, err
	}
	var id *int64
	if rec != nil {
		id = &rec.ID
	}
	l.cache[key] = id
	return id, nil
}
