package mapping

import "github.com/ekaya-inc/crm-migrations/pkg/models"

// TaxonomyIndex answers row-time lookups against an operator-confirmed
// taxonomy mapping. Keys are normalized with FormatToCompare so that a value
// offered at mapping time matches the same value at processing time.
type TaxonomyIndex struct {
	industries map[TaxonomyKey]models.IndustryMapping
	positions  map[PositionKey]models.PositionMapping
}

// NewTaxonomyIndex builds an index from the stored mapping.
func NewTaxonomyIndex(industries []models.IndustryMapping, positions []models.PositionMapping) *TaxonomyIndex {
	idx := &TaxonomyIndex{
		industries: make(map[TaxonomyKey]models.IndustryMapping, len(industries)),
		positions:  make(map[PositionKey]models.PositionMapping, len(positions)),
	}
	for _, m := range industries {
		idx.industries[TaxonomyKey{
			Industry:     FormatToCompare(m.Industry),
			Specialty:    FormatToCompare(m.Specialty),
			Subspecialty: FormatToCompare(m.Subspecialty),
		}] = m
	}
	for _, p := range positions {
		idx.positions[PositionKey{
			TaxonomyKey: TaxonomyKey{
				Industry:     FormatToCompare(p.Industry),
				Specialty:    FormatToCompare(p.Specialty),
				Subspecialty: FormatToCompare(p.Subspecialty),
			},
			Position: FormatToCompare(p.Position),
		}] = p
	}
	return idx
}

// Industry returns the mapping for a taxonomy combination.
func (t *TaxonomyIndex) Industry(k TaxonomyKey) (models.IndustryMapping, bool) {
	m, ok := t.industries[k]
	return m, ok
}

// Position returns the mapping for a position within a combination.
func (t *TaxonomyIndex) Position(k PositionKey) (models.PositionMapping, bool) {
	m, ok := t.positions[k]
	return m, ok
}

// NormalizeTaxonomyMapping returns a copy of m with every source value
// normalized, so stored mappings compare equal to extracted candidates.
func NormalizeTaxonomyMapping(m models.TaxonomyMapping) models.TaxonomyMapping {
	out := models.TaxonomyMapping{
		Industries: make([]models.IndustryMapping, len(m.Industries)),
		Positions:  make([]models.PositionMapping, len(m.Positions)),
	}
	for i, in := range m.Industries {
		in.Industry = FormatToCompare(in.Industry)
		in.Specialty = FormatToCompare(in.Specialty)
		in.Subspecialty = FormatToCompare(in.Subspecialty)
		out.Industries[i] = in
	}
	for i, p := range m.Positions {
		p.Industry = FormatToCompare(p.Industry)
		p.Specialty = FormatToCompare(p.Specialty)
		p.Subspecialty = FormatToCompare(p.Subspecialty)
		p.Position = FormatToCompare(p.Position)
		out.Positions[i] = p
	}
	return out
}
