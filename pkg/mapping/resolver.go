package mapping

import (
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// FormatToCompare normalizes a cell or header for comparison.
// The same normalization is used when collecting distinct taxonomy values
// and when matching rows against the confirmed mapping.
func FormatToCompare(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DescribeColumns builds column descriptors for a header row. Keys are
// spreadsheet column letters.
func DescribeColumns(headers []string) []models.ColumnDescriptor {
	cols := make([]models.ColumnDescriptor, 0, len(headers))
	for i, h := range headers {
		key, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			break // beyond XFD; excelize sheets cannot have more columns
		}
		cols = append(cols, models.ColumnDescriptor{Key: key, Title: strings.TrimSpace(h), Index: i})
	}
	return cols
}

// SuggestFieldsMapped proposes an initial mapping by matching each field's
// source-system column name against the sheet headers.
func SuggestFieldsMapped(fields []FieldSpec, columns []models.ColumnDescriptor) map[string]string {
	byTitle := make(map[string]string, len(columns))
	for _, c := range columns {
		t := FormatToCompare(c.Title)
		if _, dup := byTitle[t]; !dup && t != "" {
			byTitle[t] = c.Key
		}
	}

	out := make(map[string]string)
	for _, f := range fields {
		candidates := []string{f.SourceColumn, f.Key, strings.ReplaceAll(f.Key, "_", " ")}
		for _, cand := range candidates {
			if key, ok := byTitle[FormatToCompare(cand)]; ok && cand != "" {
				out[f.Key] = key
				break
			}
		}
	}
	return out
}

// ResolveColumns maps every canonical field in fieldsMapped to the header of
// the column it points at. Keys whose column is not in the sheet resolve to
// nil. The result depends only on its inputs.
func ResolveColumns(columns []models.ColumnDescriptor, fieldsMapped map[string]string) map[string]*string {
	byKey := make(map[string]models.ColumnDescriptor, len(columns))
	for _, c := range columns {
		byKey[c.Key] = c
	}

	out := make(map[string]*string, len(fieldsMapped))
	for field, columnKey := range fieldsMapped {
		c, ok := byKey[columnKey]
		if !ok {
			out[field] = nil
			continue
		}
		title := c.Title
		out[field] = &title
	}
	return out
}

// FieldIndex maps canonical field name to a column index in the row data.
type FieldIndex map[string]int

// IndexFields resolves fieldsMapped to column indexes. Fields whose column is
// missing are left out, so Value returns "" for them.
func IndexFields(columns []models.ColumnDescriptor, fieldsMapped map[string]string) FieldIndex {
	byKey := make(map[string]int, len(columns))
	for _, c := range columns {
		byKey[c.Key] = c.Index
	}

	fi := make(FieldIndex, len(fieldsMapped))
	for field, columnKey := range fieldsMapped {
		if idx, ok := byKey[columnKey]; ok {
			fi[field] = idx
		}
	}
	return fi
}

// Has reports whether the field resolved to a column.
func (fi FieldIndex) Has(field string) bool {
	_, ok := fi[field]
	return ok
}

// Value returns the trimmed cell for field, or "" when unmapped or short.
func (fi FieldIndex) Value(row []string, field string) string {
	idx, ok := fi[field]
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// Missing returns the required fields whose value is empty on row.
func (fi FieldIndex) Missing(row []string, required []string) []string {
	var out []string
	for _, f := range required {
		if fi.Value(row, f) == "" {
			out = append(out, f)
		}
	}
	return out
}

// ExtractUniqueValues returns the distinct non-empty normalized values of a
// column, in first-seen order.
func ExtractUniqueValues(rows [][]string, columnIndex int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, row := range rows {
		if columnIndex < 0 || columnIndex >= len(row) {
			continue
		}
		v := FormatToCompare(row[columnIndex])
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// TaxonomyKey is a normalized industry/specialty/subspecialty combination.
type TaxonomyKey struct {
	Industry     string `json:"industry"`
	Specialty    string `json:"specialty"`
	Subspecialty string `json:"subspecialty,omitempty"`
}

// PositionKey is a normalized position within a taxonomy combination.
type PositionKey struct {
	TaxonomyKey
	Position string `json:"position"`
}

// TaxonomyKeyOf reads a row's normalized taxonomy combination.
func (fi FieldIndex) TaxonomyKeyOf(row []string) TaxonomyKey {
	return TaxonomyKey{
		Industry:     FormatToCompare(fi.Value(row, FieldIndustry)),
		Specialty:    FormatToCompare(fi.Value(row, FieldSpecialty)),
		Subspecialty: FormatToCompare(fi.Value(row, FieldSubspecialty)),
	}
}

// ExtractIndustryCandidates returns the distinct taxonomy combinations in the
// sheet. Rows without an industry are skipped.
func ExtractIndustryCandidates(rows [][]string, fi FieldIndex) []TaxonomyKey {
	seen := make(map[TaxonomyKey]bool)
	var out []TaxonomyKey
	for _, row := range rows {
		k := fi.TaxonomyKeyOf(row)
		if k.Industry == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// ExtractPositionCandidates returns the distinct positions per taxonomy
// combination. Rows without an industry or a position are skipped.
func ExtractPositionCandidates(rows [][]string, fi FieldIndex) []PositionKey {
	seen := make(map[PositionKey]bool)
	var out []PositionKey
	for _, row := range rows {
		k := PositionKey{TaxonomyKey: fi.TaxonomyKeyOf(row), Position: FormatToCompare(fi.Value(row, FieldPosition))}
		if k.Industry == "" || k.Position == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
