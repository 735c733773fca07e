// Package rowproc turns the rows of an uploaded sheet into CRM records.
// Each entity type has its own processor; all of them share one sequential
// loop that sorts rows into success and error buckets and reports progress
// after every row.
package rowproc

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/repositories"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
)

// Processor runs one migration's rows.
type Processor interface {
	EntityType() models.EntityType
	// Process handles every row in sheet order. Row problems end up in
	// Result.ErrorsFound; a returned error means the run was aborted and the
	// returned Result holds whatever was done before the failure.
	Process(ctx context.Context, in Input) (*Result, error)
}

// Stores are the repositories processors read and write through.
type Stores struct {
	Companies      repositories.CompanyRepository
	People         repositories.PersonRepository
	SearchProjects repositories.SearchProjectRepository
}

// Input is one run's snapshot of the migration plus its parsed sheet.
type Input struct {
	Migration  *models.Migration
	Sheet      *spreadsheet.Sheet
	OnProgress ProgressFunc
}

// Progress is reported after each row.
type Progress struct {
	Processed int
	Errors    int
	Total     int
	Percent   int
	Message   string
}

// ProgressFunc receives per-row progress. Returning an error aborts the run.
type ProgressFunc func(ctx context.Context, p Progress) error

// RowOutcome is one input row and, for failed rows, why it failed.
type RowOutcome struct {
	Row   spreadsheet.Row
	Error string
}

// Result holds the buckets accumulated by a run.
type Result struct {
	Headers        []string
	ErrorsFound    []RowOutcome
	SuccessUploads []RowOutcome

	// Contacts created from company rows.
	ContactHeaders []string
	Contacts       [][]string

	// Search project roster.
	SearchProjectID int64
	Members         models.SearchProjectMembers

	Success bool
}

// ItemsProcessed is the number of rows that succeeded.
func (r *Result) ItemsProcessed() int { return len(r.SuccessUploads) }

// ItemsError is the number of rows that failed.
func (r *Result) ItemsError() int { return len(r.ErrorsFound) }

// RowError is an expected, per-row failure. It is recorded, never raised.
type RowError struct {
	Reason string
}

func (e *RowError) Error() string { return e.Reason }

func rowErrorf(format string, args ...any) error {
	return &RowError{Reason: fmt.Sprintf(format, args...)}
}

// New returns the processor for an entity type.
func New(t models.EntityType, stores Stores, catalog *mapping.Catalog, logger *zap.Logger) (Processor, error) {
	logger = logger.Named("rowproc").With(zap.String("entity_type", string(t)))
	switch t {
	case models.EntityTypeCompany:
		return &companyProcessor{stores: stores, required: catalog.RequiredFields(t), logger: logger}, nil
	case models.EntityTypeContacts:
		return &contactsProcessor{stores: stores, required: catalog.RequiredFields(t), logger: logger}, nil
	case models.EntityTypeSearchProject:
		return &searchProjectProcessor{stores: stores, required: catalog.RequiredFields(t), logger: logger}, nil
	}
	return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidEntityType, t)
}

// rowHandler processes one row and returns a label for progress messages.
// A *RowError marks the row failed; any other error aborts the run.
type rowHandler func(ctx context.Context, row spreadsheet.Row) (label string, err error)

func newResult(in Input) *Result {
	return &Result{Headers: in.Sheet.Headers}
}

// run is the loop shared by every processor.
func run(ctx context.Context, in Input, res *Result, handle rowHandler, logger *zap.Logger) error {
	total := len(in.Sheet.Rows)
	for _, row := range in.Sheet.Rows {
		if err := ctx.Err(); err != nil {
			return err
		}

		label, err := handle(ctx, row)
		if label == "" {
			label = fmt.Sprintf("row %d", row.Number)
		}

		var message string
		var rowErr *RowError
		switch {
		case err == nil:
			res.SuccessUploads = append(res.SuccessUploads, RowOutcome{Row: row})
			message = "Migrated " + label
		case errors.As(err, &rowErr):
			res.ErrorsFound = append(res.ErrorsFound, RowOutcome{Row: row, Error: rowErr.Reason})
			message = fmt.Sprintf("Error on %s [%s]", label, rowErr.Reason)
			logger.Debug("Row rejected",
				zap.Int("row", row.Number),
				zap.String("reason", rowErr.Reason))
		default:
			return fmt.Errorf("row %d: %w", row.Number, err)
		}

		if in.OnProgress == nil {
			continue
		}
		done := res.ItemsProcessed() + res.ItemsError()
		if err := in.OnProgress(ctx, Progress{
			Processed: res.ItemsProcessed(),
			Errors:    res.ItemsError(),
			Total:     total,
			Percent:   models.PercentOf(done, total),
			Message:   message,
		}); err != nil {
			return fmt.Errorf("failed to record progress: %w", err)
		}
	}
	return nil
}

// fieldsOf builds the column index for a stored config.
func fieldsOf(base *models.BaseMigrationConfig) mapping.FieldIndex {
	return mapping.IndexFields(base.ColumnsFile, base.FieldsMapped)
}

// checkRequired returns a row error naming every empty required field.
func checkRequired(fi mapping.FieldIndex, cells []string, required []string) error {
	missing := fi.Missing(cells, required)
	switch len(missing) {
	case 0:
		return nil
	case 1:
		return rowErrorf("missing required field %s", missing[0])
	}
	return rowErrorf("missing required fields %v", missing)
}

// resolveIndustry maps the row's taxonomy values to canonical ids.
func resolveIndustry(fi mapping.FieldIndex, tax *mapping.TaxonomyIndex, cells []string) (models.IndustryMapping, error) {
	key := fi.TaxonomyKeyOf(cells)
	m, ok := tax.Industry(key)
	if !ok {
		return m, rowErrorf("industry %q, specialty %q, subspecialty %q is not mapped",
			key.Industry, key.Specialty, key.Subspecialty)
	}
	return m, nil
}

// resolvePosition maps the row's position within its taxonomy combination.
func resolvePosition(fi mapping.FieldIndex, tax *mapping.TaxonomyIndex, cells []string) (models.PositionMapping, error) {
	key := mapping.PositionKey{
		TaxonomyKey: fi.TaxonomyKeyOf(cells),
		Position:    mapping.FormatToCompare(fi.Value(cells, mapping.FieldPosition)),
	}
	p, ok := tax.Position(key)
	if !ok {
		return p, rowErrorf("position %q is not mapped", key.Position)
	}
	return p, nil
}

// companyCache remembers companies matched or created during one run, so a
// company repeated across rows is created once.
type companyCache struct {
	repo    repositories.CompanyRepository
	byName  map[string]int64
	creator string
	source  *models.Migration
}

func newCompanyCache(repo repositories.CompanyRepository, m *models.Migration) *companyCache {
	return &companyCache{repo: repo, byName: make(map[string]int64), creator: m.CreatedBy, source: m}
}

// matchOrCreate returns the id of the named company, creating it from tmpl
// when no company with that name exists.
func (c *companyCache) matchOrCreate(ctx context.Context, tmpl models.Company) (int64, bool, error) {
	key := mapping.FormatToCompare(tmpl.Name)
	if id, ok := c.byName[key]; ok {
		return id, false, nil
	}

	existing, err := c.repo.FindByName(ctx, tmpl.Name)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		c.byName[key] = existing.ID
		return existing.ID, false, nil
	}

	tmpl.CreatedBy = c.creator
	tmpl.SourceMigrationID = &c.source.ID
	if err := c.repo.Create(ctx, &tmpl); err != nil {
		return 0, false, err
	}
	c.byName[key] = tmpl.ID
	return tmpl.ID, true, nil
}

// findPerson looks up email across person kinds in dedup priority order.
func findPerson(ctx context.Context, people repositories.PersonRepository, email string) (models.PersonKind, int64, bool, error) {
	for _, kind := range models.PersonLookupOrder {
		id, ok, err := people.FindIDByEmail(ctx, kind, email)
		if err != nil {
			return "", 0, false, err
		}
		if ok {
			return kind, id, true, nil
		}
	}
	return "", 0, false, nil
}
