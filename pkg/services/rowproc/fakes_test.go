package rowproc

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
)

// In-memory stores for processor tests.

type fakeCompanies struct {
	byName    map[string]*models.Company
	created   []*models.Company
	nextID    int64
	findErr   error
	findCalls int
}

func newFakeCompanies() *fakeCompanies {
	return &fakeCompanies{byName: make(map[string]*models.Company), nextID: 100}
}

func (f *fakeCompanies) FindByName(_ context.Context, name string) (*models.Company, error) {
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.byName[strings.ToLower(strings.TrimSpace(name))], nil
}

func (f *fakeCompanies) Create(_ context.Context, c *models.Company) error {
	f.nextID++
	c.ID = f.nextID
	f.byName[strings.ToLower(c.Name)] = c
	f.created = append(f.created, c)
	return nil
}

type fakePeople struct {
	emails  map[models.PersonKind]map[string]int64
	created []*models.Name
	nextID  int64
	lookups []models.PersonKind
}

func newFakePeople() *fakePeople {
	return &fakePeople{emails: make(map[models.PersonKind]map[string]int64), nextID: 500}
}

func (f *fakePeople) add(kind models.PersonKind, email string, id int64) {
	if f.emails[kind] == nil {
		f.emails[kind] = make(map[string]int64)
	}
	f.emails[kind][strings.ToLower(email)] = id
}

func (f *fakePeople) FindIDByEmail(_ context.Context, kind models.PersonKind, email string) (int64, bool, error) {
	f.lookups = append(f.lookups, kind)
	id, ok := f.emails[kind][strings.ToLower(strings.TrimSpace(email))]
	return id, ok, nil
}

func (f *fakePeople) CreateName(_ context.Context, n *models.Name) error {
	f.nextID++
	n.ID = f.nextID
	if n.Email != "" {
		f.add(models.PersonKindName, n.Email, n.ID)
	}
	f.created = append(f.created, n)
	return nil
}

type fakeSearchProjects struct {
	projects map[int64]*models.SearchProject
	members  map[int64]models.SearchProjectMembers
	nextID   int64
}

func newFakeSearchProjects() *fakeSearchProjects {
	return &fakeSearchProjects{
		projects: make(map[int64]*models.SearchProject),
		members:  make(map[int64]models.SearchProjectMembers),
	}
}

func (f *fakeSearchProjects) GetByID(_ context.Context, id int64) (*models.SearchProject, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return p, nil
}

func (f *fakeSearchProjects) Create(_ context.Context, p *models.SearchProject) error {
	f.nextID++
	p.ID = f.nextID
	f.projects[p.ID] = p
	return nil
}

func (f *fakeSearchProjects) AddMembers(_ context.Context, id int64, m models.SearchProjectMembers) error {
	f.members[id] = m
	return nil
}

type fixture struct {
	companies      *fakeCompanies
	people         *fakePeople
	searchProjects *fakeSearchProjects
}

func newFixture() *fixture {
	return &fixture{
		companies:      newFakeCompanies(),
		people:         newFakePeople(),
		searchProjects: newFakeSearchProjects(),
	}
}

func (f *fixture) stores() Stores {
	return Stores{Companies: f.companies, People: f.people, SearchProjects: f.searchProjects}
}

// buildSheet makes a sheet whose rows are numbered from 2.
func buildSheet(headers []string, rows ...[]string) *spreadsheet.Sheet {
	s := &spreadsheet.Sheet{Headers: headers}
	for i, r := range rows {
		s.Rows = append(s.Rows, spreadsheet.Row{Number: i + 2, Cells: r})
	}
	return s
}

// baseConfig maps each field to the column with the same position.
func baseConfig(headers []string, fields ...string) models.BaseMigrationConfig {
	cols := mapping.DescribeColumns(headers)
	mapped := make(map[string]string, len(fields))
	for i, f := range fields {
		if f != "" {
			mapped[f] = cols[i].Key
		}
	}
	return models.BaseMigrationConfig{
		ColumnsFile:  cols,
		FieldsMapped: mapped,
		FieldsColumn: mapping.ResolveColumns(cols, mapped),
	}
}

func newMigration(t models.EntityType, cfg models.MigrationConfig) *models.Migration {
	return &models.Migration{
		ID:         uuid.New(),
		EntityType: t,
		Config:     cfg,
		Status:     models.MigrationStatusInProgress,
		CreatedBy:  "user-1",
		File:       models.FileRef{Name: "roster.xlsx"},
	}
}
