package services

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

const contactsCSV = "First Name,Last Name,Email,Industry,Specialty,Position,Notes\n" +
	"Ann,Lee,ann@example.com,Healthcare,Nursing,RN,\n" +
	"Bob,Ray,bob@example.com,Finance,Audit,CPA,vip\n" +
	"Cid,Oh,cid@example.com, healthcare ,NURSING,rn,\n"

type mockAdmission struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	drains    int
	submitErr error
}

func (a *mockAdmission) SubmitPriority(_ context.Context, id uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, id)
	return a.submitErr
}

func (a *mockAdmission) DrainPending(context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drains++
	return 0, nil
}

func (a *mockAdmission) CanProcessPending(context.Context) (bool, error) { return true, nil }

func (a *mockAdmission) PurgeIdleProcess(context.Context) ([]*models.Migration, error) {
	return nil, nil
}

func (a *mockAdmission) RunMigration(context.Context, uuid.UUID) error { return nil }

type taxonomyEntry struct {
	kind   models.TaxonomyKind
	parent int64
	title  string
}

type mockTaxonomyRepository struct {
	records map[taxonomyEntry]int64
	calls   int
}

func (r *mockTaxonomyRepository) FindByTitle(_ context.Context, kind models.TaxonomyKind, parentID *int64, title string) (*models.TaxonomyRecord, error) {
	r.calls++
	key := taxonomyEntry{kind: kind, title: strings.ToLower(strings.TrimSpace(title))}
	if parentID != nil {
		key.parent = *parentID
	}
	id, ok := r.records[key]
	if !ok {
		return nil, nil
	}
	return &models.TaxonomyRecord{ID: id, Kind: kind, Title: title, ParentID: parentID}, nil
}

type serviceFixture struct {
	repo      *mockMigrationRepository
	files     *mockFileStore
	taxonomy  *mockTaxonomyRepository
	admission *mockAdmission
	svc       MigrationService
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		repo:  newMockMigrationRepository(),
		files: newMockFileStore(),
		taxonomy: &mockTaxonomyRepository{records: map[taxonomyEntry]int64{
			{kind: models.TaxonomyIndustry, title: "healthcare"}:          1,
			{kind: models.TaxonomySpecialty, parent: 1, title: "nursing"}: 2,
			{kind: models.TaxonomyPosition, parent: 2, title: "rn"}:       9,
		}},
		admission: &mockAdmission{},
	}
	f.svc = NewMigrationService(f.repo, f.taxonomy, f.files, mapping.DefaultCatalog(), f.admission, zap.NewNop())
	return f
}

func (f *serviceFixture) uploadContacts(t *testing.T) *models.Migration {
	t.Helper()
	companyID := int64(42)
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		EntityType:     models.EntityTypeContacts,
		SourceID:       "generic",
		FileName:       "contacts.csv",
		File:           strings.NewReader(contactsCSV),
		CreatedBy:      "user-1",
		CreatedByEmail: "owner@example.com",
		CompanyID:      &companyID,
	})
	require.NoError(t, err)
	return res.Migration
}

func TestMigrationService_Upload(t *testing.T) {
	f := newServiceFixture()
	companyID := int64(42)

	res, err := f.svc.Upload(context.Background(), UploadRequest{
		EntityType: models.EntityTypeContacts,
		SourceID:   "generic",
		FileName:   "contacts.csv",
		File:       strings.NewReader(contactsCSV),
		CreatedBy:  "user-1",
		CompanyID:  &companyID,
	})
	require.NoError(t, err)

	m := res.Migration
	assert.Equal(t, models.MigrationStatusCreated, m.Status)
	assert.Equal(t, "contacts.csv", m.File.Name)
	assert.True(t, strings.HasPrefix(m.File.Path, "migrations/contacts/"))
	require.Len(t, res.ColumnsFile, 7)
	assert.Equal(t, "Notes", res.ColumnsFile[6].Title)
	assert.Equal(t, map[string]string{
		mapping.FieldFirstName: "A",
		mapping.FieldLastName:  "B",
		mapping.FieldEmail:     "C",
		mapping.FieldIndustry:  "D",
		mapping.FieldSpecialty: "E",
		mapping.FieldPosition:  "F",
	}, res.FieldsMapped)

	stored, err := f.repo.GetByID(context.Background(), m.ID)
	require.NoError(t, err)
	cfg, ok := stored.Config.(*models.ContactsMigrationConfig)
	require.True(t, ok)
	require.NotNil(t, cfg.CompanyID)
	assert.Equal(t, int64(42), *cfg.CompanyID)
	assert.Equal(t, "Email", *cfg.FieldsColumn[mapping.FieldEmail])

	_, err = f.files.Open(context.Background(), m.File.Path)
	assert.NoError(t, err, "the original file is kept for processing")
}

func TestMigrationService_Upload_Rejects(t *testing.T) {
	f := newServiceFixture()

	_, err := f.svc.Upload(context.Background(), UploadRequest{
		EntityType: models.EntityTypeCompany, SourceID: "generic",
		FileName: "companies.pdf", File: strings.NewReader("x"),
	})
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedFormat)

	_, err = f.svc.Upload(context.Background(), UploadRequest{
		EntityType: models.EntityTypeCompany, SourceID: "salesforce",
		FileName: "companies.csv", File: strings.NewReader("Company Name\nAcme\n"),
	})
	assert.ErrorIs(t, err, apperrors.ErrUnknownSource)

	assert.Empty(t, f.files.files, "nothing is stored for a rejected upload")
}

func TestMigrationService_UpdateFieldMapping_ReturnsCandidates(t *testing.T) {
	f := newServiceFixture()
	m := f.uploadContacts(t)

	res, err := f.svc.UpdateFieldMapping(context.Background(), "user-1", m.ID, map[string]string{
		mapping.FieldFirstName: "A",
		mapping.FieldLastName:  "B",
		mapping.FieldEmail:     "C",
		mapping.FieldIndustry:  "D",
		mapping.FieldSpecialty: "E",
		mapping.FieldPosition:  "F",
		mapping.FieldTitle:     "Q",
	})
	require.NoError(t, err)

	cfg := res.Migration.Config.Base()
	assert.Equal(t, "Position", *cfg.FieldsColumn[mapping.FieldPosition])
	assert.Nil(t, cfg.FieldsColumn[mapping.FieldTitle], "a column missing from the sheet resolves to nil")

	require.NotNil(t, res.Candidates)
	require.Len(t, res.Candidates.Industries, 2)
	hc := res.Candidates.Industries[0]
	assert.Equal(t, mapping.TaxonomyKey{Industry: "healthcare", Specialty: "nursing"}, hc.TaxonomyKey)
	require.NotNil(t, hc.IndustryID)
	require.NotNil(t, hc.SpecialtyID)
	assert.Equal(t, int64(1), *hc.IndustryID)
	assert.Equal(t, int64(2), *hc.SpecialtyID)
	assert.Nil(t, hc.SubspecialtyID)
	assert.Nil(t, res.Candidates.Industries[1].IndustryID)

	require.Len(t, res.Candidates.Positions, 2)
	assert.Equal(t, "rn", res.Candidates.Positions[0].Position)
	require.NotNil(t, res.Candidates.Positions[0].PositionID)
	assert.Equal(t, int64(9), *res.Candidates.Positions[0].PositionID)
	assert.Nil(t, res.Candidates.Positions[1].PositionID)
}

func TestMigrationService_UpdateFieldMapping_Errors(t *testing.T) {
	f := newServiceFixture()
	m := f.uploadContacts(t)

	_, err := f.svc.UpdateFieldMapping(context.Background(), "user-1", m.ID, map[string]string{"nickname": "A"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.UpdateFieldMapping(context.Background(), "user-2", m.ID, map[string]string{mapping.FieldEmail: "C"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "another user's migration is invisible")

	_, err = f.svc.UpdateFieldMapping(context.Background(), "user-1", uuid.New(), map[string]string{mapping.FieldEmail: "C"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	f.repo.mu.Lock()
	f.repo.migrations[m.ID].Status = models.MigrationStatusInProgress
	f.repo.mu.Unlock()
	_, err = f.svc.UpdateFieldMapping(context.Background(), "user-1", m.ID, map[string]string{mapping.FieldEmail: "C"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestMigrationService_UpdateFieldMapping_SearchProjectHasNoCandidates(t *testing.T) {
	f := newServiceFixture()
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		EntityType: models.EntityTypeSearchProject, SourceID: "generic",
		FileName: "roster.csv", File: strings.NewReader("Email\nann@example.com\n"),
		CreatedBy: "user-1",
	})
	require.NoError(t, err)

	out, err := f.svc.UpdateFieldMapping(context.Background(), "user-1", res.Migration.ID, map[string]string{mapping.FieldEmail: "A"})
	require.NoError(t, err)
	assert.Nil(t, out.Candidates)
	assert.Zero(t, f.taxonomy.calls)
}

func TestMigrationService_UpdateTaxonomyMapping(t *testing.T) {
	tests := []struct {
		name         string
		highPriority bool
		wantSubmits  int
		wantDrains   int
	}{
		{name: "high priority is admitted directly", highPriority: true, wantSubmits: 1},
		{name: "batch goes to the pending pool", highPriority: false, wantDrains: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture()
			m := f.uploadContacts(t)

			got, err := f.svc.UpdateTaxonomyMapping(context.Background(), "user-1", m.ID, models.TaxonomyMapping{
				Industries: []models.IndustryMapping{{Industry: " Healthcare", Specialty: "Nursing", IndustryID: 1, SpecialtyID: 2}},
				Positions:  []models.PositionMapping{{Industry: "Healthcare", Specialty: "Nursing", Position: "RN", PositionID: 9}},
			}, tt.highPriority)
			require.NoError(t, err)

			assert.Equal(t, models.MigrationStatusConfigCompleted, got.Status)
			assert.Equal(t, tt.highPriority, got.IsHighPriority)
			base := got.Config.Base()
			require.Len(t, base.IndustriesMapping, 1)
			assert.Equal(t, "healthcare", base.IndustriesMapping[0].Industry)
			assert.Equal(t, "rn", base.PositionsMapping[0].Position)

			assert.Len(t, f.admission.submitted, tt.wantSubmits)
			assert.Equal(t, tt.wantDrains, f.admission.drains)
		})
	}
}

func TestMigrationService_UpdateTaxonomyMapping_Rejects(t *testing.T) {
	f := newServiceFixture()
	m := f.uploadContacts(t)

	_, err := f.svc.UpdateTaxonomyMapping(context.Background(), "user-1", m.ID, models.TaxonomyMapping{
		Industries: []models.IndustryMapping{{Industry: "Healthcare", Specialty: "Nursing", IndustryID: 1}},
	}, false)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, models.MigrationStatusCreated, f.repo.status(m.ID))
	assert.Zero(t, f.admission.drains)

	res, err := f.svc.Upload(context.Background(), UploadRequest{
		EntityType: models.EntityTypeSearchProject, SourceID: "generic",
		FileName: "roster.csv", File: strings.NewReader("Email\nann@example.com\n"),
		CreatedBy: "user-1",
	})
	require.NoError(t, err)
	_, err = f.svc.UpdateTaxonomyMapping(context.Background(), "user-1", res.Migration.ID, models.TaxonomyMapping{}, false)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestMigrationService_FinalizeConfig_SearchProject(t *testing.T) {
	f := newServiceFixture()
	res, err := f.svc.Upload(context.Background(), UploadRequest{
		EntityType: models.EntityTypeSearchProject, SourceID: "generic",
		FileName: "roster.csv", File: strings.NewReader("Email\nann@example.com\n"),
		CreatedBy: "user-1", SearchProjectName: "Old name",
	})
	require.NoError(t, err)

	name := "  Spring roster "
	got, err := f.svc.FinalizeConfig(context.Background(), "user-1", res.Migration.ID, FinalizeConfigRequest{SearchProjectName: &name})
	require.NoError(t, err)

	cfg, ok := got.Config.(*models.SearchProjectMigrationConfig)
	require.True(t, ok)
	assert.Equal(t, "Spring roster", cfg.SearchProjectName)
	assert.Nil(t, cfg.SearchProjectID)
	assert.Equal(t, models.MigrationStatusConfigCompleted, got.Status)
	assert.Equal(t, 1, f.admission.drains)
}

func TestMigrationService_FinalizeConfig_SubmitFailure(t *testing.T) {
	f := newServiceFixture()
	f.admission.submitErr = assert.AnError
	m := f.uploadContacts(t)

	_, err := f.svc.FinalizeConfig(context.Background(), "user-1", m.ID, FinalizeConfigRequest{IsHighPriority: true})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, models.MigrationStatusConfigCompleted, f.repo.status(m.ID), "the record stays ready for a retry")
}

func TestMigrationService_ReadPaths(t *testing.T) {
	f := newServiceFixture()
	m := f.uploadContacts(t)
	f.uploadContacts(t)

	p, err := f.svc.GetProgress(context.Background(), "user-1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MigrationStatusCreated, p.Status)
	assert.Equal(t, models.EntityTypeContacts, p.EntityType)

	_, err = f.svc.Get(context.Background(), "user-2", m.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	items, total, err := f.svc.List(context.Background(), models.MigrationListFilter{CreatedBy: "user-1"})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, total)

	items, total, err = f.svc.List(context.Background(), models.MigrationListFilter{CreatedBy: "user-1", EntityType: models.EntityTypeCompany})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, total)

	sources, err := f.svc.Sources(models.EntityTypeCompany)
	require.NoError(t, err)
	assert.NotEmpty(t, sources)
	_, err = f.svc.Sources(models.EntityType("invoice"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidEntityType)
}
