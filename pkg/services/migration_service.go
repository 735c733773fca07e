package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/repositories"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
	"github.com/ekaya-inc/crm-migrations/pkg/storage"
)

// MigrationService drives a migration from upload to admission.
type MigrationService interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	UpdateFieldMapping(ctx context.Context, userID string, id uuid.UUID, fieldsMapped map[string]string) (*FieldMappingResult, error)
	UpdateTaxonomyMapping(ctx context.Context, userID string, id uuid.UUID, mapping models.TaxonomyMapping, isHighPriority bool) (*models.Migration, error)
	FinalizeConfig(ctx context.Context, userID string, id uuid.UUID, req FinalizeConfigRequest) (*models.Migration, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (*models.Migration, error)
	GetProgress(ctx context.Context, userID string, id uuid.UUID) (*models.MigrationProgress, error)
	List(ctx context.Context, filter models.MigrationListFilter) ([]*models.Migration, int, error)
	Sources(entityType models.EntityType) ([]mapping.Source, error)
}

// UploadRequest is a new migration file plus its entity-specific options.
type UploadRequest struct {
	EntityType     models.EntityType
	SourceID       string
	FileName       string
	File           io.Reader
	CreatedBy      string
	CreatedByEmail string

	// Contacts only.
	CompanyID *int64
	// Search project only.
	SearchProjectID   *int64
	SearchProjectName string
}

// UploadResult is returned after an upload.
type UploadResult struct {
	Migration    *models.Migration         `json:"migration"`
	ColumnsFile  []models.ColumnDescriptor `json:"columnsFile"`
	FieldsMapped map[string]string         `json:"fieldsMapped"`
}

// IndustryCandidate is a distinct taxonomy combination found in the sheet,
// with the ids of canonical records whose names match, when any do.
type IndustryCandidate struct {
	mapping.TaxonomyKey
	IndustryID     *int64 `json:"industry_id,omitempty"`
	SpecialtyID    *int64 `json:"specialty_id,omitempty"`
	SubspecialtyID *int64 `json:"subspecialty_id,omitempty"`
}

// PositionCandidate is a distinct position within a taxonomy combination.
type PositionCandidate struct {
	mapping.PositionKey
	PositionID *int64 `json:"position_id,omitempty"`
}

// TaxonomyCandidates feed the operator's taxonomy mapping step.
type TaxonomyCandidates struct {
	Industries []IndustryCandidate `json:"industries"`
	Positions  []PositionCandidate `json:"positions"`
}

// FieldMappingResult is returned after the field mapping changes.
type FieldMappingResult struct {
	Migration  *models.Migration   `json:"migration"`
	Candidates *TaxonomyCandidates `json:"candidates,omitempty"`
}

// FinalizeConfigRequest completes a migration's config without a taxonomy step.
type FinalizeConfigRequest struct {
	IsHighPriority    bool    `json:"is_high_priority"`
	SearchProjectID   *int64  `json:"search_project_id,omitempty"`
	SearchProjectName *string `json:"search_project_name,omitempty"`
}

type migrationService struct {
	repo      repositories.MigrationRepository
	taxonomy  repositories.TaxonomyRepository
	files     storage.FileStore
	catalog   *mapping.Catalog
	admission AdmissionController
	logger    *zap.Logger
}

// NewMigrationService creates a MigrationService.
func NewMigrationService(
	repo repositories.MigrationRepository,
	taxonomy repositories.TaxonomyRepository,
	files storage.FileStore,
	catalog *mapping.Catalog,
	admission AdmissionController,
	logger *zap.Logger,
) MigrationService {
	return &migrationService{
		repo:      repo,
		taxonomy:  taxonomy,
		files:     files,
		catalog:   catalog,
		admission: admission,
		logger:    logger.Named("migrations"),
	}
}

var _ MigrationService = (*migrationService)(nil)

func (s *migrationService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	fields, err := s.catalog.Fields(req.EntityType, req.SourceID)
	if err != nil {
		return nil, err
	}
	if !spreadsheet.SupportedExtension(req.FileName) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnsupportedFormat, req.FileName)
	}

	data, err := io.ReadAll(req.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	sheet, err := spreadsheet.Parse(req.FileName, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	path, err := s.files.Save(ctx, "migrations/"+string(req.EntityType), req.FileName, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	cfg, err := models.NewMigrationConfig(req.EntityType)
	if err != nil {
		return nil, err
	}
	base := cfg.Base()
	base.ColumnsFile = mapping.DescribeColumns(sheet.Headers)
	base.FieldsMapped = mapping.SuggestFieldsMapped(fields, base.ColumnsFile)
	base.FieldsColumn = mapping.ResolveColumns(base.ColumnsFile, base.FieldsMapped)

	switch c := cfg.(type) {
	case *models.ContactsMigrationConfig:
		c.CompanyID = req.CompanyID
	case *models.SearchProjectMigrationConfig:
		c.SearchProjectID = req.SearchProjectID
		c.SearchProjectName = strings.TrimSpace(req.SearchProjectName)
	}

	m := &models.Migration{
		EntityType:     req.EntityType,
		SourceID:       req.SourceID,
		File:           models.FileRef{Path: path, Name: req.FileName},
		Config:         cfg,
		CreatedBy:      req.CreatedBy,
		CreatedByEmail: req.CreatedByEmail,
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("Migration uploaded",
		zap.String("migration_id", m.ID.String()),
		zap.String("entity_type", string(m.EntityType)),
		zap.String("source_id", m.SourceID),
		zap.Int("rows", len(sheet.Rows)),
		zap.Int("columns", len(base.ColumnsFile)))

	return &UploadResult{
		Migration:    m,
		ColumnsFile:  base.ColumnsFile,
		FieldsMapped: base.FieldsMapped,
	}, nil
}

// UpdateFieldMapping stores a new field mapping and re-resolves columns
// against the columns captured at upload, which stay authoritative.
func (s *migrationService) UpdateFieldMapping(ctx context.Context, userID string, id uuid.UUID, fieldsMapped map[string]string) (*FieldMappingResult, error) {
	m, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !m.Status.IsConfigurable() {
		return nil, fmt.Errorf("%w: migration %s is %s", apperrors.ErrInvalidState, id, m.Status)
	}
	for field := range fieldsMapped {
		if !s.catalog.IsField(m.EntityType, field) {
			return nil, fmt.Errorf("%w: %q is not a %s field", apperrors.ErrValidation, field, m.EntityType)
		}
	}

	base := m.Config.Base()
	base.FieldsMapped = fieldsMapped
	base.FieldsColumn = mapping.ResolveColumns(base.ColumnsFile, fieldsMapped)

	updated, err := s.repo.UpdateConfig(ctx, id, m.Config)
	if err != nil {
		return nil, err
	}

	result := &FieldMappingResult{Migration: updated}
	if !m.EntityType.UsesTaxonomy() {
		return result, nil
	}

	sheet, err := openSheet(ctx, s.files, m.File)
	if err != nil {
		return nil, err
	}
	result.Candidates, err = s.taxonomyCandidates(ctx, m, sheet)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *migrationService) UpdateTaxonomyMapping(ctx context.Context, userID string, id uuid.UUID, tm models.TaxonomyMapping, isHighPriority bool) (*models.Migration, error) {
	m, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !m.EntityType.UsesTaxonomy() {
		return nil, fmt.Errorf("%w: %s migrations have no taxonomy mapping", apperrors.ErrValidation, m.EntityType)
	}
	if err := validateTaxonomyMapping(tm); err != nil {
		return nil, err
	}

	norm := mapping.NormalizeTaxonomyMapping(tm)
	base := m.Config.Base()
	base.IndustriesMapping = norm.Industries
	base.PositionsMapping = norm.Positions

	return s.completeAndAdmit(ctx, m, isHighPriority)
}

func (s *migrationService) FinalizeConfig(ctx context.Context, userID string, id uuid.UUID, req FinalizeConfigRequest) (*models.Migration, error) {
	m, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if c, ok := m.Config.(*models.SearchProjectMigrationConfig); ok {
		if req.SearchProjectID != nil {
			c.SearchProjectID = req.SearchProjectID
		}
		if req.SearchProjectName != nil {
			c.SearchProjectName = strings.TrimSpace(*req.SearchProjectName)
		}
	}

	return s.completeAndAdmit(ctx, m, req.IsHighPriority)
}

// completeAndAdmit flips the record to config-completed and hands it to
// the matching admission path.
func (s *migrationService) completeAndAdmit(ctx context.Context, m *models.Migration, isHighPriority bool) (*models.Migration, error) {
	if _, err := s.repo.CompleteConfig(ctx, m.ID, m.Config, isHighPriority); err != nil {
		return nil, err
	}

	if isHighPriority {
		if err := s.admission.SubmitPriority(ctx, m.ID); err != nil {
			return nil, fmt.Errorf("failed to admit migration: %w", err)
		}
	} else if _, err := s.admission.DrainPending(ctx); err != nil {
		// The record is safely pending; the sweeper will pick it up.
		s.logger.Warn("Failed to drain pending migrations",
			zap.String("migration_id", m.ID.String()),
			zap.Error(err))
	}

	return s.repo.GetByID(ctx, m.ID)
}

func (s *migrationService) Get(ctx context.Context, userID string, id uuid.UUID) (*models.Migration, error) {
	return s.getOwned(ctx, userID, id)
}

func (s *migrationService) GetProgress(ctx context.Context, userID string, id uuid.UUID) (*models.MigrationProgress, error) {
	m, err := s.getOwned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	p := m.Progress()
	return &p, nil
}

func (s *migrationService) List(ctx context.Context, filter models.MigrationListFilter) ([]*models.Migration, int, error) {
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.repo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *migrationService) Sources(entityType models.EntityType) ([]mapping.Source, error) {
	sources := s.catalog.Sources(entityType)
	if sources == nil {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidEntityType, entityType)
	}
	return sources, nil
}

// getOwned loads a migration the caller created. Other users' migrations
// are reported as not found.
func (s *migrationService) getOwned(ctx context.Context, userID string, id uuid.UUID) (*models.Migration, error) {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && m.CreatedBy != userID {
		return nil, fmt.Errorf("%w: migration %s", apperrors.ErrNotFound, id)
	}
	return m, nil
}

func validateTaxonomyMapping(tm models.TaxonomyMapping) error {
	var problems []error
	for _, in := range tm.Industries {
		if strings.TrimSpace(in.Industry) == "" || in.IndustryID <= 0 || in.SpecialtyID <= 0 {
			problems = append(problems, fmt.Errorf("industry %q/%q needs an industry and a specialty", in.Industry, in.Specialty))
		}
	}
	for _, p := range tm.Positions {
		if strings.TrimSpace(p.Position) == "" || p.PositionID <= 0 {
			problems = append(problems, fmt.Errorf("position %q needs a position id", p.Position))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", apperrors.ErrValidation, errors.Join(problems...))
	}
	return nil
}
