package models

import (
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
)

// MigrationConfig is the per-entity configuration stored with a migration.
// Exactly one concrete type exists per EntityType; all share BaseMigrationConfig.
type MigrationConfig interface {
	EntityType() EntityType
	Base() *BaseMigrationConfig
}

// ColumnDescriptor describes one column of the uploaded sheet.
// Key is the spreadsheet column letter ("A", "B", ...), which is stable
// across header edits and is what field mappings refer to.
type ColumnDescriptor struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Index int    `json:"index"`
}

// BaseMigrationConfig holds the settings common to all entity types.
type BaseMigrationConfig struct {
	// FieldsMapped maps canonical field name to column key, as chosen by the operator.
	FieldsMapped map[string]string `json:"fieldsMapped,omitempty"`
	// FieldsColumn maps canonical field name to the resolved column header.
	// A nil value means the mapped column was not found in the sheet.
	FieldsColumn map[string]*string `json:"fieldsColumn,omitempty"`
	// ColumnsFile lists the sheet's columns at upload time.
	ColumnsFile []ColumnDescriptor `json:"columnsFile,omitempty"`

	IndustriesMapping []IndustryMapping `json:"industriesMapping,omitempty"`
	PositionsMapping  []PositionMapping `json:"positionsMapping,omitempty"`
}

// Base returns the shared settings.
func (b *BaseMigrationConfig) Base() *BaseMigrationConfig { return b }

// IndustryMapping maps one distinct industry/specialty/subspecialty combination
// found in the sheet to canonical taxonomy records. Source values are stored
// normalized (lowercase, trimmed).
type IndustryMapping struct {
	Industry       string `json:"industry"`
	Specialty      string `json:"specialty"`
	Subspecialty   string `json:"subspecialty,omitempty"`
	IndustryID     int64  `json:"industry_id"`
	SpecialtyID    int64  `json:"specialty_id"`
	SubspecialtyID *int64 `json:"subspecialty_id,omitempty"`
}

// PositionMapping maps a distinct position value, within an already mapped
// industry/specialty/subspecialty combination, to a canonical position.
type PositionMapping struct {
	Industry     string `json:"industry"`
	Specialty    string `json:"specialty"`
	Subspecialty string `json:"subspecialty,omitempty"`
	Position     string `json:"position"`
	PositionID   int64  `json:"position_id"`
}

// TaxonomyMapping is the operator-confirmed mapping submitted to finalize config.
type TaxonomyMapping struct {
	Industries []IndustryMapping `json:"industries"`
	Positions  []PositionMapping `json:"positions"`
}

// CompanyMigrationConfig configures a company import.
type CompanyMigrationConfig struct {
	BaseMigrationConfig
}

// EntityType implements MigrationConfig.
func (c *CompanyMigrationConfig) EntityType() EntityType { return EntityTypeCompany }

// ContactsMigrationConfig configures a contacts (names) import.
type ContactsMigrationConfig struct {
	BaseMigrationConfig
	// CompanyID scopes every created contact to one company. When nil the
	// row's company column is matched or created by name.
	CompanyID *int64 `json:"companyId,omitempty"`
}

// EntityType implements MigrationConfig.
func (c *ContactsMigrationConfig) EntityType() EntityType { return EntityTypeContacts }

// SearchProjectMigrationConfig configures a search project roster import.
type SearchProjectMigrationConfig struct {
	BaseMigrationConfig
	// SearchProjectID is the roster to add matched people to. When nil a new
	// search project named SearchProjectName is created at processing time.
	SearchProjectID   *int64 `json:"searchProjectId,omitempty"`
	SearchProjectName string `json:"searchProjectName,omitempty"`
}

// EntityType implements MigrationConfig.
func (c *SearchProjectMigrationConfig) EntityType() EntityType { return EntityTypeSearchProject }

var (
	_ MigrationConfig = (*CompanyMigrationConfig)(nil)
	_ MigrationConfig = (*ContactsMigrationConfig)(nil)
	_ MigrationConfig = (*SearchProjectMigrationConfig)(nil)
)

// NewMigrationConfig returns an empty config for the entity type.
func NewMigrationConfig(t EntityType) (MigrationConfig, error) {
	switch t {
	case EntityTypeCompany:
		return &CompanyMigrationConfig{}, nil
	case EntityTypeContacts:
		return &ContactsMigrationConfig{}, nil
	case EntityTypeSearchProject:
		return &SearchProjectMigrationConfig{}, nil
	}
	return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidEntityType, t)
}

// DecodeMigrationConfig unmarshals a stored config blob into the concrete
// type for the entity type. An empty blob yields an empty config.
func DecodeMigrationConfig(t EntityType, data []byte) (MigrationConfig, error) {
	cfg, err := NewMigrationConfig(t)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s migration config: %w", t, err)
	}
	return cfg, nil
}

// EncodeMigrationConfig marshals a config for storage.
func EncodeMigrationConfig(cfg MigrationConfig) ([]byte, error) {
	if cfg == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s migration config: %w", cfg.EntityType(), err)
	}
	return data, nil
}
