package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
)

// ============================================================================
// Entity Type
// ============================================================================

// EntityType identifies which kind of CRM record a migration file contains.
type EntityType string

const (
	EntityTypeCompany       EntityType = "company"
	EntityTypeContacts      EntityType = "contacts"
	EntityTypeSearchProject EntityType = "search_project"
)

// ValidEntityTypes contains all valid entity type values.
var ValidEntityTypes = []EntityType{
	EntityTypeCompany,
	EntityTypeContacts,
	EntityTypeSearchProject,
}

// ParseEntityType accepts the stored value and the dashed form used in URLs.
func ParseEntityType(s string) (EntityType, error) {
	normalized := EntityType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, v := range ValidEntityTypes {
		if v == normalized {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidEntityType, s)
}

// Noun returns the singular noun used in user-facing messages.
func (e EntityType) Noun() string {
	switch e {
	case EntityTypeCompany:
		return "company"
	case EntityTypeContacts:
		return "contact"
	case EntityTypeSearchProject:
		return "search project contact"
	}
	return string(e)
}

// UsesTaxonomy reports whether rows of this type are classified by
// industry/specialty/subspecialty/position.
func (e EntityType) UsesTaxonomy() bool {
	return e == EntityTypeCompany || e == EntityTypeContacts
}

// ============================================================================
// Migration Status
// ============================================================================

// MigrationStatus is the lifecycle state of a migration run.
type MigrationStatus string

const (
	MigrationStatusCreated         MigrationStatus = "created"
	MigrationStatusConfigCompleted MigrationStatus = "config-completed"
	MigrationStatusInProgress      MigrationStatus = "in-progress"
	MigrationStatusCompleted       MigrationStatus = "completed"
	MigrationStatusError           MigrationStatus = "error"
)

// ValidMigrationStatuses contains all valid status values.
var ValidMigrationStatuses = []MigrationStatus{
	MigrationStatusCreated,
	MigrationStatusConfigCompleted,
	MigrationStatusInProgress,
	MigrationStatusCompleted,
	MigrationStatusError,
}

// IsValidMigrationStatus checks if the given status is valid.
func IsValidMigrationStatus(s MigrationStatus) bool {
	for _, v := range ValidMigrationStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal returns true for completed and error.
func (s MigrationStatus) IsTerminal() bool {
	return s == MigrationStatusCompleted || s == MigrationStatusError
}

// IsConfigurable returns true while the config blob may still change.
func (s MigrationStatus) IsConfigurable() bool {
	return s == MigrationStatusCreated || s == MigrationStatusConfigCompleted
}

// CanTransitionTo reports whether next is a legal successor of s.
// Config updates keep a record in config-completed, so that self-transition is allowed.
func (s MigrationStatus) CanTransitionTo(next MigrationStatus) bool {
	switch s {
	case MigrationStatusCreated:
		return next == MigrationStatusCreated || next == MigrationStatusConfigCompleted
	case MigrationStatusConfigCompleted:
		return next == MigrationStatusConfigCompleted || next == MigrationStatusInProgress
	case MigrationStatusInProgress:
		return next == MigrationStatusCompleted || next == MigrationStatusError
	}
	return false
}

// ============================================================================
// Migration Record
// ============================================================================

// FileRef points at an uploaded file in blob storage.
type FileRef struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// Migration is the persistent record of one uploaded migration file.
type Migration struct {
	ID             uuid.UUID       `json:"id"`
	EntityType     EntityType      `json:"entity_type"`
	SourceID       string          `json:"source_id"`
	File           FileRef         `json:"file"`
	Config         MigrationConfig `json:"config"`
	Status         MigrationStatus `json:"status"`
	IsHighPriority bool            `json:"is_high_priority"`
	ItemsProcessed int             `json:"items_processed"`
	ItemsError     int             `json:"items_error"`
	LastProgress   int             `json:"last_progress"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedByEmail string          `json:"created_by_email,omitempty"`
	LastHeartbeat  *time.Time      `json:"last_heartbeat,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// UnmarshalJSON decodes a record, picking the concrete config type from
// entity_type.
func (m *Migration) UnmarshalJSON(data []byte) error {
	type plain Migration
	aux := struct {
		*plain
		Config json.RawMessage `json:"config"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.Config = nil
	if len(aux.Config) == 0 || string(aux.Config) == "null" {
		return nil
	}
	cfg, err := DecodeMigrationConfig(m.EntityType, aux.Config)
	if err != nil {
		return err
	}
	m.Config = cfg
	return nil
}

// Progress returns the polling view of the record.
func (m *Migration) Progress() MigrationProgress {
	return MigrationProgress{
		ID:             m.ID,
		EntityType:     m.EntityType,
		Status:         m.Status,
		LastProgress:   m.LastProgress,
		ItemsProcessed: m.ItemsProcessed,
		ItemsError:     m.ItemsError,
	}
}

// MigrationProgress is the durable progress snapshot clients poll.
type MigrationProgress struct {
	ID             uuid.UUID       `json:"id"`
	EntityType     EntityType      `json:"entity_type"`
	Status         MigrationStatus `json:"status"`
	LastProgress   int             `json:"last_progress"`
	ItemsProcessed int             `json:"items_processed"`
	ItemsError     int             `json:"items_error"`
}

// MigrationListFilter selects a page of a user's migrations.
type MigrationListFilter struct {
	CreatedBy  string
	EntityType EntityType // empty = all
	Limit      int
	Offset     int
}

// PercentOf returns round(done/total*100) clamped to 0..100.
// A zero total counts as done.
func PercentOf(done, total int) int {
	if total <= 0 {
		return 100
	}
	pct := (done*100*2 + total) / (total * 2)
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}
