// Package audit provides security audit logging for SIEM consumption.
// It logs security-relevant events in structured JSON format for easy parsing
// and integration with security information and event management systems.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/auth"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventMigrationUploaded is logged when a user uploads a bulk import file.
	EventMigrationUploaded SecurityEventType = "migration_uploaded"
	// EventPriorityAdmission is logged when a migration skips the concurrency ceiling.
	EventPriorityAdmission SecurityEventType = "priority_admission"
)

// SecurityEvent represents an auditable security event with all relevant context
// for SIEM ingestion and analysis.
type SecurityEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   SecurityEventType `json:"event_type"`
	MigrationID uuid.UUID         `json:"migration_id"`
	EntityType  models.EntityType `json:"entity_type"`
	UserID      string            `json:"user_id,omitempty"`
	ClientIP    string            `json:"client_ip,omitempty"`
	Details     any               `json:"details"`
	Severity    string            `json:"severity"` // info, warning, critical
}

// UploadDetails describes an uploaded import file.
type UploadDetails struct {
	SourceID string `json:"source_id"`
	FileName string `json:"file_name"`
	FilePath string `json:"file_path"`
}

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger namespace.
// The "security_audit" name makes the events easy to route in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogMigrationUploaded records who brought which file into the CRM.
// The user is read from the JWT claims on ctx.
func (a *SecurityAuditor) LogMigrationUploaded(ctx context.Context, m *models.Migration, clientIP string) {
	userID := auth.GetUserIDFromContext(ctx)
	details := UploadDetails{
		SourceID: m.SourceID,
		FileName: m.File.Name,
		FilePath: m.File.Path,
	}

	event := SecurityEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   EventMigrationUploaded,
		MigrationID: m.ID,
		EntityType:  m.EntityType,
		UserID:      userID,
		ClientIP:    clientIP,
		Details:     details,
		Severity:    "info",
	}

	// Marshaling known types does not fail.
	eventJSON, _ := json.Marshal(event)

	a.logger.Info("Migration file uploaded",
		zap.String("event_json", string(eventJSON)),
		zap.String("migration_id", m.ID.String()),
		zap.String("entity_type", string(m.EntityType)),
		zap.String("file_name", details.FileName),
		zap.String("client_ip", clientIP),
		zap.String("user_id", userID),
		zap.String("severity", "info"),
	)
}

// LogPriorityAdmission records a migration that was started regardless of
// load. Logged at WARN so unusual volumes stand out.
func (a *SecurityAuditor) LogPriorityAdmission(ctx context.Context, m *models.Migration, clientIP string) {
	userID := auth.GetUserIDFromContext(ctx)

	event := SecurityEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   EventPriorityAdmission,
		MigrationID: m.ID,
		EntityType:  m.EntityType,
		UserID:      userID,
		ClientIP:    clientIP,
		Details: map[string]string{
			"status": string(m.Status),
		},
		Severity: "warning",
	}

	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("High-priority migration admitted",
		zap.String("event_json", string(eventJSON)),
		zap.String("migration_id", m.ID.String()),
		zap.String("entity_type", string(m.EntityType)),
		zap.String("client_ip", clientIP),
		zap.String("user_id", userID),
		zap.String("severity", "warning"),
	)
}
