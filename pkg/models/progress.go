package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressStage distinguishes per-row events from lifecycle events.
type ProgressStage string

const (
	ProgressStageRow    ProgressStage = "row"
	ProgressStageStatus ProgressStage = "status"
)

// ProgressEvent is pushed to listeners of an entity type's channel.
// Events are best effort; the migration record is the source of truth.
type ProgressEvent struct {
	MigrationID    uuid.UUID       `json:"migration_id"`
	EntityType     EntityType      `json:"entity_type"`
	Stage          ProgressStage   `json:"stage"`
	Status         MigrationStatus `json:"status"`
	Progress       int             `json:"progress"`
	Message        string          `json:"message"`
	ItemsProcessed int             `json:"items_processed"`
	ItemsError     int             `json:"items_error"`
	Timestamp      time.Time       `json:"timestamp"`
}
