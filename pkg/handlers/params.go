package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// ParseMigrationID extracts and validates the migration ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: id
func ParseMigrationID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "id", "invalid_migration_id", "Invalid migration ID format", logger)
}

// ParseEntityType extracts the entity type from the request path. Both the
// stored form (search_project) and the dashed URL form (search-project) are
// accepted.
// Expects path parameter: entity
func ParseEntityType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (models.EntityType, bool) {
	t, err := models.ParseEntityType(r.PathValue("entity"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_entity_type", "Unknown entity type"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return "", false
	}
	return t, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}
