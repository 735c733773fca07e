package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/audit"
	"github.com/ekaya-inc/crm-migrations/pkg/auth"
	"github.com/ekaya-inc/crm-migrations/pkg/broadcast"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/services"
)

// maxUploadBytes caps a migration file upload.
const maxUploadBytes = 50 << 20

// genericFailureMessage is shown for anything that is not the caller's fault.
const genericFailureMessage = "There was a problem processing the migration, please try again later"

// ============================================================================
// Request/Response Types
// ============================================================================

// UpdateColumnsMappingRequest for PUT /api/migrations/{id}/columns_mapping
type UpdateColumnsMappingRequest struct {
	FieldsMapped map[string]string `json:"fieldsMapped"`
}

// UpdateIndustriesMappingRequest for PUT /api/migrations/{id}/industries_mapping
type UpdateIndustriesMappingRequest struct {
	models.TaxonomyMapping
	IsHighPriority bool `json:"is_high_priority"`
}

// MigrationListResponse for GET /api/migrations
type MigrationListResponse struct {
	Migrations []*models.Migration `json:"migrations"`
	Total      int                 `json:"total"`
	Limit      int                 `json:"limit"`
	Offset     int                 `json:"offset"`
}

// ProgressStream serves websocket subscriptions to a progress channel.
type ProgressStream interface {
	ServeWS(w http.ResponseWriter, r *http.Request, channel string)
}

// ============================================================================
// Handler
// ============================================================================

// MigrationHandler handles migration HTTP requests.
type MigrationHandler struct {
	service       services.MigrationService
	stream        ProgressStream
	auditor       *audit.SecurityAuditor
	channelPrefix string
	logger        *zap.Logger
}

// NewMigrationHandler creates a new migration handler.
func NewMigrationHandler(
	service services.MigrationService,
	stream ProgressStream,
	auditor *audit.SecurityAuditor,
	channelPrefix string,
	logger *zap.Logger,
) *MigrationHandler {
	return &MigrationHandler{
		service:       service,
		stream:        stream,
		auditor:       auditor,
		channelPrefix: channelPrefix,
		logger:        logger,
	}
}

// ScopeMiddleware attaches a pooled database connection to the request
// context. See database.WithScope.
type ScopeMiddleware func(http.HandlerFunc) http.HandlerFunc

// RegisterRoutes registers the migration handler's routes on the given mux.
// The catalog and websocket routes do not touch the database and are not scoped.
func (h *MigrationHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, scope ScopeMiddleware) {
	base := "/api/migrations"

	mux.HandleFunc("GET "+base, authMiddleware.RequireAuth(scope(h.List)))
	mux.HandleFunc("GET "+base+"/sources/{entity}", authMiddleware.RequireAuth(h.Sources))
	mux.HandleFunc("POST "+base+"/{entity}/{source}", authMiddleware.RequireAuth(scope(h.Upload)))
	mux.HandleFunc("GET "+base+"/{id}", authMiddleware.RequireAuth(scope(h.Get)))
	mux.HandleFunc("PUT "+base+"/{id}/columns_mapping", authMiddleware.RequireAuth(scope(h.UpdateColumnsMapping)))
	mux.HandleFunc("PUT "+base+"/{id}/industries_mapping", authMiddleware.RequireAuth(scope(h.UpdateIndustriesMapping)))
	mux.HandleFunc("PUT "+base+"/{id}/config", authMiddleware.RequireAuth(scope(h.FinalizeConfig)))
	mux.HandleFunc("GET /ws/migrations/{entity}", authMiddleware.RequireAuth(h.Subscribe))
}

// Upload handles POST /api/migrations/{entity}/{source}
func (h *MigrationHandler) Upload(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	entityType, ok := ParseEntityType(w, r, h.logger)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_upload", "Expected a multipart form with a file field")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "missing_file", "Missing file field")
		return
	}
	defer file.Close()

	companyID, ok := h.optionalInt64(w, r.FormValue("company_id"), "company_id")
	if !ok {
		return
	}
	searchProjectID, ok := h.optionalInt64(w, r.FormValue("search_project_id"), "search_project_id")
	if !ok {
		return
	}

	res, err := h.service.Upload(r.Context(), services.UploadRequest{
		EntityType:        entityType,
		SourceID:          r.PathValue("source"),
		FileName:          header.Filename,
		File:              file,
		CreatedBy:         identity.UserID,
		CreatedByEmail:    identity.Email,
		CompanyID:         companyID,
		SearchProjectID:   searchProjectID,
		SearchProjectName: r.FormValue("search_project_name"),
	})
	if err != nil {
		h.writeServiceError(w, err, "Failed to upload migration",
			zap.String("entity_type", string(entityType)),
			zap.String("file_name", header.Filename))
		return
	}
	if res.Migration != nil {
		h.auditor.LogMigrationUploaded(r.Context(), res.Migration, r.RemoteAddr)
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: res}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// UpdateColumnsMapping handles PUT /api/migrations/{id}/columns_mapping
func (h *MigrationHandler) UpdateColumnsMapping(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := ParseMigrationID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateColumnsMappingRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.FieldsMapped) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "fieldsMapped is required")
		return
	}

	res, err := h.service.UpdateFieldMapping(r.Context(), identity.UserID, id, req.FieldsMapped)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update columns mapping", zap.String("migration_id", id.String()))
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: res}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// UpdateIndustriesMapping handles PUT /api/migrations/{id}/industries_mapping
func (h *MigrationHandler) UpdateIndustriesMapping(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := ParseMigrationID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateIndustriesMappingRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.service.UpdateTaxonomyMapping(r.Context(), identity.UserID, id, req.TaxonomyMapping, req.IsHighPriority)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update industries mapping", zap.String("migration_id", id.String()))
		return
	}
	if req.IsHighPriority {
		h.auditor.LogPriorityAdmission(r.Context(), m, r.RemoteAddr)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: m}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// FinalizeConfig handles PUT /api/migrations/{id}/config
func (h *MigrationHandler) FinalizeConfig(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := ParseMigrationID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.FinalizeConfigRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.service.FinalizeConfig(r.Context(), identity.UserID, id, req)
	if err != nil {
		h.writeServiceError(w, err, "Failed to finalize migration config", zap.String("migration_id", id.String()))
		return
	}
	if req.IsHighPriority {
		h.auditor.LogPriorityAdmission(r.Context(), m, r.RemoteAddr)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: m}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/migrations/{id}
// The default view is the progress snapshot; ?view=detail returns the full
// record including its config.
func (h *MigrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	id, ok := ParseMigrationID(w, r, h.logger)
	if !ok {
		return
	}

	var data any
	var err error
	if r.URL.Query().Get("view") == "detail" {
		data, err = h.service.Get(r.Context(), identity.UserID, id)
	} else {
		data, err = h.service.GetProgress(r.Context(), identity.UserID, id)
	}
	if err != nil {
		h.writeServiceError(w, err, "Failed to get migration", zap.String("migration_id", id.String()))
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: data}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// List handles GET /api/migrations
func (h *MigrationHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := models.MigrationListFilter{CreatedBy: identity.UserID, Limit: 20}
	if v := q.Get("entity_type"); v != "" {
		t, err := models.ParseEntityType(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_entity_type", "Unknown entity type")
			return
		}
		filter.EntityType = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 100")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be zero or more")
			return
		}
		filter.Offset = n
	}

	items, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list migrations")
		return
	}
	if items == nil {
		items = []*models.Migration{}
	}

	response := MigrationListResponse{Migrations: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: response}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Sources handles GET /api/migrations/sources/{entity}
func (h *MigrationHandler) Sources(w http.ResponseWriter, r *http.Request) {
	entityType, ok := ParseEntityType(w, r, h.logger)
	if !ok {
		return
	}

	sources, err := h.service.Sources(entityType)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list migration sources")
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: sources}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Subscribe handles GET /ws/migrations/{entity}
func (h *MigrationHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	entityType, ok := ParseEntityType(w, r, h.logger)
	if !ok {
		return
	}
	h.stream.ServeWS(w, r, broadcast.Channel(h.channelPrefix, entityType))
}

// ============================================================================
// Helpers
// ============================================================================

func (h *MigrationHandler) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, err := auth.RequireIdentity(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return auth.Identity{}, false
	}
	return identity, true
}

func (h *MigrationHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func (h *MigrationHandler) optionalInt64(w http.ResponseWriter, v, field string) (*int64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a positive integer")
		return nil, false
	}
	return &n, true
}

func (h *MigrationHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

// writeServiceError maps service errors to responses. Caller mistakes are
// echoed back; anything else is logged and hidden behind a generic message.
func (h *MigrationHandler) writeServiceError(w http.ResponseWriter, err error, logMsg string, fields ...zap.Field) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Migration not found")
	case errors.Is(err, apperrors.ErrInvalidState), errors.Is(err, apperrors.ErrConflict):
		h.writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrUnsupportedFormat),
		errors.Is(err, apperrors.ErrEmptySheet),
		errors.Is(err, apperrors.ErrInvalidEntityType),
		errors.Is(err, apperrors.ErrUnknownSource):
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		h.logger.Error(logMsg, append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "migration_failed", genericFailureMessage)
	}
}
