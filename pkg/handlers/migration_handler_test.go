package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/audit"
	"github.com/ekaya-inc/crm-migrations/pkg/auth"
	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/services"
	"github.com/ekaya-inc/crm-migrations/pkg/testhelpers"
)

// ============================================================================
// Mock Implementations
// ============================================================================

type mockMigrationService struct {
	err error

	upload       *services.UploadRequest
	uploadedBody string
	fieldsMapped map[string]string
	taxonomy     *models.TaxonomyMapping
	highPriority bool
	finalize     *services.FinalizeConfigRequest
	filter       *models.MigrationListFilter
	calledGet    bool
	calledProg   bool
	userID       string

	migration *models.Migration
}

func (m *mockMigrationService) Upload(_ context.Context, req services.UploadRequest) (*services.UploadResult, error) {
	body, _ := io.ReadAll(req.File)
	m.uploadedBody = string(body)
	req.File = nil
	m.upload = &req
	if m.err != nil {
		return nil, m.err
	}
	return &services.UploadResult{Migration: m.migration, FieldsMapped: map[string]string{"name": "A"}}, nil
}

func (m *mockMigrationService) UpdateFieldMapping(_ context.Context, userID string, _ uuid.UUID, fieldsMapped map[string]string) (*services.FieldMappingResult, error) {
	m.userID = userID
	m.fieldsMapped = fieldsMapped
	if m.err != nil {
		return nil, m.err
	}
	return &services.FieldMappingResult{Migration: m.migration}, nil
}

func (m *mockMigrationService) UpdateTaxonomyMapping(_ context.Context, userID string, _ uuid.UUID, mapping models.TaxonomyMapping, isHighPriority bool) (*models.Migration, error) {
	m.userID = userID
	m.taxonomy = &mapping
	m.highPriority = isHighPriority
	return m.migration, m.err
}

func (m *mockMigrationService) FinalizeConfig(_ context.Context, userID string, _ uuid.UUID, req services.FinalizeConfigRequest) (*models.Migration, error) {
	m.userID = userID
	m.finalize = &req
	return m.migration, m.err
}

func (m *mockMigrationService) Get(_ context.Context, userID string, _ uuid.UUID) (*models.Migration, error) {
	m.userID = userID
	m.calledGet = true
	return m.migration, m.err
}

func (m *mockMigrationService) GetProgress(_ context.Context, userID string, _ uuid.UUID) (*models.MigrationProgress, error) {
	m.userID = userID
	m.calledProg = true
	if m.err != nil {
		return nil, m.err
	}
	p := m.migration.Progress()
	return &p, nil
}

func (m *mockMigrationService) List(_ context.Context, filter models.MigrationListFilter) ([]*models.Migration, int, error) {
	m.filter = &filter
	if m.err != nil {
		return nil, 0, m.err
	}
	if m.migration == nil {
		return nil, 0, nil
	}
	return []*models.Migration{m.migration}, 1, nil
}

func (m *mockMigrationService) Sources(entityType models.EntityType) ([]mapping.Source, error) {
	return mapping.DefaultCatalog().Sources(entityType), m.err
}

type mockProgressStream struct {
	channel string
}

func (s *mockProgressStream) ServeWS(w http.ResponseWriter, _ *http.Request, channel string) {
	s.channel = channel
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Helpers
// ============================================================================

const testUserID = "user-42"

func noScope(next http.HandlerFunc) http.HandlerFunc { return next }

func newTestMux(t *testing.T, svc *mockMigrationService, stream *mockProgressStream) *http.ServeMux {
	t.Helper()
	jwks, err := auth.NewJWKSClient(context.Background(), &auth.JWKSConfig{EnableVerification: false})
	require.NoError(t, err)

	logger := zap.NewNop()
	mux := http.NewServeMux()
	NewMigrationHandler(svc, stream, audit.NewSecurityAuditor(logger), "migrations", logger).
		RegisterRoutes(mux, auth.NewMiddleware(auth.NewAuthService(jwks, logger), logger), noScope)
	return mux
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer(testUserID, "owner@example.com"))
	return req
}

func serve(mux *http.ServeMux, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) ApiResponse {
	t.Helper()
	var resp ApiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func sampleMigration() *models.Migration {
	return &models.Migration{
		ID:             uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		EntityType:     models.EntityTypeCompany,
		Status:         models.MigrationStatusInProgress,
		LastProgress:   40,
		ItemsProcessed: 4,
		ItemsError:     1,
		Config:         &models.CompanyMigrationConfig{},
	}
}

func multipartUpload(t *testing.T, fields map[string]string, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileName != "" {
		fw, err := w.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

// ============================================================================
// Tests
// ============================================================================

func TestMigrationHandler_RequiresAuth(t *testing.T) {
	mux := newTestMux(t, &mockMigrationService{}, &mockProgressStream{})

	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/api/migrations", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMigrationHandler_Upload(t *testing.T) {
	svc := &mockMigrationService{migration: sampleMigration()}
	mux := newTestMux(t, svc, &mockProgressStream{})

	body, contentType := multipartUpload(t, map[string]string{
		"search_project_id":   "12",
		"search_project_name": "Q3 roster",
	}, "roster.csv", "Email\nann@example.com\n")
	req := authed(httptest.NewRequest(http.MethodPost, "/api/migrations/search-project/generic", body))
	req.Header.Set("Content-Type", contentType)

	rec := serve(mux, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decodeResponse(t, rec).Success)

	require.NotNil(t, svc.upload)
	assert.Equal(t, models.EntityTypeSearchProject, svc.upload.EntityType)
	assert.Equal(t, "generic", svc.upload.SourceID)
	assert.Equal(t, "roster.csv", svc.upload.FileName)
	assert.Equal(t, testUserID, svc.upload.CreatedBy)
	assert.Equal(t, "owner@example.com", svc.upload.CreatedByEmail)
	require.NotNil(t, svc.upload.SearchProjectID)
	assert.Equal(t, int64(12), *svc.upload.SearchProjectID)
	assert.Equal(t, "Q3 roster", svc.upload.SearchProjectName)
	assert.Nil(t, svc.upload.CompanyID)
	assert.Equal(t, "Email\nann@example.com\n", svc.uploadedBody)
}

func TestMigrationHandler_UploadValidation(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		fields   map[string]string
		fileName string
		wantCode string
	}{
		{name: "unknown entity", path: "/api/migrations/invoices/generic", fileName: "a.csv", wantCode: "invalid_entity_type"},
		{name: "missing file", path: "/api/migrations/company/generic", wantCode: "missing_file"},
		{name: "bad company id", path: "/api/migrations/contacts/generic", fields: map[string]string{"company_id": "abc"}, fileName: "a.csv", wantCode: "invalid_company_id"},
		{name: "negative project id", path: "/api/migrations/search_project/generic", fields: map[string]string{"search_project_id": "-3"}, fileName: "a.csv", wantCode: "invalid_search_project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockMigrationService{}
			mux := newTestMux(t, svc, &mockProgressStream{})

			body, contentType := multipartUpload(t, tt.fields, tt.fileName, "Name\nAcme\n")
			req := authed(httptest.NewRequest(http.MethodPost, tt.path, body))
			req.Header.Set("Content-Type", contentType)

			rec := serve(mux, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeResponse(t, rec).Error)
			assert.Nil(t, svc.upload, "service must not be called")
		})
	}
}

func TestMigrationHandler_ServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:       "not found",
			err:        apperrors.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   "not_found",
		},
		{
			name:        "invalid state",
			err:         fmt.Errorf("%w: migration is in-progress", apperrors.ErrInvalidState),
			wantStatus:  http.StatusConflict,
			wantCode:    "invalid_state",
			wantMessage: "migration is not in a state that allows this change: migration is in-progress",
		},
		{
			name:        "validation",
			err:         fmt.Errorf("%w: name is not mapped", apperrors.ErrValidation),
			wantStatus:  http.StatusBadRequest,
			wantCode:    "invalid_request",
			wantMessage: "invalid request: name is not mapped",
		},
		{
			name:       "unsupported format",
			err:        fmt.Errorf("%w: .pdf", apperrors.ErrUnsupportedFormat),
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_request",
		},
		{
			name:        "internal",
			err:         errors.New("connection reset by peer"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    "migration_failed",
			wantMessage: genericFailureMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockMigrationService{err: tt.err}
			mux := newTestMux(t, svc, &mockProgressStream{})

			req := authed(httptest.NewRequest(http.MethodPut,
				"/api/migrations/11111111-2222-3333-4444-555555555555/columns_mapping",
				strings.NewReader(`{"fieldsMapped":{"name":"A"}}`)))

			rec := serve(mux, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeResponse(t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantCode, resp.Error)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, resp.Message)
			}
			assert.NotContains(t, resp.Message, "connection reset", "internal details are never echoed")
		})
	}
}

func TestMigrationHandler_UpdateColumnsMapping(t *testing.T) {
	svc := &mockMigrationService{migration: sampleMigration()}
	mux := newTestMux(t, svc, &mockProgressStream{})

	req := authed(httptest.NewRequest(http.MethodPut,
		"/api/migrations/11111111-2222-3333-4444-555555555555/columns_mapping",
		strings.NewReader(`{"fieldsMapped":{"name":"A","industry":"C"}}`)))

	rec := serve(mux, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, testUserID, svc.userID)
	assert.Equal(t, map[string]string{"name": "A", "industry": "C"}, svc.fieldsMapped)
}

func TestMigrationHandler_UpdateColumnsMappingRequiresFields(t *testing.T) {
	svc := &mockMigrationService{}
	mux := newTestMux(t, svc, &mockProgressStream{})

	for _, body := range []string{`{}`, `not json`} {
		req := authed(httptest.NewRequest(http.MethodPut,
			"/api/migrations/11111111-2222-3333-4444-555555555555/columns_mapping",
			strings.NewReader(body)))

		rec := serve(mux, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Nil(t, svc.fieldsMapped)
	}
}

func TestMigrationHandler_InvalidMigrationID(t *testing.T) {
	mux := newTestMux(t, &mockMigrationService{}, &mockProgressStream{})

	rec := serve(mux, authed(httptest.NewRequest(http.MethodGet, "/api/migrations/not-a-uuid", nil)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_migration_id", decodeResponse(t, rec).Error)
}

func TestMigrationHandler_UpdateIndustriesMapping(t *testing.T) {
	svc := &mockMigrationService{migration: sampleMigration()}
	mux := newTestMux(t, svc, &mockProgressStream{})

	req := authed(httptest.NewRequest(http.MethodPut,
		"/api/migrations/11111111-2222-3333-4444-555555555555/industries_mapping",
		strings.NewReader(`{
			"industries":[{"industry":"healthcare","specialty":"nursing","industry_id":1,"specialty_id":2}],
			"positions":[{"industry":"healthcare","specialty":"nursing","position":"rn","position_id":9}],
			"is_high_priority":true
		}`)))

	rec := serve(mux, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.taxonomy)
	require.Len(t, svc.taxonomy.Industries, 1)
	assert.Equal(t, int64(2), svc.taxonomy.Industries[0].SpecialtyID)
	require.Len(t, svc.taxonomy.Positions, 1)
	assert.Equal(t, int64(9), svc.taxonomy.Positions[0].PositionID)
	assert.True(t, svc.highPriority)
}

func TestMigrationHandler_FinalizeConfig(t *testing.T) {
	svc := &mockMigrationService{migration: sampleMigration()}
	mux := newTestMux(t, svc, &mockProgressStream{})

	req := authed(httptest.NewRequest(http.MethodPut,
		"/api/migrations/11111111-2222-3333-4444-555555555555/config",
		strings.NewReader(`{"is_high_priority":false}`)))

	rec := serve(mux, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.finalize)
	assert.False(t, svc.finalize.IsHighPriority)
}

func TestMigrationHandler_GetViews(t *testing.T) {
	t.Run("progress by default", func(t *testing.T) {
		svc := &mockMigrationService{migration: sampleMigration()}
		mux := newTestMux(t, svc, &mockProgressStream{})

		rec := serve(mux, authed(httptest.NewRequest(http.MethodGet, "/api/migrations/11111111-2222-3333-4444-555555555555", nil)))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, svc.calledProg)
		assert.False(t, svc.calledGet)

		var resp struct {
			Data models.MigrationProgress `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 40, resp.Data.LastProgress)
		assert.Equal(t, 4, resp.Data.ItemsProcessed)
		assert.Equal(t, 1, resp.Data.ItemsError)
		assert.Equal(t, models.MigrationStatusInProgress, resp.Data.Status)
	})

	t.Run("detail view", func(t *testing.T) {
		svc := &mockMigrationService{migration: sampleMigration()}
		mux := newTestMux(t, svc, &mockProgressStream{})

		rec := serve(mux, authed(httptest.NewRequest(http.MethodGet, "/api/migrations/11111111-2222-3333-4444-555555555555?view=detail", nil)))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, svc.calledGet)
		assert.False(t, svc.calledProg)
		assert.Contains(t, rec.Body.String(), `"config"`)
	})
}

func TestMigrationHandler_List(t *testing.T) {
	svc := &mockMigrationService{migration: sampleMigration()}
	mux := newTestMux(t, svc, &mockProgressStream{})

	rec := serve(mux, authed(httptest.NewRequest(http.MethodGet, "/api/migrations?entity_type=contacts&limit=5&offset=10", nil)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, svc.filter)
	assert.Equal(t, models.MigrationListFilter{
		CreatedBy:  testUserID,
		EntityType: models.EntityTypeContacts,
		Limit:      5,
		Offset:     10,
	}, *svc.filter)

	var resp struct {
		Data MigrationListResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Total)
	require.Len(t, resp.Data.Migrations, 1)
	got := resp.Data.Migrations[0]
	assert.Equal(t, sampleMigration().ID, got.ID)
	assert.IsType(t, &models.CompanyMigrationConfig{}, got.Config)
}

func TestMigrationHandler_ListDefaultsAndValidation(t *testing.T) {
	svc := &mockMigrationService{}
	mux := newTestMux(t, svc, &mockProgressStream{})

	rec := serve(mux, authed(httptest.NewRequest(http.MethodGet, "/api/migrations", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, svc.filter.Limit)
	assert.Contains(t, rec.Body.String(), `"migrations":[]`)

	for _, q := range []string{"limit=0", "limit=101", "limit=x", "offset=-1", "entity_type=invoices"} {
		rec := serve(mux, authed(httptest.NewRequest(http.MethodGet, "/api/migrations?"+q, nil)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMigrationHandler_Sources(t *testing.T) {
	mux := newTestMux(t, &mockMigrationService{}, &mockProgressStream{})

	rec := serve(mux, authed(httptest.NewRequest(http.MethodGet, "/api/migrations/sources/company", nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []mapping.Source `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data)
	assert.Equal(t, "bullhorn", resp.Data[0].ID)
}

func TestMigrationHandler_Subscribe(t *testing.T) {
	stream := &mockProgressStream{}
	mux := newTestMux(t, &mockMigrationService{}, stream)

	token := testhelpers.GenerateTestJWT(testUserID, "")
	rec := serve(mux, httptest.NewRequest(http.MethodGet, "/ws/migrations/search-project?access_token="+token, nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "migrations:search_project", stream.channel)
}
