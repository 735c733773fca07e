package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/database"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// MigrationRepository provides data access for migration records.
// Every status change is a conditional update, so a lost race shows up as
// "no row changed" rather than as a second transition.
type MigrationRepository interface {
	Create(ctx context.Context, m *models.Migration) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Migration, error)
	List(ctx context.Context, filter models.MigrationListFilter) ([]*models.Migration, error)
	Count(ctx context.Context, filter models.MigrationListFilter) (int, error)

	// Config writes; only allowed while status is created or config-completed.
	UpdateConfig(ctx context.Context, id uuid.UUID, cfg models.MigrationConfig) (*models.Migration, error)
	CompleteConfig(ctx context.Context, id uuid.UUID, cfg models.MigrationConfig, isHighPriority bool) (*models.Migration, error)

	// Admission
	ClaimForProcessing(ctx context.Context, id uuid.UUID) (*models.Migration, bool, error)
	ClaimNextPending(ctx context.Context) (*models.Migration, error)
	ListStalledPriority(ctx context.Context, completedBefore time.Time) ([]uuid.UUID, error)
	CountInProgress(ctx context.Context) (int, error)
	MarkIdleAsError(ctx context.Context, idleSince time.Time, message string) ([]*models.Migration, error)

	// Run progress and outcome; only apply while in-progress.
	UpdateProgress(ctx context.Context, id uuid.UUID, p models.MigrationProgress) error
	Heartbeat(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, itemsProcessed, itemsError int) (bool, error)
	MarkError(ctx context.Context, id uuid.UUID, message string, itemsProcessed, itemsError int) (bool, error)
}

type migrationRepository struct{}

// NewMigrationRepository creates a new MigrationRepository.
func NewMigrationRepository() MigrationRepository {
	return &migrationRepository{}
}

var _ MigrationRepository = (*migrationRepository)(nil)

const migrationColumns = `
	id, entity_type, source_id, file_path, file_name, config,
	status, is_high_priority, items_processed, items_error, last_progress,
	error_message, created_by, created_by_email, last_heartbeat,
	started_at, completed_at, created_at, updated_at`

func scope(ctx context.Context) (*database.Scope, error) {
	s, ok := database.GetScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no database scope in context")
	}
	return s, nil
}

// ============================================================================
// Record CRUD
// ============================================================================

func (r *migrationRepository) Create(ctx context.Context, m *models.Migration) error {
	s, err := scope(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = models.MigrationStatusCreated
	}
	if m.Config == nil {
		if m.Config, err = models.NewMigrationConfig(m.EntityType); err != nil {
			return err
		}
	}
	configJSON, err := models.EncodeMigrationConfig(m.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO migrations (
			id, entity_type, source_id, file_path, file_name, config,
			status, is_high_priority, created_by, created_by_email,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.Conn.Exec(ctx, query,
		m.ID, m.EntityType, m.SourceID, m.File.Path, m.File.Name, configJSON,
		m.Status, m.IsHighPriority, m.CreatedBy, nullIfEmpty(m.CreatedByEmail),
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create migration: %w", err)
	}
	return nil
}

func (r *migrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Migration, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	row := s.Conn.QueryRow(ctx, `SELECT `+migrationColumns+` FROM migrations WHERE id = $1`, id)
	m, err := scanMigrationRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: migration %s", apperrors.ErrNotFound, id)
	}
	return m, err
}

func (r *migrationRepository) List(ctx context.Context, filter models.MigrationListFilter) ([]*models.Migration, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + migrationColumns + `
		FROM migrations
		WHERE created_by = $1 AND ($2 = '' OR entity_type = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`

	rows, err := s.Conn.Query(ctx, query, filter.CreatedBy, string(filter.EntityType), limit, max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []*models.Migration
	for rows.Next() {
		m, err := scanMigrationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return out, nil
}

func (r *migrationRepository) Count(ctx context.Context, filter models.MigrationListFilter) (int, error) {
	s, err := scope(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.Conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM migrations
		WHERE created_by = $1 AND ($2 = '' OR entity_type = $2)`,
		filter.CreatedBy, string(filter.EntityType)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count migrations: %w", err)
	}
	return n, nil
}

// ============================================================================
// Config
// ============================================================================

func (r *migrationRepository) UpdateConfig(ctx context.Context, id uuid.UUID, cfg models.MigrationConfig) (*models.Migration, error) {
	return r.writeConfig(ctx, id, cfg, `
		UPDATE migrations
		SET config = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'config-completed')
		RETURNING `+migrationColumns)
}

func (r *migrationRepository) CompleteConfig(ctx context.Context, id uuid.UUID, cfg models.MigrationConfig, isHighPriority bool) (*models.Migration, error) {
	return r.writeConfig(ctx, id, cfg, `
		UPDATE migrations
		SET config = $2, status = 'config-completed', is_high_priority = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'config-completed')
		RETURNING `+migrationColumns, isHighPriority)
}

func (r *migrationRepository) writeConfig(ctx context.Context, id uuid.UUID, cfg models.MigrationConfig, query string, extra ...any) (*models.Migration, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}
	configJSON, err := models.EncodeMigrationConfig(cfg)
	if err != nil {
		return nil, err
	}

	args := append([]any{id, configJSON}, extra...)
	m, err := scanMigrationRow(s.Conn.QueryRow(ctx, query, args...))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Nothing matched: either the record is missing or its config is locked.
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: migration %s is %s", apperrors.ErrInvalidState, id, current.Status)
}

// ============================================================================
// Admission
// ============================================================================

// ClaimForProcessing moves a config-completed record to in-progress.
// It returns false when another caller already claimed it (or it is not
// ready), which callers treat as a no-op.
func (r *migrationRepository) ClaimForProcessing(ctx context.Context, id uuid.UUID) (*models.Migration, bool, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, false, err
	}

	query := `
		UPDATE migrations
		SET status = 'in-progress',
		    started_at = NOW(),
		    last_heartbeat = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'config-completed'
		RETURNING ` + migrationColumns

	m, err := scanMigrationRow(s.Conn.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to claim migration: %w", err)
	}
	return m, true, nil
}

// ClaimNextPending claims the oldest low-priority config-completed record.
// Returns nil when the pending pool is empty.
func (r *migrationRepository) ClaimNextPending(ctx context.Context) (*models.Migration, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE migrations
		SET status = 'in-progress',
		    started_at = NOW(),
		    last_heartbeat = NOW(),
		    updated_at = NOW()
		WHERE status = 'config-completed'
		  AND id = (
		    SELECT id FROM migrations
		    WHERE status = 'config-completed' AND is_high_priority = false
		    ORDER BY created_at, id
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		  )
		RETURNING ` + migrationColumns

	m, err := scanMigrationRow(s.Conn.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending migration: %w", err)
	}
	return m, nil
}

// ListStalledPriority returns the high-priority records that completed their
// config before completedBefore and were never claimed, oldest first.
func (r *migrationRepository) ListStalledPriority(ctx context.Context, completedBefore time.Time) ([]uuid.UUID, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id FROM migrations
		WHERE status = 'config-completed'
		  AND is_high_priority = true
		  AND updated_at < $1
		ORDER BY created_at, id`

	rows, err := s.Conn.Query(ctx, query, completedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stalled priority migrations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan stalled priority migrations: %w", err)
	}
	return ids, nil
}

func (r *migrationRepository) CountInProgress(ctx context.Context) (int, error) {
	s, err := scope(ctx)
	if err != nil {
		return 0, err
	}

	var n int
	if err := s.Conn.QueryRow(ctx, `SELECT COUNT(*) FROM migrations WHERE status = 'in-progress'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count in-progress migrations: %w", err)
	}
	return n, nil
}

// MarkIdleAsError fails every in-progress record whose heartbeat is older
// than idleSince and returns the records it changed.
func (r *migrationRepository) MarkIdleAsError(ctx context.Context, idleSince time.Time, message string) ([]*models.Migration, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE migrations
		SET status = 'error',
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE status = 'in-progress'
		  AND COALESCE(last_heartbeat, started_at, updated_at) < $1
		RETURNING ` + migrationColumns

	rows, err := s.Conn.Query(ctx, query, idleSince, message)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim idle migrations: %w", err)
	}
	defer rows.Close()

	var out []*models.Migration
	for rows.Next() {
		m, err := scanMigrationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idle migrations: %w", err)
	}
	return out, nil
}

// ============================================================================
// Progress and outcome
// ============================================================================

func (r *migrationRepository) UpdateProgress(ctx context.Context, id uuid.UUID, p models.MigrationProgress) error {
	s, err := scope(ctx)
	if err != nil {
		return err
	}

	_, err = s.Conn.Exec(ctx, `
		UPDATE migrations
		SET items_processed = $2,
		    items_error = $3,
		    last_progress = $4,
		    last_heartbeat = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in-progress'`,
		id, p.ItemsProcessed, p.ItemsError, clampPercent(p.LastProgress))
	if err != nil {
		return fmt.Errorf("failed to update migration progress: %w", err)
	}
	return nil
}

func (r *migrationRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	s, err := scope(ctx)
	if err != nil {
		return err
	}

	_, err = s.Conn.Exec(ctx, `
		UPDATE migrations
		SET last_heartbeat = NOW()
		WHERE id = $1 AND status = 'in-progress'`, id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

func (r *migrationRepository) MarkCompleted(ctx context.Context, id uuid.UUID, itemsProcessed, itemsError int) (bool, error) {
	return r.finish(ctx, `
		UPDATE migrations
		SET status = 'completed',
		    items_processed = $2,
		    items_error = $3,
		    last_progress = 100,
		    error_message = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in-progress'`,
		id, itemsProcessed, itemsError)
}

func (r *migrationRepository) MarkError(ctx context.Context, id uuid.UUID, message string, itemsProcessed, itemsError int) (bool, error) {
	return r.finish(ctx, `
		UPDATE migrations
		SET status = 'error',
		    items_processed = $2,
		    items_error = $3,
		    error_message = $4,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'in-progress'`,
		id, itemsProcessed, itemsError, message)
}

func (r *migrationRepository) finish(ctx context.Context, query string, args ...any) (bool, error) {
	s, err := scope(ctx)
	if err != nil {
		return false, err
	}

	result, err := s.Conn.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to finish migration: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ============================================================================
// Helper Functions
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMigrationRow(row rowScanner) (*models.Migration, error) {
	var m models.Migration
	var configJSON []byte
	var createdByEmail *string

	err := row.Scan(
		&m.ID, &m.EntityType, &m.SourceID, &m.File.Path, &m.File.Name, &configJSON,
		&m.Status, &m.IsHighPriority, &m.ItemsProcessed, &m.ItemsError, &m.LastProgress,
		&m.ErrorMessage, &m.CreatedBy, &createdByEmail, &m.LastHeartbeat,
		&m.StartedAt, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan migration: %w", err)
	}
	if createdByEmail != nil {
		m.CreatedByEmail = *createdByEmail
	}

	cfg, err := models.DecodeMigrationConfig(m.EntityType, configJSON)
	if err != nil {
		return nil, err
	}
	m.Config = cfg
	return &m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
