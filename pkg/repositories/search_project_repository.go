package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/crm-migrations/pkg/apperrors"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// SearchProjectRepository manages search project rosters.
type SearchProjectRepository interface {
	GetByID(ctx context.Context, id int64) (*models.SearchProject, error)
	Create(ctx context.Context, p *models.SearchProject) error
	// AddMembers attaches every id in members to the project. People already
	// on the roster are skipped.
	AddMembers(ctx context.Context, projectID int64, members models.SearchProjectMembers) error
}

type searchProjectRepository struct{}

// NewSearchProjectRepository creates a new SearchProjectRepository.
func NewSearchProjectRepository() SearchProjectRepository {
	return &searchProjectRepository{}
}

var _ SearchProjectRepository = (*searchProjectRepository)(nil)

func (r *searchProjectRepository) GetByID(ctx context.Context, id int64) (*models.SearchProject, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	var p models.SearchProject
	err = s.Conn.QueryRow(ctx,
		`SELECT id, name, created_by, created_at FROM search_projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: search project %d", apperrors.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get search project: %w", err)
	}
	return &p, nil
}

func (r *searchProjectRepository) Create(ctx context.Context, p *models.SearchProject) error {
	s, err := scope(ctx)
	if err != nil {
		return err
	}

	p.CreatedAt = time.Now()
	err = s.Conn.QueryRow(ctx,
		`INSERT INTO search_projects (name, created_by, created_at) VALUES ($1, $2, $3) RETURNING id`,
		p.Name, p.CreatedBy, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create search project: %w", err)
	}
	return nil
}

func (r *searchProjectRepository) AddMembers(ctx context.Context, projectID int64, members models.SearchProjectMembers) error {
	s, err := scope(ctx)
	if err != nil {
		return err
	}

	buckets := []struct {
		table, column string
		ids           []int64
	}{
		{"search_project_candidates", "candidate_id", members.CandidateIDs},
		{"search_project_hiring_authorities", "hiring_authority_id", members.HiringAuthorityIDs},
		{"search_project_names", "name_id", members.NameIDs},
	}

	batch := &pgx.Batch{}
	for _, b := range buckets {
		if len(b.ids) == 0 {
			continue
		}
		batch.Queue(`
			INSERT INTO `+b.table+` (search_project_id, `+b.column+`)
			SELECT $1, unnest($2::bigint[])
			ON CONFLICT DO NOTHING`, projectID, b.ids)
	}
	if batch.Len() == 0 {
		return nil
	}

	if err := s.Conn.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to add search project members: %w", err)
	}
	return nil
}
