package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// PersonRepository looks up people by email and creates names (contacts).
type PersonRepository interface {
	// FindIDByEmail returns the id of the oldest record of kind whose email
	// matches case-insensitively.
	FindIDByEmail(ctx context.Context, kind models.PersonKind, email string) (int64, bool, error)
	CreateName(ctx context.Context, n *models.Name) error
}

type personRepository struct{}

// NewPersonRepository creates a new PersonRepository.
func NewPersonRepository() PersonRepository {
	return &personRepository{}
}

var _ PersonRepository = (*personRepository)(nil)

var personTables = map[models.PersonKind]string{
	models.PersonKindCandidate:       "candidates",
	models.PersonKindHiringAuthority: "hiring_authorities",
	models.PersonKindName:            "names",
}

func (r *personRepository) FindIDByEmail(ctx context.Context, kind models.PersonKind, email string) (int64, bool, error) {
	s, err := scope(ctx)
	if err != nil {
		return 0, false, err
	}

	table, ok := personTables[kind]
	if !ok {
		return 0, false, fmt.Errorf("unknown person kind %q", kind)
	}

	var id int64
	err = s.Conn.QueryRow(ctx,
		`SELECT id FROM `+table+` WHERE lower(email) = lower(trim($1)) ORDER BY id LIMIT 1`,
		email).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to look up %s by email: %w", kind, err)
	}
	return id, true, nil
}

func (r *personRepository) CreateName(ctx context.Context, n *models.Name) error {
	s, err := scope(ctx)
	if err != nil {
		return err
	}

	n.CreatedAt = time.Now()
	query := `
		INSERT INTO names (
			first_name, last_name, email, phone, title, company_id,
			specialty_id, subspecialty_id, position_id,
			created_by, source_migration_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	err = s.Conn.QueryRow(ctx, query,
		n.FirstName, n.LastName, nullIfEmpty(n.Email), nullIfEmpty(n.Phone), nullIfEmpty(n.Title), n.CompanyID,
		n.SpecialtyID, n.SubspecialtyID, n.PositionID,
		n.CreatedBy, n.SourceMigrationID, n.CreatedAt,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("failed to create name: %w", err)
	}
	return nil
}
