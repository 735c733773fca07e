package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
)

// CompanyRepository matches and creates client companies.
type CompanyRepository interface {
	// FindByName returns the oldest company with this name (case-insensitive),
	// or nil when there is none.
	FindByName(ctx context.Context, name string) (*models.Company, error)
	Create(ctx context.Context, c *models.Company) error
}

type companyRepository struct{}

// NewCompanyRepository creates a new CompanyRepository.
func NewCompanyRepository() CompanyRepository {
	return &companyRepository{}
}

var _ CompanyRepository = (*companyRepository)(nil)

func (r *companyRepository) FindByName(ctx context.Context, name string) (*models.Company, error) {
	s, err := scope(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(website, ''),
		       COALESCE(address, ''), COALESCE(city, ''), COALESCE(state, ''), COALESCE(zip, ''),
		       specialty_id, subspecialty_id, created_by, source_migration_id, created_at
		FROM companies
		WHERE lower(name) = lower(trim($1))
		ORDER BY id
		LIMIT 1`

	var c models.Company
	err = s.Conn.QueryRow(ctx, query, name).Scan(
		&c.ID, &c.Name, &c.Email, &c.Phone, &c.Website,
		&c.Address, &c.City, &c.State, &c.Zip,
		&c.SpecialtyID, &c.SubspecialtyID, &c.CreatedBy, &c.SourceMigrationID, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find company: %w", err)
	}
	return &c, nil
}

func (r *companyRepository) Create(ctx context.Context, c *models.Company) error {
	s, err := scope(ctx)
	if err != nil {
		return err
	}

	c.CreatedAt = time.Now()
	query := `
		INSERT INTO companies (
			name, email, phone, website, address, city, state, zip,
			specialty_id, subspecialty_id, created_by, source_migration_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`

	err = s.Conn.QueryRow(ctx, query,
		c.Name, nullIfEmpty(c.Email), nullIfEmpty(c.Phone), nullIfEmpty(c.Website),
		nullIfEmpty(c.Address), nullIfEmpty(c.City), nullIfEmpty(c.State), nullIfEmpty(c.Zip),
		c.SpecialtyID, c.SubspecialtyID, c.CreatedBy, c.SourceMigrationID, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create company: %w", err)
	}
	return nil
}
