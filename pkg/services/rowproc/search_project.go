package rowproc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
)

type searchProjectProcessor struct {
	stores   Stores
	required []string
	logger   *zap.Logger
}

func (p *searchProjectProcessor) EntityType() models.EntityType {
	return models.EntityTypeSearchProject
}

func (p *searchProjectProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	cfg, ok := in.Migration.Config.(*models.SearchProjectMigrationConfig)
	if !ok {
		return nil, fmt.Errorf("search project run got %T config", in.Migration.Config)
	}

	res := newResult(in)
	projectID, err := p.targetProject(ctx, in.Migration, cfg)
	if err != nil {
		res.Success = false
		return res, err
	}
	res.SearchProjectID = projectID

	fi := fieldsOf(cfg.Base())
	seen := make(map[models.PersonKind]map[int64]bool, len(models.PersonLookupOrder))

	err = run(ctx, in, res, func(ctx context.Context, row spreadsheet.Row) (string, error) {
		cells := row.Cells
		email := fi.Value(cells, mapping.FieldEmail)
		label := email

		if err := checkRequired(fi, cells, p.required); err != nil {
			name := models.Name{FirstName: fi.Value(cells, mapping.FieldFirstName), LastName: fi.Value(cells, mapping.FieldLastName)}
			return name.FullName(), err
		}

		kind, id, ok, err := findPerson(ctx, p.stores.People, email)
		if err != nil {
			return label, err
		}
		if !ok {
			return label, rowErrorf("contact not found")
		}

		if seen[kind] == nil {
			seen[kind] = make(map[int64]bool)
		}
		if !seen[kind][id] {
			seen[kind][id] = true
			res.Members.Add(kind, id)
		}
		return label, nil
	}, p.logger)
	if err != nil {
		res.Success = false
		return res, err
	}

	if res.Members.Total() > 0 {
		if err := p.stores.SearchProjects.AddMembers(ctx, projectID, res.Members); err != nil {
			res.Success = false
			return res, fmt.Errorf("failed to attach roster to search project %d: %w", projectID, err)
		}
	}

	p.logger.Info("Search project roster attached",
		zap.Int64("search_project_id", projectID),
		zap.Int("candidates", len(res.Members.CandidateIDs)),
		zap.Int("hiring_authorities", len(res.Members.HiringAuthorityIDs)),
		zap.Int("names", len(res.Members.NameIDs)))

	res.Success = true
	return res, nil
}

// targetProject returns the configured project, creating one when the
// config names a new project instead of an existing id.
func (p *searchProjectProcessor) targetProject(ctx context.Context, m *models.Migration, cfg *models.SearchProjectMigrationConfig) (int64, error) {
	if cfg.SearchProjectID != nil {
		sp, err := p.stores.SearchProjects.GetByID(ctx, *cfg.SearchProjectID)
		if err != nil {
			return 0, err
		}
		return sp.ID, nil
	}

	name := strings.TrimSpace(cfg.SearchProjectName)
	if name == "" {
		name = strings.TrimSuffix(m.File.Name, filepath.Ext(m.File.Name))
	}
	sp := &models.SearchProject{Name: name, CreatedBy: m.CreatedBy}
	if err := p.stores.SearchProjects.Create(ctx, sp); err != nil {
		return 0, err
	}
	return sp.ID, nil
}
