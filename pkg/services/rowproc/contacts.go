package rowproc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
)

type contactsProcessor struct {
	stores   Stores
	required []string
	logger   *zap.Logger
}

func (p *contactsProcessor) EntityType() models.EntityType { return models.EntityTypeContacts }

func (p *contactsProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	cfg, ok := in.Migration.Config.(*models.ContactsMigrationConfig)
	if !ok {
		return nil, fmt.Errorf("contacts run got %T config", in.Migration.Config)
	}

	res := newResult(in)
	fi := fieldsOf(cfg.Base())
	tax := mapping.NewTaxonomyIndex(cfg.IndustriesMapping, cfg.PositionsMapping)
	companies := newCompanyCache(p.stores.Companies, in.Migration)

	err := run(ctx, in, res, func(ctx context.Context, row spreadsheet.Row) (string, error) {
		cells := row.Cells
		n := models.Name{
			FirstName: fi.Value(cells, mapping.FieldFirstName),
			LastName:  fi.Value(cells, mapping.FieldLastName),
			Email:     fi.Value(cells, mapping.FieldEmail),
			Phone:     fi.Value(cells, mapping.FieldPhone),
			Title:     fi.Value(cells, mapping.FieldTitle),
		}
		label := n.FullName()

		if err := checkRequired(fi, cells, p.required); err != nil {
			return label, err
		}
		industry, err := resolveIndustry(fi, tax, cells)
		if err != nil {
			return label, err
		}
		position, err := resolvePosition(fi, tax, cells)
		if err != nil {
			return label, err
		}

		kind, _, exists, err := findPerson(ctx, p.stores.People, n.Email)
		if err != nil {
			return label, err
		}
		if exists {
			return label, rowErrorf("email %s already belongs to a %s", n.Email, kindLabel(kind))
		}

		switch company := fi.Value(cells, mapping.FieldCompany); {
		case cfg.CompanyID != nil:
			n.CompanyID = cfg.CompanyID
		case company != "":
			id, _, err := companies.matchOrCreate(ctx, models.Company{
				Name:           company,
				SpecialtyID:    &industry.SpecialtyID,
				SubspecialtyID: industry.SubspecialtyID,
			})
			if err != nil {
				return label, err
			}
			n.CompanyID = &id
		}

		specialtyID, positionID := industry.SpecialtyID, position.PositionID
		n.SpecialtyID = &specialtyID
		n.SubspecialtyID = industry.SubspecialtyID
		n.PositionID = &positionID
		n.CreatedBy = in.Migration.CreatedBy
		n.SourceMigrationID = &in.Migration.ID
		if err := p.stores.People.CreateName(ctx, &n); err != nil {
			return label, err
		}
		return label, nil
	}, p.logger)

	res.Success = err == nil
	return res, err
}

func kindLabel(k models.PersonKind) string {
	switch k {
	case models.PersonKindHiringAuthority:
		return "hiring authority"
	case models.PersonKindName:
		return "contact"
	}
	return string(k)
}
