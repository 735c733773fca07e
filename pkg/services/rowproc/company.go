package rowproc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
)

// CompanyContactHeaders are the columns of the contacts file produced by a
// company run.
var CompanyContactHeaders = []string{"Company", "First Name", "Last Name", "Email", "Phone", "Title"}

type companyProcessor struct {
	stores   Stores
	required []string
	logger   *zap.Logger
}

func (p *companyProcessor) EntityType() models.EntityType { return models.EntityTypeCompany }

func (p *companyProcessor) Process(ctx context.Context, in Input) (*Result, error) {
	cfg, ok := in.Migration.Config.(*models.CompanyMigrationConfig)
	if !ok {
		return nil, fmt.Errorf("company run got %T config", in.Migration.Config)
	}

	res := newResult(in)
	res.ContactHeaders = CompanyContactHeaders

	fi := fieldsOf(cfg.Base())
	tax := mapping.NewTaxonomyIndex(cfg.IndustriesMapping, cfg.PositionsMapping)
	companies := newCompanyCache(p.stores.Companies, in.Migration)

	err := run(ctx, in, res, func(ctx context.Context, row spreadsheet.Row) (string, error) {
		cells := row.Cells
		name := fi.Value(cells, mapping.FieldName)

		if err := checkRequired(fi, cells, p.required); err != nil {
			return name, err
		}
		industry, err := resolveIndustry(fi, tax, cells)
		if err != nil {
			return name, err
		}

		specialtyID := industry.SpecialtyID
		companyID, _, err := companies.matchOrCreate(ctx, models.Company{
			Name:           name,
			Email:          fi.Value(cells, mapping.FieldEmail),
			Phone:          fi.Value(cells, mapping.FieldPhone),
			Website:        fi.Value(cells, mapping.FieldWebsite),
			Address:        fi.Value(cells, mapping.FieldAddress),
			City:           fi.Value(cells, mapping.FieldCity),
			State:          fi.Value(cells, mapping.FieldState),
			Zip:            fi.Value(cells, mapping.FieldZip),
			SpecialtyID:    &specialtyID,
			SubspecialtyID: industry.SubspecialtyID,
		})
		if err != nil {
			return name, err
		}

		if err := p.createContact(ctx, in.Migration, res, fi, cells, name, companyID, industry); err != nil {
			return name, err
		}
		return name, nil
	}, p.logger)

	res.Success = err == nil
	return res, err
}

// createContact adds the contact carried on a company row, if any. A contact
// whose email already belongs to someone is not created again.
func (p *companyProcessor) createContact(ctx context.Context, m *models.Migration, res *Result, fi mapping.FieldIndex, cells []string, company string, companyID int64, industry models.IndustryMapping) error {
	contact := models.Name{
		FirstName: fi.Value(cells, mapping.FieldContactFirstName),
		LastName:  fi.Value(cells, mapping.FieldContactLastName),
		Email:     fi.Value(cells, mapping.FieldContactEmail),
		Phone:     fi.Value(cells, mapping.FieldContactPhone),
		Title:     fi.Value(cells, mapping.FieldContactTitle),
	}
	if contact.FirstName == "" && contact.LastName == "" && contact.Email == "" {
		return nil
	}

	if contact.Email != "" {
		_, _, exists, err := findPerson(ctx, p.stores.People, contact.Email)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	specialtyID := industry.SpecialtyID
	contact.CompanyID = &companyID
	contact.SpecialtyID = &specialtyID
	contact.SubspecialtyID = industry.SubspecialtyID
	contact.CreatedBy = m.CreatedBy
	contact.SourceMigrationID = &m.ID
	if err := p.stores.People.CreateName(ctx, &contact); err != nil {
		return err
	}

	res.Contacts = append(res.Contacts, []string{
		company, contact.FirstName, contact.LastName, contact.Email, contact.Phone, contact.Title,
	})
	return nil
}
