package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/mailer"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/services/rowproc"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
	"github.com/ekaya-inc/crm-migrations/pkg/storage"
)

// ResultReporter turns a finished run into result files and one email to
// the user who started it.
type ResultReporter interface {
	Report(ctx context.Context, m *models.Migration, res *rowproc.Result) error
}

// ErrorColumn is appended to each row of the errors file.
const ErrorColumn = "Error"

type resultReporter struct {
	files  storage.FileStore
	mailer mailer.Mailer
	logger *zap.Logger
}

// NewResultReporter creates a ResultReporter.
func NewResultReporter(files storage.FileStore, m mailer.Mailer, logger *zap.Logger) ResultReporter {
	return &resultReporter{files: files, mailer: m, logger: logger.Named("reporter")}
}

var _ ResultReporter = (*resultReporter)(nil)

// ReportLink is one link in the notification email.
type ReportLink struct {
	Label string
	URL   string
}

type reportView struct {
	Title     string
	Noun      string
	FileName  string
	Processed int
	Errors    int
	Links     []ReportLink
}

var reportTemplate = template.Must(template.New("report").Parse(`<p>{{.Title}}</p>
<p>File: <strong>{{.FileName}}</strong><br>
{{.Processed}} {{.Noun}} migrated, {{.Errors}} with errors.</p>
{{if .Links}}<ul>{{range .Links}}
<li><a href="{{.URL}}">{{.Label}}</a></li>{{end}}
</ul>{{end}}`))

// Report uploads whichever result files have rows and emails their links.
// Every failure is collected; a failed upload does not stop the email.
func (r *resultReporter) Report(ctx context.Context, m *models.Migration, res *rowproc.Result) error {
	var errs []error
	links := []ReportLink{{Label: "Original file", URL: r.files.URL(m.File.Path)}}

	if res != nil {
		folder := "results/" + m.ID.String()
		if len(res.ErrorsFound) > 0 {
			link, err := r.upload(ctx, folder, "errors.xlsx", "Rows with errors",
				append(append([]string{}, res.Headers...), ErrorColumn), errorRows(res.ErrorsFound))
			errs = appendLink(&links, link, err, errs)
		}
		if len(res.Contacts) > 0 {
			link, err := r.upload(ctx, folder, "contacts.xlsx", "Contacts created", res.ContactHeaders, res.Contacts)
			errs = appendLink(&links, link, err, errs)
		}
		if len(res.SuccessUploads) > 0 {
			link, err := r.upload(ctx, folder, "success.xlsx", "Rows migrated", res.Headers, successRows(res.SuccessUploads))
			errs = appendLink(&links, link, err, errs)
		}
	}

	if m.CreatedByEmail == "" {
		r.logger.Info("No email on record for migration creator, skipping notification",
			zap.String("migration_id", m.ID.String()),
			zap.String("created_by", m.CreatedBy))
		return errors.Join(errs...)
	}

	msg, err := buildReportMessage(m, links)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if err := r.mailer.Send(ctx, msg); err != nil {
		errs = append(errs, fmt.Errorf("failed to send report email: %w", err))
	}
	return errors.Join(errs...)
}

func (r *resultReporter) upload(ctx context.Context, folder, name, label string, headers []string, rows [][]string) (ReportLink, error) {
	data, err := spreadsheet.Build(headers, rows)
	if err != nil {
		return ReportLink{}, fmt.Errorf("failed to build %s: %w", name, err)
	}
	p, err := r.files.Save(ctx, folder, name, bytes.NewReader(data))
	if err != nil {
		return ReportLink{}, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return ReportLink{Label: label, URL: r.files.URL(p)}, nil
}

func appendLink(links *[]ReportLink, link ReportLink, err error, errs []error) []error {
	if err != nil {
		return append(errs, err)
	}
	*links = append(*links, link)
	return errs
}

func buildReportMessage(m *models.Migration, links []ReportLink) (mailer.Message, error) {
	noun := inflection.Plural(m.EntityType.Noun())
	view := reportView{
		Noun:      noun,
		FileName:  m.File.Name,
		Processed: m.ItemsProcessed,
		Errors:    m.ItemsError,
		Links:     links,
	}

	var subject string
	if m.Status == models.MigrationStatusCompleted {
		subject = fmt.Sprintf("Your %s migration is complete", noun)
		view.Title = fmt.Sprintf("The migration of your %s finished.", noun)
	} else {
		subject = fmt.Sprintf("Your %s migration could not be completed", noun)
		view.Title = "There was a problem processing the migration, please try again later."
	}

	var body strings.Builder
	if err := reportTemplate.Execute(&body, view); err != nil {
		return mailer.Message{}, fmt.Errorf("failed to render report email: %w", err)
	}
	return mailer.Message{
		To:      []string{m.CreatedByEmail},
		Subject: subject,
		HTML:    body.String(),
	}, nil
}

func errorRows(outcomes []rowproc.RowOutcome) [][]string {
	rows := make([][]string, len(outcomes))
	for i, o := range outcomes {
		rows[i] = append(append([]string{}, o.Row.Cells...), o.Error)
	}
	return rows
}

func successRows(outcomes []rowproc.RowOutcome) [][]string {
	rows := make([][]string, len(outcomes))
	for i, o := range outcomes {
		rows[i] = o.Row.Cells
	}
	return rows
}
