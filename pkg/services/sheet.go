package services

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/spreadsheet"
	"github.com/ekaya-inc/crm-migrations/pkg/storage"
)

// openSheet reads the uploaded file of a migration back from storage.
func openSheet(ctx context.Context, files storage.FileStore, ref models.FileRef) (*spreadsheet.Sheet, error) {
	rc, err := files.Open(ctx, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", ref.Name, err)
	}
	defer rc.Close()

	sheet, err := spreadsheet.Parse(ref.Name, rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ref.Name, err)
	}
	return sheet, nil
}
