package services

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/crm-migrations/pkg/metrics"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/services/workqueue"
)

// TaskQueue is the part of the work queue admission needs.
type TaskQueue interface {
	Enqueue(task workqueue.Task) error
	Running(lane workqueue.Lane) int
}

var _ TaskQueue = (*workqueue.Queue)(nil)

// MigrationTask runs one claimed migration on the work queue.
type MigrationTask struct {
	workqueue.BaseTask
	migration *models.Migration
	runner    MigrationRunner
}

// NewMigrationTask creates a task for a migration that is already in-progress.
func NewMigrationTask(m *models.Migration, lane workqueue.Lane, runner MigrationRunner) *MigrationTask {
	return &MigrationTask{
		BaseTask:  workqueue.NewBaseTask(m.ID.String(), fmt.Sprintf("%s migration", m.EntityType), lane),
		migration: m,
		runner:    runner,
	}
}

// Execute implements workqueue.Task.
func (t *MigrationTask) Execute(ctx context.Context) error {
	metrics.RecordRunStarted(string(t.migration.EntityType), string(t.Lane()))
	return t.runner.Run(ctx, t.migration)
}
