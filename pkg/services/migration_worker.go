package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/broadcast"
	"github.com/ekaya-inc/crm-migrations/pkg/database"
	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/metrics"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/repositories"
	"github.com/ekaya-inc/crm-migrations/pkg/retry"
	"github.com/ekaya-inc/crm-migrations/pkg/services/rowproc"
	"github.com/ekaya-inc/crm-migrations/pkg/storage"
)

// MigrationRunner takes a claimed (in-progress) migration to a terminal state.
type MigrationRunner interface {
	Run(ctx context.Context, m *models.Migration) error
}

// WorkerConfig holds the worker settings.
type WorkerConfig struct {
	HeartbeatInterval time.Duration
	ChannelPrefix     string
}

type migrationWorker struct {
	repo        repositories.MigrationRepository
	scopeFunc   database.ScopeFunc
	files       storage.FileStore
	stores      rowproc.Stores
	catalog     *mapping.Catalog
	broadcaster broadcast.Broadcaster
	reporter    ResultReporter
	cfg         WorkerConfig
	retryCfg    *retry.Config
	logger      *zap.Logger
}

// NewMigrationWorker creates the MigrationRunner used by the work queue.
func NewMigrationWorker(
	repo repositories.MigrationRepository,
	scopeFunc database.ScopeFunc,
	files storage.FileStore,
	stores rowproc.Stores,
	catalog *mapping.Catalog,
	broadcaster broadcast.Broadcaster,
	reporter ResultReporter,
	cfg WorkerConfig,
	logger *zap.Logger,
) MigrationRunner {
	return &migrationWorker{
		repo:        repo,
		scopeFunc:   scopeFunc,
		files:       files,
		stores:      stores,
		catalog:     catalog,
		broadcaster: broadcaster,
		reporter:    reporter,
		cfg:         cfg,
		retryCfg:    retry.DefaultConfig(),
		logger:      logger.Named("worker"),
	}
}

var _ MigrationRunner = (*migrationWorker)(nil)

func (w *migrationWorker) Run(ctx context.Context, m *models.Migration) (err error) {
	start := time.Now()
	var res *rowproc.Result

	// Set up defer FIRST so a panic still leaves the record terminal.
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Migration run panicked",
				zap.String("migration_id", m.ID.String()),
				zap.Any("panic", r),
				zap.Stack("stack"))
			err = fmt.Errorf("panic during migration: %v", r)
		}
		w.finish(ctx, m, res, err, time.Since(start))
	}()

	stopHeartbeat := w.startHeartbeat(m.ID)
	defer stopHeartbeat()

	w.logger.Info("Starting migration",
		zap.String("migration_id", m.ID.String()),
		zap.String("entity_type", string(m.EntityType)),
		zap.Bool("high_priority", m.IsHighPriority))
	w.publish(ctx, statusEvent(m, "Migration started"))

	sheet, err := openSheet(ctx, w.files, m.File)
	if err != nil {
		return err
	}

	proc, err := rowproc.New(m.EntityType, w.stores, w.catalog, w.logger)
	if err != nil {
		return err
	}

	scoped, cleanup, err := w.scopeFunc(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer cleanup()

	res, err = proc.Process(scoped, rowproc.Input{
		Migration:  m,
		Sheet:      sheet,
		OnProgress: w.progressFunc(m),
	})
	return err
}

// progressFunc persists and broadcasts per-row progress. A failed write
// aborts the run: the record would otherwise drift from what was done.
func (w *migrationWorker) progressFunc(m *models.Migration) rowproc.ProgressFunc {
	return func(ctx context.Context, p rowproc.Progress) error {
		if err := w.repo.UpdateProgress(ctx, m.ID, models.MigrationProgress{
			ItemsProcessed: p.Processed,
			ItemsError:     p.Errors,
			LastProgress:   p.Percent,
		}); err != nil {
			return err
		}

		w.publish(ctx, models.ProgressEvent{
			MigrationID:    m.ID,
			EntityType:     m.EntityType,
			Stage:          models.ProgressStageRow,
			Status:         models.MigrationStatusInProgress,
			Progress:       p.Percent,
			Message:        p.Message,
			ItemsProcessed: p.Processed,
			ItemsError:     p.Errors,
			Timestamp:      time.Now(),
		})
		return nil
	}
}

// finish writes the terminal state and reports the outcome. It runs on a
// context detached from ctx so that a shutdown still records the result.
func (w *migrationWorker) finish(ctx context.Context, m *models.Migration, res *rowproc.Result, runErr error, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	scoped, cleanup, err := w.scopeFunc(ctx)
	if err != nil {
		w.logger.Error("Failed to acquire connection to finish migration",
			zap.String("migration_id", m.ID.String()),
			zap.Error(err))
		return
	}
	defer cleanup()

	processed, failed := 0, 0
	if res != nil {
		processed, failed = res.ItemsProcessed(), res.ItemsError()
	}

	var transitioned bool
	status := models.MigrationStatusCompleted
	if runErr == nil {
		err = retry.DoIfRetryable(ctx, w.retryCfg, func() error {
			transitioned, err = w.repo.MarkCompleted(scoped, m.ID, processed, failed)
			return err
		})
	} else {
		status = models.MigrationStatusError
		msg := runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			msg = "migration was interrupted by a shutdown"
		}
		w.logger.Error("Migration failed",
			zap.String("migration_id", m.ID.String()),
			zap.Int("items_processed", processed),
			zap.Int("items_error", failed),
			zap.Error(runErr))
		err = retry.DoIfRetryable(ctx, w.retryCfg, func() error {
			transitioned, err = w.repo.MarkError(scoped, m.ID, msg, processed, failed)
			return err
		})
	}
	if err != nil {
		w.logger.Error("Failed to record migration outcome",
			zap.String("migration_id", m.ID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if !transitioned {
		// Someone else (the idle sweep) already made it terminal.
		w.logger.Warn("Migration was no longer in progress, outcome discarded",
			zap.String("migration_id", m.ID.String()),
			zap.String("status", string(status)))
		return
	}

	metrics.RecordRunFinished(string(m.EntityType), string(status), elapsed)
	metrics.RecordRows(string(m.EntityType), processed, failed)

	final := *m
	final.Status = status
	final.ItemsProcessed = processed
	final.ItemsError = failed
	if status == models.MigrationStatusCompleted {
		final.LastProgress = 100
	}
	w.publish(ctx, statusEvent(&final, finishMessage(&final)))

	w.logger.Info("Migration finished",
		zap.String("migration_id", m.ID.String()),
		zap.String("status", string(status)),
		zap.Int("items_processed", processed),
		zap.Int("items_error", failed),
		zap.Duration("elapsed", elapsed))

	if err := w.reporter.Report(ctx, &final, res); err != nil {
		w.logger.Error("Failed to report migration result",
			zap.String("migration_id", m.ID.String()),
			zap.Error(err))
	}
}

// startHeartbeat refreshes the heartbeat until the returned func is called.
func (w *migrationWorker) startHeartbeat(id uuid.UUID) func() {
	if w.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scoped, cleanup, err := w.scopeFunc(ctx)
				if err != nil {
					w.logger.Warn("Failed to acquire connection for heartbeat", zap.Error(err))
					continue
				}
				if err := w.repo.Heartbeat(scoped, id); err != nil {
					w.logger.Warn("Failed to update heartbeat",
						zap.String("migration_id", id.String()),
						zap.Error(err))
				}
				cleanup()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (w *migrationWorker) publish(ctx context.Context, ev models.ProgressEvent) {
	w.broadcaster.Publish(ctx, broadcast.Channel(w.cfg.ChannelPrefix, ev.EntityType), ev)
}

func finishMessage(m *models.Migration) string {
	if m.Status == models.MigrationStatusCompleted {
		return fmt.Sprintf("Migration completed: %d migrated, %d with errors", m.ItemsProcessed, m.ItemsError)
	}
	return "There was a problem processing the migration"
}
