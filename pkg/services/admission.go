package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/broadcast"
	"github.com/ekaya-inc/crm-migrations/pkg/database"
	"github.com/ekaya-inc/crm-migrations/pkg/metrics"
	"github.com/ekaya-inc/crm-migrations/pkg/models"
	"github.com/ekaya-inc/crm-migrations/pkg/repositories"
	"github.com/ekaya-inc/crm-migrations/pkg/services/workqueue"
)

// AdmissionController decides when config-completed migrations start.
//
// High-priority migrations are claimed and queued as soon as their config is
// complete, whatever the load. Everything else waits in the pending pool and
// is drained, oldest first, while fewer than the ceiling are in-progress.
// A high-priority migration whose submission never went through is picked up
// by the next drain once PriorityGrace has passed.
type AdmissionController interface {
	// SubmitPriority claims a high-priority migration and queues it.
	SubmitPriority(ctx context.Context, id uuid.UUID) error
	// DrainPending purges idle runs, resubmits stalled high-priority
	// migrations, then starts pending migrations until the ceiling is reached.
	// It returns how many were started.
	DrainPending(ctx context.Context) (int, error)
	// CanProcessPending purges idle runs and reports whether a batch slot is free.
	CanProcessPending(ctx context.Context) (bool, error)
	// PurgeIdleProcess fails in-progress migrations whose heartbeat is stale.
	PurgeIdleProcess(ctx context.Context) ([]*models.Migration, error)
	// RunMigration claims and runs a migration inline. A migration that is
	// already claimed is skipped, so redelivered jobs are harmless.
	RunMigration(ctx context.Context, id uuid.UUID) error
}

// AdmissionConfig holds the admission limits.
type AdmissionConfig struct {
	MaxConcurrent int
	IdleTimeout   time.Duration
	// PriorityGrace is how long a config-completed high-priority migration
	// may stay unclaimed before a drain submits it again.
	PriorityGrace time.Duration
	ChannelPrefix string
}

type admissionController struct {
	repo        repositories.MigrationRepository
	scopeFunc   database.ScopeFunc
	queue       TaskQueue
	runner      MigrationRunner
	broadcaster broadcast.Broadcaster
	cfg         AdmissionConfig
	logger      *zap.Logger
	now         func() time.Time

	// drainMu serializes draining in this process. Claims are atomic in the
	// database, so concurrent drains on other instances can only undershoot.
	drainMu sync.Mutex
}

// NewAdmissionController creates an AdmissionController.
func NewAdmissionController(
	repo repositories.MigrationRepository,
	scopeFunc database.ScopeFunc,
	queue TaskQueue,
	runner MigrationRunner,
	broadcaster broadcast.Broadcaster,
	cfg AdmissionConfig,
	logger *zap.Logger,
) AdmissionController {
	return &admissionController{
		repo:        repo,
		scopeFunc:   scopeFunc,
		queue:       queue,
		runner:      runner,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger.Named("admission"),
		now:         time.Now,
	}
}

var _ AdmissionController = (*admissionController)(nil)

func (a *admissionController) SubmitPriority(ctx context.Context, id uuid.UUID) error {
	ctx, cleanup, err := a.scopeFunc(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer cleanup()

	_, err = a.admitPriority(ctx, id)
	return err
}

// admitPriority claims id and queues it on the priority lane. It reports
// whether this call started the migration.
func (a *admissionController) admitPriority(ctx context.Context, id uuid.UUID) (bool, error) {
	m, claimed, err := a.repo.ClaimForProcessing(ctx, id)
	if err != nil {
		return false, err
	}
	if !claimed {
		a.duplicateClaim(id)
		return false, nil
	}

	a.logger.Info("Admitting high-priority migration",
		zap.String("migration_id", id.String()),
		zap.String("entity_type", string(m.EntityType)))
	if err := a.enqueue(ctx, m, workqueue.LanePriority); err != nil {
		return false, err
	}
	return true, nil
}

// resubmitStalledPriority admits high-priority migrations that completed
// their config more than PriorityGrace ago but were never claimed. They
// bypass the ceiling like any other priority submission.
func (a *admissionController) resubmitStalledPriority(ctx context.Context) (int, error) {
	ids, err := a.repo.ListStalledPriority(ctx, a.now().Add(-a.cfg.PriorityGrace))
	if err != nil {
		return 0, err
	}

	started := 0
	for _, id := range ids {
		a.logger.Warn("Resubmitting stalled high-priority migration",
			zap.String("migration_id", id.String()))
		ok, err := a.admitPriority(ctx, id)
		if err != nil {
			return started, err
		}
		if ok {
			started++
		}
	}
	return started, nil
}

func (a *admissionController) DrainPending(ctx context.Context) (int, error) {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()

	ctx, cleanup, err := a.scopeFunc(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer cleanup()

	if _, err := a.purgeIdle(ctx); err != nil {
		return 0, err
	}

	started, err := a.resubmitStalledPriority(ctx)
	if err != nil {
		return started, err
	}

	for {
		free, err := a.hasCapacity(ctx)
		if err != nil || !free {
			return started, err
		}

		m, err := a.repo.ClaimNextPending(ctx)
		if err != nil {
			return started, err
		}
		if m == nil {
			return started, nil
		}

		a.logger.Info("Admitting pending migration",
			zap.String("migration_id", m.ID.String()),
			zap.String("entity_type", string(m.EntityType)),
			zap.Time("created_at", m.CreatedAt))
		if err := a.enqueue(ctx, m, workqueue.LaneBatch); err != nil {
			return started, err
		}
		started++
	}
}

func (a *admissionController) CanProcessPending(ctx context.Context) (bool, error) {
	ctx, cleanup, err := a.scopeFunc(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer cleanup()

	if _, err := a.purgeIdle(ctx); err != nil {
		return false, err
	}
	return a.hasCapacity(ctx)
}

func (a *admissionController) PurgeIdleProcess(ctx context.Context) ([]*models.Migration, error) {
	ctx, cleanup, err := a.scopeFunc(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer cleanup()

	return a.purgeIdle(ctx)
}

func (a *admissionController) RunMigration(ctx context.Context, id uuid.UUID) error {
	scoped, cleanup, err := a.scopeFunc(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	m, claimed, err := a.repo.ClaimForProcessing(scoped, id)
	cleanup()
	if err != nil {
		return err
	}
	if !claimed {
		a.duplicateClaim(id)
		return nil
	}

	metrics.RecordRunStarted(string(m.EntityType), "direct")
	return a.runner.Run(ctx, m)
}

// hasCapacity counts every in-progress migration, priority runs included,
// against the ceiling. The local batch lane must also have a free slot: a run
// reclaimed as idle may still be executing here, and a migration claimed
// behind it would wait in the queue without a heartbeat.
func (a *admissionController) hasCapacity(ctx context.Context) (bool, error) {
	n, err := a.repo.CountInProgress(ctx)
	if err != nil {
		return false, err
	}
	metrics.SetInProgress(n)
	if n >= a.cfg.MaxConcurrent {
		return false, nil
	}
	return a.queue.Running(workqueue.LaneBatch) < a.cfg.MaxConcurrent, nil
}

func (a *admissionController) purgeIdle(ctx context.Context) ([]*models.Migration, error) {
	idleSince := a.now().Add(-a.cfg.IdleTimeout)
	msg := fmt.Sprintf("migration made no progress for %s", a.cfg.IdleTimeout)

	reclaimed, err := a.repo.MarkIdleAsError(ctx, idleSince, msg)
	if err != nil {
		return nil, err
	}
	if len(reclaimed) == 0 {
		return nil, nil
	}

	metrics.RecordIdleReclaimed(len(reclaimed))
	for _, m := range reclaimed {
		a.logger.Warn("Reclaimed idle migration",
			zap.String("migration_id", m.ID.String()),
			zap.String("entity_type", string(m.EntityType)),
			zap.Timep("last_heartbeat", m.LastHeartbeat))
		a.broadcaster.Publish(ctx, broadcast.Channel(a.cfg.ChannelPrefix, m.EntityType), statusEvent(m, msg))
	}
	return reclaimed, nil
}

// enqueue hands a claimed migration to the work queue. A migration the queue
// refuses is failed right away instead of waiting to be reclaimed as idle.
func (a *admissionController) enqueue(ctx context.Context, m *models.Migration, lane workqueue.Lane) error {
	err := a.queue.Enqueue(NewMigrationTask(m, lane, a.runner))
	if err == nil || errors.Is(err, workqueue.ErrDuplicateTask) {
		return nil
	}

	a.logger.Error("Work queue refused claimed migration",
		zap.String("migration_id", m.ID.String()),
		zap.Error(err))
	if _, markErr := a.repo.MarkError(ctx, m.ID, "worker pool is shutting down", 0, 0); markErr != nil {
		a.logger.Error("Failed to fail refused migration",
			zap.String("migration_id", m.ID.String()),
			zap.Error(markErr))
	}
	return err
}

func (a *admissionController) duplicateClaim(id uuid.UUID) {
	metrics.RecordDuplicateClaim()
	a.logger.Info("Migration already claimed or not ready, skipping",
		zap.String("migration_id", id.String()))
}

// statusEvent builds a lifecycle event for listeners.
func statusEvent(m *models.Migration, message string) models.ProgressEvent {
	return models.ProgressEvent{
		MigrationID:    m.ID,
		EntityType:     m.EntityType,
		Stage:          models.ProgressStageStatus,
		Status:         m.Status,
		Progress:       m.LastProgress,
		Message:        message,
		ItemsProcessed: m.ItemsProcessed,
		ItemsError:     m.ItemsError,
		Timestamp:      time.Now(),
	}
}
