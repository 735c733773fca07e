package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/broadcast"
	"github.com/ekaya-inc/crm-migrations/pkg/config"
	"github.com/ekaya-inc/crm-migrations/pkg/database"
	"github.com/ekaya-inc/crm-migrations/pkg/logging"
	"github.com/ekaya-inc/crm-migrations/pkg/mailer"
	"github.com/ekaya-inc/crm-migrations/pkg/mapping"
	"github.com/ekaya-inc/crm-migrations/pkg/repositories"
	"github.com/ekaya-inc/crm-migrations/pkg/services"
	"github.com/ekaya-inc/crm-migrations/pkg/services/rowproc"
	"github.com/ekaya-inc/crm-migrations/pkg/services/workqueue"
	"github.com/ekaya-inc/crm-migrations/pkg/storage"
)

// app holds the components shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *database.DB
	redis *redis.Client
	hub   *broadcast.Hub
	files *storage.LocalStore

	catalog    *mapping.Catalog
	migrations repositories.MigrationRepository
	taxonomy   repositories.TaxonomyRepository
	queue      *workqueue.Queue
	admission  services.AdmissionController
}

type appOptions struct {
	// drainOnComplete starts pending migrations whenever a run finishes.
	// One-shot commands turn it off and drain explicitly.
	drainOnComplete bool
}

// newApp connects to the database (and Redis when configured) and wires the
// migration pipeline. ctx bounds background draining; Close releases
// everything in reverse order.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, catalog: mapping.DefaultCatalog()}

	connStr := cfg.Database.ConnectionString()
	logger.Info("Connecting to database", zap.String("url", logging.SanitizeConnectionString(connStr)))
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("database: %s", logging.SanitizeError(err))
	}
	a.db = db

	a.redis, err = database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.hub = broadcast.NewHub(logger)
	var broadcaster broadcast.Broadcaster = a.hub
	if a.redis != nil {
		broadcaster = broadcast.NewRedisPublisher(a.redis, logger)
	}

	a.files, err = storage.NewLocalStore(cfg.Storage.RootDir, cfg.Storage.PublicBaseURL, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.migrations = repositories.NewMigrationRepository()
	a.taxonomy = repositories.NewTaxonomyRepository()
	stores := rowproc.Stores{
		Companies:      repositories.NewCompanyRepository(),
		People:         repositories.NewPersonRepository(),
		SearchProjects: repositories.NewSearchProjectRepository(),
	}

	scopeFunc := database.NewScopeFunc(db)
	reporter := services.NewResultReporter(a.files, mailer.New(&cfg.SMTP, logger), logger)
	worker := services.NewMigrationWorker(
		a.migrations, scopeFunc, a.files, stores, a.catalog, broadcaster, reporter,
		services.WorkerConfig{
			HeartbeatInterval: cfg.Migration.HeartbeatInterval,
			ChannelPrefix:     cfg.Migration.ChannelPrefix,
		},
		logger,
	)

	queueOpts := []workqueue.QueueOption{
		workqueue.WithStrategy(workqueue.NewMigrationStrategy(cfg.Migration.MaxConcurrent)),
	}
	if opts.drainOnComplete {
		// A finished run of either lane frees a slot under the ceiling.
		queueOpts = append(queueOpts, workqueue.WithOnComplete(func(workqueue.TaskSnapshot) {
			if ctx.Err() != nil {
				return
			}
			if _, err := a.admission.DrainPending(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Failed to drain pending migrations", zap.Error(err))
			}
		}))
	}
	a.queue = workqueue.New(logger, queueOpts...)

	a.admission = services.NewAdmissionController(
		a.migrations, scopeFunc, a.queue, worker, broadcaster,
		services.AdmissionConfig{
			MaxConcurrent: cfg.Migration.MaxConcurrent,
			IdleTimeout:   cfg.Migration.IdleTimeout,
			PriorityGrace: cfg.Migration.PriorityGrace,
			ChannelPrefix: cfg.Migration.ChannelPrefix,
		},
		logger,
	)

	return a, nil
}

// shutdownQueue cancels running migrations and waits for them to record
// their interrupted state.
func (a *app) shutdownQueue(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.queue.Shutdown(ctx); err != nil {
		a.logger.Warn("Work queue did not stop cleanly", zap.Error(err))
	}
}

// Close releases connections. The queue must already be shut down.
func (a *app) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
