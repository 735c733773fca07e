package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/crm-migrations/pkg/audit"
	"github.com/ekaya-inc/crm-migrations/pkg/auth"
	"github.com/ekaya-inc/crm-migrations/pkg/broadcast"
	"github.com/ekaya-inc/crm-migrations/pkg/config"
	"github.com/ekaya-inc/crm-migrations/pkg/database"
	"github.com/ekaya-inc/crm-migrations/pkg/handlers"
	"github.com/ekaya-inc/crm-migrations/pkg/logging"
	"github.com/ekaya-inc/crm-migrations/pkg/metrics"
	"github.com/ekaya-inc/crm-migrations/pkg/middleware"
	"github.com/ekaya-inc/crm-migrations/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

// shutdownTimeout bounds how long running migrations get to record that
// they were interrupted.
const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:    "crm-migrations",
		Usage:   "Bulk import of companies, contacts and search project rosters into the CRM",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config.yaml (environment variables override it)",
				Value: "config.yaml",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at DEBUG level, including HTTP access lines",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API, the worker pool and the idle sweeper",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "migrate",
						Usage: "apply database migrations before serving",
						Value: true,
					},
				},
				Action: serveAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply pending database migrations and exit",
				Action: migrateAction,
			},
			{
				Name:   "sweep",
				Usage:  "fail idle runs, start pending migrations and wait for them",
				Action: sweepAction,
			},
			{
				Name:      "run",
				Usage:     "claim and run one config-completed migration in the foreground",
				ArgsUsage: "<migration-id>",
				Action:    runAction,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// setup loads configuration and builds the root logger.
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFile(cmd.String("config"), Version)
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.New(cfg.Env, cmd.Bool("debug"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.Bool("redis", cfg.Redis.Host != ""),
		zap.Bool("smtp", cfg.SMTP.Enabled()),
		zap.Int("max_concurrent", cfg.Migration.MaxConcurrent),
		zap.Duration("idle_timeout", cfg.Migration.IdleTimeout))

	return cfg, logger, nil
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	return applyMigrations(cfg, logger)
}

func applyMigrations(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database: %s", logging.SanitizeError(err))
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, cfg.Migration.MigrationsPath, logger); err != nil {
		return fmt.Errorf("failed to apply migrations: %s", logging.SanitizeError(err))
	}
	return nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cmd.Bool("migrate") {
		if err := applyMigrations(cfg, logger); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, logger, appOptions{drainOnComplete: true})
	if err != nil {
		return err
	}
	defer a.Close()

	jwksClient, err := auth.NewJWKSClient(ctx, &auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize JWKS client: %w", err)
	}
	defer jwksClient.Close()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(jwksClient, logger), logger)

	if a.redis != nil {
		relay := broadcast.NewRedisRelay(a.redis, a.hub, cfg.Migration.ChannelPrefix, logger)
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Progress relay stopped", zap.Error(err))
			}
		}()
	}

	go services.NewSweeper(a.admission, cfg.Migration.SweepInterval, logger).Run(ctx)

	migrationService := services.NewMigrationService(a.migrations, a.taxonomy, a.files, a.catalog, a.admission, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, a.db, logger).RegisterRoutes(mux)
	handlers.NewMigrationHandler(migrationService, a.hub, audit.NewSecurityAuditor(logger), cfg.Migration.ChannelPrefix, logger).
		RegisterRoutes(mux, authMiddleware, database.WithScope(a.db, logger))
	mux.Handle("GET /metrics", metrics.Handler())
	// Result files are linked from notification emails.
	mux.Handle("GET /files/", a.files.Handler("/files/"))

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting crm-migrations", zap.String("addr", server.Addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Websockets are hijacked and not tracked by Shutdown; closing the hub ends them.
	a.hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server did not stop cleanly", zap.Error(err))
	}
	a.shutdownQueue(shutdownTimeout)
	return nil
}

func sweepAction(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.shutdownQueue(shutdownTimeout)

	sweeper := services.NewSweeper(a.admission, cfg.Migration.SweepInterval, logger)
	total := 0
	for {
		started := sweeper.SweepOnce(ctx)
		if started == 0 {
			break
		}
		total += started
		// Failed runs are already recorded on their migration.
		if err := a.queue.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	logger.Info("Sweep finished", zap.Int("started", total))
	return ctx.Err()
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	id, err := uuid.Parse(cmd.Args().First())
	if err != nil {
		return fmt.Errorf("expected a migration id: %w", err)
	}

	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.shutdownQueue(shutdownTimeout)

	return a.admission.RunMigration(ctx, id)
}
