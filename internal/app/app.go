// Package app provides the application initialization and lifecycle management
package app

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/driftsync/internal/config"
	"github.com/tildaslashalef/driftsync/internal/database"
	"github.com/tildaslashalef/driftsync/internal/engine"
	"github.com/tildaslashalef/driftsync/internal/entity"
	"github.com/tildaslashalef/driftsync/internal/loggy"
	"github.com/tildaslashalef/driftsync/internal/monitor"
	"github.com/tildaslashalef/driftsync/internal/reconcile"
	"github.com/tildaslashalef/driftsync/internal/remote"
	"github.com/tildaslashalef/driftsync/internal/scheduler"
)

// App represents the application instance with its dependencies
type App struct {
	Config    *config.Config
	Entities  entity.Repository
	SyncLogs  engine.LogRepository
	Records   reconcile.RecordRepository
	Engine    *engine.Service
	Remote    *remote.Client
	Scheduler *scheduler.Scheduler
	Sweeper   *reconcile.Sweeper
	Monitor   *monitor.Monitor
}

// New initializes a new application instance with all its dependencies
func New() (*App, error) {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg); err != nil {
		return nil, err
	}

	loggy.Info("Application initializing",
		"instance", cfg.Instance.Name,
		"version", os.Getenv("VERSION"),
		"log_level", cfg.Logging.Level,
	)

	if err := database.InitDB(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	app, err := initServices(cfg, db)
	if err != nil {
		return nil, err
	}

	loggy.Info("Application initialized successfully")
	return app, nil
}

// initLogger initializes the logging system
func initLogger(cfg *config.Config) error {
	_, err := loggy.Init(loggy.Config{
		Level:      config.ParseLogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

// initServices initializes all application services
func initServices(cfg *config.Config, db *sql.DB) (*App, error) {
	logger := loggy.GetGlobalLogger()

	entities := entity.NewSQLRepository(db, logger)
	syncLogs := engine.NewSQLLogRepository(db, logger)
	records := reconcile.NewSQLRecordRepository(db, logger)

	remoteClient := remote.NewClient(cfg.Remote, logger)
	syncEngine := engine.NewService(cfg.Sync, entities, syncLogs, logger)

	sched := scheduler.NewScheduler(cfg.Sync, cfg.Remote, syncEngine, remoteClient, entities, logger)
	sweeper := reconcile.NewSweeper(cfg.Reconcile, entities, records, remoteClient, syncEngine, logger)

	mon := monitor.NewMonitor(cfg.Monitor, entities, syncLogs, monitor.NewLogSink(logger), logger)
	sched.SetDeadLetterHook(mon.DeadLetter)
	sweeper.SetReportHook(mon.RecordSweep)

	return &App{
		Config:    cfg,
		Entities:  entities,
		SyncLogs:  syncLogs,
		Records:   records,
		Engine:    syncEngine,
		Remote:    remoteClient,
		Scheduler: sched,
		Sweeper:   sweeper,
		Monitor:   mon,
	}, nil
}

// Shutdown gracefully shuts down the application
func (app *App) Shutdown() error {
	loggy.Info("Shutting down application")

	if err := database.CloseDB(); err != nil {
		loggy.Error("Error closing database connection", "error", err)
	}

	return nil
}

// FromContext retrieves the App instance from the CLI context
func FromContext(c *cli.Context) (*App, error) {
	if c.App.Metadata == nil {
		return nil, fmt.Errorf("app metadata not found in context")
	}

	application, ok := c.App.Metadata["app"].(*App)
	if !ok {
		return nil, fmt.Errorf("app instance not found in context")
	}
	return application, nil
}
