package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/solarcrm/fieldsync/internal/config"
	"github.com/solarcrm/fieldsync/internal/connectivity"
	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/lock"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/media"
	"github.com/solarcrm/fieldsync/internal/services"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/sync/remote"
	"github.com/solarcrm/fieldsync/internal/sync/s3"
	"github.com/solarcrm/fieldsync/internal/sync/scheduler"
)

// app holds every component built from a Config.
type app struct {
	cfg       config.Config
	database  *db.DB
	repo      *db.Repository
	remote    remote.Store
	blobs     *syncpkg.S3Client
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	orch      *scheduler.Orchestrator
	scheduler *scheduler.Scheduler
	service   *services.CaptureService
	closers   []func() error
}

func newRemoteStore(cfg config.RemoteConfig) (remote.Store, func() error, error) {
	switch cfg.Driver {
	case "rest":
		if cfg.BaseURL == "" {
			return nil, nil, fmt.Errorf("remote.base_url is required for the rest driver")
		}
		return remote.NewRESTStore(remote.RESTConfig{
			BaseURL:  cfg.BaseURL,
			APIKey:   cfg.APIKey,
			IDColumn: cfg.IDColumn,
			Timeout:  cfg.Timeout,
		}), nil, nil
	case "postgres":
		gdb, err := remote.OpenPostgres(remote.PostgresConfig{DSN: cfg.DSN, IDColumn: cfg.IDColumn})
		if err != nil {
			return nil, nil, fmt.Errorf("open remote postgres: %w", err)
		}
		sqldb, err := gdb.DB()
		if err != nil {
			return nil, nil, err
		}
		return remote.NewGormStore(gdb, cfg.IDColumn), sqldb.Close, nil
	case "memory":
		return remote.NewMemoryStore(cfg.IDColumn), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}

func newLocker(cfg config.LockConfig) (lock.Locker, func() error) {
	if cfg.Driver != "redis" {
		return lock.NewMemoryLocker(), nil
	}
	l := lock.NewRedisLocker(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.RedisDB,
	}, cfg.TTL)
	return l, l.Close
}

// buildApp opens the local store and wires the sync stack. Nothing runs in
// the background until start is called.
func buildApp(cfg config.Config) (*app, error) {
	if cfg.App.OwnerID == "" {
		return nil, fmt.Errorf("app.owner_id is required")
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	database, err := db.OpenAndMigrate(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	a.database = database
	a.repo = db.NewRepository(database.DB)
	a.closers = append(a.closers, database.Close, a.repo.Close)

	remoteStore, closeRemote, err := newRemoteStore(cfg.Remote)
	if err != nil {
		return nil, err
	}
	a.remote = remoteStore
	if closeRemote != nil {
		a.closers = append(a.closers, closeRemote)
	}

	blobs, err := s3.FromConfig(cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	a.blobs = blobs

	locker, closeLocker := newLocker(cfg.Lock)
	if closeLocker != nil {
		a.closers = append(a.closers, closeLocker)
	}

	a.monitor = connectivity.NewMonitor(cfg.Connectivity.AssumeOnline)
	if cfg.Connectivity.ProbeURL != "" {
		a.prober = connectivity.NewProber(a.monitor, cfg.Connectivity.ProbeURL,
			cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout)
	}

	engine := syncpkg.NewEngine(a.repo, remoteStore, syncpkg.NewUploader(blobs), syncpkg.EngineConfig{
		MaxRetries: cfg.Sync.MaxRetries,
		Kinds:      cfg.Kinds,
	})
	resolver := conflict.NewResolver(a.repo, remoteStore, cfg.Kinds, cfg.Remote.IDColumn)
	a.orch = scheduler.NewOrchestrator(a.repo, engine, locker, resolver, scheduler.OrchestratorConfig{
		RecentErrors: cfg.Sync.RecentErrors,
		CycleTimeout: cfg.Sync.CycleTimeout,
	})
	a.scheduler = scheduler.NewScheduler(a.orch, a.monitor, a.repo, scheduler.SchedulerConfig{
		OwnerID:     cfg.App.OwnerID,
		Periodic:    cfg.Sync.Periodic,
		SettleDelay: cfg.Sync.SettleDelay,
	})
	a.service = services.NewCaptureService(services.Deps{
		OwnerID:      cfg.App.OwnerID,
		Store:        a.repo,
		Monitor:      a.monitor,
		Orchestrator: a.orch,
		Scheduler:    a.scheduler,
		Resolver:     resolver,
		Uploads:      engine,
		Preparer: media.NewPreparer(media.Options{
			MaxDimension: cfg.Media.MaxImageDimension,
			JPEGQuality:  cfg.Media.JPEGQuality,
		}),
		Kinds: cfg.Kinds,
	})

	ok = true
	return a, nil
}

// probeOnce refreshes the connectivity state for one-shot commands.
func (a *app) probeOnce(ctx context.Context) bool {
	if a.prober == nil {
		return a.monitor.IsOnline()
	}
	return a.prober.Check(ctx)
}

// checkBlobStore reports whether the attachment bucket answers.
func (a *app) checkBlobStore(ctx context.Context) string {
	if err := a.blobs.TestConnection(ctx); err != nil {
		logging.Debug("blob store check failed", map[string]interface{}{"error": err.Error()})
		return "unreachable"
	}
	return "reachable"
}

// start runs the capture service and, when configured, the prober.
func (a *app) start(ctx context.Context) error {
	if a.prober != nil {
		go a.prober.Run(ctx)
	}
	return a.service.Start(ctx)
}

func (a *app) close() {
	if a.service != nil {
		a.service.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warn("failed to close resource", map[string]interface{}{"error": err.Error()})
		}
	}
	a.closers = nil
}
