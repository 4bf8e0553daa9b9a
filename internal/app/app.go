// Package app wires the cache engine, sessions and dashboard from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shiftdesk/shiftdesk/internal/cache/daemon"
	"github.com/shiftdesk/shiftdesk/internal/cache/dashboard"
	"github.com/shiftdesk/shiftdesk/internal/cache/db"
	"github.com/shiftdesk/shiftdesk/internal/cache/queue"
	"github.com/shiftdesk/shiftdesk/internal/cache/remote"
	"github.com/shiftdesk/shiftdesk/internal/cache/service"
	cachesync "github.com/shiftdesk/shiftdesk/internal/cache/sync"
	"github.com/shiftdesk/shiftdesk/internal/config"
	"github.com/shiftdesk/shiftdesk/internal/logging"
	"github.com/shiftdesk/shiftdesk/internal/session"
)

// App holds every long-lived component. Fields that a mode does not use
// are nil: Local mode has no Remote, Sync or Daemon, and Direct mode has
// no Daemon.
type App struct {
	Config *config.Config
	Mode   service.Mode

	DB        *db.DB
	Remote    remote.Adapter
	Queue     *queue.Queue
	Sync      cachesync.Reconciler
	Service   service.Service
	Daemon    *daemon.Daemon
	Dashboard *dashboard.Server
	Sessions  session.Store

	logs   *logging.Factory
	logger *log.Logger
}

// New builds the App. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, logs *logging.Factory) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logs == nil {
		var err error
		if logs, err = logging.New(logging.Config{Quiet: true}, nil); err != nil {
			return nil, err
		}
	}
	mode, _ := service.ParseMode(cfg.Mode)

	a := &App{Config: cfg, Mode: mode, logs: logs, logger: logs.Logger("app")}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	a.DB = database
	if err := database.InitSchemaContext(ctx); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	if a.Mode != service.ModeLocal {
		if a.Remote, err = openRemote(ctx, cfg.Remote, a.logs.Logger("remote")); err != nil {
			return err
		}
	}

	a.Queue = queue.New(queue.Config{
		Capacity:  cfg.Queue.Capacity,
		BatchSize: cfg.Queue.BatchSize,
	}, a.logs.Logger("queue"))

	if a.Remote != nil {
		a.Sync = cachesync.New(database, a.Remote, a.Queue, cachesync.Config{
			PullWindowDays: cfg.Sync.PullWindowDays,
			RetentionDays:  cfg.Sync.RetentionDays,
		}, a.logs.Logger("sync"))
	}

	switch a.Mode {
	case service.ModeCached:
		a.Service = service.NewCached(database, a.Remote, a.Sync, a.Queue, service.Config{
			PullWindowDays: cfg.Sync.PullWindowDays,
		}, a.logs.Logger("service"))

		dcfg := daemon.DefaultConfig()
		dcfg.Interval = cfg.Sync.Interval
		dcfg.CleanupSchedule = cfg.Sync.CleanupSchedule
		dcfg.Logger = a.logs.Logger("daemon")
		if a.Daemon, err = daemon.NewWithConfig(a.Sync, a.Queue, dcfg); err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}
	case service.ModeDirect:
		a.Service = service.NewDirect(a.Remote, a.logs.Logger("service"))
	case service.ModeLocal:
		a.Service = service.NewLocal(database, a.logs.Logger("service"))
	}

	if cfg.Dashboard.Enabled && a.Sync != nil {
		stats := dashboard.Collector(database, a.Queue, a.Sync)
		a.Dashboard = dashboard.NewServer(&dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Stats:  stats,
			Logger: a.logs.Logger("dashboard"),
		})
		a.Sync.SetObserver(dashboard.NewHandler(a.Dashboard, stats, a.logs.Logger("dashboard")))
	}

	if a.Sessions, err = openSessions(ctx, cfg.Session); err != nil {
		return err
	}
	return nil
}

func openRemote(ctx context.Context, cfg config.RemoteConfig, logger *log.Logger) (remote.Adapter, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pg, err := remote.NewPostgres(ctx, postgresConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to remote store: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("failed to prepare remote schema: %w", err)
		}
		return pg, nil
	default:
		logger.Printf("Using in-memory remote store; data is lost on exit")
		return remote.NewMemory(), nil
	}
}

func postgresConfig(cfg config.RemoteConfig) remote.PostgresConfig {
	pg := remote.DefaultPostgresConfig(cfg.DSN)
	if cfg.Timeout > 0 {
		pg.Timeout = cfg.Timeout
	}
	return pg
}

func openSessions(ctx context.Context, cfg config.SessionConfig) (session.Store, error) {
	backend, err := session.ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}
	if backend == session.BackendRedis {
		store, err := session.NewRedis(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
		return store, nil
	}
	return session.NewMemory(cfg.TTL), nil
}

// Start launches the dashboard and, in cached mode, the sync daemon.
func (a *App) Start(ctx context.Context) error {
	if a.Dashboard != nil {
		if err := a.Dashboard.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		a.logger.Printf("Dashboard listening on http://%s", a.Dashboard.GetAddr())
	}
	if a.Daemon != nil {
		if err := a.Daemon.Start(ctx); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}
	return nil
}

// ApplyConfig applies the settings that can change without a restart.
// Currently that is the sync interval.
func (a *App) ApplyConfig(prev, next *config.Config) error {
	if a.Daemon == nil || prev.Sync.Interval == next.Sync.Interval {
		return nil
	}
	if err := a.Daemon.SetInterval(next.Sync.Interval); err != nil {
		return err
	}
	a.logger.Printf("Sync interval changed from %v to %v", prev.Sync.Interval, next.Sync.Interval)
	return nil
}

// Close stops background work and releases every resource. The daemon
// drains the queue before the database closes.
func (a *App) Close() error {
	var errs []error
	if a.Daemon != nil {
		if err := a.Daemon.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop daemon: %w", err))
		}
	}
	if a.Dashboard != nil {
		if err := a.Dashboard.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop dashboard: %w", err))
		}
	}
	if a.Sessions != nil {
		if err := a.Sessions.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
	}
	if a.Remote != nil {
		if err := a.Remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
