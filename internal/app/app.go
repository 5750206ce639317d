// Package app wires settings into a running workflow core: database,
// migrations, catalog, rule seeding, engine, publishers and the facade.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/kfrrst/website-sub010/internal/catalog"
	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/engine"
	"github.com/kfrrst/website-sub010/internal/lock"
	"github.com/kfrrst/website-sub010/internal/metrics"
	"github.com/kfrrst/website-sub010/internal/migrate"
	"github.com/kfrrst/website-sub010/internal/notify"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

// Lock backends.
const (
	LockMemory = "memory"
	LockRedis  = "redis"
)

type Settings struct {
	Workspace   string
	Driver      string
	DSN         string
	LockBackend string
	RedisAddr   string
	LockTimeout time.Duration
	NATSURL     string
	// Config overrides portal.yml when set.
	Config *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

type App struct {
	Config     *config.Config
	DB         *db.DB
	Engine     engine.Engine
	Workflow   *workflow.Service
	Metrics    *metrics.Metrics
	Dispatcher *notify.Dispatcher
	Logger     *slog.Logger

	closers []func() error
}

// Open builds the application. The caller must Close it.
func Open(ctx context.Context, s Settings) (*App, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Logger: logger, Metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	cfg := s.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(s.Workspace); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	a.Config = cfg

	conn, err := db.Open(db.Config{Driver: s.Driver, DSN: s.DSN, Workspace: s.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	cat, err := catalog.New(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(conn, cat)
	eng.Metrics = a.Metrics
	eng.Logger = logger
	if s.Now != nil {
		eng.Now = s.Now
	}
	if eng.Locker, err = a.locker(ctx, s); err != nil {
		return nil, err
	}
	created, err := eng.SeedRules(ctx, cfg.Automation.Rules)
	if err != nil {
		return nil, fmt.Errorf("seed rules: %w", err)
	}
	if created > 0 {
		logger.Info("seeded automation rules", "created", created)
	}
	a.Engine = eng

	pubs := notify.Multi{notify.Log{Logger: logger}}
	if s.NATSURL != "" {
		nc, err := nats.Connect(s.NATSURL, nats.Name("portal-workflow"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		pubs = append(pubs, notify.NewNATS(nc))
	}
	a.Workflow = workflow.New(eng, pubs, logger)

	if len(cfg.Webhooks) > 0 {
		a.Dispatcher = notify.NewDispatcher(eng.Repo, cfg.Webhooks, logger)
	}
	ok = true
	return a, nil
}

func (a *App) locker(ctx context.Context, s Settings) (lock.Locker, error) {
	timeout := s.LockTimeout
	if timeout <= 0 {
		timeout = engine.DefaultLockTimeout
	}
	switch strings.ToLower(s.LockBackend) {
	case "", LockMemory:
		return lock.NewMemory(timeout), nil
	case LockRedis:
		if s.RedisAddr == "" {
			return nil, errors.New("redis lock backend requires a redis address")
		}
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		l := lock.NewRedis(client, timeout)
		l.Logger = a.Logger
		return l, nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", s.LockBackend)
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
