package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/lecca-io/connectd/internal/config"
	"github.com/lecca-io/connectd/internal/connections"
	"github.com/lecca-io/connectd/internal/connections/catalog"
	"github.com/lecca-io/connectd/internal/credentials"
	"github.com/lecca-io/connectd/internal/crypto"
	"github.com/lecca-io/connectd/internal/lock"
	"github.com/lecca-io/connectd/internal/metrics"
	"github.com/lecca-io/connectd/internal/store"
	"github.com/lecca-io/connectd/internal/store/postgres"
	"github.com/lecca-io/connectd/internal/store/sqlite"
	"github.com/lecca-io/connectd/internal/store/vaultkv"
)

const redisLockPrefix = "connectd:lock:"

// app holds the wired backends shared by serve and the credentials
// commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *connections.Registry
	store    store.Store
	locks    lock.Manager
	resolver *credentials.Resolver
	service  *credentials.Service

	closers []func()
}

// loadRegistry registers the builtin catalog and, when configured, the
// definitions in CATALOG_PATH. The registry is sealed afterwards.
func loadRegistry(cfg config.Config) (*connections.Registry, error) {
	reg := connections.NewRegistry()
	builtin, err := catalog.Builtin()
	if err != nil {
		return nil, fmt.Errorf("load builtin catalog: %w", err)
	}
	if err := catalog.Register(reg, builtin); err != nil {
		return nil, err
	}
	if cfg.CatalogPath != "" {
		extra, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			return nil, err
		}
		if err := catalog.Register(reg, extra); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.registry, err = loadRegistry(cfg); err != nil {
		return nil, err
	}
	sealer, err := crypto.NewSealer(cfg.CredentialsKey, cfg.CredentialsKeyPrevious...)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIALS_KEY: %w", err)
	}

	var pool *pgxpool.Pool
	if cfg.StoreBackend == config.StorePostgres || cfg.LockBackend == config.LockPostgres {
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
	}

	if err := a.openStore(pool); err != nil {
		return nil, err
	}
	if err := a.openLocks(pool); err != nil {
		return nil, err
	}

	a.resolver, err = credentials.NewResolver(a.registry, a.store, sealer, a.locks, credentials.Options{
		Margin:          cfg.RefreshMargin,
		RefreshTimeout:  cfg.RefreshTimeout,
		ValidateTimeout: cfg.ValidateTimeout,
		Logger:          logger,
		Metrics:         metrics.Recorder{},
	})
	if err != nil {
		return nil, err
	}
	if a.service, err = credentials.NewService(a.registry, a.resolver); err != nil {
		return nil, err
	}

	logger.Info("connectd backends ready",
		"store", cfg.StoreBackend,
		"lock", cfg.LockBackend,
		"definitions", a.registry.Len(),
		"key_id", sealer.KeyID(),
	)
	return a, nil
}

func (a *app) openStore(pool *pgxpool.Pool) error {
	switch a.cfg.StoreBackend {
	case config.StoreMemory:
		a.logger.Warn("using the in-memory credential store; credentials are lost on exit")
		a.store = store.NewMemory()
	case config.StoreSQLite:
		db, err := sqlite.Open(a.cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		if err := sqlite.Migrate(db); err != nil {
			return fmt.Errorf("migrate sqlite store: %w", err)
		}
		a.store = sqlite.New(db)
	case config.StorePostgres:
		a.store = postgres.New(pool)
	case config.StoreVault:
		st, err := vaultkv.New(vaultkv.Options{
			Address:   a.cfg.VaultAddr,
			Token:     a.cfg.VaultToken,
			Namespace: a.cfg.VaultNS,
			Mount:     a.cfg.VaultKVMount,
			Prefix:    a.cfg.VaultKVPrefix,
		})
		if err != nil {
			return fmt.Errorf("open vault store: %w", err)
		}
		a.store = st
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
	}
	return nil
}

func (a *app) openLocks(pool *pgxpool.Pool) error {
	lockCfg := lock.Config{TTL: a.cfg.LockTTL}
	switch a.cfg.LockBackend {
	case config.LockLocal:
		a.locks = lock.NewLocal(lockCfg)
	case config.LockRedis:
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = client.Close() })
		m, err := lock.NewRedis(client, redisLockPrefix, lockCfg)
		if err != nil {
			return err
		}
		a.locks = m
	case config.LockPostgres:
		m, err := lock.NewPostgres(pool, lockCfg)
		if err != nil {
			return err
		}
		a.locks = m
	default:
		return fmt.Errorf("unknown lock backend %q", a.cfg.LockBackend)
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
