// Package app wires the pricing engine together from configuration. Both the
// API server and the CLI build the same object graph through here.
package app

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/crossdock/pricing-engine/internal/cache"
	"github.com/crossdock/pricing-engine/internal/config"
	"github.com/crossdock/pricing-engine/internal/exporter"
	"github.com/crossdock/pricing-engine/internal/lookup"
	"github.com/crossdock/pricing-engine/internal/observability"
	"github.com/crossdock/pricing-engine/internal/orchestrator"
	"github.com/crossdock/pricing-engine/internal/progress"
	"github.com/crossdock/pricing-engine/internal/task"
	"github.com/crossdock/pricing-engine/internal/warehouse"
)

// App holds the wired engine components.
type App struct {
	Logger       *observability.Logger
	Config       *config.Config
	DB           *sql.DB
	Cache        cache.Client
	Subscriber   cache.Subscriber
	Tasks        *task.SQLRepository
	Warehouse    *warehouse.Client
	Router       *lookup.Router
	Orchestrator *orchestrator.Orchestrator
}

// Build constructs the engine from configuration.
func Build(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	tasks := task.NewSQLRepository(db)
	if err := tasks.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task store: %w", err)
	}

	cacheClient, subscriber, reporter, err := buildCache(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	wh, err := warehouse.NewClient(logger.WithComponent("warehouse"), warehouse.Config{
		Addr:         cfg.Warehouse.Addr,
		Database:     cfg.Warehouse.Database,
		Username:     cfg.Warehouse.Username,
		Password:     cfg.Warehouse.Password,
		DialTimeout:  cfg.Warehouse.DialTimeout,
		QueryTimeout: cfg.Warehouse.QueryTimeout,
	})
	if err != nil {
		db.Close()
		cacheClient.Close()
		return nil, fmt.Errorf("connect warehouse: %w", err)
	}

	router := lookup.NewRouter(
		logger.WithComponent("lookup"),
		wh,
		cacheClient,
		reporter,
		lookup.RouterConfig{
			FastPath:     cfg.Lookup.FastPath,
			LookbackDays: cfg.Lookup.LookbackDays,
			BrandAliases: cfg.Lookup.BrandAliases,
			CacheResults: cfg.Lookup.CacheResults,
			CacheTTL:     cfg.Cache.TTL,
		},
	)

	excel := exporter.NewExcel(logger.WithComponent("exporter"), exporter.Config{
		Dir:     cfg.Export.Dir,
		BaseURL: cfg.Export.BaseURL,
		TopN:    cfg.Lookup.TopN,
	})

	orch := orchestrator.New(
		logger.WithComponent("orchestrator"),
		tasks,
		router,
		excel,
		reporter,
		orchestrator.Config{
			TopN:            cfg.Lookup.TopN,
			ItemConcurrency: cfg.Lookup.MaxConcurrentQueries,
			Workers:         cfg.Worker.PoolSize,
			QueueSize:       cfg.Worker.QueueSize,
		},
	)

	return &App{
		Logger:       logger,
		Config:       cfg,
		DB:           db,
		Cache:        cacheClient,
		Subscriber:   subscriber,
		Tasks:        tasks,
		Warehouse:    wh,
		Router:       router,
		Orchestrator: orch,
	}, nil
}

// Close releases all connections. Stop the orchestrator first.
func (a *App) Close() {
	if a.Warehouse != nil {
		_ = a.Warehouse.Close()
	}
	if a.Cache != nil {
		_ = a.Cache.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch cfg.Database.Driver {
	case "postgres":
		db, err = sql.Open("postgres", cfg.Database.Postgres.DSN)
		if err == nil {
			db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
			db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
			db.SetConnMaxLifetime(cfg.Database.Postgres.ConnMaxLifetime)
		}
	case "sqlite":
		db, err = sql.Open("sqlite3", cfg.Database.SQLite.Path)
		if err == nil && cfg.Database.SQLite.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.SQLite.MaxOpenConns)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	return db, nil
}

func buildCache(cfg *config.Config) (cache.Client, cache.Subscriber, progress.Reporter, error) {
	if cfg.Cache.Driver == "redis" {
		rc, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return rc, rc, progress.NewPubSubReporter(rc), nil
	}

	// Memory cache has no pub/sub; progress events are dropped.
	return cache.NewMemoryClient(cfg.Cache.MaxEntries), nil, progress.NopReporter{}, nil
}
