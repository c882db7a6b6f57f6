// Package config provides unified configuration loading for the pricing engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the pricing engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Warehouse     WarehouseConfig     `yaml:"warehouse"`
	Cache         CacheConfig         `yaml:"cache"`
	Lookup        LookupConfig        `yaml:"lookup"`
	Export        ExportConfig        `yaml:"export"`
	Worker        WorkerConfig        `yaml:"worker"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds task-store connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// WarehouseConfig holds ClickHouse price-warehouse settings.
type WarehouseConfig struct {
	Addr         string        `yaml:"addr"`
	Database     string        `yaml:"database"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// LookupConfig holds query-router settings.
type LookupConfig struct {
	// FastPath toggles the pre-aggregated projection query. When disabled
	// every lookup goes straight to the raw-join path.
	FastPath bool `yaml:"fast_path"`
	// LookbackDays bounds the raw-join path's retention window.
	LookbackDays int `yaml:"lookback_days"`
	// TopN is the number of best offers kept per item.
	TopN int `yaml:"top_n"`
	// MaxConcurrentQueries bounds outstanding warehouse queries per task.
	MaxConcurrentQueries int `yaml:"max_concurrent_queries"`
	// BrandAliases lists sets of brand spellings that must match each other.
	BrandAliases [][]string `yaml:"brand_aliases"`
	// CacheResults toggles short-lived caching of ranked lookups.
	CacheResults bool `yaml:"cache_results"`
}

// ExportConfig holds spreadsheet exporter settings.
type ExportConfig struct {
	// Dir is the directory generated spreadsheets are published to.
	Dir string `yaml:"dir"`
	// BaseURL prefixes the result location handed back to clients.
	BaseURL string `yaml:"base_url"`
}

// WorkerConfig holds background worker-pool settings.
type WorkerConfig struct {
	// PoolSize is the number of tasks processed concurrently.
	PoolSize int `yaml:"pool_size"`
	// QueueSize is the submit backlog before Submit blocks.
	QueueSize int `yaml:"queue_size"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/pricing-engine.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Warehouse: WarehouseConfig{
			Addr:         "localhost:9000",
			Database:     "dif",
			Username:     "default",
			DialTimeout:  5 * time.Second,
			QueryTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Lookup: LookupConfig{
			FastPath:             true,
			LookbackDays:         2,
			TopN:                 3,
			MaxConcurrentQueries: 4,
			BrandAliases: [][]string{
				{"hyundai/kia", "hyundai/kia/mobis"},
			},
			CacheResults: false,
		},
		Export: ExportConfig{
			Dir:     "/tmp/pricing-engine/exports",
			BaseURL: "/media/exports/",
		},
		Worker: WorkerConfig{
			PoolSize:  2,
			QueueSize: 64,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			ServiceName: "pricing-engine",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Lookup.LookbackDays < 1 {
		return fmt.Errorf("lookback_days must be at least 1")
	}

	if c.Lookup.TopN < 1 {
		return fmt.Errorf("top_n must be at least 1")
	}

	if c.Lookup.MaxConcurrentQueries < 1 {
		return fmt.Errorf("max_concurrent_queries must be at least 1")
	}

	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("worker pool_size must be at least 1")
	}

	return nil
}

// DatabaseDSN returns the appropriate task-store connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		cfg.Warehouse.Addr = v
	}

	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		cfg.Warehouse.Username = v
	}

	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.Warehouse.Password = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}

	if v := os.Getenv("EXPORT_DIR"); v != "" {
		cfg.Export.Dir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
