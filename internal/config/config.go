package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds backing-store configuration
type DatabaseConfig struct {
	// Type selects the driver at startup: "postgres" or "sqlite"
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	// Path is the database file for the sqlite driver
	Path string `yaml:"path"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MaxConns       int           `yaml:"max_conns"`
	MinConns       int           `yaml:"min_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// CacheConfig holds query cache configuration
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxEntries  int           `yaml:"max_entries"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`
	SweepPeriod time.Duration `yaml:"sweep_period"`
}

// SearchConfig holds search planner configuration
type SearchConfig struct {
	// UnindexedRangePolicy controls a range search whose order column
	// has no index: "degrade" falls back to a flagged full scan,
	// "fail" rejects the request.
	UnindexedRangePolicy string `yaml:"unindexed_range_policy"`
	DefaultPageSize      int    `yaml:"default_page_size"`
	MaxPageSize          int    `yaml:"max_page_size"`
}

// AdvisorConfig holds index advisor configuration
type AdvisorConfig struct {
	MinUsageCount      int     `yaml:"min_usage_count"`
	MaxRecommendations int     `yaml:"max_recommendations"`
	MinCardinality     float64 `yaml:"min_cardinality"`
}

// StreamConfig holds cursor streaming configuration
type StreamConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete engine configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Cache    CacheConfig    `yaml:"cache"`
	Search   SearchConfig   `yaml:"search"`
	Advisor  AdvisorConfig  `yaml:"advisor"`
	Stream   StreamConfig   `yaml:"stream"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "prefer"
	}

	if cfg.Pool.MaxConns == 0 {
		cfg.Pool.MaxConns = 10
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 5 * time.Second
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.HealthInterval == 0 {
		cfg.Pool.HealthInterval = 30 * time.Second
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = 60 * time.Second
	}
	if cfg.Cache.SweepPeriod == 0 {
		cfg.Cache.SweepPeriod = time.Minute
	}

	if cfg.Search.UnindexedRangePolicy == "" {
		cfg.Search.UnindexedRangePolicy = "degrade"
	}
	if cfg.Search.DefaultPageSize == 0 {
		cfg.Search.DefaultPageSize = 20
	}
	if cfg.Search.MaxPageSize == 0 {
		cfg.Search.MaxPageSize = 500
	}

	if cfg.Advisor.MinUsageCount == 0 {
		cfg.Advisor.MinUsageCount = 3
	}
	if cfg.Advisor.MaxRecommendations == 0 {
		cfg.Advisor.MaxRecommendations = 10
	}
	if cfg.Advisor.MinCardinality == 0 {
		cfg.Advisor.MinCardinality = 0.01
	}

	if cfg.Stream.BatchSize == 0 {
		cfg.Stream.BatchSize = 500
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres":
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	default:
		return fmt.Errorf("database.type must be postgres or sqlite, got %q", c.Database.Type)
	}

	if c.Pool.MaxConns < 1 {
		return fmt.Errorf("pool.max_conns must be at least 1")
	}
	if c.Pool.MinConns < 0 || c.Pool.MinConns > c.Pool.MaxConns {
		return fmt.Errorf("pool.min_conns must be between 0 and pool.max_conns")
	}

	switch c.Search.UnindexedRangePolicy {
	case "degrade", "fail":
	default:
		return fmt.Errorf("search.unindexed_range_policy must be degrade or fail, got %q",
			c.Search.UnindexedRangePolicy)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	return nil
}
