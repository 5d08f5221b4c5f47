package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/advisor"
	"github.com/querybridge/querybridge/internal/cache"
	"github.com/querybridge/querybridge/internal/catalog"
	"github.com/querybridge/querybridge/internal/compiler"
	"github.com/querybridge/querybridge/internal/config"
	"github.com/querybridge/querybridge/internal/driver"
	_ "github.com/querybridge/querybridge/internal/driver/postgres"
	_ "github.com/querybridge/querybridge/internal/driver/sqlite"
	"github.com/querybridge/querybridge/internal/executor"
	"github.com/querybridge/querybridge/internal/metrics"
	"github.com/querybridge/querybridge/internal/pool"
	"github.com/querybridge/querybridge/internal/search"
	"github.com/querybridge/querybridge/internal/service"
)

// engine bundles the wired subsystems for one process
type engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	driver  driver.Driver
	pool    *pool.Pool
	cache   *cache.QueryCache
	metrics *metrics.Metrics
	service *service.QueryService
}

// bootstrap loads configuration and wires every subsystem in
// dependency order, warming the connection pool before returning
func bootstrap(configPath string) (*engine, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := initLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Configuration loaded",
		zap.String("database", cfg.Database.Type),
		zap.Int("pool_max", cfg.Pool.MaxConns),
		zap.Bool("cache", cfg.Cache.Enabled))

	drv, err := driver.New(&cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	connPool := pool.New(&pool.Config{
		MaxConns:       cfg.Pool.MaxConns,
		MinConns:       cfg.Pool.MinConns,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		HealthInterval: cfg.Pool.HealthInterval,
	}, drv, logger)

	warmupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = connPool.Warmup(warmupCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to warm connection pool: %w", err)
	}

	var queryCache *cache.QueryCache
	if cfg.Cache.Enabled {
		queryCache = cache.New(&cache.Config{
			MaxEntries:  cfg.Cache.MaxEntries,
			DefaultTTL:  cfg.Cache.DefaultTTL,
			SweepPeriod: cfg.Cache.SweepPeriod,
		}, logger)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	cat := catalog.New(connPool, logger)
	comp := compiler.New(cat, drv.Dialect(), logger)
	exec := executor.New(connPool, queryCache, drv, m, logger)

	adv := advisor.New(cat, comp, exec, &advisor.Config{
		MinUsageCount:      cfg.Advisor.MinUsageCount,
		MaxRecommendations: cfg.Advisor.MaxRecommendations,
		MinCardinality:     cfg.Advisor.MinCardinality,
	}, m, logger)

	eng := search.New(cat, comp, exec, adv, &search.Config{
		UnindexedRangePolicy: search.UnindexedRangePolicy(cfg.Search.UnindexedRangePolicy),
		DefaultPageSize:      cfg.Search.DefaultPageSize,
		MaxPageSize:          cfg.Search.MaxPageSize,
		CacheTTL:             cfg.Cache.DefaultTTL,
		UseCache:             cfg.Cache.Enabled,
	}, logger)

	svc := service.New(&service.Config{
		StreamBatchSize: cfg.Stream.BatchSize,
	}, connPool, queryCache, comp, exec, eng, adv, logger)

	return &engine{
		cfg:     cfg,
		logger:  logger,
		driver:  drv,
		pool:    connPool,
		cache:   queryCache,
		metrics: m,
		service: svc,
	}, nil
}

// shutdown stops the cache sweeper and drains the pool
func (e *engine) shutdown(timeout time.Duration) {
	e.cache.Stop()
	if err := e.pool.Close(timeout); err != nil {
		e.logger.Error("Pool drain failed", zap.Error(err))
	}
	e.logger.Sync()
}

// initLogger initializes the zap logger from the logging configuration
func initLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = level

	return zapCfg.Build()
}
