// Package server hosts the operational HTTP endpoint: Prometheus
// metrics plus health and readiness probes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/cache"
	"github.com/querybridge/querybridge/internal/metrics"
	"github.com/querybridge/querybridge/internal/pool"
)

// MetricsServer serves Prometheus metrics and health probes via HTTP
type MetricsServer struct {
	httpServer *http.Server
	metrics    *metrics.Metrics
	pool       *pool.Pool
	cache      *cache.QueryCache
	logger     *zap.Logger
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, p *pool.Pool, c *cache.QueryCache, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		pool:     p,
		cache:    c,
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/ready", ms.readyHandler)

	return ms
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	// Keep the pool and cache gauges current
	go s.collectEngineStats()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// healthHandler handles liveness requests
func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

// readyHandler reports readiness with pool and cache statistics. The
// engine is not ready when every connection slot is leased and waiters
// are timing out.
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	poolStats := s.pool.Stats()
	cacheStats := s.cache.Stats()

	body := map[string]interface{}{
		"status":    "ready",
		"timestamp": time.Now().Format(time.RFC3339),
		"pool":      poolStats,
		"cache":     cacheStats,
	}

	w.Header().Set("Content-Type", "application/json")
	if poolStats.Total > 0 && poolStats.Idle == 0 && poolStats.Active >= poolStats.Max {
		body["status"] = "saturated"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode readiness response", zap.Error(err))
	}
}

// collectEngineStats periodically refreshes pool and cache gauges
func (s *MetricsServer) collectEngineStats() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateEngineStats()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateEngineStats() {
	poolStats := s.pool.Stats()
	cacheStats := s.cache.Stats()
	s.metrics.UpdatePoolStats(poolStats.Active, poolStats.Idle, poolStats.Errors, poolStats.Timeouts)
	s.metrics.UpdateCacheStats(cacheStats.Entries, cacheStats.Evictions)
}
