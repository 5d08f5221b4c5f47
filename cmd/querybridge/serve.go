package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/server"
)

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the query engine",
		Long: `Start the query engine: connect the configured backing store,
warm the connection pool and expose the operational HTTP endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts)
		},
	}
}

func runServe(opts *RootOptions) error {
	e, err := bootstrap(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer e.shutdown(30 * time.Second)

	var metricsServer *server.MetricsServer
	if e.cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: e.cfg.Metrics.Port},
			e.metrics, e.pool, e.cache, e.logger,
		)
		if err := metricsServer.Start(); err != nil {
			e.logger.Error("Failed to start metrics server", zap.Error(err))
			return err
		}
	}

	e.logger.Info("Query engine started",
		zap.String("driver", e.driver.Name()),
		zap.Int("warm_connections", e.pool.Stats().Idle))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	e.logger.Info("Shutting down gracefully...")

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			e.logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}
	return nil
}
