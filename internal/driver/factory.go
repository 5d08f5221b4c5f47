package driver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/config"
)

// Constructor builds a Driver from database configuration
type Constructor func(cfg *config.DatabaseConfig, logger *zap.Logger) (Driver, error)

var registry = make(map[string]Constructor)

// Register makes a driver constructor available under a type name.
// Drivers register themselves from their package init.
func Register(name string, fn Constructor) {
	registry[name] = fn
}

// New builds the driver selected by cfg.Type
func New(cfg *config.DatabaseConfig, logger *zap.Logger) (Driver, error) {
	fn, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
	return fn(cfg, logger)
}
