// Package catalog implements the read-through schema metadata cache.
// Table descriptions are fetched from the backing store on first use
// and served from memory until invalidated by DDL or explicit refresh.
package catalog

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/model"
	"github.com/querybridge/querybridge/internal/pool"
)

// Catalog caches table metadata fetched through the connection pool
type Catalog struct {
	pool   *pool.Pool
	logger *zap.Logger

	mu          sync.RWMutex
	tables      map[string]*model.TableSchema
	cardinality map[string]int64 // "table.column"

	flight singleflight.Group
}

// New creates a new schema catalog
func New(p *pool.Pool, logger *zap.Logger) *Catalog {
	return &Catalog{
		pool:        p,
		logger:      logger,
		tables:      make(map[string]*model.TableSchema),
		cardinality: make(map[string]int64),
	}
}

// Table returns the schema for a table, fetching and caching it on
// first use. Concurrent first fetches for one table are collapsed.
func (c *Catalog) Table(ctx context.Context, name string) (*model.TableSchema, error) {
	c.mu.RLock()
	if schema, ok := c.tables[name]; ok {
		c.mu.RUnlock()
		return schema, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.flight.Do(name, func() (interface{}, error) {
		c.mu.RLock()
		if schema, ok := c.tables[name]; ok {
			c.mu.RUnlock()
			return schema, nil
		}
		c.mu.RUnlock()
		return c.fetch(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return result.(*model.TableSchema), nil
}

func (c *Catalog) fetch(ctx context.Context, name string) (*model.TableSchema, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	schema, err := conn.DescribeTable(ctx, name)
	// A connection that failed mid-inspection is discarded, not reused.
	c.pool.Release(conn, err)
	if err != nil {
		return nil, errors.InvalidTable(name).WithDetail("cause", err.Error())
	}

	c.mu.Lock()
	c.tables[name] = schema
	c.mu.Unlock()

	c.logger.Debug("Cached table schema",
		zap.String("table", name),
		zap.Int("columns", len(schema.Columns)),
		zap.Int("indexes", len(schema.Indexes)))
	return schema, nil
}

// ListTables lists tables straight from the backing store
func (c *Catalog) ListTables(ctx context.Context) ([]string, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tables, err := conn.ListTables(ctx)
	c.pool.Release(conn, err)
	return tables, err
}

// ColumnCardinality returns the distinct-value count for a column,
// cached until the table is invalidated
func (c *Catalog) ColumnCardinality(ctx context.Context, table, column string) (int64, error) {
	key := table + "." + column

	c.mu.RLock()
	if n, ok := c.cardinality[key]; ok {
		c.mu.RUnlock()
		return n, nil
	}
	c.mu.RUnlock()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	n, err := conn.ColumnCardinality(ctx, table, column)
	c.pool.Release(conn, err)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cardinality[key] = n
	c.mu.Unlock()
	return n, nil
}

// Invalidate drops cached metadata for a table. Called after every
// schema mutation touching it.
func (c *Catalog) Invalidate(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tables, table)
	prefix := table + "."
	for key := range c.cardinality {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.cardinality, key)
		}
	}
}

// Refresh forces a fresh fetch of a table's metadata
func (c *Catalog) Refresh(ctx context.Context, table string) (*model.TableSchema, error) {
	c.Invalidate(table)
	return c.Table(ctx, table)
}
