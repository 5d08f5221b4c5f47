// Package executor orchestrates statement execution: validation, cache
// check, connection acquisition, execution, result shaping, caching and
// release, with single-retry handling for transient connection faults.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/cache"
	"github.com/querybridge/querybridge/internal/driver"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/metrics"
	"github.com/querybridge/querybridge/internal/model"
	"github.com/querybridge/querybridge/internal/pool"
)

// State names one step of the execution lifecycle
type State string

const (
	StateValidating State = "validating"
	StateCacheCheck State = "cache_check"
	StateAcquiring  State = "acquiring"
	StateExecuting  State = "executing"
	StateShaping    State = "shaping_result"
	StateCaching    State = "caching"
	StateReleasing  State = "releasing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Options control caching for a single execution
type Options struct {
	UseCache bool
	TTL      time.Duration

	// Key is the canonical cache key; required when UseCache is set.
	Key string
}

// Executor coordinates pool, cache and driver for each request
type Executor struct {
	pool    *pool.Pool
	cache   *cache.QueryCache
	driver  driver.Driver
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a new executor. metrics may be nil.
func New(p *pool.Pool, qc *cache.QueryCache, drv driver.Driver, m *metrics.Metrics, logger *zap.Logger) *Executor {
	return &Executor{pool: p, cache: qc, driver: drv, metrics: m, logger: logger}
}

// execution carries per-request state through the lifecycle
type execution struct {
	id    string
	plan  *model.StatementPlan
	state State
}

func (e *Executor) newExecution(plan *model.StatementPlan) *execution {
	return &execution{id: uuid.NewString(), plan: plan, state: StateValidating}
}

// transition advances the lifecycle, logging each step
func (e *Executor) transition(ex *execution, next State) {
	e.logger.Debug("Execution state",
		zap.String("request_id", ex.id),
		zap.String("from", string(ex.state)),
		zap.String("to", string(next)))
	ex.state = next
}

// Execute runs a compiled plan. Read plans may be served from or
// stored into the cache; confirmed mutations invalidate cache entries
// for their tables. The returned bool reports a cache hit.
func (e *Executor) Execute(ctx context.Context, plan *model.StatementPlan, opts Options) (*model.RowSet, bool, error) {
	start := time.Now()
	ex := e.newExecution(plan)

	if plan == nil || plan.SQL == "" {
		e.transition(ex, StateFailed)
		return nil, false, errors.InvalidArgument("empty statement plan")
	}

	cacheable := plan.IsRead() && opts.UseCache && e.cache != nil && opts.Key != ""

	var (
		result *model.RowSet
		hit    bool
		err    error
	)

	if cacheable {
		e.transition(ex, StateCacheCheck)
		var value interface{}
		value, hit, err = e.cache.GetOrCompute(ctx, opts.Key, plan.Tables, opts.TTL,
			func(ctx context.Context) (interface{}, error) {
				return e.runStatement(ctx, ex)
			})
		if err == nil {
			result = value.(*model.RowSet)
		}
	} else {
		result, err = e.runStatement(ctx, ex)
	}

	if err != nil {
		e.transition(ex, StateFailed)
		e.observe(plan, start, err)
		return nil, false, err
	}

	e.transition(ex, StateShaping)
	if result == nil {
		result = &model.RowSet{}
	}

	// Invalidation fires only once the mutation is confirmed; a failed
	// or ambiguous mutation never touches still-valid entries.
	if !plan.IsRead() && e.cache != nil {
		removed := 0
		for _, table := range plan.Tables {
			removed += e.cache.InvalidateTable(table)
		}
		if removed > 0 {
			if e.metrics != nil {
				e.metrics.CacheInvalidations.Add(float64(removed))
			}
			e.logger.Debug("Invalidated cache entries after mutation",
				zap.String("request_id", ex.id),
				zap.Strings("tables", plan.Tables),
				zap.Int("removed", removed))
		}
	}

	e.transition(ex, StateCompleted)
	e.observe(plan, start, nil)

	if e.metrics != nil && plan.IsRead() {
		e.metrics.RowsReturned.Observe(float64(result.RowCount()))
		if hit {
			e.metrics.CacheHitsTotal.Inc()
		} else if cacheable {
			e.metrics.CacheMissesTotal.Inc()
		}
	}
	return result, hit, nil
}

// runStatement acquires a connection, executes the plan and releases.
// A transient connection failure is retried exactly once on a fresh
// connection, then escalated as a statement error.
func (e *Executor) runStatement(ctx context.Context, ex *execution) (*model.RowSet, error) {
	result, err := e.attempt(ctx, ex)
	if err == nil {
		return result, nil
	}
	if errors.GetCode(err) != errors.ErrCodeTransientConnection {
		return nil, err
	}

	e.logger.Warn("Retrying after transient connection error",
		zap.String("request_id", ex.id),
		zap.Error(err))
	if e.metrics != nil {
		e.metrics.TransientRetries.Inc()
	}

	result, err = e.attempt(ctx, ex)
	if err != nil && errors.GetCode(err) == errors.ErrCodeTransientConnection {
		return nil, errors.StatementFailed(err)
	}
	return result, err
}

// attempt is one acquire-execute-release cycle. The connection is
// released on every exit path; an erroring connection is discarded.
func (e *Executor) attempt(ctx context.Context, ex *execution) (*model.RowSet, error) {
	e.transition(ex, StateAcquiring)
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.PoolAcquiresTotal.Inc()
	}

	e.transition(ex, StateExecuting)
	result, execErr := e.executeOn(ctx, conn, ex.plan)

	e.transition(ex, StateReleasing)
	e.pool.Release(conn, execErr)

	if execErr != nil {
		return nil, e.driver.ClassifyError(execErr)
	}
	return result, nil
}

// executeOn runs the plan on one connection, inside a transaction when
// the plan requires it
func (e *Executor) executeOn(ctx context.Context, conn driver.Conn, plan *model.StatementPlan) (*model.RowSet, error) {
	if plan.RequiresTx {
		if err := conn.Begin(ctx); err != nil {
			return nil, err
		}
		result, err := e.executeStatement(ctx, conn, plan)
		if err != nil {
			_ = conn.Rollback(ctx)
			return nil, err
		}
		if err := conn.Commit(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}
	return e.executeStatement(ctx, conn, plan)
}

func (e *Executor) executeStatement(ctx context.Context, conn driver.Conn, plan *model.StatementPlan) (*model.RowSet, error) {
	if plan.IsRead() {
		return conn.Query(ctx, plan.SQL, plan.Args...)
	}
	affected, err := conn.Exec(ctx, plan.SQL, plan.Args...)
	if err != nil {
		return nil, err
	}
	return &model.RowSet{RowsAffected: affected}, nil
}

func (e *Executor) observe(plan *model.StatementPlan, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	class := ""
	if err != nil {
		if qe, ok := err.(*errors.QueryError); ok && qe.IsValidation() {
			class = "validation"
		} else {
			switch errors.GetCode(err) {
			case errors.ErrCodePoolExhausted, errors.ErrCodePoolClosed:
				class = "pool"
			case errors.ErrCodeTransientConnection:
				class = "transient"
			case errors.ErrCodeCacheCompute:
				class = "cache"
			default:
				class = "statement"
			}
		}
	}
	e.metrics.ObserveQuery(string(plan.Kind), time.Since(start), class)
}
