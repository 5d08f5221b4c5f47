// Package service exposes the engine's external operations behind a
// single facade. Every operation returns the shared response envelope
// with errors sanitized for callers.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/advisor"
	"github.com/querybridge/querybridge/internal/cache"
	"github.com/querybridge/querybridge/internal/compiler"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/executor"
	"github.com/querybridge/querybridge/internal/model"
	"github.com/querybridge/querybridge/internal/pool"
	"github.com/querybridge/querybridge/internal/search"
)

// Response types used in the envelope
const (
	TypeRows    = "rows"
	TypePaged   = "paged"
	TypeIndexes = "indexes"
	TypeAdvice  = "advice"
	TypeCache   = "cache"
	TypeHealth  = "health"
	TypeError   = "error"
)

// Config holds service configuration
type Config struct {
	// StreamBatchSize is the batch size used when Stream callers pass
	// zero or less.
	StreamBatchSize int
}

// ExecOptions controls caching for a single raw execution
type ExecOptions struct {
	UseCache bool
	TTL      int // seconds; 0 uses the cache default
}

// HealthReport aggregates subsystem statistics
type HealthReport struct {
	Pool  pool.Stats  `json:"pool"`
	Cache cache.Stats `json:"cache"`
}

// QueryService is the facade over the compiler, executor, search
// engine, advisor and cache
type QueryService struct {
	cfg      *Config
	pool     *pool.Pool
	cache    *cache.QueryCache
	compiler *compiler.Compiler
	executor *executor.Executor
	search   *search.Engine
	advisor  *advisor.Advisor
	logger   *zap.Logger
}

// New creates a new query service
func New(
	cfg *Config,
	p *pool.Pool,
	c *cache.QueryCache,
	comp *compiler.Compiler,
	exec *executor.Executor,
	eng *search.Engine,
	adv *advisor.Advisor,
	logger *zap.Logger,
) *QueryService {
	return &QueryService{
		cfg:      cfg,
		pool:     p,
		cache:    c,
		compiler: comp,
		executor: exec,
		search:   eng,
		advisor:  adv,
		logger:   logger,
	}
}

// ExecuteRaw runs a raw parameterized statement
func (s *QueryService) ExecuteRaw(ctx context.Context, sql string, params []interface{}, opts ExecOptions) *model.Response {
	plan, err := s.compiler.CompileRaw(sql, params)
	if err != nil {
		return s.fail(err)
	}
	rows, hit, err := s.executor.Execute(ctx, plan, s.execOptions(plan, opts))
	if err != nil {
		return s.fail(err)
	}
	return &model.Response{
		Type: TypeRows,
		Data: rows,
		Metadata: map[string]interface{}{
			"cache_hit":     hit,
			"rows_affected": rows.RowsAffected,
		},
	}
}

// ExecutePaginated runs a raw read statement windowed to one page,
// with total-count metadata
func (s *QueryService) ExecutePaginated(ctx context.Context, sql string, params []interface{}, page, pageSize int) *model.Response {
	spec := model.PaginationSpec{Page: page, PageSize: pageSize}
	if spec.Page < 1 || spec.PageSize < 1 {
		return s.fail(errors.InvalidPagination(spec.Page, spec.PageSize))
	}
	window, count, err := s.compiler.CompileRawPaginated(sql, params, spec)
	if err != nil {
		return s.fail(err)
	}
	total, err := s.runCount(ctx, count)
	if err != nil {
		return s.fail(err)
	}
	rows, _, err := s.executor.Execute(ctx, window, executor.Options{})
	if err != nil {
		return s.fail(err)
	}
	return s.paged(&model.PagedResult{
		Rows:       rows,
		Pagination: model.NewPaginationResult(spec, total),
	})
}

// ExecuteFiltered runs a structured select built from a filter map
func (s *QueryService) ExecuteFiltered(ctx context.Context, table string, columns []string, filters map[string]model.Condition, page, pageSize int) *model.Response {
	result, err := s.search.Multi(ctx, table, filters, columns, nil,
		model.PaginationSpec{Page: page, PageSize: pageSize})
	if err != nil {
		return s.fail(err)
	}
	return s.paged(result)
}

// ExecuteStructured compiles and runs a structured command
func (s *QueryService) ExecuteStructured(ctx context.Context, cmd *model.StructuredCommand) *model.Response {
	plan, err := s.compiler.Compile(ctx, cmd)
	if err != nil {
		return s.fail(err)
	}
	rows, hit, err := s.executor.Execute(ctx, plan, s.execOptions(plan, ExecOptions{UseCache: true}))
	if err != nil {
		return s.fail(err)
	}
	return &model.Response{
		Type: TypeRows,
		Data: rows,
		Metadata: map[string]interface{}{
			"cache_hit":     hit,
			"rows_affected": rows.RowsAffected,
			"cost":          string(plan.Cost),
		},
	}
}

// SearchByID looks a row up by its identifier column
func (s *QueryService) SearchByID(ctx context.Context, table, idColumn string, value interface{}) *model.Response {
	result, err := s.search.ByID(ctx, table, idColumn, value, model.PaginationSpec{})
	if err != nil {
		return s.fail(err)
	}
	return s.paged(result)
}

// SearchColumn searches a single column
func (s *QueryService) SearchColumn(ctx context.Context, p search.ColumnParams) *model.Response {
	result, err := s.search.Column(ctx, p)
	if err != nil {
		return s.fail(err)
	}
	return s.paged(result)
}

// SearchMulti searches the intersection of several column conditions
func (s *QueryService) SearchMulti(ctx context.Context, table string, filters map[string]model.Condition, columns []string, orderBy []model.OrderTerm, page model.PaginationSpec) *model.Response {
	result, err := s.search.Multi(ctx, table, filters, columns, orderBy, page)
	if err != nil {
		return s.fail(err)
	}
	return s.paged(result)
}

// SearchOrdered searches a value range ordered on one column
func (s *QueryService) SearchOrdered(ctx context.Context, p search.RangeParams) *model.Response {
	result, err := s.search.OrderedRange(ctx, p)
	if err != nil {
		return s.fail(err)
	}
	return s.paged(result)
}

// IndexCreate creates an index on the given columns
func (s *QueryService) IndexCreate(ctx context.Context, table string, columns []string) *model.Response {
	name, err := s.advisor.Create(ctx, table, columns)
	if err != nil {
		return s.fail(err)
	}
	return &model.Response{
		Type: TypeIndexes,
		Data: map[string]interface{}{"created": name},
	}
}

// IndexList lists the indexes on a table
func (s *QueryService) IndexList(ctx context.Context, table string) *model.Response {
	indexes, err := s.advisor.List(ctx, table)
	if err != nil {
		return s.fail(err)
	}
	return &model.Response{Type: TypeIndexes, Data: indexes}
}

// IndexDrop drops a named index from a table
func (s *QueryService) IndexDrop(ctx context.Context, table, name string) *model.Response {
	if err := s.advisor.Drop(ctx, table, name); err != nil {
		return s.fail(err)
	}
	return &model.Response{
		Type: TypeIndexes,
		Data: map[string]interface{}{"dropped": name},
	}
}

// IndexRecommend returns ranked index recommendations for a table
func (s *QueryService) IndexRecommend(ctx context.Context, table string) *model.Response {
	recs, err := s.advisor.Recommend(ctx, table)
	if err != nil {
		return s.fail(err)
	}
	return &model.Response{Type: TypeAdvice, Data: recs}
}

// CacheClear invalidates cache entries matching the pattern. An empty
// pattern clears everything.
func (s *QueryService) CacheClear(pattern string) *model.Response {
	cleared := s.cache.Invalidate(pattern)
	s.logger.Info("Cleared cache entries",
		zap.String("pattern", pattern),
		zap.Int("cleared", cleared))
	return &model.Response{
		Type: TypeCache,
		Data: map[string]interface{}{"cleared": cleared},
	}
}

// Health reports pool and cache statistics
func (s *QueryService) Health() *model.Response {
	return &model.Response{
		Type: TypeHealth,
		Data: HealthReport{
			Pool:  s.pool.Stats(),
			Cache: s.cache.Stats(),
		},
	}
}

// Stream opens a batched cursor over a raw read statement. A batch
// size of zero or less uses the configured default. The caller owns
// the stream and must Close it.
func (s *QueryService) Stream(ctx context.Context, sql string, params []interface{}, batchSize int) (*executor.BatchStream, error) {
	if batchSize < 1 {
		batchSize = s.cfg.StreamBatchSize
	}
	plan, err := s.compiler.CompileRaw(sql, params)
	if err != nil {
		return nil, err
	}
	return s.executor.Stream(ctx, plan, batchSize)
}

func (s *QueryService) execOptions(plan *model.StatementPlan, opts ExecOptions) executor.Options {
	out := executor.Options{}
	if opts.UseCache && plan.IsRead() {
		key, err := executor.PlanKey(plan)
		if err != nil {
			return out
		}
		out.UseCache = true
		out.Key = key
		if opts.TTL > 0 {
			out.TTL = time.Duration(opts.TTL) * time.Second
		}
	}
	return out
}

func (s *QueryService) runCount(ctx context.Context, plan *model.StatementPlan) (int64, error) {
	opts := executor.Options{}
	if key, err := executor.PlanKey(plan); err == nil {
		opts = executor.Options{UseCache: true, Key: key}
	}
	rows, _, err := s.executor.Execute(ctx, plan, opts)
	if err != nil {
		return 0, err
	}
	if rows.RowCount() == 0 || len(rows.Rows[0]) == 0 {
		return 0, nil
	}
	return toInt64(rows.Rows[0][0]), nil
}

func (s *QueryService) paged(result *model.PagedResult) *model.Response {
	meta := map[string]interface{}{
		"pagination": result.Pagination,
	}
	if result.Degraded {
		meta["degraded"] = true
	}
	return &model.Response{
		Type:     TypePaged,
		Data:     result,
		Metadata: meta,
	}
}

func (s *QueryService) fail(err error) *model.Response {
	s.logger.Warn("Operation failed",
		zap.Int("code", int(errors.GetCode(err))),
		zap.Error(err))
	return &model.Response{
		Type:  TypeError,
		Error: errors.Sanitize(err),
		Metadata: map[string]interface{}{
			"code": int(errors.GetCode(err)),
		},
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return 0
}
