// Package search implements the pagination-aware planners: id lookup,
// single-column operator search, multi-column intersection and
// ordered range search with index awareness.
package search

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/catalog"
	"github.com/querybridge/querybridge/internal/compiler"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/executor"
	"github.com/querybridge/querybridge/internal/model"
)

// UnindexedRangePolicy controls range searches on unindexed columns
type UnindexedRangePolicy string

const (
	// PolicyDegrade falls back to a flagged full scan
	PolicyDegrade UnindexedRangePolicy = "degrade"
	// PolicyFail rejects the request outright
	PolicyFail UnindexedRangePolicy = "fail"
)

// Config holds search planner configuration
type Config struct {
	UnindexedRangePolicy UnindexedRangePolicy
	DefaultPageSize      int
	MaxPageSize          int
	CacheTTL             time.Duration
	UseCache             bool
}

// UsageRecorder observes which columns requests filter and order on.
// The index advisor implements it.
type UsageRecorder interface {
	RecordFilter(table string, columns ...string)
	RecordOrder(table string, columns ...string)
}

// Engine plans and executes the specialized searches
type Engine struct {
	catalog  *catalog.Catalog
	compiler *compiler.Compiler
	executor *executor.Executor
	usage    UsageRecorder
	cfg      *Config
	logger   *zap.Logger
}

// New creates a new search engine. usage may be nil.
func New(cat *catalog.Catalog, comp *compiler.Compiler, exec *executor.Executor, usage UsageRecorder, cfg *Config, logger *zap.Logger) *Engine {
	return &Engine{
		catalog:  cat,
		compiler: comp,
		executor: exec,
		usage:    usage,
		cfg:      cfg,
		logger:   logger,
	}
}

// normalizePage applies defaults and bounds to a pagination request
func (e *Engine) normalizePage(page model.PaginationSpec) (model.PaginationSpec, error) {
	if page.IsZero() {
		return model.PaginationSpec{Page: 1, PageSize: e.cfg.DefaultPageSize}, nil
	}
	if page.Page < 1 || page.PageSize < 1 {
		return page, errors.InvalidPagination(page.Page, page.PageSize)
	}
	if page.PageSize > e.cfg.MaxPageSize {
		page.PageSize = e.cfg.MaxPageSize
	}
	return page, nil
}

// ByID looks a row up by its id column. When the column is the
// table's primary key the lookup skips the count round trip; otherwise
// it degrades to a filtered scan with full pagination.
func (e *Engine) ByID(ctx context.Context, table, idColumn string, value interface{}, page model.PaginationSpec) (*model.PagedResult, error) {
	if idColumn == "" {
		idColumn = "id"
	}
	schema, err := e.catalog.Table(ctx, table)
	if err != nil {
		return nil, err
	}
	if !schema.HasColumn(idColumn) {
		return nil, errors.InvalidColumn(table, idColumn)
	}

	e.recordFilter(table, idColumn)

	if schema.IsPrimaryKey(idColumn) {
		cmd := &model.StructuredCommand{
			Operation:  model.OpSelect,
			Table:      table,
			Conditions: map[string]model.Condition{idColumn: {Operator: "=", Value: value}},
			Limit:      1,
		}
		plan, err := e.compiler.Compile(ctx, cmd)
		if err != nil {
			return nil, err
		}
		rows, _, err := e.execute(ctx, plan)
		if err != nil {
			return nil, err
		}
		total := int64(rows.RowCount())
		return &model.PagedResult{
			Rows:       rows,
			Pagination: model.NewPaginationResult(model.PaginationSpec{Page: 1, PageSize: 1}, total),
		}, nil
	}

	return e.Column(ctx, ColumnParams{
		Table:  table,
		Column: idColumn,
		Value:  value,
		Page:   page,
	})
}

// ColumnParams describes a single-column search
type ColumnParams struct {
	Table           string
	Column          string
	Value           interface{}
	Operator        string
	Fuzzy           bool
	CaseInsensitive bool
	Columns         []string
	OrderBy         []model.OrderTerm
	Page            model.PaginationSpec
}

// Column searches one column with an operator from the shared
// allow-list, optionally as a fuzzy case-insensitive match
func (e *Engine) Column(ctx context.Context, p ColumnParams) (*model.PagedResult, error) {
	op := p.Operator
	if op == "" {
		op = "="
	}
	if !p.Fuzzy && !compiler.OperatorAllowed(op) {
		return nil, errors.InvalidOperator(p.Operator)
	}

	e.recordFilter(p.Table, p.Column)
	e.recordOrder(p.Table, p.OrderBy...)

	cmd := &model.StructuredCommand{
		Operation: model.OpSelect,
		Table:     p.Table,
		Columns:   p.Columns,
		Conditions: map[string]model.Condition{
			p.Column: {
				Operator:        op,
				Value:           p.Value,
				Fuzzy:           p.Fuzzy,
				CaseInsensitive: p.CaseInsensitive,
			},
		},
		OrderBy: p.OrderBy,
	}
	return e.runPaged(ctx, cmd, p.Page, false)
}

// Multi searches the AND-intersection of several column conditions,
// each independently validated
func (e *Engine) Multi(ctx context.Context, table string, filters map[string]model.Condition, columns []string, orderBy []model.OrderTerm, page model.PaginationSpec) (*model.PagedResult, error) {
	if len(filters) == 0 {
		return nil, errors.InvalidArgument("multi-column search requires at least one filter")
	}
	for col, cond := range filters {
		if !cond.Fuzzy && cond.Operator != "" && !compiler.OperatorAllowed(cond.Operator) {
			return nil, errors.InvalidOperator(cond.Operator)
		}
		e.recordFilter(table, col)
	}
	e.recordOrder(table, orderBy...)

	cmd := &model.StructuredCommand{
		Operation:  model.OpSelect,
		Table:      table,
		Columns:    columns,
		Conditions: filters,
		OrderBy:    orderBy,
	}
	return e.runPaged(ctx, cmd, page, false)
}

// RangeParams describes an ordered range search
type RangeParams struct {
	Table     string
	Column    string
	Min       interface{}
	Max       interface{}
	Direction model.SortDirection
	Columns   []string
	Page      model.PaginationSpec
}

// OrderedRange searches a value range ordered on one column. When the
// column is indexed the plan is an index range; otherwise the
// configured policy either rejects the request or degrades to a full
// scan flagged in the result metadata.
func (e *Engine) OrderedRange(ctx context.Context, p RangeParams) (*model.PagedResult, error) {
	schema, err := e.catalog.Table(ctx, p.Table)
	if err != nil {
		return nil, err
	}
	if !schema.HasColumn(p.Column) {
		return nil, errors.InvalidColumn(p.Table, p.Column)
	}

	indexed := schema.ColumnIndexed(p.Column) || schema.IsPrimaryKey(p.Column)
	degraded := false
	if !indexed {
		if e.cfg.UnindexedRangePolicy == PolicyFail {
			return nil, errors.InvalidArgument(
				"range search requires an index on column '" + p.Column + "'")
		}
		degraded = true
		e.logger.Debug("Range search degraded to full scan",
			zap.String("table", p.Table),
			zap.String("column", p.Column))
	}

	dir := model.SortDirection(strings.ToUpper(string(p.Direction)))
	if dir == "" {
		dir = model.SortAsc
	}
	if dir != model.SortAsc && dir != model.SortDesc {
		return nil, errors.InvalidSort(string(p.Direction))
	}

	e.recordFilter(p.Table, p.Column)
	e.recordOrder(p.Table, model.OrderTerm{Column: p.Column, Direction: dir})

	cmd := &model.StructuredCommand{
		Operation: model.OpSelect,
		Table:     p.Table,
		Columns:   p.Columns,
		OrderBy:   []model.OrderTerm{{Column: p.Column, Direction: dir}},
	}
	if p.Min != nil {
		cmd.ExtraConditions = append(cmd.ExtraConditions, model.ColumnCondition{
			Column:    p.Column,
			Condition: model.Condition{Operator: ">=", Value: p.Min},
		})
	}
	if p.Max != nil {
		cmd.ExtraConditions = append(cmd.ExtraConditions, model.ColumnCondition{
			Column:    p.Column,
			Condition: model.Condition{Operator: "<=", Value: p.Max},
		})
	}

	return e.runPaged(ctx, cmd, p.Page, degraded)
}

// runPaged compiles the windowed and count plans for a select command
// and assembles the paged result
func (e *Engine) runPaged(ctx context.Context, cmd *model.StructuredCommand, pageSpec model.PaginationSpec, degraded bool) (*model.PagedResult, error) {
	pageSpec, err := e.normalizePage(pageSpec)
	if err != nil {
		return nil, err
	}
	cmd.Pagination = pageSpec

	countPlan, err := e.compiler.CompileCountFor(ctx, cmd)
	if err != nil {
		return nil, err
	}
	windowPlan, err := e.compiler.Compile(ctx, cmd)
	if err != nil {
		return nil, err
	}

	total, err := e.runCount(ctx, countPlan)
	if err != nil {
		return nil, err
	}
	rows, _, err := e.execute(ctx, windowPlan)
	if err != nil {
		return nil, err
	}

	return &model.PagedResult{
		Rows:       rows,
		Pagination: model.NewPaginationResult(pageSpec, total),
		Degraded:   degraded,
	}, nil
}

func (e *Engine) runCount(ctx context.Context, plan *model.StatementPlan) (int64, error) {
	rows, _, err := e.execute(ctx, plan)
	if err != nil {
		return 0, err
	}
	if len(rows.Rows) == 0 || len(rows.Rows[0]) == 0 {
		return 0, nil
	}
	return toInt64(rows.Rows[0][0]), nil
}

func (e *Engine) execute(ctx context.Context, plan *model.StatementPlan) (*model.RowSet, bool, error) {
	opts := executor.Options{}
	if e.cfg.UseCache {
		key, err := executor.PlanKey(plan)
		if err == nil {
			opts = executor.Options{UseCache: true, TTL: e.cfg.CacheTTL, Key: key}
		}
	}
	return e.executor.Execute(ctx, plan, opts)
}

func (e *Engine) recordFilter(table string, columns ...string) {
	if e.usage != nil {
		e.usage.RecordFilter(table, columns...)
	}
}

func (e *Engine) recordOrder(table string, terms ...model.OrderTerm) {
	if e.usage == nil {
		return
	}
	for _, t := range terms {
		e.usage.RecordOrder(table, t.Column)
	}
}

// toInt64 normalizes the count value across drivers
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
	default:
		return 0
	}
}
