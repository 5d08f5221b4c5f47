package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/catalog"
	"github.com/querybridge/querybridge/internal/compiler"
	"github.com/querybridge/querybridge/internal/driver"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/executor"
	"github.com/querybridge/querybridge/internal/model"
	"github.com/querybridge/querybridge/internal/pool"
)

var peopleSchema = &model.TableSchema{
	Name: "people",
	Columns: []model.ColumnInfo{
		{Name: "id", DataType: "bigint"},
		{Name: "name", DataType: "text"},
		{Name: "email", DataType: "text"},
		{Name: "age", DataType: "integer"},
	},
	PrimaryKey: []string{"id"},
	Indexes: []model.IndexInfo{
		{Name: "idx_people_email", Columns: []string{"email"}},
	},
	RowEstimate: 5000,
}

type searchConn struct {
	id  string
	drv *searchDriver
}

func (c *searchConn) ID() string                     { return c.id }
func (c *searchConn) Ping(ctx context.Context) error { return nil }

func (c *searchConn) Query(ctx context.Context, sql string, args ...interface{}) (*model.RowSet, error) {
	c.drv.record(sql, args)
	if strings.HasPrefix(sql, "SELECT COUNT(*)") {
		return &model.RowSet{Columns: []string{"count"}, Rows: [][]interface{}{{int64(42)}}}, nil
	}
	return &model.RowSet{
		Columns: []string{"id", "name"},
		Rows:    [][]interface{}{{int64(1), "ada"}},
	}, nil
}

func (c *searchConn) QueryStream(ctx context.Context, sql string, args ...interface{}) (driver.Rows, error) {
	return nil, fmt.Errorf("not supported")
}

func (c *searchConn) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	c.drv.record(sql, args)
	return 1, nil
}

func (c *searchConn) Begin(ctx context.Context) error    { return nil }
func (c *searchConn) Commit(ctx context.Context) error   { return nil }
func (c *searchConn) Rollback(ctx context.Context) error { return nil }

func (c *searchConn) ListTables(ctx context.Context) ([]string, error) {
	return []string{"people"}, nil
}

func (c *searchConn) DescribeTable(ctx context.Context, table string) (*model.TableSchema, error) {
	if table != "people" {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}
	return peopleSchema, nil
}

func (c *searchConn) ColumnCardinality(ctx context.Context, table, column string) (int64, error) {
	return 100, nil
}

func (c *searchConn) Close(ctx context.Context) error { return nil }

type statement struct {
	sql  string
	args []interface{}
}

type searchDriver struct {
	mu       sync.Mutex
	dialed   int
	executed []statement
}

func (d *searchDriver) Name() string                  { return "fake" }
func (d *searchDriver) Dialect() driver.Dialect       { return searchDialect{} }
func (d *searchDriver) ClassifyError(err error) error { return errors.StatementFailed(err) }

func (d *searchDriver) Connect(ctx context.Context) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed++
	return &searchConn{id: fmt.Sprintf("conn-%d", d.dialed), drv: d}, nil
}

func (d *searchDriver) record(sql string, args []interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, statement{sql: sql, args: args})
}

func (d *searchDriver) statements() []statement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]statement(nil), d.executed...)
}

type searchDialect struct{}

func (searchDialect) QuoteIdent(name string) string { return `"` + name + `"` }
func (searchDialect) Placeholder(n int) string      { return fmt.Sprintf("$%d", n) }

// recordingUsage captures advisor notifications
type recordingUsage struct {
	mu      sync.Mutex
	filters []string
	orders  []string
}

func (r *recordingUsage) RecordFilter(table string, columns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range columns {
		r.filters = append(r.filters, table+"."+c)
	}
}

func (r *recordingUsage) RecordOrder(table string, columns ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range columns {
		r.orders = append(r.orders, table+"."+c)
	}
}

func newTestEngine(t *testing.T, cfg *Config) (*Engine, *searchDriver, *recordingUsage) {
	t.Helper()
	drv := &searchDriver{}
	p := pool.New(&pool.Config{MaxConns: 2, AcquireTimeout: time.Second}, drv, zap.NewNop())
	t.Cleanup(func() { _ = p.Close(time.Second) })

	cat := catalog.New(p, zap.NewNop())
	comp := compiler.New(cat, searchDialect{}, zap.NewNop())
	exec := executor.New(p, nil, drv, nil, zap.NewNop())

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.UnindexedRangePolicy == "" {
		cfg.UnindexedRangePolicy = PolicyDegrade
	}
	if cfg.DefaultPageSize == 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize == 0 {
		cfg.MaxPageSize = 100
	}

	usage := &recordingUsage{}
	return New(cat, comp, exec, usage, cfg, zap.NewNop()), drv, usage
}

func TestByID_PrimaryKeySkipsCount(t *testing.T) {
	e, drv, usage := newTestEngine(t, nil)

	result, err := e.ByID(context.Background(), "people", "id", 7, model.PaginationSpec{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rows.RowCount())
	assert.Equal(t, int64(1), result.Pagination.TotalRows)

	stmts := drv.statements()
	require.Len(t, stmts, 1)
	assert.Equal(t, `SELECT * FROM "people" WHERE "id" = $1 LIMIT $2`, stmts[0].sql)
	assert.Equal(t, []interface{}{7, 1}, stmts[0].args)
	assert.Contains(t, usage.filters, "people.id")
}

func TestByID_NonKeyColumnPaginates(t *testing.T) {
	e, drv, _ := newTestEngine(t, nil)

	result, err := e.ByID(context.Background(), "people", "email", "a@b.c", model.PaginationSpec{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.Pagination.TotalRows)

	stmts := drv.statements()
	require.Len(t, stmts, 2)
	assert.Equal(t, `SELECT COUNT(*) FROM "people" WHERE "email" = $1`, stmts[0].sql)
	assert.Equal(t, `SELECT * FROM "people" WHERE "email" = $1 LIMIT $2`, stmts[1].sql)
}

func TestByID_UnknownColumn(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	_, err := e.ByID(context.Background(), "people", "ssn", 1, model.PaginationSpec{})
	assert.Equal(t, errors.ErrCodeInvalidColumn, errors.GetCode(err))
}

func TestColumn_OperatorValidation(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Column(ctx, ColumnParams{
		Table: "people", Column: "name", Value: "x", Operator: "SOUNDS LIKE",
	})
	assert.Equal(t, errors.ErrCodeInvalidOperator, errors.GetCode(err))

	// Fuzzy matches bypass the operator entirely.
	_, err = e.Column(ctx, ColumnParams{
		Table: "people", Column: "name", Value: "ada", Operator: "SOUNDS LIKE", Fuzzy: true,
	})
	require.NoError(t, err)
}

func TestColumn_DefaultPagination(t *testing.T) {
	e, drv, _ := newTestEngine(t, nil)

	result, err := e.Column(context.Background(), ColumnParams{
		Table: "people", Column: "email", Value: "a@b.c",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pagination.Page)
	assert.Equal(t, 20, result.Pagination.PageSize)
	assert.Equal(t, int64(42), result.Pagination.TotalRows)
	assert.Equal(t, 3, result.Pagination.TotalPages)

	stmts := drv.statements()
	window := stmts[len(stmts)-1]
	assert.Equal(t, []interface{}{"a@b.c", 20}, window.args)
}

func TestColumn_PageSizeClamped(t *testing.T) {
	e, drv, _ := newTestEngine(t, nil)

	_, err := e.Column(context.Background(), ColumnParams{
		Table: "people", Column: "email", Value: "a@b.c",
		Page: model.PaginationSpec{Page: 1, PageSize: 9999},
	})
	require.NoError(t, err)

	stmts := drv.statements()
	window := stmts[len(stmts)-1]
	assert.Equal(t, []interface{}{"a@b.c", 100}, window.args)
}

func TestColumn_InvalidPagination(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	_, err := e.Column(context.Background(), ColumnParams{
		Table: "people", Column: "email", Value: "x",
		Page: model.PaginationSpec{Page: -1, PageSize: 10},
	})
	assert.Equal(t, errors.ErrCodeInvalidPagination, errors.GetCode(err))
}

func TestMulti_RequiresFilters(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	_, err := e.Multi(context.Background(), "people", nil, nil, nil, model.PaginationSpec{})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestMulti_IntersectionSQL(t *testing.T) {
	e, drv, usage := newTestEngine(t, nil)

	_, err := e.Multi(context.Background(), "people",
		map[string]model.Condition{
			"name": {Operator: "=", Value: "ada"},
			"age":  {Operator: ">", Value: 30},
		},
		nil, nil, model.PaginationSpec{Page: 1, PageSize: 10})
	require.NoError(t, err)

	stmts := drv.statements()
	window := stmts[len(stmts)-1]
	assert.Equal(t, `SELECT * FROM "people" WHERE "age" > $1 AND "name" = $2 LIMIT $3`, window.sql)
	assert.Contains(t, usage.filters, "people.name")
	assert.Contains(t, usage.filters, "people.age")
}

func TestOrderedRange_IndexedColumn(t *testing.T) {
	e, drv, usage := newTestEngine(t, nil)

	result, err := e.OrderedRange(context.Background(), RangeParams{
		Table:  "people",
		Column: "email",
		Min:    "a",
		Max:    "m",
	})
	require.NoError(t, err)
	assert.False(t, result.Degraded)

	stmts := drv.statements()
	window := stmts[len(stmts)-1]
	assert.Equal(t,
		`SELECT * FROM "people" WHERE "email" >= $1 AND "email" <= $2 ORDER BY "email" ASC LIMIT $3`,
		window.sql)
	assert.Equal(t, []interface{}{"a", "m", 20}, window.args)
	assert.Contains(t, usage.orders, "people.email")
}

func TestOrderedRange_UnindexedDegrades(t *testing.T) {
	e, _, _ := newTestEngine(t, &Config{UnindexedRangePolicy: PolicyDegrade})

	result, err := e.OrderedRange(context.Background(), RangeParams{
		Table:  "people",
		Column: "name",
		Min:    "a",
	})
	require.NoError(t, err)
	assert.True(t, result.Degraded)
}

func TestOrderedRange_UnindexedFailPolicy(t *testing.T) {
	e, _, _ := newTestEngine(t, &Config{UnindexedRangePolicy: PolicyFail})

	_, err := e.OrderedRange(context.Background(), RangeParams{
		Table:  "people",
		Column: "name",
		Min:    "a",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestOrderedRange_PrimaryKeyCountsAsIndexed(t *testing.T) {
	e, _, _ := newTestEngine(t, &Config{UnindexedRangePolicy: PolicyFail})

	result, err := e.OrderedRange(context.Background(), RangeParams{
		Table:     "people",
		Column:    "id",
		Min:       100,
		Max:       200,
		Direction: model.SortDesc,
	})
	require.NoError(t, err)
	assert.False(t, result.Degraded)
}

func TestOrderedRange_InvalidDirection(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)

	_, err := e.OrderedRange(context.Background(), RangeParams{
		Table:     "people",
		Column:    "email",
		Min:       "a",
		Direction: "UPWARD",
	})
	assert.Equal(t, errors.ErrCodeInvalidSort, errors.GetCode(err))
}
