package advisor

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

// advisorDriver serves one mutable table fixture and records DDL
type advisorDriver struct {
	mu          sync.Mutex
	dialed      int
	schema      *model.TableSchema
	cardinality map[string]int64
	ddl         []string
}

func newAdvisorDriver() *advisorDriver {
	return &advisorDriver{
		schema: &model.TableSchema{
			Name: "events",
			Columns: []model.ColumnInfo{
				{Name: "id", DataType: "bigint"},
				{Name: "user_id", DataType: "bigint"},
				{Name: "kind", DataType: "text"},
				{Name: "created_at", DataType: "timestamptz"},
			},
			PrimaryKey: []string{"id"},
			Indexes: []model.IndexInfo{
				{Name: "idx_events_created_at", Columns: []string{"created_at"}},
			},
			RowEstimate: 10000,
		},
		cardinality: map[string]int64{
			"user_id":    500,  // selective
			"kind":       5,    // nearly constant
			"created_at": 9000, // already indexed
		},
	}
}

// addIndex simulates the backing store picking up executed DDL
func (d *advisorDriver) addIndex(name string, columns []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schema.Indexes = append(d.schema.Indexes, model.IndexInfo{Name: name, Columns: columns})
}

type advisorConn struct {
	id  string
	drv *advisorDriver
}

func (c *advisorConn) ID() string                     { return c.id }
func (c *advisorConn) Ping(ctx context.Context) error { return nil }

func (c *advisorConn) Query(ctx context.Context, sql string, args ...interface{}) (*model.RowSet, error) {
	return &model.RowSet{}, nil
}

func (c *advisorConn) QueryStream(ctx context.Context, sql string, args ...interface{}) (driver.Rows, error) {
	return nil, fmt.Errorf("not supported")
}

func (c *advisorConn) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	c.drv.mu.Lock()
	c.drv.ddl = append(c.drv.ddl, sql)
	c.drv.mu.Unlock()
	return 0, nil
}

func (c *advisorConn) Begin(ctx context.Context) error    { return nil }
func (c *advisorConn) Commit(ctx context.Context) error   { return nil }
func (c *advisorConn) Rollback(ctx context.Context) error { return nil }

func (c *advisorConn) ListTables(ctx context.Context) ([]string, error) {
	return []string{"events"}, nil
}

func (c *advisorConn) DescribeTable(ctx context.Context, table string) (*model.TableSchema, error) {
	if table != "events" {
		return nil, fmt.Errorf("relation %q does not exist", table)
	}
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	copied := *c.drv.schema
	copied.Indexes = append([]model.IndexInfo(nil), c.drv.schema.Indexes...)
	return &copied, nil
}

func (c *advisorConn) ColumnCardinality(ctx context.Context, table, column string) (int64, error) {
	c.drv.mu.Lock()
	defer c.drv.mu.Unlock()
	if n, ok := c.drv.cardinality[column]; ok {
		return n, nil
	}
	return 1, nil
}

func (c *advisorConn) Close(ctx context.Context) error { return nil }

func (d *advisorDriver) Name() string                  { return "fake" }
func (d *advisorDriver) ClassifyError(err error) error { return errors.StatementFailed(err) }

func (d *advisorDriver) Dialect() driver.Dialect { return advisorDialect{} }

func (d *advisorDriver) Connect(ctx context.Context) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed++
	return &advisorConn{id: fmt.Sprintf("conn-%d", d.dialed), drv: d}, nil
}

type advisorDialect struct{}

func (advisorDialect) QuoteIdent(name string) string { return `"` + name + `"` }
func (advisorDialect) Placeholder(n int) string      { return fmt.Sprintf("$%d", n) }

func newTestAdvisor(t *testing.T, cfg *Config) (*Advisor, *advisorDriver) {
	t.Helper()
	drv := newAdvisorDriver()
	p := pool.New(&pool.Config{MaxConns: 2, AcquireTimeout: time.Second}, drv, zap.NewNop())
	t.Cleanup(func() { _ = p.Close(time.Second) })

	cat := catalog.New(p, zap.NewNop())
	comp := compiler.New(cat, advisorDialect{}, zap.NewNop())
	exec := executor.New(p, nil, drv, nil, zap.NewNop())

	if cfg == nil {
		cfg = &Config{MinUsageCount: 3, MaxRecommendations: 10, MinCardinality: 0.01}
	}
	return New(cat, comp, exec, cfg, nil, zap.NewNop()), drv
}

func recordFilters(a *Advisor, table, column string, n int) {
	for i := 0; i < n; i++ {
		a.RecordFilter(table, column)
	}
}

func columnsOf(recs []model.IndexRecommendation) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = strings.Join(r.Columns, ",")
	}
	return out
}

func TestRecommend_RequiresMinimumUsage(t *testing.T) {
	a, _ := newTestAdvisor(t, nil)
	ctx := context.Background()

	recordFilters(a, "events", "user_id", 2)
	recs, err := a.Recommend(ctx, "events")
	require.NoError(t, err)
	assert.Empty(t, recs)

	a.RecordFilter("events", "user_id")
	recs, err = a.Recommend(ctx, "events")
	require.NoError(t, err)
	assert.Contains(t, columnsOf(recs), "user_id")
}

func TestRecommend_SkipsCoveredAndKeyColumns(t *testing.T) {
	a, _ := newTestAdvisor(t, nil)
	ctx := context.Background()

	recordFilters(a, "events", "created_at", 10)
	recordFilters(a, "events", "id", 10)

	recs, err := a.Recommend(ctx, "events")
	require.NoError(t, err)
	assert.NotContains(t, columnsOf(recs), "created_at")
	assert.NotContains(t, columnsOf(recs), "id")
}

func TestRecommend_SkipsLowSelectivityColumns(t *testing.T) {
	a, _ := newTestAdvisor(t, nil)

	// "kind" has 5 distinct values over 10000 rows; an index would not
	// narrow anything.
	recordFilters(a, "events", "kind", 50)

	recs, err := a.Recommend(context.Background(), "events")
	require.NoError(t, err)
	assert.NotContains(t, columnsOf(recs), "kind")
}

func TestRecommend_OrderUsageWeighsHalf(t *testing.T) {
	a, _ := newTestAdvisor(t, nil)

	// 4 order usages at half weight fall below a threshold of 3; 6 meet it.
	for i := 0; i < 4; i++ {
		a.RecordOrder("events", "user_id")
	}
	recs, err := a.Recommend(context.Background(), "events")
	require.NoError(t, err)
	assert.Empty(t, recs)

	a.RecordOrder("events", "user_id")
	a.RecordOrder("events", "user_id")
	recs, err = a.Recommend(context.Background(), "events")
	require.NoError(t, err)
	assert.Contains(t, columnsOf(recs), "user_id")
}

func TestRecommend_ExcludesRedundantComposite(t *testing.T) {
	a, drv := newTestAdvisor(t, nil)

	// created_at is singly indexed: any composite leading with it is
	// redundant.
	recordFilters(a, "events", "created_at", 10)
	recordFilters(a, "events", "user_id", 10)

	recs, err := a.Recommend(context.Background(), "events")
	require.NoError(t, err)
	assert.NotContains(t, columnsOf(recs), "created_at,user_id")

	// Once user_id gets its own index, user_id-leading composites
	// become redundant too.
	drv.addIndex("idx_events_user_id", []string{"user_id"})
	a.catalog.Invalidate("events")

	recs, err = a.Recommend(context.Background(), "events")
	require.NoError(t, err)
	assert.NotContains(t, columnsOf(recs), "user_id,created_at")
}

func TestRecommend_RankedByBenefitAndCapped(t *testing.T) {
	a, _ := newTestAdvisor(t, &Config{MinUsageCount: 1, MaxRecommendations: 1, MinCardinality: 0.01})

	recordFilters(a, "events", "user_id", 20)

	recs, err := a.Recommend(context.Background(), "events")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"user_id"}, recs[0].Columns)
	assert.Greater(t, recs[0].EstimatedBenefit, 0.0)
	assert.Contains(t, recs[0].DDL, `CREATE INDEX "idx_events_user_id"`)
}

func TestCreate_ExecutesDDLAndInvalidatesCatalog(t *testing.T) {
	a, drv := newTestAdvisor(t, nil)
	ctx := context.Background()

	recordFilters(a, "events", "user_id", 10)

	name, err := a.Create(ctx, "events", []string{"user_id"})
	require.NoError(t, err)
	assert.Equal(t, "idx_events_user_id", name)
	require.Len(t, drv.ddl, 1)
	assert.Equal(t, `CREATE INDEX "idx_events_user_id" ON "events" ("user_id")`, drv.ddl[0])

	// The store picked the index up; the invalidated catalog refetches
	// it and the recommendation disappears.
	drv.addIndex(name, []string{"user_id"})
	recs, err := a.Recommend(ctx, "events")
	require.NoError(t, err)
	assert.NotContains(t, columnsOf(recs), "user_id")
}

func TestCreate_RejectsUnknownColumn(t *testing.T) {
	a, drv := newTestAdvisor(t, nil)

	_, err := a.Create(context.Background(), "events", []string{"nope"})
	assert.Equal(t, errors.ErrCodeInvalidColumn, errors.GetCode(err))
	assert.Empty(t, drv.ddl)
}

func TestDrop_ValidatesExistence(t *testing.T) {
	a, drv := newTestAdvisor(t, nil)
	ctx := context.Background()

	err := a.Drop(ctx, "events", "idx_does_not_exist")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	require.NoError(t, a.Drop(ctx, "events", "idx_events_created_at"))
	require.Len(t, drv.ddl, 1)
	assert.Equal(t, `DROP INDEX "idx_events_created_at"`, drv.ddl[0])
}

func TestList_ReturnsCurrentIndexes(t *testing.T) {
	a, _ := newTestAdvisor(t, nil)

	indexes, err := a.List(context.Background(), "events")
	require.NoError(t, err)
	require.Len(t, indexes, 1)
	assert.Equal(t, "idx_events_created_at", indexes[0].Name)
}
