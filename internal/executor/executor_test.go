package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/cache"
	"github.com/querybridge/querybridge/internal/driver"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/model"
	"github.com/querybridge/querybridge/internal/pool"
)

// errTransient marks a scripted failure the driver classifies as
// transient
var errTransient = stderrors.New("connection reset by peer")

type scriptedConn struct {
	id  string
	drv *scriptedDriver

	begun      bool
	committed  bool
	rolledBack bool
}

func (c *scriptedConn) ID() string                     { return c.id }
func (c *scriptedConn) Ping(ctx context.Context) error { return nil }

func (c *scriptedConn) Query(ctx context.Context, sql string, args ...interface{}) (*model.RowSet, error) {
	if err := c.drv.nextErr(); err != nil {
		return nil, err
	}
	c.drv.record(sql)
	return &model.RowSet{
		Columns: []string{"id", "name"},
		Rows:    [][]interface{}{{int64(1), "ada"}},
	}, nil
}

func (c *scriptedConn) QueryStream(ctx context.Context, sql string, args ...interface{}) (driver.Rows, error) {
	if err := c.drv.nextErr(); err != nil {
		return nil, err
	}
	c.drv.record(sql)
	return &scriptedRows{columns: []string{"n"}, remaining: c.drv.streamRows}, nil
}

func (c *scriptedConn) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	if err := c.drv.nextErr(); err != nil {
		return 0, err
	}
	c.drv.record(sql)
	return 3, nil
}

func (c *scriptedConn) Begin(ctx context.Context) error    { c.begun = true; return nil }
func (c *scriptedConn) Commit(ctx context.Context) error   { c.committed = true; return nil }
func (c *scriptedConn) Rollback(ctx context.Context) error { c.rolledBack = true; return nil }

func (c *scriptedConn) ListTables(ctx context.Context) ([]string, error) { return nil, nil }

func (c *scriptedConn) DescribeTable(ctx context.Context, table string) (*model.TableSchema, error) {
	return nil, fmt.Errorf("not scripted")
}

func (c *scriptedConn) ColumnCardinality(ctx context.Context, table, column string) (int64, error) {
	return 0, nil
}

func (c *scriptedConn) Close(ctx context.Context) error { return nil }

// scriptedRows yields a fixed number of single-column rows
type scriptedRows struct {
	columns   []string
	remaining int
	closed    bool
}

func (r *scriptedRows) Columns() []string { return r.columns }

func (r *scriptedRows) Next() bool {
	if r.remaining <= 0 {
		return false
	}
	r.remaining--
	return true
}

func (r *scriptedRows) Values() ([]interface{}, error) { return []interface{}{int64(1)}, nil }
func (r *scriptedRows) Err() error                     { return nil }
func (r *scriptedRows) Close() error                   { r.closed = true; return nil }

// scriptedDriver pops one scripted error per statement
type scriptedDriver struct {
	mu         sync.Mutex
	dialed     int
	errQueue   []error
	executed   []string
	streamRows int
	conns      []*scriptedConn
}

func (d *scriptedDriver) Name() string            { return "scripted" }
func (d *scriptedDriver) Dialect() driver.Dialect { return nil }

func (d *scriptedDriver) Connect(ctx context.Context) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed++
	c := &scriptedConn{id: fmt.Sprintf("conn-%d", d.dialed), drv: d}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *scriptedDriver) ClassifyError(err error) error {
	var qe *errors.QueryError
	if stderrors.As(err, &qe) {
		return err
	}
	if stderrors.Is(err, errTransient) {
		return errors.TransientConnection(err)
	}
	return errors.StatementFailed(err)
}

func (d *scriptedDriver) nextErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errQueue) == 0 {
		return nil
	}
	err := d.errQueue[0]
	d.errQueue = d.errQueue[1:]
	return err
}

func (d *scriptedDriver) record(sql string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executed = append(d.executed, sql)
}

func (d *scriptedDriver) executedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.executed)
}

func (d *scriptedDriver) script(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errQueue = append(d.errQueue, errs...)
}

type testRig struct {
	executor *Executor
	driver   *scriptedDriver
	pool     *pool.Pool
	cache    *cache.QueryCache
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	drv := &scriptedDriver{streamRows: 5}
	p := pool.New(&pool.Config{MaxConns: 2, AcquireTimeout: time.Second}, drv, zap.NewNop())
	qc := cache.New(&cache.Config{
		MaxEntries:  100,
		DefaultTTL:  time.Minute,
		SweepPeriod: time.Minute,
	}, zap.NewNop())
	t.Cleanup(func() {
		qc.Stop()
		_ = p.Close(time.Second)
	})
	return &testRig{
		executor: New(p, qc, drv, nil, zap.NewNop()),
		driver:   drv,
		pool:     p,
		cache:    qc,
	}
}

func readPlan() *model.StatementPlan {
	return &model.StatementPlan{
		SQL:    `SELECT * FROM "users"`,
		Kind:   model.StatementRead,
		Cost:   model.CostFullScan,
		Tables: []string{"users"},
	}
}

func mutationPlan() *model.StatementPlan {
	return &model.StatementPlan{
		SQL:    `UPDATE "users" SET "status" = $1`,
		Args:   []interface{}{"inactive"},
		Kind:   model.StatementMutation,
		Cost:   model.CostMutation,
		Tables: []string{"users"},
	}
}

func TestExecute_ReadReleasesConnection(t *testing.T) {
	rig := newTestRig(t)

	rows, hit, err := rig.executor.Execute(context.Background(), readPlan(), Options{})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 1, rows.RowCount())

	stats := rig.pool.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestExecute_EmptyPlanRejected(t *testing.T) {
	rig := newTestRig(t)

	_, _, err := rig.executor.Execute(context.Background(), &model.StatementPlan{}, Options{})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestExecute_CacheHitSkipsBackend(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	plan := readPlan()
	key, err := PlanKey(plan)
	require.NoError(t, err)
	opts := Options{UseCache: true, Key: key}

	_, hit, err := rig.executor.Execute(ctx, plan, opts)
	require.NoError(t, err)
	assert.False(t, hit)

	_, hit, err = rig.executor.Execute(ctx, plan, opts)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, 1, rig.driver.executedCount())
}

func TestExecute_MutationInvalidatesOnSuccess(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	plan := readPlan()
	key, err := PlanKey(plan)
	require.NoError(t, err)
	opts := Options{UseCache: true, Key: key}

	_, _, err = rig.executor.Execute(ctx, plan, opts)
	require.NoError(t, err)

	rows, _, err := rig.executor.Execute(ctx, mutationPlan(), Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rows.RowsAffected)

	// The cached read for the mutated table is gone.
	_, hit, err := rig.executor.Execute(ctx, plan, opts)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestExecute_FailedMutationKeepsCache(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	plan := readPlan()
	key, err := PlanKey(plan)
	require.NoError(t, err)
	opts := Options{UseCache: true, Key: key}

	_, _, err = rig.executor.Execute(ctx, plan, opts)
	require.NoError(t, err)

	rig.driver.script(fmt.Errorf("constraint violation"))
	_, _, err = rig.executor.Execute(ctx, mutationPlan(), Options{})
	require.Error(t, err)

	_, hit, err := rig.executor.Execute(ctx, plan, opts)
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestExecute_TransientRetriedOnce(t *testing.T) {
	rig := newTestRig(t)

	rig.driver.script(errTransient)
	rows, _, err := rig.executor.Execute(context.Background(), readPlan(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rows.RowCount())

	// The broken connection was discarded and a fresh one dialed.
	assert.Equal(t, 2, rig.driver.dialed)
}

func TestExecute_SecondTransientEscalates(t *testing.T) {
	rig := newTestRig(t)

	rig.driver.script(errTransient, errTransient)
	_, _, err := rig.executor.Execute(context.Background(), readPlan(), Options{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStatement, errors.GetCode(err))
}

func TestExecute_StatementErrorDiscardsConnection(t *testing.T) {
	rig := newTestRig(t)

	rig.driver.script(fmt.Errorf("syntax error at or near"))
	_, _, err := rig.executor.Execute(context.Background(), readPlan(), Options{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStatement, errors.GetCode(err))

	stats := rig.pool.Stats()
	assert.Equal(t, 0, stats.Total)
}

func TestExecute_TransactionCommit(t *testing.T) {
	rig := newTestRig(t)

	plan := mutationPlan()
	plan.RequiresTx = true
	_, _, err := rig.executor.Execute(context.Background(), plan, Options{})
	require.NoError(t, err)

	conn := rig.driver.conns[0]
	assert.True(t, conn.begun)
	assert.True(t, conn.committed)
	assert.False(t, conn.rolledBack)
}

func TestExecute_TransactionRollbackOnError(t *testing.T) {
	rig := newTestRig(t)

	rig.driver.script(fmt.Errorf("deadlock detected"))
	plan := mutationPlan()
	plan.RequiresTx = true
	_, _, err := rig.executor.Execute(context.Background(), plan, Options{})
	require.Error(t, err)

	conn := rig.driver.conns[0]
	assert.True(t, conn.begun)
	assert.False(t, conn.committed)
	assert.True(t, conn.rolledBack)
}
