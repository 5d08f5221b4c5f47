// Package sqlite implements the backing-store driver for SQLite on top
// of database/sql and mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/config"
	"github.com/querybridge/querybridge/internal/driver"
	qerrors "github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/model"
)

func init() {
	driver.Register("sqlite", NewDriver)
}

// Driver creates SQLite connections
type Driver struct {
	path   string
	logger *zap.Logger

	openOnce sync.Once
	db       *sql.DB
	openErr  error
}

// NewDriver creates a new SQLite driver
func NewDriver(cfg *config.DatabaseConfig, logger *zap.Logger) (driver.Driver, error) {
	return &Driver{path: cfg.Path, logger: logger}, nil
}

// Name returns the driver name
func (d *Driver) Name() string { return "sqlite" }

// Dialect returns the SQLite dialect
func (d *Driver) Dialect() driver.Dialect { return Dialect{} }

// Connect checks out one dedicated session. The shared *sql.DB is
// opened once; the engine's own pool does the bounding, so the stdlib
// pool is left effectively unbounded.
func (d *Driver) Connect(ctx context.Context) (driver.Conn, error) {
	d.openOnce.Do(func() {
		d.db, d.openErr = sql.Open("sqlite3", d.path)
	})
	if d.openErr != nil {
		return nil, d.ClassifyError(d.openErr)
	}
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, d.ClassifyError(err)
	}
	return &Conn{
		id:     uuid.NewString(),
		conn:   conn,
		logger: d.logger,
	}, nil
}

// ClassifyError maps a sqlite error into the engine taxonomy
func (d *Driver) ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sqldriver.ErrBadConn) {
		return qerrors.TransientConnection(err)
	}
	var sqErr sqlite3.Error
	if stderrors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen:
			return qerrors.TransientConnection(err)
		default:
			return qerrors.StatementFailed(err)
		}
	}
	return qerrors.StatementFailed(err)
}

// Dialect is the SQLite identifier and placeholder dialect
type Dialect struct{}

// QuoteIdent quotes an identifier, doubling embedded quotes
func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholder returns the ? positional marker
func (Dialect) Placeholder(n int) string {
	return "?"
}

// Conn is one SQLite session
type Conn struct {
	id     string
	conn   *sql.Conn
	inTx   bool
	logger *zap.Logger
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// Ping checks connection liveness
func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

// Query executes a statement and materializes the full result
func (c *Conn) Query(ctx context.Context, query string, args ...interface{}) (*model.RowSet, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &model.RowSet{Columns: columns, Rows: [][]interface{}{}}
	for rows.Next() {
		row, err := scanRow(rows, len(columns))
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	return result, rows.Err()
}

// QueryStream executes a statement and returns a forward-only cursor
func (c *Conn) QueryStream(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &rowCursor{rows: rows, columns: columns}, nil
}

// Exec executes a statement that returns no rows
func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Begin starts a transaction on this session
func (c *Conn) Begin(ctx context.Context) error {
	if c.inTx {
		return fmt.Errorf("transaction already open on connection %s", c.id)
	}
	if _, err := c.conn.ExecContext(ctx, "BEGIN"); err != nil {
		return err
	}
	c.inTx = true
	return nil
}

// Commit commits the open transaction
func (c *Conn) Commit(ctx context.Context) error {
	if !c.inTx {
		return fmt.Errorf("no open transaction on connection %s", c.id)
	}
	_, err := c.conn.ExecContext(ctx, "COMMIT")
	c.inTx = false
	return err
}

// Rollback rolls back the open transaction
func (c *Conn) Rollback(ctx context.Context) error {
	if !c.inTx {
		return nil
	}
	_, err := c.conn.ExecContext(ctx, "ROLLBACK")
	c.inTx = false
	return err
}

// ListTables lists user tables
func (c *Conn) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.conn.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DescribeTable loads columns, primary key, indexes and a row count
func (c *Conn) DescribeTable(ctx context.Context, table string) (*model.TableSchema, error) {
	schema := &model.TableSchema{Name: table}
	d := Dialect{}

	rows, err := c.conn.QueryContext(ctx,
		fmt.Sprintf("PRAGMA table_info(%s)", d.QuoteIdent(table)))
	if err != nil {
		return nil, err
	}
	type pkCol struct {
		name string
		rank int
	}
	var pkCols []pkCol
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, err
		}
		schema.Columns = append(schema.Columns, model.ColumnInfo{
			Name:     name,
			DataType: ctype,
			Nullable: notNull == 0,
			Default:  dflt.String,
		})
		if pk > 0 {
			pkCols = append(pkCols, pkCol{name: name, rank: pk})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}

	for rank := 1; rank <= len(pkCols); rank++ {
		for _, col := range pkCols {
			if col.rank == rank {
				schema.PrimaryKey = append(schema.PrimaryKey, col.name)
			}
		}
	}

	if err := c.loadIndexes(ctx, table, schema); err != nil {
		return nil, err
	}

	row := c.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", d.QuoteIdent(table)))
	if err := row.Scan(&schema.RowEstimate); err != nil {
		return nil, err
	}
	return schema, nil
}

func (c *Conn) loadIndexes(ctx context.Context, table string, schema *model.TableSchema) error {
	d := Dialect{}
	rows, err := c.conn.QueryContext(ctx,
		fmt.Sprintf("PRAGMA index_list(%s)", d.QuoteIdent(table)))
	if err != nil {
		return err
	}
	type idxMeta struct {
		name   string
		unique bool
	}
	var metas []idxMeta
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		metas = append(metas, idxMeta{name: name, unique: unique == 1})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, meta := range metas {
		idx := model.IndexInfo{Name: meta.name, Unique: meta.unique}
		infoRows, err := c.conn.QueryContext(ctx,
			fmt.Sprintf("PRAGMA index_info(%s)", d.QuoteIdent(meta.name)))
		if err != nil {
			return err
		}
		for infoRows.Next() {
			var (
				seqno int
				cid   int
				col   sql.NullString
			)
			if err := infoRows.Scan(&seqno, &cid, &col); err != nil {
				infoRows.Close()
				return err
			}
			if col.Valid {
				idx.Columns = append(idx.Columns, col.String)
			}
		}
		if err := infoRows.Err(); err != nil {
			infoRows.Close()
			return err
		}
		infoRows.Close()
		schema.Indexes = append(schema.Indexes, idx)
	}
	return nil
}

// ColumnCardinality counts distinct values in a column
func (c *Conn) ColumnCardinality(ctx context.Context, table, column string) (int64, error) {
	d := Dialect{}
	row := c.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s",
			d.QuoteIdent(column), d.QuoteIdent(table)))
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close returns the session to the stdlib pool, rolling back any open
// transaction first
func (c *Conn) Close(ctx context.Context) error {
	if c.inTx {
		_ = c.Rollback(ctx)
	}
	return c.conn.Close()
}

// scanRow scans the current row into generic values
func scanRow(rows *sql.Rows, n int) ([]interface{}, error) {
	values := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

// rowCursor adapts *sql.Rows to the driver cursor interface
type rowCursor struct {
	rows    *sql.Rows
	columns []string
}

func (r *rowCursor) Columns() []string { return r.columns }
func (r *rowCursor) Next() bool        { return r.rows.Next() }

func (r *rowCursor) Values() ([]interface{}, error) {
	return scanRow(r.rows, len(r.columns))
}

func (r *rowCursor) Err() error   { return r.rows.Err() }
func (r *rowCursor) Close() error { return r.rows.Close() }
