// Package postgres implements the backing-store driver for PostgreSQL
// on top of pgx.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/config"
	"github.com/querybridge/querybridge/internal/driver"
	qerrors "github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/model"
)

func init() {
	driver.Register("postgres", NewDriver)
}

// Driver creates PostgreSQL connections
type Driver struct {
	connString string
	logger     *zap.Logger
}

// NewDriver creates a new PostgreSQL driver
func NewDriver(cfg *config.DatabaseConfig, logger *zap.Logger) (driver.Driver, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
	)
	return &Driver{connString: connString, logger: logger}, nil
}

// Name returns the driver name
func (d *Driver) Name() string { return "postgres" }

// Dialect returns the PostgreSQL dialect
func (d *Driver) Dialect() driver.Dialect { return Dialect{} }

// Connect opens a new backing-store session
func (d *Driver) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := pgx.Connect(ctx, d.connString)
	if err != nil {
		return nil, d.ClassifyError(err)
	}
	return &Conn{
		id:     uuid.NewString(),
		conn:   conn,
		logger: d.logger,
	}, nil
}

// ClassifyError maps a pgx error into the engine taxonomy
func (d *Driver) ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		// Anything below the protocol (reset, refused, EOF) is a
		// connection-level failure, eligible for one retry.
		return qerrors.TransientConnection(err)
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"): // connection exception
		return qerrors.TransientConnection(err)
	case pgErr.Code == "53300": // too_many_connections
		return qerrors.TransientConnection(err)
	case strings.HasPrefix(pgErr.Code, "57P"): // admin shutdown / crash
		return qerrors.TransientConnection(err)
	default:
		return qerrors.StatementFailed(err)
	}
}

// Dialect is the PostgreSQL identifier and placeholder dialect
type Dialect struct{}

// QuoteIdent quotes an identifier, doubling embedded quotes
func (Dialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholder returns the $n positional marker
func (Dialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// Conn is one PostgreSQL session
type Conn struct {
	id     string
	conn   *pgx.Conn
	tx     pgx.Tx
	logger *zap.Logger
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// Ping checks connection liveness
func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Query executes a statement and materializes the full result
func (c *Conn) Query(ctx context.Context, sql string, args ...interface{}) (*model.RowSet, error) {
	rows, err := c.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}

	result := &model.RowSet{Columns: columns, Rows: [][]interface{}{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make([]interface{}, len(values))
		copy(row, values)
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// QueryStream executes a statement and returns a forward-only cursor
func (c *Conn) QueryStream(ctx context.Context, sql string, args ...interface{}) (driver.Rows, error) {
	rows, err := c.query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = string(f.Name)
	}
	return &rowCursor{rows: rows, columns: columns}, nil
}

func (c *Conn) query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if c.tx != nil {
		return c.tx.Query(ctx, sql, args...)
	}
	return c.conn.Query(ctx, sql, args...)
}

// Exec executes a statement that returns no rows
func (c *Conn) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if c.tx != nil {
		tag, err = c.tx.Exec(ctx, sql, args...)
	} else {
		tag, err = c.conn.Exec(ctx, sql, args...)
	}
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Begin starts a transaction on this session
func (c *Conn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return fmt.Errorf("transaction already open on connection %s", c.id)
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// Commit commits the open transaction
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return fmt.Errorf("no open transaction on connection %s", c.id)
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	return err
}

// Rollback rolls back the open transaction
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	if err == pgx.ErrTxClosed {
		return nil
	}
	return err
}

// ListTables lists user tables in the public schema
func (c *Conn) ListTables(ctx context.Context) ([]string, error) {
	rows, err := c.query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
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

// DescribeTable loads columns, primary key, indexes and a row estimate
func (c *Conn) DescribeTable(ctx context.Context, table string) (*model.TableSchema, error) {
	schema := &model.TableSchema{Name: table}

	if err := c.loadColumns(ctx, table, schema); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}
	if err := c.loadPrimaryKey(ctx, table, schema); err != nil {
		return nil, err
	}
	if err := c.loadIndexes(ctx, table, schema); err != nil {
		return nil, err
	}
	if err := c.loadRowEstimate(ctx, table, schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func (c *Conn) loadColumns(ctx context.Context, table string, schema *model.TableSchema) error {
	rows, err := c.query(ctx, `
		SELECT column_name, data_type, is_nullable, COALESCE(column_default, '')
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var col model.ColumnInfo
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &nullable, &col.Default); err != nil {
			return err
		}
		col.Nullable = nullable == "YES"
		schema.Columns = append(schema.Columns, col)
	}
	return rows.Err()
}

func (c *Conn) loadPrimaryKey(ctx context.Context, table string, schema *model.TableSchema) error {
	rows, err := c.query(ctx, `
		SELECT kc.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kc
		  ON tc.constraint_name = kc.constraint_name
		 AND tc.table_schema = kc.table_schema
		WHERE tc.table_schema = 'public'
		  AND tc.table_name = $1
		  AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kc.ordinal_position`, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return err
		}
		schema.PrimaryKey = append(schema.PrimaryKey, col)
	}
	return rows.Err()
}

func (c *Conn) loadIndexes(ctx context.Context, table string, schema *model.TableSchema) error {
	rows, err := c.query(ctx, `
		SELECT i.relname, ix.indisunique, a.attname
		FROM pg_class t
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE t.relname = $1 AND t.relkind = 'r'
		ORDER BY i.relname, array_position(ix.indkey, a.attnum)`, table)
	if err != nil {
		return err
	}
	defer rows.Close()

	byName := make(map[string]*model.IndexInfo)
	var order []string
	for rows.Next() {
		var name, column string
		var unique bool
		if err := rows.Scan(&name, &unique, &column); err != nil {
			return err
		}
		idx, ok := byName[name]
		if !ok {
			idx = &model.IndexInfo{Name: name, Unique: unique}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, name := range order {
		schema.Indexes = append(schema.Indexes, *byName[name])
	}
	return nil
}

func (c *Conn) loadRowEstimate(ctx context.Context, table string, schema *model.TableSchema) error {
	rows, err := c.query(ctx,
		`SELECT reltuples::bigint FROM pg_class WHERE relname = $1 AND relkind = 'r'`, table)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&schema.RowEstimate); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ColumnCardinality counts distinct values in a column
func (c *Conn) ColumnCardinality(ctx context.Context, table, column string) (int64, error) {
	d := Dialect{}
	sql := fmt.Sprintf("SELECT COUNT(DISTINCT %s) FROM %s",
		d.QuoteIdent(column), d.QuoteIdent(table))
	rows, err := c.query(ctx, sql)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// Close closes the session, rolling back any open transaction
func (c *Conn) Close(ctx context.Context) error {
	if c.tx != nil {
		_ = c.Rollback(ctx)
	}
	return c.conn.Close(ctx)
}

// rowCursor adapts pgx.Rows to the driver cursor interface
type rowCursor struct {
	rows    pgx.Rows
	columns []string
}

func (r *rowCursor) Columns() []string { return r.columns }
func (r *rowCursor) Next() bool        { return r.rows.Next() }

func (r *rowCursor) Values() ([]interface{}, error) {
	values, err := r.rows.Values()
	if err != nil {
		return nil, err
	}
	row := make([]interface{}, len(values))
	copy(row, values)
	return row, nil
}

func (r *rowCursor) Err() error { return r.rows.Err() }

func (r *rowCursor) Close() error {
	r.rows.Close()
	return r.rows.Err()
}
