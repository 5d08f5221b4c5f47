// Package driver defines the backing-store abstraction. The engine
// talks to exactly one Driver, chosen at startup by configuration;
// nothing above this package branches on the store type.
package driver

import (
	"context"

	"github.com/querybridge/querybridge/internal/model"
)

// Dialect renders identifiers and parameter placeholders for a store
type Dialect interface {
	// QuoteIdent quotes a table or column name as an identifier.
	// Identifiers are always quoted, never interpolated as data.
	QuoteIdent(name string) string

	// Placeholder returns the positional parameter marker for the
	// 1-based argument position n.
	Placeholder(n int) string
}

// Rows is a forward-only cursor over a streamed result set
type Rows interface {
	Columns() []string
	Next() bool
	Values() ([]interface{}, error)
	Err() error
	Close() error
}

// Conn is an exclusive lease on one backing-store session. A Conn is
// owned by exactly one in-flight execution at a time; statements on it
// run one at a time.
type Conn interface {
	ID() string
	Ping(ctx context.Context) error

	Query(ctx context.Context, sql string, args ...interface{}) (*model.RowSet, error)
	QueryStream(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) (*model.TableSchema, error)
	ColumnCardinality(ctx context.Context, table, column string) (int64, error)

	Close(ctx context.Context) error
}

// Driver creates connections to one kind of backing store
type Driver interface {
	Name() string
	Dialect() Dialect
	Connect(ctx context.Context) (Conn, error)

	// ClassifyError wraps a raw store error into the engine taxonomy:
	// transient connection failures are distinguished from statement
	// errors so the executor can retry the former once.
	ClassifyError(err error) error
}
