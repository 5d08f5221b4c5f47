package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/querybridge/querybridge/internal/driver"
	"github.com/querybridge/querybridge/internal/errors"
	"github.com/querybridge/querybridge/internal/model"
)

// BatchStream is a restartable cursor over a large read, delivering
// rows in fixed-size batches. It holds one pooled connection from Open
// until Close; Close runs on every exit path, including errors.
type BatchStream struct {
	executor  *Executor
	conn      driver.Conn
	rows      driver.Rows
	batchSize int

	closeOnce sync.Once
	closeErr  error
	done      bool
}

// Stream opens a batch cursor for a read plan. The caller must Close
// the stream; Fetch after the final batch closes it automatically.
func (e *Executor) Stream(ctx context.Context, plan *model.StatementPlan, batchSize int) (*BatchStream, error) {
	if plan == nil || plan.SQL == "" {
		return nil, errors.InvalidArgument("empty statement plan")
	}
	if !plan.IsRead() {
		return nil, errors.InvalidArgument("streaming requires a read statement")
	}
	if batchSize < 1 {
		return nil, errors.InvalidArgument("batch size must be at least 1")
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryStream(ctx, plan.SQL, plan.Args...)
	if err != nil {
		classified := e.driver.ClassifyError(err)
		e.pool.Release(conn, err)
		return nil, classified
	}

	e.logger.Debug("Opened batch stream",
		zap.Int("batch_size", batchSize),
		zap.String("conn_id", conn.ID()))

	return &BatchStream{
		executor:  e,
		conn:      conn,
		rows:      rows,
		batchSize: batchSize,
	}, nil
}

// Fetch returns the next batch. A nil batch means the stream is
// exhausted and already closed. Any error also closes the stream.
func (s *BatchStream) Fetch() (*model.RowSet, error) {
	if s.done {
		return nil, nil
	}

	batch := &model.RowSet{Columns: s.rows.Columns(), Rows: [][]interface{}{}}
	for len(batch.Rows) < s.batchSize && s.rows.Next() {
		row, err := s.rows.Values()
		if err != nil {
			s.fail(err)
			return nil, s.executor.driver.ClassifyError(err)
		}
		batch.Rows = append(batch.Rows, row)
	}
	if err := s.rows.Err(); err != nil {
		s.fail(err)
		return nil, s.executor.driver.ClassifyError(err)
	}

	if len(batch.Rows) == 0 {
		_ = s.Close()
		return nil, nil
	}
	if len(batch.Rows) < s.batchSize {
		// Short batch: the cursor is exhausted, release eagerly.
		last := batch
		_ = s.Close()
		return last, nil
	}
	return batch, nil
}

// fail closes the stream, discarding the connection
func (s *BatchStream) fail(cause error) {
	s.closeOnce.Do(func() {
		s.done = true
		_ = s.rows.Close()
		s.executor.pool.Release(s.conn, cause)
	})
}

// Close releases the cursor and returns the connection to the pool.
// Safe to call multiple times.
func (s *BatchStream) Close() error {
	s.closeOnce.Do(func() {
		s.done = true
		s.closeErr = s.rows.Close()
		s.executor.pool.Release(s.conn, nil)
	})
	return s.closeErr
}
