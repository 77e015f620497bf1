// Package batch executes a client-submitted block of ";"-separated SQL
// statements in order, streaming structured outcomes to a Sink as they are
// produced instead of buffering the whole response. Statement boundaries come
// from the engine's own incremental parse (the prepare tail), so quoted and
// multi-line content inside a statement is handled correctly.
package batch

import (
	"strings"
	"time"

	"github.com/bvinc/go-sqlite-lite/sqlite3"

	"github.com/sqlitehub/sqlitehub/engine"
)

// Sink receives the outcome stream for one batch. For a statement with
// output columns the sequence is BeginRows, zero or more Row calls, EndRows;
// a mutation produces a single Done call. A Sink error (typically a client
// write failure) aborts the batch.
type Sink interface {
	BeginRows(cols []string) error
	Row(vals []engine.Value) error
	EndRows() error
	Done(changes int, lastInsertRowID int64) error
}

// Executor runs SQL batches against the shared engine handle. One Execute
// call holds the connection lock for the entire batch, so multi-statement
// sequences such as BEGIN; ...; COMMIT; from one session can never be
// interleaved with another session's writes.
type Executor struct {
	handle      *engine.Handle
	lockTimeout time.Duration
}

// New creates an executor bound to the shared handle.
func New(h *engine.Handle, lockTimeout time.Duration) *Executor {
	return &Executor{handle: h, lockTimeout: lockTimeout}
}

// Execute parses and runs every statement in sql in source order, stopping
// at the first error. Outcomes for statements that completed before the
// failure have already been delivered to the sink; side effects of those
// statements are not rolled back (there is no implicit transaction — callers
// wanting atomicity issue BEGIN/COMMIT themselves). The returned error is
// engine.ErrLockTimeout, an *engine.Error, or a sink write error.
func (e *Executor) Execute(sql string, sink Sink) error {
	return e.handle.WithExclusive(e.lockTimeout, func(conn *sqlite3.Conn) error {
		rest := sql
		for strings.TrimSpace(rest) != "" {
			stmt, err := conn.Prepare(rest)
			if err != nil {
				return engine.WrapError(err)
			}
			if stmt == nil {
				break // only whitespace/comments left
			}
			rest = stmt.Tail

			err = runStatement(conn, stmt, sink)
			if cerr := stmt.Close(); err == nil && cerr != nil {
				err = engine.WrapError(cerr)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func runStatement(conn *sqlite3.Conn, stmt *sqlite3.Stmt, sink Sink) error {
	if stmt.ColumnCount() == 0 {
		// Mutation: run to completion, then report the counters.
		if err := stmt.StepToCompletion(); err != nil {
			return engine.WrapError(err)
		}
		return sink.Done(conn.Changes(), conn.LastInsertRowID())
	}

	if err := sink.BeginRows(stmt.ColumnNames()); err != nil {
		return err
	}
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			// Emit what we have before surfacing the error so the
			// client sees the accumulated rows plus an error marker.
			if serr := sink.EndRows(); serr != nil {
				return serr
			}
			return engine.WrapError(err)
		}
		if !hasRow {
			break
		}
		row, err := engine.RowValues(stmt)
		if err != nil {
			if serr := sink.EndRows(); serr != nil {
				return serr
			}
			return err
		}
		if err := sink.Row(row); err != nil {
			return err
		}
	}
	return sink.EndRows()
}
