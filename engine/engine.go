package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/bvinc/go-sqlite-lite/sqlite3"
)

// ErrLockTimeout is returned by WithExclusive when the connection lock could
// not be acquired within the caller's timeout. The guarded function was never
// invoked, so no engine state was touched.
var ErrLockTimeout = errors.New("engine: timed out waiting for database lock")

const (
	// DefaultLockTimeout bounds how long a caller waits for the connection
	// lock before failing with ErrLockTimeout.
	DefaultLockTimeout = 5 * time.Second

	// DefaultBusyTimeout is SQLite's own internal retry window for file-level
	// lock contention, configured once at open.
	DefaultBusyTimeout = 2000 * time.Millisecond
)

// Error carries a SQLite error message together with its numeric result code.
// It is surfaced verbatim to clients by every adapter.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sqlite rc=%d: %s", e.Code, e.Message)
}

// WrapError converts an error returned by the sqlite3 package into an *Error,
// preserving its result code when one is available. ErrLockTimeout and nil
// pass through unchanged.
func WrapError(err error) error {
	if err == nil || errors.Is(err, ErrLockTimeout) {
		return err
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		return &Error{Code: serr.Code(), Message: serr.Error()}
	}
	var eerr *Error
	if errors.As(err, &eerr) {
		return eerr
	}
	return &Error{Code: sqlite3.ERROR, Message: err.Error()}
}

// Handle owns the process-wide SQLite connection. At most one caller is
// inside the engine at any instant; WithExclusive is the only way in.
type Handle struct {
	conn *sqlite3.Conn
	sem  chan struct{}
}

// Open creates the engine handle for the database at path. The path may be
// ":memory:" for a temporary in-memory database (used throughout the tests).
func Open(path string) (*Handle, error) {
	conn, err := sqlite3.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}
	conn.BusyTimeout(DefaultBusyTimeout)
	return &Handle{
		conn: conn,
		sem:  make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying connection. Only called at process shutdown.
func (h *Handle) Close() error {
	return h.conn.Close()
}

// WithExclusive acquires the connection lock, waiting at most timeout, and
// invokes fn with the live connection. The lock is released on every exit
// path, including a panic inside fn. If the lock cannot be acquired in time,
// ErrLockTimeout is returned and fn is never invoked.
func (h *Handle) WithExclusive(timeout time.Duration, fn func(conn *sqlite3.Conn) error) error {
	select {
	case h.sem <- struct{}{}:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case h.sem <- struct{}{}:
		case <-timer.C:
			return ErrLockTimeout
		}
	}
	defer func() { <-h.sem }()
	return fn(h.conn)
}

// SetBusyTimeout adjusts SQLite's internal busy-retry window (console
// .timeout command).
func (h *Handle) SetBusyTimeout(timeout, d time.Duration) error {
	return h.WithExclusive(timeout, func(conn *sqlite3.Conn) error {
		conn.BusyTimeout(d)
		return nil
	})
}

// ExecResult summarizes a mutation executed via Exec.
type ExecResult struct {
	Changes         int
	TotalChanges    int
	LastInsertRowID int64
}

// Exec runs sql through SQLite's own one-shot execution path under the
// connection lock and reports the mutation counters. Used by the TCP "exec"
// op and by console imports for transaction control.
func (h *Handle) Exec(timeout time.Duration, sql string) (ExecResult, error) {
	var res ExecResult
	err := h.WithExclusive(timeout, func(conn *sqlite3.Conn) error {
		if err := conn.Exec(sql); err != nil {
			return WrapError(err)
		}
		res = ExecResult{
			Changes:         conn.Changes(),
			TotalChanges:    conn.TotalChanges(),
			LastInsertRowID: conn.LastInsertRowID(),
		}
		return nil
	})
	return res, err
}
