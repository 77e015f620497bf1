package session

import (
	"errors"
	"time"

	"github.com/bvinc/go-sqlite-lite/sqlite3"

	"github.com/sqlitehub/sqlitehub/engine"
)

// DefaultMaxSlots is the per-session cap on concurrently open prepared
// statements.
const DefaultMaxSlots = 8

var (
	// ErrExhausted is returned by Prepare when every slot is in use.
	ErrExhausted = errors.New("session: no free statement slots")

	// ErrNotFound is returned for operations on an unknown or already
	// finalized statement id.
	ErrNotFound = errors.New("session: statement not found")

	// ErrTypeMismatch is returned by Bind for a parameter value whose shape
	// is not one of null/int/double/text. The engine is never touched.
	ErrTypeMismatch = errors.New("session: bind value type mismatch")
)

// BindType tags a parameter value passed to Bind.
type BindType byte

const (
	BindNull BindType = iota
	BindInt
	BindDouble
	BindText
	bindInvalid
)

// BindValue is the tagged parameter variant accepted by Bind.
type BindValue struct {
	Type  BindType
	Int   int64
	Float float64
	Text  string
}

func (v BindValue) native() interface{} {
	switch v.Type {
	case BindInt:
		return v.Int
	case BindDouble:
		return v.Float
	case BindText:
		return v.Text
	}
	return nil
}

// slot is one open prepared statement owned by a session. The raw *sqlite3.Stmt
// never leaves the registry.
type slot struct {
	id       int
	stmt     *sqlite3.Stmt
	colNames []string
	params   []interface{} // current bindings, index 0 == SQL parameter 1
}

// Registry is the per-session table of open prepared statements. Ids are
// issued monotonically starting at 1 and are never reissued within the
// session's lifetime, so a stale id from a finalized statement can only ever
// produce ErrNotFound. A Registry is owned by a single connection goroutine
// and is not safe for concurrent use; all engine access inside it goes
// through the shared Handle lock.
type Registry struct {
	handle      *engine.Handle
	lockTimeout time.Duration
	maxSlots    int
	slots       map[int]*slot
	nextID      int
}

// NewRegistry creates an empty registry bound to the shared engine handle.
func NewRegistry(h *engine.Handle, lockTimeout time.Duration) *Registry {
	return &Registry{
		handle:      h,
		lockTimeout: lockTimeout,
		maxSlots:    DefaultMaxSlots,
		slots:       make(map[int]*slot),
		nextID:      1,
	}
}

// Prepared describes a freshly prepared statement.
type Prepared struct {
	ID       int
	Cols     int
	ColNames []string
}

// Prepare compiles sql against the engine and stores the statement in a new
// slot. On any failure the slot is released immediately; a half-initialized
// slot is never observable. Text past the first statement is ignored, like
// sqlite3_prepare_v2's tail.
func (r *Registry) Prepare(sql string) (Prepared, error) {
	if len(r.slots) >= r.maxSlots {
		return Prepared{}, ErrExhausted
	}

	var prepared Prepared
	err := r.handle.WithExclusive(r.lockTimeout, func(conn *sqlite3.Conn) error {
		stmt, err := conn.Prepare(sql)
		if err != nil {
			return engine.WrapError(err)
		}
		if stmt == nil {
			return &engine.Error{Code: sqlite3.ERROR, Message: "empty statement"}
		}

		s := &slot{
			id:       r.nextID,
			stmt:     stmt,
			colNames: append([]string(nil), stmt.ColumnNames()...),
			params:   make([]interface{}, stmt.BindParameterCount()),
		}
		r.nextID++
		r.slots[s.id] = s

		prepared = Prepared{ID: s.id, Cols: len(s.colNames), ColNames: s.colNames}
		return nil
	})
	if err != nil {
		return Prepared{}, err
	}
	return prepared, nil
}

// Bind sets parameter index (1-based) of the statement to the tagged value.
// Shape errors fail with ErrTypeMismatch before the engine is touched; an
// out-of-range index surfaces as an engine error, matching what SQLite
// itself reports.
func (r *Registry) Bind(id, index int, value BindValue) error {
	if value.Type >= bindInvalid {
		return ErrTypeMismatch
	}
	s, ok := r.slots[id]
	if !ok {
		return ErrNotFound
	}
	if index < 1 || index > len(s.params) {
		return &engine.Error{Code: sqlite3.RANGE, Message: "bind index out of range"}
	}

	prev := s.params[index-1]
	s.params[index-1] = value.native()

	err := r.handle.WithExclusive(r.lockTimeout, func(conn *sqlite3.Conn) error {
		if err := s.stmt.Bind(s.params...); err != nil {
			return engine.WrapError(err)
		}
		return nil
	})
	if err != nil {
		s.params[index-1] = prev
		return err
	}
	return nil
}

// StepResult is one Step outcome: either a row with per-cell type tags, or
// completion.
type StepResult struct {
	Done bool
	Row  []engine.Value
}

// Step advances the statement one row.
func (r *Registry) Step(id int) (StepResult, error) {
	s, ok := r.slots[id]
	if !ok {
		return StepResult{}, ErrNotFound
	}

	var res StepResult
	err := r.handle.WithExclusive(r.lockTimeout, func(conn *sqlite3.Conn) error {
		hasRow, err := s.stmt.Step()
		if err != nil {
			return engine.WrapError(err)
		}
		if !hasRow {
			res = StepResult{Done: true}
			return nil
		}
		row, err := engine.RowValues(s.stmt)
		if err != nil {
			return err
		}
		res = StepResult{Row: row}
		return nil
	})
	if err != nil {
		return StepResult{}, err
	}
	return res, nil
}

// Reset rewinds the statement for reuse. With clearBindings the bound
// parameter values are dropped as well; otherwise they are preserved for the
// next execution.
func (r *Registry) Reset(id int, clearBindings bool) error {
	s, ok := r.slots[id]
	if !ok {
		return ErrNotFound
	}

	return r.handle.WithExclusive(r.lockTimeout, func(conn *sqlite3.Conn) error {
		if err := s.stmt.Reset(); err != nil {
			return engine.WrapError(err)
		}
		if clearBindings {
			if err := s.stmt.ClearBindings(); err != nil {
				return engine.WrapError(err)
			}
			for i := range s.params {
				s.params[i] = nil
			}
		}
		return nil
	})
}

// Finalize releases the prepared statement and frees the slot on every path.
// Close reports the statement's last step error, but the engine has freed the
// handle regardless, so keeping the slot around would leave it pointing at a
// dead statement; the close error is dropped and the slot always goes away.
// A missing id reports ErrNotFound and is otherwise harmless, so Finalize is
// idempotent.
func (r *Registry) Finalize(id int) error {
	s, ok := r.slots[id]
	if !ok {
		return ErrNotFound
	}

	err := r.handle.WithExclusive(r.lockTimeout, func(conn *sqlite3.Conn) error {
		_ = s.stmt.Close()
		return nil
	})
	if errors.Is(err, engine.ErrLockTimeout) {
		// Same discipline as ReleaseAll: release without the lock rather
		// than leak the slot.
		_ = s.stmt.Close()
	}
	delete(r.slots, id)
	return nil
}

// Open reports the number of slots currently in use.
func (r *Registry) Open() int {
	return len(r.slots)
}

// ReleaseAll finalizes every open statement, best-effort. Called on session
// teardown so that no engine-side statement handle outlives its session. If
// the lock cannot be acquired during teardown the statements are closed
// without it rather than leaked; teardown is never skipped.
func (r *Registry) ReleaseAll() {
	err := r.handle.WithExclusive(r.lockTimeout, func(conn *sqlite3.Conn) error {
		r.closeAll()
		return nil
	})
	if errors.Is(err, engine.ErrLockTimeout) {
		r.closeAll()
	}
}

func (r *Registry) closeAll() {
	for id, s := range r.slots {
		_ = s.stmt.Close()
		delete(r.slots, id)
	}
}
