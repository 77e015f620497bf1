package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/sqlitehub/sqlitehub/engine"
)

// OutputMode selects how the console renders result rows.
type OutputMode int

const (
	ModeList OutputMode = iota
	ModeCSV
	ModeTabs
)

func (m OutputMode) String() string {
	switch m {
	case ModeCSV:
		return "csv"
	case ModeTabs:
		return "tabs"
	}
	return "list"
}

// Options is the per-session output formatting state mutated by console
// dot-commands. The TCP protocol carries its own JSON encoding and ignores
// these.
type Options struct {
	Headers   bool
	Echo      bool
	Mode      OutputMode
	Separator string
	NullValue string
}

// DefaultOptions matches the sqlite3 shell defaults the console mimics.
func DefaultOptions() Options {
	return Options{
		Headers:   true,
		Echo:      true,
		Mode:      ModeList,
		Separator: "|",
		NullValue: "NULL",
	}
}

// Session is the state tied to one long-lived client connection: its open
// prepared statements and its formatting options. HTTP requests are one-shot
// and never create one. Destroying a session releases every statement it
// still owns.
type Session struct {
	ID       string
	Registry *Registry
	Options  Options
}

// New creates a session against the shared engine handle. The id is only
// used for log correlation.
func New(h *engine.Handle, lockTimeout time.Duration) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Registry: NewRegistry(h, lockTimeout),
		Options:  DefaultOptions(),
	}
}

// Close tears the session down, finalizing any statements left open.
func (s *Session) Close() {
	s.Registry.ReleaseAll()
}
