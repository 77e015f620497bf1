package console

import (
	"fmt"
	"net"
	"strings"

	"github.com/sqlitehub/sqlitehub/engine"
	"github.com/sqlitehub/sqlitehub/session"
)

// textSink renders batch outcomes as delimited text lines, honoring the
// session's headers/mode/separator/nullvalue options.
type textSink struct {
	conn net.Conn
	opts *session.Options
}

func (t *textSink) sep() string {
	if t.opts.Mode == session.ModeTabs {
		return "\t"
	}
	return t.opts.Separator
}

func (t *textSink) writeLine(fields []string) error {
	line := strings.Join(fields, t.sep()) + "\r\n"
	_, err := t.conn.Write([]byte(line))
	return err
}

func (t *textSink) BeginRows(cols []string) error {
	if !t.opts.Headers {
		return nil
	}
	return t.writeLine(cols)
}

func (t *textSink) Row(vals []engine.Value) error {
	fields := make([]string, len(vals))
	for i, v := range vals {
		fields[i] = v.Render(t.opts.NullValue)
	}
	return t.writeLine(fields)
}

func (t *textSink) EndRows() error { return nil }

func (t *textSink) Done(changes int, lastInsertRowID int64) error {
	line := fmt.Sprintf("OK (changes=%d last_id=%d)\r\n", changes, lastInsertRowID)
	_, err := t.conn.Write([]byte(line))
	return err
}
