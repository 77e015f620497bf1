package console

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bvinc/go-sqlite-lite/sqlite3"

	"github.com/sqlitehub/sqlitehub/engine"
	"github.com/sqlitehub/sqlitehub/session"
)

const readMaxBytes = 256 * 1024

const helpText = "Dot commands:\r\n" +
	"  .help\r\n" +
	"  .quit | .exit\r\n" +
	"  .tables\r\n" +
	"  .schema [table]\r\n" +
	"  .headers on|off\r\n" +
	"  .mode list|csv|tabs\r\n" +
	"  .separator <sep>\r\n" +
	"  .nullvalue <text>\r\n" +
	"  .timeout <ms>\r\n" +
	"  .echo on|off\r\n" +
	"  .dbinfo\r\n" +
	"  .read <file.sql>\r\n" +
	"  .import [--csv] [--tabs] [--separator X] [--skip N] <file> <table>\r\n" +
	"\r\n" +
	"Notes:\r\n" +
	"  - .read reads up to 256KB per file.\r\n" +
	"  - .import uses VALUES(...) and binds all fields as TEXT.\r\n" +
	"  - Use --skip 1 for CSV header lines.\r\n"

// handleDot dispatches one dot-command line. Returns false when the client
// asked to quit.
func (c *client) handleDot(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	opts := &c.sess.Options

	switch cmd {
	case ".help", ".?":
		c.send(helpText)

	case ".quit", ".exit":
		c.send("bye\r\n")
		return false

	case ".tables":
		c.execSQL("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name;")

	case ".schema":
		if rest == "" {
			c.execSQL("SELECT sql FROM sqlite_master WHERE sql IS NOT NULL ORDER BY name;")
		} else {
			c.queryWithArg("SELECT sql FROM sqlite_master WHERE sql IS NOT NULL AND name=?;", rest)
		}

	case ".headers":
		c.toggleOption(rest, ".headers", &opts.Headers)

	case ".mode":
		switch rest {
		case "":
			c.sendf("mode %s\r\n", opts.Mode)
		case "list":
			opts.Mode = session.ModeList
		case "csv":
			opts.Mode = session.ModeCSV
			opts.Separator = ","
		case "tabs":
			opts.Mode = session.ModeTabs
		default:
			c.send("Usage: .mode list|csv|tabs\r\n")
		}

	case ".separator":
		if rest == "" {
			c.sendf("separator '%s'\r\n", opts.Separator)
		} else {
			opts.Separator = rest
		}

	case ".nullvalue":
		opts.NullValue = rest

	case ".timeout":
		ms, err := strconv.Atoi(rest)
		if rest == "" || err != nil {
			c.send("Usage: .timeout <ms>\r\n")
			break
		}
		if ms < 0 {
			ms = 0
		}
		if err := c.srv.cfg.Handle.SetBusyTimeout(c.srv.cfg.LockTimeout, time.Duration(ms)*time.Millisecond); err != nil {
			c.sendError(err)
			break
		}
		c.sendf("timeout %d ms\r\n", ms)

	case ".echo":
		c.toggleOption(rest, ".echo", &opts.Echo)

	case ".dbinfo":
		c.dbinfo()

	case ".read":
		c.dotRead(rest)

	case ".import":
		if rest == "" {
			c.send("Usage: .import [--csv] [--skip N] [--separator X] <file> <table>\r\n")
		} else {
			c.dotImport(rest)
		}

	default:
		c.send("Unknown dot-command. Try .help\r\n")
	}
	return true
}

func (c *client) toggleOption(arg, name string, target *bool) {
	switch arg {
	case "":
		state := "off"
		if *target {
			state = "on"
		}
		c.sendf("%s %s\r\n", strings.TrimPrefix(name, "."), state)
	case "on":
		*target = true
	case "off":
		*target = false
	default:
		c.sendf("Usage: %s on|off\r\n", name)
	}
}

// queryWithArg runs one parameterized query under the engine lock, rendering
// rows through the usual sink. Used by .schema, where the table name must be
// bound rather than spliced into the SQL.
func (c *client) queryWithArg(sql string, arg string) {
	sink := &textSink{conn: c.conn, opts: &c.sess.Options}
	err := c.srv.cfg.Handle.WithExclusive(c.srv.cfg.LockTimeout, func(conn *sqlite3.Conn) error {
		stmt, err := conn.Prepare(sql, arg)
		if err != nil {
			return engine.WrapError(err)
		}
		defer stmt.Close()

		if err := sink.BeginRows(stmt.ColumnNames()); err != nil {
			return err
		}
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return engine.WrapError(err)
			}
			if !hasRow {
				return sink.EndRows()
			}
			row, err := engine.RowValues(stmt)
			if err != nil {
				return err
			}
			if err := sink.Row(row); err != nil {
				return err
			}
		}
	})
	if err != nil {
		c.sendError(err)
	}
}

func (c *client) dbinfo() {
	err := c.srv.cfg.Handle.WithExclusive(c.srv.cfg.LockTimeout, func(conn *sqlite3.Conn) error {
		stmt, err := conn.Prepare("SELECT sqlite_version();")
		if err != nil {
			return engine.WrapError(err)
		}
		defer stmt.Close()
		if _, err := stmt.Step(); err != nil {
			return engine.WrapError(err)
		}
		version, _, err := stmt.ColumnText(0)
		if err != nil {
			return engine.WrapError(err)
		}
		c.sendf("SQLite version: %s\r\n", version)
		c.sendf("changes=%d last_insert_rowid=%d\r\n", conn.Changes(), conn.LastInsertRowID())
		return nil
	})
	if err != nil {
		c.sendError(err)
	}
}

// dotRead executes a SQL script from a local file, capped at 256 KiB.
func (c *client) dotRead(path string) {
	if path == "" {
		c.send("Usage: .read /path/init.sql\r\n")
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		c.sendf("ERR: cannot open %s\r\n", path)
		return
	}
	if info.Size() > readMaxBytes {
		c.sendf("ERR: file too large (%d bytes, max %d)\r\n", info.Size(), readMaxBytes)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.sendf("ERR: cannot open %s\r\n", path)
		return
	}
	c.sendf("-- .read %s (%d bytes)\r\n", path, len(data))
	c.execSQL(string(data))
}
