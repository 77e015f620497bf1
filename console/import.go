package console

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	"github.com/bvinc/go-sqlite-lite/sqlite3"

	"github.com/sqlitehub/sqlitehub/engine"
	"github.com/sqlitehub/sqlitehub/session"
)

type importOptions struct {
	csv       bool
	separator string
	skip      int
	file      string
	table     string
}

// parseImportArgs handles:
//
//	.import [--csv] [--tabs] [--separator X] [--skip N] <file> <table>
func (c *client) parseImportArgs(args string) (importOptions, bool) {
	opts := importOptions{separator: c.sess.Options.Separator}
	if c.sess.Options.Mode == session.ModeTabs {
		opts.separator = "\t"
	}

	tokens := strings.Fields(args)
	i := 0
options:
	for ; i < len(tokens); i++ {
		switch tokens[i] {
		case "--csv":
			opts.csv = true
		case "--tabs":
			opts.csv = false
			opts.separator = "\t"
		case "--separator":
			if i+1 >= len(tokens) {
				c.send("Usage: .import --separator X <file> <table>\r\n")
				return opts, false
			}
			i++
			opts.separator = tokens[i]
			opts.csv = false
		case "--skip":
			if i+1 >= len(tokens) {
				c.send("Usage: .import --skip N <file> <table>\r\n")
				return opts, false
			}
			i++
			n, err := strconv.Atoi(tokens[i])
			if err == nil && n > 0 {
				opts.skip = n
			}
		default:
			break options
		}
	}
	if len(tokens)-i < 2 {
		c.send("Usage: .import [--csv] [--skip N] [--separator X] <file> <table>\r\n")
		return opts, false
	}
	opts.file = tokens[i]
	opts.table = tokens[i+1]
	return opts, true
}

// isIdentifierLike is a minimal check to keep the table name out of
// injection territory, since it is spliced into the INSERT text.
func isIdentifierLike(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}

// dotImport loads delimited rows from a local file into a table, binding
// every field as text. The whole import runs in an explicit transaction
// under one lock hold and is rolled back on the first step failure.
func (c *client) dotImport(args string) {
	opts, ok := c.parseImportArgs(args)
	if !ok {
		return
	}
	if !isIdentifierLike(opts.table) {
		c.send("ERR: invalid table name (allowed: a-z A-Z 0-9 _ .)\r\n")
		return
	}

	records, err := c.readRecords(opts)
	if err != nil {
		c.sendf("ERR: cannot open %s\r\n", opts.file)
		return
	}
	if len(records) == 0 {
		c.send("ERR: empty file (after skip)\r\n")
		return
	}

	nfields := len(records[0])
	placeholders := strings.TrimSuffix(strings.Repeat("?,", nfields), ",")
	insertSQL := "INSERT INTO " + opts.table + " VALUES(" + placeholders + ");"

	rows := 0
	err = c.srv.cfg.Handle.WithExclusive(c.srv.cfg.LockTimeout, func(conn *sqlite3.Conn) error {
		if err := conn.Begin(); err != nil {
			return engine.WrapError(err)
		}
		stmt, err := conn.Prepare(insertSQL)
		if err != nil {
			_ = conn.Rollback()
			return engine.WrapError(err)
		}
		defer stmt.Close()

		args := make([]interface{}, nfields)
		for _, record := range records {
			if len(record) != nfields {
				c.sendf("WARN: column count mismatch (got %d expected %d), skipping row\r\n",
					len(record), nfields)
				continue
			}
			if err := stmt.Reset(); err != nil {
				_ = conn.Rollback()
				return engine.WrapError(err)
			}
			if err := stmt.ClearBindings(); err != nil {
				_ = conn.Rollback()
				return engine.WrapError(err)
			}
			for i, field := range record {
				args[i] = field
			}
			if err := stmt.Bind(args...); err != nil {
				_ = conn.Rollback()
				return engine.WrapError(err)
			}
			if err := stmt.StepToCompletion(); err != nil {
				_ = conn.Rollback()
				return engine.WrapError(err)
			}
			rows++
		}
		if err := conn.Commit(); err != nil {
			return engine.WrapError(err)
		}
		return nil
	})
	if err != nil {
		c.sendError(err)
		c.send("Import failed (rolled back)\r\n")
		return
	}
	c.sendf("Imported %d rows into %s\r\n", rows, opts.table)
}

// readRecords parses the input file into field records before any lock is
// taken. CSV input goes through encoding/csv (quoted fields, embedded
// separators); otherwise lines are split on the single-character separator.
func (c *client) readRecords(opts importOptions) ([][]string, error) {
	data, err := os.ReadFile(opts.file)
	if err != nil {
		return nil, err
	}

	if opts.csv {
		r := csv.NewReader(strings.NewReader(string(data)))
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return nil, err
		}
		if opts.skip < len(records) {
			return records[opts.skip:], nil
		}
		return nil, nil
	}

	sep := opts.separator
	if sep == "" {
		sep = "|"
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	var records [][]string
	for _, line := range lines {
		if line == "" {
			continue
		}
		records = append(records, strings.Split(line, sep))
	}
	if opts.skip < len(records) {
		return records[opts.skip:], nil
	}
	return nil, nil
}
