package console

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sqlitehub/sqlitehub/engine"
)

func startServer(t *testing.T) (*engine.Handle, string) {
	t.Helper()
	h, err := engine.Open(":memory:")
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(ln, Config{
		Handle:      h,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		LockTimeout: time.Second,
	})
	go srv.Serve()
	t.Cleanup(func() {
		srv.Close()
		<-srv.Done()
	})
	return h, ln.Addr().String()
}

type consoleClient struct {
	t    *testing.T
	conn net.Conn
}

// dial connects and consumes the banner up to the first prompt. Echo is
// switched off right away so command output can be asserted without the
// typed characters mixed in.
func dial(t *testing.T, addr string) *consoleClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &consoleClient{t: t, conn: conn}
	c.readUntilPrompt()
	c.command(".echo off")
	return c
}

// readUntilPrompt reads until the stream ends with the prompt, returning
// everything before it.
func (c *consoleClient) readUntilPrompt() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf []byte
	chunk := make([]byte, 512)
	for {
		n, err := c.conn.Read(chunk)
		if err != nil {
			c.t.Fatalf("read (have %q): %v", buf, err)
		}
		buf = append(buf, chunk[:n]...)
		if strings.HasSuffix(string(buf), promptText) {
			return strings.TrimSuffix(string(buf), promptText)
		}
	}
}

// command sends one line and returns the output printed before the next
// prompt.
func (c *consoleClient) command(line string) string {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	return c.readUntilPrompt()
}

func TestConsoleSQL(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	out := c.command("CREATE TABLE t(a,b);")
	if !strings.Contains(out, "OK (changes=") {
		t.Errorf("create output = %q", out)
	}
	out = c.command("INSERT INTO t VALUES(1,'x');")
	if !strings.Contains(out, "OK (changes=1 last_id=1)") {
		t.Errorf("insert output = %q", out)
	}
	out = c.command("SELECT * FROM t;")
	if !strings.Contains(out, "a|b\r\n") || !strings.Contains(out, "1|x\r\n") {
		t.Errorf("select output = %q", out)
	}
}

func TestConsoleSQLError(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	out := c.command("BOGUS STATEMENT;")
	if !strings.Contains(out, "ERR: ") {
		t.Errorf("error output = %q", out)
	}
}

func TestConsoleOutputOptions(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.command("CREATE TABLE t(a,b);")
	c.command("INSERT INTO t VALUES(1,'x');")

	c.command(".headers off")
	out := c.command("SELECT * FROM t;")
	if strings.Contains(out, "a|b") {
		t.Errorf("headers still present: %q", out)
	}

	c.command(".mode csv")
	out = c.command("SELECT * FROM t;")
	if !strings.Contains(out, "1,x\r\n") {
		t.Errorf("csv output = %q", out)
	}

	c.command(".mode tabs")
	out = c.command("SELECT * FROM t;")
	if !strings.Contains(out, "1\tx\r\n") {
		t.Errorf("tabs output = %q", out)
	}

	c.command(".mode list")
	c.command(".separator ;")
	out = c.command("SELECT * FROM t;")
	if !strings.Contains(out, "1;x\r\n") {
		t.Errorf("separator output = %q", out)
	}

	c.command(".nullvalue NA")
	out = c.command("SELECT NULL;")
	if !strings.Contains(out, "NA\r\n") {
		t.Errorf("nullvalue output = %q", out)
	}
}

func TestConsoleDotCommands(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.command("CREATE TABLE widgets(id);")

	out := c.command(".tables")
	if !strings.Contains(out, "widgets") {
		t.Errorf(".tables output = %q", out)
	}

	out = c.command(".schema widgets")
	if !strings.Contains(out, "CREATE TABLE widgets") {
		t.Errorf(".schema output = %q", out)
	}

	out = c.command(".dbinfo")
	if !strings.Contains(out, "SQLite version:") {
		t.Errorf(".dbinfo output = %q", out)
	}

	out = c.command(".help")
	if !strings.Contains(out, ".separator") {
		t.Errorf(".help output = %q", out)
	}

	out = c.command(".bogus")
	if !strings.Contains(out, "Unknown dot-command") {
		t.Errorf("unknown command output = %q", out)
	}

	out = c.command(".timeout 100")
	if !strings.Contains(out, "timeout 100 ms") {
		t.Errorf(".timeout output = %q", out)
	}
}

func TestConsoleQuit(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	if _, err := c.conn.Write([]byte(".quit\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(c.conn)
	if !strings.Contains(string(data), "bye") {
		t.Errorf("quit output = %q", data)
	}
}

func TestConsoleBackspaceEditing(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	// Type "SELECT 9;", back up over "9;", finish with "1;".
	out := c.command("SELECT 9;\x08\x08 1;")
	if !strings.Contains(out, "1\r\n") || strings.Contains(out, "9") {
		t.Errorf("edited line output = %q", out)
	}
}

func TestConsoleRead(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	path := filepath.Join(t.TempDir(), "init.sql")
	script := "CREATE TABLE t(a); INSERT INTO t VALUES(5);"
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	out := c.command(".read " + path)
	if !strings.Contains(out, "-- .read "+path) || !strings.Contains(out, "OK (changes=1") {
		t.Errorf(".read output = %q", out)
	}

	out = c.command("SELECT a FROM t;")
	if !strings.Contains(out, "5\r\n") {
		t.Errorf("select after .read = %q", out)
	}

	out = c.command(".read /nonexistent.sql")
	if !strings.Contains(out, "ERR: cannot open") {
		t.Errorf("missing file output = %q", out)
	}
}

func TestConsoleImport(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.command("CREATE TABLE people(name, age);")

	path := filepath.Join(t.TempDir(), "people.csv")
	data := "name,age\nalice,30\n\"bob, jr\",25\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	out := c.command(".import --csv --skip 1 " + path + " people")
	if !strings.Contains(out, "Imported 2 rows into people") {
		t.Fatalf(".import output = %q", out)
	}

	out = c.command("SELECT name FROM people ORDER BY name;")
	if !strings.Contains(out, "alice\r\n") || !strings.Contains(out, "bob, jr\r\n") {
		t.Errorf("select after import = %q", out)
	}

	out = c.command(".import --csv " + path + " nosuchtable")
	if !strings.Contains(out, "ERR: ") {
		t.Errorf("import into missing table = %q", out)
	}

	out = c.command(".import bad$name " + path)
	if !strings.Contains(out, "ERR: invalid table name") {
		t.Errorf("bad table name output = %q", out)
	}
}
