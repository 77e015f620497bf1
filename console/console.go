// Package console implements the interactive line-mode terminal protocol:
// dot-commands plus raw SQL lines, rendered as delimited text. Telnet option
// negotiation is a transport concern handled (or not) in front of this
// server; the loop here only deals with line editing, echo and dispatch.
// Every SQL execution and option mutation goes through the same engine lock
// as the other adapters.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/sqlitehub/sqlitehub/batch"
	"github.com/sqlitehub/sqlitehub/engine"
	"github.com/sqlitehub/sqlitehub/session"
)

const banner = "\r\nsqlitehub console\r\n" +
	"Dot commands: .help  | SQL: type statements directly\r\n\r\n"

const promptText = "sqlite> "

// Config carries the server's collaborators and knobs.
type Config struct {
	Handle      *engine.Handle
	Logger      *slog.Logger
	LockTimeout time.Duration
}

// Server accepts console connections, one session goroutine per client.
type Server struct {
	listener net.Listener
	cfg      Config
	exec     *batch.Executor
	doneCh   chan struct{}
}

// New wires the engine handle to a net.Listener.
func New(ln net.Listener, cfg Config) *Server {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = engine.DefaultLockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		listener: ln,
		cfg:      cfg,
		exec:     batch.New(cfg.Handle, cfg.LockTimeout),
		doneCh:   make(chan struct{}),
	}
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			break
		}
		go s.handleConn(conn)
	}
	close(s.doneCh)
}

// Done closes when Serve has exited.
func (s *Server) Done() <-chan struct{} { return s.doneCh }

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// client is the per-connection state: the session (statement registry plus
// formatting options) and the input line buffer.
type client struct {
	conn net.Conn
	srv  *Server
	sess *session.Session
	log  *slog.Logger
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	c := &client{
		conn: conn,
		srv:  s,
		sess: session.New(s.cfg.Handle, s.cfg.LockTimeout),
	}
	defer c.sess.Close()

	c.log = s.cfg.Logger.With("session", c.sess.ID, "remote", conn.RemoteAddr().String())
	c.log.Info("console client connected")
	defer c.log.Info("console client disconnected")

	c.send(banner)
	c.prompt()

	reader := bufio.NewReader(conn)
	line := make([]byte, 0, 512)
	prevCR := false
	for {
		ch, err := reader.ReadByte()
		if err != nil {
			return
		}

		if ch == '\n' && prevCR {
			prevCR = false
			continue
		}
		prevCR = ch == '\r'

		switch {
		case ch == '\r' || ch == '\n':
			c.send("\r\n")
			text := strings.TrimSpace(string(line))
			line = line[:0]
			if text != "" && !c.handleLine(text) {
				return
			}
			c.prompt()
		case ch == 0x08 || ch == 0x7f: // backspace
			if len(line) > 0 {
				line = line[:len(line)-1]
				if c.sess.Options.Echo {
					c.send("\b \b")
				}
			}
		case ch >= 0x20 && ch < 0x7f:
			if len(line) < 4096 {
				line = append(line, ch)
				if c.sess.Options.Echo {
					c.send(string(ch))
				}
			}
		default:
			// Control and negotiation bytes are not part of the line.
		}
	}
}

// handleLine dispatches one complete input line. Returns false when the
// client asked to quit.
func (c *client) handleLine(text string) bool {
	if strings.HasPrefix(text, ".") {
		return c.handleDot(text)
	}
	c.execSQL(text)
	return true
}

// execSQL runs raw SQL through the shared batch executor, rendering each
// outcome in the session's current output mode.
func (c *client) execSQL(sql string) {
	sink := &textSink{conn: c.conn, opts: &c.sess.Options}
	if err := c.srv.exec.Execute(sql, sink); err != nil {
		c.sendError(err)
	}
}

func (c *client) send(s string) {
	_, _ = c.conn.Write([]byte(s))
}

func (c *client) sendf(format string, args ...interface{}) {
	c.send(fmt.Sprintf(format, args...))
}

func (c *client) sendError(err error) {
	if errors.Is(err, engine.ErrLockTimeout) {
		c.send("ERR: database is busy\r\n")
		return
	}
	c.sendf("ERR: %s\r\n", err.Error())
}

func (c *client) prompt() {
	c.send(promptText)
}
