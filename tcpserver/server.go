// Package tcpserver implements the line-oriented JSON-over-TCP
// prepared-statement protocol. Each connection owns one session; each
// inbound line is one request object, each response exactly one JSON object
// terminated by a newline.
package tcpserver

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/sqlitehub/sqlitehub/engine"
	"github.com/sqlitehub/sqlitehub/session"
)

// MaxLineBytes caps the size of a single request line.
const MaxLineBytes = 64 * 1024

// Config carries the server's collaborators and knobs.
type Config struct {
	Handle      *engine.Handle
	Logger      *slog.Logger
	LockTimeout time.Duration
}

// Server accepts TCP connections and runs one session goroutine per client.
type Server struct {
	listener net.Listener
	cfg      Config
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
	return &Server{listener: ln, cfg: cfg, doneCh: make(chan struct{})}
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

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess := session.New(s.cfg.Handle, s.cfg.LockTimeout)
	// Teardown must never be skipped: statement handles may not outlive
	// their session.
	defer sess.Close()

	log := s.cfg.Logger.With("session", sess.ID, "remote", conn.RemoteAddr().String())
	log.Info("client connected")
	defer log.Info("client disconnected")

	w := bufio.NewWriter(conn)
	if err := writeLine(w, helloResponse{OK: true, Hello: Greeting}); err != nil {
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), MaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(sess, line)
		if err := writeLine(w, resp); err != nil {
			log.Warn("write failed", "error", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("read failed", "error", err)
	}
}

func writeLine(w *bufio.Writer, resp interface{}) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return w.Flush()
}
