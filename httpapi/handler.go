// Package httpapi exposes the batch executor over HTTP: one POST /sql
// request is one batch, with no session state. The response body is
// streamed as outcomes are produced rather than buffered.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sqlitehub/sqlitehub/batch"
	"github.com/sqlitehub/sqlitehub/engine"
)

// MaxBodyBytes caps the request body size.
const MaxBodyBytes = 64 * 1024

// Config carries the server's collaborators and knobs.
type Config struct {
	Executor    *batch.Executor
	Logger      *slog.Logger
	LockTimeout time.Duration

	// JWTSecret enables bearer-token auth on /sql when non-empty.
	JWTSecret []byte
}

// Server handles the JSON-over-HTTP surface.
type Server struct {
	cfg Config
}

// New creates the HTTP adapter.
func New(cfg Config) *Server {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = engine.DefaultLockTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Register installs the /sql route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	handler := s.handleSQL
	if len(s.cfg.JWTSecret) > 0 {
		handler = requireBearer(s.cfg.JWTSecret, handler)
	}
	mux.HandleFunc("/sql", handler)
}

type sqlRequest struct {
	SQL string `json:"sql"`
}

func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusBadRequest)
		return
	}
	if r.ContentLength > MaxBodyBytes {
		http.Error(w, "bad body size", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		http.Error(w, "bad body size", http.StatusBadRequest)
		return
	}
	var req sqlRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SQL == "" {
		http.Error(w, "missing sql", http.StatusBadRequest)
		return
	}

	sink := newResponseSink(w)
	execErr := s.cfg.Executor.Execute(req.SQL, sink)

	if execErr != nil && !sink.started {
		// Nothing streamed yet; a lock timeout can still get an honest
		// status code.
		if errors.Is(execErr, engine.ErrLockTimeout) {
			http.Error(w, "database is busy", http.StatusServiceUnavailable)
			return
		}
	}
	if err := sink.finish(execErr); err != nil {
		s.cfg.Logger.Warn("response write failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	if execErr != nil {
		s.cfg.Logger.Info("batch failed", "error", execErr, "remote", r.RemoteAddr)
	}
}

// responseSink streams {"results":[...],"error":...} into the response body
// chunk by chunk. The envelope opens lazily on the first outcome so that
// errors raised before any output can still use a plain HTTP status.
type responseSink struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	started  bool
	firstOut bool
	firstRow bool
	err      error
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	flusher, _ := w.(http.Flusher)
	return &responseSink{w: w, flusher: flusher, firstOut: true}
}

func (s *responseSink) write(chunk string) error {
	if s.err != nil {
		return s.err
	}
	if !s.started {
		s.started = true
		s.w.Header().Set("Content-Type", "application/json")
		if _, err := io.WriteString(s.w, `{"results":[`); err != nil {
			s.err = err
			return err
		}
	}
	if _, err := io.WriteString(s.w, chunk); err != nil {
		s.err = err
		return err
	}
	return nil
}

func (s *responseSink) outcomePrefix() string {
	if s.firstOut {
		s.firstOut = false
		return ""
	}
	return ","
}

func (s *responseSink) BeginRows(cols []string) error {
	names, err := json.Marshal(cols)
	if err != nil {
		return err
	}
	s.firstRow = true
	return s.write(s.outcomePrefix() + `{"type":"select","columns":` + string(names) + `,"rows":[`)
}

func (s *responseSink) Row(vals []engine.Value) error {
	cells := make([]interface{}, len(vals))
	for i, v := range vals {
		cells[i] = v.JSON()
	}
	row, err := json.Marshal(cells)
	if err != nil {
		return err
	}
	prefix := ","
	if s.firstRow {
		s.firstRow = false
		prefix = ""
	}
	if err := s.write(prefix + string(row)); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *responseSink) EndRows() error {
	return s.write(`]}`)
}

func (s *responseSink) Done(changes int, lastInsertRowID int64) error {
	out, err := json.Marshal(struct {
		Type            string `json:"type"`
		Changes         int    `json:"changes"`
		LastInsertRowID int64  `json:"last_insert_rowid"`
	}{"ok", changes, lastInsertRowID})
	if err != nil {
		return err
	}
	return s.write(s.outcomePrefix() + string(out))
}

// finish closes the envelope, attaching execErr's message (or null).
func (s *responseSink) finish(execErr error) error {
	errJSON := "null"
	if execErr != nil {
		msg, err := json.Marshal(execErr.Error())
		if err != nil {
			return err
		}
		errJSON = string(msg)
	}
	if err := s.write(`],"error":` + errJSON + `}`); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
