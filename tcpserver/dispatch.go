package tcpserver

import (
	"encoding/json"
	"errors"

	"github.com/bvinc/go-sqlite-lite/sqlite3"

	"github.com/sqlitehub/sqlitehub/engine"
	"github.com/sqlitehub/sqlitehub/session"
)

func (s *Server) dispatch(sess *session.Session, line []byte) interface{} {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errResp(400, "invalid json")
	}

	switch req.Op {
	case "ping":
		return s.handlePing()
	case "exec":
		return s.handleExec(req)
	case "prepare":
		return s.handlePrepare(sess, req)
	case "bind":
		return s.handleBind(sess, req)
	case "step":
		return s.handleStep(sess, req)
	case "reset":
		return s.handleReset(sess, req)
	case "finalize":
		return s.handleFinalize(sess, req)
	case "":
		return errResp(400, "missing op")
	default:
		return errResp(501, "unknown op")
	}
}

// handlePing proves liveness of the engine, not just the connection: it
// acquires and releases the lock so a client sees "busy" instead of a
// misleading pong while another session holds the database.
func (s *Server) handlePing() interface{} {
	err := s.cfg.Handle.WithExclusive(s.cfg.LockTimeout, func(conn *sqlite3.Conn) error {
		return nil
	})
	if err != nil {
		return errorFor(err)
	}
	return pongResponse{OK: true, Pong: true}
}

// handleExec runs full SQL text through the engine's one-shot path: no row
// streaming, just the mutation counters.
func (s *Server) handleExec(req Request) interface{} {
	if req.SQL == "" {
		return errResp(400, "missing sql")
	}
	res, err := s.cfg.Handle.Exec(s.cfg.LockTimeout, req.SQL)
	if err != nil {
		return errorFor(err)
	}
	return execResponse{
		OK:              true,
		Changes:         res.Changes,
		TotalChanges:    res.TotalChanges,
		LastInsertRowID: res.LastInsertRowID,
	}
}

func (s *Server) handlePrepare(sess *session.Session, req Request) interface{} {
	if req.SQL == "" {
		return errResp(400, "missing sql")
	}
	prepared, err := sess.Registry.Prepare(req.SQL)
	if err != nil {
		return errorFor(err)
	}
	names := prepared.ColNames
	if names == nil {
		names = []string{}
	}
	return prepareResponse{OK: true, Stmt: prepared.ID, Cols: prepared.Cols, ColNames: names}
}

func (s *Server) handleBind(sess *session.Session, req Request) interface{} {
	if req.Stmt <= 0 || req.Index <= 0 || req.Type == "" {
		return errResp(400, "missing stmt/index/type")
	}
	value, err := parseBindValue(req.Type, req.Value)
	if err != nil {
		return errorFor(err)
	}
	if err := sess.Registry.Bind(req.Stmt, req.Index, value); err != nil {
		return errorFor(err)
	}
	return okResponse{OK: true}
}

// parseBindValue maps the wire {type,value} pair onto the registry's tagged
// variant. Any shape outside null/int/double/text is a type mismatch and
// never reaches the engine.
func parseBindValue(typ string, raw json.RawMessage) (session.BindValue, error) {
	switch typ {
	case "null":
		return session.BindValue{Type: session.BindNull}, nil
	case "int":
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return session.BindValue{}, session.ErrTypeMismatch
		}
		i, err := n.Int64()
		if err != nil {
			// A fractional number still binds as int, truncated, the
			// way sqlite3_bind_int64 on a double-cast would.
			f, ferr := n.Float64()
			if ferr != nil {
				return session.BindValue{}, session.ErrTypeMismatch
			}
			i = int64(f)
		}
		return session.BindValue{Type: session.BindInt, Int: i}, nil
	case "double":
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return session.BindValue{}, session.ErrTypeMismatch
		}
		return session.BindValue{Type: session.BindDouble, Float: f}, nil
	case "text":
		var t string
		if err := json.Unmarshal(raw, &t); err != nil {
			return session.BindValue{}, session.ErrTypeMismatch
		}
		return session.BindValue{Type: session.BindText, Text: t}, nil
	default:
		return session.BindValue{}, session.ErrTypeMismatch
	}
}

func (s *Server) handleStep(sess *session.Session, req Request) interface{} {
	if req.Stmt <= 0 {
		return errResp(400, "missing stmt")
	}
	res, err := sess.Registry.Step(req.Stmt)
	if err != nil {
		return errorFor(err)
	}
	if res.Done {
		return stepDoneResponse{OK: true, Done: true}
	}
	row := make([]interface{}, len(res.Row))
	types := make([]string, len(res.Row))
	for i, v := range res.Row {
		types[i] = v.Type.String()
		if v.Type == engine.TypeNull {
			row[i] = nil
		} else {
			row[i] = v.Render("")
		}
	}
	return stepRowResponse{OK: true, Row: row, Types: types}
}

func (s *Server) handleReset(sess *session.Session, req Request) interface{} {
	if req.Stmt <= 0 {
		return errResp(400, "missing stmt")
	}
	clear := true
	if req.ClearBinds != nil {
		clear = *req.ClearBinds
	}
	if err := sess.Registry.Reset(req.Stmt, clear); err != nil {
		return errorFor(err)
	}
	return okResponse{OK: true}
}

func (s *Server) handleFinalize(sess *session.Session, req Request) interface{} {
	if req.Stmt <= 0 {
		return errResp(400, "missing stmt")
	}
	if err := sess.Registry.Finalize(req.Stmt); err != nil {
		return errorFor(err)
	}
	return okResponse{OK: true}
}

// errorFor maps the error taxonomy onto wire codes: 400 protocol or type
// mismatch, 404 unknown statement, 409 slots exhausted, 503 lock timeout,
// 500 engine errors.
func errorFor(err error) errorResponse {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return errResp(404, "stmt not found")
	case errors.Is(err, session.ErrExhausted):
		return errResp(409, "no free stmt slots")
	case errors.Is(err, session.ErrTypeMismatch):
		return errResp(400, "type mismatch")
	case errors.Is(err, engine.ErrLockTimeout):
		return errResp(503, "database is busy")
	}
	var eerr *engine.Error
	if errors.As(err, &eerr) {
		return errResp(500, eerr.Error())
	}
	return errResp(500, err.Error())
}
