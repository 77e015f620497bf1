package tcpserver

import (
	"encoding/json"
)

// Greeting is the first line sent on every connection.
const Greeting = "sqlite-tcp-v1"

// Request is one inbound JSON line. Fields beyond Op are op-specific.
type Request struct {
	Op         string          `json:"op"`
	SQL        string          `json:"sql,omitempty"`
	Stmt       int             `json:"stmt,omitempty"`
	Index      int             `json:"index,omitempty"`
	Type       string          `json:"type,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	ClearBinds *bool           `json:"clear_binds,omitempty"`
}

// ErrorInfo is the error object carried by failed responses.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	OK    bool      `json:"ok"`
	Error ErrorInfo `json:"error"`
}

type helloResponse struct {
	OK    bool   `json:"ok"`
	Hello string `json:"hello"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type pongResponse struct {
	OK   bool `json:"ok"`
	Pong bool `json:"pong"`
}

type execResponse struct {
	OK              bool  `json:"ok"`
	Changes         int   `json:"changes"`
	TotalChanges    int   `json:"total_changes"`
	LastInsertRowID int64 `json:"last_insert_rowid"`
}

type prepareResponse struct {
	OK       bool     `json:"ok"`
	Stmt     int      `json:"stmt"`
	Cols     int      `json:"cols"`
	ColNames []string `json:"col_names"`
}

// stepRowResponse renders every non-NULL cell as display text, with the
// actual storage class in the parallel Types array. Blobs are base64 so
// binary data is not mangled.
type stepRowResponse struct {
	OK    bool          `json:"ok"`
	Row   []interface{} `json:"row"`
	Types []string      `json:"types"`
}

type stepDoneResponse struct {
	OK   bool `json:"ok"`
	Done bool `json:"done"`
}

func errResp(code int, message string) errorResponse {
	return errorResponse{Error: ErrorInfo{Code: code, Message: message}}
}
