package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bvinc/go-sqlite-lite/sqlite3"

	"github.com/sqlitehub/sqlitehub/batch"
	"github.com/sqlitehub/sqlitehub/engine"
)

func newTestServer(t *testing.T, secret []byte) (*httptest.Server, *engine.Handle) {
	t.Helper()
	h, err := engine.Open(":memory:")
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	api := New(Config{
		Executor:    batch.New(h, time.Second),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		LockTimeout: time.Second,
		JWTSecret:   secret,
	})
	mux := http.NewServeMux()
	api.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, h
}

func postSQL(t *testing.T, url, sql string) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/sql", "application/json",
		strings.NewReader(`{"sql":`+mustJSON(t, sql)+`}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

type envelope struct {
	Results []json.RawMessage `json:"results"`
	Error   *string           `json:"error"`
}

func decodeEnvelope(t *testing.T, resp *http.Response) envelope {
	t.Helper()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestPostSQLBatch(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	env := decodeEnvelope(t, postSQL(t, ts.URL,
		"CREATE TABLE t(a,b); INSERT INTO t VALUES(1,'x'); SELECT * FROM t;"))
	if env.Error != nil {
		t.Fatalf("error = %q, want null", *env.Error)
	}
	if len(env.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(env.Results))
	}

	var ins struct {
		Type            string `json:"type"`
		Changes         int    `json:"changes"`
		LastInsertRowID int64  `json:"last_insert_rowid"`
	}
	if err := json.Unmarshal(env.Results[1], &ins); err != nil {
		t.Fatalf("decode insert outcome: %v", err)
	}
	if ins.Type != "ok" || ins.Changes != 1 || ins.LastInsertRowID != 1 {
		t.Errorf("insert outcome = %+v", ins)
	}

	var sel struct {
		Type    string              `json:"type"`
		Columns []string            `json:"columns"`
		Rows    [][]json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(env.Results[2], &sel); err != nil {
		t.Fatalf("decode select outcome: %v", err)
	}
	if sel.Type != "select" || len(sel.Columns) != 2 || sel.Columns[0] != "a" {
		t.Errorf("select outcome = %+v", sel)
	}
	if len(sel.Rows) != 1 || string(sel.Rows[0][0]) != "1" || string(sel.Rows[0][1]) != `"x"` {
		t.Errorf("rows = %v, want [[1,\"x\"]]", sel.Rows)
	}
}

func TestPostSQLErrorMidBatch(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	env := decodeEnvelope(t, postSQL(t, ts.URL,
		"CREATE TABLE t(a); INSERT INTO t VALUES(1); NOT SQL;"))
	if env.Error == nil {
		t.Fatal("want error string in envelope")
	}
	if len(env.Results) != 2 {
		t.Errorf("results before failure = %d, want 2", len(env.Results))
	}
}

func TestPostSQLBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		wantStatus  int
	}{
		{"get", http.MethodGet, "application/json", "", http.StatusMethodNotAllowed},
		{"wrong content type", http.MethodPost, "text/plain", `{"sql":"SELECT 1"}`, http.StatusBadRequest},
		{"invalid json", http.MethodPost, "application/json", "{", http.StatusBadRequest},
		{"missing sql", http.MethodPost, "application/json", `{"sql":""}`, http.StatusBadRequest},
		{"oversized body", http.MethodPost, "application/json",
			`{"sql":"` + strings.Repeat("x", MaxBodyBytes+1) + `"}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, ts.URL+"/sql", strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			req.Header.Set("Content-Type", tc.contentType)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestPostSQLBusy(t *testing.T) {
	ts, h := newTestServer(t, nil)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.WithExclusive(5*time.Second, func(conn *sqlite3.Conn) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	resp := postSQL(t, ts.URL, "SELECT 1")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestBearerAuth(t *testing.T) {
	secret := []byte("test-secret-0123456789abcdef0123")
	ts, _ := newTestServer(t, secret)

	// No token.
	resp := postSQL(t, ts.URL, "SELECT 1")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Garbage token.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sql", strings.NewReader(`{"sql":"SELECT 1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer not.a.token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp2.StatusCode)
	}

	// Minted token.
	token, err := NewToken(secret, "tester", time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	req3, _ := http.NewRequest(http.MethodPost, ts.URL+"/sql", strings.NewReader(`{"sql":"SELECT 1"}`))
	req3.Header.Set("Content-Type", "application/json")
	req3.Header.Set("Authorization", "Bearer "+token)
	resp3, err := http.DefaultClient.Do(req3)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp3.Body.Close()
	env := decodeEnvelope(t, resp3)
	if env.Error != nil || len(env.Results) != 1 {
		t.Errorf("envelope = %+v", env)
	}
}

func TestLoadSecretKeyGenerates(t *testing.T) {
	path := t.TempDir() + "/jwt.key"
	key, err := LoadSecretKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	again, err := LoadSecretKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if string(again) != string(key) {
		t.Error("reloaded key differs from generated key")
	}
}
