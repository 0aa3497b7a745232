package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/coffersTech/labxstream/internal/engine"
	"github.com/coffersTech/labxstream/internal/registry"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fixture struct {
	srv *Server
	eng *engine.Engine
	reg *registry.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg := registry.New()
	eng, err := engine.New(engine.Options{DataDir: t.TempDir(), Registry: reg})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	ws := registry.NewServer(reg, eng, registry.ServerOptions{})
	return &fixture{srv: New(eng, ws, opts), eng: eng, reg: reg}
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestIngest(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/api/logs", `{"id":"a","message":"RRCSetup","layer":"RRC","executionId":"E1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	got := decode(t, w)
	records, _ := got["records"].([]any)
	if got["accepted"] != float64(1) || len(records) != 1 {
		t.Fatalf("body = %v", got)
	}
	if r := records[0].(map[string]any); r["id"] != "a" || r["layer"] != "RRC" || r["level"] != "info" {
		t.Errorf("record = %v", r)
	}

	w = f.do(http.MethodPost, "/api/logs", `[{"id":"a","message":"dup","executionId":"E1"},{"id":"b","message":"new","executionId":"E1"}]`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	got = decode(t, w)
	records, _ = got["records"].([]any)
	if got["accepted"] != float64(1) || len(records) != 1 || records[0].(map[string]any)["id"] != "b" {
		t.Errorf("body = %v", got)
	}

	w = f.do(http.MethodPost, "/api/logs", `{"message":"generated"}`)
	records, _ = decode(t, w)["records"].([]any)
	if len(records) != 1 || records[0].(map[string]any)["id"] == "" {
		t.Errorf("generated id missing: %s", w.Body)
	}
	if n := f.eng.Recent("E1", 10); len(n) != 2 {
		t.Errorf("history has %d entries, want 2", len(n))
	}
}

func TestIngestValidation(t *testing.T) {
	f := newFixture(t, Options{MaxBodyBytes: 256})
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
		wantIndex float64
	}{
		{"invalid json", `{"message":`, http.StatusBadRequest, "", -1},
		{"empty batch", `[]`, http.StatusBadRequest, "", -1},
		{"missing message", `[{"message":"ok"},{"level":"info"}]`, http.StatusBadRequest, "message", 1},
		{"non-string level", `{"message":"m","level":3}`, http.StatusBadRequest, "level", 0},
		{"bad timestamp", `{"message":"m","timestamp":"yesterday-ish"}`, http.StatusBadRequest, "timestamp", 0},
		{"not an object", `["text"]`, http.StatusBadRequest, "", 0},
		{"too large", `{"message":"` + strings.Repeat("x", 300) + `"}`, http.StatusRequestEntityTooLarge, "", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, "/api/logs", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantCode, w.Body)
			}
			got := decode(t, w)
			if got["error"] == nil {
				t.Fatal("missing error")
			}
			if tt.wantIndex < 0 {
				return
			}
			details, _ := got["details"].([]any)
			if len(details) != 1 {
				t.Fatalf("details = %v", got["details"])
			}
			d := details[0].(map[string]any)
			if d["field"] != tt.wantField || d["index"] != tt.wantIndex {
				t.Errorf("detail = %v", d)
			}
		})
	}
	if f.eng.GetStats().TotalLogs != 0 {
		t.Error("rejected batches were ingested")
	}
}

func TestIngestKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, Options{IngestKeyHash: string(hash)})
	body := `{"message":"m"}`

	tests := []struct {
		name   string
		header []string
		path   string
		want   int
	}{
		{"missing", nil, "/api/logs", http.StatusUnauthorized},
		{"wrong", []string{"Authorization", "Bearer nope"}, "/api/logs", http.StatusUnauthorized},
		{"bearer", []string{"Authorization", "Bearer secret"}, "/api/logs", http.StatusCreated},
		{"cached", []string{"Authorization", "Bearer secret"}, "/api/logs", http.StatusCreated},
		{"query token", nil, "/api/logs?token=secret", http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tt.path, body, tt.header...)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate")
			}
		})
	}

	if w := f.do(http.MethodGet, "/api/stats", ""); w.Code != http.StatusOK {
		t.Errorf("stats status = %d", w.Code)
	}
}

// countingReader yields an open JSON string of n bytes and records how
// many bytes were read.
type countingReader struct {
	left, read int
}

func (r *countingReader) Read(p []byte) (int, error) {
	if r.left == 0 {
		return 0, io.EOF
	}
	n := min(len(p), r.left)
	for i := range p[:n] {
		p[i] = 'x'
		if r.read+i == 0 {
			p[i] = '"'
		}
	}
	r.left -= n
	r.read += n
	return n, nil
}

func TestRequestBodyBounded(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	const limit = 1024
	f := newFixture(t, Options{MaxBodyBytes: limit, IngestKeyHash: string(hash)})

	tests := []struct {
		name string
		path string
		auth bool
		want int
	}{
		{"unauthenticated ingest", "/api/logs", false, http.StatusUnauthorized},
		{"authenticated ingest", "/api/logs", true, http.StatusRequestEntityTooLarge},
		{"authenticated complete", "/api/executions/E1/complete", true, http.StatusRequestEntityTooLarge},
		{"unauthenticated start", "/api/executions", false, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &countingReader{left: 8 << 20}
			req := httptest.NewRequest(http.MethodPost, tt.path, body)
			req.Header.Set("Content-Type", "application/json")
			if tt.auth {
				req.Header.Set("Authorization", "Bearer secret")
			}
			w := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if body.read > limit+1 {
				t.Errorf("server read %d bytes of an %d byte body", body.read, 8<<20)
			}
		})
	}
}

func TestExecutionLifecycle(t *testing.T) {
	f := newFixture(t, Options{})

	w := f.do(http.MethodPost, "/api/executions", `{
		"testCaseId": "TC1",
		"testCaseData": {"expectedMessages": [{"id":"x1","layer":"RRC","messageName":"RRCSetupRequest","direction":"UL"}]}
	}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", w.Code, w.Body)
	}
	started := decode(t, w)
	id, _ := started["executionId"].(string)
	if !strings.HasPrefix(id, "exec_") || started["status"] != "running" || started["expectedMessages"] != float64(1) {
		t.Fatalf("started = %v", started)
	}

	logs := `[{"id":"l1","message":"RRCSetup","layer":"RRC","executionId":"` + id + `"},
		{"id":"l2","message":"RegistrationRequest","layer":"NAS","executionId":"` + id + `"}]`
	if w := f.do(http.MethodPost, "/api/logs", logs); w.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body)
	}

	w = f.do(http.MethodGet, "/api/executions/"+id, "")
	if got := decode(t, w); got["actualMessages"] != float64(2) || got["progress"] != float64(100) {
		t.Errorf("execution = %v", got)
	}

	w = f.do(http.MethodGet, "/api/executions/"+id+"/logs?layer=rrc", "")
	if got := decode(t, w); got["count"] != float64(2) {
		t.Errorf("rrc logs = %v", got)
	}

	w = f.do(http.MethodGet, "/api/executions/"+id+"/context/l1?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("context status = %d", w.Code)
	}
	ctxBody := decode(t, w)
	if ctxBody["anchor"].(map[string]any)["id"] != "l1" || len(ctxBody["pre"].([]any)) != 1 || len(ctxBody["post"].([]any)) != 1 {
		t.Errorf("context = %v", ctxBody)
	}

	w = f.do(http.MethodPost, "/api/executions/"+id+"/complete", `{"status":"failed","error":"timeout"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d: %s", w.Code, w.Body)
	}
	if got := decode(t, w); got["status"] != "failed" || got["error"] != "timeout" {
		t.Errorf("finished = %v", got)
	}

	if w := f.do(http.MethodPost, "/api/executions/"+id+"/complete", `{}`); w.Code != http.StatusConflict {
		t.Errorf("second complete = %d, want 409", w.Code)
	}

	w = f.do(http.MethodGet, "/api/executions/"+id+"/logs", "")
	if got := decode(t, w); got["count"] != float64(3) {
		t.Errorf("archived logs = %v", got)
	}

	w = f.do(http.MethodGet, "/api/executions?status=failed", "")
	if got := decode(t, w); got["count"] != float64(1) {
		t.Errorf("list = %v", got)
	}
}

func TestExecutionErrors(t *testing.T) {
	f := newFixture(t, Options{})
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown execution", http.MethodGet, "/api/executions/nope", "", http.StatusNotFound},
		{"unknown logs", http.MethodGet, "/api/executions/nope/logs", "", http.StatusNotFound},
		{"complete unknown", http.MethodPost, "/api/executions/nope/complete", `{}`, http.StatusNotFound},
		{"bad status", http.MethodPost, "/api/executions/nope/complete", `{"status":"paused"}`, http.StatusBadRequest},
		{"signal not object", http.MethodPost, "/api/executions", `[1]`, http.StatusBadRequest},
		{"bad query", http.MethodGet, "/api/executions/nope/logs?query=layer:", "", http.StatusBadRequest},
		{"missing context anchor", http.MethodGet, "/api/executions/nope/context/x", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := f.do(tt.method, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body)
			}
		})
	}
}

func TestHealthAndCORS(t *testing.T) {
	f := newFixture(t, Options{CORSOrigins: []string{"http://labx.local"}})

	w := f.do(http.MethodGet, "/health", "", "Origin", "http://labx.local")
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Fatalf("health = %d %s", w.Code, w.Body)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://labx.local" {
		t.Errorf("allow origin = %q", got)
	}
	if w := f.do(http.MethodGet, "/health", "", "Origin", "http://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("foreign origin = %d, want 403", w.Code)
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	f := newFixture(t, Options{})
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/execution/E9"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	read := func() *fastjson.Value {
		t.Helper()
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		v, err := fastjson.ParseBytes(msg)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return v
	}

	if v := read(); string(v.GetStringBytes("type")) != "connection" || string(v.GetStringBytes("executionId")) != "E9" {
		t.Fatalf("first frame = %s", v)
	}
	if f.reg.Count("E9") != 1 {
		t.Fatalf("registry count = %d", f.reg.Count("E9"))
	}

	resp, err := http.Post(ts.URL+"/api/logs", "application/json", strings.NewReader(`{"id":"w1","message":"hello","executionId":"E9"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	v := read()
	if string(v.GetStringBytes("type")) != "log" || string(v.GetStringBytes("payload", "id")) != "w1" {
		t.Errorf("log frame = %s", v)
	}
}
