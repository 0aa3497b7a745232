package registry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/model"
)

type fakeBacklog struct {
	entries []model.LogEntry
}

func (b *fakeBacklog) Recent(executionID string, n int) []model.LogEntry {
	if len(b.entries) > n {
		return b.entries[len(b.entries)-n:]
	}
	return b.entries
}

func (b *fakeBacklog) Status(executionID string) (any, bool) {
	return map[string]any{"status": "running", "progress": 50}, true
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func readType(t *testing.T, ws *websocket.Conn) (string, *fastjson.Value) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	v, err := fastjson.ParseBytes(msg)
	if err != nil {
		t.Fatalf("parse %s: %v", msg, err)
	}
	return string(v.GetStringBytes("type")), v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestServerSubscribeAndBroadcast(t *testing.T) {
	reg := New()
	backlog := &fakeBacklog{}
	for i := 0; i < 25; i++ {
		backlog.entries = append(backlog.entries, model.LogEntry{ID: string(rune('A' + i)), Message: "m"})
	}
	s := NewServer(reg, backlog, ServerOptions{})
	srv := httptest.NewServer(s)
	defer srv.Close()

	ws := dial(t, srv, "?executionId=exec-1&testCaseId=tc-1")
	defer ws.Close()

	typ, v := readType(t, ws)
	if typ != "connection" || string(v.GetStringBytes("executionId")) != "exec-1" {
		t.Fatalf("first frame = %s", v)
	}
	waitFor(t, func() bool { return reg.Count("exec-1") == 1 })

	if err := ws.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatal(err)
	}
	if typ, _ := readType(t, ws); typ != "pong" {
		t.Fatalf("got %q, want pong", typ)
	}

	ws.WriteJSON(map[string]string{"type": "request_status"})
	typ, v = readType(t, ws)
	if typ != "execution_status" || string(v.GetStringBytes("status", "status")) != "running" {
		t.Fatalf("status frame = %s", v)
	}

	ws.WriteJSON(map[string]string{"type": "request_messages"})
	for i := 0; i < 20; i++ {
		if typ, _ := readType(t, ws); typ != "log" {
			t.Fatalf("replay frame %d type = %q", i, typ)
		}
	}
	typ, v = readType(t, ws)
	if typ != "execution_messages" || v.GetInt("count") != 20 {
		t.Fatalf("replay summary = %s", v)
	}

	n, err := reg.Broadcast("exec-1", map[string]any{"type": "log", "payload": map[string]any{"message": "live"}})
	if err != nil || n != 1 {
		t.Fatalf("broadcast n=%d err=%v", n, err)
	}
	typ, v = readType(t, ws)
	if typ != "log" || string(v.GetStringBytes("payload", "message")) != "live" {
		t.Fatalf("broadcast frame = %s", v)
	}

	ws.Close()
	waitFor(t, func() bool { return reg.Len() == 0 && s.Live() == 0 })
}

func TestServerRejectsMissingKey(t *testing.T) {
	reg := New()
	srv := httptest.NewServer(NewServer(reg, nil, ServerOptions{}))
	defer srv.Close()

	ws := dial(t, srv, "")
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err = %v, want close 1008", err)
	}
	if reg.Len() != 0 {
		t.Fatal("keyless connection registered")
	}
}

func TestServerSweepClosesIdle(t *testing.T) {
	reg := New()
	s := NewServer(reg, nil, ServerOptions{IdleTimeout: time.Minute})
	srv := httptest.NewServer(s)
	defer srv.Close()

	ws := dial(t, srv, "?testCaseId=tc-9")
	defer ws.Close()
	readType(t, ws)
	waitFor(t, func() bool { return reg.Count("tc-9") == 1 })

	if n := s.Sweep(time.Now()); n != 0 {
		t.Fatalf("fresh connection swept: %d", n)
	}
	if typ, _ := readType(t, ws); typ != "heartbeat" {
		t.Fatalf("got %q, want heartbeat", typ)
	}

	if n := s.Sweep(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	waitFor(t, func() bool { return reg.Len() == 0 })
}

func TestServerShutdownClosesSubscribers(t *testing.T) {
	reg := New()
	srv := httptest.NewServer(NewServer(reg, nil, ServerOptions{}))
	defer srv.Close()

	ws := dial(t, srv, "?executionId=e")
	defer ws.Close()
	readType(t, ws)
	waitFor(t, func() bool { return reg.Count("e") == 1 })

	reg.Close()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}
