package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/labxstream/internal/engine"
	"github.com/coffersTech/labxstream/internal/model"
)

func TestPush(t *testing.T) {
	var mu sync.Mutex
	var got []model.LogEntry
	var headers []string

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/logs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var batch []model.LogEntry
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, batch...)
		headers = append(headers, r.Header.Get(RelayedHeader)+"|"+r.Header.Get("Authorization"))
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer ok.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	r := NewRelay([]string{ok.URL + "/", " ", down.URL}, "Bearer k", zerolog.Nop())
	if len(r.Peers) != 2 {
		t.Fatalf("peers = %v", r.Peers)
	}

	entries := []model.LogEntry{{ID: "a", Timestamp: time.Now(), Level: model.LevelInfo, Message: "m"}}
	failed := r.Push(context.Background(), entries)
	if len(failed) != 1 || failed[down.URL] == nil {
		t.Fatalf("failed = %v", failed)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("peer received %+v", got)
	}
	if headers[0] != "1|Bearer k" {
		t.Errorf("headers = %v", headers)
	}

	if failed := r.Push(context.Background(), nil); len(failed) != 0 {
		t.Errorf("empty batch failures = %v", failed)
	}
}

func TestStats(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(engine.SystemStats{
			TotalLogs:  5,
			LevelDist:  map[string]int64{"info": 5},
			LayerDist:  map[string]int64{"RRC": 5},
			Executions: map[string]int{"running": 1},
		})
	}))
	defer peer.Close()

	local := engine.SystemStats{
		TotalLogs:  2,
		LevelDist:  map[string]int64{"info": 1, "error": 1},
		LayerDist:  map[string]int64{"RRC": 2},
		Executions: map[string]int{"running": 1},
	}
	r := NewRelay([]string{peer.URL, "http://127.0.0.1:1"}, "", zerolog.Nop())
	r.Client.Timeout = time.Second

	total := r.Stats(context.Background(), local)
	if total.TotalLogs != 7 || total.LevelDist["info"] != 6 || total.LayerDist["RRC"] != 7 || total.Executions["running"] != 2 {
		t.Errorf("total = %+v", total)
	}
	if local.LevelDist["info"] != 1 {
		t.Error("local stats modified")
	}
}
