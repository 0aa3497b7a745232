package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coffersTech/labxstream/internal/model"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func entry(id string, layer model.Layer) model.LogEntry {
	return model.LogEntry{
		ID:        id,
		Timestamp: base,
		Level:     model.LevelInfo,
		Source:    "test",
		Layer:     layer,
		Protocol:  "5G_NR",
		Message:   "message " + id,
		Data:      map[string]any{},
	}
}

func keyed(id, exec string) model.LogEntry {
	e := entry(id, model.LayerOther)
	e.ExecutionID = exec
	return e
}

func ids(entries []model.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestAppendDedup(t *testing.T) {
	s := New(10)
	e := entry("a", model.LayerRRC)

	if !s.Append(e) {
		t.Fatal("first append rejected")
	}
	if s.Append(e) {
		t.Fatal("duplicate accepted")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
	if got, _ := s.Filter(Criteria{}); len(got) != 1 {
		t.Fatalf("Filter returned %d entries, want 1", len(got))
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	s := New(10)
	bad := entry("", model.LayerRRC)
	if s.Append(bad) {
		t.Fatal("entry without id accepted")
	}
	if s.State() != Idle {
		t.Fatal("invalid entry changed state")
	}
}

func TestIdleAdoptsFirstEntryKey(t *testing.T) {
	s := New(10)
	s.Append(keyed("a", "exec-A"))
	if s.State() != Active {
		t.Fatalf("state = %v, want active", s.State())
	}
	if s.Session().ExecutionID != "exec-A" {
		t.Fatalf("session = %+v", s.Session())
	}
}

func TestResetOnNewExecution(t *testing.T) {
	s := New(100)
	s.Begin(model.ExecutionSignal{ExecutionID: "A"})
	for i := 0; i < 5; i++ {
		s.Append(keyed(fmt.Sprintf("a%d", i), "A"))
	}

	if !s.Begin(model.ExecutionSignal{ExecutionID: "B"}) {
		t.Fatal("signal for a new execution did not reset")
	}
	want := []string{"b0", "b1", "b2"}
	for _, id := range want {
		s.Append(keyed(id, "B"))
	}

	got := ids(s.Snapshot())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	if s.Session().ExecutionID != "B" {
		t.Fatalf("session = %+v", s.Session())
	}
}

func TestBeginSameKeyKeepsBuffer(t *testing.T) {
	s := New(10)
	sig := model.ExecutionSignal{ExecutionID: "A", TestCaseID: "tc"}
	s.Begin(sig)
	s.Append(keyed("a", "A"))

	if s.Begin(sig) {
		t.Fatal("repeated signal reset the store")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestBeginPartialKeyResets(t *testing.T) {
	s := New(10)
	s.Begin(model.ExecutionSignal{ExecutionID: "A", TestCaseID: "tc1"})
	s.Append(keyed("a", "A"))

	if !s.Begin(model.ExecutionSignal{TestCaseID: "tc2"}) {
		t.Fatal("partial key change did not reset")
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
	if got := s.Session(); got != (model.SessionKey{TestCaseID: "tc2"}) {
		t.Fatalf("session = %+v", got)
	}
}

func TestBeginSeedsExpectedMessages(t *testing.T) {
	s := New(10)
	sig := model.ExecutionSignal{
		ExecutionID: "A",
		Timestamp:   base,
		ExpectedMessages: []model.ExpectedMessage{
			{MessageName: "RRCSetupRequest", Layer: "RRC"},
			{MessageName: "RRCSetup", Layer: "RRC", Direction: "DL"},
		},
	}
	s.Begin(sig)
	s.Begin(sig)

	got := s.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (seeds deduplicated)", len(got))
	}
	if got[0].Source != SeedSource || got[1].Direction != model.DirectionDL {
		t.Errorf("seeds = %+v", got)
	}
}

func TestCapacityBound(t *testing.T) {
	const capacity, total = 5, 12
	s := New(capacity)
	for i := 0; i < total; i++ {
		s.Append(entry(fmt.Sprintf("e%02d", i), model.LayerOther))
	}

	got := ids(s.Snapshot())
	want := []string{"e07", "e08", "e09", "e10", "e11"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
}

func TestEvictedIDCanReturn(t *testing.T) {
	s := New(2)
	s.Append(entry("a", model.LayerOther))
	s.Append(entry("b", model.LayerOther))
	s.Append(entry("c", model.LayerOther))

	if !s.Append(entry("a", model.LayerOther)) {
		t.Fatal("evicted id should be accepted again")
	}
	if got := ids(s.Snapshot()); fmt.Sprint(got) != "[c a]" {
		t.Fatalf("entries = %v", got)
	}
}

func TestThousandFiveEntries(t *testing.T) {
	s := New(1000)
	all := make([]model.LogEntry, 1005)
	for i := range all {
		all[i] = entry(fmt.Sprintf("log-%04d", i), model.LayerOther)
		s.Append(all[i])
	}

	got := s.Snapshot()
	if len(got) != 1000 {
		t.Fatalf("len = %d, want 1000", len(got))
	}
	if got[0].ID != all[5].ID {
		t.Fatalf("first = %s, want %s", got[0].ID, all[5].ID)
	}
	if got[999].ID != all[1004].ID {
		t.Fatalf("last = %s, want %s", got[999].ID, all[1004].ID)
	}
}

func TestClearAndReset(t *testing.T) {
	s := New(10)
	s.Append(keyed("a", "A"))

	s.Clear()
	if s.Len() != 0 || s.State() != Active || s.Session().ExecutionID != "A" {
		t.Fatalf("after Clear: len=%d state=%v session=%+v", s.Len(), s.State(), s.Session())
	}
	if !s.Append(keyed("a", "A")) {
		t.Fatal("id should be accepted after Clear")
	}

	s.Reset()
	if s.Len() != 0 || s.State() != Idle || !s.Session().IsZero() {
		t.Fatalf("after Reset: len=%d state=%v session=%+v", s.Len(), s.State(), s.Session())
	}
}

func TestSubscribe(t *testing.T) {
	s := New(10)
	var events []Event
	cancel := s.Subscribe(func(ev Event) { events = append(events, ev) })

	s.Append(entry("a", model.LayerOther))
	s.Append(entry("a", model.LayerOther))
	s.Begin(model.ExecutionSignal{ExecutionID: "B"})
	s.Clear()
	cancel()
	cancel()
	s.Append(entry("b", model.LayerOther))

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Kind != EventAppended || events[1].Kind != EventReset || events[2].Kind != EventCleared {
		t.Errorf("kinds = %v %v %v", events[0].Kind, events[1].Kind, events[2].Kind)
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := New(50)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Append(entry(fmt.Sprintf("w%d-%d", w, i), model.LayerOther))
				_ = s.Snapshot()
			}
		}(w)
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("Len = %d, want 50", s.Len())
	}
}
