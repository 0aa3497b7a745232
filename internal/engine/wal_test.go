package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coffersTech/labxstream/internal/model"
)

func TestWALReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.wal")
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(entry("a", "X", 0), entry("b", "X", time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := w.Replay()
	if err != nil || len(got) != 2 || got[1].ID != "b" || !got[1].Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("Replay = %+v, %v", got, err)
	}

	// Appending after a replay still lands at the end.
	if err := w.Write(entry("c", "X", 0)); err != nil {
		t.Fatal(err)
	}
	if got, _ := w.Replay(); len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}

	if err := w.Reset(); err != nil {
		t.Fatal(err)
	}
	if got, _ := w.Replay(); len(got) != 0 {
		t.Fatalf("len after Reset = %d", len(got))
	}
	if err := w.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file not removed")
	}
}

func TestWALTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")
	w, _ := OpenWAL(path)
	_ = w.Write(entry("a", "X", 0))
	w.Close()

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte{200, 0, 0, 0, '{'})
	f.Close()

	w, _ = OpenWAL(path)
	defer w.Close()
	got, err := w.Replay()
	if err == nil {
		t.Fatal("torn record not reported")
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestHistory(t *testing.T) {
	h := NewHistory(2)
	h.Append(entry("a", "X", 0))
	h.Append(entry("b", "X", 0))
	h.Append(entry("c", "X", 0))
	if h.Append(entry("c", "X", 0)) {
		t.Error("duplicate accepted")
	}
	h.Append(model.LogEntry{ID: "t", Timestamp: base, Level: model.LevelInfo, TestCaseID: "TC"})

	if got := h.Entries("X"); len(got) != 2 || got[0].ID != "b" {
		t.Errorf("entries = %+v", got)
	}
	if got := h.Recent("X", 1); len(got) != 1 || got[0].ID != "c" {
		t.Errorf("recent = %+v", got)
	}
	if got := h.Targets(); len(got) != 2 || got[0] != "TC" || got[1] != "X" {
		t.Errorf("targets = %v", got)
	}
	if dropped := h.Drop("X"); len(dropped) != 2 || h.Len("X") != 0 {
		t.Errorf("drop = %v", dropped)
	}
}
