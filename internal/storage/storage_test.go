package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coffersTech/labxstream/internal/model"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func sample() []model.LogEntry {
	mk := func(id string, offset time.Duration, layer model.Layer, msg string) model.LogEntry {
		return model.LogEntry{
			ID:          id,
			Timestamp:   base.Add(offset),
			Level:       model.LevelInfo,
			Source:      "gnb",
			Layer:       layer,
			Protocol:    "5G_NR",
			Message:     msg,
			Data:        map[string]any{"n": float64(1)},
			ExecutionID: "exec/1",
		}
	}
	return []model.LogEntry{
		mk("a", 2*time.Second, model.LayerRRC, "RRCSetupRequest"),
		mk("b", 0, model.LayerPHY, "PDSCH"),
		mk("c", 5*time.Second, model.LayerNAS, "Registration"),
	}
}

func writeSample(t *testing.T) (string, int64, int64) {
	t.Helper()
	sw, err := NewSegmentWriter()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "archive", "seg.labx")
	minTs, maxTs, err := sw.WriteSegment(path, sample())
	if err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}
	return path, minTs, maxTs
}

func TestSegmentRoundTrip(t *testing.T) {
	path, minTs, maxTs := writeSample(t)
	if minTs != base.UnixMilli() || maxTs != base.Add(5*time.Second).UnixMilli() {
		t.Fatalf("bounds = %d..%d", minTs, maxTs)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}

	sr, err := NewSegmentReader()
	if err != nil {
		t.Fatal(err)
	}
	footer, err := sr.ReadFooter(path)
	if err != nil {
		t.Fatal(err)
	}
	if footer.Rows != 3 || footer.MinTs != minTs || footer.MaxTs != maxTs {
		t.Fatalf("footer = %+v", footer)
	}

	got, err := sr.ReadSegment(path, Filter{})
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Fatalf("entries = %+v", got)
	}
	if !got[1].Timestamp.Equal(base) || got[1].Layer != model.LayerPHY || got[0].Data["n"] != float64(1) {
		t.Errorf("entry lost fields: %+v", got[1])
	}
}

func TestSegmentFilter(t *testing.T) {
	path, _, _ := writeSample(t)
	sr, _ := NewSegmentReader()

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"layer", Filter{Layer: model.LayerNAS}, 1},
		{"min time", Filter{MinTime: base.Add(time.Second).UnixMilli()}, 2},
		{"max time", Filter{MaxTime: base.UnixMilli()}, 1},
		{"window outside segment", Filter{MinTime: base.Add(time.Hour).UnixMilli()}, 0},
		{"predicate", Filter{Match: func(e model.LogEntry) bool { return e.Message == "PDSCH" }}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sr.ReadSegment(path, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestInvalidHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.labx")
	if err := os.WriteFile(path, []byte("NOTASEGMENTFILE-PADDING-PADDING"), 0644); err != nil {
		t.Fatal(err)
	}
	sr, _ := NewSegmentReader()
	if _, err := sr.ReadSegment(path, Filter{}); err != ErrInvalidHeader {
		t.Fatalf("err = %v, want ErrInvalidHeader", err)
	}
}

func TestEmptySegment(t *testing.T) {
	sw, _ := NewSegmentWriter()
	path := filepath.Join(t.TempDir(), "empty.labx")
	if _, _, err := sw.WriteSegment(path, nil); err != nil {
		t.Fatal(err)
	}
	sr, _ := NewSegmentReader()
	got, err := sr.ReadSegment(path, Filter{})
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestSegmentName(t *testing.T) {
	name := SegmentName("tc 1/exec_7", 100, 200)
	if name != "exec_tc-1-exec_7_100_200.labx" {
		t.Fatalf("name = %s", name)
	}
	id, minTs, maxTs, err := ParseSegmentName(filepath.Join("/data", name))
	if err != nil {
		t.Fatal(err)
	}
	if id != "tc-1-exec_7" || minTs != 100 || maxTs != 200 {
		t.Errorf("parsed %s %d %d", id, minTs, maxTs)
	}

	for _, bad := range []string{"data.wal", "exec_x.labx", "exec_x_a_b.labx"} {
		if _, _, _, err := ParseSegmentName(bad); err == nil {
			t.Errorf("ParseSegmentName(%s) accepted", bad)
		}
	}
	if SafeName("..") != "unknown" {
		t.Errorf("SafeName(..) = %s", SafeName(".."))
	}
}
