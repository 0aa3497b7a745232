package normalize

import (
	"testing"
	"time"

	"github.com/coffersTech/labxstream/internal/model"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testNormalizer() *Normalizer {
	return &Normalizer{
		Now:   func() time.Time { return fixedNow },
		NewID: func() string { return "log_test" },
	}
}

func TestNormalizeTotal(t *testing.T) {
	n := testNormalizer()
	inputs := []string{
		`{}`,
		`null`,
		`42`,
		`"hello"`,
		`[1,2,3]`,
		`true`,
		`{"message":"x"}`,
		`{"timestamp":"yesterday"}`,
		`{"timestamp":{}}`,
		`{"timestamp":-5}`,
		`{"timestamp":null,"level":7}`,
		`{"data":"scalar","ies":{"a":1}}`,
		`{"data":{"ies":"not-a-list"}}`,
		`{"level":["x"],"layer":{"a":1},"message":{"nested":true}}`,
		`{"id":"","timestamp":"","message":""}`,
		`not json`,
		``,
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			entry, ok := n.NormalizeBytes([]byte(in))
			if ok && !entry.Valid() {
				t.Fatalf("normalized entry violates invariants: %+v", entry)
			}
			if ok && entry.Data == nil {
				t.Fatalf("data must never be nil")
			}
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	n := testNormalizer()
	for _, in := range []string{`null`, `42`, `"s"`, `[{"message":"a"}]`, `{"timestamp":"yesterday"}`, `{"timestamp":true}`, `bad`} {
		if _, ok := n.NormalizeBytes([]byte(in)); ok {
			t.Errorf("NormalizeBytes(%s) accepted", in)
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	n := testNormalizer()
	entry, ok := n.NormalizeBytes([]byte(`{"message":"hello"}`))
	if !ok {
		t.Fatal("expected entry")
	}
	want := model.LogEntry{
		ID:        "log_test",
		Timestamp: fixedNow,
		Level:     model.LevelInfo,
		Source:    model.DefaultSource,
		Layer:     model.LayerOther,
		Protocol:  model.DefaultProtocol,
		Message:   "hello",
	}
	if entry.ID != want.ID || !entry.Timestamp.Equal(want.Timestamp) || entry.Level != want.Level ||
		entry.Source != want.Source || entry.Layer != want.Layer || entry.Protocol != want.Protocol ||
		entry.Message != want.Message {
		t.Errorf("got %+v, want %+v", entry, want)
	}
	if len(entry.Data) != 0 {
		t.Errorf("data = %v, want empty", entry.Data)
	}
}

func TestNormalizeMessageFallback(t *testing.T) {
	n := testNormalizer()
	entry, ok := n.NormalizeBytes([]byte(`{"level":"warn","code":7}`))
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.Message != `{"level":"warn","code":7}` {
		t.Errorf("message = %q", entry.Message)
	}
	if entry.Level != model.LevelWarning {
		t.Errorf("level = %q", entry.Level)
	}
}

func TestNormalizePassthrough(t *testing.T) {
	n := testNormalizer()
	raw := `{
		"id": "msg-1",
		"timestamp": "2025-01-02T03:04:05.678Z",
		"message": "RRCSetupRequest",
		"level": "debug",
		"layer": "rrc",
		"protocol": "5G_NR",
		"source": "gnb",
		"direction": "uplink",
		"messageId": "m1",
		"stepId": "s1",
		"executionId": "e1",
		"testCaseId": "tc1",
		"raw": {"hex": "0a0b"},
		"validation": {"ok": true},
		"performance": {"latencyMs": 3}
	}`
	entry, ok := n.NormalizeBytes([]byte(raw))
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.ID != "msg-1" || entry.Layer != model.LayerRRC || entry.Level != model.LevelDebug {
		t.Errorf("unexpected entry %+v", entry)
	}
	if want := time.Date(2025, 1, 2, 3, 4, 5, 678_000_000, time.UTC); !entry.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", entry.Timestamp, want)
	}
	if entry.Direction != model.DirectionUL || entry.MessageID != "m1" || entry.StepID != "s1" {
		t.Errorf("optional fields lost: %+v", entry)
	}
	if entry.Session() != (model.SessionKey{ExecutionID: "e1", TestCaseID: "tc1"}) {
		t.Errorf("session = %+v", entry.Session())
	}
	if entry.RawData != `{"hex":"0a0b"}` {
		t.Errorf("rawData = %q", entry.RawData)
	}
	if v, ok := entry.ValidationResult.(map[string]any); !ok || v["ok"] != true {
		t.Errorf("validationResult = %#v", entry.ValidationResult)
	}
	if p, ok := entry.PerformanceData.(map[string]any); !ok || p["latencyMs"] != float64(3) {
		t.Errorf("performanceData = %#v", entry.PerformanceData)
	}
}

func TestNormalizeDecodedAndIEs(t *testing.T) {
	n := testNormalizer()

	entry, ok := n.NormalizeBytes([]byte(`{
		"message": "m",
		"data": {"decoded": {"a": 1}, "ies": {"ue-Identity": "0x1", "establishmentCause": "mo-Data"}},
		"decodedData": {"ignored": true},
		"informationElements": [{"name": "ignored"}]
	}`))
	if !ok {
		t.Fatal("expected entry")
	}
	if d, ok := entry.DecodedData.(map[string]any); !ok || d["a"] != float64(1) {
		t.Errorf("decodedData = %#v", entry.DecodedData)
	}
	if len(entry.InformationElements) != 2 ||
		entry.InformationElements[0].Name != "ue-Identity" ||
		entry.InformationElements[1].Name != "establishmentCause" {
		t.Errorf("ies = %+v", entry.InformationElements)
	}

	entry, ok = n.NormalizeBytes([]byte(`{
		"message": "m",
		"decoded": "text",
		"ies": [{"name": "cause", "value": "mo-Sig"}, 5]
	}`))
	if !ok {
		t.Fatal("expected entry")
	}
	if entry.DecodedData != "text" {
		t.Errorf("decodedData = %#v", entry.DecodedData)
	}
	if len(entry.InformationElements) != 2 || entry.InformationElements[0].Value != "mo-Sig" || entry.InformationElements[1].Name != "1" {
		t.Errorf("ies = %+v", entry.InformationElements)
	}
}

func TestNormalizeTimestamps(t *testing.T) {
	n := testNormalizer()
	want := time.UnixMilli(1_700_000_000_123)
	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"millis", `1700000000123`, want},
		{"seconds", `1700000000.123`, want},
		{"micros", `1700000000123000`, want},
		{"nanos", `1700000000123000000`, want},
		{"numeric string", `"1700000000123"`, want},
		{"rfc3339", `"2023-11-14T22:13:20.123Z"`, want},
		{"epoch zero", `0`, time.Unix(0, 0)},
		{"before 1970", `-86400`, time.Unix(-86400, 0)},
		{"before 1970 millis", `-1000000000000`, time.UnixMilli(-1_000_000_000_000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := n.NormalizeBytes([]byte(`{"message":"m","timestamp":` + tt.in + `}`))
			if !ok {
				t.Fatal("expected entry")
			}
			if d := entry.Timestamp.Sub(tt.want); d > time.Millisecond || d < -time.Millisecond {
				t.Errorf("timestamp = %v, want %v", entry.Timestamp, tt.want)
			}
		})
	}
}

func TestNormalizeAny(t *testing.T) {
	n := testNormalizer()
	entry, ok := n.NormalizeAny(map[string]any{"message": "hi", "layer": "NAS"})
	if !ok || entry.Message != "hi" || entry.Layer != model.LayerNAS {
		t.Fatalf("NormalizeAny = %+v, %v", entry, ok)
	}
	if _, ok := n.NormalizeAny(nil); ok {
		t.Error("nil accepted")
	}
	if _, ok := n.NormalizeAny(func() {}); ok {
		t.Error("unmarshalable value accepted")
	}
}
