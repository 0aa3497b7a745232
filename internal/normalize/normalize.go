// Package normalize turns arbitrary JSON payloads into canonical log
// entries and classifies wire frames.
package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/model"
)

// Normalizer converts candidate payloads into model.LogEntry values.
// The zero value is ready to use.
type Normalizer struct {
	// Now supplies the receipt time for payloads without a timestamp.
	Now func() time.Time
	// NewID supplies ids for payloads without one.
	NewID func() string
}

// Default is the normalizer used by the package-level helpers.
var Default = &Normalizer{}

var parserPool fastjson.ParserPool

// NewID returns a fresh entry id.
func NewID() string {
	return "log_" + uuid.NewString()
}

func (n *Normalizer) now() time.Time {
	if n != nil && n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n *Normalizer) newID() string {
	if n != nil && n.NewID != nil {
		return n.NewID()
	}
	return NewID()
}

// Normalize maps a parsed candidate onto a LogEntry. It returns false for
// input that cannot be recovered: non-objects and objects whose timestamp
// is present but unreadable. It never panics.
func (n *Normalizer) Normalize(v *fastjson.Value) (entry model.LogEntry, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			entry, ok = model.LogEntry{}, false
		}
	}()

	if v == nil || v.Type() != fastjson.TypeObject {
		return model.LogEntry{}, false
	}

	ts, hasTS, valid := timestamp(v.Get("timestamp"))
	if hasTS && !valid {
		return model.LogEntry{}, false
	}
	if !hasTS {
		ts = n.now()
	}

	entry = model.LogEntry{
		ID:          text(v.Get("id")),
		Timestamp:   ts,
		Level:       model.ParseLevel(text(v.Get("level"))),
		Source:      text(v.Get("source")),
		Layer:       model.ParseLayer(text(v.Get("layer"))),
		Protocol:    text(v.Get("protocol")),
		Message:     text(v.Get("message")),
		MessageID:   text(v.Get("messageId")),
		StepID:      text(v.Get("stepId")),
		Direction:   model.ParseDirection(text(v.Get("direction"))),
		RawData:     text(first(v, "rawData", "raw")),
		ExecutionID: text(v.Get("executionId")),
		TestCaseID:  text(v.Get("testCaseId")),
	}
	if entry.ID == "" {
		entry.ID = n.newID()
	}
	if entry.Source == "" {
		entry.Source = model.DefaultSource
	}
	if entry.Protocol == "" {
		entry.Protocol = model.DefaultProtocol
	}
	if entry.Message == "" {
		entry.Message = v.String()
	}

	data := v.Get("data")
	switch {
	case !present(data):
		entry.Data = map[string]any{}
	case data.Type() == fastjson.TypeObject:
		entry.Data = toMap(data)
	default:
		entry.Data = map[string]any{"value": toAny(data)}
	}

	// data.decoded and data.ies win over the top-level aliases.
	if d := first(data, "decoded"); d != nil {
		entry.DecodedData = toAny(d)
	} else if d := first(v, "decodedData", "decoded"); d != nil {
		entry.DecodedData = toAny(d)
	}
	if ies := first(data, "ies"); ies != nil {
		entry.InformationElements = informationElements(ies)
	} else {
		entry.InformationElements = informationElements(first(v, "informationElements", "ies"))
	}

	if r := first(v, "validationResult", "validation"); r != nil {
		entry.ValidationResult = toAny(r)
	}
	if p := first(v, "performanceData", "performance"); p != nil {
		entry.PerformanceData = toAny(p)
	}
	return entry, true
}

// NormalizeBytes parses raw JSON and normalizes it.
func (n *Normalizer) NormalizeBytes(raw []byte) (model.LogEntry, bool) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return model.LogEntry{}, false
	}
	return n.Normalize(v)
}

// NormalizeAny accepts raw JSON bytes or any value encoding/json can
// marshal.
func (n *Normalizer) NormalizeAny(x any) (model.LogEntry, bool) {
	switch t := x.(type) {
	case nil:
		return model.LogEntry{}, false
	case []byte:
		return n.NormalizeBytes(t)
	case json.RawMessage:
		return n.NormalizeBytes(t)
	case *fastjson.Value:
		return n.Normalize(t)
	}
	raw, err := json.Marshal(x)
	if err != nil {
		return model.LogEntry{}, false
	}
	return n.NormalizeBytes(raw)
}

// Normalize uses Default.
func Normalize(v *fastjson.Value) (model.LogEntry, bool) { return Default.Normalize(v) }

// NormalizeBytes uses Default.
func NormalizeBytes(raw []byte) (model.LogEntry, bool) { return Default.NormalizeBytes(raw) }

// NormalizeAny uses Default.
func NormalizeAny(x any) (model.LogEntry, bool) { return Default.NormalizeAny(x) }

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
}

// timestamp coerces v. found is false for missing, null or empty-string
// values; ok is false when a found value cannot be read.
func timestamp(v *fastjson.Value) (ts time.Time, found bool, ok bool) {
	if v == nil {
		return time.Time{}, false, false
	}
	switch v.Type() {
	case fastjson.TypeNull:
		return time.Time{}, false, false
	case fastjson.TypeNumber:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, true, false
		}
		ts, ok = fromEpoch(f)
		return ts, true, ok
	case fastjson.TypeString:
		s := strings.TrimSpace(string(v.GetStringBytes()))
		if s == "" {
			return time.Time{}, false, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			ts, ok = fromEpoch(f)
			return ts, true, ok
		}
		return time.Time{}, true, false
	default:
		return time.Time{}, true, false
	}
}

// fromEpoch reads f as epoch milliseconds, switching unit by magnitude:
// below 1e11 seconds, from 1e14 microseconds, from 1e17 nanoseconds.
// Zero and pre-1970 values are valid instants.
func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	switch abs := math.Abs(f); {
	case abs < 1e11:
		return time.UnixMicro(int64(math.Round(f * 1e6))), true
	case abs < 1e14:
		return time.UnixMicro(int64(math.Round(f * 1e3))), true
	case abs < 1e17:
		return time.UnixMicro(int64(f)), true
	default:
		return time.Unix(0, int64(f)), true
	}
}
