package model

import (
	"strings"
	"time"
)

// Level is the severity of a log entry. The set is closed.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Levels lists every valid level, lowest first.
var Levels = []Level{LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical}

// ParseLevel maps free-form level strings onto the closed set.
// Unrecognized values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "d", "trace", "verbose":
		return LevelDebug
	case "info", "i", "information", "notice":
		return LevelInfo
	case "warning", "warn", "w":
		return LevelWarning
	case "error", "err", "e":
		return LevelError
	case "critical", "crit", "fatal", "c", "f", "panic":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Valid reports whether l belongs to the closed level set.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// Layer is a protocol stack layer label.
type Layer string

const (
	LayerPHY   Layer = "PHY"
	LayerMAC   Layer = "MAC"
	LayerRLC   Layer = "RLC"
	LayerPDCP  Layer = "PDCP"
	LayerRRC   Layer = "RRC"
	LayerNAS   Layer = "NAS"
	LayerIMS   Layer = "IMS"
	LayerOther Layer = "OTHER"
)

// Layers lists the protocol layers bottom-up, OTHER last.
var Layers = []Layer{LayerPHY, LayerMAC, LayerRLC, LayerPDCP, LayerRRC, LayerNAS, LayerIMS, LayerOther}

// ParseLayer upper-cases s and maps it onto the closed layer set.
// Unknown labels become LayerOther.
func ParseLayer(s string) Layer {
	switch l := Layer(strings.ToUpper(strings.TrimSpace(s))); l {
	case LayerPHY, LayerMAC, LayerRLC, LayerPDCP, LayerRRC, LayerNAS, LayerIMS:
		return l
	case "L1":
		return LayerPHY
	case "SIP":
		return LayerIMS
	case "NR-RRC", "LTE-RRC":
		return LayerRRC
	default:
		return LayerOther
	}
}

// Direction of a protocol message relative to the UE.
type Direction string

const (
	DirectionUL            Direction = "UL"
	DirectionDL            Direction = "DL"
	DirectionBidirectional Direction = "BIDIRECTIONAL"
)

// ParseDirection returns the empty Direction for unknown input.
func ParseDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UL", "UPLINK", "UE_TO_NETWORK":
		return DirectionUL
	case "DL", "DOWNLINK", "NETWORK_TO_UE":
		return DirectionDL
	case "BIDIRECTIONAL", "BIDI", "BOTH":
		return DirectionBidirectional
	default:
		return ""
	}
}

// Defaults applied by the normalizer when a payload omits the field.
const (
	DefaultSource   = "unknown"
	DefaultProtocol = "UNKNOWN"
)

// InformationElement is one decoded IE of a protocol message.
type InformationElement struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// LogEntry is the canonical unit flowing through the pipeline.
type LogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Source    string         `json:"source"`
	Layer     Layer          `json:"layer"`
	Protocol  string         `json:"protocol"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`

	MessageID           string               `json:"messageId,omitempty"`
	StepID              string               `json:"stepId,omitempty"`
	Direction           Direction            `json:"direction,omitempty"`
	RawData             string               `json:"rawData,omitempty"`
	DecodedData         any                  `json:"decodedData,omitempty"`
	InformationElements []InformationElement `json:"informationElements,omitempty"`
	ValidationResult    any                  `json:"validationResult,omitempty"`
	PerformanceData     any                  `json:"performanceData,omitempty"`

	ExecutionID string `json:"executionId,omitempty"`
	TestCaseID  string `json:"testCaseId,omitempty"`
}

// Valid reports whether e satisfies the entry invariants: non-empty id,
// a set timestamp and a level from the closed set.
func (e LogEntry) Valid() bool {
	return e.ID != "" && !e.Timestamp.IsZero() && e.Level.Valid()
}

// Session returns the execution key carried by the entry, if any.
func (e LogEntry) Session() SessionKey {
	return SessionKey{ExecutionID: e.ExecutionID, TestCaseID: e.TestCaseID}
}

// Fields used by the LabxQL matcher.

func (e *LogEntry) GetTimestamp() int64 { return e.Timestamp.UnixNano() }
func (e *LogEntry) GetLevel() string    { return string(e.Level) }
func (e *LogEntry) GetSource() string   { return e.Source }
func (e *LogEntry) GetLayer() string    { return string(e.Layer) }
func (e *LogEntry) GetProtocol() string { return e.Protocol }
func (e *LogEntry) GetMessage() string  { return e.Message }
func (e *LogEntry) GetDirection() string {
	return string(e.Direction)
}
func (e *LogEntry) GetExecutionID() string { return e.ExecutionID }
