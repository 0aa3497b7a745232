package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionKey identifies one test execution. Either half may be empty on
// partially keyed signals.
type SessionKey struct {
	ExecutionID string `json:"executionId,omitempty"`
	TestCaseID  string `json:"testCaseId,omitempty"`
}

func (k SessionKey) IsZero() bool {
	return k.ExecutionID == "" && k.TestCaseID == ""
}

func (k SessionKey) Equal(other SessionKey) bool {
	return k == other
}

// Matches reports whether other refers to the same execution. Empty halves
// on either side are treated as wildcards, but at least one half must
// be present on both sides and agree.
func (k SessionKey) Matches(other SessionKey) bool {
	matched := false
	if k.ExecutionID != "" && other.ExecutionID != "" {
		if k.ExecutionID != other.ExecutionID {
			return false
		}
		matched = true
	}
	if k.TestCaseID != "" && other.TestCaseID != "" {
		if k.TestCaseID != other.TestCaseID {
			return false
		}
		matched = true
	}
	return matched
}

// Target is the id subscribers register under: the execution id, or the
// test case id when the execution id is missing.
func (k SessionKey) Target() string {
	if k.ExecutionID != "" {
		return k.ExecutionID
	}
	return k.TestCaseID
}

func (k SessionKey) String() string {
	switch {
	case k.ExecutionID != "" && k.TestCaseID != "":
		return k.TestCaseID + "/" + k.ExecutionID
	case k.ExecutionID != "":
		return k.ExecutionID
	default:
		return k.TestCaseID
	}
}

// ExpectedMessage is a protocol message a test case is expected to produce.
type ExpectedMessage struct {
	ID                  string               `json:"id,omitempty"`
	StepID              string               `json:"stepId,omitempty"`
	TimestampMs         int64                `json:"timestampMs,omitempty"`
	Direction           string               `json:"direction,omitempty"`
	Layer               string               `json:"layer,omitempty"`
	Protocol            string               `json:"protocol,omitempty"`
	MessageType         string               `json:"messageType,omitempty"`
	MessageName         string               `json:"messageName,omitempty"`
	MessagePayload      map[string]any       `json:"messagePayload,omitempty"`
	InformationElements []InformationElement `json:"informationElements,omitempty"`
	StandardReference   string               `json:"standardReference,omitempty"`
}

// ExecutionSignal announces that a test execution has started.
type ExecutionSignal struct {
	ExecutionID      string            `json:"executionId,omitempty"`
	TestCaseID       string            `json:"testCaseId,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	Status           string            `json:"status,omitempty"`
	TestCaseData     map[string]any    `json:"testCaseData,omitempty"`
	ExpectedMessages []ExpectedMessage `json:"expectedMessages,omitempty"`
	Logs             []LogEntry        `json:"logs,omitempty"`
}

func (s ExecutionSignal) Key() SessionKey {
	return SessionKey{ExecutionID: s.ExecutionID, TestCaseID: s.TestCaseID}
}

// SeedEntries expands the signal's expected messages and bundled logs into
// store entries. Ids are derived from the execution so that a re-delivered
// signal yields the same ids and is deduplicated downstream.
func (s ExecutionSignal) SeedEntries(source string) []LogEntry {
	base := s.Timestamp
	if base.IsZero() {
		base = time.Now()
	}
	if source == "" {
		source = DefaultSource
	}

	out := make([]LogEntry, 0, len(s.ExpectedMessages)+len(s.Logs))
	for i, m := range s.ExpectedMessages {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		if m.TimestampMs > 0 {
			ts = time.UnixMilli(m.TimestampMs)
		}
		id := m.ID
		if id == "" {
			id = fmt.Sprintf("seed_%s_%d", s.Key(), i)
		}
		protocol := m.Protocol
		if protocol == "" {
			protocol = "5G_NR"
		}
		direction := ParseDirection(m.Direction)
		if direction == "" {
			direction = DirectionUL
		}
		name := m.MessageName
		if name == "" {
			name = m.MessageType
		}
		payload, _ := json.Marshal(m.MessagePayload)

		data := map[string]any{}
		var decoded any
		if m.MessagePayload != nil {
			data["messagePayload"] = m.MessagePayload
			decoded = m.MessagePayload
		}
		if m.MessageType != "" {
			data["messageType"] = m.MessageType
		}
		if m.StandardReference != "" {
			data["standardReference"] = m.StandardReference
		}

		out = append(out, LogEntry{
			ID:                  id,
			Timestamp:           ts,
			Level:               LevelInfo,
			Source:              source,
			Layer:               ParseLayer(m.Layer),
			Protocol:            protocol,
			Message:             name + ": " + string(payload),
			Data:                data,
			MessageID:           m.ID,
			StepID:              m.StepID,
			Direction:           direction,
			DecodedData:         decoded,
			InformationElements: m.InformationElements,
			ExecutionID:         s.ExecutionID,
			TestCaseID:          s.TestCaseID,
		})
	}
	for _, e := range s.Logs {
		if e.ExecutionID == "" && e.TestCaseID == "" {
			e.ExecutionID, e.TestCaseID = s.ExecutionID, s.TestCaseID
		}
		out = append(out, e)
	}
	return out
}
