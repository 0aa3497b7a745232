package normalize

import (
	"errors"
	"fmt"

	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/model"
)

// Frame types understood on the wire.
const (
	TypeLog                = "log"
	TypeRealtimeData       = "realtime_data"
	TypeTestExecution      = "test_execution"
	TypeLabXTestExecution  = "5GLABX_TEST_EXECUTION"
	TypeTestExecutionStart = "test_execution_start"
	TypeConnection         = "connection"
	TypeHeartbeat          = "heartbeat"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeInit               = "init"
	TypeInitAck            = "init_ack"
	TypeExecutionStatus    = "execution_status"
	TypeError              = "error"
	TypeExecutionAck       = "test_execution_acknowledged"
	TypeExecutionProgress  = "test_execution_progress"
	TypeRequestStatus      = "request_status"
	TypeRequestMessages    = "request_messages"
	TypeExecutionMessages  = "execution_messages"
)

var ErrNotSignal = errors.New("normalize: execution signal must be a JSON object")

// Envelope is one decoded wire frame. The set of variants is closed:
// LogFrame, ExecutionFrame, ControlFrame and RawFrame.
type Envelope interface {
	envelope()
}

// LogFrame wraps a single log candidate.
type LogFrame struct {
	Candidate *fastjson.Value
}

// ExecutionFrame announces a new test execution.
type ExecutionFrame struct {
	Signal model.ExecutionSignal
}

// ControlFrame carries connection bookkeeping that is not log content.
type ControlFrame struct {
	Type string
	Raw  []byte
}

// RawFrame is any other frame; the whole message is the log candidate.
type RawFrame struct {
	Candidate *fastjson.Value
}

func (LogFrame) envelope()       {}
func (ExecutionFrame) envelope() {}
func (ControlFrame) envelope()   {}
func (RawFrame) envelope()       {}

// IsControl reports whether typ names a bookkeeping frame.
func IsControl(typ string) bool {
	switch typ {
	case TypeConnection, TypeHeartbeat, TypePong, TypeInitAck, TypeExecutionStatus,
		TypeError, TypeExecutionAck, TypeExecutionProgress, TypeExecutionMessages:
		return true
	}
	return false
}

// Decode classifies a frame using Default.
func Decode(frame []byte) (Envelope, error) {
	return Default.Decode(frame)
}

// Decode parses frame and classifies it. Candidates in the returned
// envelope stay valid after Decode returns. Non-JSON frames are an error.
func (n *Normalizer) Decode(frame []byte) (Envelope, error) {
	v, err := fastjson.ParseBytes(frame)
	if err != nil {
		return nil, fmt.Errorf("normalize: decode frame: %w", err)
	}
	if v.Type() != fastjson.TypeObject {
		return RawFrame{Candidate: v}, nil
	}

	typ := string(v.GetStringBytes("type"))
	switch {
	case typ == TypeLog || typ == TypeRealtimeData:
		candidate := first(v, "payload", "data")
		if candidate == nil {
			candidate = v
		}
		return LogFrame{Candidate: candidate}, nil

	case typ == TypeTestExecution || typ == TypeLabXTestExecution || typ == TypeTestExecutionStart:
		src := v
		if d := v.Get("data"); present(d) && d.Type() == fastjson.TypeObject {
			src = d
		}
		sig, err := n.Signal(src)
		if err != nil {
			return nil, err
		}
		return ExecutionFrame{Signal: sig}, nil

	case IsControl(typ):
		return ControlFrame{Type: typ, Raw: append([]byte(nil), frame...)}, nil

	default:
		return RawFrame{Candidate: v}, nil
	}
}

// SignalBytes parses raw JSON into an execution signal.
func (n *Normalizer) SignalBytes(raw []byte) (model.ExecutionSignal, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return model.ExecutionSignal{}, fmt.Errorf("normalize: parse signal: %w", err)
	}
	return n.Signal(v)
}

// Signal reads an execution signal. Expected messages are taken from
// testCaseData.expectedMessages, falling back to a top-level
// expectedMessages list. Bundled logs are normalized; unusable ones are
// skipped.
func (n *Normalizer) Signal(v *fastjson.Value) (model.ExecutionSignal, error) {
	if v == nil || v.Type() != fastjson.TypeObject {
		return model.ExecutionSignal{}, ErrNotSignal
	}

	sig := model.ExecutionSignal{
		ExecutionID: text(v.Get("executionId")),
		TestCaseID:  text(v.Get("testCaseId")),
		Status:      text(v.Get("status")),
	}
	if ts, found, ok := timestamp(v.Get("timestamp")); found && ok {
		sig.Timestamp = ts
	} else {
		sig.Timestamp = n.now()
	}

	tcd := v.Get("testCaseData")
	if present(tcd) && tcd.Type() == fastjson.TypeObject {
		sig.TestCaseData = toMap(tcd)
	}
	expected := first(tcd, "expectedMessages")
	if expected == nil {
		expected = first(v, "expectedMessages")
	}
	if expected != nil && expected.Type() == fastjson.TypeArray {
		for _, m := range expected.GetArray() {
			if m.Type() == fastjson.TypeObject {
				sig.ExpectedMessages = append(sig.ExpectedMessages, expectedMessage(m))
			}
		}
	}

	if logs := first(v, "logs"); logs != nil && logs.Type() == fastjson.TypeArray {
		for _, l := range logs.GetArray() {
			if entry, ok := n.Normalize(l); ok {
				sig.Logs = append(sig.Logs, entry)
			}
		}
	}
	return sig, nil
}

func expectedMessage(v *fastjson.Value) model.ExpectedMessage {
	m := model.ExpectedMessage{
		ID:                  text(v.Get("id")),
		StepID:              text(v.Get("stepId")),
		Direction:           text(v.Get("direction")),
		Layer:               text(v.Get("layer")),
		Protocol:            text(v.Get("protocol")),
		MessageType:         text(v.Get("messageType")),
		MessageName:         text(v.Get("messageName")),
		InformationElements: informationElements(first(v, "informationElements", "ies")),
		StandardReference:   text(v.Get("standardReference")),
	}
	if ts, found, ok := timestamp(v.Get("timestampMs")); found && ok {
		m.TimestampMs = ts.UnixMilli()
	}
	if p := v.Get("messagePayload"); present(p) && p.Type() == fastjson.TypeObject {
		m.MessagePayload = toMap(p)
	}
	return m
}
