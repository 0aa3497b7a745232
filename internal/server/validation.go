package server

import (
	"sort"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/execution"
)

// FieldError is one rejected field of a request body. Index is the
// position of the offending item in a batch.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Index   int    `json:"index"`
}

// logPayload holds the string fields of an ingested item that are checked
// before normalization.
type logPayload struct {
	Level       string `json:"level"`
	Message     string `json:"message"`
	Layer       string `json:"layer"`
	Protocol    string `json:"protocol"`
	Source      string `json:"source"`
	Direction   string `json:"direction"`
	ExecutionID string `json:"executionId"`
	TestCaseID  string `json:"testCaseId"`
}

var payloadStrings = []string{"level", "message", "layer", "protocol", "source", "direction", "executionId", "testCaseId"}

func (p logPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Message, validation.Required, validation.Length(1, 64<<10)),
		validation.Field(&p.Level, validation.Length(0, 16)),
		validation.Field(&p.Layer, validation.Length(0, 16)),
		validation.Field(&p.Protocol, validation.Length(0, 64)),
		validation.Field(&p.Source, validation.Length(0, 191)),
		validation.Field(&p.Direction, validation.Length(0, 32)),
		validation.Field(&p.ExecutionID, validation.Length(0, 191)),
		validation.Field(&p.TestCaseID, validation.Length(0, 191)),
	)
}

// validateItem checks one ingested item. Non-string values for the string
// fields are reported without running the length rules.
func validateItem(index int, v *fastjson.Value) []FieldError {
	if v.Type() != fastjson.TypeObject {
		return []FieldError{{Field: "", Message: "must be a JSON object", Index: index}}
	}

	var errs []FieldError
	var p logPayload
	fields := map[string]*string{
		"level": &p.Level, "message": &p.Message, "layer": &p.Layer, "protocol": &p.Protocol,
		"source": &p.Source, "direction": &p.Direction, "executionId": &p.ExecutionID, "testCaseId": &p.TestCaseID,
	}
	for _, name := range payloadStrings {
		f := v.Get(name)
		if f == nil || f.Type() == fastjson.TypeNull {
			continue
		}
		if f.Type() != fastjson.TypeString {
			errs = append(errs, FieldError{Field: name, Message: "must be a string", Index: index})
			continue
		}
		*fields[name] = string(f.GetStringBytes())
	}
	if len(errs) > 0 {
		return errs
	}
	return toFieldErrors(index, p.Validate())
}

// completeRequest is the body of POST /api/executions/:id/complete.
type completeRequest struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (r completeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Status, validation.In(
			string(execution.StatusCompleted), string(execution.StatusFailed), string(execution.StatusTerminated))),
		validation.Field(&r.Error, validation.Length(0, 4096)),
	)
}

type startRequest struct {
	ExecutionID string `json:"executionId"`
	TestCaseID  string `json:"testCaseId"`
}

func (r startRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ExecutionID, validation.Required, validation.Length(1, 191)),
		validation.Field(&r.TestCaseID, validation.Length(0, 191)),
	)
}

// toFieldErrors flattens ozzo errors, sorted by field name.
func toFieldErrors(index int, err error) []FieldError {
	if err == nil {
		return nil
	}
	verrs, ok := err.(validation.Errors)
	if !ok {
		return []FieldError{{Message: err.Error(), Index: index}}
	}
	names := make([]string, 0, len(verrs))
	for name := range verrs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]FieldError, 0, len(names))
	for _, name := range names {
		out = append(out, FieldError{Field: name, Message: verrs[name].Error(), Index: index})
	}
	return out
}
