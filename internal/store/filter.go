package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/jmespath/go-jmespath"

	"github.com/coffersTech/labxstream/internal/model"
	"github.com/coffersTech/labxstream/internal/pkg/labxql"
)

// Criteria selects entries. Zero-valued fields do not constrain the
// result.
type Criteria struct {
	Level      model.Level     `json:"level,omitempty" form:"level"`
	Source     string          `json:"source,omitempty" form:"source"`
	Layer      model.Layer     `json:"layer,omitempty" form:"layer"`
	Protocol   string          `json:"protocol,omitempty" form:"protocol"`
	Direction  model.Direction `json:"direction,omitempty" form:"direction"`
	SearchText string          `json:"searchText,omitempty" form:"q"`
	// Query is a LabxQL expression, e.g. `layer:RRC AND NOT level:debug`.
	Query string `json:"query,omitempty" form:"query"`
	// Expr is a JMESPath expression evaluated against the entry's JSON
	// form; the entry matches when the result is non-empty and not false.
	Expr string `json:"expr,omitempty" form:"expr"`
	// Limit keeps only the most recent matches.
	Limit int `json:"limit,omitempty" form:"limit"`
}

// Matcher is a compiled Criteria.
type Matcher struct {
	c      Criteria
	search string
	query  labxql.Node
	expr   *jmespath.JMESPath
}

// Compile parses the Query and Expr fields.
func (c Criteria) Compile() (*Matcher, error) {
	m := &Matcher{c: c, search: strings.ToLower(strings.TrimSpace(c.SearchText))}

	if c.Query != "" {
		node, err := labxql.Parse(c.Query)
		if err != nil {
			return nil, fmt.Errorf("store: query: %w", err)
		}
		m.query = node
	}
	if c.Expr != "" {
		expr, err := jmespath.Compile(c.Expr)
		if err != nil {
			return nil, fmt.Errorf("store: expr: %w", err)
		}
		m.expr = expr
	}
	return m, nil
}

// Match reports whether e satisfies every constraint.
func (m *Matcher) Match(e model.LogEntry) bool {
	c := m.c
	if c.Level != "" && e.Level != c.Level {
		return false
	}
	if c.Layer != "" && e.Layer != c.Layer {
		return false
	}
	if c.Direction != "" && e.Direction != c.Direction {
		return false
	}
	if c.Source != "" && !strings.EqualFold(e.Source, c.Source) {
		return false
	}
	if c.Protocol != "" && !strings.EqualFold(e.Protocol, c.Protocol) {
		return false
	}
	if m.search != "" && !strings.Contains(strings.ToLower(e.Message), m.search) &&
		!strings.Contains(strings.ToLower(e.Source), m.search) {
		return false
	}
	if m.query != nil && !labxql.Match(m.query, &e) {
		return false
	}
	if m.expr != nil && !m.matchExpr(e) {
		return false
	}
	return true
}

// Apply filters entries in order and honours Limit.
func (m *Matcher) Apply(entries []model.LogEntry) []model.LogEntry {
	out := make([]model.LogEntry, 0, len(entries))
	for _, e := range entries {
		if m.Match(e) {
			out = append(out, e)
		}
	}
	if m.c.Limit > 0 && len(out) > m.c.Limit {
		out = out[len(out)-m.c.Limit:]
	}
	return out
}

func (m *Matcher) matchExpr(e model.LogEntry) bool {
	raw, err := json.Marshal(e)
	if err != nil {
		return false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	res, err := m.expr.Search(doc)
	if err != nil {
		return false
	}
	return truthy(res)
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

// Filter returns the buffered entries matching c, oldest first.
func (s *Store) Filter(c Criteria) ([]model.LogEntry, error) {
	m, err := c.Compile()
	if err != nil {
		return nil, err
	}
	return m.Apply(s.Snapshot()), nil
}
