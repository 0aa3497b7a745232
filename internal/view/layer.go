// Package view derives per-layer windows from a log store.
package view

import (
	"strings"
	"sync"
	"unicode"

	"github.com/coffersTech/labxstream/internal/model"
	"github.com/coffersTech/labxstream/internal/store"
)

// DefaultWindow is the number of recent entries a view keeps.
const DefaultWindow = 100

// Predicate decides whether an entry belongs to a view.
type Predicate func(model.LogEntry) bool

// Source is the read side of a store.
type Source interface {
	Select(pred func(model.LogEntry) bool) []model.LogEntry
}

// Observable is a Source that reports changes.
type Observable interface {
	Source
	Subscribe(fn func(store.Event)) (cancel func())
}

// markers are message fragments that identify a layer even when the entry
// was tagged with another one. Markers shorter than three characters only
// match whole words.
var markers = map[model.Layer][]string{
	model.LayerPHY:  {"PHY", "PDSCH", "PUSCH", "PUCCH", "PDCCH", "PRACH"},
	model.LayerMAC:  {"MAC", "PDU", "Grant"},
	model.LayerRLC:  {"RLC", "PDU", "AM", "UM", "TM"},
	model.LayerPDCP: {"PDCP", "Security", "Cipher"},
	model.LayerRRC:  {"RRC", "Setup", "Reconfiguration"},
	model.LayerNAS:  {"NAS", "Registration", "Authentication"},
	model.LayerIMS:  {"SIP", "INVITE", "REGISTER", "BYE"},
}

// Markers returns the message markers used for layer.
func Markers(layer model.Layer) []string {
	return append([]string(nil), markers[layer]...)
}

// LayerPredicate matches entries tagged with layer, or whose message
// carries one of the layer's markers.
func LayerPredicate(layer model.Layer) Predicate {
	ms := markers[layer]
	return func(e model.LogEntry) bool {
		if e.Layer == layer {
			return true
		}
		for _, m := range ms {
			if len(m) < 3 {
				if containsWord(e.Message, m) {
					return true
				}
			} else if strings.Contains(e.Message, m) {
				return true
			}
		}
		return false
	}
}

func containsWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if f == word {
			return true
		}
	}
	return false
}

// LayerView keeps the most recent entries of a source that satisfy its
// predicate, in source order.
type LayerView struct {
	name   string
	pred   Predicate
	window int

	mu       sync.RWMutex
	entries  []model.LogEntry
	onChange func()
}

// New returns an empty view. A non-positive window means DefaultWindow.
func New(name string, pred Predicate, window int) *LayerView {
	if window <= 0 {
		window = DefaultWindow
	}
	if pred == nil {
		pred = func(model.LogEntry) bool { return true }
	}
	return &LayerView{name: name, pred: pred, window: window}
}

// NewLayer returns a view over a single protocol layer.
func NewLayer(layer model.Layer, window int) *LayerView {
	return New(string(layer), LayerPredicate(layer), window)
}

func (v *LayerView) Name() string { return v.name }

func (v *LayerView) Window() int { return v.window }

// Refresh recomputes the view from src.
func (v *LayerView) Refresh(src Source) {
	matched := src.Select(v.pred)
	if len(matched) > v.window {
		matched = matched[len(matched)-v.window:]
	}
	v.mu.Lock()
	v.entries = matched
	fn := v.onChange
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Entries returns a copy of the view's window, oldest first.
func (v *LayerView) Entries() []model.LogEntry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]model.LogEntry(nil), v.entries...)
}

func (v *LayerView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// OnChange registers fn to run after the window changes.
func (v *LayerView) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

func (v *LayerView) push(entries []model.LogEntry) {
	changed := false
	v.mu.Lock()
	for _, e := range entries {
		if !v.pred(e) {
			continue
		}
		v.entries = append(v.entries, e)
		changed = true
	}
	if over := len(v.entries) - v.window; over > 0 {
		v.entries = append([]model.LogEntry(nil), v.entries[over:]...)
	}
	fn := v.onChange
	v.mu.Unlock()
	if changed && fn != nil {
		fn()
	}
}

// Attach fills the view from src and keeps it current until detach is
// called.
func (v *LayerView) Attach(src Observable) (detach func()) {
	cancel := src.Subscribe(func(ev store.Event) {
		if ev.Kind == store.EventAppended {
			v.push(ev.Entries)
			return
		}
		v.Refresh(src)
	})
	v.Refresh(src)
	return cancel
}
