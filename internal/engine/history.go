package engine

import (
	"sort"
	"sync"

	"github.com/coffersTech/labxstream/internal/model"
	"github.com/coffersTech/labxstream/internal/store"
)

// DefaultHistorySize bounds the entries kept in memory per execution.
const DefaultHistorySize = 5000

// History keeps a bounded, deduplicated store per execution target.
type History struct {
	mu       sync.RWMutex
	capacity int
	byTarget map[string]*store.Store
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{capacity: capacity, byTarget: make(map[string]*store.Store)}
}

func (h *History) get(target string, create bool) *store.Store {
	h.mu.RLock()
	s, ok := h.byTarget[target]
	h.mu.RUnlock()
	if ok || !create {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.byTarget[target]; !ok {
		s = store.New(h.capacity)
		h.byTarget[target] = s
	}
	return s
}

// Append adds e under its execution target. It reports false for
// duplicates and invalid entries.
func (h *History) Append(e model.LogEntry) bool {
	return h.get(e.Session().Target(), true).Append(e)
}

// Entries returns target's entries, oldest first.
func (h *History) Entries(target string) []model.LogEntry {
	if s := h.get(target, false); s != nil {
		return s.Snapshot()
	}
	return nil
}

// Recent returns up to n of target's newest entries, oldest first.
func (h *History) Recent(target string, n int) []model.LogEntry {
	all := h.Entries(target)
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

func (h *History) Len(target string) int {
	if s := h.get(target, false); s != nil {
		return s.Len()
	}
	return 0
}

// Drop forgets target and returns what it held.
func (h *History) Drop(target string) []model.LogEntry {
	h.mu.Lock()
	s, ok := h.byTarget[target]
	delete(h.byTarget, target)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Snapshot()
}

// Targets lists the executions with history, sorted.
func (h *History) Targets() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byTarget))
	for t := range h.byTarget {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
