// Package store holds the client-side log buffer for the execution being
// watched: bounded, ordered and deduplicated by entry id.
package store

import (
	"sync"

	"github.com/coffersTech/labxstream/internal/model"
)

// DefaultCapacity is the buffer size used when New is given a non-positive
// capacity.
const DefaultCapacity = 1000

// SeedSource is the source recorded on entries seeded from an execution
// signal.
const SeedSource = "TestManager"

// State of the store's session machine.
type State int

const (
	// Idle: no execution adopted yet.
	Idle State = iota
	// Active: entries belong to Session().
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// EventKind tells subscribers what changed.
type EventKind int

const (
	EventAppended EventKind = iota
	EventReset
	EventCleared
)

// Event is delivered to subscribers after the store has changed.
// Entries holds the entries added by the change, oldest first.
type Event struct {
	Kind    EventKind
	Session model.SessionKey
	Entries []model.LogEntry
}

// Store is a bounded FIFO of log entries. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	capacity int
	ring     []model.LogEntry
	head     int
	size     int
	ids      map[string]struct{}
	key      model.SessionKey
	state    State

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// New returns an empty store in the Idle state.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		ring:     make([]model.LogEntry, capacity),
		ids:      make(map[string]struct{}, capacity),
		subs:     make(map[int]func(Event)),
	}
}

// Append adds entry unless its id is already buffered. The first append
// in the Idle state adopts the entry's session key. When the buffer is
// full the oldest entry is evicted and its id forgotten.
func (s *Store) Append(entry model.LogEntry) bool {
	if !entry.Valid() {
		return false
	}

	s.mu.Lock()
	if s.state == Idle {
		s.state = Active
		s.key = entry.Session()
	}
	added := s.pushLocked(entry)
	key := s.key
	s.mu.Unlock()

	if added {
		s.publish(Event{Kind: EventAppended, Session: key, Entries: []model.LogEntry{entry}})
	}
	return added
}

// Begin handles an execution signal. When the signal's key differs from
// the current one, including a change in only one half, the buffer is
// cleared and the new key adopted. The signal's seed entries are appended
// either way. It reports whether a reset happened.
func (s *Store) Begin(sig model.ExecutionSignal) bool {
	next := sig.Key()
	seeds := sig.SeedEntries(SeedSource)

	s.mu.Lock()
	reset := s.state == Idle || !s.key.Equal(next)
	if reset {
		s.clearLocked()
		s.key = next
		s.state = Active
	}
	added := make([]model.LogEntry, 0, len(seeds))
	for _, e := range seeds {
		if e.Valid() && s.pushLocked(e) {
			added = append(added, e)
		}
	}
	s.mu.Unlock()

	if reset {
		s.publish(Event{Kind: EventReset, Session: next, Entries: added})
	} else if len(added) > 0 {
		s.publish(Event{Kind: EventAppended, Session: next, Entries: added})
	}
	return reset
}

// Clear empties the buffer but keeps the adopted session.
func (s *Store) Clear() {
	s.mu.Lock()
	s.clearLocked()
	key := s.key
	s.mu.Unlock()
	s.publish(Event{Kind: EventCleared, Session: key})
}

// Reset empties the buffer and returns the store to Idle.
func (s *Store) Reset() {
	s.mu.Lock()
	s.clearLocked()
	s.key = model.SessionKey{}
	s.state = Idle
	s.mu.Unlock()
	s.publish(Event{Kind: EventReset})
}

func (s *Store) Session() model.SessionKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Store) Capacity() int { return s.capacity }

// Snapshot returns a copy of the buffer, oldest first.
func (s *Store) Snapshot() []model.LogEntry {
	return s.Select(nil)
}

// Select returns a copy of every buffered entry for which pred is true,
// oldest first. A nil pred selects everything.
func (s *Store) Select(pred func(model.LogEntry) bool) []model.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.LogEntry, 0, s.size)
	for i := 0; i < s.size; i++ {
		e := s.ring[(s.head+i)%s.capacity]
		if pred == nil || pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers fn for change events. Events are delivered
// synchronously after the store lock is released. The returned cancel
// func may be called more than once.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) pushLocked(entry model.LogEntry) bool {
	if _, dup := s.ids[entry.ID]; dup {
		return false
	}
	if s.size == s.capacity {
		oldest := s.ring[s.head]
		delete(s.ids, oldest.ID)
		s.ring[s.head] = model.LogEntry{}
		s.head = (s.head + 1) % s.capacity
		s.size--
	}
	s.ring[(s.head+s.size)%s.capacity] = entry
	s.size++
	s.ids[entry.ID] = struct{}{}
	return true
}

func (s *Store) clearLocked() {
	for i := range s.ring {
		s.ring[i] = model.LogEntry{}
	}
	s.head, s.size = 0, 0
	s.ids = make(map[string]struct{}, s.capacity)
}
