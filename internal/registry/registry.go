// Package registry maps execution ids to the live connections watching
// them and fans messages out to those connections.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrClosed      = errors.New("registry: closed")
	ErrNoExecution = errors.New("registry: execution id required")
	ErrQueueFull   = errors.New("registry: connection send queue full")
)

// ConnState mirrors the WebSocket ready states.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is a registered subscriber. Connections that also implement
// io.Closer are closed when the registry shuts down.
type Conn interface {
	ID() string
	State() ConnState
	Send(msg []byte) error
}

// Registry is safe for concurrent use. Each instance is independent;
// there is no package-level registry.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[string]Conn
	closed bool
	log    zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		conns: make(map[string]map[string]Conn),
		log:   zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds c to the set for executionID. Registering the same
// connection twice is a no-op.
func (r *Registry) Register(executionID string, c Conn) error {
	if executionID == "" {
		return ErrNoExecution
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	set, ok := r.conns[executionID]
	if !ok {
		set = make(map[string]Conn)
		r.conns[executionID] = set
	}
	set[c.ID()] = c
	return nil
}

// Unregister removes c and drops the execution entry once its set is
// empty. It reports whether c was registered.
func (r *Registry) Unregister(executionID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[executionID]
	if !ok {
		return false
	}
	if _, ok := set[c.ID()]; !ok {
		return false
	}
	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.conns, executionID)
	}
	return true
}

// Broadcast serializes msg once and sends it to every open connection
// registered under executionID. Delivery is at most once: a failed send is
// logged and not retried. The error is non-nil only when msg cannot be
// serialized.
func (r *Registry) Broadcast(executionID string, msg any) (int, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("registry: marshal broadcast: %w", err)
	}
	return r.BroadcastRaw(executionID, b), nil
}

// BroadcastRaw sends an already serialized frame.
func (r *Registry) BroadcastRaw(executionID string, msg []byte) int {
	targets := r.Connections(executionID)

	delivered := 0
	for _, c := range targets {
		if c.State() != StateOpen {
			continue
		}
		if err := c.Send(msg); err != nil {
			r.log.Debug().Err(err).Str("execution_id", executionID).Str("conn_id", c.ID()).Msg("broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Connections returns a snapshot of the set for executionID.
func (r *Registry) Connections(executionID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[executionID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Len returns the number of executions with at least one connection.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Count returns the number of connections registered for executionID.
func (r *Registry) Count(executionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[executionID])
}

// Total returns the number of registered connections.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, set := range r.conns {
		n += len(set)
	}
	return n
}

// Executions lists the ids with live connections, sorted.
func (r *Registry) Executions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close empties the registry and closes every connection that supports
// it. Later Register calls fail with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := r.conns
	r.conns = make(map[string]map[string]Conn)
	r.mu.Unlock()

	var errs []error
	for _, set := range all {
		for _, c := range set {
			if closer, ok := c.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
