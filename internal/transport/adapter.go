// Package transport is the client side of the log stream: it reads frames
// from one WebSocket, normalizes them and feeds a sink.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/model"
	"github.com/coffersTech/labxstream/internal/normalize"
)

var (
	ErrAlreadyConnected = errors.New("transport: already connected")
	ErrNotConnected     = errors.New("transport: not connected")
	ErrClosed           = errors.New("transport: closed")
)

// Sink receives normalized entries and execution signals. The log store
// satisfies it.
type Sink interface {
	Append(entry model.LogEntry) bool
	Begin(sig model.ExecutionSignal) bool
}

// Option configures an Adapter.
type Option func(*Adapter)

func WithNormalizer(n *normalize.Normalizer) Option {
	return func(a *Adapter) { a.norm = n }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(a *Adapter) { a.header = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// OnControl registers fn for bookkeeping frames. fn runs on the read
// goroutine and must not call Close.
func OnControl(fn func(normalize.ControlFrame)) Option {
	return func(a *Adapter) { a.onControl = fn }
}

// Adapter owns one WebSocket for its whole lifetime. It never reconnects.
type Adapter struct {
	sink      Sink
	norm      *normalize.Normalizer
	dialer    *websocket.Dialer
	header    http.Header
	log       zerolog.Logger
	onControl func(normalize.ControlFrame)

	mu      sync.Mutex
	ws      *websocket.Conn
	dialing bool
	closed  bool
	done    chan struct{}
	writeMu sync.Mutex

	delivered atomic.Int64
	dropped   atomic.Int64
}

func New(sink Sink, opts ...Option) *Adapter {
	a := &Adapter{
		sink:   sink,
		norm:   normalize.Default,
		dialer: websocket.DefaultDialer,
		log:    zerolog.Nop(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Connect dials url and starts the read loop. Only one successful
// Connect is allowed per adapter.
func (a *Adapter) Connect(ctx context.Context, url string) error {
	a.mu.Lock()
	switch {
	case a.closed:
		a.mu.Unlock()
		return ErrClosed
	case a.dialing || a.ws != nil:
		a.mu.Unlock()
		return ErrAlreadyConnected
	}
	a.dialing = true
	a.mu.Unlock()

	ws, _, err := a.dialer.DialContext(ctx, url, a.header)

	a.mu.Lock()
	a.dialing = false
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("transport: dial %s: %w", url, err)
	}
	if a.closed {
		a.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	a.ws = ws
	a.mu.Unlock()

	a.log.Info().Str("url", url).Msg("stream connected")
	go a.readLoop(ws)
	return nil
}

// Done is closed once the read loop has exited.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Delivered counts entries accepted by the sink.
func (a *Adapter) Delivered() int64 { return a.delivered.Load() }

// Dropped counts frames that could not be decoded or normalized.
func (a *Adapter) Dropped() int64 { return a.dropped.Load() }

// Send writes v as a JSON text frame, e.g. a ping or request_status
// request.
func (a *Adapter) Send(v any) error {
	a.mu.Lock()
	ws, closed := a.ws, a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ws == nil {
		return ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(v); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Close shuts the socket and waits for the read loop. No entry reaches
// the sink after Close returns. It is safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return nil
	}
	a.closed = true
	ws := a.ws
	if ws == nil {
		close(a.done)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := ws.Close()
	<-a.done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}

func (a *Adapter) readLoop(ws *websocket.Conn) {
	defer close(a.done)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !a.isClosed() {
				a.log.Warn().Err(err).Msg("stream read failed")
			}
			return
		}
		if a.isClosed() {
			return
		}
		a.dispatch(msg)
	}
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) dispatch(msg []byte) {
	env, err := a.norm.Decode(msg)
	if err != nil {
		a.dropped.Add(1)
		return
	}

	switch f := env.(type) {
	case normalize.LogFrame:
		a.deliver(f.Candidate)
	case normalize.RawFrame:
		a.deliver(f.Candidate)
	case normalize.ExecutionFrame:
		if a.sink.Begin(f.Signal) {
			a.log.Info().Str("session", f.Signal.Key().String()).Msg("new execution")
		}
	case normalize.ControlFrame:
		if a.onControl != nil {
			a.onControl(f)
		}
	}
}

func (a *Adapter) deliver(candidate *fastjson.Value) {
	entry, ok := a.norm.Normalize(candidate)
	if !ok {
		a.dropped.Add(1)
		return
	}
	if a.sink.Append(entry) {
		a.delivered.Add(1)
	}
}
