package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coffersTech/labxstream/internal/model"
)

const writeWait = 10 * time.Second

// wsConn adapts a gorilla connection to Conn. Outgoing frames go through a
// bounded queue drained by a single writer goroutine; a full queue drops
// the frame.
type wsConn struct {
	id       string
	key      model.SessionKey
	ws       *websocket.Conn
	queue    chan []byte
	done     chan struct{}
	state    atomic.Int32
	lastSeen atomic.Int64
	once     sync.Once
}

func newWSConn(id string, key model.SessionKey, ws *websocket.Conn, queueSize int) *wsConn {
	c := &wsConn{
		id:    id,
		key:   key,
		ws:    ws,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	c.touch()
	return c
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) State() ConnState { return ConnState(c.state.Load()) }

func (c *wsConn) Send(msg []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	select {
	case c.queue <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (c *wsConn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *wsConn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// writeLoop owns every data write on the socket.
func (c *wsConn) writeLoop() {
	for {
		select {
		case msg := <-c.queue:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close sends a normal close frame and releases the socket. It is safe to
// call more than once.
func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, reason string) error {
	var err error
	c.once.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		err = c.ws.Close()
		c.state.Store(int32(StateClosed))
	})
	return err
}
