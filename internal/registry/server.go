package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/model"
)

// Backlog answers the status and replay requests a subscriber can make.
type Backlog interface {
	// Recent returns up to n of the newest entries for executionID,
	// oldest first.
	Recent(executionID string, n int) []model.LogEntry
	// Status describes the execution, or reports false when unknown.
	Status(executionID string) (any, bool)
}

// ServerOptions tune the WebSocket endpoint. Zero values use the defaults.
type ServerOptions struct {
	Heartbeat   time.Duration
	IdleTimeout time.Duration
	QueueSize   int
	ReplayCount int
	ReadLimit   int64
	CheckOrigin func(r *http.Request) bool
	Logger      zerolog.Logger
}

func (o *ServerOptions) setDefaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.ReplayCount <= 0 {
		o.ReplayCount = 20
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
}

// Server upgrades subscriber requests to WebSockets and registers them.
type Server struct {
	reg      *Registry
	backlog  Backlog
	opts     ServerOptions
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu   sync.Mutex
	live map[*wsConn]struct{}
}

// NewServer returns a WebSocket endpoint over reg. backlog may be nil.
func NewServer(reg *Registry, backlog Backlog, opts ServerOptions) *Server {
	opts.setDefaults()
	return &Server{
		reg:     reg,
		backlog: backlog,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		log:  opts.Logger,
		live: make(map[*wsConn]struct{}),
	}
}

// ServeHTTP reads the session key from the executionId and testCaseId
// query parameters.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.Serve(w, r, model.SessionKey{ExecutionID: q.Get("executionId"), TestCaseID: q.Get("testCaseId")})
}

// Serve upgrades the request and blocks until the subscriber goes away.
// A request without any key is closed with code 1008.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, key model.SessionKey) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	target := key.Target()
	if target == "" {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "executionId or testCaseId required"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}

	c := newWSConn(uuid.NewString(), key, ws, s.opts.QueueSize)
	if err := s.reg.Register(target, c); err != nil {
		_ = c.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.track(c)
	defer func() {
		s.reg.Unregister(target, c)
		s.untrack(c)
		_ = c.Close()
	}()

	go c.writeLoop()

	s.log.Info().Str("execution_id", target).Str("conn_id", c.id).Msg("subscriber connected")
	s.send(c, map[string]any{
		"type":         "connection",
		"status":       "connected",
		"connectionId": c.id,
		"executionId":  key.ExecutionID,
		"testCaseId":   key.TestCaseID,
		"timestamp":    time.Now().UnixMilli(),
	})

	ws.SetReadLimit(s.opts.ReadLimit)
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("conn_id", c.id).Msg("subscriber read failed")
			}
			break
		}
		c.touch()
		s.handle(c, target, msg)
	}
	s.log.Info().Str("execution_id", target).Str("conn_id", c.id).Msg("subscriber disconnected")
}

func (s *Server) handle(c *wsConn, target string, msg []byte) {
	v, err := fastjson.ParseBytes(msg)
	if err != nil {
		s.send(c, map[string]any{"type": "error", "error": "invalid JSON", "timestamp": time.Now().UnixMilli()})
		return
	}

	switch typ := string(v.GetStringBytes("type")); typ {
	case "ping":
		s.send(c, map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})

	case "init":
		s.send(c, map[string]any{"type": "init_ack", "executionId": target, "timestamp": time.Now().UnixMilli()})

	case "request_status":
		resp := map[string]any{"type": "execution_status", "executionId": target, "timestamp": time.Now().UnixMilli()}
		if s.backlog != nil {
			if st, ok := s.backlog.Status(target); ok {
				resp["status"] = st
			}
		}
		s.send(c, resp)

	case "request_messages":
		count := 0
		if s.backlog != nil {
			for _, e := range s.backlog.Recent(target, s.opts.ReplayCount) {
				s.send(c, map[string]any{"type": "log", "executionId": target, "payload": e})
				count++
			}
		}
		s.send(c, map[string]any{"type": "execution_messages", "executionId": target, "count": count})

	default:
		s.log.Debug().Str("type", typ).Str("conn_id", c.id).Msg("ignoring subscriber message")
	}
}

func (s *Server) send(c *wsConn, frame map[string]any) {
	b, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal frame")
		return
	}
	if err := c.Send(b); err != nil {
		s.log.Debug().Err(err).Str("conn_id", c.id).Msg("frame dropped")
	}
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	s.live[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.live, c)
	s.mu.Unlock()
}

func (s *Server) snapshot() []*wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wsConn, 0, len(s.live))
	for c := range s.live {
		out = append(out, c)
	}
	return out
}

// Live returns the number of open subscriber sockets.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Sweep pings every subscriber and closes those idle longer than the idle
// timeout. It returns the number closed.
func (s *Server) Sweep(now time.Time) int {
	closed := 0
	hb, _ := json.Marshal(map[string]any{"type": "heartbeat", "timestamp": now.UnixMilli()})
	for _, c := range s.snapshot() {
		if c.idleFor(now) > s.opts.IdleTimeout {
			s.log.Info().Str("conn_id", c.id).Msg("closing idle subscriber")
			_ = c.closeWith(websocket.CloseGoingAway, "idle timeout")
			closed++
			continue
		}
		_ = c.ws.WriteControl(websocket.PingMessage, nil, now.Add(writeWait))
		_ = c.Send(hb)
	}
	return closed
}

// StartHeartbeat runs Sweep every heartbeat interval until ctx is done.
func (s *Server) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.Sweep(now)
			case <-ctx.Done():
				return
			}
		}
	}()
}
