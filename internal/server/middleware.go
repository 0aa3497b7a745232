package server

import (
	"bytes"
	"crypto/sha256"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/coffersTech/labxstream/internal/logger"
)

// maxLoggedBody caps the request and response bodies copied into http.log.
const maxLoggedBody = 4 << 10

// HTTPLogger writes a summary line per request to the app log and a full
// trace to the http log. Health checks and WebSocket upgrades are not
// traced.
func HTTPLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		if strings.HasPrefix(c.Request.URL.Path, "/ws") {
			c.Next()
			logger.AppLogger.Debug().
				Str("path", c.Request.URL.Path).
				Str("client_ip", c.ClientIP()).
				Msg("websocket_closed")
			return
		}

		start := time.Now()
		reqBody := peekBody(c.Request)

		blw := &bodyLogWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		status := c.Writer.Status()
		event := logger.AppLogger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.AppLogger.Error()
		}
		if len(c.Errors) > 0 {
			event = event.Strs("errors", c.Errors.Errors())
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("route", c.FullPath()).
			Int("status", status).
			Dur("latency_ms", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request_processed")

		logger.HttpLogger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Dict("headers", logHeaders(c.Request.Header)).
			Dict("query_params", logDictFromValues(c.Request.URL.Query())).
			Str("request_body", truncate(reqBody)).
			Str("response_body", truncate(blw.body.Bytes())).
			Msg("http_trace")
	}
}

// peekBody reads up to one byte past maxLoggedBody and puts it back in
// front of the unread body. Read errors stay on the body for the handler.
func peekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
	r.Body = readCloser{io.MultiReader(bytes.NewReader(b), r.Body), r.Body}
	return b
}

type readCloser struct {
	io.Reader
	io.Closer
}

// LimitBody caps every request body at n bytes. Reads past the cap fail
// with *http.MaxBytesError.
func LimitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil && c.Request.Body != http.NoBody {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "...(truncated)"
	}
	return string(b)
}

func logHeaders(h http.Header) *zerolog.Event {
	dict := zerolog.Dict()
	for k, v := range h {
		if strings.EqualFold(k, "Authorization") {
			dict.Str(k, "REDACTED")
		} else {
			dict.Str(k, strings.Join(v, ", "))
		}
	}
	return dict
}

func logDictFromValues(values url.Values) *zerolog.Event {
	dict := zerolog.Dict()
	for k, v := range values {
		if k == "token" {
			dict.Str(k, "REDACTED")
			continue
		}
		dict.Strs(k, v)
	}
	return dict
}

type bodyLogWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *bodyLogWriter) Write(b []byte) (int, error) {
	if w.body.Len() < maxLoggedBody {
		w.body.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

// corsConfig allows every origin when origins is empty or contains "*".
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-Labx-Relayed"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        1 * time.Hour,
	}
	all := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			all = true
		}
	}
	if all {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// KeyAuth checks the bearer token (or token query parameter) against a
// bcrypt hash. An empty hash disables the check. Tokens that passed once
// are remembered by digest so bcrypt runs once per distinct key.
type KeyAuth struct {
	hash []byte

	mu   sync.RWMutex
	seen map[[sha256.Size]byte]struct{}
}

func NewKeyAuth(hash string) *KeyAuth {
	return &KeyAuth{hash: []byte(hash), seen: make(map[[sha256.Size]byte]struct{})}
}

func (a *KeyAuth) Allowed(token string) bool {
	if len(a.hash) == 0 {
		return true
	}
	if token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	a.mu.RLock()
	_, ok := a.seen[sum]
	a.mu.RUnlock()
	if ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.mu.Lock()
	a.seen[sum] = struct{}{}
	a.mu.Unlock()
	return true
}

// Middleware aborts requests without a valid key with 401.
func (a *KeyAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Allowed(requestToken(c.Request)) {
			c.Header("WWW-Authenticate", `Bearer realm="labxstream"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: missing or invalid key"})
			return
		}
		c.Next()
	}
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
