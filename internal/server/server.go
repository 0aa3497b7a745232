// Package server exposes the ingestion, execution and subscription
// endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/valyala/fastjson"

	"github.com/coffersTech/labxstream/internal/engine"
	"github.com/coffersTech/labxstream/internal/normalize"
	"github.com/coffersTech/labxstream/internal/registry"
)

// ClusterStats merges statistics from peer servers into the local ones.
type ClusterStats interface {
	Stats(ctx context.Context, local engine.SystemStats) engine.SystemStats
}

// Options configure the HTTP surface. Zero values use the defaults.
type Options struct {
	MaxBodyBytes  int64
	CORSOrigins   []string
	IngestKeyHash string
	Normalizer    *normalize.Normalizer
	Cluster       ClusterStats
	Logger        zerolog.Logger
}

type Server struct {
	engine *engine.Engine
	ws     *registry.Server
	opts   Options
	auth   *KeyAuth
	norm   *normalize.Normalizer
	parser fastjson.ParserPool
	log    zerolog.Logger

	router *gin.Engine
	srv    *http.Server
}

func New(eng *engine.Engine, ws *registry.Server, opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.Normalizer == nil {
		opts.Normalizer = normalize.Default
	}
	s := &Server{
		engine: eng,
		ws:     ws,
		opts:   opts,
		auth:   NewKeyAuth(opts.IngestKeyHash),
		norm:   opts.Normalizer,
		log:    opts.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		LimitBody(s.opts.MaxBodyBytes),
		HTTPLogger(),
		cors.New(corsConfig(s.opts.CORSOrigins)),
	)

	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/executions", s.handleListExecutions)
		api.GET("/executions/:id", s.handleGetExecution)
		api.GET("/executions/:id/logs", s.handleExecutionLogs)
		api.GET("/executions/:id/context/:logId", s.handleLogContext)
	}

	protected := router.Group("/api")
	protected.Use(s.auth.Middleware())
	{
		protected.POST("/logs", s.handleIngest)
		protected.POST("/executions", s.handleStartExecution)
		protected.POST("/executions/:id/complete", s.handleCompleteExecution)
	}

	if s.ws != nil {
		router.GET("/ws", gin.WrapH(s.ws))
		router.GET("/ws/execution/:executionId", s.handleSubscribe)
	}
	return router
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked WebSocket
// connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// readBody reads at most MaxBodyBytes. It writes the error response
// itself and returns false on failure.
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes))
	if err != nil {
		if tooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return nil, false
	}
	return body, true
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns local statistics, or the sum over the cluster with
// ?scope=cluster.
func (s *Server) handleStats(c *gin.Context) {
	stats := s.engine.GetStats()
	if c.Query("scope") == "cluster" && s.opts.Cluster != nil {
		stats = s.opts.Cluster.Stats(c.Request.Context(), stats)
	}
	c.JSON(http.StatusOK, stats)
}
