package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coffersTech/labxstream/internal/cluster"
	"github.com/coffersTech/labxstream/internal/config"
	"github.com/coffersTech/labxstream/internal/engine"
	"github.com/coffersTech/labxstream/internal/logger"
	"github.com/coffersTech/labxstream/internal/registry"
	"github.com/coffersTech/labxstream/internal/server"
	"github.com/coffersTech/labxstream/internal/sink"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML, TOML or JSON config file")
	envFile := flag.String("env", ".env", "Path to a .env file (skipped when missing)")
	addr := flag.String("addr", "", "HTTP listen address (e.g. :8080)")
	dataDir := flag.String("data", "", "Directory for WAL files, archives and state")
	retention := flag.String("retention", "", "Archive retention (e.g. 72h, 7d)")
	peers := flag.String("peers", "", "Comma-separated peer base URLs to relay logs to")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "labxstream: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		fileCfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "labxstream: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	cfg = config.FromEnv(cfg)

	flags := config.Config{Addr: *addr, DataDir: *dataDir, LogLevel: *logLevel}
	if *retention != "" {
		if err := flags.Retention.UnmarshalText([]byte(*retention)); err != nil {
			fmt.Fprintf(os.Stderr, "labxstream: invalid retention: %v\n", err)
			os.Exit(1)
		}
	}
	if *peers != "" {
		flags.Peers = strings.Split(*peers, ",")
	}
	cfg = config.Merge(cfg, flags)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "labxstream: %v\n", err)
		os.Exit(1)
	}

	closers, err := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Dir:     cfg.LogDir,
		Console: cfg.LogConsole == nil || *cfg.LogConsole,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "labxstream: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	if err := run(cfg); err != nil {
		logger.AppLogger.Error().Err(err).Msg("labxstream stopped")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	log := logger.Component("main")
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks, err := sink.Build(ctx, cfg, logger.Component("sink"))
	if err != nil {
		return err
	}
	if sinks != nil {
		defer func() {
			if err := sinks.Close(); err != nil {
				log.Warn().Err(err).Msg("sink close failed")
			}
		}()
	}

	reg := registry.New(registry.WithLogger(logger.Component("registry")))

	opts := engine.Options{
		DataDir:     cfg.DataDir,
		HistorySize: cfg.HistorySize,
		Retention:   cfg.Retention.Std(),
		IdleTimeout: cfg.IdleTimeout.Std(),
		Registry:    reg,
		Logger:      logger.Component("engine"),
	}
	if sinks != nil {
		opts.Sink = sinks
	}
	var relay *cluster.Relay
	if len(cfg.Peers) > 0 {
		relay = cluster.NewRelay(cfg.Peers, cfg.PeerAuth, logger.Component("cluster"))
		opts.Relay = relay
		log.Info().Strs("peers", relay.Peers).Msg("cluster relay enabled")
	}

	eng, err := engine.New(opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn().Err(err).Msg("engine close failed")
		}
	}()

	ws := registry.NewServer(reg, eng, registry.ServerOptions{
		Heartbeat:   cfg.Heartbeat.Std(),
		IdleTimeout: cfg.SubscriberIdle.Std(),
		QueueSize:   cfg.QueueSize,
		ReplayCount: cfg.ReplayCount,
		CheckOrigin: checkOrigin(cfg.CORSOrigins),
		Logger:      logger.Component("ws"),
	})

	srvOpts := server.Options{
		MaxBodyBytes:  cfg.MaxBodyBytes,
		CORSOrigins:   cfg.CORSOrigins,
		IngestKeyHash: cfg.IngestKeyHash,
		Logger:        logger.Component("http"),
	}
	if relay != nil {
		srvOpts.Cluster = relay
	}
	srv := server.New(eng, ws, srvOpts)

	ws.StartHeartbeat(ctx)
	eng.StartStatsTicker(ctx, time.Second)
	go eng.RunCleaner(ctx, cfg.CleanInterval.Std())

	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Addr) }()
	log.Info().Str("addr", cfg.Addr).Str("data_dir", cfg.DataDir).Msg("labxstream started")

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
	if err := reg.Close(); err != nil {
		log.Warn().Err(err).Msg("registry close failed")
	}
	log.Info().Msg("labxstream exited gracefully")
	return nil
}

// checkOrigin mirrors the CORS origins for WebSocket upgrades.
func checkOrigin(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
