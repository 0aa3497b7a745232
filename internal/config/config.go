// Package config holds server runtime options and their sources: defaults,
// a YAML, TOML or JSON file, LABX_* environment variables and flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s" or "5m" in config files.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := parseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// parseDuration accepts Go durations plus a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Sink types.
const (
	SinkPostgres   = "postgres"
	SinkCloudWatch = "cloudwatch"
	SinkFile       = "file"
)

// Config holds server runtime options.
type Config struct {
	Addr         string   `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	DataDir      string   `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`
	HistorySize  int      `json:"history_size,omitempty" yaml:"history_size,omitempty" toml:"history_size,omitempty"`
	MaxBodyBytes int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty" toml:"max_body_bytes,omitempty"`
	CORSOrigins  []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty" toml:"cors_origins,omitempty"`

	// IngestKeyHash is a bcrypt hash of the bearer key required on ingest.
	IngestKeyHash string `json:"ingest_key_hash,omitempty" yaml:"ingest_key_hash,omitempty" toml:"ingest_key_hash,omitempty"`

	// Lifecycle
	Retention       Duration `json:"retention,omitempty" yaml:"retention,omitempty" toml:"retention,omitempty"`
	IdleTimeout     Duration `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`
	CleanInterval   Duration `json:"clean_interval,omitempty" yaml:"clean_interval,omitempty" toml:"clean_interval,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty" toml:"shutdown_timeout,omitempty"`

	// Subscribers
	Heartbeat      Duration `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty" toml:"heartbeat,omitempty"`
	SubscriberIdle Duration `json:"subscriber_idle,omitempty" yaml:"subscriber_idle,omitempty" toml:"subscriber_idle,omitempty"`
	QueueSize      int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty" toml:"queue_size,omitempty"`
	ReplayCount    int      `json:"replay_count,omitempty" yaml:"replay_count,omitempty" toml:"replay_count,omitempty"`

	// Cluster
	Peers    []string `json:"peers,omitempty" yaml:"peers,omitempty" toml:"peers,omitempty"`
	PeerAuth string   `json:"peer_auth,omitempty" yaml:"peer_auth,omitempty" toml:"peer_auth,omitempty"`

	// Sinks
	Sinks             []string `json:"sinks,omitempty" yaml:"sinks,omitempty" toml:"sinks,omitempty"`
	PostgresDSN       string   `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty" toml:"postgres_dsn,omitempty"`
	CloudWatchRegion  string   `json:"cloudwatch_region,omitempty" yaml:"cloudwatch_region,omitempty" toml:"cloudwatch_region,omitempty"`
	CloudWatchProfile string   `json:"cloudwatch_profile,omitempty" yaml:"cloudwatch_profile,omitempty" toml:"cloudwatch_profile,omitempty"`
	CloudWatchGroup   string   `json:"cloudwatch_group,omitempty" yaml:"cloudwatch_group,omitempty" toml:"cloudwatch_group,omitempty"`
	CloudWatchStream  string   `json:"cloudwatch_stream,omitempty" yaml:"cloudwatch_stream,omitempty" toml:"cloudwatch_stream,omitempty"`
	FilePath          string   `json:"file_path,omitempty" yaml:"file_path,omitempty" toml:"file_path,omitempty"`
	BatchSize         int      `json:"batch_size,omitempty" yaml:"batch_size,omitempty" toml:"batch_size,omitempty"`
	FlushInterval     Duration `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty" toml:"flush_interval,omitempty"`

	// Logging
	LogLevel   string `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"` // debug, info, warn, error
	LogDir     string `json:"log_dir,omitempty" yaml:"log_dir,omitempty" toml:"log_dir,omitempty"`
	LogConsole *bool  `json:"log_console,omitempty" yaml:"log_console,omitempty" toml:"log_console,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	console := true
	return Config{
		Addr:             ":8080",
		DataDir:          "./data",
		HistorySize:      5000,
		MaxBodyBytes:     10 << 20,
		CORSOrigins:      []string{"*"},
		Retention:        Duration(7 * 24 * time.Hour),
		IdleTimeout:      Duration(30 * time.Minute),
		CleanInterval:    Duration(time.Minute),
		ShutdownTimeout:  Duration(10 * time.Second),
		Heartbeat:        Duration(30 * time.Second),
		SubscriberIdle:   Duration(5 * time.Minute),
		QueueSize:        256,
		ReplayCount:      20,
		CloudWatchStream: "labxstream",
		BatchSize:        100,
		FlushInterval:    Duration(time.Second),
		LogLevel:         "info",
		LogDir:           "logs",
		LogConsole:       &console,
	}
}

// Merge overlays non-zero values from override onto base.
func Merge(base, override Config) Config {
	result := base

	str := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	num := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	dur := func(dst *Duration, v Duration) {
		if v > 0 {
			*dst = v
		}
	}
	list := func(dst *[]string, v []string) {
		if len(v) > 0 {
			*dst = v
		}
	}

	str(&result.Addr, override.Addr)
	str(&result.DataDir, override.DataDir)
	num(&result.HistorySize, override.HistorySize)
	if override.MaxBodyBytes > 0 {
		result.MaxBodyBytes = override.MaxBodyBytes
	}
	list(&result.CORSOrigins, override.CORSOrigins)
	str(&result.IngestKeyHash, override.IngestKeyHash)
	dur(&result.Retention, override.Retention)
	dur(&result.IdleTimeout, override.IdleTimeout)
	dur(&result.CleanInterval, override.CleanInterval)
	dur(&result.ShutdownTimeout, override.ShutdownTimeout)
	dur(&result.Heartbeat, override.Heartbeat)
	dur(&result.SubscriberIdle, override.SubscriberIdle)
	num(&result.QueueSize, override.QueueSize)
	num(&result.ReplayCount, override.ReplayCount)
	list(&result.Peers, override.Peers)
	str(&result.PeerAuth, override.PeerAuth)
	list(&result.Sinks, override.Sinks)
	str(&result.PostgresDSN, override.PostgresDSN)
	str(&result.CloudWatchRegion, override.CloudWatchRegion)
	str(&result.CloudWatchProfile, override.CloudWatchProfile)
	str(&result.CloudWatchGroup, override.CloudWatchGroup)
	str(&result.CloudWatchStream, override.CloudWatchStream)
	str(&result.FilePath, override.FilePath)
	num(&result.BatchSize, override.BatchSize)
	dur(&result.FlushInterval, override.FlushInterval)
	str(&result.LogLevel, override.LogLevel)
	str(&result.LogDir, override.LogDir)
	if override.LogConsole != nil {
		result.LogConsole = override.LogConsole
	}

	return result
}

// FromEnv applies LABX_* environment overrides to base. Unparsable
// numbers and durations are ignored.
func FromEnv(base Config) Config {
	result := base

	str := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}
	dur := func(dst *Duration, key string) {
		if v := os.Getenv(key); v != "" {
			if parsed, err := parseDuration(v); err == nil {
				*dst = Duration(parsed)
			}
		}
	}
	list := func(dst *[]string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = parseList(v)
		}
	}

	str(&result.Addr, "LABX_ADDR")
	str(&result.DataDir, "LABX_DATA_DIR")
	num(&result.HistorySize, "LABX_HISTORY_SIZE")
	if v := os.Getenv("LABX_MAX_BODY_BYTES"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			result.MaxBodyBytes = parsed
		}
	}
	list(&result.CORSOrigins, "LABX_CORS_ORIGINS")
	str(&result.IngestKeyHash, "LABX_INGEST_KEY_HASH")
	dur(&result.Retention, "LABX_RETENTION")
	dur(&result.IdleTimeout, "LABX_IDLE_TIMEOUT")
	dur(&result.CleanInterval, "LABX_CLEAN_INTERVAL")
	dur(&result.ShutdownTimeout, "LABX_SHUTDOWN_TIMEOUT")
	dur(&result.Heartbeat, "LABX_HEARTBEAT")
	dur(&result.SubscriberIdle, "LABX_SUBSCRIBER_IDLE")
	num(&result.QueueSize, "LABX_QUEUE_SIZE")
	num(&result.ReplayCount, "LABX_REPLAY_COUNT")
	list(&result.Peers, "LABX_PEERS")
	str(&result.PeerAuth, "LABX_PEER_AUTH")
	list(&result.Sinks, "LABX_SINKS")
	str(&result.PostgresDSN, "LABX_POSTGRES_DSN")
	str(&result.CloudWatchRegion, "LABX_CLOUDWATCH_REGION")
	str(&result.CloudWatchProfile, "LABX_CLOUDWATCH_PROFILE")
	str(&result.CloudWatchGroup, "LABX_CLOUDWATCH_GROUP")
	str(&result.CloudWatchStream, "LABX_CLOUDWATCH_STREAM")
	str(&result.FilePath, "LABX_FILE_PATH")
	num(&result.BatchSize, "LABX_BATCH_SIZE")
	dur(&result.FlushInterval, "LABX_FLUSH_INTERVAL")
	str(&result.LogLevel, "LABX_LOG_LEVEL")
	str(&result.LogDir, "LABX_LOG_DIR")
	if v := os.Getenv("LABX_LOG_CONSOLE"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			result.LogConsole = &parsed
		}
	}

	return result
}

// LoadDotEnv loads KEY=VALUE files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// Load reads a YAML, TOML or JSON config file into Config.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json: %w", err)
		}
	}
	return cfg, nil
}

func parseList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the configuration for common misconfigurations and
// returns an error describing all issues found.
func Validate(cfg Config) error {
	var errs []string

	if cfg.Addr == "" {
		errs = append(errs, "addr is required")
	}
	if cfg.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if cfg.HistorySize < 0 {
		errs = append(errs, fmt.Sprintf("history_size cannot be negative: %d", cfg.HistorySize))
	}
	if cfg.QueueSize < 0 {
		errs = append(errs, fmt.Sprintf("queue_size cannot be negative: %d", cfg.QueueSize))
	}
	if cfg.BatchSize < 0 {
		errs = append(errs, fmt.Sprintf("batch_size cannot be negative: %d", cfg.BatchSize))
	}
	if cfg.IngestKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.IngestKeyHash)); err != nil {
			errs = append(errs, "ingest_key_hash is not a bcrypt hash")
		}
	}

	for _, s := range cfg.Sinks {
		switch s {
		case SinkPostgres:
			if cfg.PostgresDSN == "" {
				errs = append(errs, "postgres_dsn is required for the postgres sink")
			}
		case SinkCloudWatch:
			if cfg.CloudWatchGroup == "" {
				errs = append(errs, "cloudwatch_group is required for the cloudwatch sink")
			}
		case SinkFile:
			if cfg.FilePath == "" {
				errs = append(errs, "file_path is required for the file sink")
			}
		default:
			errs = append(errs, fmt.Sprintf("invalid sink %q: must be postgres, cloudwatch or file", s))
		}
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log_level %q", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return errors.New("invalid configuration: " + strings.Join(errs, "; "))
	}
	return nil
}
