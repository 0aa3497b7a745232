// Package logger configures the process loggers.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	AppLogger  = zerolog.Nop()
	HttpLogger = zerolog.Nop()
)

// Options select where logs go. An empty Dir disables the log files.
type Options struct {
	Level   string
	Dir     string
	Console bool
	// Out replaces stderr for the console writer.
	Out io.Writer
}

// Init sets AppLogger (console plus app.log, with caller info) and
// HttpLogger (http.log, or the console when there is no log dir). Log
// files live under Dir in one directory per day.
func Init(opts Options) ([]io.Closer, error) {
	level := ParseLevel(opts.Level, zerolog.InfoLevel)

	zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
		short := file
		for i := len(file) - 1; i > 0; i-- {
			if file[i] == '/' {
				short = file[i+1:]
				break
			}
		}
		return short + ":" + strconv.Itoa(line)
	}

	var console io.Writer
	if opts.Console {
		out := opts.Out
		if out == nil {
			out = os.Stderr
		}
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var closers []io.Closer
	var appFile, httpFile io.Writer
	if opts.Dir != "" {
		logPath := filepath.Join(opts.Dir, time.Now().Format("02-01-2006"))
		if err := os.MkdirAll(logPath, 0755); err != nil {
			return nil, err
		}
		af, err := os.OpenFile(filepath.Join(logPath, "app.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			return nil, err
		}
		hf, err := os.OpenFile(filepath.Join(logPath, "http.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			af.Close()
			return nil, err
		}
		appFile, httpFile = af, hf
		closers = append(closers, af, hf)
	}

	AppLogger = zerolog.New(combine(console, appFile)).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	httpOut := httpFile
	if httpOut == nil {
		httpOut = console
	}
	HttpLogger = zerolog.New(combine(httpOut)).
		Level(level).
		With().
		Timestamp().
		Logger()

	return closers, nil
}

func combine(writers ...io.Writer) io.Writer {
	var ws []io.Writer
	for _, w := range writers {
		if w != nil {
			ws = append(ws, w)
		}
	}
	switch len(ws) {
	case 0:
		return io.Discard
	case 1:
		return ws[0]
	default:
		return zerolog.MultiLevelWriter(ws...)
	}
}

// Component returns AppLogger tagged with a component name.
func Component(name string) zerolog.Logger {
	return AppLogger.With().Str("component", name).Logger()
}

func ParseLevel(levelStr string, defaultLevel zerolog.Level) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return defaultLevel
	}
}
