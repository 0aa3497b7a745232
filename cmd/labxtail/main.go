package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/coffersTech/labxstream/internal/logger"
	"github.com/coffersTech/labxstream/internal/normalize"
	"github.com/coffersTech/labxstream/internal/store"
	"github.com/coffersTech/labxstream/internal/transport"
	"github.com/coffersTech/labxstream/internal/tui"
	"github.com/coffersTech/labxstream/internal/view"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "labxstream server base URL")
	executionID := flag.String("execution", "", "Execution id to follow")
	testCaseID := flag.String("testcase", "", "Test case id to follow")
	capacity := flag.Int("capacity", 1000, "Entries kept in memory")
	window := flag.Int("window", view.DefaultWindow, "Entries kept per layer tab")
	replay := flag.Bool("replay", true, "Ask the server for recent messages after connecting")
	logDir := flag.String("log-dir", "", "Write diagnostics to this directory")
	flag.Parse()

	if *executionID == "" && *testCaseID == "" {
		fmt.Fprintln(os.Stderr, "labxtail: -execution or -testcase is required")
		os.Exit(2)
	}

	closers, err := logger.Init(logger.Options{Level: "info", Dir: *logDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "labxtail: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()

	wsURL, err := streamURL(*server, *executionID, *testCaseID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labxtail: %v\n", err)
		os.Exit(2)
	}

	st := store.New(*capacity)
	fanout := view.NewFanout(st, *window)
	defer fanout.Close()

	target := *executionID
	if target == "" {
		target = *testCaseID
	}
	p := tea.NewProgram(tui.New(st, fanout, target), tea.WithAltScreen())

	log := logger.Component("labxtail")
	adapter := transport.New(st,
		transport.WithLogger(log),
		transport.OnControl(func(f normalize.ControlFrame) {
			log.Debug().Str("type", f.Type).Msg("control frame")
		}),
	)
	defer adapter.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adapter.Connect(ctx, wsURL); err != nil {
			p.Send(tui.StatusMsg{Err: err})
			return
		}
		p.Send(tui.StatusMsg{Connected: true})
		if *replay {
			if err := adapter.Send(map[string]any{"type": normalize.TypeRequestMessages}); err != nil {
				log.Warn().Err(err).Msg("replay request failed")
			}
		}
		<-adapter.Done()
		p.Send(tui.StatusMsg{Err: errors.New("stream closed")})
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "labxtail: %v\n", err)
		os.Exit(1)
	}
}

// streamURL turns the server base URL into the subscription endpoint.
func streamURL(base, executionID, testCaseID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	q := url.Values{}
	if executionID != "" {
		u.Path += "/ws/execution/" + url.PathEscape(executionID)
	} else {
		u.Path += "/ws"
	}
	if testCaseID != "" {
		q.Set("testCaseId", testCaseID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
