// Package labxstream is a producer client for a labxstream server. It
// batches log entries and drives the execution lifecycle over HTTP.
package labxstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	ServerURL string
	APIKey    string
	// Source is recorded on entries that do not set one.
	Source string
	// ExecutionID and TestCaseID are applied to entries without a key.
	ExecutionID string
	TestCaseID  string

	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	HTTPClient    *http.Client
	// ErrorLog receives delivery failures. Defaults to stderr.
	ErrorLog io.Writer
}

// Entry is one log entry as accepted by POST /api/logs.
type Entry struct {
	ID                  string         `json:"id,omitempty"`
	Timestamp           int64          `json:"timestamp,omitempty"`
	Level               string         `json:"level,omitempty"`
	Message             string         `json:"message"`
	Source              string         `json:"source,omitempty"`
	Layer               string         `json:"layer,omitempty"`
	Protocol            string         `json:"protocol,omitempty"`
	Direction           string         `json:"direction,omitempty"`
	MessageID           string         `json:"messageId,omitempty"`
	StepID              string         `json:"stepId,omitempty"`
	ExecutionID         string         `json:"executionId,omitempty"`
	TestCaseID          string         `json:"testCaseId,omitempty"`
	Data                map[string]any `json:"data,omitempty"`
	Decoded             any            `json:"decoded,omitempty"`
	InformationElements []IE           `json:"informationElements,omitempty"`
}

type IE struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ExpectedMessage is a message an execution is expected to produce.
type ExpectedMessage struct {
	ID             string         `json:"id,omitempty"`
	StepID         string         `json:"stepId,omitempty"`
	Layer          string         `json:"layer,omitempty"`
	Protocol       string         `json:"protocol,omitempty"`
	Direction      string         `json:"direction,omitempty"`
	MessageType    string         `json:"messageType,omitempty"`
	MessageName    string         `json:"messageName,omitempty"`
	MessagePayload map[string]any `json:"messagePayload,omitempty"`
}

// Execution announces a test execution.
type Execution struct {
	ExecutionID      string            `json:"executionId,omitempty"`
	TestCaseID       string            `json:"testCaseId,omitempty"`
	TestCaseData     map[string]any    `json:"testCaseData,omitempty"`
	ExpectedMessages []ExpectedMessage `json:"expectedMessages,omitempty"`
	Logs             []Entry           `json:"logs,omitempty"`
}

// ExecutionInfo is the server's view of an execution.
type ExecutionInfo struct {
	ExecutionID      string     `json:"executionId"`
	TestCaseID       string     `json:"testCaseId,omitempty"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	ExpectedMessages int        `json:"expectedMessages"`
	ActualMessages   int        `json:"actualMessages"`
	Progress         float64    `json:"progress"`
	Error            string     `json:"error,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("labxstream: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client queues entries and posts them in batches from a background loop.
type Client struct {
	opts    Options
	queue   chan Entry
	flushes chan chan struct{}
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func New(opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = os.Stderr
	}
	if opts.Source == "" {
		opts.Source, _ = os.Hostname()
	}
	opts.ServerURL = strings.TrimRight(opts.ServerURL, "/")

	c := &Client{
		opts:  opts,
		queue:   make(chan Entry, opts.QueueSize),
		flushes: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.runLoop()
	return c
}

// Log queues e, filling in id, timestamp, source and execution key. It
// returns false when the queue is full or the client is shut down.
func (c *Client) Log(e Entry) bool {
	if c.closed.Load() {
		return false
	}
	if e.ID == "" {
		e.ID = "log_" + uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Source == "" {
		e.Source = c.opts.Source
	}
	if e.ExecutionID == "" && e.TestCaseID == "" {
		e.ExecutionID, e.TestCaseID = c.opts.ExecutionID, c.opts.TestCaseID
	}

	select {
	case c.queue <- e:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of entries discarded because the queue was
// full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

func (c *Client) runLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	var batch []Entry
	send := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.post(context.Background(), "/api/logs", batch, nil); err != nil {
			fmt.Fprintf(c.opts.ErrorLog, "labxstream: send %d entries: %v\n", len(batch), err)
		}
		batch = nil
	}

	for {
		select {
		case e := <-c.queue:
			batch = append(batch, e)
			if len(batch) >= c.opts.BatchSize {
				send()
			}
		case <-ticker.C:
			send()
		case ack := <-c.flushes:
			drain(&batch, c.queue, c.opts.BatchSize, send)
			send()
			close(ack)
		case <-c.done:
			drain(&batch, c.queue, c.opts.BatchSize, send)
			send()
			return
		}
	}
}

// drain moves everything queued into batch, sending full batches.
func drain(batch *[]Entry, queue chan Entry, size int, send func()) {
	for {
		select {
		case e := <-queue:
			*batch = append(*batch, e)
			if len(*batch) >= size {
				send()
			}
		default:
			return
		}
	}
}

// Flush sends everything queued so far and waits for the delivery
// attempt to finish.
func (c *Client) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case c.flushes <- ack:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the loop after sending everything queued.
func (c *Client) Shutdown() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	c.wg.Wait()
}

// StartExecution registers an execution. When exec has no id the server
// assigns one, which the returned info carries.
func (c *Client) StartExecution(ctx context.Context, exec Execution) (ExecutionInfo, error) {
	var info ExecutionInfo
	err := c.post(ctx, "/api/executions", exec, &info)
	return info, err
}

// Complete finishes an execution with status completed, failed or
// terminated. Entries queued before the call are sent first.
func (c *Client) Complete(ctx context.Context, executionID, status, errMsg string) (ExecutionInfo, error) {
	if err := c.Flush(ctx); err != nil {
		return ExecutionInfo{}, err
	}
	var info ExecutionInfo
	body := map[string]string{"status": status, "error": errMsg}
	err := c.post(ctx, "/api/executions/"+executionID+"/complete", body, &info)
	return info, err
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.ServerURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
