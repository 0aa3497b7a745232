// Package execution tracks the lifecycle of test executions known to the
// server.
package execution

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coffersTech/labxstream/internal/model"
)

var (
	ErrNotFound    = errors.New("execution: not found")
	ErrFinished    = errors.New("execution: already finished")
	ErrNoExecution = errors.New("execution: execution id required")
)

// Status of an execution. Running is the only non-terminal status.
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

func (s Status) Terminal() bool { return s != StatusRunning }

// ParseStatus accepts the terminal statuses a client may report.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return Status(s), true
	case "":
		return StatusCompleted, true
	}
	return "", false
}

// Context is the server's record of one execution.
type Context struct {
	ExecutionID      string     `json:"executionId"`
	TestCaseID       string     `json:"testCaseId,omitempty"`
	Status           Status     `json:"status"`
	StartedAt        time.Time  `json:"startedAt"`
	LastActivity     time.Time  `json:"lastActivity"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	ExpectedMessages int        `json:"expectedMessages"`
	ActualMessages   int        `json:"actualMessages"`
	Progress         float64    `json:"progress"`
	LastMessage      string     `json:"lastMessage,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// Key returns the execution's session key.
func (c Context) Key() model.SessionKey {
	return model.SessionKey{ExecutionID: c.ExecutionID, TestCaseID: c.TestCaseID}
}

func (c *Context) updateProgress() {
	if c.ExpectedMessages <= 0 {
		c.Progress = 0
		return
	}
	p := float64(c.ActualMessages) / float64(c.ExpectedMessages) * 100
	if p > 100 {
		p = 100
	}
	c.Progress = p
}

// Catalog holds every known execution. With a file path it persists to a
// JSON file; without one it is memory only.
type Catalog struct {
	filePath string
	mu       sync.RWMutex
	data     map[string]*Context
	now      func() time.Time
}

func NewCatalog(filePath string) *Catalog {
	return &Catalog{
		filePath: filePath,
		data:     make(map[string]*Context),
		now:      time.Now,
	}
}

// Load reads the catalog file. A missing file is not an error.
func (c *Catalog) Load() error {
	if c.filePath == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(raw) == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("execution: read catalog: %w", err)
	}

	var list []*Context
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("execution: decode catalog: %w", err)
	}
	for _, ctx := range list {
		if ctx.ExecutionID != "" {
			c.data[ctx.ExecutionID] = ctx
		}
	}
	return nil
}

// Save writes the catalog atomically.
func (c *Catalog) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Catalog) saveLocked() error {
	if c.filePath == "" {
		return nil
	}
	list := make([]*Context, 0, len(c.data))
	for _, ctx := range c.data {
		list = append(list, ctx)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })

	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.filePath)
}

// Start records a running execution. Starting a known execution again
// reopens it and replaces its expected message count.
func (c *Catalog) Start(key model.SessionKey, expected int) (Context, error) {
	if key.ExecutionID == "" {
		return Context{}, ErrNoExecution
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ctx, ok := c.data[key.ExecutionID]
	if !ok {
		ctx = &Context{ExecutionID: key.ExecutionID, StartedAt: now}
		c.data[key.ExecutionID] = ctx
	}
	if key.TestCaseID != "" {
		ctx.TestCaseID = key.TestCaseID
	}
	ctx.Status = StatusRunning
	ctx.FinishedAt = nil
	ctx.Error = ""
	ctx.ExpectedMessages = expected
	ctx.LastActivity = now
	ctx.updateProgress()

	return *ctx, c.saveLocked()
}

// Touch counts n delivered messages. Unknown executions are created in
// the running state.
func (c *Catalog) Touch(key model.SessionKey, n int, lastMessage string) Context {
	if key.ExecutionID == "" {
		return Context{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ctx, ok := c.data[key.ExecutionID]
	if !ok {
		ctx = &Context{ExecutionID: key.ExecutionID, TestCaseID: key.TestCaseID, Status: StatusRunning, StartedAt: now}
		c.data[key.ExecutionID] = ctx
	}
	ctx.ActualMessages += n
	ctx.LastActivity = now
	if lastMessage != "" {
		ctx.LastMessage = lastMessage
	}
	ctx.updateProgress()
	return *ctx
}

// Finish moves a running execution to a terminal status.
func (c *Catalog) Finish(id string, status Status, errMsg string) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, ok := c.data[id]
	if !ok {
		return Context{}, ErrNotFound
	}
	if ctx.Status.Terminal() {
		return *ctx, ErrFinished
	}
	now := c.now()
	ctx.Status = status
	ctx.FinishedAt = &now
	ctx.LastActivity = now
	ctx.Error = errMsg
	return *ctx, c.saveLocked()
}

func (c *Catalog) Get(id string) (Context, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.data[id]
	if !ok {
		return Context{}, false
	}
	return *ctx, true
}

// List returns every execution, most recently started first.
func (c *Catalog) List() []Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Context, 0, len(c.data))
	for _, ctx := range c.data {
		out = append(out, *ctx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Idle returns running executions without activity for longer than d.
func (c *Catalog) Idle(d time.Duration) []Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.now().Add(-d)
	var out []Context
	for _, ctx := range c.data {
		if ctx.Status == StatusRunning && ctx.LastActivity.Before(cutoff) {
			out = append(out, *ctx)
		}
	}
	return out
}

// Prune forgets finished executions that ended before cutoff.
func (c *Catalog) Prune(cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, ctx := range c.data {
		if ctx.FinishedAt != nil && ctx.FinishedAt.Before(cutoff) {
			delete(c.data, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, c.saveLocked()
}

// Counts returns the number of executions per status.
func (c *Catalog) Counts() map[Status]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Status]int)
	for _, ctx := range c.data {
		out[ctx.Status]++
	}
	return out
}
