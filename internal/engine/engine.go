// Package engine runs the server side of the pipeline: every accepted entry
// is written ahead, kept in a per-execution history, broadcast to
// subscribers and handed to the configured sinks and peers. Finished
// executions are archived to compressed segments.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/labxstream/internal/execution"
	"github.com/coffersTech/labxstream/internal/model"
	"github.com/coffersTech/labxstream/internal/normalize"
	"github.com/coffersTech/labxstream/internal/storage"
	"github.com/coffersTech/labxstream/internal/store"
)

// Broadcaster delivers frames to the subscribers of an execution.
type Broadcaster interface {
	Broadcast(executionID string, msg any) (int, error)
	Total() int
}

// Sink receives every accepted entry.
type Sink interface {
	Write(ctx context.Context, entries []model.LogEntry) error
}

// Relay forwards locally ingested entries to peer servers.
type Relay interface {
	Relay(ctx context.Context, entries []model.LogEntry)
}

// ArchiveWriterFunc writes one execution's entries to path.
type ArchiveWriterFunc func(path string, entries []model.LogEntry) error

// ArchiveReaderFunc reads the entries of one archive that pass filter.
type ArchiveReaderFunc func(path string, filter storage.Filter) ([]model.LogEntry, error)

// Options configure an Engine. DataDir is required.
type Options struct {
	DataDir     string
	HistorySize int
	Retention   time.Duration
	IdleTimeout time.Duration

	Registry Broadcaster
	Catalog  *execution.Catalog
	Sink     Sink
	Relay    Relay
	Logger   zerolog.Logger

	Writer ArchiveWriterFunc
	Reader ArchiveReaderFunc
}

type Engine struct {
	dataDir    string
	walDir     string
	archiveDir string

	Retention   time.Duration
	IdleTimeout time.Duration

	registry Broadcaster
	catalog  *execution.Catalog
	sink     Sink
	relay    Relay
	writer   ArchiveWriterFunc
	reader   ArchiveReaderFunc
	log      zerolog.Logger

	history *History

	// walMu guards wals
	walMu sync.Mutex
	wals  map[string]*WAL

	globalStats PersistentStats
	statsLock   sync.RWMutex
	rate        rateMeter
}

// New prepares the data directory, loads persisted state and replays any
// write-ahead logs left by a previous run.
func New(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, errors.New("engine: data dir required")
	}
	e := &Engine{
		dataDir:     opts.DataDir,
		walDir:      filepath.Join(opts.DataDir, "wal"),
		archiveDir:  filepath.Join(opts.DataDir, "archive"),
		Retention:   opts.Retention,
		IdleTimeout: opts.IdleTimeout,
		registry:    opts.Registry,
		catalog:     opts.Catalog,
		sink:        opts.Sink,
		relay:       opts.Relay,
		writer:      opts.Writer,
		reader:      opts.Reader,
		log:         opts.Logger,
		history:     NewHistory(opts.HistorySize),
		wals:        make(map[string]*WAL),
	}
	for _, dir := range []string{e.walDir, e.archiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}

	if e.catalog == nil {
		e.catalog = execution.NewCatalog(filepath.Join(opts.DataDir, "executions.json"))
	}
	if err := e.catalog.Load(); err != nil {
		return nil, fmt.Errorf("engine: load catalog: %w", err)
	}

	if e.writer == nil || e.reader == nil {
		sw, err := storage.NewSegmentWriter()
		if err != nil {
			return nil, err
		}
		sr, err := storage.NewSegmentReader()
		if err != nil {
			return nil, err
		}
		if e.writer == nil {
			e.writer = func(path string, entries []model.LogEntry) error {
				_, _, err := sw.WriteSegment(path, entries)
				return err
			}
		}
		if e.reader == nil {
			e.reader = sr.ReadSegment
		}
	}

	e.globalStats = loadPersistentStats(opts.DataDir)
	e.recover()
	return e, nil
}

// recover replays every WAL into history. Replayed entries are not
// counted or broadcast again.
func (e *Engine) recover() {
	files, err := filepath.Glob(filepath.Join(e.walDir, "*"+WALExt))
	if err != nil {
		return
	}
	for _, path := range files {
		w, err := OpenWAL(path)
		if err != nil {
			e.log.Warn().Err(err).Str("path", path).Msg("wal open failed")
			continue
		}
		entries, err := w.Replay()
		if err != nil {
			e.log.Warn().Err(err).Str("path", path).Msg("wal replay incomplete")
		}
		if len(entries) == 0 {
			_ = w.Remove()
			continue
		}

		target := entries[0].Session().Target()
		for _, entry := range entries {
			e.history.Append(entry)
		}
		e.walMu.Lock()
		e.wals[target] = w
		e.walMu.Unlock()
		e.log.Info().Str("execution_id", target).Int("entries", len(entries)).Msg("crash recovery: replayed wal")

		// Finished before the crash but not yet archived.
		if ctx, ok := e.catalog.Get(target); ok && ctx.Status.Terminal() {
			if err := e.archive(target); err != nil {
				e.log.Warn().Err(err).Str("execution_id", target).Msg("archive failed")
				continue
			}
			e.dropWAL(target)
		}
	}
}

func (e *Engine) walFor(target string) (*WAL, error) {
	e.walMu.Lock()
	defer e.walMu.Unlock()
	if w, ok := e.wals[target]; ok {
		return w, nil
	}
	w, err := OpenWAL(filepath.Join(e.walDir, storage.SafeName(target)+WALExt))
	if err != nil {
		return nil, err
	}
	e.wals[target] = w
	return w, nil
}

func (e *Engine) dropWAL(target string) {
	e.walMu.Lock()
	w, ok := e.wals[target]
	delete(e.wals, target)
	e.walMu.Unlock()
	if !ok {
		return
	}
	if err := w.Remove(); err != nil {
		e.log.Warn().Err(err).Str("execution_id", target).Msg("wal remove failed")
	}
}

// Ingest accepts entries and returns those that were new. Entries whose
// id was already seen for the execution are skipped. relayed marks entries
// that came from a peer; they are not relayed again.
func (e *Engine) Ingest(ctx context.Context, entries []model.LogEntry, relayed bool) []model.LogEntry {
	return e.ingest(ctx, entries, relayed, true)
}

func (e *Engine) ingest(ctx context.Context, entries []model.LogEntry, relayed, count bool) []model.LogEntry {
	accepted := make([]model.LogEntry, 0, len(entries))
	var duplicates int64

	for _, entry := range entries {
		if !e.history.Append(entry) {
			duplicates++
			continue
		}
		target := entry.Session().Target()

		if target != "" {
			if w, err := e.walFor(target); err != nil {
				e.log.Warn().Err(err).Str("execution_id", target).Msg("wal open failed")
			} else if err := w.Write(entry); err != nil {
				e.log.Warn().Err(err).Str("execution_id", target).Msg("wal write failed")
			}
		}

		if count {
			e.catalog.Touch(entry.Session(), 1, entry.Message)
		}
		if target != "" && e.registry != nil {
			frame := map[string]any{
				"type":        normalize.TypeLog,
				"executionId": target,
				"payload":     entry,
			}
			if _, err := e.registry.Broadcast(target, frame); err != nil {
				e.log.Warn().Err(err).Str("log_id", entry.ID).Msg("broadcast failed")
			}
		}
		accepted = append(accepted, entry)
	}

	e.statsLock.Lock()
	for _, entry := range accepted {
		e.globalStats.record(entry)
	}
	e.globalStats.Duplicates += duplicates
	e.statsLock.Unlock()
	e.rate.add(len(accepted))

	if len(accepted) == 0 {
		return accepted
	}
	if e.sink != nil {
		if err := e.sink.Write(ctx, accepted); err != nil {
			e.log.Warn().Err(err).Int("entries", len(accepted)).Msg("sink write failed")
		}
	}
	if e.relay != nil && !relayed {
		go e.relay.Relay(context.WithoutCancel(ctx), accepted)
	}
	return accepted
}

// StartExecution registers sig as a running execution, announces it to
// subscribers and seeds the history with its expected messages and
// bundled logs.
func (e *Engine) StartExecution(ctx context.Context, sig model.ExecutionSignal) (execution.Context, error) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now()
	}
	started, err := e.catalog.Start(sig.Key(), len(sig.ExpectedMessages))
	if errors.Is(err, execution.ErrNoExecution) {
		return execution.Context{}, err
	}
	if err != nil {
		e.log.Warn().Err(err).Str("execution_id", sig.ExecutionID).Msg("catalog save failed")
	}

	if e.registry != nil {
		frame := map[string]any{
			"type":        normalize.TypeTestExecution,
			"executionId": sig.ExecutionID,
			"testCaseId":  sig.TestCaseID,
			"data":        sig,
		}
		if _, err := e.registry.Broadcast(sig.Key().Target(), frame); err != nil {
			e.log.Warn().Err(err).Str("execution_id", sig.ExecutionID).Msg("broadcast failed")
		}
	}

	seeds := sig.SeedEntries(store.SeedSource)
	n := len(sig.ExpectedMessages)
	e.ingest(ctx, seeds[:n], true, false)
	e.ingest(ctx, seeds[n:], false, true)

	e.log.Info().
		Str("execution_id", sig.ExecutionID).
		Str("test_case_id", sig.TestCaseID).
		Int("expected", n).
		Msg("execution started")
	if cur, ok := e.catalog.Get(sig.ExecutionID); ok {
		return cur, nil
	}
	return started, nil
}

// FinishExecution moves the execution to status, archives its history and
// tells subscribers. The WAL is kept when archiving fails.
func (e *Engine) FinishExecution(ctx context.Context, id string, status execution.Status, errMsg string) (execution.Context, error) {
	finished, err := e.catalog.Finish(id, status, errMsg)
	if errors.Is(err, execution.ErrNotFound) || errors.Is(err, execution.ErrFinished) {
		return finished, err
	}
	if err != nil {
		e.log.Warn().Err(err).Str("execution_id", id).Msg("catalog save failed")
	}

	archiveErr := e.archive(id)
	if archiveErr == nil {
		e.dropWAL(id)
	}
	e.saveStats()

	if e.registry != nil {
		frame := map[string]any{
			"type":        normalize.TypeExecutionStatus,
			"executionId": id,
			"status":      finished,
		}
		if _, err := e.registry.Broadcast(id, frame); err != nil {
			e.log.Warn().Err(err).Str("execution_id", id).Msg("broadcast failed")
		}
	}

	e.log.Info().
		Str("execution_id", id).
		Str("status", string(finished.Status)).
		Int("messages", finished.ActualMessages).
		Msg("execution finished")
	if archiveErr != nil {
		return finished, fmt.Errorf("engine: archive %s: %w", id, archiveErr)
	}
	return finished, nil
}

func (e *Engine) archive(id string) error {
	entries := e.history.Entries(id)
	if len(entries) == 0 {
		e.history.Drop(id)
		return nil
	}
	minTs, maxTs := bounds(entries)
	name := storage.SegmentName(id, minTs, maxTs)
	if err := e.writer(filepath.Join(e.archiveDir, name), entries); err != nil {
		return err
	}
	e.history.Drop(id)

	e.statsLock.Lock()
	e.globalStats.Archived += int64(len(entries))
	e.statsLock.Unlock()
	e.log.Info().Str("execution_id", id).Str("file", name).Int("entries", len(entries)).Msg("execution archived")
	return nil
}

func bounds(entries []model.LogEntry) (minTs, maxTs int64) {
	for i, entry := range entries {
		ts := entry.Timestamp.UnixMilli()
		if i == 0 || ts < minTs {
			minTs = ts
		}
		if i == 0 || ts > maxTs {
			maxTs = ts
		}
	}
	return minTs, maxTs
}

// Recent returns up to n of the newest entries for id, from memory or, for
// archived executions, from disk.
func (e *Engine) Recent(id string, n int) []model.LogEntry {
	if e.history.Len(id) > 0 {
		return e.history.Recent(id, n)
	}
	entries, err := e.readArchives(id, storage.Filter{})
	if err != nil {
		e.log.Warn().Err(err).Str("execution_id", id).Msg("archive read failed")
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

// Status returns the catalog record for id.
func (e *Engine) Status(id string) (any, bool) {
	ctx, ok := e.catalog.Get(id)
	if !ok {
		return nil, false
	}
	return ctx, true
}

func (e *Engine) Catalog() *execution.Catalog { return e.catalog }

// Logs returns id's entries matching c, oldest first.
func (e *Engine) Logs(id string, c store.Criteria) ([]model.LogEntry, error) {
	m, err := c.Compile()
	if err != nil {
		return nil, err
	}
	if e.history.Len(id) > 0 {
		return m.Apply(e.history.Entries(id)), nil
	}
	entries, err := e.readArchives(id, storage.Filter{Layer: c.Layer, Match: m.Match})
	if err != nil {
		return nil, err
	}
	return m.Apply(entries), nil
}

// archiveFiles returns the archives of id, oldest first.
func (e *Engine) archiveFiles(id string) ([]string, error) {
	prefix := "exec_" + storage.SafeName(id) + "_"
	dirEntries, err := os.ReadDir(e.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type file struct {
		path  string
		minTs int64
	}
	var files []file
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		fileID, minTs, _, err := storage.ParseSegmentName(name)
		if err != nil || fileID != storage.SafeName(id) {
			continue
		}
		files = append(files, file{filepath.Join(e.archiveDir, name), minTs})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].minTs < files[j].minTs })

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

func (e *Engine) readArchives(id string, filter storage.Filter) ([]model.LogEntry, error) {
	files, err := e.archiveFiles(id)
	if err != nil {
		return nil, err
	}
	var out []model.LogEntry
	for _, path := range files {
		entries, err := e.reader(path, filter)
		if err != nil {
			e.log.Warn().Err(err).Str("path", path).Msg("archive read failed")
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// ContextResult is an entry with its neighbours.
type ContextResult struct {
	Pre    []model.LogEntry `json:"pre"`
	Anchor *model.LogEntry  `json:"anchor"`
	Post   []model.LogEntry `json:"post"`
}

// GetContext returns up to limit entries on each side of logID within its
// execution, ordered by timestamp.
func (e *Engine) GetContext(id, logID string, limit int) (*ContextResult, error) {
	if limit <= 0 {
		limit = 10
	}
	all, err := e.Logs(id, store.Criteria{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	result := &ContextResult{Pre: []model.LogEntry{}, Post: []model.LogEntry{}}
	anchor := -1
	for i := range all {
		if all[i].ID == logID {
			anchor = i
			break
		}
	}
	if anchor == -1 {
		return result, nil
	}
	result.Anchor = &all[anchor]

	start := anchor - limit
	if start < 0 {
		start = 0
	}
	result.Pre = append(result.Pre, all[start:anchor]...)

	end := anchor + limit + 1
	if end > len(all) {
		end = len(all)
	}
	result.Post = append(result.Post, all[anchor+1:end]...)
	return result, nil
}

// SyncWAL flushes every open WAL to disk.
func (e *Engine) SyncWAL() {
	e.walMu.Lock()
	wals := make([]*WAL, 0, len(e.wals))
	for _, w := range e.wals {
		wals = append(wals, w)
	}
	e.walMu.Unlock()

	for _, w := range wals {
		if err := w.Sync(); err != nil {
			e.log.Warn().Err(err).Str("path", w.Path()).Msg("wal sync failed")
		}
	}
}

// Close syncs and closes the WALs, keeping their files for the next start,
// and persists stats and the catalog.
func (e *Engine) Close() error {
	e.walMu.Lock()
	var errs []error
	for target, w := range e.wals {
		if err := w.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.wals, target)
	}
	e.walMu.Unlock()

	e.saveStats()
	if err := e.catalog.Save(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
