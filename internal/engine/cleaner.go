package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coffersTech/labxstream/internal/execution"
	"github.com/coffersTech/labxstream/internal/storage"
)

// RunCleaner periodically finishes idle executions, removes expired
// archives and forgets old catalog records. It returns when ctx is done.
func (e *Engine) RunCleaner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().Dur("retention", e.Retention).Dur("idle_timeout", e.IdleTimeout).Dur("interval", interval).Msg("cleaner started")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.Clean(ctx, now)
		}
	}
}

// Clean runs one cleaner pass as of now.
func (e *Engine) Clean(ctx context.Context, now time.Time) {
	e.finishIdle(ctx)
	e.SyncWAL()
	if e.Retention > 0 {
		e.purgeExpiredFiles(now)
		if n, err := e.catalog.Prune(now.Add(-e.Retention)); err != nil {
			e.log.Warn().Err(err).Msg("catalog prune failed")
		} else if n > 0 {
			e.log.Info().Int("executions", n).Msg("pruned finished executions")
		}
	}
	e.saveStats()
}

func (e *Engine) finishIdle(ctx context.Context) {
	if e.IdleTimeout <= 0 {
		return
	}
	for _, idle := range e.catalog.Idle(e.IdleTimeout) {
		if _, err := e.FinishExecution(ctx, idle.ExecutionID, execution.StatusTerminated, "idle timeout"); err != nil {
			e.log.Warn().Err(err).Str("execution_id", idle.ExecutionID).Msg("idle finish failed")
			continue
		}
		e.log.Info().Str("execution_id", idle.ExecutionID).Time("last_activity", idle.LastActivity).Msg("idle execution terminated")
	}
}

func (e *Engine) purgeExpiredFiles(now time.Time) {
	entries, err := os.ReadDir(e.archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		e.log.Warn().Err(err).Msg("cleaner: failed to read archive dir")
		return
	}

	threshold := now.Add(-e.Retention).UnixMilli()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), storage.SegmentExt) {
			continue
		}

		// Filename format: exec_{id}_{minTs}_{maxTs}.labx
		name := entry.Name()
		_, _, maxTs, err := storage.ParseSegmentName(name)
		if err != nil {
			continue
		}
		if maxTs >= threshold {
			continue
		}
		if err := os.Remove(filepath.Join(e.archiveDir, name)); err != nil {
			e.log.Warn().Err(err).Str("file", name).Msg("cleaner: failed to delete")
		} else {
			e.log.Info().Str("file", name).Msg("expired archive deleted")
		}
	}
}
