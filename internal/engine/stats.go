package engine

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/coffersTech/labxstream/internal/model"
)

// PersistentStats holds cumulative statistics that survive restarts.
type PersistentStats struct {
	TotalLogs   int64            `json:"total_logs"`
	TotalBytes  int64            `json:"total_bytes"`
	Duplicates  int64            `json:"duplicates"`
	Archived    int64            `json:"archived"`
	LevelCounts map[string]int64 `json:"level_counts"`
	LayerCounts map[string]int64 `json:"layer_counts"`
}

// SystemStats contains high-level system metrics for API response.
type SystemStats struct {
	IngestionRate float64          `json:"ingestion_rate"` // logs/sec
	TotalLogs     int64            `json:"total_logs"`
	TotalBytes    int64            `json:"total_bytes"`
	Duplicates    int64            `json:"duplicates"`
	Archived      int64            `json:"archived"`
	DiskUsage     int64            `json:"disk_usage"` // bytes
	LevelDist     map[string]int64 `json:"level_dist"`
	LayerDist     map[string]int64 `json:"layer_dist"`
	Subscribers   int              `json:"subscribers"`
	Executions    map[string]int   `json:"executions"` // status -> count
}

// statsFileName is the filename for persisted stats
const statsFileName = ".labxstream.stats"

func newPersistentStats() PersistentStats {
	return PersistentStats{
		LevelCounts: make(map[string]int64),
		LayerCounts: make(map[string]int64),
	}
}

// loadPersistentStats reads stats from disk. A missing or corrupted file
// yields empty stats.
func loadPersistentStats(dataDir string) PersistentStats {
	stats := newPersistentStats()

	data, err := os.ReadFile(filepath.Join(dataDir, statsFileName))
	if err != nil {
		return stats
	}
	if err := json.Unmarshal(data, &stats); err != nil {
		return newPersistentStats()
	}

	if stats.LevelCounts == nil {
		stats.LevelCounts = make(map[string]int64)
	}
	if stats.LayerCounts == nil {
		stats.LayerCounts = make(map[string]int64)
	}
	return stats
}

// savePersistentStats writes stats to disk atomically.
func savePersistentStats(dataDir string, stats PersistentStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(dataDir, statsFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (s *PersistentStats) record(e model.LogEntry) {
	s.TotalLogs++
	s.TotalBytes += int64(len(e.Message) + len(e.Source) + len(e.Protocol) + len(e.RawData))
	s.LevelCounts[string(e.Level)]++
	s.LayerCounts[string(e.Layer)]++
}

func (s PersistentStats) clone() PersistentStats {
	out := s
	out.LevelCounts = make(map[string]int64, len(s.LevelCounts))
	for k, v := range s.LevelCounts {
		out.LevelCounts[k] = v
	}
	out.LayerCounts = make(map[string]int64, len(s.LayerCounts))
	for k, v := range s.LayerCounts {
		out.LayerCounts[k] = v
	}
	return out
}

// rateMeter turns an ingest counter into a per-second rate.
type rateMeter struct {
	counter atomic.Int64
	rate    atomic.Uint64 // float64 bits
}

func (m *rateMeter) add(n int) { m.counter.Add(int64(n)) }

func (m *rateMeter) tick(interval time.Duration) {
	count := m.counter.Swap(0)
	m.rate.Store(math.Float64bits(float64(count) / interval.Seconds()))
}

func (m *rateMeter) value() float64 { return math.Float64frombits(m.rate.Load()) }

// StartStatsTicker recomputes the ingestion rate every interval until ctx
// is done.
func (e *Engine) StartStatsTicker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.rate.tick(interval)
			}
		}
	}()
}

// GetStats merges persisted counters with live state.
func (e *Engine) GetStats() SystemStats {
	e.statsLock.RLock()
	ps := e.globalStats.clone()
	e.statsLock.RUnlock()

	stats := SystemStats{
		IngestionRate: e.rate.value(),
		TotalLogs:     ps.TotalLogs,
		TotalBytes:    ps.TotalBytes,
		Duplicates:    ps.Duplicates,
		Archived:      ps.Archived,
		LevelDist:     ps.LevelCounts,
		LayerDist:     ps.LayerCounts,
		Executions:    make(map[string]int),
	}
	if e.registry != nil {
		stats.Subscribers = e.registry.Total()
	}
	for status, n := range e.catalog.Counts() {
		stats.Executions[string(status)] = n
	}

	var size int64
	_ = filepath.Walk(e.dataDir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	stats.DiskUsage = size
	return stats
}

func (e *Engine) saveStats() {
	e.statsLock.RLock()
	ps := e.globalStats.clone()
	e.statsLock.RUnlock()
	if err := savePersistentStats(e.dataDir, ps); err != nil {
		e.log.Warn().Err(err).Msg("stats persist failed")
	}
}
