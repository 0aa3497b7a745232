// Package cluster links a server to its peers: ingested entries are pushed
// to every peer and stats can be gathered from all of them.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/labxstream/internal/engine"
	"github.com/coffersTech/labxstream/internal/model"
)

// RelayedHeader marks a batch that a peer already ingested locally.
const RelayedHeader = "X-Labx-Relayed"

// Relay fans batches and queries out to peer servers.
type Relay struct {
	Peers  []string
	Client *http.Client
	Auth   string // Authorization header value sent to peers
	log    zerolog.Logger
}

func NewRelay(peers []string, auth string, logger zerolog.Logger) *Relay {
	clean := make([]string, 0, len(peers))
	for _, p := range peers {
		if p = strings.TrimRight(strings.TrimSpace(p), "/"); p != "" {
			clean = append(clean, p)
		}
	}
	return &Relay{
		Peers:  clean,
		Client: &http.Client{Timeout: 10 * time.Second},
		Auth:   auth,
		log:    logger,
	}
}

// Relay posts entries to every peer's ingest endpoint. Failures are
// logged; a peer that is down misses the batch.
func (r *Relay) Relay(ctx context.Context, entries []model.LogEntry) {
	for peer, err := range r.Push(ctx, entries) {
		r.log.Warn().Err(err).Str("peer", peer).Int("entries", len(entries)).Msg("relay failed")
	}
}

// Push posts entries to every peer and returns the failures by peer.
func (r *Relay) Push(ctx context.Context, entries []model.LogEntry) map[string]error {
	failed := make(map[string]error)
	if len(entries) == 0 || len(r.Peers) == 0 {
		return failed
	}
	body, err := json.Marshal(entries)
	if err != nil {
		for _, p := range r.Peers {
			failed[p] = err
		}
		return failed
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range r.Peers {
		wg.Add(1)
		go func(peerURL string) {
			defer wg.Done()
			if err := r.post(ctx, peerURL+"/api/logs", body); err != nil {
				mu.Lock()
				failed[peerURL] = err
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()
	return failed
}

func (r *Relay) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RelayedHeader, "1")
	if r.Auth != "" {
		req.Header.Set("Authorization", r.Auth)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("cluster: %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

// Stats performs scatter-gather stats aggregation over the peers and adds
// local to the result.
func (r *Relay) Stats(ctx context.Context, local engine.SystemStats) engine.SystemStats {
	total := local
	total.LevelDist = copyCounts(local.LevelDist)
	total.LayerDist = copyCounts(local.LayerDist)
	total.Executions = make(map[string]int, len(local.Executions))
	for k, v := range local.Executions {
		total.Executions[k] = v
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range r.Peers {
		wg.Add(1)
		go func(peerURL string) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL+"/api/stats", nil)
			if err != nil {
				return
			}
			if r.Auth != "" {
				req.Header.Set("Authorization", r.Auth)
			}
			resp, err := r.Client.Do(req)
			if err != nil {
				r.log.Warn().Err(err).Str("peer", peerURL).Msg("stats request failed")
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				r.log.Warn().Str("peer", peerURL).Int("status", resp.StatusCode).Msg("stats request rejected")
				return
			}

			var s engine.SystemStats
			if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			total.IngestionRate += s.IngestionRate
			total.TotalLogs += s.TotalLogs
			total.TotalBytes += s.TotalBytes
			total.Duplicates += s.Duplicates
			total.Archived += s.Archived
			total.DiskUsage += s.DiskUsage
			total.Subscribers += s.Subscribers
			for k, v := range s.LevelDist {
				total.LevelDist[k] += v
			}
			for k, v := range s.LayerDist {
				total.LayerDist[k] += v
			}
			for k, v := range s.Executions {
				total.Executions[k] += v
			}
		}(peer)
	}
	wg.Wait()
	return total
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
