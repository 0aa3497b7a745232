package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/labxstream/internal/model"
)

// Batched buffers entries and writes them to the wrapped sink from a
// background loop, when a batch fills up or the flush interval passes.
// Write never blocks on the wrapped sink.
type Batched struct {
	wrapped       Sink
	batchSize     int
	maxPending    int
	flushInterval time.Duration
	log           zerolog.Logger

	mu     sync.Mutex
	buffer []model.LogEntry
	closed bool

	kick    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewBatched starts the flush loop. At most 10 batches are held; entries
// beyond that are dropped and counted.
func NewBatched(wrapped Sink, batchSize int, flushInterval time.Duration, logger zerolog.Logger) *Batched {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Batched{
		wrapped:       wrapped,
		batchSize:     batchSize,
		maxPending:    batchSize * 10,
		flushInterval: flushInterval,
		log:           logger,
		buffer:        make([]model.LogEntry, 0, batchSize),
		kick:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	b.wg.Add(1)
	go b.flushLoop()
	return b
}

// Write queues entries.
func (b *Batched) Write(_ context.Context, entries []model.LogEntry) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	room := b.maxPending - len(b.buffer)
	if room < len(entries) {
		if room < 0 {
			room = 0
		}
		b.dropped.Add(int64(len(entries) - room))
		entries = entries[:room]
	}
	b.buffer = append(b.buffer, entries...)
	full := len(b.buffer) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Dropped returns how many entries were discarded because the wrapped
// sink fell behind.
func (b *Batched) Dropped() int64 { return b.dropped.Load() }

// Pending returns the number of buffered entries.
func (b *Batched) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// flush writes all buffered entries in batches of batchSize.
func (b *Batched) flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return nil
	}
	pending := b.buffer
	b.buffer = make([]model.LogEntry, 0, b.batchSize)
	b.mu.Unlock()

	for len(pending) > 0 {
		n := b.batchSize
		if n > len(pending) {
			n = len(pending)
		}
		if err := b.wrapped.Write(ctx, pending[:n]); err != nil {
			return err
		}
		pending = pending[n:]
	}
	return nil
}

func (b *Batched) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		case <-b.kick:
		}
		if err := b.flush(b.ctx); err != nil {
			b.log.Warn().Err(err).Msg("sink flush failed")
		}
	}
}

// Close stops the loop, flushes what is left and closes the wrapped sink.
func (b *Batched) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	flushErr := b.flush(context.Background())
	if err := b.wrapped.Close(); err != nil && flushErr == nil {
		return err
	}
	return flushErr
}
