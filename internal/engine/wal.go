package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/coffersTech/labxstream/internal/model"
)

// WALExt is the extension of per-execution write-ahead logs.
const WALExt = ".wal"

// WAL handles write-ahead logging of one execution's entries so a crash
// before archiving loses nothing.
type WAL struct {
	file *os.File
	path string
	mu   sync.Mutex
}

// OpenWAL opens or creates a WAL file at the specified path.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{
		file: f,
		path: path,
	}, nil
}

func (w *WAL) Path() string { return w.path }

// Write records entries to the WAL.
func (w *WAL) Write(entries ...model.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		// Format: [Len uint32][JSON Bytes]
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))

		if _, err := w.file.Write(lenBuf); err != nil {
			return err
		}
		if _, err := w.file.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the WAL file buffers to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Reset truncates the WAL file.
func (w *WAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, 0)
	return err
}

func (w *WAL) Close() error {
	return w.file.Close()
}

// Remove closes the WAL and deletes its file.
func (w *WAL) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Replay reads the WAL and returns every entry it holds. A torn record at
// the tail is reported along with the entries read before it.
func (w *WAL) Replay() ([]model.LogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, err
	}
	defer w.file.Seek(0, io.SeekEnd)

	var entries []model.LogEntry
	for {
		lenBuf := make([]byte, 4)
		_, err := io.ReadFull(w.file, lenBuf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("wal replay (len): %w", err)
		}

		length := binary.LittleEndian.Uint32(lenBuf)
		data := make([]byte, length)
		if _, err := io.ReadFull(w.file, data); err != nil {
			return entries, fmt.Errorf("wal replay (data): %w", err)
		}

		var e model.LogEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return entries, fmt.Errorf("wal replay (unmarshal): %w", err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}
