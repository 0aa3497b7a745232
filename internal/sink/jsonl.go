package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/coffersTech/labxstream/internal/model"
)

// JSONL appends one JSON document per entry to a writer.
type JSONL struct {
	mu  sync.Mutex
	w   io.WriteCloser
	enc *json.Encoder
}

func NewJSONL(w io.WriteCloser) *JSONL {
	return &JSONL{w: w, enc: json.NewEncoder(w)}
}

// OpenJSONL appends to the file at path, creating it and its directory.
func OpenJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenSink, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenSink, err)
	}
	return NewJSONL(f), nil
}

func (s *JSONL) Write(_ context.Context, entries []model.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if err := s.enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
