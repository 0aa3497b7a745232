// Package sink writes accepted entries to external stores.
package sink

import (
	"context"
	"errors"

	"github.com/coffersTech/labxstream/internal/model"
)

var (
	ErrOpenSink = errors.New("sink: open failed")
	ErrClosed   = errors.New("sink: closed")
)

// Sink stores batches of entries.
type Sink interface {
	Write(ctx context.Context, entries []model.LogEntry) error
	Close() error
}

// Multi writes every batch to all of its sinks.
type Multi []Sink

func (m Multi) Write(ctx context.Context, entries []model.LogEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, entries); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
