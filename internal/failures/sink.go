// Package failures persists failed sends as an append-only CSV so they can be
// fed back in as a send list on a later run.
package failures

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/lattiq/batchmail/internal/core"
)

// Header is written once before any data row.
var Header = []string{"email", "unsubscribeId"}

// Sink is an append-only failure log. Append is safe for concurrent use and
// each call writes exactly one complete line.
type Sink struct {
	mu     sync.Mutex
	w      *csv.Writer
	file   *os.File
	count  int
	closed bool
}

// Open creates (or truncates) the file at path and writes the header.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening failure sink %s: %w", path, err)
	}

	s, err := newSink(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.file = f
	return s, nil
}

// NewSink writes failures to w. Close does not close w.
func NewSink(w io.Writer) (*Sink, error) {
	return newSink(w)
}

func newSink(w io.Writer) (*Sink, error) {
	s := &Sink{w: csv.NewWriter(w)}
	if err := s.writeLine(Header); err != nil {
		return nil, fmt.Errorf("writing failure sink header: %w", err)
	}
	return s, nil
}

// Append writes one failure row and flushes it.
func (s *Sink) Append(rec core.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	if err := s.writeLine([]string{rec.Email, rec.UnsubscribeID}); err != nil {
		return fmt.Errorf("appending failure for %s: %w", rec.Email, err)
	}
	s.count++
	return nil
}

// Count returns how many rows have been appended.
func (s *Sink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close flushes buffered output and syncs the file to disk.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("syncing failure sink: %w", err)
	}
	return s.file.Close()
}

// writeLine must be called with mu held (or before the sink is shared).
func (s *Sink) writeLine(fields []string) error {
	if err := s.w.Write(fields); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}
