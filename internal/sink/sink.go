package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-git/go-billy/v5"

	"metadump/pkg/types"
)

// Sink consumes traversal records in the order the walker produces them.
type Sink interface {
	Emit(ctx context.Context, rec types.Record) error
	Close() error
}

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("sink closed")

// TextSink writes the line-oriented dump format. Each record reaches the underlying writer in
// a single Write with nothing buffered in between, so an interrupted run leaves only whole lines
// behind.
type TextSink struct {
	w      io.Writer
	closer io.Closer
	closed bool
}

// OpenText creates or truncates path on fs and writes the banner line.
func OpenText(fs billy.Filesystem, path, banner string) (*TextSink, error) {
	fh, err := fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	s, err := NewText(fh, banner)
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	s.closer = fh
	return s, nil
}

// NewText wraps an arbitrary writer. The banner is skipped when empty.
func NewText(w io.Writer, banner string) (*TextSink, error) {
	s := &TextSink{w: w}
	if banner != "" {
		if err := s.writeLine(banner); err != nil {
			return nil, fmt.Errorf("write banner: %w", err)
		}
	}
	return s, nil
}

// Emit appends one record line.
func (s *TextSink) Emit(_ context.Context, rec types.Record) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.writeLine(rec.Line()); err != nil {
		return fmt.Errorf("write record %s: %w", rec.Path, err)
	}
	return nil
}

func (s *TextSink) writeLine(line string) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	n, err := s.w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// Close closes the underlying file, if any.
func (s *TextSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Multi fans every record out to several sinks in order.
type Multi struct {
	sinks []Sink
}

// NewMulti drops nil sinks.
func NewMulti(sinks ...Sink) *Multi {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept}
}

// Emit stops at the first sink that fails.
func (m *Multi) Emit(ctx context.Context, rec types.Record) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink, in reverse order, and joins their errors.
func (m *Multi) Close() error {
	var err error
	for i := len(m.sinks) - 1; i >= 0; i-- {
		if cerr := m.sinks[i].Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Recorder keeps records in memory.
type Recorder struct {
	mu      sync.Mutex
	records []types.Record
}

func (r *Recorder) Emit(_ context.Context, rec types.Record) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Records returns a copy of everything emitted so far.
func (r *Recorder) Records() []types.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Record, len(r.records))
	copy(out, r.records)
	return out
}

// Lines renders the recorded records in dump format.
func (r *Recorder) Lines() []string {
	recs := r.Records()
	lines := make([]string, len(recs))
	for i, rec := range recs {
		lines[i] = rec.Line()
	}
	return lines
}
