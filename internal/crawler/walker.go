package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"metadump/internal/fetcher"
	"metadump/internal/logging"
	"metadump/internal/sink"
	"metadump/pkg/types"
)

// Walker enumerates a metadata tree depth-first, pre-order, emitting one record per path.
// A Walker owns its VisitedSet; use a new Walker for each independent traversal.
type Walker struct {
	fetcher fetcher.Fetcher
	sink    sink.Sink
	logger  *slog.Logger

	visited *VisitedSet
	seq     int64
	stats   types.WalkStats
}

// frame is a directory whose entries are still being processed.
type frame struct {
	path    string
	entries []Entry
	next    int
}

// NewWalker wires a fetcher to a sink.
func NewWalker(f fetcher.Fetcher, s sink.Sink, logger *slog.Logger) *Walker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Walker{
		fetcher: f,
		sink:    s,
		logger:  logging.Component(logger, "walker"),
		visited: NewVisitedSet(),
	}
}

// Walk traverses the whole tree from the root path.
func (w *Walker) Walk(ctx context.Context) (types.WalkStats, error) {
	start := time.Now()
	err := w.Visit(ctx, "")
	w.stats.Duration = time.Since(start)

	attrs := []any{
		"directories", w.stats.Directories,
		"files", w.stats.Files,
		"failures", w.stats.Failures,
		"duplicates", w.stats.Duplicates,
		"duration", w.stats.Duration,
	}
	if err != nil {
		w.logger.Warn("walk stopped", append(attrs, "error", err)...)
	} else {
		w.logger.Info("walk complete", attrs...)
	}
	return w.stats, err
}

// Visit walks the subtree rooted at path. Visiting a path that this Walker has already
// dispatched is a no-op. The only errors are sink failures and context cancellation;
// fetch failures become leaf records.
func (w *Walker) Visit(ctx context.Context, path string) error {
	var stack []*frame

	open := func(path string) error {
		if !w.visited.Begin(path) {
			w.stats.Duplicates++
			w.logger.Debug("skipping visited path", "path", path)
			return nil
		}
		w.logger.Debug("visiting", "path", path)
		res := w.fetcher.Fetch(ctx, path)
		if err := ctx.Err(); err != nil {
			return err
		}
		node := Classify(res)
		if node.Kind == NodeLeaf {
			w.visited.Finish(path)
			return w.emitFile(ctx, path, res)
		}
		stack = append(stack, &frame{path: path, entries: node.Entries})
		return nil
	}

	if err := open(path); err != nil {
		return err
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		top := stack[len(stack)-1]
		if top.next >= len(top.entries) {
			stack = stack[:len(stack)-1]
			w.visited.Finish(top.path)
			continue
		}
		entry := top.entries[top.next]
		top.next++
		child := JoinPath(top.path, entry)

		if entry.IsDir() {
			if w.visited.Has(child) {
				w.stats.Duplicates++
				w.logger.Debug("skipping visited path", "path", child)
				continue
			}
			if err := w.emit(ctx, types.DirRecord(child)); err != nil {
				return err
			}
			w.stats.Directories++
			if err := open(child); err != nil {
				return err
			}
			continue
		}

		if !w.visited.Begin(child) {
			w.stats.Duplicates++
			w.logger.Debug("skipping visited path", "path", child)
			continue
		}
		res := w.fetcher.Fetch(ctx, child)
		if err := ctx.Err(); err != nil {
			return err
		}
		w.visited.Finish(child)
		if err := w.emitFile(ctx, child, res); err != nil {
			return err
		}
	}
	return nil
}

// Visited exposes the walker's visited set.
func (w *Walker) Visited() *VisitedSet {
	return w.visited
}

// Stats returns the counters accumulated so far.
func (w *Walker) Stats() types.WalkStats {
	return w.stats
}

func (w *Walker) emitFile(ctx context.Context, path string, res types.FetchResult) error {
	w.stats.Files++
	if res.Failed() {
		w.stats.Failures++
		w.logger.Debug("fetch failed", "path", path, "kind", res.Failure.Kind, "value", res.Display())
	}
	return w.emit(ctx, types.FileRecord(path, res))
}

func (w *Walker) emit(ctx context.Context, rec types.Record) error {
	w.seq++
	rec.Seq = w.seq
	if err := w.sink.Emit(ctx, rec); err != nil {
		return fmt.Errorf("emit %s: %w", rec.Path, err)
	}
	return nil
}
