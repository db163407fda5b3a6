package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"metadump/internal/config"
	"metadump/internal/fetcher"
	"metadump/internal/logging"
	"metadump/internal/sink"
	"metadump/internal/storage"
	"metadump/pkg/types"
)

// Engine runs one metadata dump: it owns the output file, the optional record store and a
// fresh Walker per run.
type Engine struct {
	cfg        config.Config
	fetcher    fetcher.Fetcher
	fs         billy.Filesystem
	outputPath string
	logger     *slog.Logger
	lastRunID  string
}

// Option customises an Engine.
type Option func(*Engine)

// WithFilesystem writes the dump to fs instead of the working directory.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(e *Engine) { e.fs = fs }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		logger, err := logging.New(cfg.Logging, nil)
		if err != nil {
			return nil, err
		}
		e.logger = logger
	}
	e.outputPath = cfg.Output.Path
	if e.fs == nil {
		abs, err := filepath.Abs(cfg.Output.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve output path: %w", err)
		}
		e.fs = osfs.New(filepath.Dir(abs))
		e.outputPath = filepath.Base(abs)
	}
	if e.fetcher == nil {
		limiter := fetcher.NewLimiter(fetcher.LimiterSettings{
			Delay:    cfg.Metadata.Delay.Duration,
			Requests: cfg.Metadata.RateLimit.Requests,
			Window:   cfg.Metadata.RateLimit.Window.Duration,
		})
		httpFetcher, err := fetcher.NewHTTPFetcher(fetcher.Options{
			BaseURL:      cfg.Metadata.BaseURL,
			Headers:      cfg.Metadata.Headers,
			UserAgent:    cfg.Metadata.UserAgent,
			Timeout:      cfg.Metadata.RequestTimeout.Duration,
			MaxBodyBytes: cfg.Metadata.MaxBodyBytes,
			Limiter:      limiter,
		})
		if err != nil {
			return nil, fmt.Errorf("http fetcher: %w", err)
		}
		e.fetcher = httpFetcher
	}
	return e, nil
}

// LastRunID returns the identifier of the most recent Run, or "" before the first one. It is
// the run_id the record store files that run's rows under.
func (e *Engine) LastRunID() string {
	return e.lastRunID
}

// Run opens the outputs, walks the tree and closes every output on return, including when ctx
// is cancelled mid-walk.
func (e *Engine) Run(ctx context.Context) (stats types.WalkStats, err error) {
	text, err := sink.OpenText(e.fs, e.outputPath, e.cfg.Output.Banner)
	if err != nil {
		return stats, err
	}
	sinks := []sink.Sink{text}
	var closers []func() error

	var store *storage.SQLWriter
	runID := storage.NewRunID()
	e.lastRunID = runID
	if e.cfg.Store.Enabled() {
		store, err = storage.NewSQLWriter(ctx, e.cfg.Store)
		if err != nil {
			_ = text.Close()
			return stats, fmt.Errorf("record store: %w", err)
		}
		closers = append(closers, store.Close)
		if err := store.BeginRun(ctx, runID, e.cfg.Metadata.BaseURL); err != nil {
			_ = text.Close()
			_ = store.Close()
			return stats, err
		}
		sinks = append(sinks, store.Recorder(runID))
	}

	out := sink.NewMulti(sinks...)
	defer func() {
		if cerr := out.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close outputs: %w", cerr))
		}
		for _, closer := range closers {
			if cerr := closer(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}()

	e.logger.Info("starting metadata dump",
		"base_url", e.cfg.Metadata.BaseURL,
		"output", e.cfg.Output.Path,
		"run_id", runID,
		"store", e.cfg.Store.Driver,
	)

	walker := NewWalker(e.fetcher, out, e.logger)
	stats, err = walker.Walk(ctx)

	if store != nil {
		// the walk context may already be cancelled; the run row still gets its final state.
		if ferr := store.FinishRun(context.WithoutCancel(ctx), runID, stats, err); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	return stats, err
}
