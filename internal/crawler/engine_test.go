package crawler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metadump/internal/config"
	"metadump/internal/logging"
	"metadump/internal/storage"
	"metadump/pkg/types"
)

// metadataServer emulates the metadata endpoint layout under /computeMetadata/v1.
func metadataServer(t *testing.T, tree map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			http.Error(w, "missing header", http.StatusForbidden)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/computeMetadata/v1")
		body, ok := tree[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if body == "<slow>" {
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) config.Config {
	cfg := config.Default()
	cfg.Metadata.BaseURL = baseURL + "/computeMetadata/v1"
	cfg.Metadata.RequestTimeout = config.DurationFrom(200 * time.Millisecond)
	return cfg
}

func readOutput(t *testing.T, fs billy.Filesystem, path string) string {
	t.Helper()
	fh, err := fs.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	data, err := io.ReadAll(fh)
	require.NoError(t, err)
	return string(data)
}

func TestEngineWritesDump(t *testing.T) {
	srv := metadataServer(t, map[string]string{
		"":                       "instance/\nproject/\n",
		"/instance/":             "disks/\nhostname\nzone\n",
		"/instance/disks/":       "0/\n",
		"/instance/disks/0/":     "device-name\ntype\n",
		"/instance/disks/0/type": "PERSISTENT",
		"/instance/hostname":     "vm-1.c.demo.internal",
		"/instance/zone":         "<slow>",
		"/project/":              "project-id\n",
		"/project/project-id":    "demo",
	})
	fs := memfs.New()
	cfg := testConfig(srv.URL)

	engine, err := NewEngine(cfg, WithFilesystem(fs), WithLogger(logging.Discard()))
	require.NoError(t, err)
	stats, err := engine.Run(context.Background())
	require.NoError(t, err)

	want := strings.Join([]string{
		"=== GCP Metadata Dump ===",
		"[DIR] /instance/",
		"[DIR] /instance/disks/",
		"[DIR] /instance/disks/0/",
		"[FILE] /instance/disks/0/device-name = [HTTPError 404]",
		"[FILE] /instance/disks/0/type = PERSISTENT",
		"[FILE] /instance/hostname = vm-1.c.demo.internal",
		"[FILE] /instance/zone = [Timeout]",
		"[DIR] /project/",
		"[FILE] /project/project-id = demo",
	}, "\n") + "\n"
	assert.Equal(t, want, readOutput(t, fs, config.DefaultOutputPath))
	assert.Equal(t, 4, stats.Directories)
	assert.Equal(t, 5, stats.Files)
	assert.Equal(t, 2, stats.Failures)
}

func TestEngineRootFailureWritesSingleRecord(t *testing.T) {
	srv := metadataServer(t, map[string]string{})
	fs := memfs.New()

	engine, err := NewEngine(testConfig(srv.URL), WithFilesystem(fs), WithLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "=== GCP Metadata Dump ===\n[FILE]  = [HTTPError 404]\n", readOutput(t, fs, config.DefaultOutputPath))
}

func TestEngineInterruptedRunKeepsWholeLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newTreeFetcher(map[string]string{
		"":   "a\nb\nc\nd\n",
		"/a": "1",
		"/b": "2",
		"/c": "3",
		"/d": "4",
	})
	fs := memfs.New()
	f.onFetch = func(path string) {
		if path == "/c" {
			// the dump must already hold every record emitted before the interruption.
			assert.Equal(t, "=== GCP Metadata Dump ===\n[FILE] /a = 1\n[FILE] /b = 2\n", readOutput(t, fs, "dump.txt"))
			cancel()
		}
	}

	cfg := config.Default()
	cfg.Output.Path = "dump.txt"
	engine, err := NewEngine(cfg, WithFilesystem(fs), WithFetcher(f), WithLogger(logging.Discard()))
	require.NoError(t, err)

	_, err = engine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "=== GCP Metadata Dump ===\n[FILE] /a = 1\n[FILE] /b = 2\n", readOutput(t, fs, "dump.txt"))
}

func TestEngineMirrorsRecordsToStore(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"":            "project/\n",
		"/project/":   "id\n",
		"/project/id": "demo",
	})
	fs := memfs.New()
	cfg := config.Default()
	cfg.Store = config.StoreConfig{
		Driver:      "sqlite",
		DSN:         filepath.Join(t.TempDir(), "dump.db"),
		AutoMigrate: true,
	}

	engine, err := NewEngine(cfg, WithFilesystem(fs), WithFetcher(f), WithLogger(logging.Discard()))
	require.NoError(t, err)
	assert.Empty(t, engine.LastRunID())
	stats, err := engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.WalkStats{Directories: 1, Files: 1, Duration: stats.Duration}, stats)
	runID := engine.LastRunID()
	require.NotEmpty(t, runID)

	ctx := context.Background()
	store, err := storage.NewSQLWriter(ctx, cfg.Store)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.ListRecords(ctx, runID)
	require.NoError(t, err)
	lines := make([]string, 0, len(got))
	for i, rec := range got {
		assert.Equal(t, int64(i+1), rec.Seq)
		assert.False(t, rec.RecordedAt.IsZero())
		lines = append(lines, rec.Line())
	}
	assert.Equal(t, []string{
		"[DIR] /project/",
		"[FILE] /project/id = demo",
	}, lines)
	assert.Equal(t, "=== GCP Metadata Dump ===\n[DIR] /project/\n[FILE] /project/id = demo\n", readOutput(t, fs, cfg.Output.Path))
}

func TestEngineFailsWhenStoreUnavailable(t *testing.T) {
	fs := memfs.New()
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Driver: "nosuchdriver", DSN: "x"}

	engine, err := NewEngine(cfg, WithFilesystem(fs), WithFetcher(newTreeFetcher(nil)), WithLogger(logging.Discard()))
	require.NoError(t, err)
	_, err = engine.Run(context.Background())
	require.Error(t, err)
}

func TestNewEngineRejectsBadLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "chatty"
	_, err := NewEngine(cfg)
	assert.Error(t, err)
}
