package crawler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metadump/internal/sink"
	"metadump/pkg/types"
)

// treeFetcher serves canned responses. Unknown paths answer 404.
type treeFetcher struct {
	responses map[string]types.FetchResult
	calls     []string
	onFetch   func(path string)
}

func newTreeFetcher(bodies map[string]string) *treeFetcher {
	f := &treeFetcher{responses: make(map[string]types.FetchResult, len(bodies))}
	for path, body := range bodies {
		f.responses[path] = types.ContentResult(body)
	}
	return f
}

func (f *treeFetcher) fail(path string, failure types.Failure) *treeFetcher {
	f.responses[path] = types.FailureResult(failure)
	return f
}

func (f *treeFetcher) Fetch(_ context.Context, path string) types.FetchResult {
	f.calls = append(f.calls, path)
	if f.onFetch != nil {
		f.onFetch(path)
	}
	if res, ok := f.responses[path]; ok {
		return res
	}
	return types.FailureResult(types.Failure{Kind: types.FailureHTTPStatus, StatusCode: 404})
}

func walkLines(t *testing.T, f *treeFetcher) ([]string, types.WalkStats) {
	t.Helper()
	rec := &sink.Recorder{}
	stats, err := NewWalker(f, rec, nil).Walk(context.Background())
	require.NoError(t, err)
	return rec.Lines(), stats
}

func assertLines(t *testing.T, want, got []string) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkPreOrderDepthFirst(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"":       "a/\nb/\n",
		"/a/":    "c/\nx\n",
		"/a/c/":  "y\n",
		"/a/c/y": "vy",
		"/a/x":   "vx",
		"/b/":    "z\n",
		"/b/z":   "vz",
	})

	lines, stats := walkLines(t, f)

	assertLines(t, []string{
		"[DIR] /a/",
		"[DIR] /a/c/",
		"[FILE] /a/c/y = vy",
		"[FILE] /a/x = vx",
		"[DIR] /b/",
		"[FILE] /b/z = vz",
	}, lines)
	assert.Equal(t, 3, stats.Directories)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 0, stats.Failures)
}

func TestWalkNormalisesPathsFromRoot(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"":            "project/\n",
		"/project/":   "id\n",
		"/project/id": "demo-project",
	})

	lines, _ := walkLines(t, f)

	assertLines(t, []string{
		"[DIR] /project/",
		"[FILE] /project/id = demo-project",
	}, lines)
	assert.Equal(t, []string{"", "/project/", "/project/id"}, f.calls)
}

func TestWalkFailureBecomesLeaf(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"":             "instance/\nproject/\n",
		"/instance/id": "never fetched",
		"/project/":    "id\n",
		"/project/id":  "demo",
	}).fail("/instance/", types.Failure{Kind: types.FailureTimeout})

	lines, stats := walkLines(t, f)

	assertLines(t, []string{
		"[DIR] /instance/",
		"[FILE] /instance/ = [Timeout]",
		"[DIR] /project/",
		"[FILE] /project/id = demo",
	}, lines)
	for _, call := range f.calls {
		assert.False(t, strings.HasPrefix(call, "/instance/") && call != "/instance/", "recursed under failed path: %s", call)
	}
	assert.Equal(t, 1, stats.Failures)
}

func TestWalkRootFailure(t *testing.T) {
	f := newTreeFetcher(nil).fail("", types.Failure{Kind: types.FailureTransport, Message: "connection refused"})

	lines, stats := walkLines(t, f)

	assertLines(t, []string{"[FILE]  = [URLError connection refused]"}, lines)
	assert.Equal(t, []string{""}, f.calls)
	assert.Equal(t, 1, stats.Files)
}

func TestWalkFileEntriesAreNeverReclassified(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"":                    "project/\n",
		"/project/":           "attributes\nmissing\n",
		"/project/attributes": "ssh-keys\nenable-oslogin",
	})

	lines, stats := walkLines(t, f)

	assertLines(t, []string{
		"[DIR] /project/",
		"[FILE] /project/attributes = ssh-keys\nenable-oslogin",
		"[FILE] /project/missing = [HTTPError 404]",
	}, lines)
	assert.Equal(t, 1, stats.Failures)
	assert.NotContains(t, f.calls, "/project/attributes/ssh-keys")
}

func TestWalkSkipsDuplicateEntries(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"":          "project/\nproject/\nid\nid\n",
		"/project/": "",
		"/id":       "1",
	})

	lines, stats := walkLines(t, f)

	assertLines(t, []string{
		"[DIR] /project/",
		"[FILE] /id = 1",
	}, lines)
	assert.Equal(t, 2, stats.Duplicates)
	assert.Equal(t, []string{"", "/project/", "/id"}, f.calls)
}

func TestVisitIsIdempotent(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"/project/":   "id\n",
		"/project/id": "demo",
	})
	rec := &sink.Recorder{}
	w := NewWalker(f, rec, nil)

	require.NoError(t, w.Visit(context.Background(), "/project/"))
	require.NoError(t, w.Visit(context.Background(), "/project/"))

	assertLines(t, []string{"[FILE] /project/id = demo"}, rec.Lines())
	assert.Len(t, f.calls, 2)
	assert.Equal(t, Done, w.Visited().State("/project/"))
	assert.Equal(t, 1, w.Stats().Duplicates)
}

func TestWalkersDoNotShareVisitedState(t *testing.T) {
	f := newTreeFetcher(map[string]string{"": "id\n", "/id": "1"})

	first, _ := walkLines(t, f)
	second, _ := walkLines(t, f)

	assertLines(t, first, second)
}

func TestWalkAssignsIncreasingSequence(t *testing.T) {
	f := newTreeFetcher(map[string]string{
		"":     "a/\nb\n",
		"/a/":  "c\n",
		"/a/c": "1",
		"/b":   "2",
	})
	rec := &sink.Recorder{}
	_, err := NewWalker(f, rec, nil).Walk(context.Background())
	require.NoError(t, err)

	for i, r := range rec.Records() {
		assert.Equal(t, int64(i+1), r.Seq)
	}
}

func TestWalkHandlesDeepTrees(t *testing.T) {
	const depth = 2000
	bodies := make(map[string]string, depth+1)
	path := ""
	for i := 0; i < depth; i++ {
		bodies[path] = "d/\n"
		path = JoinPath(path, "d/")
	}
	bodies[path] = "leaf\n"
	bodies[path+"leaf"] = "bottom"

	lines, stats := walkLines(t, newTreeFetcher(bodies))

	require.Len(t, lines, depth+1)
	assert.Equal(t, "[DIR] /d/", lines[0])
	assert.Equal(t, "[FILE] "+path+"leaf = bottom", lines[depth])
	assert.Equal(t, depth, stats.Directories)
}

func TestWalkStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newTreeFetcher(map[string]string{
		"":   "a\nb\nc\n",
		"/a": "1",
		"/b": "2",
		"/c": "3",
	})
	f.onFetch = func(path string) {
		if path == "/b" {
			cancel()
		}
	}
	rec := &sink.Recorder{}
	_, err := NewWalker(f, rec, nil).Walk(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assertLines(t, []string{"[FILE] /a = 1"}, rec.Lines())
}

type brokenSink struct{ sink.Recorder }

func (*brokenSink) Emit(context.Context, types.Record) error { return errors.New("disk full") }

func TestWalkReturnsSinkErrors(t *testing.T) {
	f := newTreeFetcher(map[string]string{"": "a\n", "/a": "1"})
	_, err := NewWalker(f, &brokenSink{}, nil).Walk(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
