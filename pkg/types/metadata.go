package types

import (
	"fmt"
	"time"
)

// FailureKind classifies why a metadata fetch produced no content.
type FailureKind string

const (
	FailureHTTPStatus FailureKind = "http_status"
	FailureTransport  FailureKind = "transport"
	FailureTimeout    FailureKind = "timeout"
	FailureUnknown    FailureKind = "unknown"
)

// Failure describes a fetch that did not yield a body.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	Message    string
}

// Tag renders the bracketed marker written in place of a value.
func (f Failure) Tag() string {
	switch f.Kind {
	case FailureHTTPStatus:
		return fmt.Sprintf("[HTTPError %d]", f.StatusCode)
	case FailureTransport:
		return fmt.Sprintf("[URLError %s]", f.Message)
	case FailureTimeout:
		return "[Timeout]"
	default:
		return fmt.Sprintf("[Error %s]", f.Message)
	}
}

// FetchResult is either the text content of a path or the reason it could not be read.
type FetchResult struct {
	Content string
	Failure *Failure
}

// ContentResult wraps a successfully fetched body.
func ContentResult(text string) FetchResult {
	return FetchResult{Content: text}
}

// FailureResult wraps a classified fetch failure.
func FailureResult(f Failure) FetchResult {
	return FetchResult{Failure: &f}
}

// Failed reports whether the fetch produced no content.
func (r FetchResult) Failed() bool {
	return r.Failure != nil
}

// Display returns the text written to the dump for this result.
func (r FetchResult) Display() string {
	if r.Failure != nil {
		return r.Failure.Tag()
	}
	return r.Content
}

// RecordKind distinguishes directory records from file records.
type RecordKind string

const (
	RecordDir  RecordKind = "dir"
	RecordFile RecordKind = "file"
)

// Record is a single traversal event handed to a sink. Records are not mutated after creation.
type Record struct {
	Seq        int64
	Kind       RecordKind
	Path       string
	Value      string
	Failed     bool
	RecordedAt time.Time
}

// DirRecord builds the record announcing a directory.
func DirRecord(path string) Record {
	return Record{Kind: RecordDir, Path: path, RecordedAt: time.Now()}
}

// FileRecord builds the record for a leaf and its fetched value.
func FileRecord(path string, result FetchResult) Record {
	return Record{
		Kind:       RecordFile,
		Path:       path,
		Value:      result.Display(),
		Failed:     result.Failed(),
		RecordedAt: time.Now(),
	}
}

// Line renders the record in the dump line grammar, without the trailing newline.
func (r Record) Line() string {
	if r.Kind == RecordDir {
		return "[DIR] " + r.Path
	}
	return "[FILE] " + r.Path + " = " + r.Value
}

// WalkStats summarises a completed or interrupted traversal.
type WalkStats struct {
	Directories int
	Files       int
	Failures    int
	Duplicates  int
	Duration    time.Duration
}
