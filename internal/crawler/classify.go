package crawler

import (
	"strings"

	"metadump/pkg/types"
)

// NodeKind is the classifier's verdict for a fetched path.
type NodeKind int

const (
	NodeLeaf NodeKind = iota
	NodeDirectory
)

func (k NodeKind) String() string {
	if k == NodeDirectory {
		return "directory"
	}
	return "leaf"
}

// Entry is one trimmed, non-empty line of a directory listing.
type Entry string

// IsDir reports whether the entry names a child directory.
func (e Entry) IsDir() bool {
	return strings.HasSuffix(string(e), "/")
}

// Node is a classified fetch result.
type Node struct {
	Kind    NodeKind
	Entries []Entry
	Value   string
}

// Classify treats every failure as a leaf and every successful body as a listing. A bare
// one-line value is therefore read as a listing with one entry; the metadata server keeps
// values and listings apart, so this stays as is.
func Classify(res types.FetchResult) Node {
	if res.Failed() {
		return Node{Kind: NodeLeaf, Value: res.Display()}
	}
	return Node{Kind: NodeDirectory, Entries: ParseEntries(res.Content)}
}

// ParseEntries splits a listing into entries, dropping blank lines.
func ParseEntries(text string) []Entry {
	lines := strings.FieldsFunc(text, isLineBreak)
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, Entry(line))
	}
	return entries
}

func isLineBreak(r rune) bool {
	switch r {
	case '\n', '\r', '\v', '\f', 0x1c, 0x1d, 0x1e, 0x85, 0x2028, 0x2029:
		return true
	}
	return false
}

// JoinPath appends entry to parent and collapses doubled separators, so the root ("")
// joined with "project/" gives "/project/". Separators inside entry are not escaped.
func JoinPath(parent string, entry Entry) string {
	return strings.ReplaceAll(parent+"/"+string(entry), "//", "/")
}
