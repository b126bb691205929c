package oracle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oraclecore/oracle/internal/oracle/threadsum"
	"github.com/oraclecore/oracle/internal/store"
)

// snippetMaxLen bounds how much chunk/note content a source event or
// tool result carries inline.
const snippetMaxLen = 400

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// CodeSearcher is the narrow surface query.go needs from the code
// search engine (internal/search.Engine), kept separate from the
// engine's full Search/Index/Delete/Stats surface so query.go and its
// tests don't couple to the concrete engine type.
type CodeSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]RankedItem, error)
}

// FileReader reads a slice of a project file for the read_file tool.
type FileReader interface {
	ReadFile(ctx context.Context, path string, start, end int) (string, error)
}

// ThreadReader is the narrow surface query.go needs for thread_push/
// thread_read: appending to the append-only log and reading back a
// window of recent nodes. Summarization itself is delegated to
// threadsum.Summarizer.
type ThreadReader interface {
	Push(ctx context.Context, threadID, content, author string) (string, error)
	RecentNodes(ctx context.Context, threadID string, limit int) ([]ThreadNodeView, error)
}

// localFileReader reads files relative to a project's root path,
// refusing to escape it.
type localFileReader struct {
	root string
}

// NewLocalFileReader returns a FileReader rooted at a project's
// absolute root path (store.Project.RootPath).
func NewLocalFileReader(root string) FileReader {
	return &localFileReader{root: root}
}

func (f *localFileReader) ReadFile(ctx context.Context, path string, start, end int) (string, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid file path %q: must be relative and within the project", path)
	}
	full := filepath.Join(f.root, clean)
	content, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	if start <= 0 && end <= 0 {
		return string(content), nil
	}
	lines := strings.Split(string(content), "\n")
	if start <= 0 {
		start = 1
	}
	if end <= 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return "", nil
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}

// threadCollaborator implements ThreadReader over a store.MetadataStore.
type threadCollaborator struct {
	ms store.MetadataStore
}

// NewThreadReader wraps a MetadataStore as a ThreadReader.
func NewThreadReader(ms store.MetadataStore) ThreadReader {
	return &threadCollaborator{ms: ms}
}

func (t *threadCollaborator) Push(ctx context.Context, threadID, content, author string) (string, error) {
	role := "user"
	if author != "" {
		role = author
	}
	id := uuid.NewString()
	node := &store.ThreadNode{
		ID:        id,
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := t.ms.AppendThreadNode(ctx, node); err != nil {
		return "", fmt.Errorf("push thread node: %w", err)
	}
	return id, nil
}

func (t *threadCollaborator) RecentNodes(ctx context.Context, threadID string, limit int) ([]ThreadNodeView, error) {
	nodes, err := t.ms.GetThreadNodes(ctx, threadID, "")
	if err != nil {
		return nil, fmt.Errorf("load thread nodes: %w", err)
	}
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[len(nodes)-limit:]
	}
	out := make([]ThreadNodeView, len(nodes))
	for i, n := range nodes {
		out[i] = ThreadNodeView{Role: n.Role, Content: n.Content}
	}
	return out, nil
}

// threadSummaryReader couples a ThreadReader with threadsum.Summarizer
// for the thread_read tool, which needs both the lazy summary and a
// trailing window of verbatim recent nodes.
type threadSummaryReader struct {
	ThreadReader
	summarizer *threadsum.Summarizer
}

// NewThreadSummaryReader composes a ThreadReader with a summarizer.
func NewThreadSummaryReader(ms store.MetadataStore, summarizer *threadsum.Summarizer) *threadSummaryReader {
	return &threadSummaryReader{ThreadReader: NewThreadReader(ms), summarizer: summarizer}
}

func (t *threadSummaryReader) Summary(ctx context.Context, threadID string) (string, error) {
	return t.summarizer.GetSummary(ctx, threadID, false)
}
