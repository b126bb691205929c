// Package localvault is a default, in-process VaultClient implementation:
// notes are plain markdown files with YAML frontmatter on disk, with a
// SQLite FTS5 index (the same store.SQLiteBM25Index abstraction used for
// code) layered on top for SearchNotes.
package localvault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oraclecore/oracle/internal/store"
	"github.com/oraclecore/oracle/internal/vault"
)

// LocalVault stores notes as `<baseDir>/<projectID>/<notePath>` files.
type LocalVault struct {
	baseDir string

	mu      sync.Mutex
	indexes map[string]*store.SQLiteBM25Index // projectID -> search index
	indexed map[string]bool                   // projectID -> full index built at least once
}

var _ vault.Client = (*LocalVault)(nil)

// New creates a LocalVault rooted at baseDir. baseDir is created lazily on
// first write.
func New(baseDir string) *LocalVault {
	return &LocalVault{
		baseDir: baseDir,
		indexes: make(map[string]*store.SQLiteBM25Index),
		indexed: make(map[string]bool),
	}
}

func (v *LocalVault) projectDir(projectID string) string {
	return filepath.Join(v.baseDir, projectID)
}

func (v *LocalVault) notePath(projectID, notePath string) (string, error) {
	clean := filepath.Clean(notePath)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid note path %q: must be relative and within the vault", notePath)
	}
	return filepath.Join(v.projectDir(projectID), clean), nil
}

// ListNotes implements vault.Client.
func (v *LocalVault) ListNotes(ctx context.Context, projectID, folder string) ([]*vault.NoteSummary, error) {
	root := v.projectDir(projectID)
	if folder != "" {
		root = filepath.Join(root, folder)
	}

	var out []*vault.NoteSummary
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		rel, err := filepath.Rel(v.projectDir(projectID), path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		parsed := parseNote(string(content))
		out = append(out, &vault.NoteSummary{
			NotePath: filepath.ToSlash(rel),
			Title:    titleFor(rel, parsed.metadata, parsed.body),
			Updated:  info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NotePath < out[j].NotePath })
	return out, nil
}

// ReadNote implements vault.Client.
func (v *LocalVault) ReadNote(ctx context.Context, projectID, notePathStr string) (*vault.Note, error) {
	path, err := v.notePath(projectID, notePathStr)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vault.ErrNotFound
		}
		return nil, fmt.Errorf("read note %s: %w", notePathStr, err)
	}

	parsed := parseNote(string(content))
	return &vault.Note{
		NotePath: notePathStr,
		Title:    titleFor(notePathStr, parsed.metadata, parsed.body),
		Body:     parsed.body,
		Metadata: parsed.metadata,
		Version:  parsed.version,
	}, nil
}

// WriteNote implements vault.Client.
func (v *LocalVault) WriteNote(ctx context.Context, projectID, notePathStr, body string, metadata map[string]string, ifVersion int) (int, error) {
	path, err := v.notePath(projectID, notePathStr)
	if err != nil {
		return 0, err
	}

	currentVersion := 0
	if existing, err := os.ReadFile(path); err == nil {
		currentVersion = parseNote(string(existing)).version
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("read existing note %s: %w", notePathStr, err)
	}

	if ifVersion != 0 && ifVersion != currentVersion {
		return 0, vault.ErrVersionConflict
	}

	newVersion := currentVersion + 1
	if metadata == nil {
		metadata = map[string]string{}
	}
	rendered, err := renderNote(metadata, newVersion, body)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create note directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return 0, fmt.Errorf("write note %s: %w", notePathStr, err)
	}

	if err := v.indexNote(ctx, projectID, notePathStr, titleFor(notePathStr, metadata, body), body); err != nil {
		return newVersion, fmt.Errorf("note saved but search index update failed: %w", err)
	}
	return newVersion, nil
}

// SearchNotes implements vault.Client.
func (v *LocalVault) SearchNotes(ctx context.Context, projectID, query string, limit int) ([]*vault.SearchResult, error) {
	idx, err := v.indexFor(projectID)
	if err != nil {
		return nil, err
	}

	if err := v.ensureFullyIndexed(ctx, projectID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 10
	}
	results, err := idx.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}

	out := make([]*vault.SearchResult, 0, len(results))
	for _, r := range results {
		note, err := v.ReadNote(ctx, projectID, r.DocID)
		if err != nil {
			continue // note was deleted/moved since indexing
		}
		out = append(out, &vault.SearchResult{
			NotePath: r.DocID,
			Title:    note.Title,
			Snippet:  snippet(note.Body, 200),
			Score:    r.Score,
		})
	}
	return out, nil
}

func snippet(body string, maxLen int) string {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) <= maxLen {
		return trimmed
	}
	return trimmed[:maxLen] + "..."
}

func (v *LocalVault) indexFor(projectID string) (*store.SQLiteBM25Index, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if idx, ok := v.indexes[projectID]; ok {
		return idx, nil
	}
	indexPath := filepath.Join(v.projectDir(projectID), ".vault-index.db")
	idx, err := store.NewSQLiteBM25Index(indexPath, store.DefaultBM25Config())
	if err != nil {
		return nil, fmt.Errorf("open note search index: %w", err)
	}
	v.indexes[projectID] = idx
	return idx, nil
}

func (v *LocalVault) indexNote(ctx context.Context, projectID, notePathStr, title, body string) error {
	idx, err := v.indexFor(projectID)
	if err != nil {
		return err
	}
	return idx.Index(ctx, []*store.Document{{ID: notePathStr, Content: title + "\n\n" + body}})
}

// ensureFullyIndexed builds the search index for a project from disk the
// first time it is searched, so notes written outside this process (or
// before the vault was started) are still found. Subsequent writes keep
// the index current incrementally via indexNote.
func (v *LocalVault) ensureFullyIndexed(ctx context.Context, projectID string) error {
	v.mu.Lock()
	alreadyBuilt := v.indexed[projectID]
	v.mu.Unlock()
	if alreadyBuilt {
		return nil
	}

	notes, err := v.ListNotes(ctx, projectID, "")
	if err != nil {
		return err
	}
	for _, n := range notes {
		note, err := v.ReadNote(ctx, projectID, n.NotePath)
		if err != nil {
			continue
		}
		if err := v.indexNote(ctx, projectID, n.NotePath, note.Title, note.Body); err != nil {
			return err
		}
	}

	v.mu.Lock()
	v.indexed[projectID] = true
	v.mu.Unlock()
	return nil
}

// Close releases all open search indexes.
func (v *LocalVault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var firstErr error
	for _, idx := range v.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
