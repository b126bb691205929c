// Package delta implements the change-detection commit queue: file changes
// are detected by content hash, coalesced into a durable per-project queue,
// and flushed into the search index either on a threshold trigger or
// just-in-time when a query touches a path with pending changes.
package delta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oraclecore/oracle/internal/config"
	"github.com/oraclecore/oracle/internal/index"
	"github.com/oraclecore/oracle/internal/store"
	"github.com/oraclecore/oracle/internal/watcher"
)

// Indexer is the subset of index.Coordinator the queue needs to flush a
// commit. Declared as an interface so tests can stub it without standing up
// a full Coordinator.
type Indexer interface {
	HandleEvents(ctx context.Context, events []watcher.FileEvent) error
}

var _ Indexer = (*index.Coordinator)(nil)

// Queue is a per-project change-detection commit queue.
type Queue struct {
	store   store.MetadataStore
	indexer Indexer
	cfg     config.DeltaConfig
	locks   *lockRegistry

	mu sync.Mutex // serializes the read-coalesce-write sequence in Enqueue
}

// New creates a change-detection queue. lockDir is where per-project
// cross-process lock files are created (typically the project's .oracle
// data directory's parent, so concurrent `oracle` processes on the same
// machine never commit the same project at once).
func New(st store.MetadataStore, indexer Indexer, cfg config.DeltaConfig, lockDir string) *Queue {
	return &Queue{
		store:   st,
		indexer: indexer,
		cfg:     cfg,
		locks:   newLockRegistry(lockDir),
	}
}

// Detect compares content against the last indexed hash for path and
// reports whether it actually changed, and what kind of change it is.
// A path with no prior indexed file is reported as Added.
func Detect(ctx context.Context, st store.MetadataStore, projectID, path string, content []byte) (store.ChangeType, bool, error) {
	existing, err := st.GetFileByPath(ctx, projectID, path)
	if err != nil {
		return "", false, fmt.Errorf("detect change for %s: %w", path, err)
	}
	newHash := hashBytes(content)
	if existing == nil {
		return store.ChangeTypeAdded, true, nil
	}
	if existing.ContentHash == newHash {
		return store.ChangeTypeModified, false, nil
	}
	return store.ChangeTypeModified, true, nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Enqueue records a detected change, coalescing it with any change already
// pending for the same path. The coalescing rules mirror the file watcher's
// debouncer: added+deleted cancels out, added+modified stays added,
// modified+deleted becomes deleted, deleted+added becomes modified. The
// entry's original DetectedAt is preserved across coalescing so age-based
// commit triggers measure from the first observed change, not the latest.
func (q *Queue) Enqueue(ctx context.Context, projectID, path string, changeType store.ChangeType, oldContent, newContent []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lines := linesChanged(string(oldContent), string(newContent))
	now := time.Now()

	existing, err := q.store.GetDeltaEntry(ctx, projectID, path)
	if err != nil {
		return fmt.Errorf("load pending delta for %s: %w", path, err)
	}

	if existing == nil {
		entry := &store.DeltaEntry{
			ID:           uuid.NewString(),
			ProjectID:    projectID,
			Path:         path,
			ChangeType:   changeType,
			ContentHash:  hashBytes(newContent),
			LinesChanged: lines,
			DetectedAt:   now,
			UpdatedAt:    now,
		}
		return q.store.SaveDeltaEntry(ctx, entry)
	}

	merged := coalesce(existing, changeType, lines, hashBytes(newContent), now)
	if merged == nil {
		return q.store.DeleteDeltaEntry(ctx, projectID, path)
	}
	return q.store.SaveDeltaEntry(ctx, merged)
}

// coalesce merges a newly observed change into an existing pending entry.
// Returns nil when the two changes cancel each other out.
func coalesce(existing *store.DeltaEntry, newType store.ChangeType, newLines int, newHash string, now time.Time) *store.DeltaEntry {
	merged := *existing
	merged.UpdatedAt = now
	merged.LinesChanged += newLines

	switch existing.ChangeType {
	case store.ChangeTypeAdded:
		switch newType {
		case store.ChangeTypeDeleted:
			return nil // file never really existed as far as the index is concerned
		default:
			merged.ChangeType = store.ChangeTypeAdded
			merged.ContentHash = newHash
		}

	case store.ChangeTypeModified:
		switch newType {
		case store.ChangeTypeDeleted:
			merged.ChangeType = store.ChangeTypeDeleted
		default:
			merged.ChangeType = store.ChangeTypeModified
			merged.ContentHash = newHash
		}

	case store.ChangeTypeDeleted:
		switch newType {
		case store.ChangeTypeDeleted:
			merged.ChangeType = store.ChangeTypeDeleted
		default:
			// The path was deleted and something now exists there again:
			// from the index's perspective that's a modification, not a
			// fresh add, since the path was already known.
			merged.ChangeType = store.ChangeTypeModified
			merged.ContentHash = newHash
		}
	}
	return &merged
}

// PendingStatus reports the current queue state for a project, and whether
// any configured threshold has been crossed.
func (q *Queue) PendingStatus(ctx context.Context, projectID string) (*Snapshot, bool, string, error) {
	entries, err := q.store.ListPendingDeltaEntries(ctx, projectID)
	if err != nil {
		return nil, false, "", fmt.Errorf("list pending deltas: %w", err)
	}

	snap := &Snapshot{ProjectID: projectID}
	var oldest time.Time
	for _, e := range entries {
		snap.PendingFiles++
		snap.CumulativeLines += e.LinesChanged
		if oldest.IsZero() || e.DetectedAt.Before(oldest) {
			oldest = e.DetectedAt
		}
		snap.Entries = append(snap.Entries, &SummaryRow{
			Path:         e.Path,
			ChangeType:   string(e.ChangeType),
			LinesChanged: e.LinesChanged,
			Age:          time.Since(e.DetectedAt),
		})
	}
	if !oldest.IsZero() {
		snap.OldestAge = time.Since(oldest)
	}

	should, reason := q.shouldCommit(snap)
	return snap, should, reason, nil
}

func (q *Queue) shouldCommit(snap *Snapshot) (bool, string) {
	if q.cfg.PendingFilesThreshold > 0 && snap.PendingFiles >= q.cfg.PendingFilesThreshold {
		return true, fmt.Sprintf("pending files %d >= threshold %d", snap.PendingFiles, q.cfg.PendingFilesThreshold)
	}
	if q.cfg.CumulativeLinesThreshold > 0 && snap.CumulativeLines >= q.cfg.CumulativeLinesThreshold {
		return true, fmt.Sprintf("cumulative lines %d >= threshold %d", snap.CumulativeLines, q.cfg.CumulativeLinesThreshold)
	}
	if q.cfg.MaxAge != "" {
		if maxAge, err := time.ParseDuration(q.cfg.MaxAge); err == nil && snap.OldestAge >= maxAge {
			return true, fmt.Sprintf("oldest pending entry age %s >= max age %s", snap.OldestAge.Round(time.Second), maxAge)
		}
	}
	return false, ""
}

// Status renders the current pending-queue state for display.
func (q *Queue) Status(ctx context.Context, projectID string) (string, error) {
	snap, should, reason, err := q.PendingStatus(ctx, projectID)
	if err != nil {
		return "", err
	}
	out := snap.Render()
	if should {
		out += fmt.Sprintf("commit threshold reached: %s\n", reason)
	}
	return out, nil
}

// Commit flushes pending changes for projectID into the search index. If
// force is false, it is a no-op unless a configured threshold has been
// crossed. Successfully committed entries are purged from the queue;
// entries that fail to index are left pending for the next commit attempt.
func (q *Queue) Commit(ctx context.Context, projectID string, force bool) error {
	snap, should, reason, err := q.PendingStatus(ctx, projectID)
	if err != nil {
		return err
	}
	if !force && !should {
		return nil
	}
	if force {
		reason = "forced"
	}
	if len(snap.Entries) == 0 {
		return nil
	}

	paths := make([]string, len(snap.Entries))
	for i, e := range snap.Entries {
		paths[i] = e.Path
	}

	slog.Info("committing delta queue", slog.String("project_id", projectID),
		slog.Int("files", len(paths)), slog.String("reason", reason))

	return q.locks.withProjectLock(projectID, func() error {
		return q.commitPaths(ctx, projectID, paths)
	})
}

// IndexPendingForQuery does a best-effort just-in-time commit of only the
// pending files whose path plausibly matches query, so a search issued
// right after an edit sees fresh results without waiting for a full
// threshold-triggered commit. It is heuristic and non-blocking on failure:
// an error here should never fail the surrounding query.
func (q *Queue) IndexPendingForQuery(ctx context.Context, projectID, query string) {
	entries, err := q.store.ListPendingDeltaEntries(ctx, projectID)
	if err != nil || len(entries) == 0 {
		return
	}

	queryTokens := store.TokenizeCode(strings.ToLower(query))
	if len(queryTokens) == 0 {
		return
	}
	queryTerms := make(map[string]struct{}, len(queryTokens))
	for _, t := range queryTokens {
		queryTerms[t] = struct{}{}
	}

	var match []string
	for _, e := range entries {
		for _, tok := range store.TokenizeCode(strings.ToLower(e.Path)) {
			if _, ok := queryTerms[tok]; ok {
				match = append(match, e.Path)
				break
			}
		}
	}
	if len(match) == 0 {
		return
	}

	if err := q.locks.withProjectLock(projectID, func() error {
		return q.commitPaths(ctx, projectID, match)
	}); err != nil {
		slog.Warn("JIT delta commit failed", slog.String("project_id", projectID), slog.Any("error", err))
	}
}

func (q *Queue) commitPaths(ctx context.Context, projectID string, paths []string) error {
	events := make([]watcher.FileEvent, 0, len(paths))
	entryByPath := make(map[string]*store.DeltaEntry, len(paths))
	for _, p := range paths {
		entry, err := q.store.GetDeltaEntry(ctx, projectID, p)
		if err != nil {
			return fmt.Errorf("load delta entry for %s: %w", p, err)
		}
		if entry == nil {
			continue // already committed by a concurrent/earlier pass
		}
		entryByPath[p] = entry
		events = append(events, watcher.FileEvent{
			Path:      p,
			Operation: toOperation(entry.ChangeType),
		})
	}
	if len(events) == 0 {
		return nil
	}

	if err := q.indexer.HandleEvents(ctx, events); err != nil {
		return fmt.Errorf("commit delta batch: %w", err)
	}

	committed := make([]string, 0, len(entryByPath))
	for p := range entryByPath {
		committed = append(committed, p)
	}
	return q.store.PurgeDeltaEntries(ctx, projectID, committed)
}

func toOperation(ct store.ChangeType) watcher.Operation {
	switch ct {
	case store.ChangeTypeAdded:
		return watcher.OpCreate
	case store.ChangeTypeDeleted:
		return watcher.OpDelete
	default:
		return watcher.OpModify
	}
}
