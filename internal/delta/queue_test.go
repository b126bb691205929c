package delta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oraclecore/oracle/internal/config"
	"github.com/oraclecore/oracle/internal/store"
	"github.com/oraclecore/oracle/internal/watcher"
)

type fakeIndexer struct {
	calls [][]watcher.FileEvent
	err   error
}

func (f *fakeIndexer) HandleEvents(ctx context.Context, events []watcher.FileEvent) error {
	f.calls = append(f.calls, events)
	return f.err
}

func newTestQueue(t *testing.T, idx Indexer, cfg config.DeltaConfig) (*Queue, store.MetadataStore) {
	t.Helper()
	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, idx, cfg, t.TempDir()), st
}

func testDeltaConfig() config.DeltaConfig {
	return config.DeltaConfig{
		PendingFilesThreshold:    5,
		CumulativeLinesThreshold: 1000,
		MaxAge:                   "5m",
	}
}

func TestQueue_Enqueue_NewEntry(t *testing.T) {
	idx := &fakeIndexer{}
	q, st := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeAdded, nil, []byte("package a\n")))

	entry, err := st.GetDeltaEntry(ctx, "p1", "a.go")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.ChangeTypeAdded, entry.ChangeType)
}

func TestQueue_Enqueue_AddedThenDeleted_Cancels(t *testing.T) {
	idx := &fakeIndexer{}
	q, st := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeAdded, nil, []byte("x")))
	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeDeleted, []byte("x"), nil))

	entry, err := st.GetDeltaEntry(ctx, "p1", "a.go")
	require.NoError(t, err)
	assert.Nil(t, entry, "added+deleted should cancel out")
}

func TestQueue_Enqueue_ModifiedThenDeleted_BecomesDeleted(t *testing.T) {
	idx := &fakeIndexer{}
	q, st := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeModified, []byte("old"), []byte("new")))
	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeDeleted, []byte("new"), nil))

	entry, err := st.GetDeltaEntry(ctx, "p1", "a.go")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.ChangeTypeDeleted, entry.ChangeType)
}

func TestQueue_Enqueue_DeletedThenAdded_BecomesModified(t *testing.T) {
	idx := &fakeIndexer{}
	q, st := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeDeleted, []byte("old"), nil))
	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeAdded, nil, []byte("replacement")))

	entry, err := st.GetDeltaEntry(ctx, "p1", "a.go")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, store.ChangeTypeModified, entry.ChangeType)
}

func TestQueue_Enqueue_PreservesOriginalDetectedAt(t *testing.T) {
	idx := &fakeIndexer{}
	q, st := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeModified, []byte("old"), []byte("new1")))
	first, err := st.GetDeltaEntry(ctx, "p1", "a.go")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeModified, []byte("new1"), []byte("new2")))
	second, err := st.GetDeltaEntry(ctx, "p1", "a.go")
	require.NoError(t, err)

	assert.Equal(t, first.DetectedAt.Unix(), second.DetectedAt.Unix())
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt) || second.UpdatedAt.Equal(first.UpdatedAt))
}

func TestQueue_Commit_NotForced_BelowThreshold_NoOp(t *testing.T) {
	idx := &fakeIndexer{}
	q, _ := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeAdded, nil, []byte("x")))
	require.NoError(t, q.Commit(ctx, "p1", false))
	assert.Empty(t, idx.calls, "commit below threshold should not call the indexer")
}

func TestQueue_Commit_Forced_FlushesAndPurges(t *testing.T) {
	idx := &fakeIndexer{}
	q, st := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeAdded, nil, []byte("x")))
	require.NoError(t, q.Enqueue(ctx, "p1", "b.go", store.ChangeTypeDeleted, []byte("y"), nil))

	require.NoError(t, q.Commit(ctx, "p1", true))
	require.Len(t, idx.calls, 1)
	assert.Len(t, idx.calls[0], 2)

	pending, err := st.ListPendingDeltaEntries(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending, "committed entries should be purged")
}

func TestQueue_Commit_FileThreshold_TriggersWithoutForce(t *testing.T) {
	idx := &fakeIndexer{}
	cfg := testDeltaConfig()
	cfg.PendingFilesThreshold = 2
	q, _ := newTestQueue(t, idx, cfg)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeAdded, nil, []byte("x")))
	require.NoError(t, q.Enqueue(ctx, "p1", "b.go", store.ChangeTypeAdded, nil, []byte("y")))

	require.NoError(t, q.Commit(ctx, "p1", false))
	assert.Len(t, idx.calls, 1)
}

func TestQueue_IndexPendingForQuery_OnlyCommitsMatchingPaths(t *testing.T) {
	idx := &fakeIndexer{}
	q, st := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "internal/auth/login.go", store.ChangeTypeAdded, nil, []byte("package auth")))
	require.NoError(t, q.Enqueue(ctx, "p1", "internal/billing/invoice.go", store.ChangeTypeAdded, nil, []byte("package billing")))

	q.IndexPendingForQuery(ctx, "p1", "auth login handler")

	require.Len(t, idx.calls, 1)
	require.Len(t, idx.calls[0], 1)
	assert.Equal(t, "internal/auth/login.go", idx.calls[0][0].Path)

	pending, err := st.ListPendingDeltaEntries(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "internal/billing/invoice.go", pending[0].Path)
}

func TestQueue_Status_RendersPendingEntries(t *testing.T) {
	idx := &fakeIndexer{}
	q, _ := newTestQueue(t, idx, testDeltaConfig())
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "p1", "a.go", store.ChangeTypeAdded, nil, []byte("x\ny\n")))

	out, err := q.Status(ctx, "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "a.go")
}

func TestQueue_Status_NoPendingChanges(t *testing.T) {
	idx := &fakeIndexer{}
	q, _ := newTestQueue(t, idx, testDeltaConfig())

	out, err := q.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "no pending changes", out)
}
