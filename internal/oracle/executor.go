package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	oerrors "github.com/oraclecore/oracle/internal/errors"
	"github.com/oraclecore/oracle/internal/vault"
)

// ToolExecutor dispatches LLM-requested tool calls against the Oracle's
// own retrieval/vault/thread primitives, per spec §4.6.3's tool table.
// Unknown tool names fail with InvalidArgument; call latency is bounded
// by a per-call timeout (spec §5, default 30s).
type ToolExecutor struct {
	projectID string
	code      CodeSearcher
	notes     vault.Client
	files     FileReader
	threads   *threadSummaryReader
	timeout   time.Duration
}

// NewToolExecutor builds a ToolExecutor for one project. Any collaborator
// may be nil if its source was not requested — calls to its tools then
// fail with Upstream rather than panicking.
func NewToolExecutor(projectID string, code CodeSearcher, notes vault.Client, files FileReader, threads *threadSummaryReader, timeout time.Duration) *ToolExecutor {
	return &ToolExecutor{projectID: projectID, code: code, notes: notes, files: files, threads: threads, timeout: timeout}
}

// Dispatch executes one tool call and returns its JSON-encoded result.
func (e *ToolExecutor) Dispatch(ctx context.Context, name, argumentsJSON string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	switch name {
	case "read_file":
		return e.readFile(ctx, argumentsJSON)
	case "read_note":
		return e.readNote(ctx, argumentsJSON)
	case "write_note":
		return e.writeNote(ctx, argumentsJSON)
	case "search_code":
		return e.searchCode(ctx, argumentsJSON)
	case "search_notes":
		return e.searchNotes(ctx, argumentsJSON)
	case "thread_push":
		return e.threadPush(ctx, argumentsJSON)
	case "thread_read":
		return e.threadRead(ctx, argumentsJSON)
	default:
		return "", oerrors.InvalidArgument(fmt.Sprintf("unknown tool: %s", name), nil).WithDetail("reason", "invalid_tool")
	}
}

func decodeArgs[T any](argumentsJSON string) (T, error) {
	var v T
	if argumentsJSON == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(argumentsJSON), &v); err != nil {
		return v, oerrors.InvalidArgument("malformed tool arguments: "+err.Error(), err)
	}
	return v, nil
}

func encodeResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", oerrors.InternalError("failed to encode tool result", err)
	}
	return string(raw), nil
}

func (e *ToolExecutor) readFile(ctx context.Context, argumentsJSON string) (string, error) {
	if e.files == nil {
		return "", oerrors.Upstream("file reading is not configured for this project", nil)
	}
	in, err := decodeArgs[ReadFileInput](argumentsJSON)
	if err != nil {
		return "", err
	}
	content, err := e.files.ReadFile(ctx, in.Path, in.Start, in.End)
	if err != nil {
		return "", oerrors.Wrap(oerrors.ErrCodeFileNotFound, err)
	}
	return encodeResult(ReadFileOutput{Content: content})
}

func (e *ToolExecutor) readNote(ctx context.Context, argumentsJSON string) (string, error) {
	if e.notes == nil {
		return "", oerrors.Upstream("the notes collaborator is not configured for this project", nil)
	}
	in, err := decodeArgs[ReadNoteInput](argumentsJSON)
	if err != nil {
		return "", err
	}
	note, err := e.notes.ReadNote(ctx, e.projectID, in.NotePath)
	if err != nil {
		return "", oerrors.Upstream("read_note failed: "+err.Error(), err)
	}
	return encodeResult(ReadNoteOutput{Body: note.Body, Title: note.Title, Metadata: note.Metadata, Version: note.Version})
}

func (e *ToolExecutor) writeNote(ctx context.Context, argumentsJSON string) (string, error) {
	if e.notes == nil {
		return "", oerrors.Upstream("the notes collaborator is not configured for this project", nil)
	}
	in, err := decodeArgs[WriteNoteInput](argumentsJSON)
	if err != nil {
		return "", err
	}
	version, err := e.notes.WriteNote(ctx, e.projectID, in.NotePath, in.Body, in.Metadata, 0)
	if err != nil {
		return "", oerrors.Upstream("write_note failed: "+err.Error(), err)
	}
	return encodeResult(WriteNoteOutput{Version: version})
}

func (e *ToolExecutor) searchCode(ctx context.Context, argumentsJSON string) (string, error) {
	if e.code == nil {
		return "", oerrors.Upstream("code search is not configured for this project", nil)
	}
	in, err := decodeArgs[SearchCodeInput](argumentsJSON)
	if err != nil {
		return "", err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := e.code.Search(ctx, in.Query, limit)
	if err != nil {
		return "", oerrors.Upstream("search_code failed: "+err.Error(), err)
	}
	return encodeResult(RankedItemsOutput{Results: results})
}

func (e *ToolExecutor) searchNotes(ctx context.Context, argumentsJSON string) (string, error) {
	if e.notes == nil {
		return "", oerrors.Upstream("the notes collaborator is not configured for this project", nil)
	}
	in, err := decodeArgs[SearchNotesInput](argumentsJSON)
	if err != nil {
		return "", err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := e.notes.SearchNotes(ctx, e.projectID, in.Query, limit)
	if err != nil {
		return "", oerrors.Upstream("search_notes failed: "+err.Error(), err)
	}
	out := make([]RankedItem, len(results))
	for i, r := range results {
		out[i] = RankedItem{Path: r.NotePath, Snippet: r.Snippet, Score: r.Score}
	}
	return encodeResult(RankedItemsOutput{Results: out})
}

func (e *ToolExecutor) threadPush(ctx context.Context, argumentsJSON string) (string, error) {
	if e.threads == nil {
		return "", oerrors.Upstream("threads are not configured for this project", nil)
	}
	in, err := decodeArgs[ThreadPushInput](argumentsJSON)
	if err != nil {
		return "", err
	}
	nodeID, err := e.threads.Push(ctx, in.ThreadID, in.Content, in.Author)
	if err != nil {
		return "", oerrors.Upstream("thread_push failed: "+err.Error(), err)
	}
	return encodeResult(ThreadPushOutput{NodeID: nodeID})
}

func (e *ToolExecutor) threadRead(ctx context.Context, argumentsJSON string) (string, error) {
	if e.threads == nil {
		return "", oerrors.Upstream("threads are not configured for this project", nil)
	}
	in, err := decodeArgs[ThreadReadInput](argumentsJSON)
	if err != nil {
		return "", err
	}
	summary, err := e.threads.Summary(ctx, in.ThreadID)
	if err != nil {
		return "", oerrors.Upstream("thread_read failed: "+err.Error(), err)
	}
	recent, err := e.threads.RecentNodes(ctx, in.ThreadID, recentNodesWindow)
	if err != nil {
		return "", oerrors.Upstream("thread_read failed: "+err.Error(), err)
	}
	return encodeResult(ThreadReadOutput{Summary: summary, RecentNodes: recent})
}
