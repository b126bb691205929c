package oracle

// Tool input/output schemas, one pair per entry in spec §4.6.3's tool
// table. Shape mirrors internal/mcp/tools.go's input-struct/output-struct
// per tool convention, with the dispatch target being the Oracle's own
// retrieval/vault/thread primitives instead of MCP wire calls.

// ReadFileInput is read_file's input: {path, start?, end?}.
type ReadFileInput struct {
	Path  string `json:"path"`
	Start int    `json:"start,omitempty"`
	End   int    `json:"end,omitempty"`
}

// ReadFileOutput is read_file's output: a file slice.
type ReadFileOutput struct {
	Content string `json:"content"`
}

// ReadNoteInput is read_note's input: {note_path}.
type ReadNoteInput struct {
	NotePath string `json:"note_path"`
}

// ReadNoteOutput is read_note's output: note body + metadata.
type ReadNoteOutput struct {
	Body     string            `json:"body"`
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Version  int               `json:"version"`
}

// WriteNoteInput is write_note's input: {note_path, body, metadata?}.
type WriteNoteInput struct {
	NotePath string            `json:"note_path"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WriteNoteOutput is write_note's output: the new version.
type WriteNoteOutput struct {
	Version int `json:"version"`
}

// SearchCodeInput is search_code's input: {query, limit?}.
type SearchCodeInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchNotesInput is search_notes's input: {query, limit?}.
type SearchNotesInput struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// RankedItemsOutput is the shared output shape for search_code and
// search_notes: ranked chunks/notes.
type RankedItemsOutput struct {
	Results []RankedItem `json:"results"`
}

// RankedItem is one search hit, source-agnostic.
type RankedItem struct {
	Path    string  `json:"path"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// ThreadPushInput is thread_push's input: {thread_id, content, author?}.
type ThreadPushInput struct {
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
	Author   string `json:"author,omitempty"`
}

// ThreadPushOutput is thread_push's output: the new node's id.
type ThreadPushOutput struct {
	NodeID string `json:"node_id"`
}

// ThreadReadInput is thread_read's input: {thread_id}.
type ThreadReadInput struct {
	ThreadID string `json:"thread_id"`
}

// ThreadReadOutput is thread_read's output: summary + recent nodes.
// Triggers the lazy-summary path (internal/oracle/threadsum).
type ThreadReadOutput struct {
	Summary     string           `json:"summary"`
	RecentNodes []ThreadNodeView `json:"recent_nodes"`
}

// ThreadNodeView is one node in a thread_read response.
type ThreadNodeView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// recentNodesWindow bounds how many trailing nodes thread_read returns
// verbatim alongside the summary.
const recentNodesWindow = 10
