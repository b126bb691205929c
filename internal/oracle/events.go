// Package oracle is the query orchestrator: it owns the end-to-end
// lifecycle of a question asked against a project's retrieval sources
// and an LLM, and produces the typed event stream a caller consumes.
package oracle

// EventKind enumerates the stages of a query's event stream, in the
// approximate temporal order they are emitted.
type EventKind string

const (
	// EventStatus is a coarse progress update ("searching code", ...).
	EventStatus EventKind = "status"
	// EventThinkingDelta carries partial reasoning from models that
	// expose one.
	EventThinkingDelta EventKind = "thinking_delta"
	// EventSource is emitted once per retrieved context item, as soon
	// as it is ranked.
	EventSource EventKind = "source"
	// EventToolCall signals the LLM requested a tool.
	EventToolCall EventKind = "tool_call"
	// EventToolResult carries a tool's output back to the caller (and
	// to the LLM, as a tool-response message).
	EventToolResult EventKind = "tool_result"
	// EventContentDelta carries streamed answer tokens.
	EventContentDelta EventKind = "content_delta"
	// EventDone is the terminal event on success.
	EventDone EventKind = "done"
	// EventError is the terminal event on failure.
	EventError EventKind = "error"
)

// Source identifies the collaborator a retrieved item came from.
type Source string

const (
	SourceCode    Source = "code"
	SourceNotes   Source = "notes"
	SourceThreads Source = "threads"
)

// SourceRef is one retrieved-and-ranked context item.
type SourceRef struct {
	SourceKind Source
	Path       string
	Score      float64
}

// ToolCallRef describes an LLM-requested tool invocation.
type ToolCallRef struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ToolResultRef carries a tool's outcome back to the caller.
type ToolResultRef struct {
	ToolCallID string
	Result     string // raw JSON on success
	Err        string // non-empty on failure; Result is empty in that case
}

// Done is the payload of a successful query's terminal event.
type Done struct {
	ModelUsed string
	ContextID string // id of the newly appended node (the new head)
}

// Event is one item in a query's output stream. Exactly one payload
// field is meaningful, selected by Kind.
type Event struct {
	Kind EventKind

	Status     string
	Thinking   string
	Source     *SourceRef
	ToolCall   *ToolCallRef
	ToolResult *ToolResultRef
	Content    string
	Done       *Done
	Error      string
}
