// Package llm defines the streaming chat client surface the orchestrator
// talks to. The teacher never calls out to a chat model — this package's
// shape is grounded on the streaming/tool-call thread patterns surveyed
// across the example pack (kodelet's provider-agnostic llm/base.Thread,
// deepnoodle's Thread/message history, iota-sdk's bichat context) rather
// than on any single teacher file.
package llm

import "context"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a chat conversation.
type Message struct {
	Role Role
	// Content is the message text. For tool-result messages this carries
	// the tool's return value serialized to a string.
	Content string
	// ToolCallID links a RoleTool message back to the ToolCallStart that
	// requested it.
	ToolCallID string
}

// ToolSpec describes a callable tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is the tool's input schema as JSON Schema.
	Parameters map[string]any
}

// ToolCall is a single invocation of a tool requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON arguments, as emitted by the model
}

// EventKind enumerates the StreamEvent payload shapes a ChatClient can emit.
type EventKind string

const (
	// EventThinkingDelta carries an incremental chunk of the model's
	// reasoning trace, when the model/provider exposes one.
	EventThinkingDelta EventKind = "thinking_delta"
	// EventContentDelta carries an incremental chunk of the model's
	// user-facing reply text.
	EventContentDelta EventKind = "content_delta"
	// EventToolCallStart signals the model has decided to invoke a tool.
	EventToolCallStart EventKind = "tool_call_start"
	// EventToolCallEnd signals a tool call's arguments are complete and
	// ready to execute.
	EventToolCallEnd EventKind = "tool_call_end"
	// EventDone signals the stream completed normally.
	EventDone EventKind = "done"
	// EventError signals the stream terminated abnormally.
	EventError EventKind = "error"
)

// StreamEvent is one item in a ChatClient's response stream. Exactly one
// of the payload fields is meaningful, determined by Kind — callers
// should switch on Kind rather than checking payload fields for zero
// values, since a deliberately empty delta is valid.
type StreamEvent struct {
	Kind EventKind

	// Delta holds the incremental text for EventThinkingDelta/EventContentDelta.
	Delta string

	// ToolCall holds the call for EventToolCallStart/EventToolCallEnd.
	ToolCall *ToolCall

	// Err holds the failure for EventError.
	Err error

	// FinishReason holds why generation stopped, for EventDone
	// ("stop", "tool_use", "max_tokens", ...).
	FinishReason string
}

// ChatClient streams a chat completion from an LLM, optionally offering
// tools the model may call mid-stream. Implementations must close the
// returned channel after emitting an EventDone or EventError; no further
// events are sent afterward.
type ChatClient interface {
	ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec) (<-chan StreamEvent, error)
}
