package oracle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oraclecore/oracle/internal/config"
	"github.com/oraclecore/oracle/internal/llm"
	"github.com/oraclecore/oracle/internal/oracle/contexttree"
	"github.com/oraclecore/oracle/internal/store"
	"github.com/oraclecore/oracle/internal/vault"
)

// fakeChatClient replays a fixed sequence of rounds, each a canned list
// of StreamEvents, ignoring the messages it is called with.
type fakeChatClient struct {
	rounds [][]llm.StreamEvent
	call   int
}

func (c *fakeChatClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []llm.ToolSpec) (<-chan llm.StreamEvent, error) {
	if c.call >= len(c.rounds) {
		panic("fakeChatClient: more ChatStream calls than rounds configured")
	}
	round := c.rounds[c.call]
	c.call++
	out := make(chan llm.StreamEvent, len(round))
	for _, e := range round {
		out <- e
	}
	close(out)
	return out, nil
}

type fakeCodeSearcher struct {
	items []RankedItem
	err   error
}

func (f *fakeCodeSearcher) Search(ctx context.Context, query string, limit int) ([]RankedItem, error) {
	return f.items, f.err
}

type fakeVault struct {
	results []*vault.SearchResult
}

func (f *fakeVault) ListNotes(ctx context.Context, projectID, folder string) ([]*vault.NoteSummary, error) {
	return nil, nil
}
func (f *fakeVault) ReadNote(ctx context.Context, projectID, notePath string) (*vault.Note, error) {
	return nil, nil
}
func (f *fakeVault) WriteNote(ctx context.Context, projectID, notePath, body string, metadata map[string]string, ifVersion int) (int, error) {
	return 1, nil
}
func (f *fakeVault) SearchNotes(ctx context.Context, projectID, query string, limit int) ([]*vault.SearchResult, error) {
	return f.results, nil
}

func newTestOrchestrator(t *testing.T, chat llm.ChatClient, code CodeSearcher, notes vault.Client) (*Orchestrator, *contexttree.Manager, string) {
	t.Helper()
	ms, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { ms.Close() })

	trees := contexttree.New(ms, 500, 50)
	tools := NewToolExecutor("proj-1", code, notes, nil, nil, time.Second)
	cfg := config.OracleConfig{DefaultModel: "test-model", ToolCallTimeout: time.Second, QueryTimeout: 5 * time.Second, MaxToolRounds: 4, RetrievalLimit: 10}
	orch := NewOrchestrator(trees, chat, tools, code, notes, NewThreadRetriever(ms), cfg)
	return orch, trees, "proj-1"
}

func drainEvents(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

func TestQuery_DirectAnswer_NoToolCalls(t *testing.T) {
	chat := &fakeChatClient{rounds: [][]llm.StreamEvent{
		{
			{Kind: llm.EventContentDelta, Delta: "the answer is "},
			{Kind: llm.EventContentDelta, Delta: "42"},
			{Kind: llm.EventDone, FinishReason: "stop"},
		},
	}}
	code := &fakeCodeSearcher{items: []RankedItem{{Path: "main.go", Snippet: "func main() {}", Score: 0.9}}}
	orch, trees, projectID := newTestOrchestrator(t, chat, code, &fakeVault{})

	events, err := orch.Query(context.Background(), projectID, "what is the answer?", []Source{SourceCode}, "", false, "")
	require.NoError(t, err)

	all := drainEvents(t, events)
	require.NotEmpty(t, all)

	var gotSource, gotContent bool
	var done *Done
	var content string
	for _, e := range all {
		switch e.Kind {
		case EventSource:
			gotSource = true
			assert.Equal(t, SourceCode, e.Source.SourceKind)
		case EventContentDelta:
			gotContent = true
			content += e.Content
		case EventDone:
			done = e.Done
		case EventError:
			t.Fatalf("unexpected error event: %s", e.Error)
		}
	}
	assert.True(t, gotSource)
	assert.True(t, gotContent)
	assert.Equal(t, "the answer is 42", content)
	require.NotNil(t, done)
	assert.NotEmpty(t, done.ContextID)

	reloaded, err := trees.GetTree(context.Background(), mustActiveTreeID(t, trees, projectID))
	require.NoError(t, err)
	assert.Equal(t, done.ContextID, reloaded.HeadNode)
}

func mustActiveTreeID(t *testing.T, trees *contexttree.Manager, projectID string) string {
	t.Helper()
	all, err := trees.ListTrees(context.Background(), projectID)
	require.NoError(t, err)
	for _, tr := range all {
		if tr.Active {
			return tr.ID
		}
	}
	t.Fatal("no active tree found")
	return ""
}

func TestQuery_ToolCallRoundTrip_ExecutesAndContinues(t *testing.T) {
	callArgs, _ := json.Marshal(SearchCodeInput{Query: "narrower term", Limit: 3})
	chat := &fakeChatClient{rounds: [][]llm.StreamEvent{
		{
			{Kind: llm.EventToolCallEnd, ToolCall: &llm.ToolCall{ID: "call-1", Name: "search_code", Arguments: string(callArgs)}},
			{Kind: llm.EventDone, FinishReason: "tool_use"},
		},
		{
			{Kind: llm.EventContentDelta, Delta: "found it"},
			{Kind: llm.EventDone, FinishReason: "stop"},
		},
	}}
	code := &fakeCodeSearcher{items: []RankedItem{{Path: "foo.go", Snippet: "...", Score: 0.5}}}
	orch, _, projectID := newTestOrchestrator(t, chat, code, &fakeVault{})

	events, err := orch.Query(context.Background(), projectID, "find foo", nil, "", false, "")
	require.NoError(t, err)

	all := drainEvents(t, events)
	var sawToolCall, sawToolResult bool
	for _, e := range all {
		if e.Kind == EventToolCall {
			sawToolCall = true
			assert.Equal(t, "search_code", e.ToolCall.Name)
		}
		if e.Kind == EventToolResult {
			sawToolResult = true
			assert.Empty(t, e.ToolResult.Err)
		}
	}
	assert.True(t, sawToolCall)
	assert.True(t, sawToolResult)
	assert.Equal(t, 2, chat.call)
	assert.Equal(t, EventDone, all[len(all)-1].Kind)
}

func TestQuery_LLMStreamError_EmitsErrorNoNodeAppended(t *testing.T) {
	chat := &fakeChatClient{rounds: [][]llm.StreamEvent{
		{{Kind: llm.EventError, Err: assertErr{"upstream exploded"}}},
	}}
	orch, trees, projectID := newTestOrchestrator(t, chat, nil, nil)

	beforeHead := mustActiveTreeHead(t, trees, projectID)

	events, err := orch.Query(context.Background(), projectID, "anything", nil, "", false, "")
	require.NoError(t, err)

	all := drainEvents(t, events)
	last := all[len(all)-1]
	assert.Equal(t, EventError, last.Kind)

	afterHead := mustActiveTreeHead(t, trees, projectID)
	assert.Equal(t, beforeHead, afterHead)
}

func mustActiveTreeHead(t *testing.T, trees *contexttree.Manager, projectID string) string {
	t.Helper()
	all, err := trees.ListTrees(context.Background(), projectID)
	require.NoError(t, err)
	if len(all) == 0 {
		return ""
	}
	for _, tr := range all {
		if tr.Active {
			return tr.HeadNode
		}
	}
	return ""
}

func TestQuery_UnknownSource_DegradesWithStatusEvent(t *testing.T) {
	chat := &fakeChatClient{rounds: [][]llm.StreamEvent{
		{{Kind: llm.EventContentDelta, Delta: "ok"}, {Kind: llm.EventDone}},
	}}
	orch, _, projectID := newTestOrchestrator(t, chat, nil, nil)

	events, err := orch.Query(context.Background(), projectID, "q", []Source{SourceCode}, "", false, "")
	require.NoError(t, err)

	all := drainEvents(t, events)
	var sawUnavailable bool
	for _, e := range all {
		if e.Kind == EventStatus && e.Status == "code search is unavailable for this project" {
			sawUnavailable = true
		}
	}
	assert.True(t, sawUnavailable)
}

// assertErr is a minimal error type for tests that need a concrete err value.
type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
