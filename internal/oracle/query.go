package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/oraclecore/oracle/internal/config"
	"github.com/oraclecore/oracle/internal/llm"
	"github.com/oraclecore/oracle/internal/oracle/contexttree"
	"github.com/oraclecore/oracle/internal/vault"
)

// Orchestrator owns the end-to-end query lifecycle: resolving context,
// fanning out retrievers, streaming the LLM, dispatching tool calls, and
// appending the answer to the context tree.
type Orchestrator struct {
	trees   *contexttree.Manager
	chat    llm.ChatClient
	tools   *ToolExecutor
	code    CodeSearcher
	notes   vault.Client
	threads *ThreadRetriever
	cfg     config.OracleConfig
}

// NewOrchestrator builds an Orchestrator. Any retriever collaborator may
// be nil if its source is never requested; a Query asking for a nil
// source degrades to a status event reporting it unavailable.
func NewOrchestrator(trees *contexttree.Manager, chat llm.ChatClient, tools *ToolExecutor, code CodeSearcher, notes vault.Client, threads *ThreadRetriever, cfg config.OracleConfig) *Orchestrator {
	return &Orchestrator{trees: trees, chat: chat, tools: tools, code: code, notes: notes, threads: threads, cfg: cfg}
}

// Query runs spec §4.6.3's algorithm and returns the event stream. A
// synchronous error is only returned if context resolution itself fails;
// everything past that point is reported as an error event so the
// caller's stream is always the single source of truth for how a query
// ended.
func (o *Orchestrator) Query(ctx context.Context, projectID, question string, sources []Source, model string, thinkingEnabled bool, contextID string) (<-chan Event, error) {
	if model == "" {
		model = o.cfg.DefaultModel
	}
	treeID, headNodeID, err := o.resolveContext(ctx, projectID, contextID)
	if err != nil {
		return nil, fmt.Errorf("resolve context: %w", err)
	}

	events := make(chan Event, 32)
	go o.run(ctx, projectID, treeID, headNodeID, question, sources, model, thinkingEnabled, events)
	return events, nil
}

// resolveContext implements step 1: checkout the requested node, fall
// back to the active tree's head, or create a tree if none exists.
func (o *Orchestrator) resolveContext(ctx context.Context, projectID, contextID string) (treeID, headNodeID string, err error) {
	trees, err := o.trees.ListTrees(ctx, projectID)
	if err != nil {
		return "", "", err
	}
	var activeID, activeHead string
	for _, t := range trees {
		if t.Active {
			activeID, activeHead = t.ID, t.HeadNode
			break
		}
	}
	if activeID == "" {
		created, err := o.trees.CreateTree(ctx, projectID, "default")
		if err != nil {
			return "", "", err
		}
		if err := o.trees.SetActive(ctx, created.ID); err != nil {
			return "", "", err
		}
		activeID, activeHead = created.ID, created.HeadNode
	}
	if contextID != "" {
		if err := o.trees.Checkout(ctx, activeID, contextID); err != nil {
			return "", "", err
		}
		return activeID, contextID, nil
	}
	return activeID, activeHead, nil
}

// run executes steps 2-7 and owns the events channel: it is the sole
// writer, emitting status/source/thinking/tool/content events in the
// order they are produced before closing the channel on done or error.
func (o *Orchestrator) run(ctx context.Context, projectID, treeID, headNodeID, question string, sources []Source, model string, thinkingEnabled bool, events chan<- Event) {
	defer close(events)

	queryCtx := ctx
	var cancel context.CancelFunc
	if o.cfg.QueryTimeout > 0 {
		queryCtx, cancel = context.WithTimeout(ctx, o.cfg.QueryTimeout)
		defer cancel()
	}

	conversation, err := o.trees.ConversationPath(queryCtx, treeID)
	if err != nil {
		o.emitError(events, "load conversation history: "+err.Error())
		return
	}

	snippets := o.retrieve(queryCtx, projectID, question, sources, events)

	messages := assemblePrompt(conversation, snippets, question)
	toolSpecs := ToolSpecs()

	events <- Event{Kind: EventStatus, Status: "querying model"}

	answer, finalErr := o.converse(queryCtx, model, messages, toolSpecs, thinkingEnabled, events)
	if finalErr != nil {
		if queryCtx.Err() != nil {
			o.emitError(events, "query cancelled")
		} else {
			o.emitError(events, finalErr.Error())
		}
		return
	}

	nodeID, err := o.trees.Append(queryCtx, treeID, headNodeID, question, answer)
	if err != nil {
		o.emitError(events, "append context node: "+err.Error())
		return
	}

	events <- Event{Kind: EventDone, Done: &Done{ModelUsed: model, ContextID: nodeID}}
}

func (o *Orchestrator) emitError(events chan<- Event, message string) {
	events <- Event{Kind: EventError, Error: message}
}

// retrieve implements step 2: fan out one goroutine per requested
// source, emitting `status` on failure (degrading gracefully per spec
// §4.6.4) and `source` per ranked item, then returns the fused, capped
// snippet list with citation ids assigned in emission order.
func (o *Orchestrator) retrieve(ctx context.Context, projectID, question string, sources []Source, events chan<- Event) []citedSnippet {
	type hit struct {
		source Source
		items  []RankedItem
	}
	results := make(chan hit, len(sources))
	var wg sync.WaitGroup

	for _, src := range sources {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			items, unavailable := o.retrieveOne(ctx, projectID, question, src)
			if unavailable != "" {
				events <- Event{Kind: EventStatus, Status: unavailable}
				results <- hit{source: src}
				return
			}
			results <- hit{source: src, items: items}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var snippets []citedSnippet
	id := 1
	for h := range results {
		for _, item := range h.items {
			events <- Event{Kind: EventSource, Source: &SourceRef{SourceKind: h.source, Path: item.Path, Score: item.Score}}
			snippets = append(snippets, citedSnippet{ID: id, Source: h.source, Path: item.Path, Content: item.Snippet, Score: item.Score})
			id++
		}
	}
	return snippets
}

func (o *Orchestrator) retrieveOne(ctx context.Context, projectID, question string, src Source) (items []RankedItem, unavailable string) {
	limit := o.cfg.RetrievalLimit
	if limit <= 0 {
		limit = 10
	}
	switch src {
	case SourceCode:
		if o.code == nil {
			return nil, "code search is unavailable for this project"
		}
		results, err := o.code.Search(ctx, question, limit)
		if err != nil {
			return nil, "code search failed: " + err.Error()
		}
		return results, ""
	case SourceNotes:
		if o.notes == nil {
			return nil, "notes are unavailable for this project"
		}
		results, err := o.notes.SearchNotes(ctx, projectID, question, limit)
		if err != nil {
			return nil, "note search failed: " + err.Error()
		}
		out := make([]RankedItem, len(results))
		for i, r := range results {
			out[i] = RankedItem{Path: r.NotePath, Snippet: r.Snippet, Score: r.Score}
		}
		return out, ""
	case SourceThreads:
		if o.threads == nil {
			return nil, "threads are unavailable for this project"
		}
		results, err := o.threads.Search(ctx, projectID, question, limit)
		if err != nil {
			return nil, "thread search failed: " + err.Error()
		}
		return results, ""
	default:
		return nil, fmt.Sprintf("unknown source %q", src)
	}
}

// converse implements steps 4-5: drive the LLM stream, translating each
// event and executing tool calls as they complete, looping until the
// model finishes without requesting a tool or the round cap is reached.
func (o *Orchestrator) converse(ctx context.Context, model string, messages []llm.Message, toolSpecs []llm.ToolSpec, thinkingEnabled bool, events chan<- Event) (string, error) {
	var answer strings.Builder

	maxRounds := o.cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 8
	}

	for round := 0; round < maxRounds; round++ {
		stream, err := o.chat.ChatStream(ctx, model, messages, toolSpecs)
		if err != nil {
			return "", fmt.Errorf("start chat stream: %w", err)
		}

		var toolCalls []*llm.ToolCall
		calledTool := false

	drain:
		for {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case evt, ok := <-stream:
				if !ok {
					break drain
				}
				switch evt.Kind {
				case llm.EventThinkingDelta:
					if thinkingEnabled {
						events <- Event{Kind: EventThinkingDelta, Thinking: evt.Delta}
					}
				case llm.EventContentDelta:
					answer.WriteString(evt.Delta)
					events <- Event{Kind: EventContentDelta, Content: evt.Delta}
				case llm.EventToolCallEnd:
					calledTool = true
					toolCalls = append(toolCalls, evt.ToolCall)
				case llm.EventDone:
					break drain
				case llm.EventError:
					return "", evt.Err
				}
			}
		}

		if !calledTool {
			return answer.String(), nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: answer.String()})
		for _, call := range toolCalls {
			events <- Event{Kind: EventToolCall, ToolCall: &ToolCallRef{ID: call.ID, Name: call.Name, Arguments: call.Arguments}}
			result, err := o.tools.Dispatch(ctx, call.Name, call.Arguments)
			resultRef := &ToolResultRef{ToolCallID: call.ID}
			if err != nil {
				resultRef.Err = err.Error()
			} else {
				resultRef.Result = result
			}
			events <- Event{Kind: EventToolResult, ToolResult: resultRef}

			content := result
			if err != nil {
				content = fmt.Sprintf(`{"error":%q}`, err.Error())
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID})
		}
		answer.Reset()
	}

	return "", fmt.Errorf("exceeded max tool rounds (%d) without a final answer", maxRounds)
}
