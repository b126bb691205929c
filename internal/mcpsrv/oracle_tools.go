package mcpsrv

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oraclecore/oracle/internal/oracle"
)

// AskInput defines the input schema for the ask tool.
type AskInput struct {
	Question  string   `json:"question" jsonschema:"the question to answer against the project's code, notes, and thread history"`
	Sources   []string `json:"sources,omitempty" jsonschema:"retrieval sources to consult: code, notes, threads (default: all configured)"`
	ContextID string   `json:"context_id,omitempty" jsonschema:"a context-tree node id to resume from, continuing a prior conversation"`
	Model     string   `json:"model,omitempty" jsonschema:"override the default chat model"`
}

// AskOutput defines the output schema for the ask tool.
type AskOutput struct {
	Answer    string `json:"answer"`
	ContextID string `json:"context_id" jsonschema:"the new context-tree node id; pass as context_id to continue this conversation"`
	ModelUsed string `json:"model_used"`
}

// NotesSearchOutput defines the output schema for the search_notes tool.
type NotesSearchOutput struct {
	Results []oracle.RankedItem `json:"results"`
}

// ThreadPushToolInput defines the input schema for the thread_push tool.
type ThreadPushToolInput struct {
	ThreadID string `json:"thread_id" jsonschema:"the thread id to append to"`
	Content  string `json:"content" jsonschema:"the message content to append"`
	Author   string `json:"author,omitempty" jsonschema:"role of the author, e.g. user or assistant (default user)"`
}

// ThreadPushToolOutput defines the output schema for the thread_push tool.
type ThreadPushToolOutput struct {
	NodeID string `json:"node_id"`
}

// ThreadReadToolInput defines the input schema for the thread_read tool.
type ThreadReadToolInput struct {
	ThreadID string `json:"thread_id" jsonschema:"the thread id to read"`
}

// ThreadReadToolOutput defines the output schema for the thread_read tool.
type ThreadReadToolOutput struct {
	Summary     string                `json:"summary"`
	RecentNodes []oracle.ThreadNodeView `json:"recent_nodes"`
}

// dispatchOracleTool marshals in and routes it through the wired
// ToolExecutor, the same dispatch path the orchestrator's own LLM tool
// calls use. Returns NewInvalidParamsError-shaped errors if the oracle
// collaborators were never wired via SetOracle.
func (s *Server) dispatchOracleTool(ctx context.Context, name string, in any) (string, error) {
	s.mu.RLock()
	tools := s.tools
	s.mu.RUnlock()
	if tools == nil {
		return "", NewInvalidParamsError(name + " is not available: the oracle orchestrator was not wired for this server")
	}
	argsJSON, err := json.Marshal(in)
	if err != nil {
		return "", NewInvalidParamsError("failed to encode " + name + " arguments: " + err.Error())
	}
	return tools.Dispatch(ctx, name, string(argsJSON))
}

// handleAskTool handles the ask tool invocation, coalescing the
// orchestrator's event stream into a single answer since MCP tool
// calls aren't a streaming transport.
func (s *Server) handleAskTool(ctx context.Context, args map[string]any) (*AskOutput, error) {
	question, _ := args["question"].(string)
	if strings.TrimSpace(question) == "" {
		return nil, NewInvalidParamsError("question parameter is required and must be a non-empty string")
	}

	var sources []oracle.Source
	if raw, ok := args["sources"].([]interface{}); ok {
		for _, v := range raw {
			if str, ok := v.(string); ok {
				sources = append(sources, oracle.Source(str))
			}
		}
	}
	contextID, _ := args["context_id"].(string)
	model, _ := args["model"].(string)

	return s.runAsk(ctx, question, sources, contextID, model)
}

// mcpAskHandler is the MCP SDK handler for the ask tool.
func (s *Server) mcpAskHandler(ctx context.Context, _ *mcp.CallToolRequest, input AskInput) (
	*mcp.CallToolResult,
	AskOutput,
	error,
) {
	if strings.TrimSpace(input.Question) == "" {
		return nil, AskOutput{}, NewInvalidParamsError("question parameter is required")
	}
	sources := make([]oracle.Source, len(input.Sources))
	for i, s := range input.Sources {
		sources[i] = oracle.Source(s)
	}
	out, err := s.runAsk(ctx, input.Question, sources, input.ContextID, input.Model)
	if err != nil {
		return nil, AskOutput{}, err
	}
	return nil, *out, nil
}

func (s *Server) runAsk(ctx context.Context, question string, sources []oracle.Source, contextID, model string) (*AskOutput, error) {
	s.mu.RLock()
	orch := s.orch
	projectID := s.projectID
	s.mu.RUnlock()
	if orch == nil {
		return nil, NewInvalidParamsError("ask is not available: the oracle orchestrator was not wired for this server")
	}
	if len(sources) == 0 {
		sources = []oracle.Source{oracle.SourceCode, oracle.SourceNotes, oracle.SourceThreads}
	}

	start := time.Now()
	requestID := generateRequestID()
	s.logger.Info("ask started", slog.String("request_id", requestID), slog.String("question", question))

	events, err := orch.Query(ctx, projectID, question, sources, model, false, contextID)
	if err != nil {
		return nil, MapError(err)
	}

	var answer strings.Builder
	var out AskOutput
	for evt := range events {
		switch evt.Kind {
		case oracle.EventContentDelta:
			answer.WriteString(evt.Content)
		case oracle.EventDone:
			if evt.Done != nil {
				out.ContextID = evt.Done.ContextID
				out.ModelUsed = evt.Done.ModelUsed
			}
		case oracle.EventError:
			s.logger.Error("ask failed",
				slog.String("request_id", requestID),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", evt.Error))
			return nil, NewInvalidParamsError("ask failed: " + evt.Error)
		}
	}
	out.Answer = answer.String()

	s.logger.Info("ask completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", time.Since(start)),
		slog.String("context_id", out.ContextID))

	return &out, nil
}

// handleThreadPushTool handles the thread_push tool invocation.
func (s *Server) handleThreadPushTool(ctx context.Context, args map[string]any) (*ThreadPushToolOutput, error) {
	threadID, _ := args["thread_id"].(string)
	content, _ := args["content"].(string)
	author, _ := args["author"].(string)
	if threadID == "" || content == "" {
		return nil, NewInvalidParamsError("thread_id and content parameters are required")
	}
	raw, err := s.dispatchOracleTool(ctx, "thread_push", oracle.ThreadPushInput{ThreadID: threadID, Content: content, Author: author})
	if err != nil {
		return nil, MapError(err)
	}
	var out oracle.ThreadPushOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, MapError(err)
	}
	return &ThreadPushToolOutput{NodeID: out.NodeID}, nil
}

// mcpThreadPushHandler is the MCP SDK handler for the thread_push tool.
func (s *Server) mcpThreadPushHandler(ctx context.Context, _ *mcp.CallToolRequest, input ThreadPushToolInput) (
	*mcp.CallToolResult,
	ThreadPushToolOutput,
	error,
) {
	if input.ThreadID == "" || input.Content == "" {
		return nil, ThreadPushToolOutput{}, NewInvalidParamsError("thread_id and content parameters are required")
	}
	raw, err := s.dispatchOracleTool(ctx, "thread_push", oracle.ThreadPushInput{ThreadID: input.ThreadID, Content: input.Content, Author: input.Author})
	if err != nil {
		return nil, ThreadPushToolOutput{}, MapError(err)
	}
	var out oracle.ThreadPushOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, ThreadPushToolOutput{}, MapError(err)
	}
	return nil, ThreadPushToolOutput{NodeID: out.NodeID}, nil
}

// handleThreadReadTool handles the thread_read tool invocation.
func (s *Server) handleThreadReadTool(ctx context.Context, args map[string]any) (*ThreadReadToolOutput, error) {
	threadID, _ := args["thread_id"].(string)
	if threadID == "" {
		return nil, NewInvalidParamsError("thread_id parameter is required")
	}
	return s.runThreadRead(ctx, threadID)
}

// mcpThreadReadHandler is the MCP SDK handler for the thread_read tool.
func (s *Server) mcpThreadReadHandler(ctx context.Context, _ *mcp.CallToolRequest, input ThreadReadToolInput) (
	*mcp.CallToolResult,
	ThreadReadToolOutput,
	error,
) {
	if input.ThreadID == "" {
		return nil, ThreadReadToolOutput{}, NewInvalidParamsError("thread_id parameter is required")
	}
	out, err := s.runThreadRead(ctx, input.ThreadID)
	if err != nil {
		return nil, ThreadReadToolOutput{}, err
	}
	return nil, *out, nil
}

func (s *Server) runThreadRead(ctx context.Context, threadID string) (*ThreadReadToolOutput, error) {
	raw, err := s.dispatchOracleTool(ctx, "thread_read", oracle.ThreadReadInput{ThreadID: threadID})
	if err != nil {
		return nil, MapError(err)
	}
	var out oracle.ThreadReadOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, MapError(err)
	}
	return &ThreadReadToolOutput{Summary: out.Summary, RecentNodes: out.RecentNodes}, nil
}
