package oracle

import (
	"fmt"
	"strings"

	"github.com/oraclecore/oracle/internal/llm"
)

// systemPreamble defines tone, citation requirements, and the tool
// inventory, per spec §4.6.3 step 3(a). It is prefixed to every query's
// prompt ahead of conversation history and retrieved context.
const systemPreamble = `You are Oracle, a retrieval-grounded assistant for this project's
codebase, notes, and conversation threads. Answer using the numbered
context snippets provided; cite them inline as [n] when you rely on
one. If the retrieved context does not answer the question, say so
rather than guessing. You may call read_file, read_note, write_note,
search_code, search_notes, thread_push, and thread_read to gather more
context or record results.`

// ToolSpecs returns the spec §4.6.3 tool inventory as llm.ToolSpec
// values, built once and reused across queries.
func ToolSpecs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{Name: "read_file", Description: "Read a slice of a project file.", Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":  map[string]any{"type": "string"},
				"start": map[string]any{"type": "integer"},
				"end":   map[string]any{"type": "integer"},
			},
			"required": []string{"path"},
		}},
		{Name: "read_note", Description: "Read a note's body and metadata from the vault.", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"note_path": map[string]any{"type": "string"}},
			"required":   []string{"note_path"},
		}},
		{Name: "write_note", Description: "Create or update a note in the vault.", Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"note_path": map[string]any{"type": "string"},
				"body":      map[string]any{"type": "string"},
				"metadata":  map[string]any{"type": "object"},
			},
			"required": []string{"note_path", "body"},
		}},
		{Name: "search_code", Description: "Search the project's code index with narrower terms.", Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		}},
		{Name: "search_notes", Description: "Full-text search the project's notes.", Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer"},
			},
			"required": []string{"query"},
		}},
		{Name: "thread_push", Description: "Append a message to a conversation thread.", Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"thread_id": map[string]any{"type": "string"},
				"content":   map[string]any{"type": "string"},
				"author":    map[string]any{"type": "string"},
			},
			"required": []string{"thread_id", "content"},
		}},
		{Name: "thread_read", Description: "Read a thread's lazy summary and recent messages.", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"thread_id": map[string]any{"type": "string"}},
			"required":   []string{"thread_id"},
		}},
	}
}

// assemblePrompt builds the full message list for an LLM call: the
// system preamble, the conversation path from root to head, the ranked
// snippets with citation ids, and the user question (spec §4.6.3 step 3).
func assemblePrompt(conversationPath []llm.Message, snippets []citedSnippet, question string) []llm.Message {
	messages := make([]llm.Message, 0, len(conversationPath)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPreamble})
	messages = append(messages, conversationPath...)

	var ctxBuilder strings.Builder
	if len(snippets) > 0 {
		ctxBuilder.WriteString("Retrieved context:\n\n")
		for _, s := range snippets {
			fmt.Fprintf(&ctxBuilder, "[%d] (%s: %s)\n%s\n\n", s.ID, s.Source, s.Path, s.Content)
		}
	}
	ctxBuilder.WriteString("Question: ")
	ctxBuilder.WriteString(question)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: ctxBuilder.String()})
	return messages
}

// citedSnippet is a ranked context item tagged with the citation id the
// prompt assigned it, so a source event and an inline [n] citation in
// the model's answer refer to the same item.
type citedSnippet struct {
	ID      int
	Source  Source
	Path    string
	Content string
	Score   float64
}
