// Package threadsum produces cheap, always-fresh-on-read summaries of a
// conversation thread. The central optimization is incremental
// summarization: a summarize call only ever sends the LLM the prior
// summary plus nodes appended since, never the full thread history.
package threadsum

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oraclecore/oracle/internal/llm"
	"github.com/oraclecore/oracle/internal/store"
)

// charsPerToken is the same coarse token-estimation heuristic
// internal/chunk uses for chunk sizing, reused here to size TokensUsed
// without a real tokenizer dependency.
const charsPerToken = 4

// Summarizer implements the five-branch lazy-summary algorithm over a
// thread's append-only node log.
type Summarizer struct {
	nodes store.MetadataStore
	cache CacheStore
	llm   llm.ChatClient
	model string
}

// New creates a Summarizer. model is the configured summary model
// (config.ThreadsConfig.SummaryModel).
func New(nodes store.MetadataStore, cache CacheStore, client llm.ChatClient, model string) *Summarizer {
	return &Summarizer{nodes: nodes, cache: cache, llm: client, model: model}
}

// GetSummary returns the thread's current summary, computing or
// extending it as needed. A summary returned reflects every node that
// existed at the moment of the call.
func (s *Summarizer) GetSummary(ctx context.Context, threadID string, force bool) (string, error) {
	all, err := s.nodes.GetThreadNodes(ctx, threadID, "")
	if err != nil {
		return "", fmt.Errorf("load thread nodes: %w", err)
	}
	if len(all) == 0 {
		return "", nil
	}
	latest := all[len(all)-1].ID

	var cached *store.ThreadSummaryCache
	if !force {
		cached, err = s.cache.Get(ctx, threadID)
		if err != nil {
			return "", fmt.Errorf("load thread summary cache: %w", err)
		}
	}

	switch {
	case cached == nil:
		return s.summarizeFull(ctx, threadID, all, latest)
	case cached.LastSummarizedNodeID == latest:
		return cached.Summary, nil
	default:
		newNodes, err := s.nodes.GetThreadNodes(ctx, threadID, cached.LastSummarizedNodeID)
		if err != nil {
			return "", fmt.Errorf("load new thread nodes: %w", err)
		}
		return s.summarizeIncremental(ctx, threadID, cached.Summary, newNodes, latest)
	}
}

// Invalidate deletes the cache entry, forcing the next GetSummary to
// fully re-summarize. Used rarely (e.g. a model change invalidates
// every thread's cache).
func (s *Summarizer) Invalidate(ctx context.Context, threadID string) error {
	return s.cache.Delete(ctx, threadID)
}

// CheckStaleness is a cheap, LLM-free check: does the cache reflect
// every node currently on the thread.
func (s *Summarizer) CheckStaleness(ctx context.Context, threadID string) (stale bool, lastSummarizedNodeID string, newNodeCount int, err error) {
	cached, err := s.cache.Get(ctx, threadID)
	if err != nil {
		return false, "", 0, fmt.Errorf("load thread summary cache: %w", err)
	}
	if cached == nil {
		all, err := s.nodes.GetThreadNodes(ctx, threadID, "")
		if err != nil {
			return false, "", 0, fmt.Errorf("load thread nodes: %w", err)
		}
		return len(all) > 0, "", len(all), nil
	}
	newNodes, err := s.nodes.GetThreadNodes(ctx, threadID, cached.LastSummarizedNodeID)
	if err != nil {
		return false, "", 0, fmt.Errorf("load new thread nodes: %w", err)
	}
	return len(newNodes) > 0, cached.LastSummarizedNodeID, len(newNodes), nil
}

func (s *Summarizer) summarizeFull(ctx context.Context, threadID string, nodes []*store.ThreadNode, latest string) (string, error) {
	prompt := fullSummaryPrompt(nodes)
	summary, err := s.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return summary, s.saveCache(ctx, threadID, summary, latest)
}

func (s *Summarizer) summarizeIncremental(ctx context.Context, threadID, priorSummary string, newNodes []*store.ThreadNode, latest string) (string, error) {
	if len(newNodes) == 0 {
		return priorSummary, nil
	}
	prompt := incrementalSummaryPrompt(priorSummary, newNodes)
	summary, err := s.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	return summary, s.saveCache(ctx, threadID, summary, latest)
}

func (s *Summarizer) saveCache(ctx context.Context, threadID, summary, latest string) error {
	return s.cache.Save(ctx, &store.ThreadSummaryCache{
		ThreadID:             threadID,
		Summary:              summary,
		LastSummarizedNodeID: latest,
		TokensUsed:           len(summary) / charsPerToken,
		UpdatedAt:            time.Now(),
	})
}

// complete drives a ChatClient's stream to completion and returns the
// concatenated content, the one synchronous consumer of an otherwise
// streaming interface.
func (s *Summarizer) complete(ctx context.Context, messages []llm.Message) (string, error) {
	events, err := s.llm.ChatStream(ctx, s.model, messages, nil)
	if err != nil {
		return "", fmt.Errorf("start summary completion: %w", err)
	}

	var out strings.Builder
	for ev := range events {
		switch ev.Kind {
		case llm.EventContentDelta:
			out.WriteString(ev.Delta)
		case llm.EventError:
			return "", fmt.Errorf("summary completion: %w", ev.Err)
		case llm.EventDone:
			return out.String(), nil
		}
	}
	return out.String(), nil
}

func fullSummaryPrompt(nodes []*store.ThreadNode) []llm.Message {
	var b strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&b, "[%s] %s\n", n.Role, n.Content)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "Summarize the following conversation thread concisely, preserving decisions and open questions."},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func incrementalSummaryPrompt(priorSummary string, newNodes []*store.ThreadNode) []llm.Message {
	var b strings.Builder
	for _, n := range newNodes {
		fmt.Fprintf(&b, "[%s] %s\n", n.Role, n.Content)
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: "Update the existing summary to incorporate the new messages below. Keep it concise."},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Existing summary:\n%s\n\nNew messages:\n%s", priorSummary, b.String())},
	}
}
