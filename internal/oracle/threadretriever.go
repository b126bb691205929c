package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/oraclecore/oracle/internal/store"
)

// ThreadRetriever does keyword-overlap retrieval over a project's
// conversation-thread nodes, the "threads" entry in spec §4.6.3's
// `sources` set. Unlike code and notes, threads have no standing search
// index — overlap scoring against store.TokenizeCode mirrors the same
// keyword-match approach internal/delta.IndexPendingForQuery uses to
// decide which pending files a query touches.
type ThreadRetriever struct {
	ms store.MetadataStore
}

// NewThreadRetriever wraps a MetadataStore as a code-free thread search.
func NewThreadRetriever(ms store.MetadataStore) *ThreadRetriever {
	return &ThreadRetriever{ms: ms}
}

// Search returns up to limit thread nodes whose content shares tokens
// with query, ranked by overlap count. Archived threads are skipped.
func (t *ThreadRetriever) Search(ctx context.Context, projectID, query string, limit int) ([]RankedItem, error) {
	queryTokens := store.TokenizeCode(strings.ToLower(query))
	if len(queryTokens) == 0 {
		return nil, nil
	}
	queryTerms := make(map[string]struct{}, len(queryTokens))
	for _, tok := range queryTokens {
		queryTerms[tok] = struct{}{}
	}

	threads, err := t.ms.ListThreads(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	var candidates []RankedItem
	for _, th := range threads {
		if th.Archived {
			continue
		}
		nodes, err := t.ms.GetThreadNodes(ctx, th.ID, "")
		if err != nil {
			return nil, fmt.Errorf("load nodes for thread %s: %w", th.ID, err)
		}
		for _, n := range nodes {
			overlap := 0
			seen := map[string]bool{}
			for _, tok := range store.TokenizeCode(strings.ToLower(n.Content)) {
				if _, ok := queryTerms[tok]; ok && !seen[tok] {
					overlap++
					seen[tok] = true
				}
			}
			if overlap == 0 {
				continue
			}
			candidates = append(candidates, RankedItem{
				Path:    fmt.Sprintf("thread:%s#%s", th.ID, n.ID),
				Snippet: truncate(n.Content, snippetMaxLen),
				Score:   float64(overlap) / float64(len(queryTerms)),
			})
		}
	}

	sortRankedItemsDescending(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func sortRankedItemsDescending(items []RankedItem) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Score > items[j-1].Score; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}
