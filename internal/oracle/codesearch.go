package oracle

import (
	"context"

	"github.com/oraclecore/oracle/internal/search"
)

// engineCodeSearcher adapts internal/search.SearchEngine to the narrow
// CodeSearcher surface the orchestrator and its tools need, the same
// shape NewThreadReader gives threadCollaborator over store.MetadataStore.
type engineCodeSearcher struct {
	engine search.SearchEngine
}

// NewCodeSearcher wraps a search.SearchEngine as a CodeSearcher.
func NewCodeSearcher(engine search.SearchEngine) CodeSearcher {
	return &engineCodeSearcher{engine: engine}
}

func (c *engineCodeSearcher) Search(ctx context.Context, query string, limit int) ([]RankedItem, error) {
	results, err := c.engine.Search(ctx, query, search.SearchOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]RankedItem, 0, len(results))
	for _, r := range results {
		if r == nil || r.Chunk == nil {
			continue
		}
		out = append(out, RankedItem{
			Path:    r.Chunk.FilePath,
			Snippet: truncate(r.Chunk.Content, snippetMaxLen),
			Score:   r.Score,
		})
	}
	return out, nil
}
