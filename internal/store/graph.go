package store

import "context"

// edgeTypePriority orders edge types for neighbor tie-breaking: an
// inheritance relationship is the strongest semantic link, a bare
// reference the weakest.
var edgeTypePriority = map[EdgeType]int{
	EdgeTypeInherits:   0,
	EdgeTypeCalls:      1,
	EdgeTypeReferences: 2,
	EdgeTypeImports:    3,
}

// GraphNeighbor is one qualified name reached while expanding a
// SymbolGraph BFS, annotated with the hop distance and edge type that
// produced the best (lowest-priority-value) path to it.
type GraphNeighbor struct {
	QualifiedName string
	Hops          int
	EdgeType      EdgeType
}

// SymbolGraph answers neighbor-expansion queries over the symbol_edges
// table: given a seed set of qualified names, which other symbols call,
// import, inherit from, or reference them (or are called/imported/
// inherited/referenced by them), within a bounded number of hops.
type SymbolGraph struct {
	store MetadataStore
}

// NewSymbolGraph wraps a MetadataStore's edge tables in a BFS interface.
func NewSymbolGraph(store MetadataStore) *SymbolGraph {
	return &SymbolGraph{store: store}
}

// Neighbors performs a breadth-first expansion from seeds out to hops
// hops, following edges in both directions (a seed's callers and
// callees are both neighbors). Each qualified name is visited at most
// once; ties on hop distance are broken by edge-type priority
// (inherits > calls > references > imports), keeping the
// highest-priority edge that reached it first.
func (g *SymbolGraph) Neighbors(ctx context.Context, projectID string, seeds []string, hops int) ([]*GraphNeighbor, error) {
	if hops <= 0 || len(seeds) == 0 {
		return nil, nil
	}

	visited := make(map[string]*GraphNeighbor, len(seeds))
	for _, s := range seeds {
		visited[s] = nil // seeds themselves are not neighbors of themselves
	}

	frontier := append([]string(nil), seeds...)
	for hop := 1; hop <= hops && len(frontier) > 0; hop++ {
		var next []string
		for _, qn := range frontier {
			edges, err := g.adjacentEdges(ctx, projectID, qn)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				target := e.TargetQualifiedName
				if target == qn {
					continue
				}
				if target == "" {
					target = e.SourceQualifiedName
					if target == qn || target == "" {
						continue
					}
				}

				existing, seen := visited[target]
				if !seen {
					visited[target] = &GraphNeighbor{QualifiedName: target, Hops: hop, EdgeType: e.EdgeType}
					next = append(next, target)
					continue
				}
				// Already reached at an earlier or equal hop; only
				// improve the recorded edge type, never the hop count.
				if existing != nil && existing.Hops == hop && edgeTypePriority[e.EdgeType] < edgeTypePriority[existing.EdgeType] {
					existing.EdgeType = e.EdgeType
				}
			}
		}
		frontier = next
	}

	var out []*GraphNeighbor
	for qn, n := range visited {
		if n == nil {
			continue // seed, not a discovered neighbor
		}
		_ = qn
		out = append(out, n)
	}
	return out, nil
}

// adjacentEdges returns every edge touching qn, in either direction.
func (g *SymbolGraph) adjacentEdges(ctx context.Context, projectID, qn string) ([]*SymbolEdge, error) {
	outgoing, err := g.store.GetEdgesBySource(ctx, projectID, qn)
	if err != nil {
		return nil, err
	}
	incoming, err := g.store.GetEdgesByTarget(ctx, projectID, qn)
	if err != nil {
		return nil, err
	}
	// Incoming edges point at qn; their SourceQualifiedName is the
	// actual neighbor, so swap target/source before merging so callers
	// only ever read TargetQualifiedName as "the neighbor".
	merged := make([]*SymbolEdge, 0, len(outgoing)+len(incoming))
	merged = append(merged, outgoing...)
	for _, e := range incoming {
		merged = append(merged, &SymbolEdge{
			ID:                  e.ID,
			ProjectID:           e.ProjectID,
			SourceChunkID:       e.SourceChunkID,
			SourceQualifiedName: e.TargetQualifiedName,
			TargetQualifiedName: e.SourceQualifiedName,
			EdgeType:            e.EdgeType,
		})
	}
	return merged, nil
}
