// Package contexttree implements a git-like branching history of
// (question, answer) pairs per project: the "current context" a query
// is answered against is the path from root to the active tree's head.
package contexttree

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	oerrors "github.com/oraclecore/oracle/internal/errors"
	"github.com/oraclecore/oracle/internal/llm"
	"github.com/oraclecore/oracle/internal/store"
)

// Manager owns context-tree CRUD and traversal over a store.MetadataStore.
type Manager struct {
	store         store.MetadataStore
	locks         *lockRegistry
	maxNodes      int
	recencyWindow int
}

// New creates a Manager. maxNodes and recencyWindow come from
// config.ContextTreeConfig (MaxNodes, PruneRecencyWindow).
func New(ms store.MetadataStore, maxNodes, recencyWindow int) *Manager {
	return &Manager{
		store:         ms,
		locks:         newLockRegistry(),
		maxNodes:      maxNodes,
		recencyWindow: recencyWindow,
	}
}

// ListTrees returns every context tree for a project.
func (m *Manager) ListTrees(ctx context.Context, projectID string) ([]*store.ContextTree, error) {
	return m.store.ListContextTrees(ctx, projectID)
}

// GetTree fetches a single tree, or NotFound if it does not exist.
func (m *Manager) GetTree(ctx context.Context, treeID string) (*store.ContextTree, error) {
	tree, err := m.store.GetContextTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, oerrors.NotFound("context tree not found: "+treeID, nil)
	}
	return tree, nil
}

// CreateTree creates a new tree with a placeholder empty-Q/A root node as
// its head. It does not activate the tree; call SetActive explicitly.
func (m *Manager) CreateTree(ctx context.Context, projectID, label string) (*store.ContextTree, error) {
	now := time.Now()
	root := &store.ContextNode{
		ID:        uuid.NewString(),
		ParentID:  "",
		Question:  "",
		Answer:    "",
		CreatedAt: now,
	}
	tree := &store.ContextTree{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Label:     label,
		HeadNode:  root.ID,
		Active:    false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	root.TreeID = tree.ID

	if err := m.store.SaveContextNode(ctx, root); err != nil {
		return nil, err
	}
	if err := m.store.SaveContextTree(ctx, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// DeleteTree removes a tree and all of its nodes.
func (m *Manager) DeleteTree(ctx context.Context, treeID string) error {
	return m.locks.withTreeLock(treeID, func() error {
		nodes, err := m.store.ListContextNodes(ctx, treeID)
		if err != nil {
			return err
		}
		ids := make([]string, len(nodes))
		for i, n := range nodes {
			ids[i] = n.ID
		}
		if len(ids) > 0 {
			if err := m.store.DeleteContextNodes(ctx, ids); err != nil {
				return err
			}
		}
		return m.store.DeleteContextTree(ctx, treeID)
	})
}

// SetActive marks treeID as the sole active tree for its project.
func (m *Manager) SetActive(ctx context.Context, treeID string) error {
	tree, err := m.GetTree(ctx, treeID)
	if err != nil {
		return err
	}
	return m.store.SetActiveContextTree(ctx, tree.ProjectID, treeID)
}

// Checkout moves treeID's head to nodeID without modifying history;
// subsequent Append calls branch from this node. Fails NotFound if nodeID
// does not belong to the tree.
func (m *Manager) Checkout(ctx context.Context, treeID, nodeID string) error {
	return m.locks.withTreeLock(treeID, func() error {
		tree, err := m.GetTree(ctx, treeID)
		if err != nil {
			return err
		}
		node, err := m.store.GetContextNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node == nil || node.TreeID != treeID {
			return oerrors.NotFound("node not found in tree: "+nodeID, nil)
		}
		tree.HeadNode = nodeID
		tree.UpdatedAt = time.Now()
		return m.store.SaveContextTree(ctx, tree)
	})
}

// Label annotates a node with free-form text.
func (m *Manager) Label(ctx context.Context, nodeID, text string) error {
	node, err := m.store.GetContextNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return oerrors.NotFound("node not found: "+nodeID, nil)
	}
	node.Label = text
	return m.store.SaveContextNode(ctx, node)
}

// SetCheckpoint flags (or unflags) a node as a checkpoint, exempting it
// from pruning.
func (m *Manager) SetCheckpoint(ctx context.Context, nodeID string, flag bool) error {
	node, err := m.store.GetContextNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node == nil {
		return oerrors.NotFound("node not found: "+nodeID, nil)
	}
	node.IsCheckpoint = flag
	return m.store.SaveContextNode(ctx, node)
}

// Append adds a new child node under parentID and returns its id. Fails
// Conflict if the tree is at its configured node capacity — callers must
// Prune first.
func (m *Manager) Append(ctx context.Context, treeID, parentID, question, answer string) (string, error) {
	var nodeID string
	err := m.locks.withTreeLock(treeID, func() error {
		nodes, err := m.store.ListContextNodes(ctx, treeID)
		if err != nil {
			return err
		}
		if m.maxNodes > 0 && len(nodes) >= m.maxNodes {
			return oerrors.Conflict("context tree at capacity, prune before appending", nil)
		}

		node := &store.ContextNode{
			ID:        uuid.NewString(),
			TreeID:    treeID,
			ParentID:  parentID,
			Question:  question,
			Answer:    answer,
			CreatedAt: time.Now(),
		}
		if err := m.store.SaveContextNode(ctx, node); err != nil {
			return err
		}

		tree, err := m.GetTree(ctx, treeID)
		if err != nil {
			return err
		}
		tree.HeadNode = node.ID
		tree.UpdatedAt = node.CreatedAt
		if err := m.store.SaveContextTree(ctx, tree); err != nil {
			return err
		}
		nodeID = node.ID
		return nil
	})
	return nodeID, err
}

// ConversationPath walks from the tree's current head to its root,
// reversed into chronological order, and renders each non-placeholder
// node as a user message (question) followed by an assistant message
// (answer). The placeholder root (empty Q/A) is skipped.
func (m *Manager) ConversationPath(ctx context.Context, treeID string) ([]llm.Message, error) {
	tree, err := m.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}

	byID, err := m.nodesByID(ctx, treeID)
	if err != nil {
		return nil, err
	}

	var chain []*store.ContextNode
	cur := byID[tree.HeadNode]
	for cur != nil {
		chain = append(chain, cur)
		if cur.ParentID == "" {
			break
		}
		cur = byID[cur.ParentID]
	}

	// chain is head-to-root; reverse into root-to-head.
	messages := make([]llm.Message, 0, len(chain)*2)
	for i := len(chain) - 1; i >= 0; i-- {
		n := chain[i]
		if n.Question == "" && n.Answer == "" {
			continue // placeholder root
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: n.Question})
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: n.Answer})
	}
	return messages, nil
}

// Prune removes nodes that are neither on the path to the current head,
// nor checkpoints, nor within the recency window, re-parenting surviving
// descendants of a removed node to its nearest surviving ancestor so the
// tree stays connected.
func (m *Manager) Prune(ctx context.Context, treeID string) (int, error) {
	var pruned int
	err := m.locks.withTreeLock(treeID, func() error {
		tree, err := m.GetTree(ctx, treeID)
		if err != nil {
			return err
		}
		byID, err := m.nodesByID(ctx, treeID)
		if err != nil {
			return err
		}

		keep := make(map[string]bool, len(byID))

		// Keep every node on the path to head.
		for cur := byID[tree.HeadNode]; cur != nil; {
			keep[cur.ID] = true
			if cur.ParentID == "" {
				break
			}
			cur = byID[cur.ParentID]
		}
		// Keep checkpoints.
		for id, n := range byID {
			if n.IsCheckpoint {
				keep[id] = true
			}
		}
		// Keep the N most recently created nodes (recency window).
		if m.recencyWindow > 0 {
			ordered := make([]*store.ContextNode, 0, len(byID))
			for _, n := range byID {
				ordered = append(ordered, n)
			}
			sort.Slice(ordered, func(i, j int) bool {
				return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
			})
			for i, n := range ordered {
				if i >= m.recencyWindow {
					break
				}
				keep[n.ID] = true
			}
		}

		var removeIDs []string
		for id := range byID {
			if !keep[id] {
				removeIDs = append(removeIDs, id)
			}
		}
		if len(removeIDs) == 0 {
			return nil
		}

		// Re-parent surviving children of removed nodes to the nearest
		// surviving ancestor before deleting.
		nearestSurvivingAncestor := func(n *store.ContextNode) string {
			p := byID[n.ParentID]
			for p != nil && !keep[p.ID] {
				p = byID[p.ParentID]
			}
			if p == nil {
				return ""
			}
			return p.ID
		}
		var reparented []*store.ContextNode
		for id, n := range byID {
			if keep[id] && n.ParentID != "" && !keep[n.ParentID] {
				n.ParentID = nearestSurvivingAncestor(n)
				reparented = append(reparented, n)
			}
		}
		for _, n := range reparented {
			if err := m.store.SaveContextNode(ctx, n); err != nil {
				return err
			}
		}

		if err := m.store.DeleteContextNodes(ctx, removeIDs); err != nil {
			return err
		}
		pruned = len(removeIDs)
		return nil
	})
	return pruned, err
}

func (m *Manager) nodesByID(ctx context.Context, treeID string) (map[string]*store.ContextNode, error) {
	nodes, err := m.store.ListContextNodes(ctx, treeID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.ContextNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return byID, nil
}
