package chunk

// EdgeExtractor walks a parsed tree alongside SymbolExtractor and emits
// directed Edges from each enclosing symbol to the names it references.
// Grounded on SymbolExtractor.Extract's Tree.Walk traversal; reuses the
// same LanguageConfig node-type tables, extended with CallTypes/
// ImportTypes/InheritsTypes.
type EdgeExtractor struct {
	registry *LanguageRegistry
}

// NewEdgeExtractor creates a new edge extractor using the default registry.
func NewEdgeExtractor() *EdgeExtractor {
	return &EdgeExtractor{registry: DefaultRegistry()}
}

// NewEdgeExtractorWithRegistry creates a new edge extractor with a custom registry.
func NewEdgeExtractorWithRegistry(registry *LanguageRegistry) *EdgeExtractor {
	return &EdgeExtractor{registry: registry}
}

// Extract walks root (a whole file's Tree.Root, or a single symbol's
// subtree) and returns edges whose SourceQualifiedName is the nearest
// enclosing symbol's qualified name (or moduleQualifiedName when no
// symbol encloses the reference).
func (e *EdgeExtractor) Extract(root *Node, source []byte, language, sourceChunkID, moduleQualifiedName string) []*Edge {
	if root == nil {
		return nil
	}

	config, ok := e.registry.GetByName(language)
	if !ok {
		return nil
	}

	var edges []*Edge
	enclosing := moduleQualifiedName

	var walk func(n *Node, enclosingName string, parentType string, isFirstChild bool)
	walk = func(n *Node, enclosingName string, parentType string, isFirstChild bool) {
		current := enclosingName
		if name := e.enclosingSymbolName(n, source, config); name != "" {
			current = name
		}

		if target := e.matchCall(n, source, config); target != "" {
			edges = append(edges, &Edge{
				SourceChunkID:       sourceChunkID,
				SourceQualifiedName: current,
				TargetQualifiedName: target,
				EdgeType:            EdgeTypeCalls,
			})
		}
		if target := e.matchImport(n, source, config); target != "" {
			edges = append(edges, &Edge{
				SourceChunkID:       sourceChunkID,
				SourceQualifiedName: current,
				TargetQualifiedName: target,
				EdgeType:            EdgeTypeImports,
			})
		}
		if target := e.matchInherits(n, source, config, language); target != "" {
			edges = append(edges, &Edge{
				SourceChunkID:       sourceChunkID,
				SourceQualifiedName: current,
				TargetQualifiedName: target,
				EdgeType:            EdgeTypeInherits,
			})
		}
		if target := e.matchReference(n, source, config, parentType, isFirstChild); target != "" {
			edges = append(edges, &Edge{
				SourceChunkID:       sourceChunkID,
				SourceQualifiedName: current,
				TargetQualifiedName: target,
				EdgeType:            EdgeTypeReferences,
			})
		}

		for i, child := range n.Children {
			walk(child, current, n.Type, i == 0)
		}
	}

	walk(root, enclosing, "", false)
	return edges
}

// enclosingSymbolName returns the symbol name this node defines, if any,
// so descendants attribute edges to the right function/method/class.
func (e *EdgeExtractor) enclosingSymbolName(n *Node, source []byte, config *LanguageConfig) string {
	isSymbolNode := false
	for _, types := range [][]string{config.FunctionTypes, config.MethodTypes, config.ClassTypes} {
		for _, t := range types {
			if n.Type == t {
				isSymbolNode = true
			}
		}
	}
	if !isSymbolNode {
		return ""
	}
	for _, child := range n.Children {
		if child.Type == "identifier" || child.Type == "field_identifier" || child.Type == "type_identifier" {
			return child.GetContent(source)
		}
	}
	return ""
}

func (e *EdgeExtractor) matchCall(n *Node, source []byte, config *LanguageConfig) string {
	for _, t := range config.CallTypes {
		if n.Type == t {
			return e.calleeName(n, source)
		}
	}
	return ""
}

// calleeName extracts the callee's identifier from a call-expression node,
// handling both bare calls (foo()) and selector calls (pkg.Foo()/obj.Foo()).
func (e *EdgeExtractor) calleeName(n *Node, source []byte) string {
	if len(n.Children) == 0 {
		return ""
	}
	callee := n.Children[0]
	switch callee.Type {
	case "identifier":
		return callee.GetContent(source)
	case "selector_expression", "attribute", "member_expression":
		return callee.GetContent(source)
	default:
		return callee.GetContent(source)
	}
}

func (e *EdgeExtractor) matchImport(n *Node, source []byte, config *LanguageConfig) string {
	for _, t := range config.ImportTypes {
		if n.Type == t {
			content := n.GetContent(source)
			if content == "" {
				return ""
			}
			return content
		}
	}
	return ""
}

func (e *EdgeExtractor) matchInherits(n *Node, source []byte, config *LanguageConfig, language string) string {
	for _, t := range config.InheritsTypes {
		if n.Type != t {
			continue
		}
		switch language {
		case "python":
			// argument_list directly under class_definition is the base-class list.
			for _, child := range n.Children {
				if child.Type == "identifier" {
					return child.GetContent(source)
				}
			}
		default:
			for _, child := range n.Children {
				if child.Type == "identifier" || child.Type == "type_identifier" {
					return child.GetContent(source)
				}
			}
		}
	}
	return ""
}

func (e *EdgeExtractor) matchReference(n *Node, source []byte, config *LanguageConfig, parentType string, isFirstChild bool) string {
	// Free identifier references are deliberately not emitted at every
	// leaf (would flood the graph with locals); only selector-style
	// qualified references outside of a recognized call are tracked.
	if n.Type != "selector_expression" && n.Type != "attribute" && n.Type != "member_expression" {
		return ""
	}
	if isFirstChild {
		for _, t := range config.CallTypes {
			if parentType == t {
				return "" // already captured as a call edge
			}
		}
	}
	return n.GetContent(source)
}
