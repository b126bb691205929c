package chunk

import (
	"context"
	"time"
)

// Chunk size defaults (based on 2025 RAG research)
const (
	DefaultMaxChunkTokens = 512 // Optimal for 85-90% recall
	DefaultOverlapTokens  = 64  // ~12.5% overlap
	MinChunkTokens        = 100 // Minimum viable chunk
	TokensPerChar         = 4   // Rough approximation: 4 chars = 1 token
)

// ContentType represents the type of content in a chunk
type ContentType string

const (
	ContentTypeCode     ContentType = "code"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeText     ContentType = "text"
)

// Chunk is a retrievable unit of content
type Chunk struct {
	ID            string            // SHA256(file_path + content hash)[:16]
	FilePath      string            // Relative to project root
	Content       string            // Full content with context
	RawContent    string            // Just the symbol, no context (code only)
	Context       string            // Imports, package decl (code only)
	ContentType   ContentType       // code, markdown, text
	Language      string            // go, typescript, python, etc.
	StartLine     int               // 1-indexed
	EndLine       int               // Inclusive
	Symbols       []*Symbol         // Functions, classes, etc.
	QualifiedName string            // package/class-qualified symbol path, empty for module chunks
	Kind          Kind              // normalized {function, method, class, module, other}
	Edges         []*Edge           // outgoing references (calls/imports/inherits/references)
	Metadata      map[string]string // Custom metadata
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Kind is the spec-level chunk classification, coarser than SymbolType:
// every chunk normalizes to one of function/method/class/module/other.
type Kind string

const (
	KindFunction Kind = "function"
	KindMethod   Kind = "method"
	KindClass    Kind = "class"
	KindModule   Kind = "module"
	KindOther    Kind = "other"
)

// NormalizeKind maps a SymbolType (or the absence of one, for a
// file-level chunk with no enclosing symbol) onto the spec's Kind enum.
func NormalizeKind(st SymbolType, hasSymbol bool) Kind {
	if !hasSymbol {
		return KindModule
	}
	switch st {
	case SymbolTypeFunction:
		return KindFunction
	case SymbolTypeMethod:
		return KindMethod
	case SymbolTypeClass, SymbolTypeInterface, SymbolTypeType:
		return KindClass
	default:
		return KindOther
	}
}

// EdgeType classifies a directed relationship between two symbols,
// extracted alongside chunking so the store can build a call graph.
type EdgeType string

const (
	EdgeTypeCalls      EdgeType = "calls"
	EdgeTypeImports    EdgeType = "imports"
	EdgeTypeInherits   EdgeType = "inherits"
	EdgeTypeReferences EdgeType = "references"
)

// Edge is a directed reference from a chunk's symbol to another
// qualified name, resolved against the index at query time (the target
// may not have been indexed yet, or may live in a different file).
type Edge struct {
	SourceChunkID       string
	SourceQualifiedName string
	TargetQualifiedName string
	EdgeType            EdgeType
}

// FileInput is input for the Chunker interface
type FileInput struct {
	Path     string // Relative path
	Content  []byte // File content
	Language string // go, typescript, python, etc.
}

// Chunker is the interface for splitting files into chunks
type Chunker interface {
	// Chunk splits a file into semantic chunks
	Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error)

	// SupportedExtensions returns file extensions this chunker handles
	SupportedExtensions() []string
}

// SymbolType represents the kind of code symbol
type SymbolType string

const (
	SymbolTypeFunction  SymbolType = "function"
	SymbolTypeClass     SymbolType = "class"
	SymbolTypeInterface SymbolType = "interface"
	SymbolTypeType      SymbolType = "type"
	SymbolTypeVariable  SymbolType = "variable"
	SymbolTypeConstant  SymbolType = "constant"
	SymbolTypeMethod    SymbolType = "method"
)

// Symbol represents a code symbol extracted from parsing
type Symbol struct {
	Name          string
	QualifiedName string // package/class-qualified path, e.g. "pkg.Type.Method"
	Type          SymbolType
	StartLine     int
	EndLine       int
	Signature     string
	DocComment    string
}

// Tree represents a parsed AST
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node represents a node in the AST
type Node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint Point
	EndPoint   Point
	Children   []*Node
	HasError   bool
}

// Point represents a position in the source code
type Point struct {
	Row    uint32 // 0-indexed line number
	Column uint32
}

// LanguageConfig holds configuration for a supported language
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Node types that indicate function declarations
	FunctionTypes []string

	// Node types that indicate class/struct definitions
	ClassTypes []string

	// Node types that indicate interface definitions
	InterfaceTypes []string

	// Node types that indicate method definitions
	MethodTypes []string

	// Node types that indicate type definitions
	TypeDefTypes []string

	// Node types that indicate constant declarations
	ConstantTypes []string

	// Node types that indicate variable declarations
	VariableTypes []string

	// Node type for name identifier
	NameField string

	// Node types for call expressions (Edge{EdgeType: calls})
	CallTypes []string

	// Node types for import/require statements (Edge{EdgeType: imports})
	ImportTypes []string

	// Node types for base-class/interface lists (Edge{EdgeType: inherits})
	InheritsTypes []string
}
