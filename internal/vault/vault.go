// Package vault defines the collaborator interface the orchestrator uses
// to read and write markdown notes. The core treats notes as an external
// collaborator's data: it never owns note storage, only consumes
// list/read/write/search over it.
package vault

import (
	"context"
	"errors"
)

// ErrVersionConflict is returned by Write when ifVersion is set and does
// not match the note's current version (optimistic concurrency failure).
var ErrVersionConflict = errors.New("vault: note version conflict")

// ErrNotFound is returned by Read when the note does not exist.
var ErrNotFound = errors.New("vault: note not found")

// NoteSummary is a note's listing-view metadata, returned by ListNotes.
type NoteSummary struct {
	NotePath string
	Title    string
	Updated  string // RFC3339; kept as a string so collaborators with a
	// different time representation don't need a conversion layer.
}

// Note is a note's full content, returned by ReadNote.
type Note struct {
	NotePath string
	Title    string
	Body     string
	Metadata map[string]string
	Version  int
}

// SearchResult is one full-text search hit, returned by SearchNotes.
type SearchResult struct {
	NotePath string
	Title    string
	Snippet  string
	Score    float64
}

// Client is the vault collaborator's interface, matching spec §4.6's tool
// table 1:1: list_notes, read_note, write_note, search_notes.
type Client interface {
	// ListNotes returns notes under folder (all notes if folder is empty).
	ListNotes(ctx context.Context, projectID, folder string) ([]*NoteSummary, error)

	// ReadNote returns a note's full content, or ErrNotFound.
	ReadNote(ctx context.Context, projectID, notePath string) (*Note, error)

	// WriteNote creates or updates a note. If ifVersion is non-zero, the
	// write only succeeds when the note's current version matches;
	// otherwise ErrVersionConflict is returned. Returns the new version.
	WriteNote(ctx context.Context, projectID, notePath, body string, metadata map[string]string, ifVersion int) (int, error)

	// SearchNotes does full-text search over note bodies and titles.
	// Vector search over notes is out of scope (spec'd as full-text only).
	SearchNotes(ctx context.Context, projectID, query string, limit int) ([]*SearchResult, error)
}
