package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// StoreConfig configures the metadata store's SQLite connection.
type StoreConfig struct {
	// CacheSizeMB is the SQLite page cache size in megabytes (default: 64).
	CacheSizeMB int
}

// DefaultStoreConfig returns sensible defaults for the metadata store.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{CacheSizeMB: 64}
}

// SQLiteStore implements MetadataStore using SQLite. It follows the same
// WAL/single-writer-pool conventions as SQLiteBM25Index, since both share
// the same modernc.org/sqlite driver and concurrent-access constraints.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a metadata store at path using the
// default cache size. An empty path opens a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultStoreConfig())
}

// NewSQLiteStoreWithConfig opens a metadata store with a configurable
// page cache size.
func NewSQLiteStoreWithConfig(path string, cfg StoreConfig) (*SQLiteStore, error) {
	cacheSizeMB := cfg.CacheSizeMB
	if cacheSizeMB <= 0 {
		cacheSizeMB = DefaultStoreConfig().CacheSizeMB
	}

	dsn := ":memory:"
	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY under WAL; modernc.org/sqlite
	// may ignore some DSN pragmas so they are re-applied explicitly below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA cache_size=-%d", cacheSizeMB*1024),
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			root_path TEXT NOT NULL,
			project_type TEXT,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			file_count INTEGER NOT NULL DEFAULT 0,
			indexed_at DATETIME,
			version TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			mod_time DATETIME,
			content_hash TEXT,
			language TEXT,
			content_type TEXT,
			indexed_at DATETIME,
			UNIQUE(project_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_files_project_modtime ON files(project_id, mod_time)`,
		`CREATE TABLE IF NOT EXISTS code_chunks (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			project_id TEXT,
			file_path TEXT,
			content TEXT,
			raw_content TEXT,
			context TEXT,
			content_type TEXT,
			language TEXT,
			start_line INTEGER,
			end_line INTEGER,
			qualified_name TEXT,
			kind TEXT,
			metadata TEXT,
			embedding BLOB,
			embedding_model TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_file ON code_chunks(file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_qualified_name ON code_chunks(qualified_name)`,
		`CREATE TABLE IF NOT EXISTS symbols (
			chunk_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT,
			start_line INTEGER,
			end_line INTEGER,
			signature TEXT,
			doc_comment TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_chunk ON symbols(chunk_id)`,
		`CREATE TABLE IF NOT EXISTS symbol_edges (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			source_chunk_id TEXT,
			source_qualified_name TEXT NOT NULL,
			target_qualified_name TEXT NOT NULL,
			edge_type TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON symbol_edges(project_id, source_qualified_name)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON symbol_edges(project_id, target_qualified_name)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_chunk ON symbol_edges(source_chunk_id)`,
		`CREATE TABLE IF NOT EXISTS delta_queue (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			change_type TEXT NOT NULL,
			content_hash TEXT,
			lines_changed INTEGER,
			detected_at DATETIME,
			updated_at DATETIME,
			UNIQUE(project_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delta_project ON delta_queue(project_id)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			title TEXT,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_project ON threads(project_id)`,
		`CREATE TABLE IF NOT EXISTS thread_nodes (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT,
			content TEXT,
			embedding BLOB,
			created_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_nodes_thread ON thread_nodes(thread_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS thread_summary_cache (
			thread_id TEXT PRIMARY KEY,
			summary TEXT,
			last_summarized_node_id TEXT,
			tokens_used INTEGER,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS context_trees (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			label TEXT,
			head_node TEXT,
			active INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_trees_project ON context_trees(project_id)`,
		`CREATE TABLE IF NOT EXISTS context_nodes (
			id TEXT PRIMARY KEY,
			tree_id TEXT NOT NULL,
			parent_id TEXT,
			question TEXT,
			answer TEXT,
			label TEXT,
			is_checkpoint INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_nodes_tree ON context_nodes(tree_id)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// ---- Project operations ----

func (s *SQLiteStore) SaveProject(ctx context.Context, project *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, root_path=excluded.root_path, project_type=excluded.project_type,
			chunk_count=excluded.chunk_count, file_count=excluded.file_count,
			indexed_at=excluded.indexed_at, version=excluded.version
	`, project.ID, project.Name, project.RootPath, project.ProjectType,
		project.ChunkCount, project.FileCount, project.IndexedAt, project.Version)
	return err
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version
		FROM projects WHERE id = ?
	`, id)
	p := &Project{}
	var indexedAt sql.NullTime
	err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.IndexedAt = indexedAt.Time
	return p, nil
}

func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?
	`, fileCount, chunkCount, time.Now(), id)
	return err
}

func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fileCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return err
	}
	var chunkCount int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM code_chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
	`, id).Scan(&chunkCount); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?
	`, fileCount, chunkCount, time.Now(), id)
	return err
}

// ---- File operations ----

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, path) DO UPDATE SET
			id=excluded.id, size=excluded.size, mod_time=excluded.mod_time,
			content_hash=excluded.content_hash, language=excluded.language,
			content_type=excluded.content_type, indexed_at=excluded.indexed_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size, f.ModTime,
			f.ContentHash, f.Language, f.ContentType, f.IndexedAt); err != nil {
			return fmt.Errorf("save file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	f := &File{}
	var modTime, indexedAt sql.NullTime
	err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt)
	if err != nil {
		return nil, err
	}
	f.ModTime = modTime.Time
	f.IndexedAt = indexedAt.Time
	return f, nil
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND path = ?
	`, projectID, path)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND mod_time > ?
		ORDER BY mod_time ASC
	`, projectID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFiles returns a page of files ordered by path. The cursor is an
// opaque base64-encoded "offset:N" string; an empty string starts at
// the beginning. The returned cursor is empty when no further pages remain.
func (s *SQLiteStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	offset, err := decodeOffsetCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ?
		ORDER BY path ASC
		LIMIT ? OFFSET ?
	`, projectID, limit+1, offset)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	if len(out) > limit {
		out = out[:limit]
		return out, encodeOffsetCursor(offset + limit), nil
	}
	return out, "", nil
}

func decodeOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[0] != "offset" {
		return 0, fmt.Errorf("invalid cursor format")
	}
	offset, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid cursor offset: %w", err)
	}
	if offset < 0 {
		return 0, fmt.Errorf("cursor offset must be non-negative")
	}
	return offset, nil
}

func encodeOffsetCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("offset:%d", offset)))
}

func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*File)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out[f.Path] = f
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := strings.TrimSuffix(dirPrefix, "/")
	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT path FROM files WHERE project_id = ? AND (path = ? OR path LIKE ? ESCAPE '\')
		`, projectID, prefix, escapeLike(prefix)+"/%")
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteFileTx(ctx, fileID)
}

func (s *SQLiteStore) deleteFileTx(ctx context.Context, fileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM symbols WHERE chunk_id IN (SELECT id FROM code_chunks WHERE file_id = ?)
	`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM symbol_edges WHERE source_chunk_id IN (SELECT id FROM code_chunks WHERE file_id = ?)`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM code_chunks WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM symbols WHERE chunk_id IN (
			SELECT id FROM code_chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
		)
	`, projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM symbol_edges WHERE source_chunk_id IN (
			SELECT id FROM code_chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
		)
	`, projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM code_chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
	`, projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- Chunk operations ----

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO code_chunks (id, file_id, project_id, file_path, content, raw_content, context,
			content_type, language, start_line, end_line, qualified_name, kind, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id=excluded.file_id, project_id=excluded.project_id, file_path=excluded.file_path,
			content=excluded.content, raw_content=excluded.raw_content, context=excluded.context,
			content_type=excluded.content_type, language=excluded.language,
			start_line=excluded.start_line, end_line=excluded.end_line,
			qualified_name=excluded.qualified_name, kind=excluded.kind,
			metadata=excluded.metadata, updated_at=excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer chunkStmt.Close()

	symStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (chunk_id, name, type, start_line, end_line, signature, doc_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer symStmt.Close()

	delSymStmt, err := tx.PrepareContext(ctx, `DELETE FROM symbols WHERE chunk_id = ?`)
	if err != nil {
		return err
	}
	defer delSymStmt.Close()

	for _, c := range chunks {
		if _, err := chunkStmt.ExecContext(ctx, c.ID, c.FileID, c.ProjectID, c.FilePath, c.Content,
			c.RawContent, c.Context, string(c.ContentType), c.Language, c.StartLine, c.EndLine,
			c.QualifiedName, c.Kind, encodeMetadata(c.Metadata), c.CreatedAt, c.UpdatedAt); err != nil {
			return fmt.Errorf("save chunk %s: %w", c.ID, err)
		}
		if _, err := delSymStmt.ExecContext(ctx, c.ID); err != nil {
			return err
		}
		for _, sym := range c.Symbols {
			if _, err := symStmt.ExecContext(ctx, c.ID, sym.Name, string(sym.Type), sym.StartLine, sym.EndLine, sym.Signature, sym.DocComment); err != nil {
				return fmt.Errorf("save symbol %s: %w", sym.Name, err)
			}
		}
	}
	return tx.Commit()
}

func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	var sb strings.Builder
	first := true
	for k, v := range m {
		if !first {
			sb.WriteByte('\n')
		}
		first = false
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
	}
	return sb.String()
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func (s *SQLiteStore) loadSymbols(ctx context.Context, chunkID string) ([]*Symbol, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, start_line, end_line, signature, doc_comment FROM symbols WHERE chunk_id = ?
	`, chunkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		sym := &Symbol{}
		var typ string
		if err := rows.Scan(&sym.Name, &typ, &sym.StartLine, &sym.EndLine, &sym.Signature, &sym.DocComment); err != nil {
			return nil, err
		}
		sym.Type = SymbolType(typ)
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) scanChunk(ctx context.Context, row interface{ Scan(...any) error }) (*Chunk, error) {
	c := &Chunk{}
	var contentType, metadata string
	var createdAt, updatedAt sql.NullTime
	err := row.Scan(&c.ID, &c.FileID, &c.ProjectID, &c.FilePath, &c.Content, &c.RawContent, &c.Context,
		&contentType, &c.Language, &c.StartLine, &c.EndLine, &c.QualifiedName, &c.Kind, &metadata, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.ContentType = ContentType(contentType)
	c.Metadata = decodeMetadata(metadata)
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time

	symbols, err := s.loadSymbols(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Symbols = symbols
	return c, nil
}

const chunkSelectColumns = `id, file_id, project_id, file_path, content, raw_content, context,
	content_type, language, start_line, end_line, qualified_name, kind, metadata, created_at, updated_at`

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkSelectColumns+` FROM code_chunks WHERE id = ?`, id)
	c, err := s.scanChunk(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM code_chunks WHERE id IN (%s)`, chunkSelectColumns, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := s.scanChunk(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunksByQualifiedNames resolves SymbolGraph neighbor qualified names
// back to their owning chunks, scoped to one project. Names with no
// matching chunk (e.g. stdlib/external symbols edges point at but never
// indexed) are silently omitted rather than erroring.
func (s *SQLiteStore) GetChunksByQualifiedNames(ctx context.Context, projectID string, qualifiedNames []string) ([]*Chunk, error) {
	if len(qualifiedNames) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]string, len(qualifiedNames))
	args := make([]any, 0, len(qualifiedNames)+1)
	args = append(args, projectID)
	for i, qn := range qualifiedNames {
		placeholders[i] = "?"
		args = append(args, qn)
	}
	query := fmt.Sprintf(`SELECT %s FROM code_chunks WHERE project_id = ? AND qualified_name IN (%s)`,
		chunkSelectColumns, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := s.scanChunk(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkSelectColumns+` FROM code_chunks WHERE file_id = ? ORDER BY start_line ASC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := s.scanChunk(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM symbols WHERE chunk_id IN (%s)`, in), args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM symbol_edges WHERE source_chunk_id IN (%s)`, in), args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM code_chunks WHERE id IN (%s)`, in), args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM symbols WHERE chunk_id IN (SELECT id FROM code_chunks WHERE file_id = ?)`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM symbol_edges WHERE source_chunk_id IN (SELECT id FROM code_chunks WHERE file_id = ?)`, fileID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM code_chunks WHERE file_id = ?`, fileID); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- Symbol operations ----

func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE name LIKE ? ESCAPE '\'
		LIMIT ?
	`, "%"+escapeLike(name)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		sym := &Symbol{}
		var typ string
		if err := rows.Scan(&sym.Name, &typ, &sym.StartLine, &sym.EndLine, &sym.Signature, &sym.DocComment); err != nil {
			return nil, err
		}
		sym.Type = SymbolType(typ)
		out = append(out, sym)
	}
	return out, rows.Err()
}

// ---- Symbol edge operations ----

func (s *SQLiteStore) SaveSymbolEdges(ctx context.Context, edges []*SymbolEdge) error {
	if len(edges) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbol_edges (id, project_id, source_chunk_id, source_qualified_name, target_qualified_name, edge_type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id=excluded.project_id, source_chunk_id=excluded.source_chunk_id,
			source_qualified_name=excluded.source_qualified_name,
			target_qualified_name=excluded.target_qualified_name, edge_type=excluded.edge_type
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, e.ID, e.ProjectID, e.SourceChunkID, e.SourceQualifiedName, e.TargetQualifiedName, string(e.EdgeType)); err != nil {
			return fmt.Errorf("save edge: %w", err)
		}
	}
	return tx.Commit()
}

func scanEdges(rows *sql.Rows) ([]*SymbolEdge, error) {
	defer rows.Close()
	var out []*SymbolEdge
	for rows.Next() {
		e := &SymbolEdge{}
		var edgeType string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.SourceChunkID, &e.SourceQualifiedName, &e.TargetQualifiedName, &edgeType); err != nil {
			return nil, err
		}
		e.EdgeType = EdgeType(edgeType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEdgesBySource(ctx context.Context, projectID, qualifiedName string) ([]*SymbolEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, source_chunk_id, source_qualified_name, target_qualified_name, edge_type
		FROM symbol_edges WHERE project_id = ? AND source_qualified_name = ?
	`, projectID, qualifiedName)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func (s *SQLiteStore) GetEdgesByTarget(ctx context.Context, projectID, qualifiedName string) ([]*SymbolEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, source_chunk_id, source_qualified_name, target_qualified_name, edge_type
		FROM symbol_edges WHERE project_id = ? AND target_qualified_name = ?
	`, projectID, qualifiedName)
	if err != nil {
		return nil, err
	}
	return scanEdges(rows)
}

func (s *SQLiteStore) DeleteEdgesByFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM symbol_edges WHERE source_chunk_id IN (SELECT id FROM code_chunks WHERE file_id = ?)
	`, fileID)
	return err
}

// ---- Delta queue operations ----

func (s *SQLiteStore) SaveDeltaEntry(ctx context.Context, entry *DeltaEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delta_queue (id, project_id, path, change_type, content_hash, lines_changed, detected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, path) DO UPDATE SET
			id=excluded.id, change_type=excluded.change_type, content_hash=excluded.content_hash,
			lines_changed=excluded.lines_changed, updated_at=excluded.updated_at
	`, entry.ID, entry.ProjectID, entry.Path, string(entry.ChangeType), entry.ContentHash,
		entry.LinesChanged, entry.DetectedAt, entry.UpdatedAt)
	return err
}

func scanDeltaEntry(row interface{ Scan(...any) error }) (*DeltaEntry, error) {
	e := &DeltaEntry{}
	var changeType string
	var detectedAt, updatedAt sql.NullTime
	err := row.Scan(&e.ID, &e.ProjectID, &e.Path, &changeType, &e.ContentHash, &e.LinesChanged, &detectedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.ChangeType = ChangeType(changeType)
	e.DetectedAt = detectedAt.Time
	e.UpdatedAt = updatedAt.Time
	return e, nil
}

const deltaSelectColumns = `id, project_id, path, change_type, content_hash, lines_changed, detected_at, updated_at`

func (s *SQLiteStore) GetDeltaEntry(ctx context.Context, projectID, path string) (*DeltaEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+deltaSelectColumns+` FROM delta_queue WHERE project_id = ? AND path = ?`, projectID, path)
	e, err := scanDeltaEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) ListPendingDeltaEntries(ctx context.Context, projectID string) ([]*DeltaEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+deltaSelectColumns+` FROM delta_queue WHERE project_id = ? ORDER BY detected_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeltaEntry
	for rows.Next() {
		e, err := scanDeltaEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteDeltaEntry(ctx context.Context, projectID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM delta_queue WHERE project_id = ? AND path = ?`, projectID, path)
	return err
}

func (s *SQLiteStore) PurgeDeltaEntries(ctx context.Context, projectID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM delta_queue WHERE project_id = ? AND path = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, projectID, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- Thread operations ----

func (s *SQLiteStore) SaveThread(ctx context.Context, thread *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, project_id, title, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, archived=excluded.archived, updated_at=excluded.updated_at
	`, thread.ID, thread.ProjectID, thread.Title, boolToInt(thread.Archived), thread.CreatedAt, thread.UpdatedAt)
	return err
}

func scanThread(row interface{ Scan(...any) error }) (*Thread, error) {
	t := &Thread{}
	var archived int
	var createdAt, updatedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &archived, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Archived = archived != 0
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return t, nil
}

const threadSelectColumns = `id, project_id, title, archived, created_at, updated_at`

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+threadSelectColumns+` FROM threads WHERE id = ?`, threadID)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) ListThreads(ctx context.Context, projectID string) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+threadSelectColumns+` FROM threads WHERE project_id = ? ORDER BY updated_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ArchiveThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET archived = 1, updated_at = ? WHERE id = ?`, time.Now(), threadID)
	return err
}

func (s *SQLiteStore) AppendThreadNode(ctx context.Context, node *ThreadNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_nodes (id, thread_id, role, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, node.ID, node.ThreadID, node.Role, node.Content, embeddingToBytes(node.Embedding), node.CreatedAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, node.CreatedAt, node.ThreadID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetThreadNodes(ctx context.Context, threadID string, sinceNodeID string) ([]*ThreadNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, thread_id, role, content, embedding, created_at FROM thread_nodes WHERE thread_id = ?`
	args := []any{threadID}
	if sinceNodeID != "" {
		query += ` AND created_at > (SELECT created_at FROM thread_nodes WHERE id = ?)`
		args = append(args, sinceNodeID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ThreadNode
	for rows.Next() {
		n := &ThreadNode{}
		var emb []byte
		var createdAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.ThreadID, &n.Role, &n.Content, &emb, &createdAt); err != nil {
			return nil, err
		}
		n.Embedding = bytesToEmbedding(emb)
		n.CreatedAt = createdAt.Time
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetThreadSummaryCache(ctx context.Context, threadID string) (*ThreadSummaryCache, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, summary, last_summarized_node_id, tokens_used, updated_at
		FROM thread_summary_cache WHERE thread_id = ?
	`, threadID)

	c := &ThreadSummaryCache{}
	var updatedAt sql.NullTime
	err := row.Scan(&c.ThreadID, &c.Summary, &c.LastSummarizedNodeID, &c.TokensUsed, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.UpdatedAt = updatedAt.Time
	return c, nil
}

func (s *SQLiteStore) SaveThreadSummaryCache(ctx context.Context, cache *ThreadSummaryCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_summary_cache (thread_id, summary, last_summarized_node_id, tokens_used, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			summary=excluded.summary, last_summarized_node_id=excluded.last_summarized_node_id,
			tokens_used=excluded.tokens_used, updated_at=excluded.updated_at
	`, cache.ThreadID, cache.Summary, cache.LastSummarizedNodeID, cache.TokensUsed, cache.UpdatedAt)
	return err
}

func (s *SQLiteStore) DeleteThreadSummaryCache(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_summary_cache WHERE thread_id = ?`, threadID)
	return err
}

// ---- Context tree operations ----

func (s *SQLiteStore) SaveContextTree(ctx context.Context, tree *ContextTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_trees (id, project_id, label, head_node, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label=excluded.label, head_node=excluded.head_node, active=excluded.active, updated_at=excluded.updated_at
	`, tree.ID, tree.ProjectID, tree.Label, tree.HeadNode, boolToInt(tree.Active), tree.CreatedAt, tree.UpdatedAt)
	return err
}

func scanContextTree(row interface{ Scan(...any) error }) (*ContextTree, error) {
	t := &ContextTree{}
	var active int
	var createdAt, updatedAt sql.NullTime
	err := row.Scan(&t.ID, &t.ProjectID, &t.Label, &t.HeadNode, &active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Active = active != 0
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return t, nil
}

const contextTreeSelectColumns = `id, project_id, label, head_node, active, created_at, updated_at`

func (s *SQLiteStore) GetContextTree(ctx context.Context, treeID string) (*ContextTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+contextTreeSelectColumns+` FROM context_trees WHERE id = ?`, treeID)
	t, err := scanContextTree(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) GetActiveContextTree(ctx context.Context, projectID string) (*ContextTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+contextTreeSelectColumns+` FROM context_trees WHERE project_id = ? AND active = 1`, projectID)
	t, err := scanContextTree(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) ListContextTrees(ctx context.Context, projectID string) ([]*ContextTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+contextTreeSelectColumns+` FROM context_trees WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ContextTree
	for rows.Next() {
		t, err := scanContextTree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteContextTree(ctx context.Context, treeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM context_nodes WHERE tree_id = ?`, treeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM context_trees WHERE id = ?`, treeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetActiveContextTree(ctx context.Context, projectID, treeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE context_trees SET active = 0 WHERE project_id = ?`, projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE context_trees SET active = 1, updated_at = ? WHERE id = ? AND project_id = ?`, time.Now(), treeID, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveContextNode(ctx context.Context, node *ContextNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO context_nodes (id, tree_id, parent_id, question, answer, label, is_checkpoint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			question=excluded.question, answer=excluded.answer, label=excluded.label, is_checkpoint=excluded.is_checkpoint
	`, node.ID, node.TreeID, node.ParentID, node.Question, node.Answer, node.Label, boolToInt(node.IsCheckpoint), node.CreatedAt)
	return err
}

func scanContextNode(row interface{ Scan(...any) error }) (*ContextNode, error) {
	n := &ContextNode{}
	var isCheckpoint int
	var createdAt sql.NullTime
	err := row.Scan(&n.ID, &n.TreeID, &n.ParentID, &n.Question, &n.Answer, &n.Label, &isCheckpoint, &createdAt)
	if err != nil {
		return nil, err
	}
	n.IsCheckpoint = isCheckpoint != 0
	n.CreatedAt = createdAt.Time
	return n, nil
}

const contextNodeSelectColumns = `id, tree_id, parent_id, question, answer, label, is_checkpoint, created_at`

func (s *SQLiteStore) GetContextNode(ctx context.Context, nodeID string) (*ContextNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, `SELECT `+contextNodeSelectColumns+` FROM context_nodes WHERE id = ?`, nodeID)
	n, err := scanContextNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

func (s *SQLiteStore) ListContextNodes(ctx context.Context, treeID string) ([]*ContextNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT `+contextNodeSelectColumns+` FROM context_nodes WHERE tree_id = ? ORDER BY created_at ASC`, treeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ContextNode
	for rows.Next() {
		n, err := scanContextNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteContextNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := make([]string, len(nodeIDs))
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM context_nodes WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
	return err
}

// ---- State operations ----

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// ---- Embedding operations ----

// embeddingToBytes serializes a float32 embedding as little-endian bytes
// for BLOB storage. An empty slice serializes to nil bytes.
func embeddingToBytes(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	buf := make([]byte, len(embedding)*4)
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// bytesToEmbedding is the inverse of embeddingToBytes.
func bytesToEmbedding(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("chunkIDs and embeddings length mismatch: %d vs %d", len(chunkIDs), len(embeddings))
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE code_chunks SET embedding = ?, embedding_model = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, embeddingToBytes(embeddings[i]), model, id); err != nil {
			return fmt.Errorf("save embedding for %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM code_chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var emb []byte
		if err := rows.Scan(&id, &emb); err != nil {
			return nil, err
		}
		if len(emb) == 0 {
			continue
		}
		out[id] = bytesToEmbedding(emb)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM code_chunks WHERE embedding IS NOT NULL`).Scan(&withEmbedding); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM code_chunks WHERE embedding IS NULL`).Scan(&withoutEmbedding); err != nil {
		return 0, 0, err
	}
	return withEmbedding, withoutEmbedding, nil
}

// ---- Checkpoint operations ----

const (
	checkpointStage         = "checkpoint_stage"
	checkpointTotal         = "checkpoint_total"
	checkpointEmbedded      = "checkpoint_embedded"
	checkpointTimestamp     = "checkpoint_timestamp"
	checkpointEmbedderModel = "checkpoint_embedder_model"
)

func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	now := time.Now()
	entries := map[string]string{
		checkpointStage:         stage,
		checkpointTotal:         strconv.Itoa(total),
		checkpointEmbedded:      strconv.Itoa(embeddedCount),
		checkpointTimestamp:     now.Format(time.RFC3339Nano),
		checkpointEmbedderModel: embedderModel,
	}
	for k, v := range entries {
		if err := s.SetState(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	stage, err := s.GetState(ctx, checkpointStage)
	if err != nil {
		return nil, err
	}
	if stage == "" || stage == "complete" {
		return nil, nil
	}

	totalStr, err := s.GetState(ctx, checkpointTotal)
	if err != nil {
		return nil, err
	}
	embeddedStr, err := s.GetState(ctx, checkpointEmbedded)
	if err != nil {
		return nil, err
	}
	tsStr, err := s.GetState(ctx, checkpointTimestamp)
	if err != nil {
		return nil, err
	}
	model, err := s.GetState(ctx, checkpointEmbedderModel)
	if err != nil {
		return nil, err
	}

	total, _ := strconv.Atoi(totalStr)
	embedded, _ := strconv.Atoi(embeddedStr)
	ts, _ := time.Parse(time.RFC3339Nano, tsStr)

	return &IndexCheckpoint{
		Stage:         stage,
		Total:         total,
		EmbeddedCount: embedded,
		Timestamp:     ts,
		EmbedderModel: model,
	}, nil
}

func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	for _, k := range []string{checkpointStage, checkpointTotal, checkpointEmbedded, checkpointTimestamp, checkpointEmbedderModel} {
		if err := s.SetState(ctx, k, ""); err != nil {
			return err
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	slog.Debug("closing metadata store", "path", s.path)
	return s.db.Close()
}
