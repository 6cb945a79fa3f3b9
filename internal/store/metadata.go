package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// StoreConfig tunes the SQLite metadata store's page cache.
type StoreConfig struct {
	// CacheSizeMB is the SQLite page cache size in megabytes. 0 means use
	// the default (64MB).
	CacheSizeMB int
}

// DefaultStoreConfig returns the metadata store's default tuning.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{CacheSizeMB: 64}
}

const metadataSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	root_path TEXT NOT NULL,
	project_type TEXT,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	file_count INTEGER NOT NULL DEFAULT 0,
	indexed_at INTEGER NOT NULL DEFAULT 0,
	version TEXT
);

CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	mod_time INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT,
	language TEXT,
	content_type TEXT,
	indexed_at INTEGER NOT NULL DEFAULT 0,
	UNIQUE(project_id, path)
);
CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);
CREATE INDEX IF NOT EXISTS idx_files_project_path ON files(project_id, path);

CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	content TEXT,
	raw_content TEXT,
	context TEXT,
	content_type TEXT,
	language TEXT,
	start_line INTEGER NOT NULL DEFAULT 0,
	end_line INTEGER NOT NULL DEFAULT 0,
	symbols_json TEXT,
	metadata_json TEXT,
	embedding BLOB,
	embedding_model TEXT,
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

CREATE TABLE IF NOT EXISTS symbols (
	chunk_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT,
	start_line INTEGER,
	end_line INTEGER,
	signature TEXT,
	doc_comment TEXT
);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
CREATE INDEX IF NOT EXISTS idx_symbols_chunk ON symbols(chunk_id);

CREATE TABLE IF NOT EXISTS state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS index_checkpoint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	stage TEXT NOT NULL,
	total INTEGER NOT NULL,
	embedded_count INTEGER NOT NULL,
	embedder_model TEXT,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore implements MetadataStore on top of a local SQLite database
// (modernc.org/sqlite, the same pure-Go driver SQLiteBM25Index uses so a
// project's metadata and keyword index share one dependency footprint).
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) a metadata store at path
// with the default cache size.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultStoreConfig())
}

// NewSQLiteStoreWithConfig opens a metadata store with a custom page cache
// size. A zero CacheSizeMB falls back to the default.
func NewSQLiteStoreWithConfig(path string, cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.CacheSizeMB <= 0 {
		cfg.CacheSizeMB = DefaultStoreConfig().CacheSizeMB
	}

	var dsn string
	if path == "" || path == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create metadata store dir: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one *DB

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA cache_size=-%d", cfg.CacheSizeMB*1024), // negative = KB
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("metadata store pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(metadataSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// DB exposes the underlying *sql.DB for callers that need raw access
// (compaction, integrity checks).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// --- Project operations ---

func (s *SQLiteStore) SaveProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, project_type, chunk_count, file_count, indexed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, root_path=excluded.root_path, project_type=excluded.project_type,
			chunk_count=excluded.chunk_count, file_count=excluded.file_count,
			indexed_at=excluded.indexed_at, version=excluded.version
	`, p.ID, p.Name, p.RootPath, p.ProjectType, p.ChunkCount, p.FileCount, toUnix(p.IndexedAt), p.Version)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, root_path, project_type, chunk_count, file_count, indexed_at, version
		FROM projects WHERE id = ?
	`, id)

	var p Project
	var indexedAt int64
	err := row.Scan(&p.ID, &p.Name, &p.RootPath, &p.ProjectType, &p.ChunkCount, &p.FileCount, &indexedAt, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.IndexedAt = fromUnix(indexedAt)
	return &p, nil
}

func (s *SQLiteStore) UpdateProjectStats(ctx context.Context, id string, fileCount, chunkCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ? WHERE id = ?
	`, fileCount, chunkCount, id)
	if err != nil {
		return fmt.Errorf("update project stats: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RefreshProjectStats(ctx context.Context, id string) error {
	var fileCount, chunkCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE project_id = ?`, id).Scan(&fileCount); err != nil {
		return fmt.Errorf("refresh project stats: count files: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
	`, id).Scan(&chunkCount); err != nil {
		return fmt.Errorf("refresh project stats: count chunks: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET file_count = ?, chunk_count = ?, indexed_at = ? WHERE id = ?
	`, fileCount, chunkCount, toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("refresh project stats: %w", err)
	}
	return nil
}

// --- File operations ---

func (s *SQLiteStore) SaveFiles(ctx context.Context, files []*File) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save files: begin tx: %w", err)
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
		return fmt.Errorf("save files: prepare: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.ID, f.ProjectID, f.Path, f.Size, toUnix(f.ModTime),
			f.ContentHash, f.Language, f.ContentType, toUnix(f.IndexedAt)); err != nil {
			return fmt.Errorf("save files: insert %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetFileByPath(ctx context.Context, projectID, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND path = ?
	`, projectID, path)
	return scanFile(row)
}

func (s *SQLiteStore) GetChangedFiles(ctx context.Context, projectID string, since time.Time) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? AND mod_time > ?
	`, projectID, toUnix(since))
	if err != nil {
		return nil, fmt.Errorf("get changed files: %w", err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

func (s *SQLiteStore) ListFiles(ctx context.Context, projectID string, cursor string, limit int) ([]*File, string, error) {
	offset, err := decodeOffsetCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ? ORDER BY path LIMIT ? OFFSET ?
	`, projectID, limit+1, offset)
	if err != nil {
		return nil, "", fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(files) > limit {
		files = files[:limit]
		nextCursor = encodeOffsetCursor(offset + limit)
	}
	return files, nextCursor, nil
}

func (s *SQLiteStore) GetFilePathsByProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get file paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("get file paths: scan: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) GetFilesForReconciliation(ctx context.Context, projectID string) (map[string]*File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, path, size, mod_time, content_hash, language, content_type, indexed_at
		FROM files WHERE project_id = ?
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get files for reconciliation: %w", err)
	}
	defer rows.Close()

	files, err := scanFiles(rows)
	if err != nil {
		return nil, err
	}
	result := make(map[string]*File, len(files))
	for _, f := range files {
		result[f.Path] = f
	}
	return result, nil
}

func (s *SQLiteStore) ListFilePathsUnder(ctx context.Context, projectID, dirPrefix string) ([]string, error) {
	dirPrefix = strings.TrimSuffix(dirPrefix, "/")

	var rows *sql.Rows
	var err error
	if dirPrefix == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT path FROM files WHERE project_id = ?`, projectID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT path FROM files WHERE project_id = ? AND (path = ? OR path LIKE ?)
		`, projectID, dirPrefix, dirPrefix+"/%")
	}
	if err != nil {
		return nil, fmt.Errorf("list file paths under: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("list file paths under: scan: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file: cascade chunks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM symbols WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)`, fileID); err != nil {
		return fmt.Errorf("delete file: cascade symbols: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFilesByProject(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete files by project: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM symbols WHERE chunk_id IN (
			SELECT c.id FROM chunks c JOIN files f ON c.file_id = f.id WHERE f.project_id = ?
		)`, projectID); err != nil {
		return fmt.Errorf("delete files by project: cascade symbols: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE project_id = ?)
	`, projectID); err != nil {
		return fmt.Errorf("delete files by project: cascade chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete files by project: %w", err)
	}
	return tx.Commit()
}

// --- Chunk operations ---

func (s *SQLiteStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save chunks: begin tx: %w", err)
	}
	defer tx.Rollback()

	chunkStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, file_path, content, raw_content, context, content_type, language,
			start_line, end_line, symbols_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_id=excluded.file_id, file_path=excluded.file_path, content=excluded.content,
			raw_content=excluded.raw_content, context=excluded.context, content_type=excluded.content_type,
			language=excluded.language, start_line=excluded.start_line, end_line=excluded.end_line,
			symbols_json=excluded.symbols_json, metadata_json=excluded.metadata_json, updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("save chunks: prepare: %w", err)
	}
	defer chunkStmt.Close()

	symDeleteStmt, err := tx.PrepareContext(ctx, `DELETE FROM symbols WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("save chunks: prepare symbol delete: %w", err)
	}
	defer symDeleteStmt.Close()

	symInsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (chunk_id, name, type, start_line, end_line, signature, doc_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save chunks: prepare symbol insert: %w", err)
	}
	defer symInsertStmt.Close()

	for _, c := range chunks {
		symbolsJSON, err := json.Marshal(c.Symbols)
		if err != nil {
			return fmt.Errorf("save chunks: marshal symbols: %w", err)
		}
		metadataJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("save chunks: marshal metadata: %w", err)
		}

		if _, err := chunkStmt.ExecContext(ctx, c.ID, c.FileID, c.FilePath, c.Content, c.RawContent, c.Context,
			string(c.ContentType), c.Language, c.StartLine, c.EndLine, string(symbolsJSON), string(metadataJSON),
			toUnix(c.CreatedAt), toUnix(c.UpdatedAt)); err != nil {
			return fmt.Errorf("save chunks: insert %s: %w", c.ID, err)
		}

		if _, err := symDeleteStmt.ExecContext(ctx, c.ID); err != nil {
			return fmt.Errorf("save chunks: clear symbols %s: %w", c.ID, err)
		}
		for _, sym := range c.Symbols {
			if _, err := symInsertStmt.ExecContext(ctx, c.ID, sym.Name, string(sym.Type), sym.StartLine, sym.EndLine,
				sym.Signature, sym.DocComment); err != nil {
				return fmt.Errorf("save chunks: insert symbol %s: %w", sym.Name, err)
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, file_id, file_path, content, raw_content, context, content_type, language,
			start_line, end_line, symbols_json, metadata_json, created_at, updated_at
		FROM chunks WHERE id = ?
	`, id)
	return scanChunk(row)
}

func (s *SQLiteStore) GetChunks(ctx context.Context, ids []string) ([]*Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, file_id, file_path, content, raw_content, context, content_type, language,
			start_line, end_line, symbols_json, metadata_json, created_at, updated_at
		FROM chunks WHERE id IN (%s)
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *SQLiteStore) GetChunksByFile(ctx context.Context, fileID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, file_path, content, raw_content, context, content_type, language,
			start_line, end_line, symbols_json, metadata_json, created_at, updated_at
		FROM chunks WHERE file_id = ? ORDER BY start_line
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("get chunks by file: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *SQLiteStore) DeleteChunks(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM symbols WHERE chunk_id IN (%s)`, strings.Join(placeholders, ",")), args...); err != nil {
		return fmt.Errorf("delete chunks: symbols: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM chunks WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChunksByFile(ctx context.Context, fileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM symbols WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)`, fileID); err != nil {
		return fmt.Errorf("delete chunks by file: symbols: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete chunks by file: %w", err)
	}
	return nil
}

// --- Symbol operations ---

func (s *SQLiteStore) SearchSymbols(ctx context.Context, name string, limit int) ([]*Symbol, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, type, start_line, end_line, signature, doc_comment
		FROM symbols WHERE name LIKE ? ORDER BY name LIMIT ?
	`, "%"+name+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	defer rows.Close()

	var out []*Symbol
	for rows.Next() {
		var sym Symbol
		var typ string
		if err := rows.Scan(&sym.Name, &typ, &sym.StartLine, &sym.EndLine, &sym.Signature, &sym.DocComment); err != nil {
			return nil, fmt.Errorf("search symbols: scan: %w", err)
		}
		sym.Type = SymbolType(typ)
		out = append(out, &sym)
	}
	return out, rows.Err()
}

// --- State operations ---

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}

// --- Embedding operations ---

func (s *SQLiteStore) SaveChunkEmbeddings(ctx context.Context, chunkIDs []string, embeddings [][]float32, model string) error {
	if len(chunkIDs) != len(embeddings) {
		return fmt.Errorf("save chunk embeddings: %d ids but %d embeddings", len(chunkIDs), len(embeddings))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save chunk embeddings: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("save chunk embeddings: prepare: %w", err)
	}
	defer stmt.Close()

	for i, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, embeddingToBytes(embeddings[i]), model, id); err != nil {
			return fmt.Errorf("save chunk embeddings: %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetAllEmbeddings(ctx context.Context) (map[string][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("get all embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("get all embeddings: scan: %w", err)
		}
		if len(raw) == 0 {
			continue
		}
		out[id] = bytesToEmbedding(raw)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmbeddingStats(ctx context.Context) (withEmbedding, withoutEmbedding int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL`).Scan(&withEmbedding); err != nil {
		return 0, 0, fmt.Errorf("get embedding stats: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE embedding IS NULL`).Scan(&withoutEmbedding); err != nil {
		return 0, 0, fmt.Errorf("get embedding stats: %w", err)
	}
	return withEmbedding, withoutEmbedding, nil
}

// --- Checkpoint operations ---

func (s *SQLiteStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_checkpoint (id, stage, total, embedded_count, embedder_model, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage=excluded.stage, total=excluded.total, embedded_count=excluded.embedded_count,
			embedder_model=excluded.embedder_model, updated_at=excluded.updated_at
	`, stage, total, embeddedCount, embedderModel, toUnix(time.Now()))
	if err != nil {
		return fmt.Errorf("save index checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	var cp IndexCheckpoint
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT stage, total, embedded_count, embedder_model, updated_at FROM index_checkpoint WHERE id = 1
	`).Scan(&cp.Stage, &cp.Total, &cp.EmbeddedCount, &cp.EmbedderModel, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load index checkpoint: %w", err)
	}
	if cp.Stage == "complete" {
		return nil, nil
	}
	cp.Timestamp = fromUnix(updatedAt)
	return &cp, nil
}

func (s *SQLiteStore) ClearIndexCheckpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM index_checkpoint WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear index checkpoint: %w", err)
	}
	return nil
}

// --- helpers ---

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFile(row scannable) (*File, error) {
	var f File
	var modTime, indexedAt int64
	err := row.Scan(&f.ID, &f.ProjectID, &f.Path, &f.Size, &modTime, &f.ContentHash, &f.Language, &f.ContentType, &indexedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	f.ModTime = fromUnix(modTime)
	f.IndexedAt = fromUnix(indexedAt)
	return &f, nil
}

func scanFiles(rows *sql.Rows) ([]*File, error) {
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

func scanChunk(row scannable) (*Chunk, error) {
	var c Chunk
	var contentType, symbolsJSON, metadataJSON string
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.FileID, &c.FilePath, &c.Content, &c.RawContent, &c.Context, &contentType, &c.Language,
		&c.StartLine, &c.EndLine, &symbolsJSON, &metadataJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.ContentType = ContentType(contentType)
	c.CreatedAt = fromUnix(createdAt)
	c.UpdatedAt = fromUnix(updatedAt)
	if symbolsJSON != "" {
		if err := json.Unmarshal([]byte(symbolsJSON), &c.Symbols); err != nil {
			return nil, fmt.Errorf("scan chunk: unmarshal symbols: %w", err)
		}
	}
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &c.Metadata); err != nil {
			return nil, fmt.Errorf("scan chunk: unmarshal metadata: %w", err)
		}
	}
	return &c, nil
}

func scanChunks(rows *sql.Rows) ([]*Chunk, error) {
	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// embeddingToBytes packs a float32 embedding into a little-endian byte
// slice for compact SQLite BLOB storage.
func embeddingToBytes(emb []float32) []byte {
	if len(emb) == 0 {
		return nil
	}
	buf := make([]byte, len(emb)*4)
	for i, v := range emb {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// encodeOffsetCursor/decodeOffsetCursor implement ListFiles' opaque
// pagination cursor as a base64-encoded "offset:N" string, so callers never
// need to reason about raw row offsets.
func encodeOffsetCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("offset:%d", offset)))
}

func decodeOffsetCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, "offset:") {
		return 0, fmt.Errorf("invalid cursor: unrecognized format")
	}
	offset, err := strconv.Atoi(strings.TrimPrefix(s, "offset:"))
	if err != nil {
		return 0, fmt.Errorf("invalid cursor: %w", err)
	}
	if offset < 0 {
		return 0, fmt.Errorf("invalid cursor: offset must be non-negative")
	}
	return offset, nil
}
