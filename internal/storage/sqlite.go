package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/shiori/internal/models"
	"github.com/hyperjump/shiori/pkg/utils"
)

// maxInParams bounds the placeholders in one IN (...) clause.
const maxInParams = 500

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Timestamps are stored as UTC unix nanoseconds so ordering and expiry compare as integers.
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		document_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		title TEXT,
		author TEXT,
		date TEXT,
		content_type TEXT,
		metadata TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id TEXT PRIMARY KEY,
		document_id TEXT REFERENCES documents(document_id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT,
		embedding BLOB NOT NULL,
		metadata TEXT,
		source TEXT NOT NULL,
		url TEXT,
		title TEXT,
		date TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id, chunk_index);
	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source);
	CREATE INDEX IF NOT EXISTS idx_chunks_url ON chunks(url);
	CREATE INDEX IF NOT EXISTS idx_chunks_date ON chunks(date);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		results TEXT NOT NULL,
		feedback TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_created_at ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS response_cache (
		query_hash TEXT PRIMARY KEY,
		query_text TEXT NOT NULL,
		response TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON response_cache(expires_at);
	`
	_, err := db.Exec(schema)
	return err
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFound(op, what, id string) error {
	return models.NewError(models.ErrNotFound, op, fmt.Errorf("%s not found: %s", what, id))
}

// UpsertDocument inserts or updates a document. CreatedAt of an existing row is kept.
func (s *SQLiteStorage) UpsertDocument(ctx context.Context, doc *models.Document) error {
	metadata, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	now := stamp(doc.UpdatedAt)
	created := stamp(doc.CreatedAt)
	var createdAt int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO documents (document_id, source, title, author, date, content_type, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET
		   source = excluded.source, title = excluded.title, author = excluded.author,
		   date = excluded.date, content_type = excluded.content_type,
		   metadata = excluded.metadata, updated_at = excluded.updated_at
		 RETURNING created_at`,
		doc.ID, doc.Source, doc.Title, doc.Author, doc.Date, doc.ContentType, metadata,
		toNanos(created), toNanos(now),
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	doc.CreatedAt = fromNanos(createdAt)
	doc.UpdatedAt = now
	return nil
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var (
		doc                  models.Document
		title, author, date  sql.NullString
		contentType, meta    sql.NullString
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, source, title, author, date, content_type, metadata, created_at, updated_at
		 FROM documents WHERE document_id = ?`, id,
	).Scan(&doc.ID, &doc.Source, &title, &author, &date, &contentType, &meta, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_document", "document", id)
	}
	if err != nil {
		return nil, err
	}
	doc.Title, doc.Author, doc.Date, doc.ContentType = title.String, author.String, date.String, contentType.String
	doc.CreatedAt, doc.UpdatedAt = fromNanos(createdAt), fromNanos(updatedAt)
	if doc.Metadata, err = unmarshalMetadata(meta.String); err != nil {
		return nil, err
	}
	return &doc, nil
}

const chunkColumns = `chunk_id, document_id, position, chunk_index, content, content_hash, embedding,
	metadata, source, url, title, date, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(r rowScanner) (*models.Chunk, error) {
	var (
		c                 models.Chunk
		docID, hash, meta sql.NullString
		url, title, date  sql.NullString
		embedding         []byte
		createdAt         int64
	)
	if err := r.Scan(&c.ID, &docID, &c.Position, &c.ChunkIndex, &c.Content, &hash, &embedding,
		&meta, &c.Source, &url, &title, &date, &createdAt); err != nil {
		return nil, err
	}
	vec, err := utils.BytesToFloat32s(embedding)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
	}
	c.Embedding = vec
	c.DocumentID, c.ContentHash = docID.String, hash.String
	c.URL, c.Title, c.Date = url.String, title.String, date.String
	c.CreatedAt = fromNanos(createdAt)
	if c.Metadata, err = unmarshalMetadata(meta.String); err != nil {
		return nil, err
	}
	return &c, nil
}

// UpsertChunks writes chunks in a single transaction. An existing chunk_id is
// overwritten in place and keeps its original created_at, which is copied back
// onto the chunk.
func (s *SQLiteStorage) UpsertChunks(ctx context.Context, chunks []*models.Chunk, beforeCommit func() error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (`+chunkColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET
		   document_id = excluded.document_id, position = excluded.position,
		   chunk_index = excluded.chunk_index, content = excluded.content,
		   content_hash = excluded.content_hash, embedding = excluded.embedding,
		   metadata = excluded.metadata, source = excluded.source, url = excluded.url,
		   title = excluded.title, date = excluded.date
		 RETURNING created_at`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk upsert: %w", err)
	}
	defer stmt.Close()

	created := make([]int64, len(chunks))
	for i, c := range chunks {
		metadata, err := marshalMetadata(c.Metadata)
		if err != nil {
			return err
		}
		err = stmt.QueryRowContext(ctx,
			c.ID, nullString(c.DocumentID), c.Position, c.ChunkIndex, c.Content, c.ContentHash,
			utils.Float32sToBytes(c.Embedding), metadata, c.Source, c.URL, c.Title, c.Date,
			toNanos(stamp(c.CreatedAt)),
		).Scan(&created[i])
		if err != nil {
			return fmt.Errorf("failed to upsert chunk %s: %w", c.ID, err)
		}
	}
	if beforeCommit != nil {
		if err := beforeCommit(); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	for i, c := range chunks {
		c.CreatedAt = fromNanos(created[i])
	}
	return nil
}

// GetChunk returns a chunk by ID.
func (s *SQLiteStorage) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	c, err := scanChunk(s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_chunk", "chunk", id)
	}
	return c, err
}

// GetChunks returns the chunks that exist among ids, keyed by chunk_id.
func (s *SQLiteStorage) GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error) {
	out := make(map[string]*models.Chunk, len(ids))
	for start := 0; start < len(ids); start += maxInParams {
		part := ids[start:min(start+maxInParams, len(ids))]
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id IN (`+placeholders(len(part))+`)`, args...)
		if err != nil {
			return nil, err
		}
		err = collectChunks(rows, func(c *models.Chunk) error {
			out[c.ID] = c
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetChunksByDocumentID returns all chunks for a document ordered by chunk_index.
func (s *SQLiteStorage) GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY chunk_index, chunk_id`, docID)
	if err != nil {
		return nil, err
	}
	var chunks []*models.Chunk
	err = collectChunks(rows, func(c *models.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

// EachChunk streams every chunk, embeddings included, in chunk_id order.
func (s *SQLiteStorage) EachChunk(ctx context.Context, fn func(*models.Chunk) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chunkColumns+` FROM chunks ORDER BY chunk_id`)
	if err != nil {
		return err
	}
	return collectChunks(rows, fn)
}

func collectChunks(rows *sql.Rows, fn func(*models.Chunk) error) error {
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return rows.Err()
}

// FilterChunkIDs returns the ids of chunks matching the equality and date filters.
func (s *SQLiteStorage) FilterChunkIDs(ctx context.Context, f models.Filters) (map[string]struct{}, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where, args = append(where, "source = ?"), append(args, f.Source)
	}
	if f.DocumentID != "" {
		where, args = append(where, "document_id = ?"), append(args, f.DocumentID)
	}
	if f.URL != "" {
		where, args = append(where, "url = ?"), append(args, f.URL)
	}
	if f.DateFrom != "" {
		where, args = append(where, "date <> '' AND date >= ?"), append(args, f.DateFrom)
	}
	if f.DateTo != "" {
		where, args = append(where, "date <> '' AND substr(date, 1, 10) <= ?"), append(args, f.DateTo)
	}
	q := `SELECT chunk_id FROM chunks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// GetCacheEntry returns the cached response for hash, expired or not.
func (s *SQLiteStorage) GetCacheEntry(ctx context.Context, hash string) (*models.CacheEntry, error) {
	var (
		e                    models.CacheEntry
		response             string
		createdAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT query_hash, query_text, response, created_at, expires_at
		 FROM response_cache WHERE query_hash = ?`, hash,
	).Scan(&e.QueryHash, &e.QueryText, &response, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get_cache_entry", "cache entry", hash)
	}
	if err != nil {
		return nil, err
	}
	e.Response = json.RawMessage(response)
	e.CreatedAt, e.ExpiresAt = fromNanos(createdAt), fromNanos(expiresAt)
	return &e, nil
}

// PutCacheEntry inserts or overwrites the entry for e.QueryHash.
func (s *SQLiteStorage) PutCacheEntry(ctx context.Context, e *models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_cache (query_hash, query_text, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(query_hash) DO UPDATE SET
		   query_text = excluded.query_text, response = excluded.response,
		   created_at = excluded.created_at, expires_at = excluded.expires_at`,
		e.QueryHash, e.QueryText, string(e.Response), toNanos(e.CreatedAt), toNanos(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

// DeleteExpiredCache removes entries whose expiry is at or before now.
func (s *SQLiteStorage) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_cache WHERE expires_at <= ?`, toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return res.RowsAffected()
}

// AppendHistory inserts a history record.
func (s *SQLiteStorage) AppendHistory(ctx context.Context, rec *models.HistoryRecord) error {
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal history results: %w", err)
	}
	rec.CreatedAt = stamp(rec.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_history (id, query_text, results, feedback, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.QueryText, string(results), nullString(rec.Feedback), toNanos(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns history records, newest first.
func (s *SQLiteStorage) ListHistory(ctx context.Context, offset, limit int) ([]*models.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, query_text, results, feedback, created_at FROM query_history
		 ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.HistoryRecord
	for rows.Next() {
		var (
			rec       models.HistoryRecord
			results   string
			feedback  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.QueryText, &results, &feedback, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(results), &rec.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history results: %w", err)
		}
		rec.Feedback = feedback.String
		rec.CreatedAt = fromNanos(createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Counts returns row counts for every table.
func (s *SQLiteStorage) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM documents),
		(SELECT COUNT(*) FROM chunks),
		(SELECT COUNT(*) FROM chunks WHERE document_id IS NULL),
		(SELECT COUNT(*) FROM response_cache),
		(SELECT COUNT(*) FROM query_history)`,
	).Scan(&c.Documents, &c.Chunks, &c.UnregisteredChunks, &c.CacheEntries, &c.HistoryRecords)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
