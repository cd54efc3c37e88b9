package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	semerr "github.com/semindex/semindex/internal/errors"
)

// Float32Slice stores a vector as a JSON array column.
type Float32Slice []float32

// Value implements driver.Valuer.
func (f Float32Slice) Value() (driver.Value, error) {
	data, err := json.Marshal([]float32(f))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (f *Float32Slice) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return json.Unmarshal([]byte(v), (*[]float32)(f))
	case []byte:
		return json.Unmarshal(v, (*[]float32)(f))
	default:
		return fmt.Errorf("cannot scan %T into Float32Slice", src)
	}
}

// SQLiteVectorStore keeps vectors in a SQLite table and scores them with
// a full scan. Slower than hnsw but fully durable with zero extra files,
// and the repository filter is pushed into the query.
type SQLiteVectorStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	dim    int
	closed bool
}

// NewSQLiteVectorStore opens or creates the vector database at dir.
// An empty dir opens an in-memory database for tests.
func NewSQLiteVectorStore(dir string) (*SQLiteVectorStore, error) {
	dsn := ":memory:"
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, semerr.NewStorageError(semerr.StorageConnection, "open vector db", err)
		}
		dsn = filepath.Join(dir, "vectors.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open vector db", err)
	}

	// Single connection: one writer, and the in-memory DSN would
	// otherwise give every pool connection its own empty database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteVectorStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.restoreDimension(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteVectorStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS vectors (
			id            TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			vector        TEXT NOT NULL,
			dim           INTEGER NOT NULL,
			metadata      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_vectors_repository ON vectors(repository_id);
	`)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "migrate vector db", err)
	}
	return nil
}

// restoreDimension re-pins the dimension from existing rows.
func (s *SQLiteVectorStore) restoreDimension() error {
	var dim sql.NullInt64
	err := s.db.QueryRow(`SELECT dim FROM vectors LIMIT 1`).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "restore dimension", err)
	}
	s.dim = int(dim.Int64)
	return nil
}

// Add inserts or replaces one vector.
func (s *SQLiteVectorStore) Add(ctx context.Context, id string, vector []float32, meta map[string]string) error {
	return s.AddMany(ctx, []string{id}, [][]float32{vector}, []map[string]string{meta})
}

// AddMany upserts a batch in one transaction after validating every
// dimension, so a mismatch rolls back cleanly.
func (s *SQLiteVectorStore) AddMany(ctx context.Context, ids []string, vectors [][]float32, metas []map[string]string) error {
	if len(ids) != len(vectors) || len(ids) != len(metas) {
		return semerr.NewStorageError(semerr.StorageIntegrity, "add vectors",
			errors.New("ids, vectors, and metas must be the same length"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "add vectors",
			errors.New("store is closed"))
	}

	dim := s.dim
	for _, v := range vectors {
		if dim == 0 {
			dim = len(v)
			continue
		}
		if len(v) != dim {
			return semerr.NewDimensionMismatch(dim, len(v))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "add vectors", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (id, repository_id, vector, dim, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_id = excluded.repository_id,
			vector        = excluded.vector,
			dim           = excluded.dim,
			metadata      = excluded.metadata
	`)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "add vectors", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		metaJSON, err := json.Marshal(metas[i])
		if err != nil {
			return semerr.NewStorageError(semerr.StorageIntegrity, "add vectors", err)
		}
		if _, err := stmt.ExecContext(ctx, id, metas[i]["repository_id"],
			Float32Slice(vectors[i]), dim, string(metaJSON)); err != nil {
			return semerr.NewStorageError(semerr.StorageConnection, "add vectors", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "add vectors", err)
	}
	s.dim = dim
	return nil
}

// Search scans the candidate rows and scores them in Go. The repository
// filter narrows the scan in SQL; the remaining fields filter in memory.
func (s *SQLiteVectorStore) Search(ctx context.Context, query []float32, topK int, filter *VectorFilter) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "search vectors",
			errors.New("store is closed"))
	}
	if s.dim != 0 && len(query) != s.dim {
		return nil, semerr.NewDimensionMismatch(s.dim, len(query))
	}

	q := `SELECT id, vector, metadata FROM vectors`
	var args []any
	if filter != nil && filter.RepositoryID != "" {
		q += ` WHERE repository_id = ?`
		args = append(args, filter.RepositoryID)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "search vectors", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var id, metaJSON string
		var vec Float32Slice
		if err := rows.Scan(&id, &vec, &metaJSON); err != nil {
			return nil, semerr.NewStorageError(semerr.StorageIntegrity, "search vectors", err)
		}

		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return nil, semerr.NewStorageError(semerr.StorageIntegrity, "search vectors", err)
		}
		if !filter.Matches(meta) {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: cosineSimilarity(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "search vectors", err)
	}
	return truncateHits(hits, topK), nil
}

// Get returns one stored vector and its metadata.
func (s *SQLiteVectorStore) Get(ctx context.Context, id string) ([]float32, map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, nil, semerr.NewStorageError(semerr.StorageConnection, "get vector",
			errors.New("store is closed"))
	}

	var vec Float32Slice
	var metaJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT vector, metadata FROM vectors WHERE id = ?`, id).Scan(&vec, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, semerr.NewStorageError(semerr.StorageNotFound, "get vector",
			errors.New("vector "+id))
	}
	if err != nil {
		return nil, nil, semerr.NewStorageError(semerr.StorageConnection, "get vector", err)
	}

	var meta map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, nil, semerr.NewStorageError(semerr.StorageIntegrity, "get vector", err)
	}
	return vec, meta, nil
}

// Update replaces the vector, the metadata, or both for one id.
func (s *SQLiteVectorStore) Update(ctx context.Context, id string, vector []float32, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "update vector",
			errors.New("store is closed"))
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM vectors WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return semerr.NewStorageError(semerr.StorageNotFound, "update vector",
			errors.New("vector "+id))
	}
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "update vector", err)
	}

	if vector != nil {
		if s.dim != 0 && len(vector) != s.dim {
			return semerr.NewDimensionMismatch(s.dim, len(vector))
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE vectors SET vector = ?, dim = ? WHERE id = ?`,
			Float32Slice(vector), len(vector), id); err != nil {
			return semerr.NewStorageError(semerr.StorageConnection, "update vector", err)
		}
	}
	if meta != nil {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return semerr.NewStorageError(semerr.StorageIntegrity, "update vector", err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE vectors SET metadata = ?, repository_id = ? WHERE id = ?`,
			string(metaJSON), meta["repository_id"], id); err != nil {
			return semerr.NewStorageError(semerr.StorageConnection, "update vector", err)
		}
	}
	return nil
}

// Delete removes vectors by id.
func (s *SQLiteVectorStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "delete vectors",
			errors.New("store is closed"))
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE id = ?`, id); err != nil {
			return semerr.NewStorageError(semerr.StorageConnection, "delete vectors", err)
		}
	}
	return nil
}

// DeleteByRepository removes every vector of a repository.
func (s *SQLiteVectorStore) DeleteByRepository(ctx context.Context, repositoryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository vectors",
			errors.New("store is closed"))
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM vectors WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository vectors", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Contains reports whether id has a vector.
func (s *SQLiteVectorStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow(`SELECT 1 FROM vectors WHERE id = ?`, id).Scan(&one)
	return err == nil
}

// Count returns how many stored vectors match the filter. The
// repository field narrows the scan in SQL; the rest filters on the
// decoded metadata.
func (s *SQLiteVectorStore) Count(filter *VectorFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM vectors`).Scan(&n); err != nil {
			return 0
		}
		return n
	}

	q := `SELECT metadata FROM vectors`
	var args []any
	if filter.RepositoryID != "" {
		q += ` WHERE repository_id = ?`
		args = append(args, filter.RepositoryID)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return 0
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var metaJSON string
		if err := rows.Scan(&metaJSON); err != nil {
			return 0
		}
		var meta map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return 0
		}
		if filter.Matches(meta) {
			n++
		}
	}
	return n
}

// Dimensions returns the pinned width, zero before the first insert.
func (s *SQLiteVectorStore) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Save is a no-op; SQLite writes through on commit.
func (s *SQLiteVectorStore) Save() error { return nil }

// Close closes the database.
func (s *SQLiteVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ VectorStore = (*SQLiteVectorStore)(nil)
