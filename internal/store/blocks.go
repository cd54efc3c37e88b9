package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/semindex/semindex/internal/block"
	semerr "github.com/semindex/semindex/internal/errors"
)

// iterBatchSize is how many blocks Iter reads per keyset page.
const iterBatchSize = 500

// BlockQuery filters and pages a block listing. Results are ordered by
// created_at descending, ties broken by ascending block_id. FilePath
// matches as a substring; the other fields match exactly.
type BlockQuery struct {
	RepositoryID string
	Language     string
	BlockType    block.Type
	FilePath     string
	Name         string
	Limit        int
	Offset       int
}

// Edge kinds stored in the edges relation.
const (
	EdgeKindChild   = "child"
	EdgeKindRelated = "related"
)

// BlockStore persists code blocks: indexed fields in SQLite, block
// content as one file per block under content/.
type BlockStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	contentDir string
	cache      *lru.Cache[string, string] // block_id -> content
	closed     bool
}

// NewBlockStore opens or creates the block database under baseDir.
// cacheSize > 0 enables the content read cache.
func NewBlockStore(baseDir string, cacheSize int) (*BlockStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open block store", err)
	}
	contentDir := filepath.Join(baseDir, "content")
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open block store", err)
	}

	dsn := filepath.Join(baseDir, "code_blocks.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open block store", err)
	}

	// Single writer prevents SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-65536",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, semerr.NewStorageError(semerr.StorageConnection, "open block store", err)
		}
	}

	s := &BlockStore{db: db, contentDir: contentDir}
	if cacheSize > 0 {
		s.cache, _ = lru.New[string, string](cacheSize)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlockStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			block_id          TEXT PRIMARY KEY,
			repository_id     TEXT NOT NULL,
			file_path         TEXT NOT NULL,
			line_start        INTEGER NOT NULL,
			line_end          INTEGER NOT NULL,
			char_start        INTEGER NOT NULL DEFAULT 0,
			char_end          INTEGER NOT NULL DEFAULT 0,
			block_type        TEXT NOT NULL,
			language          TEXT NOT NULL DEFAULT '',
			name              TEXT NOT NULL DEFAULT '',
			full_name         TEXT NOT NULL DEFAULT '',
			signature         TEXT NOT NULL DEFAULT '',
			class_name        TEXT NOT NULL DEFAULT '',
			namespace         TEXT NOT NULL DEFAULT '',
			content_hash      TEXT NOT NULL,
			parent_block_id   TEXT NOT NULL DEFAULT '',
			child_block_ids   TEXT NOT NULL DEFAULT '[]',
			related_block_ids TEXT NOT NULL DEFAULT '[]',
			keywords          TEXT NOT NULL DEFAULT '[]',
			metadata          TEXT NOT NULL DEFAULT '{}',
			embedding_missing INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_blocks_repository ON blocks(repository_id);
		CREATE INDEX IF NOT EXISTS idx_blocks_file       ON blocks(repository_id, file_path);
		CREATE INDEX IF NOT EXISTS idx_blocks_type       ON blocks(block_type);
		CREATE INDEX IF NOT EXISTS idx_blocks_language   ON blocks(language);
		CREATE INDEX IF NOT EXISTS idx_blocks_name       ON blocks(name);
		CREATE INDEX IF NOT EXISTS idx_blocks_created    ON blocks(created_at DESC, block_id);

		CREATE TABLE IF NOT EXISTS edges (
			from_id TEXT NOT NULL,
			to_id   TEXT NOT NULL,
			kind    TEXT NOT NULL,
			UNIQUE(from_id, to_id, kind)
		);
		CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
	`)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "migrate block store", err)
	}
	return nil
}

// Save upserts one block and its content file.
func (s *BlockStore) Save(ctx context.Context, b *block.CodeBlock) error {
	return s.SaveMany(ctx, []*block.CodeBlock{b})
}

// SaveMany upserts a batch of blocks in one transaction. Content files
// are written before the commit; a failed commit leaves stale content
// files that the next save overwrites.
func (s *BlockStore) SaveMany(ctx context.Context, blocks []*block.CodeBlock) error {
	if len(blocks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "save blocks",
			errors.New("store is closed"))
	}

	for _, b := range blocks {
		if b.BlockID == "" {
			return semerr.NewStorageError(semerr.StorageIntegrity, "save blocks",
				errors.New("block has no id; call Seal first"))
		}
		if err := s.writeContent(b.BlockID, b.Content); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save blocks", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blocks (
			block_id, repository_id, file_path, line_start, line_end,
			char_start, char_end, block_type, language, name, full_name,
			signature, class_name, namespace, content_hash, parent_block_id,
			child_block_ids, related_block_ids, keywords, metadata,
			embedding_missing, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(block_id) DO UPDATE SET
			repository_id     = excluded.repository_id,
			file_path         = excluded.file_path,
			line_start        = excluded.line_start,
			line_end          = excluded.line_end,
			char_start        = excluded.char_start,
			char_end          = excluded.char_end,
			block_type        = excluded.block_type,
			language          = excluded.language,
			name              = excluded.name,
			full_name         = excluded.full_name,
			signature         = excluded.signature,
			class_name        = excluded.class_name,
			namespace         = excluded.namespace,
			content_hash      = excluded.content_hash,
			parent_block_id   = excluded.parent_block_id,
			child_block_ids   = excluded.child_block_ids,
			related_block_ids = excluded.related_block_ids,
			keywords          = excluded.keywords,
			metadata          = excluded.metadata,
			embedding_missing = excluded.embedding_missing,
			updated_at        = excluded.updated_at
	`)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save blocks", err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		childIDs := marshalStrings(b.ChildBlockIDs)
		relatedIDs := marshalStrings(b.RelatedBlockIDs)
		keywords := marshalStrings(b.Keywords)
		metadata, err := json.Marshal(orEmptyMap(b.Metadata))
		if err != nil {
			return semerr.NewStorageError(semerr.StorageIntegrity, "save blocks", err)
		}

		if _, err := stmt.ExecContext(ctx,
			b.BlockID, b.RepositoryID, b.FilePath, b.LineStart, b.LineEnd,
			b.CharStart, b.CharEnd, string(b.BlockType), b.Language, b.Name, b.FullName,
			b.Signature, b.ClassName, b.Namespace, b.ContentHash, b.ParentBlockID,
			childIDs, relatedIDs, keywords, string(metadata),
			boolToInt(b.EmbeddingMissing),
			b.CreatedAt.UTC().Format(time.RFC3339Nano),
			b.UpdatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return semerr.NewStorageError(semerr.StorageConnection, "save blocks", err)
		}
	}

	if err := syncEdges(ctx, tx, blocks); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save blocks", err)
	}

	if s.cache != nil {
		for _, b := range blocks {
			s.cache.Add(b.BlockID, b.Content)
		}
	}
	return nil
}

// Get returns one block with its content. Missing ids return a
// not-found storage error.
func (s *BlockStore) Get(ctx context.Context, blockID string) (*block.CodeBlock, error) {
	blocks, err := s.GetMany(ctx, []string{blockID})
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, semerr.NewStorageError(semerr.StorageNotFound, "get block",
			fmt.Errorf("block %s", blockID))
	}
	return blocks[0], nil
}

// GetMany returns the blocks for ids, preserving input order. Unknown
// ids are skipped silently; callers compare lengths when they care.
func (s *BlockStore) GetMany(ctx context.Context, ids []string) ([]*block.CodeBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "get blocks",
			errors.New("store is closed"))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM blocks WHERE block_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "get blocks", err)
	}
	defer rows.Close()

	byID := make(map[string]*block.CodeBlock, len(ids))
	for rows.Next() {
		b, err := s.scanBlock(rows)
		if err != nil {
			return nil, err
		}
		byID[b.BlockID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "get blocks", err)
	}

	ordered := make([]*block.CodeBlock, 0, len(byID))
	for _, id := range ids {
		if b, ok := byID[id]; ok {
			ordered = append(ordered, b)
		}
	}
	return ordered, nil
}

// Query lists blocks matching the filter, newest first.
func (s *BlockStore) Query(ctx context.Context, q BlockQuery) ([]*block.CodeBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "query blocks",
			errors.New("store is closed"))
	}

	where, args := q.whereClause()
	sqlQuery := selectColumns + ` FROM blocks` + where +
		` ORDER BY created_at DESC, block_id ASC`
	if q.Limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sqlQuery += ` OFFSET ?`
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "query blocks", err)
	}
	defer rows.Close()

	var blocks []*block.CodeBlock
	for rows.Next() {
		b, err := s.scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "query blocks", err)
	}
	return blocks, nil
}

// Count returns how many blocks match the filter.
func (s *BlockStore) Count(ctx context.Context, q BlockQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "count blocks",
			errors.New("store is closed"))
	}

	where, args := q.whereClause()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`+where, args...).Scan(&n)
	if err != nil {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "count blocks", err)
	}
	return n, nil
}

// Exists reports whether blockID is stored.
func (s *BlockStore) Exists(ctx context.Context, blockID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, semerr.NewStorageError(semerr.StorageConnection, "exists",
			errors.New("store is closed"))
	}

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blocks WHERE block_id = ?`, blockID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, semerr.NewStorageError(semerr.StorageConnection, "exists", err)
	}
	return true, nil
}

// Delete removes one block and its content file.
func (s *BlockStore) Delete(ctx context.Context, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "delete block",
			errors.New("store is closed"))
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE block_id = ?`, blockID); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "delete block", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM edges WHERE from_id = ? OR to_id = ?`, blockID, blockID); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "delete block", err)
	}

	s.dropContent(blockID)
	return nil
}

// DeleteByRepository removes every block of a repository, including
// content files and edges. Returns how many blocks were removed.
func (s *BlockStore) DeleteByRepository(ctx context.Context, repositoryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository blocks",
			errors.New("store is closed"))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT block_id FROM blocks WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository blocks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, semerr.NewStorageError(semerr.StorageIntegrity, "delete repository blocks", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository blocks", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository blocks", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM blocks WHERE repository_id = ?`, repositoryID); err != nil {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository blocks", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
			return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository blocks", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository blocks", err)
	}

	for _, id := range ids {
		s.dropContent(id)
	}
	return len(ids), nil
}

// Iter streams every block matching the filter in keyset-paginated
// batches, calling fn per block. fn returning an error stops the walk.
func (s *BlockStore) Iter(ctx context.Context, q BlockQuery, fn func(*block.CodeBlock) error) error {
	lastID := ""
	for {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return semerr.NewStorageError(semerr.StorageConnection, "iter blocks",
				errors.New("store is closed"))
		}

		where, args := q.whereClause()
		if where == "" {
			where = ` WHERE block_id > ?`
		} else {
			where += ` AND block_id > ?`
		}
		args = append(args, lastID)

		rows, err := s.db.QueryContext(ctx,
			selectColumns+` FROM blocks`+where+` ORDER BY block_id ASC LIMIT ?`,
			append(args, iterBatchSize)...)
		if err != nil {
			s.mu.RUnlock()
			return semerr.NewStorageError(semerr.StorageConnection, "iter blocks", err)
		}

		var batch []*block.CodeBlock
		for rows.Next() {
			b, err := s.scanBlock(rows)
			if err != nil {
				rows.Close()
				s.mu.RUnlock()
				return err
			}
			batch = append(batch, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			s.mu.RUnlock()
			return semerr.NewStorageError(semerr.StorageConnection, "iter blocks", err)
		}
		s.mu.RUnlock()

		for _, b := range batch {
			if err := fn(b); err != nil {
				return err
			}
			lastID = b.BlockID
		}
		if len(batch) < iterBatchSize {
			return nil
		}
	}
}

// syncEdges rewrites the edge rows derived from a batch's block links:
// child edges from parent to child, related edges between peers. Edges
// originating from a saved block are replaced wholesale so removed links
// do not linger.
func syncEdges(ctx context.Context, tx *sql.Tx, blocks []*block.CodeBlock) error {
	del, err := tx.PrepareContext(ctx, `DELETE FROM edges WHERE from_id = ?`)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save edges", err)
	}
	defer del.Close()

	ins, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO edges (from_id, to_id, kind) VALUES (?, ?, ?)`)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save edges", err)
	}
	defer ins.Close()

	for _, b := range blocks {
		if _, err := del.ExecContext(ctx, b.BlockID); err != nil {
			return semerr.NewStorageError(semerr.StorageConnection, "save edges", err)
		}
	}
	for _, b := range blocks {
		// The parent side of the link, for batches that carry the child
		// without its parent.
		if b.ParentBlockID != "" {
			if _, err := ins.ExecContext(ctx, b.ParentBlockID, b.BlockID, EdgeKindChild); err != nil {
				return semerr.NewStorageError(semerr.StorageConnection, "save edges", err)
			}
		}
		for _, childID := range b.ChildBlockIDs {
			if _, err := ins.ExecContext(ctx, b.BlockID, childID, EdgeKindChild); err != nil {
				return semerr.NewStorageError(semerr.StorageConnection, "save edges", err)
			}
		}
		for _, relatedID := range b.RelatedBlockIDs {
			if _, err := ins.ExecContext(ctx, b.BlockID, relatedID, EdgeKindRelated); err != nil {
				return semerr.NewStorageError(semerr.StorageConnection, "save edges", err)
			}
		}
	}
	return nil
}

// AddEdge records a typed relation between two blocks. Duplicate edges
// are ignored.
func (s *BlockStore) AddEdge(ctx context.Context, fromID, toID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "add edge",
			errors.New("store is closed"))
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO edges (from_id, to_id, kind) VALUES (?, ?, ?)`,
		fromID, toID, kind)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "add edge", err)
	}
	return nil
}

// Close closes the database.
func (s *BlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

const selectColumns = `SELECT block_id, repository_id, file_path, line_start, line_end,
	char_start, char_end, block_type, language, name, full_name,
	signature, class_name, namespace, content_hash, parent_block_id,
	child_block_ids, related_block_ids, keywords, metadata,
	embedding_missing, created_at, updated_at`

func (q BlockQuery) whereClause() (string, []any) {
	var conds []string
	var args []any

	if q.RepositoryID != "" {
		conds = append(conds, "repository_id = ?")
		args = append(args, q.RepositoryID)
	}
	if q.Language != "" {
		conds = append(conds, "language = ?")
		args = append(args, q.Language)
	}
	if q.BlockType != "" {
		conds = append(conds, "block_type = ?")
		args = append(args, string(q.BlockType))
	}
	if q.FilePath != "" {
		conds = append(conds, "file_path LIKE '%' || ? || '%'")
		args = append(args, q.FilePath)
	}
	if q.Name != "" {
		conds = append(conds, "name = ?")
		args = append(args, q.Name)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *BlockStore) scanBlock(rows *sql.Rows) (*block.CodeBlock, error) {
	var b block.CodeBlock
	var blockType, childIDs, relatedIDs, keywords, metadata string
	var embeddingMissing int
	var createdAt, updatedAt string

	if err := rows.Scan(
		&b.BlockID, &b.RepositoryID, &b.FilePath, &b.LineStart, &b.LineEnd,
		&b.CharStart, &b.CharEnd, &blockType, &b.Language, &b.Name, &b.FullName,
		&b.Signature, &b.ClassName, &b.Namespace, &b.ContentHash, &b.ParentBlockID,
		&childIDs, &relatedIDs, &keywords, &metadata,
		&embeddingMissing, &createdAt, &updatedAt,
	); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageIntegrity, "scan block", err)
	}

	b.BlockType = block.Type(blockType)
	b.EmbeddingMissing = embeddingMissing != 0
	b.ChildBlockIDs = unmarshalStrings(childIDs)
	b.RelatedBlockIDs = unmarshalStrings(relatedIDs)
	b.Keywords = unmarshalStrings(keywords)
	if err := json.Unmarshal([]byte(metadata), &b.Metadata); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageIntegrity, "scan block", err)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	content, err := s.readContent(b.BlockID)
	if err != nil {
		return nil, err
	}
	b.Content = content
	return &b, nil
}

func (s *BlockStore) contentPath(blockID string) string {
	return filepath.Join(s.contentDir, blockID+".txt")
}

func (s *BlockStore) writeContent(blockID, content string) error {
	path := s.contentPath(blockID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "write content", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "write content", err)
	}
	return nil
}

func (s *BlockStore) readContent(blockID string) (string, error) {
	if s.cache != nil {
		if content, ok := s.cache.Get(blockID); ok {
			return content, nil
		}
	}

	data, err := os.ReadFile(s.contentPath(blockID))
	if os.IsNotExist(err) {
		// A row without its content file is recoverable: the block
		// metadata survives, content reads as empty.
		return "", nil
	}
	if err != nil {
		return "", semerr.NewStorageError(semerr.StorageConnection, "read content", err)
	}

	content := string(data)
	if s.cache != nil {
		s.cache.Add(blockID, content)
	}
	return content, nil
}

func (s *BlockStore) dropContent(blockID string) {
	_ = os.Remove(s.contentPath(blockID))
	if s.cache != nil {
		s.cache.Remove(blockID)
	}
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil || len(values) == 0 {
		return nil
	}
	return values
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
