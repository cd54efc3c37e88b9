// Package block defines the entities shared by the indexing and retrieval
// pipeline: the code block, the repository manifest, and the search query
// and result records.
package block

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Type classifies an indexable unit.
type Type string

const (
	TypeFile     Type = "file"
	TypeModule   Type = "module"
	TypeClass    Type = "class"
	TypeFunction Type = "function"
	TypeMethod   Type = "method"
	TypeBlock    Type = "block"
	TypeComment  Type = "comment"
	TypeImport   Type = "import"
)

// CodeBlock is one indexable unit of source code.
type CodeBlock struct {
	BlockID      string `json:"block_id"`
	RepositoryID string `json:"repository_id"`

	Content     string `json:"content"`
	ContentHash string `json:"content_hash"`

	FilePath  string `json:"file_path"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	CharStart int    `json:"char_start,omitempty"`
	CharEnd   int    `json:"char_end,omitempty"`

	BlockType Type   `json:"block_type"`
	Language  string `json:"language,omitempty"`

	Name      string `json:"name,omitempty"`
	FullName  string `json:"full_name,omitempty"`
	Signature string `json:"signature,omitempty"`
	ClassName string `json:"class_name,omitempty"`
	Namespace string `json:"namespace,omitempty"`

	Keywords []string `json:"keywords,omitempty"`

	ParentBlockID   string   `json:"parent_block_id,omitempty"`
	ChildBlockIDs   []string `json:"child_block_ids,omitempty"`
	RelatedBlockIDs []string `json:"related_block_ids,omitempty"`

	// Embedding is nil before the embedding stage has run.
	Embedding []float32 `json:"embedding,omitempty"`

	// EmbeddingMissing marks blocks whose embedding failed and should be
	// retried by a later pass. Such blocks are invisible to search.
	EmbeddingMissing bool `json:"embedding_missing,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HashContent returns the hex SHA-256 digest of content. Used both for
// change detection and as an input to the block id.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ComputeID derives the stable block identifier. Re-indexing the same
// (repository, file, range, content) always yields the same id, which is
// what makes ingestion idempotent.
func ComputeID(repositoryID, filePath string, lineStart, lineEnd int, contentHash string) string {
	input := fmt.Sprintf("%s:%s:%d:%d:%s", repositoryID, filePath, lineStart, lineEnd, contentHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// Seal fills ContentHash and BlockID from the block's current fields.
func (b *CodeBlock) Seal() {
	b.ContentHash = HashContent(b.Content)
	b.BlockID = ComputeID(b.RepositoryID, b.FilePath, b.LineStart, b.LineEnd, b.ContentHash)
}

// SearchText returns the denormalized text that is embedded and that text
// matching runs against: signature, then name, then content. This is the
// single authoritative definition of the embedded text.
func (b *CodeBlock) SearchText() string {
	var sb strings.Builder
	if b.Signature != "" {
		sb.WriteString(b.Signature)
		sb.WriteByte('\n')
	}
	if b.Name != "" {
		sb.WriteString(b.Name)
		sb.WriteByte('\n')
	}
	if len(b.Keywords) > 0 {
		sb.WriteString(strings.Join(b.Keywords, " "))
		sb.WriteByte('\n')
	}
	sb.WriteString(b.Content)
	return sb.String()
}

// VectorMetadata returns the per-vector metadata stored alongside the
// block's embedding for post-filtering.
func (b *CodeBlock) VectorMetadata() map[string]string {
	return map[string]string{
		"repository_id": b.RepositoryID,
		"file_path":     b.FilePath,
		"block_type":    string(b.BlockType),
		"language":      b.Language,
		"name":          b.Name,
	}
}

// Lifecycle is the repository manifest state.
type Lifecycle string

const (
	LifecyclePending  Lifecycle = "pending"
	LifecycleIndexing Lifecycle = "indexing"
	LifecycleIndexed  Lifecycle = "indexed"
	LifecycleFailed   Lifecycle = "failed"
)

// SourceKind identifies how a repository was acquired.
type SourceKind string

const (
	SourceGit     SourceKind = "git"
	SourceLocal   SourceKind = "local"
	SourceArchive SourceKind = "archive"
)

// RepositoryIndex is the per-repository manifest.
type RepositoryIndex struct {
	RepositoryID string     `json:"repository_id"`
	SourceKind   SourceKind `json:"source_kind"`
	URL          string     `json:"url,omitempty"`
	Path         string     `json:"path,omitempty"`
	Branch       string     `json:"branch,omitempty"`
	CommitHash   string     `json:"commit_hash,omitempty"`

	IndexedAt  time.Time `json:"indexed_at,omitempty"`
	TotalFiles int       `json:"total_files"`
	TotalBlocks int      `json:"total_blocks"`
	TotalBytes int64     `json:"total_bytes"`

	LanguageDistribution map[string]int `json:"language_distribution,omitempty"`

	Lifecycle    Lifecycle `json:"lifecycle"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

// UpdateStats recomputes the manifest counters from a block set.
func (r *RepositoryIndex) UpdateStats(blocks []*CodeBlock) {
	r.TotalBlocks = len(blocks)
	r.LanguageDistribution = make(map[string]int)

	files := make(map[string]struct{})
	var bytes int64
	for _, b := range blocks {
		files[b.FilePath] = struct{}{}
		bytes += int64(len(b.Content))
		lang := b.Language
		if lang == "" {
			lang = "unknown"
		}
		r.LanguageDistribution[lang]++
	}
	r.TotalFiles = len(files)
	r.TotalBytes = bytes
}

// MarkIndexed transitions the manifest to the indexed state.
func (r *RepositoryIndex) MarkIndexed() {
	r.Lifecycle = LifecycleIndexed
	r.FailureReason = ""
	r.IndexedAt = time.Now().UTC()
}

// MarkFailed transitions the manifest to the failed state with a reason.
func (r *RepositoryIndex) MarkFailed(reason string) {
	r.Lifecycle = LifecycleFailed
	r.FailureReason = reason
}

// QueryType classifies a recorded search query.
type QueryType string

const (
	QueryTypeText           QueryType = "text"
	QueryTypeCode           QueryType = "code"
	QueryTypeFunction       QueryType = "function"
	QueryTypeRecommendation QueryType = "recommendation"
)

// SearchQuery is the analytics record persisted for every search.
type SearchQuery struct {
	Query               string            `json:"query"`
	QueryType           QueryType         `json:"query_type"`
	RepositoryID        string            `json:"repository_id,omitempty"`
	Language            string            `json:"language,omitempty"`
	BlockType           Type              `json:"block_type,omitempty"`
	FilePath            string            `json:"file_path,omitempty"`
	MetadataFilters     map[string]string `json:"metadata_filters,omitempty"`
	CreatedAfter        time.Time         `json:"created_after,omitempty"`
	CreatedBefore       time.Time         `json:"created_before,omitempty"`
	TopK                int               `json:"top_k"`
	SimilarityThreshold float32           `json:"similarity_threshold"`
	IssuedAt            time.Time         `json:"issued_at"`
}

// SearchResult pairs a hydrated block with its similarity score.
type SearchResult struct {
	Block       *CodeBlock `json:"block"`
	Score       float32    `json:"score"`
	MatchReason string     `json:"match_reason,omitempty"`
}
