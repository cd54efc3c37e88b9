// Package index drives the ingestion pipeline: fetch a repository,
// chunk its files into blocks, embed them, and persist blocks and
// vectors through the storage layer.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/semindex/semindex/internal/block"
	"github.com/semindex/semindex/internal/chunk"
	"github.com/semindex/semindex/internal/embed"
	semerr "github.com/semindex/semindex/internal/errors"
	"github.com/semindex/semindex/internal/fetch"
	"github.com/semindex/semindex/internal/store"
)

const (
	// defaultBatchSize is how many blocks are embedded per request batch.
	defaultBatchSize = 32

	// defaultFlushInterval bounds how long embedded blocks sit in the
	// write buffer before being persisted.
	defaultFlushInterval = 2 * time.Second

	// pipelineDepth is the number of batches buffered between the chunking
	// and embedding stages.
	pipelineDepth = 4
)

// Progress is a point-in-time snapshot of a running index operation,
// delivered after every file and every persisted batch.
type Progress struct {
	TotalFiles      int
	ProcessedFiles  int
	TotalBlocks     int
	ProcessedBlocks int
	CurrentFile     string
	Elapsed         time.Duration
	ErrorsCount     int
}

// Report summarizes one completed index operation.
type Report struct {
	RepositoryID      string
	Files             int
	SkippedFiles      int
	Blocks            int
	ReusedBlocks      int
	MissingEmbeddings int
	FileErrors        []chunk.FileError
	Duration          time.Duration
}

// Options tunes an Indexer.
type Options struct {
	// BatchSize is blocks per embedding batch. Zero means defaultBatchSize.
	BatchSize int
	// FlushInterval bounds write-buffer latency. Zero means
	// defaultFlushInterval.
	FlushInterval time.Duration
	// ExcludeGlobs are gitignore-style patterns applied on top of the
	// repository's own ignore rules.
	ExcludeGlobs []string
	// MaxFileBytes caps chunkable file size. Zero means the chunker
	// default.
	MaxFileBytes int
	// OnProgress, when set, receives snapshots during indexing. Called
	// from the pipeline goroutines; implementations must be fast.
	OnProgress func(Progress)
}

// Indexer runs the fetch-chunk-embed-persist pipeline.
type Indexer struct {
	storage  *store.Storage
	embedder embed.Embedder
	fetcher  *fetch.Fetcher
	opts     Options
	log      *slog.Logger
}

// New creates an Indexer over the given storage and embedder. A nil
// fetcher gets a default one rooted in the system temp directory, and a
// nil logger means slog.Default.
func New(storage *store.Storage, embedder embed.Embedder, fetcher *fetch.Fetcher, opts Options, log *slog.Logger) *Indexer {
	if fetcher == nil {
		fetcher = fetch.New("")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	return &Indexer{
		storage:  storage,
		embedder: embedder,
		fetcher:  fetcher,
		opts:     opts,
		log:      log,
	}
}

// IndexRepository fetches the source described by cfg and indexes every
// supported file in it. Re-indexing an unchanged repository is a no-op
// beyond the walk itself: blocks that already have vectors are reused.
func (ix *Indexer) IndexRepository(ctx context.Context, cfg fetch.RepoConfig) (*Report, error) {
	start := time.Now()

	if err := ix.storage.EnsureManifest(
		ix.embedder.ProviderName(), ix.embedder.ModelName(), ix.embedder.Dimensions()); err != nil {
		return nil, err
	}

	fetched, err := ix.fetcher.Fetch(ctx, cfg)
	if err != nil {
		return nil, err
	}

	manifest := &block.RepositoryIndex{
		RepositoryID: fetched.RepositoryID,
		SourceKind:   cfg.Source,
		URL:          cfg.URL,
		Path:         cfg.Path,
		Branch:       cfg.Branch,
		CommitHash:   fetched.CommitHash,
		Lifecycle:    block.LifecycleIndexing,
	}
	if err := ix.storage.Metadata.SaveRepository(manifest); err != nil {
		return nil, err
	}

	report, err := ix.indexTree(ctx, fetched.RepositoryID, fetched.WorkingPath, manifest)
	report.Duration = time.Since(start)

	if err != nil {
		reason := err.Error()
		if errors.Is(err, semerr.ErrCancelled) {
			reason = "cancelled"
		}
		manifest.MarkFailed(reason)
		if saveErr := ix.storage.Metadata.SaveRepository(manifest); saveErr != nil {
			ix.log.Warn("failed to record failed manifest",
				slog.String("repository_id", fetched.RepositoryID),
				slog.String("error", saveErr.Error()))
		}
		// Flush whatever made it into the vector store before the abort.
		if saveErr := ix.storage.Vectors.Save(); saveErr != nil {
			ix.log.Warn("vector flush after abort failed",
				slog.String("error", saveErr.Error()))
		}
		return report, err
	}

	manifest.MarkIndexed()
	if err := ix.storage.Metadata.SaveRepository(manifest); err != nil {
		return report, err
	}
	if err := ix.storage.Vectors.Save(); err != nil {
		return report, err
	}

	ix.log.Info("repository indexed",
		slog.String("repository_id", fetched.RepositoryID),
		slog.Int("files", report.Files),
		slog.Int("blocks", report.Blocks),
		slog.Int("reused", report.ReusedBlocks),
		slog.Duration("duration", report.Duration))
	return report, nil
}

// IndexFile indexes a single file inside an already-fetched tree. Used
// for incremental updates after a watch event or a targeted re-index.
func (ix *Indexer) IndexFile(ctx context.Context, repositoryID, root, relPath string) (*Report, error) {
	start := time.Now()
	report := &Report{RepositoryID: repositoryID}

	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		return report, semerr.NewStorageError(semerr.StorageNotFound, "index file", err)
	}

	chunker := chunk.NewChunker(chunk.Options{MaxFileBytes: ix.opts.MaxFileBytes})
	defer chunker.Close()

	blocks, err := chunker.ChunkFile(ctx, repositoryID, filepath.ToSlash(relPath), content)
	if err != nil {
		report.FileErrors = append(report.FileErrors, chunk.FileError{Path: relPath, Err: err})
	}
	if len(blocks) == 0 {
		report.SkippedFiles = 1
		report.Duration = time.Since(start)
		return report, nil
	}
	report.Files = 1

	if err := ix.embedAndPersist(ctx, blocks, report); err != nil {
		if errors.Is(err, semerr.ErrCancelled) {
			ix.flushUnembedded(ctx, blocks, report)
		}
		report.Duration = time.Since(start)
		return report, err
	}
	if err := ix.storage.Vectors.Save(); err != nil {
		return report, err
	}
	report.Duration = time.Since(start)
	return report, nil
}

// fileResult carries one chunked file from the producer to the
// consumer. All accounting happens on the consumer side so the report
// is never touched from two goroutines.
type fileResult struct {
	path   string
	blocks []*block.CodeBlock
	bytes  int64
	err    error
}

// indexTree chunks, embeds, and persists every supported file under
// root. Chunking and embedding run concurrently, connected by a bounded
// channel; storage writes happen only on the consumer side.
func (ix *Indexer) indexTree(ctx context.Context, repositoryID, root string, manifest *block.RepositoryIndex) (*Report, error) {
	report := &Report{RepositoryID: repositoryID}
	start := time.Now()

	walker := chunk.NewWalker(chunk.WalkOptions{
		ExcludeGlobs: ix.opts.ExcludeGlobs,
		MaxFileBytes: ix.opts.MaxFileBytes,
	}, ix.log)
	defer walker.Close()

	files, err := walker.ListFiles(root)
	if err != nil {
		return report, err
	}

	languages := make(map[string]int)
	var totalBytes int64
	progress := Progress{TotalFiles: len(files)}

	g, gctx := errgroup.WithContext(ctx)
	results := make(chan fileResult, pipelineDepth)

	// Producer: read and chunk files. Tree-sitter parsers are not safe
	// for concurrent use, so one chunker lives on this side.
	g.Go(func() error {
		defer close(results)

		chunker := chunk.NewChunker(chunk.Options{MaxFileBytes: ix.opts.MaxFileBytes})
		defer chunker.Close()

		for _, rel := range files {
			select {
			case <-gctx.Done():
				return semerr.ErrCancelled
			default:
			}

			res := fileResult{path: rel}
			content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				res.err = err
			} else {
				res.bytes = int64(len(content))
				res.blocks, res.err = chunker.ChunkFile(gctx, repositoryID, rel, content)
			}

			select {
			case results <- res:
			case <-gctx.Done():
				return semerr.ErrCancelled
			}
		}
		return nil
	})

	// Consumer: batch, embed, persist, and account. The single writer
	// keeps SQLite happy and makes flushes deterministic.
	g.Go(func() error {
		var pending []*block.CodeBlock
		lastFlush := time.Now()

		drain := func(force bool) error {
			for len(pending) >= ix.opts.BatchSize || (force && len(pending) > 0) {
				n := ix.opts.BatchSize
				if n > len(pending) {
					n = len(pending)
				}
				batch := pending[:n]
				pending = pending[n:]
				if err := ix.embedAndPersist(gctx, batch, report); err != nil {
					if errors.Is(err, semerr.ErrCancelled) {
						remaining := make([]*block.CodeBlock, 0, len(batch)+len(pending))
						remaining = append(remaining, batch...)
						remaining = append(remaining, pending...)
						ix.flushUnembedded(gctx, remaining, report)
					}
					return err
				}
				progress.ProcessedBlocks = report.Blocks + report.ReusedBlocks
				progress.Elapsed = time.Since(start)
				ix.notify(progress)
			}
			// Periodic vector snapshot bounds how much an abort can lose.
			if time.Since(lastFlush) >= ix.opts.FlushInterval {
				if err := ix.storage.Vectors.Save(); err != nil {
					return err
				}
				lastFlush = time.Now()
			}
			return nil
		}

		for res := range results {
			if res.err != nil {
				report.FileErrors = append(report.FileErrors, chunk.FileError{Path: res.path, Err: res.err})
				ix.log.Warn("file failed to chunk",
					slog.String("file", res.path),
					slog.String("error", res.err.Error()))
			}
			if len(res.blocks) == 0 {
				if res.err == nil {
					report.SkippedFiles++
				}
				continue
			}

			report.Files++
			for _, b := range res.blocks {
				lang := b.Language
				if lang == "" {
					lang = "unknown"
				}
				languages[lang]++
			}
			totalBytes += res.bytes
			pending = append(pending, res.blocks...)

			progress.ProcessedFiles++
			progress.CurrentFile = res.path
			progress.TotalBlocks += len(res.blocks)
			progress.ErrorsCount = len(report.FileErrors)
			progress.Elapsed = time.Since(start)
			ix.notify(progress)

			if err := drain(false); err != nil {
				return err
			}
		}
		return drain(true)
	})

	err = g.Wait()

	manifest.TotalFiles = report.Files
	manifest.TotalBlocks = report.Blocks + report.ReusedBlocks
	manifest.TotalBytes = totalBytes
	manifest.LanguageDistribution = languages
	return report, err
}

// embedAndPersist embeds one batch and writes it through the composite
// store. Blocks that already exist with a live vector are reused without
// a new embedding request. An embedding failure degrades the batch to
// vectorless blocks so a later pass can retry; a storage failure is
// fatal.
func (ix *Indexer) embedAndPersist(ctx context.Context, batch []*block.CodeBlock, report *Report) error {
	var fresh []*block.CodeBlock
	for _, b := range batch {
		exists, err := ix.storage.Blocks.Exists(ctx, b.BlockID)
		if err != nil {
			return err
		}
		if exists && ix.storage.Vectors.Contains(b.BlockID) {
			report.ReusedBlocks++
			continue
		}
		fresh = append(fresh, b)
	}
	if len(fresh) == 0 {
		return nil
	}

	texts := make([]string, len(fresh))
	for i, b := range fresh {
		texts[i] = b.SearchText()
	}

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, semerr.ErrCancelled) {
			return semerr.ErrCancelled
		}
		if !semerr.IsRetryableEmbedding(err) && !isDegradable(err) {
			return err
		}
		ix.log.Warn("embedding batch failed, persisting without vectors",
			slog.Int("blocks", len(fresh)),
			slog.String("error", err.Error()))
		for _, b := range fresh {
			b.EmbeddingMissing = true
		}
		if saveErr := ix.storage.Blocks.SaveMany(ctx, fresh); saveErr != nil {
			return saveErr
		}
		report.Blocks += len(fresh)
		report.MissingEmbeddings += len(fresh)
		return nil
	}

	for i, b := range fresh {
		b.Embedding = vectors[i]
	}
	if err := ix.storage.SaveBlocksWithVectors(ctx, fresh); err != nil {
		return err
	}
	report.Blocks += len(fresh)
	return nil
}

// flushUnembedded persists buffered blocks that never received a vector
// so a cancelled run keeps its chunked work. Each block is marked
// EmbeddingMissing for a later retry pass; the write runs detached from
// the cancelled context.
func (ix *Indexer) flushUnembedded(ctx context.Context, blocks []*block.CodeBlock, report *Report) {
	var orphaned []*block.CodeBlock
	for _, b := range blocks {
		if ix.storage.Vectors.Contains(b.BlockID) {
			continue
		}
		b.EmbeddingMissing = true
		orphaned = append(orphaned, b)
	}
	if len(orphaned) == 0 {
		return
	}

	if err := ix.storage.Blocks.SaveMany(context.WithoutCancel(ctx), orphaned); err != nil {
		ix.log.Warn("failed to flush buffered blocks after cancellation",
			slog.Int("blocks", len(orphaned)),
			slog.String("error", err.Error()))
		return
	}
	report.Blocks += len(orphaned)
	report.MissingEmbeddings += len(orphaned)
	ix.log.Info("flushed buffered blocks without embeddings",
		slog.Int("blocks", len(orphaned)))
}

// isDegradable reports whether an embedding failure should downgrade the
// batch instead of aborting the run. Transient exhaustion and quota
// errors qualify; auth and dimension problems will not fix themselves.
func isDegradable(err error) bool {
	var embErr *semerr.EmbeddingError
	if !errors.As(err, &embErr) {
		return false
	}
	return embErr.Kind == semerr.EmbeddingTransient || embErr.Kind == semerr.EmbeddingQuota
}

func (ix *Indexer) notify(p Progress) {
	if ix.opts.OnProgress != nil {
		ix.opts.OnProgress(p)
	}
}

// PurgeRepository removes everything indexed for a repository and
// reports what was deleted.
func (ix *Indexer) PurgeRepository(ctx context.Context, repositoryID string) (*store.PurgeSummary, error) {
	summary, err := ix.storage.PurgeRepository(ctx, repositoryID)
	if err != nil {
		return summary, fmt.Errorf("purge %s: %w", repositoryID, err)
	}
	return summary, nil
}
