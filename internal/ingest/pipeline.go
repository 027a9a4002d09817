// Package ingest runs the document pipeline: load, chunk, embed,
// upsert. A file moves through the lifecycle states the metadata store
// enforces; a failure at any stage parks it in failed with the reason
// recorded, and never aborts the ingestion of sibling files.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dyd1976jp/rag5-simplified-001/internal/chunk"
	"github.com/dyd1976jp/rag5-simplified-001/internal/embed"
	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
	"github.com/dyd1976jp/rag5-simplified-001/internal/vectordb"
)

// DefaultWorkers is the directory-ingestion worker pool size.
const DefaultWorkers = 4

// Pipeline ties the loader registry, splitter, embedder, and vector
// store together. Safe for concurrent use.
type Pipeline struct {
	registry *loader.Registry
	embedder embed.Embedder
	store    vectordb.Store
	meta     *kbstore.Store
	workers  int
	log      *slog.Logger

	tracker *mtimeTracker
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets the directory-ingestion pool size.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline builds an ingestion pipeline. meta records file lifecycle
// state and KB counters.
func NewPipeline(registry *loader.Registry, embedder embed.Embedder, store vectordb.Store, meta *kbstore.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry: registry,
		embedder: embedder,
		store:    store,
		meta:     meta,
		workers:  DefaultWorkers,
		log:      slog.Default(),
		tracker:  newMtimeTracker(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IngestFile runs one registered file through the pipeline, driving its
// lifecycle pending -> parsing -> persisting -> succeeded. On failure
// the file is marked failed with the reason and the error returned.
func (p *Pipeline) IngestFile(ctx context.Context, kb *kbstore.KnowledgeBase, file *kbstore.FileEntity) (*Report, error) {
	builder := newReportBuilder()

	if err := p.meta.UpdateFileStatus(ctx, kb.ID, file.ID, kbstore.StatusParsing, 0, ""); err != nil {
		return nil, err
	}

	docs, chunks, err := p.parse(ctx, kb, file.FilePath)
	if err != nil {
		return nil, p.fail(ctx, kb, file, builder, err)
	}

	if err := p.meta.UpdateFileStatus(ctx, kb.ID, file.ID, kbstore.StatusPersisting, 0, ""); err != nil {
		return nil, err
	}

	// Empty documents are legal: zero chunks, zero vectors, succeeded.
	uploaded := 0
	if len(chunks) > 0 {
		if uploaded, err = p.persist(ctx, kb, file.ID, chunks); err != nil {
			return nil, p.fail(ctx, kb, file, builder, err)
		}
	}

	if err := p.meta.UpdateFileStatus(ctx, kb.ID, file.ID, kbstore.StatusSucceeded, len(chunks), ""); err != nil {
		return nil, err
	}
	if err := p.meta.AddCounts(ctx, kb.ID, 1, len(chunks)); err != nil {
		return nil, err
	}

	builder.addSuccess(docs, len(chunks), uploaded)
	p.log.Info("file ingested",
		"kb_id", kb.ID, "file_id", file.ID, "file", file.FileName,
		"documents", docs, "chunks", len(chunks), "vectors", uploaded)
	return builder.build(), nil
}

// parse loads a file and splits it under the KB's chunk config.
func (p *Pipeline) parse(ctx context.Context, kb *kbstore.KnowledgeBase, path string) (int, []chunk.Chunk, error) {
	docs, err := p.registry.Load(ctx, path)
	if err != nil {
		return 0, nil, err
	}
	splitter, err := chunk.NewSplitter(kb.ChunkConfig)
	if err != nil {
		return 0, nil, err
	}
	return len(docs), splitter.Split(docs), nil
}

// persist embeds chunks and upserts them into the KB's collection.
func (p *Pipeline) persist(ctx context.Context, kb *kbstore.KnowledgeBase, fileID string, chunks []chunk.Chunk) (int, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, err
	}
	// Guards against a swapped embedding model: the collection's
	// dimension is fixed at KB creation, so a drifted embedder must
	// fail before anything is upserted.
	for _, v := range vectors {
		if kb.EmbeddingDimension > 0 && len(v) != kb.EmbeddingDimension {
			return 0, rerrors.New(rerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("embedder returned dimension %d, knowledge base expects %d",
					len(v), kb.EmbeddingDimension), nil)
		}
	}

	points := buildPoints(kb.ID, fileID, chunks, vectors)
	if err := p.store.Upsert(ctx, kb.CollectionName, points); err != nil {
		return 0, err
	}
	return len(points), nil
}

// fail parks the file in failed state and reports the original error.
func (p *Pipeline) fail(ctx context.Context, kb *kbstore.KnowledgeBase, file *kbstore.FileEntity, builder *reportBuilder, cause error) error {
	builder.addFailure(file.FilePath, cause)
	if err := p.meta.UpdateFileStatus(ctx, kb.ID, file.ID, kbstore.StatusFailed, 0, cause.Error()); err != nil {
		p.log.Error("could not record file failure",
			"kb_id", kb.ID, "file_id", file.ID, "error", err)
	}
	return cause
}

// buildPoints assigns each chunk a fresh UUID and a payload carrying
// the chunk text, its provenance, and any loader metadata.
func buildPoints(kbID, fileID string, chunks []chunk.Chunk, vectors [][]float32) []vectordb.Point {
	points := make([]vectordb.Point, len(chunks))
	for i, c := range chunks {
		payload := make(map[string]any, len(c.Metadata)+3)
		for k, v := range c.Metadata {
			payload[k] = v
		}
		payload["text"] = c.Content
		payload["kb_id"] = kbID
		payload["file_id"] = fileID
		points[i] = vectordb.Point{
			ID:      uuid.NewString(),
			Vector:  vectors[i],
			Payload: payload,
		}
	}
	return points
}
