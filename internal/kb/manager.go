// Package kb is the knowledge-base manager. It composes the metadata
// store, the vector store, the ingestion pipeline, and the retrieval
// engine into one lifecycle: create a KB, upload and ingest files,
// query, and tear down. The metadata store and the KB's collection are
// kept consistent; a collection that cannot be created rolls the KB
// record back.
package kb

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dyd1976jp/rag5-simplified-001/internal/chunk"
	"github.com/dyd1976jp/rag5-simplified-001/internal/embed"
	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/ingest"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
	"github.com/dyd1976jp/rag5-simplified-001/internal/search"
	"github.com/dyd1976jp/rag5-simplified-001/internal/vectordb"
)

// Defaults for manager limits.
const (
	DefaultMaxQueryLength = 1000
	DefaultMaxFileSize    = 100 * 1024 * 1024
)

// Manager owns knowledge-base lifecycle and query dispatch.
type Manager struct {
	meta     *kbstore.Store
	store    vectordb.Store
	embedder embed.Embedder
	registry *loader.Registry
	pipeline *ingest.Pipeline
	engine   *search.Engine

	uploadDir   string
	maxFileSize int64
	maxQueryLen int
	log         *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxFileSize caps uploaded file size in bytes.
func WithMaxFileSize(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxFileSize = n
		}
	}
}

// WithMaxQueryLength caps query length in characters.
func WithMaxQueryLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxQueryLen = n
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager wires the manager. uploadDir receives uploaded files, laid
// out as uploadDir/<kb_id>/<file_name>.
func NewManager(meta *kbstore.Store, store vectordb.Store, embedder embed.Embedder,
	registry *loader.Registry, pipeline *ingest.Pipeline, engine *search.Engine,
	uploadDir string, opts ...Option) *Manager {
	m := &Manager{
		meta:        meta,
		store:       store,
		embedder:    embedder,
		registry:    registry,
		pipeline:    pipeline,
		engine:      engine,
		uploadDir:   uploadDir,
		maxFileSize: DefaultMaxFileSize,
		maxQueryLen: DefaultMaxQueryLength,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest describes a new knowledge base. Nil configs take the
// defaults.
type CreateRequest struct {
	Name            string
	Description     string
	ChunkConfig     *chunk.Config
	RetrievalConfig *kbstore.RetrievalConfig
}

// Create validates the request, writes the KB record, and creates its
// collection. A collection failure rolls the record back.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*kbstore.KnowledgeBase, error) {
	if err := kbstore.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if err := kbstore.ValidateDescription(req.Description); err != nil {
		return nil, err
	}

	chunkCfg := chunk.DefaultConfig()
	if req.ChunkConfig != nil {
		chunkCfg = *req.ChunkConfig
	}
	if err := chunkCfg.Validate(); err != nil {
		return nil, err
	}
	retrievalCfg := kbstore.DefaultRetrievalConfig()
	if req.RetrievalConfig != nil {
		retrievalCfg = *req.RetrievalConfig
	}
	if err := retrievalCfg.Validate(); err != nil {
		return nil, err
	}

	id := "kb_" + uuid.NewString()
	now := time.Now().UTC()
	kb := &kbstore.KnowledgeBase{
		ID:                 id,
		Name:               req.Name,
		Description:        req.Description,
		EmbeddingModel:     m.embedder.ModelName(),
		EmbeddingDimension: m.embedder.Dimensions(),
		CollectionName:     id,
		ChunkConfig:        chunkCfg,
		RetrievalConfig:    retrievalCfg,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := m.meta.CreateKB(ctx, kb); err != nil {
		return nil, err
	}
	if err := m.store.EnsureCollection(ctx, kb.CollectionName, kb.EmbeddingDimension); err != nil {
		if derr := m.meta.DeleteKB(ctx, kb.ID); derr != nil {
			m.log.Error("rollback of KB record failed", "kb_id", kb.ID, "error", derr)
		}
		return nil, err
	}

	m.log.Info("knowledge base created", "kb_id", kb.ID, "name", kb.Name,
		"model", kb.EmbeddingModel, "dims", kb.EmbeddingDimension)
	return kb, nil
}

// Get returns one KB by ID.
func (m *Manager) Get(ctx context.Context, id string) (*kbstore.KnowledgeBase, error) {
	return m.meta.GetKB(ctx, id)
}

// GetByName returns one KB by its unique name.
func (m *Manager) GetByName(ctx context.Context, name string) (*kbstore.KnowledgeBase, error) {
	return m.meta.GetKBByName(ctx, name)
}

// List returns a page of KBs and the total count.
func (m *Manager) List(ctx context.Context, page, size int) ([]*kbstore.KnowledgeBase, int, error) {
	return m.meta.ListKBs(ctx, page, size)
}

// UpdateRequest carries the mutable KB fields. Nil fields are left
// unchanged.
type UpdateRequest struct {
	Description     *string
	ChunkConfig     *chunk.Config
	RetrievalConfig *kbstore.RetrievalConfig

	// EmbeddingModel and EmbeddingDimension are immutable after
	// creation; setting them to anything but the current value is
	// rejected. Changing the model would orphan every stored vector.
	EmbeddingModel     *string
	EmbeddingDimension *int
}

// Update applies the mutable fields of req to the KB.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*kbstore.KnowledgeBase, error) {
	kb, err := m.meta.GetKB(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.EmbeddingModel != nil && *req.EmbeddingModel != kb.EmbeddingModel {
		return nil, rerrors.New(rerrors.ErrCodeImmutableField,
			"embedding_model cannot be changed after creation", nil)
	}
	if req.EmbeddingDimension != nil && *req.EmbeddingDimension != kb.EmbeddingDimension {
		return nil, rerrors.New(rerrors.ErrCodeImmutableField,
			"embedding_dimension cannot be changed after creation", nil)
	}

	if req.Description != nil {
		if err := kbstore.ValidateDescription(*req.Description); err != nil {
			return nil, err
		}
		kb.Description = *req.Description
	}
	if req.ChunkConfig != nil {
		if err := req.ChunkConfig.Validate(); err != nil {
			return nil, err
		}
		kb.ChunkConfig = *req.ChunkConfig
	}
	if req.RetrievalConfig != nil {
		if err := req.RetrievalConfig.Validate(); err != nil {
			return nil, err
		}
		kb.RetrievalConfig = *req.RetrievalConfig
	}

	kb.UpdatedAt = time.Now().UTC()
	if err := m.meta.UpdateKB(ctx, kb); err != nil {
		return nil, err
	}
	return kb, nil
}

// Delete removes the KB's collection, then its record. File records go
// with the record via cascade; uploaded files are removed best-effort.
func (m *Manager) Delete(ctx context.Context, id string) error {
	kb, err := m.meta.GetKB(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteCollection(ctx, kb.CollectionName); err != nil {
		return err
	}
	if err := m.meta.DeleteKB(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(m.uploadDir, id)); err != nil {
		m.log.Warn("could not remove upload directory", "kb_id", id, "error", err)
	}
	m.log.Info("knowledge base deleted", "kb_id", id, "name", kb.Name)
	return nil
}

// UploadFile stores the uploaded content under the KB's upload
// directory and registers a pending file record. Duplicate file names
// within a KB are rejected; delete the old file first to replace it.
func (m *Manager) UploadFile(ctx context.Context, kbID, fileName string, r io.Reader) (*kbstore.FileEntity, error) {
	kb, err := m.meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	if fileName == "" || fileName != filepath.Base(fileName) {
		return nil, rerrors.Validation(fmt.Sprintf("invalid file name %q", fileName), nil)
	}
	if !m.registry.Supports(fileName) {
		return nil, rerrors.New(rerrors.ErrCodeUnsupportedFormat,
			fmt.Sprintf("unsupported file format %q", filepath.Ext(fileName)), nil)
	}

	dir := filepath.Join(m.uploadDir, kb.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rerrors.Wrap(rerrors.ErrCodeInternal, err)
	}
	path := filepath.Join(dir, fileName)

	size, sum, err := m.writeUpload(path, r)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	file := &kbstore.FileEntity{
		ID:          "file_" + uuid.NewString(),
		KBID:        kb.ID,
		FileName:    fileName,
		FilePath:    path,
		FileSize:    size,
		ContentType: loader.DetectContentType(path),
		FileMD5:     sum,
		Status:      kbstore.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.meta.AddFile(ctx, file); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	m.log.Info("file uploaded", "kb_id", kb.ID, "file_id", file.ID,
		"file", fileName, "size", size, "md5", sum)
	return file, nil
}

// writeUpload copies the upload to disk, hashing as it goes and
// enforcing the size cap. The partial file is removed on failure.
func (m *Manager) writeUpload(path string, r io.Reader) (int64, string, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, "", rerrors.Wrap(rerrors.ErrCodeInternal, err)
	}

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(out, hash), io.LimitReader(r, m.maxFileSize+1))
	cerr := out.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, "", rerrors.Wrap(rerrors.ErrCodeInternal, err)
	}
	if size > m.maxFileSize {
		_ = os.Remove(path)
		return 0, "", rerrors.New(rerrors.ErrCodeFileTooLarge,
			fmt.Sprintf("file exceeds the %d byte limit", m.maxFileSize), nil)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

// IngestFile runs a pending file through the pipeline.
func (m *Manager) IngestFile(ctx context.Context, kbID, fileID string) (*ingest.Report, error) {
	kb, err := m.meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}
	file, err := m.meta.GetFile(ctx, kbID, fileID)
	if err != nil {
		return nil, err
	}
	return m.pipeline.IngestFile(ctx, kb, file)
}

// GetFile returns one file record.
func (m *Manager) GetFile(ctx context.Context, kbID, fileID string) (*kbstore.FileEntity, error) {
	return m.meta.GetFile(ctx, kbID, fileID)
}

// ListFiles returns a filtered page of the KB's file records.
func (m *Manager) ListFiles(ctx context.Context, kbID string, filter kbstore.FileFilter, page, size int) ([]*kbstore.FileEntity, int, error) {
	if _, err := m.meta.GetKB(ctx, kbID); err != nil {
		return nil, 0, err
	}
	return m.meta.ListFiles(ctx, kbID, filter, page, size)
}

// CancelFile cancels a file that has not reached the persisting stage.
func (m *Manager) CancelFile(ctx context.Context, kbID, fileID string) error {
	return m.meta.UpdateFileStatus(ctx, kbID, fileID, kbstore.StatusCancelled, 0, "")
}

// DeleteFile removes the file's vectors, its record, and its upload.
// A succeeded file's chunks are subtracted from the KB counters.
func (m *Manager) DeleteFile(ctx context.Context, kbID, fileID string) error {
	kb, err := m.meta.GetKB(ctx, kbID)
	if err != nil {
		return err
	}
	file, err := m.meta.GetFile(ctx, kbID, fileID)
	if err != nil {
		return err
	}

	if file.Status == kbstore.StatusSucceeded {
		if err := m.store.DeleteByFile(ctx, kb.CollectionName, fileID); err != nil {
			return err
		}
		if err := m.meta.AddCounts(ctx, kbID, -1, -file.ChunkCount); err != nil {
			return err
		}
	}
	if err := m.meta.DeleteFile(ctx, kbID, fileID); err != nil {
		return err
	}
	if err := os.Remove(file.FilePath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("could not remove uploaded file", "path", file.FilePath, "error", err)
	}
	m.log.Info("file deleted", "kb_id", kbID, "file_id", fileID, "file", file.FileName)
	return nil
}

// QueryOptions override individual retrieval settings for one query.
// Nil fields fall back to the KB's stored configuration.
type QueryOptions struct {
	Mode                *kbstore.RetrievalMode
	TopK                *int
	SimilarityThreshold *float64
	VectorWeight        *float64
	KeywordWeight       *float64
}

// Query runs a retrieval against the KB with its stored configuration,
// selectively overridden by opts.
func (m *Manager) Query(ctx context.Context, kbID, query string, opts *QueryOptions) ([]search.Result, error) {
	if n := len([]rune(query)); n > m.maxQueryLen {
		return nil, rerrors.New(rerrors.ErrCodeQueryTooLong,
			fmt.Sprintf("query length %d exceeds the %d character limit", n, m.maxQueryLen), nil)
	}
	kb, err := m.meta.GetKB(ctx, kbID)
	if err != nil {
		return nil, err
	}

	cfg := kb.RetrievalConfig
	if opts != nil {
		if opts.Mode != nil {
			cfg.Mode = *opts.Mode
		}
		if opts.TopK != nil {
			cfg.TopK = *opts.TopK
		}
		if opts.SimilarityThreshold != nil {
			cfg.SimilarityThreshold = *opts.SimilarityThreshold
		}
		if opts.VectorWeight != nil {
			cfg.VectorWeight = *opts.VectorWeight
		}
		if opts.KeywordWeight != nil {
			cfg.KeywordWeight = *opts.KeywordWeight
		}
	}
	return m.engine.Search(ctx, kb.CollectionName, query, cfg)
}

// Healthy probes the vector store and the embedding service.
func (m *Manager) Healthy(ctx context.Context) (vectorOK, embedOK bool) {
	return m.store.Healthy(ctx), m.embedder.Available(ctx)
}
