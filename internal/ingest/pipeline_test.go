package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyd1976jp/rag5-simplified-001/internal/chunk"
	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
	"github.com/dyd1976jp/rag5-simplified-001/internal/vectordb"
)

// stubEmbedder returns unit vectors and can be told to fail or to
// drift to the wrong dimension.
type stubEmbedder struct {
	fail     bool
	wrongDim bool
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, rerrors.New(rerrors.ErrCodeEmbeddingFailed, "embedding service down", nil)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
		if s.wrongDim {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int                    { return 2 }
func (s *stubEmbedder) ModelName() string                  { return "stub" }
func (s *stubEmbedder) Available(ctx context.Context) bool { return true }
func (s *stubEmbedder) Close() error                       { return nil }

// memStore records upserted points per collection.
type memStore struct {
	mu          sync.Mutex
	collections map[string][]vectordb.Point
	deleted     []string
}

func newMemStore() *memStore {
	return &memStore{collections: make(map[string][]vectordb.Point)}
}

func (m *memStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = nil
	}
	return nil
}

func (m *memStore) DeleteCollection(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	m.deleted = append(m.deleted, name)
	return nil
}

func (m *memStore) Upsert(ctx context.Context, name string, points []vectordb.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[name] = append(m.collections[name], points...)
	return nil
}

func (m *memStore) Search(ctx context.Context, name string, vector []float32, limit int, threshold *float32) ([]vectordb.Hit, error) {
	return nil, nil
}

func (m *memStore) Scroll(ctx context.Context, name string, limit int) ([]vectordb.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]vectordb.Point(nil), m.collections[name]...), nil
}

func (m *memStore) DeleteByFile(ctx context.Context, name, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.collections[name][:0]
	for _, p := range m.collections[name] {
		if p.Payload["file_id"] != fileID {
			kept = append(kept, p)
		}
	}
	m.collections[name] = kept
	return nil
}

func (m *memStore) Count(ctx context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.collections[name])), nil
}

func (m *memStore) Info(ctx context.Context, name string) (vectordb.CollectionStats, error) {
	return vectordb.CollectionStats{}, nil
}

func (m *memStore) Healthy(ctx context.Context) bool { return true }
func (m *memStore) Close() error                     { return nil }

func (m *memStore) points(name string) []vectordb.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]vectordb.Point(nil), m.collections[name]...)
}

type fixture struct {
	pipeline *Pipeline
	meta     *kbstore.Store
	store    *memStore
	embedder *stubEmbedder
	kb       *kbstore.KnowledgeBase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	meta, err := kbstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	kb := &kbstore.KnowledgeBase{
		ID:                 "kb_test",
		Name:               "test",
		EmbeddingModel:     "stub",
		EmbeddingDimension: 2,
		CollectionName:     "kb_test",
		ChunkConfig:        chunk.Config{ChunkSize: 64, ChunkOverlap: 8, RespectSentenceBoundary: true},
		RetrievalConfig:    kbstore.DefaultRetrievalConfig(),
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	require.NoError(t, meta.CreateKB(context.Background(), kb))

	store := newMemStore()
	embedder := &stubEmbedder{}
	return &fixture{
		pipeline: NewPipeline(loader.NewRegistry(loader.DefaultMaxFileSize), embedder, store, meta),
		meta:     meta,
		store:    store,
		embedder: embedder,
		kb:       kb,
	}
}

func (f *fixture) addFile(t *testing.T, path string) *kbstore.FileEntity {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	now := time.Now().UTC()
	file := &kbstore.FileEntity{
		ID:        "file_" + uuid.NewString(),
		KBID:      f.kb.ID,
		FileName:  filepath.Base(path),
		FilePath:  path,
		FileSize:  info.Size(),
		Status:    kbstore.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.meta.AddFile(context.Background(), file))
	return file
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestFile_Succeeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := writeFile(t, t.TempDir(), "doc.txt",
		"First sentence of the document. Second sentence with more words. Third closes it out.")
	file := f.addFile(t, path)

	report, err := f.pipeline.IngestFile(ctx, f.kb, file)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DocumentsLoaded)
	assert.Greater(t, report.ChunksCreated, 0)
	assert.Equal(t, report.ChunksCreated, report.VectorsUploaded)

	got, err := f.meta.GetFile(ctx, f.kb.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, kbstore.StatusSucceeded, got.Status)
	assert.Equal(t, report.ChunksCreated, got.ChunkCount)

	kb, err := f.meta.GetKB(ctx, f.kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, kb.DocumentCount)
	assert.Equal(t, report.ChunksCreated, kb.ChunkCount)

	points := f.store.points(f.kb.CollectionName)
	require.Len(t, points, report.ChunksCreated)
	for _, p := range points {
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, "kb_test", p.Payload["kb_id"])
		assert.Equal(t, file.ID, p.Payload["file_id"])
		assert.Equal(t, "doc.txt", p.Payload["source"])
		assert.NotEmpty(t, p.Payload["text"])
		assert.Contains(t, p.Payload, "chunk_index")
	}
}

func TestIngestFile_EmptyDocumentSucceedsWithZeroChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.addFile(t, writeFile(t, t.TempDir(), "empty.txt", ""))

	report, err := f.pipeline.IngestFile(ctx, f.kb, file)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ChunksCreated)
	assert.Equal(t, 0, report.VectorsUploaded)

	got, err := f.meta.GetFile(ctx, f.kb.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, kbstore.StatusSucceeded, got.Status)
	assert.Empty(t, f.store.points(f.kb.CollectionName))
}

func TestIngestFile_LoaderFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	file := f.addFile(t, writeFile(t, t.TempDir(), "doc.txt", "content"))
	file.FilePath = filepath.Join(t.TempDir(), "gone.txt")

	_, err := f.pipeline.IngestFile(ctx, f.kb, file)
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeFileNotFound, rerrors.GetCode(err))

	got, err := f.meta.GetFile(ctx, f.kb.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, kbstore.StatusFailed, got.Status)
	assert.NotEmpty(t, got.FailedReason)
}

func TestIngestFile_EmbedFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.embedder.fail = true
	ctx := context.Background()

	file := f.addFile(t, writeFile(t, t.TempDir(), "doc.txt", "Some content to embed."))

	_, err := f.pipeline.IngestFile(ctx, f.kb, file)
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeEmbeddingFailed, rerrors.GetCode(err))

	got, err := f.meta.GetFile(ctx, f.kb.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, kbstore.StatusFailed, got.Status)
	assert.Empty(t, f.store.points(f.kb.CollectionName))

	kb, err := f.meta.GetKB(ctx, f.kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, kb.DocumentCount, "counters must not move on failure")
}

func TestIngestFile_DimensionDriftFailsBeforeUpsert(t *testing.T) {
	f := newFixture(t)
	f.embedder.wrongDim = true
	ctx := context.Background()

	file := f.addFile(t, writeFile(t, t.TempDir(), "doc.txt", "Content embedded at the wrong width."))

	_, err := f.pipeline.IngestFile(ctx, f.kb, file)
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeDimensionMismatch, rerrors.GetCode(err))

	got, err := f.meta.GetFile(ctx, f.kb.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, kbstore.StatusFailed, got.Status)
	assert.Empty(t, f.store.points(f.kb.CollectionName), "nothing may reach the collection")
}

func TestIngestDirectory_ProcessesSupportedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "Document a has some sentences. They are short.")
	writeFile(t, dir, "b.md", "# Heading\n\nDocument b body text under the heading.")
	binPath := writeFile(t, dir, "ignored.bin", "\x00\x01\x02")

	report, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.SkippedFiles)
	assert.GreaterOrEqual(t, report.DocumentsLoaded, 2)
	require.Len(t, report.FailedFiles, 1, "the unloadable file must be reported")
	assert.Equal(t, binPath, report.FailedFiles[0])

	_, total, err := f.meta.ListFiles(ctx, f.kb.ID, kbstore.FileFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total, "only supported files get records")
}

func TestIngestDirectory_UnsupportedFileFailsSiblingSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "good.txt", "A perfectly loadable document.")
	zipPath := writeFile(t, dir, "archive.zip", "PK\x03\x04not really an archive")

	report, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DocumentsLoaded)
	require.Len(t, report.FailedFiles, 1)
	assert.Equal(t, zipPath, report.FailedFiles[0])
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], rerrors.ErrCodeUnsupportedFormat)
}

func TestIngestDirectory_SkipsUnchangedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "Stable content that will not change.")

	first, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 0, first.SkippedFiles)

	second, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 1, second.SkippedFiles)
	assert.Equal(t, 0, second.DocumentsLoaded)
}

func TestIngestDirectory_ReingestsModifiedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "Original content of the file.")

	_, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("Changed content of the file."), 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	report, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 0, report.SkippedFiles)
	assert.Equal(t, 1, report.DocumentsLoaded)
}

func TestIngestDirectory_ForceResetsCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "Content that gets re-ingested on force.")

	_, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)

	report, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, true)
	require.NoError(t, err)
	assert.Contains(t, f.store.deleted, f.kb.CollectionName)
	assert.Equal(t, 1, report.DocumentsLoaded, "force ignores the mtime cache")
}

func TestIngestDirectory_PartialFailureContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, dir, "good.txt", "A perfectly fine document.")
	bad := writeFile(t, dir, "bad.pdf", "not really a pdf")

	report, err := f.pipeline.IngestDirectory(ctx, f.kb, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DocumentsLoaded)
	require.Len(t, report.FailedFiles, 1)
	assert.Equal(t, bad, report.FailedFiles[0])
	assert.NotEmpty(t, report.Errors)
}
