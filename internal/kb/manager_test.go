package kb

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/ingest"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/loader"
	"github.com/dyd1976jp/rag5-simplified-001/internal/search"
	"github.com/dyd1976jp/rag5-simplified-001/internal/vectordb"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (stubEmbedder) Dimensions() int                    { return 2 }
func (stubEmbedder) ModelName() string                  { return "stub-model" }
func (stubEmbedder) Available(ctx context.Context) bool { return true }
func (stubEmbedder) Close() error                       { return nil }

// fakeStore tracks collections and points, and can refuse collection
// creation to exercise rollback.
type fakeStore struct {
	mu          sync.Mutex
	collections map[string][]vectordb.Point
	failEnsure  bool
	deletedByID []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{collections: make(map[string][]vectordb.Point)}
}

func (f *fakeStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	if f.failEnsure {
		return rerrors.VectorStore("qdrant unreachable", nil)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = nil
	}
	return nil
}

func (f *fakeStore) DeleteCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *fakeStore) Upsert(ctx context.Context, name string, points []vectordb.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[name] = append(f.collections[name], points...)
	return nil
}

func (f *fakeStore) Search(ctx context.Context, name string, vector []float32, limit int, threshold *float32) ([]vectordb.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []vectordb.Hit
	for _, p := range f.collections[name] {
		hits = append(hits, vectordb.Hit{ID: p.ID, Score: 0.9, Payload: p.Payload})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (f *fakeStore) Scroll(ctx context.Context, name string, limit int) ([]vectordb.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vectordb.Point(nil), f.collections[name]...), nil
}

func (f *fakeStore) DeleteByFile(ctx context.Context, name, fileID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedByID = append(f.deletedByID, fileID)
	kept := f.collections[name][:0]
	for _, p := range f.collections[name] {
		if p.Payload["file_id"] != fileID {
			kept = append(kept, p)
		}
	}
	f.collections[name] = kept
	return nil
}

func (f *fakeStore) Count(ctx context.Context, name string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.collections[name])), nil
}

func (f *fakeStore) Info(ctx context.Context, name string) (vectordb.CollectionStats, error) {
	return vectordb.CollectionStats{Dimension: 2}, nil
}

func (f *fakeStore) Healthy(ctx context.Context) bool { return true }
func (f *fakeStore) Close() error                     { return nil }

func (f *fakeStore) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.collections[name]
	return ok
}

func newManager(t *testing.T) (*Manager, *fakeStore, *kbstore.Store) {
	t.Helper()
	meta, err := kbstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	store := newFakeStore()
	embedder := stubEmbedder{}
	registry := loader.NewRegistry(loader.DefaultMaxFileSize)
	pipeline := ingest.NewPipeline(registry, embedder, store, meta)
	engine := search.NewEngine(embedder, store)
	m := NewManager(meta, store, embedder, registry, pipeline, engine, t.TempDir())
	return m, store, meta
}

func TestCreate_ProvisionsCollection(t *testing.T) {
	m, store, _ := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "docs", Description: "project docs"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(kb.ID, "kb_"))
	assert.Equal(t, kb.ID, kb.CollectionName)
	assert.Equal(t, "stub-model", kb.EmbeddingModel)
	assert.Equal(t, 2, kb.EmbeddingDimension)
	assert.True(t, store.has(kb.CollectionName))
}

func TestCreate_RejectsBadNames(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	for _, name := range []string{"", "a", "has space", "中文"} {
		_, err := m.Create(ctx, CreateRequest{Name: name})
		assert.Error(t, err, "name %q must be rejected", name)
	}
}

func TestCreate_CollectionFailureRollsBackRecord(t *testing.T) {
	m, store, meta := newManager(t)
	store.failEnsure = true
	ctx := context.Background()

	_, err := m.Create(ctx, CreateRequest{Name: "doomed"})
	require.Error(t, err)

	_, err = meta.GetKBByName(ctx, "doomed")
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeNotFound, rerrors.GetCode(err))
}

func TestUpdate_ImmutableFieldsRejected(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "frozen"})
	require.NoError(t, err)

	model := "other-model"
	_, err = m.Update(ctx, kb.ID, UpdateRequest{EmbeddingModel: &model})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeImmutableField, rerrors.GetCode(err))

	dims := 999
	_, err = m.Update(ctx, kb.ID, UpdateRequest{EmbeddingDimension: &dims})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeImmutableField, rerrors.GetCode(err))

	// Restating the current values is a no-op, not an error.
	same := kb.EmbeddingModel
	updated, err := m.Update(ctx, kb.ID, UpdateRequest{EmbeddingModel: &same})
	require.NoError(t, err)
	assert.Equal(t, kb.EmbeddingModel, updated.EmbeddingModel)
}

func TestUpdate_MutableFields(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "mutable"})
	require.NoError(t, err)

	desc := "new description"
	retrieval := kbstore.DefaultRetrievalConfig()
	retrieval.TopK = 9
	updated, err := m.Update(ctx, kb.ID, UpdateRequest{
		Description:     &desc,
		RetrievalConfig: &retrieval,
	})
	require.NoError(t, err)
	assert.Equal(t, "new description", updated.Description)
	assert.Equal(t, 9, updated.RetrievalConfig.TopK)
}

func TestDelete_RemovesCollectionAndRecord(t *testing.T) {
	m, store, meta := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "transient"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, kb.ID))
	assert.False(t, store.has(kb.CollectionName))

	_, err = meta.GetKB(ctx, kb.ID)
	assert.Equal(t, rerrors.ErrCodeNotFound, rerrors.GetCode(err))
}

func TestUploadFile_RegistersPendingRecord(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "uploads"})
	require.NoError(t, err)

	file, err := m.UploadFile(ctx, kb.ID, "notes.txt", strings.NewReader("some notes here"))
	require.NoError(t, err)
	assert.Equal(t, kbstore.StatusPending, file.Status)
	assert.Equal(t, int64(len("some notes here")), file.FileSize)
	assert.NotEmpty(t, file.FileMD5)
	assert.FileExists(t, file.FilePath)
}

func TestUploadFile_RejectsUnsupportedAndOversized(t *testing.T) {
	m, _, _ := newManager(t)
	m.maxFileSize = 10
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "limits"})
	require.NoError(t, err)

	_, err = m.UploadFile(ctx, kb.ID, "archive.zip", strings.NewReader("x"))
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeUnsupportedFormat, rerrors.GetCode(err))

	_, err = m.UploadFile(ctx, kb.ID, "big.txt", strings.NewReader(strings.Repeat("x", 11)))
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeFileTooLarge, rerrors.GetCode(err))

	_, err = m.UploadFile(ctx, kb.ID, "../escape.txt", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestUploadFile_DuplicateNameConflicts(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "dups"})
	require.NoError(t, err)

	_, err = m.UploadFile(ctx, kb.ID, "same.txt", strings.NewReader("first"))
	require.NoError(t, err)

	_, err = m.UploadFile(ctx, kb.ID, "same.txt", strings.NewReader("second"))
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeDuplicateName, rerrors.GetCode(err))
}

func TestUploadIngestQueryDelete_EndToEnd(t *testing.T) {
	m, store, meta := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "e2e"})
	require.NoError(t, err)

	file, err := m.UploadFile(ctx, kb.ID, "facts.txt",
		strings.NewReader("The warehouse moved to Osaka in 2023. Shipping times improved afterwards."))
	require.NoError(t, err)

	report, err := m.IngestFile(ctx, kb.ID, file.ID)
	require.NoError(t, err)
	assert.Greater(t, report.VectorsUploaded, 0)

	results, err := m.Query(ctx, kb.ID, "warehouse", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, results)

	require.NoError(t, m.DeleteFile(ctx, kb.ID, file.ID))
	assert.Contains(t, store.deletedByID, file.ID)

	got, err := meta.GetKB(ctx, kb.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.DocumentCount)
	assert.Equal(t, 0, got.ChunkCount)

	_, err = meta.GetFile(ctx, kb.ID, file.ID)
	assert.Equal(t, rerrors.ErrCodeNotFound, rerrors.GetCode(err))
}

func TestQuery_LengthLimit(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "longq"})
	require.NoError(t, err)

	_, err = m.Query(ctx, kb.ID, strings.Repeat("q", DefaultMaxQueryLength+1), nil)
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeQueryTooLong, rerrors.GetCode(err))
}

func TestQuery_OverridesApply(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "overrides"})
	require.NoError(t, err)

	_, err = m.UploadFile(ctx, kb.ID, "a.txt", strings.NewReader("alpha beta gamma delta"))
	require.NoError(t, err)
	files, _, err := m.ListFiles(ctx, kb.ID, kbstore.FileFilter{}, 1, 10)
	require.NoError(t, err)
	_, err = m.IngestFile(ctx, kb.ID, files[0].ID)
	require.NoError(t, err)

	mode := kbstore.ModeFulltext
	topK := 1
	results, err := m.Query(ctx, kb.ID, "alpha", &QueryOptions{Mode: &mode, TopK: &topK})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 1)

	// An override that breaks the weight invariant is rejected.
	vw := 0.9
	_, err = m.Query(ctx, kb.ID, "alpha", &QueryOptions{VectorWeight: &vw})
	assert.Error(t, err)
}

func TestCancelFile(t *testing.T) {
	m, _, meta := newManager(t)
	ctx := context.Background()

	kb, err := m.Create(ctx, CreateRequest{Name: "cancels"})
	require.NoError(t, err)
	file, err := m.UploadFile(ctx, kb.ID, "slow.txt", strings.NewReader("content"))
	require.NoError(t, err)

	require.NoError(t, m.CancelFile(ctx, kb.ID, file.ID))
	got, err := meta.GetFile(ctx, kb.ID, file.ID)
	require.NoError(t, err)
	assert.Equal(t, kbstore.StatusCancelled, got.Status)
}
