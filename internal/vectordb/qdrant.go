package vectordb

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// QdrantStore implements Store over Qdrant's gRPC API.
type QdrantStore struct {
	client *qdrant.Client

	upsertBatchSize int
	maxRetries      int
	retryDelay      time.Duration
	opTimeout       time.Duration
}

var _ Store = (*QdrantStore)(nil)

// QdrantConfig configures the Qdrant store.
type QdrantConfig struct {
	// URL is the Qdrant endpoint, e.g. "http://localhost:6334".
	// The port must be the gRPC port.
	URL string
	// UpsertBatchSize is the number of points per upsert request.
	UpsertBatchSize int
	// MaxRetries is the per-batch retry budget.
	MaxRetries int
	// RetryInitialDelay is the delay before the first retry.
	RetryInitialDelay time.Duration
	// OpTimeout bounds a single store operation.
	OpTimeout time.Duration
}

// NewQdrantStore connects to Qdrant at cfg.URL.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	host, port, err := splitEndpoint(cfg.URL)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid vector store URL %q", cfg.URL), err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, rerrors.VectorStore("failed to create Qdrant client", err)
	}

	if cfg.UpsertBatchSize <= 0 {
		cfg.UpsertBatchSize = DefaultUpsertBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	return &QdrantStore{
		client:          client,
		upsertBatchSize: cfg.UpsertBatchSize,
		maxRetries:      cfg.MaxRetries,
		retryDelay:      cfg.RetryInitialDelay,
		opTimeout:       cfg.OpTimeout,
	}, nil
}

// splitEndpoint extracts host and gRPC port from a URL or host:port pair.
func splitEndpoint(raw string) (string, int, error) {
	if raw == "" {
		return "", 0, fmt.Errorf("empty endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// Bare host:port form
		u = &url.URL{Host: raw}
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("no host in %q", raw)
	}
	port := 6334
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("bad port in %q", raw)
		}
	}
	return host, port, nil
}

// EnsureCollection creates the collection with cosine distance if absent.
// An existing collection is validated against dims.
func (s *QdrantStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return rerrors.VectorStore(fmt.Sprintf("failed to check collection %s", name), err)
	}

	if exists {
		stats, err := s.Info(ctx, name)
		if err != nil {
			return err
		}
		if stats.Dimension != dims {
			return rerrors.New(rerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("collection %s has dimension %d, expected %d", name, stats.Dimension, dims), nil)
		}
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dims),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return rerrors.VectorStore(fmt.Sprintf("failed to create collection %s", name), err)
	}

	slog.Info("collection created", slog.String("collection", name), slog.Int("dims", dims))
	return nil
}

// DeleteCollection removes the collection. Deleting a missing collection
// is not an error.
func (s *QdrantStore) DeleteCollection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return rerrors.VectorStore(fmt.Sprintf("failed to check collection %s", name), err)
	}
	if !exists {
		return nil
	}

	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return rerrors.VectorStore(fmt.Sprintf("failed to delete collection %s", name), err)
	}
	return nil
}

// Upsert writes points in batches with per-batch retry.
func (s *QdrantStore) Upsert(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	retryCfg := rerrors.RetryConfig{
		MaxRetries:   s.maxRetries,
		InitialDelay: s.retryDelay,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	for start := 0; start < len(points); start += s.upsertBatchSize {
		end := min(start+s.upsertBatchSize, len(points))
		batch := points[start:end]

		structs := make([]*qdrant.PointStruct, len(batch))
		for i, p := range batch {
			structs[i] = &qdrant.PointStruct{
				Id:      qdrant.NewID(p.ID),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: qdrant.NewValueMap(p.Payload),
			}
		}

		err := rerrors.Retry(ctx, retryCfg, func() error {
			opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
			defer cancel()

			_, err := s.client.Upsert(opCtx, &qdrant.UpsertPoints{
				CollectionName: name,
				Points:         structs,
				Wait:           qdrant.PtrOf(true),
			})
			if err != nil {
				return rerrors.VectorStore("upsert batch failed", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("upsert to %s failed at point %d of %d: %w", name, start, len(points), err)
		}
	}

	return nil
}

// Search returns hits ordered by descending similarity.
func (s *QdrantStore) Search(ctx context.Context, name string, vector []float32, limit int, scoreThreshold *float32) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	query := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if scoreThreshold != nil {
		query.ScoreThreshold = scoreThreshold
	}

	scored, err := s.client.Query(ctx, query)
	if err != nil {
		return nil, rerrors.VectorStore(fmt.Sprintf("search in %s failed", name), err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, p := range scored {
		hits = append(hits, Hit{
			ID:      p.GetId().GetUuid(),
			Score:   p.GetScore(),
			Payload: payloadToMap(p.GetPayload()),
		})
	}
	return hits, nil
}

// Scroll enumerates up to limit point payloads without vectors.
func (s *QdrantStore) Scroll(ctx context.Context, name string, limit int) ([]Point, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	retrieved, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Limit:          qdrant.PtrOf(uint32(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(false),
	})
	if err != nil {
		return nil, rerrors.VectorStore(fmt.Sprintf("scroll of %s failed", name), err)
	}

	points := make([]Point, 0, len(retrieved))
	for _, p := range retrieved {
		points = append(points, Point{
			ID:      p.GetId().GetUuid(),
			Payload: payloadToMap(p.GetPayload()),
		})
	}
	return points, nil
}

// DeleteByFile removes the points a single file contributed, matched by
// the file_id payload field.
func (s *QdrantStore) DeleteByFile(ctx context.Context, name, fileID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: name,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("file_id", fileID),
			},
		}),
		Wait: qdrant.PtrOf(true),
	})
	if err != nil {
		return rerrors.VectorStore(fmt.Sprintf("delete of file %s points in %s failed", fileID, name), err)
	}
	return nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context, name string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, rerrors.VectorStore(fmt.Sprintf("count of %s failed", name), err)
	}
	return count, nil
}

// Info returns collection statistics.
func (s *QdrantStore) Info(ctx context.Context, name string) (CollectionStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return CollectionStats{}, rerrors.VectorStore(fmt.Sprintf("info for %s failed", name), err)
	}

	stats := CollectionStats{
		PointsCount: info.GetPointsCount(),
	}
	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		stats.Dimension = int(params.GetSize())
	}
	return stats, nil
}

// Healthy probes the Qdrant health endpoint.
func (s *QdrantStore) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err := s.client.HealthCheck(ctx)
	return err == nil
}

// Close releases the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// payloadToMap converts Qdrant payload values to plain Go values.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = valueToAny(v)
	}
	return out
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = valueToAny(item)
		}
		return list
	case *qdrant.Value_StructValue:
		return payloadToMap(kind.StructValue.GetFields())
	default:
		return nil
	}
}
