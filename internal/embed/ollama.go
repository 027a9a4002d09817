package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
)

// OllamaEmbedder generates embeddings using Ollama's HTTP API.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport // kept for connection cleanup
	config    OllamaConfig
	modelName string
	dims      int

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates a new Ollama embedder.
// Unless SkipHealthCheck is set, it probes the service, verifies the
// model is installed, and detects the embedding dimension.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = DefaultBackoffInitial
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = DefaultBackoffFactor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		MaxConnsPerHost:     cfg.PoolSize * 2,
		IdleConnTimeout:     30 * time.Second,
	}

	// No http.Client.Timeout: it would override the per-request context
	// timeouts that distinguish cold model loads from warm requests.
	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		// Cold model loads take far longer than a warm request allows.
		checkCtx, cancel := context.WithTimeout(ctx, DefaultColdTimeout)
		defer cancel()

		if err := e.verifyModel(checkCtx); err != nil {
			transport.CloseIdleConnections()
			return nil, err
		}

		if e.dims == 0 {
			dims, err := e.detectDimensions(checkCtx)
			if err != nil {
				transport.CloseIdleConnections()
				return nil, err
			}
			e.dims = dims
		}
	}

	return e, nil
}

// listModels gets available models from Ollama.
func (e *OllamaEmbedder) listModels(ctx context.Context) ([]ollamaModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, rerrors.New(rerrors.ErrCodeServiceUnavailable,
			"failed to connect to Ollama", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, rerrors.Embedding(
			fmt.Sprintf("unexpected status %d from /api/tags: %s", resp.StatusCode, string(body)), nil)
	}

	var result ollamaModelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Models, nil
}

// verifyModel checks the configured model is installed. Model names
// match with or without the tag suffix ("bge-m3" matches "bge-m3:latest").
func (e *OllamaEmbedder) verifyModel(ctx context.Context) error {
	models, err := e.listModels(ctx)
	if err != nil {
		return err
	}

	want := strings.ToLower(e.config.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			e.modelName = m.Name
			return nil
		}
	}

	return rerrors.Embedding(
		fmt.Sprintf("embedding model %q is not installed in Ollama", e.config.Model), nil)
}

// detectDimensions embeds a probe text to learn the model's dimension.
func (e *OllamaEmbedder) detectDimensions(ctx context.Context) (int, error) {
	embeddings, err := e.doEmbed(ctx, []string{"dimension detection"})
	if err != nil {
		return 0, fmt.Errorf("failed to detect embedding dimensions: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return 0, rerrors.Embedding("empty embedding returned during dimension detection", nil)
	}
	return len(embeddings[0]), nil
}

// EmbedQuery generates an embedding for a single query text.
func (e *OllamaEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		return make([]float32, e.dims), nil
	}

	embeddings, err := e.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, rerrors.Embedding("no embedding returned", nil)
	}
	return embeddings[0], nil
}

// EmbedDocuments generates embeddings for multiple texts in batches.
// Output preserves input order. A batch that exhausts its retries falls
// back to per-item embedding to isolate the offending text; if an item
// still fails the whole call fails with that error.
func (e *OllamaEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	// Whitespace-only texts get zero vectors without an API call.
	type indexedText struct {
		idx  int
		text string
	}
	var nonEmpty []indexedText
	results := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			results[i] = make([]float32, e.dims)
		} else {
			nonEmpty = append(nonEmpty, indexedText{i, text})
		}
	}

	for start := 0; start < len(nonEmpty); start += e.config.BatchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := min(start+e.config.BatchSize, len(nonEmpty))
		batch := nonEmpty[start:end]
		batchTexts := make([]string, len(batch))
		for i, it := range batch {
			batchTexts[i] = it.text
		}

		embeddings, err := e.embedWithRetry(ctx, batchTexts)
		if err != nil && len(batchTexts) > 1 && rerrors.IsRetryable(err) {
			slog.Warn("batch embedding failed, isolating per item",
				slog.Int("batch_size", len(batchTexts)),
				slog.String("error", err.Error()))
			embeddings, err = e.embedPerItem(ctx, batchTexts)
		}
		if err != nil {
			return nil, err
		}

		for i, emb := range embeddings {
			results[batch[i].idx] = emb
		}

		if e.config.InterBatchDelay > 0 && end < len(nonEmpty) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.config.InterBatchDelay):
			}
		}
	}

	return results, nil
}

// embedPerItem embeds each text individually after a batch failure.
func (e *OllamaEmbedder) embedPerItem(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		embeddings, err := e.embedWithRetry(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("text %d of %d failed after batch fallback: %w", i+1, len(texts), err)
		}
		if len(embeddings) == 0 {
			return nil, rerrors.Embedding("no embedding returned", nil)
		}
		results[i] = embeddings[0]
	}
	return results, nil
}

// embedWithRetry wraps doEmbed with the configured backoff policy.
// Dimension mismatches are not retryable and abort immediately.
func (e *OllamaEmbedder) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	cfg := rerrors.RetryConfig{
		MaxRetries:   e.config.MaxRetries,
		InitialDelay: e.config.BackoffInitial,
		MaxDelay:     DefaultBackoffCap,
		Multiplier:   e.config.BackoffFactor,
	}

	return rerrors.RetryWithResult(ctx, cfg, func() ([][]float32, error) {
		reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		embeddings, err := e.doEmbed(reqCtx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		return embeddings, nil
	})
}

// doEmbed performs a single /api/embed request.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.modelName, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, rerrors.Timeout("embedding request timed out", err)
		}
		return nil, rerrors.Embedding("embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, rerrors.Embedding(
			fmt.Sprintf("embedding failed with status %d: %s", resp.StatusCode, string(respBody)), nil)
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, rerrors.Embedding("failed to decode embedding response", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, rerrors.Embedding(
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(result.Embeddings)), nil)
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		if e.dims > 0 && len(emb) != e.dims {
			return nil, rerrors.New(rerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("embedding dimension %d does not match expected %d", len(emb), e.dims), nil)
		}
		embedding := make([]float32, len(emb))
		for j, v := range emb {
			embedding[j] = float32(v)
		}
		embeddings[i] = normalizeVector(embedding)
	}

	return embeddings, nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.modelName
}

// Available checks if Ollama is running and the model is installed.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	if e.checkOpen() != nil {
		return false
	}

	models, err := e.listModels(ctx)
	if err != nil {
		return false
	}

	want := strings.ToLower(e.modelName)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			return true
		}
	}
	return false
}

// Close releases resources.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}
	return nil
}

func (e *OllamaEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}
