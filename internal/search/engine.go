package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dyd1976jp/rag5-simplified-001/internal/embed"
	rerrors "github.com/dyd1976jp/rag5-simplified-001/internal/errors"
	"github.com/dyd1976jp/rag5-simplified-001/internal/kbstore"
	"github.com/dyd1976jp/rag5-simplified-001/internal/vectordb"
)

// Engine retrieves chunks from one collection per call. It is stateless
// across calls and safe for concurrent use.
type Engine struct {
	embedder    embed.Embedder
	store       vectordb.Store
	expander    *Expander
	scrollLimit int
	log         *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSynonyms installs a synonym table for keyword-query expansion.
func WithSynonyms(synonyms map[string][]string) Option {
	return func(e *Engine) { e.expander = NewExpander(synonyms) }
}

// WithScrollLimit overrides the keyword-path payload cap.
func WithScrollLimit(limit int) Option {
	return func(e *Engine) { e.scrollLimit = limit }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// NewEngine builds a retrieval engine over the given embedder and
// vector store.
func NewEngine(embedder embed.Embedder, store vectordb.Store, opts ...Option) *Engine {
	e := &Engine{
		embedder:    embedder,
		store:       store,
		expander:    NewExpander(nil),
		scrollLimit: DefaultScrollLimit,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search dispatches on the retrieval mode. Vector mode is adaptive:
// the similarity threshold relaxes when it yields fewer results than
// the configured target.
func (e *Engine) Search(ctx context.Context, collection, query string, cfg kbstore.RetrievalConfig) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, rerrors.New(rerrors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case kbstore.ModeVector:
		return e.AdaptiveSearch(ctx, collection, query, cfg)
	case kbstore.ModeFulltext:
		return e.KeywordSearch(ctx, collection, query, cfg.TopK)
	case kbstore.ModeHybrid:
		return e.HybridSearch(ctx, collection, query, cfg)
	default:
		return nil, rerrors.Validation("unknown retrieval mode "+string(cfg.Mode), nil)
	}
}

// VectorSearch embeds the query and returns the nearest chunks above
// the threshold.
func (e *Engine) VectorSearch(ctx context.Context, collection, query string, limit int, threshold float64) ([]Result, error) {
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return e.vectorSearchWith(ctx, collection, vector, limit, threshold)
}

func (e *Engine) vectorSearchWith(ctx context.Context, collection string, vector []float32, limit int, threshold float64) ([]Result, error) {
	t := float32(threshold)
	hits, err := e.store.Search(ctx, collection, vector, limit, &t)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, hitToResult(h))
	}
	return results, nil
}

// AdaptiveSearch runs vector retrieval, relaxing the threshold by
// AdaptiveThresholdFactor between attempts until the target result
// count is met, the floor is reached, or attempts are exhausted. The
// first attempt meeting the target wins; otherwise the largest result
// set seen is returned. The query is embedded once.
func (e *Engine) AdaptiveSearch(ctx context.Context, collection, query string, cfg kbstore.RetrievalConfig) ([]Result, error) {
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	threshold := cfg.SimilarityThreshold
	var best []Result
	for attempt := 1; attempt <= AdaptiveMaxAttempts; attempt++ {
		results, err := e.vectorSearchWith(ctx, collection, vector, cfg.TopK, threshold)
		if err != nil {
			return nil, err
		}
		if len(results) >= cfg.AdaptiveTargetResults {
			return results, nil
		}
		if len(results) > len(best) {
			best = results
		}
		if threshold <= cfg.AdaptiveMinThreshold {
			break
		}
		next := threshold * AdaptiveThresholdFactor
		if next < cfg.AdaptiveMinThreshold {
			next = cfg.AdaptiveMinThreshold
		}
		e.log.Debug("adaptive retrieval relaxing threshold",
			"collection", collection, "attempt", attempt,
			"threshold", threshold, "next", next, "results", len(results))
		threshold = next
	}
	return best, nil
}

// KeywordSearch scores chunks by term frequency weighted with an
// inverse-document-frequency estimate over the scrolled collection.
// Only chunks matching at least one query term are returned.
func (e *Engine) KeywordSearch(ctx context.Context, collection, query string, topK int) ([]Result, error) {
	terms := e.expander.Expand(uniqueTerms(Tokenize(query)))
	if len(terms) == 0 {
		return nil, nil
	}

	points, err := e.store.Scroll(ctx, collection, e.scrollLimit)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}

	type scored struct {
		counts map[string]int
		point  vectordb.Point
	}
	docs := make([]scored, 0, len(points))
	df := make(map[string]int, len(terms))
	for _, p := range points {
		text, _ := p.Payload["text"].(string)
		counts := termCounts(Tokenize(text))
		docs = append(docs, scored{counts: counts, point: p})
		for _, t := range terms {
			if counts[t] > 0 {
				df[t]++
			}
		}
	}

	n := float64(len(points))
	var results []Result
	for _, d := range docs {
		var score float64
		for _, t := range terms {
			tf := d.counts[t]
			if tf == 0 {
				continue
			}
			score += float64(tf) * math.Log(1+n/float64(1+df[t]))
		}
		if score <= 0 {
			continue
		}
		r := hitToResult(vectordb.Hit{ID: d.point.ID, Payload: d.point.Payload})
		r.Score = score
		results = append(results, r)
	}

	sortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// HybridSearch runs the vector and keyword legs in parallel, each
// over-fetching to 2x top_k, min-max normalizes both score lists, and
// fuses them as vector_weight*v + keyword_weight*k. A chunk found by
// both legs gets both contributions.
func (e *Engine) HybridSearch(ctx context.Context, collection, query string, cfg kbstore.RetrievalConfig) ([]Result, error) {
	limit := cfg.TopK * hybridOverfetch

	var vecResults, kwResults []Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecResults, err = e.VectorSearch(gctx, collection, query, limit, cfg.SimilarityThreshold)
		return err
	})
	g.Go(func() error {
		var err error
		kwResults, err = e.KeywordSearch(gctx, collection, query, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	normalizeScores(vecResults)
	normalizeScores(kwResults)

	fused := make(map[string]*Result, len(vecResults)+len(kwResults))
	for i := range vecResults {
		r := vecResults[i]
		r.Score *= cfg.VectorWeight
		fused[r.ID] = &r
	}
	for i := range kwResults {
		r := kwResults[i]
		weighted := r.Score * cfg.KeywordWeight
		if prev, ok := fused[r.ID]; ok {
			prev.Score += weighted
			continue
		}
		r.Score = weighted
		fused[r.ID] = &r
	}

	results := make([]Result, 0, len(fused))
	for _, r := range fused {
		results = append(results, *r)
	}
	sortResults(results)
	if len(results) > cfg.TopK {
		results = results[:cfg.TopK]
	}
	return results, nil
}

// normalizeScores rescales scores to [0, 1] by min-max. A list whose
// scores are all equal normalizes to 1.0.
func normalizeScores(results []Result) {
	if len(results) == 0 {
		return
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < lo {
			lo = r.Score
		}
		if r.Score > hi {
			hi = r.Score
		}
	}
	for i := range results {
		if hi == lo {
			results[i].Score = 1.0
		} else {
			results[i].Score = (results[i].Score - lo) / (hi - lo)
		}
	}
}

// sortResults orders by descending score; ties break to the lower
// chunk index, then the lower ID, so equal-scored output is stable
// across runs.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].ChunkIndex != results[j].ChunkIndex {
			return results[i].ChunkIndex < results[j].ChunkIndex
		}
		return results[i].ID < results[j].ID
	})
}

func hitToResult(h vectordb.Hit) Result {
	r := Result{
		ID:       h.ID,
		Score:    float64(h.Score),
		Metadata: h.Payload,
	}
	if s, ok := h.Payload["text"].(string); ok {
		r.Content = s
	}
	if s, ok := h.Payload["source"].(string); ok {
		r.Source = s
	}
	r.ChunkIndex = payloadInt(h.Payload["chunk_index"])
	return r
}

// payloadInt converts the integer shapes a payload round-trip can
// produce.
func payloadInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
