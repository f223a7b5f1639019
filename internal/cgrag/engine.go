// Package cgrag implements contextually-guided retrieval: query embedding
// (with a small embedding cache), vector search bounded in time, relevance
// filtering, and deterministic greedy packing into a token budget.
//
// The engine never fails a query over retrieval problems: an absent index,
// an unreachable embedder, or a search timeout all produce an empty result
// carrying a diagnostic, and the caller proceeds without context.
package cgrag

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/synapsehq/synapse/internal/config"
	"github.com/synapsehq/synapse/internal/embeddings"
	"github.com/synapsehq/synapse/internal/metrics"
	"github.com/synapsehq/synapse/pkg/models"
)

// embedCacheSize bounds the query-embedding LRU.
const embedCacheSize = 512

// Embedder is the slice of the embedding client the engine uses.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the slice of the vector store the engine uses.
type Searcher interface {
	Ready() bool
	Search(ctx context.Context, query []float32, topK int) ([]models.Artifact, error)
}

// Engine packs context for queries.
type Engine struct {
	cfg      config.CGRAGConfig
	embedder Embedder
	store    Searcher

	// Query-embedding LRU, keyed by normalized query text.
	mu    sync.Mutex
	ll    *list.List
	cache map[string]*list.Element
}

type cachedVec struct {
	key string
	vec []float32
}

// New creates the engine over an embedder and a chunk store.
func New(cfg config.CGRAGConfig, embedder Embedder, store Searcher) *Engine {
	return &Engine{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		ll:       list.New(),
		cache:    make(map[string]*list.Element),
	}
}

// Retrieve builds a token-bounded context pack for query. Nil option fields
// fall back to configured defaults; an explicit budget of 0 yields an empty
// pack.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) models.RetrievalResult {
	start := time.Now()
	budget := e.cfg.TokenBudget
	if opts.Budget != nil {
		budget = *opts.Budget
	}
	minRel := e.cfg.MinRelevance
	if opts.MinRelevance != nil {
		minRel = *opts.MinRelevance
	}

	res := e.retrieve(ctx, query, budget, minRel)
	res.Latency = time.Since(start)
	metrics.RetrievalLatency.Observe(res.Latency.Seconds())
	return res
}

// Options are per-request retrieval overrides. Nil fields use config defaults.
type Options struct {
	Budget       *int
	MinRelevance *float64
}

func (e *Engine) retrieve(ctx context.Context, query string, budget int, minRel float64) models.RetrievalResult {
	if budget <= 0 {
		return models.RetrievalResult{Diagnostic: "token budget is zero"}
	}
	if !e.store.Ready() {
		return models.RetrievalResult{Diagnostic: "no chunk index loaded"}
	}

	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		log.Warn().Err(err).Msg("query embedding unavailable, skipping retrieval")
		return models.RetrievalResult{Diagnostic: "embedder unavailable: " + err.Error()}
	}

	searchCtx := ctx
	if e.cfg.SearchTime > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, e.cfg.SearchTime)
		defer cancel()
	}
	candidates, err := e.store.Search(searchCtx, vec, searchK(budget))
	if err != nil {
		log.Warn().Err(err).Msg("vector search failed, skipping retrieval")
		return models.RetrievalResult{Diagnostic: "search failed: " + err.Error()}
	}

	return pack(candidates, budget, minRel)
}

// searchK tunes how many candidates to fetch from the store: larger budgets
// can hold more artifacts.
func searchK(budget int) int {
	k := budget / 128
	if k < 8 {
		k = 8
	}
	if k > 64 {
		k = 64
	}
	return k
}

// pack greedily fills the budget in descending relevance, ties broken by
// chunk id so identical inputs always produce identical packs. Packing stops
// at the first artifact that would exceed the budget.
func pack(candidates []models.Artifact, budget int, minRel float64) models.RetrievalResult {
	kept := make([]models.Artifact, 0, len(candidates))
	for _, a := range candidates {
		if a.Relevance >= minRel {
			kept = append(kept, a)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Relevance != kept[j].Relevance {
			return kept[i].Relevance > kept[j].Relevance
		}
		return kept[i].ChunkID < kept[j].ChunkID
	})

	var res models.RetrievalResult
	for _, a := range kept {
		if res.TotalTokens+a.Tokens > budget {
			break
		}
		res.Artifacts = append(res.Artifacts, a)
		res.TotalTokens += a.Tokens
	}
	if len(res.Artifacts) == 0 && len(candidates) > 0 {
		res.Diagnostic = "no artifacts met the relevance threshold within budget"
	}
	return res
}

// embedQuery returns the cached vector for the normalized query, calling the
// embedder on miss.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := embeddings.Normalize(query)

	e.mu.Lock()
	if el, ok := e.cache[key]; ok {
		e.ll.MoveToFront(el)
		vec := el.Value.(*cachedVec).vec
		e.mu.Unlock()
		return vec, nil
	}
	e.mu.Unlock()

	vec, err := e.embedder.EmbedOne(ctx, query)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.cache[key]; !ok {
		for e.ll.Len() >= embedCacheSize {
			oldest := e.ll.Back()
			e.ll.Remove(oldest)
			delete(e.cache, oldest.Value.(*cachedVec).key)
		}
		e.cache[key] = e.ll.PushFront(&cachedVec{key: key, vec: vec})
	}
	e.mu.Unlock()
	return vec, nil
}
