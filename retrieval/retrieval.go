package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kgrag/hybridrag/llm"
	"github.com/kgrag/hybridrag/store"
)

// defaultMaxHops bounds the graph strategy's BFS when a caller doesn't set
// SearchOptions.MaxHops (e.g. QueryPlanner.Plan produced none).
const defaultMaxHops = 2

// Config holds retrieval engine configuration.
type Config struct {
	WeightVector float64
	WeightFTS    float64
	WeightGraph  float64

	// StrategyDeadline bounds a single retrieval strategy (vector, FTS,
	// graph). A strategy that exceeds it is marked degraded and excluded
	// from fusion. Defaults to 2s.
	StrategyDeadline time.Duration
	// GlobalSoftDeadline bounds the overall fan-out wait. Strategies still
	// in flight when it elapses are marked degraded; fusion proceeds with
	// whatever already arrived. Defaults to 3s.
	GlobalSoftDeadline time.Duration
}

// SearchOptions configures a single search operation.
type SearchOptions struct {
	MaxResults  int
	WeightVec   float64
	WeightFTS   float64
	WeightGraph float64
	// MaxHops bounds the graph strategy's neighbor traversal. Zero means
	// defaultMaxHops.
	MaxHops int
}

// SearchTrace records the full breakdown of a hybrid search operation.
type SearchTrace struct {
	VecResults         int                       `json:"vec_results"`
	FTSResults         int                       `json:"fts_results"`
	GraphResults       int                       `json:"graph_results"`
	FusedResults       int                       `json:"fused_results"`
	VecWeight          float64                   `json:"vec_weight"`
	FTSWeight          float64                   `json:"fts_weight"`
	GraphWeight        float64                   `json:"graph_weight"`
	SynthesisMode      bool                      `json:"synthesis_mode"`
	MaxHops            int                       `json:"max_hops"`
	MaxRequested       int                       `json:"max_requested"`
	FollowUpTerms      []string                  `json:"follow_up_terms,omitempty"`
	FollowUpResults    int                       `json:"follow_up_results,omitempty"`
	FTSQuery           string                    `json:"fts_query"`
	GraphEntities      []string                  `json:"graph_entities"`
	ElapsedMs          int64                     `json:"elapsed_ms"`
	PerResult          map[int64]FusedResultInfo `json:"per_result,omitempty"`
	DegradedStrategies []string                  `json:"degraded_strategies,omitempty"`
	Degraded           bool                      `json:"degraded"`
}

const (
	defaultStrategyDeadline   = 2 * time.Second
	defaultGlobalSoftDeadline = 3 * time.Second
)

// Engine performs hybrid retrieval combining vector, FTS, and graph search.
type Engine struct {
	store      *store.Store
	embedder   llm.Provider
	translator *Translator
	cfg        Config
}

// New creates a new retrieval engine. chatLLM is used for cross-language
// query translation; pass nil to disable translation.
func New(s *store.Store, embedder llm.Provider, chatLLM llm.Provider, cfg Config) *Engine {
	return &Engine{
		store:      s,
		embedder:   embedder,
		translator: NewTranslator(chatLLM, s),
		cfg:        cfg,
	}
}

// Search performs hybrid retrieval using RRF to fuse results from
// vector search, FTS5, and graph-based retrieval.
// Returns fused results and a SearchTrace with the full breakdown.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]store.RetrievalResult, *SearchTrace, error) {
	if opts.MaxResults == 0 {
		opts.MaxResults = 20
	}
	if opts.WeightVec == 0 {
		opts.WeightVec = e.cfg.WeightVector
	}
	if opts.WeightFTS == 0 {
		opts.WeightFTS = e.cfg.WeightFTS
	}
	if opts.WeightGraph == 0 {
		opts.WeightGraph = e.cfg.WeightGraph
	}

	if opts.MaxHops <= 0 {
		opts.MaxHops = defaultMaxHops
	}

	trace := &SearchTrace{
		VecWeight:   opts.WeightVec,
		FTSWeight:   opts.WeightFTS,
		GraphWeight: opts.WeightGraph,
		MaxHops:     opts.MaxHops,
	}

	// Synthesis query detection: widen retrieval window for exhaustive queries
	synthesisMode := isSynthesisQuery(query)
	if synthesisMode {
		if opts.MaxResults < 40 {
			opts.MaxResults = 40
		}
		trace.SynthesisMode = true
		slog.Debug("retrieval: synthesis mode activated, widened retrieval window",
			"query", query, "max_results", opts.MaxResults)
	}

	// Run all three retrieval methods concurrently
	slog.Debug("retrieval: starting hybrid search",
		"query_len", len(query), "max_results", opts.MaxResults,
		"weights", fmt.Sprintf("vec=%.1f fts=%.1f graph=%.1f", opts.WeightVec, opts.WeightFTS, opts.WeightGraph))
	searchStart := time.Now()

	// Cross-language expansion: translate significant query terms to
	// the document language so FTS and graph search can match content
	// written in a different language than the query.
	translated := e.translator.TranslateTerms(ctx, extractSignificantTerms(query))

	// Capture FTS query for trace
	ftsQuery := sanitizeFTSQuery(query, translated)
	trace.FTSQuery = ftsQuery

	// Capture graph entities for trace
	graphEntities := extractQueryEntities(query, translated)
	trace.GraphEntities = graphEntities

	type result struct {
		results []store.RetrievalResult
		err     error
	}

	strategyDeadline := e.cfg.StrategyDeadline
	if strategyDeadline <= 0 {
		strategyDeadline = defaultStrategyDeadline
	}
	globalSoftDeadline := e.cfg.GlobalSoftDeadline
	if globalSoftDeadline <= 0 {
		globalSoftDeadline = defaultGlobalSoftDeadline
	}

	vecCh := make(chan result, 1)
	ftsCh := make(chan result, 1)
	graphCh := make(chan result, 1)

	// Vector search — each strategy gets its own hard deadline so a slow
	// collaborator can't block the others or blow past the global budget.
	go func() {
		sctx, cancel := context.WithTimeout(ctx, strategyDeadline)
		defer cancel()
		r, err := e.vectorSearch(sctx, query, opts.MaxResults)
		vecCh <- result{r, err}
	}()

	// FTS search
	go func() {
		sctx, cancel := context.WithTimeout(ctx, strategyDeadline)
		defer cancel()
		r, err := e.store.FTSSearch(sctx, ftsQuery, opts.MaxResults)
		ftsCh <- result{r, err}
	}()

	// Graph search
	go func() {
		sctx, cancel := context.WithTimeout(ctx, strategyDeadline)
		defer cancel()
		r, err := e.graphSearchWithEntities(sctx, graphEntities, opts.MaxResults, opts.MaxHops, synthesisMode)
		graphCh <- result{r, err}
	}()

	globalDeadline := time.After(globalSoftDeadline)
	var vecRes, ftsRes, graphRes result
	var vecDone, ftsDone, graphDone bool
	var degraded []string

	for !(vecDone && ftsDone && graphDone) {
		select {
		case vecRes = <-vecCh:
			vecDone = true
		case ftsRes = <-ftsCh:
			ftsDone = true
		case graphRes = <-graphCh:
			graphDone = true
		case <-globalDeadline:
			// Global soft deadline elapsed: whatever hasn't reported yet is
			// marked degraded and excluded from fusion; its weight is
			// implicitly redistributed since fuseRRF only sums over
			// strategies the chunk actually appears in.
			if !vecDone {
				degraded = append(degraded, "vector")
				vecDone = true
			}
			if !ftsDone {
				degraded = append(degraded, "fts")
				ftsDone = true
			}
			if !graphDone {
				degraded = append(degraded, "graph")
				graphDone = true
			}
		}
	}

	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "error", vecRes.err)
	}
	if ftsRes.err != nil {
		slog.Warn("retrieval: fts search failed", "error", ftsRes.err)
	}
	if graphRes.err != nil {
		slog.Warn("retrieval: graph search failed", "error", graphRes.err)
	}
	trace.VecResults = len(vecRes.results)
	trace.FTSResults = len(ftsRes.results)
	trace.GraphResults = len(graphRes.results)
	trace.DegradedStrategies = degraded
	trace.Degraded = len(degraded) > 0

	if len(degraded) > 0 {
		slog.Warn("retrieval: strategies degraded by deadline", "degraded", degraded, "query_len", len(query))
	}

	slog.Debug("retrieval: searches complete",
		"vec_results", len(vecRes.results), "fts_results", len(ftsRes.results),
		"graph_results", len(graphRes.results),
		"elapsed", time.Since(searchStart).Round(time.Millisecond))

	// Fuse results with RRF
	fused, infoMap := fuseRRF(
		vecRes.results, ftsRes.results, graphRes.results,
		opts.WeightVec, opts.WeightFTS, opts.WeightGraph,
		opts.MaxResults,
	)

	trace.FusedResults = len(fused)
	trace.MaxRequested = opts.MaxResults
	trace.PerResult = infoMap
	trace.ElapsedMs = time.Since(searchStart).Milliseconds()

	if len(fused) == 0 {
		// If all methods failed, return the first error
		if vecRes.err != nil {
			return nil, trace, fmt.Errorf("vector search: %w", vecRes.err)
		}
		if ftsRes.err != nil {
			return nil, trace, fmt.Errorf("fts search: %w", ftsRes.err)
		}
		if graphRes.err != nil {
			return nil, trace, fmt.Errorf("graph search: %w", graphRes.err)
		}
	}

	return fused, trace, nil
}

// vectorSearch generates an embedding for the query and searches vec_chunks.
func (e *Engine) vectorSearch(ctx context.Context, query string, k int) ([]store.RetrievalResult, error) {
	embeddings, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}
	return e.store.VectorSearch(ctx, embeddings[0], k)
}

// ftsSearch performs FTS5 full-text search.
func (e *Engine) ftsSearch(ctx context.Context, query string, translated []string, limit int) ([]store.RetrievalResult, error) {
	ftsQuery := sanitizeFTSQuery(query, translated)
	return e.store.FTSSearch(ctx, ftsQuery, limit)
}

// graphSearch extracts entities from the query and traverses the graph.
func (e *Engine) graphSearch(ctx context.Context, query string, translated []string, limit, maxHops int) ([]store.RetrievalResult, error) {
	entities := extractQueryEntities(query, translated)
	return e.graphSearchWithEntities(ctx, entities, limit, maxHops, false)
}

// graphSearchWithEntities traverses the graph using pre-extracted entity names.
// Uses both exact and substring matching: exact match first (fast), then
// substring match (broader) to find multi-word entity names containing the
// query terms. This is critical for cross-language queries where single-word
// English/Spanish terms need to match multi-word entity names like
// "rechazador de envases" from a query containing "rejected"/"rechazado".
//
// From the resolved seed entities it walks the graph out to maxHops, then
// scores every chunk mentioning a reached entity by summing, over all such
// entities, 1/(1+hop_distance) * edge_confidence — chunks mentioned by
// several nearby, high-confidence entities rank above those reachable only
// through a long, uncertain path.
//
// When synthesisMode is true, maxHops is widened by one extra hop so
// exhaustive queries reach facts scattered further from the query entities.
func (e *Engine) graphSearchWithEntities(ctx context.Context, entities []string, limit, maxHops int, synthesisMode bool) ([]store.RetrievalResult, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}
	if synthesisMode {
		maxHops++
	}

	// Normalize to lowercase to match storage format (graph builder lowercases all entity names)
	for i, ent := range entities {
		entities[i] = strings.ToLower(ent)
	}

	// Try exact match first
	found, err := e.store.GetEntitiesByNames(ctx, entities)
	if err != nil {
		return nil, err
	}

	// Also do substring match to find multi-word entities containing query terms
	fuzzyFound, err := e.store.SearchEntitiesByTerms(ctx, entities, 50)
	if err != nil {
		slog.Warn("retrieval: fuzzy entity search failed", "error", err)
	}

	// Also search by English canonical name for cross-language entity matching
	enFound, err := e.store.SearchEntitiesByNameEN(ctx, entities, 50)
	if err != nil {
		slog.Warn("retrieval: name_en entity search failed", "error", err)
	}

	// Merge results (deduplicate by ID)
	seen := make(map[int64]bool)
	var allEntities []store.Entity
	for _, e := range found {
		if !seen[e.ID] {
			seen[e.ID] = true
			allEntities = append(allEntities, e)
		}
	}
	for _, e := range fuzzyFound {
		if !seen[e.ID] {
			seen[e.ID] = true
			allEntities = append(allEntities, e)
		}
	}
	for _, e := range enFound {
		if !seen[e.ID] {
			seen[e.ID] = true
			allEntities = append(allEntities, e)
		}
	}

	if len(allEntities) == 0 {
		return nil, nil
	}

	slog.Debug("retrieval: graph entity lookup",
		"exact_matches", len(found), "fuzzy_matches", len(fuzzyFound),
		"name_en_matches", len(enFound), "total_unique", len(allEntities))

	entityIDs := make([]int64, len(allEntities))
	for i, e := range allEntities {
		entityIDs[i] = e.ID
	}

	// Walk the graph out from the known query entities; each reached entity
	// carries its BFS hop distance and the confidence of the edge that
	// discovered it (seeds themselves get hop 0, confidence 1.0).
	hops, _, err := e.store.NeighborsWithHops(ctx, entityIDs, maxHops, nil)
	if err != nil {
		return nil, err
	}
	if len(hops) == 0 {
		return nil, nil
	}

	pathEntityIDs := make([]int64, len(hops))
	decayConf := make(map[int64]float64, len(hops))
	for i, h := range hops {
		pathEntityIDs[i] = h.Entity.ID
		decayConf[h.Entity.ID] = (1.0 / (1.0 + float64(h.HopDistance))) * h.EdgeConfidence
	}

	// Pull every chunk that mentions a path entity via the persisted
	// Mention relation, then fold each mentioning entity's decayed,
	// confidence-weighted score into the chunk's total.
	mentions, err := e.store.MentionsForEntities(ctx, pathEntityIDs)
	if err != nil {
		return nil, err
	}

	type scored struct {
		result store.RetrievalResult
		score  float64
	}
	byChunk := make(map[int64]*scored)
	for _, m := range mentions {
		s, ok := byChunk[m.ChunkID]
		if !ok {
			s = &scored{result: store.RetrievalResult{
				ChunkID:    m.ChunkID,
				DocumentID: m.DocumentID,
				Content:    m.Content,
				Heading:    m.Heading,
				ChunkType:  m.ChunkType,
				PageNumber: m.PageNumber,
				Filename:   m.Filename,
				Path:       m.Path,
			}}
			byChunk[m.ChunkID] = s
		}
		s.score += decayConf[m.EntityID]
	}

	results := make([]store.RetrievalResult, 0, len(byChunk))
	for _, s := range byChunk {
		s.result.Score = s.score
		results = append(results, s.result)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
