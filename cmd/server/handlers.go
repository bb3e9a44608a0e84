package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kgrag/hybridrag"
	"github.com/kgrag/hybridrag/projection"
)

type handler struct {
	engine goreason.Engine
}

func newHandler(e goreason.Engine) *handler {
	return &handler{engine: e}
}

// POST /ingest
// Accepts multipart file upload or JSON with file path.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// ingest-documents accepts domain/build_knowledge_graph as query
	// params regardless of whether the body is multipart or JSON.
	var queryOpts []goreason.IngestOption
	if domain := r.URL.Query().Get("domain"); domain != "" {
		queryOpts = append(queryOpts, goreason.WithDomain(domain))
	}
	if bkg := r.URL.Query().Get("build_knowledge_graph"); bkg != "" {
		queryOpts = append(queryOpts, goreason.WithSkipGraph(bkg == "false"))
	}

	// Try multipart upload first
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()

			// Sanitise filename to prevent path traversal.
			safeName := filepath.Base(header.Filename)

			tmpDir := os.TempDir()
			tmpPath := filepath.Join(tmpDir, safeName)
			dst, err := os.Create(tmpPath)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to process file")
				slog.Error("creating temp file", "error", err)
				return
			}
			if _, err := io.Copy(dst, file); err != nil {
				dst.Close()
				writeError(w, http.StatusInternalServerError, "failed to save file")
				slog.Error("saving uploaded file", "error", err)
				return
			}
			dst.Close()
			defer os.Remove(tmpPath)

			docID, err := h.engine.Ingest(ctx, tmpPath, queryOpts...)
			if err != nil {
				writeEngineError(w, err, "ingestion failed")
				slog.Error("ingest error", "error", err)
				return
			}

			writeJSON(w, http.StatusOK, map[string]interface{}{
				"document_id": docID,
				"filename":    safeName,
			})
			return
		}
	}

	// Try JSON body with path
	var req struct {
		Path    string            `json:"path"`
		Options map[string]string `json:"options,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
		return
	}

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	// Validate that path is a real file (prevents directory traversal probing).
	absPath, err := filepath.Abs(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusBadRequest, "path must be an existing file")
		return
	}

	opts := append([]goreason.IngestOption{}, queryOpts...)
	if req.Options != nil {
		if _, ok := req.Options["force"]; ok {
			opts = append(opts, goreason.WithForceReparse())
		}
		if method, ok := req.Options["parse_method"]; ok {
			opts = append(opts, goreason.WithParseMethod(method))
		}
		if domain, ok := req.Options["domain"]; ok {
			opts = append(opts, goreason.WithDomain(domain))
		}
	}

	docID, err := h.engine.Ingest(ctx, absPath, opts...)
	if err != nil {
		writeEngineError(w, err, "ingestion failed")
		slog.Error("ingest error", "path", absPath, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": docID,
		"path":        absPath,
	})
}

// POST /query
func (h *handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Question    string  `json:"question"`
		MaxResults  int     `json:"max_results,omitempty"`
		MaxRounds   int     `json:"max_rounds,omitempty"`
		WeightVec   float64 `json:"weight_vector,omitempty"`
		WeightFTS   float64 `json:"weight_fts,omitempty"`
		WeightGraph float64 `json:"weight_graph,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	// Bound parameters.
	if req.MaxResults < 0 || req.MaxResults > 100 {
		req.MaxResults = 0 // use default
	}
	if req.MaxRounds < 0 || req.MaxRounds > 10 {
		req.MaxRounds = 0 // use default
	}

	var opts []goreason.QueryOption
	if req.MaxResults > 0 {
		opts = append(opts, goreason.WithMaxResults(req.MaxResults))
	}
	if req.MaxRounds > 0 {
		opts = append(opts, goreason.WithMaxRounds(req.MaxRounds))
	}
	if req.WeightVec > 0 || req.WeightFTS > 0 || req.WeightGraph > 0 {
		opts = append(opts, goreason.WithWeights(req.WeightVec, req.WeightFTS, req.WeightGraph))
	}

	answer, err := h.engine.Query(ctx, req.Question, opts...)
	if err != nil {
		writeEngineError(w, err, "query failed")
		slog.Error("query error", "question", req.Question, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

// POST /search {query, top_k}
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	h.searchFor(w, r, "hybrid")
}

// POST /search-advanced {query, search_type, top_k, domain?}
func (h *handler) handleSearchAdvanced(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string `json:"query"`
		SearchType string `json:"search_type,omitempty"`
		TopK       int    `json:"top_k,omitempty"`
		Domain     string `json:"domain,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	searchType := req.SearchType
	if searchType == "" {
		searchType = "hybrid"
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	results, trace, err := h.engine.Search(ctx, req.Query, searchType, req.TopK)
	if err != nil {
		writeEngineError(w, err, "search failed")
		slog.Error("search-advanced error", "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"trace":   trace,
	})
}

func (h *handler) searchFor(w http.ResponseWriter, r *http.Request, searchType string) {
	var req struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Minute)
	defer cancel()
	results, trace, err := h.engine.Search(ctx, req.Query, searchType, req.TopK)
	if err != nil {
		writeEngineError(w, err, "search failed")
		slog.Error("search error", "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"trace":   trace,
	})
}

// POST /enhanced-query {query} — plan + retrieve + reasoning + answer.
func (h *handler) handleEnhancedQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	answer, err := h.engine.Query(ctx, req.Query)
	if err != nil {
		writeEngineError(w, err, "enhanced query failed")
		slog.Error("enhanced-query error", "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// POST /update
func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	changed, err := h.engine.Update(ctx, req.Path)
	if err != nil {
		writeEngineError(w, err, "update failed")
		slog.Error("update error", "path", req.Path, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":    req.Path,
		"changed": changed,
	})
}

// POST /update-all
func (h *handler) handleUpdateAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	results, err := h.engine.UpdateAll(ctx)
	if err != nil {
		writeEngineError(w, err, "update-all failed")
		slog.Error("update-all error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
	})
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")

	// Numeric path segments are still accepted for backward compatibility
	// with clients that delete by document id; anything else is treated
	// as the filename the spec's DELETE /documents/{name} names.
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		if err := h.engine.Delete(r.Context(), id); err != nil {
			writeEngineError(w, err, "delete failed")
			slog.Error("delete error", "document_id", id, "error", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	if err := h.engine.DeleteByName(r.Context(), name); err != nil {
		writeEngineError(w, err, "delete failed")
		slog.Error("delete error", "name", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// DELETE /clear-all
func (h *handler) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearAll(r.Context()); err != nil {
		writeEngineError(w, err, "clear-all failed")
		slog.Error("clear-all error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// POST /analyze-query-intent {query}
func (h *handler) handleAnalyzeQueryIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	plan, err := h.engine.AnalyzeIntent(r.Context(), req.Query)
	if err != nil {
		writeEngineError(w, err, "intent analysis failed")
		slog.Error("analyze-query-intent error", "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// POST /advanced-reasoning {query, kind?, max_hops?}
func (h *handler) handleAdvancedReasoning(w http.ResponseWriter, r *http.Request) {
	h.reasoningFor(w, r, "")
}

// POST /causal-reasoning {query, max_hops?}
func (h *handler) handleCausalReasoning(w http.ResponseWriter, r *http.Request) {
	h.reasoningFor(w, r, "causal")
}

// POST /comparative-reasoning {query}
func (h *handler) handleComparativeReasoning(w http.ResponseWriter, r *http.Request) {
	h.reasoningFor(w, r, "comparative")
}

// POST /multi-hop-reasoning {query, max_hops?}
func (h *handler) handleMultiHopReasoning(w http.ResponseWriter, r *http.Request) {
	h.reasoningFor(w, r, "multi_hop")
}

func (h *handler) reasoningFor(w http.ResponseWriter, r *http.Request, fixedKind string) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()

	var req struct {
		Query   string `json:"query"`
		Kind    string `json:"kind,omitempty"`
		MaxHops int    `json:"max_hops,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	kind := fixedKind
	if kind == "" {
		kind = req.Kind
	}
	if kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	answer, err := h.engine.AdvancedReasoning(ctx, req.Query, kind, req.MaxHops)
	if err != nil {
		writeEngineError(w, err, "reasoning failed")
		slog.Error("advanced-reasoning error", "kind", kind, "query", req.Query, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// GET /knowledge-graph/top-entities?domain=&entity_type=&limit=&min_occurrence=
func (h *handler) handleTopEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := atoiDefault(q.Get("limit"), 20)
	minOcc := atoiDefault(q.Get("min_occurrence"), 0)
	entities, err := h.engine.Store().TopEntities(r.Context(), q.Get("domain"), q.Get("entity_type"), limit, minOcc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load top entities")
		slog.Error("top-entities error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": entities})
}

// GET /knowledge-graph/top-relations?domain=&relation_type=&limit=&min_weight=
func (h *handler) handleTopRelations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := atoiDefault(q.Get("limit"), 20)
	minWeight := atofDefault(q.Get("min_weight"), 0)
	relations, err := h.engine.Store().TopRelations(r.Context(), q.Get("domain"), q.Get("relation_type"), limit, minWeight)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load top relations")
		slog.Error("top-relations error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"relations": relations})
}

// GET /knowledge-graph/stats[?domain=]
func (h *handler) handleGraphStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GraphStats(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute graph stats")
		slog.Error("graph-stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /knowledge-graph/domains
func (h *handler) handleDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := h.engine.Store().Domains(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load domains")
		slog.Error("domains error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"domains": domains, "count": len(domains)})
}

// POST /knowledge-graph/filtered, body = filter object.
func (h *handler) handleGraphProjection(w http.ResponseWriter, r *http.Request) {
	var filter projection.Filter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON filter")
		return
	}

	result, err := h.engine.FilteredProjection(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err, "projection failed")
		slog.Error("graph-projection error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /knowledge-graph/export?format=json&domain=&max_entities=&max_relations=&min_occurrence=
func (h *handler) handleGraphExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := projection.Filter{
		Domain:        q.Get("domain"),
		MaxEntities:   atoiDefault(q.Get("max_entities"), 0),
		MaxRelations:  atoiDefault(q.Get("max_relations"), 0),
		MinOccurrence: atoiDefault(q.Get("min_occurrence"), 0),
	}

	result, err := h.engine.FilteredProjection(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err, "export failed")
		slog.Error("graph-export error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /supported-formats
func (h *handler) handleSupportedFormats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"formats": []string{".pdf", ".docx", ".pptx", ".xlsx", ".xls", ".txt", ".csv", ".json"},
		"llamaparse_formats": []string{".doc", ".xls", ".ppt", ".pdf", ".docx", ".xlsx", ".pptx"},
		"features": map[string]bool{
			"vision_captioning":   true,
			"knowledge_graph":     true,
			"hybrid_retrieval":    true,
			"reasoning_paths":     true,
			"llamaparse_fallback": true,
		},
	})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func atofDefault(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf("%s", msg)})
}

// writeEngineError maps an engine error's Kind to an HTTP status code,
// falling back to 500 for errors with no recognized kind.
func writeEngineError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	kind, ok := goreason.ErrorKind(err)
	if ok {
		switch kind {
		case goreason.KindInvalidInput:
			status = http.StatusBadRequest
		case goreason.KindNotFound:
			status = http.StatusNotFound
		case goreason.KindTimeout:
			status = http.StatusGatewayTimeout
		case goreason.KindTransientDependency:
			status = http.StatusServiceUnavailable
		case goreason.KindPermanentDependency:
			status = http.StatusBadGateway
		case goreason.KindDataIntegrity:
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, map[string]string{"error": msg, "kind": string(kind)})
}
