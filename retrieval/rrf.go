package retrieval

import (
	"sort"

	"github.com/kgrag/hybridrag/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// FusedResultInfo holds per-result method contribution metadata.
type FusedResultInfo struct {
	Methods   []string `json:"methods"`
	VecRank   int      `json:"vec_rank,omitempty"`   // 1-based, 0 = not present
	FTSRank   int      `json:"fts_rank,omitempty"`   // 1-based, 0 = not present
	GraphRank int      `json:"graph_rank,omitempty"` // 1-based, 0 = not present
	MaxNorm   float64  `json:"max_norm"`             // highest per-strategy normalized score seen
}

// normalizeScores min-max normalizes the Score field of results to [0,1].
// A set with ≤1 element or zero variance is left as the raw score clipped
// to [0,1], since min-max is undefined without spread.
func normalizeScores(results []store.RetrievalResult) []store.RetrievalResult {
	if len(results) <= 1 {
		for i := range results {
			results[i].Score = clip01(results[i].Score)
		}
		return results
	}

	min, max := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}

	spread := max - min
	if spread <= 0 {
		for i := range results {
			results[i].Score = clip01(results[i].Score)
		}
		return results
	}

	for i := range results {
		results[i].Score = (results[i].Score - min) / spread
	}
	return results
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fuseRRF implements Reciprocal Rank Fusion to combine results from
// multiple retrieval methods. Each result set is ranked independently,
// then scores are combined using: score = sum(weight_i / (k + rank_i)).
// It also returns per-result method contribution info keyed by ChunkID.
func fuseRRF(
	vecResults, ftsResults, graphResults []store.RetrievalResult,
	weightVec, weightFTS, weightGraph float64,
	maxResults int,
) ([]store.RetrievalResult, map[int64]FusedResultInfo) {
	// Map from chunk_id -> fused score and result data
	type fusedEntry struct {
		result store.RetrievalResult
		score  float64
		info   FusedResultInfo
	}

	vecResults = normalizeScores(vecResults)
	ftsResults = normalizeScores(ftsResults)
	graphResults = normalizeScores(graphResults)

	fused := make(map[int64]*fusedEntry)

	// Add vector results with their RRF scores
	for rank, r := range vecResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightVec / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "vector")
		entry.info.VecRank = rank + 1
		entry.info.MaxNorm = maxFloat(entry.info.MaxNorm, r.Score)
	}

	// Add FTS results
	for rank, r := range ftsResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightFTS / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "fts")
		entry.info.FTSRank = rank + 1
		entry.info.MaxNorm = maxFloat(entry.info.MaxNorm, r.Score)
	}

	// Add graph results
	for rank, r := range graphResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightGraph / float64(rrfK+rank+1)
		entry.info.Methods = append(entry.info.Methods, "graph")
		entry.info.GraphRank = rank + 1
		entry.info.MaxNorm = maxFloat(entry.info.MaxNorm, r.Score)
	}

	// Sort by fused score, then (a) number of contributing strategies,
	// (b) max per-strategy normalized score, (c) chunk id ascending.
	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if len(a.info.Methods) != len(b.info.Methods) {
			return len(a.info.Methods) > len(b.info.Methods)
		}
		if a.info.MaxNorm != b.info.MaxNorm {
			return a.info.MaxNorm > b.info.MaxNorm
		}
		return a.result.ChunkID < b.result.ChunkID
	})

	// Limit results
	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.RetrievalResult, len(entries))
	infoMap := make(map[int64]FusedResultInfo, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
		infoMap[e.result.ChunkID] = e.info
	}

	return results, infoMap
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
