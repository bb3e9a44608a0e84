package reasoning

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kgrag/hybridrag/store"
)

// PathKind identifies which reasoning strategy produced a path.
type PathKind string

const (
	DirectPath      PathKind = "direct"
	CausalPath      PathKind = "causal"
	ComparativePath PathKind = "comparative"
	MultiHopPath    PathKind = "multi_hop"
)

// ReasoningPath is a typed chain of graph evidence supporting an answer.
type ReasoningPath struct {
	Kind        PathKind `json:"kind"`
	EntityIDs   []int64  `json:"entity_ids"`
	RelationIDs []int64  `json:"relation_ids,omitempty"`
	Confidence  float64  `json:"confidence"`
	ChunkIDs    []int64  `json:"chunk_ids,omitempty"`
}

// beamWidth is the default multi-hop beam search width (spec: W=4).
const beamWidth = 4

// PathFinder builds typed reasoning paths over the knowledge graph. It
// falls back to chunk-only co-occurrence reasoning when the graph store
// is unavailable or returns no relationships, per the spec's graceful
// degradation rule.
type PathFinder struct {
	store               *store.Store
	causalRelationTypes []string
	maxPaths            int
	beamWidth           int
}

// NewPathFinder creates a PathFinder. causalRelationTypes configures which
// relation types the Causal strategy traverses; maxPaths bounds how many
// paths are returned per call (spec default R=5).
func NewPathFinder(s *store.Store, causalRelationTypes []string, maxPaths int) *PathFinder {
	if maxPaths <= 0 {
		maxPaths = 5
	}
	return &PathFinder{
		store:               s,
		causalRelationTypes: causalRelationTypes,
		maxPaths:            maxPaths,
		beamWidth:           beamWidth,
	}
}

type adjacency struct {
	out map[int64][]store.Relationship // source -> relationship
	in  map[int64][]store.Relationship // target -> relationship
}

func buildAdjacency(rels []store.Relationship) adjacency {
	adj := adjacency{out: make(map[int64][]store.Relationship), in: make(map[int64][]store.Relationship)}
	for _, r := range rels {
		adj.out[r.SourceEntityID] = append(adj.out[r.SourceEntityID], r)
		adj.in[r.TargetEntityID] = append(adj.in[r.TargetEntityID], r)
	}
	return adj
}

// neighborsOf returns the relationships touching id in either direction.
func (a adjacency) neighborsOf(id int64) []store.Relationship {
	return append(append([]store.Relationship{}, a.out[id]...), a.in[id]...)
}

func otherEnd(r store.Relationship, from int64) int64 {
	if r.SourceEntityID == from {
		return r.TargetEntityID
	}
	return r.SourceEntityID
}

// Direct finds, for each pair of known entities, the shortest path up to
// maxHops; confidence is the product of edge confidences times 1/path
// length.
func (pf *PathFinder) Direct(ctx context.Context, entityIDs []int64, maxHops int) ([]ReasoningPath, error) {
	rels, err := pf.store.AllRelationships(ctx)
	if err != nil {
		return pf.coOccurrenceFallback(ctx, entityIDs, DirectPath)
	}
	adj := buildAdjacency(rels)

	var paths []ReasoningPath
	for i := 0; i < len(entityIDs) && len(paths) < pf.maxPaths; i++ {
		for j := i + 1; j < len(entityIDs) && len(paths) < pf.maxPaths; j++ {
			if p := shortestPath(adj, entityIDs[i], entityIDs[j], maxHops); p != nil {
				p.Kind = DirectPath
				paths = append(paths, *p)
			}
		}
	}
	if len(paths) == 0 {
		return pf.coOccurrenceFallback(ctx, entityIDs, DirectPath)
	}
	return paths, nil
}

// Causal restricts traversal to the configured causal relation-type set.
func (pf *PathFinder) Causal(ctx context.Context, entityIDs []int64, maxHops int) ([]ReasoningPath, error) {
	if len(pf.causalRelationTypes) == 0 {
		return nil, fmt.Errorf("reasoning: no causal relation types configured")
	}
	rels, err := pf.store.RelationsByType(ctx, pf.causalRelationTypes)
	if err != nil || len(rels) == 0 {
		return pf.coOccurrenceFallback(ctx, entityIDs, CausalPath)
	}
	adj := buildAdjacency(rels)

	var paths []ReasoningPath
	for i := 0; i < len(entityIDs) && len(paths) < pf.maxPaths; i++ {
		for j := i + 1; j < len(entityIDs) && len(paths) < pf.maxPaths; j++ {
			if p := shortestPath(adj, entityIDs[i], entityIDs[j], maxHops); p != nil {
				p.Kind = CausalPath
				paths = append(paths, *p)
			}
		}
	}
	if len(paths) == 0 {
		return pf.coOccurrenceFallback(ctx, entityIDs, CausalPath)
	}
	return paths, nil
}

// Comparative collects, for each pair of known entities, the 1-hop
// outgoing neighborhoods and scores overlap; evidence is chunks
// mentioning both entities.
func (pf *PathFinder) Comparative(ctx context.Context, entityIDs []int64) ([]ReasoningPath, error) {
	rels, err := pf.store.AllRelationships(ctx)
	if err != nil || len(rels) == 0 {
		return pf.coOccurrenceFallback(ctx, entityIDs, ComparativePath)
	}
	adj := buildAdjacency(rels)

	var paths []ReasoningPath
	for i := 0; i < len(entityIDs) && len(paths) < pf.maxPaths; i++ {
		for j := i + 1; j < len(entityIDs) && len(paths) < pf.maxPaths; j++ {
			a, b := entityIDs[i], entityIDs[j]
			neighborsA := neighborSet(adj, a)
			neighborsB := neighborSet(adj, b)
			overlap := intersectionSize(neighborsA, neighborsB)
			union := len(neighborsA) + len(neighborsB) - overlap
			var confidence float64
			if union > 0 {
				confidence = float64(overlap) / float64(union)
			}

			chunkIDs, err := pf.chunksMentioningBoth(ctx, a, b)
			if err != nil {
				chunkIDs = nil
			}

			paths = append(paths, ReasoningPath{
				Kind:       ComparativePath,
				EntityIDs:  []int64{a, b},
				Confidence: confidence,
				ChunkIDs:   chunkIDs,
			})
		}
	}
	if len(paths) == 0 {
		return pf.coOccurrenceFallback(ctx, entityIDs, ComparativePath)
	}
	return paths, nil
}

// MultiHop performs a beam search over neighbors with the configured beam
// width, scoring nodes by edge_confidence × target_occurrence^0.25.
func (pf *PathFinder) MultiHop(ctx context.Context, entityIDs []int64, maxHops int) ([]ReasoningPath, error) {
	rels, err := pf.store.AllRelationships(ctx)
	if err != nil || len(rels) == 0 {
		return pf.coOccurrenceFallback(ctx, entityIDs, MultiHopPath)
	}
	adj := buildAdjacency(rels)

	occurrence, err := pf.occurrenceIndex(ctx)
	if err != nil {
		occurrence = map[int64]int{}
	}

	var paths []ReasoningPath
	for _, seed := range entityIDs {
		if len(paths) >= pf.maxPaths {
			break
		}
		p := beamSearch(adj, occurrence, seed, maxHops, pf.beamWidth)
		if p != nil {
			paths = append(paths, *p)
		}
	}
	if len(paths) == 0 {
		return pf.coOccurrenceFallback(ctx, entityIDs, MultiHopPath)
	}
	return paths, nil
}

// beamSearch explores up to maxHops from seed keeping the top beamWidth
// candidate chains at each hop, scored by the product of
// edge_confidence × target_occurrence^0.25 along the chain. It returns
// the single highest-scoring chain found.
func beamSearch(adj adjacency, occurrence map[int64]int, seed int64, maxHops, beamWidth int) *ReasoningPath {
	type candidate struct {
		entities  []int64
		relations []int64
		score     float64
		visited   map[int64]bool
	}

	start := candidate{entities: []int64{seed}, score: 1.0, visited: map[int64]bool{seed: true}}
	beam := []candidate{start}
	var best *candidate

	for hop := 0; hop < maxHops; hop++ {
		var next []candidate
		for _, c := range beam {
			last := c.entities[len(c.entities)-1]
			for _, r := range adj.neighborsOf(last) {
				target := otherEnd(r, last)
				if c.visited[target] {
					continue
				}
				occ := occurrence[target]
				if occ <= 0 {
					occ = 1
				}
				edgeScore := r.Confidence * math.Pow(float64(occ), 0.25)
				visited := make(map[int64]bool, len(c.visited)+1)
				for k := range c.visited {
					visited[k] = true
				}
				visited[target] = true
				next = append(next, candidate{
					entities:  append(append([]int64{}, c.entities...), target),
					relations: append(append([]int64{}, c.relations...), r.ID),
					score:     c.score * edgeScore,
					visited:   visited,
				})
			}
		}
		if len(next) == 0 {
			break
		}
		sort.Slice(next, func(i, j int) bool { return next[i].score > next[j].score })
		if len(next) > beamWidth {
			next = next[:beamWidth]
		}
		beam = next
		if best == nil || beam[0].score > best.score {
			best = &beam[0]
		}
	}

	if best == nil || len(best.entities) < 2 {
		return nil
	}
	return &ReasoningPath{
		Kind:        MultiHopPath,
		EntityIDs:   best.entities,
		RelationIDs: best.relations,
		Confidence:  best.score,
	}
}

// shortestPath runs unweighted BFS from source to target up to maxHops,
// returning confidence = product of edge confidences × 1/path_length.
func shortestPath(adj adjacency, source, target int64, maxHops int) *ReasoningPath {
	if source == target {
		return nil
	}
	type frame struct {
		id        int64
		entities  []int64
		relations []int64
		conf      float64
	}
	visited := map[int64]bool{source: true}
	queue := []frame{{id: source, entities: []int64{source}, conf: 1.0}}

	for hop := 0; hop < maxHops && len(queue) > 0; hop++ {
		var next []frame
		for _, f := range queue {
			for _, r := range adj.neighborsOf(f.id) {
				nid := otherEnd(r, f.id)
				if visited[nid] {
					continue
				}
				entities := append(append([]int64{}, f.entities...), nid)
				relations := append(append([]int64{}, f.relations...), r.ID)
				conf := f.conf * r.Confidence
				if nid == target {
					pathLen := len(entities) - 1
					return &ReasoningPath{
						EntityIDs:   entities,
						RelationIDs: relations,
						Confidence:  conf * (1.0 / float64(pathLen)),
					}
				}
				visited[nid] = true
				next = append(next, frame{id: nid, entities: entities, relations: relations, conf: conf})
			}
		}
		queue = next
	}
	return nil
}

func neighborSet(adj adjacency, id int64) map[int64]bool {
	set := make(map[int64]bool)
	for _, r := range adj.out[id] {
		set[r.TargetEntityID] = true
	}
	return set
}

func intersectionSize(a, b map[int64]bool) int {
	n := 0
	for id := range a {
		if b[id] {
			n++
		}
	}
	return n
}

// occurrenceIndex loads entity occurrence counts for multi-hop scoring.
func (pf *PathFinder) occurrenceIndex(ctx context.Context) (map[int64]int, error) {
	entities, err := pf.store.AllEntities(ctx)
	if err != nil {
		return nil, err
	}
	idx := make(map[int64]int, len(entities))
	for _, e := range entities {
		idx[e.ID] = e.Occurrence
	}
	return idx, nil
}

// chunksMentioningBoth returns chunk ids whose entity_chunks mentions
// include both entity a and entity b.
func (pf *PathFinder) chunksMentioningBoth(ctx context.Context, a, b int64) ([]int64, error) {
	rows, err := pf.store.DB().QueryContext(ctx, `
		SELECT ec1.chunk_id FROM entity_chunks ec1
		JOIN entity_chunks ec2 ON ec1.chunk_id = ec2.chunk_id
		WHERE ec1.entity_id = ? AND ec2.entity_id = ?
	`, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// coOccurrenceFallback derives a degraded reasoning path from chunk
// co-occurrence alone, used when the graph store errors or has no
// relationships for the requested entities — the spec's required
// graceful-degradation behavior.
func (pf *PathFinder) coOccurrenceFallback(ctx context.Context, entityIDs []int64, kind PathKind) ([]ReasoningPath, error) {
	if len(entityIDs) < 2 {
		return nil, nil
	}
	var paths []ReasoningPath
	for i := 0; i < len(entityIDs) && len(paths) < pf.maxPaths; i++ {
		for j := i + 1; j < len(entityIDs) && len(paths) < pf.maxPaths; j++ {
			chunkIDs, err := pf.chunksMentioningBoth(ctx, entityIDs[i], entityIDs[j])
			if err != nil || len(chunkIDs) == 0 {
				continue
			}
			paths = append(paths, ReasoningPath{
				Kind:       kind,
				EntityIDs:  []int64{entityIDs[i], entityIDs[j]},
				Confidence: 1.0 / float64(len(chunkIDs)+1),
				ChunkIDs:   chunkIDs,
			})
		}
	}
	return paths, nil
}
