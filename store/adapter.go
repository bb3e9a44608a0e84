package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// StoreGeneration returns the current monotonic generation counter, bumped
// by every ingest and delete. Retrieval uses it as part of the cache key so
// that stale results are never served across a mutation.
func (s *Store) StoreGeneration(ctx context.Context) (int64, error) {
	var gen int64
	err := s.db.QueryRowContext(ctx, "SELECT value FROM store_meta WHERE key = 'store_generation'").Scan(&gen)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return gen, err
}

// BumpStoreGeneration increments the generation counter outside of an
// existing transaction. Ingestion and deletion call the transactional
// variant internally; this is exposed for callers (e.g. community
// detection, manual re-indexing) that mutate derived state directly.
func (s *Store) BumpStoreGeneration(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return bumpStoreGenerationTx(ctx, tx)
	})
}

func bumpStoreGenerationTx(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO store_meta (key, value) VALUES ('store_generation', 1)
		ON CONFLICT(key) DO UPDATE SET value = store_meta.value + 1
	`)
	return err
}

// ClearAll wipes every document, chunk, embedding, entity, and
// relationship from the store. Idempotent: calling it on an already-empty
// store succeeds and still bumps the generation counter.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM entity_chunks",
			"DELETE FROM relationships",
			"DELETE FROM vec_chunks",
			"DELETE FROM chunks",
			"DELETE FROM entities",
			"DELETE FROM communities",
			"DELETE FROM documents",
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("store: clear-all %q: %w", stmt, err)
			}
		}
		return bumpStoreGenerationTx(ctx, tx)
	})
}

// GraphStats holds node/edge counts, type histograms, and density for a
// domain-scoped (or global) view of the knowledge graph.
type GraphStats struct {
	Domain        string         `json:"domain,omitempty"`
	EntityCount   int            `json:"entity_count"`
	RelationCount int            `json:"relation_count"`
	EntityTypes   map[string]int `json:"entity_types"`
	RelationTypes map[string]int `json:"relation_types"`
	Density       float64        `json:"density"`
	DocumentCount int            `json:"document_count"`
}

// Stats returns graph statistics, optionally scoped to a domain. An empty
// domain means no domain constraint (matches every row).
func (s *Store) Stats(ctx context.Context, domain string) (*GraphStats, error) {
	stats := &GraphStats{Domain: domain, EntityTypes: map[string]int{}, RelationTypes: map[string]int{}}

	entityWhere, entityArgs := domainWhere("domain", domain)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities "+entityWhere, entityArgs...).Scan(&stats.EntityCount); err != nil {
		return nil, fmt.Errorf("counting entities: %w", err)
	}

	relWhere, relArgs := domainWhere("domain", domain)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM relationships "+relWhere, relArgs...).Scan(&stats.RelationCount); err != nil {
		return nil, fmt.Errorf("counting relationships: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT entity_type, COUNT(*) FROM entities "+entityWhere+" GROUP BY entity_type", entityArgs...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.EntityTypes[t] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, "SELECT relation_type, COUNT(*) FROM relationships "+relWhere+" GROUP BY relation_type", relArgs...)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.RelationTypes[t] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if stats.EntityCount > 1 {
		maxEdges := float64(stats.EntityCount) * float64(stats.EntityCount-1)
		stats.Density = float64(stats.RelationCount) / maxEdges
	}

	docWhere, docArgs := domainWhere("domain", domain)
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM documents "+docWhere, docArgs...).Scan(&stats.DocumentCount); err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}

	return stats, nil
}

// Domains returns the distinct non-empty domain tags present across
// documents, entities, and relationships.
func (s *Store) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain FROM documents WHERE domain != ''
		UNION
		SELECT domain FROM entities WHERE domain != ''
		UNION
		SELECT domain FROM relationships WHERE domain != ''
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// TopEntities returns the highest-ranked entities by occurrence, optionally
// filtered by domain and/or type.
func (s *Store) TopEntities(ctx context.Context, domain, entityType string, limit int, minOccurrence int) ([]Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	var conds []string
	var args []interface{}
	if domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, domain)
	}
	if entityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, entityType)
	}
	conds = append(conds, "occurrence >= ?")
	args = append(args, minOccurrence)

	query := "SELECT " + entityColumns + " FROM entities WHERE " + strings.Join(conds, " AND ") +
		" ORDER BY occurrence DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// TopRelations returns the highest-weighted relationships, optionally
// filtered by domain and/or type.
func (s *Store) TopRelations(ctx context.Context, domain, relationType string, limit int, minWeight float64) ([]Relationship, error) {
	if limit <= 0 {
		limit = 20
	}
	var conds []string
	var args []interface{}
	if domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, domain)
	}
	if relationType != "" {
		conds = append(conds, "relation_type = ?")
		args = append(args, relationType)
	}
	conds = append(conds, "weight >= ?")
	args = append(args, minWeight)

	query := `SELECT id, source_entity_id, target_entity_id, relation_type, weight, description,
			COALESCE(context, ''), COALESCE(domain, ''), confidence
		FROM relationships WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY weight DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var desc sql.NullString
		if err := rows.Scan(&r.ID, &r.SourceEntityID, &r.TargetEntityID,
			&r.RelationType, &r.Weight, &desc, &r.Context, &r.Domain, &r.Confidence); err != nil {
			return nil, err
		}
		r.Description = desc.String
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// NeighborHop pairs an entity with its BFS hop distance from the nearest
// seed entity (0 for a seed itself) and the confidence of the edge that
// first discovered it (1.0 for a seed, which has no discovering edge).
type NeighborHop struct {
	Entity         Entity
	HopDistance    int
	EdgeConfidence float64
}

// Neighbors returns the set of entities and the relationships among them
// reachable from seedIDs within maxHops, optionally restricted to
// relationTypes (empty means any type).
func (s *Store) Neighbors(ctx context.Context, seedIDs []int64, maxHops int, relationTypes []string) ([]Entity, []Relationship, error) {
	hops, edges, err := s.NeighborsWithHops(ctx, seedIDs, maxHops, relationTypes)
	if err != nil {
		return nil, nil, err
	}
	if hops == nil {
		return nil, edges, nil
	}
	entities := make([]Entity, len(hops))
	for i, h := range hops {
		entities[i] = h.Entity
	}
	return entities, edges, nil
}

// NeighborsWithHops behaves like Neighbors but also reports each entity's
// BFS distance in hops from the nearest seed, for distance-weighted
// scoring (e.g. the hybrid retriever's graph strategy).
func (s *Store) NeighborsWithHops(ctx context.Context, seedIDs []int64, maxHops int, relationTypes []string) ([]NeighborHop, []Relationship, error) {
	if len(seedIDs) == 0 || maxHops < 0 {
		return nil, nil, nil
	}

	var allRels []Relationship
	var err error
	if len(relationTypes) > 0 {
		allRels, err = s.RelationsByType(ctx, relationTypes)
	} else {
		allRels, err = s.AllRelationships(ctx)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("store.Neighbors: loading relationships: %w", err)
	}

	adjacency := make(map[int64][]Relationship)
	for _, r := range allRels {
		adjacency[r.SourceEntityID] = append(adjacency[r.SourceEntityID], r)
		adjacency[r.TargetEntityID] = append(adjacency[r.TargetEntityID], r)
	}

	hopOf := make(map[int64]int, len(seedIDs))
	confOf := make(map[int64]float64, len(seedIDs))
	frontier := make([]int64, 0, len(seedIDs))
	for _, id := range seedIDs {
		if _, ok := hopOf[id]; !ok {
			hopOf[id] = 0
			confOf[id] = 1.0
			frontier = append(frontier, id)
		}
	}

	var edges []Relationship
	edgeSeen := make(map[int64]bool)
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		var next []int64
		for _, id := range frontier {
			for _, r := range adjacency[id] {
				if !edgeSeen[r.ID] {
					edgeSeen[r.ID] = true
					edges = append(edges, r)
				}
				other := r.TargetEntityID
				if other == id {
					other = r.SourceEntityID
				}
				if _, ok := hopOf[other]; !ok {
					hopOf[other] = hop + 1
					confOf[other] = r.Confidence
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	ids := make([]int64, 0, len(hopOf))
	for id := range hopOf {
		ids = append(ids, id)
	}
	entities, err := s.GetEntitiesByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	hops := make([]NeighborHop, len(entities))
	for i, e := range entities {
		hops[i] = NeighborHop{Entity: e, HopDistance: hopOf[e.ID], EdgeConfidence: confOf[e.ID]}
	}
	return hops, edges, nil
}

// GetEntitiesByIDs returns entities matching any of the given ids.
func (s *Store) GetEntitiesByIDs(ctx context.Context, ids []int64) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := "SELECT " + entityColumns + " FROM entities WHERE id IN (?" + repeatPlaceholders(len(ids)-1) + ")"
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntityRow(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func domainWhere(col, domain string) (string, []interface{}) {
	if domain == "" {
		return "", nil
	}
	return "WHERE " + col + " = ?", []interface{}{domain}
}
