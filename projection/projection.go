// Package projection applies bounded, sorted filters over the knowledge
// graph for dashboards and exploratory views.
package projection

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kgrag/hybridrag/store"
)

const (
	defaultMaxEntities = 500
	hardCapEntities    = 5000
	defaultMaxRelations = 500
	hardCapRelations    = 10000
)

// SortField is the column a Filter result is ordered by.
type SortField string

const (
	SortByOccurrence SortField = "occurrence"
	SortByConfidence SortField = "confidence"
	SortByName       SortField = "name"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	Ascending  SortOrder = "asc"
	Descending SortOrder = "desc"
)

// Filter enumerates the projection's filter options, per spec defaults.
type Filter struct {
	Domain        string    `json:"domain,omitempty"`
	MaxEntities   int       `json:"max_entities,omitempty"`
	MaxRelations  int       `json:"max_relations,omitempty"`
	MinOccurrence int       `json:"min_occurrence,omitempty"`
	MinConfidence float64   `json:"min_confidence,omitempty"`
	EntityTypes   []string  `json:"entity_types,omitempty"`
	RelationTypes []string  `json:"relation_types,omitempty"`
	SortBy        SortField `json:"sort_by,omitempty"`
	SortOrder     SortOrder `json:"sort_order,omitempty"`
}

// normalize fills in defaults and clamps to the hard caps.
func (f *Filter) normalize() {
	if f.MaxEntities <= 0 {
		f.MaxEntities = defaultMaxEntities
	}
	if f.MaxEntities > hardCapEntities {
		f.MaxEntities = hardCapEntities
	}
	if f.MaxRelations <= 0 {
		f.MaxRelations = defaultMaxRelations
	}
	if f.MaxRelations > hardCapRelations {
		f.MaxRelations = hardCapRelations
	}
	if f.MinOccurrence <= 0 {
		f.MinOccurrence = 1
	}
	if f.SortBy == "" {
		f.SortBy = SortByOccurrence
	}
	if f.SortOrder == "" {
		f.SortOrder = Descending
	}
}

// Result is the output of a filtered projection.
type Result struct {
	Entities             []store.Entity       `json:"entities"`
	Relations            []store.Relationship `json:"relations"`
	TotalEntitiesBefore  int                  `json:"total_entities_before_filter"`
	TotalRelationsBefore int                  `json:"total_relations_before_filter"`
	AppliedFilter        Filter               `json:"applied_filter"`
}

// Engine computes filtered projections over the knowledge graph.
type Engine struct {
	store *store.Store
}

// New creates a projection Engine.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// FilteredProjection selects entities matching the filter, sorts and caps
// them, then selects relations whose endpoints are both in the selected
// entity set — enforcing the relation-endpoints-⊆-entities invariant by
// construction — matching type/weight filters, sorted by weight desc and
// capped.
func (e *Engine) FilteredProjection(ctx context.Context, filter Filter) (*Result, error) {
	filter.normalize()

	allEntities, err := e.store.AllEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("projection: loading entities: %w", err)
	}
	totalEntitiesBefore := len(allEntities)

	allowedEntityType := toSet(filter.EntityTypes)
	matched := make([]store.Entity, 0, len(allEntities))
	for _, ent := range allEntities {
		if filter.Domain != "" && ent.Domain != filter.Domain {
			continue
		}
		if len(allowedEntityType) > 0 && !allowedEntityType[ent.EntityType] {
			continue
		}
		if ent.Occurrence < filter.MinOccurrence {
			continue
		}
		if ent.Confidence < filter.MinConfidence {
			continue
		}
		matched = append(matched, ent)
	}

	sortEntities(matched, filter.SortBy, filter.SortOrder)
	if len(matched) > filter.MaxEntities {
		matched = matched[:filter.MaxEntities]
	}

	selectedIDs := make(map[int64]bool, len(matched))
	for _, ent := range matched {
		selectedIDs[ent.ID] = true
	}

	allRelations, err := e.store.AllRelationships(ctx)
	if err != nil {
		return nil, fmt.Errorf("projection: loading relationships: %w", err)
	}
	totalRelationsBefore := len(allRelations)

	allowedRelType := toSet(filter.RelationTypes)
	matchedRels := make([]store.Relationship, 0, len(allRelations))
	for _, rel := range allRelations {
		if !selectedIDs[rel.SourceEntityID] || !selectedIDs[rel.TargetEntityID] {
			continue
		}
		if len(allowedRelType) > 0 && !allowedRelType[rel.RelationType] {
			continue
		}
		if float64(rel.Weight) < float64(filter.MinOccurrence) {
			continue
		}
		matchedRels = append(matchedRels, rel)
	}

	sort.Slice(matchedRels, func(i, j int) bool { return matchedRels[i].Weight > matchedRels[j].Weight })
	if len(matchedRels) > filter.MaxRelations {
		matchedRels = matchedRels[:filter.MaxRelations]
	}

	return &Result{
		Entities:             matched,
		Relations:            matchedRels,
		TotalEntitiesBefore:  totalEntitiesBefore,
		TotalRelationsBefore: totalRelationsBefore,
		AppliedFilter:        filter,
	}, nil
}

func toSet(vals []string) map[string]bool {
	if len(vals) == 0 {
		return nil
	}
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

func sortEntities(entities []store.Entity, by SortField, order SortOrder) {
	less := func(i, j int) bool {
		switch by {
		case SortByConfidence:
			return entities[i].Confidence < entities[j].Confidence
		case SortByName:
			return strings.ToLower(entities[i].Name) < strings.ToLower(entities[j].Name)
		default:
			return entities[i].Occurrence < entities[j].Occurrence
		}
	}
	if order == Descending {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(entities, less)
}
