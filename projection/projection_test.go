//go:build cgo

package projection

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kgrag/hybridrag/store"
)

func newProjectionTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "projection.db")
	s, err := store.New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProjectionGraph(t *testing.T, s *store.Store) (alice, acme, globex int64) {
	t.Helper()
	ctx := context.Background()

	var err error
	alice, err = s.UpsertEntity(ctx, store.Entity{Name: "Alice", EntityType: "person", Occurrence: 5, Confidence: 0.9})
	if err != nil {
		t.Fatalf("upsert Alice: %v", err)
	}
	acme, err = s.UpsertEntity(ctx, store.Entity{Name: "Acme", EntityType: "org", Occurrence: 2, Confidence: 0.8})
	if err != nil {
		t.Fatalf("upsert Acme: %v", err)
	}
	globex, err = s.UpsertEntity(ctx, store.Entity{Name: "Globex", EntityType: "org", Occurrence: 1, Confidence: 0.5})
	if err != nil {
		t.Fatalf("upsert Globex: %v", err)
	}

	if _, err := s.InsertRelationship(ctx, store.Relationship{
		SourceEntityID: alice, TargetEntityID: acme, RelationType: "works_at", Weight: 1,
	}); err != nil {
		t.Fatalf("insert relationship: %v", err)
	}
	return alice, acme, globex
}

func TestFilteredProjectionDefaultsSortByOccurrenceDesc(t *testing.T) {
	s := newProjectionTestStore(t)
	seedProjectionGraph(t, s)
	e := New(s)

	result, err := e.FilteredProjection(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("FilteredProjection: %v", err)
	}
	if len(result.Entities) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(result.Entities))
	}
	if result.Entities[0].Name != "Alice" {
		t.Errorf("expected Alice first (highest occurrence), got %q", result.Entities[0].Name)
	}
	if result.TotalEntitiesBefore != 3 {
		t.Errorf("TotalEntitiesBefore = %d, want 3", result.TotalEntitiesBefore)
	}
	if result.AppliedFilter.SortBy != SortByOccurrence {
		t.Errorf("AppliedFilter.SortBy = %q, want %q", result.AppliedFilter.SortBy, SortByOccurrence)
	}
}

func TestFilteredProjectionFiltersByEntityType(t *testing.T) {
	s := newProjectionTestStore(t)
	seedProjectionGraph(t, s)
	e := New(s)

	result, err := e.FilteredProjection(context.Background(), Filter{EntityTypes: []string{"org"}})
	if err != nil {
		t.Fatalf("FilteredProjection: %v", err)
	}
	if len(result.Entities) != 2 {
		t.Fatalf("expected 2 org entities, got %d", len(result.Entities))
	}
	for _, ent := range result.Entities {
		if ent.EntityType != "org" {
			t.Errorf("unexpected entity type %q leaked through filter", ent.EntityType)
		}
	}
}

func TestFilteredProjectionSortByNameAscending(t *testing.T) {
	s := newProjectionTestStore(t)
	seedProjectionGraph(t, s)
	e := New(s)

	result, err := e.FilteredProjection(context.Background(), Filter{SortBy: SortByName, SortOrder: Ascending})
	if err != nil {
		t.Fatalf("FilteredProjection: %v", err)
	}
	if len(result.Entities) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(result.Entities))
	}
	if result.Entities[0].Name != "Acme" {
		t.Errorf("expected Acme first alphabetically, got %q", result.Entities[0].Name)
	}
	if result.Entities[len(result.Entities)-1].Name != "Globex" {
		t.Errorf("expected Globex last alphabetically, got %q", result.Entities[len(result.Entities)-1].Name)
	}
}

func TestFilteredProjectionCapsMaxEntities(t *testing.T) {
	s := newProjectionTestStore(t)
	seedProjectionGraph(t, s)
	e := New(s)

	result, err := e.FilteredProjection(context.Background(), Filter{MaxEntities: 1})
	if err != nil {
		t.Fatalf("FilteredProjection: %v", err)
	}
	if len(result.Entities) != 1 {
		t.Fatalf("expected capped to 1 entity, got %d", len(result.Entities))
	}
	if result.TotalEntitiesBefore != 3 {
		t.Errorf("TotalEntitiesBefore should reflect the pre-cap count, got %d", result.TotalEntitiesBefore)
	}
}

func TestFilteredProjectionRelationsRequireBothEndpointsSelected(t *testing.T) {
	s := newProjectionTestStore(t)
	seedProjectionGraph(t, s)
	e := New(s)

	// Restricting to "person" drops Acme, so the works_at relationship
	// loses an endpoint and must not appear in the result.
	result, err := e.FilteredProjection(context.Background(), Filter{EntityTypes: []string{"person"}})
	if err != nil {
		t.Fatalf("FilteredProjection: %v", err)
	}
	if len(result.Relations) != 0 {
		t.Errorf("expected no relations once an endpoint entity is filtered out, got %d", len(result.Relations))
	}
}

func TestFilteredProjectionMinConfidenceFiltersEntities(t *testing.T) {
	s := newProjectionTestStore(t)
	seedProjectionGraph(t, s)
	e := New(s)

	result, err := e.FilteredProjection(context.Background(), Filter{MinConfidence: 0.7})
	if err != nil {
		t.Fatalf("FilteredProjection: %v", err)
	}
	for _, ent := range result.Entities {
		if ent.Confidence < 0.7 {
			t.Errorf("entity %q with confidence %v should have been filtered", ent.Name, ent.Confidence)
		}
	}
	if len(result.Entities) != 2 {
		t.Errorf("expected 2 entities at or above 0.7 confidence, got %d", len(result.Entities))
	}
}

func TestFilterNormalizeAppliesDefaultsAndCaps(t *testing.T) {
	f := Filter{MaxEntities: 999999, MaxRelations: 999999}
	f.normalize()

	if f.MaxEntities != hardCapEntities {
		t.Errorf("MaxEntities = %d, want clamped to %d", f.MaxEntities, hardCapEntities)
	}
	if f.MaxRelations != hardCapRelations {
		t.Errorf("MaxRelations = %d, want clamped to %d", f.MaxRelations, hardCapRelations)
	}
	if f.MinOccurrence != 1 {
		t.Errorf("MinOccurrence = %d, want default of 1", f.MinOccurrence)
	}
	if f.SortBy != SortByOccurrence {
		t.Errorf("SortBy = %q, want default %q", f.SortBy, SortByOccurrence)
	}
	if f.SortOrder != Descending {
		t.Errorf("SortOrder = %q, want default %q", f.SortOrder, Descending)
	}
}

func TestFilterNormalizeLeavesExplicitValues(t *testing.T) {
	f := Filter{MaxEntities: 10, MaxRelations: 20, MinOccurrence: 3, SortBy: SortByConfidence, SortOrder: Ascending}
	f.normalize()

	if f.MaxEntities != 10 || f.MaxRelations != 20 || f.MinOccurrence != 3 {
		t.Errorf("normalize() altered explicit values: %+v", f)
	}
	if f.SortBy != SortByConfidence || f.SortOrder != Ascending {
		t.Errorf("normalize() altered explicit sort settings: %+v", f)
	}
}
