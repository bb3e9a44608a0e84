package graph

// EntityConcept is the fallback entity type applied when the extractor
// returns a blank type. Entity and relation types are otherwise an open
// vocabulary: whatever tag the LLM assigns is stored and indexed as-is.
const EntityConcept = "concept"

// ExtractedEntity is what the LLM returns from entity extraction.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ExtractedRelationship is what the LLM returns from relationship extraction.
type ExtractedRelationship struct {
	Source       string  `json:"source"`
	Target       string  `json:"target"`
	RelationType string  `json:"relation_type"`
	Description  string  `json:"description"`
	Weight       float64 `json:"weight"`
}

// ExtractionResult holds the LLM's structured output for a chunk.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}
