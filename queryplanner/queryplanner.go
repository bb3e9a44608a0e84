// Package queryplanner classifies a query's intent and complexity and
// picks the retrieval strategy weights the hybrid retriever fans out with.
package queryplanner

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/kgrag/hybridrag/llm"
	"github.com/kgrag/hybridrag/store"
)

// Intent is the classified purpose of a query.
type Intent string

const (
	Factual     Intent = "FACTUAL"
	Comparative Intent = "COMPARATIVE"
	Causal      Intent = "CAUSAL"
	Analytical  Intent = "ANALYTICAL"
	Temporal    Intent = "TEMPORAL"
	Procedural  Intent = "PROCEDURAL"
)

// Complexity buckets a query by how much retrieval work it likely needs.
type Complexity string

const (
	Low    Complexity = "low"
	Medium Complexity = "medium"
	High   Complexity = "high"
)

// StrategyComponent is one weighted retrieval strategy in a plan.
type StrategyComponent struct {
	Kind   string  `json:"kind"` // vector, graph, keyword
	Weight float64 `json:"weight"`
}

// Plan is the planner's decision object for a single query.
type Plan struct {
	Query              string              `json:"query"`
	Intent             Intent              `json:"intent"`
	Confidence         float64             `json:"confidence"`
	Complexity         Complexity          `json:"complexity"`
	Entities           []string            `json:"entities"`
	KnownEntityIDs     []int64             `json:"known_entity_ids,omitempty"`
	StrategyComponents []StrategyComponent `json:"strategy_components"`
	ReasoningKind      string              `json:"reasoning_kind,omitempty"` // none, comparative, causal, multi_hop
	MaxHops            int                 `json:"max_hops"`
}

// Weight returns the weight assigned to the named strategy, or 0.
func (p *Plan) Weight(kind string) float64 {
	for _, c := range p.StrategyComponents {
		if c.Kind == kind {
			return c.Weight
		}
	}
	return 0
}

// fuzzyKnownThreshold is the minimum name-similarity ratio (1 - normalized
// edit distance) for a query term to be promoted to a "known" graph entity.
const fuzzyKnownThreshold = 0.9

// lowConfidenceThreshold triggers the LLM classification fallback.
const lowConfidenceThreshold = 0.6

type intentPattern struct {
	intent  Intent
	pattern *regexp.Regexp
}

var intentPatterns = []intentPattern{
	{Comparative, regexp.MustCompile(`(?i)\b(compare|comparison|vs\.?|versus|difference between|which is better)\b`)},
	{Causal, regexp.MustCompile(`(?i)\b(why|cause[sd]?|because|leads? to|results? in|due to)\b`)},
	{Procedural, regexp.MustCompile(`(?i)\b(how to|how do|step[s]?|procedure|process for|instructions)\b`)},
	{Temporal, regexp.MustCompile(`(?i)\b(when|before|after|timeline|sequence of events|history of)\b`)},
	{Analytical, regexp.MustCompile(`(?i)\b(analyz|implications?|impact of|relationship between|evaluate)\b`)},
}

// strategyTable is the fixed per-intent weight table (vector, graph,
// keyword) plus the reasoning path kind each intent requests.
var strategyTable = map[Intent]struct {
	vector, graph, keyword float64
	reasoning              string
}{
	Factual:     {0.60, 0.25, 0.15, "none"},
	Comparative: {0.35, 0.45, 0.20, "comparative"},
	Causal:      {0.25, 0.55, 0.20, "causal"},
	Analytical:  {0.50, 0.35, 0.15, "multi_hop"},
	Temporal:    {0.40, 0.40, 0.20, "multi_hop"},
	Procedural:  {0.55, 0.25, 0.20, "none"},
}

// Planner produces a retrieval Plan for a query.
type Planner struct {
	graphStore *store.Store
	classifier llm.Provider // optional; nil disables the LLM fallback
}

// New creates a Planner. classifier may be nil to disable the low-confidence
// LLM classification fallback.
func New(graphStore *store.Store, classifier llm.Provider) *Planner {
	return &Planner{graphStore: graphStore, classifier: classifier}
}

// Plan classifies intent, resolves query entities against the knowledge
// graph, and assembles the weighted strategy list for query.
func (p *Planner) Plan(ctx context.Context, query string) (*Plan, error) {
	intent, confidence, matchedPatterns := classifyRules(query)

	if confidence < lowConfidenceThreshold && p.classifier != nil {
		if llmIntent, ok := p.classifyWithLLM(ctx, query); ok {
			intent = llmIntent
			confidence = 0.75
		}
	}

	entityTerms := extractQueryEntityTerms(query)
	knownIDs, allEntities, err := p.resolveKnownEntities(ctx, entityTerms)
	if err != nil {
		slog.Warn("queryplanner: entity resolution failed, continuing with zero known entities", "error", err)
	}

	weights := strategyTable[intent]
	components := []StrategyComponent{
		{Kind: "vector", Weight: weights.vector},
		{Kind: "graph", Weight: weights.graph},
		{Kind: "keyword", Weight: weights.keyword},
	}

	if len(knownIDs) >= 2 {
		shiftWeight(components, "vector", "graph", 0.1)
	}
	if len(knownIDs) == 0 {
		zeroAndRenormalize(components, "graph")
	}

	complexity, maxHops := classifyComplexity(len(knownIDs), matchedPatterns)

	return &Plan{
		Query:              query,
		Intent:             intent,
		Confidence:         confidence,
		Complexity:         complexity,
		Entities:           allEntities,
		KnownEntityIDs:     knownIDs,
		StrategyComponents: components,
		ReasoningKind:      weights.reasoning,
		MaxHops:            maxHops,
	}, nil
}

// classifyRules runs the regex/keyword rule table and returns the first
// matching intent, a confidence score, and the set of matched patterns.
// Confidence is 1.0 for a single unambiguous match, degraded when multiple
// distinct intents match (the query is ambiguous), and 0.5 with no match
// (defaults to FACTUAL).
func classifyRules(query string) (Intent, float64, []Intent) {
	var matched []Intent
	seen := make(map[Intent]bool)
	for _, ip := range intentPatterns {
		if ip.pattern.MatchString(query) && !seen[ip.intent] {
			seen[ip.intent] = true
			matched = append(matched, ip.intent)
		}
	}

	if len(matched) == 0 {
		return Factual, 0.5, nil
	}
	if len(matched) == 1 {
		return matched[0], 1.0, matched
	}
	// Multiple intents matched: take the first in priority order (the
	// table above is already ordered comparative > causal > procedural >
	// temporal > analytical) but discount confidence for the ambiguity.
	return matched[0], 0.5, matched
}

// classifyWithLLM asks the chat collaborator to pick an intent label. It
// returns ok=false if the response doesn't map to a known intent.
func (p *Planner) classifyWithLLM(ctx context.Context, query string) (Intent, bool) {
	resp, err := p.classifier.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Classify the user's question into exactly one of: FACTUAL, COMPARATIVE, CAUSAL, ANALYTICAL, TEMPORAL, PROCEDURAL. Respond with only the label."},
			{Role: "user", Content: query},
		},
		Temperature: 0,
		MaxTokens:   8,
	})
	if err != nil {
		slog.Warn("queryplanner: LLM intent classification failed", "error", err)
		return "", false
	}
	label := Intent(strings.ToUpper(strings.TrimSpace(resp.Content)))
	switch label {
	case Factual, Comparative, Causal, Analytical, Temporal, Procedural:
		return label, true
	default:
		return "", false
	}
}

// classifyComplexity implements the low/medium/high rule and derives
// max_hops (1/2/3). High also fires when the query's matched intents
// include both the causal intent and an intent whose strategyTable
// reasoning kind is multi_hop (analytical or temporal) — both patterns
// present means the query needs causal-chain reasoning over more than
// one hop, regardless of how many known entities resolved.
func classifyComplexity(knownEntities int, matched []Intent) (Complexity, int) {
	matchedPatterns := len(matched)

	if knownEntities == 0 && matchedPatterns <= 1 {
		return Low, 1
	}
	if knownEntities >= 3 {
		return High, 3
	}
	if hasCausalAndMultiHop(matched) {
		return High, 3
	}
	if knownEntities >= 1 && knownEntities <= 2 {
		return Medium, 2
	}
	if matchedPatterns >= 2 {
		return Medium, 2
	}
	return Low, 1
}

// hasCausalAndMultiHop reports whether matched contains both the causal
// intent and an intent whose strategyTable reasoning kind is multi_hop.
func hasCausalAndMultiHop(matched []Intent) bool {
	var hasCausal, hasMultiHop bool
	for _, intent := range matched {
		if intent == Causal {
			hasCausal = true
		}
		if strategyTable[intent].reasoning == "multi_hop" {
			hasMultiHop = true
		}
	}
	return hasCausal && hasMultiHop
}

// shiftWeight moves delta of weight from `from` to `to`, clamping `from`
// at zero.
func shiftWeight(components []StrategyComponent, from, to string, delta float64) {
	var fromIdx, toIdx = -1, -1
	for i, c := range components {
		if c.Kind == from {
			fromIdx = i
		}
		if c.Kind == to {
			toIdx = i
		}
	}
	if fromIdx < 0 || toIdx < 0 {
		return
	}
	shift := delta
	if components[fromIdx].Weight < shift {
		shift = components[fromIdx].Weight
	}
	components[fromIdx].Weight -= shift
	components[toIdx].Weight += shift
}

// zeroAndRenormalize zeroes the named strategy's weight and renormalizes
// the remaining strategies proportionally so weights still sum to 1.
func zeroAndRenormalize(components []StrategyComponent, kind string) {
	var removed float64
	var remaining float64
	for i, c := range components {
		if c.Kind == kind {
			removed = c.Weight
			components[i].Weight = 0
		} else {
			remaining += c.Weight
		}
	}
	if removed == 0 || remaining == 0 {
		return
	}
	for i, c := range components {
		if c.Kind != kind {
			components[i].Weight = c.Weight + (c.Weight/remaining)*removed
		}
	}
}

// extractQueryEntityTerms pulls entity-shaped phrases out of a raw query:
// quoted terms, capitalized multi-word phrases, and standalone significant
// words. This feeds entity resolution against the knowledge graph.
func extractQueryEntityTerms(query string) []string {
	var terms []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || len(s) < 2 {
			return
		}
		lower := strings.ToLower(s)
		if seen[lower] {
			return
		}
		seen[lower] = true
		terms = append(terms, s)
	}

	inQuote := false
	var quoted strings.Builder
	for _, r := range query {
		if r == '"' || r == '\'' {
			if inQuote {
				add(quoted.String())
				quoted.Reset()
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			quoted.WriteRune(r)
		}
	}

	words := strings.Fields(query)
	var phrase []string
	flush := func() {
		if len(phrase) > 0 {
			add(strings.Join(phrase, " "))
			phrase = nil
		}
	}
	for _, w := range words {
		clean := strings.Trim(w, ".,;:!?\"'()[]")
		if clean == "" {
			flush()
			continue
		}
		r := []rune(clean)[0]
		if r >= 'A' && r <= 'Z' {
			phrase = append(phrase, clean)
		} else {
			flush()
		}
	}
	flush()

	for _, w := range words {
		clean := strings.Trim(w, ".,;:!?\"'()[]")
		if len(clean) > 3 {
			add(clean)
		}
	}

	return terms
}

// resolveKnownEntities looks up each candidate term against the knowledge
// graph: exact name match, falling back to fuzzy match (similarity ≥ 0.9,
// Levenshtein-ratio based). Returns the resolved entity ids plus the full
// deduplicated term list (known or not) for the plan's Entities field.
func (p *Planner) resolveKnownEntities(ctx context.Context, terms []string) ([]int64, []string, error) {
	if len(terms) == 0 || p.graphStore == nil {
		return nil, terms, nil
	}

	exact, err := p.graphStore.GetEntitiesByNames(ctx, terms)
	if err != nil {
		return nil, terms, err
	}
	matchedTerms := make(map[string]bool, len(exact))
	var ids []int64
	for _, e := range exact {
		ids = append(ids, e.ID)
		matchedTerms[strings.ToLower(store.NormalizeEntityName(e.Name))] = true
	}

	unmatched := make([]string, 0, len(terms))
	for _, t := range terms {
		if !matchedTerms[strings.ToLower(store.NormalizeEntityName(t))] {
			unmatched = append(unmatched, t)
		}
	}
	if len(unmatched) == 0 {
		return ids, terms, nil
	}

	candidates, err := p.graphStore.SearchEntitiesByTerms(ctx, unmatched, 100)
	if err != nil {
		return ids, terms, err
	}
	for _, term := range unmatched {
		normTerm := store.NormalizeEntityName(term)
		for _, c := range candidates {
			if fuzzyMatch(normTerm, store.NormalizeEntityName(c.Name)) {
				ids = append(ids, c.ID)
				break
			}
		}
	}

	return ids, terms, nil
}

// fuzzyMatch reports whether a and b are similar enough (ratio ≥
// fuzzyKnownThreshold) to be treated as the same entity.
func fuzzyMatch(a, b string) bool {
	if a == b && a != "" {
		return true
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return false
	}
	dist := levenshtein.ComputeDistance(a, b)
	ratio := 1 - float64(dist)/float64(maxLen)
	return ratio >= fuzzyKnownThreshold
}
