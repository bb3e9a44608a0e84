package chunker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/kgrag/hybridrag/parser"
	"github.com/kgrag/hybridrag/store"
)

// errMismatchedEmbeddings is returned when an Embedder's response count
// does not match the number of sentences submitted.
var errMismatchedEmbeddings = errors.New("chunker: embedder returned mismatched vector count")

// Embedder generates vector embeddings for a batch of texts. Satisfied by
// llm.Provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SemanticTau is the default centroid-distance threshold (1 - cosine
// similarity) above which a sentence starts a new chunk.
const SemanticTau = 0.35

// ChunkSemantic groups each section's sentences by embedding proximity to a
// running centroid instead of by paragraph/sentence token budgets alone: a
// sentence joins the current group while its cosine distance to the
// group's centroid stays within tau, and starts a new group otherwise (or
// when MaxTokens would be exceeded). If embed fails for a document, the
// whole document falls back to structural splitting and the failure is
// logged once, not once per section.
func (c *Chunker) ChunkSemantic(ctx context.Context, sections []parser.Section, embed Embedder, tau float64) []store.Chunk {
	if tau <= 0 {
		tau = SemanticTau
	}
	if embed == nil {
		return c.Chunk(sections)
	}

	var failOnce sync.Once
	degraded := false
	split := func(text string) []string {
		if degraded {
			return c.splitContent(text)
		}
		frags, err := c.splitSemantic(ctx, text, embed, tau)
		if err != nil {
			failOnce.Do(func() {
				degraded = true
				slog.Warn("chunker: semantic split failed, falling back to structural chunking", "error", err)
			})
			return c.splitContent(text)
		}
		return frags
	}

	var chunks []store.Chunk
	pos := 0
	for _, sec := range sections {
		c.processSection(sec, nil, &chunks, &pos, -1, nil, split)
	}
	if degraded {
		slog.Info("chunker: document chunked with structural fallback after semantic failure")
		return c.Chunk(sections)
	}
	return chunks
}

// splitSemantic breaks text into sentences, embeds them in one batch call,
// and greedily groups consecutive sentences into fragments by centroid
// distance and token budget.
func (c *Chunker) splitSemantic(ctx context.Context, text string, embed Embedder, tau float64) ([]string, error) {
	if estimateTokens(text) <= c.cfg.MaxTokens {
		return []string{strings.TrimSpace(text)}, nil
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	vectors, err := embed.Embed(ctx, sentences)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(sentences) {
		return nil, errMismatchedEmbeddings
	}

	var fragments []string
	var groupSentences []string
	var centroid []float32
	groupTokens := 0

	flush := func() {
		if len(groupSentences) == 0 {
			return
		}
		fragments = append(fragments, strings.TrimSpace(strings.Join(groupSentences, " ")))
		groupSentences = nil
		centroid = nil
		groupTokens = 0
	}

	for i, sent := range sentences {
		sentTokens := estimateTokens(sent)
		vec := vectors[i]

		if len(groupSentences) > 0 {
			dist := cosineDistance(centroid, vec)
			if dist > tau || groupTokens+sentTokens > c.cfg.MaxTokens {
				flush()
			}
		}

		groupSentences = append(groupSentences, sent)
		groupTokens += sentTokens
		centroid = updateCentroid(centroid, vec, len(groupSentences))
	}
	flush()

	return fragments, nil
}

// updateCentroid returns the running mean of a group's embeddings after
// adding vec as the n-th member.
func updateCentroid(centroid []float32, vec []float32, n int) []float32 {
	if centroid == nil {
		out := make([]float32, len(vec))
		copy(out, vec)
		return out
	}
	for i := range centroid {
		centroid[i] += (vec[i] - centroid[i]) / float32(n)
	}
	return centroid
}

// cosineDistance returns 1 - cosine_similarity(a, b), in [0, 2].
func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return 1 - sim
}
