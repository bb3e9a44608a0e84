package store

import (
	"hash/fnv"
	"strings"
	"unicode"
)

// NormalizeEntityName lowercases, folds whitespace, and strips punctuation
// from an entity name, producing the canonical form used for deduplication
// and deterministic id derivation.
func NormalizeEntityName(name string) string {
	var b strings.Builder
	lastWasSpace := true
	for _, r := range strings.ToLower(name) {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteRune(' ')
				lastWasSpace = true
			}
			continue
		}
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	return strings.TrimSpace(b.String())
}

// DeterministicEntityID derives a stable entity id from its normalized name
// and type, so that re-ingesting the same corpus always assigns the same
// identity to the same entity (spec invariant: id = f(normalized_name, type)).
func DeterministicEntityID(normalizedName, entityType string) int64 {
	h := fnv.New64a()
	h.Write([]byte(normalizedName))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(entityType)))
	// Mask off the sign bit: SQLite INTEGER PRIMARY KEY accepts any 64-bit
	// value but downstream JSON consumers expect a non-negative id.
	return int64(h.Sum64() &^ (1 << 63))
}
