package chunker

import (
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// Heading pattern detection
// ---------------------------------------------------------------------------

// headingPatterns are compiled regular expressions for common heading
// styles found in structured documents.
var headingPatterns = []*regexp.Regexp{
	// Numbered: "1.", "1.2", "1.2.3", optionally followed by a title
	regexp.MustCompile(`^\s*(\d+\.)+(\d+)?\s+\S`),
	// Uppercase line (e.g. "INTRODUCTION")
	regexp.MustCompile(`^[A-Z][A-Z\s]{4,}$`),
	// Markdown-style: "# Heading", "## Sub-heading"
	regexp.MustCompile(`^#{1,6}\s+\S`),
	// Appendix / Annex: "Appendix A", "Annex 1"
	regexp.MustCompile(`(?i)^(appendix|annex|schedule|exhibit)\s+[A-Z0-9]`),
	// Article: "Article 1", "Article II"
	regexp.MustCompile(`(?i)^article\s+[IVXLCDM\d]+`),
}

// IsHeading reports whether a line of text looks like a heading.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	for _, re := range headingPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Section numbering
// ---------------------------------------------------------------------------

// numberingPattern matches hierarchical numbering such as "1.", "1.2",
// "1.2.3", etc.
var numberingPattern = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.\s`)

// DetectNumbering extracts the hierarchical number prefix from a line.
// It returns the matched number string (e.g. "1.2.3") and true, or
// an empty string and false if none was found.
func DetectNumbering(line string) (string, bool) {
	line = strings.TrimSpace(line)
	m := numberingPattern.FindStringSubmatch(line)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// NumberingLevel returns the depth implied by a hierarchical number
// string.  "1" is level 1, "1.2" is level 2, "1.2.3" is level 3, etc.
func NumberingLevel(numbering string) int {
	if numbering == "" {
		return 0
	}
	return strings.Count(numbering, ".") + 1
}

// ---------------------------------------------------------------------------
// Content type classification
// ---------------------------------------------------------------------------

// ContentType classifies a block of text into one of the canonical
// section types: "table", "paragraph", or "section".  The heuristics
// look at structural cues rather than semantic meaning.
func ContentType(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "paragraph"
	}

	if looksLikeTable(trimmed) {
		return "table"
	}
	if IsHeading(firstLine(trimmed)) {
		return "section"
	}
	return "paragraph"
}

// firstLine returns the first non-empty line of text.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Table preservation
//
// Tables are kept as atomic chunks so a hard token budget never splits a
// row away from its header.
// ---------------------------------------------------------------------------

// TableChunk holds a detected table block and its surrounding context.
type TableChunk struct {
	Content    string // The full table text, preserved as-is.
	StartLine  int    // Zero-based line index where the table begins.
	EndLine    int    // Zero-based line index where the table ends (exclusive).
	HasHeaders bool   // Whether a header separator row was detected.
}

// DetectTables scans text and identifies contiguous blocks that appear
// to be tabular data.  Tables are preserved as atomic units so that
// the chunker does not split them across chunk boundaries.
func DetectTables(text string) []TableChunk {
	lines := strings.Split(text, "\n")
	var tables []TableChunk

	i := 0
	for i < len(lines) {
		// Look for the start of a table.
		if isTableLine(lines[i]) {
			start := i
			hasHeaders := false
			for i < len(lines) && isTableLine(lines[i]) {
				if isHeaderSeparator(lines[i]) {
					hasHeaders = true
				}
				i++
			}
			// Require at least 2 table-like lines.
			if i-start >= 2 {
				content := strings.Join(lines[start:i], "\n")
				tables = append(tables, TableChunk{
					Content:    content,
					StartLine:  start,
					EndLine:    i,
					HasHeaders: hasHeaders,
				})
			}
			continue
		}
		i++
	}
	return tables
}

// PreserveTableChunks examines text and returns a list of text
// fragments where tables are kept as single atomic pieces and the
// remaining prose is split normally.  The returned fragments are in
// document order.
func PreserveTableChunks(text string) []string {
	tables := DetectTables(text)
	if len(tables) == 0 {
		return []string{text}
	}

	lines := strings.Split(text, "\n")
	var fragments []string
	cursor := 0

	for _, tbl := range tables {
		// Prose before this table.
		if cursor < tbl.StartLine {
			prose := strings.TrimSpace(strings.Join(lines[cursor:tbl.StartLine], "\n"))
			if prose != "" {
				fragments = append(fragments, prose)
			}
		}
		// The table itself (atomic).
		fragments = append(fragments, tbl.Content)
		cursor = tbl.EndLine
	}

	// Remaining prose after the last table.
	if cursor < len(lines) {
		prose := strings.TrimSpace(strings.Join(lines[cursor:], "\n"))
		if prose != "" {
			fragments = append(fragments, prose)
		}
	}

	return fragments
}

// looksLikeTable returns true when text appears to contain a table.
func looksLikeTable(text string) bool {
	lines := strings.Split(text, "\n")

	// Markdown-style tables: at least 3 lines, pipe characters in most.
	if len(lines) >= 3 {
		pipeCount := 0
		for _, l := range lines {
			if strings.Contains(l, "|") {
				pipeCount++
			}
		}
		if pipeCount >= len(lines)/2 {
			return true
		}
	}

	// Tab-delimited columns: at least 2 lines with multiple tabs.
	tabLines := 0
	for _, l := range lines {
		if strings.Count(l, "\t") >= 2 {
			tabLines++
		}
	}
	if tabLines >= 2 {
		return true
	}

	// Separator rows.
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if len(trimmed) > 3 && (allChar(trimmed, '-') || allChar(trimmed, '=')) {
			return true
		}
	}

	return false
}

// isTableLine reports whether a line looks like part of a table.
func isTableLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	// Markdown-style pipe tables.
	if strings.Contains(trimmed, "|") {
		return true
	}
	// Tab-delimited columns (at least two tabs).
	if strings.Count(trimmed, "\t") >= 2 {
		return true
	}
	// Separator rows.
	if isHeaderSeparator(trimmed) {
		return true
	}
	return false
}

// isHeaderSeparator detects markdown-style header separators like
// "|---|---|" or "------".
func isHeaderSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	// Remove pipe characters and spaces, see if the rest is all dashes.
	cleaned := strings.ReplaceAll(trimmed, "|", "")
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.ReplaceAll(cleaned, ":", "") // alignment markers
	if len(cleaned) < 3 {
		return false
	}
	for _, r := range cleaned {
		if r != '-' {
			return false
		}
	}
	return true
}

// allChar reports whether every character in s is c.
func allChar(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] != c {
			return false
		}
	}
	return len(s) > 0
}
