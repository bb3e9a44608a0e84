package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// JSONParser emits one Section per top-level array element (or per
// top-level object key, if the document root is an object), so the
// chunker's existing one-chunk-per-short-section behavior turns each
// record into its own chunk without any chunker change.
type JSONParser struct{}

func (p *JSONParser) SupportedFormats() []string { return []string{"json"} }

func (p *JSONParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading json file: %w", err)
	}

	var root interface{}
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing json: %w", err)
	}

	name := filepath.Base(path)
	var sections []Section

	switch v := root.(type) {
	case []interface{}:
		for i, elem := range v {
			sections = append(sections, Section{
				Heading: fmt.Sprintf("%s[%d]", name, i),
				Content: renderRecord(elem),
				Level:   1,
				Type:    "paragraph",
			})
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sections = append(sections, Section{
				Heading: fmt.Sprintf("%s.%s", name, k),
				Content: renderRecord(v[k]),
				Level:   1,
				Type:    "paragraph",
			})
		}
	default:
		sections = append(sections, Section{
			Heading: name,
			Content: renderRecord(root),
			Level:   1,
			Type:    "paragraph",
		})
	}

	return &ParseResult{Sections: sections, Method: "native"}, nil
}

// renderRecord flattens a JSON object into a readable "key: value" block;
// any other value (array or scalar) is rendered as its JSON encoding.
func renderRecord(v interface{}) string {
	switch rec := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, rec[k])
		}
		return b.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
