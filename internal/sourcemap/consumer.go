// Package sourcemap implements the Source Map Mapper of spec §4.5: loads a
// source map from file/url/inline data, parses its VLQ "mappings" field,
// and translates between original and generated coordinates. No VLQ
// source-map decoder appears anywhere in the retrieval corpus this module
// was grounded on, so this package is implemented directly against the
// source map v3 specification rather than adapted from an example.
package sourcemap

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Position is a zero-based line/column pair, matching CDP's coordinate
// convention.
type Position struct {
	Line   int
	Column int
}

// mapping is one decoded VLQ segment, fully resolved (line numbers
// absolute, not segment-relative).
type mapping struct {
	generatedLine   int
	generatedColumn int
	sourceIndex     int // -1 if the segment carries no source reference
	originalLine    int
	originalColumn  int
}

// rawSourceMap mirrors the JSON shape of a source map v3 document.
type rawSourceMap struct {
	Version    int      `json:"version"`
	File       string   `json:"file"`
	SourceRoot string   `json:"sourceRoot"`
	Sources    []string `json:"sources"`
	Names      []string `json:"names"`
	Mappings   string   `json:"mappings"`
}

// Consumer is a parsed source map ready for coordinate translation.
type Consumer struct {
	sources  []string // canonicalized
	mappings []mapping

	// byGenerated is sorted by (generatedLine, generatedColumn); GetOriginal
	// scans it for generated->original lookups.
	byGenerated []mapping
	byOriginal  []mapping // sorted by (sourceIndex, originalLine, originalColumn)
}

// canonicalSourceKey trims a leading "./" so "./src/a.ts" and "src/a.ts"
// compare equal; sourceIndexFor adds a base-name fallback on top, so
// GetGenerated can be called with whatever form the caller has at hand.
func canonicalSourceKey(s string) string {
	return strings.TrimPrefix(s, "./")
}

// Parse decodes a source map v3 JSON document.
func Parse(data []byte) (*Consumer, error) {
	var raw rawSourceMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing source map: %w", err)
	}
	if raw.Version != 3 {
		return nil, fmt.Errorf("unsupported source map version %d", raw.Version)
	}

	sources := make([]string, len(raw.Sources))
	for i, s := range raw.Sources {
		full := s
		if raw.SourceRoot != "" && !strings.HasPrefix(s, "/") {
			full = strings.TrimSuffix(raw.SourceRoot, "/") + "/" + s
		}
		sources[i] = canonicalSourceKey(full)
	}

	var mappings []mapping
	genLine := 0
	sourceIdx, origLine, origCol, nameIdx := 0, 0, 0, 0

	for _, lineStr := range strings.Split(raw.Mappings, ";") {
		genCol := 0
		if lineStr != "" {
			for _, segStr := range strings.Split(lineStr, ",") {
				if segStr == "" {
					continue
				}
				fields, err := decodeVLQSegment(segStr)
				if err != nil {
					return nil, err
				}
				if len(fields) < 1 {
					continue
				}
				genCol += fields[0]

				m := mapping{generatedLine: genLine, generatedColumn: genCol, sourceIndex: -1}
				if len(fields) >= 4 {
					sourceIdx += fields[1]
					origLine += fields[2]
					origCol += fields[3]
					m.sourceIndex = sourceIdx
					m.originalLine = origLine
					m.originalColumn = origCol
				}
				if len(fields) >= 5 {
					nameIdx += fields[4]
				}
				mappings = append(mappings, m)
			}
		}
		genLine++
	}

	c := &Consumer{sources: sources, mappings: mappings}
	c.byGenerated = append([]mapping{}, mappings...)
	sort.Slice(c.byGenerated, func(i, j int) bool {
		a, b := c.byGenerated[i], c.byGenerated[j]
		if a.generatedLine != b.generatedLine {
			return a.generatedLine < b.generatedLine
		}
		return a.generatedColumn < b.generatedColumn
	})

	for _, m := range mappings {
		if m.sourceIndex >= 0 {
			c.byOriginal = append(c.byOriginal, m)
		}
	}
	sort.Slice(c.byOriginal, func(i, j int) bool {
		a, b := c.byOriginal[i], c.byOriginal[j]
		if a.sourceIndex != b.sourceIndex {
			return a.sourceIndex < b.sourceIndex
		}
		if a.originalLine != b.originalLine {
			return a.originalLine < b.originalLine
		}
		return a.originalColumn < b.originalColumn
	})

	return c, nil
}

// sourceIndexFor resolves sourceID (an exact source entry, a normalized
// path, or a base name) to its index in c.sources.
func (c *Consumer) sourceIndexFor(sourceID string) (int, bool) {
	key := canonicalSourceKey(sourceID)
	for i, s := range c.sources {
		if s == key {
			return i, true
		}
	}
	base := path.Base(key)
	for i, s := range c.sources {
		if path.Base(s) == base {
			return i, true
		}
	}
	return 0, false
}

// GetGenerated translates an original (source, line, column) into the
// generated position, picking the mapping entry at or immediately before
// the requested column on that line (the nearest preceding statement
// boundary), or the first mapping on the line when none precedes the
// column; nil if the source or line has no mapping.
func (c *Consumer) GetGenerated(sourceID string, line, column int) (*Position, bool) {
	idx, ok := c.sourceIndexFor(sourceID)
	if !ok {
		return nil, false
	}

	var best *mapping
	for i := range c.byOriginal {
		m := &c.byOriginal[i]
		if m.sourceIndex != idx || m.originalLine != line {
			continue
		}
		if m.originalColumn > column {
			if best == nil {
				best = m // first mapping on the line as a fallback
			}
			break
		}
		best = m
	}
	if best == nil {
		return nil, false
	}
	return &Position{Line: best.generatedLine, Column: best.generatedColumn}, true
}

// GetOriginal translates a generated (line, column) into its originating
// source and position, using the nearest mapping entry at or before the
// requested column on that generated line.
func (c *Consumer) GetOriginal(line, column int) (sourceID string, pos *Position, ok bool) {
	var best *mapping
	for i := range c.byGenerated {
		m := &c.byGenerated[i]
		if m.generatedLine != line {
			continue
		}
		if m.generatedColumn > column {
			break
		}
		best = m
	}
	if best == nil || best.sourceIndex < 0 {
		return "", nil, false
	}
	return c.sources[best.sourceIndex], &Position{Line: best.originalLine, Column: best.originalColumn}, true
}

// Sources returns the canonicalized source list, for diagnostics.
func (c *Consumer) Sources() []string {
	return append([]string{}, c.sources...)
}
