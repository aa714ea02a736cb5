// Package search implements the Tool Search Service: an in-memory inverted
// index over registered tools, with summary/detail search modes and
// first-query-wins auto-enable.
package search

import (
	"encoding/json"

	"github.com/cespare/xxhash/v2"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/namespace"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/registry"
)

// IndexedTool is the search-service-internal view of one registered tool.
type IndexedTool struct {
	ID           string // namespaced name; doubles as the registry key
	Name         string
	OriginalName string
	Description  string
	Source       string
	Category     string
	InputSchema  json.RawMessage
}

// fieldWeight assigns each field's contribution to a match score.
const (
	weightName = 3.0
	weightDesc = 1.0
	weightSrc  = 0.5
)

type posting struct {
	toolID string
	field  string
	weight float64
}

// index is the rebuild-from-scratch inverted index. Not safe for concurrent
// use on its own; callers serialize access (see Service).
type index struct {
	tools    map[string]IndexedTool
	inverted map[uint64][]posting
}

func buildIndex(tools []IndexedTool) *index {
	idx := &index{
		tools:    make(map[string]IndexedTool, len(tools)),
		inverted: make(map[uint64][]posting),
	}
	for _, t := range tools {
		idx.tools[t.ID] = t
		idx.addField(t.ID, "name", t.Name, weightName)
		idx.addField(t.ID, "originalName", t.OriginalName, weightName)
		idx.addField(t.ID, "description", t.Description, weightDesc)
		idx.addField(t.ID, "source", t.Source, weightSrc)
	}
	return idx
}

func (idx *index) addField(toolID, field, text string, weight float64) {
	for _, tok := range tokenize(text) {
		h := xxhash.Sum64String(tok)
		idx.inverted[h] = append(idx.inverted[h], posting{toolID: toolID, field: field, weight: weight})
	}
}

// textQuery scores every tool against the query text's tokens and returns
// matches ordered by descending score.
func (idx *index) textQuery(query string) []scoredTool {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	for _, qt := range qTokens {
		h := xxhash.Sum64String(qt)
		for _, p := range idx.inverted[h] {
			scores[p.toolID] += p.weight
		}
	}

	// Prefix/fuzzy matching: re-scan tool field text directly (the inverted
	// index's hash keys can't be reversed to a token string for comparison).
	for _, t := range idx.tools {
		for _, qt := range qTokens {
			if len(qt) < 3 {
				continue
			}
			for _, field := range []struct {
				text   string
				weight float64
			}{
				{t.Name, weightName},
				{t.OriginalName, weightName},
				{t.Description, weightDesc},
				{t.Source, weightSrc},
			} {
				for _, dt := range tokenize(field.text) {
					if dt == qt {
						continue // already scored via exact hash lookup
					}
					if tokenMatches(qt, dt) {
						scores[t.ID] += field.weight * 0.5
					}
				}
			}
		}
	}

	out := make([]scoredTool, 0, len(scores))
	for id, score := range scores {
		out = append(out, scoredTool{tool: idx.tools[id], score: score})
	}
	sortByScoreDesc(out)
	return out
}

type scoredTool struct {
	tool  IndexedTool
	score float64
}

func sortByScoreDesc(s []scoredTool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].score > s[j-1].score; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// toolsFromRegistry projects the registry's current view into IndexedTool
// records, consulting reg's per-source category index.
func toolsFromRegistry(reg *registry.Registry) []IndexedTool {
	var out []IndexedTool
	for _, rt := range reg.ListTools() {
		category, _ := reg.GetCategoryForSource(rt.Source)
		original := rt.Tool.Name
		if _, tool, ok := namespace.Split(rt.Name); ok {
			original = tool
		}
		out = append(out, IndexedTool{
			ID:           rt.Name,
			Name:         rt.Name,
			OriginalName: original,
			Description:  rt.Tool.Description,
			Source:       rt.Source,
			Category:     category,
			InputSchema:  rt.Tool.InputSchema,
		})
	}
	return out
}
