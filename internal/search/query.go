package search

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// maxRegexLength caps filter patterns accepted as regexes, per the design
// note in SPEC_FULL.md §4.4.
const maxRegexLength = 200

// SearchQuery is one element of a search_tools call.
type SearchQuery struct {
	Tool        string `json:"tool,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Category    string `json:"category,omitempty"`
	ExpandTools bool   `json:"expand_tools,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
}

// SearchToolsParams is the search_tools tool's input.
type SearchToolsParams struct {
	Queries []SearchQuery `json:"queries"`
}

// ToolResult is one tool entry within a query's page.
type ToolResult struct {
	ToolName    string          `json:"tool_name"`
	Source      string          `json:"source"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Disabled    bool            `json:"disabled,omitempty"`
}

// ProviderSummary groups a query's page (or, in summary mode, a whole
// source) by upstream.
type ProviderSummary struct {
	Name      string       `json:"name"`
	Category  string       `json:"category,omitempty"`
	ToolCount int          `json:"tool_count"`
	Tools     []ToolResult `json:"tools"`
}

// QueryResult is the outcome of one query within a search_tools call.
type QueryResult struct {
	Providers []ProviderSummary `json:"providers"`
	Total     int               `json:"total"`
	Count     int               `json:"count"`
	Remaining int               `json:"remaining"`
}

// SearchToolsResponse is the search_tools tool's JSON-encoded output.
type SearchToolsResponse struct {
	Results []QueryResult `json:"results"`
}

const (
	defaultLimit = 10
	maxLimit     = 50
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// isSummaryQuery reports whether q should be answered in summary mode: no
// tool filter and expand_tools not requested.
func isSummaryQuery(q SearchQuery) bool {
	return q.Tool == "" && !q.ExpandTools
}

// hasAnyFilter reports whether q carries at least one of the three filters;
// a query with none produces an empty result slot.
func hasAnyFilter(q SearchQuery) bool {
	return q.Tool != "" || q.Provider != "" || q.Category != ""
}

// compileRegexFilter recognises the `regex:pattern` and `/pattern/flags`
// filter forms. The second return value reports whether s was recognised as
// a regex filter at all (regardless of whether it compiled); a recognised
// but invalid or over-length pattern compiles to a nil *regexp.Regexp,
// which callers must treat as "matches nothing".
//
// Go's regexp package has no `v`-flag (RE2 strict-syntax) equivalent to
// guard against engine differences the way some JS runtimes do; this repo
// always compiles with the standard library's default RE2 engine and
// records that as the deliberate choice rather than emulating a flag Go
// does not expose.
func compileRegexFilter(s string) (re *regexp.Regexp, isRegexForm bool) {
	pattern, flags, ok := parseRegexForm(s)
	if !ok {
		return nil, false
	}
	if len(pattern) > maxRegexLength {
		return nil, true
	}
	prefix := ""
	if strings.Contains(flags, "i") {
		prefix = "(?i)"
	}
	compiled, err := regexp.Compile(prefix + pattern)
	if err != nil {
		return nil, true
	}
	return compiled, true
}

func parseRegexForm(s string) (pattern, flags string, ok bool) {
	if strings.HasPrefix(s, "regex:") {
		return strings.TrimPrefix(s, "regex:"), "", true
	}
	if len(s) >= 2 && strings.HasPrefix(s, "/") {
		if idx := strings.LastIndex(s, "/"); idx > 0 {
			return s[1:idx], s[idx+1:], true
		}
	}
	return "", "", false
}

// matchesFilterText implements the provider/category matching rule:
// case-insensitive prefix match, or regex when the filter is in regex form.
func matchesFilterText(value, filter string) bool {
	if filter == "" {
		return true
	}
	if re, isRegexForm := compileRegexFilter(filter); isRegexForm {
		if re == nil {
			return false
		}
		return re.MatchString(value)
	}
	return hasPrefix(toLower(value), toLower(filter))
}

func regexMatchesTool(re *regexp.Regexp, t IndexedTool) bool {
	return re.MatchString(t.Name) || re.MatchString(t.OriginalName) ||
		re.MatchString(t.Description) || re.MatchString(t.Source)
}

func (idx *index) matchProvider(filter string) map[string]struct{} {
	out := make(map[string]struct{})
	for id, t := range idx.tools {
		if matchesFilterText(t.Source, filter) {
			out[id] = struct{}{}
		}
	}
	return out
}

func (idx *index) matchCategory(filter string) map[string]struct{} {
	out := make(map[string]struct{})
	for id, t := range idx.tools {
		if t.Category == "" {
			continue
		}
		if matchesFilterText(t.Category, filter) {
			out[id] = struct{}{}
		}
	}
	return out
}

func filterOrdered(ids []string, set map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// detailCandidates computes the ordered, deduplicated-against-seen candidate
// list for a detail-mode query: build an ordered id list from the tool
// filter (score-ranked for a text query, alphabetical for a regex query or
// when no tool filter was given), then narrow by provider/category
// membership, then drop anything already in seen.
func detailCandidates(idx *index, q SearchQuery, seen map[string]struct{}) []string {
	var ordered []string

	switch {
	case q.Tool == "":
		ids := make([]string, 0, len(idx.tools))
		for id := range idx.tools {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		ordered = ids
	default:
		if re, isRegexForm := compileRegexFilter(q.Tool); isRegexForm {
			ids := make([]string, 0)
			if re != nil {
				for id, t := range idx.tools {
					if regexMatchesTool(re, t) {
						ids = append(ids, id)
					}
				}
			}
			sort.Strings(ids)
			ordered = ids
		} else {
			scored := idx.textQuery(q.Tool)
			if len(scored) > 0 {
				threshold := scored[0].score * 0.3
				for _, st := range scored {
					if st.score >= threshold {
						ordered = append(ordered, st.tool.ID)
					}
				}
			}
		}
	}

	if q.Provider != "" {
		ordered = filterOrdered(ordered, idx.matchProvider(q.Provider))
	}
	if q.Category != "" {
		ordered = filterOrdered(ordered, idx.matchCategory(q.Category))
	}

	out := make([]string, 0, len(ordered))
	for _, id := range ordered {
		if _, dup := seen[id]; dup {
			continue
		}
		out = append(out, id)
	}
	return out
}

// summaryProviders computes the summary-mode result: the set of sources
// whose source name and/or category pass the given filters, each reported
// with its full tool count and an empty tool list.
func summaryProviders(idx *index, q SearchQuery) []ProviderSummary {
	counts := make(map[string]int)
	categories := make(map[string]string)
	for _, t := range idx.tools {
		counts[t.Source]++
		if t.Category != "" {
			categories[t.Source] = t.Category
		}
	}

	sources := make([]string, 0, len(counts))
	for source := range counts {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	out := make([]ProviderSummary, 0, len(sources))
	for _, source := range sources {
		if q.Provider != "" && !matchesFilterText(source, q.Provider) {
			continue
		}
		category := categories[source]
		if q.Category != "" {
			if category == "" || !matchesFilterText(category, q.Category) {
				continue
			}
		}
		out = append(out, ProviderSummary{
			Name:      source,
			Category:  category,
			ToolCount: counts[source],
			Tools:     []ToolResult{},
		})
	}
	return out
}
