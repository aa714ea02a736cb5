package search

import "testing"

func TestTextQuery_NameBoostOutranksDescriptionOnlyMatch(t *testing.T) {
	idx := buildIndex([]IndexedTool{
		{ID: "a__deploy", Name: "a__deploy", OriginalName: "deploy", Description: "generic tool"},
		{ID: "b__other", Name: "b__other", OriginalName: "other", Description: "runs a deploy step"},
	})

	results := idx.textQuery("deploy")
	if len(results) != 2 {
		t.Fatalf("expected both tools to match, got %d", len(results))
	}
	if results[0].tool.ID != "a__deploy" {
		t.Fatalf("expected name-match tool ranked first, got %+v", results[0].tool)
	}
	if results[0].score <= results[1].score {
		t.Fatalf("expected name match to outscore description-only match: %v vs %v", results[0].score, results[1].score)
	}
}

func TestTextQuery_NoMatchReturnsEmpty(t *testing.T) {
	idx := buildIndex([]IndexedTool{{ID: "a__x", Name: "a__x", OriginalName: "x", Description: "does nothing related"}})
	if got := idx.textQuery("zzzznotfound"); len(got) != 0 {
		t.Fatalf("expected no matches, got %+v", got)
	}
}
