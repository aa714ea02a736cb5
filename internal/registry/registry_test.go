package registry

import (
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSetToolsForSource_ReplacesOwnedSet(t *testing.T) {
	r := New()
	r.SetToolsForSource("linear", []Tool{{Name: "linear__create_issue"}, {Name: "linear__list_issues"}})

	if _, ok := r.GetTool("linear__create_issue"); !ok {
		t.Fatal("expected linear__create_issue to be registered")
	}

	r.SetToolsForSource("linear", []Tool{{Name: "linear__create_issue"}})
	if _, ok := r.GetTool("linear__list_issues"); ok {
		t.Fatal("expected linear__list_issues to be removed after re-assertion")
	}
	if got, ok := r.GetTool("linear__create_issue"); !ok || got.Source != "linear" {
		t.Fatal("expected linear__create_issue to survive re-assertion owned by linear")
	}
}

// TestRegistryOwnership verifies invariant #2: every entry's name is present
// in its source's name-set and no other source's name-set.
func TestRegistryOwnership(t *testing.T) {
	r := New()
	r.SetToolsForSource("a", []Tool{{Name: "x"}, {Name: "y"}})
	r.SetToolsForSource("b", []Tool{{Name: "x"}}) // last-writer-wins on x

	tool, ok := r.GetTool("x")
	if !ok || tool.Source != "b" {
		t.Fatalf("expected x owned by b, got %+v ok=%v", tool, ok)
	}

	r.mu.RLock()
	_, aOwnsX := r.bySource["a"]["x"]
	_, bOwnsX := r.bySource["b"]["x"]
	r.mu.RUnlock()
	if aOwnsX {
		t.Fatal("source a must not retain ownership of x after b claimed it")
	}
	if !bOwnsX {
		t.Fatal("source b must retain ownership of x")
	}
}

// TestRemoveSourceNeverSteals verifies invariant #3: if A had tool x, B
// claims x via SetToolsForSource, then A is removed, x remains owned by B.
func TestRemoveSourceNeverSteals(t *testing.T) {
	r := New()
	r.SetToolsForSource("A", []Tool{{Name: "x"}})
	r.SetToolsForSource("B", []Tool{{Name: "x"}})
	r.RemoveSource("A")

	tool, ok := r.GetTool("x")
	if !ok {
		t.Fatal("expected x to still be registered")
	}
	if tool.Source != "B" {
		t.Fatalf("expected x owned by B, got %q", tool.Source)
	}
}

func TestRemoveSourceOnlyRemovesOwnTools(t *testing.T) {
	r := New()
	r.SetToolsForSource("A", []Tool{{Name: "a1"}, {Name: "a2"}})
	r.RemoveSource("A")

	if _, ok := r.GetTool("a1"); ok {
		t.Fatal("expected a1 removed")
	}
	if _, ok := r.GetTool("a2"); ok {
		t.Fatal("expected a2 removed")
	}
	if len(r.ListSources()) != 0 {
		t.Fatalf("expected no sources left, got %v", r.ListSources())
	}
}

func TestRemoveSourceFiresOnlyWhenSomethingRemoved(t *testing.T) {
	r := New()
	var notifications int32
	r.OnChanged(func() { atomic.AddInt32(&notifications, 1) })

	r.RemoveSource("never-existed")
	if atomic.LoadInt32(&notifications) != 0 {
		t.Fatal("expected no notification for removing a source with nothing registered")
	}

	r.SetToolsForSource("A", []Tool{{Name: "x"}})
	r.RemoveSource("A")
	if atomic.LoadInt32(&notifications) != 2 {
		t.Fatalf("expected 2 notifications (set + remove), got %d", notifications)
	}
}

func TestCategoryIndependentOfTools(t *testing.T) {
	r := New()
	r.SetCategoryForSource("linear", "issue-tracking")
	r.SetToolsForSource("linear", []Tool{{Name: "linear__create_issue"}})
	r.RemoveSource("linear")

	cat, ok := r.GetCategoryForSource("linear")
	if !ok || cat != "issue-tracking" {
		t.Fatalf("expected category to survive tool removal, got %q ok=%v", cat, ok)
	}

	r.RemoveCategoryForSource("linear")
	if _, ok := r.GetCategoryForSource("linear"); ok {
		t.Fatal("expected category removed")
	}
}

func TestOnChangedUnsubscribe(t *testing.T) {
	r := New()
	var calls int32
	unsub := r.OnChanged(func() { atomic.AddInt32(&calls, 1) })
	r.SetToolsForSource("a", []Tool{{Name: "x"}})
	unsub()
	r.SetToolsForSource("b", []Tool{{Name: "y"}})

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 call before unsubscribe, got %d", calls)
	}
}

func TestOnChangedObserverPanicIsSwallowed(t *testing.T) {
	r := New()
	var secondCalled bool
	r.OnChanged(func() { panic("boom") })
	r.OnChanged(func() { secondCalled = true })

	r.SetToolsForSource("a", []Tool{{Name: "x"}})
	if !secondCalled {
		t.Fatal("expected second observer to run despite first panicking")
	}
}

func TestConcurrentMutationIsRace_Free(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			src := "s"
			r.SetToolsForSource(src, []Tool{{Name: "t"}})
			r.ListTools()
			r.GetTool("t")
		}(i)
	}
	wg.Wait()
}
