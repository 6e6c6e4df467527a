package approval

import "testing"

func TestIsApproved_Undefined(t *testing.T) {
	c := New()
	if v := c.IsApproved("read_file", "fs"); v != nil {
		t.Fatalf("expected undefined, got %v", *v)
	}
}

func TestIsApproved_ToolPrecedesCategory(t *testing.T) {
	c := New()
	c.SetCategoryApproval("fs", false)
	c.SetApproval("read_file", true)

	v := c.IsApproved("read_file", "fs")
	if v == nil || !*v {
		t.Fatalf("expected tool-scoped approval to win, got %v", v)
	}
}

func TestIsApproved_CategoryFallback(t *testing.T) {
	c := New()
	c.SetCategoryApproval("fs", true)

	v := c.IsApproved("write_file", "fs")
	if v == nil || !*v {
		t.Fatalf("expected category approval, got %v", v)
	}
}

func TestIsApproved_DenialCachedSymmetrically(t *testing.T) {
	c := New()
	c.SetApproval("delete_file", false)

	v := c.IsApproved("delete_file", "fs")
	if v == nil || *v {
		t.Fatalf("expected cached denial, got %v", v)
	}
}

func TestIsApproved_SurvivesLaterCategoryChange(t *testing.T) {
	c := New()
	c.SetApproval("read_file", true)
	c.SetCategoryApproval("fs", false)

	v := c.IsApproved("read_file", "fs")
	if v == nil || !*v {
		t.Fatalf("tool-scoped decision must not be shadowed by a later category decision, got %v", v)
	}
}

func TestIsApproved_PatternMatch(t *testing.T) {
	c := New()
	c.SetApproval("git*", true)

	v := c.IsApproved("git-status", "vcs")
	if v == nil || !*v {
		t.Fatalf("expected pattern match to approve, got %v", v)
	}
}

func TestClear_ResetsToUndefined(t *testing.T) {
	c := New()
	c.SetApproval("read_file", true)
	c.SetCategoryApproval("fs", true)
	c.Clear()

	if v := c.IsApproved("read_file", "fs"); v != nil {
		t.Fatalf("expected undefined after clear, got %v", *v)
	}
	stats := c.Stats()
	if stats.Specific != 0 || stats.Category != 0 {
		t.Fatalf("expected empty stats after clear, got %+v", stats)
	}
}

func TestStats_CountsDistinctEntries(t *testing.T) {
	c := New()
	c.SetApproval("read_file", true)
	c.SetApproval("write_file", false)
	c.SetCategoryApproval("fs", true)

	stats := c.Stats()
	if stats.Specific != 2 || stats.Category != 1 {
		t.Fatalf("got %+v", stats)
	}
}

func TestHistory_RecordsInOrder(t *testing.T) {
	c := New()
	c.SetApproval("read_file", true)
	c.SetCategoryApproval("fs", false)

	h := c.History()
	if len(h) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(h))
	}
	if h[0].ToolName != "read_file" || !h[0].Approved {
		t.Fatalf("got %+v", h[0])
	}
	if h[1].Category != "fs" || h[1].Approved {
		t.Fatalf("got %+v", h[1])
	}
}
