package memory

import (
	"testing"

	"github.com/grovhq/grov-proxy/internal/common/logger"
)

func newTestEngine() *Engine {
	return NewEngine(logger.Default())
}

func TestDetectRequestType(t *testing.T) {
	e := newTestEngine()
	const p = "/work/proj"

	if rt := e.DetectRequestType(p, 1, false); rt != RequestFirst {
		t.Fatalf("initial turn = %s, want first", rt)
	}
	if rt := e.DetectRequestType(p, 1, false); rt != RequestRetry {
		t.Fatalf("same count = %s, want retry", rt)
	}
	if rt := e.DetectRequestType(p, 3, true); rt != RequestContinuation {
		t.Fatalf("tool-result turn = %s, want continuation", rt)
	}
	if rt := e.DetectRequestType(p, 5, false); rt != RequestFirst {
		t.Fatalf("grown count = %s, want first", rt)
	}
	if rt := e.DetectRequestType(p, 1, false); rt != RequestNewConversation {
		t.Fatalf("count dropped by 4 = %s, want new_conversation", rt)
	}
}

func TestNewConversationClearsState(t *testing.T) {
	e := newTestEngine()
	const p = "/work/proj"

	e.DetectRequestType(p, 5, false)
	e.CacheMemories(p, []*Memory{{ID: "abcdef1234"}})
	e.AddPreviewRecord(p, 4, "preview", 5)
	e.CommitPending(p)

	e.DetectRequestType(p, 1, false)
	if _, ok := e.MemoryByID(p, "abcdef12"); ok {
		t.Error("memories survived reset")
	}
	if len(e.History(p)) != 0 {
		t.Error("history survived reset")
	}
}

func TestRetryDoesNotAdvanceState(t *testing.T) {
	e := newTestEngine()
	const p = "/work/proj"

	e.DetectRequestType(p, 3, false)
	e.AddPreviewRecord(p, 2, "the preview", 3)

	// Retry with the same count: pending stays pending, cached preview is
	// served for byte-stable replay.
	if rt := e.DetectRequestType(p, 3, false); rt != RequestRetry {
		t.Fatalf("expected retry, got %s", rt)
	}
	if n := e.PendingCount(p); n != 1 {
		t.Fatalf("pending count = %d, want 1", n)
	}
	text, ok := e.CachedPreview(p, 3)
	if !ok || text != "the preview" {
		t.Fatalf("cached preview = %q ok=%v", text, ok)
	}
}

func TestCommitPendingPromotesInOrder(t *testing.T) {
	e := newTestEngine()
	const p = "/work/proj"

	e.AddPreviewRecord(p, 0, "first", 1)
	e.AddToolCycleRecord(p, 0, &ToolUse{ID: "tu_1", Name: ExpandToolName}, "body")
	e.CommitPending(p)

	hist := e.History(p)
	if len(hist) != 2 {
		t.Fatalf("history len = %d, want 2", len(hist))
	}
	if hist[0].Kind != RecordPreview || hist[1].Kind != RecordToolCycle {
		t.Fatalf("history out of order: %+v", hist)
	}
	if e.PendingCount(p) != 0 {
		t.Fatal("pending not drained")
	}
}

func TestToolCycleIdempotence(t *testing.T) {
	e := newTestEngine()
	const p = "/work/proj"

	if !e.AddToolCycleRecord(p, 2, &ToolUse{ID: "tu_1"}, "r") {
		t.Fatal("first record rejected")
	}
	if e.AddToolCycleRecord(p, 2, &ToolUse{ID: "tu_2"}, "r2") {
		t.Fatal("duplicate position accepted")
	}
	if !e.HasToolCycleAtPosition(p, 2) {
		t.Fatal("tool cycle not found")
	}

	// Still deduplicated after commit.
	e.CommitPending(p)
	if e.AddToolCycleRecord(p, 2, &ToolUse{ID: "tu_3"}, "r3") {
		t.Fatal("duplicate accepted after commit")
	}
	if got := len(e.History(p)); got != 1 {
		t.Fatalf("history len = %d, want 1", got)
	}
}

func TestMemoryByIDPrefixMatching(t *testing.T) {
	e := newTestEngine()
	const p = "/work/proj"
	e.CacheMemories(p, []*Memory{
		{ID: "abcdef1234567890", Goal: "g1"},
		{ID: "ffff0000", Goal: "g2"},
	})

	cases := []struct {
		query string
		goal  string
		found bool
	}{
		{"abcdef1234567890", "g1", true},
		{"abcdef12", "g1", true},                  // short form
		{"ABCDEF12", "g1", true},                  // case-insensitive
		{"ffff0000aaaabbbb", "g2", true},          // stored id is prefix of query
		{"deadbeef", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		m, ok := e.MemoryByID(p, tc.query)
		if ok != tc.found {
			t.Errorf("MemoryByID(%q) found=%v, want %v", tc.query, ok, tc.found)
			continue
		}
		if ok && m.Goal != tc.goal {
			t.Errorf("MemoryByID(%q) goal=%q, want %q", tc.query, m.Goal, tc.goal)
		}
	}
}

func TestStateIsolatedPerProject(t *testing.T) {
	e := newTestEngine()
	e.CacheMemories("/a", []*Memory{{ID: "aaaa1111"}})
	if _, ok := e.MemoryByID("/b", "aaaa1111"); ok {
		t.Fatal("memory leaked across projects")
	}
}
