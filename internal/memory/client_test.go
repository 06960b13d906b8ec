package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/session/models"
)

func TestFetchTeamMemories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/memories/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req struct {
			ProjectPath string `json:"project_path"`
			Limit       int    `json:"limit"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Limit != 3 {
			t.Errorf("limit = %d, want 3", req.Limit)
		}
		_, _ = w.Write([]byte(`{"memories":[{"id":"abcdef1234","goal":"g","summary":"s","updated_at":"2026-08-20T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, logger.Default())
	mems, err := c.FetchTeamMemories(context.Background(), "/p", "prompt", nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 1 || mems[0].ID != "abcdef1234" {
		t.Fatalf("unexpected memories: %+v", mems)
	}
}

func TestFetchTeamMemoriesClampsOversizedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"memories":[{"id":"1"},{"id":"2"},{"id":"3"},{"id":"4"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, logger.Default())
	mems, err := c.FetchTeamMemories(context.Background(), "/p", "q", nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 2 {
		t.Fatalf("got %d memories, want 2", len(mems))
	}
}

func TestSaveMemoryRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"mem_1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, logger.Default())
	id, err := c.SaveMemory(context.Background(), &models.Session{ID: "s1"}, nil, "task_complete")
	if err != nil {
		t.Fatal(err)
	}
	if id != "mem_1" {
		t.Fatalf("id = %q", id)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestSaveMemoryDoesNotRetryRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, logger.Default())
	if _, err := c.SaveMemory(context.Background(), &models.Session{ID: "s1"}, nil, "task_complete"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (4xx must not retry)", calls.Load())
	}
}

func TestReasoningEntryUnmarshal(t *testing.T) {
	var m Memory
	err := json.Unmarshal([]byte(`{"id":"x","reasoning_trace":["plain insight",{"conclusion":"c","insight":"i"}]}`), &m)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.ReasoningTrace) != 2 {
		t.Fatalf("trace len = %d", len(m.ReasoningTrace))
	}
	if m.ReasoningTrace[0].String() != "plain insight" {
		t.Errorf("string entry = %q", m.ReasoningTrace[0].String())
	}
	if m.ReasoningTrace[1].String() != "c: i" {
		t.Errorf("record entry = %q", m.ReasoningTrace[1].String())
	}
}

func TestExpandedBody(t *testing.T) {
	m := &Memory{
		ID:            "abcdef1234567890",
		Goal:          "Design worker pool",
		Summary:       "Bounded FIFO",
		OriginalQuery: "how do workers scale",
		Decisions:     []Decision{{Choice: "channel fan-out", Reason: "simplest"}},
		FilesTouched:  []string{"pool.go"},
	}
	body := m.ExpandedBody()
	for _, want := range []string{"## Knowledge #abcdef12", "Goal: Design worker pool", "channel fan-out (simplest)", "Files: pool.go"} {
		if !strings.Contains(body, want) {
			t.Errorf("expanded body missing %q:\n%s", want, body)
		}
	}
}
