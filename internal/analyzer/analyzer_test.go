package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/session/models"
)

func testAnalyzer(t *testing.T, handler http.HandlerFunc) *HTTPAnalyzer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTP(srv.URL, 2*time.Second, logger.Default())
}

func TestAnalyzeTaskContext(t *testing.T) {
	a := testAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/analyze/task" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req TaskContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.UserMessage != "add retry logic" {
			t.Errorf("unexpected user message %q", req.UserMessage)
		}
		_ = json.NewEncoder(w).Encode(TaskVerdict{
			Action:      ActionNewTask,
			TaskType:    models.TaskTypeMain,
			CurrentGoal: "Add retry logic to the fetch layer",
		})
	})

	verdict, err := a.AnalyzeTaskContext(context.Background(), &TaskContextRequest{UserMessage: "add retry logic"})
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Action != ActionNewTask {
		t.Fatalf("action = %s, want new_task", verdict.Action)
	}
}

func TestAnalyzeTaskContextMissingAction(t *testing.T) {
	a := testAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	if _, err := a.AnalyzeTaskContext(context.Background(), &TaskContextRequest{}); err == nil {
		t.Fatal("expected error for empty verdict")
	}
}

func TestCheckDriftScoreRange(t *testing.T) {
	a := testAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score":42,"drift_type":"scope","diagnostic":"x"}`))
	})
	if _, err := a.CheckDrift(context.Background(), &DriftRequest{}); err == nil {
		t.Fatal("expected error for out-of-range score")
	}
}

func TestCheckDrift(t *testing.T) {
	a := testAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"score":2,"drift_type":"scope_creep","diagnostic":"editing unrelated files","recovery_steps":["revert config.go","rerun tests"]}`))
	})
	result, err := a.CheckDrift(context.Background(), &DriftRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Score != 2 || len(result.RecoverySteps) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestGenerateSessionSummaryTruncates(t *testing.T) {
	a := testAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"summary":"0123456789abcdef"}`))
	})
	summary, err := a.GenerateSessionSummary(context.Background(), &models.Session{}, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if summary != "0123456789" {
		t.Fatalf("summary = %q", summary)
	}
}

func TestAnalyzerServerError(t *testing.T) {
	a := testAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if _, err := a.CheckDrift(context.Background(), &DriftRequest{}); err == nil {
		t.Fatal("expected error for 500")
	}
}

func TestCheckAlignment(t *testing.T) {
	session := &models.Session{OriginalGoal: "Refactor the parser in lexer.go"}
	plan := []string{"Revert changes to config.go", "run go test ./..."}

	cases := []struct {
		name    string
		action  *models.Action
		plan    []string
		aligned bool
	}{
		{"nil action", nil, plan, false},
		{"read is always aligned", &models.Action{Type: models.ActionRead, Files: []string{"random.go"}}, plan, true},
		{"edit of planned file", &models.Action{Type: models.ActionEdit, Files: []string{"internal/config.go"}}, plan, true},
		{"edit of unplanned file", &models.Action{Type: models.ActionEdit, Files: []string{"internal/other.go"}}, plan, false},
		{"planned command", &models.Action{Type: models.ActionBash, Command: "go test ./..."}, plan, true},
		{"no plan, goal-relevant file", &models.Action{Type: models.ActionEdit, Files: []string{"pkg/lexer.go"}}, nil, true},
		{"no plan, irrelevant file", &models.Action{Type: models.ActionEdit, Files: []string{"pkg/render.go"}}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CheckAlignment(tc.action, tc.plan, session)
			if got.Aligned != tc.aligned {
				t.Errorf("aligned = %v (%s), want %v", got.Aligned, got.Reason, tc.aligned)
			}
		})
	}
}
