package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/session/manager"
	"github.com/grovhq/grov-proxy/internal/session/models"
	"github.com/grovhq/grov-proxy/internal/session/repository"
)

type stubAnalyzer struct {
	verdict *analyzer.TaskVerdict
	err     error
	summary string
}

func (s *stubAnalyzer) AnalyzeTaskContext(ctx context.Context, req *analyzer.TaskContextRequest) (*analyzer.TaskVerdict, error) {
	return s.verdict, s.err
}

func (s *stubAnalyzer) CheckDrift(ctx context.Context, req *analyzer.DriftRequest) (*analyzer.DriftResult, error) {
	return &analyzer.DriftResult{Score: 10}, nil
}

func (s *stubAnalyzer) CheckRecoveryAlignment(action *models.Action, plan []string, session *models.Session) analyzer.AlignmentResult {
	return analyzer.AlignmentResult{Aligned: true}
}

func (s *stubAnalyzer) GenerateSessionSummary(ctx context.Context, session *models.Session, steps []*models.Step, maxChars int) (string, error) {
	return s.summary, nil
}

type stubMemoryService struct {
	saves    int
	triggers []string
}

func (s *stubMemoryService) FetchTeamMemories(ctx context.Context, projectPath, userPrompt string, currentFiles []string, limit int) ([]*memory.Memory, error) {
	return nil, nil
}

func (s *stubMemoryService) SaveMemory(ctx context.Context, session *models.Session, steps []*models.Step, triggerReason string) (string, error) {
	s.saves++
	s.triggers = append(s.triggers, triggerReason)
	return "mem_1", nil
}

func newTestOrchestrator(t *testing.T, a *stubAnalyzer) (*Orchestrator, *repository.MemoryRepository, *stubMemoryService, *manager.Manager) {
	t.Helper()
	repo := repository.NewMemory()
	mem := &stubMemoryService{}
	mgr := manager.New(repo, nil, logger.Default())
	o := New(repo, a, mem, mgr, nil, logger.Default())
	return o, repo, mem, mgr
}

func lookupFor(t *testing.T, mgr *manager.Manager, project string) *manager.Lookup {
	t.Helper()
	lk, err := mgr.GetOrCreate(context.Background(), project)
	if err != nil {
		t.Fatal(err)
	}
	return lk
}

func TestNewTaskCreatesSession(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{
		Action:      analyzer.ActionNewTask,
		TaskType:    models.TaskTypeMain,
		CurrentGoal: "Build the importer",
		Constraints: []string{"no schema changes"},
	}}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	result, err := o.ProcessTurn(ctx, &TurnInput{
		ProjectPath: "/p",
		Lookup:      lookupFor(t, mgr, "/p"),
		UserMessage: "build the importer",
		Actions:     []models.Action{{Type: models.ActionEdit}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Session == nil || result.Session.OriginalGoal != "Build the importer" {
		t.Fatalf("unexpected session: %+v", result.Session)
	}

	stored, err := repo.GetActiveSessionByProject(ctx, "/p")
	if err != nil {
		t.Fatal(err)
	}
	if stored.TaskType != models.TaskTypeMain || len(stored.Constraints) != 1 {
		t.Fatalf("stored session: %+v", stored)
	}
}

func TestQAShortCircuit(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{
		Action:      analyzer.ActionNewTask,
		TaskType:    models.TaskTypeInformation,
		CurrentGoal: "Explain the cache",
	}}
	o, repo, mem, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	longAnswer := strings.Repeat("the cache works by ", 10)
	result, err := o.ProcessTurn(ctx, &TurnInput{
		ProjectPath:   "/p",
		Lookup:        lookupFor(t, mgr, "/p"),
		UserMessage:   "how does the cache work?",
		AssistantText: longAnswer,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Saved {
		t.Fatal("expected an immediate save")
	}
	if mem.saves != 1 {
		t.Fatalf("saves = %d, want 1", mem.saves)
	}
	if _, err := repo.GetActiveSessionByProject(ctx, "/p"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("Q&A session left active")
	}
}

func TestQAShortCircuitDeferredWhenActionsExist(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{
		Action:   analyzer.ActionNewTask,
		TaskType: models.TaskTypeInformation,
	}}
	o, _, mem, mgr := newTestOrchestrator(t, a)

	result, err := o.ProcessTurn(context.Background(), &TurnInput{
		ProjectPath:   "/p",
		Lookup:        lookupFor(t, mgr, "/p"),
		UserMessage:   "how does the cache work?",
		AssistantText: strings.Repeat("x", 200),
		Actions:       []models.Action{{Type: models.ActionRead}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Saved || mem.saves != 0 {
		t.Fatal("information task with actions must defer completion")
	}
	if result.Session == nil {
		t.Fatal("expected a live session")
	}
}

func TestContinueReactivatesCompleted(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{Action: analyzer.ActionContinue}}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	s := &models.Session{ProjectPath: "/p", OriginalGoal: "Old goal that matters"}
	if err := repo.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkSessionCompleted(ctx, s.ID, "done"); err != nil {
		t.Fatal(err)
	}

	result, err := o.ProcessTurn(ctx, &TurnInput{
		ProjectPath: "/p",
		Lookup:      lookupFor(t, mgr, "/p"),
		UserMessage: "keep going",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Session.ID != s.ID {
		t.Fatalf("continued session %s, want %s", result.Session.ID, s.ID)
	}
	stored, err := repo.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.SessionStatusActive || stored.CompletedAt != nil {
		t.Fatalf("session not reactivated: %+v", stored)
	}
}

func TestContinueGoalOverwriteRequiresLongMessage(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{
		Action:      analyzer.ActionContinue,
		CurrentGoal: "Refined goal with much more detail",
	}}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	s := &models.Session{ProjectPath: "/p", OriginalGoal: "Original goal text"}
	if err := repo.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	// Short user message: goal untouched.
	if _, err := o.ProcessTurn(ctx, &TurnInput{ProjectPath: "/p", Lookup: lookupFor(t, mgr, "/p"), UserMessage: "ok"}); err != nil {
		t.Fatal(err)
	}
	stored, _ := repo.GetSession(ctx, s.ID)
	if stored.OriginalGoal != "Original goal text" {
		t.Fatalf("goal overwritten by short message: %q", stored.OriginalGoal)
	}

	// Long user message: goal replaced.
	long := "please also handle the error branch when the upstream disconnects"
	if _, err := o.ProcessTurn(ctx, &TurnInput{ProjectPath: "/p", Lookup: lookupFor(t, mgr, "/p"), UserMessage: long}); err != nil {
		t.Fatal(err)
	}
	stored, _ = repo.GetSession(ctx, s.ID)
	if stored.OriginalGoal != "Refined goal with much more detail" {
		t.Fatalf("goal not overwritten: %q", stored.OriginalGoal)
	}
}

func TestSubtaskCreatesChild(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{
		Action:      analyzer.ActionSubtask,
		CurrentGoal: "Fix the failing test first",
	}}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	parent := &models.Session{ProjectPath: "/p", OriginalGoal: "The main goal here"}
	if err := repo.CreateSession(ctx, parent); err != nil {
		t.Fatal(err)
	}

	result, err := o.ProcessTurn(ctx, &TurnInput{ProjectPath: "/p", Lookup: lookupFor(t, mgr, "/p"), UserMessage: "fix test"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Session.ParentSessionID != parent.ID {
		t.Fatalf("parent = %q, want %q", result.Session.ParentSessionID, parent.ID)
	}
	if result.Session.TaskType != models.TaskTypeSubtask {
		t.Fatalf("task type = %s", result.Session.TaskType)
	}
}

func TestSubtaskCompleteSwitchesToParent(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{Action: analyzer.ActionSubtaskComplete}}
	o, repo, mem, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	parent := &models.Session{ProjectPath: "/p", OriginalGoal: "Main goal for parent"}
	if err := repo.CreateSession(ctx, parent); err != nil {
		t.Fatal(err)
	}
	child := &models.Session{
		ProjectPath:     "/p",
		OriginalGoal:    "Child goal for subtask",
		TaskType:        models.TaskTypeSubtask,
		ParentSessionID: parent.ID,
	}
	if err := repo.CreateSession(ctx, child); err != nil {
		t.Fatal(err)
	}

	result, err := o.ProcessTurn(ctx, &TurnInput{
		ProjectPath:   "/p",
		Lookup:        lookupFor(t, mgr, "/p"),
		AssistantText: "subtask finished",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Session == nil || result.Session.ID != parent.ID {
		t.Fatalf("active session after subtask_complete = %+v, want parent", result.Session)
	}
	if mem.saves != 1 || mem.triggers[0] != "subtask_complete" {
		t.Fatalf("saves = %d triggers = %v", mem.saves, mem.triggers)
	}

	storedChild, _ := repo.GetSession(ctx, child.ID)
	if storedChild.Status != models.SessionStatusCompleted {
		t.Fatalf("child status = %s", storedChild.Status)
	}
	active, err := repo.GetActiveSessionByProject(ctx, "/p")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != parent.ID {
		t.Fatalf("active = %s, want parent %s", active.ID, parent.ID)
	}
}

func TestTaskCompleteTruncatesFinalResponse(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{Action: analyzer.ActionTaskComplete}}
	o, repo, mem, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	s := &models.Session{ProjectPath: "/p", OriginalGoal: "A goal long enough"}
	if err := repo.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}

	huge := strings.Repeat("z", 12000)
	if _, err := o.ProcessTurn(ctx, &TurnInput{ProjectPath: "/p", Lookup: lookupFor(t, mgr, "/p"), AssistantText: huge}); err != nil {
		t.Fatal(err)
	}
	stored, _ := repo.GetSession(ctx, s.ID)
	if len(stored.FinalResponse) != 10000 {
		t.Fatalf("final response length = %d, want 10000", len(stored.FinalResponse))
	}
	if stored.Status != models.SessionStatusCompleted {
		t.Fatalf("status = %s", stored.Status)
	}
	if mem.saves != 1 {
		t.Fatalf("saves = %d, want 1", mem.saves)
	}
}

func TestInstantComplete(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{
		Action:      analyzer.ActionTaskComplete,
		CurrentGoal: "One-shot refactor",
	}}
	o, repo, mem, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	result, err := o.ProcessTurn(ctx, &TurnInput{
		ProjectPath:   "/p",
		Lookup:        lookupFor(t, mgr, "/p"),
		AssistantText: strings.Repeat("done ", 30),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Saved || mem.saves != 1 {
		t.Fatal("instant complete did not save")
	}
	latest, err := repo.GetLatestCompletedByProject(ctx, "/p")
	if err != nil {
		t.Fatal(err)
	}
	if latest.OriginalGoal != "One-shot refactor" {
		t.Fatalf("goal = %q", latest.OriginalGoal)
	}
}

func TestInstantCompleteRequiresSubstance(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{Action: analyzer.ActionTaskComplete}}
	o, _, mem, mgr := newTestOrchestrator(t, a)

	result, err := o.ProcessTurn(context.Background(), &TurnInput{
		ProjectPath:   "/p",
		Lookup:        lookupFor(t, mgr, "/p"),
		AssistantText: "ok",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Saved || mem.saves != 0 {
		t.Fatal("short text must not instant-complete")
	}
}

func TestPlanningCompleteEnqueuesClear(t *testing.T) {
	a := &stubAnalyzer{
		verdict: &analyzer.TaskVerdict{Action: analyzer.ActionTaskComplete},
		summary: "Plan: 1. build 2. test",
	}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	s := &models.Session{ProjectPath: "/p", OriginalGoal: "Plan the migration", TaskType: models.TaskTypePlanning}
	if err := repo.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ProcessTurn(ctx, &TurnInput{ProjectPath: "/p", Lookup: lookupFor(t, mgr, "/p"), AssistantText: strings.Repeat("plan ", 40)}); err != nil {
		t.Fatal(err)
	}

	summary, ok := o.TakePendingClear("/p")
	if !ok || summary != "Plan: 1. build 2. test" {
		t.Fatalf("pending clear = %q ok=%v", summary, ok)
	}
	if _, ok := o.TakePendingClear("/p"); ok {
		t.Fatal("pending clear not consumed")
	}
}

func TestAnalyzerFailureFallback(t *testing.T) {
	a := &stubAnalyzer{err: errors.New("llm down")}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	userMsg := "please migrate the config loader to the new format"
	result, err := o.ProcessTurn(ctx, &TurnInput{ProjectPath: "/p", Lookup: lookupFor(t, mgr, "/p"), UserMessage: userMsg})
	if err != nil {
		t.Fatal(err)
	}
	if result.Session == nil || result.Session.OriginalGoal != userMsg {
		t.Fatalf("fallback session = %+v", result.Session)
	}
	if _, err := repo.GetActiveSessionByProject(ctx, "/p"); err != nil {
		t.Fatal("fallback session not persisted")
	}
}

func TestReasoningBackfillCap(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{Action: analyzer.ActionContinue, StepReasoning: map[string]string{}}}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	s := &models.Session{ProjectPath: "/p", OriginalGoal: "Goal under test here"}
	if err := repo.CreateSession(ctx, s); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 15; i++ {
		step := &models.Step{SessionID: s.ID, Action: models.ActionEdit}
		if err := repo.CreateStep(ctx, step); err != nil {
			t.Fatal(err)
		}
		a.verdict.StepReasoning[step.ID] = "because"
	}

	if _, err := o.ProcessTurn(ctx, &TurnInput{ProjectPath: "/p", Lookup: lookupFor(t, mgr, "/p"), UserMessage: "continue working"}); err != nil {
		t.Fatal(err)
	}

	steps, err := repo.ListRecentSteps(ctx, s.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	filled := 0
	for _, st := range steps {
		if st.Reasoning != nil {
			filled++
		}
	}
	if filled != maxReasoningBackfill {
		t.Fatalf("backfilled %d steps, want %d", filled, maxReasoningBackfill)
	}
}

func TestNewTaskToleratesRetainedPriorWithChildren(t *testing.T) {
	a := &stubAnalyzer{verdict: &analyzer.TaskVerdict{
		Action:      analyzer.ActionNewTask,
		TaskType:    models.TaskTypeMain,
		CurrentGoal: "Start over",
	}}
	o, repo, _, mgr := newTestOrchestrator(t, a)
	ctx := context.Background()

	// Prior completed session with a still-active child: the RESTRICT rule
	// keeps it alive, and the new task proceeds anyway.
	prior := &models.Session{ProjectPath: "/p", OriginalGoal: "old task"}
	if err := repo.CreateSession(ctx, prior); err != nil {
		t.Fatal(err)
	}
	child := &models.Session{ProjectPath: "/p", ParentSessionID: prior.ID, TaskType: models.TaskTypeSubtask}
	if err := repo.CreateSession(ctx, child); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkSessionCompleted(ctx, prior.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteSession(ctx, prior.ID); !errors.Is(err, repository.ErrHasChildren) {
		t.Fatalf("precondition: delete err = %v, want ErrHasChildren", err)
	}

	result, err := o.ProcessTurn(ctx, &TurnInput{
		ProjectPath: "/p",
		Lookup:      lookupFor(t, mgr, "/p"),
		UserMessage: "start over with a new approach",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Session == nil || result.Session.OriginalGoal != "Start over" {
		t.Fatalf("new task not created: %+v", result.Session)
	}
	if _, err := repo.GetSession(ctx, prior.ID); err != nil {
		t.Fatalf("prior session with children was deleted: %v", err)
	}
}
