// Package orchestrator consumes the task analyzer's verdict for each
// end-of-turn exchange and mutates the session graph: creating, continuing,
// nesting, and completing sessions.
package orchestrator

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/events"
	"github.com/grovhq/grov-proxy/internal/events/bus"
	"github.com/grovhq/grov-proxy/internal/memory"
	"github.com/grovhq/grov-proxy/internal/session/manager"
	"github.com/grovhq/grov-proxy/internal/session/models"
	"github.com/grovhq/grov-proxy/internal/session/repository"
)

const (
	// maxFinalResponseChars bounds the final_response stored on completion.
	maxFinalResponseChars = 10000
	// instantCompleteMinChars is the minimum assistant text for the
	// no-session instant-complete path.
	instantCompleteMinChars = 100
	// goalOverwriteMinChars gates goal rewrites on continue verdicts.
	goalOverwriteMinChars = 30
	// maxReasoningBackfill bounds how many unreasoned steps one verdict may
	// back-fill.
	maxReasoningBackfill = 10
	// planSummaryMaxChars bounds the synchronous planning summary.
	planSummaryMaxChars = 4000
)

// TurnInput carries one end-of-turn exchange into the orchestrator.
type TurnInput struct {
	ProjectPath   string
	Lookup        *manager.Lookup
	UserMessage   string
	AssistantText string
	Actions       []models.Action
	History       []string
	RecentSteps   []*models.Step
}

// TurnResult reports what the orchestrator did.
type TurnResult struct {
	// Session is the active session after the verdict was applied, nil when
	// the turn ended without one (Q&A short-circuit, instant complete).
	Session *models.Session
	Action  analyzer.TaskAction
	// Saved is true when the turn produced a saveMemory call.
	Saved bool
}

// Orchestrator applies task verdicts to the session graph.
type Orchestrator struct {
	repo     repository.Repository
	analyzer analyzer.Analyzer
	memSvc   memory.Service
	sessions *manager.Manager
	bus      bus.EventBus
	logger   *logger.Logger

	clearMu      sync.Mutex
	pendingClear map[string]string
}

// New creates an orchestrator.
func New(repo repository.Repository, a analyzer.Analyzer, memSvc memory.Service, sessions *manager.Manager, eventBus bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		analyzer:     a,
		memSvc:       memSvc,
		sessions:     sessions,
		bus:          eventBus,
		logger:       log.WithComponent("orchestrator"),
		pendingClear: make(map[string]string),
	}
}

// ProcessTurn runs the analyzer and applies its verdict. Analyzer failure
// falls back to a minimal session with the truncated user message as goal;
// the client is never affected.
func (o *Orchestrator) ProcessTurn(ctx context.Context, in *TurnInput) (*TurnResult, error) {
	session := in.Lookup.Session
	comparison := session
	if comparison != nil && comparison.IsNew {
		comparison = in.Lookup.LastCompleted
	}

	verdict, err := o.analyzer.AnalyzeTaskContext(ctx, &analyzer.TaskContextRequest{
		Session:       comparison,
		UserMessage:   in.UserMessage,
		RecentSteps:   in.RecentSteps,
		AssistantText: in.AssistantText,
		History:       in.History,
	})
	if err != nil {
		o.logger.Warn("Task analysis failed, using fallback session", zap.Error(err))
		return o.fallback(ctx, in)
	}

	o.backfillReasoning(ctx, verdict)

	switch verdict.Action {
	case analyzer.ActionContinue:
		return o.handleContinue(ctx, in, verdict)
	case analyzer.ActionNewTask:
		return o.handleNewTask(ctx, in, verdict)
	case analyzer.ActionSubtask:
		return o.handleChildTask(ctx, in, verdict, models.TaskTypeSubtask)
	case analyzer.ActionParallelTask:
		return o.handleChildTask(ctx, in, verdict, models.TaskTypeParallel)
	case analyzer.ActionTaskComplete:
		return o.handleTaskComplete(ctx, in, verdict)
	case analyzer.ActionSubtaskComplete:
		return o.handleSubtaskComplete(ctx, in, verdict)
	default:
		o.logger.Warn("Unknown verdict action", zap.String("action", string(verdict.Action)))
		return o.fallback(ctx, in)
	}
}

// fallback persists a minimal session so steps still have a home.
func (o *Orchestrator) fallback(ctx context.Context, in *TurnInput) (*TurnResult, error) {
	session := in.Lookup.Session
	if session != nil && !session.IsNew {
		return &TurnResult{Session: session, Action: analyzer.ActionContinue}, nil
	}
	if session == nil {
		return &TurnResult{Action: analyzer.ActionContinue}, nil
	}
	session.OriginalGoal = truncate(in.UserMessage, 200)
	if err := o.sessions.Persist(ctx, session); err != nil {
		return nil, err
	}
	return &TurnResult{Session: session, Action: analyzer.ActionContinue}, nil
}

func (o *Orchestrator) handleContinue(ctx context.Context, in *TurnInput, verdict *analyzer.TaskVerdict) (*TurnResult, error) {
	session := in.Lookup.Session

	// No active session: continue re-activates the most recent completed one.
	if session.IsNew && in.Lookup.LastCompleted != nil {
		if err := o.repo.ReactivateSession(ctx, in.Lookup.LastCompleted.ID); err != nil {
			return nil, err
		}
		session = in.Lookup.LastCompleted
		session.Status = models.SessionStatusActive
		session.CompletedAt = nil
	} else if session.IsNew {
		// Nothing to continue; treat as a fresh main task.
		return o.handleNewTask(ctx, in, verdict)
	}

	if verdict.CurrentGoal != "" && len(in.UserMessage) >= goalOverwriteMinChars && verdict.CurrentGoal != session.OriginalGoal {
		session.OriginalGoal = verdict.CurrentGoal
		if err := o.repo.UpdateSession(ctx, session); err != nil {
			o.logger.Error("Failed to update session goal", zap.Error(err))
		}
	}
	return &TurnResult{Session: session, Action: analyzer.ActionContinue}, nil
}

func (o *Orchestrator) handleNewTask(ctx context.Context, in *TurnInput, verdict *analyzer.TaskVerdict) (*TurnResult, error) {
	// A new task supersedes the previous completed one.
	if prior := in.Lookup.LastCompleted; prior != nil {
		if err := o.repo.DeleteSession(ctx, prior.ID); err != nil && !errors.Is(err, repository.ErrHasChildren) {
			o.logger.Warn("Failed to delete superseded session",
				zap.String("session_id", prior.ID),
				zap.Error(err))
		}
	}

	session := in.Lookup.Session
	if session == nil || !session.IsNew {
		session = &models.Session{ProjectPath: in.ProjectPath, IsNew: true}
	}
	session.OriginalGoal = o.goalOrFallback(verdict, in)
	session.TaskType = models.TaskTypeMain
	if verdict.TaskType != "" {
		session.TaskType = verdict.TaskType
	}
	session.Constraints = verdict.Constraints
	session.Status = models.SessionStatusActive
	session.Mode = models.ModeNormal
	if err := o.sessions.Persist(ctx, session); err != nil {
		return nil, err
	}

	// Q&A short-circuit: a pure informational answer with no actions is
	// saved and completed in the same turn.
	if verdict.TaskType == models.TaskTypeInformation && len(in.AssistantText) > instantCompleteMinChars && len(in.Actions) == 0 {
		if err := o.completeAndSave(ctx, session, in.AssistantText, "qa_short_circuit", in.RecentSteps); err != nil {
			return nil, err
		}
		return &TurnResult{Action: analyzer.ActionNewTask, Saved: true}, nil
	}
	return &TurnResult{Session: session, Action: analyzer.ActionNewTask}, nil
}

func (o *Orchestrator) handleChildTask(ctx context.Context, in *TurnInput, verdict *analyzer.TaskVerdict, taskType models.TaskType) (*TurnResult, error) {
	parentID := verdict.ParentTaskID
	if parentID == "" && in.Lookup.Session != nil && !in.Lookup.Session.IsNew {
		parentID = in.Lookup.Session.ID
	}

	child := &models.Session{
		ProjectPath:     in.ProjectPath,
		OriginalGoal:    o.goalOrFallback(verdict, in),
		TaskType:        taskType,
		ParentSessionID: parentID,
		Constraints:     verdict.Constraints,
		Status:          models.SessionStatusActive,
		Mode:            models.ModeNormal,
		IsNew:           true,
	}
	if err := o.sessions.Persist(ctx, child); err != nil {
		return nil, err
	}
	action := analyzer.ActionSubtask
	if taskType == models.TaskTypeParallel {
		action = analyzer.ActionParallelTask
	}
	return &TurnResult{Session: child, Action: action}, nil
}

func (o *Orchestrator) handleTaskComplete(ctx context.Context, in *TurnInput, verdict *analyzer.TaskVerdict) (*TurnResult, error) {
	session := in.Lookup.Session

	// Instant complete: the whole task happened inside one turn.
	if session == nil || session.IsNew {
		if len(in.AssistantText) < instantCompleteMinChars {
			return &TurnResult{Action: analyzer.ActionTaskComplete}, nil
		}
		fresh := session
		if fresh == nil {
			fresh = &models.Session{ProjectPath: in.ProjectPath, IsNew: true}
		}
		fresh.OriginalGoal = o.goalOrFallback(verdict, in)
		if err := o.sessions.Persist(ctx, fresh); err != nil {
			return nil, err
		}
		if err := o.completeAndSave(ctx, fresh, in.AssistantText, "instant_complete", in.RecentSteps); err != nil {
			return nil, err
		}
		return &TurnResult{Action: analyzer.ActionTaskComplete, Saved: true}, nil
	}

	if session.TaskType == models.TaskTypePlanning {
		o.enqueuePlanClear(ctx, session, in.RecentSteps)
	}
	if err := o.completeAndSave(ctx, session, in.AssistantText, "task_complete", in.RecentSteps); err != nil {
		return nil, err
	}
	return &TurnResult{Action: analyzer.ActionTaskComplete, Saved: true}, nil
}

func (o *Orchestrator) handleSubtaskComplete(ctx context.Context, in *TurnInput, verdict *analyzer.TaskVerdict) (*TurnResult, error) {
	session := in.Lookup.Session
	if session == nil || session.IsNew {
		return &TurnResult{Action: analyzer.ActionSubtaskComplete}, nil
	}

	if err := o.completeAndSave(ctx, session, in.AssistantText, "subtask_complete", in.RecentSteps); err != nil {
		return nil, err
	}

	result := &TurnResult{Action: analyzer.ActionSubtaskComplete, Saved: true}
	if session.ParentSessionID != "" {
		if err := o.repo.ReactivateSession(ctx, session.ParentSessionID); err != nil {
			o.logger.Error("Failed to switch back to parent session",
				zap.String("parent_id", session.ParentSessionID),
				zap.Error(err))
		} else if parent, err := o.repo.GetSession(ctx, session.ParentSessionID); err == nil {
			result.Session = parent
			o.publish(ctx, events.SessionSwitched, map[string]any{
				"from": session.ID,
				"to":   parent.ID,
			})
		}
	}
	return result, nil
}

// completeAndSave saves the session to team memory, then marks it completed.
// Exactly one save per completion: re-activated sessions save again only on
// their next completion.
func (o *Orchestrator) completeAndSave(ctx context.Context, session *models.Session, finalText, trigger string, steps []*models.Step) error {
	session.FinalResponse = truncate(finalText, maxFinalResponseChars)
	if err := o.repo.UpdateSession(ctx, session); err != nil {
		return err
	}
	if _, err := o.memSvc.SaveMemory(ctx, session, steps, trigger); err != nil {
		o.logger.Error("Failed to save memory on completion",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
	return o.sessions.MarkCompleted(ctx, session.ID, session.FinalResponse)
}

// enqueuePlanClear synchronously computes a plan summary and queues it: the
// next first request for the project replaces its history with the summary.
func (o *Orchestrator) enqueuePlanClear(ctx context.Context, session *models.Session, steps []*models.Step) {
	summary, err := o.analyzer.GenerateSessionSummary(ctx, session, steps, planSummaryMaxChars)
	if err != nil || summary == "" {
		o.logger.Warn("Plan summary generation failed", zap.Error(err))
		return
	}
	session.PendingClearSummary = summary
	upd := repository.SessionStateUpdate{PendingClearSummary: &summary}
	if err := o.repo.UpdateSessionState(ctx, session.ID, upd); err != nil {
		o.logger.Error("Failed to persist plan summary", zap.Error(err))
	}
	o.SetPendingClear(session.ProjectPath, summary)
}

// SetPendingClear queues a context-clear summary for a project.
func (o *Orchestrator) SetPendingClear(projectPath, summary string) {
	o.clearMu.Lock()
	defer o.clearMu.Unlock()
	o.pendingClear[projectPath] = summary
}

// TakePendingClear pops the queued summary for a project, if any.
func (o *Orchestrator) TakePendingClear(projectPath string) (string, bool) {
	o.clearMu.Lock()
	defer o.clearMu.Unlock()
	summary, ok := o.pendingClear[projectPath]
	if ok {
		delete(o.pendingClear, projectPath)
	}
	return summary, ok
}

// backfillReasoning writes the analyzer's per-step reasoning into the most
// recent unreasoned steps, at most maxReasoningBackfill rows.
func (o *Orchestrator) backfillReasoning(ctx context.Context, verdict *analyzer.TaskVerdict) {
	if len(verdict.StepReasoning) == 0 {
		return
	}
	applied := 0
	for stepID, reasoning := range verdict.StepReasoning {
		if applied >= maxReasoningBackfill {
			break
		}
		if reasoning == "" {
			continue
		}
		if err := o.repo.BackfillStepReasoning(ctx, stepID, reasoning); err != nil {
			if err != repository.ErrNotFound {
				o.logger.Debug("Step reasoning backfill failed",
					zap.String("step_id", stepID),
					zap.Error(err))
			}
			continue
		}
		applied++
	}
}

func (o *Orchestrator) goalOrFallback(verdict *analyzer.TaskVerdict, in *TurnInput) string {
	if verdict.CurrentGoal != "" {
		return verdict.CurrentGoal
	}
	return truncate(in.UserMessage, 200)
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, events.SubjectSessions, bus.NewEvent(eventType, "orchestrator", data)); err != nil {
		o.logger.Debug("Event publish failed", zap.Error(err))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
