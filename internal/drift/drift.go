// Package drift runs the periodic goal-drift checks and owns the session's
// drift state: mode transitions, escalation counting, pre-computed
// corrections, and recovery alignment.
package drift

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grovhq/grov-proxy/internal/analyzer"
	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/events"
	"github.com/grovhq/grov-proxy/internal/events/bus"
	"github.com/grovhq/grov-proxy/internal/session/models"
	"github.com/grovhq/grov-proxy/internal/session/repository"
)

// MaxAttempts is the escalation cap: after this many unheeded corrections
// the machine gives up and clears state to avoid correction loops.
const MaxAttempts = 2

// CorrectionLevel orders the responses to a drift score.
type CorrectionLevel int

const (
	LevelNone CorrectionLevel = iota
	LevelNudge
	LevelCorrect
	LevelIntervene
	LevelHalt
)

func (l CorrectionLevel) String() string {
	switch l {
	case LevelNudge:
		return "nudge"
	case LevelCorrect:
		return "correct"
	case LevelIntervene:
		return "intervene"
	case LevelHalt:
		return "halt"
	default:
		return "none"
	}
}

// LevelForScore maps the analyzer's 0..10 score to a correction level.
func LevelForScore(score int) CorrectionLevel {
	switch {
	case score >= 9:
		return LevelNone
	case score >= 7:
		return LevelNudge
	case score >= 5:
		return LevelCorrect
	case score >= 3:
		return LevelIntervene
	default:
		return LevelHalt
	}
}

// Outcome reports what the machine decided for one turn.
type Outcome struct {
	// Checked is true when a drift check actually ran this turn.
	Checked bool
	Score   int
	Level   CorrectionLevel
	// Validated is true when the turn's actions belong in the step log;
	// false routes them to the drift log instead.
	Validated bool
	// Correction is the text queued for injection on the next turn, empty
	// when none is pending.
	Correction string
}

// Machine evaluates drift for one session per end-of-turn exchange.
type Machine struct {
	repo          repository.Repository
	analyzer      analyzer.Analyzer
	bus           bus.EventBus
	logger        *logger.Logger
	checkInterval int
}

// New creates a drift machine. checkInterval is the prompt-count modulus
// that gates scheduled checks.
func New(repo repository.Repository, a analyzer.Analyzer, eventBus bus.EventBus, checkInterval int, log *logger.Logger) *Machine {
	if checkInterval < 1 {
		checkInterval = 1
	}
	return &Machine{
		repo:          repo,
		analyzer:      a,
		bus:           eventBus,
		logger:        log.WithComponent("drift"),
		checkInterval: checkInterval,
	}
}

// Process runs the drift logic for one turn. It mutates session in place to
// mirror the persisted state and returns the outcome. Analyzer failures
// degrade to a validated turn; they never block the pipeline.
func (m *Machine) Process(ctx context.Context, session *models.Session, actions []models.Action, recentSteps []*models.Step, latestUserMessage string) Outcome {
	if session == nil {
		return Outcome{Validated: true}
	}

	if m.checkDue(session, recentSteps) {
		return m.runCheck(ctx, session, actions, recentSteps, latestUserMessage)
	}
	if session.WaitingForRecovery && len(actions) > 0 {
		m.checkAlignment(ctx, session, actions)
	}
	return Outcome{Validated: session.Mode != models.ModeDrifted, Correction: session.PendingCorrection}
}

// checkDue gates scheduled checks: non-trivial goal, at least one recent
// edit or write step, and the prompt counter landing on the interval.
func (m *Machine) checkDue(session *models.Session, recentSteps []*models.Step) bool {
	if !session.HasGoal() {
		return false
	}
	if session.PromptCount%m.checkInterval != 0 {
		return false
	}
	for _, step := range recentSteps {
		if step.Action == models.ActionEdit || step.Action == models.ActionWrite {
			return true
		}
	}
	return false
}

func (m *Machine) runCheck(ctx context.Context, session *models.Session, actions []models.Action, recentSteps []*models.Step, latestUserMessage string) Outcome {
	result, err := m.analyzer.CheckDrift(ctx, &analyzer.DriftRequest{
		Session:           session,
		RecentSteps:       recentSteps,
		LatestUserMessage: latestUserMessage,
	})
	if err != nil {
		m.logger.Warn("Drift check failed, treating turn as on-track", zap.Error(err))
		return Outcome{Validated: true}
	}

	level := LevelForScore(result.Score)
	now := time.Now().UTC()
	outcome := Outcome{Checked: true, Score: result.Score, Level: level}

	switch level {
	case LevelNone, LevelNudge, LevelCorrect:
		outcome.Validated = true
		if session.Mode == models.ModeDrifted || session.WaitingForRecovery {
			// Score recovered to >=5: back to normal, correction dropped.
			m.resetToNormal(ctx, session, now)
			m.publish(ctx, events.DriftRecovered, session, result.Score)
		} else if level != LevelNone {
			correction := FormatCorrection(level, result)
			session.PendingCorrection = correction
			session.LastCheckedAt = &now
			m.persistState(ctx, session, repository.SessionStateUpdate{
				PendingCorrection: &correction,
				LastCheckedAt:     &now,
			})
			outcome.Correction = correction
		} else {
			session.LastCheckedAt = &now
			m.persistState(ctx, session, repository.SessionStateUpdate{LastCheckedAt: &now})
		}

	case LevelIntervene, LevelHalt:
		outcome.Validated = false
		m.logDriftedActions(ctx, session, actions, result)

		if session.EscalationCount >= MaxAttempts {
			// Corrections are not landing; clear state instead of looping.
			m.logger.Warn("Drift escalation cap reached, giving up",
				zap.String("session_id", session.ID),
				zap.Int("score", result.Score))
			m.resetToNormal(ctx, session, now)
			m.publish(ctx, events.DriftEscalated, session, result.Score)
			return outcome
		}

		correction := FormatCorrection(level, result)
		mode := models.ModeDrifted
		waiting := true
		escalation := session.EscalationCount + 1
		session.Mode = mode
		session.WaitingForRecovery = waiting
		session.EscalationCount = escalation
		session.PendingCorrection = correction
		session.LastCheckedAt = &now
		if len(result.RecoverySteps) > 0 {
			session.PendingForcedRecovery = strings.Join(result.RecoverySteps, "\n")
		}
		forced := session.PendingForcedRecovery
		m.persistState(ctx, session, repository.SessionStateUpdate{
			Mode:                  &mode,
			WaitingForRecovery:    &waiting,
			EscalationCount:       &escalation,
			PendingCorrection:     &correction,
			PendingForcedRecovery: &forced,
			LastCheckedAt:         &now,
		})
		outcome.Correction = correction
		m.publish(ctx, events.DriftDetected, session, result.Score)
	}

	return outcome
}

// checkAlignment consults the alignment oracle for the first mutating action
// while the session waits for recovery.
func (m *Machine) checkAlignment(ctx context.Context, session *models.Session, actions []models.Action) {
	action := &actions[0]
	for i := range actions {
		if actions[i].IsMutation() {
			action = &actions[i]
			break
		}
	}

	var plan []string
	if session.PendingForcedRecovery != "" {
		plan = strings.Split(session.PendingForcedRecovery, "\n")
	}
	result := m.analyzer.CheckRecoveryAlignment(action, plan, session)
	now := time.Now().UTC()

	if result.Aligned {
		m.logger.Info("Recovery aligned",
			zap.String("session_id", session.ID),
			zap.String("reason", result.Reason))
		m.resetToNormal(ctx, session, now)
		m.publish(ctx, events.DriftRecovered, session, -1)
		return
	}

	escalation := session.EscalationCount + 1
	if escalation > MaxAttempts {
		m.resetToNormal(ctx, session, now)
		m.publish(ctx, events.DriftEscalated, session, -1)
		return
	}
	session.EscalationCount = escalation
	m.persistState(ctx, session, repository.SessionStateUpdate{EscalationCount: &escalation})
	m.logger.Info("Recovery not aligned",
		zap.String("session_id", session.ID),
		zap.Int("escalation", escalation),
		zap.String("reason", result.Reason))
}

// resetToNormal clears every drift field. Invariant: a transition to normal
// always clears pending_correction, pending_forced_recovery, and escalation.
func (m *Machine) resetToNormal(ctx context.Context, session *models.Session, now time.Time) {
	mode := models.ModeNormal
	waiting := false
	escalation := 0
	empty := ""
	session.Mode = mode
	session.WaitingForRecovery = waiting
	session.EscalationCount = escalation
	session.PendingCorrection = ""
	session.PendingForcedRecovery = ""
	session.LastCheckedAt = &now
	m.persistState(ctx, session, repository.SessionStateUpdate{
		Mode:                  &mode,
		WaitingForRecovery:    &waiting,
		EscalationCount:       &escalation,
		PendingCorrection:     &empty,
		PendingForcedRecovery: &empty,
		LastCheckedAt:         &now,
	})
}

func (m *Machine) logDriftedActions(ctx context.Context, session *models.Session, actions []models.Action, result *analyzer.DriftResult) {
	for _, a := range actions {
		entry := &models.DriftLogEntry{
			SessionID:  session.ID,
			Action:     a.Type,
			Files:      a.Files,
			Command:    a.Command,
			DriftScore: result.Score,
			DriftType:  result.DriftType,
			Diagnostic: result.Diagnostic,
		}
		if err := m.repo.CreateDriftLogEntry(ctx, entry); err != nil {
			m.logger.Error("Failed to write drift log entry", zap.Error(err))
		}
	}
}

func (m *Machine) persistState(ctx context.Context, session *models.Session, upd repository.SessionStateUpdate) {
	if err := m.repo.UpdateSessionState(ctx, session.ID, upd); err != nil {
		m.logger.Error("Failed to persist drift state",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

func (m *Machine) publish(ctx context.Context, eventType string, session *models.Session, score int) {
	if m.bus == nil {
		return
	}
	data := map[string]any{
		"session_id": session.ID,
		"project":    session.ProjectPath,
	}
	if score >= 0 {
		data["score"] = score
	}
	if err := m.bus.Publish(ctx, events.SubjectDrift, bus.NewEvent(eventType, "drift", data)); err != nil {
		m.logger.Debug("Event publish failed", zap.Error(err))
	}
}

// FormatCorrection renders the correction text injected into the next turn.
func FormatCorrection(level CorrectionLevel, result *analyzer.DriftResult) string {
	var b strings.Builder
	switch level {
	case LevelNudge:
		b.WriteString("[GOAL CHECK] ")
	case LevelCorrect:
		b.WriteString("[GOAL CORRECTION] ")
	case LevelIntervene:
		b.WriteString("[GOAL INTERVENTION] ")
	case LevelHalt:
		b.WriteString("[STOP] ")
	}
	fmt.Fprintf(&b, "Recent actions diverge from the task goal (drift %d/10): %s", result.Score, result.Diagnostic)
	if len(result.RecoverySteps) > 0 {
		b.WriteString("\nTo get back on track:")
		for i, step := range result.RecoverySteps {
			fmt.Fprintf(&b, "\n%d. %s", i+1, step)
		}
	}
	return b.String()
}
