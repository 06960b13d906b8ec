package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovhq/grov-proxy/internal/session/models"
)

func newSession(project string) *models.Session {
	return &models.Session{
		ProjectPath:  project,
		OriginalGoal: "implement the retry layer",
		Status:       models.SessionStatusActive,
		TaskType:     models.TaskTypeMain,
		Mode:         models.ModeNormal,
	}
}

func TestSessionLifecycle(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	t.Run("create assigns id and defaults", func(t *testing.T) {
		s := &models.Session{ProjectPath: "/p"}
		require.NoError(t, repo.CreateSession(ctx, s))
		assert.NotEmpty(t, s.ID)

		got, err := repo.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusActive, got.Status)
		assert.Equal(t, models.TaskTypeMain, got.TaskType)
		assert.Equal(t, models.ModeNormal, got.Mode)
	})

	t.Run("missing session is ErrNotFound", func(t *testing.T) {
		_, err := repo.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("complete then reactivate", func(t *testing.T) {
		s := newSession("/lifecycle")
		require.NoError(t, repo.CreateSession(ctx, s))
		require.NoError(t, repo.MarkSessionCompleted(ctx, s.ID, "done"))

		got, err := repo.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.Equal(t, "done", got.FinalResponse)

		require.NoError(t, repo.ReactivateSession(ctx, s.ID))
		got, err = repo.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusActive, got.Status)
		assert.Nil(t, got.CompletedAt)
	})
}

func TestActiveAndCompletedByProject(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	older := newSession("/proj")
	require.NoError(t, repo.CreateSession(ctx, older))
	require.NoError(t, repo.MarkSessionCompleted(ctx, older.ID, "first"))

	time.Sleep(time.Millisecond)

	newer := newSession("/proj")
	require.NoError(t, repo.CreateSession(ctx, newer))
	require.NoError(t, repo.MarkSessionCompleted(ctx, newer.ID, "second"))

	got, err := repo.GetLatestCompletedByProject(ctx, "/proj")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	_, err = repo.GetActiveSessionByProject(ctx, "/proj")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.ReactivateSession(ctx, older.ID))
	active, err := repo.GetActiveSessionByProject(ctx, "/proj")
	require.NoError(t, err)
	assert.Equal(t, older.ID, active.ID)
}

func TestUpdateSessionStatePartial(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	s := newSession("/p")
	require.NoError(t, repo.CreateSession(ctx, s))

	mode := models.ModeDrifted
	waiting := true
	escalation := 1
	correction := "[GOAL INTERVENTION] stop"
	require.NoError(t, repo.UpdateSessionState(ctx, s.ID, SessionStateUpdate{
		Mode:               &mode,
		WaitingForRecovery: &waiting,
		EscalationCount:    &escalation,
		PendingCorrection:  &correction,
	}))

	got, err := repo.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModeDrifted, got.Mode)
	assert.True(t, got.WaitingForRecovery)
	assert.Equal(t, 1, got.EscalationCount)
	assert.Equal(t, correction, got.PendingCorrection)
	// Untouched fields keep their values.
	assert.Equal(t, "implement the retry layer", got.OriginalGoal)
	assert.Empty(t, got.PendingForcedRecovery)
}

func TestDeleteSessionRestrictsOnChildren(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	parent := newSession("/p")
	require.NoError(t, repo.CreateSession(ctx, parent))
	child := newSession("/p")
	child.TaskType = models.TaskTypeSubtask
	child.ParentSessionID = parent.ID
	require.NoError(t, repo.CreateSession(ctx, child))

	err := repo.DeleteSession(ctx, parent.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHasChildren)

	require.NoError(t, repo.MarkSessionCompleted(ctx, child.ID, "done"))
	require.NoError(t, repo.DeleteSession(ctx, parent.ID))
	_, err = repo.GetSession(ctx, parent.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweeps(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	stale := newSession("/p")
	require.NoError(t, repo.CreateSession(ctx, stale))

	// Cutoff in the future: every active session is stale relative to it.
	swept, err := repo.SweepStaleActive(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, models.SessionStatusAbandoned, swept[0].Status)

	done := newSession("/p")
	require.NoError(t, repo.CreateSession(ctx, done))
	require.NoError(t, repo.MarkSessionCompleted(ctx, done.ID, "ok"))

	deleted, err := repo.DeleteExpiredCompleted(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = repo.GetSession(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSteps(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	s := newSession("/p")
	require.NoError(t, repo.CreateSession(ctx, s))

	base := time.Now().UTC()
	reasoned := "edited the config loader"
	steps := []*models.Step{
		{SessionID: s.ID, Action: models.ActionRead, CreatedAt: base},
		{SessionID: s.ID, Action: models.ActionEdit, Reasoning: &reasoned, CreatedAt: base.Add(time.Second)},
		{SessionID: s.ID, Action: models.ActionBash, Command: "go test ./...", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, step := range steps {
		require.NoError(t, repo.CreateStep(ctx, step))
	}

	t.Run("recent steps newest first with limit", func(t *testing.T) {
		recent, err := repo.ListRecentSteps(ctx, s.ID, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, models.ActionBash, recent[0].Action)
		assert.Equal(t, models.ActionEdit, recent[1].Action)
	})

	t.Run("unreasoned steps skip reasoned ones", func(t *testing.T) {
		unreasoned, err := repo.ListUnreasonedSteps(ctx, s.ID, 10)
		require.NoError(t, err)
		require.Len(t, unreasoned, 2)
		for _, step := range unreasoned {
			assert.Nil(t, step.Reasoning)
		}
	})

	t.Run("backfill writes once and only once", func(t *testing.T) {
		require.NoError(t, repo.BackfillStepReasoning(ctx, steps[0].ID, "looked at the schema"))
		assert.ErrorIs(t, repo.BackfillStepReasoning(ctx, steps[0].ID, "other"), ErrNotFound)
		assert.ErrorIs(t, repo.BackfillStepReasoning(ctx, "missing", "text"), ErrNotFound)

		left, err := repo.ListUnreasonedSteps(ctx, s.ID, 10)
		require.NoError(t, err)
		assert.Len(t, left, 1)
	})
}

func TestDriftLog(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	s := newSession("/p")
	require.NoError(t, repo.CreateSession(ctx, s))

	entry := &models.DriftLogEntry{
		SessionID:  s.ID,
		Action:     models.ActionEdit,
		Files:      []string{"main.go"},
		DriftScore: 2,
		DriftType:  "scope_creep",
		Diagnostic: "editing files unrelated to the goal",
	}
	require.NoError(t, repo.CreateDriftLogEntry(ctx, entry))
	assert.NotEmpty(t, entry.ID)

	entries := repo.DriftLogEntries(s.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].DriftScore)
}
