// Package repository defines persistence for sessions, steps, and drift logs.
// Three implementations exist: SQLite (default, embedded), PostgreSQL (when a
// DATABASE_URL is configured), and an in-memory store used by tests.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/grovhq/grov-proxy/internal/session/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrHasChildren is returned when a session cannot be deleted because a
// non-completed child still references it.
var ErrHasChildren = errors.New("session has non-completed children")

// SessionStateUpdate is the transactional multi-field update applied by the
// drift state machine. Nil fields are left untouched.
type SessionStateUpdate struct {
	Mode                  *models.SessionMode
	WaitingForRecovery    *bool
	EscalationCount       *int
	LastCheckedAt         *time.Time
	PendingCorrection     *string
	PendingForcedRecovery *string
	PendingClearSummary   *string
}

// Repository is the storage contract consumed by the session manager, the
// orchestrator, and the drift state machine. Implementations must provide
// atomic single-row updates; UpdateSessionState must be transactional.
type Repository interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetActiveSessionByProject(ctx context.Context, projectPath string) (*models.Session, error)
	GetLatestCompletedByProject(ctx context.Context, projectPath string) (*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	UpdateSessionState(ctx context.Context, id string, upd SessionStateUpdate) error
	MarkSessionCompleted(ctx context.Context, id string, finalResponse string) error
	ReactivateSession(ctx context.Context, id string) error
	// DeleteSession removes the session together with its steps and drift
	// log rows. It fails when a non-completed child references the session.
	DeleteSession(ctx context.Context, id string) error
	CountNonCompletedChildren(ctx context.Context, id string) (int, error)

	// Sweeps. SweepStaleActive marks active sessions idle since cutoff as
	// abandoned and returns them. DeleteExpiredCompleted removes completed
	// sessions older than cutoff that have no non-completed children.
	SweepStaleActive(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
	DeleteExpiredCompleted(ctx context.Context, cutoff time.Time) (int, error)

	// Steps
	CreateStep(ctx context.Context, step *models.Step) error
	ListRecentSteps(ctx context.Context, sessionID string, limit int) ([]*models.Step, error)
	ListUnreasonedSteps(ctx context.Context, sessionID string, limit int) ([]*models.Step, error)
	BackfillStepReasoning(ctx context.Context, stepID, reasoning string) error

	// Drift log
	CreateDriftLogEntry(ctx context.Context, entry *models.DriftLogEntry) error

	Close() error
}
