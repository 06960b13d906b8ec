// Package manager tracks the logical session per project path: lookup or
// lazy creation, completion, and background sweeps of stale rows.
package manager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/grovhq/grov-proxy/internal/common/logger"
	"github.com/grovhq/grov-proxy/internal/events"
	"github.com/grovhq/grov-proxy/internal/events/bus"
	"github.com/grovhq/grov-proxy/internal/session/models"
	"github.com/grovhq/grov-proxy/internal/session/repository"
)

const (
	// staleActiveAfter is how long an active session may sit idle before a
	// sweep marks it abandoned.
	staleActiveAfter = time.Hour
	// completedRetention keeps completed sessions around for lineage
	// inference before they are deleted.
	completedRetention = 24 * time.Hour
)

// Lookup is the result of GetOrCreate.
type Lookup struct {
	// Session is the active session, or a placeholder with IsNew=true when
	// no active session exists for the project.
	Session *models.Session
	// LastCompleted is the most recent completed session for the project,
	// nil when none exists. Used by the orchestrator for lineage inference.
	LastCompleted *models.Session
}

// Manager owns active-session identity per project path.
type Manager struct {
	repo   repository.Repository
	bus    bus.EventBus
	logger *logger.Logger
	group  singleflight.Group
}

// New creates a Manager.
func New(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		repo:   repo,
		bus:    eventBus,
		logger: log.WithComponent("session-manager"),
	}
}

// GetOrCreate returns the unique active session for the project, or a fresh
// placeholder when none exists. Concurrent callers for the same project are
// collapsed so only one placeholder id is handed out per miss.
func (m *Manager) GetOrCreate(ctx context.Context, projectPath string) (*Lookup, error) {
	v, err, _ := m.group.Do(projectPath, func() (any, error) {
		return m.lookup(ctx, projectPath)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Lookup), nil
}

func (m *Manager) lookup(ctx context.Context, projectPath string) (*Lookup, error) {
	result := &Lookup{}

	active, err := m.repo.GetActiveSessionByProject(ctx, projectPath)
	switch {
	case err == nil:
		result.Session = active
	case errors.Is(err, repository.ErrNotFound):
		result.Session = &models.Session{
			ID:          uuid.New().String(),
			ProjectPath: projectPath,
			Status:      models.SessionStatusActive,
			TaskType:    models.TaskTypeMain,
			Mode:        models.ModeNormal,
			IsNew:       true,
		}
	default:
		return nil, err
	}

	completed, err := m.repo.GetLatestCompletedByProject(ctx, projectPath)
	if err == nil {
		result.LastCompleted = completed
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	return result, nil
}

// Persist stores a placeholder session and publishes the created event.
func (m *Manager) Persist(ctx context.Context, s *models.Session) error {
	if err := m.repo.CreateSession(ctx, s); err != nil {
		return err
	}
	s.IsNew = false
	m.publish(ctx, events.SubjectSessions, events.SessionCreated, map[string]any{
		"session_id": s.ID,
		"project":    s.ProjectPath,
		"task_type":  string(s.TaskType),
	})
	return nil
}

// MarkCompleted sets status=completed with completed_at=now.
func (m *Manager) MarkCompleted(ctx context.Context, sessionID, finalResponse string) error {
	if err := m.repo.MarkSessionCompleted(ctx, sessionID, finalResponse); err != nil {
		return err
	}
	m.publish(ctx, events.SubjectSessions, events.SessionCompleted, map[string]any{
		"session_id": sessionID,
	})
	return nil
}

// SweepStale abandons idle active sessions and deletes expired completed
// sessions whose children are all completed.
func (m *Manager) SweepStale(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := m.repo.SweepStaleActive(ctx, now.Add(-staleActiveAfter))
	if err != nil {
		m.logger.Error("Stale session sweep failed", zap.Error(err))
	}
	for _, s := range stale {
		m.logger.Info("Session abandoned",
			zap.String("session_id", s.ID),
			zap.String("project", s.ProjectPath))
		m.publish(ctx, events.SubjectSessions, events.SessionAbandoned, map[string]any{
			"session_id": s.ID,
			"project":    s.ProjectPath,
		})
	}

	deleted, err := m.repo.DeleteExpiredCompleted(ctx, now.Add(-completedRetention))
	if err != nil {
		m.logger.Error("Expired session cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		m.logger.Info("Expired sessions deleted", zap.Int("count", deleted))
	}
}

// StartSweeper runs SweepStale immediately and then on the given interval
// until the context is canceled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		m.SweepStale(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepStale(ctx)
			}
		}
	}()
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.Debug("Event publish failed", zap.Error(err))
	}
}
