package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grovhq/grov-proxy/internal/session/models"
)

// MemoryRepository is an in-memory Repository used by tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	steps    map[string][]*models.Step // keyed by session id, append order
	drift    map[string][]*models.DriftLogEntry
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*models.Session),
		steps:    make(map[string][]*models.Step),
		drift:    make(map[string][]*models.DriftLogEntry),
	}
}

func (r *MemoryRepository) Close() error { return nil }

func cloneSession(s *models.Session) *models.Session {
	copied := *s
	if s.LastCheckedAt != nil {
		t := *s.LastCheckedAt
		copied.LastCheckedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		copied.CompletedAt = &t
	}
	copied.Constraints = append([]string(nil), s.Constraints...)
	return &copied
}

func (r *MemoryRepository) CreateSession(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = models.SessionStatusActive
	}
	if s.TaskType == "" {
		s.TaskType = models.TaskTypeMain
	}
	if s.Mode == "" {
		s.Mode = models.ModeNormal
	}
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (r *MemoryRepository) GetActiveSessionByProject(ctx context.Context, projectPath string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.Session
	for _, s := range r.sessions {
		if s.ProjectPath != projectPath || s.Status != models.SessionStatusActive {
			continue
		}
		if best == nil || s.UpdatedAt.After(best.UpdatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneSession(best), nil
}

func (r *MemoryRepository) GetLatestCompletedByProject(ctx context.Context, projectPath string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.Session
	for _, s := range r.sessions {
		if s.ProjectPath != projectPath || s.Status != models.SessionStatusCompleted || s.CompletedAt == nil {
			continue
		}
		if best == nil || s.CompletedAt.After(*best.CompletedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneSession(best), nil
}

func (r *MemoryRepository) UpdateSession(ctx context.Context, s *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now().UTC()
	r.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r *MemoryRepository) UpdateSessionState(ctx context.Context, id string, upd SessionStateUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if upd.Mode != nil {
		s.Mode = *upd.Mode
	}
	if upd.WaitingForRecovery != nil {
		s.WaitingForRecovery = *upd.WaitingForRecovery
	}
	if upd.EscalationCount != nil {
		s.EscalationCount = *upd.EscalationCount
	}
	if upd.LastCheckedAt != nil {
		t := *upd.LastCheckedAt
		s.LastCheckedAt = &t
	}
	if upd.PendingCorrection != nil {
		s.PendingCorrection = *upd.PendingCorrection
	}
	if upd.PendingForcedRecovery != nil {
		s.PendingForcedRecovery = *upd.PendingForcedRecovery
	}
	if upd.PendingClearSummary != nil {
		s.PendingClearSummary = *upd.PendingClearSummary
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) MarkSessionCompleted(ctx context.Context, id string, finalResponse string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.Status = models.SessionStatusCompleted
	s.FinalResponse = finalResponse
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

func (r *MemoryRepository) ReactivateSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = models.SessionStatusActive
	s.CompletedAt = nil
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) CountNonCompletedChildren(ctx context.Context, id string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.ParentSessionID == id && s.Status != models.SessionStatusCompleted {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrNotFound
	}
	for _, s := range r.sessions {
		if s.ParentSessionID == id && s.Status != models.SessionStatusCompleted {
			return fmt.Errorf("session %s: %w", id, ErrHasChildren)
		}
	}
	delete(r.sessions, id)
	delete(r.steps, id)
	delete(r.drift, id)
	return nil
}

func (r *MemoryRepository) SweepStaleActive(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []*models.Session
	for _, s := range r.sessions {
		if s.Status == models.SessionStatusActive && s.UpdatedAt.Before(cutoff) {
			s.Status = models.SessionStatusAbandoned
			s.UpdatedAt = time.Now().UTC()
			stale = append(stale, cloneSession(s))
		}
	}
	return stale, nil
}

func (r *MemoryRepository) DeleteExpiredCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deleted := 0
	for id, s := range r.sessions {
		if s.Status != models.SessionStatusCompleted || s.CompletedAt == nil || !s.CompletedAt.Before(cutoff) {
			continue
		}
		blocked := false
		for _, c := range r.sessions {
			if c.ParentSessionID == id && c.Status != models.SessionStatusCompleted {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		delete(r.sessions, id)
		delete(r.steps, id)
		delete(r.drift, id)
		deleted++
	}
	return deleted, nil
}

func (r *MemoryRepository) CreateStep(ctx context.Context, step *models.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	copied := *step
	r.steps[step.SessionID] = append(r.steps[step.SessionID], &copied)
	return nil
}

func (r *MemoryRepository) ListRecentSteps(ctx context.Context, sessionID string, limit int) ([]*models.Step, error) {
	return r.listSteps(sessionID, limit, false)
}

func (r *MemoryRepository) ListUnreasonedSteps(ctx context.Context, sessionID string, limit int) ([]*models.Step, error) {
	return r.listSteps(sessionID, limit, true)
}

func (r *MemoryRepository) listSteps(sessionID string, limit int, unreasonedOnly bool) ([]*models.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.steps[sessionID]
	var out []*models.Step
	for _, step := range all {
		if unreasonedOnly && step.Reasoning != nil {
			continue
		}
		copied := *step
		out = append(out, &copied)
	}
	// Newest first, append order breaks created_at ties.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) BackfillStepReasoning(ctx context.Context, stepID, reasoning string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, steps := range r.steps {
		for _, step := range steps {
			if step.ID == stepID && step.Reasoning == nil {
				text := reasoning
				step.Reasoning = &text
				return nil
			}
		}
	}
	return ErrNotFound
}

func (r *MemoryRepository) CreateDriftLogEntry(ctx context.Context, entry *models.DriftLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	copied := *entry
	r.drift[entry.SessionID] = append(r.drift[entry.SessionID], &copied)
	return nil
}

// DriftLogEntries returns the drift log for a session (test helper).
func (r *MemoryRepository) DriftLogEntries(sessionID string) []*models.DriftLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.DriftLogEntry(nil), r.drift[sessionID]...)
}
