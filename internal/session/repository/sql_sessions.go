package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/grovhq/grov-proxy/internal/session/models"
)

const sessionColumns = `id, project_path, original_goal, status, task_type, parent_session_id,
	task_constraints, token_count, prompt_count, mode, waiting_for_recovery, escalation_count,
	last_checked_at, pending_correction, pending_forced_recovery, pending_clear_summary,
	final_response, created_at, updated_at, completed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*models.Session, error) {
	s := &models.Session{}
	var constraintsJSON string
	var waiting int
	var lastCheckedAt, completedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.ProjectPath, &s.OriginalGoal, &s.Status, &s.TaskType, &s.ParentSessionID,
		&constraintsJSON, &s.TokenCount, &s.PromptCount, &s.Mode, &waiting, &s.EscalationCount,
		&lastCheckedAt, &s.PendingCorrection, &s.PendingForcedRecovery, &s.PendingClearSummary,
		&s.FinalResponse, &s.CreatedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Constraints = unmarshalStrings(constraintsJSON)
	s.WaitingForRecovery = waiting != 0
	if lastCheckedAt.Valid {
		s.LastCheckedAt = &lastCheckedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	return s, nil
}

// CreateSession inserts a new session row.
func (r *SQLRepository) CreateSession(ctx context.Context, s *models.Session) error {
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

	query := r.rebind(`INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		s.ID, s.ProjectPath, s.OriginalGoal, s.Status, s.TaskType, s.ParentSessionID,
		marshalStrings(s.Constraints), s.TokenCount, s.PromptCount, s.Mode,
		boolToInt(s.WaitingForRecovery), s.EscalationCount,
		s.LastCheckedAt, s.PendingCorrection, s.PendingForcedRecovery, s.PendingClearSummary,
		s.FinalResponse, s.CreatedAt, s.UpdatedAt, s.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (r *SQLRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`)
	s, err := scanSession(r.pool.Reader().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetActiveSessionByProject returns the single active session for a project.
func (r *SQLRepository) GetActiveSessionByProject(ctx context.Context, projectPath string) (*models.Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE project_path = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1`)
	s, err := scanSession(r.pool.Reader().QueryRowContext(ctx, query, projectPath, models.SessionStatusActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// GetLatestCompletedByProject returns the most recently completed session for
// a project, used for lineage inference by the orchestrator.
func (r *SQLRepository) GetLatestCompletedByProject(ctx context.Context, projectPath string) (*models.Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE project_path = ? AND status = ?
		ORDER BY completed_at DESC LIMIT 1`)
	s, err := scanSession(r.pool.Reader().QueryRowContext(ctx, query, projectPath, models.SessionStatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// UpdateSession overwrites all mutable fields of the session row.
func (r *SQLRepository) UpdateSession(ctx context.Context, s *models.Session) error {
	s.UpdatedAt = time.Now().UTC()
	query := r.rebind(`UPDATE sessions SET
		project_path = ?, original_goal = ?, status = ?, task_type = ?, parent_session_id = ?,
		task_constraints = ?, token_count = ?, prompt_count = ?, mode = ?,
		waiting_for_recovery = ?, escalation_count = ?, last_checked_at = ?,
		pending_correction = ?, pending_forced_recovery = ?, pending_clear_summary = ?,
		final_response = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`)
	result, err := r.pool.Writer().ExecContext(ctx, query,
		s.ProjectPath, s.OriginalGoal, s.Status, s.TaskType, s.ParentSessionID,
		marshalStrings(s.Constraints), s.TokenCount, s.PromptCount, s.Mode,
		boolToInt(s.WaitingForRecovery), s.EscalationCount, s.LastCheckedAt,
		s.PendingCorrection, s.PendingForcedRecovery, s.PendingClearSummary,
		s.FinalResponse, s.UpdatedAt, s.CompletedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return checkAffected(result)
}

// UpdateSessionState applies the drift state machine's multi-field update in
// a single transaction. Nil fields are untouched.
func (r *SQLRepository) UpdateSessionState(ctx context.Context, id string, upd SessionStateUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Mode != nil {
		sets = append(sets, "mode = ?")
		args = append(args, *upd.Mode)
	}
	if upd.WaitingForRecovery != nil {
		sets = append(sets, "waiting_for_recovery = ?")
		args = append(args, boolToInt(*upd.WaitingForRecovery))
	}
	if upd.EscalationCount != nil {
		sets = append(sets, "escalation_count = ?")
		args = append(args, *upd.EscalationCount)
	}
	if upd.LastCheckedAt != nil {
		sets = append(sets, "last_checked_at = ?")
		args = append(args, *upd.LastCheckedAt)
	}
	if upd.PendingCorrection != nil {
		sets = append(sets, "pending_correction = ?")
		args = append(args, *upd.PendingCorrection)
	}
	if upd.PendingForcedRecovery != nil {
		sets = append(sets, "pending_forced_recovery = ?")
		args = append(args, *upd.PendingForcedRecovery)
	}
	if upd.PendingClearSummary != nil {
		sets = append(sets, "pending_clear_summary = ?")
		args = append(args, *upd.PendingClearSummary)
	}
	args = append(args, id)

	query := r.rebind(`UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)

	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkSessionCompleted sets status=completed and stamps completed_at.
func (r *SQLRepository) MarkSessionCompleted(ctx context.Context, id string, finalResponse string) error {
	now := time.Now().UTC()
	query := r.rebind(`UPDATE sessions SET status = ?, final_response = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`)
	result, err := r.pool.Writer().ExecContext(ctx, query,
		models.SessionStatusCompleted, finalResponse, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark session completed: %w", err)
	}
	return checkAffected(result)
}

// ReactivateSession flips a completed session back to active.
func (r *SQLRepository) ReactivateSession(ctx context.Context, id string) error {
	query := r.rebind(`UPDATE sessions SET status = ?, completed_at = NULL, updated_at = ? WHERE id = ?`)
	result, err := r.pool.Writer().ExecContext(ctx, query,
		models.SessionStatusActive, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reactivate session: %w", err)
	}
	return checkAffected(result)
}

// CountNonCompletedChildren returns the number of children that are still
// active or abandoned.
func (r *SQLRepository) CountNonCompletedChildren(ctx context.Context, id string) (int, error) {
	query := r.rebind(`SELECT COUNT(*) FROM sessions WHERE parent_session_id = ? AND status != ?`)
	var count int
	err := r.pool.Reader().QueryRowContext(ctx, query, id, models.SessionStatusCompleted).Scan(&count)
	return count, err
}

// DeleteSession removes a session with its steps and drift log rows. RESTRICT
// semantics: fails while a non-completed child references the session.
func (r *SQLRepository) DeleteSession(ctx context.Context, id string) error {
	tx, err := r.pool.Writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var children int
	query := tx.Rebind(`SELECT COUNT(*) FROM sessions WHERE parent_session_id = ? AND status != ?`)
	if err := tx.QueryRowContext(ctx, query, id, models.SessionStatusCompleted).Scan(&children); err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if children > 0 {
		return fmt.Errorf("session %s (%d children): %w", id, children, ErrHasChildren)
	}

	if err := deleteSessionRows(ctx, tx, id); err != nil {
		return err
	}
	return tx.Commit()
}

func deleteSessionRows(ctx context.Context, tx *sqlx.Tx, id string) error {
	for _, stmt := range []string{
		`DELETE FROM steps WHERE session_id = ?`,
		`DELETE FROM drift_log WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
			return fmt.Errorf("failed to delete session rows: %w", err)
		}
	}
	return nil
}

// SweepStaleActive marks active sessions idle since cutoff as abandoned and
// returns them.
func (r *SQLRepository) SweepStaleActive(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	query := r.rebind(`SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = ? AND updated_at < ?`)
	rows, err := r.pool.Writer().QueryContext(ctx, query, models.SessionStatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stale []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	update := r.rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`)
	now := time.Now().UTC()
	for _, s := range stale {
		if _, err := r.pool.Writer().ExecContext(ctx, update, models.SessionStatusAbandoned, now, s.ID); err != nil {
			return nil, fmt.Errorf("failed to abandon session %s: %w", s.ID, err)
		}
		s.Status = models.SessionStatusAbandoned
	}
	return stale, nil
}

// DeleteExpiredCompleted removes completed sessions older than cutoff that
// have no non-completed children, together with their steps and drift rows.
func (r *SQLRepository) DeleteExpiredCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	query := r.rebind(`SELECT id FROM sessions s
		WHERE s.status = ? AND s.completed_at IS NOT NULL AND s.completed_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM sessions c WHERE c.parent_session_id = s.id AND c.status != ?
		)`)
	rows, err := r.pool.Reader().QueryContext(ctx, query,
		models.SessionStatusCompleted, cutoff, models.SessionStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		tx, err := r.pool.Writer().BeginTxx(ctx, nil)
		if err != nil {
			return deleted, fmt.Errorf("failed to begin transaction: %w", err)
		}
		if err := deleteSessionRows(ctx, tx, id); err != nil {
			_ = tx.Rollback()
			return deleted, err
		}
		if err := tx.Commit(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
