package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grovhq/grov-proxy/internal/session/models"
)

const stepColumns = `id, session_id, action_type, files, folders, command, reasoning,
	drift_score, is_validated, is_key_decision, created_at`

func scanStep(row scannable) (*models.Step, error) {
	step := &models.Step{}
	var filesJSON, foldersJSON string
	var reasoning sql.NullString
	var validated, keyDecision int

	err := row.Scan(
		&step.ID, &step.SessionID, &step.Action, &filesJSON, &foldersJSON, &step.Command,
		&reasoning, &step.DriftScore, &validated, &keyDecision, &step.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Files = unmarshalStrings(filesJSON)
	step.Folders = unmarshalStrings(foldersJSON)
	if reasoning.Valid {
		step.Reasoning = &reasoning.String
	}
	step.IsValidated = validated != 0
	step.IsKeyDecision = keyDecision != 0
	return step, nil
}

// CreateStep appends one step row. Steps are never updated afterwards except
// for reasoning back-fill.
func (r *SQLRepository) CreateStep(ctx context.Context, step *models.Step) error {
	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	var reasoning any
	if step.Reasoning != nil {
		reasoning = *step.Reasoning
	}

	query := r.rebind(`INSERT INTO steps (` + stepColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		step.ID, step.SessionID, step.Action, marshalStrings(step.Files), marshalStrings(step.Folders),
		step.Command, reasoning, step.DriftScore, boolToInt(step.IsValidated),
		boolToInt(step.IsKeyDecision), step.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// ListRecentSteps returns the latest steps for a session, newest first.
func (r *SQLRepository) ListRecentSteps(ctx context.Context, sessionID string, limit int) ([]*models.Step, error) {
	query := r.rebind(`SELECT ` + stepColumns + ` FROM steps
		WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`)
	return r.querySteps(ctx, query, sessionID, limit)
}

// ListUnreasonedSteps returns the latest steps without reasoning, newest first.
func (r *SQLRepository) ListUnreasonedSteps(ctx context.Context, sessionID string, limit int) ([]*models.Step, error) {
	query := r.rebind(`SELECT ` + stepColumns + ` FROM steps
		WHERE session_id = ? AND reasoning IS NULL ORDER BY created_at DESC LIMIT ?`)
	return r.querySteps(ctx, query, sessionID, limit)
}

func (r *SQLRepository) querySteps(ctx context.Context, query string, args ...any) ([]*models.Step, error) {
	rows, err := r.pool.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// BackfillStepReasoning sets reasoning on a step that has none.
func (r *SQLRepository) BackfillStepReasoning(ctx context.Context, stepID, reasoning string) error {
	query := r.rebind(`UPDATE steps SET reasoning = ? WHERE id = ? AND reasoning IS NULL`)
	result, err := r.pool.Writer().ExecContext(ctx, query, reasoning, stepID)
	if err != nil {
		return fmt.Errorf("failed to backfill step reasoning: %w", err)
	}
	return checkAffected(result)
}

// CreateDriftLogEntry records an action observed while drifting.
func (r *SQLRepository) CreateDriftLogEntry(ctx context.Context, entry *models.DriftLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := r.rebind(`INSERT INTO drift_log
		(id, session_id, action_type, files, command, drift_score, drift_type, diagnostic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.pool.Writer().ExecContext(ctx, query,
		entry.ID, entry.SessionID, entry.Action, marshalStrings(entry.Files), entry.Command,
		entry.DriftScore, entry.DriftType, entry.Diagnostic, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create drift log entry: %w", err)
	}
	return nil
}
