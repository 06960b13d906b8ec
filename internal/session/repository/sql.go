package repository

import (
	"encoding/json"
	"fmt"

	"github.com/grovhq/grov-proxy/internal/db"
)

// SQLRepository implements Repository over SQLite or PostgreSQL through a
// db.Pool. All queries are written with `?` placeholders and rebound for the
// active driver.
type SQLRepository struct {
	pool   *db.Pool
	driver string
}

// NewSQL creates a repository over the given pool and initializes the schema.
func NewSQL(pool *db.Pool) (*SQLRepository, error) {
	r := &SQLRepository{pool: pool, driver: pool.Driver()}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

// Close closes the underlying pool.
func (r *SQLRepository) Close() error {
	return r.pool.Close()
}

func (r *SQLRepository) rebind(query string) string {
	return r.pool.Writer().Rebind(query)
}

func (r *SQLRepository) isPostgres() bool {
	return r.driver == db.DriverPostgres
}

// timestampType returns the column type for timestamps per driver.
func (r *SQLRepository) timestampType() string {
	if r.isPostgres() {
		return "TIMESTAMPTZ"
	}
	return "TIMESTAMP"
}

func (r *SQLRepository) initSchema() error {
	ts := r.timestampType()

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_path TEXT NOT NULL,
			original_goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			task_type TEXT NOT NULL DEFAULT 'main',
			parent_session_id TEXT NOT NULL DEFAULT '',
			task_constraints TEXT NOT NULL DEFAULT '[]',
			token_count INTEGER NOT NULL DEFAULT 0,
			prompt_count INTEGER NOT NULL DEFAULT 0,
			mode TEXT NOT NULL DEFAULT 'normal',
			waiting_for_recovery INTEGER NOT NULL DEFAULT 0,
			escalation_count INTEGER NOT NULL DEFAULT 0,
			last_checked_at %s,
			pending_correction TEXT NOT NULL DEFAULT '',
			pending_forced_recovery TEXT NOT NULL DEFAULT '',
			pending_clear_summary TEXT NOT NULL DEFAULT '',
			final_response TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			updated_at %s NOT NULL,
			completed_at %s
		)`, ts, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_sessions_project_status ON sessions(project_path, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			files TEXT NOT NULL DEFAULT '[]',
			folders TEXT NOT NULL DEFAULT '[]',
			command TEXT NOT NULL DEFAULT '',
			reasoning TEXT,
			drift_score INTEGER NOT NULL DEFAULT 0,
			is_validated INTEGER NOT NULL DEFAULT 1,
			is_key_decision INTEGER NOT NULL DEFAULT 0,
			created_at %s NOT NULL
		)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_steps_session_created ON steps(session_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS drift_log (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			action_type TEXT NOT NULL,
			files TEXT NOT NULL DEFAULT '[]',
			command TEXT NOT NULL DEFAULT '',
			drift_score INTEGER NOT NULL DEFAULT 0,
			drift_type TEXT NOT NULL DEFAULT '',
			diagnostic TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL
		)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_drift_log_session ON drift_log(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := r.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalStrings serializes a string slice as a JSON array column value.
func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalStrings parses a JSON array column value, tolerating empty and
// malformed values with an empty default (rolling schema changes).
func unmarshalStrings(value string) []string {
	if value == "" || value == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
