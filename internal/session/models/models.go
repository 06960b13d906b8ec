// Package models defines the session graph persisted by the proxy: sessions,
// append-only steps, and drift-log entries.
package models

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// TaskType classifies what kind of work a session tracks.
type TaskType string

const (
	TaskTypeMain     TaskType = "main"
	TaskTypeSubtask  TaskType = "subtask"
	TaskTypeParallel TaskType = "parallel"
	// TaskTypePlanning and TaskTypeInformation are analyzer-assigned
	// refinements of main tasks; they change completion behavior.
	TaskTypePlanning    TaskType = "planning"
	TaskTypeInformation TaskType = "information"
)

// SessionMode is the drift state of a session.
type SessionMode string

const (
	ModeNormal  SessionMode = "normal"
	ModeDrifted SessionMode = "drifted"
	ModeForced  SessionMode = "forced"
)

// Session is one logical unit of agent work, grouped by project path.
// Exactly one session per project is active at a time.
type Session struct {
	ID                    string        `json:"id" db:"id"`
	ProjectPath           string        `json:"project_path" db:"project_path"`
	OriginalGoal          string        `json:"original_goal" db:"original_goal"`
	Status                SessionStatus `json:"status" db:"status"`
	TaskType              TaskType      `json:"task_type" db:"task_type"`
	ParentSessionID       string        `json:"parent_session_id,omitempty" db:"parent_session_id"`
	Constraints           []string      `json:"constraints,omitempty" db:"-"`
	TokenCount            int           `json:"token_count" db:"token_count"`
	PromptCount           int           `json:"prompt_count" db:"prompt_count"`
	Mode                  SessionMode   `json:"mode" db:"mode"`
	WaitingForRecovery    bool          `json:"waiting_for_recovery" db:"waiting_for_recovery"`
	EscalationCount       int           `json:"escalation_count" db:"escalation_count"`
	LastCheckedAt         *time.Time    `json:"last_checked_at,omitempty" db:"last_checked_at"`
	PendingCorrection     string        `json:"pending_correction,omitempty" db:"pending_correction"`
	PendingForcedRecovery string        `json:"pending_forced_recovery,omitempty" db:"pending_forced_recovery"`
	PendingClearSummary   string        `json:"pending_clear_summary,omitempty" db:"pending_clear_summary"`
	FinalResponse         string        `json:"final_response,omitempty" db:"final_response"`
	CreatedAt             time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at" db:"updated_at"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty" db:"completed_at"`

	// IsNew marks a placeholder returned by the manager before the
	// orchestrator has decided to persist it. Never stored.
	IsNew bool `json:"-" db:"-"`
}

// IsActive reports whether the session is the live one for its project.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// HasGoal reports whether the session carries a non-trivial goal.
func (s *Session) HasGoal() bool {
	return len(s.OriginalGoal) >= 10
}

// ActionType classifies one assistant action.
type ActionType string

const (
	ActionEdit  ActionType = "edit"
	ActionWrite ActionType = "write"
	ActionBash  ActionType = "bash"
	ActionRead  ActionType = "read"
	ActionGlob  ActionType = "glob"
	ActionGrep  ActionType = "grep"
	ActionTask  ActionType = "task"
	ActionOther ActionType = "other"
)

// Action is one assistant tool invocation parsed out of a response body.
// Actions are transient; validated ones become Steps.
type Action struct {
	Type    ActionType `json:"type"`
	Files   []string   `json:"files,omitempty"`
	Folders []string   `json:"folders,omitempty"`
	Command string     `json:"command,omitempty"`
}

// IsMutation reports whether the action changes files on disk.
func (a Action) IsMutation() bool {
	return a.Type == ActionEdit || a.Type == ActionWrite
}

// Step is the append-only record of one assistant action. Steps are never
// mutated after insert, except for late reasoning back-fill of the most
// recent unreasoned rows.
type Step struct {
	ID        string     `json:"id" db:"id"`
	SessionID string     `json:"session_id" db:"session_id"`
	Action    ActionType `json:"action_type" db:"action_type"`
	Files     []string   `json:"files,omitempty" db:"-"`
	Folders   []string   `json:"folders,omitempty" db:"-"`
	Command   string     `json:"command,omitempty" db:"command"`
	// Reasoning is nil when this step shares its reasoning with the
	// preceding step of the same turn (dedupe on write).
	Reasoning     *string   `json:"reasoning,omitempty" db:"reasoning"`
	DriftScore    int       `json:"drift_score" db:"drift_score"`
	IsValidated   bool      `json:"is_validated" db:"is_validated"`
	IsKeyDecision bool      `json:"is_key_decision" db:"is_key_decision"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// DriftLogEntry records an action that was observed while drifting but not
// validated into the step log.
type DriftLogEntry struct {
	ID         string     `json:"id" db:"id"`
	SessionID  string     `json:"session_id" db:"session_id"`
	Action     ActionType `json:"action_type" db:"action_type"`
	Files      []string   `json:"files,omitempty" db:"-"`
	Command    string     `json:"command,omitempty" db:"command"`
	DriftScore int        `json:"drift_score" db:"drift_score"`
	DriftType  string     `json:"drift_type,omitempty" db:"drift_type"`
	Diagnostic string     `json:"diagnostic,omitempty" db:"diagnostic"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
