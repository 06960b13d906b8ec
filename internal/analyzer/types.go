// Package analyzer defines the typed contract with the LLM-backed analysis
// service: task-context classification, drift scoring, recovery alignment,
// and session summaries.
package analyzer

import (
	"github.com/grovhq/grov-proxy/internal/session/models"
)

// TaskAction is the orchestrator verdict emitted by the task analyzer.
type TaskAction string

const (
	ActionContinue        TaskAction = "continue"
	ActionNewTask         TaskAction = "new_task"
	ActionSubtask         TaskAction = "subtask"
	ActionParallelTask    TaskAction = "parallel_task"
	ActionTaskComplete    TaskAction = "task_complete"
	ActionSubtaskComplete TaskAction = "subtask_complete"
)

// TaskVerdict is the analyzer's classification of one end-of-turn exchange.
type TaskVerdict struct {
	Action      TaskAction      `json:"action"`
	TaskType    models.TaskType `json:"task_type,omitempty"`
	CurrentGoal string          `json:"current_goal,omitempty"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Constraints []string        `json:"constraints,omitempty"`
	// StepReasoning maps step ids to back-fill reasoning texts.
	StepReasoning map[string]string `json:"step_reasoning,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
}

// TaskContextRequest carries everything the task analyzer sees.
type TaskContextRequest struct {
	Session       *models.Session `json:"session,omitempty"`
	UserMessage   string          `json:"user_message"`
	RecentSteps   []*models.Step  `json:"recent_steps,omitempty"`
	AssistantText string          `json:"assistant_text"`
	History       []string        `json:"history,omitempty"`
}

// DriftRequest carries the inputs for one drift check.
type DriftRequest struct {
	Session           *models.Session `json:"session"`
	RecentSteps       []*models.Step  `json:"recent_steps"`
	LatestUserMessage string          `json:"latest_user_message"`
}

// DriftResult scores divergence between recent actions and the session goal
// on a 0..10 scale, 10 meaning fully on track.
type DriftResult struct {
	Score         int      `json:"score"`
	DriftType     string   `json:"drift_type"`
	Diagnostic    string   `json:"diagnostic"`
	RecoverySteps []string `json:"recovery_steps,omitempty"`
}

// AlignmentResult reports whether an observed action follows the recovery
// plan.
type AlignmentResult struct {
	Aligned bool   `json:"aligned"`
	Reason  string `json:"reason"`
}
