// Package task defines the task model and the external task store contract.
package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Priority is the scheduling priority of a task. Zero is highest.
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityLowest  Priority = 4
)

// AgentAssignee is the assignee value used for tasks claimed by the
// orchestrator. Orphan recovery looks for in-progress tasks carrying it.
const AgentAssignee = "opensprint-agent"

// Task is a unit of work owned by the external task store.
type Task struct {
	ID       string   `json:"id" yaml:"id"`
	Title    string   `json:"title" yaml:"title"`
	Status   Status   `json:"status" yaml:"status"`
	Priority Priority `json:"priority" yaml:"priority"`
	Labels   []string `json:"labels,omitempty" yaml:"labels,omitempty"`

	// Attempts is the cumulative attempt counter across the task's lifetime.
	// It never decreases.
	Attempts int `json:"attempts" yaml:"attempts"`

	EpicID           string `json:"epic_id,omitempty" yaml:"epic_id,omitempty"`
	Assignee         string `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	ExecutionSummary string `json:"execution_summary,omitempty" yaml:"execution_summary,omitempty"`
	BlockReason      string `json:"block_reason,omitempty" yaml:"block_reason,omitempty"`

	// Scope holds optional glob patterns describing the files the task is
	// expected to touch. Admission uses them for conflict avoidance.
	Scope []string `json:"scope,omitempty" yaml:"scope,omitempty"`

	// ConflictFiles and MergeStage record the most recent merge conflict,
	// if any, for operator inspection.
	ConflictFiles []string `json:"conflict_files,omitempty" yaml:"conflict_files,omitempty"`
	MergeStage    string   `json:"merge_stage,omitempty" yaml:"merge_stage,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Dispatchable reports whether the task is eligible for admission.
func (t *Task) Dispatchable() bool {
	return t.Status == StatusOpen || t.Status == StatusReady
}

// Demote lowers the task priority by one step, saturating at PriorityLowest.
func (t *Task) Demote() {
	if t.Priority < PriorityLowest {
		t.Priority++
	}
}

// Update describes a partial mutation of a task. Nil fields are untouched.
type Update struct {
	Status           *Status
	Priority         *Priority
	Assignee         *string
	ExecutionSummary *string
	BlockReason      *string
}

// StatusPtr is a convenience for building Update literals.
func StatusPtr(s Status) *Status { return &s }

// StringPtr is a convenience for building Update literals.
func StringPtr(s string) *string { return &s }

// PriorityPtr is a convenience for building Update literals.
func PriorityPtr(p Priority) *Priority { return &p }
