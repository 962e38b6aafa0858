// Package session archives one immutable record per task attempt. A record
// is written exactly once, at the attempt's terminal outcome, before the
// task's status changes anywhere else.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of an attempt.
type Status string

const (
	StatusApproved Status = "approved"
	StatusFailed   Status = "failed"
)

// Session is the archived record of a single attempt at a task.
type Session struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	Attempt   int       `json:"attempt"`
	AgentType string    `json:"agentType"` // simple or complex
	Model     string    `json:"model,omitempty"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`

	OutputLog     string `json:"outputLog,omitempty"`
	Branch        string `json:"branch,omitempty"`
	GitDiff       string `json:"gitDiff,omitempty"`
	TestResults   string `json:"testResults,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	Summary       string `json:"summary,omitempty"`

	// Truncated records whether the archive step capped OutputLog or
	// GitDiff.
	Truncated bool `json:"truncated,omitempty"`
}

// New starts a session record for an attempt. The caller fills in the
// outcome fields and hands it to an Archive.
func New(taskID string, attempt int, agentType, model string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Attempt:   attempt,
		AgentType: agentType,
		Model:     model,
		StartedAt: time.Now().UTC(),
	}
}
