// Package agent defines the contracts to the external agent collaborators
// (coding agent, merger agent, notifications) and ships a CLI subprocess
// runner implementing the coding-agent side.
package agent

import (
	"context"
	"time"

	"github.com/opensprint/opensprint/internal/project"
)

// Invocation describes one coding-agent run.
type Invocation struct {
	Config       project.AgentConfig
	Prompt       string
	SystemPrompt string
	WorkDir      string
}

// Chunk is one piece of streamed agent output.
type Chunk struct {
	Time time.Time
	Text string
}

// Result is the terminal report of an agent run.
type Result struct {
	ExitCode int
	Output   string // full accumulated output log
	Summary  string // agent-reported summary, empty when none
	NoResult bool   // agent exited without producing a result payload
	Killed   bool   // process was killed (cancellation or timeout)
}

// Runner spawns an agent subprocess and streams its output. onChunk is
// called from the reader goroutine for every output chunk; implementations
// must tolerate a nil callback. Cancelling ctx kills the process.
type Runner interface {
	Run(ctx context.Context, inv Invocation, onChunk func(Chunk)) (*Result, error)
}

// MergePhase names the pipeline step a merger agent is asked to fix.
type MergePhase string

const (
	PhaseRebaseBeforeMerge MergePhase = "rebase_before_merge"
	PhaseMergeToMain       MergePhase = "merge_to_main"
	PhasePushRebase        MergePhase = "push_rebase"
)

// MergeRequest asks the merger agent to resolve conflicts in WorkDir.
type MergeRequest struct {
	ProjectID       string
	WorkDir         string
	Config          project.AgentConfig
	Phase           MergePhase
	TaskID          string
	Branch          string
	ConflictedFiles []string
	TestCommand     string
}

// Merger is the external conflict-resolution collaborator. It reports
// whether the conflicts were resolved; the caller continues or aborts the
// underlying git operation accordingly.
type Merger interface {
	ResolveConflicts(ctx context.Context, req MergeRequest) (resolved bool, err error)
}

// NotificationService raises operator-facing notifications.
type NotificationService interface {
	CreateAPIBlocked(ctx context.Context, projectID, taskID, message string) error
	CreateHILApproval(ctx context.Context, projectID, taskID, message string) error
}
