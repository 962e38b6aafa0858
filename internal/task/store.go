package task

import (
	"context"
	"errors"
)

// ErrNotFound indicates the task does not exist in the store.
var ErrNotFound = errors.New("task not found")

// Store is the contract the orchestrator core consumes. The surrounding
// platform owns the real implementation; the core never assumes anything
// about its storage beyond these operations. Implementations must be safe
// for concurrent access.
type Store interface {
	// Show returns the task with the given ID, or ErrNotFound.
	Show(ctx context.Context, id string) (*Task, error)

	// ListAll returns every task known to the store.
	ListAll(ctx context.Context) ([]*Task, error)

	// ListInProgressWithAgentAssignee returns in-progress tasks whose
	// assignee is the orchestrator agent. Used by orphan recovery.
	ListInProgressWithAgentAssignee(ctx context.Context) ([]*Task, error)

	// Update applies a partial mutation.
	Update(ctx context.Context, id string, upd Update) error

	// Comment appends a comment to the task's discussion.
	Comment(ctx context.Context, id, body string) error

	// Close marks the task closed with a final execution summary and clears
	// the assignee.
	Close(ctx context.Context, id, summary string) error

	// SetAttempts persists the cumulative attempt counter.
	SetAttempts(ctx context.Context, id string, attempts int) error

	// Attempts reads the persisted cumulative attempt counter. It is the
	// source of truth when the in-memory counter may be behind.
	Attempts(ctx context.Context, id string) (int, error)

	// SetConflictFiles records the files of the most recent merge conflict.
	SetConflictFiles(ctx context.Context, id string, files []string) error

	// SetMergeStage records the pipeline stage of the most recent merge
	// conflict (rebase_before_merge, merge_to_main, push_rebase).
	SetMergeStage(ctx context.Context, id, stage string) error
}
