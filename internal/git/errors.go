package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotGitRepo indicates the path is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNothingToCommit indicates there are no staged changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrWorktreeNotFound indicates the worktree does not exist.
	ErrWorktreeNotFound = errors.New("worktree not found")

	// ErrNoRemote indicates the repository has no origin remote configured.
	ErrNoRemote = errors.New("no origin remote")
)

// GitError wraps a git command failure with the operation that ran it.
type GitError struct {
	Op     string // operation that failed (e.g. "commit", "push")
	Output string // combined stdout/stderr output
	Err    error  // underlying error
}

func (e *GitError) Error() string {
	if e.Output != "" {
		return e.Op + ": " + e.Output
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// BranchInUseError indicates a task branch is checked out in another
// worktree whose heartbeat is still fresh. The admission must back off.
type BranchInUseError struct {
	Branch      string
	OtherPath   string
	OtherTaskID string
}

func (e *BranchInUseError) Error() string {
	return fmt.Sprintf("branch %s is in use by worktree %s (task %s)", e.Branch, e.OtherPath, e.OtherTaskID)
}

// MergeConflictError indicates a merge stopped on conflicts outside the
// runtime-exclude prefix. The repository is left in merge state so an
// external resolver can finish or abort it.
type MergeConflictError struct {
	Files []string
}

func (e *MergeConflictError) Error() string {
	return "merge conflict in: " + strings.Join(e.Files, ", ")
}

// RebaseConflictError indicates a rebase stopped on conflicts. The
// repository is left in rebase state for an external resolver.
type RebaseConflictError struct {
	Files []string
}

func (e *RebaseConflictError) Error() string {
	return "rebase conflict in: " + strings.Join(e.Files, ", ")
}
