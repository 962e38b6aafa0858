package git

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensprint/opensprint/internal/heartbeat"
)

const (
	// BranchPrefix namespaces every task branch.
	BranchPrefix = "opensprint/"

	// MainBranch is the integration branch. Only the merge queue worker
	// commits to it.
	MainBranch = "main"
)

// BranchName returns the task branch for a task ID.
func BranchName(taskID string) string {
	return BranchPrefix + taskID
}

// WorktreeBase returns the directory under which task worktrees live.
func WorktreeBase() string {
	return filepath.Join(os.TempDir(), "opensprint-worktrees")
}

// WorktreePath returns the worktree directory for a task.
func WorktreePath(taskID string) string {
	return filepath.Join(WorktreeBase(), taskID)
}

// Toolkit implements the task-lifecycle git operations on one repository:
// worktree provisioning, WIP commits, diff capture, merge and push. It is
// stateless; concurrency control lives in the merge queue above it.
type Toolkit struct {
	repo *Context
	log  *slog.Logger
}

// ToolkitOption configures a Toolkit.
type ToolkitOption func(*Toolkit)

// WithToolkitLogger sets the logger.
func WithToolkitLogger(log *slog.Logger) ToolkitOption {
	return func(t *Toolkit) {
		t.log = log
	}
}

// NewToolkit creates a Toolkit for the repository at repoPath.
func NewToolkit(repoPath string, opts ...ToolkitOption) (*Toolkit, error) {
	repo, err := NewContext(repoPath)
	if err != nil {
		return nil, err
	}
	t := &Toolkit{repo: repo, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewToolkitWithContext wraps an existing context, primarily for tests.
func NewToolkitWithContext(repo *Context, opts ...ToolkitOption) *Toolkit {
	t := &Toolkit{repo: repo, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Repo returns the context bound to the primary checkout.
func (t *Toolkit) Repo() *Context { return t.repo }

// CreateTaskWorktree provisions an isolated worktree on the task branch.
// The branch is created from main only when missing; an existing branch is
// reused as-is so requeued and recovered work accumulates across attempts.
// A fresh start after demotion or block happens through branch deletion in
// the failure path, never here. A fresh heartbeat in an existing worktree
// on the branch means another agent is live and the caller must back off;
// a stale one is reclaimed.
func (t *Toolkit) CreateTaskWorktree(taskID string) (string, error) {
	branch := BranchName(taskID)

	if !t.repo.BranchExists(branch) {
		if err := t.repo.CreateBranchFrom(branch, MainBranch); err != nil {
			return "", err
		}
	}

	if wt, err := t.repo.WorktreeForBranch(branch); err == nil {
		if busyErr := t.checkWorktreeBusy(taskID, wt); busyErr != nil {
			return "", busyErr
		}
		_ = t.repo.RemoveWorktreeAt(wt.Path)
		_ = os.RemoveAll(wt.Path)
	}

	path := WorktreePath(taskID)
	if err := os.MkdirAll(WorktreeBase(), 0o755); err != nil {
		return "", fmt.Errorf("create worktree base: %w", err)
	}

	if err := t.addWorktree(path, branch); err != nil {
		// A stale registration or leftover directory blocks the add.
		// Prune, clear the directory, and try once more.
		_, _ = t.repo.run(defaultTimeout, "worktree", "prune")
		_ = os.RemoveAll(path)
		if err := t.addWorktree(path, branch); err != nil {
			return "", err
		}
	}

	t.linkDependencyCaches(path)
	t.log.Info("worktree created", "task", taskID, "path", path)
	return path, nil
}

func (t *Toolkit) addWorktree(path, branch string) error {
	if _, err := t.repo.run(defaultTimeout, "-c", "core.hooksPath=", "worktree", "add", path, branch); err != nil {
		return &GitError{Op: "add worktree", Err: err}
	}
	return nil
}

// checkWorktreeBusy returns BranchInUseError when the worktree's heartbeat
// is fresh and belongs to a different task.
func (t *Toolkit) checkWorktreeBusy(taskID string, wt *WorktreeInfo) error {
	rec, err := heartbeat.Read(wt.Path)
	if err != nil || !rec.IsFresh() {
		return nil
	}
	if rec.TaskID == taskID {
		return nil
	}
	return &BranchInUseError{
		Branch:      BranchName(taskID),
		OtherPath:   wt.Path,
		OtherTaskID: rec.TaskID,
	}
}

// linkDependencyCaches symlinks heavyweight dependency directories from the
// primary checkout into a fresh worktree so agents skip a full reinstall.
func (t *Toolkit) linkDependencyCaches(worktreePath string) {
	for _, dir := range []string{"node_modules", ".venv"} {
		src := filepath.Join(t.repo.RepoPath(), dir)
		dst := filepath.Join(worktreePath, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			t.log.Debug("dependency cache link failed", "dir", dir, "error", err)
		}
	}
}

// CheckoutTaskBranch prepares the primary checkout for single-checkout
// mode: the task branch is created from main when missing, reused when it
// exists, and checked out. Returns the repo path as the work dir.
func (t *Toolkit) CheckoutTaskBranch(taskID string) (string, error) {
	branch := BranchName(taskID)
	if !t.repo.BranchExists(branch) {
		if err := t.repo.CreateBranchFrom(branch, MainBranch); err != nil {
			return "", err
		}
	}
	if err := t.repo.Checkout(branch); err != nil {
		return "", err
	}
	return t.repo.RepoPath(), nil
}

// RemoveTaskWorktree tears down the task worktree. Idempotent: a missing
// worktree is success.
func (t *Toolkit) RemoveTaskWorktree(taskID string) error {
	path := WorktreePath(taskID)
	if wt, err := t.repo.WorktreeForBranch(BranchName(taskID)); err == nil {
		path = wt.Path
	}
	if err := t.repo.RemoveWorktreeAt(path); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove worktree dir: %w", err)
	}
	return nil
}

// DeleteTaskBranch force-deletes the task branch.
func (t *Toolkit) DeleteTaskBranch(taskID string) error {
	return t.repo.DeleteBranch(BranchName(taskID))
}

// CaptureBranchDiff returns the diff the task branch carries over main.
// Diff capture is best-effort: failures yield an empty diff, never an error,
// so review payload assembly cannot block the pipeline.
func (t *Toolkit) CaptureBranchDiff(taskID string) string {
	out, err := t.repo.run(defaultTimeout, "diff", MainBranch+".."+BranchName(taskID))
	if err != nil {
		t.log.Warn("branch diff capture failed", "task", taskID, "error", err)
		return ""
	}
	return out
}

// CaptureUncommittedDiff returns the uncommitted changes in workDir,
// including untracked files. It stages everything, reads the cached diff,
// and unstages again. Best-effort like CaptureBranchDiff.
func (t *Toolkit) CaptureUncommittedDiff(workDir string) string {
	wt := t.repo.InWorktree(workDir)
	if err := wt.StageAll(); err != nil {
		return ""
	}
	out, err := wt.run(defaultTimeout, "diff", "--cached")
	if _, resetErr := wt.runIndex(defaultTimeout, "reset", "-q"); resetErr != nil {
		t.log.Warn("unstage after diff capture failed", "dir", workDir, "error", resetErr)
	}
	if err != nil {
		return ""
	}
	return out
}

// CommitWip commits the agent's work-in-progress in workDir, excluding
// runtime state paths. Returns false when there was nothing to commit.
func (t *Toolkit) CommitWip(taskID, workDir string) (bool, error) {
	wt := t.repo.InWorktree(workDir)
	if err := wt.StageAll(); err != nil {
		return false, err
	}

	staged, err := wt.StagedFiles()
	if err != nil {
		return false, err
	}
	var excluded []string
	kept := 0
	for _, f := range staged {
		if Excluded(f) {
			excluded = append(excluded, f)
		} else {
			kept++
		}
	}
	if err := wt.Unstage(excluded...); err != nil {
		return false, err
	}
	if kept == 0 {
		return false, nil
	}

	if err := wt.Commit("WIP: " + taskID); err != nil {
		if errors.Is(err, ErrNothingToCommit) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RevertAndReturnToMain discards all uncommitted work in the primary
// checkout and returns it to main. Used in single-checkout mode where the
// agent worked directly on the task branch.
func (t *Toolkit) RevertAndReturnToMain() error {
	t.abortInProgress(t.repo)
	if _, err := t.repo.runIndex(defaultTimeout, "reset", "--hard", "HEAD"); err != nil {
		return &GitError{Op: "reset hard", Err: err}
	}
	if _, err := t.repo.run(defaultTimeout, "clean", "-fd", "-e", ".opensprint"); err != nil {
		return &GitError{Op: "clean", Err: err}
	}
	return t.repo.Checkout(MainBranch)
}

// abortInProgress clears any stuck merge or rebase state.
func (t *Toolkit) abortInProgress(c *Context) {
	if t.IsRebaseInProgress(c.WorkDir()) {
		_, _ = c.run(defaultTimeout, "rebase", "--abort")
	}
	if t.IsMergeInProgress(c.WorkDir()) {
		_, _ = c.run(defaultTimeout, "merge", "--abort")
	}
}

// IsRebaseInProgress reports whether dir has a rebase underway.
func (t *Toolkit) IsRebaseInProgress(dir string) bool {
	c := t.repo.InWorktree(dir)
	gitDir, err := c.resolveGitDir()
	if err != nil {
		return false
	}
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, marker)); err == nil {
			return true
		}
	}
	return false
}

// IsMergeInProgress reports whether dir has an uncommitted merge underway.
func (t *Toolkit) IsMergeInProgress(dir string) bool {
	c := t.repo.InWorktree(dir)
	gitDir, err := c.resolveGitDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(gitDir, "MERGE_HEAD"))
	return err == nil
}

// GetConflictedFiles lists unresolved conflict paths in dir.
func (t *Toolkit) GetConflictedFiles(dir string) ([]string, error) {
	return t.repo.InWorktree(dir).ConflictedFiles()
}

// RebaseOntoMain rebases the task branch onto current main inside its
// worktree. On conflict the rebase state is left in place and a
// RebaseConflictError names the files, so a resolver can continue or abort.
func (t *Toolkit) RebaseOntoMain(taskID, workDir string) error {
	wt := t.repo.InWorktree(workDir)
	if _, err := wt.runIndex(rebaseTimeout, "rebase", MainBranch); err != nil {
		files, _ := wt.ConflictedFiles()
		if len(files) > 0 || t.IsRebaseInProgress(workDir) {
			return &RebaseConflictError{Files: files}
		}
		return &GitError{Op: "rebase onto " + MainBranch, Err: err}
	}
	return nil
}

// RebaseContinue resumes a conflicted rebase after resolution.
func (t *Toolkit) RebaseContinue(workDir string) error {
	wt := t.repo.InWorktree(workDir)
	if _, err := wt.runIndex(rebaseTimeout, "-c", "core.editor=true", "rebase", "--continue"); err != nil {
		files, _ := wt.ConflictedFiles()
		if len(files) > 0 || t.IsRebaseInProgress(workDir) {
			return &RebaseConflictError{Files: files}
		}
		return &GitError{Op: "rebase continue", Err: err}
	}
	return nil
}

// RebaseAbort abandons an in-progress rebase.
func (t *Toolkit) RebaseAbort(workDir string) error {
	if _, err := t.repo.InWorktree(workDir).run(defaultTimeout, "rebase", "--abort"); err != nil {
		return &GitError{Op: "rebase abort", Err: err}
	}
	return nil
}

// MergeToMainNoCommit merges the task branch into main without committing.
// Conflicts confined to runtime state paths are auto-resolved by removal;
// any remaining conflict leaves the merge state in place and returns a
// MergeConflictError.
func (t *Toolkit) MergeToMainNoCommit(taskID string) error {
	if err := t.repo.Checkout(MainBranch); err != nil {
		return err
	}
	branch := BranchName(taskID)
	_, mergeErr := t.repo.runIndex(rebaseTimeout, "merge", "--no-commit", "--no-ff", branch)
	if mergeErr == nil {
		return nil
	}

	files, err := t.repo.ConflictedFiles()
	if err != nil {
		return &GitError{Op: "merge " + branch, Err: mergeErr}
	}
	infra, real := PartitionConflicts(files)
	for _, f := range infra {
		if _, err := t.repo.runIndex(defaultTimeout, "rm", "-q", "-f", "--", f); err != nil {
			real = append(real, f)
		}
	}
	if len(real) > 0 {
		return &MergeConflictError{Files: real}
	}
	if len(infra) == 0 {
		// Failure without conflicted files is not a conflict at all.
		_, _ = t.repo.run(defaultTimeout, "merge", "--abort")
		return &GitError{Op: "merge " + branch, Err: mergeErr}
	}
	return nil
}

// MergeAbort abandons an in-progress merge on main.
func (t *Toolkit) MergeAbort() error {
	if _, err := t.repo.run(defaultTimeout, "merge", "--abort"); err != nil {
		return &GitError{Op: "merge abort", Err: err}
	}
	return nil
}

// CommitMerge commits a prepared no-commit merge.
func (t *Toolkit) CommitMerge(taskID, title string) error {
	msg := fmt.Sprintf("merge: %s — %s", BranchName(taskID), title)
	if err := t.repo.Commit(msg); err != nil {
		if errors.Is(err, ErrNothingToCommit) {
			// Branch carried no changes beyond main. Fine.
			return nil
		}
		return err
	}
	return nil
}

// PushMain publishes main to origin. Local merge commits accumulated since
// the remote diverged are squashed into one commit whose message lists the
// closed tasks, then main is rebased onto origin/main and pushed. Without
// a remote this is a no-op. A rebase conflict leaves state in place and
// surfaces as RebaseConflictError.
func (t *Toolkit) PushMain() error {
	if !t.repo.HasRemote() {
		return nil
	}
	if err := t.repo.Fetch(MainBranch); err != nil {
		t.log.Warn("fetch before push failed", "error", err)
	}
	if err := t.repo.Checkout(MainBranch); err != nil {
		return err
	}

	base, err := t.repo.run(statusTimeout, "merge-base", MainBranch, "origin/"+MainBranch)
	if err != nil {
		return &GitError{Op: "merge-base", Err: err}
	}

	countOut, err := t.repo.run(statusTimeout, "rev-list", "--count", base+".."+MainBranch)
	if err != nil {
		return &GitError{Op: "count local commits", Err: err}
	}
	if strings.TrimSpace(countOut) != "0" && strings.TrimSpace(countOut) != "1" {
		if err := t.squashLocalCommits(base); err != nil {
			return err
		}
	}

	if _, err := t.repo.runIndex(rebaseTimeout, "rebase", "--empty=drop", "origin/"+MainBranch); err != nil {
		files, _ := t.repo.ConflictedFiles()
		if len(files) > 0 || t.IsRebaseInProgress(t.repo.RepoPath()) {
			return &RebaseConflictError{Files: files}
		}
		return &GitError{Op: "rebase onto origin/" + MainBranch, Err: err}
	}

	if _, err := t.repo.run(rebaseTimeout, "-c", "core.hooksPath=", "push", "origin", MainBranch); err != nil {
		return &GitError{Op: "push", Err: err}
	}
	return nil
}

// squashLocalCommits collapses base..main into a single commit whose
// message is built from the per-task merge subjects.
func (t *Toolkit) squashLocalCommits(base string) error {
	subjects, err := t.repo.run(statusTimeout, "log", "--reverse", "--format=%s", base+".."+MainBranch)
	if err != nil {
		return &GitError{Op: "collect squash subjects", Err: err}
	}
	msg := squashMessage(splitLines(subjects))

	if _, err := t.repo.runIndex(defaultTimeout, "reset", "--soft", base); err != nil {
		return &GitError{Op: "soft reset for squash", Err: err}
	}
	if err := t.repo.Commit(msg); err != nil && !errors.Is(err, ErrNothingToCommit) {
		return err
	}
	return nil
}

// squashMessage turns merge subjects into one push commit message, one
// "Closed <id>: <title>" line per task with titles clipped around 30 chars.
func squashMessage(subjects []string) string {
	var lines []string
	for _, s := range subjects {
		rest, ok := strings.CutPrefix(s, "merge: "+BranchPrefix)
		if !ok {
			continue
		}
		id, title, found := strings.Cut(rest, " — ")
		if !found {
			id = rest
		}
		title = clipTitle(title, 30)
		if title == "" {
			lines = append(lines, "Closed "+id)
		} else {
			lines = append(lines, "Closed "+id+": "+title)
		}
	}
	if len(lines) == 0 {
		return "Close completed tasks"
	}
	return strings.Join(lines, "\n")
}

func clipTitle(title string, max int) string {
	title = strings.TrimSpace(title)
	runes := []rune(title)
	if len(runes) <= max {
		return title
	}
	return string(runes[:max]) + "…"
}

// SyncMainWithOrigin fast-forwards local main when it is strictly behind
// origin. A diverged main is left alone; PushMain reconciles it later.
func (t *Toolkit) SyncMainWithOrigin() error {
	if !t.repo.HasRemote() {
		return nil
	}
	if err := t.repo.Fetch(MainBranch); err != nil {
		return err
	}
	ahead, behind, err := t.repo.AheadBehind(MainBranch, "origin/"+MainBranch)
	if err != nil {
		return err
	}
	if ahead > 0 || behind == 0 {
		return nil
	}
	if err := t.repo.Checkout(MainBranch); err != nil {
		return err
	}
	if _, err := t.repo.runIndex(defaultTimeout, "merge", "--ff-only", "origin/"+MainBranch); err != nil {
		return &GitError{Op: "fast-forward main", Err: err}
	}
	return nil
}
