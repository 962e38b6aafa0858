package git

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command timeout classes. Rebase and merge get a generous budget, status
// queries a tight one.
const (
	defaultTimeout = 30 * time.Second
	rebaseTimeout  = 120 * time.Second
	statusTimeout  = 10 * time.Second
)

// Context runs git commands against one directory, either the primary
// checkout or a linked worktree. It holds no repository state of its own;
// every operation re-reads git.
type Context struct {
	repoPath string // primary checkout
	workDir  string // where commands run (repoPath or a worktree)
	runner   CommandRunner

	gitDirOnce sync.Once
	gitDir     string
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithRunner injects a custom command runner, primarily for tests.
func WithRunner(runner CommandRunner) ContextOption {
	return func(c *Context) {
		c.runner = runner
	}
}

// NewContext creates a git context for the repository at repoPath and
// verifies it actually is one.
func NewContext(repoPath string, opts ...ContextOption) (*Context, error) {
	absPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	c := &Context{
		repoPath: absPath,
		workDir:  absPath,
		runner:   NewExecRunner(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if _, err := c.runner.Run(absPath, statusTimeout, "git", "rev-parse", "--git-dir"); err != nil {
		return nil, ErrNotGitRepo
	}
	return c, nil
}

// InWorktree returns a context whose commands run inside the worktree.
func (c *Context) InWorktree(worktreePath string) *Context {
	return &Context{
		repoPath: c.repoPath,
		workDir:  worktreePath,
		runner:   c.runner,
	}
}

// RepoPath returns the primary checkout path.
func (c *Context) RepoPath() string { return c.repoPath }

// WorkDir returns the directory commands run in.
func (c *Context) WorkDir() string { return c.workDir }

// run executes a git command with the given timeout.
func (c *Context) run(timeout time.Duration, args ...string) (string, error) {
	return c.runner.Run(c.workDir, timeout, "git", args...)
}

// runIndex executes a git command that touches .git/index, waiting out any
// concurrent lock holder first.
func (c *Context) runIndex(timeout time.Duration, args ...string) (string, error) {
	dir, err := c.resolveGitDir()
	if err == nil {
		if err := awaitIndexLock(dir); err != nil {
			return "", &GitError{Op: "await index lock", Err: err}
		}
	}
	return c.run(timeout, args...)
}

// resolveGitDir locates the (per-worktree) git directory once.
func (c *Context) resolveGitDir() (string, error) {
	var resolveErr error
	c.gitDirOnce.Do(func() {
		out, err := c.run(statusTimeout, "rev-parse", "--absolute-git-dir")
		if err != nil {
			resolveErr = err
			return
		}
		c.gitDir = out
	})
	if resolveErr != nil {
		return "", resolveErr
	}
	if c.gitDir == "" {
		return "", ErrNotGitRepo
	}
	return c.gitDir, nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Context) CurrentBranch() (string, error) {
	out, err := c.run(statusTimeout, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", &GitError{Op: "current branch", Err: err}
	}
	return out, nil
}

// HeadCommit returns the HEAD commit SHA.
func (c *Context) HeadCommit() (string, error) {
	out, err := c.run(statusTimeout, "rev-parse", "HEAD")
	if err != nil {
		return "", &GitError{Op: "head commit", Err: err}
	}
	return out, nil
}

// BranchExists reports whether a local branch exists.
func (c *Context) BranchExists(branch string) bool {
	_, err := c.run(statusTimeout, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// CreateBranchFrom creates branch at base without checking it out.
func (c *Context) CreateBranchFrom(branch, base string) error {
	if _, err := c.run(defaultTimeout, "branch", branch, base); err != nil {
		return &GitError{Op: "create branch " + branch, Err: err}
	}
	return nil
}

// DeleteBranch force-deletes a branch. Missing branches are tolerated.
func (c *Context) DeleteBranch(branch string) error {
	_, err := c.run(defaultTimeout, "branch", "-D", branch)
	if err != nil && strings.Contains(err.Error(), "not found") {
		return nil
	}
	if err != nil {
		return &GitError{Op: "delete branch " + branch, Err: err}
	}
	return nil
}

// Checkout switches the working tree to ref.
func (c *Context) Checkout(ref string) error {
	if _, err := c.runIndex(defaultTimeout, "checkout", ref); err != nil {
		return &GitError{Op: "checkout " + ref, Err: err}
	}
	return nil
}

// StageAll stages every change.
func (c *Context) StageAll() error {
	if _, err := c.runIndex(defaultTimeout, "add", "-A"); err != nil {
		return &GitError{Op: "stage all", Err: err}
	}
	return nil
}

// Unstage removes paths from the index, leaving the working tree alone.
func (c *Context) Unstage(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"reset", "-q", "--"}, paths...)
	if _, err := c.runIndex(defaultTimeout, args...); err != nil {
		return &GitError{Op: "unstage", Err: err}
	}
	return nil
}

// StagedFiles lists the paths currently staged.
func (c *Context) StagedFiles() ([]string, error) {
	out, err := c.run(statusTimeout, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, &GitError{Op: "staged files", Err: err}
	}
	return splitLines(out), nil
}

// ConflictedFiles lists paths with unresolved conflicts.
func (c *Context) ConflictedFiles() ([]string, error) {
	out, err := c.run(statusTimeout, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, &GitError{Op: "conflicted files", Err: err}
	}
	return splitLines(out), nil
}

// Commit commits staged changes with hooks disabled. Returns
// ErrNothingToCommit when the index is clean.
func (c *Context) Commit(message string) error {
	out, err := c.runIndex(defaultTimeout, "-c", "core.hooksPath=", "commit", "--no-verify", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(err.Error(), "nothing to commit") {
			return ErrNothingToCommit
		}
		return &GitError{Op: "commit", Output: out, Err: err}
	}
	return nil
}

// Fetch fetches a ref from origin. Timeout applies; failures bubble up so
// callers can decide whether fetch is best-effort.
func (c *Context) Fetch(ref string) error {
	args := []string{"fetch", "origin"}
	if ref != "" {
		args = append(args, ref)
	}
	if _, err := c.run(defaultTimeout, args...); err != nil {
		return &GitError{Op: "fetch", Err: err}
	}
	return nil
}

// HasRemote reports whether the origin remote is configured.
func (c *Context) HasRemote() bool {
	_, err := c.run(statusTimeout, "remote", "get-url", "origin")
	return err == nil
}

// AheadBehind returns how far branch is ahead of and behind other.
func (c *Context) AheadBehind(branch, other string) (ahead, behind int, err error) {
	out, err := c.run(statusTimeout, "rev-list", "--left-right", "--count", branch+"..."+other)
	if err != nil {
		return 0, 0, &GitError{Op: "ahead/behind", Err: err}
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, &GitError{Op: "ahead/behind", Output: out, Err: fmt.Errorf("unexpected rev-list output")}
	}
	ahead, _ = strconv.Atoi(fields[0])
	behind, _ = strconv.Atoi(fields[1])
	return ahead, behind, nil
}

// WorktreeInfo describes one linked working tree.
type WorktreeInfo struct {
	Path   string
	Branch string
	Commit string
}

// ListWorktrees parses `git worktree list --porcelain`.
func (c *Context) ListWorktrees() ([]WorktreeInfo, error) {
	out, err := c.run(statusTimeout, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, &GitError{Op: "list worktrees", Err: err}
	}

	var worktrees []WorktreeInfo
	var current WorktreeInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "detached":
			current.Branch = "(detached)"
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees, nil
}

// WorktreeForBranch finds the worktree holding branch, if any.
func (c *Context) WorktreeForBranch(branch string) (*WorktreeInfo, error) {
	worktrees, err := c.ListWorktrees()
	if err != nil {
		return nil, err
	}
	for _, wt := range worktrees {
		if wt.Branch == branch {
			found := wt
			return &found, nil
		}
	}
	return nil, ErrWorktreeNotFound
}

// RemoveWorktreeAt removes a worktree registration and directory. Gone
// worktrees are tolerated; the follow-up prune clears stale registrations.
func (c *Context) RemoveWorktreeAt(path string) error {
	_, err := c.run(defaultTimeout, "worktree", "remove", "--force", path)
	if err != nil && !strings.Contains(err.Error(), "not a working tree") &&
		!strings.Contains(err.Error(), "No such file") {
		return &GitError{Op: "remove worktree", Err: err}
	}
	_, _ = c.run(defaultTimeout, "worktree", "prune")
	return nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
