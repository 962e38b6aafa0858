// Package merge drives a completed task through integration: WIP commit,
// serialized merge into main, session archival, task closure, push with
// deferred branch cleanup, and the failure path back to the queue.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/failure"
	"github.com/opensprint/opensprint/internal/mergeq"
	"github.com/opensprint/opensprint/internal/project"
	"github.com/opensprint/opensprint/internal/session"
	"github.com/opensprint/opensprint/internal/task"
)

// DefaultCloseSummary is used when the agent supplied no coding summary.
const DefaultCloseSummary = "Implemented and tested"

// mergeBlockFactor: a task whose cumulative attempts reach this multiple of
// the backoff threshold on a merge failure is blocked instead of reopened.
const mergeBlockFactor = 2

// GitOps is the slice of the git toolkit the coordinator needs.
type GitOps interface {
	CommitWip(taskID, workDir string) (bool, error)
	CaptureBranchDiff(taskID string) string
	RebaseContinue(workDir string) error
	RebaseAbort(workDir string) error
	MergeAbort() error
	IsMergeInProgress(dir string) bool
	RemoveTaskWorktree(taskID string) error
	DeleteTaskBranch(taskID string) error
}

// Queue is the merge queue surface the coordinator uses.
type Queue interface {
	EnqueueAndWait(ctx context.Context, job mergeq.Job) error
	Drain(ctx context.Context) error
}

// Archiver persists terminal session records.
type Archiver interface {
	Archive(ctx context.Context, s *session.Session) error
}

// EpicReviewer is the external final-review collaborator. On a failed
// review it creates its own follow-up tasks; the coordinator only nudges
// the scheduler afterwards.
type EpicReviewer interface {
	FinalReview(ctx context.Context, projectID, epicID string) (passed bool, err error)
}

// Deployer triggers deploy-on-epic.
type Deployer interface {
	DeployEpic(ctx context.Context, projectID, epicID string) error
}

// Nudger wakes the scheduler loop.
type Nudger interface {
	Nudge()
}

// Coordinator integrates finished tasks for one project. All main-touching
// work goes through the merge queue; the coordinator adds the policy around
// it.
type Coordinator struct {
	projectID string
	repoPath  string
	settings  project.Settings

	tasks     task.Store
	queue     Queue
	git       GitOps
	archive   Archiver
	publisher events.Publisher
	merger    agent.Merger
	reviewer  EpicReviewer
	deployer  Deployer
	nudger    Nudger
	log       *slog.Logger

	// pushMu serializes pushes for the project. Completions that find a
	// push in flight skip theirs; the running push covers their commits
	// or the next completion retries.
	pushMu sync.Mutex

	// deferred maps taskID to branch cleanup owed after the next
	// successful push. Deleting a branch before its merge commit is
	// safely on origin would lose work if the push keeps failing.
	deferredMu sync.Mutex
	deferred   map[string]string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		c.log = log
	}
}

// WithEpicReview wires the optional epic collaborators.
func WithEpicReview(reviewer EpicReviewer, deployer Deployer) Option {
	return func(c *Coordinator) {
		c.reviewer = reviewer
		c.deployer = deployer
	}
}

// NewCoordinator wires a coordinator for one project.
func NewCoordinator(
	projectID, repoPath string,
	settings project.Settings,
	tasks task.Store,
	queue Queue,
	git GitOps,
	archive Archiver,
	publisher events.Publisher,
	merger agent.Merger,
	nudger Nudger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		projectID: projectID,
		repoPath:  repoPath,
		settings:  settings,
		tasks:     tasks,
		queue:     queue,
		git:       git,
		archive:   archive,
		publisher: publisher,
		merger:    merger,
		nudger:    nudger,
		log:       slog.Default(),
		deferred:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PerformMergeAndDone integrates an approved attempt. sess is the attempt's
// session record; it is archived as approved before the task closes, or as
// failed when the merge fails. The slot stays with the caller; it releases
// after this returns.
func (c *Coordinator) PerformMergeAndDone(ctx context.Context, t *task.Task, workDir, branch, codingSummary string, sess *session.Session) error {
	if _, err := c.git.CommitWip(t.ID, workDir); err != nil {
		return c.handleMergeFailure(ctx, t, workDir, sess, mergeq.StageMergeToMain, nil,
			fmt.Errorf("commit wip: %w", err))
	}

	// A push in flight rewrites main's history; merging under it races.
	c.pushMu.Lock()
	c.pushMu.Unlock() //nolint:staticcheck // lock-then-unlock is an intentional wait

	sess.GitDiff = c.git.CaptureBranchDiff(t.ID)

	if err := c.queue.Drain(ctx); err != nil {
		return fmt.Errorf("drain merge queue: %w", err)
	}
	err := c.queue.EnqueueAndWait(ctx, mergeq.Job{
		Kind:    mergeq.KindWorktreeMerge,
		TaskID:  t.ID,
		Title:   t.Title,
		WorkDir: workDir,
	})
	if err != nil {
		var jobErr *mergeq.JobError
		if errors.As(err, &jobErr) {
			return c.handleMergeFailure(ctx, t, workDir, sess, jobErr.Stage, jobErr.Files, err)
		}
		return c.handleMergeFailure(ctx, t, workDir, sess, mergeq.StageMergeToMain, nil, err)
	}

	summary := codingSummary
	if summary == "" {
		summary = DefaultCloseSummary
	}

	// Archive before the terminal transition.
	sess.Status = session.StatusApproved
	sess.Summary = summary
	if err := c.archive.Archive(ctx, sess); err != nil {
		return fmt.Errorf("archive approved session: %w", err)
	}
	if err := c.tasks.Close(ctx, t.ID, summary); err != nil {
		return fmt.Errorf("close task: %w", err)
	}
	c.publisher.Publish(events.New(events.KindTaskCompleted, c.projectID, t.ID, map[string]any{
		"summary": summary,
		"attempt": sess.Attempt,
	}))
	c.log.Info("task merged and closed", "task", t.ID, "attempt", sess.Attempt)

	c.registerDeferredCleanup(t.ID, branch)
	go c.postCompletionAsync(context.WithoutCancel(ctx))

	c.checkEpicCompletion(ctx, t)
	return nil
}

// registerDeferredCleanup records that the task's branch and worktree may
// be removed once a push lands.
func (c *Coordinator) registerDeferredCleanup(taskID, branch string) {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	c.deferred[taskID] = branch
}

// DeferredCleanups returns the task IDs awaiting a successful push.
func (c *Coordinator) DeferredCleanups() []string {
	c.deferredMu.Lock()
	defer c.deferredMu.Unlock()
	ids := make([]string, 0, len(c.deferred))
	for id := range c.deferred {
		ids = append(ids, id)
	}
	return ids
}

// postCompletionAsync pushes main if no push is already running, then
// settles deferred cleanups. A failed push leaves the cleanups registered;
// the next completion retries.
func (c *Coordinator) postCompletionAsync(ctx context.Context) {
	if !c.pushMu.TryLock() {
		return
	}
	defer c.pushMu.Unlock()

	if err := c.pushWithResolver(ctx); err != nil {
		c.log.Warn("push failed, cleanup deferred", "error", err)
		c.publisher.Publish(events.New(events.KindPushFailed, c.projectID, "", map[string]any{
			"error": err.Error(),
		}))
		return
	}

	c.publisher.Publish(events.New(events.KindPushSucceeded, c.projectID, "", nil))
	c.settleDeferredCleanups()
}

// pushWithResolver runs the push job, invoking the merger agent once when
// the push rebase conflicts.
func (c *Coordinator) pushWithResolver(ctx context.Context) error {
	err := c.queue.EnqueueAndWait(ctx, mergeq.Job{Kind: mergeq.KindPush})
	if err == nil {
		return nil
	}

	var jobErr *mergeq.JobError
	if !errors.As(err, &jobErr) || jobErr.Stage != mergeq.StagePushRebase || !jobErr.IsConflict() {
		return err
	}

	resolved := false
	if c.merger != nil {
		var resolveErr error
		resolved, resolveErr = c.merger.ResolveConflicts(ctx, agent.MergeRequest{
			ProjectID:       c.projectID,
			WorkDir:         c.repoPath,
			Config:          c.settings.ComplexAgent,
			Phase:           agent.PhasePushRebase,
			ConflictedFiles: jobErr.Files,
			TestCommand:     c.settings.TestCommand,
		})
		if resolveErr != nil {
			c.log.Warn("merger agent failed", "error", resolveErr)
		}
	}
	if !resolved {
		if abortErr := c.git.RebaseAbort(c.repoPath); abortErr != nil {
			c.log.Warn("rebase abort after failed resolution", "error", abortErr)
		}
		return err
	}

	if err := c.git.RebaseContinue(c.repoPath); err != nil {
		if abortErr := c.git.RebaseAbort(c.repoPath); abortErr != nil {
			c.log.Warn("rebase abort after failed continue", "error", abortErr)
		}
		return fmt.Errorf("rebase continue after resolution: %w", err)
	}
	return c.queue.EnqueueAndWait(ctx, mergeq.Job{Kind: mergeq.KindPush})
}

// settleDeferredCleanups removes worktrees and branches whose merge commits
// are now safely on origin.
func (c *Coordinator) settleDeferredCleanups() {
	c.deferredMu.Lock()
	pending := c.deferred
	c.deferred = make(map[string]string)
	c.deferredMu.Unlock()

	for taskID := range pending {
		if err := c.git.RemoveTaskWorktree(taskID); err != nil {
			c.log.Warn("deferred worktree cleanup failed", "task", taskID, "error", err)
		}
		if err := c.git.DeleteTaskBranch(taskID); err != nil {
			c.log.Warn("deferred branch cleanup failed", "task", taskID, "error", err)
		}
	}
}

// handleMergeFailure aborts whatever git state the failed stage left,
// archives a failed session, and reopens or blocks the task.
func (c *Coordinator) handleMergeFailure(ctx context.Context, t *task.Task, workDir string, sess *session.Session, stage mergeq.Stage, files []string, cause error) error {
	c.log.Warn("merge failed", "task", t.ID, "stage", stage, "files", files, "error", cause)

	switch stage {
	case mergeq.StageRebaseBeforeMerge:
		if err := c.git.RebaseAbort(workDir); err != nil {
			c.log.Warn("rebase abort failed", "task", t.ID, "error", err)
		}
	default:
		if c.git.IsMergeInProgress(c.repoPath) {
			if err := c.git.MergeAbort(); err != nil {
				c.log.Warn("merge abort failed", "task", t.ID, "error", err)
			}
		}
	}

	sess.Status = session.StatusFailed
	sess.FailureReason = cause.Error()
	if err := c.archive.Archive(ctx, sess); err != nil {
		return fmt.Errorf("archive failed session: %w", err)
	}

	cumulative := t.Attempts + 1
	if err := c.tasks.SetAttempts(ctx, t.ID, cumulative); err != nil {
		return fmt.Errorf("persist attempts: %w", err)
	}
	if err := c.tasks.SetConflictFiles(ctx, t.ID, files); err != nil {
		c.log.Warn("conflict files not recorded", "task", t.ID, "error", err)
	}
	if err := c.tasks.SetMergeStage(ctx, t.ID, string(stage)); err != nil {
		c.log.Warn("merge stage not recorded", "task", t.ID, "error", err)
	}

	blocked := cumulative >= mergeBlockFactor*failure.BackoffThreshold
	resolvedBy := "requeued"
	if blocked {
		resolvedBy = "blocked"
		err := c.tasks.Update(ctx, t.ID, task.Update{
			Status:      task.StatusPtr(task.StatusBlocked),
			Assignee:    task.StringPtr(""),
			BlockReason: task.StringPtr("Merge Failure"),
		})
		if err != nil {
			return fmt.Errorf("block task: %w", err)
		}
	} else {
		err := c.tasks.Update(ctx, t.ID, task.Update{
			Status:           task.StatusPtr(task.StatusOpen),
			Assignee:         task.StringPtr(""),
			ExecutionSummary: task.StringPtr("Requeued after merge failure: " + cause.Error()),
		})
		if err != nil {
			return fmt.Errorf("reopen task: %w", err)
		}
	}

	c.publisher.Publish(events.New(events.KindMergeFailed, c.projectID, t.ID, map[string]any{
		"stage":           string(stage),
		"conflictedFiles": files,
		"resolvedBy":      resolvedBy,
	}))
	if blocked {
		c.publisher.Publish(events.New(events.KindTaskBlocked, c.projectID, t.ID, map[string]any{
			"reason": "Merge Failure",
		}))
	} else {
		c.publisher.Publish(events.New(events.KindTaskRequeued, c.projectID, t.ID, nil))
	}
	c.nudger.Nudge()
	return cause
}

// checkEpicCompletion runs the external final review once the last sibling
// implementation task under an epic closes.
func (c *Coordinator) checkEpicCompletion(ctx context.Context, t *task.Task) {
	if t.EpicID == "" || c.reviewer == nil {
		return
	}
	all, err := c.tasks.ListAll(ctx)
	if err != nil {
		c.log.Warn("epic completion check failed", "epic", t.EpicID, "error", err)
		return
	}
	for _, sibling := range all {
		if sibling.EpicID == t.EpicID && sibling.ID != t.ID && sibling.Status != task.StatusClosed {
			return
		}
	}

	passed, err := c.reviewer.FinalReview(ctx, c.projectID, t.EpicID)
	if err != nil {
		c.log.Warn("epic final review failed", "epic", t.EpicID, "error", err)
		return
	}
	if !passed {
		// The reviewer created follow-up tasks; get them scheduled.
		c.nudger.Nudge()
		return
	}

	if err := c.tasks.Close(ctx, t.EpicID, "All implementation tasks closed"); err != nil {
		c.log.Warn("epic close failed", "epic", t.EpicID, "error", err)
		return
	}
	if c.deployer != nil {
		if err := c.deployer.DeployEpic(ctx, c.projectID, t.EpicID); err != nil {
			c.log.Warn("deploy-on-epic failed", "epic", t.EpicID, "error", err)
		}
	}
}
