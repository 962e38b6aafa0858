// Package mergeq serializes every mutation of the integration branch
// through a single worker goroutine per repository. Merges and pushes are
// jobs; callers enqueue and wait. Because exactly one worker touches main,
// no git-level locking between concurrent task completions is needed.
package mergeq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/opensprint/opensprint/internal/git"
)

// Kind identifies what a job does to main.
type Kind string

const (
	// KindWorktreeMerge rebases a task branch onto main inside its
	// worktree, then merges it into main.
	KindWorktreeMerge Kind = "worktree_merge"

	// KindPush squashes accumulated local merge commits and publishes
	// main to origin.
	KindPush Kind = "push"

	// kindBarrier is an internal no-op used by Drain.
	kindBarrier Kind = "barrier"
)

// Stage names the step a job failed at.
type Stage string

const (
	StageRebaseBeforeMerge Stage = "rebase_before_merge"
	StageMergeToMain       Stage = "merge_to_main"
	StageCommitMerge       Stage = "commit_merge"
	StagePushRebase        Stage = "push_rebase"
	StagePush              Stage = "push"
)

// Job is one unit of work for the queue worker.
type Job struct {
	Kind    Kind
	TaskID  string
	Title   string
	WorkDir string // worktree path for KindWorktreeMerge
}

// JobError reports which stage failed and, for conflicts, the files
// involved. The underlying git state (in-progress merge or rebase) is left
// in place for conflict stages so a resolver can take over.
type JobError struct {
	Stage Stage
	Files []string
	Err   error
}

func (e *JobError) Error() string {
	if len(e.Files) > 0 {
		return fmt.Sprintf("%s: conflict in %s", e.Stage, strings.Join(e.Files, ", "))
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether the job stopped on unresolved conflicts.
func (e *JobError) IsConflict() bool {
	return len(e.Files) > 0
}

type queuedJob struct {
	job    Job
	result chan error
}

// Queue is the per-repository merge queue.
type Queue struct {
	git  *git.Toolkit
	log  *slog.Logger
	jobs chan queuedJob

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		q.log = log
	}
}

// WithCapacity sets the job channel capacity (default 64).
func WithCapacity(n int) Option {
	return func(q *Queue) {
		q.jobs = make(chan queuedJob, n)
	}
}

// New creates a queue and starts its worker.
func New(toolkit *git.Toolkit, opts ...Option) *Queue {
	q := &Queue{
		git:  toolkit,
		log:  slog.Default(),
		jobs: make(chan queuedJob, 64),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.worker()
	return q
}

// EnqueueAndWait submits a job and blocks until the worker finishes it or
// ctx is done. A caller that gives up leaves the job in the queue; the
// worker still runs it and discards the result.
func (q *Queue) EnqueueAndWait(ctx context.Context, job Job) error {
	qj := queuedJob{job: job, result: make(chan error, 1)}

	select {
	case q.jobs <- qj:
	case <-q.done:
		return errors.New("merge queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-qj.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits until every job enqueued before the call has finished.
func (q *Queue) Drain(ctx context.Context) error {
	return q.EnqueueAndWait(ctx, Job{Kind: kindBarrier})
}

// Close stops the worker after the current job. Pending jobs are failed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

func (q *Queue) worker() {
	for {
		select {
		case qj := <-q.jobs:
			err := q.execute(qj.job)
			if err != nil {
				q.log.Warn("merge queue job failed",
					"kind", qj.job.Kind, "task", qj.job.TaskID, "error", err)
			}
			qj.result <- err
		case <-q.done:
			q.failPending()
			return
		}
	}
}

func (q *Queue) failPending() {
	for {
		select {
		case qj := <-q.jobs:
			qj.result <- errors.New("merge queue closed")
		default:
			return
		}
	}
}

func (q *Queue) execute(job Job) error {
	switch job.Kind {
	case KindWorktreeMerge:
		return q.executeMerge(job)
	case KindPush:
		return q.executePush()
	case kindBarrier:
		return nil
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// executeMerge integrates a task branch: rebase onto main inside the
// worktree, then a no-ff merge into main committed with the task title.
func (q *Queue) executeMerge(job Job) error {
	if err := q.git.RebaseOntoMain(job.TaskID, job.WorkDir); err != nil {
		var rc *git.RebaseConflictError
		if errors.As(err, &rc) {
			return &JobError{Stage: StageRebaseBeforeMerge, Files: rc.Files, Err: err}
		}
		return &JobError{Stage: StageRebaseBeforeMerge, Err: err}
	}

	if err := q.git.MergeToMainNoCommit(job.TaskID); err != nil {
		var mc *git.MergeConflictError
		if errors.As(err, &mc) {
			return &JobError{Stage: StageMergeToMain, Files: mc.Files, Err: err}
		}
		return &JobError{Stage: StageMergeToMain, Err: err}
	}

	if err := q.git.CommitMerge(job.TaskID, job.Title); err != nil {
		return &JobError{Stage: StageCommitMerge, Err: err}
	}
	return nil
}

func (q *Queue) executePush() error {
	if err := q.git.PushMain(); err != nil {
		var rc *git.RebaseConflictError
		if errors.As(err, &rc) {
			return &JobError{Stage: StagePushRebase, Files: rc.Files, Err: err}
		}
		return &JobError{Stage: StagePush, Err: err}
	}
	return nil
}
