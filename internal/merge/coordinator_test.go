package merge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/mergeq"
	"github.com/opensprint/opensprint/internal/project"
	"github.com/opensprint/opensprint/internal/session"
	"github.com/opensprint/opensprint/internal/task"
)

type fakeGit struct {
	mu               sync.Mutex
	wipCommitted     []string
	removedWorktrees []string
	deletedBranches  []string
	rebaseContinues  int
	rebaseAborts     int
	mergeAborts      int
	mergeInProgress  bool
}

func (f *fakeGit) CommitWip(taskID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wipCommitted = append(f.wipCommitted, taskID)
	return true, nil
}

func (f *fakeGit) CaptureBranchDiff(string) string { return "diff --git a/x b/x" }

func (f *fakeGit) RebaseContinue(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebaseContinues++
	return nil
}

func (f *fakeGit) RebaseAbort(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebaseAborts++
	return nil
}

func (f *fakeGit) MergeAbort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeAborts++
	return nil
}

func (f *fakeGit) IsMergeInProgress(string) bool { return f.mergeInProgress }

func (f *fakeGit) RemoveTaskWorktree(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedWorktrees = append(f.removedWorktrees, taskID)
	return nil
}

func (f *fakeGit) DeleteTaskBranch(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedBranches = append(f.deletedBranches, taskID)
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	jobs     []mergeq.Job
	mergeErr error
	pushErrs []error // consumed in order, nil past the end
}

func (f *fakeQueue) EnqueueAndWait(_ context.Context, job mergeq.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	switch job.Kind {
	case mergeq.KindWorktreeMerge:
		return f.mergeErr
	case mergeq.KindPush:
		if len(f.pushErrs) == 0 {
			return nil
		}
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		return err
	}
	return nil
}

func (f *fakeQueue) Drain(context.Context) error { return nil }

func (f *fakeQueue) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, j := range f.jobs {
		if j.Kind == mergeq.KindPush {
			n++
		}
	}
	return n
}

type fakeArchiver struct {
	mu       sync.Mutex
	sessions []*session.Session
}

func (f *fakeArchiver) Archive(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *s
	f.sessions = append(f.sessions, &copied)
	return nil
}

type fakeMerger struct {
	resolved bool
	requests []agent.MergeRequest
}

func (f *fakeMerger) ResolveConflicts(_ context.Context, req agent.MergeRequest) (bool, error) {
	f.requests = append(f.requests, req)
	return f.resolved, nil
}

type fakeNudger struct{ nudges int }

func (f *fakeNudger) Nudge() { f.nudges++ }

type fixture struct {
	coord    *Coordinator
	store    *task.MemoryStore
	queue    *fakeQueue
	git      *fakeGit
	archiver *fakeArchiver
	merger   *fakeMerger
	nudger   *fakeNudger
	eventCh  <-chan events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    task.NewMemoryStore(),
		queue:    &fakeQueue{},
		git:      &fakeGit{},
		archiver: &fakeArchiver{},
		merger:   &fakeMerger{},
		nudger:   &fakeNudger{},
	}
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	f.eventCh = pub.Subscribe(events.GlobalTaskID)
	f.coord = NewCoordinator("p1", "/repo", project.Settings{TestCommand: "make test"},
		f.store, f.queue, f.git, f.archiver, pub, f.merger, f.nudger)
	return f
}

func (f *fixture) eventKinds() []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case ev := <-f.eventCh:
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}

func seed(t *testing.T, store *task.MemoryStore, id string, attempts int) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID: id, Title: "task " + id,
		Status:   task.StatusInProgress,
		Attempts: attempts,
		Assignee: task.AgentAssignee,
	}
	store.Put(tk)
	return tk
}

func attemptSession(id string, attempt int) *session.Session {
	return session.New(id, attempt, "simple", "")
}

func TestSuccessfulMergeClosesTask(t *testing.T) {
	f := newFixture(t)
	tk := seed(t, f.store, "t1", 0)
	ctx := context.Background()

	err := f.coord.PerformMergeAndDone(ctx, tk, "/wt/t1", "opensprint/t1", "built the thing", attemptSession("t1", 1))
	require.NoError(t, err)

	got, err := f.store.Show(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusClosed, got.Status)
	assert.Equal(t, "built the thing", got.ExecutionSummary)

	require.Len(t, f.archiver.sessions, 1)
	assert.Equal(t, session.StatusApproved, f.archiver.sessions[0].Status)
	assert.NotEmpty(t, f.archiver.sessions[0].GitDiff)

	// Cleanup waits for the push to land.
	assert.Eventually(t, func() bool {
		f.git.mu.Lock()
		defer f.git.mu.Unlock()
		return len(f.git.deletedBranches) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.coord.DeferredCleanups())
}

func TestDefaultSummaryWhenAgentGaveNone(t *testing.T) {
	f := newFixture(t)
	tk := seed(t, f.store, "t2", 0)
	ctx := context.Background()

	require.NoError(t, f.coord.PerformMergeAndDone(ctx, tk, "/wt/t2", "opensprint/t2", "", attemptSession("t2", 1)))

	got, err := f.store.Show(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, DefaultCloseSummary, got.ExecutionSummary)
}

func TestApprovedSessionArchivedBeforeClose(t *testing.T) {
	f := newFixture(t)
	tk := seed(t, f.store, "t3", 0)

	rec := &closeRecordingArchiver{store: f.store}
	f.coord.archive = rec
	require.NoError(t, f.coord.PerformMergeAndDone(context.Background(), tk, "/wt/t3", "opensprint/t3", "s", attemptSession("t3", 1)))
	require.True(t, rec.called)
	assert.NotEqual(t, task.StatusClosed, rec.statusAtArchive)
}

type closeRecordingArchiver struct {
	store           *task.MemoryStore
	called          bool
	statusAtArchive task.Status
}

func (p *closeRecordingArchiver) Archive(ctx context.Context, s *session.Session) error {
	p.called = true
	if t, err := p.store.Show(ctx, s.TaskID); err == nil {
		p.statusAtArchive = t.Status
	}
	return nil
}

func TestMergeConflictReopensTask(t *testing.T) {
	f := newFixture(t)
	f.git.mergeInProgress = true
	f.queue.mergeErr = &mergeq.JobError{
		Stage: mergeq.StageMergeToMain,
		Files: []string{"src/x.ts"},
		Err:   assert.AnError,
	}
	tk := seed(t, f.store, "t5", 1)
	ctx := context.Background()

	err := f.coord.PerformMergeAndDone(ctx, tk, "/wt/t5", "opensprint/t5", "", attemptSession("t5", 2))
	require.Error(t, err)

	got, err := f.store.Show(ctx, "t5")
	require.NoError(t, err)
	assert.Equal(t, task.StatusOpen, got.Status)
	assert.Empty(t, got.Assignee)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, []string{"src/x.ts"}, got.ConflictFiles)
	assert.Equal(t, "merge_to_main", got.MergeStage)
	assert.Equal(t, 1, f.git.mergeAborts)

	require.Len(t, f.archiver.sessions, 1)
	assert.Equal(t, session.StatusFailed, f.archiver.sessions[0].Status)

	kinds := f.eventKinds()
	assert.Equal(t, []events.Kind{events.KindMergeFailed, events.KindTaskRequeued}, kinds)
	assert.Equal(t, 1, f.nudger.nudges)
}

func TestMergeFailureBlocksAtTwiceThreshold(t *testing.T) {
	f := newFixture(t)
	f.queue.mergeErr = &mergeq.JobError{Stage: mergeq.StageMergeToMain, Err: assert.AnError}
	tk := seed(t, f.store, "t6", 9) // 10th attempt = 2 x threshold
	ctx := context.Background()

	err := f.coord.PerformMergeAndDone(ctx, tk, "/wt/t6", "opensprint/t6", "", attemptSession("t6", 10))
	require.Error(t, err)

	got, err := f.store.Show(ctx, "t6")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, "Merge Failure", got.BlockReason)

	kinds := f.eventKinds()
	assert.Equal(t, []events.Kind{events.KindMergeFailed, events.KindTaskBlocked}, kinds)
}

func TestRebaseConflictBeforeMergeAborts(t *testing.T) {
	f := newFixture(t)
	f.queue.mergeErr = &mergeq.JobError{
		Stage: mergeq.StageRebaseBeforeMerge,
		Files: []string{"a.go"},
		Err:   assert.AnError,
	}
	tk := seed(t, f.store, "t7", 0)

	err := f.coord.PerformMergeAndDone(context.Background(), tk, "/wt/t7", "opensprint/t7", "", attemptSession("t7", 1))
	require.Error(t, err)
	assert.Equal(t, 1, f.git.rebaseAborts)
	assert.Equal(t, 0, f.git.mergeAborts)
}

func TestPushRebaseConflictResolvedByMerger(t *testing.T) {
	f := newFixture(t)
	f.merger.resolved = true
	f.queue.pushErrs = []error{
		&mergeq.JobError{Stage: mergeq.StagePushRebase, Files: []string{"README.md"}, Err: assert.AnError},
	}
	tk := seed(t, f.store, "t8", 0)

	require.NoError(t, f.coord.PerformMergeAndDone(context.Background(), tk, "/wt/t8", "opensprint/t8", "", attemptSession("t8", 1)))

	assert.Eventually(t, func() bool { return f.queue.pushCount() == 2 }, time.Second, 10*time.Millisecond)
	require.Len(t, f.merger.requests, 1)
	assert.Equal(t, agent.PhasePushRebase, f.merger.requests[0].Phase)
	assert.Equal(t, []string{"README.md"}, f.merger.requests[0].ConflictedFiles)
	assert.Equal(t, "make test", f.merger.requests[0].TestCommand)

	assert.Eventually(t, func() bool {
		f.git.mu.Lock()
		defer f.git.mu.Unlock()
		return f.git.rebaseContinues == 1 && len(f.git.deletedBranches) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPushRebaseConflictUnresolvedDefersCleanup(t *testing.T) {
	f := newFixture(t)
	f.merger.resolved = false
	f.queue.pushErrs = []error{
		&mergeq.JobError{Stage: mergeq.StagePushRebase, Files: []string{"README.md"}, Err: assert.AnError},
	}
	tk := seed(t, f.store, "t9", 0)

	require.NoError(t, f.coord.PerformMergeAndDone(context.Background(), tk, "/wt/t9", "opensprint/t9", "", attemptSession("t9", 1)))

	assert.Eventually(t, func() bool {
		f.git.mu.Lock()
		defer f.git.mu.Unlock()
		return f.git.rebaseAborts == 1
	}, time.Second, 10*time.Millisecond)

	// Branch survives until a later push succeeds.
	assert.Equal(t, []string{"t9"}, f.coord.DeferredCleanups())
	f.git.mu.Lock()
	assert.Empty(t, f.git.deletedBranches)
	f.git.mu.Unlock()

	// Next completion's push flushes the backlog.
	tk2 := seed(t, f.store, "t10", 0)
	require.NoError(t, f.coord.PerformMergeAndDone(context.Background(), tk2, "/wt/t10", "opensprint/t10", "", attemptSession("t10", 1)))
	assert.Eventually(t, func() bool {
		f.git.mu.Lock()
		defer f.git.mu.Unlock()
		return len(f.git.deletedBranches) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.coord.DeferredCleanups())
}

type fakeReviewer struct {
	passed  bool
	reviews []string
}

func (f *fakeReviewer) FinalReview(_ context.Context, _ string, epicID string) (bool, error) {
	f.reviews = append(f.reviews, epicID)
	return f.passed, nil
}

type fakeDeployer struct{ deployed []string }

func (f *fakeDeployer) DeployEpic(_ context.Context, _, epicID string) error {
	f.deployed = append(f.deployed, epicID)
	return nil
}

func TestEpicCompletionClosesEpicAndDeploys(t *testing.T) {
	f := newFixture(t)
	reviewer := &fakeReviewer{passed: true}
	deployer := &fakeDeployer{}
	WithEpicReview(reviewer, deployer)(f.coord)

	f.store.Put(&task.Task{ID: "epic-1", Title: "epic", Status: task.StatusInProgress})
	sibling := &task.Task{ID: "s1", Title: "done already", Status: task.StatusClosed, EpicID: "epic-1"}
	f.store.Put(sibling)
	tk := seed(t, f.store, "t11", 0)
	tk.EpicID = "epic-1"
	ctx := context.Background()

	require.NoError(t, f.coord.PerformMergeAndDone(ctx, tk, "/wt/t11", "opensprint/t11", "", attemptSession("t11", 1)))

	assert.Equal(t, []string{"epic-1"}, reviewer.reviews)
	assert.Equal(t, []string{"epic-1"}, deployer.deployed)
	epic, err := f.store.Show(ctx, "epic-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusClosed, epic.Status)
}

func TestEpicCompletionSkippedWhileSiblingsOpen(t *testing.T) {
	f := newFixture(t)
	reviewer := &fakeReviewer{passed: true}
	WithEpicReview(reviewer, nil)(f.coord)

	f.store.Put(&task.Task{ID: "epic-2", Title: "epic", Status: task.StatusInProgress})
	f.store.Put(&task.Task{ID: "s2", Title: "still open", Status: task.StatusOpen, EpicID: "epic-2"})
	tk := seed(t, f.store, "t12", 0)
	tk.EpicID = "epic-2"

	require.NoError(t, f.coord.PerformMergeAndDone(context.Background(), tk, "/wt/t12", "opensprint/t12", "", attemptSession("t12", 1)))
	assert.Empty(t, reviewer.reviews)
}
