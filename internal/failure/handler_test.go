package failure

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/project"
	"github.com/opensprint/opensprint/internal/session"
	"github.com/opensprint/opensprint/internal/task"
)

type fakeGit struct {
	removedWorktrees []string
	deletedBranches  []string
	reverted         int
}

func (f *fakeGit) RemoveTaskWorktree(taskID string) error {
	f.removedWorktrees = append(f.removedWorktrees, taskID)
	return nil
}

func (f *fakeGit) DeleteTaskBranch(taskID string) error {
	f.deletedBranches = append(f.deletedBranches, taskID)
	return nil
}

func (f *fakeGit) RevertAndReturnToMain() error {
	f.reverted++
	return nil
}

type fakeArchiver struct {
	sessions []*session.Session
}

func (f *fakeArchiver) Archive(_ context.Context, s *session.Session) error {
	f.sessions = append(f.sessions, s)
	return nil
}

type fakeExhauster struct {
	marked map[string]string
}

func (f *fakeExhauster) MarkExhausted(provider, reason string) {
	if f.marked == nil {
		f.marked = map[string]string{}
	}
	f.marked[provider] = reason
}

type fakeNotifier struct {
	kinds []string
}

func (f *fakeNotifier) Notify(_ context.Context, kind, _, _ string) error {
	f.kinds = append(f.kinds, kind)
	return nil
}

type fakeNudger struct {
	nudges int
}

func (f *fakeNudger) Nudge() { f.nudges++ }

type handlerFixture struct {
	handler  *Handler
	store    *task.MemoryStore
	git      *fakeGit
	archiver *fakeArchiver
	exhaust  *fakeExhauster
	notifier *fakeNotifier
	nudger   *fakeNudger
	eventCh  <-chan events.Event
}

func newFixture(t *testing.T, mode project.GitMode) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		store:    task.NewMemoryStore(),
		git:      &fakeGit{},
		archiver: &fakeArchiver{},
		exhaust:  &fakeExhauster{},
		notifier: &fakeNotifier{},
		nudger:   &fakeNudger{},
	}
	pub := events.NewMemoryPublisher()
	t.Cleanup(pub.Close)
	f.eventCh = pub.Subscribe(events.GlobalTaskID)
	f.handler = NewHandler("p1", mode, f.store, f.archiver, f.git, pub, f.exhaust, f.notifier, f.nudger)
	return f
}

func (f *handlerFixture) drainEvents() []events.Kind {
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

func seedTask(t *testing.T, store *task.MemoryStore, id string, priority task.Priority, attempts int) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:       id,
		Title:    "task " + id,
		Status:   task.StatusInProgress,
		Priority: priority,
		Attempts: attempts,
		Assignee: task.AgentAssignee,
	}
	store.Put(tk)
	return tk
}

func TestHandlePlainRequeue(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t1", 2, 1)
	ctx := context.Background()

	out, err := f.handler.Handle(ctx, Attempt{
		Task:    tk,
		Type:    TypeCodingFailure,
		Reason:  "tests failed",
		Session: session.New("t1", 2, "simple", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionRequeue, out.Action)

	got, err := f.store.Show(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusOpen, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, got.Assignee)

	// Failed session archived, branch preserved, worktree removed.
	require.Len(t, f.archiver.sessions, 1)
	assert.Equal(t, session.StatusFailed, f.archiver.sessions[0].Status)
	assert.Equal(t, []string{"t1"}, f.git.removedWorktrees)
	assert.Empty(t, f.git.deletedBranches)

	kinds := f.drainEvents()
	assert.Equal(t, []events.Kind{events.KindTaskFailed, events.KindTaskRequeued}, kinds)
	assert.Equal(t, 1, f.nudger.nudges)
}

func TestHandleDemotionDeletesBranch(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t2", 2, 4)
	ctx := context.Background()

	out, err := f.handler.Handle(ctx, Attempt{
		Task:    tk,
		Type:    TypeCodingFailure,
		Reason:  "tests failed",
		Session: session.New("t2", 5, "simple", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionDemote, out.Action)

	got, err := f.store.Show(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, task.StatusOpen, got.Status)
	assert.Equal(t, task.Priority(3), got.Priority)
	assert.Equal(t, []string{"t2"}, f.git.deletedBranches)

	kinds := f.drainEvents()
	assert.Equal(t, []events.Kind{events.KindTaskFailed, events.KindTaskDemoted}, kinds)
}

func TestHandleBlockAtMaxPriority(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t3", task.PriorityLowest, 4)
	ctx := context.Background()

	out, err := f.handler.Handle(ctx, Attempt{
		Task:    tk,
		Type:    TypeCodingFailure,
		Reason:  "tests failed",
		Session: session.New("t3", 5, "simple", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, out.Action)

	got, err := f.store.Show(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
	assert.Equal(t, "Coding Failure", got.BlockReason)
	assert.Equal(t, []string{"t3"}, f.git.deletedBranches)

	kinds := f.drainEvents()
	assert.Equal(t, []events.Kind{events.KindTaskFailed, events.KindTaskBlocked}, kinds)
}

func TestHandleInfraRetryKeepsEverything(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t4", 1, 3)
	ctx := context.Background()

	out, err := f.handler.Handle(ctx, Attempt{
		Task:    tk,
		Type:    TypeTimeout,
		Reason:  "no output for 5 minutes... killed",
		Session: session.New("t4", 4, "simple", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInfraRetry, out.Action)

	// Same branch, no worktree teardown, counter still advanced.
	assert.Empty(t, f.git.removedWorktrees)
	assert.Empty(t, f.git.deletedBranches)
	got, err := f.store.Show(ctx, "t4")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Attempts)
	assert.Equal(t, task.StatusInProgress, got.Status)
}

func TestHandleDiagnosedNoResultEmitsAPIBlock(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t7", 0, 0)
	ctx := context.Background()

	out, err := f.handler.Handle(ctx, Attempt{
		Task:      tk,
		Type:      TypeNoResult,
		Reason:    "agent exited without result",
		OutputLog: "booting\n[Agent error: 404 not a chat model]\n",
		Session:   session.New("t7", 1, "simple", ""),
		Provider:  "anthropic",
	})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, out.Action)
	assert.Contains(t, out.Reason, "404 not a chat model")

	assert.Contains(t, f.notifier.kinds, "api_blocked")
	assert.Contains(t, f.exhaust.marked, "anthropic")

	got, err := f.store.Show(ctx, "t7")
	require.NoError(t, err)
	assert.Equal(t, task.StatusBlocked, got.Status)
}

func TestHandleReviewRejectionSkipsArchive(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t8", 1, 0)

	_, err := f.handler.Handle(context.Background(), Attempt{
		Task:    tk,
		Type:    TypeReviewRejection,
		Reason:  "reviewer rejected",
		Session: session.New("t8", 1, "simple", ""),
	})
	require.NoError(t, err)
	assert.Empty(t, f.archiver.sessions)
}

func TestHandleBranchesModeReverts(t *testing.T) {
	f := newFixture(t, project.GitModeBranches)
	tk := seedTask(t, f.store, "t9", 1, 0)

	_, err := f.handler.Handle(context.Background(), Attempt{
		Task:    tk,
		Type:    TypeCodingFailure,
		Reason:  "tests failed",
		Session: session.New("t9", 1, "simple", ""),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.git.reverted)
	assert.Empty(t, f.git.removedWorktrees)
}

func TestArchivePrecedesStatusChange(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t10", 1, 0)

	// An archiver that inspects task status at archive time shows the
	// session is written before the task leaves in_progress.
	rec := &statusRecordingArchiver{store: f.store}
	f.handler.archive = rec

	_, err := f.handler.Handle(context.Background(), Attempt{
		Task:    tk,
		Type:    TypeCodingFailure,
		Reason:  "tests failed",
		Session: session.New("t10", 1, "simple", ""),
	})
	require.NoError(t, err)
	require.True(t, rec.called)
	assert.Equal(t, task.StatusInProgress, rec.statusAtArchive)
}

type statusRecordingArchiver struct {
	store           *task.MemoryStore
	called          bool
	statusAtArchive task.Status
}

func (p *statusRecordingArchiver) Archive(ctx context.Context, s *session.Session) error {
	p.called = true
	if t, err := p.store.Show(ctx, s.TaskID); err == nil {
		p.statusAtArchive = t.Status
	}
	return nil
}

func TestHandleReviewRejectionNeverExhaustsProvider(t *testing.T) {
	f := newFixture(t, project.GitModeWorktree)
	tk := seedTask(t, f.store, "t11", 1, 0)

	_, err := f.handler.Handle(context.Background(), Attempt{
		Task:     tk,
		Type:     TypeReviewRejection,
		Reason:   "review rejected: the client must back off on rate limit and 403 responses",
		Provider: "anthropic",
	})
	require.NoError(t, err)
	assert.Empty(t, f.exhaust.marked)
	assert.Empty(t, f.notifier.kinds)
}

func TestFailureCommentClipsOnRuneBoundary(t *testing.T) {
	h := &Handler{}
	c := h.comment(Attempt{Type: TypeCodingFailure},
		Outcome{Reason: strings.Repeat("déjà", commentCap)}, 1)
	assert.True(t, utf8.ValidString(c))
	assert.Len(t, []rune(c), commentCap)
}
