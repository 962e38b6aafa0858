// Package orchestrator runs the per-project scheduling loop: admission
// control, slot accounting, the attempt pipeline (coding, review, merge),
// failure routing, inactivity watchdogs, and orphan recovery.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/failure"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/project"
	"github.com/opensprint/opensprint/internal/session"
	"github.com/opensprint/opensprint/internal/task"
)

const (
	// DefaultInactivityTimeout kills an agent that produced no output for
	// this long.
	DefaultInactivityTimeout = 5 * time.Minute

	// DefaultRecoveryInterval is how often orphan recovery re-runs.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultMaxConcurrent bounds parallel slots when settings omit it.
	DefaultMaxConcurrent = 2

	// testTimeout bounds the verification command.
	testTimeout = 10 * time.Minute
)

// GitOps is the git toolkit surface the scheduler uses.
type GitOps interface {
	CreateTaskWorktree(taskID string) (string, error)
	CheckoutTaskBranch(taskID string) (string, error)
	RemoveTaskWorktree(taskID string) error
	CommitWip(taskID, workDir string) (bool, error)
	CaptureBranchDiff(taskID string) string
}

// MergeCoordinator integrates an approved attempt. Failures inside it
// reopen or block the task on its own; the scheduler only counts the
// outcome.
type MergeCoordinator interface {
	PerformMergeAndDone(ctx context.Context, t *task.Task, workDir, branch, codingSummary string, sess *session.Session) error
}

// FailureHandler applies the failure policy to a failed attempt.
type FailureHandler interface {
	Handle(ctx context.Context, at failure.Attempt) (failure.Outcome, error)
}

// CounterStore persists the done/failed totals after each mutation so they
// survive a restart. A nil store keeps them in memory only.
type CounterStore interface {
	LoadCounters(ctx context.Context, projectID string) (done, failed int, err error)
	SaveCounters(ctx context.Context, projectID string, done, failed int) error
}

// ReviewRequest carries an attempt's work to the external reviewer.
type ReviewRequest struct {
	ProjectID  string
	Task       *task.Task
	WorkDir    string
	Diff       string
	Summary    string
	TestOutput string
}

// ReviewResult is the reviewer's verdict.
type ReviewResult struct {
	Approved bool
	Feedback string
}

// Reviewer is the external review collaborator. A nil reviewer approves
// everything.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
}

// Status is a snapshot of the scheduler's counters.
type Status struct {
	Active      int
	QueueDepth  int
	TotalDone   int
	TotalFailed int
}

// Scheduler owns task execution for one project. Admission and slot
// mutation are serialized by its mutex; attempts run on goroutines and
// report back through the failure handler and the coordinator.
type Scheduler struct {
	projectID string
	repoPath  string
	settings  project.Settings

	tasks      task.Store
	git        GitOps
	runner     agent.Runner
	reviewer   Reviewer
	coord      MergeCoordinator
	failures   FailureHandler
	publisher  events.Publisher
	exhaustion *ExhaustionRegistry
	counterDB  CounterStore
	log        *slog.Logger

	inactivityTimeout time.Duration
	recoveryInterval  time.Duration

	mu         sync.Mutex
	slots      map[string]*Slot
	arrival    map[string]int
	arrivalSeq int
	counters   Status

	nudgeCh chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// WithReviewer wires the external review collaborator.
func WithReviewer(r Reviewer) Option {
	return func(s *Scheduler) {
		s.reviewer = r
	}
}

// WithInactivityTimeout overrides the agent inactivity window.
func WithInactivityTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.inactivityTimeout = d
	}
}

// WithRecoveryInterval overrides the orphan recovery cadence.
func WithRecoveryInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.recoveryInterval = d
	}
}

// WithCounterStore persists the counters through the given store.
func WithCounterStore(cs CounterStore) Option {
	return func(s *Scheduler) {
		s.counterDB = cs
	}
}

// NewScheduler wires a scheduler for one project.
func NewScheduler(
	projectID, repoPath string,
	settings project.Settings,
	tasks task.Store,
	gitOps GitOps,
	runner agent.Runner,
	coord MergeCoordinator,
	failures FailureHandler,
	publisher events.Publisher,
	exhaustion *ExhaustionRegistry,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		projectID:         projectID,
		repoPath:          repoPath,
		settings:          settings,
		tasks:             tasks,
		git:               gitOps,
		runner:            runner,
		coord:             coord,
		failures:          failures,
		publisher:         publisher,
		exhaustion:        exhaustion,
		log:               slog.Default(),
		inactivityTimeout: DefaultInactivityTimeout,
		recoveryInterval:  DefaultRecoveryInterval,
		slots:             make(map[string]*Slot),
		arrival:           make(map[string]int),
		nudgeCh:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Nudge asks the loop to re-evaluate the ready queue. Safe from any
// goroutine; coalesces when one is already pending.
func (s *Scheduler) Nudge() {
	select {
	case s.nudgeCh <- struct{}{}:
	default:
	}
}

// Run drives the scheduling loop until ctx is cancelled, then waits for
// in-flight attempts to wind down. Orphan recovery runs first so a crashed
// predecessor's tasks get back in the queue before dispatch.
func (s *Scheduler) Run(ctx context.Context) error {
	s.restoreCounters(ctx)
	if err := s.RecoverOrphans(ctx); err != nil {
		s.log.Warn("initial orphan recovery incomplete", "error", err)
	}

	ticker := time.NewTicker(s.recoveryInterval)
	defer ticker.Stop()

	s.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-s.nudgeCh:
			s.dispatch(ctx)
		case <-ticker.C:
			if err := s.RecoverOrphans(ctx); err != nil {
				s.log.Warn("orphan recovery incomplete", "error", err)
			}
			s.dispatch(ctx)
		}
	}
}

// Status returns a snapshot of the counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.counters
	st.Active = len(s.slots)
	return st
}

// Slotted reports whether the task currently holds a slot.
func (s *Scheduler) Slotted(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[taskID]
	return ok
}

// dispatch admits ready tasks in order until a limit is hit.
func (s *Scheduler) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	all, err := s.tasks.ListAll(ctx)
	if err != nil {
		s.log.Warn("task list unavailable", "error", err)
		return
	}

	ready := s.orderReady(all)

	s.mu.Lock()
	s.counters.QueueDepth = len(ready)
	s.mu.Unlock()

	maxConcurrent := s.settings.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	for _, t := range ready {
		s.mu.Lock()
		if len(s.slots) >= maxConcurrent {
			s.mu.Unlock()
			return
		}
		if _, slotted := s.slots[t.ID]; slotted {
			s.mu.Unlock()
			continue
		}
		cfg := s.settings.AgentFor(t.Labels)
		if s.exhaustion.IsExhausted(cfg.Provider) {
			s.mu.Unlock()
			continue
		}
		if s.scopeConflictLocked(t) {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if err := s.admit(ctx, t, cfg); err != nil {
			s.log.Warn("admission failed", "task", t.ID, "error", err)
		}
	}
}

// orderReady filters dispatchable tasks and sorts them by priority, FIFO
// arrival, then ID.
func (s *Scheduler) orderReady(all []*task.Task) []*task.Task {
	var ready []*task.Task
	for _, t := range all {
		if t.Dispatchable() {
			ready = append(ready, t)
		}
	}

	// Copy the sequence numbers out under the lock; release deletes from
	// s.arrival concurrently and the sort must not read the live map.
	arrival := make(map[string]int, len(ready))
	s.mu.Lock()
	for _, t := range ready {
		if _, seen := s.arrival[t.ID]; !seen {
			s.arrival[t.ID] = s.arrivalSeq
			s.arrivalSeq++
		}
		arrival[t.ID] = s.arrival[t.ID]
	}
	s.mu.Unlock()

	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if arrival[a.ID] != arrival[b.ID] {
			return arrival[a.ID] < arrival[b.ID]
		}
		return a.ID < b.ID
	})
	return ready
}

// scopeConflictLocked reports whether the task's scope overlaps any
// admitted slot's. Caller holds s.mu.
func (s *Scheduler) scopeConflictLocked(t *task.Task) bool {
	for _, slot := range s.slots {
		if ScopesConflict(t.Scope, slot.Scope, s.settings.UnknownScopeStrategy) {
			return true
		}
	}
	return false
}

// admit moves the task to in_progress, creates its slot, and starts the
// attempt pipeline.
func (s *Scheduler) admit(ctx context.Context, t *task.Task, cfg project.AgentConfig) error {
	attempts, err := s.tasks.Attempts(ctx, t.ID)
	if err != nil {
		attempts = t.Attempts
	}

	if err := s.tasks.Update(ctx, t.ID, task.Update{
		Status:   task.StatusPtr(task.StatusInProgress),
		Assignee: task.StringPtr(task.AgentAssignee),
	}); err != nil {
		return err
	}

	agentType := "simple"
	for _, label := range t.Labels {
		if label == "complex" {
			agentType = "complex"
			break
		}
	}
	slot := newSlot(t.ID, attempts+1, agentType, cfg, t.Scope)
	slot.Branch = git.BranchName(t.ID)

	s.mu.Lock()
	s.slots[t.ID] = slot
	s.mu.Unlock()

	s.publisher.Publish(events.New(events.KindTransition, s.projectID, t.ID, map[string]any{
		"from": string(t.Status),
		"to":   string(task.StatusInProgress),
	}))
	s.log.Info("task admitted", "task", t.ID, "attempt", slot.Attempt, "agent", agentType)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAttempt(ctx, t, slot)
	}()
	return nil
}

// release frees the slot, persists the counters, and wakes the loop.
func (s *Scheduler) release(slot *Slot, succeeded bool) {
	s.mu.Lock()
	delete(s.slots, slot.TaskID)
	delete(s.arrival, slot.TaskID)
	if succeeded {
		s.counters.TotalDone++
	} else {
		s.counters.TotalFailed++
	}
	done, failed := s.counters.TotalDone, s.counters.TotalFailed
	s.mu.Unlock()

	if s.counterDB != nil {
		if err := s.counterDB.SaveCounters(context.Background(), s.projectID, done, failed); err != nil {
			s.log.Warn("counter persistence failed", "task", slot.TaskID, "error", err)
		}
	}
	s.Nudge()
}

// restoreCounters rehydrates the totals from the counter store.
func (s *Scheduler) restoreCounters(ctx context.Context) {
	if s.counterDB == nil {
		return
	}
	done, failed, err := s.counterDB.LoadCounters(ctx, s.projectID)
	if err != nil {
		s.log.Warn("counter restore failed", "error", err)
		return
	}
	s.mu.Lock()
	s.counters.TotalDone = done
	s.counters.TotalFailed = failed
	s.mu.Unlock()
}
