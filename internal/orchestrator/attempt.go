package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/failure"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/heartbeat"
	"github.com/opensprint/opensprint/internal/project"
	"github.com/opensprint/opensprint/internal/session"
	"github.com/opensprint/opensprint/internal/task"
)

// runAttempt drives one slot through coding, review, and merge, looping in
// place for infrastructure retries (same branch, no queue round-trip).
func (s *Scheduler) runAttempt(ctx context.Context, t *task.Task, slot *Slot) {
	for {
		retry := s.attemptOnce(ctx, t, slot)
		if !retry {
			return
		}
		slot.bumpInfraRetries()
		slot.resetOutput()
		if fresh, err := s.tasks.Show(ctx, t.ID); err == nil {
			t = fresh
		}
		slot.Attempt = t.Attempts + 1
		s.log.Info("infrastructure retry", "task", t.ID,
			"attempt", slot.Attempt, "retries", slot.InfraRetries())
	}
}

// attemptOnce runs a single attempt. It returns true when the failure
// policy asked for an immediate infrastructure retry; in every other case
// the slot has been released.
func (s *Scheduler) attemptOnce(ctx context.Context, t *task.Task, slot *Slot) bool {
	workDir, err := s.provision(t.ID)
	if err != nil {
		s.handleProvisionError(ctx, t, slot, err)
		return false
	}
	slot.WorktreePath = workDir

	hb := heartbeat.NewWriter(workDir, t.ID)
	hb.Start()
	defer hb.Stop()

	sess := session.New(t.ID, slot.Attempt, slot.AgentType, slot.AgentConfig.Model)
	sess.Branch = slot.Branch

	s.publisher.Publish(events.New(events.KindAgentSpawned, s.projectID, t.ID, map[string]any{
		"attempt": slot.Attempt,
		"agent":   slot.AgentType,
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	slot.armWatchdog(s.inactivityTimeout, cancel)

	res, runErr := s.runner.Run(runCtx, agent.Invocation{
		Config:  slot.AgentConfig,
		Prompt:  buildPrompt(t),
		WorkDir: workDir,
	}, func(c agent.Chunk) {
		slot.appendOutput(c.Text, s.inactivityTimeout)
	})
	slot.disarmWatchdog()
	hb.Stop()

	output := slot.Output()
	if res != nil && res.Output != "" {
		output = res.Output
	}

	ftype, reason, ok := s.classify(ctx, slot, res, runErr)
	status := "success"
	if !ok {
		status = "failed"
	}
	s.publisher.Publish(events.New(events.KindAgentCompleted, s.projectID, t.ID, map[string]any{
		"attempt": slot.Attempt,
		"status":  status,
	}))
	if !ok {
		if ftype == "" {
			// Shutdown, not a failure. Orphan recovery picks the task
			// up on the next start.
			s.release(slot, false)
			return false
		}
		return s.fail(ctx, t, slot, sess, ftype, reason, output)
	}

	// Verification.
	if s.settings.TestCommand != "" {
		passed, testOut := s.runTests(ctx, workDir)
		sess.TestResults = testOut
		if !passed {
			return s.fail(ctx, t, slot, sess, failure.TypeCodingFailure,
				"verification command failed", output+"\n"+testOut)
		}
	}

	// Review.
	slot.setPhase(PhaseReview)
	if _, err := s.git.CommitWip(t.ID, workDir); err != nil {
		s.log.Warn("wip commit before review failed", "task", t.ID, "error", err)
	}
	if s.reviewer != nil {
		verdict, err := s.reviewer.Review(ctx, ReviewRequest{
			ProjectID:  s.projectID,
			Task:       t,
			WorkDir:    workDir,
			Diff:       s.git.CaptureBranchDiff(t.ID),
			Summary:    res.Summary,
			TestOutput: sess.TestResults,
		})
		if err != nil {
			return s.fail(ctx, t, slot, sess, failure.TypeAgentCrash,
				fmt.Sprintf("reviewer failed: %v", err), output)
		}
		if !verdict.Approved {
			return s.fail(ctx, t, slot, sess, failure.TypeReviewRejection,
				"review rejected: "+verdict.Feedback, output)
		}
	}

	// Merge.
	slot.setPhase(PhaseMerge)
	sess.OutputLog = output
	mergeErr := s.coord.PerformMergeAndDone(ctx, t, workDir, slot.Branch, res.Summary, sess)
	s.release(slot, mergeErr == nil)
	return false
}

// classify maps the raw agent exit to a failure type. ok means the attempt
// produced usable work; an empty type with !ok means shutdown.
func (s *Scheduler) classify(ctx context.Context, slot *Slot, res *agent.Result, runErr error) (failure.Type, string, bool) {
	switch {
	case runErr != nil:
		return failure.TypeAgentCrash, runErr.Error(), false
	case res.Killed && slot.KilledDueToTimeout():
		return failure.TypeTimeout,
			fmt.Sprintf("no output for %s; agent killed", s.inactivityTimeout), false
	case res.Killed:
		if ctx.Err() != nil {
			return "", "", false
		}
		return failure.TypeAgentCrash, "agent killed", false
	case res.ExitCode != 0:
		return failure.TypeAgentCrash,
			fmt.Sprintf("agent exited with code %d", res.ExitCode), false
	case res.NoResult:
		return failure.TypeNoResult, "agent produced no result", false
	}
	return "", "", true
}

// fail routes the attempt through the failure policy. Returns true for an
// immediate infrastructure retry.
func (s *Scheduler) fail(ctx context.Context, t *task.Task, slot *Slot, sess *session.Session, ftype failure.Type, reason, output string) bool {
	out, err := s.failures.Handle(ctx, failure.Attempt{
		Task:         t,
		Type:         ftype,
		Reason:       reason,
		OutputLog:    output,
		Session:      sess,
		Provider:     slot.AgentConfig.Provider,
		InfraRetries: slot.InfraRetries(),
	})
	if err != nil {
		s.log.Error("failure handling incomplete", "task", t.ID, "error", err)
	}
	if out.Action == failure.ActionInfraRetry {
		return true
	}
	s.release(slot, false)
	return false
}

// provision prepares the attempt's working directory per the project's git
// mode. The task branch is reused whenever it exists so work accumulates
// across attempts; a fresh start only happens through branch deletion in the
// failure path.
func (s *Scheduler) provision(taskID string) (string, error) {
	if s.settings.GitMode == project.GitModeBranches {
		return s.git.CheckoutTaskBranch(taskID)
	}
	return s.git.CreateTaskWorktree(taskID)
}

// handleProvisionError requeues the task. A branch held by a live worktree
// is expected contention, anything else is logged louder.
func (s *Scheduler) handleProvisionError(ctx context.Context, t *task.Task, slot *Slot, provErr error) {
	var busy *git.BranchInUseError
	if errors.As(provErr, &busy) {
		s.log.Info("branch in use, requeued", "task", t.ID, "holder", busy.OtherTaskID)
	} else {
		s.log.Warn("provisioning failed, requeued", "task", t.ID, "error", provErr)
	}
	if err := s.tasks.Update(ctx, t.ID, task.Update{
		Status:   task.StatusPtr(task.StatusOpen),
		Assignee: task.StringPtr(""),
	}); err != nil {
		s.log.Warn("requeue after provisioning failure failed", "task", t.ID, "error", err)
	}
	s.release(slot, false)
}

// runTests executes the project's verification command in the work dir.
func (s *Scheduler) runTests(ctx context.Context, workDir string) (bool, string) {
	testCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	cmd := exec.CommandContext(testCtx, "sh", "-c", s.settings.TestCommand)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	return err == nil, string(out)
}

// buildPrompt assembles the coding agent's prompt from the task record.
func buildPrompt(t *task.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
	if t.ExecutionSummary != "" {
		fmt.Fprintf(&b, "\nPrevious attempt: %s\n", t.ExecutionSummary)
	}
	if len(t.Scope) > 0 {
		fmt.Fprintf(&b, "\nExpected scope: %s\n", strings.Join(t.Scope, ", "))
	}
	return b.String()
}
