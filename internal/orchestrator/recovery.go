package orchestrator

import (
	"context"
	"errors"

	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/heartbeat"
	"github.com/opensprint/opensprint/internal/task"
)

// RecoverOrphans reclaims execution state a crashed or killed predecessor
// left behind: worktrees with stale heartbeats, in_progress tasks holding
// no slot, and worktrees of closed or vanished tasks. It runs at startup
// and periodically, and every step is idempotent.
func (s *Scheduler) RecoverOrphans(ctx context.Context) error {
	var firstErr error

	stale, err := heartbeat.FindStale(git.WorktreeBase())
	if err != nil {
		firstErr = err
	}
	for _, orphan := range stale {
		if orphan.TaskID == "" {
			continue
		}
		if err := s.recoverTask(ctx, orphan.TaskID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	assigned, err := s.tasks.ListInProgressWithAgentAssignee(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return firstErr
	}
	for _, t := range assigned {
		if err := s.recoverTask(ctx, t.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// recoverTask puts one orphaned task back in the queue: best-effort WIP
// commit to preserve the agent's work, worktree removed, status reopened.
// The branch survives so the next admission resumes from it. Tasks that are
// slotted, closed, or gone only get their leftover worktree pruned.
func (s *Scheduler) recoverTask(ctx context.Context, taskID string) error {
	if s.Slotted(taskID) {
		return nil
	}

	t, err := s.tasks.Show(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		return s.git.RemoveTaskWorktree(taskID)
	}
	if err != nil {
		return err
	}
	if t.Status == task.StatusClosed {
		return s.git.RemoveTaskWorktree(taskID)
	}
	if t.Status != task.StatusInProgress || t.Assignee != task.AgentAssignee {
		return nil
	}

	wtPath := git.WorktreePath(taskID)
	if _, err := s.git.CommitWip(taskID, wtPath); err != nil {
		s.log.Debug("orphan wip commit skipped", "task", taskID, "error", err)
	}
	if err := s.git.RemoveTaskWorktree(taskID); err != nil {
		s.log.Warn("orphan worktree removal failed", "task", taskID, "error", err)
	}

	if err := s.tasks.Update(ctx, taskID, task.Update{
		Status:   task.StatusPtr(task.StatusOpen),
		Assignee: task.StringPtr(""),
	}); err != nil {
		return err
	}

	s.publisher.Publish(events.New(events.KindTransition, s.projectID, taskID, map[string]any{
		"from":   string(task.StatusInProgress),
		"to":     string(task.StatusOpen),
		"reason": "orphan recovery",
	}))
	s.log.Info("orphaned task reclaimed", "task", taskID)
	return nil
}
