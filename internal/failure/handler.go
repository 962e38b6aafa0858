package failure

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/project"
	"github.com/opensprint/opensprint/internal/session"
	"github.com/opensprint/opensprint/internal/task"
)

// commentCap bounds the task comment a failure appends.
const commentCap = 2000

// Archiver persists a terminal session record.
type Archiver interface {
	Archive(ctx context.Context, s *session.Session) error
}

// GitCleanup is the slice of the git toolkit failure cleanup needs.
type GitCleanup interface {
	RemoveTaskWorktree(taskID string) error
	DeleteTaskBranch(taskID string) error
	RevertAndReturnToMain() error
}

// Exhauster marks a provider unusable until an operator intervenes.
type Exhauster interface {
	MarkExhausted(provider, reason string)
}

// Notifier raises operator-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, kind, taskID, message string) error
}

// Nudger wakes the scheduler loop.
type Nudger interface {
	Nudge()
}

// Attempt describes one failed attempt for the handler.
type Attempt struct {
	Task         *task.Task
	Type         Type
	Reason       string
	OutputLog    string
	Session      *session.Session // pre-filled attempt record, may be nil for review rejections
	Provider     string           // provider of the agent config that ran
	InfraRetries int
}

// Handler applies the failure policy decision and all its side effects:
// session archival, counters, comments, events, git cleanup, provider
// exhaustion, and the scheduler nudge. The archived session always predates
// the task's status change.
type Handler struct {
	projectID string
	gitMode   project.GitMode
	tasks     task.Store
	archive   Archiver
	git       GitCleanup
	publisher events.Publisher
	exhaust   Exhauster
	notifier  Notifier
	nudger    Nudger
	log       *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = log
	}
}

// NewHandler wires a failure handler for one project.
func NewHandler(
	projectID string,
	gitMode project.GitMode,
	tasks task.Store,
	archive Archiver,
	git GitCleanup,
	publisher events.Publisher,
	exhaust Exhauster,
	notifier Notifier,
	nudger Nudger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		projectID: projectID,
		gitMode:   gitMode,
		tasks:     tasks,
		archive:   archive,
		git:       git,
		publisher: publisher,
		exhaust:   exhaust,
		notifier:  notifier,
		nudger:    nudger,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle decides and applies the outcome of a failed attempt. The returned
// outcome tells the scheduler whether to re-dispatch immediately
// (ActionInfraRetry keeps the branch).
func (h *Handler) Handle(ctx context.Context, at Attempt) (Outcome, error) {
	t := at.Task
	cumulative := t.Attempts + 1

	out := Decide(Input{
		Type:               at.Type,
		Reason:             at.Reason,
		OutputLog:          at.OutputLog,
		CumulativeAttempts: cumulative,
		Priority:           t.Priority,
		InfraRetries:       at.InfraRetries,
	})

	h.log.Info("failure handled",
		"task", t.ID, "type", at.Type, "action", out.Action,
		"attempts", cumulative, "diagnosed", out.Diagnosed)

	// Archive first. A review rejection loops back through the review
	// pipeline and archives there instead.
	if at.Session != nil && at.Type != TypeReviewRejection {
		at.Session.Status = session.StatusFailed
		at.Session.FailureReason = out.Reason
		at.Session.OutputLog = at.OutputLog
		if err := h.archive.Archive(ctx, at.Session); err != nil {
			return out, fmt.Errorf("archive failed session: %w", err)
		}
	}

	if err := h.tasks.SetAttempts(ctx, t.ID, cumulative); err != nil {
		return out, fmt.Errorf("persist attempts: %w", err)
	}
	if err := h.tasks.Comment(ctx, t.ID, h.comment(at, out, cumulative)); err != nil {
		h.log.Warn("failure comment not recorded", "task", t.ID, "error", err)
	}

	h.publisher.Publish(events.New(events.KindTaskFailed, h.projectID, t.ID, map[string]any{
		"failureType": string(at.Type),
		"reason":      out.Reason,
		"attempts":    cumulative,
	}))

	if out.APIBlocked {
		h.exhaust.MarkExhausted(at.Provider, out.Reason)
		msg := fmt.Sprintf("provider %s blocked (%s): %s", at.Provider, out.APIBlock, out.Reason)
		if err := h.notifier.Notify(ctx, "api_blocked", t.ID, msg); err != nil {
			h.log.Warn("api_blocked notification failed", "task", t.ID, "error", err)
		}
		h.publisher.Publish(events.New(events.KindNotificationAdded, h.projectID, t.ID, map[string]any{
			"kind":     "api_blocked",
			"provider": at.Provider,
			"block":    string(out.APIBlock),
		}))
	}

	if err := h.apply(ctx, t, out); err != nil {
		return out, err
	}
	h.cleanup(t.ID, out)
	h.nudger.Nudge()
	return out, nil
}

// apply mutates the task per the decided action and emits the matching
// event.
func (h *Handler) apply(ctx context.Context, t *task.Task, out Outcome) error {
	switch out.Action {
	case ActionBlock:
		err := h.tasks.Update(ctx, t.ID, task.Update{
			Status:      task.StatusPtr(task.StatusBlocked),
			Assignee:    task.StringPtr(""),
			BlockReason: task.StringPtr(out.BlockReason),
		})
		if err != nil {
			return fmt.Errorf("block task: %w", err)
		}
		h.publisher.Publish(events.New(events.KindTaskBlocked, h.projectID, t.ID, map[string]any{
			"reason": out.BlockReason,
		}))

	case ActionInfraRetry:
		// Task stays assigned; the scheduler re-dispatches on the same
		// branch without a queue round-trip.
		h.publisher.Publish(events.New(events.KindTaskRequeued, h.projectID, t.ID, map[string]any{
			"infraRetry": true,
		}))

	case ActionRequeue:
		err := h.tasks.Update(ctx, t.ID, task.Update{
			Status:           task.StatusPtr(task.StatusOpen),
			Assignee:         task.StringPtr(""),
			ExecutionSummary: task.StringPtr("Requeued after failure: " + out.Reason),
		})
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		h.publisher.Publish(events.New(events.KindTaskRequeued, h.projectID, t.ID, nil))

	case ActionDemote:
		err := h.tasks.Update(ctx, t.ID, task.Update{
			Status:           task.StatusPtr(task.StatusOpen),
			Priority:         task.PriorityPtr(out.NewPriority),
			Assignee:         task.StringPtr(""),
			ExecutionSummary: task.StringPtr("Demoted after repeated failures: " + out.Reason),
		})
		if err != nil {
			return fmt.Errorf("demote task: %w", err)
		}
		h.publisher.Publish(events.New(events.KindTaskDemoted, h.projectID, t.ID, map[string]any{
			"priority": int(out.NewPriority),
		}))
	}
	return nil
}

// cleanup disposes of the attempt's git state. In worktree mode the
// worktree always goes; the branch survives unless the task got a fresh
// start (demotion) or is parked (block). Single-checkout mode just reverts.
func (h *Handler) cleanup(taskID string, out Outcome) {
	if out.Action == ActionInfraRetry {
		return
	}
	switch h.gitMode {
	case project.GitModeWorktree:
		if err := h.git.RemoveTaskWorktree(taskID); err != nil {
			h.log.Warn("worktree cleanup failed", "task", taskID, "error", err)
		}
		if out.FreshBranch || out.Action == ActionBlock {
			if err := h.git.DeleteTaskBranch(taskID); err != nil {
				h.log.Warn("branch cleanup failed", "task", taskID, "error", err)
			}
		}
	case project.GitModeBranches:
		if err := h.git.RevertAndReturnToMain(); err != nil {
			h.log.Warn("revert to main failed", "task", taskID, "error", err)
		}
	}
}

func (h *Handler) comment(at Attempt, out Outcome, cumulative int) string {
	c := fmt.Sprintf("Attempt %d failed (%s): %s", cumulative, at.Type, out.Reason)
	return clipRunes(c, commentCap)
}
