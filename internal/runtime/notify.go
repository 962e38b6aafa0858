package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/store"
)

// notifier implements agent.NotificationService on top of task comments
// and log lines. Deployments with a real notification channel replace it.
type notifier struct {
	projectID string
	tasks     *store.Tasks
	log       *slog.Logger
}

var _ agent.NotificationService = (*notifier)(nil)

func newNotifier(projectID string, tasks *store.Tasks, log *slog.Logger) *notifier {
	return &notifier{projectID: projectID, tasks: tasks, log: log}
}

// Notify routes a failure-path notification to the matching service call.
func (n *notifier) Notify(ctx context.Context, kind, taskID, message string) error {
	switch kind {
	case "api_blocked":
		return n.CreateAPIBlocked(ctx, n.projectID, taskID, message)
	case "hil_approval":
		return n.CreateHILApproval(ctx, n.projectID, taskID, message)
	}
	return n.record(ctx, kind, taskID, message)
}

// CreateAPIBlocked reports a provider-level refusal to the operator.
func (n *notifier) CreateAPIBlocked(ctx context.Context, _, taskID, message string) error {
	return n.record(ctx, "api_blocked", taskID, message)
}

// CreateHILApproval asks the operator to approve a blocked task by hand.
func (n *notifier) CreateHILApproval(ctx context.Context, _, taskID, message string) error {
	return n.record(ctx, "hil_approval", taskID, message)
}

func (n *notifier) record(ctx context.Context, kind, taskID, message string) error {
	n.log.Warn("operator notification",
		"kind", kind, "project", n.projectID, "task", taskID, "message", message)
	if taskID == "" {
		return nil
	}
	if err := n.tasks.Comment(ctx, taskID, fmt.Sprintf("[%s] %s", kind, message)); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}
