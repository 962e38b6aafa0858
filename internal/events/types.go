// Package events provides the orchestrator event model, in-process fan-out,
// and the durable per-repository event log.
package events

import (
	"time"
)

// Kind classifies an event.
type Kind string

const (
	// KindTransition is a task state-machine transition.
	KindTransition Kind = "transition"
	// KindAgentSpawned indicates an agent subprocess was started.
	KindAgentSpawned Kind = "agent.spawned"
	// KindAgentCompleted indicates an agent attempt ended (any outcome).
	KindAgentCompleted Kind = "agent.completed"
	// KindTaskFailed indicates a failing attempt was recorded.
	KindTaskFailed Kind = "task.failed"
	// KindTaskRequeued indicates the task went back to the ready queue.
	KindTaskRequeued Kind = "task.requeued"
	// KindTaskDemoted indicates a priority demotion at the backoff threshold.
	KindTaskDemoted Kind = "task.demoted"
	// KindTaskBlocked indicates the task was blocked with a reason.
	KindTaskBlocked Kind = "task.blocked"
	// KindTaskCompleted indicates the task merged and closed.
	KindTaskCompleted Kind = "task.completed"
	// KindMergeFailed indicates a merge pipeline failure.
	KindMergeFailed Kind = "merge.failed"
	// KindPushSucceeded indicates origin/main was updated.
	KindPushSucceeded Kind = "push.succeeded"
	// KindPushFailed indicates a push attempt failed and will be retried.
	KindPushFailed Kind = "push.failed"
	// KindNotificationAdded indicates a human-facing notification was raised.
	KindNotificationAdded Kind = "notification.added"
)

// Event is one append-only record. Seq is assigned by the persistent log;
// events that never reach the log carry Seq zero.
type Event struct {
	Seq       int64          `json:"seq,omitempty"`
	Time      time.Time      `json:"time"`
	ProjectID string         `json:"project_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Kind      Kind           `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current time.
func New(kind Kind, projectID, taskID string, data map[string]any) Event {
	return Event{
		Time:      time.Now(),
		ProjectID: projectID,
		TaskID:    taskID,
		Kind:      kind,
		Data:      data,
	}
}
