package failure

import (
	"github.com/opensprint/opensprint/internal/task"
)

// Action is what happens to the task after a failed attempt.
type Action string

const (
	// ActionBlock parks the task for a human; no further dispatch.
	ActionBlock Action = "block"

	// ActionInfraRetry re-dispatches immediately on the same branch
	// without consuming a backoff step.
	ActionInfraRetry Action = "infra_retry"

	// ActionRequeue reopens the task, keeping its branch and priority.
	ActionRequeue Action = "requeue"

	// ActionDemote reopens the task one priority lower with a fresh
	// branch.
	ActionDemote Action = "demote"
)

// Input is everything the decision needs about a failed attempt.
type Input struct {
	Type      Type
	Reason    string
	OutputLog string

	// CumulativeAttempts counts all attempts including the failed one.
	CumulativeAttempts int

	Priority task.Priority

	// InfraRetries counts infrastructure retries already consumed in the
	// current scheduling cycle.
	InfraRetries int
}

// Outcome is the policy decision plus the derived metadata side effects
// need.
type Outcome struct {
	Action      Action
	Reason      string // enriched failure reason
	Diagnosed   bool   // no-result matched an unrecoverable cause
	FreshBranch bool   // branch must be deleted and recreated from main
	NewPriority task.Priority
	BlockReason string

	// APIBlock is set when the reason matches a provider-level refusal.
	APIBlock   APIBlockKind
	APIBlocked bool
}

// Decide applies the failure policy. Precedence: a diagnosed no-result
// blocks outright; infrastructure failures get free retries; off-threshold
// attempts requeue plainly; at a backoff threshold the task is demoted, or
// blocked when already at the lowest priority.
func Decide(in Input) Outcome {
	out := Outcome{
		Reason:      in.Reason,
		NewPriority: in.Priority,
	}

	if in.Type == TypeNoResult {
		out.Reason = EnrichReason(in.Reason, in.OutputLog)
		out.Diagnosed = Diagnosed(out.Reason)
	}
	// Provider refusals only surface through the agent's own exit: a review
	// rejection or crash dump that merely quotes rate-limit or billing text
	// must not mark the provider exhausted.
	if in.Type == TypeNoResult || in.Type == TypeAgentCrash {
		out.APIBlock, out.APIBlocked = ClassifyAPIBlock(out.Reason)
	}

	switch {
	case out.Diagnosed:
		out.Action = ActionBlock
		out.BlockReason = in.Type.BlockTitle()
	case in.Type.Infrastructure() && in.InfraRetries < InfraRetryLimit:
		out.Action = ActionInfraRetry
	case in.CumulativeAttempts%BackoffThreshold != 0:
		out.Action = ActionRequeue
	case in.Priority >= task.PriorityLowest:
		out.Action = ActionBlock
		out.BlockReason = in.Type.BlockTitle()
	default:
		out.Action = ActionDemote
		out.NewPriority = in.Priority + 1
		out.FreshBranch = true
	}
	return out
}
