// Package failure classifies failed attempts and decides what happens to
// the task next: retry, requeue, demote, or block.
package failure

// Type categorizes why an attempt failed.
type Type string

const (
	TypeCodingFailure   Type = "coding_failure"
	TypeReviewRejection Type = "review_rejection"
	TypeNoResult        Type = "no_result"
	TypeTimeout         Type = "timeout"
	TypeAgentCrash      Type = "agent_crash"
	TypeMergeConflict   Type = "merge_conflict"
)

// Infrastructure reports whether the failure is environmental rather than a
// problem with the agent's work. Infrastructure failures get free retries on
// the same branch before the normal backoff ladder applies.
func (t Type) Infrastructure() bool {
	switch t {
	case TypeAgentCrash, TypeTimeout, TypeMergeConflict:
		return true
	}
	return false
}

// BlockTitle is the human-readable block reason for a failure type.
func (t Type) BlockTitle() string {
	switch t {
	case TypeCodingFailure:
		return "Coding Failure"
	case TypeReviewRejection:
		return "Review Rejection"
	case TypeNoResult:
		return "No Result"
	case TypeTimeout:
		return "Timeout"
	case TypeAgentCrash:
		return "Agent Crash"
	case TypeMergeConflict:
		return "Merge Conflict"
	}
	return "Failure"
}

const (
	// BackoffThreshold is the attempt count multiple at which a task is
	// demoted (or blocked at max priority) instead of plainly requeued.
	BackoffThreshold = 5

	// InfraRetryLimit caps free same-branch retries for infrastructure
	// failures within one scheduling cycle.
	InfraRetryLimit = 2

	// ReasonCap bounds the enriched failure reason.
	ReasonCap = 1200
)
