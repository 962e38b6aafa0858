package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CLIMerger drives a merger agent through the same CLI runner the coding
// agent uses. Resolution succeeds when the agent exits cleanly; the caller
// verifies and continues the underlying git operation.
type CLIMerger struct {
	runner Runner
	log    *slog.Logger
}

// NewCLIMerger wraps a runner as a Merger.
func NewCLIMerger(runner Runner, log *slog.Logger) *CLIMerger {
	if log == nil {
		log = slog.Default()
	}
	return &CLIMerger{runner: runner, log: log}
}

// ResolveConflicts invokes the merger agent in the conflicted directory.
func (m *CLIMerger) ResolveConflicts(ctx context.Context, req MergeRequest) (bool, error) {
	res, err := m.runner.Run(ctx, Invocation{
		Config:  req.Config,
		Prompt:  mergePrompt(req),
		WorkDir: req.WorkDir,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("merger agent: %w", err)
	}
	if res.Killed || res.ExitCode != 0 {
		m.log.Warn("merger agent gave up",
			"phase", req.Phase, "task", req.TaskID, "exit", res.ExitCode)
		return false, nil
	}
	return true, nil
}

func mergePrompt(req MergeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Resolve the git conflicts in this repository (%s in progress).\n", req.Phase)
	if req.TaskID != "" {
		fmt.Fprintf(&b, "The conflicting work belongs to task %s on branch %s.\n", req.TaskID, req.Branch)
	}
	if len(req.ConflictedFiles) > 0 {
		fmt.Fprintf(&b, "\nConflicted files:\n")
		for _, f := range req.ConflictedFiles {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	}
	b.WriteString("\nStage the resolved files. Do not commit, continue, or abort the operation.\n")
	if req.TestCommand != "" {
		fmt.Fprintf(&b, "Verify the resolution with: %s\n", req.TestCommand)
	}
	return b.String()
}
