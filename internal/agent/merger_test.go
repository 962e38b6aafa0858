package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	res    *Result
	err    error
	lastIn Invocation
}

func (r *scriptedRunner) Run(_ context.Context, inv Invocation, _ func(Chunk)) (*Result, error) {
	r.lastIn = inv
	return r.res, r.err
}

func TestCLIMergerResolved(t *testing.T) {
	runner := &scriptedRunner{res: &Result{ExitCode: 0}}
	m := NewCLIMerger(runner, nil)

	resolved, err := m.ResolveConflicts(context.Background(), MergeRequest{
		Phase:           PhasePushRebase,
		TaskID:          "T-1",
		Branch:          "opensprint/T-1",
		WorkDir:         "/tmp/repo",
		ConflictedFiles: []string{"a.go", "b.go"},
		TestCommand:     "go test ./...",
	})
	require.NoError(t, err)
	assert.True(t, resolved)

	assert.Equal(t, "/tmp/repo", runner.lastIn.WorkDir)
	assert.Contains(t, runner.lastIn.Prompt, "push_rebase")
	assert.Contains(t, runner.lastIn.Prompt, "a.go")
	assert.Contains(t, runner.lastIn.Prompt, "go test ./...")
	assert.Contains(t, runner.lastIn.Prompt, "T-1")
}

func TestCLIMergerGivesUpOnNonzeroExit(t *testing.T) {
	m := NewCLIMerger(&scriptedRunner{res: &Result{ExitCode: 1}}, nil)

	resolved, err := m.ResolveConflicts(context.Background(), MergeRequest{Phase: PhaseMergeToMain})
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestCLIMergerGivesUpWhenKilled(t *testing.T) {
	m := NewCLIMerger(&scriptedRunner{res: &Result{Killed: true}}, nil)

	resolved, err := m.ResolveConflicts(context.Background(), MergeRequest{Phase: PhasePushRebase})
	require.NoError(t, err)
	assert.False(t, resolved)
}

func TestCLIMergerPropagatesRunError(t *testing.T) {
	m := NewCLIMerger(&scriptedRunner{err: errors.New("spawn failed")}, nil)

	_, err := m.ResolveConflicts(context.Background(), MergeRequest{})
	assert.ErrorContains(t, err, "spawn failed")
}
