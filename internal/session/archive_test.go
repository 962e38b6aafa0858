package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArchive(t *testing.T) (*Archive, *MemoryIndex, string) {
	t.Helper()
	repo := t.TempDir()
	idx := NewMemoryIndex()
	return NewArchive("p1", repo, idx), idx, repo
}

func TestArchiveWritesRecord(t *testing.T) {
	a, _, repo := newTestArchive(t)

	s := New("T-1", 1, "simple", "model-a")
	s.Status = StatusApproved
	s.OutputLog = "all good"
	s.Summary = "Implemented and tested"
	require.NoError(t, a.Archive(context.Background(), s))

	path := filepath.Join(repo, Dir, "T-1-1", FileName)
	assert.FileExists(t, path)

	sessions, err := a.ByTask("T-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, StatusApproved, sessions[0].Status)
	assert.Equal(t, "all good", sessions[0].OutputLog)
	assert.NotEmpty(t, sessions[0].ID)
	assert.False(t, sessions[0].EndedAt.IsZero())
	assert.False(t, sessions[0].Truncated)
}

func TestTruncationUsesPercentileOfPriors(t *testing.T) {
	a, idx, _ := newTestArchive(t)

	// Prior sessions with output sizes 500 and 100: p95 is 500.
	require.NoError(t, idx.RecordLengths(context.Background(), "p1", 500, 500))
	require.NoError(t, idx.RecordLengths(context.Background(), "p1", 100, 100))

	s := New("T-2", 1, "simple", "")
	s.Status = StatusFailed
	s.OutputLog = strings.Repeat("x", 3000)
	require.NoError(t, a.Archive(context.Background(), s))

	sessions, err := a.ByTask("T-2")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	got := sessions[0].OutputLog
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.LessOrEqual(t, len(got), 500+len(TruncationMarker))
	assert.True(t, sessions[0].Truncated)
}

func TestNoMarkerWhenUnderThreshold(t *testing.T) {
	a, _, _ := newTestArchive(t)

	s := New("T-3", 1, "complex", "")
	s.Status = StatusFailed
	s.OutputLog = "short"
	s.GitDiff = "tiny diff"
	require.NoError(t, a.Archive(context.Background(), s))

	sessions, err := a.ByTask("T-3")
	require.NoError(t, err)
	assert.False(t, strings.Contains(sessions[0].OutputLog, TruncationMarker))
	assert.False(t, strings.Contains(sessions[0].GitDiff, TruncationMarker))
}

func TestDefaultCapWithoutPriors(t *testing.T) {
	a, _, _ := newTestArchive(t)

	s := New("T-4", 1, "simple", "")
	s.Status = StatusFailed
	s.OutputLog = strings.Repeat("y", DefaultCap+1000)
	require.NoError(t, a.Archive(context.Background(), s))

	sessions, err := a.ByTask("T-4")
	require.NoError(t, err)
	assert.Len(t, sessions[0].OutputLog, DefaultCap+len(TruncationMarker))
}

func TestByTaskOrdersAttemptsAscending(t *testing.T) {
	a, _, _ := newTestArchive(t)

	for _, attempt := range []int{3, 1, 2} {
		s := New("T-5", attempt, "simple", "")
		s.Status = StatusFailed
		require.NoError(t, a.Archive(context.Background(), s))
	}

	sessions, err := a.ByTask("T-5")
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, 1, sessions[0].Attempt)
	assert.Equal(t, 2, sessions[1].Attempt)
	assert.Equal(t, 3, sessions[2].Attempt)
}

func TestByTaskIgnoresOtherTasksWithSamePrefix(t *testing.T) {
	a, _, _ := newTestArchive(t)

	s := New("T-1", 1, "simple", "")
	s.Status = StatusFailed
	require.NoError(t, a.Archive(context.Background(), s))

	other := New("T-1-extra", 1, "simple", "")
	other.Status = StatusFailed
	require.NoError(t, a.Archive(context.Background(), other))

	sessions, err := a.ByTask("T-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "T-1", sessions[0].TaskID)
}

func TestAllGroupsByTask(t *testing.T) {
	a, _, _ := newTestArchive(t)

	for _, tc := range []struct {
		task    string
		attempt int
	}{
		{"T-6", 1}, {"T-6", 2}, {"T-7", 1},
	} {
		s := New(tc.task, tc.attempt, "simple", "")
		s.Status = StatusFailed
		require.NoError(t, a.Archive(context.Background(), s))
	}

	grouped, err := a.All()
	require.NoError(t, err)
	assert.Len(t, grouped["T-6"], 2)
	assert.Len(t, grouped["T-7"], 1)
	assert.Equal(t, 1, grouped["T-6"][0].Attempt)
}

func TestByTaskEmptyArchive(t *testing.T) {
	a, _, _ := newTestArchive(t)
	sessions, err := a.ByTask("nope")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestUnreadableRecordSkipped(t *testing.T) {
	a, _, repo := newTestArchive(t)

	s := New("T-8", 1, "simple", "")
	s.Status = StatusFailed
	require.NoError(t, a.Archive(context.Background(), s))

	bad := filepath.Join(repo, Dir, "T-8-2")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, FileName), []byte("{corrupt"), 0o644))

	sessions, err := a.ByTask("T-8")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Attempt)
}
