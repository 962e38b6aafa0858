package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// Dir is the session archive directory relative to a project repo.
	Dir = ".opensprint/sessions"

	// FileName is the record file inside each attempt directory.
	FileName = "session.json"

	// DefaultCap bounds OutputLog and GitDiff when no prior sessions
	// exist to derive a percentile from.
	DefaultCap = 100 * 1024

	// TruncationMarker is appended to a field exactly when it was capped.
	TruncationMarker = "\n\n... [truncated]"
)

// Index supplies historical field lengths for the truncation percentile and
// receives the lengths of newly archived sessions. The sqlite store provides
// the durable implementation; MemoryIndex backs tests.
type Index interface {
	// PriorLengths returns the stored OutputLog and GitDiff lengths of
	// previously archived sessions for the project.
	PriorLengths(ctx context.Context, projectID string) (outputs, diffs []int, err error)

	// RecordLengths registers a newly archived session's stored lengths.
	RecordLengths(ctx context.Context, projectID string, outputLen, diffLen int) error
}

// Archive persists session records under a project repository and applies
// the truncation policy on the way in.
type Archive struct {
	projectID string
	baseDir   string
	index     Index
	log       *slog.Logger
}

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Archive) {
		a.log = log
	}
}

// NewArchive creates an archive rooted at <repoPath>/.opensprint/sessions.
func NewArchive(projectID, repoPath string, index Index, opts ...Option) *Archive {
	a := &Archive{
		projectID: projectID,
		baseDir:   filepath.Join(repoPath, Dir),
		index:     index,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// attemptDir returns the directory for one task attempt.
func (a *Archive) attemptDir(taskID string, attempt int) string {
	return filepath.Join(a.baseDir, fmt.Sprintf("%s-%d", taskID, attempt))
}

// Archive caps the session's bulk fields at the 95th percentile of prior
// sessions' stored lengths (DefaultCap when there are none), stamps EndedAt
// if unset, and writes the record atomically. The index update afterwards is
// best-effort; a failed index write does not fail the archive.
func (a *Archive) Archive(ctx context.Context, s *Session) error {
	outputs, diffs, err := a.index.PriorLengths(ctx, a.projectID)
	if err != nil {
		a.log.Warn("prior session lengths unavailable, using default cap", "error", err)
	}

	s.OutputLog, s.Truncated = truncate(s.OutputLog, capFor(outputs))
	var diffTruncated bool
	s.GitDiff, diffTruncated = truncate(s.GitDiff, capFor(diffs))
	s.Truncated = s.Truncated || diffTruncated

	if s.EndedAt.IsZero() {
		s.EndedAt = time.Now().UTC()
	}

	dir := a.attemptDir(s.TaskID, s.Attempt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, FileName), data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	if err := a.index.RecordLengths(ctx, a.projectID, len(s.OutputLog), len(s.GitDiff)); err != nil {
		a.log.Warn("session index update failed", "task", s.TaskID, "error", err)
	}

	a.log.Info("session archived",
		"task", s.TaskID, "attempt", s.Attempt, "status", s.Status, "truncated", s.Truncated)
	return nil
}

// ByTask returns the archived sessions for a task, attempts ascending.
func (a *Archive) ByTask(taskID string) ([]*Session, error) {
	entries, err := os.ReadDir(a.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	var sessions []*Session
	prefix := taskID + "-"
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimPrefix(entry.Name(), prefix)); err != nil {
			// A different task whose ID extends this one.
			continue
		}
		s, err := a.read(entry.Name())
		if err != nil {
			a.log.Warn("unreadable session record skipped", "dir", entry.Name(), "error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Attempt < sessions[j].Attempt
	})
	return sessions, nil
}

// All returns every archived session grouped by task, attempts ascending
// within each group.
func (a *Archive) All() (map[string][]*Session, error) {
	entries, err := os.ReadDir(a.baseDir)
	if os.IsNotExist(err) {
		return map[string][]*Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read archive dir: %w", err)
	}

	grouped := make(map[string][]*Session)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		s, err := a.read(entry.Name())
		if err != nil {
			continue
		}
		grouped[s.TaskID] = append(grouped[s.TaskID], s)
	}
	for _, group := range grouped {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Attempt < group[j].Attempt
		})
	}
	return grouped, nil
}

func (a *Archive) read(dirName string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(a.baseDir, dirName, FileName))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// capFor derives the truncation threshold from prior lengths using the
// nearest-rank 95th percentile.
func capFor(lengths []int) int {
	if len(lengths) == 0 {
		return DefaultCap
	}
	sorted := make([]int, len(lengths))
	copy(sorted, lengths)
	sort.Ints(sorted)
	rank := int(math.Ceil(0.95 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// truncate caps s at limit and appends the marker iff it actually cut.
func truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit] + TruncationMarker, true
}

// MemoryIndex is an in-memory Index for tests and single-run tooling.
type MemoryIndex struct {
	mu      sync.Mutex
	outputs map[string][]int
	diffs   map[string][]int
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		outputs: make(map[string][]int),
		diffs:   make(map[string][]int),
	}
}

func (m *MemoryIndex) PriorLengths(_ context.Context, projectID string) ([]int, []int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.outputs[projectID]...), append([]int(nil), m.diffs[projectID]...), nil
}

func (m *MemoryIndex) RecordLengths(_ context.Context, projectID string, outputLen, diffLen int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[projectID] = append(m.outputs[projectID], outputLen)
	m.diffs[projectID] = append(m.diffs[projectID], diffLen)
	return nil
}
