package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. It backs tests and single-process
// deployments where the platform task store is not wired in.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	comments map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		comments: make(map[string][]string),
	}
}

// Put inserts or replaces a task. Intended for seeding.
func (s *MemoryStore) Put(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.tasks[cp.ID] = &cp
}

// Show returns a copy of the task.
func (s *MemoryStore) Show(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("show %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

// ListAll returns all tasks ordered by ID.
func (s *MemoryStore) ListAll(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListInProgressWithAgentAssignee filters for orphan recovery.
func (s *MemoryStore) ListInProgressWithAgentAssignee(ctx context.Context) ([]*Task, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range all {
		if t.Status == StatusInProgress && t.Assignee == AgentAssignee {
			out = append(out, t)
		}
	}
	return out, nil
}

// Update applies a partial mutation.
func (s *MemoryStore) Update(_ context.Context, id string, upd Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.Priority != nil {
		t.Priority = *upd.Priority
	}
	if upd.Assignee != nil {
		t.Assignee = *upd.Assignee
	}
	if upd.ExecutionSummary != nil {
		t.ExecutionSummary = *upd.ExecutionSummary
	}
	if upd.BlockReason != nil {
		t.BlockReason = *upd.BlockReason
	}
	t.UpdatedAt = time.Now()
	return nil
}

// Comment appends a discussion comment.
func (s *MemoryStore) Comment(_ context.Context, id, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("comment %s: %w", id, ErrNotFound)
	}
	s.comments[id] = append(s.comments[id], body)
	return nil
}

// Comments returns the comments recorded for a task.
func (s *MemoryStore) Comments(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.comments[id]...)
}

// Close marks the task closed and clears its assignee.
func (s *MemoryStore) Close(_ context.Context, id, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	t.Status = StatusClosed
	t.Assignee = ""
	t.ExecutionSummary = summary
	t.UpdatedAt = time.Now()
	return nil
}

// SetAttempts persists the cumulative attempt counter. The counter is
// monotonic: lower values are ignored.
func (s *MemoryStore) SetAttempts(_ context.Context, id string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("set attempts %s: %w", id, ErrNotFound)
	}
	if attempts > t.Attempts {
		t.Attempts = attempts
	}
	return nil
}

// Attempts reads the cumulative attempt counter.
func (s *MemoryStore) Attempts(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return 0, fmt.Errorf("attempts %s: %w", id, ErrNotFound)
	}
	return t.Attempts, nil
}

// SetConflictFiles records merge conflict files.
func (s *MemoryStore) SetConflictFiles(_ context.Context, id string, files []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("set conflict files %s: %w", id, ErrNotFound)
	}
	t.ConflictFiles = append([]string(nil), files...)
	return nil
}

// SetMergeStage records the merge pipeline stage of the last conflict.
func (s *MemoryStore) SetMergeStage(_ context.Context, id, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("set merge stage %s: %w", id, ErrNotFound)
	}
	t.MergeStage = stage
	return nil
}
