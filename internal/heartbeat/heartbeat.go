// Package heartbeat tracks liveness of worktree-bound agents through small
// files rewritten on a fixed cadence. Absence or age beyond the staleness
// threshold marks a worktree orphaned and reclaimable.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

const (
	// Dir is the worktree-relative directory holding runtime-only state.
	Dir = ".opensprint/active"
	// FileName is the heartbeat file name inside Dir.
	FileName = "heartbeat.json"

	// StaleThreshold is the age beyond which a heartbeat is stale.
	StaleThreshold = 2 * time.Minute
	// WriteInterval is the rewrite cadence for live agents.
	WriteInterval = 30 * time.Second
)

// Record is the heartbeat file payload.
type Record struct {
	TaskID    string    `json:"task_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFresh reports whether the record is younger than the staleness threshold.
func (r Record) IsFresh() bool {
	return time.Since(r.UpdatedAt) < StaleThreshold
}

// Path returns the heartbeat file path for a worktree.
func Path(worktree string) string {
	return filepath.Join(worktree, Dir, FileName)
}

// Write writes the heartbeat for taskID into the worktree. The write is
// atomic (temp file + rename) so readers never observe a partial record.
func Write(worktree, taskID string) error {
	path := Path(worktree)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}

	data, err := json.Marshal(Record{TaskID: taskID, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Read parses the heartbeat in a worktree. Reads never take locks; a
// concurrent writer is invisible thanks to the atomic rename.
func Read(worktree string) (Record, error) {
	data, err := os.ReadFile(Path(worktree))
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return r, nil
}

// Fresh reports whether the worktree has a fresh heartbeat. A missing or
// unreadable file counts as stale.
func Fresh(worktree string) bool {
	r, err := Read(worktree)
	if err != nil {
		return false
	}
	return r.IsFresh()
}

// Stale identifies one orphaned worktree.
type Stale struct {
	TaskID string
	Path   string
}

// FindStale scans the worktree base directory and returns entries whose
// heartbeat is missing, unreadable, or older than the threshold. Directory
// names double as task identifiers when the heartbeat itself is unreadable.
func FindStale(base string) ([]Stale, error) {
	entries, err := os.ReadDir(base)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan worktree base: %w", err)
	}

	var stale []Stale
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wt := filepath.Join(base, entry.Name())
		r, err := Read(wt)
		if err != nil || !r.IsFresh() {
			taskID := r.TaskID
			if taskID == "" {
				taskID = entry.Name()
			}
			stale = append(stale, Stale{TaskID: taskID, Path: wt})
		}
	}
	return stale, nil
}

// Writer rewrites a worktree's heartbeat on the configured cadence until
// stopped. One writer per worktree; the agent's slot owns it.
type Writer struct {
	worktree string
	taskID   string
	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWriter creates a heartbeat writer for the worktree.
func NewWriter(worktree, taskID string) *Writer {
	return &Writer{
		worktree: worktree,
		taskID:   taskID,
		interval: WriteInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start writes one heartbeat immediately and then keeps rewriting in a
// goroutine. Write failures are ignored; the heartbeat goes stale and the
// orphan scanner reclaims the worktree, which is the intended failure mode.
func (w *Writer) Start() {
	_ = Write(w.worktree, w.taskID)
	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				_ = Write(w.worktree, w.taskID)
			}
		}
	}()
}

// Stop terminates the rewrite loop and waits for it to exit. Safe to call
// more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}
