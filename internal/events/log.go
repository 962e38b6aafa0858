package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Log is the durable append-only event log for one repository. Records are
// JSON lines with monotonically increasing sequence numbers, so a subscriber
// can resume from any cursor after a disconnect or restart.
type Log struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	nexSeq int64
}

// OpenLog opens (or creates) the event log at path and recovers the next
// sequence number from the last record.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	last, err := lastSeq(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &Log{path: path, file: f, nexSeq: last + 1}, nil
}

// lastSeq scans the log for the highest sequence number. A fresh or missing
// log yields zero. Corrupt trailing lines (from a crash mid-append) are
// skipped rather than fatal.
func lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var last int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan event log: %w", err)
	}
	return last, nil
}

// Append assigns the next sequence number and writes the record. The
// returned event carries the assigned Seq.
func (l *Log) Append(e Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Seq = l.nexSeq
	data, err := json.Marshal(e)
	if err != nil {
		return e, fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return e, fmt.Errorf("append event: %w", err)
	}
	l.nexSeq++
	return e, nil
}

// ReplaySince returns all records with Seq > cursor in log order. Cursor
// zero replays the whole log.
func (l *Log) ReplaySince(cursor int64) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.Seq > cursor {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}

// Close releases the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// PersistentPublisher fans events out in memory and appends them to the
// durable log. Log failures are logged and swallowed: losing a durable
// record must never block the scheduler.
type PersistentPublisher struct {
	inner  *MemoryPublisher
	log    *Log
	logger *slog.Logger
}

// NewPersistentPublisher wires a memory publisher to a durable log.
func NewPersistentPublisher(log *Log, logger *slog.Logger, opts ...PublisherOption) *PersistentPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistentPublisher{
		inner:  NewMemoryPublisher(opts...),
		log:    log,
		logger: logger,
	}
}

// Publish appends to the log first so subscribers observe the assigned Seq,
// then fans out in memory.
func (p *PersistentPublisher) Publish(event Event) {
	if p.log != nil {
		stamped, err := p.log.Append(event)
		if err != nil {
			p.logger.Error("event log append failed", "kind", event.Kind, "task_id", event.TaskID, "error", err)
		} else {
			event = stamped
		}
	}
	p.inner.Publish(event)
}

// Subscribe delegates to the in-memory publisher.
func (p *PersistentPublisher) Subscribe(taskID string) <-chan Event {
	return p.inner.Subscribe(taskID)
}

// Unsubscribe delegates to the in-memory publisher.
func (p *PersistentPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.inner.Unsubscribe(taskID, ch)
}

// ReplaySince exposes the durable log's replay.
func (p *PersistentPublisher) ReplaySince(cursor int64) ([]Event, error) {
	if p.log == nil {
		return nil, nil
	}
	return p.log.ReplaySince(cursor)
}

// Close shuts down fan-out and the log.
func (p *PersistentPublisher) Close() {
	p.inner.Close()
	if p.log != nil {
		_ = p.log.Close()
	}
}
