package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensprint/opensprint/internal/events"
)

// Events mirrors the append-only event log into sqlite so the CLI can run
// filtered queries (by task, by kind) without scanning the JSONL log.
type Events struct {
	db  *DB
	log *slog.Logger
}

// NewEvents returns the event mirror backed by db.
func NewEvents(db *DB, log *slog.Logger) *Events {
	if log == nil {
		log = slog.Default()
	}
	return &Events{db: db, log: log}
}

// Record inserts one event. Mirror writes are best-effort for callers; the
// JSONL log remains the source of truth.
func (s *Events) Record(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("{}")
	}
	_, err = s.db.sql.ExecContext(ctx, `
		INSERT INTO event_mirror (log_seq, project_id, task_id, kind, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ProjectID, e.TaskID, e.Kind, string(data),
		e.Time.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mirror event: %w", err)
	}
	return nil
}

// Query describes an event mirror lookup. Zero fields are unconstrained.
type Query struct {
	TaskID   string
	Kind     events.Kind
	SinceSeq int64
	Limit    int
}

// Find returns matching events oldest first.
func (s *Events) Find(ctx context.Context, q Query) ([]events.Event, error) {
	where := "log_seq > ?"
	args := []any{q.SinceSeq}
	if q.TaskID != "" {
		where += " AND task_id = ?"
		args = append(args, q.TaskID)
	}
	if q.Kind != "" {
		where += " AND kind = ?"
		args = append(args, q.Kind)
	}
	query := `SELECT log_seq, project_id, task_id, kind, data, created_at
		FROM event_mirror WHERE ` + where + ` ORDER BY seq`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var data, createdAt string
		if err := rows.Scan(&e.Seq, &e.ProjectID, &e.TaskID, &e.Kind, &data, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			e.Data = nil
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Mirror subscribes to the publisher's global stream and records every
// event until ctx is cancelled. Run it in its own goroutine.
func (s *Events) Mirror(ctx context.Context, pub events.Publisher) {
	ch := pub.Subscribe(events.GlobalTaskID)
	defer pub.Unsubscribe(events.GlobalTaskID, ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Record(ctx, e); err != nil {
				s.log.Warn("event mirror write failed", "kind", e.Kind, "error", err)
			}
		}
	}
}
