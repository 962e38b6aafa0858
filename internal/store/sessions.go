package store

import (
	"context"
	"fmt"
)

// Sessions is the sqlite session.Index. It keeps only the stored field
// lengths; the session records themselves live as JSON files under the
// project repository.
type Sessions struct {
	db *DB
}

// NewSessions returns the session index backed by db.
func NewSessions(db *DB) *Sessions {
	return &Sessions{db: db}
}

// PriorLengths returns the stored OutputLog and GitDiff lengths of
// previously archived sessions for the project, oldest first.
func (s *Sessions) PriorLengths(ctx context.Context, projectID string) (outputs, diffs []int, err error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT output_len, diff_len FROM session_index WHERE project_id = ? ORDER BY id`,
		projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("prior session lengths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var out, diff int
		if err := rows.Scan(&out, &diff); err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, out)
		diffs = append(diffs, diff)
	}
	return outputs, diffs, rows.Err()
}

// RecordLengths registers a newly archived session's stored lengths.
func (s *Sessions) RecordLengths(ctx context.Context, projectID string, outputLen, diffLen int) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO session_index (project_id, output_len, diff_len, created_at) VALUES (?, ?, ?, ?)`,
		projectID, outputLen, diffLen, now())
	if err != nil {
		return fmt.Errorf("record session lengths: %w", err)
	}
	return nil
}
