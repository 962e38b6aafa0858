package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Counters persists the scheduler's done/failed totals so they survive a
// restart. One row per project.
type Counters struct {
	db *DB
}

// NewCounters returns the counter store backed by db.
func NewCounters(db *DB) *Counters {
	return &Counters{db: db}
}

// LoadCounters returns the persisted totals, zero when the project has no
// row yet.
func (c *Counters) LoadCounters(ctx context.Context, projectID string) (done, failed int, err error) {
	row := c.db.sql.QueryRowContext(ctx,
		`SELECT total_done, total_failed FROM scheduler_counters WHERE project_id = ?`, projectID)
	if err := row.Scan(&done, &failed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("load counters: %w", err)
	}
	return done, failed, nil
}

// SaveCounters upserts the totals for the project.
func (c *Counters) SaveCounters(ctx context.Context, projectID string, done, failed int) error {
	_, err := c.db.sql.ExecContext(ctx, `
		INSERT INTO scheduler_counters (project_id, total_done, total_failed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			total_done = excluded.total_done,
			total_failed = excluded.total_failed,
			updated_at = excluded.updated_at`,
		projectID, done, failed, now())
	if err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}
