// Package history records device state changes and connection status
// transitions in SQLite so the local API can show recent activity.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Page size limits for List queries.
const (
	defaultLimit = 50
	maxLimit     = 500
)

// timeLayout is fixed-width so recorded_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrEmptySubsystem is returned when a change is recorded without a
// subsystem.
var ErrEmptySubsystem = errors.New("history: subsystem is required")

// Change is one recorded subsystem payload.
type Change struct {
	ID         int64           `json:"id"`
	SiteID     string          `json:"site_id"`
	Subsystem  string          `json:"subsystem"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// StatusEvent is one recorded connection status transition.
type StatusEvent struct {
	ID         int64     `json:"id"`
	SiteID     string    `json:"site_id"`
	Status     string    `json:"status"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Generation uint64    `json:"generation"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Repository defines the history operations.
type Repository interface {
	RecordChange(ctx context.Context, c *Change) error
	ListChanges(ctx context.Context, subsystem string, limit int) ([]Change, error)
	RecordStatus(ctx context.Context, e *StatusEvent) error
	ListStatus(ctx context.Context, limit int) ([]StatusEvent, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// SQLiteRepository stores history in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordChange inserts c. ID and RecordedAt are filled in.
func (r *SQLiteRepository) RecordChange(ctx context.Context, c *Change) error {
	if c.Subsystem == "" {
		return ErrEmptySubsystem
	}
	if c.RecordedAt.IsZero() {
		c.RecordedAt = time.Now().UTC()
	}
	payload := c.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subsystem_history (site_id, subsystem, payload, recorded_at)
		 VALUES (?, ?, ?, ?)`,
		c.SiteID, c.Subsystem, string(payload), c.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting subsystem change: %w", err)
	}
	c.ID, _ = res.LastInsertId() //nolint:errcheck // sqlite always supports it
	return nil
}

// ListChanges returns the most recent changes of subsystem, newest first.
// An empty subsystem lists every subsystem.
func (r *SQLiteRepository) ListChanges(ctx context.Context, subsystem string, limit int) ([]Change, error) {
	limit = clampLimit(limit)

	query := `SELECT id, site_id, subsystem, payload, recorded_at FROM subsystem_history`
	args := []any{}
	if subsystem != "" {
		query += ` WHERE subsystem = ?`
		args = append(args, subsystem)
	}
	query += ` ORDER BY recorded_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subsystem history: %w", err)
	}
	defer rows.Close()

	out := make([]Change, 0)
	for rows.Next() {
		var c Change
		var payload, at string
		if err := rows.Scan(&c.ID, &c.SiteID, &c.Subsystem, &payload, &at); err != nil {
			return nil, fmt.Errorf("scanning subsystem history: %w", err)
		}
		c.Payload = json.RawMessage(payload)
		c.RecordedAt, _ = time.Parse(timeLayout, at) //nolint:errcheck // written by RecordChange
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subsystem history: %w", err)
	}
	return out, nil
}

// RecordStatus inserts e. ID and RecordedAt are filled in.
func (r *SQLiteRepository) RecordStatus(ctx context.Context, e *StatusEvent) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO status_events (site_id, status, state, detail, kind, generation, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SiteID, e.Status, e.State, e.Detail, e.Kind, int64(e.Generation), //nolint:gosec // generation counts connect attempts
		e.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting status event: %w", err)
	}
	e.ID, _ = res.LastInsertId() //nolint:errcheck // sqlite always supports it
	return nil
}

// ListStatus returns the most recent status events, newest first.
func (r *SQLiteRepository) ListStatus(ctx context.Context, limit int) ([]StatusEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, site_id, status, state, detail, kind, generation, recorded_at
		 FROM status_events ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying status events: %w", err)
	}
	defer rows.Close()

	out := make([]StatusEvent, 0)
	for rows.Next() {
		var e StatusEvent
		var gen int64
		var at string
		if err := rows.Scan(&e.ID, &e.SiteID, &e.Status, &e.State, &e.Detail, &e.Kind, &gen, &at); err != nil {
			return nil, fmt.Errorf("scanning status event: %w", err)
		}
		e.Generation = uint64(gen) //nolint:gosec // stored from a uint64
		e.RecordedAt, _ = time.Parse(timeLayout, at) //nolint:errcheck // written by RecordStatus
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status events: %w", err)
	}
	return out, nil
}

// Prune deletes every change and status event recorded before olderThan and
// returns the number of rows removed.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.UTC().Format(timeLayout)

	var total int64
	for _, table := range []string{"subsystem_history", "status_events"} {
		res, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE recorded_at < ?", cutoff) //nolint:gosec // table names are constants
		if err != nil {
			return total, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected() //nolint:errcheck // sqlite always supports it
		total += n
	}
	return total, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
