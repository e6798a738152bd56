package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChangeSource says why a committed power state changed.
type ChangeSource string

const (
	// SourceProbe is a hardware read that disagreed with the record.
	SourceProbe ChangeSource = "probe"

	// SourcePending is a due pending transition being committed.
	SourcePending ChangeSource = "pending"

	// SourceCommandFailed is the belief being invalidated after an
	// actuation error.
	SourceCommandFailed ChangeSource = "command-failed"
)

// PowerChange describes one committed change of a record's power state.
type PowerChange struct {
	SystemID string       `json:"system_id"`
	Name     string       `json:"name"`
	From     PowerState   `json:"from"`
	To       PowerState   `json:"to"`
	Source   ChangeSource `json:"source"`
	At       time.Time    `json:"at"`
}

// HistoryEntry is one row of the power history log.
type HistoryEntry struct {
	ID         int64        `json:"id"`
	SystemID   string       `json:"system_id"`
	PowerState PowerState   `json:"power_state"`
	Source     ChangeSource `json:"source"`
	CreatedAt  time.Time    `json:"created_at"`
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryRepository is an append-only log of power changes.
type HistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistoryRepository returns a history log on db.
func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db, now: time.Now}
}

// PowerChanged appends c to the log. It satisfies the engine's observer
// contract, so the log can be attached directly.
func (r *HistoryRepository) PowerChanged(ctx context.Context, c PowerChange) error {
	if c.SystemID == "" {
		return fmt.Errorf("system id is required")
	}
	at := c.At
	if at.IsZero() {
		at = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		"INSERT INTO power_history (system_id, power_state, source, created_at) VALUES (?, ?, ?, ?)",
		c.SystemID, string(c.To), string(c.Source), at.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting power history: %w", err)
	}
	return nil
}

// History returns up to limit entries for systemID, newest first.
// limit <= 0 selects a default; large values are clamped.
func (r *HistoryRepository) History(ctx context.Context, systemID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, system_id, power_state, source, created_at
		 FROM power_history
		 WHERE system_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		systemID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying power history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		var state, source, createdAt string
		if err := rows.Scan(&e.ID, &e.SystemID, &state, &source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning power history: %w", err)
		}
		e.PowerState = PowerState(state)
		e.Source = ChangeSource(source)
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating power history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than olderThan and reports how many went.
func (r *HistoryRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM power_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting power history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
