package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultLimit = 50
	maxLimit     = 500

	// timeLayout is fixed-width so changed_at sorts lexically.
	timeLayout = "2006-01-02T15:04:05.000000Z"
)

// ErrNoReceiver is returned when a receiver id is missing.
var ErrNoReceiver = errors.New("history: receiver id is required")

// Entry is one attribute change.
type Entry struct {
	ID         int64     `json:"id"`
	ReceiverID string    `json:"receiver_id"`
	Attribute  string    `json:"attribute"`
	Value      any       `json:"value"`
	Previous   any       `json:"previous,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// Query selects history entries. Entries are returned newest first.
type Query struct {
	ReceiverID string
	Attribute  string    // optional
	Since      time.Time // optional, inclusive
	Limit      int       // default 50, max 500
}

// SQLiteRepository stores attribute changes in the state_history table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a history repository on an open database
// that has been migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// RecordStateChange inserts one change. A nil previous is stored as NULL.
func (r *SQLiteRepository) RecordStateChange(ctx context.Context, receiverID, attribute string, value, previous any, at time.Time) error {
	if receiverID == "" {
		return ErrNoReceiver
	}
	if attribute == "" {
		return fmt.Errorf("history: attribute is required")
	}
	if at.IsZero() {
		at = r.now()
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshalling value: %w", err)
	}
	var previousJSON *string
	if previous != nil {
		b, err := json.Marshal(previous)
		if err != nil {
			return fmt.Errorf("marshalling previous value: %w", err)
		}
		s := string(b)
		previousJSON = &s
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO state_history (receiver_id, attribute, value, previous, changed_at) VALUES (?, ?, ?, ?, ?)",
		receiverID,
		attribute,
		string(valueJSON),
		previousJSON,
		at.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// List returns entries for a receiver, newest first.
func (r *SQLiteRepository) List(ctx context.Context, q Query) ([]Entry, error) {
	if q.ReceiverID == "" {
		return nil, ErrNoReceiver
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}

	conditions := []string{"receiver_id = ?"}
	args := []any{q.ReceiverID}
	if q.Attribute != "" {
		conditions = append(conditions, "attribute = ?")
		args = append(args, q.Attribute)
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "changed_at >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	args = append(args, q.Limit)

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, receiver_id, attribute, value, previous, changed_at
		 FROM state_history
		 WHERE %s
		 ORDER BY changed_at DESC, id DESC
		 LIMIT ?`,
		strings.Join(conditions, " AND "),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, q.Limit)
	for rows.Next() {
		var e Entry
		var valueJSON string
		var previousJSON sql.NullString
		var changedAt string

		if err := rows.Scan(&e.ID, &e.ReceiverID, &e.Attribute, &valueJSON, &previousJSON, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(valueJSON), &e.Value); err != nil {
			return nil, fmt.Errorf("unmarshalling value: %w", err)
		}
		if previousJSON.Valid {
			if err := json.Unmarshal([]byte(previousJSON.String), &e.Previous); err != nil {
				return nil, fmt.Errorf("unmarshalling previous value: %w", err)
			}
		}
		e.ChangedAt, err = time.Parse(timeLayout, changedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing changed_at %q: %w", changedAt, err)
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// Prune deletes entries older than the retention window and returns the
// number of rows removed.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("history: olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE changed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
