// Package audit records the commands dispatched to the receiver, whether
// they came over MQTT or the HTTP API, together with their outcome.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
)

// Outcomes stored in the outcome column.
const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Page size bounds for List.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Entry is one audited command.
type Entry struct {
	ID         string         `json:"id"`
	CommandID  string         `json:"command_id"`
	ReceiverID string         `json:"receiver_id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Source     string         `json:"source"`
	Outcome    string         `json:"outcome"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Message    string         `json:"message,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	ReceiverID string // optional
	Command    string // optional
	Outcome    string // optional: accepted or failed
	Limit      int    // default 50, max 200
	Offset     int
}

// ListResult contains a page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// SQLiteRepository stores audit entries in the command_audit table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// AuditCommand records a dispatched command and its acknowledgment.
// It satisfies the bridge's CommandAuditor.
func (r *SQLiteRepository) AuditCommand(ctx context.Context, cmd jblav.CommandMessage, ack jblav.AckMessage) error {
	e := &Entry{
		CommandID:  ack.CommandID,
		ReceiverID: ack.DeviceID,
		Command:    strings.ToLower(ack.Command),
		Parameters: cmd.Parameters,
		Source:     cmd.Source,
		Outcome:    OutcomeAccepted,
		CreatedAt:  ack.Timestamp,
	}
	if ack.Error != nil {
		e.Outcome = OutcomeFailed
		e.ErrorCode = ack.Error.Code
		e.Message = ack.Error.Message
	}
	return r.Create(ctx, e)
}

// Create inserts an entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Source == "" {
		e.Source = "mqtt"
	}

	var paramsJSON *string
	if len(e.Parameters) > 0 {
		b, err := json.Marshal(e.Parameters)
		if err != nil {
			return fmt.Errorf("marshalling parameters: %w", err)
		}
		s := string(b)
		paramsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit (id, command_id, receiver_id, command, parameters, source, outcome, error_code, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CommandID, e.ReceiverID, e.Command, paramsJSON, e.Source, e.Outcome,
		nullableString(e.ErrorCode), nullableString(e.Message),
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// nullableString maps "" to NULL for nullable TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit // dynamic WHERE assembly from filter fields
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.ReceiverID != "" {
		conditions = append(conditions, "receiver_id = ?")
		args = append(args, filter.ReceiverID)
	}
	if filter.Command != "" {
		conditions = append(conditions, "command = ?")
		args = append(args, strings.ToLower(filter.Command))
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, filter.Outcome)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_audit %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, command_id, receiver_id, command, parameters, source, outcome, error_code, message, created_at
		 FROM command_audit %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var params, errorCode, message sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.CommandID, &e.ReceiverID, &e.Command, &params,
			&e.Source, &e.Outcome, &errorCode, &message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.ErrorCode = errorCode.String
		e.Message = message.String
		if params.Valid && params.String != "" {
			var p map[string]any
			if json.Unmarshal([]byte(params.String), &p) == nil {
				e.Parameters = p
			}
		}
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes entries older than the retention window.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := r.db.ExecContext(ctx, "DELETE FROM command_audit WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting audit entries: %w", err)
	}
	return result.RowsAffected()
}
