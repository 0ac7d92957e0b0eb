package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendSyncLog writes one immutable audit record of a propagation
// attempt.
func (s *Store) AppendSyncLog(ctx context.Context, entry *SyncLog) error {
	var calendarID any
	if entry.CalendarID != 0 {
		calendarID = entry.CalendarID
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_logs (calendar_id, event_type, event_id, message, error_details)
		 VALUES (?, ?, ?, ?, ?)`,
		calendarID, entry.EventType, nullString(entry.EventID),
		nullString(entry.Message), nullString(entry.ErrorDetails))
	if err != nil {
		return fmt.Errorf("store: appending sync log: %w", err)
	}

	return nil
}

// ListSyncLogs returns the most recent audit records for a calendar,
// newest first. Used by diagnostics endpoints and tests.
func (s *Store) ListSyncLogs(ctx context.Context, calendarID int64, limit int) ([]SyncLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, calendar_id, event_type, event_id, message, error_details, created_at
		 FROM sync_logs WHERE calendar_id = ?
		 ORDER BY id DESC LIMIT ?`,
		calendarID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing sync logs: %w", err)
	}
	defer rows.Close()

	var logs []SyncLog

	for rows.Next() {
		var l SyncLog
		var calID sql.NullInt64
		var eventID, message, details, created sql.NullString

		if err := rows.Scan(&l.ID, &calID, &l.EventType, &eventID, &message, &details, &created); err != nil {
			return nil, fmt.Errorf("store: scanning sync log: %w", err)
		}

		l.CalendarID = calID.Int64
		l.EventID = eventID.String
		l.Message = message.String
		l.ErrorDetails = details.String

		if l.CreatedAt, err = parseTime(created.String); err != nil {
			return nil, err
		}

		logs = append(logs, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: listing sync logs: %w", err)
	}

	return logs, nil
}
