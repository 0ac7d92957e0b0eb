package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const syncEventColumns = `id, source_calendar_id, source_event_id, target_calendar_id,
	target_event_id, event_title, event_start, event_end, is_deleted`

func scanSyncEvent(row interface{ Scan(...any) error }) (*SyncEvent, error) {
	var e SyncEvent
	var title, start, end sql.NullString

	err := row.Scan(&e.ID, &e.SourceCalendarID, &e.SourceEventID, &e.TargetCalendarID,
		&e.TargetEventID, &title, &start, &end, &e.IsDeleted)
	if err != nil {
		return nil, err
	}

	e.EventTitle = title.String
	e.EventStart = start.String
	e.EventEnd = end.String

	return &e, nil
}

// GetSyncEvent looks up the ledger entry for one (source calendar,
// source event, target calendar) key. Returns ErrNotFound when the
// event has never been mirrored to that target.
func (s *Store) GetSyncEvent(ctx context.Context, sourceCalendarID int64, sourceEventID string, targetCalendarID int64) (*SyncEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+syncEventColumns+` FROM sync_events
		 WHERE source_calendar_id = ? AND source_event_id = ? AND target_calendar_id = ?`,
		sourceCalendarID, sourceEventID, targetCalendarID)

	e, err := scanSyncEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: fetching sync event: %w", err)
	}

	return e, nil
}

// HasSyncEventsForSource reports whether any target has a ledger entry
// for the given source event. Used to classify incoming changes as
// created versus updated.
func (s *Store) HasSyncEventsForSource(ctx context.Context, sourceCalendarID int64, sourceEventID string) (bool, error) {
	var one int

	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sync_events
		 WHERE source_calendar_id = ? AND source_event_id = ? LIMIT 1`,
		sourceCalendarID, sourceEventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: checking sync events for source: %w", err)
	}

	return true, nil
}

// UpsertSyncEvent inserts a ledger entry for a freshly mirrored event.
// The unique ledger key makes concurrent propagations of the same
// source event race safely: the losing writer degrades to an update of
// the existing row instead of creating a duplicate.
func (s *Store) UpsertSyncEvent(ctx context.Context, e *SyncEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_events
		   (source_calendar_id, source_event_id, target_calendar_id, target_event_id,
		    event_title, event_start, event_end, is_deleted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_calendar_id, source_event_id, target_calendar_id)
		 DO UPDATE SET
		   target_event_id = excluded.target_event_id,
		   event_title = excluded.event_title,
		   event_start = excluded.event_start,
		   event_end = excluded.event_end,
		   is_deleted = excluded.is_deleted,
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		e.SourceCalendarID, e.SourceEventID, e.TargetCalendarID, e.TargetEventID,
		nullString(e.EventTitle), nullString(e.EventStart), nullString(e.EventEnd), e.IsDeleted)
	if err != nil {
		return fmt.Errorf("store: upserting sync event: %w", err)
	}

	return nil
}

// UpdateSyncEventDisplay refreshes the cached diagnostic fields after a
// mirrored update.
func (s *Store) UpdateSyncEventDisplay(ctx context.Context, id int64, title, start, end string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_events
		 SET event_title = ?, event_start = ?, event_end = ?,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`,
		nullString(title), nullString(start), nullString(end), id)
	if err != nil {
		return fmt.Errorf("store: updating sync event %d: %w", id, err)
	}

	return nil
}

// MarkSyncEventDeleted flags a ledger entry as deleted. The row is kept
// so replayed notifications stay idempotent.
func (s *Store) MarkSyncEventDeleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_events
		 SET is_deleted = 1, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: marking sync event %d deleted: %w", id, err)
	}

	return nil
}
