package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const calendarColumns = `id, account_id, provider_id, name, is_active,
	sync_token, last_sync_at, webhook_channel_id, webhook_resource_id, webhook_expires_at`

func scanCalendar(row interface{ Scan(...any) error }) (*Calendar, error) {
	var c Calendar
	var syncToken, lastSync, channelID, resourceID, webhookExpires sql.NullString

	err := row.Scan(&c.ID, &c.AccountID, &c.ProviderID, &c.Name, &c.IsActive,
		&syncToken, &lastSync, &channelID, &resourceID, &webhookExpires)
	if err != nil {
		return nil, err
	}

	c.SyncToken = syncToken.String
	c.WebhookChannelID = channelID.String
	c.WebhookResourceID = resourceID.String

	if c.LastSyncAt, err = parseTime(lastSync.String); err != nil {
		return nil, err
	}

	if c.WebhookExpiresAt, err = parseTime(webhookExpires.String); err != nil {
		return nil, err
	}

	return &c, nil
}

// CreateCalendar registers a calendar for sync under an account.
func (s *Store) CreateCalendar(ctx context.Context, c *Calendar) (*Calendar, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calendars (account_id, provider_id, name, is_active)
		 VALUES (?, ?, ?, ?)`,
		c.AccountID, c.ProviderID, c.Name, c.IsActive)
	if err != nil {
		return nil, fmt.Errorf("store: inserting calendar: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: calendar insert id: %w", err)
	}

	created := *c
	created.ID = id

	return &created, nil
}

// GetCalendar fetches one calendar by id.
func (s *Store) GetCalendar(ctx context.Context, id int64) (*Calendar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id)

	c, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: fetching calendar %d: %w", id, err)
	}

	return c, nil
}

// GetCalendarByProviderID fetches the calendar registered under an
// account for the given provider calendar id. Registration uses it to
// reject duplicates before inserting.
func (s *Store) GetCalendarByProviderID(ctx context.Context, accountID int64, providerID string) (*Calendar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? AND provider_id = ?`,
		accountID, providerID)

	c, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: fetching calendar %s for account %d: %w", providerID, accountID, err)
	}

	return c, nil
}

// GetCalendarByChannelID resolves a push notification to the calendar
// its channel was opened for.
func (s *Store) GetCalendarByChannelID(ctx context.Context, channelID string) (*Calendar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE webhook_channel_id = ?`, channelID)

	c, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: fetching calendar for channel %s: %w", channelID, err)
	}

	return c, nil
}

// SetCalendarActive flips the is_active flag. Deactivated calendars
// stop participating in fan-out but keep their history.
func (s *Store) SetCalendarActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendars SET is_active = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("store: setting calendar %d active=%v: %w", id, active, err)
	}

	return nil
}

// UpdateCalendarSyncState persists the cursor and last-sync timestamp.
func (s *Store) UpdateCalendarSyncState(ctx context.Context, id int64, syncToken string, lastSyncAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendars
		 SET sync_token = ?, last_sync_at = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`,
		nullString(syncToken), fmtTime(lastSyncAt), id)
	if err != nil {
		return fmt.Errorf("store: updating sync state for calendar %d: %w", id, err)
	}

	return nil
}

// UpdateCalendarWebhook records a freshly opened push channel.
func (s *Store) UpdateCalendarWebhook(ctx context.Context, id int64, channelID, resourceID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendars
		 SET webhook_channel_id = ?, webhook_resource_id = ?, webhook_expires_at = ?,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`,
		channelID, resourceID, fmtTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("store: updating webhook for calendar %d: %w", id, err)
	}

	return nil
}

// ClearCalendarWebhook nulls out all webhook columns together.
func (s *Store) ClearCalendarWebhook(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calendars
		 SET webhook_channel_id = NULL, webhook_resource_id = NULL, webhook_expires_at = NULL,
		     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: clearing webhook for calendar %d: %w", id, err)
	}

	return nil
}

// ListSyncTargets returns every active calendar belonging to any of
// the user's linked accounts except the source calendar, each paired
// with its owning account. This is the fan-out target set.
func (s *Store) ListSyncTargets(ctx context.Context, userID, sourceCalendarID int64) ([]SyncTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.account_id, c.provider_id, c.name, c.is_active,
		        c.sync_token, c.last_sync_at, c.webhook_channel_id, c.webhook_resource_id, c.webhook_expires_at,
		        a.id, a.user_id, a.google_id, a.email, a.access_token, a.refresh_token, a.token_expires_at
		 FROM calendars c
		 JOIN accounts a ON a.id = c.account_id
		 WHERE a.user_id = ? AND c.is_active = 1 AND c.id != ?
		 ORDER BY c.id`,
		userID, sourceCalendarID)
	if err != nil {
		return nil, fmt.Errorf("store: listing sync targets: %w", err)
	}
	defer rows.Close()

	var targets []SyncTarget

	for rows.Next() {
		var t SyncTarget
		var syncToken, lastSync, channelID, resourceID, webhookExpires sql.NullString
		var tokenExpires string

		err := rows.Scan(
			&t.Calendar.ID, &t.Calendar.AccountID, &t.Calendar.ProviderID,
			&t.Calendar.Name, &t.Calendar.IsActive,
			&syncToken, &lastSync, &channelID, &resourceID, &webhookExpires,
			&t.Account.ID, &t.Account.UserID, &t.Account.GoogleID, &t.Account.Email,
			&t.Account.AccessToken, &t.Account.RefreshToken, &tokenExpires,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scanning sync target: %w", err)
		}

		t.Calendar.SyncToken = syncToken.String
		t.Calendar.WebhookChannelID = channelID.String
		t.Calendar.WebhookResourceID = resourceID.String

		if t.Calendar.LastSyncAt, err = parseTime(lastSync.String); err != nil {
			return nil, err
		}

		if t.Calendar.WebhookExpiresAt, err = parseTime(webhookExpires.String); err != nil {
			return nil, err
		}

		if t.Account.TokenExpiresAt, err = parseTime(tokenExpires); err != nil {
			return nil, err
		}

		targets = append(targets, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: listing sync targets: %w", err)
	}

	return targets, nil
}

// ListWebhookCalendarsExpiringBefore returns active, webhook-bearing
// calendars whose channel expires before deadline, for the renewal sweep.
func (s *Store) ListWebhookCalendarsExpiringBefore(ctx context.Context, deadline time.Time) ([]Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars
		 WHERE is_active = 1 AND webhook_expires_at IS NOT NULL AND webhook_expires_at < ?
		 ORDER BY id`,
		fmtTime(deadline))
	if err != nil {
		return nil, fmt.Errorf("store: listing expiring webhooks: %w", err)
	}
	defer rows.Close()

	return collectCalendars(rows)
}

// ListActiveWebhookCalendars returns every active calendar that has a
// push channel recorded, for the stats pass.
func (s *Store) ListActiveWebhookCalendars(ctx context.Context) ([]Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars
		 WHERE is_active = 1 AND webhook_channel_id IS NOT NULL
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: listing webhook calendars: %w", err)
	}
	defer rows.Close()

	return collectCalendars(rows)
}

func collectCalendars(rows *sql.Rows) ([]Calendar, error) {
	var calendars []Calendar

	for rows.Next() {
		c, err := scanCalendar(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning calendar: %w", err)
		}

		calendars = append(calendars, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating calendars: %w", err)
	}

	return calendars, nil
}
