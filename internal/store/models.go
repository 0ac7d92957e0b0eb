package store

import (
	"fmt"
	"time"
)

// User is the local owner of one or more linked Google accounts.
// Created by the external auth flow; the sync core only reads it.
type User struct {
	ID    int64
	Email string
	Name  string
}

// Account is one linked Google identity. Token columns are mutated
// exclusively by the token manager; a stored refresh token is never
// overwritten with an empty value.
type Account struct {
	ID             int64
	UserID         int64
	GoogleID       string
	Email          string
	AccessToken    string
	RefreshToken   string
	TokenExpiresAt time.Time
}

// Calendar is one sync endpoint belonging to exactly one Account.
// Webhook fields are all set or all empty, enforced by a schema CHECK.
type Calendar struct {
	ID                int64
	AccountID         int64
	ProviderID        string // opaque Google calendar id
	Name              string
	IsActive          bool
	SyncToken         string
	LastSyncAt        time.Time
	WebhookChannelID  string
	WebhookResourceID string
	WebhookExpiresAt  time.Time
}

// HasWebhook reports whether a push channel is recorded for the calendar.
func (c *Calendar) HasWebhook() bool {
	return c.WebhookChannelID != ""
}

// SyncTarget pairs a fan-out target calendar with its owning account,
// as returned by ListSyncTargets.
type SyncTarget struct {
	Calendar Calendar
	Account  Account
}

// SyncEvent is one ledger entry: the durable mapping from a source
// event to its mirror on one target calendar. At most one live entry
// exists per (source calendar, source event, target calendar) key.
type SyncEvent struct {
	ID               int64
	SourceCalendarID int64
	SourceEventID    string
	TargetCalendarID int64
	TargetEventID    string
	EventTitle       string
	EventStart       string
	EventEnd         string
	IsDeleted        bool
}

// SyncLog event types.
const (
	LogCreated = "created"
	LogUpdated = "updated"
	LogDeleted = "deleted"
	LogError   = "error"
)

// SyncLog is one append-only audit record of a propagation attempt.
type SyncLog struct {
	ID           int64
	CalendarID   int64 // target calendar; 0 when unknown
	EventType    string
	EventID      string
	Message      string
	ErrorDetails string
	CreatedAt    time.Time
}

// timeLayout is the canonical column format for timestamps. RFC 3339
// UTC with fixed precision keeps SQL comparisons lexicographic.
const timeLayout = "2006-01-02T15:04:05.000Z"

// fmtTime formats t for storage. Zero times are not representable;
// callers use nullString/nullTime for optional columns.
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp. Empty strings yield the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Older rows written by SQLite defaults carry variable precision.
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("store: parsing timestamp %q: %w", s, err)
		}
	}

	return t.UTC(), nil
}
