package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/caltube/caltube/internal/gcal"
	"github.com/caltube/caltube/internal/store"
)

// ProcessChanges runs one steady-state sync pass for a calendar,
// normally in response to a push notification. It fetches changes since
// the stored cursor (falling back to the bounded forward window when no
// cursor exists or the provider invalidated it), persists the new
// cursor before processing so a crash mid-batch never replays the same
// window, then classifies and propagates each fetched item. Returns the
// number of changed events fetched.
func (e *Engine) ProcessChanges(ctx context.Context, calendar *store.Calendar, account *store.Account) (int, error) {
	client, err := e.clients.Client(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("sync: obtaining client for change sync: %w", err)
	}

	now := e.now()

	page, err := e.fetchChanges(ctx, client, calendar)
	if err != nil {
		return 0, err
	}

	if err := e.store.UpdateCalendarSyncState(ctx, calendar.ID, page.NextSyncToken, now); err != nil {
		return 0, err
	}

	calendar.SyncToken = page.NextSyncToken
	calendar.LastSyncAt = now

	e.logger.Info("processing changed events",
		slog.Int64("calendar_id", calendar.ID),
		slog.Int("count", len(page.Events)),
	)

	for i := range page.Events {
		event := &page.Events[i]

		kind, err := e.classifyChange(ctx, calendar, event)
		if err != nil {
			e.logger.Error("classifying change failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := e.SyncEvent(ctx, calendar, account, event, kind); err != nil {
			e.logger.Error("propagating change failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return len(page.Events), nil
}

// fetchChanges lists events with the stored cursor, degrading to a
// time-bounded fetch when there is no cursor or the provider reports
// the cursor expired (HTTP 410).
func (e *Engine) fetchChanges(ctx context.Context, client *gcal.Client, calendar *store.Calendar) (*gcal.EventPage, error) {
	if calendar.SyncToken != "" {
		page, err := client.ListEvents(ctx, calendar.ProviderID, gcal.ListOptions{
			SyncToken: calendar.SyncToken,
		})
		if err == nil {
			return page, nil
		}

		if !cursorExpired(err) {
			return nil, fmt.Errorf("sync: listing changes for calendar %d: %w", calendar.ID, err)
		}

		e.logger.Warn("sync cursor expired, falling back to window fetch",
			slog.Int64("calendar_id", calendar.ID),
		)
	}

	now := e.now()

	page, err := client.ListEvents(ctx, calendar.ProviderID, gcal.ListOptions{
		TimeMin: now,
		TimeMax: now.AddDate(0, initialWindowMonths, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("sync: window fetch for calendar %d: %w", calendar.ID, err)
	}

	return page, nil
}

// cursorExpired reports whether the provider invalidated the sync
// token. The Calendar API signals this with HTTP 410.
func cursorExpired(err error) bool {
	var apiErr *gcal.APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusGone
}

// classifyChange decides the change kind for one fetched item:
// cancelled status means deletion; otherwise a ledger entry for the
// source event means update, and its absence means creation.
func (e *Engine) classifyChange(ctx context.Context, calendar *store.Calendar, event *gcal.Event) (ChangeKind, error) {
	if event.Cancelled() {
		return Deleted, nil
	}

	mirrored, err := e.store.HasSyncEventsForSource(ctx, calendar.ID, event.ID)
	if err != nil {
		return "", err
	}

	if mirrored {
		return Updated, nil
	}

	return Created, nil
}
