package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caltube/caltube/internal/gcal"
	"github.com/caltube/caltube/internal/store"
)

// initialWindowMonths bounds the first sync to a forward window.
// Historical events and edits outside it are never mirrored.
const initialWindowMonths = 3

// InitialSync fetches the calendar's events for the forward window,
// persists the issued cursor and sync timestamp, then runs the created
// path for every non-cancelled event. Returns the number of events
// fetched, not the number successfully mirrored; per-event failures
// land in the audit log.
func (e *Engine) InitialSync(ctx context.Context, calendar *store.Calendar, account *store.Account) (int, error) {
	now := e.now()
	windowEnd := now.AddDate(0, initialWindowMonths, 0)

	e.logger.Info("starting initial sync",
		slog.Int64("calendar_id", calendar.ID),
		slog.Time("time_min", now),
		slog.Time("time_max", windowEnd),
	)

	client, err := e.clients.Client(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("sync: obtaining client for initial sync: %w", err)
	}

	page, err := client.ListEvents(ctx, calendar.ProviderID, gcal.ListOptions{
		TimeMin: now,
		TimeMax: windowEnd,
	})
	if err != nil {
		return 0, fmt.Errorf("sync: listing events for initial sync: %w", err)
	}

	// Persist the cursor before mirroring: a crash mid-batch redoes the
	// same window, which the ledger makes idempotent.
	if err := e.store.UpdateCalendarSyncState(ctx, calendar.ID, page.NextSyncToken, now); err != nil {
		return 0, err
	}

	calendar.SyncToken = page.NextSyncToken
	calendar.LastSyncAt = now

	synced := 0

	for i := range page.Events {
		event := &page.Events[i]

		if event.Cancelled() {
			continue
		}

		if err := e.SyncEvent(ctx, calendar, account, event, Created); err != nil {
			e.logger.Error("initial sync event failed",
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		synced++
	}

	e.logger.Info("initial sync complete",
		slog.Int64("calendar_id", calendar.ID),
		slog.Int("fetched", len(page.Events)),
		slog.Int("processed", synced),
	)

	return len(page.Events), nil
}
