// Package sync implements the propagation engine: it takes one changed
// event on a source calendar and mirrors it to every other active
// calendar of the same user, consulting a persistent ledger for
// idempotency and tagging every mirror it creates so propagation
// artifacts are never propagated again.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caltube/caltube/internal/gcal"
	"github.com/caltube/caltube/internal/metrics"
	"github.com/caltube/caltube/internal/store"
)

// Loop-prevention marker, serialized into the private extended
// properties of every event the engine creates. An incoming event
// carrying the marker is a propagation artifact and is dropped on
// sight. Absent or malformed metadata means "not sync-produced".
const (
	markerKey   = "caltube-synced"
	markerValue = "true"

	sourceCalendarKey = "source_calendar_id"
	sourceEventKey    = "source_event_id"
)

// placeholderSummary stands in for events without a title, so mirrors
// still block the time slot.
const placeholderSummary = "(busy)"

// ChangeKind classifies one changed-event notification.
type ChangeKind string

const (
	Created ChangeKind = "created"
	Updated ChangeKind = "updated"
	Deleted ChangeKind = "deleted"
)

// ClientSource hands out authenticated API clients per account. The
// token manager is the production implementation.
type ClientSource interface {
	Client(ctx context.Context, account *store.Account) (*gcal.Client, error)
}

// Store is the slice of persistence the engine needs: the fan-out
// target set, the ledger, the audit log, and the per-calendar cursor.
type Store interface {
	ListSyncTargets(ctx context.Context, userID, sourceCalendarID int64) ([]store.SyncTarget, error)
	GetSyncEvent(ctx context.Context, sourceCalendarID int64, sourceEventID string, targetCalendarID int64) (*store.SyncEvent, error)
	UpsertSyncEvent(ctx context.Context, e *store.SyncEvent) error
	UpdateSyncEventDisplay(ctx context.Context, id int64, title, start, end string) error
	MarkSyncEventDeleted(ctx context.Context, id int64) error
	HasSyncEventsForSource(ctx context.Context, sourceCalendarID int64, sourceEventID string) (bool, error)
	AppendSyncLog(ctx context.Context, entry *store.SyncLog) error
	UpdateCalendarSyncState(ctx context.Context, id int64, syncToken string, lastSyncAt time.Time) error
}

// Engine propagates changed events across a user's calendars.
type Engine struct {
	clients ClientSource
	store   Store
	logger  *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// NewEngine creates a sync engine.
func NewEngine(clients ClientSource, st Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		clients: clients,
		store:   st,
		logger:  logger,
		now:     time.Now,
	}
}

// ProducedBySync reports whether the event carries the loop-prevention
// marker, i.e. it is itself the product of a prior propagation.
func ProducedBySync(event *gcal.Event) bool {
	return event.Private()[markerKey] == markerValue
}

// SyncEvent propagates one changed event to every other active calendar
// of the owning user. Marker-tagged events return immediately with no
// provider calls and no ledger writes. A failure on one target is
// recorded to the audit log and never prevents the remaining targets
// from being attempted.
func (e *Engine) SyncEvent(ctx context.Context, sourceCalendar *store.Calendar, sourceAccount *store.Account, event *gcal.Event, kind ChangeKind) error {
	if ProducedBySync(event) {
		e.logger.Debug("skipping sync-produced event",
			slog.String("event_id", event.ID),
			slog.Int64("source_calendar_id", sourceCalendar.ID),
		)

		return nil
	}

	targets, err := e.store.ListSyncTargets(ctx, sourceAccount.UserID, sourceCalendar.ID)
	if err != nil {
		return fmt.Errorf("sync: listing targets for calendar %d: %w", sourceCalendar.ID, err)
	}

	if len(targets) == 0 {
		e.logger.Debug("no sync targets", slog.Int64("source_calendar_id", sourceCalendar.ID))
		return nil
	}

	e.logger.Info("propagating event",
		slog.String("event_id", event.ID),
		slog.String("kind", string(kind)),
		slog.Int64("source_calendar_id", sourceCalendar.ID),
		slog.Int("targets", len(targets)),
	)

	for i := range targets {
		target := &targets[i]

		err := e.dispatch(ctx, sourceCalendar, event, kind, target)
		if err != nil {
			metrics.ObserveSyncPropagation(string(kind), metrics.OutcomeError)

			e.logger.Error("propagation to target failed",
				slog.String("event_id", event.ID),
				slog.Int64("target_calendar_id", target.Calendar.ID),
				slog.String("error", err.Error()),
			)

			e.appendLog(ctx, &store.SyncLog{
				CalendarID:   target.Calendar.ID,
				EventType:    store.LogError,
				EventID:      event.ID,
				Message:      fmt.Sprintf("failed to sync event to %s", target.Calendar.Name),
				ErrorDetails: errorDetails(err),
			})

			continue
		}

		metrics.ObserveSyncPropagation(string(kind), metrics.OutcomeSuccess)

		e.appendLog(ctx, &store.SyncLog{
			CalendarID: target.Calendar.ID,
			EventType:  string(kind),
			EventID:    event.ID,
			Message:    fmt.Sprintf("successfully synced event to %s", target.Calendar.Name),
		})
	}

	return nil
}

// dispatch routes one per-target propagation by change kind.
func (e *Engine) dispatch(ctx context.Context, source *store.Calendar, event *gcal.Event, kind ChangeKind, target *store.SyncTarget) error {
	switch kind {
	case Created:
		return e.handleCreated(ctx, source, event, target)
	case Updated:
		return e.handleUpdated(ctx, source, event, target)
	case Deleted:
		return e.handleDeleted(ctx, source, event.ID, target)
	default:
		return fmt.Errorf("sync: unknown change kind %q", kind)
	}
}

// handleCreated mirrors a new event onto one target calendar. A ledger
// entry for the key means the event was already mirrored (a duplicate
// notification or replayed window) and the call is a no-op.
func (e *Engine) handleCreated(ctx context.Context, source *store.Calendar, event *gcal.Event, target *store.SyncTarget) error {
	_, err := e.store.GetSyncEvent(ctx, source.ID, event.ID, target.Calendar.ID)
	if err == nil {
		e.logger.Debug("event already synced, skipping",
			slog.String("event_id", event.ID),
			slog.Int64("target_calendar_id", target.Calendar.ID),
		)

		return nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	client, err := e.clients.Client(ctx, &target.Account)
	if err != nil {
		return err
	}

	created, err := client.CreateEvent(ctx, target.Calendar.ProviderID, e.mirrorPayload(source, event))
	if err != nil {
		return err
	}

	return e.store.UpsertSyncEvent(ctx, &store.SyncEvent{
		SourceCalendarID: source.ID,
		SourceEventID:    event.ID,
		TargetCalendarID: target.Calendar.ID,
		TargetEventID:    created.ID,
		EventTitle:       event.Summary,
		EventStart:       event.Start.Display(),
		EventEnd:         event.End.Display(),
	})
}

// handleUpdated patches the previously mirrored event. When no ledger
// entry exists the update degrades to the created path, self-healing
// after a missed create or a ledger loss.
func (e *Engine) handleUpdated(ctx context.Context, source *store.Calendar, event *gcal.Event, target *store.SyncTarget) error {
	entry, err := e.store.GetSyncEvent(ctx, source.ID, event.ID, target.Calendar.ID)
	if errors.Is(err, store.ErrNotFound) {
		return e.handleCreated(ctx, source, event, target)
	}

	if err != nil {
		return err
	}

	client, err := e.clients.Client(ctx, &target.Account)
	if err != nil {
		return err
	}

	_, err = client.UpdateEvent(ctx, target.Calendar.ProviderID, entry.TargetEventID, e.mirrorPayload(source, event))
	if err != nil {
		return err
	}

	return e.store.UpdateSyncEventDisplay(ctx, entry.ID,
		event.Summary, event.Start.Display(), event.End.Display())
}

// handleDeleted removes the mirrored event. No ledger entry means
// nothing to delete. The provider delete is attempted but its failure
// tolerated: the resource is likely already gone, and the ledger entry
// is flagged deleted regardless so the deletion is never retried
// forever.
func (e *Engine) handleDeleted(ctx context.Context, source *store.Calendar, eventID string, target *store.SyncTarget) error {
	entry, err := e.store.GetSyncEvent(ctx, source.ID, eventID, target.Calendar.ID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Debug("no mirrored event to delete",
			slog.String("event_id", eventID),
			slog.Int64("target_calendar_id", target.Calendar.ID),
		)

		return nil
	}

	if err != nil {
		return err
	}

	if entry.IsDeleted {
		return nil
	}

	client, err := e.clients.Client(ctx, &target.Account)
	if err != nil {
		return err
	}

	if err := client.DeleteEvent(ctx, target.Calendar.ProviderID, entry.TargetEventID); err != nil {
		e.logger.Warn("provider delete failed, marking ledger entry deleted anyway",
			slog.String("event_id", eventID),
			slog.String("target_event_id", entry.TargetEventID),
			slog.String("error", err.Error()),
		)
	}

	return e.store.MarkSyncEventDeleted(ctx, entry.ID)
}

// mirrorPayload builds the event body written to target calendars,
// with the loop-prevention marker attached.
func (e *Engine) mirrorPayload(source *store.Calendar, event *gcal.Event) *gcal.Event {
	summary := event.Summary
	if summary == "" {
		summary = placeholderSummary
	}

	return &gcal.Event{
		Summary:     summary,
		Description: event.Description,
		Start:       event.Start,
		End:         event.End,
		ExtendedProperties: &gcal.ExtendedProperties{
			Private: map[string]string{
				markerKey:         markerValue,
				sourceCalendarKey: fmt.Sprintf("%d", source.ID),
				sourceEventKey:    event.ID,
			},
		},
	}
}

// appendLog writes an audit record; a logging failure must not fail
// the propagation it describes.
func (e *Engine) appendLog(ctx context.Context, entry *store.SyncLog) {
	if err := e.store.AppendSyncLog(ctx, entry); err != nil {
		e.logger.Error("failed to append sync log", slog.String("error", err.Error()))
	}
}

// errorDetails renders a classified error as JSON for the audit log's
// error detail column.
func errorDetails(err error) string {
	apiErr := gcal.Classify(err)

	details, marshalErr := json.Marshal(map[string]string{
		"kind":  string(apiErr.Kind),
		"error": err.Error(),
	})
	if marshalErr != nil {
		return err.Error()
	}

	return string(details)
}
