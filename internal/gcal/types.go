package gcal

// EventStatus values the sync engine cares about.
const StatusCancelled = "cancelled"

// EventTime mirrors the Calendar API start/end block. Timed events set
// DateTime, all-day events set Date. Passed through verbatim.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// Display returns whichever of DateTime or Date is set, for diagnostics.
func (t *EventTime) Display() string {
	if t == nil {
		return ""
	}

	if t.DateTime != "" {
		return t.DateTime
	}

	return t.Date
}

// ExtendedProperties carries the free-form metadata block the API
// attaches to events. The sync engine stores its loop-prevention
// marker in the private map.
type ExtendedProperties struct {
	Private map[string]string `json:"private,omitempty"`
}

// Event mirrors the Calendar API event resource, limited to the fields
// the sync engine reads or writes.
type Event struct {
	ID                 string              `json:"id,omitempty"`
	Status             string              `json:"status,omitempty"`
	Summary            string              `json:"summary,omitempty"`
	Description        string              `json:"description,omitempty"`
	Start              *EventTime          `json:"start,omitempty"`
	End                *EventTime          `json:"end,omitempty"`
	ExtendedProperties *ExtendedProperties `json:"extendedProperties,omitempty"`
}

// Private returns the event's private extended property map, never nil.
func (e *Event) Private() map[string]string {
	if e.ExtendedProperties == nil || e.ExtendedProperties.Private == nil {
		return map[string]string{}
	}

	return e.ExtendedProperties.Private
}

// Cancelled reports whether the event was deleted on the provider side.
// The events feed represents deletions as status "cancelled".
func (e *Event) Cancelled() bool {
	return e.Status == StatusCancelled
}

// CalendarListEntry is one calendar from the authenticated account's
// calendar list.
type CalendarListEntry struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Primary bool   `json:"primary,omitempty"`
}

// EventPage is one page of the events feed plus the cursor for the
// next incremental fetch.
type EventPage struct {
	Events        []Event
	NextSyncToken string
}

// Channel mirrors the API watch response for a push notification
// channel. Expiration is Unix milliseconds, as the API reports it.
type Channel struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration int64  `json:"expiration,string"`
}
