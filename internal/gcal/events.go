package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ListOptions selects between cursor-based incremental fetch and a
// bounded time window. When SyncToken is set the window is ignored,
// matching the API's mutually exclusive parameters.
type ListOptions struct {
	SyncToken string
	TimeMin   time.Time
	TimeMax   time.Time
}

// eventsListResponse mirrors the events feed JSON.
type eventsListResponse struct {
	Items         []Event `json:"items"`
	NextPageToken string  `json:"nextPageToken"`
	NextSyncToken string  `json:"nextSyncToken"`
}

// ListEvents fetches the events feed for a calendar, following
// pagination until the provider issues a nextSyncToken. singleEvents
// expands recurring series so the engine only ever sees instances.
func (c *Client) ListEvents(ctx context.Context, calendarID string, opts ListOptions) (*EventPage, error) {
	return WithRetry(ctx, c.retryOptions("ListEvents"), func(ctx context.Context) (*EventPage, error) {
		page := &EventPage{}
		pageToken := ""

		for {
			q := url.Values{}
			q.Set("singleEvents", "true")

			if opts.SyncToken != "" {
				q.Set("syncToken", opts.SyncToken)
			} else {
				if !opts.TimeMin.IsZero() {
					q.Set("timeMin", opts.TimeMin.Format(time.RFC3339))
				}

				if !opts.TimeMax.IsZero() {
					q.Set("timeMax", opts.TimeMax.Format(time.RFC3339))
				}
			}

			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}

			path := "/calendars/" + url.PathEscape(calendarID) + "/events?" + q.Encode()

			resp, err := c.Do(ctx, http.MethodGet, path, nil)
			if err != nil {
				return nil, err
			}

			var parsed eventsListResponse
			err = json.NewDecoder(resp.Body).Decode(&parsed)
			resp.Body.Close()

			if err != nil {
				return nil, fmt.Errorf("gcal: decoding events page: %w", err)
			}

			page.Events = append(page.Events, parsed.Items...)

			if parsed.NextPageToken == "" {
				page.NextSyncToken = parsed.NextSyncToken
				return page, nil
			}

			pageToken = parsed.NextPageToken
		}
	})
}

// CreateEvent inserts an event into the given calendar and returns the
// created resource with its provider-assigned id.
func (c *Client) CreateEvent(ctx context.Context, calendarID string, event *Event) (*Event, error) {
	return WithRetry(ctx, c.retryOptions("CreateEvent"), func(ctx context.Context) (*Event, error) {
		body, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("gcal: encoding event: %w", err)
		}

		path := "/calendars/" + url.PathEscape(calendarID) + "/events"

		resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var created Event
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return nil, fmt.Errorf("gcal: decoding created event: %w", err)
		}

		return &created, nil
	})
}

// UpdateEvent patches an existing event. Only the fields set on event
// are sent, so untouched provider fields survive.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, event *Event) (*Event, error) {
	return WithRetry(ctx, c.retryOptions("UpdateEvent"), func(ctx context.Context) (*Event, error) {
		body, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("gcal: encoding event: %w", err)
		}

		path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)

		resp, err := c.Do(ctx, http.MethodPatch, path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var updated Event
		if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
			return nil, fmt.Errorf("gcal: decoding updated event: %w", err)
		}

		return &updated, nil
	})
}

// DeleteEvent removes an event from the given calendar.
func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	_, err := WithRetry(ctx, c.retryOptions("DeleteEvent"), func(ctx context.Context) (struct{}, error) {
		path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)

		resp, err := c.Do(ctx, http.MethodDelete, path, nil)
		if err != nil {
			return struct{}{}, err
		}

		resp.Body.Close()

		return struct{}{}, nil
	})

	return err
}

// retryOptions builds the per-operation retry policy with a logging
// observer.
func (c *Client) retryOptions(op string) RetryOptions {
	return RetryOptions{
		sleep: c.sleepFunc,
		OnRetry: func(err *APIError, attempt int) {
			c.logger.Warn("retrying provider call",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.String("kind", string(err.Kind)),
				slog.String("error", err.Message),
			)
		},
	}
}
