package gcal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// calendarListResponse mirrors the calendarList feed JSON.
type calendarListResponse struct {
	Items         []CalendarListEntry `json:"items"`
	NextPageToken string              `json:"nextPageToken"`
}

// ListCalendars returns every calendar visible to the authenticated
// account, following pagination.
func (c *Client) ListCalendars(ctx context.Context) ([]CalendarListEntry, error) {
	return WithRetry(ctx, c.retryOptions("ListCalendars"), func(ctx context.Context) ([]CalendarListEntry, error) {
		var entries []CalendarListEntry

		pageToken := ""

		for {
			path := "/users/me/calendarList"
			if pageToken != "" {
				path += "?pageToken=" + pageToken
			}

			resp, err := c.Do(ctx, http.MethodGet, path, nil)
			if err != nil {
				return nil, err
			}

			var parsed calendarListResponse
			err = json.NewDecoder(resp.Body).Decode(&parsed)
			resp.Body.Close()

			if err != nil {
				return nil, fmt.Errorf("gcal: decoding calendar list: %w", err)
			}

			entries = append(entries, parsed.Items...)

			if parsed.NextPageToken == "" {
				return entries, nil
			}

			pageToken = parsed.NextPageToken
		}
	})
}
