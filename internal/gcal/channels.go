package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// watchRequest mirrors the events.watch request body.
type watchRequest struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Address    string `json:"address"`
	Expiration string `json:"expiration,omitempty"`
}

// Watch opens a push notification channel on a calendar's events feed.
// The provider may grant a shorter lifetime than requested; the
// returned Channel carries the effective expiration.
func (c *Client) Watch(ctx context.Context, calendarID, channelID, callbackURL string, expiration time.Time) (*Channel, error) {
	return WithRetry(ctx, c.retryOptions("Watch"), func(ctx context.Context) (*Channel, error) {
		body, err := json.Marshal(watchRequest{
			ID:         channelID,
			Type:       "web_hook",
			Address:    callbackURL,
			Expiration: strconv.FormatInt(expiration.UnixMilli(), 10),
		})
		if err != nil {
			return nil, fmt.Errorf("gcal: encoding watch request: %w", err)
		}

		path := "/calendars/" + url.PathEscape(calendarID) + "/events/watch"

		resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var ch Channel
		if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
			return nil, fmt.Errorf("gcal: decoding watch response: %w", err)
		}

		return &ch, nil
	})
}

// stopRequest mirrors the channels.stop request body.
type stopRequest struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
}

// StopChannel closes a push notification channel.
func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	_, err := WithRetry(ctx, c.retryOptions("StopChannel"), func(ctx context.Context) (struct{}, error) {
		body, err := json.Marshal(stopRequest{ID: channelID, ResourceID: resourceID})
		if err != nil {
			return struct{}{}, fmt.Errorf("gcal: encoding stop request: %w", err)
		}

		resp, err := c.Do(ctx, http.MethodPost, "/channels/stop", bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}

		resp.Body.Close()

		return struct{}{}, nil
	})

	return err
}
