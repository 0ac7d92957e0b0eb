package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEvents_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"items": [{"id": "ev1", "summary": "Standup"}, {"id": "ev2", "summary": "Review"}],
			"nextSyncToken": "token-abc"
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListEvents(context.Background(), "primary", ListOptions{})
	require.NoError(t, err)

	require.Len(t, page.Events, 2)
	assert.Equal(t, "ev1", page.Events[0].ID)
	assert.Equal(t, "Standup", page.Events[0].Summary)
	assert.Equal(t, "token-abc", page.NextSyncToken)
}

func TestListEvents_FollowsPagination(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)

		if calls.Add(1) == 1 {
			assert.Empty(t, r.URL.Query().Get("pageToken"))
			_, _ = w.Write([]byte(`{"items": [{"id": "ev1"}], "nextPageToken": "page2"}`))

			return
		}

		assert.Equal(t, "page2", r.URL.Query().Get("pageToken"))
		_, _ = w.Write([]byte(`{"items": [{"id": "ev2"}], "nextSyncToken": "final-token"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListEvents(context.Background(), "primary", ListOptions{})
	require.NoError(t, err)

	require.Len(t, page.Events, 2)
	assert.Equal(t, "ev1", page.Events[0].ID)
	assert.Equal(t, "ev2", page.Events[1].ID)
	assert.Equal(t, "final-token", page.NextSyncToken)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListEvents_SyncTokenOverridesWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "cursor-1", q.Get("syncToken"))
		assert.Empty(t, q.Get("timeMin"))
		assert.Empty(t, q.Get("timeMax"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items": [], "nextSyncToken": "cursor-2"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListEvents(context.Background(), "primary", ListOptions{
		SyncToken: "cursor-1",
		TimeMin:   time.Now(),
		TimeMax:   time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
	assert.Equal(t, "cursor-2", page.NextSyncToken)
}

func TestListEvents_TimeWindow(t *testing.T) {
	timeMin := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	timeMax := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, timeMin.Format(time.RFC3339), q.Get("timeMin"))
		assert.Equal(t, timeMax.Format(time.RFC3339), q.Get("timeMax"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items": [], "nextSyncToken": "t"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListEvents(context.Background(), "primary", ListOptions{TimeMin: timeMin, TimeMax: timeMax})
	require.NoError(t, err)
}

func TestListEvents_ExpiredCursorSurfacesGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error": "Sync token is no longer valid"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ListEvents(context.Background(), "primary", ListOptions{SyncToken: "stale"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusGone, apiErr.StatusCode)
}

func TestListEvents_RetriesServerError(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items": [{"id": "ev1"}], "nextSyncToken": "t"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	page, err := client.ListEvents(context.Background(), "primary", ListOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Events, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCreateEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/work%40example.com/events", r.URL.EscapedPath())

		var got Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Planning", got.Summary)
		assert.Equal(t, "true", got.Private()["caltube-synced"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": "created-1", "summary": "Planning"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	created, err := client.CreateEvent(context.Background(), "work@example.com", &Event{
		Summary: "Planning",
		ExtendedProperties: &ExtendedProperties{
			Private: map[string]string{"caltube-synced": "true"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "created-1", created.ID)
}

func TestUpdateEvent_UsesPatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/calendars/primary/events/ev-9", r.URL.Path)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": "ev-9", "summary": "Moved"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	updated, err := client.UpdateEvent(context.Background(), "primary", "ev-9", &Event{Summary: "Moved"})
	require.NoError(t, err)
	assert.Equal(t, "Moved", updated.Summary)
}

func TestDeleteEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/calendars/primary/events/ev-9", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.DeleteEvent(context.Background(), "primary", "ev-9")
	require.NoError(t, err)
}

func TestDeleteEvent_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.DeleteEvent(context.Background(), "primary", "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatch(t *testing.T) {
	expiration := time.Now().Add(7 * 24 * time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendars/primary/events/watch", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chan-1", req["id"])
		assert.Equal(t, "web_hook", req["type"])
		assert.Equal(t, "https://example.com/webhook/google", req["address"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id": "chan-1", "resourceId": "res-1", "expiration": "1767225600000"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ch, err := client.Watch(context.Background(), "primary", "chan-1", "https://example.com/webhook/google", expiration)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", ch.ID)
	assert.Equal(t, "res-1", ch.ResourceID)
	assert.Equal(t, int64(1767225600000), ch.Expiration)
}

func TestStopChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/stop", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "chan-1", req["id"])
		assert.Equal(t, "res-1", req["resourceId"])

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	err := client.StopChannel(context.Background(), "chan-1", "res-1")
	require.NoError(t, err)
}

func TestListCalendars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/me/calendarList", r.URL.Path)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"items": [{"id": "primary", "summary": "Work", "primary": true}, {"id": "family@group", "summary": "Family"}]
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	calendars, err := client.ListCalendars(context.Background())
	require.NoError(t, err)

	require.Len(t, calendars, 2)
	assert.True(t, calendars[0].Primary)
	assert.Equal(t, "family@group", calendars[1].ID)
}

func TestEvent_Cancelled(t *testing.T) {
	assert.True(t, (&Event{Status: StatusCancelled}).Cancelled())
	assert.False(t, (&Event{Status: "confirmed"}).Cancelled())
}

func TestEvent_PrivateNeverNil(t *testing.T) {
	assert.NotNil(t, (&Event{}).Private())
	assert.Empty(t, (&Event{}).Private())
}

func TestEventTime_Display(t *testing.T) {
	assert.Equal(t, "2026-04-01T10:00:00Z", (&EventTime{DateTime: "2026-04-01T10:00:00Z"}).Display())
	assert.Equal(t, "2026-04-01", (&EventTime{Date: "2026-04-01"}).Display())
	assert.Empty(t, (*EventTime)(nil).Display())
}
