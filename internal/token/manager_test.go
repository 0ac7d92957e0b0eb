package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/caltube/caltube/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAccountStore is an in-memory AccountStore recording token updates.
type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[int64]*store.Account
	updates  []tokenUpdate

	updateErr error
}

type tokenUpdate struct {
	accountID    int64
	accessToken  string
	refreshToken string
}

func newFakeAccountStore(accounts ...*store.Account) *fakeAccountStore {
	f := &fakeAccountStore{accounts: make(map[int64]*store.Account)}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}

	return f
}

func (f *fakeAccountStore) GetAccount(_ context.Context, id int64) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	copied := *a

	return &copied, nil
}

func (f *fakeAccountStore) UpdateAccountTokens(_ context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return f.updateErr
	}

	f.updates = append(f.updates, tokenUpdate{accountID: id, accessToken: accessToken, refreshToken: refreshToken})

	if a, ok := f.accounts[id]; ok {
		a.AccessToken = accessToken
		a.TokenExpiresAt = expiresAt

		if refreshToken != "" {
			a.RefreshToken = refreshToken
		}
	}

	return nil
}

func (f *fakeAccountStore) ListAccountsExpiringBefore(_ context.Context, deadline time.Time) ([]store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []store.Account

	for _, a := range f.accounts {
		if a.TokenExpiresAt.Before(deadline) {
			out = append(out, *a)
		}
	}

	return out, nil
}

func (f *fakeAccountStore) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.updates)
}

// newTokenEndpoint returns an httptest server acting as the OAuth token
// endpoint, plus a counter of refresh calls. failFor marks refresh
// tokens that should be rejected.
func newTokenEndpoint(t *testing.T, calls *atomic.Int32, failFor map[string]bool, delay time.Duration) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if delay > 0 {
			time.Sleep(delay)
		}

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))

		if failFor[r.FormValue("refresh_token")] {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"access_token":"new-access-%d","token_type":"Bearer","expires_in":3600}`, calls.Load())
	}))
}

func newTestManager(st AccountStore, tokenURL string) *Manager {
	cfg := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}

	return NewManager(cfg, st, "http://calendar.invalid", http.DefaultClient, testLogger())
}

func freshAccount(id int64) *store.Account {
	return &store.Account{
		ID:             id,
		UserID:         1,
		Email:          fmt.Sprintf("acct%d@example.com", id),
		AccessToken:    "stored-access",
		RefreshToken:   "stored-refresh",
		TokenExpiresAt: time.Now().Add(time.Hour),
	}
}

func expiringAccount(id int64) *store.Account {
	a := freshAccount(id)
	// Inside the refresh safety margin.
	a.TokenExpiresAt = time.Now().Add(3 * time.Minute)

	return a
}

func TestClient_FreshTokenNoRefresh(t *testing.T) {
	var calls atomic.Int32

	srv := newTokenEndpoint(t, &calls, nil, 0)
	defer srv.Close()

	account := freshAccount(1)
	fs := newFakeAccountStore(account)
	m := newTestManager(fs, srv.URL)

	client, err := m.Client(context.Background(), account)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Zero(t, calls.Load())
	assert.Zero(t, fs.updateCount())
}

func TestClient_RefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int32

	srv := newTokenEndpoint(t, &calls, nil, 0)
	defer srv.Close()

	account := expiringAccount(1)
	fs := newFakeAccountStore(account)
	m := newTestManager(fs, srv.URL)

	_, err := m.Client(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// The refreshed token is persisted and visible through the handle.
	require.Equal(t, 1, fs.updateCount())
	assert.Equal(t, "new-access-1", fs.updates[0].accessToken)

	tok, err := m.handles[1].Token()
	require.NoError(t, err)
	assert.Equal(t, "new-access-1", tok)
}

func TestClient_RefreshKeepsStoredRefreshToken(t *testing.T) {
	// The fake endpoint returns no refresh_token, matching Google's
	// usual refresh grant response.
	var calls atomic.Int32

	srv := newTokenEndpoint(t, &calls, nil, 0)
	defer srv.Close()

	account := expiringAccount(1)
	fs := newFakeAccountStore(account)
	m := newTestManager(fs, srv.URL)

	_, err := m.Client(context.Background(), account)
	require.NoError(t, err)

	got, err := fs.GetAccount(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "stored-refresh", got.RefreshToken)
	assert.Equal(t, "stored-refresh", m.handles[1].currentRefreshToken())
}

func TestClient_ConcurrentRefreshSingleFlight(t *testing.T) {
	var calls atomic.Int32

	srv := newTokenEndpoint(t, &calls, nil, 50*time.Millisecond)
	defer srv.Close()

	account := expiringAccount(1)
	fs := newFakeAccountStore(account)
	m := newTestManager(fs, srv.URL)

	var wg sync.WaitGroup

	for n := 0; n < 10; n++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := m.Client(context.Background(), account)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	// All ten callers shared one provider call.
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_NoRefreshToken(t *testing.T) {
	var calls atomic.Int32

	srv := newTokenEndpoint(t, &calls, nil, 0)
	defer srv.Close()

	account := expiringAccount(1)
	account.RefreshToken = ""
	fs := newFakeAccountStore(account)
	m := newTestManager(fs, srv.URL)

	_, err := m.Client(context.Background(), account)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Zero(t, calls.Load())

	// Handle was evicted.
	m.mu.Lock()
	_, cached := m.handles[1]
	m.mu.Unlock()
	assert.False(t, cached)
}

func TestClient_RefreshFailureEvictsHandle(t *testing.T) {
	var calls atomic.Int32

	srv := newTokenEndpoint(t, &calls, map[string]bool{"stored-refresh": true}, 0)
	defer srv.Close()

	account := expiringAccount(1)
	fs := newFakeAccountStore(account)
	m := newTestManager(fs, srv.URL)

	_, err := m.Client(context.Background(), account)
	require.Error(t, err)
	assert.Zero(t, fs.updateCount())

	m.mu.Lock()
	_, cached := m.handles[1]
	m.mu.Unlock()
	assert.False(t, cached)
}

func TestClient_PersistFailureEvictsHandle(t *testing.T) {
	var calls atomic.Int32

	srv := newTokenEndpoint(t, &calls, nil, 0)
	defer srv.Close()

	account := expiringAccount(1)
	fs := newFakeAccountStore(account)
	fs.updateErr = errors.New("disk full")
	m := newTestManager(fs, srv.URL)

	_, err := m.Client(context.Background(), account)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	m.mu.Lock()
	_, cached := m.handles[1]
	m.mu.Unlock()
	assert.False(t, cached)
}

func TestInvalidate(t *testing.T) {
	fs := newFakeAccountStore(freshAccount(1))
	m := newTestManager(fs, "http://unused")

	account := freshAccount(1)
	h1 := m.handleFor(account)
	m.Invalidate(1)
	h2 := m.handleFor(account)

	assert.NotSame(t, h1, h2)
}

func TestRefreshExpiring_Sweep(t *testing.T) {
	var calls atomic.Int32

	failing := freshAccount(2)
	failing.TokenExpiresAt = time.Now().Add(10 * time.Minute)
	failing.RefreshToken = "bad-refresh"

	srv := newTokenEndpoint(t, &calls, map[string]bool{"bad-refresh": true}, 0)
	defer srv.Close()

	expiring := expiringAccount(1)
	healthy := freshAccount(3)

	fs := newFakeAccountStore(expiring, failing, healthy)
	m := newTestManager(fs, srv.URL)

	result, err := m.RefreshExpiring(context.Background())
	require.NoError(t, err)

	// Only the two accounts inside the sweep horizon were considered;
	// one refreshed, one failed, the healthy one untouched.
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Refreshed)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, int64(2), result.Failed[0].AccountID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRefreshExpiring_NothingToDo(t *testing.T) {
	fs := newFakeAccountStore(freshAccount(1))
	m := newTestManager(fs, "http://unused")

	result, err := m.RefreshExpiring(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Total)
	assert.Empty(t, result.Failed)
}
