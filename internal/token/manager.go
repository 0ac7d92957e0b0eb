// Package token owns the OAuth credential lifecycle for linked Google
// accounts: a per-account cache of authenticated API clients, refresh
// ahead of expiry with per-account single-flight, and the batch sweep
// the cron job runs. The cache is process-local; a horizontally scaled
// deployment either shares a lock externally or accepts redundant
// refreshes bounded by the safety margin.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/caltube/caltube/internal/gcal"
	"github.com/caltube/caltube/internal/metrics"
	"github.com/caltube/caltube/internal/store"
)

// refreshMargin is how long before expiry a token is refreshed when a
// client is requested.
const refreshMargin = 5 * time.Minute

// sweepHorizon selects accounts for the batch refresh: everything
// expiring within this window.
const sweepHorizon = 30 * time.Minute

// ErrNoRefreshToken means the account has no stored refresh token and
// cannot be refreshed without re-consent.
var ErrNoRefreshToken = errors.New("token: no refresh token available")

// AccountStore is the slice of persistence the manager needs.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*store.Account, error)
	UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	ListAccountsExpiringBefore(ctx context.Context, deadline time.Time) ([]store.Account, error)
}

// Manager hands out authenticated Calendar API clients, refreshing
// credentials as needed. One instance per process, constructed at
// startup and shared by handlers and jobs.
type Manager struct {
	oauth      *oauth2.Config
	store      AccountStore
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	handles map[int64]*handle

	// group collapses concurrent refreshes for the same account into
	// one provider call; the key is removed once the call settles.
	group singleflight.Group

	// now is overridable in tests.
	now func() time.Time
}

// NewManager creates a token manager. baseURL is the Calendar API
// endpoint handed to constructed clients, typically gcal.DefaultBaseURL.
func NewManager(oauth *oauth2.Config, st AccountStore, baseURL string, httpClient *http.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Manager{
		oauth:      oauth,
		store:      st,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
		handles:    make(map[int64]*handle),
		now:        time.Now,
	}
}

// handle is the cached per-account credential state plus the API client
// bound to it. The client reads the access token through the handle, so
// a refresh updates every outstanding reference in place.
type handle struct {
	accountID int64

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	client *gcal.Client
}

// Token implements gcal.TokenSource.
func (h *handle) Token() (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.accessToken, nil
}

func (h *handle) expiresSoon(now time.Time) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.expiresAt.Sub(now) < refreshMargin
}

func (h *handle) update(accessToken, refreshToken string, expiresAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.accessToken = accessToken
	h.expiresAt = expiresAt

	// Providers omit the refresh token on most grants; keep the stored one.
	if refreshToken != "" {
		h.refreshToken = refreshToken
	}
}

func (h *handle) currentRefreshToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.refreshToken
}

// Client returns an authenticated Calendar API client for the account,
// refreshing the access token first when less than the safety margin
// remains. Concurrent callers during a refresh all wait for the same
// provider call.
func (m *Manager) Client(ctx context.Context, account *store.Account) (*gcal.Client, error) {
	h := m.handleFor(account)

	if h.expiresSoon(m.now()) {
		if err := m.refresh(ctx, h); err != nil {
			return nil, err
		}
	}

	return h.client, nil
}

// Invalidate evicts the cached handle for an account, forcing
// reconstruction from stored credentials on the next call.
func (m *Manager) Invalidate(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.handles, accountID)
}

// handleFor returns the cached handle for the account, creating one
// from its stored credentials on first use.
func (m *Manager) handleFor(account *store.Account) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.handles[account.ID]; ok {
		return h
	}

	h := &handle{
		accountID:    account.ID,
		accessToken:  account.AccessToken,
		refreshToken: account.RefreshToken,
		expiresAt:    account.TokenExpiresAt,
	}
	h.client = gcal.NewClient(m.baseURL, m.httpClient, h, m.logger)

	m.handles[account.ID] = h

	return h
}

// refresh performs the single-flight token refresh for a handle.
func (m *Manager) refresh(ctx context.Context, h *handle) error {
	key := strconv.FormatInt(h.accountID, 10)

	_, err, _ := m.group.Do(key, func() (any, error) {
		return nil, m.doRefresh(ctx, h)
	})

	return err
}

// doRefresh exchanges the refresh token for a new access token,
// persists the result, and updates the handle in place. A failure
// evicts the handle so the next call rebuilds from last-known-good
// stored credentials.
func (m *Manager) doRefresh(ctx context.Context, h *handle) error {
	refreshToken := h.currentRefreshToken()
	if refreshToken == "" {
		m.Invalidate(h.accountID)
		metrics.ObserveTokenRefresh(metrics.OutcomeError)

		return fmt.Errorf("token: refreshing account %d: %w", h.accountID, ErrNoRefreshToken)
	}

	m.logger.Info("refreshing access token", slog.Int64("account_id", h.accountID))

	// A token with only the refresh token set forces a refresh grant.
	src := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		m.Invalidate(h.accountID)
		metrics.ObserveTokenRefresh(metrics.OutcomeError)

		return fmt.Errorf("token: refreshing account %d: %w", h.accountID, err)
	}

	if err := m.store.UpdateAccountTokens(ctx, h.accountID, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		m.Invalidate(h.accountID)
		metrics.ObserveTokenRefresh(metrics.OutcomeError)

		return fmt.Errorf("token: persisting refreshed tokens for account %d: %w", h.accountID, err)
	}

	h.update(tok.AccessToken, tok.RefreshToken, tok.Expiry)
	metrics.ObserveTokenRefresh(metrics.OutcomeSuccess)

	m.logger.Info("access token refreshed",
		slog.Int64("account_id", h.accountID),
		slog.Time("expires_at", tok.Expiry),
	)

	return nil
}

// SweepFailure records one account the sweep could not refresh.
type SweepFailure struct {
	AccountID int64  `json:"account_id"`
	Error     string `json:"error"`
}

// SweepResult summarizes one batch refresh run.
type SweepResult struct {
	Total     int            `json:"total"`
	Refreshed int            `json:"refreshed"`
	Failed    []SweepFailure `json:"failed"`
}

// RefreshExpiring refreshes every account whose token expires within
// the sweep horizon, in concurrency-limited batches. One account's
// failure never aborts the others.
func (m *Manager) RefreshExpiring(ctx context.Context) (*SweepResult, error) {
	deadline := m.now().Add(sweepHorizon)

	accounts, err := m.store.ListAccountsExpiringBefore(ctx, deadline)
	if err != nil {
		return nil, fmt.Errorf("token: selecting expiring accounts: %w", err)
	}

	if len(accounts) == 0 {
		m.logger.Info("no expiring tokens found")
		return &SweepResult{}, nil
	}

	m.logger.Info("refreshing expiring tokens", slog.Int("count", len(accounts)))

	refreshed, failures := gcal.ProcessBatches(ctx, accounts, gcal.DefaultBatchPause, func(ctx context.Context, account store.Account) error {
		return m.refresh(ctx, m.handleFor(&account))
	})

	result := &SweepResult{Total: len(accounts), Refreshed: refreshed}
	for _, f := range failures {
		result.Failed = append(result.Failed, SweepFailure{
			AccountID: f.Item.ID,
			Error:     f.Err.Error(),
		})

		m.logger.Error("token refresh failed",
			slog.Int64("account_id", f.Item.ID),
			slog.String("error", f.Err.Error()),
		)
	}

	return result, nil
}
