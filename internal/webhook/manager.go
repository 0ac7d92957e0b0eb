// Package webhook owns the push-notification channel lifecycle for
// synced calendars: opening channels against the Calendar API, renewing
// them ahead of their provider-imposed expiry, tearing them down, and
// reporting aggregate health.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caltube/caltube/internal/gcal"
	"github.com/caltube/caltube/internal/metrics"
	"github.com/caltube/caltube/internal/store"
)

// maxChannelLifetime is the longest lifetime the Calendar API grants a
// push channel.
const maxChannelLifetime = 7 * 24 * time.Hour

// renewThreshold is how close to expiry a channel must be before the
// renewal sweep re-opens it.
const renewThreshold = 24 * time.Hour

// sweepPause is the wait between renewal batches.
const sweepPause = 1 * time.Second

// callbackPath is where the provider delivers push notifications,
// relative to the configured public base URL.
const callbackPath = "/webhook/google"

// ClientSource hands out authenticated API clients per account. The
// token manager is the production implementation.
type ClientSource interface {
	Client(ctx context.Context, account *store.Account) (*gcal.Client, error)
}

// CalendarStore is the slice of persistence the manager needs.
type CalendarStore interface {
	GetAccount(ctx context.Context, id int64) (*store.Account, error)
	UpdateCalendarWebhook(ctx context.Context, id int64, channelID, resourceID string, expiresAt time.Time) error
	ClearCalendarWebhook(ctx context.Context, id int64) error
	ListWebhookCalendarsExpiringBefore(ctx context.Context, deadline time.Time) ([]store.Calendar, error)
	ListActiveWebhookCalendars(ctx context.Context) ([]store.Calendar, error)
}

// Manager maintains push channels for every synced calendar. One
// instance per process, constructed at startup.
type Manager struct {
	clients ClientSource
	store   CalendarStore
	baseURL string
	logger  *slog.Logger

	// now is overridable in tests.
	now func() time.Time
}

// NewManager creates a webhook manager. baseURL is the deployment's
// public base URL; when it points at loopback or private address space
// channel creation is simulated so local development needs no publicly
// reachable callback.
func NewManager(clients ClientSource, st CalendarStore, baseURL string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		clients: clients,
		store:   st,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

// Channel is the outcome of a successful setup.
type Channel struct {
	ChannelID  string    `json:"channel_id"`
	ResourceID string    `json:"resource_id"`
	Expiration time.Time `json:"expiration"`
}

// Setup opens a push channel for the calendar and persists its
// identifiers. Any previously recorded channel is torn down first,
// best-effort: the old channel may already be gone on the provider
// side, so teardown failures are logged and ignored.
func (m *Manager) Setup(ctx context.Context, account *store.Account, calendar *store.Calendar) (*Channel, error) {
	m.logger.Info("setting up webhook",
		slog.Int64("calendar_id", calendar.ID),
		slog.String("provider_id", calendar.ProviderID),
	)

	if !m.isPublicBaseURL() {
		return m.simulateChannel(ctx, calendar)
	}

	if calendar.HasWebhook() {
		m.stopSafely(ctx, account, calendar)
	}

	client, err := m.clients.Client(ctx, account)
	if err != nil {
		metrics.ObserveWebhookRenewal(metrics.OutcomeError)
		return nil, fmt.Errorf("webhook: obtaining client for account %d: %w", account.ID, err)
	}

	// Calendar id plus creation time guarantees a unique channel id
	// without a central allocator.
	channelID := fmt.Sprintf("cal-%d-%d", calendar.ID, m.now().UnixMilli())
	expiration := m.now().Add(maxChannelLifetime)

	ch, err := client.Watch(ctx, calendar.ProviderID, channelID, m.baseURL+callbackPath, expiration)
	if err != nil {
		metrics.ObserveWebhookRenewal(metrics.OutcomeError)
		return nil, fmt.Errorf("webhook: opening channel for calendar %d: %w", calendar.ID, err)
	}

	// The provider may grant less than requested.
	granted := time.UnixMilli(ch.Expiration)
	if ch.Expiration == 0 {
		granted = expiration
	}

	if err := m.store.UpdateCalendarWebhook(ctx, calendar.ID, channelID, ch.ResourceID, granted); err != nil {
		metrics.ObserveWebhookRenewal(metrics.OutcomeError)
		return nil, fmt.Errorf("webhook: persisting channel for calendar %d: %w", calendar.ID, err)
	}

	calendar.WebhookChannelID = channelID
	calendar.WebhookResourceID = ch.ResourceID
	calendar.WebhookExpiresAt = granted

	metrics.ObserveWebhookRenewal(metrics.OutcomeSuccess)

	m.logger.Info("webhook setup successful",
		slog.Int64("calendar_id", calendar.ID),
		slog.String("channel_id", channelID),
		slog.Time("expires_at", granted),
	)

	return &Channel{ChannelID: channelID, ResourceID: ch.ResourceID, Expiration: granted}, nil
}

// simulateChannel records synthetic identifiers without a provider
// call, for deployments without a publicly reachable callback.
func (m *Manager) simulateChannel(ctx context.Context, calendar *store.Calendar) (*Channel, error) {
	m.logger.Info("simulating webhook in non-public deployment",
		slog.Int64("calendar_id", calendar.ID),
		slog.String("base_url", m.baseURL),
	)

	ch := &Channel{
		ChannelID:  "dev-channel-" + uuid.NewString(),
		ResourceID: "dev-resource-" + uuid.NewString(),
		Expiration: m.now().Add(maxChannelLifetime),
	}

	if err := m.store.UpdateCalendarWebhook(ctx, calendar.ID, ch.ChannelID, ch.ResourceID, ch.Expiration); err != nil {
		return nil, fmt.Errorf("webhook: persisting simulated channel for calendar %d: %w", calendar.ID, err)
	}

	calendar.WebhookChannelID = ch.ChannelID
	calendar.WebhookResourceID = ch.ResourceID
	calendar.WebhookExpiresAt = ch.Expiration

	return ch, nil
}

// Remove tears down the calendar's channel (best-effort) and clears the
// persisted identifiers.
func (m *Manager) Remove(ctx context.Context, account *store.Account, calendar *store.Calendar) error {
	m.logger.Info("removing webhook", slog.Int64("calendar_id", calendar.ID))

	m.stopSafely(ctx, account, calendar)

	if err := m.store.ClearCalendarWebhook(ctx, calendar.ID); err != nil {
		return fmt.Errorf("webhook: clearing channel for calendar %d: %w", calendar.ID, err)
	}

	calendar.WebhookChannelID = ""
	calendar.WebhookResourceID = ""
	calendar.WebhookExpiresAt = time.Time{}

	return nil
}

// stopSafely closes the provider channel, swallowing failures: the
// channel may already have expired on the provider side.
func (m *Manager) stopSafely(ctx context.Context, account *store.Account, calendar *store.Calendar) {
	if !calendar.HasWebhook() {
		return
	}

	// Simulated channels have no provider-side counterpart.
	if strings.HasPrefix(calendar.WebhookChannelID, "dev-channel-") {
		return
	}

	client, err := m.clients.Client(ctx, account)
	if err != nil {
		m.logger.Warn("skipping webhook teardown, no client",
			slog.Int64("calendar_id", calendar.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := client.StopChannel(ctx, calendar.WebhookChannelID, calendar.WebhookResourceID); err != nil {
		m.logger.Warn("failed to stop webhook, continuing",
			slog.Int64("calendar_id", calendar.ID),
			slog.String("channel_id", calendar.WebhookChannelID),
			slog.String("error", err.Error()),
		)
	}
}

// SweepFailure records one calendar the renewal sweep could not refresh.
type SweepFailure struct {
	CalendarID int64  `json:"calendar_id"`
	Error      string `json:"error"`
}

// SweepResult summarizes one renewal sweep.
type SweepResult struct {
	Total     int            `json:"total"`
	Refreshed int            `json:"refreshed"`
	Failed    []SweepFailure `json:"failed"`
}

// RefreshExpiring re-runs setup for every active calendar whose channel
// expires within the renewal threshold, in concurrency-limited batches
// with a pause between batches. Failures are collected per calendar.
func (m *Manager) RefreshExpiring(ctx context.Context) (*SweepResult, error) {
	deadline := m.now().Add(renewThreshold)

	calendars, err := m.store.ListWebhookCalendarsExpiringBefore(ctx, deadline)
	if err != nil {
		return nil, fmt.Errorf("webhook: selecting expiring channels: %w", err)
	}

	if len(calendars) == 0 {
		m.logger.Info("no expiring webhooks found")
		return &SweepResult{}, nil
	}

	m.logger.Info("refreshing expiring webhooks", slog.Int("count", len(calendars)))

	refreshed, failures := gcal.ProcessBatches(ctx, calendars, sweepPause, func(ctx context.Context, calendar store.Calendar) error {
		account, err := m.store.GetAccount(ctx, calendar.AccountID)
		if err != nil {
			return fmt.Errorf("webhook: loading account %d: %w", calendar.AccountID, err)
		}

		_, err = m.Setup(ctx, account, &calendar)

		return err
	})

	result := &SweepResult{Total: len(calendars), Refreshed: refreshed}
	for _, f := range failures {
		result.Failed = append(result.Failed, SweepFailure{
			CalendarID: f.Item.ID,
			Error:      f.Err.Error(),
		})

		m.logger.Error("webhook renewal failed",
			slog.Int64("calendar_id", f.Item.ID),
			slog.String("error", f.Err.Error()),
		)
	}

	m.logger.Info("webhook refresh completed",
		slog.Int("total", result.Total),
		slog.Int("refreshed", result.Refreshed),
		slog.Int("failed", len(result.Failed)),
	)

	return result, nil
}

// Stats buckets every active, webhook-bearing calendar by comparing its
// recorded expiry to now and the renewal threshold. No provider calls.
type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Expiring int `json:"expiring"`
	Expired  int `json:"expired"`
}

// GetStats reports aggregate channel health.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	calendars, err := m.store.ListActiveWebhookCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhook: listing channels for stats: %w", err)
	}

	now := m.now()
	threshold := now.Add(renewThreshold)
	stats := &Stats{Total: len(calendars)}

	for _, c := range calendars {
		switch {
		case c.WebhookExpiresAt.Before(now):
			stats.Expired++
		case c.WebhookExpiresAt.Before(threshold):
			stats.Expiring++
		default:
			stats.Active++
		}
	}

	return stats, nil
}

// Invalid describes one channel the validation pass rejected.
type Invalid struct {
	CalendarID int64  `json:"calendar_id"`
	Reason     string `json:"reason"`
}

// ValidationResult summarizes a validation pass.
type ValidationResult struct {
	Total   int       `json:"total"`
	Valid   int       `json:"valid"`
	Invalid []Invalid `json:"invalid"`
}

// Validate classifies every active, webhook-bearing calendar as valid
// or expired, purely from persisted expiries.
func (m *Manager) Validate(ctx context.Context) (*ValidationResult, error) {
	calendars, err := m.store.ListActiveWebhookCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("webhook: listing channels for validation: %w", err)
	}

	now := m.now()
	result := &ValidationResult{Total: len(calendars)}

	for _, c := range calendars {
		switch {
		case c.WebhookExpiresAt.IsZero():
			result.Invalid = append(result.Invalid, Invalid{
				CalendarID: c.ID,
				Reason:     "no expiration date",
			})
		case c.WebhookExpiresAt.Before(now):
			result.Invalid = append(result.Invalid, Invalid{
				CalendarID: c.ID,
				Reason:     fmt.Sprintf("expired at %s", c.WebhookExpiresAt.Format(time.RFC3339)),
			})
		default:
			result.Valid++
		}
	}

	return result, nil
}

// isPublicBaseURL reports whether the configured base URL is reachable
// by the provider. Loopback, private-network, and .local hosts are not.
func (m *Manager) isPublicBaseURL() bool {
	u, err := url.Parse(m.baseURL)
	if err != nil || u.Hostname() == "" {
		return false
	}

	host := u.Hostname()

	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return false
	}

	if ip := net.ParseIP(host); ip != nil {
		return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsLinkLocalUnicast()
	}

	return true
}
