package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/caltube/caltube/internal/store"
)

// Google's push notification headers.
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
)

// handleWebhook receives a Google Calendar push notification, resolves
// the channel to a watched calendar and runs incremental change
// processing for it. The initial "sync" handshake is acknowledged
// without doing any work.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get(headerChannelID)
	state := r.Header.Get(headerResourceState)

	if state == "sync" {
		h.logger.Debug("webhook handshake acknowledged", "channel_id", channelID)
		writeJSON(w, http.StatusOK, map[string]string{"message": "sync acknowledged"})
		return
	}

	if channelID == "" {
		writeError(w, http.StatusBadRequest, "missing channel id")
		return
	}

	calendar, err := h.store.GetCalendarByChannelID(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Stale channel from a replaced or removed watch. Tell the
			// provider to stop delivering on it.
			h.logger.Warn("notification for unknown channel",
				"channel_id", channelID,
				"resource_id", r.Header.Get(headerResourceID))
			writeError(w, http.StatusNotFound, "unknown channel")
			return
		}

		h.logger.Error("channel lookup failed", "channel_id", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	account, err := h.store.GetAccount(r.Context(), calendar.AccountID)
	if err != nil {
		h.logger.Error("account lookup failed", "account_id", calendar.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	processed, err := h.engine.ProcessChanges(r.Context(), calendar, account)
	if err != nil {
		h.logger.Error("change processing failed",
			"calendar_id", calendar.ID,
			"channel_id", channelID,
			"error", err)
		writeError(w, http.StatusInternalServerError, "change processing failed")
		return
	}

	h.logger.Info("notification processed",
		"calendar_id", calendar.ID,
		"channel_id", channelID,
		"events_processed", processed)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "processed",
		"events_processed": processed,
	})
}

// handleRefreshTokens runs the proactive token refresh sweep.
func (h *Handler) handleRefreshTokens(w http.ResponseWriter, r *http.Request) {
	result, err := h.tokens.RefreshExpiring(r.Context())
	if err != nil {
		h.logger.Error("token refresh sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token refresh sweep failed")
		return
	}

	h.logger.Info("token refresh sweep finished",
		"total", result.Total,
		"refreshed", result.Refreshed,
		"failed", len(result.Failed))
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tokens":  result,
	})
}

// handleRefreshWebhooks runs the channel renewal sweep, reporting
// channel health before and after.
func (h *Handler) handleRefreshWebhooks(w http.ResponseWriter, r *http.Request) {
	before, err := h.webhooks.GetStats(r.Context())
	if err != nil {
		h.logger.Error("webhook stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook stats failed")
		return
	}

	result, err := h.webhooks.RefreshExpiring(r.Context())
	if err != nil {
		h.logger.Error("webhook renewal sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook renewal sweep failed")
		return
	}

	after, err := h.webhooks.GetStats(r.Context())
	if err != nil {
		h.logger.Error("webhook stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook stats failed")
		return
	}

	h.logger.Info("webhook renewal sweep finished",
		"total", result.Total,
		"refreshed", result.Refreshed,
		"failed", len(result.Failed))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"renewals":     result,
		"stats_before": before,
		"stats_after":  after,
	})
}

type registerCalendarRequest struct {
	AccountID int64 `json:"account_id"`
}

// handleRegisterCalendar brings an account's primary calendar under
// sync: it resolves the calendar from the provider's calendar list,
// inserts the record, and sets up the push channel. Webhook setup is
// best-effort; the registration stands even when it fails, and the
// renewal sweep will retry later.
func (h *Handler) handleRegisterCalendar(w http.ResponseWriter, r *http.Request) {
	var req registerCalendarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == 0 {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	account, err := h.store.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}

		h.logger.Error("account lookup failed", "account_id", req.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if account.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "account has no refresh token, relink it")
		return
	}

	client, err := h.tokens.Client(r.Context(), account)
	if err != nil {
		h.logger.Error("obtaining provider client failed", "account_id", account.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "obtaining provider client failed")
		return
	}

	entries, err := client.ListCalendars(r.Context())
	if err != nil {
		h.logger.Error("listing provider calendars failed", "account_id", account.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "listing provider calendars failed")
		return
	}

	var providerID, name string
	for _, entry := range entries {
		if entry.Primary {
			providerID = entry.ID
			name = entry.Summary
			break
		}
	}

	if providerID == "" {
		writeError(w, http.StatusNotFound, "primary calendar not found")
		return
	}

	if name == "" {
		name = "Primary Calendar"
	}

	if _, err := h.store.GetCalendarByProviderID(r.Context(), account.ID, providerID); err == nil {
		writeError(w, http.StatusBadRequest, "calendar already added")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("calendar lookup failed", "account_id", account.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	calendar, err := h.store.CreateCalendar(r.Context(), &store.Calendar{
		AccountID:  account.ID,
		ProviderID: providerID,
		Name:       name,
		IsActive:   true,
	})
	if err != nil {
		h.logger.Error("creating calendar failed", "account_id", account.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "creating calendar failed")
		return
	}

	webhookActive := true
	if _, err := h.webhooks.Setup(r.Context(), account, calendar); err != nil {
		webhookActive = false
		h.logger.Error("webhook setup failed, calendar registered without push",
			"calendar_id", calendar.ID,
			"error", err)
	}

	h.logger.Info("calendar registered",
		"calendar_id", calendar.ID,
		"account_id", account.ID,
		"provider_id", calendar.ProviderID,
		"webhook_active", webhookActive)
	writeJSON(w, http.StatusOK, map[string]any{
		"calendar": map[string]any{
			"id":          calendar.ID,
			"account_id":  calendar.AccountID,
			"provider_id": calendar.ProviderID,
			"name":        calendar.Name,
		},
		"webhook_active": webhookActive,
	})
}

// handleRemoveCalendar takes a calendar out of sync: the push channel
// is torn down and the record deactivated. History stays.
func (h *Handler) handleRemoveCalendar(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid calendar id")
		return
	}

	calendar, err := h.store.GetCalendar(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "calendar not found")
			return
		}

		h.logger.Error("calendar lookup failed", "calendar_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	account, err := h.store.GetAccount(r.Context(), calendar.AccountID)
	if err != nil {
		h.logger.Error("account lookup failed", "account_id", calendar.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.webhooks.Remove(r.Context(), account, calendar); err != nil {
		// Deactivation proceeds; a dangling channel notification on an
		// inactive calendar is acknowledged and dropped.
		h.logger.Warn("webhook removal failed during deactivation",
			"calendar_id", calendar.ID,
			"error", err)
	}

	if err := h.store.SetCalendarActive(r.Context(), calendar.ID, false); err != nil {
		h.logger.Error("deactivating calendar failed", "calendar_id", calendar.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "deactivating calendar failed")
		return
	}

	h.logger.Info("calendar deactivated", "calendar_id", calendar.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type initialSyncRequest struct {
	CalendarID int64 `json:"calendar_id"`
}

// handleInitialSync seeds a calendar's mirror by syncing its upcoming
// window and establishing the incremental cursor.
func (h *Handler) handleInitialSync(w http.ResponseWriter, r *http.Request) {
	var req initialSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CalendarID == 0 {
		writeError(w, http.StatusBadRequest, "calendar_id is required")
		return
	}

	calendar, err := h.store.GetCalendar(r.Context(), req.CalendarID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "calendar not found")
			return
		}

		h.logger.Error("calendar lookup failed", "calendar_id", req.CalendarID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	account, err := h.store.GetAccount(r.Context(), calendar.AccountID)
	if err != nil {
		h.logger.Error("account lookup failed", "account_id", calendar.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	processed, err := h.engine.InitialSync(r.Context(), calendar, account)
	if err != nil {
		h.logger.Error("initial sync failed", "calendar_id", calendar.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "initial sync failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"events_processed": processed,
	})
}

// handleWebhookStats reports aggregate channel health.
func (h *Handler) handleWebhookStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.webhooks.GetStats(r.Context())
	if err != nil {
		h.logger.Error("webhook stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook stats failed")
		return
	}

	validation, err := h.webhooks.Validate(r.Context())
	if err != nil {
		h.logger.Error("webhook validation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "webhook validation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":      stats,
		"validation": validation,
	})
}
