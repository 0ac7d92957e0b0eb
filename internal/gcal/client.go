package gcal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

const userAgent = "caltube/0.1"

// DefaultBaseURL is the Google Calendar API v3 endpoint.
const DefaultBaseURL = "https://www.googleapis.com/calendar/v3"

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer
// per Go convention "accept interfaces, return structs". The token
// package provides the real implementation.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the Google Calendar API, bound to one
// account's token source. Each request is authenticated, executed once,
// and its failure classified into an *APIError. Retries are layered on
// top by the typed operations via WithRetry.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// sleepFunc is overridable in tests to avoid real retry delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Calendar API client.
// baseURL is typically DefaultBaseURL; tests point it at a fake server.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		sleepFunc:  sleepContext,
	}
}

// Do executes a single HTTP request against the Calendar API. The path
// is appended to the client's base URL. Non-2xx responses and transport
// failures are returned as classified *APIError values; the caller is
// responsible for closing the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("gcal: creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("gcal: obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gcal: request canceled: %w", ctx.Err())
		}

		return nil, Classify(err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	apiErr := classifyResponse(resp.StatusCode, string(errBody), retryAfterHint(resp))

	c.logger.Warn("request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("kind", string(apiErr.Kind)),
	)

	return nil, apiErr
}

// retryAfterHint parses the Retry-After header as whole seconds.
// Returns zero when absent or unparseable.
func retryAfterHint(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}

	seconds, err := strconv.Atoi(ra)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}
